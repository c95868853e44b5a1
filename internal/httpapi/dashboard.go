package httpapi

import (
	"fmt"
	"net/http"
)

const dashboardHTML = `<!doctype html>
<html lang="en">
<head>
  <meta charset="utf-8" />
  <meta name="viewport" content="width=device-width, initial-scale=1" />
  <title>ContactBridge Sync Monitor</title>
  <style>
    :root {
      --ink: #1b2430;
      --paper: #f6f7fb;
      --card: #ffffff;
      --line: #d9dee8;
      --accent: #2b6cb0;
      --accent-2: #d69e2e;
      --danger: #c53030;
      --muted: #68778d;
    }

    * { box-sizing: border-box; }

    body {
      margin: 0;
      font-family: "Segoe UI", "Helvetica Neue", Arial, sans-serif;
      color: var(--ink);
      background: linear-gradient(150deg, #f9fafc 0%, #eef2f8 100%);
      min-height: 100vh;
      padding: 20px;
    }

    .shell {
      max-width: 1080px;
      margin: 0 auto;
      display: grid;
      gap: 14px;
    }

    .bar {
      background: var(--card);
      border: 1px solid var(--line);
      border-radius: 12px;
      padding: 16px;
      box-shadow: 0 6px 16px rgba(27, 36, 48, 0.08);
    }

    h1 { margin: 0; font-size: 1.4rem; }

    .sub { margin-top: 6px; color: var(--muted); font-size: 0.88rem; }

    .controls { display: flex; gap: 10px; margin-top: 12px; flex-wrap: wrap; }

    button {
      border: 0;
      border-radius: 8px;
      padding: 9px 14px;
      font-family: inherit;
      font-weight: 600;
      cursor: pointer;
    }

    .btn-primary { background: var(--accent); color: #ffffff; }
    .btn-secondary { background: #e9edf4; color: var(--ink); border: 1px solid var(--line); }

    .cards {
      display: grid;
      gap: 10px;
      grid-template-columns: repeat(5, minmax(110px, 1fr));
    }

    .card {
      background: var(--card);
      border: 1px solid var(--line);
      border-radius: 10px;
      padding: 12px;
      min-height: 76px;
    }

    .label {
      text-transform: uppercase;
      letter-spacing: 0.08em;
      font-size: 0.64rem;
      color: var(--muted);
    }

    .value { margin-top: 6px; font-size: 1.2rem; font-weight: 700; }

    .panel {
      background: var(--card);
      border: 1px solid var(--line);
      border-radius: 12px;
      padding: 14px;
    }

    .panel h2 {
      margin: 0 0 10px;
      font-size: 0.88rem;
      text-transform: uppercase;
      letter-spacing: 0.06em;
    }

    table { width: 100%; border-collapse: collapse; font-size: 0.84rem; }

    th, td {
      text-align: left;
      border-bottom: 1px solid #e8ecf2;
      padding: 7px 6px;
      vertical-align: top;
    }

    th { color: var(--muted); text-transform: uppercase; font-size: 0.68rem; }

    .mono { font-family: "SFMono-Regular", Menlo, Consolas, monospace; }
    .err { color: var(--danger); }

    .status-line {
      margin-top: 10px;
      font-size: 0.84rem;
      color: var(--muted);
      display: flex;
      gap: 12px;
      flex-wrap: wrap;
    }

    @media (max-width: 760px) {
      .cards { grid-template-columns: repeat(2, minmax(110px, 1fr)); }
    }
  </style>
</head>
<body>
  <main class="shell">
    <section class="bar">
      <h1>ContactBridge Sync Monitor</h1>
      <div class="sub">Queue pressure, sync counters, reconciliation and dead letters.</div>
      <div class="controls">
        <button id="refresh" class="btn-primary" type="button">Refresh Now</button>
        <button id="sweep" class="btn-secondary" type="button">Run Reconcile Sweep</button>
      </div>
      <div class="status-line">
        <span>Last: <span id="lastUpdated">never</span></span>
        <span>Last sweep: <span id="lastSweep" class="mono">-</span></span>
        <span id="statusMessage">idle</span>
      </div>
    </section>

    <section class="cards">
      <article class="card"><div class="label">Queue Depth</div><div id="queueDepth" class="value">-</div></article>
      <article class="card"><div class="label">Synced</div><div id="synced" class="value">-</div></article>
      <article class="card"><div class="label">No-ops</div><div id="noops" class="value">-</div></article>
      <article class="card"><div class="label">Retried</div><div id="retried" class="value">-</div></article>
      <article class="card"><div class="label">Dead Letters</div><div id="deadCount" class="value">-</div></article>
    </section>

    <section class="panel">
      <h2>Dead Letters</h2>
      <table>
        <thead>
          <tr>
            <th>Source</th>
            <th>Record</th>
            <th>Kind</th>
            <th>Attempts</th>
            <th>Last Error</th>
          </tr>
        </thead>
        <tbody id="deadRows"></tbody>
      </table>
    </section>
  </main>

  <script>
    (function () {
      async function request(path, options) {
        const response = await fetch(path, options || {});
        const data = await response.json();
        if (!response.ok) {
          const msg = data.message ? String(data.message) : response.statusText;
          throw new Error(response.status + ": " + msg);
        }
        return data;
      }

      const dom = {
        refresh: document.getElementById("refresh"),
        sweep: document.getElementById("sweep"),
        lastUpdated: document.getElementById("lastUpdated"),
        lastSweep: document.getElementById("lastSweep"),
        statusMessage: document.getElementById("statusMessage"),
        queueDepth: document.getElementById("queueDepth"),
        synced: document.getElementById("synced"),
        noops: document.getElementById("noops"),
        retried: document.getElementById("retried"),
        deadCount: document.getElementById("deadCount"),
        deadRows: document.getElementById("deadRows"),
      };

      function setStatus(text, isError) {
        dom.statusMessage.textContent = text;
        dom.statusMessage.className = isError ? "err" : "";
      }

      function renderDeadLetters(items) {
        dom.deadRows.innerHTML = "";
        if (!Array.isArray(items) || items.length === 0) {
          const tr = document.createElement("tr");
          tr.innerHTML = "<td colspan=\"5\">No dead letters</td>";
          dom.deadRows.appendChild(tr);
          return;
        }
        items.forEach((item) => {
          const ev = item.event || {};
          const tr = document.createElement("tr");
          const cells = [
            String(ev.source || "-"),
            String(ev.subjectId || "-"),
            String(ev.kind || "-"),
            String(item.attempts || 0),
            String(item.lastError || "-"),
          ];
          cells.forEach((text, i) => {
            const td = document.createElement("td");
            if (i === 1) { td.className = "mono"; }
            if (i === 4) { td.className = "err"; }
            td.textContent = text;
            tr.appendChild(td);
          });
          dom.deadRows.appendChild(tr);
        });
      }

      async function refresh() {
        setStatus("refreshing...", false);
        try {
          const [status, dead] = await Promise.all([
            request("/v1/status"),
            request("/v1/deadletters"),
          ]);
          const counters = status.counters || {};
          dom.queueDepth.textContent = String(status.queueDepth || 0);
          dom.synced.textContent = String(counters.synced || 0);
          dom.noops.textContent = String(counters.noops || 0);
          dom.retried.textContent = String(counters.retried || 0);
          const letters = dead.deadLetters || [];
          dom.deadCount.textContent = String(letters.length);
          dom.lastSweep.textContent = status.lastSweep || "-";
          renderDeadLetters(letters);
          dom.lastUpdated.textContent = new Date().toLocaleTimeString();
          setStatus("ok", false);
        } catch (err) {
          setStatus(String(err && err.message ? err.message : err), true);
        }
      }

      async function triggerSweep() {
        try {
          await request("/v1/reconcile", { method: "POST" });
          setStatus("sweep started", false);
        } catch (err) {
          setStatus(String(err && err.message ? err.message : err), true);
        }
      }

      dom.refresh.addEventListener("click", refresh);
      dom.sweep.addEventListener("click", triggerSweep);
      setInterval(refresh, 5000);
      refresh();
    })();
  </script>
</body>
</html>`

func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusNotFound, "not_found", "route not found")
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = fmt.Fprint(w, dashboardHTML)
}
