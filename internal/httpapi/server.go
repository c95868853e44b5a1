// Package httpapi is the bridge's operational HTTP surface: the webhook
// receivers both remote systems deliver to, plus health, status and a
// manual reconcile trigger. Webhook handlers only validate and enqueue;
// all remote I/O happens on the worker pool, so acknowledgements stay
// inside the senders' delivery deadlines.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentworkforce/contactbridge/internal/bridge"
)

// Intake accepts events for asynchronous processing and reports counters.
type Intake interface {
	Submit(ev bridge.SyncEvent) error
	Stats() bridge.PoolStats
	Depth() int
	DeadLetters() []bridge.DeadLetter
}

// Sweeper runs reconciliation passes on demand.
type Sweeper interface {
	Reconcile(ctx context.Context) bridge.SweepReport
	LastSweep() time.Time
}

type ServerConfig struct {
	// WebhookSecret verifies CRM webhook signatures. Empty disables the
	// check.
	WebhookSecret   string
	RateLimitMax    int
	RateLimitWindow time.Duration
	MaxBodyBytes    int64
}

type Server struct {
	intake      Intake
	sweeper     Sweeper
	cfg         ServerConfig
	rateLimiter *rateLimiter

	sweepMu     sync.Mutex
	sweepActive bool
}

type rateLimiter struct {
	mu      sync.Mutex
	window  time.Duration
	max     int
	entries map[string]rateEntry
}

type rateEntry struct {
	count   int
	resetAt time.Time
}

func NewServer(intake Intake, sweeper Sweeper, cfg ServerConfig) *Server {
	if cfg.RateLimitMax < 0 {
		cfg.RateLimitMax = 0
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	var limiter *rateLimiter
	if cfg.RateLimitMax > 0 {
		limiter = &rateLimiter{
			window:  cfg.RateLimitWindow,
			max:     cfg.RateLimitMax,
			entries: map[string]rateEntry{},
		}
	}
	return &Server{
		intake:      intake,
		sweeper:     sweeper,
		cfg:         cfg,
		rateLimiter: limiter,
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/health" && r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}

	if s.rateLimiter != nil {
		if !s.rateLimiter.allow(clientIP(r), time.Now().UTC()) {
			retryAfter := int(math.Ceil(s.rateLimiter.window.Seconds()))
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			writeError(w, http.StatusTooManyRequests, "rate_limited", "too many requests")
			return
		}
	}

	switch {
	case r.URL.Path == "/":
		s.handleDashboard(w, r)
	case r.URL.Path == "/v1/status" && r.Method == http.MethodGet:
		s.handleStatus(w, r)
	case r.URL.Path == "/v1/webhooks/crm" && r.Method == http.MethodPost:
		s.handleCRMWebhook(w, r)
	case r.URL.Path == "/v1/webhooks/scheduler" && r.Method == http.MethodPost:
		s.handleSchedulerWebhook(w, r)
	case r.URL.Path == "/v1/reconcile" && r.Method == http.MethodPost:
		s.handleReconcile(w, r)
	case r.URL.Path == "/v1/deadletters" && r.Method == http.MethodGet:
		writeJSON(w, http.StatusOK, map[string]any{"deadLetters": s.intake.DeadLetters()})
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found")
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	var lastSweep string
	if t := s.sweeper.LastSweep(); !t.IsZero() {
		lastSweep = t.UTC().Format(time.RFC3339)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"queueDepth": s.intake.Depth(),
		"counters":   s.intake.Stats(),
		"lastSweep":  lastSweep,
	})
}

func (s *Server) handleCRMWebhook(w http.ResponseWriter, r *http.Request) {
	body, ok := s.readRequestBody(w, r)
	if !ok {
		return
	}
	if authErr := verifyWebhookHMAC(s.cfg.WebhookSecret, r.Header.Get("X-Signature"), body); authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message)
		return
	}
	events, err := parseCRMNotifications(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	s.submitAll(w, events)
}

func (s *Server) handleSchedulerWebhook(w http.ResponseWriter, r *http.Request) {
	body, ok := s.readRequestBody(w, r)
	if !ok {
		return
	}
	deliveryID := r.Header.Get("X-Delivery-Id")
	if deliveryID == "" {
		deliveryID = uuid.NewString()
	}
	events, err := parseSchedulerNotification(body, deliveryID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	s.submitAll(w, events)
}

// submitAll enqueues the batch, answering 202 on success. A full queue is
// 503 with Retry-After so the sender redelivers later; both remote systems
// retry on any non-2xx, and DeliveryID dedupe absorbs the partial overlap.
func (s *Server) submitAll(w http.ResponseWriter, events []bridge.SyncEvent) {
	accepted := 0
	for _, ev := range events {
		if err := s.intake.Submit(ev); err != nil {
			if errors.Is(err, bridge.ErrQueueFull) {
				w.Header().Set("Retry-After", "1")
				writeError(w, http.StatusServiceUnavailable, "queue_full", "event queue is full")
				return
			}
			writeError(w, http.StatusBadRequest, "bad_request", err.Error())
			return
		}
		accepted++
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"accepted": accepted})
}

func (s *Server) handleReconcile(w http.ResponseWriter, r *http.Request) {
	s.sweepMu.Lock()
	if s.sweepActive {
		s.sweepMu.Unlock()
		writeError(w, http.StatusConflict, "sweep_running", "a reconciliation sweep is already running")
		return
	}
	s.sweepActive = true
	s.sweepMu.Unlock()

	go func() {
		defer func() {
			s.sweepMu.Lock()
			s.sweepActive = false
			s.sweepMu.Unlock()
		}()
		s.sweeper.Reconcile(context.Background())
	}()
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "sweep started"})
}

func (s *Server) readRequestBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	reader := http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	body, err := io.ReadAll(reader)
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body exceeds limit")
		return nil, false
	}
	return body, true
}

func (l *rateLimiter) allow(key string, now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry, ok := l.entries[key]
	if !ok || now.After(entry.resetAt) {
		l.entries[key] = rateEntry{
			count:   1,
			resetAt: now.Add(l.window),
		}
		return true
	}
	if entry.count >= l.max {
		return false
	}
	entry.count++
	l.entries[key] = entry
	return true
}

func clientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		return forwarded
	}
	return r.RemoteAddr
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]any{
		"code":    code,
		"message": message,
	})
}
