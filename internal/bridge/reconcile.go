package bridge

import (
	"context"
	"time"

	"github.com/agentworkforce/contactbridge/internal/contact"
)

// SweepReport summarizes one reconciliation pass.
type SweepReport struct {
	Started  time.Time     `json:"started"`
	Duration time.Duration `json:"duration"`
	Scanned  int           `json:"scanned"`
	Synced   int           `json:"synced"`
	Noops    int           `json:"noops"`
	Skipped  int           `json:"skipped"`
	Failed   int           `json:"failed"`
}

// ReconcileAll streams one synthesized sweep event per record that might
// need work: secondary-side deletions first, then every record on the
// primary side, deleted ones included, then every live secondary record
// whose pair the primary pass did not cover. Enumeration is lazy; the next
// page is fetched only as the consumer drains the channel, so a sweep over
// a large remote dataset never buffers it all. The channel closes when
// enumeration finishes or ctx is cancelled.
func (o *Orchestrator) ReconcileAll(ctx context.Context) <-chan SyncEvent {
	out := make(chan SyncEvent)
	go func() {
		defer close(out)
		secondary := o.primary.Other()

		// Pass one: records deleted on the secondary side. These must go
		// first, or the primary pass would see the surviving record as
		// unlinked and re-create the pair it is about to lose. Server-side
		// search cannot reach archived CRM records, so the link is recovered
		// from the link property the archived listing still returns.
		err := o.eachRecord(ctx, secondary, ListOptions{IncludeDeleted: true}, func(rec NativeRecord) bool {
			if !rec.Deleted {
				return true
			}
			if secondary == contact.SystemCRM {
				o.links.RestoreLink(rec.Field(o.links.LinkField()), rec.ID)
			}
			return emit(ctx, out, sweepEvent(secondary, rec.ID, ChangeDeleted))
		})
		if err != nil {
			o.logger.Printf("sweep enumeration of deleted %s records failed: %v", secondary, err)
			return
		}

		// Pass two: the primary side in full. Deleted records must be
		// enumerated too, or deletions that happened while the bridge was
		// down would never propagate.
		seen := map[string]bool{}
		err = o.eachRecord(ctx, o.primary, ListOptions{IncludeDeleted: true}, func(rec NativeRecord) bool {
			seen[rec.ID] = true
			kind := ChangeUpdated
			if rec.Deleted {
				kind = ChangeDeleted
			}
			return emit(ctx, out, sweepEvent(o.primary, rec.ID, kind))
		})
		if err != nil {
			o.logger.Printf("sweep enumeration of %s failed: %v", o.primary, err)
			return
		}

		// Pass three: live secondary records the primary pass did not reach,
		// either unlinked or linked to a primary record that no longer
		// exists.
		err = o.eachRecord(ctx, secondary, ListOptions{}, func(rec NativeRecord) bool {
			if rec.Deleted {
				return true
			}
			if secondary == contact.SystemCRM {
				if localID := rec.Field(o.links.LinkField()); localID != "" && seen[localID] {
					return true
				}
			}
			return emit(ctx, out, sweepEvent(secondary, rec.ID, ChangeUpdated))
		})
		if err != nil {
			o.logger.Printf("sweep enumeration of %s failed: %v", secondary, err)
		}
	}()
	return out
}

// Reconcile runs a full sweep synchronously, processing each synthesized
// event through the normal sync pipeline, and reports the tally.
func (o *Orchestrator) Reconcile(ctx context.Context) SweepReport {
	o.sweepMu.Lock()
	defer o.sweepMu.Unlock()
	o.clearHalts()

	report := SweepReport{Started: o.now()}
	o.lastSweep = report.Started
	for ev := range o.ReconcileAll(ctx) {
		if ctx.Err() != nil {
			break
		}
		report.Scanned++
		switch outcome := o.SyncOne(ctx, ev); outcome.Status {
		case OutcomeSynced:
			report.Synced++
		case OutcomeNoop:
			report.Noops++
		case OutcomeSkipped:
			report.Skipped++
		default:
			report.Failed++
		}
	}
	report.Duration = o.now().Sub(report.Started)

	o.logger.Printf("sweep done in %s: scanned=%d synced=%d noop=%d skipped=%d failed=%d",
		report.Duration.Round(time.Millisecond), report.Scanned, report.Synced, report.Noops, report.Skipped, report.Failed)
	return report
}

// LastSweep returns when the most recent sweep started, zero if none ran.
func (o *Orchestrator) LastSweep() time.Time {
	o.sweepMu.Lock()
	defer o.sweepMu.Unlock()
	return o.lastSweep
}

// RunSweeps reconciles on a fixed interval until ctx is cancelled. The
// first sweep runs immediately; webhook-driven syncs continue in parallel
// and per-identity locking keeps the two from racing on any one record.
func (o *Orchestrator) RunSweeps(ctx context.Context, interval time.Duration, onReport func(SweepReport)) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		report := o.Reconcile(ctx)
		if onReport != nil {
			onReport(report)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// eachRecord pages through sys's listing, invoking fn per record until fn
// returns false or the listing ends.
func (o *Orchestrator) eachRecord(ctx context.Context, sys contact.System, opts ListOptions, fn func(NativeRecord) bool) error {
	for {
		page, err := o.client(sys).List(ctx, opts)
		if err != nil {
			return err
		}
		for _, rec := range page.Records {
			if !fn(rec) {
				return nil
			}
		}
		if page.NextCursor == "" {
			return nil
		}
		opts.Cursor = page.NextCursor
	}
}

func sweepEvent(source contact.System, subjectID string, kind ChangeKind) SyncEvent {
	ev := NewSyncEvent(source, subjectID, kind)
	ev.Sweep = true
	return ev
}

func emit(ctx context.Context, out chan<- SyncEvent, ev SyncEvent) bool {
	select {
	case out <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}
