package bridge

import (
	"context"
	"log"
	"sync"
	"time"
)

// Syncer processes one event end to end. *Orchestrator is the production
// implementation; tests substitute fakes.
type Syncer interface {
	SyncOne(ctx context.Context, ev SyncEvent) Outcome
}

// DeadLetter records an event that exhausted its retry budget.
type DeadLetter struct {
	Event     SyncEvent `json:"event"`
	FailedAt  time.Time `json:"failedAt"`
	Attempts  int       `json:"attempts"`
	LastError string    `json:"lastError"`
}

// PoolStats are cumulative counters since the pool started.
type PoolStats struct {
	Accepted     int `json:"accepted"`
	Duplicates   int `json:"duplicates"`
	Rejected     int `json:"rejected"`
	Synced       int `json:"synced"`
	Noops        int `json:"noops"`
	Skipped      int `json:"skipped"`
	Retried      int `json:"retried"`
	Failed       int `json:"failed"`
	DeadLettered int `json:"deadLettered"`
}

type WorkerPoolOptions struct {
	Queue  EventQueue
	Syncer Syncer
	// Workers is the number of concurrent consumers. Per-identity locking
	// in the orchestrator keeps same-record events serialized regardless.
	Workers     int
	MaxAttempts int
	RetryDelay  time.Duration
	// MaxRetryDelay caps the exponential backoff between attempts.
	MaxRetryDelay time.Duration
	Logger        *log.Logger
}

// WorkerPool drains the event queue through the syncer. Webhook handlers
// stay fast by only enqueueing; all remote I/O happens here. Transient and
// rate-limit failures are retried with capped exponential backoff; events
// that exhaust the budget land in the dead-letter list for the next sweep
// (or an operator) to pick up.
type WorkerPool struct {
	queue         EventQueue
	syncer        Syncer
	maxAttempts   int
	retryDelay    time.Duration
	maxRetryDelay time.Duration
	logger        *log.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu          sync.Mutex
	seen        map[string]time.Time
	stats       PoolStats
	deadLetters []DeadLetter
}

func NewWorkerPool(opts WorkerPoolOptions) *WorkerPool {
	workers := opts.Workers
	if workers <= 0 {
		workers = 2
	}
	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	retryDelay := opts.RetryDelay
	if retryDelay <= 0 {
		retryDelay = 500 * time.Millisecond
	}
	maxRetryDelay := opts.MaxRetryDelay
	if maxRetryDelay <= 0 {
		maxRetryDelay = 30 * time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &WorkerPool{
		queue:         opts.Queue,
		syncer:        opts.Syncer,
		maxAttempts:   maxAttempts,
		retryDelay:    retryDelay,
		maxRetryDelay: maxRetryDelay,
		logger:        logger,
		ctx:           ctx,
		cancel:        cancel,
		seen:          map[string]time.Time{},
	}
	p.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer p.wg.Done()
			p.worker()
		}()
	}
	return p
}

// Submit accepts an event for asynchronous processing. Redelivered webhooks
// sharing a DeliveryID are absorbed silently; a full queue returns
// ErrQueueFull so the receiver can answer 503.
func (p *WorkerPool) Submit(ev SyncEvent) error {
	if !ev.Valid() {
		return ErrInvalidInput
	}
	if ev.DeliveryID != "" {
		p.mu.Lock()
		if _, dup := p.seen[ev.DeliveryID]; dup {
			p.stats.Duplicates++
			p.mu.Unlock()
			return nil
		}
		p.seen[ev.DeliveryID] = time.Now()
		p.pruneSeenLocked()
		p.mu.Unlock()
	}
	if !p.queue.TryEnqueue(ev) {
		p.mu.Lock()
		p.stats.Rejected++
		p.mu.Unlock()
		return ErrQueueFull
	}
	p.mu.Lock()
	p.stats.Accepted++
	p.mu.Unlock()
	return nil
}

func (p *WorkerPool) worker() {
	for {
		ev, ok := p.queue.Dequeue(p.ctx)
		if !ok {
			return
		}
		p.process(ev)
	}
}

func (p *WorkerPool) process(ev SyncEvent) {
	ev.Attempts++
	outcome := p.syncer.SyncOne(p.ctx, ev)

	p.mu.Lock()
	defer p.mu.Unlock()
	switch outcome.Status {
	case OutcomeSynced:
		p.stats.Synced++
	case OutcomeNoop:
		p.stats.Noops++
	case OutcomeSkipped:
		p.stats.Skipped++
	default:
		if outcome.Retryable && ev.Attempts < p.maxAttempts {
			p.stats.Retried++
			p.scheduleRetry(ev)
			return
		}
		p.stats.Failed++
		p.stats.DeadLettered++
		lastError := ""
		if outcome.Err != nil {
			lastError = outcome.Err.Error()
		}
		p.deadLetters = append(p.deadLetters, DeadLetter{
			Event:     ev,
			FailedAt:  time.Now().UTC(),
			Attempts:  ev.Attempts,
			LastError: lastError,
		})
		p.logger.Printf("event %s dead-lettered after %d attempts: %s", ev.ID, ev.Attempts, lastError)
	}
}

func (p *WorkerPool) scheduleRetry(ev SyncEvent) {
	delay := p.backoff(ev.Attempts)
	time.AfterFunc(delay, func() {
		select {
		case <-p.ctx.Done():
			return
		default:
		}
		if !p.queue.TryEnqueue(ev) {
			p.logger.Printf("retry of event %s dropped: queue full", ev.ID)
		}
	})
}

func (p *WorkerPool) backoff(attempt int) time.Duration {
	delay := p.retryDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= p.maxRetryDelay {
			return p.maxRetryDelay
		}
	}
	return delay
}

// Stats returns a snapshot of the cumulative counters.
func (p *WorkerPool) Stats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats
}

// DeadLetters returns the events that exhausted their retries.
func (p *WorkerPool) DeadLetters() []DeadLetter {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]DeadLetter(nil), p.deadLetters...)
}

// Depth reports how many events are waiting in the queue.
func (p *WorkerPool) Depth() int {
	return p.queue.Depth()
}

// Close stops the workers and releases the queue. Pending events stay in
// the queue; a durable backend replays them on the next start.
func (p *WorkerPool) Close() {
	p.cancel()
	_ = p.queue.Close()
	p.wg.Wait()
}

const seenRetention = time.Hour

func (p *WorkerPool) pruneSeenLocked() {
	if len(p.seen) < 4096 {
		return
	}
	cutoff := time.Now().Add(-seenRetention)
	for id, at := range p.seen {
		if at.Before(cutoff) {
			delete(p.seen, id)
		}
	}
}
