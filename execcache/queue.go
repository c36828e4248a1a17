package execcache

import (
	"log/slog"
	"sync"
	"time"
)

// DefaultPendingTimeout is how long a pending execution may stay unresolved
// before it is force-failed. The underlying execution may still be running;
// the timeout only simulates cancellation from the caller's perspective.
const DefaultPendingTimeout = 30 * time.Second

// PendingQueue tracks in-flight executions by id and guarantees every waiter
// is resolved exactly once, by a result or by the timeout.
type PendingQueue struct {
	logger  *slog.Logger
	timeout time.Duration

	mu      sync.Mutex
	pending map[string]*pendingExec
}

type pendingExec struct {
	ch    chan Result
	timer *time.Timer
}

// QueueOption configures a PendingQueue.
type QueueOption func(*PendingQueue)

// WithQueueLogger sets the logger.
func WithQueueLogger(logger *slog.Logger) QueueOption {
	return func(q *PendingQueue) {
		q.logger = logger
	}
}

// WithPendingTimeout sets the force-fail timeout.
func WithPendingTimeout(d time.Duration) QueueOption {
	return func(q *PendingQueue) {
		if d > 0 {
			q.timeout = d
		}
	}
}

// NewPendingQueue creates a PendingQueue.
func NewPendingQueue(opts ...QueueOption) *PendingQueue {
	q := &PendingQueue{
		logger:  slog.Default(),
		timeout: DefaultPendingTimeout,
		pending: make(map[string]*pendingExec),
	}
	for _, opt := range opts {
		opt(q)
	}
	q.logger = q.logger.With("component", "exec-queue")
	return q
}

// Add registers a pending execution and returns the channel its result will
// arrive on. The channel receives exactly one Result: the real outcome, or a
// timeout failure if nothing resolves it in time.
func (q *PendingQueue) Add(id string) <-chan Result {
	q.mu.Lock()
	defer q.mu.Unlock()

	// A duplicate id force-fails the previous waiter rather than leaving
	// it to the timeout.
	if old, ok := q.pending[id]; ok {
		old.timer.Stop()
		old.ch <- Result{Error: "superseded by a new execution with the same id"}
		delete(q.pending, id)
	}

	p := &pendingExec{ch: make(chan Result, 1)}
	p.timer = time.AfterFunc(q.timeout, func() {
		if q.resolve(id, Result{Error: "execution timed out"}) {
			q.logger.Warn("pending execution timed out", "id", id)
		}
	})
	q.pending[id] = p
	return p.ch
}

// Resolve delivers the result for id. Returns false if the id is unknown or
// already resolved.
func (q *PendingQueue) Resolve(id string, result Result) bool {
	return q.resolve(id, result)
}

func (q *PendingQueue) resolve(id string, result Result) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	p, ok := q.pending[id]
	if !ok {
		return false
	}
	p.timer.Stop()
	p.ch <- result
	delete(q.pending, id)
	return true
}

// Len returns the number of unresolved executions.
func (q *PendingQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}
