// Package jobs runs fire-and-forget background work with bounded
// concurrency. Failures never reach the caller: errors and panics are logged
// and counted, since the foreground response has already been sent by the
// time a background job runs.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/learnhub/offline-cache/telemetry"
)

const (
	defaultConcurrency = 8
	defaultTimeout     = 60 * time.Second
)

// Runner executes background jobs.
type Runner struct {
	logger  *slog.Logger
	sem     chan struct{}
	timeout time.Duration

	wg     sync.WaitGroup
	closed atomic.Bool
}

// Option configures a Runner.
type Option func(*Runner)

// WithLogger sets the logger for the runner.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Runner) {
		r.logger = logger
	}
}

// WithConcurrency bounds the number of jobs running at once.
func WithConcurrency(n int) Option {
	return func(r *Runner) {
		if n > 0 {
			r.sem = make(chan struct{}, n)
		}
	}
}

// WithTimeout sets the per-job timeout.
func WithTimeout(d time.Duration) Option {
	return func(r *Runner) {
		if d > 0 {
			r.timeout = d
		}
	}
}

// New creates a Runner.
func New(opts ...Option) *Runner {
	r := &Runner{
		logger:  slog.Default(),
		sem:     make(chan struct{}, defaultConcurrency),
		timeout: defaultTimeout,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With("component", "jobs")
	return r
}

// Submit schedules fn to run in the background. The job receives a fresh
// context bounded by the runner timeout, detached from any request context so
// it may outlive its trigger. Returns false if the runner is closed.
func (r *Runner) Submit(name string, fn func(ctx context.Context) error) bool {
	if r.closed.Load() {
		return false
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()

		r.sem <- struct{}{}
		defer func() { <-r.sem }()

		r.run(name, fn)
	}()
	return true
}

func (r *Runner) run(name string, fn func(ctx context.Context) error) {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()

	start := time.Now()
	defer func() {
		if rec := recover(); rec != nil {
			telemetry.RecordJob(ctx, name, "panic", time.Since(start))
			r.logger.Error("background job panicked",
				"job", name, "panic", fmt.Sprint(rec), "stack", string(debug.Stack()))
		}
	}()

	err := fn(ctx)
	duration := time.Since(start)

	switch {
	case err == nil:
		telemetry.RecordJob(ctx, name, "success", duration)
	case errors.Is(err, context.DeadlineExceeded):
		telemetry.RecordJob(ctx, name, "timeout", duration)
		r.logger.Warn("background job timed out", "job", name, "duration", duration)
	default:
		telemetry.RecordJob(ctx, name, "error", duration)
		r.logger.Warn("background job failed", "job", name, "error", err)
	}
}

// Close stops accepting jobs and waits for in-flight jobs to finish, or for
// ctx to be done, whichever comes first.
func (r *Runner) Close(ctx context.Context) error {
	r.closed.Store(true)

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("draining background jobs: %w", ctx.Err())
	}
}
