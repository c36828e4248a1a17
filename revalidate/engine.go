package revalidate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/learnhub/offline-cache/jobs"
	"github.com/learnhub/offline-cache/namespace"
	"github.com/learnhub/offline-cache/telemetry"
)

// DefaultFreshnessWindow is how long a cached resource is trusted without
// any network check. A deliberate bandwidth/latency optimization: staleness
// inside the window is accepted, not a correctness bug.
const DefaultFreshnessWindow = 24 * time.Hour

// Upstream issues the network requests used for revalidation. Implemented by
// the strategy package's fetcher.
type Upstream interface {
	// Head issues a HEAD request and returns the response headers.
	Head(ctx context.Context, url string) (http.Header, error)

	// Get fetches the full resource.
	Get(ctx context.Context, url string) (status int, header http.Header, body []byte, err error)
}

// Engine decides when cached resources need refreshing and performs the
// refresh in the background.
type Engine struct {
	meta     *MetadataStore
	store    *namespace.Store
	upstream Upstream
	runner   *jobs.Runner
	logger   *slog.Logger
	now      func() time.Time
	window   time.Duration

	group singleflight.Group
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithLogger sets the logger for the engine.
func WithLogger(logger *slog.Logger) EngineOption {
	return func(e *Engine) {
		e.logger = logger
	}
}

// WithNow sets the time function for testing.
func WithNow(now func() time.Time) EngineOption {
	return func(e *Engine) {
		e.now = now
	}
}

// WithFreshnessWindow sets how long cached resources are trusted without a
// network check.
func WithFreshnessWindow(d time.Duration) EngineOption {
	return func(e *Engine) {
		if d > 0 {
			e.window = d
		}
	}
}

// NewEngine creates an Engine.
func NewEngine(meta *MetadataStore, store *namespace.Store, upstream Upstream, runner *jobs.Runner, opts ...EngineOption) *Engine {
	e := &Engine{
		meta:     meta,
		store:    store,
		upstream: upstream,
		runner:   runner,
		logger:   slog.Default(),
		now:      time.Now,
		window:   DefaultFreshnessWindow,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With("component", "revalidate")
	return e
}

// ShouldUpdate reports whether the cached copy of url needs refreshing.
// No metadata means stale. Inside the freshness window the network is never
// touched. Past the window a HEAD request compares validators; a failed HEAD
// fails open and reports stale.
func (e *Engine) ShouldUpdate(ctx context.Context, url string) bool {
	rec, err := e.meta.Get(url)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			e.logger.Warn("metadata lookup failed", "url", url, "error", err)
		}
		return true
	}

	age := e.now().Sub(rec.CachedAt)
	if age <= e.window {
		telemetry.RecordRevalidation(ctx, "fresh")
		return false
	}

	header, err := e.upstream.Head(ctx, url)
	if err != nil {
		telemetry.RecordRevalidation(ctx, "fail_open")
		e.logger.Debug("head check failed, assuming stale", "url", url, "error", err)
		return true
	}

	if etag := header.Get("ETag"); etag != "" && etag != rec.ETag {
		return true
	}
	if lm := header.Get("Last-Modified"); lm != "" && lm != rec.LastModified {
		return true
	}

	telemetry.RecordRevalidation(ctx, "head_match")
	return false
}

// MaybeRevalidate schedules a background refresh of a cache hit. It returns
// immediately; refresh failures are logged and never surface to the caller.
// Concurrent hits on the same URL collapse into one refresh.
func (e *Engine) MaybeRevalidate(url, ns, cacheKey string) {
	e.runner.Submit("revalidate", func(ctx context.Context) error {
		_, err, _ := e.group.Do(url, func() (any, error) {
			return nil, e.refresh(ctx, url, ns, cacheKey)
		})
		return err
	})
}

func (e *Engine) refresh(ctx context.Context, url, ns, cacheKey string) error {
	if !e.ShouldUpdate(ctx, url) {
		return nil
	}

	ctx = telemetry.WithNamespaceContext(ctx, ns)

	status, header, body, err := e.upstream.Get(ctx, url)
	if err != nil {
		telemetry.RecordRevalidation(ctx, "refresh_failed")
		return fmt.Errorf("refreshing %s: %w", url, err)
	}
	if status >= 400 {
		telemetry.RecordRevalidation(ctx, "refresh_failed")
		e.logger.Debug("refresh returned error status, keeping cached copy",
			"url", url, "status", status)
		return nil
	}

	entry := namespace.Entry{
		Key:    cacheKey,
		URL:    url,
		Status: status,
		Header: header,
	}
	if err := e.store.Put(ctx, ns, entry, body); err != nil {
		telemetry.RecordRevalidation(ctx, "refresh_failed")
		return fmt.Errorf("storing refreshed %s: %w", url, err)
	}

	// Metadata update is best-effort: a failure here only means an extra
	// HEAD check next time.
	if err := e.meta.RecordFetch(url, header); err != nil {
		e.logger.Warn("failed to update metadata after refresh", "url", url, "error", err)
	}

	telemetry.RecordRevalidation(ctx, "refresh")
	e.logger.Debug("refreshed cached resource", "url", url, "namespace", ns)
	return nil
}
