package strategy

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	offlinecache "github.com/learnhub/offline-cache"
	"github.com/learnhub/offline-cache/classify"
	"github.com/learnhub/offline-cache/namespace"
	"github.com/learnhub/offline-cache/revalidate"
	"github.com/learnhub/offline-cache/telemetry"
)

// Response is the best-effort result of executing a strategy. A nil Response
// is never returned: failures resolve to a synthetic 503.
type Response struct {
	Status      int
	Header      http.Header
	Body        []byte
	CacheResult telemetry.CacheResult
}

// Executor runs fetch strategies against the namespace store.
type Executor struct {
	store    *namespace.Store
	upstream *Upstream
	engine   *revalidate.Engine
	meta     *revalidate.MetadataStore
	logger   *slog.Logger

	offlinePage []byte
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithExecutorLogger sets the logger.
func WithExecutorLogger(logger *slog.Logger) ExecutorOption {
	return func(x *Executor) {
		x.logger = logger
	}
}

// WithOfflinePage sets the HTML body served when a navigation cannot be
// satisfied from cache or network.
func WithOfflinePage(body []byte) ExecutorOption {
	return func(x *Executor) {
		x.offlinePage = body
	}
}

// NewExecutor creates an Executor.
func NewExecutor(store *namespace.Store, upstream *Upstream, engine *revalidate.Engine, meta *revalidate.MetadataStore, opts ...ExecutorOption) *Executor {
	x := &Executor{
		store:    store,
		upstream: upstream,
		engine:   engine,
		meta:     meta,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(x)
	}
	x.logger = x.logger.With("component", "strategy")
	return x
}

// Execute serves url according to its classification. Never returns an
// error: network failures degrade to the cache or a synthetic 503.
func (x *Executor) Execute(ctx context.Context, res classify.Result, url string) *Response {
	ns := string(res.Namespace)
	ctx = telemetry.WithNamespaceContext(ctx, ns)

	switch res.Strategy {
	case classify.StrategyCacheFirst:
		return x.cacheFirst(ctx, ns, url, false)
	case classify.StrategyStaleWhileRevalidate:
		return x.cacheFirst(ctx, ns, url, true)
	case classify.StrategyNetworkFirst:
		return x.networkFirst(ctx, ns, url)
	default:
		// Bypass never reaches the executor; treat it as network-first.
		return x.networkFirst(ctx, ns, url)
	}
}

func (x *Executor) cacheFirst(ctx context.Context, ns, url string, revalidateHits bool) *Response {
	key := offlinecache.CacheKey(url)

	entry, body, err := x.store.Get(ctx, ns, key)
	if err == nil {
		telemetry.RecordCacheLookup(ctx, ns, telemetry.CacheHit)
		if revalidateHits {
			x.engine.MaybeRevalidate(url, ns, key)
		}
		return &Response{
			Status:      entry.Status,
			Header:      entry.Header,
			Body:        body,
			CacheResult: telemetry.CacheHit,
		}
	}
	if !errors.Is(err, namespace.ErrNotFound) {
		x.logger.Warn("cache lookup failed", "namespace", ns, "key", key, "error", err)
	}
	telemetry.RecordCacheLookup(ctx, ns, telemetry.CacheMiss)

	status, header, respBody, err := x.upstream.Get(ctx, url)
	if err != nil {
		x.logger.Debug("fetch failed on cache miss", "url", url, "error", err)
		return x.synthetic503(ns)
	}

	x.storeResult(ctx, ns, key, url, status, header, respBody)
	return &Response{
		Status:      status,
		Header:      header,
		Body:        respBody,
		CacheResult: telemetry.CacheMiss,
	}
}

func (x *Executor) networkFirst(ctx context.Context, ns, url string) *Response {
	key := offlinecache.CacheKey(url)

	status, header, body, err := x.upstream.Get(ctx, url)
	if err == nil {
		x.storeResult(ctx, ns, key, url, status, header, body)
		return &Response{
			Status:      status,
			Header:      header,
			Body:        body,
			CacheResult: telemetry.CacheMiss,
		}
	}
	x.logger.Debug("network-first fetch failed, trying cache", "url", url, "error", err)

	entry, cachedBody, cacheErr := x.store.Get(ctx, ns, key)
	if cacheErr == nil {
		telemetry.RecordCacheLookup(ctx, ns, telemetry.CacheStale)
		return &Response{
			Status:      entry.Status,
			Header:      entry.Header,
			Body:        cachedBody,
			CacheResult: telemetry.CacheStale,
		}
	}
	telemetry.RecordCacheLookup(ctx, ns, telemetry.CacheMiss)
	return x.synthetic503(ns)
}

// storeResult writes a fetched response into the namespace and records fetch
// metadata. Error statuses are returned to the client but never cached.
func (x *Executor) storeResult(ctx context.Context, ns, key, url string, status int, header http.Header, body []byte) {
	if status >= 400 {
		return
	}

	entry := namespace.Entry{
		Key:    key,
		URL:    url,
		Status: status,
		Header: header,
	}
	if err := x.store.Put(ctx, ns, entry, body); err != nil {
		x.logger.Warn("failed to store fetched response", "url", url, "error", err)
		return
	}
	if err := x.meta.RecordFetch(url, header); err != nil {
		x.logger.Warn("failed to record fetch metadata", "url", url, "error", err)
	}
}

// synthetic503 builds the offline response for a namespace: JSON for the
// data namespace, the offline page for navigations when configured, plain
// text otherwise.
func (x *Executor) synthetic503(ns string) *Response {
	if ns == string(classify.NamespaceData) {
		body, _ := json.Marshal(map[string]any{
			"error":   "offline and not cached",
			"offline": true,
		})
		return &Response{
			Status:      http.StatusServiceUnavailable,
			Header:      http.Header{"Content-Type": []string{"application/json"}},
			Body:        body,
			CacheResult: telemetry.CacheMiss,
		}
	}

	if ns == string(classify.NamespaceDynamic) && len(x.offlinePage) > 0 {
		return &Response{
			Status:      http.StatusServiceUnavailable,
			Header:      http.Header{"Content-Type": []string{"text/html; charset=utf-8"}},
			Body:        x.offlinePage,
			CacheResult: telemetry.CacheMiss,
		}
	}

	return &Response{
		Status:      http.StatusServiceUnavailable,
		Header:      http.Header{"Content-Type": []string{"text/plain; charset=utf-8"}},
		Body:        []byte("not available offline\n"),
		CacheResult: telemetry.CacheMiss,
	}
}
