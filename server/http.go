// Package server provides the HTTP surface of the offline gateway: the
// fetch-intercepting gateway handler, the WebSocket control plane, and the
// lifecycle glue (warmup, background sync, graceful shutdown).
package server

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/rs/cors"

	"github.com/learnhub/offline-cache/backend"
	"github.com/learnhub/offline-cache/classify"
	"github.com/learnhub/offline-cache/control"
	"github.com/learnhub/offline-cache/execcache"
	"github.com/learnhub/offline-cache/jobs"
	"github.com/learnhub/offline-cache/namespace"
	"github.com/learnhub/offline-cache/revalidate"
	"github.com/learnhub/offline-cache/strategy"
	"github.com/learnhub/offline-cache/telemetry"
)

// Config holds server configuration.
type Config struct {
	// Address to listen on (e.g., ":8080")
	Address string

	// StoragePath is the root path for storage. The bbolt database and the
	// document blob tree both live under it.
	StoragePath string

	// UpstreamOrigin is the origin the gateway fronts
	// (e.g., "https://app.learnhub.io"). Empty disables pass-through
	// proxying; bypassed requests then fail with 502.
	UpstreamOrigin string

	// AllowedOrigin restricts browser access (CORS and WebSocket upgrades)
	// to the given origin. Empty allows any origin.
	AllowedOrigin string

	// NamespaceBounds overrides the per-namespace entry caps.
	NamespaceBounds map[string]int

	// DocumentPriorityHigh and DocumentPriorityMedium are URL keywords that
	// protect matching documents from eviction. When either is non-empty the
	// documents namespace evicts lowest-priority-first instead of FIFO.
	DocumentPriorityHigh   []string
	DocumentPriorityMedium []string

	// FreshnessWindow is how long cached content is trusted without a
	// conditional revalidation. Zero uses the default of 24 hours.
	FreshnessWindow time.Duration

	// ExecTTL is the time-to-live for cached code execution results.
	// Zero uses the default of 30 minutes.
	ExecTTL time.Duration

	// ExecBound caps the number of stored execution results.
	ExecBound int

	// JobConcurrency bounds concurrent background jobs.
	JobConcurrency int

	// SyncInterval is how often the background sync loop refetches the
	// SyncURLs. Zero disables the loop.
	SyncInterval time.Duration

	// SyncURLs are refetched into the data namespace on every sync tick.
	SyncURLs []string

	// WarmupURLs are fetched into the static namespace once at startup.
	WarmupURLs []string

	// OfflinePage is served for uncached navigations while offline.
	OfflinePage []byte

	// Logger for the server
	Logger *slog.Logger
}

// Server is the offline gateway HTTP server.
type Server struct {
	config     Config
	httpServer *http.Server
	logger     *slog.Logger

	// Components
	blobs      backend.Backend
	store      *namespace.Store
	meta       *revalidate.MetadataStore
	engine     *revalidate.Engine
	upstream   *strategy.Upstream
	executor   *strategy.Executor
	classifier *classify.Classifier
	runner     *jobs.Runner
	execCache  *execcache.Cache
	execSvc    *execcache.Service
	python     *execcache.PythonRunner
	queue      *execcache.PendingQueue
	hub        *control.Hub
	controlWS  *control.Handler
	proxy      *httputil.ReverseProxy

	syncCancel context.CancelFunc
	syncDone   chan struct{}
}

// New creates a new server with the given configuration.
func New(cfg Config) (*Server, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Address == "" {
		cfg.Address = ":8080"
	}
	if cfg.StoragePath == "" {
		cfg.StoragePath = "./offline-cache"
	}

	var originHost string
	var proxy *httputil.ReverseProxy
	if cfg.UpstreamOrigin != "" {
		origin, err := url.Parse(cfg.UpstreamOrigin)
		if err != nil {
			return nil, fmt.Errorf("parsing upstream origin: %w", err)
		}
		if origin.Host == "" {
			return nil, fmt.Errorf("upstream origin %q has no host", cfg.UpstreamOrigin)
		}
		originHost = origin.Host
		proxy = httputil.NewSingleHostReverseProxy(origin)
	}

	// Blob storage for document payloads; the bbolt database for everything
	// else lives alongside it. Blobs are zstd-compressed at rest and backend
	// operations are recorded as metrics.
	fsBackend, err := backend.NewFilesystem(filepath.Join(cfg.StoragePath, "blobs"))
	if err != nil {
		return nil, fmt.Errorf("creating blob backend: %w", err)
	}
	compressed, err := backend.NewCompressed(fsBackend)
	if err != nil {
		return nil, fmt.Errorf("creating compressed backend: %w", err)
	}
	blobs := backend.NewInstrumentedBackend(compressed, "filesystem")

	storeOpts := []namespace.Option{
		namespace.WithLogger(cfg.Logger.With("component", "namespace")),
		namespace.WithBlobBackend(blobs),
	}
	for name, bound := range cfg.NamespaceBounds {
		storeOpts = append(storeOpts, namespace.WithBound(name, bound))
	}
	if len(cfg.DocumentPriorityHigh) > 0 || len(cfg.DocumentPriorityMedium) > 0 {
		storeOpts = append(storeOpts, namespace.WithPolicy(
			namespace.Documents,
			namespace.NewPriorityPolicy(cfg.DocumentPriorityHigh, cfg.DocumentPriorityMedium),
		))
	}
	store := namespace.New(storeOpts...)
	if err := store.Open(filepath.Join(cfg.StoragePath, "cache.db")); err != nil {
		return nil, fmt.Errorf("opening cache store: %w", err)
	}
	if err := store.CleanupStale(); err != nil {
		cfg.Logger.Warn("cleaning up stale buckets", "error", err)
	}

	runnerOpts := []jobs.Option{jobs.WithLogger(cfg.Logger.With("component", "jobs"))}
	if cfg.JobConcurrency > 0 {
		runnerOpts = append(runnerOpts, jobs.WithConcurrency(cfg.JobConcurrency))
	}
	runner := jobs.New(runnerOpts...)

	meta := revalidate.NewMetadataStore(store.DB())
	upstream := strategy.NewUpstream(
		strategy.WithUpstreamLogger(cfg.Logger.With("component", "upstream")),
	)

	engineOpts := []revalidate.EngineOption{
		revalidate.WithLogger(cfg.Logger.With("component", "revalidate")),
	}
	if cfg.FreshnessWindow > 0 {
		engineOpts = append(engineOpts, revalidate.WithFreshnessWindow(cfg.FreshnessWindow))
	}
	engine := revalidate.NewEngine(meta, store, upstream, runner, engineOpts...)

	executorOpts := []strategy.ExecutorOption{
		strategy.WithExecutorLogger(cfg.Logger.With("component", "strategy")),
	}
	if len(cfg.OfflinePage) > 0 {
		executorOpts = append(executorOpts, strategy.WithOfflinePage(cfg.OfflinePage))
	}
	executor := strategy.NewExecutor(store, upstream, engine, meta, executorOpts...)

	execCacheOpts := []execcache.CacheOption{
		execcache.WithCacheLogger(cfg.Logger.With("component", "execcache")),
	}
	if cfg.ExecTTL > 0 {
		execCacheOpts = append(execCacheOpts, execcache.WithTTL(cfg.ExecTTL))
	}
	if cfg.ExecBound > 0 {
		execCacheOpts = append(execCacheOpts, execcache.WithCacheBound(cfg.ExecBound))
	}
	execCache := execcache.NewCache(store.DB(), execCacheOpts...)
	python := execcache.NewPythonRunner(
		execcache.WithRunnerLogger(cfg.Logger.With("component", "python")),
	)
	execSvc := execcache.NewService(execCache, python, cfg.Logger.With("component", "exec"))
	queue := execcache.NewPendingQueue(
		execcache.WithQueueLogger(cfg.Logger.With("component", "pending")),
	)

	hub := control.NewHub(cfg.Logger.With("component", "hub"))
	controlOpts := []control.HandlerOption{
		control.WithLogger(cfg.Logger.With("component", "control")),
	}
	if cfg.AllowedOrigin != "" {
		if origin, err := url.Parse(cfg.AllowedOrigin); err == nil && origin.Host != "" {
			controlOpts = append(controlOpts, control.WithAllowedOrigin(origin.Host))
		} else {
			controlOpts = append(controlOpts, control.WithAllowedOrigin(cfg.AllowedOrigin))
		}
	}
	controlWS := control.NewHandler(store, meta, upstream, execSvc, queue, runner, hub, controlOpts...)

	s := &Server{
		config:     cfg,
		logger:     cfg.Logger,
		blobs:      blobs,
		store:      store,
		meta:       meta,
		engine:     engine,
		upstream:   upstream,
		executor:   executor,
		classifier: classify.New(originHost),
		runner:     runner,
		execCache:  execCache,
		execSvc:    execSvc,
		python:     python,
		queue:      queue,
		hub:        hub,
		controlWS:  controlWS,
		proxy:      proxy,
	}

	// Build HTTP server
	mux := http.NewServeMux()
	s.registerRoutes(mux)

	corsOpts := cors.Options{
		AllowedMethods: []string{http.MethodGet, http.MethodHead, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"*"},
	}
	if cfg.AllowedOrigin != "" {
		corsOpts.AllowedOrigins = []string{cfg.AllowedOrigin}
	} else {
		corsOpts.AllowedOrigins = []string{"*"}
	}

	s.httpServer = &http.Server{
		Addr:         cfg.Address,
		Handler:      cors.New(corsOpts).Handler(s.loggingMiddleware(mux)),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 5 * time.Minute, // Long timeout for large document downloads
		IdleTimeout:  60 * time.Second,
	}

	return s, nil
}

// registerRoutes sets up the HTTP routes.
func (s *Server) registerRoutes(mux *http.ServeMux) {
	// Health check
	mux.HandleFunc("GET /healthz", s.handleHealth)

	// Cache stats
	mux.HandleFunc("GET /stats", s.handleStats)

	// Prometheus metrics endpoint (returns 404 if not enabled)
	mux.Handle("GET /metrics", telemetry.PrometheusHandler())

	// WebSocket control plane
	mux.Handle("GET /ws", s.controlWS)

	// Everything else goes through the caching gateway.
	mux.HandleFunc("/", s.handleGateway)
}

// handleHealth handles health check requests.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

type namespaceStats struct {
	Entries int `json:"entries"`
	Bound   int `json:"bound"`
}

type serverStats struct {
	Namespaces map[string]namespaceStats `json:"namespaces"`
	Exec       execcache.Status          `json:"exec"`
	Clients    int                       `json:"controlClients"`
}

// handleStats handles cache statistics requests.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats := serverStats{
		Namespaces: make(map[string]namespaceStats, len(namespace.Names())),
		Exec:       s.execSvc.Status(),
		Clients:    s.hub.Clients(),
	}
	for _, name := range namespace.Names() {
		count, err := s.store.Count(name)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		stats.Namespaces[name] = namespaceStats{Entries: count, Bound: s.store.Bound(name)}
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(stats)
}

// loggingMiddleware logs HTTP requests with structured fields for analysis.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}

		// Inject request tags so handlers can set namespace, strategy and
		// cache_result.
		r = telemetry.InjectTags(r)
		tags := telemetry.GetTags(r)

		// Wrap response writer to capture status and bytes
		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		duration := time.Since(start)

		attrs := []any{
			"request_id", requestID,
			"method", r.Method,
			"path", r.URL.Path,

			"status", wrapped.status,
			"status_class", telemetry.StatusClass(wrapped.status),
			"bytes_sent", wrapped.bytesWritten,

			"duration_ms", duration.Milliseconds(),

			"remote_addr", r.RemoteAddr,
			"user_agent", r.UserAgent(),
		}

		if tags.Namespace != "" {
			attrs = append(attrs, "namespace", tags.Namespace)
		}
		if tags.Strategy != "" {
			attrs = append(attrs, "strategy", tags.Strategy)
		}
		if tags.CacheResult != "" {
			attrs = append(attrs, "cache_result", string(tags.CacheResult))
		}

		s.logger.Info("http request", attrs...)

		telemetry.RecordHTTP(r.Context(), r, wrapped.status, wrapped.bytesWritten, duration)
	})
}

// responseWriter wraps http.ResponseWriter to capture the status code and
// bytes written.
type responseWriter struct {
	http.ResponseWriter
	status       int
	bytesWritten int64
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.bytesWritten += int64(n)
	return n, err
}

// Flush implements http.Flusher for streaming responses.
func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack implements http.Hijacker so the WebSocket upgrade works through the
// logging middleware.
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		return h.Hijack()
	}
	return nil, nil, fmt.Errorf("hijacking not supported")
}

// Unwrap returns the underlying ResponseWriter.
func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// Address returns the server's listen address.
func (s *Server) Address() string {
	return s.config.Address
}

// Handler returns the fully assembled HTTP handler. Exposed for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}
