package execcache

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	offlinecache "github.com/learnhub/offline-cache"
	"github.com/learnhub/offline-cache/telemetry"
)

// Service ties the execution cache to the language runners.
type Service struct {
	cache  *Cache
	python *PythonRunner
	logger *slog.Logger
}

// NewService creates a Service.
func NewService(cache *Cache, python *PythonRunner, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		cache:  cache,
		python: python,
		logger: logger.With("component", "exec"),
	}
}

// Key returns the cache key for a language/code pair.
func (s *Service) Key(language, code string) string {
	return offlinecache.ExecKey(language, code)
}

// Execute runs code in the given language, serving a cached result when one
// is fresh. Unsupported languages produce a degraded result that is cached
// like any other outcome; an unavailable interpreter is reported but not
// cached, so a later install is picked up.
func (s *Service) Execute(ctx context.Context, language, code string) Result {
	key := s.Key(language, code)

	if result, ok := s.cache.Get(ctx, key); ok {
		telemetry.RecordExecRun(ctx, language, telemetry.CacheHit, 0)
		s.logger.Debug("execution served from cache", "language", language, "key", key)
		return result
	}

	start := time.Now()
	result, cacheable := s.dispatch(ctx, language, code)
	telemetry.RecordExecRun(ctx, language, telemetry.CacheMiss, time.Since(start))

	if cacheable {
		if err := s.cache.Put(ctx, key, result); err != nil {
			s.logger.Warn("failed to cache execution result", "key", key, "error", err)
		}
	}
	return result
}

// CacheResult stores a result directly under an externally supplied key.
func (s *Service) CacheResult(ctx context.Context, key string, result Result) error {
	return s.cache.Put(ctx, key, result)
}

func (s *Service) dispatch(ctx context.Context, language, code string) (result Result, cacheable bool) {
	switch language {
	case "python":
		if !s.python.Ready() {
			return Result{Error: "python runtime not available"}, false
		}
		return s.python.Run(ctx, code), true
	default:
		return Result{Error: fmt.Sprintf("%s not supported in offline mode", language)}, true
	}
}

// Status describes the execution cache for the control plane.
type Status struct {
	TotalCached int  `json:"totalCached"`
	MaxSize     int  `json:"maxSize"`
	RunnerReady bool `json:"runnerReady"`
}

// Status returns the current cache and runner state.
func (s *Service) Status() Status {
	return Status{
		TotalCached: s.cache.Count(),
		MaxSize:     s.cache.Bound(),
		RunnerReady: s.python.Ready(),
	}
}
