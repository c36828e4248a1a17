package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	offlinecache "github.com/learnhub/offline-cache"
	"github.com/learnhub/offline-cache/namespace"
	"github.com/learnhub/offline-cache/telemetry"
)

// Start begins serving. Warmup, python runner preload and the background sync
// loop all start asynchronously; none of them block or fail startup.
func (s *Server) Start() error {
	go s.python.Preload()
	s.warmup()
	s.startSync()

	s.logger.Info("starting server", "address", s.config.Address)
	return s.httpServer.ListenAndServe()
}

// warmup pre-populates the static namespace from the configured manifest.
// Each entry is fetched as its own background job; failures are logged and
// skipped so one bad URL never blocks the rest.
func (s *Server) warmup() {
	for _, u := range s.config.WarmupURLs {
		url := u
		s.runner.Submit("warmup", func(ctx context.Context) error {
			if err := s.fetchInto(ctx, namespace.Static, url); err != nil {
				s.logger.Warn("warmup fetch failed", "url", url, "error", err)
			}
			return nil
		})
	}
	if len(s.config.WarmupURLs) > 0 {
		s.logger.Info("warmup scheduled", "urls", len(s.config.WarmupURLs))
	}
}

// fetchInto fetches a URL and stores the response in the given namespace.
func (s *Server) fetchInto(ctx context.Context, ns, url string) error {
	ctx = telemetry.WithNamespaceContext(ctx, ns)

	status, header, body, err := s.upstream.Get(ctx, url)
	if err != nil {
		return err
	}
	if status >= http.StatusBadRequest {
		return fmt.Errorf("upstream returned status %d", status)
	}

	entry := namespace.Entry{
		Key:    offlinecache.CacheKey(url),
		URL:    url,
		Status: status,
		Header: header,
	}
	if err := s.store.Put(ctx, ns, entry, body); err != nil {
		return fmt.Errorf("storing %s: %w", url, err)
	}
	if err := s.meta.RecordFetch(url, header); err != nil {
		s.logger.Warn("recording fetch metadata", "url", url, "error", err)
	}
	return nil
}

// Shutdown gracefully shuts down the server: stop accepting requests, stop
// the sync loop, drain background jobs, then close the store.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down server")

	s.stopSync()

	var errs []error
	if err := s.httpServer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("shutting down http server: %w", err))
	}

	s.hub.Close()

	drainCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()
	if err := s.runner.Close(drainCtx); err != nil {
		errs = append(errs, fmt.Errorf("draining jobs: %w", err))
	}

	if err := s.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("closing store: %w", err))
	}

	return errors.Join(errs...)
}
