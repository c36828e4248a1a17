package server

import (
	"context"
	"time"

	"github.com/learnhub/offline-cache/namespace"
)

// startSync launches the background sync loop that keeps the data namespace
// current while connectivity lasts. No-op without an interval or URL list.
func (s *Server) startSync() {
	if s.config.SyncInterval <= 0 || len(s.config.SyncURLs) == 0 {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.syncCancel = cancel
	s.syncDone = make(chan struct{})

	s.logger.Info("starting background sync",
		"interval", s.config.SyncInterval,
		"urls", len(s.config.SyncURLs),
	)

	go func() {
		defer close(s.syncDone)

		ticker := time.NewTicker(s.config.SyncInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.syncOnce(ctx)
			}
		}
	}()
}

// syncOnce refetches every configured data URL. Per-URL failures are logged
// and skipped; the loop always visits the full list.
func (s *Server) syncOnce(ctx context.Context) {
	start := time.Now()
	var failed int

	for _, url := range s.config.SyncURLs {
		if ctx.Err() != nil {
			return
		}
		if err := s.fetchInto(ctx, namespace.Data, url); err != nil {
			failed++
			s.logger.Warn("sync fetch failed", "url", url, "error", err)
		}
	}

	s.logger.Info("sync pass complete",
		"urls", len(s.config.SyncURLs),
		"failed", failed,
		"duration", time.Since(start).String(),
	)
}

// stopSync stops the sync loop and waits for an in-flight pass to finish.
func (s *Server) stopSync() {
	if s.syncCancel == nil {
		return
	}
	s.syncCancel()
	<-s.syncDone
	s.syncCancel = nil
}
