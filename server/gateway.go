package server

import (
	"net/http"
	"strings"

	"github.com/learnhub/offline-cache/classify"
	"github.com/learnhub/offline-cache/telemetry"
)

// handleGateway intercepts every request not claimed by another route. GETs
// are classified and served through the matching caching strategy; everything
// else passes straight through to the upstream origin.
func (s *Server) handleGateway(w http.ResponseWriter, r *http.Request) {
	target := s.targetURL(r)
	res := s.classifier.Classify(r.Method, target)

	if res.Strategy == classify.StrategyBypass {
		s.passThrough(w, r)
		return
	}

	telemetry.SetNamespace(r, string(res.Namespace))
	telemetry.SetStrategy(r, string(res.Strategy))

	resp := s.executor.Execute(r.Context(), res, target)
	telemetry.SetCacheResult(r, resp.CacheResult)

	for key, values := range resp.Header {
		for _, v := range values {
			w.Header().Add(key, v)
		}
	}
	w.WriteHeader(resp.Status)
	_, _ = w.Write(resp.Body)
}

// targetURL rebuilds the absolute upstream URL for an intercepted request.
func (s *Server) targetURL(r *http.Request) string {
	if s.config.UpstreamOrigin != "" {
		return strings.TrimSuffix(s.config.UpstreamOrigin, "/") + r.URL.RequestURI()
	}

	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	return scheme + "://" + r.Host + r.URL.RequestURI()
}

// passThrough proxies a request to the upstream origin without touching the
// cache.
func (s *Server) passThrough(w http.ResponseWriter, r *http.Request) {
	if s.proxy == nil {
		http.Error(w, "no upstream origin configured", http.StatusBadGateway)
		return
	}
	s.proxy.ServeHTTP(w, r)
}
