package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/learnhub/offline-cache/namespace"
)

// countingOrigin is a fake upstream origin that records request paths.
type countingOrigin struct {
	srv  *httptest.Server
	hits atomic.Int64
}

func newCountingOrigin(t *testing.T, handler http.HandlerFunc) *countingOrigin {
	t.Helper()

	origin := &countingOrigin{}
	origin.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin.hits.Add(1)
		handler(w, r)
	}))
	t.Cleanup(origin.srv.Close)
	return origin
}

func newTestServer(t *testing.T, cfg Config) *Server {
	t.Helper()

	if cfg.StoragePath == "" {
		cfg.StoragePath = t.TempDir()
	}
	s, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.stopSync()
		_ = s.runner.Close(ctx)
		s.hub.Close()
		_ = s.store.Close()
	})
	return s
}

func TestServer_Health(t *testing.T) {
	s := newTestServer(t, Config{})

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestServer_Stats(t *testing.T) {
	s := newTestServer(t, Config{})

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/stats", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var stats serverStats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	require.Contains(t, stats.Namespaces, namespace.Static)
	require.Contains(t, stats.Namespaces, namespace.Documents)
	require.Equal(t, namespace.DefaultBound, stats.Namespaces[namespace.Static].Bound)
}

func TestGateway_CacheFirstServesSecondRequestFromCache(t *testing.T) {
	origin := newCountingOrigin(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/css")
		_, _ = w.Write([]byte("body { margin: 0 }"))
	})
	s := newTestServer(t, Config{UpstreamOrigin: origin.srv.URL})

	for range 2 {
		rec := httptest.NewRecorder()
		s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/styles.css", nil))
		require.Equal(t, http.StatusOK, rec.Code)
		require.Equal(t, "body { margin: 0 }", rec.Body.String())
		require.Equal(t, "text/css", rec.Header().Get("Content-Type"))
	}

	require.EqualValues(t, 1, origin.hits.Load())
}

func TestGateway_OfflineUncachedDataReturnsJSON503(t *testing.T) {
	origin := newCountingOrigin(t, func(w http.ResponseWriter, r *http.Request) {})
	url := origin.srv.URL
	origin.srv.Close()

	s := newTestServer(t, Config{UpstreamOrigin: url})

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/courses/1", nil))

	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	require.Contains(t, rec.Body.String(), `"offline":true`)
}

func TestGateway_NonGETPassesThrough(t *testing.T) {
	var gotMethod string
	origin := newCountingOrigin(t, func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		w.WriteHeader(http.StatusCreated)
	})
	s := newTestServer(t, Config{UpstreamOrigin: origin.srv.URL})

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/progress", strings.NewReader("{}")))

	require.Equal(t, http.StatusCreated, rec.Code)
	require.Equal(t, http.MethodPost, gotMethod)
}

func TestGateway_BypassWithoutUpstreamFails(t *testing.T) {
	s := newTestServer(t, Config{})

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/progress", nil))

	require.Equal(t, http.StatusBadGateway, rec.Code)
}

func TestWarmup_PopulatesStaticNamespace(t *testing.T) {
	origin := newCountingOrigin(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("<!doctype html>"))
	})
	s := newTestServer(t, Config{
		UpstreamOrigin: origin.srv.URL,
		WarmupURLs: []string{
			origin.srv.URL + "/",
			origin.srv.URL + "/app.js",
			origin.srv.URL + "/logo.png",
		},
	})

	s.warmup()

	require.Eventually(t, func() bool {
		count, err := s.store.Count(namespace.Static)
		return err == nil && count == 3
	}, 5*time.Second, 10*time.Millisecond)
}

func TestSyncOnce_RefreshesDataNamespace(t *testing.T) {
	origin := newCountingOrigin(t, func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/api/broken") {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"items":[]}`))
	})
	s := newTestServer(t, Config{
		UpstreamOrigin: origin.srv.URL,
		SyncURLs: []string{
			origin.srv.URL + "/api/courses",
			origin.srv.URL + "/api/broken",
			origin.srv.URL + "/api/lessons",
		},
	})

	s.syncOnce(context.Background())

	count, err := s.store.Count(namespace.Data)
	require.NoError(t, err)
	require.Equal(t, 2, count)
}

func TestSyncLoop_StartsAndStops(t *testing.T) {
	origin := newCountingOrigin(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{}`))
	})
	s := newTestServer(t, Config{
		UpstreamOrigin: origin.srv.URL,
		SyncInterval:   20 * time.Millisecond,
		SyncURLs:       []string{origin.srv.URL + "/api/courses"},
	})

	s.startSync()
	require.Eventually(t, func() bool {
		return origin.hits.Load() >= 2
	}, 5*time.Second, 10*time.Millisecond)

	s.stopSync()
	settled := origin.hits.Load()
	time.Sleep(60 * time.Millisecond)
	require.Equal(t, settled, origin.hits.Load())
}

func TestControlPlane_UpgradeThroughMiddleware(t *testing.T) {
	s := newTestServer(t, Config{})

	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", nil)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = conn.Close()
	})

	require.NoError(t, conn.WriteJSON(map[string]string{"type": "GET_EXEC_STATUS", "requestId": "r1"}))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var reply map[string]any
	require.NoError(t, conn.ReadJSON(&reply))
	require.Equal(t, true, reply["success"])
}

func TestOfflinePage_ServedForUncachedNavigation(t *testing.T) {
	origin := newCountingOrigin(t, func(w http.ResponseWriter, r *http.Request) {})
	url := origin.srv.URL
	origin.srv.Close()

	page := []byte("<html><body>You are offline.</body></html>")
	s := newTestServer(t, Config{UpstreamOrigin: url, OfflinePage: page})

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/lessons/42", nil))

	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.Equal(t, "text/html; charset=utf-8", rec.Header().Get("Content-Type"))
	body, _ := io.ReadAll(rec.Result().Body)
	require.Equal(t, page, body)
}
