package revalidate

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/learnhub/offline-cache/jobs"
	"github.com/learnhub/offline-cache/namespace"
)

type fakeUpstream struct {
	mu sync.Mutex

	headHeader http.Header
	headErr    error
	headCalls  int

	getStatus int
	getHeader http.Header
	getBody   []byte
	getErr    error
	getCalls  int
}

func (f *fakeUpstream) Head(_ context.Context, _ string) (http.Header, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.headCalls++
	return f.headHeader, f.headErr
}

func (f *fakeUpstream) Get(_ context.Context, _ string) (int, http.Header, []byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.getCalls++
	if f.getErr != nil {
		return 0, nil, nil, f.getErr
	}
	return f.getStatus, f.getHeader, f.getBody, nil
}

func (f *fakeUpstream) calls() (head, get int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.headCalls, f.getCalls
}

func newTestEngine(t *testing.T, upstream Upstream, now func() time.Time) (*Engine, *MetadataStore, *namespace.Store, *jobs.Runner) {
	t.Helper()

	store := newTestStore(t)
	meta := NewMetadataStore(store.DB(), WithMetadataNow(now))
	runner := jobs.New()
	t.Cleanup(func() {
		_ = runner.Close(context.Background())
	})
	engine := NewEngine(meta, store, upstream, runner, WithNow(now))
	return engine, meta, store, runner
}

func TestShouldUpdate_NoRecord(t *testing.T) {
	upstream := &fakeUpstream{}
	engine, _, _, _ := newTestEngine(t, upstream, time.Now)

	require.True(t, engine.ShouldUpdate(context.Background(), "https://learnhub.example.com/a"))

	// No metadata means no network check either.
	head, _ := upstream.calls()
	require.Zero(t, head)
}

func TestShouldUpdate_FreshWithinWindow(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	upstream := &fakeUpstream{}
	engine, meta, _, _ := newTestEngine(t, upstream, func() time.Time { return now })

	require.NoError(t, meta.Put("u", Record{CachedAt: now.Add(-23 * time.Hour)}))

	require.False(t, engine.ShouldUpdate(context.Background(), "u"))

	head, _ := upstream.calls()
	require.Zero(t, head, "fresh resources must not touch the network")
}

func TestShouldUpdate_StaleHeadFailsOpen(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	upstream := &fakeUpstream{headErr: errors.New("network down")}
	engine, meta, _, _ := newTestEngine(t, upstream, func() time.Time { return now })

	require.NoError(t, meta.Put("u", Record{CachedAt: now.Add(-25 * time.Hour)}))

	require.True(t, engine.ShouldUpdate(context.Background(), "u"))

	head, _ := upstream.calls()
	require.Equal(t, 1, head)
}

func TestShouldUpdate_HeadComparison(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name   string
		stored Record
		header http.Header
		want   bool
	}{
		{
			name:   "etag mismatch",
			stored: Record{ETag: `"v1"`},
			header: http.Header{"Etag": []string{`"v2"`}},
			want:   true,
		},
		{
			name:   "etag match",
			stored: Record{ETag: `"v1"`},
			header: http.Header{"Etag": []string{`"v1"`}},
			want:   false,
		},
		{
			name:   "last-modified mismatch",
			stored: Record{LastModified: "Mon, 02 Feb 2026 00:00:00 GMT"},
			header: http.Header{"Last-Modified": []string{"Tue, 03 Feb 2026 00:00:00 GMT"}},
			want:   true,
		},
		{
			name:   "no validators returned",
			stored: Record{ETag: `"v1"`},
			header: http.Header{},
			want:   false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			upstream := &fakeUpstream{headHeader: tt.header}
			engine, meta, _, _ := newTestEngine(t, upstream, func() time.Time { return now })

			tt.stored.CachedAt = now.Add(-25 * time.Hour)
			require.NoError(t, meta.Put("u", tt.stored))

			require.Equal(t, tt.want, engine.ShouldUpdate(context.Background(), "u"))
		})
	}
}

func TestMaybeRevalidate_RefreshesStaleEntry(t *testing.T) {
	upstream := &fakeUpstream{
		getStatus: http.StatusOK,
		getHeader: http.Header{"Etag": []string{`"v2"`}},
		getBody:   []byte("fresh body"),
	}
	engine, meta, store, runner := newTestEngine(t, upstream, time.Now)

	// Seed a cached copy with no metadata record: treated as stale.
	ctx := context.Background()
	entry := namespace.Entry{Key: "k", URL: "https://learnhub.example.com/a", Status: http.StatusOK}
	require.NoError(t, store.Put(ctx, namespace.Dynamic, entry, []byte("old body")))

	engine.MaybeRevalidate("https://learnhub.example.com/a", namespace.Dynamic, "k")
	require.NoError(t, runner.Close(ctx))

	_, body, err := store.Get(ctx, namespace.Dynamic, "k")
	require.NoError(t, err)
	require.Equal(t, []byte("fresh body"), body)

	rec, err := meta.Get("https://learnhub.example.com/a")
	require.NoError(t, err)
	require.Equal(t, `"v2"`, rec.ETag)
}

func TestMaybeRevalidate_FreshSkipsNetwork(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	upstream := &fakeUpstream{}
	engine, meta, _, runner := newTestEngine(t, upstream, func() time.Time { return now })

	require.NoError(t, meta.Put("u", Record{CachedAt: now.Add(-1 * time.Hour)}))

	engine.MaybeRevalidate("u", namespace.Dynamic, "k")
	require.NoError(t, runner.Close(context.Background()))

	head, get := upstream.calls()
	require.Zero(t, head)
	require.Zero(t, get)
}

func TestMaybeRevalidate_FailureNeverSurfaces(t *testing.T) {
	upstream := &fakeUpstream{getErr: errors.New("network down")}
	engine, _, store, runner := newTestEngine(t, upstream, time.Now)

	ctx := context.Background()
	entry := namespace.Entry{Key: "k", URL: "u", Status: http.StatusOK}
	require.NoError(t, store.Put(ctx, namespace.Dynamic, entry, []byte("old body")))

	engine.MaybeRevalidate("u", namespace.Dynamic, "k")
	require.NoError(t, runner.Close(ctx))

	// The cached copy survives the failed refresh.
	_, body, err := store.Get(ctx, namespace.Dynamic, "k")
	require.NoError(t, err)
	require.Equal(t, []byte("old body"), body)
}

func TestMaybeRevalidate_ErrorStatusKeepsCachedCopy(t *testing.T) {
	upstream := &fakeUpstream{getStatus: http.StatusInternalServerError}
	engine, _, store, runner := newTestEngine(t, upstream, time.Now)

	ctx := context.Background()
	entry := namespace.Entry{Key: "k", URL: "u", Status: http.StatusOK}
	require.NoError(t, store.Put(ctx, namespace.Dynamic, entry, []byte("old body")))

	engine.MaybeRevalidate("u", namespace.Dynamic, "k")
	require.NoError(t, runner.Close(ctx))

	got, body, err := store.Get(ctx, namespace.Dynamic, "k")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, got.Status)
	require.Equal(t, []byte("old body"), body)
}

func TestMaybeRevalidate_ConcurrentHitsRefreshOnce(t *testing.T) {
	upstream := &fakeUpstream{
		getStatus: http.StatusOK,
		getBody:   []byte("fresh"),
	}
	engine, _, store, runner := newTestEngine(t, upstream, time.Now)

	ctx := context.Background()
	entry := namespace.Entry{Key: "k", URL: "u", Status: http.StatusOK}
	require.NoError(t, store.Put(ctx, namespace.Dynamic, entry, []byte("old")))

	for i := 0; i < 10; i++ {
		engine.MaybeRevalidate("u", namespace.Dynamic, "k")
	}
	require.NoError(t, runner.Close(ctx))

	// Overlapping refreshes collapse; later ones see fresh metadata.
	_, get := upstream.calls()
	require.Equal(t, 1, get)
}
