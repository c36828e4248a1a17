// Package strategy serves classified requests against their cache
// namespaces. Each strategy resolves to a best-effort response: fetch
// failures never cross the strategy boundary, they degrade to a cached copy
// or a synthetic 503.
package strategy

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/learnhub/offline-cache/telemetry"
)

const defaultFetchTimeout = 30 * time.Second

// Upstream fetches resources over the network. Concurrent GETs for the same
// URL are collapsed into a single request whose result is shared.
type Upstream struct {
	client  *http.Client
	logger  *slog.Logger
	timeout time.Duration

	group singleflight.Group
}

// UpstreamOption configures an Upstream.
type UpstreamOption func(*Upstream)

// WithClient sets the HTTP client. The default client carries the
// instrumented transport.
func WithClient(client *http.Client) UpstreamOption {
	return func(u *Upstream) {
		u.client = client
	}
}

// WithUpstreamLogger sets the logger.
func WithUpstreamLogger(logger *slog.Logger) UpstreamOption {
	return func(u *Upstream) {
		u.logger = logger
	}
}

// WithFetchTimeout bounds each network fetch.
func WithFetchTimeout(d time.Duration) UpstreamOption {
	return func(u *Upstream) {
		if d > 0 {
			u.timeout = d
		}
	}
}

// NewUpstream creates an Upstream.
func NewUpstream(opts ...UpstreamOption) *Upstream {
	u := &Upstream{
		client: &http.Client{
			Transport: telemetry.NewInstrumentedTransport(nil),
		},
		logger:  slog.Default(),
		timeout: defaultFetchTimeout,
	}
	for _, opt := range opts {
		opt(u)
	}
	return u
}

type fetchResult struct {
	status int
	header http.Header
	body   []byte
}

// Get fetches url. Concurrent callers for the same URL share one request.
// The shared fetch runs detached from any single caller's context so that
// one caller going away does not fail the others.
func (u *Upstream) Get(ctx context.Context, url string) (int, http.Header, []byte, error) {
	ns := telemetry.NamespaceFromContext(ctx)

	ch := u.group.DoChan(url, func() (any, error) {
		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), u.timeout)
		defer cancel()
		return u.fetch(telemetry.WithNamespaceContext(fetchCtx, ns), url)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return 0, nil, nil, res.Err
		}
		fr := res.Val.(*fetchResult)
		if res.Shared {
			u.logger.Debug("shared upstream fetch", "url", url)
		}
		return fr.status, fr.header, fr.body, nil
	case <-ctx.Done():
		return 0, nil, nil, ctx.Err()
	}
}

func (u *Upstream) fetch(ctx context.Context, url string) (*fetchResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}

	resp, err := u.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching %s: %w", url, err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", url, err)
	}

	return &fetchResult{
		status: resp.StatusCode,
		header: resp.Header,
		body:   body,
	}, nil
}

// Head issues a HEAD request for url and returns the response headers.
func (u *Upstream) Head(ctx context.Context, url string) (http.Header, error) {
	ctx, cancel := context.WithTimeout(ctx, u.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}

	resp, err := u.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("head %s: %w", url, err)
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("head %s: status %d", url, resp.StatusCode)
	}
	return resp.Header, nil
}
