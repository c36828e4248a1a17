// Package telemetry provides request tagging for structured logging and metrics.
package telemetry

import (
	"context"
	"net/http"
)

type contextKey string

const (
	// requestTagsKey is the context key for request tags holder.
	requestTagsKey contextKey = "request_tags"
	// namespaceKey is the context key for propagating the cache namespace to
	// background jobs that outlive the request.
	namespaceKey contextKey = "namespace"
)

// CacheResult represents the outcome of a cache lookup.
type CacheResult string

const (
	CacheHit    CacheResult = "hit"
	CacheMiss   CacheResult = "miss"
	CacheStale  CacheResult = "stale"
	CacheBypass CacheResult = "bypass"
)

// RequestTags holds mutable request metadata that handlers can set for logging.
type RequestTags struct {
	Namespace   string
	Strategy    string
	CacheResult CacheResult
}

// InjectTags creates a new request with an empty RequestTags in context.
// Call this in middleware before handlers run.
func InjectTags(r *http.Request) *http.Request {
	tags := &RequestTags{CacheResult: CacheBypass}
	return r.WithContext(context.WithValue(r.Context(), requestTagsKey, tags))
}

// GetTags retrieves the request tags from context.
// Returns nil if not in a request context with logging middleware.
func GetTags(r *http.Request) *RequestTags {
	if tags, ok := r.Context().Value(requestTagsKey).(*RequestTags); ok {
		return tags
	}
	return nil
}

// SetCacheResult sets the cache result for logging.
func SetCacheResult(r *http.Request, result CacheResult) {
	if tags := GetTags(r); tags != nil {
		tags.CacheResult = result
	}
}

// SetNamespace sets the namespace tag for metrics and logging.
func SetNamespace(r *http.Request, namespace string) {
	if tags := GetTags(r); tags != nil {
		tags.Namespace = namespace
	}
}

// SetStrategy sets the fetch strategy tag for logging.
func SetStrategy(r *http.Request, strategy string) {
	if tags := GetTags(r); tags != nil {
		tags.Strategy = strategy
	}
}

// NamespaceFromContext retrieves the namespace from a context.
// It checks both background contexts (set by WithNamespaceContext) and
// request contexts (set by SetNamespace via InjectTags).
func NamespaceFromContext(ctx context.Context) string {
	if ns, ok := ctx.Value(namespaceKey).(string); ok && ns != "" {
		return ns
	}
	if tags, ok := ctx.Value(requestTagsKey).(*RequestTags); ok && tags != nil {
		return tags.Namespace
	}
	return ""
}

// WithNamespaceContext returns a context with the namespace stored.
// Use this to propagate the namespace into goroutines that outlive the
// request context, such as background revalidation jobs.
func WithNamespaceContext(ctx context.Context, namespace string) context.Context {
	return context.WithValue(ctx, namespaceKey, namespace)
}
