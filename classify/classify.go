// Package classify maps incoming requests to cache namespaces and fetch
// strategies. Classification is pure and total: every HTTP(S) GET maps to
// exactly one namespace, defaulting to the dynamic namespace when no specific
// pattern matches. Non-GET requests and non-HTTP(S) schemes bypass the cache
// subsystem entirely.
package classify

import (
	"net/url"
	"path"
	"regexp"
	"strings"
)

// Namespace identifies a cache partition.
type Namespace string

const (
	NamespaceStatic    Namespace = "static"
	NamespaceDynamic   Namespace = "dynamic"
	NamespaceDocuments Namespace = "documents"
	NamespaceData      Namespace = "data"

	// NamespaceBypass marks requests that must not touch the cache.
	NamespaceBypass Namespace = ""
)

// Strategy identifies how a request is served against its namespace.
type Strategy string

const (
	// StrategyCacheFirst serves from cache when present, fetching and
	// storing on a miss.
	StrategyCacheFirst Strategy = "cache-first"

	// StrategyNetworkFirst tries the network, storing a copy on success
	// and falling back to cache on network failure.
	StrategyNetworkFirst Strategy = "network-first"

	// StrategyStaleWhileRevalidate is cache-first with an unconditional
	// background revalidation scheduled after every hit.
	StrategyStaleWhileRevalidate Strategy = "stale-while-revalidate"

	// StrategyBypass passes the request straight to the network.
	StrategyBypass Strategy = "bypass"
)

// Result is the outcome of classifying a single request.
type Result struct {
	Namespace Namespace
	Strategy  Strategy
}

// Bypass is the classification for requests outside the cache subsystem.
var Bypass = Result{Namespace: NamespaceBypass, Strategy: StrategyBypass}

var (
	// Object-storage convention for publicly served PDF documents.
	publicPDFPattern = regexp.MustCompile(`/storage/v1/object/public/[^?]*\.pdf$`)

	// Structured-data API resources, both the gateway's own REST paths and
	// the backing store's REST endpoint naming for the same resources.
	dataAPIPatterns = []*regexp.Regexp{
		regexp.MustCompile(`^/api/(courses|lessons|progress|quizzes|resources)(/|$)`),
		regexp.MustCompile(`^/rest/v1/(courses|lessons|progress|quizzes|resources)(/|$)`),
	}
)

// staticExtensions are the same-origin asset extensions served cache-first.
var staticExtensions = map[string]struct{}{
	".html": {},
	".css":  {},
	".js":   {},
	".json": {},
	".png":  {},
	".ico":  {},
}

// Classifier assigns namespaces and strategies to requests. The origin host
// bounds the same-origin static asset rule.
type Classifier struct {
	originHost string
}

// New creates a Classifier. originHost is the host (host or host:port) whose
// static assets are cached; an empty originHost treats every host as
// same-origin.
func New(originHost string) *Classifier {
	return &Classifier{originHost: originHost}
}

// Classify maps a request to a namespace and strategy. Rules are evaluated in
// fixed priority order and the first match wins.
func (c *Classifier) Classify(method, rawURL string) Result {
	if method != "GET" {
		return Bypass
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		return Bypass
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return Bypass
	}

	lowerPath := strings.ToLower(u.Path)

	if strings.HasSuffix(lowerPath, ".pdf") || publicPDFPattern.MatchString(lowerPath) {
		return Result{Namespace: NamespaceDocuments, Strategy: StrategyStaleWhileRevalidate}
	}

	for _, p := range dataAPIPatterns {
		if p.MatchString(u.Path) {
			return Result{Namespace: NamespaceData, Strategy: StrategyNetworkFirst}
		}
	}

	if c.sameOrigin(u.Host) {
		if u.Path == "" || u.Path == "/" {
			return Result{Namespace: NamespaceStatic, Strategy: StrategyCacheFirst}
		}
		if _, ok := staticExtensions[path.Ext(lowerPath)]; ok {
			return Result{Namespace: NamespaceStatic, Strategy: StrategyCacheFirst}
		}
	}

	return Result{Namespace: NamespaceDynamic, Strategy: StrategyNetworkFirst}
}

func (c *Classifier) sameOrigin(host string) bool {
	if c.originHost == "" {
		return true
	}
	return strings.EqualFold(host, c.originHost)
}
