package classify

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestClassify_Documents(t *testing.T) {
	c := New("learnhub.example.com")

	tests := []struct {
		name string
		url  string
	}{
		{"pdf extension", "https://learnhub.example.com/files/unit1.pdf"},
		{"pdf extension uppercase", "https://learnhub.example.com/files/UNIT1.PDF"},
		{"cross origin pdf", "https://cdn.example.net/course/intro.pdf"},
		{"object storage public pdf", "https://abc.supabase.example/storage/v1/object/public/pdfs/unit1.pdf"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := c.Classify("GET", tt.url)
			require.Equal(t, NamespaceDocuments, res.Namespace)
			require.Equal(t, StrategyStaleWhileRevalidate, res.Strategy)
		})
	}
}

func TestClassify_DataAPI(t *testing.T) {
	c := New("learnhub.example.com")

	tests := []struct {
		name string
		url  string
	}{
		{"api courses", "https://learnhub.example.com/api/courses"},
		{"api lessons with id", "https://learnhub.example.com/api/lessons/42"},
		{"api progress query", "https://learnhub.example.com/api/progress?user=7"},
		{"backing store rest", "https://abc.supabase.example/rest/v1/courses?select=*"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := c.Classify("GET", tt.url)
			require.Equal(t, NamespaceData, res.Namespace)
			require.Equal(t, StrategyNetworkFirst, res.Strategy)
		})
	}
}

func TestClassify_StaticAssets(t *testing.T) {
	c := New("learnhub.example.com")

	tests := []struct {
		name string
		url  string
	}{
		{"root", "https://learnhub.example.com/"},
		{"empty path", "https://learnhub.example.com"},
		{"html", "https://learnhub.example.com/index.html"},
		{"css", "https://learnhub.example.com/assets/app.css"},
		{"js", "https://learnhub.example.com/assets/app.js"},
		{"json manifest", "https://learnhub.example.com/manifest.json"},
		{"png", "https://learnhub.example.com/icons/logo.png"},
		{"ico", "https://learnhub.example.com/favicon.ico"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := c.Classify("GET", tt.url)
			require.Equal(t, NamespaceStatic, res.Namespace)
			require.Equal(t, StrategyCacheFirst, res.Strategy)
		})
	}
}

func TestClassify_StaticRequiresSameOrigin(t *testing.T) {
	c := New("learnhub.example.com")

	res := c.Classify("GET", "https://cdn.example.net/vendor/lib.js")
	require.Equal(t, NamespaceDynamic, res.Namespace)
	require.Equal(t, StrategyNetworkFirst, res.Strategy)
}

func TestClassify_EmptyOriginTreatsAllHostsAsSameOrigin(t *testing.T) {
	c := New("")

	res := c.Classify("GET", "https://anywhere.example.net/app.js")
	require.Equal(t, NamespaceStatic, res.Namespace)
}

func TestClassify_DefaultDynamic(t *testing.T) {
	c := New("learnhub.example.com")

	tests := []string{
		"https://learnhub.example.com/profile",
		"https://learnhub.example.com/courses/42/view",
		"https://other.example.net/anything",
	}

	for _, u := range tests {
		res := c.Classify("GET", u)
		require.Equal(t, NamespaceDynamic, res.Namespace, "url %s", u)
		require.Equal(t, StrategyNetworkFirst, res.Strategy)
	}
}

func TestClassify_Bypass(t *testing.T) {
	c := New("learnhub.example.com")

	tests := []struct {
		name   string
		method string
		url    string
	}{
		{"post", "POST", "https://learnhub.example.com/api/courses"},
		{"put", "PUT", "https://learnhub.example.com/api/progress"},
		{"delete", "DELETE", "https://learnhub.example.com/api/lessons/1"},
		{"chrome extension scheme", "GET", "chrome-extension://abcdef/page.html"},
		{"ws scheme", "GET", "ws://learnhub.example.com/ws"},
		{"unparseable", "GET", "http://bad host/"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := c.Classify(tt.method, tt.url)
			require.Equal(t, Bypass, res)
		})
	}
}

func TestClassify_DocumentBeatsStatic(t *testing.T) {
	// A same-origin .pdf would also look like an asset; document rule wins.
	c := New("learnhub.example.com")

	res := c.Classify("GET", "https://learnhub.example.com/syllabus.pdf")
	require.Equal(t, NamespaceDocuments, res.Namespace)
}

func TestClassify_Totality(t *testing.T) {
	// Every HTTP(S) GET classifies to a non-bypass namespace.
	c := New("learnhub.example.com")

	urls := []string{
		"https://learnhub.example.com/",
		"https://learnhub.example.com/api/courses",
		"https://learnhub.example.com/doc.pdf",
		"https://learnhub.example.com/weird/..//path%20here",
		"http://127.0.0.1:9000/x",
	}
	for _, u := range urls {
		res := c.Classify("GET", u)
		require.NotEqual(t, NamespaceBypass, res.Namespace, "url %s", u)
	}
}
