package offlinecache

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCacheKeyCanonicalizes(t *testing.T) {
	key := CacheKey("https://cdn.example.com/docs/unit1.pdf?v=2")
	require.Equal(t, "https___cdn_example_com_docs_unit1_pdf_v_2", key)
}

func TestCacheKeyStable(t *testing.T) {
	url := "https://example.com/rest/v1/lab_programs?select=*"
	require.Equal(t, CacheKey(url), CacheKey(url))
}

func TestCacheKeyDistinctURLs(t *testing.T) {
	require.NotEqual(t, CacheKey("/a/b"), CacheKey("/a/c"))
}

func TestNormalizeCode(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"collapses runs", "print( 1 )\n\nprint(2)", "print( 1 ) print(2)"},
		{"trims", "  \tx = 1  \n", "x = 1"},
		{"tabs and newlines", "def f():\n\treturn 1", "def f(): return 1"},
		{"empty", "   ", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, NormalizeCode(tt.in))
		})
	}
}

func TestCodeHashDeterministic(t *testing.T) {
	require.Equal(t, CodeHash("print(1)"), CodeHash("print(1)"))
	require.NotEqual(t, CodeHash("print(1)"), CodeHash("print(2)"))
}

func TestExecKeyFormattingInsensitive(t *testing.T) {
	a := ExecKey("python", "print(1)\n")
	b := ExecKey("python", "  print(1)")
	require.Equal(t, a, b)
	require.True(t, strings.HasPrefix(a, "python:"))
	require.Len(t, a, len("python:")+8)
}

func TestExecKeyLanguageScoped(t *testing.T) {
	require.NotEqual(t, ExecKey("python", "print(1)"), ExecKey("javascript", "print(1)"))
}

func TestChecksumRoundTrip(t *testing.T) {
	c := ChecksumBytes([]byte("payload"))

	text, err := c.MarshalText()
	require.NoError(t, err)

	parsed, err := ParseChecksum(string(text))
	require.NoError(t, err)
	require.Equal(t, c, parsed)
}

func TestChecksumingReader(t *testing.T) {
	data := []byte("response body bytes")
	cr := NewChecksumingReader(strings.NewReader(string(data)))

	buf := make([]byte, 4)
	for {
		if _, err := cr.Read(buf); err != nil {
			break
		}
	}

	require.Equal(t, ChecksumBytes(data), cr.Sum())
	require.Equal(t, int64(len(data)), cr.BytesRead())
}

func TestBlobStorageKey(t *testing.T) {
	c := ChecksumBytes([]byte("doc"))
	key := BlobStorageKey(c)
	require.True(t, strings.HasPrefix(key, "blobs/"))
	require.Contains(t, key, c.String())
}
