package offlinecache

import "strings"

// CacheKey derives a normalized storage key from a request URL. Every
// character outside [a-zA-Z0-9] is canonicalized to an underscore so the key
// is safe to use in any storage layer regardless of its separator rules.
//
// A key maps to at most one entry per namespace; writing the same URL twice
// overwrites the previous entry.
func CacheKey(rawURL string) string {
	var b strings.Builder
	b.Grow(len(rawURL))
	for i := 0; i < len(rawURL); i++ {
		ch := rawURL[i]
		switch {
		case ch >= 'a' && ch <= 'z', ch >= 'A' && ch <= 'Z', ch >= '0' && ch <= '9':
			b.WriteByte(ch)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}
