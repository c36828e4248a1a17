package offlinecache

import (
	"fmt"
	"strings"
	"unicode"
)

// NormalizeCode collapses all whitespace runs in a program text to single
// spaces and trims leading and trailing whitespace, so that formatting-only
// edits map to the same execution cache key.
func NormalizeCode(code string) string {
	var b strings.Builder
	b.Grow(len(code))
	inSpace := false
	for _, r := range code {
		if unicode.IsSpace(r) {
			inSpace = true
			continue
		}
		if inSpace && b.Len() > 0 {
			b.WriteByte(' ')
		}
		inSpace = false
		b.WriteRune(r)
	}
	return b.String()
}

// CodeHash computes a cheap rolling 32-bit polynomial hash over s. It is not
// cryptographic: two different programs can collide and share a cached
// execution result. That tradeoff is accepted for key compactness; see the
// execution cache documentation.
func CodeHash(s string) uint32 {
	var h uint32
	for i := 0; i < len(s); i++ {
		h = h*31 + uint32(s[i])
	}
	return h
}

// ExecKey returns the execution cache key for a (language, code) pair:
// the language joined with the rolling hash of the normalized code text.
func ExecKey(language, code string) string {
	return fmt.Sprintf("%s:%08x", language, CodeHash(NormalizeCode(code)))
}
