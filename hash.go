// Package offlinecache provides the key and hash primitives shared by the
// offline-first caching gateway: normalized cache keys, BLAKE3 payload
// checksums, and the rolling hash used for code-execution result keys.
package offlinecache

import (
	"encoding/hex"
	"fmt"
	"io"

	"github.com/zeebo/blake3"
)

// ChecksumSize is the size of a BLAKE3 checksum in bytes (256 bits).
const ChecksumSize = 32

// Checksum is a BLAKE3 256-bit digest of a stored response payload.
// It is recorded alongside each cache entry so corrupted payloads can be
// detected on read.
type Checksum [ChecksumSize]byte

// String returns the hex-encoded representation of the checksum.
func (c Checksum) String() string {
	return hex.EncodeToString(c[:])
}

// ShortString returns a shortened hex representation for display.
func (c Checksum) ShortString() string {
	return hex.EncodeToString(c[:8])
}

// IsZero returns true if the checksum is all zeros (uninitialized).
func (c Checksum) IsZero() bool {
	return c == Checksum{}
}

// MarshalText implements encoding.TextMarshaler.
func (c Checksum) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (c *Checksum) UnmarshalText(text []byte) error {
	if len(text) != ChecksumSize*2 {
		return fmt.Errorf("invalid checksum length: expected %d hex chars, got %d", ChecksumSize*2, len(text))
	}
	_, err := hex.Decode(c[:], text)
	return err
}

// ParseChecksum parses a hex-encoded checksum string.
func ParseChecksum(s string) (Checksum, error) {
	var c Checksum
	if err := c.UnmarshalText([]byte(s)); err != nil {
		return Checksum{}, err
	}
	return c, nil
}

// ChecksumBytes computes the BLAKE3 checksum of the given bytes.
func ChecksumBytes(data []byte) Checksum {
	return Checksum(blake3.Sum256(data))
}

// ChecksumReader computes the BLAKE3 checksum of content from the reader.
// It returns the checksum and the number of bytes read.
func ChecksumReader(r io.Reader) (Checksum, int64, error) {
	h := blake3.New()
	n, err := io.Copy(h, r)
	if err != nil {
		return Checksum{}, n, fmt.Errorf("hashing content: %w", err)
	}
	var c Checksum
	h.Sum(c[:0])
	return c, n, nil
}

// ChecksumingReader wraps a reader and computes the checksum as data is read.
type ChecksumingReader struct {
	r io.Reader
	h *blake3.Hasher
	n int64
}

// NewChecksumingReader creates a reader that computes a checksum as data is read.
func NewChecksumingReader(r io.Reader) *ChecksumingReader {
	return &ChecksumingReader{
		r: r,
		h: blake3.New(),
	}
}

// Read implements io.Reader.
func (cr *ChecksumingReader) Read(p []byte) (int, error) {
	n, err := cr.r.Read(p)
	if n > 0 {
		cr.h.Write(p[:n])
		cr.n += int64(n)
	}
	return n, err
}

// Sum returns the checksum of all data read so far.
func (cr *ChecksumingReader) Sum() Checksum {
	var c Checksum
	cr.h.Sum(c[:0])
	return c
}

// BytesRead returns the total number of bytes read.
func (cr *ChecksumingReader) BytesRead() int64 {
	return cr.n
}

// Blob storage key layout for document payloads kept outside the entry
// database.

const blobKeyPrefix = "blobs"

// BlobStorageKey returns the backend storage key for a payload blob.
// Format: blobs/{hex[:2]}/{hex}
func BlobStorageKey(c Checksum) string {
	h := c.String()
	return blobKeyPrefix + "/" + h[:2] + "/" + h
}
