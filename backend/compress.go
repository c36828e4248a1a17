package backend

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
)

// Compressed wraps a Backend and transparently zstd-compresses blobs at rest.
// Document payloads compress well (PDF metadata, embedded text) and the
// decode cost is negligible next to the network fetch it replaces.
//
// Size reports the compressed on-disk size; callers that need the logical
// payload size track it in entry metadata.
type Compressed struct {
	inner Backend
	enc   *zstd.Encoder
	dec   *zstd.Decoder
}

// NewCompressed creates a compressing wrapper around the given backend.
func NewCompressed(inner Backend) (*Compressed, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("creating zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("creating zstd decoder: %w", err)
	}
	return &Compressed{inner: inner, enc: enc, dec: dec}, nil
}

// Write compresses the data and stores it at the given key.
func (c *Compressed) Write(ctx context.Context, key string, r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("reading data: %w", err)
	}
	compressed := c.enc.EncodeAll(data, make([]byte, 0, len(data)/2))
	return c.inner.Write(ctx, key, bytes.NewReader(compressed))
}

// Read retrieves and decompresses the data at the given key.
func (c *Compressed) Read(ctx context.Context, key string) (io.ReadCloser, error) {
	rc, err := c.inner.Read(ctx, key)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rc.Close() }()

	compressed, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("reading compressed data: %w", err)
	}
	data, err := c.dec.DecodeAll(compressed, nil)
	if err != nil {
		return nil, fmt.Errorf("decompressing data: %w", err)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

// Delete removes the data at the given key.
func (c *Compressed) Delete(ctx context.Context, key string) error {
	return c.inner.Delete(ctx, key)
}

// Exists checks if a key exists.
func (c *Compressed) Exists(ctx context.Context, key string) (bool, error) {
	return c.inner.Exists(ctx, key)
}

// List returns all keys with the given prefix.
func (c *Compressed) List(ctx context.Context, prefix string) ([]string, error) {
	return c.inner.List(ctx, prefix)
}

// Size returns the compressed size of the data at the given key.
func (c *Compressed) Size(ctx context.Context, key string) (int64, error) {
	return c.inner.Size(ctx, key)
}

var _ Backend = (*Compressed)(nil)
