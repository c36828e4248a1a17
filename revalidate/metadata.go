// Package revalidate tracks per-resource fetch metadata and refreshes cached
// entries in the background when they may be stale. A resource fetched within
// the freshness window is trusted without touching the network; older
// resources are checked with a cheap HEAD comparison before a full refetch.
package revalidate

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.etcd.io/bbolt"

	"github.com/learnhub/offline-cache/namespace"
)

// ErrNotFound is returned when no metadata record exists for a URL.
var ErrNotFound = errors.New("revalidate: metadata not found")

// Record is the stored fetch metadata for one URL.
type Record struct {
	CachedAt     time.Time `json:"cachedAt"`
	ETag         string    `json:"etag,omitempty"`
	LastModified string    `json:"lastModified,omitempty"`
}

// MetadataStore persists fetch metadata in its own bucket on the shared
// namespace database.
type MetadataStore struct {
	db  *bbolt.DB
	now func() time.Time
}

// MetadataOption configures a MetadataStore.
type MetadataOption func(*MetadataStore)

// WithMetadataNow sets the time function for testing.
func WithMetadataNow(now func() time.Time) MetadataOption {
	return func(m *MetadataStore) {
		m.now = now
	}
}

// NewMetadataStore creates a MetadataStore on db. The bucket itself is
// created by the namespace store's Open.
func NewMetadataStore(db *bbolt.DB, opts ...MetadataOption) *MetadataStore {
	m := &MetadataStore{
		db:  db,
		now: time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func metadataBucket(tx *bbolt.Tx) *bbolt.Bucket {
	return tx.Bucket(namespace.BucketName(namespace.Metadata))
}

// Get retrieves the metadata record for a URL.
func (m *MetadataStore) Get(url string) (*Record, error) {
	var rec *Record
	err := m.db.View(func(tx *bbolt.Tx) error {
		bucket := metadataBucket(tx)
		if bucket == nil {
			return ErrNotFound
		}
		data := bucket.Get([]byte(url))
		if data == nil {
			return ErrNotFound
		}
		var r Record
		if err := json.Unmarshal(data, &r); err != nil {
			return fmt.Errorf("decoding metadata: %w", err)
		}
		rec = &r
		return nil
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// Put stores a metadata record for a URL.
func (m *MetadataStore) Put(url string, rec Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encoding metadata: %w", err)
	}
	err = m.db.Update(func(tx *bbolt.Tx) error {
		bucket := metadataBucket(tx)
		if bucket == nil {
			return fmt.Errorf("metadata bucket not initialized")
		}
		return bucket.Put([]byte(url), data)
	})
	if err != nil {
		return fmt.Errorf("storing metadata for %s: %w", url, err)
	}
	return nil
}

// RecordFetch stores a fresh record for url from a fetch's response headers.
func (m *MetadataStore) RecordFetch(url string, header http.Header) error {
	return m.Put(url, Record{
		CachedAt:     m.now().UTC(),
		ETag:         header.Get("ETag"),
		LastModified: header.Get("Last-Modified"),
	})
}

// Delete removes the record for a URL. Absent records are a no-op.
func (m *MetadataStore) Delete(url string) error {
	return m.db.Update(func(tx *bbolt.Tx) error {
		bucket := metadataBucket(tx)
		if bucket == nil {
			return nil
		}
		return bucket.Delete([]byte(url))
	})
}

// Clear deletes all metadata and recreates the bucket empty.
func (m *MetadataStore) Clear() error {
	name := namespace.BucketName(namespace.Metadata)
	err := m.db.Update(func(tx *bbolt.Tx) error {
		if tx.Bucket(name) != nil {
			if err := tx.DeleteBucket(name); err != nil {
				return err
			}
		}
		_, err := tx.CreateBucket(name)
		return err
	})
	if err != nil {
		return fmt.Errorf("clearing metadata: %w", err)
	}
	return nil
}
