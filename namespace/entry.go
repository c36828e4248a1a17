package namespace

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/klauspost/compress/zstd"
	"go.etcd.io/bbolt"

	offlinecache "github.com/learnhub/offline-cache"
	"github.com/learnhub/offline-cache/telemetry"
)

// ErrNotFound is returned when an entry does not exist.
var ErrNotFound = fmt.Errorf("namespace: not found")

// Entry is one cached response. Body holds the zstd-compressed payload when
// stored inline; document payloads are offloaded to the blob backend and
// referenced by checksum instead.
type Entry struct {
	Key      string      `json:"key"`
	URL      string      `json:"url"`
	Status   int         `json:"status"`
	Header   http.Header `json:"header,omitempty"`
	Body     []byte      `json:"body,omitempty"`
	BlobRef  string      `json:"blobRef,omitempty"`
	Checksum string      `json:"checksum"`
	Size     int64       `json:"size"`
	StoredAt time.Time   `json:"storedAt"`
	Seq      uint64      `json:"seq"`
}

var (
	zstdEnc, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	zstdDec, _ = zstd.NewReader(nil)
)

func encodeEntry(e *Entry) ([]byte, error) {
	return json.Marshal(e)
}

func decodeEntry(data []byte) (*Entry, error) {
	var e Entry
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("decoding entry: %w", err)
	}
	return &e, nil
}

func blobKeyFromRef(ref string) string {
	c, err := offlinecache.ParseChecksum(ref)
	if err != nil {
		return "blobs/" + ref
	}
	return offlinecache.BlobStorageKey(c)
}

// Put stores a response under its cache key, replacing any existing entry for
// the key, and enforces the namespace bound. body is the raw uncompressed
// payload. The write is atomic: the entry is either fully replaced or
// untouched.
func (s *Store) Put(ctx context.Context, name string, e Entry, body []byte) error {
	checksum := offlinecache.ChecksumBytes(body)
	e.Checksum = checksum.String()
	e.Size = int64(len(body))
	e.StoredAt = s.now().UTC()

	offload := name == Documents && s.blobs != nil
	if offload {
		key := offlinecache.BlobStorageKey(checksum)
		if err := s.blobs.Write(telemetry.WithNamespaceContext(ctx, name), key, bytes.NewReader(body)); err != nil {
			return fmt.Errorf("writing blob: %w", err)
		}
		e.BlobRef = e.Checksum
		e.Body = nil
	} else {
		e.Body = zstdEnc.EncodeAll(body, make([]byte, 0, len(body)/2))
		e.BlobRef = ""
	}

	var (
		staleBlob string
		evicted   *Entry
		count     int
	)
	err := s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(BucketName(name))
		order := tx.Bucket(OrderBucketName(name))
		if bucket == nil || order == nil {
			return fmt.Errorf("namespace %s not initialized", name)
		}

		// Replacing an entry retires its order slot and any old blob.
		if old := bucket.Get([]byte(e.Key)); old != nil {
			oldEntry, err := decodeEntry(old)
			if err == nil {
				if err := order.Delete(encodeSeq(oldEntry.Seq)); err != nil {
					return fmt.Errorf("removing old order index: %w", err)
				}
				if oldEntry.BlobRef != "" && oldEntry.BlobRef != e.BlobRef {
					staleBlob = oldEntry.BlobRef
				}
			}
		}

		seq, err := order.NextSequence()
		if err != nil {
			return fmt.Errorf("allocating sequence: %w", err)
		}
		e.Seq = seq

		data, err := encodeEntry(&e)
		if err != nil {
			return fmt.Errorf("encoding entry: %w", err)
		}
		if err := bucket.Put([]byte(e.Key), data); err != nil {
			return fmt.Errorf("storing entry: %w", err)
		}
		if err := order.Put(encodeSeq(seq), []byte(e.Key)); err != nil {
			return fmt.Errorf("storing order index: %w", err)
		}

		count = countKeys(bucket)
		if count > s.Bound(name) {
			victim, err := s.evictOne(name, bucket, order)
			if err != nil {
				return err
			}
			evicted = victim
			count--
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("writing %s/%s: %w", name, e.Key, err)
	}

	if staleBlob != "" {
		s.deleteBlobs(ctx, []string{staleBlob})
	}
	if evicted != nil {
		if evicted.BlobRef != "" {
			s.deleteBlobs(ctx, []string{evicted.BlobRef})
		}
		telemetry.RecordEviction(ctx, name, s.policy(name).Name())
		s.logger.Info("evicted cache entry",
			"namespace", name, "key", evicted.Key, "policy", s.policy(name).Name())
	}
	telemetry.UpdateNamespaceEntries(ctx, name, count)
	return nil
}

// evictOne removes exactly one victim selected by the namespace policy.
// Runs inside the Put transaction so the bound holds when the write commits.
func (s *Store) evictOne(name string, bucket, order *bbolt.Bucket) (*Entry, error) {
	var candidates []Candidate
	c := order.Cursor()
	for k, v := c.First(); k != nil; k, v = c.Next() {
		candidates = append(candidates, Candidate{
			Seq: decodeSeq(k),
			Key: string(v),
		})
	}

	victim, ok := s.policy(name).Select(candidates)
	if !ok {
		return nil, nil
	}

	data := bucket.Get([]byte(victim.Key))
	var entry *Entry
	if data != nil {
		if e, err := decodeEntry(data); err == nil {
			entry = e
		}
	}
	if entry == nil {
		entry = &Entry{Key: victim.Key, Seq: victim.Seq}
	}

	if err := bucket.Delete([]byte(victim.Key)); err != nil {
		return nil, fmt.Errorf("evicting entry: %w", err)
	}
	if err := order.Delete(encodeSeq(victim.Seq)); err != nil {
		return nil, fmt.Errorf("evicting order index: %w", err)
	}
	return entry, nil
}

// Get retrieves an entry and its raw payload. Returns ErrNotFound if the key
// is absent. The payload checksum is verified before returning.
func (s *Store) Get(ctx context.Context, name, key string) (*Entry, []byte, error) {
	var entry *Entry
	err := s.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(BucketName(name))
		if bucket == nil {
			return ErrNotFound
		}
		data := bucket.Get([]byte(key))
		if data == nil {
			return ErrNotFound
		}
		e, err := decodeEntry(data)
		if err != nil {
			return err
		}
		entry = e
		return nil
	})
	if err != nil {
		return nil, nil, err
	}

	var body []byte
	if entry.BlobRef != "" {
		if s.blobs == nil {
			return nil, nil, fmt.Errorf("entry %s/%s references a blob but no backend is configured", name, key)
		}
		rc, err := s.blobs.Read(telemetry.WithNamespaceContext(ctx, name), blobKeyFromRef(entry.BlobRef))
		if err != nil {
			return nil, nil, fmt.Errorf("reading blob: %w", err)
		}
		defer func() { _ = rc.Close() }()
		body, err = io.ReadAll(rc)
		if err != nil {
			return nil, nil, fmt.Errorf("reading blob: %w", err)
		}
	} else {
		decoded, err := zstdDec.DecodeAll(entry.Body, nil)
		if err != nil {
			return nil, nil, fmt.Errorf("decompressing entry: %w", err)
		}
		body = decoded
	}

	if got := offlinecache.ChecksumBytes(body).String(); got != entry.Checksum {
		return nil, nil, fmt.Errorf("checksum mismatch for %s/%s: stored %s, got %s",
			name, key, entry.Checksum, got)
	}

	entry.Body = nil
	return entry, body, nil
}

// Delete removes an entry. Deleting an absent key is a no-op.
func (s *Store) Delete(ctx context.Context, name, key string) error {
	var blobRef string
	err := s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(BucketName(name))
		order := tx.Bucket(OrderBucketName(name))
		if bucket == nil {
			return nil
		}
		data := bucket.Get([]byte(key))
		if data == nil {
			return nil
		}
		e, err := decodeEntry(data)
		if err == nil {
			blobRef = e.BlobRef
			if order != nil {
				if err := order.Delete(encodeSeq(e.Seq)); err != nil {
					return fmt.Errorf("removing order index: %w", err)
				}
			}
		}
		return bucket.Delete([]byte(key))
	})
	if err != nil {
		return fmt.Errorf("deleting %s/%s: %w", name, key, err)
	}
	if blobRef != "" {
		s.deleteBlobs(ctx, []string{blobRef})
	}
	return nil
}

// Count returns the number of entries in a namespace.
func (s *Store) Count(name string) (int, error) {
	var count int
	err := s.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(BucketName(name))
		if bucket == nil {
			return ErrNotFound
		}
		count = countKeys(bucket)
		return nil
	})
	return count, err
}

// Keys returns the cache keys of a namespace in insertion order.
func (s *Store) Keys(name string) ([]string, error) {
	var keys []string
	err := s.db.View(func(tx *bbolt.Tx) error {
		order := tx.Bucket(OrderBucketName(name))
		if order == nil {
			return ErrNotFound
		}
		c := order.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			keys = append(keys, string(v))
		}
		return nil
	})
	return keys, err
}

// Entries returns the metadata of all entries in a namespace in insertion
// order, without payloads.
func (s *Store) Entries(name string) ([]Entry, error) {
	var entries []Entry
	err := s.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(BucketName(name))
		order := tx.Bucket(OrderBucketName(name))
		if bucket == nil || order == nil {
			return ErrNotFound
		}
		c := order.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			data := bucket.Get(v)
			if data == nil {
				continue
			}
			e, err := decodeEntry(data)
			if err != nil {
				continue
			}
			e.Body = nil
			entries = append(entries, *e)
		}
		return nil
	})
	return entries, err
}

func countKeys(bucket *bbolt.Bucket) int {
	n := 0
	c := bucket.Cursor()
	for k, _ := c.First(); k != nil; k, _ = c.Next() {
		n++
	}
	return n
}
