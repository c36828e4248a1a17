// Package execcache caches code-execution results under a short TTL so that
// re-running identical code serves the stored output instead of executing
// again. Keys are derived from the language and a cheap hash of the
// normalized code text.
package execcache

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"go.etcd.io/bbolt"

	"github.com/learnhub/offline-cache/namespace"
)

const (
	// DefaultTTL is how long a stored result stays servable.
	DefaultTTL = 30 * time.Minute

	// DefaultBound caps the number of stored results.
	DefaultBound = 100
)

// Result is the outcome of one code execution. A Result with a non-empty
// Error is still a valid, cacheable outcome.
type Result struct {
	Output string `json:"output"`
	Error  string `json:"error,omitempty"`
}

type storedResult struct {
	Result
	Timestamp time.Time `json:"timestamp"`
	Seq       uint64    `json:"seq"`
}

// Cache stores execution results in its own buckets on the shared namespace
// database.
type Cache struct {
	db     *bbolt.DB
	logger *slog.Logger
	now    func() time.Time
	ttl    time.Duration
	bound  int
}

// CacheOption configures a Cache.
type CacheOption func(*Cache)

// WithCacheLogger sets the logger.
func WithCacheLogger(logger *slog.Logger) CacheOption {
	return func(c *Cache) {
		c.logger = logger
	}
}

// WithCacheNow sets the time function for testing.
func WithCacheNow(now func() time.Time) CacheOption {
	return func(c *Cache) {
		c.now = now
	}
}

// WithTTL sets the result TTL.
func WithTTL(ttl time.Duration) CacheOption {
	return func(c *Cache) {
		if ttl > 0 {
			c.ttl = ttl
		}
	}
}

// WithCacheBound sets the stored-result bound.
func WithCacheBound(bound int) CacheOption {
	return func(c *Cache) {
		if bound > 0 {
			c.bound = bound
		}
	}
}

// NewCache creates a Cache on db. Buckets are created by the namespace
// store's Open.
func NewCache(db *bbolt.DB, opts ...CacheOption) *Cache {
	c := &Cache{
		db:     db,
		logger: slog.Default(),
		now:    time.Now,
		ttl:    DefaultTTL,
		bound:  DefaultBound,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "execcache")
	return c
}

func resultBucket(tx *bbolt.Tx) *bbolt.Bucket {
	return tx.Bucket(namespace.BucketName(namespace.ExecResults))
}

func orderBucket(tx *bbolt.Tx) *bbolt.Bucket {
	return tx.Bucket(namespace.OrderBucketName(namespace.ExecResults))
}

func encodeSeq(seq uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, seq)
	return buf
}

// Get returns the stored result for key if present and younger than the TTL.
// Expired entries are deleted on lookup and reported as a miss.
func (c *Cache) Get(ctx context.Context, key string) (Result, bool) {
	var (
		result  Result
		found   bool
		expired bool
	)
	err := c.db.View(func(tx *bbolt.Tx) error {
		bucket := resultBucket(tx)
		if bucket == nil {
			return nil
		}
		data := bucket.Get([]byte(key))
		if data == nil {
			return nil
		}
		var stored storedResult
		if err := json.Unmarshal(data, &stored); err != nil {
			return fmt.Errorf("decoding result: %w", err)
		}
		if c.now().Sub(stored.Timestamp) >= c.ttl {
			expired = true
			return nil
		}
		result = stored.Result
		found = true
		return nil
	})
	if err != nil {
		c.logger.Warn("result lookup failed", "key", key, "error", err)
		return Result{}, false
	}

	if expired {
		if err := c.Delete(ctx, key); err != nil {
			c.logger.Warn("failed to purge expired result", "key", key, "error", err)
		}
		return Result{}, false
	}
	return result, found
}

// Put stores a result for key with the current timestamp and enforces the
// bound, evicting the oldest result when over it.
func (c *Cache) Put(ctx context.Context, key string, result Result) error {
	err := c.db.Update(func(tx *bbolt.Tx) error {
		bucket := resultBucket(tx)
		order := orderBucket(tx)
		if bucket == nil || order == nil {
			return fmt.Errorf("execution cache not initialized")
		}

		if old := bucket.Get([]byte(key)); old != nil {
			var stored storedResult
			if json.Unmarshal(old, &stored) == nil {
				if err := order.Delete(encodeSeq(stored.Seq)); err != nil {
					return fmt.Errorf("removing old order index: %w", err)
				}
			}
		}

		seq, err := order.NextSequence()
		if err != nil {
			return fmt.Errorf("allocating sequence: %w", err)
		}
		stored := storedResult{
			Result:    result,
			Timestamp: c.now().UTC(),
			Seq:       seq,
		}
		data, err := json.Marshal(stored)
		if err != nil {
			return fmt.Errorf("encoding result: %w", err)
		}
		if err := bucket.Put([]byte(key), data); err != nil {
			return fmt.Errorf("storing result: %w", err)
		}
		if err := order.Put(encodeSeq(seq), []byte(key)); err != nil {
			return fmt.Errorf("storing order index: %w", err)
		}

		if count(bucket) > c.bound {
			oc := order.Cursor()
			seqKey, victim := oc.First()
			if seqKey != nil {
				if err := bucket.Delete(victim); err != nil {
					return fmt.Errorf("evicting result: %w", err)
				}
				if err := order.Delete(seqKey); err != nil {
					return fmt.Errorf("evicting order index: %w", err)
				}
				c.logger.Info("evicted execution result", "key", string(victim))
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("storing execution result %s: %w", key, err)
	}
	return nil
}

// Delete removes a stored result. Absent keys are a no-op.
func (c *Cache) Delete(_ context.Context, key string) error {
	return c.db.Update(func(tx *bbolt.Tx) error {
		bucket := resultBucket(tx)
		order := orderBucket(tx)
		if bucket == nil {
			return nil
		}
		data := bucket.Get([]byte(key))
		if data == nil {
			return nil
		}
		var stored storedResult
		if json.Unmarshal(data, &stored) == nil && order != nil {
			if err := order.Delete(encodeSeq(stored.Seq)); err != nil {
				return err
			}
		}
		return bucket.Delete([]byte(key))
	})
}

// Count returns the number of stored results.
func (c *Cache) Count() int {
	var n int
	_ = c.db.View(func(tx *bbolt.Tx) error {
		if bucket := resultBucket(tx); bucket != nil {
			n = count(bucket)
		}
		return nil
	})
	return n
}

// Bound returns the configured result bound.
func (c *Cache) Bound() int {
	return c.bound
}

func count(bucket *bbolt.Bucket) int {
	n := 0
	cur := bucket.Cursor()
	for k, _ := cur.First(); k != nil; k, _ = cur.Next() {
		n++
	}
	return n
}
