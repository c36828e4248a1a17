// Package namespace provides the bbolt-backed cache partitions and their
// bound enforcement. Each namespace is a pair of buckets: an entry bucket
// keyed by cache key, and an insertion-order index keyed by a monotonic
// sequence. Bucket names are versioned so stale layouts from older builds can
// be removed on startup.
package namespace

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"time"

	"go.etcd.io/bbolt"

	"github.com/learnhub/offline-cache/backend"
	"github.com/learnhub/offline-cache/telemetry"
)

// Logical namespace names.
const (
	Static      = "static"
	Dynamic     = "dynamic"
	Documents   = "documents"
	Data        = "data"
	ExecResults = "execresults"
	Metadata    = "metadata"
)

const (
	bucketPrefix  = "offline-cache-"
	bucketVersion = 1

	// DefaultBound caps entries per namespace unless overridden.
	DefaultBound = 50
)

// Names returns all logical namespace names managed by the store. Metadata
// and execresults buckets are owned by other packages but share the store's
// database, naming convention and lifecycle.
func Names() []string {
	return []string{Static, Dynamic, Documents, Data, ExecResults, Metadata}
}

// BucketName returns the versioned entry bucket name for a namespace.
func BucketName(name string) []byte {
	return []byte(fmt.Sprintf("%s%s-v%d", bucketPrefix, name, bucketVersion))
}

// OrderBucketName returns the versioned insertion-order bucket name for a
// namespace.
func OrderBucketName(name string) []byte {
	return []byte(fmt.Sprintf("%s%s-order-v%d", bucketPrefix, name, bucketVersion))
}

func encodeSeq(seq uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, seq)
	return buf
}

func decodeSeq(b []byte) uint64 {
	if len(b) < 8 {
		return 0
	}
	return binary.BigEndian.Uint64(b[:8])
}

// Store manages the cache namespaces in a single bbolt database.
type Store struct {
	db     *bbolt.DB
	blobs  backend.Backend
	logger *slog.Logger
	now    func() time.Time

	bounds   map[string]int
	policies map[string]Policy
	noSync   bool
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger for the store.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// WithNow sets the time function for testing.
func WithNow(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// WithBlobBackend sets the blob backend used to offload document bodies.
// Without one, all bodies are stored inline.
func WithBlobBackend(b backend.Backend) Option {
	return func(s *Store) {
		s.blobs = b
	}
}

// WithBound sets the entry bound for a namespace.
func WithBound(name string, bound int) Option {
	return func(s *Store) {
		s.bounds[name] = bound
	}
}

// WithPolicy sets the eviction policy for a namespace. FIFO is the default.
func WithPolicy(name string, p Policy) Option {
	return func(s *Store) {
		s.policies[name] = p
	}
}

// WithNoSync disables fsync per transaction. Testing only.
func WithNoSync(noSync bool) Option {
	return func(s *Store) {
		s.noSync = noSync
	}
}

// New creates a Store with options. Call Open before use.
func New(opts ...Option) *Store {
	s := &Store{
		logger:   slog.Default(),
		now:      time.Now,
		bounds:   map[string]int{},
		policies: map[string]Policy{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Open opens the database at the given path and creates all namespace
// buckets. Creation is idempotent: reopening an existing database keeps its
// contents.
func (s *Store) Open(path string) error {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{
		Timeout: 1 * time.Second,
		NoSync:  s.noSync,
	})
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	s.db = db

	if err := s.createBuckets(); err != nil {
		_ = db.Close()
		return err
	}

	s.logger.Debug("opened namespace store", "path", path)
	return nil
}

func (s *Store) createBuckets() error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		for _, name := range Names() {
			if _, err := tx.CreateBucketIfNotExists(BucketName(name)); err != nil {
				return fmt.Errorf("creating bucket %s: %w", name, err)
			}
			if _, err := tx.CreateBucketIfNotExists(OrderBucketName(name)); err != nil {
				return fmt.Errorf("creating order bucket %s: %w", name, err)
			}
		}
		return nil
	})
}

// Close closes the database.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	s.logger.Debug("closing namespace store")
	return s.db.Close()
}

// DB returns the underlying bbolt database. The revalidation metadata store
// and the execution result cache manage their own buckets on it, sharing one
// file and one lifecycle.
func (s *Store) DB() *bbolt.DB {
	return s.db
}

// Bound returns the configured entry bound for a namespace.
func (s *Store) Bound(name string) int {
	if b, ok := s.bounds[name]; ok {
		return b
	}
	return DefaultBound
}

func (s *Store) policy(name string) Policy {
	if p, ok := s.policies[name]; ok {
		return p
	}
	return FIFOPolicy{}
}

// CleanupStale removes buckets carrying the system prefix that are not part
// of the current namespace set, typically leftovers from an older bucket
// version. Run once on startup after Open.
func (s *Store) CleanupStale() error {
	current := make(map[string]struct{})
	for _, name := range Names() {
		current[string(BucketName(name))] = struct{}{}
		current[string(OrderBucketName(name))] = struct{}{}
	}

	var stale [][]byte
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.ForEach(func(name []byte, _ *bbolt.Bucket) error {
			if !bytes.HasPrefix(name, []byte(bucketPrefix)) {
				return nil
			}
			if _, ok := current[string(name)]; !ok {
				stale = append(stale, append([]byte(nil), name...))
			}
			return nil
		})
	})
	if err != nil {
		return fmt.Errorf("scanning buckets: %w", err)
	}
	if len(stale) == 0 {
		return nil
	}

	err = s.db.Update(func(tx *bbolt.Tx) error {
		for _, name := range stale {
			if err := tx.DeleteBucket(name); err != nil {
				return fmt.Errorf("deleting bucket %s: %w", name, err)
			}
			s.logger.Info("removed stale cache bucket", "bucket", string(name))
		}
		return nil
	})
	if err != nil {
		return err
	}
	return nil
}

// Clear deletes a namespace's contents and recreates it empty. Offloaded
// blobs are removed best-effort after the transaction commits.
func (s *Store) Clear(ctx context.Context, name string) error {
	var blobRefs []string
	err := s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(BucketName(name))
		if bucket != nil {
			c := bucket.Cursor()
			for k, v := c.First(); k != nil; k, v = c.Next() {
				e, err := decodeEntry(v)
				if err != nil {
					continue
				}
				if e.BlobRef != "" {
					blobRefs = append(blobRefs, e.BlobRef)
				}
			}
		}

		for _, b := range [][]byte{BucketName(name), OrderBucketName(name)} {
			if tx.Bucket(b) != nil {
				if err := tx.DeleteBucket(b); err != nil {
					return fmt.Errorf("deleting bucket %s: %w", b, err)
				}
			}
			if _, err := tx.CreateBucket(b); err != nil {
				return fmt.Errorf("recreating bucket %s: %w", b, err)
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("clearing namespace %s: %w", name, err)
	}

	s.deleteBlobs(ctx, blobRefs)
	telemetry.UpdateNamespaceEntries(ctx, name, 0)
	s.logger.Info("cleared namespace", "namespace", name, "blobs_removed", len(blobRefs))
	return nil
}

func (s *Store) deleteBlobs(ctx context.Context, refs []string) {
	if s.blobs == nil {
		return
	}
	for _, ref := range refs {
		if err := s.blobs.Delete(ctx, blobKeyFromRef(ref)); err != nil {
			s.logger.Warn("failed to delete blob", "ref", ref, "error", err)
		}
	}
}
