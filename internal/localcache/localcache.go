// Package localcache adapts internal/db/checkpoint.go's single-entry
// BoltDB checkpoint store into a fast local mirror of the sync store's
// interval-persistence tables. The historical sync scheduler consults
// this before round-tripping to Postgres, since interval rows are the
// durable source of truth for "what is cached" (spec.md §4.5) but a
// local, file-backed copy avoids a DB hit on every resume-from-cache
// check in the common case of repeated restarts against the same
// database.
package localcache

import (
	"encoding/json"
	"fmt"
	"time"

	"go.etcd.io/bbolt"

	"github.com/0xkanth/indexcore/internal/intervalset"
)

// bucket names mirror the interval-persistence tables in spec.md §6.
const (
	bucketLogFilter        = "log_filter_intervals"
	bucketFactoryLogFilter = "factory_log_filter_intervals"
	bucketTraceFilter      = "trace_filter_intervals"
	bucketFactoryTrace     = "factory_trace_filter_intervals"
	bucketBlockFilter      = "block_filter_intervals"
)

var allBuckets = []string{
	bucketLogFilter, bucketFactoryLogFilter, bucketTraceFilter, bucketFactoryTrace, bucketBlockFilter,
}

// Mirror is a local bbolt-backed mirror of per-source interval sets.
type Mirror struct {
	db *bbolt.DB
}

// Open opens (creating if absent) the bbolt file at path and ensures
// every interval bucket exists.
func Open(path string) (*Mirror, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("localcache: open %s: %w", path, err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, b := range allBuckets {
			if _, err := tx.CreateBucketIfNotExists([]byte(b)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("localcache: init buckets: %w", err)
	}

	return &Mirror{db: db}, nil
}

func (m *Mirror) Close() error { return m.db.Close() }

func key(chainID uint64, sourceID string) []byte {
	return []byte(fmt.Sprintf("%d/%s", chainID, sourceID))
}

// Get returns the mirrored interval set for (bucket, chainID, sourceID),
// or an empty set if no local mirror entry exists yet (the caller must
// still fall through to the authoritative DB store on a miss — this is
// a cache, not a replacement).
func (m *Mirror) Get(bucket string, chainID uint64, sourceID string) (intervalset.Set, bool, error) {
	var set intervalset.Set
	found := false
	err := m.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(bucket))
		if b == nil {
			return fmt.Errorf("localcache: unknown bucket %s", bucket)
		}
		data := b.Get(key(chainID, sourceID))
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, &set)
	})
	return set, found, err
}

// Put overwrites the mirrored interval set for (bucket, chainID,
// sourceID). Callers write here only after the DB write has succeeded,
// so the mirror can never be ahead of the authoritative store.
func (m *Mirror) Put(bucket string, chainID uint64, sourceID string, set intervalset.Set) error {
	data, err := json.Marshal(set)
	if err != nil {
		return fmt.Errorf("localcache: marshal interval set: %w", err)
	}
	return m.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(bucket))
		if b == nil {
			return fmt.Errorf("localcache: unknown bucket %s", bucket)
		}
		return b.Put(key(chainID, sourceID), data)
	})
}

// Buckets exposes the known bucket names for callers that need to
// iterate every source kind.
func Buckets() []string { return append([]string(nil), allBuckets...) }

const (
	BucketLogFilter        = bucketLogFilter
	BucketFactoryLogFilter = bucketFactoryLogFilter
	BucketTraceFilter      = bucketTraceFilter
	BucketFactoryTrace     = bucketFactoryTrace
	BucketBlockFilter      = bucketBlockFilter
)
