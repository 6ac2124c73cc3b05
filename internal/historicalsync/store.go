package historicalsync

import (
	"context"

	"github.com/0xkanth/indexcore/internal/intervalset"
)

// SyncStore is the subset of internal/pgstore.Store the scheduler
// consumes (spec.md §4.5's capability list, trimmed to what the
// scheduler itself calls — row-cache flush and rpc-cache capabilities
// live behind internal/rowcache and internal/rpccache instead).
type SyncStore interface {
	GetIntervals(ctx context.Context, bucket string, chainID uint64, sourceID string) (intervalset.Set, error)
	InsertInterval(ctx context.Context, bucket string, chainID uint64, sourceID string, iv intervalset.Interval) error

	InsertFactoryChildAddressLogs(ctx context.Context, chainID uint64, factoryID string, addresses []string, blockNumber uint64) error
	GetFactoryChildAddresses(ctx context.Context, chainID uint64, factoryID string, maxBlock uint64, pageSize int, fn func(addresses []string) error) error

	GetBlock(ctx context.Context, chainID, blockNumber uint64) (bool, uint64, error)
	InsertBlock(ctx context.Context, chainID, blockNumber uint64, hash string, timestamp uint64) error
}

// bucket names, re-exported so callers don't need to import
// internal/localcache directly just to name a bucket.
const (
	BucketLogFilter        = "log_filter_intervals"
	BucketFactoryLogFilter = "factory_log_filter_intervals"
	BucketTraceFilter      = "trace_filter_intervals"
	BucketFactoryTrace     = "factory_trace_filter_intervals"
	BucketBlockFilter      = "block_filter_intervals"
)

// childSourceID namespaces a factory source's child-discovery tracker
// under a distinct key within the same factory-log-filter bucket,
// since spec.md §4.4 step 6 tracks child discovery and the resulting
// log filter as two trackers "under the factory-log filter key"
// without naming two separate tables.
func childSourceID(sourceID string) string { return sourceID + "#children" }
