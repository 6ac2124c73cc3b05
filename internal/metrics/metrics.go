// Package metrics centralizes the Prometheus collectors the indexing
// core exposes, named and labeled per spec.md §6. The teacher declares
// its promauto vars inline per-file (internal/syncer,
// internal/processor); here the core spans many packages sharing one
// metric surface, so the collectors are centralized instead.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	HistoricalTotalBlocks = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "ponder_historical_total_blocks",
		Help: "Total blocks required for a (chain, source) to reach its target.",
	}, []string{"chain", "source", "type"})

	HistoricalCachedBlocks = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "ponder_historical_cached_blocks",
		Help: "Blocks already covered by previously persisted intervals at startup.",
	}, []string{"chain", "source", "type"})

	HistoricalCompletedBlocks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ponder_historical_completed_blocks",
		Help: "Blocks durably persisted, incremented per interval closure.",
	}, []string{"chain", "source", "type"})

	HistoricalStartTimestamp = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ponder_historical_start_timestamp",
		Help: "Unix timestamp the historical sync run started at.",
	})

	IndexingRPCRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ponder_indexing_rpc_requests_total",
		Help: "RPC requests observed by the cached transport, by resolution type.",
	}, []string{"chain", "method", "type"})

	IndexingRPCActionDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ponder_indexing_rpc_action_duration",
		Help:    "Duration of user-visible RPC actions.",
		Buckets: prometheus.DefBuckets,
	}, []string{"action"})

	IndexingRPCPrefetchTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ponder_indexing_rpc_prefetch_total",
		Help: "Prefetch attempts by the access-pattern profiler, by resolution type.",
	}, []string{"chain", "method", "type"})

	IndexingStoreQueriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ponder_indexing_store_queries_total",
		Help: "Indexing store façade operations, by table and method.",
	}, []string{"table", "method"})

	IndexingStoreRawSQLDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "ponder_indexing_store_raw_sql_duration",
		Help:    "Duration of raw-SQL escape-hatch queries.",
		Buckets: prometheus.DefBuckets,
	})
)
