// Package rpccache implements the cached RPC transport (spec.md §4.8):
// it intercepts every RPC request issued from user callbacks, splitting
// multicalls, consulting an in-memory + DB response cache, and slotting
// prefetch promises in ahead of a request actually being made.
package rpccache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/0xkanth/indexcore/internal/metrics"
	"github.com/0xkanth/indexcore/internal/rpcclient"
)

// UncachedResponses are upstream results never persisted to the DB
// cache (spec.md §4.8).
var UncachedResponses = map[string]bool{"0x": true, "": true}

// aggregate3Selector is the 4-byte selector for Multicall3's
// aggregate3((address,bool,bytes)[]) function.
const aggregate3Selector = "0x82ad56cb"

// DBCache is the persistent half of the response cache (backed by
// internal/pgstore.Store in production).
type DBCache interface {
	GetRPCRequestResults(ctx context.Context, chainID uint64, requestHashes []string) ([]string, []bool, error)
	InsertRPCRequestResults(ctx context.Context, chainID uint64, rows []RPCResultInsert) error
}

// RPCResultInsert is one row DBCache.InsertRPCRequestResults persists.
// Declared here rather than in pgstore since DBCache is this package's
// interface: pgstore imports this type instead of redeclaring it, which
// introduces a pgstore -> rpccache edge, not a cycle (rpccache never
// imports pgstore).
type RPCResultInsert struct {
	RequestHash string
	BlockHint   *uint64
	ResultJSON  string
}

// slot is either a resolved value or an in-flight prefetch promise.
type slot struct {
	resolved bool
	value    string
	err      error
	done     chan struct{}
}

func newPendingSlot() *slot { return &slot{done: make(chan struct{})} }

func (s *slot) resolve(value string, err error) {
	s.value, s.err, s.resolved = value, err, true
	close(s.done)
}

func (s *slot) wait(ctx context.Context) (string, error) {
	select {
	case <-s.done:
		return s.value, s.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Transport is the cached RPC transport for one chain. RpcResponseCache
// (the in-memory half) is shared across chains by constructing one
// Transport per chain but sharing the same DBCache and LRU size budget.
type Transport struct {
	chainID uint64
	rpc     rpcclient.Client
	db      DBCache
	mem     *lru.Cache[string, *slot]
}

// Config configures a Transport.
type Config struct {
	ChainID       uint64
	MemCacheSize  int
}

// New constructs a Transport.
func New(rpc rpcclient.Client, db DBCache, cfg Config) (*Transport, error) {
	if cfg.MemCacheSize <= 0 {
		cfg.MemCacheSize = 10_000
	}
	mem, err := lru.New[string, *slot](cfg.MemCacheSize)
	if err != nil {
		return nil, fmt.Errorf("rpccache: mem cache: %w", err)
	}
	return &Transport{chainID: cfg.ChainID, rpc: rpc, db: db, mem: mem}, nil
}

// Request is a canonical JSON-RPC-shaped request the transport resolves
// via cache-then-upstream.
type Request struct {
	Method      string
	Params      []any
	BlockNumber *uint64 // resolved position per spec.md §4.8's block-tag rules
	Immutable   bool    // cache = "immutable" ⇒ blockTag "latest"

	// NoRetryEmptyResponse opts a request out of the retry policy's
	// "returned no data" condition (spec.md §4.8: "the caller did not
	// opt out via retry_empty_response = false"). Zero value (false)
	// keeps the default: an upstream call that comes back empty is
	// retried like any other transient miss.
	NoRetryEmptyResponse bool
}

// canonicalKey produces an order-stable, lowercased JSON key.
func (r Request) canonicalKey() string {
	paramsJSON, _ := json.Marshal(r.Params)
	raw := fmt.Sprintf("%s:%s", r.Method, string(paramsJSON))
	sum := sha256.Sum256([]byte(strings.ToLower(raw)))
	return hex.EncodeToString(sum[:])
}

func (r Request) blockTag() string {
	if r.Immutable {
		return "latest"
	}
	if r.BlockNumber != nil {
		return fmt.Sprintf("%d", *r.BlockNumber)
	}
	return "latest"
}

// cacheableMethods are methods the transport memoizes; everything else
// passes through unchanged (spec.md §4.8 step 3).
var cacheableMethods = map[string]bool{
	"eth_call":                   true,
	"eth_getBalance":             true,
	"eth_getCode":                true,
	"eth_getStorageAt":           true,
	"eth_getProof":               true,
	"eth_getTransactionByHash":   true,
	"eth_getBlockByHash":         true,
	"eth_getBlockByNumber":       true,
	"eth_getTransactionReceipt":  true,
	"debug_traceCall":            true,
	"debug_traceTransaction":     true,
	"debug_traceBlockByNumber":   true,
	"debug_traceBlockByHash":     true,
}

// Do resolves a request: multicall-split if applicable, else the
// single-cacheable-method path, else pass through.
func (t *Transport) Do(ctx context.Context, req Request) (string, error) {
	if req.Method == "eth_call" && isMulticallData(req.Params) {
		return t.doMulticall(ctx, req)
	}
	if !cacheableMethods[req.Method] {
		return t.upstream(ctx, req)
	}
	return t.doSingle(ctx, req)
}

func (t *Transport) doSingle(ctx context.Context, req Request) (string, error) {
	key := req.canonicalKey()

	if s, ok := t.mem.Get(key); ok {
		metrics.IndexingRPCRequestsTotal.WithLabelValues(fmt.Sprint(t.chainID), req.Method, "memory").Inc()
		return s.wait(ctx)
	}

	results, found, err := t.db.GetRPCRequestResults(ctx, t.chainID, []string{key})
	if err == nil && len(found) > 0 && found[0] {
		metrics.IndexingRPCRequestsTotal.WithLabelValues(fmt.Sprint(t.chainID), req.Method, "database").Inc()
		t.mem.Add(key, &slot{resolved: true, value: results[0], done: closedChan()})
		return results[0], nil
	}

	value, err := t.upstream(ctx, req)
	if err != nil {
		return "", err
	}
	metrics.IndexingRPCRequestsTotal.WithLabelValues(fmt.Sprint(t.chainID), req.Method, "rpc").Inc()
	t.mem.Add(key, &slot{resolved: true, value: value, done: closedChan()})
	if !UncachedResponses[value] {
		_ = t.db.InsertRPCRequestResults(ctx, t.chainID, []RPCResultInsert{{RequestHash: key, BlockHint: req.BlockNumber, ResultJSON: value}})
	}
	return value, nil
}

func (t *Transport) upstream(ctx context.Context, req Request) (string, error) {
	start := time.Now()
	defer func() {
		metrics.IndexingRPCActionDuration.WithLabelValues(req.Method).Observe(time.Since(start).Seconds())
	}()

	return withRetry(ctx, !req.NoRetryEmptyResponse, func() (string, error) {
		switch req.Method {
		case "eth_call":
			to, data := decodeEthCallParams(req.Params)
			result, err := t.rpc.Call(ctx, rpcclient.CallRequest{To: to, Data: data, BlockTag: req.blockTag()})
			if err != nil {
				return "", err
			}
			return "0x" + hexEncode(result), nil
		default:
			raw, err := t.rpc.RawCall(ctx, req.Method, req.Params)
			if err != nil {
				return "", err
			}
			return string(raw), nil
		}
	})
}

// Prefetch slots a resolved value (from DB) or an in-flight promise
// (from firing the upstream RPC now) into the in-memory cache ahead of
// demand, per spec.md §4.9. errFn, when non-nil, is invoked if the
// eager RPC call fails; the error is captured in the slot and surfaced
// only when a later Do() call consumes it.
func (t *Transport) PrefetchDBHit(key, value string) {
	t.mem.Add(key, &slot{resolved: true, value: value, done: closedChan()})
}

// PrefetchRPC fires fn in the background and slots the in-flight
// promise immediately so concurrent Do() calls observe it.
func (t *Transport) PrefetchRPC(key string, fn func() (string, error)) {
	s := newPendingSlot()
	t.mem.Add(key, s)
	go func() {
		value, err := fn()
		s.resolve(value, err)
	}()
}

func closedChan() chan struct{} {
	c := make(chan struct{})
	close(c)
	return c
}

func hexEncode(b []byte) string {
	return hex.EncodeToString(b)
}

func sortedParamKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
