package historicalsync

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/0xkanth/indexcore/internal/intervalset"
	"github.com/0xkanth/indexcore/internal/rpcclient"
	"github.com/0xkanth/indexcore/internal/source"
)

type fakeStore struct {
	mu        sync.Mutex
	intervals map[string]intervalset.Set
	blocks    map[uint64]struct {
		hash string
		ts   uint64
	}
	childAddrs map[string][]childEntry
}

type childEntry struct {
	addr  string
	block uint64
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		intervals: make(map[string]intervalset.Set),
		blocks: make(map[uint64]struct {
			hash string
			ts   uint64
		}),
		childAddrs: make(map[string][]childEntry),
	}
}

func (f *fakeStore) GetIntervals(ctx context.Context, bucket string, chainID uint64, sourceID string) (intervalset.Set, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.intervals[bucket+":"+sourceID], nil
}

func (f *fakeStore) InsertInterval(ctx context.Context, bucket string, chainID uint64, sourceID string, iv intervalset.Interval) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := bucket + ":" + sourceID
	f.intervals[key] = intervalset.Union(f.intervals[key], intervalset.Of(iv))
	return nil
}

func (f *fakeStore) InsertFactoryChildAddressLogs(ctx context.Context, chainID uint64, factoryID string, addresses []string, blockNumber uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, a := range addresses {
		f.childAddrs[factoryID] = append(f.childAddrs[factoryID], childEntry{addr: a, block: blockNumber})
	}
	return nil
}

func (f *fakeStore) GetFactoryChildAddresses(ctx context.Context, chainID uint64, factoryID string, maxBlock uint64, pageSize int, fn func([]string) error) error {
	f.mu.Lock()
	var page []string
	for _, e := range f.childAddrs[factoryID] {
		if e.block <= maxBlock {
			page = append(page, e.addr)
		}
	}
	f.mu.Unlock()
	if len(page) == 0 {
		return nil
	}
	return fn(page)
}

func (f *fakeStore) GetBlock(ctx context.Context, chainID, blockNumber uint64) (bool, uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.blocks[blockNumber]
	return ok, b.ts, nil
}

func (f *fakeStore) InsertBlock(ctx context.Context, chainID, blockNumber uint64, hash string, timestamp uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.blocks[blockNumber] = struct {
		hash string
		ts   uint64
	}{hash, timestamp}
	return nil
}

type fakeRPC struct {
	mu         sync.Mutex
	logsByAddr map[string][]rpcclient.Log
	getLogsErr error
}

func (f *fakeRPC) ChainID(ctx context.Context) (uint64, error)             { return 1, nil }
func (f *fakeRPC) LatestBlockNumber(ctx context.Context) (uint64, error)   { return 100, nil }
func (f *fakeRPC) FinalizedBlockNumber(ctx context.Context) (uint64, error) { return 100, nil }

func (f *fakeRPC) GetLogs(ctx context.Context, filt rpcclient.LogFilter) ([]rpcclient.Log, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.getLogsErr != nil {
		err := f.getLogsErr
		f.getLogsErr = nil
		return nil, err
	}
	var out []rpcclient.Log
	for _, addr := range filt.Addresses {
		for _, l := range f.logsByAddr[addr] {
			if l.BlockNumber >= filt.FromBlock && l.BlockNumber <= filt.ToBlock {
				out = append(out, l)
			}
		}
	}
	return out, nil
}

func (f *fakeRPC) GetBlockByNumber(ctx context.Context, number uint64, full bool) (*rpcclient.Block, error) {
	return &rpcclient.Block{Number: number, Hash: "0xhash", Timestamp: 1000 + number}, nil
}
func (f *fakeRPC) GetBlockByHash(ctx context.Context, hash string) (*rpcclient.Block, error) { return nil, nil }
func (f *fakeRPC) GetTransactionReceipt(ctx context.Context, txHash string) (*rpcclient.Receipt, error) {
	return &rpcclient.Receipt{TxHash: txHash, Status: 1}, nil
}
func (f *fakeRPC) TraceFilter(ctx context.Context, filt rpcclient.TraceFilter) ([]rpcclient.CallTrace, error) {
	return nil, nil
}
func (f *fakeRPC) Call(ctx context.Context, req rpcclient.CallRequest) ([]byte, error) { return nil, nil }
func (f *fakeRPC) RawCall(ctx context.Context, method string, params []any) (json.RawMessage, error) {
	return nil, nil
}

type fakeBus struct {
	mu     sync.Mutex
	events []LogEvent
}

func (b *fakeBus) Publish(ctx context.Context, ev LogEvent) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, ev)
	return nil
}

func TestLogFilterDispatchesFetchedLogsToBus(t *testing.T) {
	rpc := &fakeRPC{logsByAddr: map[string][]rpcclient.Log{
		"0xtoken": {{Address: "0xtoken", Topics: []string{"0xsig"}, BlockNumber: 5}},
	}}
	store := newFakeStore()
	bus := &fakeBus{}

	sched := New(Config{
		ChainID: 1,
		Sources: []source.Source{{ID: "transfers", Kind: source.KindLogFilter, Address: "0xtoken", Start: 0}},
		RPC:     rpc,
		Store:   store,
		Bus:     bus,
		Logger:  zerolog.Nop(),
	})

	require.NoError(t, sched.Startup(context.Background(), 10, 10))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	sched.Run(ctx)

	bus.mu.Lock()
	defer bus.mu.Unlock()
	require.Len(t, bus.events, 1)
	require.Equal(t, "0xsig", bus.events[0].EventName)
	require.Equal(t, uint64(5), bus.events[0].BlockNumber)
}

func TestLogFilterSourceCompletesAndEmitsCheckpoint(t *testing.T) {
	rpc := &fakeRPC{logsByAddr: map[string][]rpcclient.Log{
		"0xtoken": {{Address: "0xtoken", BlockNumber: 5}, {Address: "0xtoken", BlockNumber: 8}},
	}}
	store := newFakeStore()

	var mu sync.Mutex
	var checkpoints []uint64
	var completed bool

	sched := New(Config{
		ChainID: 1,
		Sources: []source.Source{{ID: "transfers", Kind: source.KindLogFilter, Address: "0xtoken", Start: 0}},
		RPC:     rpc,
		Store:   store,
		OnCheckpoint: func(chainID, blockNumber, ts uint64) {
			mu.Lock()
			checkpoints = append(checkpoints, blockNumber)
			mu.Unlock()
		},
		OnComplete: func(chainID uint64) {
			mu.Lock()
			completed = true
			mu.Unlock()
		},
		Logger: zerolog.Nop(),
	})

	require.NoError(t, sched.Startup(context.Background(), 10, 10))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	sched.Run(ctx)

	time.Sleep(CheckpointDebounce + 200*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.True(t, completed, "scheduler must report sync_complete once drained")
	require.NotEmpty(t, checkpoints, "at least one checkpoint must have been emitted")

	tr := store.intervals[BucketLogFilter+":transfers"]
	require.Equal(t, uint64(11), intervalset.Sum(tr), "the full [0,10] range must be recorded as completed")
}

func TestSkippedUnfinalizedSourceEmitsSyntheticCheckpoint(t *testing.T) {
	rpc := &fakeRPC{}
	store := newFakeStore()

	var cps []uint64
	sched := New(Config{
		ChainID: 1,
		Sources: []source.Source{{ID: "future", Kind: source.KindLogFilter, Address: "0xtoken", Start: 50}},
		RPC:     rpc,
		Store:   store,
		OnCheckpoint: func(chainID, blockNumber, ts uint64) {
			cps = append(cps, blockNumber)
		},
		Logger: zerolog.Nop(),
	})

	require.NoError(t, sched.Startup(context.Background(), 10, 100))
	require.Equal(t, []uint64{10}, cps, "a source starting beyond the finalized tip emits a synthetic checkpoint at finalized_block")
}

func TestBlockIntervalSourceReusesAlreadyStoredBlock(t *testing.T) {
	rpc := &fakeRPC{}
	store := newFakeStore()
	_ = store.InsertBlock(context.Background(), 1, 5, "0xh", 500)

	sched := New(Config{
		ChainID: 1,
		Sources: []source.Source{{ID: "heartbeat", Kind: source.KindBlockInterval, Interval: 5, Start: 0}},
		RPC:     rpc,
		Store:   store,
		Logger:  zerolog.Nop(),
	})

	require.NoError(t, sched.Startup(context.Background(), 10, 10))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	sched.Run(ctx)

	tr := store.intervals[BucketBlockFilter+":heartbeat"]
	require.False(t, intervalset.IsEmpty(tr))
}
