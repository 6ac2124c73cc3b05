package examplecallbacks

import (
	"context"
	"encoding/json"
	"math/big"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/0xkanth/indexcore/internal/historicalsync"
	"github.com/0xkanth/indexcore/internal/indexingstore"
	"github.com/0xkanth/indexcore/internal/profiler"
	"github.com/0xkanth/indexcore/internal/rowcache"
	"github.com/0xkanth/indexcore/internal/rpccache"
	"github.com/0xkanth/indexcore/internal/rpcclient"
)

type fakeExecutor struct {
	rows map[string]map[string]rowcache.Row
}

func newFakeExecutor() *fakeExecutor {
	return &fakeExecutor{rows: make(map[string]map[string]rowcache.Row)}
}

func (f *fakeExecutor) FindRow(ctx context.Context, table, key string) (rowcache.Row, bool, error) {
	t, ok := f.rows[table]
	if !ok {
		return nil, false, nil
	}
	r, ok := t[key]
	return r, ok, nil
}

func (f *fakeExecutor) DeleteRow(ctx context.Context, table, key string) (bool, error) {
	t, ok := f.rows[table]
	if !ok {
		return false, nil
	}
	_, existed := t[key]
	delete(t, key)
	return existed, nil
}

func (f *fakeExecutor) BulkUpsert(ctx context.Context, table string, inserts, updates []rowcache.Row, pkCols []string) error {
	t, ok := f.rows[table]
	if !ok {
		t = make(map[string]rowcache.Row)
		f.rows[table] = t
	}
	for _, r := range append(append([]rowcache.Row{}, inserts...), updates...) {
		key, _ := r[pkCols[0]].(string)
		t[key] = r
	}
	return nil
}

func (f *fakeExecutor) ExecRaw(ctx context.Context, sql string, args []any) ([][]any, error) {
	return nil, nil
}

// fakeMulticallRPC answers eth_call by ABI-decoding the aggregate3
// batch itself and returning a fixed balance per inner call, mirroring
// what a real JSON-RPC node would do for a Multicall3.aggregate3 call.
type fakeMulticallRPC struct{ calls int }

func (f *fakeMulticallRPC) ChainID(ctx context.Context) (uint64, error)             { return 1, nil }
func (f *fakeMulticallRPC) LatestBlockNumber(ctx context.Context) (uint64, error)   { return 0, nil }
func (f *fakeMulticallRPC) FinalizedBlockNumber(ctx context.Context) (uint64, error) { return 0, nil }
func (f *fakeMulticallRPC) GetLogs(ctx context.Context, filt rpcclient.LogFilter) ([]rpcclient.Log, error) {
	return nil, nil
}
func (f *fakeMulticallRPC) GetBlockByNumber(ctx context.Context, number uint64, full bool) (*rpcclient.Block, error) {
	return nil, nil
}
func (f *fakeMulticallRPC) GetBlockByHash(ctx context.Context, hash string) (*rpcclient.Block, error) {
	return nil, nil
}
func (f *fakeMulticallRPC) GetTransactionReceipt(ctx context.Context, txHash string) (*rpcclient.Receipt, error) {
	return nil, nil
}
func (f *fakeMulticallRPC) TraceFilter(ctx context.Context, filt rpcclient.TraceFilter) ([]rpcclient.CallTrace, error) {
	return nil, nil
}
func (f *fakeMulticallRPC) Call(ctx context.Context, req rpcclient.CallRequest) ([]byte, error) {
	f.calls++
	// One 32-byte balance word per inner call the transport resolves
	// individually against this fake.
	return u256(int64(f.calls * 100)), nil
}
func (f *fakeMulticallRPC) RawCall(ctx context.Context, method string, params []any) (json.RawMessage, error) {
	return nil, nil
}

type fakeMulticallDB struct{ stored map[string]string }

func newFakeMulticallDB() *fakeMulticallDB { return &fakeMulticallDB{stored: make(map[string]string)} }

func (f *fakeMulticallDB) GetRPCRequestResults(ctx context.Context, chainID uint64, hashes []string) ([]string, []bool, error) {
	results := make([]string, len(hashes))
	found := make([]bool, len(hashes))
	for i, h := range hashes {
		if v, ok := f.stored[h]; ok {
			results[i], found[i] = v, true
		}
	}
	return results, found, nil
}

func (f *fakeMulticallDB) InsertRPCRequestResults(ctx context.Context, chainID uint64, rows []rpccache.RPCResultInsert) error {
	for _, r := range rows {
		f.stored[r.RequestHash] = r.ResultJSON
	}
	return nil
}

func TestReadBalancesMulticallBatchesIndependentInnerCalls(t *testing.T) {
	rpc := &fakeMulticallRPC{}
	tr, err := rpccache.New(rpc, newFakeMulticallDB(), rpccache.Config{ChainID: 1})
	require.NoError(t, err)

	reg := New(nil, tr, profiler.New())
	holders := []string{addrTopic(0x01), addrTopic(0x02)}
	tokenIDs := []*big.Int{big.NewInt(1), big.NewInt(1)}

	balances, err := reg.ReadBalancesMulticall(context.Background(), "Transfer", "0xconditionaltokens", holders, tokenIDs, 100)
	require.NoError(t, err)
	require.Len(t, balances, 2)
	for _, b := range balances {
		require.True(t, len(b) > 2 && b[:2] == "0x", b)
	}
	require.Equal(t, 2, rpc.calls, "two distinct holders must reach upstream exactly once each")
}

type fakeRegistry struct{ onChain map[string]bool }

func (r fakeRegistry) IsDefined(table string) bool { _, ok := r.onChain[table]; return ok }
func (r fakeRegistry) IsOnChain(table string) bool  { return r.onChain[table] }

func testNormalizer() *rowcache.SchemaNormalizer {
	return rowcache.NewSchemaNormalizer([]rowcache.Table{
		{Name: TablePositions, Columns: []rowcache.Column{
			{Name: "token_id", NotNull: true}, {Name: "holder", NotNull: true}, {Name: "balance"},
		}},
		{Name: TableConditions, Columns: []rowcache.Column{
			{Name: "condition_id"}, {Name: "oracle"}, {Name: "question_id"},
			{Name: "outcome_slot_count"}, {Name: "resolved"}, {Name: "prepared_block"}, {Name: "payout_numerators"},
		}},
		{Name: TableOrders, Columns: []rowcache.Column{
			{Name: "order_hash"}, {Name: "maker"}, {Name: "taker"},
			{Name: "maker_amount_filled"}, {Name: "taker_amount_filled"}, {Name: "fee"}, {Name: "status"},
		}},
		{Name: TableMarkets, Columns: []rowcache.Column{
			{Name: "stakeholder"}, {Name: "condition_id"}, {Name: "parent_collection_id"},
			{Name: "collateral_token"}, {Name: "net_amount"},
		}},
		{Name: TableMarkets + "_tokens", Columns: []rowcache.Column{
			{Name: "condition_id"}, {Name: "token0"}, {Name: "token1"},
		}},
	})
}

func newTestRegistry() (*Registry, *fakeExecutor, *indexingstore.Facade) {
	exec := newFakeExecutor()
	cache := rowcache.New(exec, testNormalizer(), rowcache.Config{MaxBytes: 1 << 20, IsDatabaseEmpty: true})
	registry := fakeRegistry{onChain: map[string]bool{
		TablePositions: true, TableConditions: true, TableOrders: true, TableMarkets: true, TableMarkets + "_tokens": true,
	}}
	facade := indexingstore.New(cache, exec, registry)
	return New(facade, nil, profiler.New()), exec, facade
}

func addrTopic(lastByte byte) string {
	s := "0x"
	for i := 0; i < 19; i++ {
		s += "00"
	}
	return s + hexByte(lastByte)
}

func hexByte(b byte) string {
	const digits = "0123456789abcdef"
	return string([]byte{digits[b>>4], digits[b&0xf]})
}

func u256(v int64) []byte {
	b := make([]byte, 32)
	big.NewInt(v).FillBytes(b)
	return b
}

func TestTransferSingleMintCreditsRecipientBalance(t *testing.T) {
	reg, _, facade := newTestRegistry()
	ctx := context.Background()

	data := append(u256(7), u256(100)...)
	ev := historicalsync.LogEvent{
		EventName: TransferSingleSig,
		BlockNumber: 1,
		Log: rpcclient.Log{
			Topics: []string{TransferSingleSig, zeroAddress, zeroAddress, addrTopic(0x0a)},
			Data:   data,
		},
	}
	require.NoError(t, reg.HandleLogEvent(ctx, ev))

	row, err := facade.Find(ctx, TablePositions, positionKey(big.NewInt(7), topicAddress(addrTopic(0x0a))))
	require.NoError(t, err)
	require.NotNil(t, row)
	require.Equal(t, "100", row["balance"])
}

func TestTransferSingleBurnDebitsSenderBalance(t *testing.T) {
	reg, _, facade := newTestRegistry()
	ctx := context.Background()
	holder := topicAddress(addrTopic(0x0a))

	_, err := facade.Insert(ctx, TablePositions, positionKey(big.NewInt(7), holder), rowcache.Row{
		"token_id": "7", "holder": holder, "balance": "100",
	}, indexingstore.ConflictThrow, nil)
	require.NoError(t, err)

	data := append(u256(7), u256(40)...)
	ev := historicalsync.LogEvent{
		EventName: TransferSingleSig,
		Log: rpcclient.Log{
			Topics: []string{TransferSingleSig, zeroAddress, addrTopic(0x0a), zeroAddress},
			Data:   data,
		},
	}
	require.NoError(t, reg.HandleLogEvent(ctx, ev))

	row, err := facade.Find(ctx, TablePositions, positionKey(big.NewInt(7), holder))
	require.NoError(t, err)
	require.Equal(t, "60", row["balance"])
}

func TestConditionPreparationThenResolution(t *testing.T) {
	reg, _, facade := newTestRegistry()
	ctx := context.Background()

	prep := historicalsync.LogEvent{
		EventName: ConditionPreparationSig,
		Log: rpcclient.Log{
			Topics: []string{ConditionPreparationSig, "0xcond1", addrTopic(0x0a), "0xquestion1"},
			Data:   u256(2),
		},
	}
	require.NoError(t, reg.HandleLogEvent(ctx, prep))

	row, err := facade.Find(ctx, TableConditions, "0xcond1")
	require.NoError(t, err)
	require.NotNil(t, row)
	require.Equal(t, false, row["resolved"])

	// ABI encoding of (uint256 outcomeSlotCount, uint256[] payoutNumerators):
	// a static head word, an offset word to the dynamic array, then the
	// array's own length-prefixed body.
	var payload []byte
	payload = append(payload, u256(2)...)  // outcomeSlotCount
	payload = append(payload, u256(64)...) // offset to array (past 2 head words)
	payload = append(payload, u256(2)...)  // array length
	payload = append(payload, u256(1)...)
	payload = append(payload, u256(0)...)

	resolve := historicalsync.LogEvent{
		EventName: ConditionResolutionSig,
		Log: rpcclient.Log{
			Topics: []string{ConditionResolutionSig, "0xcond1", addrTopic(0x0a), "0xquestion1"},
			Data:   payload,
		},
	}
	require.NoError(t, reg.HandleLogEvent(ctx, resolve))

	row, err = facade.Find(ctx, TableConditions, "0xcond1")
	require.NoError(t, err)
	require.Equal(t, true, row["resolved"])
}

func TestOrderFilledThenCancelled(t *testing.T) {
	reg, _, facade := newTestRegistry()
	ctx := context.Background()

	data := append(append(append(append(u256(1), u256(2)...), u256(500)...), u256(500)...), u256(1)...)
	filled := historicalsync.LogEvent{
		EventName: OrderFilledSig,
		Log: rpcclient.Log{
			Topics: []string{OrderFilledSig, "0xorder1", addrTopic(0x0a), addrTopic(0x0b)},
			Data:   data,
		},
	}
	require.NoError(t, reg.HandleLogEvent(ctx, filled))

	row, err := facade.Find(ctx, TableOrders, "0xorder1")
	require.NoError(t, err)
	require.Equal(t, "filled", row["status"])

	cancelled := historicalsync.LogEvent{
		EventName: OrderCancelledSig,
		Log:       rpcclient.Log{Topics: []string{OrderCancelledSig, "0xorder1"}},
	}
	require.NoError(t, reg.HandleLogEvent(ctx, cancelled))

	row, err = facade.Find(ctx, TableOrders, "0xorder1")
	require.NoError(t, err)
	require.Equal(t, "cancelled", row["status"])
}

func TestOrderCancelledWithoutPriorFillStillRecordsRow(t *testing.T) {
	reg, _, facade := newTestRegistry()
	ctx := context.Background()

	cancelled := historicalsync.LogEvent{
		EventName: OrderCancelledSig,
		Log:       rpcclient.Log{Topics: []string{OrderCancelledSig, "0xorder2"}},
	}
	require.NoError(t, reg.HandleLogEvent(ctx, cancelled))

	row, err := facade.Find(ctx, TableOrders, "0xorder2")
	require.NoError(t, err)
	require.NotNil(t, row)
	require.Equal(t, "cancelled", row["status"])
}

func TestUnrecognizedTopicIsIgnored(t *testing.T) {
	reg, _, _ := newTestRegistry()
	err := reg.HandleLogEvent(context.Background(), historicalsync.LogEvent{
		EventName: "0xsomethingelse",
		Log:       rpcclient.Log{Topics: []string{"0xsomethingelse"}},
	})
	require.NoError(t, err)
}
