package rowcache

import (
	"bytes"
	"context"
	"encoding/json"
	"math/big"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewHexCanonicalizesCase(t *testing.T) {
	require.Equal(t, Hex("0x0a"), NewHex("0x0A"))
	require.Equal(t, Hex("0x0a"), NewHex("0X0a"))
	require.Equal(t, Hex("0x0a"), NewHex("0a"))
}

func bigIntNormalizer() *SchemaNormalizer {
	return NewSchemaNormalizer([]Table{
		{
			Name:       "holding",
			PrimaryKey: []string{"id"},
			Columns: []Column{
				HexColumn("id", true),
				BigIntColumn("balance", true),
				{Name: "label"},
			},
		},
	})
}

// jsonExecutor mimics internal/pgstore's behavior: every row is
// round-tripped through JSON with UseNumber on decode, exactly as
// codec.go does, so these tests exercise the same precision boundary a
// real Postgres-backed FindRow crosses.
type jsonExecutor struct {
	blobs map[string][]byte
}

func newJSONExecutor() *jsonExecutor { return &jsonExecutor{blobs: make(map[string][]byte)} }

func (e *jsonExecutor) FindRow(ctx context.Context, table, key string) (Row, bool, error) {
	data, ok := e.blobs[table+"/"+key]
	if !ok {
		return nil, false, nil
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var row Row
	if err := dec.Decode(&row); err != nil {
		return nil, false, err
	}
	return row, true, nil
}

func (e *jsonExecutor) DeleteRow(ctx context.Context, table, key string) (bool, error) {
	_, existed := e.blobs[table+"/"+key]
	delete(e.blobs, table+"/"+key)
	return existed, nil
}

func (e *jsonExecutor) BulkUpsert(ctx context.Context, table string, inserts, updates []Row, pkCols []string) error {
	for _, r := range append(append([]Row{}, inserts...), updates...) {
		data, err := json.Marshal(r)
		if err != nil {
			return err
		}
		key := ""
		for _, c := range pkCols {
			switch v := r[c].(type) {
			case Hex:
				key += string(v)
			case string:
				key += v
			}
		}
		e.blobs[table+"/"+key] = data
	}
	return nil
}

// S7-adjacent property: decode(encode(row)) == row for BigInt/Hex
// scalar columns, bit-exact, across a real flush-then-refetch cycle
// (spec.md §6, testable property #7).
func TestBigIntRoundTripsBitExactThroughFlushAndRefetch(t *testing.T) {
	exec := newJSONExecutor()
	c := New(exec, bigIntNormalizer(), Config{MaxBytes: 1 << 20, IsDatabaseEmpty: true})

	huge, ok := new(big.Int).SetString("123456789012345678901234567890", 10)
	require.True(t, ok)

	// The cache key mirrors the PK-column concatenation the executor
	// derives at flush time (spec.md §4.6: "keyed by the concatenation
	// of primary-key column values after normalization"), so it uses
	// the canonical lowercase form ForwardFn produces, not the original
	// mixed-case input.
	_, err := c.Set("holding", "0x0a", Row{"id": "0x0A", "balance": huge, "label": "whale"}, Insert)
	require.NoError(t, err)
	require.NoError(t, c.Flush(context.Background()))

	c.Invalidate()
	row, err := c.Get(context.Background(), "holding", "0x0a")
	require.NoError(t, err)
	require.NotNil(t, row)

	gotBalance, ok := row["balance"].(*big.Int)
	require.True(t, ok, "balance should decode back to *big.Int, got %T", row["balance"])
	require.Equal(t, 0, huge.Cmp(gotBalance), "bigint value must round-trip bit-exactly")

	gotID, ok := row["id"].(Hex)
	require.True(t, ok, "id should decode back to Hex, got %T", row["id"])
	require.Equal(t, Hex("0x0a"), gotID)
}

func TestHexColumnCanonicalizesOnInsert(t *testing.T) {
	exec := newJSONExecutor()
	c := New(exec, bigIntNormalizer(), Config{MaxBytes: 1 << 20, IsDatabaseEmpty: true})

	row, err := c.Set("holding", "id1", Row{"id": "0xABCD", "balance": big.NewInt(1), "label": "x"}, Insert)
	require.NoError(t, err)
	require.Equal(t, Hex("0xabcd"), row["id"])
}

func TestDenormalizeLeavesUnflaggedNumericColumnsAsFloat64(t *testing.T) {
	n := bigIntNormalizer()
	row, err := n.Denormalize("holding", Row{"id": "0xabcd", "balance": json.Number("7"), "label": json.Number("3")})
	require.NoError(t, err)
	require.Equal(t, Hex("0xabcd"), row["id"])
	require.IsType(t, new(big.Int), row["balance"])
	require.Equal(t, float64(3), row["label"])
}

func TestDenormalizeUndefinedTable(t *testing.T) {
	n := bigIntNormalizer()
	_, err := n.Denormalize("nope", Row{"id": "0x1"})
	require.Error(t, err)
}

func TestDenormalizeNilRow(t *testing.T) {
	n := bigIntNormalizer()
	row, err := n.Denormalize("holding", nil)
	require.NoError(t, err)
	require.Nil(t, row)
}
