package rowcache

import (
	"encoding/json"
	"fmt"
	"math/big"
	"strings"

	"github.com/0xkanth/indexcore/internal/errs"
)

// Hex is the canonical domain representation of a Hex-scalar column
// (spec.md §4.6/§6): lowercase, "0x"-prefixed. Two inputs that denote
// the same bytes under different casing compare equal once both have
// passed through NewHex.
type Hex string

// NewHex canonicalizes a hex string, with or without a "0x"/"0X" prefix
// and in any case, into its canonical lowercase "0x"-prefixed form.
func NewHex(s string) Hex {
	s = strings.TrimPrefix(s, "0x")
	s = strings.TrimPrefix(s, "0X")
	return Hex("0x" + strings.ToLower(s))
}

func (h Hex) String() string { return string(h) }

// Column describes one column of a table for normalization and byte
// accounting purposes.
type Column struct {
	Name       string
	NotNull    bool
	Default    any
	DefaultFn  func(row Row) any
	OnUpdateFn func(row Row) any

	// ForwardFn maps a caller-supplied domain value into the form the
	// cache carries internally, applied once per Normalize call on any
	// present value (spec.md §4.6: "Apply the column's forward/back
	// value mapping"). Returning an error raises BigIntSerializationError.
	ForwardFn func(v any) (any, error)

	// BackFn is ForwardFn's inverse, applied by Denormalize to a row
	// just read back from storage — the boundary where a value last
	// survived a lossy transport encoding (e.g. JSON decoding a big
	// number into a json.Number rather than a float64) and must be
	// restored to its exact domain type before any caller observes it.
	BackFn func(v any) (any, error)
}

// HexColumn declares a column whose values canonicalize through Hex on
// both write (ForwardFn) and read (BackFn), so two inputs that differ
// only in hex-digit case are treated as the same value end to end.
func HexColumn(name string, notNull bool) Column {
	toHex := func(v any) (any, error) {
		switch x := v.(type) {
		case Hex:
			return NewHex(string(x)), nil
		case string:
			return NewHex(x), nil
		default:
			return v, nil
		}
	}
	return Column{Name: name, NotNull: notNull, ForwardFn: toHex, BackFn: toHex}
}

// BigIntColumn declares a column whose values are carried as *big.Int
// through the cache and round-trip bit-exactly through JSON storage
// (spec.md §6), regardless of whether the DB round trip handed back a
// json.Number, a plain numeral string, or an already-typed *big.Int.
func BigIntColumn(name string, notNull bool) Column {
	toBigInt := func(v any) (any, error) {
		switch x := v.(type) {
		case *big.Int:
			return x, nil
		case json.Number:
			bi, ok := new(big.Int).SetString(x.String(), 10)
			if !ok {
				return nil, fmt.Errorf("invalid bigint literal %q", x.String())
			}
			return bi, nil
		case string:
			bi, ok := new(big.Int).SetString(x, 10)
			if !ok {
				return nil, fmt.Errorf("invalid bigint literal %q", x)
			}
			return bi, nil
		case int64:
			return big.NewInt(x), nil
		case int:
			return big.NewInt(int64(x)), nil
		default:
			return v, nil
		}
	}
	return Column{Name: name, NotNull: notNull, ForwardFn: toBigInt, BackFn: toBigInt}
}

// Table describes a user on-chain table's schema for the purposes of
// row normalization (spec.md §4.6 "Normalization").
type Table struct {
	Name          string
	Columns       []Column
	PrimaryKey    []string
}

// SchemaNormalizer is the default Normalizer, driven by a static table
// schema supplied by the (external, out-of-scope) schema module.
type SchemaNormalizer struct {
	tables map[string]Table
}

// NewSchemaNormalizer builds a normalizer from table declarations.
func NewSchemaNormalizer(tables []Table) *SchemaNormalizer {
	m := make(map[string]Table, len(tables))
	for _, t := range tables {
		m[t.Name] = t
	}
	return &SchemaNormalizer{tables: m}
}

// PrimaryKeyColumns implements Normalizer.
func (n *SchemaNormalizer) PrimaryKeyColumns(table string) []string {
	return n.tables[table].PrimaryKey
}

// Normalize implements Normalizer: applies column defaults/onUpdate
// computations, enforces NOT NULL, and patches onto an existing row when
// present.
func (n *SchemaNormalizer) Normalize(table string, existing Row, patch Row, isInsert bool) (Row, error) {
	schema, ok := n.tables[table]
	if !ok {
		return nil, &errs.UndefinedTable{Table: table}
	}

	out := make(Row, len(schema.Columns))
	if existing != nil {
		for k, v := range existing {
			out[k] = v
		}
	}
	for k, v := range patch {
		out[k] = v
	}

	for _, col := range schema.Columns {
		v, present := out[col.Name]
		if present && v != nil {
			continue
		}
		switch {
		case isInsert && col.Default != nil:
			out[col.Name] = col.Default
		case isInsert && col.DefaultFn != nil:
			out[col.Name] = col.DefaultFn(out)
		case !isInsert && col.OnUpdateFn != nil:
			out[col.Name] = col.OnUpdateFn(out)
		case col.NotNull:
			return nil, &errs.NotNullConstraint{Table: table, Column: col.Name}
		}
	}

	for _, col := range schema.Columns {
		v, present := out[col.Name]
		if !present || v == nil || col.ForwardFn == nil {
			continue
		}
		fv, err := col.ForwardFn(v)
		if err != nil {
			return nil, &errs.BigIntSerialization{Table: table, Column: col.Name, Hint: err.Error()}
		}
		out[col.Name] = fv
	}

	for _, col := range schema.Columns {
		if bi, ok := out[col.Name].(*big.Int); ok && bi == nil {
			return nil, &errs.BigIntSerialization{Table: table, Column: col.Name, Hint: "nil *big.Int cannot round-trip through JSON"}
		}
	}

	return out, nil
}

// Denormalize implements the "back" half of the column value mapping: a
// row freshly read from storage has already been JSON-decoded with
// json.Number preserved for every numeric field (internal/pgstore's
// codec never collapses to float64 itself, since that step would
// already have thrown away a uint256-scale value's precision with no
// way to recover it afterward). Columns with a BackFn restore their
// exact domain type from that json.Number (or from a plain string);
// every other numeric field converts to float64, matching the type a
// bare json.Unmarshal into `any` has always produced for callers that
// never declared a scalar type for that column.
func (n *SchemaNormalizer) Denormalize(table string, row Row) (Row, error) {
	if row == nil {
		return nil, nil
	}
	schema, ok := n.tables[table]
	if !ok {
		return nil, &errs.UndefinedTable{Table: table}
	}
	cols := make(map[string]Column, len(schema.Columns))
	for _, c := range schema.Columns {
		cols[c.Name] = c
	}

	out := row.Clone()
	for k, v := range out {
		col, hasCol := cols[k]
		if hasCol && col.BackFn != nil {
			bv, err := col.BackFn(v)
			if err != nil {
				return nil, &errs.BigIntSerialization{Table: table, Column: k, Hint: err.Error()}
			}
			out[k] = bv
			continue
		}
		if num, isNumber := v.(json.Number); isNumber {
			f, err := num.Float64()
			if err != nil {
				return nil, &errs.BigIntSerialization{Table: table, Column: k, Hint: err.Error()}
			}
			out[k] = f
		}
	}
	return out, nil
}

// ByteSize implements spec.md §4.6's approximate row-byte accounting:
// per scalar a fixed or length-derived cost, plus 13B entry metadata,
// recursing into arrays/objects. Overshoot is preferred over undershoot.
func (n *SchemaNormalizer) ByteSize(row Row) uint32 {
	var total uint32 = 13
	for _, v := range row {
		total += scalarBytes(v)
	}
	return total
}

func scalarBytes(v any) uint32 {
	switch x := v.(type) {
	case nil:
		return 8
	case bool:
		return 4
	case string:
		return uint32(2 * len(x))
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, float32, float64:
		return 8
	case *big.Int:
		if x == nil {
			return 8
		}
		return 48
	case []any:
		var sum uint32
		for _, e := range x {
			sum += scalarBytes(e)
		}
		return sum
	case Row:
		var sum uint32
		for _, e := range x {
			sum += scalarBytes(e)
		}
		return sum
	case map[string]any:
		var sum uint32
		for _, e := range x {
			sum += scalarBytes(e)
		}
		return sum
	default:
		return uint32(len(fmt.Sprintf("%v", x)))
	}
}
