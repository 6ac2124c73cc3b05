package pgstore

import (
	"bytes"
	"encoding/json"

	"github.com/0xkanth/indexcore/internal/rowcache"
)

// encodeRow/decodeRow round-trip a rowcache.Row through JSON for storage
// in the __row JSONB column. math/big.Int implements
// MarshalJSON/UnmarshalJSON as a bare numeric literal, so the decode
// side must preserve each number's exact digit string rather than
// collapsing it to float64: decoding into `any` the ordinary way loses
// a uint256-scale value's precision at this step, and no later step
// (rowcache.SchemaNormalizer.Denormalize included) can recover digits
// that are already gone. UseNumber defers that choice to Denormalize,
// which knows — via the table schema — which fields are BigInt/Hex and
// which are plain floats.
func encodeRow(r rowcache.Row) ([]byte, error) {
	return json.Marshal(r)
}

func decodeRow(data []byte) (rowcache.Row, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var row rowcache.Row
	if err := dec.Decode(&row); err != nil {
		return nil, err
	}
	return row, nil
}
