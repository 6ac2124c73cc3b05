package rpccache

import (
	"context"
	"encoding/hex"
	"fmt"
	"reflect"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// call3ArgType/result3ArgType are Multicall3's aggregate3 ABI shapes:
//
//	function aggregate3(Call3[] calldata calls) returns (Result[] memory)
//	struct Call3   { address target; bool allowFailure; bytes callData; }
//	struct Result  { bool success; bytes returnData; }
var (
	call3ArgType   abi.Type
	result3ArgType abi.Type
)

func init() {
	var err error
	call3ArgType, err = abi.NewType("tuple[]", "", []abi.ArgumentMarshaling{
		{Name: "target", Type: "address"},
		{Name: "allowFailure", Type: "bool"},
		{Name: "callData", Type: "bytes"},
	})
	if err != nil {
		panic(fmt.Sprintf("rpccache: build aggregate3 call type: %v", err))
	}
	result3ArgType, err = abi.NewType("tuple[]", "", []abi.ArgumentMarshaling{
		{Name: "success", Type: "bool"},
		{Name: "returnData", Type: "bytes"},
	})
	if err != nil {
		panic(fmt.Sprintf("rpccache: build aggregate3 result type: %v", err))
	}
}

var call3Args = abi.Arguments{{Type: call3ArgType}}
var result3Args = abi.Arguments{{Name: "returnData", Type: result3ArgType}}

// call3Row/result3Row are the Go-side tuple layouts Pack marshals from;
// field order, not name, must line up with the Solidity struct above.
type call3Row struct {
	Target       common.Address
	AllowFailure bool
	CallData     []byte
}

type result3Row struct {
	Success    bool
	ReturnData []byte
}

// Call3 is one inner call of an aggregate3 batch, exported so a user
// callback can build valid multicall calldata (EncodeAggregate3Calldata)
// without re-deriving the ABI encoding itself.
type Call3 struct {
	Target       string
	AllowFailure bool
	CallData     []byte
}

// EncodeAggregate3Calldata ABI-encodes calls as a full
// aggregate3((address,bool,bytes)[]) call, the same bytes any
// Multicall3-aware contract caller would send as an eth_call's "data".
func EncodeAggregate3Calldata(calls []Call3) ([]byte, error) {
	rows := make([]call3Row, len(calls))
	for i, c := range calls {
		rows[i] = call3Row{Target: common.HexToAddress(c.Target), AllowFailure: c.AllowFailure, CallData: c.CallData}
	}
	packed, err := call3Args.Pack(rows)
	if err != nil {
		return nil, fmt.Errorf("rpccache: encode aggregate3 calldata: %w", err)
	}
	selector, err := hex.DecodeString(strings.TrimPrefix(aggregate3Selector, "0x"))
	if err != nil {
		return nil, fmt.Errorf("rpccache: aggregate3 selector: %w", err)
	}
	return append(selector, packed...), nil
}

// call3 is one decoded inner call, in the cache's internal string-hex
// representation (the form doSingle's single-call path consumes).
type call3 struct {
	Target       string
	AllowFailure bool
	CallData     []byte
}

type call3Result struct {
	Success    bool
	ReturnData string
}

// isMulticallData reports whether an eth_call's data param begins with
// the aggregate3 selector.
func isMulticallData(params []any) bool {
	if len(params) == 0 {
		return false
	}
	m, ok := params[0].(map[string]any)
	if !ok {
		return false
	}
	data, _ := m["data"].(string)
	return strings.HasPrefix(strings.ToLower(data), aggregate3Selector)
}

// decodeAggregate3Calldata ABI-decodes a real eth_call's calldata (4-byte
// selector + packed (address,bool,bytes)[] tuple array) into the inner
// calls it batches (spec.md §4.8 step 1: "decode to a list of inner
// (target, callData)").
func decodeAggregate3Calldata(data []byte) ([]call3, error) {
	if len(data) < 4 {
		return nil, fmt.Errorf("rpccache: aggregate3 calldata shorter than a selector")
	}
	values, err := call3Args.Unpack(data[4:])
	if err != nil {
		return nil, fmt.Errorf("rpccache: decode aggregate3 calldata: %w", err)
	}
	if len(values) != 1 {
		return nil, fmt.Errorf("rpccache: aggregate3 calldata decoded to %d values, want 1", len(values))
	}

	slice := reflect.ValueOf(values[0])
	out := make([]call3, slice.Len())
	for i := 0; i < slice.Len(); i++ {
		elem := slice.Index(i)
		target := elem.FieldByName("Target")
		allowFailure := elem.FieldByName("AllowFailure")
		callData := elem.FieldByName("CallData")
		if !target.IsValid() || !allowFailure.IsValid() || !callData.IsValid() {
			return nil, fmt.Errorf("rpccache: aggregate3 tuple element %d missing a field", i)
		}
		out[i] = call3{
			Target:       target.Interface().(common.Address).Hex(),
			AllowFailure: allowFailure.Interface().(bool),
			CallData:     callData.Interface().([]byte),
		}
	}
	return out, nil
}

// encodeAggregate3Result ABI-encodes results as a (bool,bytes)[] value,
// the same bytes aggregate3's real on-chain return would produce. A nil
// or empty results reduces to the fixed-constant empty-array encoding
// spec.md §4.8 step 1 calls for when an aggregate3 batch carries no
// inner calls.
func encodeAggregate3Result(results []call3Result) (string, error) {
	rows := make([]result3Row, len(results))
	for i, r := range results {
		data, err := hex.DecodeString(strings.TrimPrefix(r.ReturnData, "0x"))
		if err != nil {
			return "", fmt.Errorf("rpccache: decode inner result %d: %w", i, err)
		}
		rows[i] = result3Row{Success: r.Success, ReturnData: data}
	}
	packed, err := result3Args.Pack(rows)
	if err != nil {
		return "", fmt.Errorf("rpccache: encode aggregate3 result: %w", err)
	}
	return "0x" + hex.EncodeToString(packed), nil
}

// DecodeAggregate3Result ABI-decodes a raw aggregate3 eth_call result
// (hex string) back into each inner call's returnData, in order, empty
// string where success was false. This is the read-side counterpart to
// EncodeAggregate3Calldata for a caller that built its own multicall
// batch rather than having doMulticall assemble one internally.
func DecodeAggregate3Result(raw string) ([]string, error) {
	data, err := hex.DecodeString(strings.TrimPrefix(raw, "0x"))
	if err != nil {
		return nil, fmt.Errorf("rpccache: decode aggregate3 result: not hex: %w", err)
	}
	values, err := result3Args.Unpack(data)
	if err != nil {
		return nil, fmt.Errorf("rpccache: decode aggregate3 result: %w", err)
	}
	if len(values) != 1 {
		return nil, fmt.Errorf("rpccache: aggregate3 result decoded to %d values, want 1", len(values))
	}

	slice := reflect.ValueOf(values[0])
	out := make([]string, slice.Len())
	for i := 0; i < slice.Len(); i++ {
		elem := slice.Index(i)
		success := elem.FieldByName("Success")
		returnData := elem.FieldByName("ReturnData")
		if !success.IsValid() || !returnData.IsValid() {
			return nil, fmt.Errorf("rpccache: aggregate3 result element %d missing a field", i)
		}
		if !success.Interface().(bool) {
			continue
		}
		out[i] = "0x" + hex.EncodeToString(returnData.Interface().([]byte))
	}
	return out, nil
}

// doMulticall splits an aggregate3 batch into its constituent inner
// calls, resolves each independently through the single-call cache
// path, and reassembles the tuple-encoded aggregate3 response (spec.md
// §4.8: "a multicall request is split into its constituent calls before
// the cache is consulted, so identical inner calls across different
// multicall batches still share one cache entry").
func (t *Transport) doMulticall(ctx context.Context, req Request) (string, error) {
	_, data := decodeEthCallParams(req.Params)
	calls, err := decodeAggregate3Calldata(data)
	if err != nil {
		// Malformed multicall payload: fall through to a plain upstream
		// call rather than guessing at a partial decode.
		return t.upstream(ctx, req)
	}
	if len(calls) == 0 {
		return encodeAggregate3Result(nil)
	}

	results := make([]call3Result, len(calls))
	for i, c := range calls {
		inner := Request{
			Method:      "eth_call",
			Params:      []any{map[string]any{"to": c.Target, "data": "0x" + hex.EncodeToString(c.CallData)}, req.blockTag()},
			BlockNumber: req.BlockNumber,
			Immutable:   req.Immutable,
		}
		value, err := t.doSingle(ctx, inner)
		if err != nil {
			if !c.AllowFailure {
				return "", fmt.Errorf("rpccache: multicall inner call %d to %s: %w", i, c.Target, err)
			}
			results[i] = call3Result{Success: false}
			continue
		}
		results[i] = call3Result{Success: true, ReturnData: value}
	}

	return encodeAggregate3Result(results)
}

// decodeEthCallParams extracts (to, data) from a standard
// eth_call(callObject, blockTag) params slice.
func decodeEthCallParams(params []any) (to string, data []byte) {
	if len(params) == 0 {
		return "", nil
	}
	m, ok := params[0].(map[string]any)
	if !ok {
		return "", nil
	}
	to, _ = m["to"].(string)
	dataHex, _ := m["data"].(string)
	data, _ = hex.DecodeString(strings.TrimPrefix(dataHex, "0x"))
	return to, data
}
