// Package rpcclient declares the RpcClient capability the historical
// sync scheduler and cached RPC transport consume (spec.md §1: "The RPC
// endpoint is abstracted to an RpcClient capability"). pkg/ethrpc
// supplies the go-ethereum-backed implementation; tests supply fakes.
package rpcclient

import (
	"context"
	"encoding/json"
)

// Log is the chain-agnostic shape of a decoded event log.
type Log struct {
	Address     string
	Topics      []string
	Data        []byte
	BlockNumber uint64
	BlockHash   string
	TxHash      string
	TxIndex     uint
	LogIndex    uint
	Removed     bool
}

// Block is the subset of block data the core needs.
type Block struct {
	Number       uint64
	Hash         string
	ParentHash   string
	Timestamp    uint64
	Transactions []string // tx hashes, full tx bodies fetched separately when needed
}

// Receipt is the subset of a transaction receipt the core needs.
type Receipt struct {
	TxHash string
	Status uint64 // 0 = reverted
}

// CallTrace is a flattened "call"-type trace entry from trace_filter.
type CallTrace struct {
	BlockNumber  uint64
	BlockHash    string
	TxHash       string
	TraceAddress []int
	From         string
	To           string
	Input        []byte
	Output       []byte
	Value        string
}

// LogFilter describes an eth_getLogs query.
type LogFilter struct {
	Addresses []string
	Topics    [][]string
	FromBlock uint64
	ToBlock   uint64
}

// TraceFilter describes a trace_filter query.
type TraceFilter struct {
	FromBlock uint64
	ToBlock   uint64
	ToAddress []string
}

// CallRequest is a canonical eth_call request.
type CallRequest struct {
	To        string
	Data      []byte
	BlockTag  string // "latest", or a decimal block number string
}

// Client is the RpcClient capability: every chain read the scheduler or
// the cached RPC transport issues.
type Client interface {
	ChainID(ctx context.Context) (uint64, error)
	LatestBlockNumber(ctx context.Context) (uint64, error)
	FinalizedBlockNumber(ctx context.Context) (uint64, error)

	GetLogs(ctx context.Context, f LogFilter) ([]Log, error)
	GetBlockByNumber(ctx context.Context, number uint64, fullTransactions bool) (*Block, error)
	GetBlockByHash(ctx context.Context, hash string) (*Block, error)
	GetTransactionReceipt(ctx context.Context, txHash string) (*Receipt, error)
	TraceFilter(ctx context.Context, f TraceFilter) ([]CallTrace, error)

	Call(ctx context.Context, req CallRequest) ([]byte, error)

	// RawCall issues an arbitrary JSON-RPC method with positional params
	// and returns its raw result, for the methods the cached RPC
	// transport (C8) memoizes that have no typed accessor above (e.g.
	// eth_getBalance, eth_getProof, debug_traceCall).
	RawCall(ctx context.Context, method string, params []any) (json.RawMessage, error)
}
