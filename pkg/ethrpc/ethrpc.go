// Package ethrpc implements internal/rpcclient.Client against a
// go-ethereum JSON-RPC endpoint, generalizing
// internal/chain/on_chain_client.go from a single hard-coded chain
// wrapper into the RpcClient capability any configured chain uses.
package ethrpc

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"

	geth "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	gethrpc "github.com/ethereum/go-ethereum/rpc"
	"github.com/rs/zerolog"

	"github.com/0xkanth/indexcore/internal/rpcclient"
)

// Client wraps an ethclient.Client plus the raw *rpc.Client needed for
// methods go-ethereum's high-level client doesn't expose (trace_filter,
// debug_trace*).
type Client struct {
	eth    *ethclient.Client
	raw    *gethrpc.Client
	logger zerolog.Logger
}

// Dial connects to rpcURL and returns a Client.
func Dial(ctx context.Context, rpcURL string, logger zerolog.Logger) (*Client, error) {
	raw, err := gethrpc.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("ethrpc: dial %s: %w", rpcURL, err)
	}
	return &Client{
		eth:    ethclient.NewClient(raw),
		raw:    raw,
		logger: logger.With().Str("component", "ethrpc").Logger(),
	}, nil
}

func (c *Client) Close() { c.raw.Close() }

func (c *Client) ChainID(ctx context.Context) (uint64, error) {
	id, err := c.eth.ChainID(ctx)
	if err != nil {
		return 0, fmt.Errorf("ethrpc: chain id: %w", err)
	}
	return id.Uint64(), nil
}

func (c *Client) LatestBlockNumber(ctx context.Context) (uint64, error) {
	n, err := c.eth.BlockNumber(ctx)
	if err != nil {
		return 0, fmt.Errorf("ethrpc: block number: %w", err)
	}
	return n, nil
}

// FinalizedBlockNumber fetches the "finalized" tag block. Networks
// without finality (pre-merge chains, some L2s) should configure a
// confirmation-depth fallback at a higher layer; the RpcClient
// capability only exposes the raw RPC concept.
func (c *Client) FinalizedBlockNumber(ctx context.Context) (uint64, error) {
	var header *types.Header
	if err := c.raw.CallContext(ctx, &header, "eth_getBlockByNumber", "finalized", false); err != nil {
		return 0, fmt.Errorf("ethrpc: finalized block: %w", err)
	}
	if header == nil {
		return 0, fmt.Errorf("ethrpc: finalized block: empty response")
	}
	return header.Number.Uint64(), nil
}

func (c *Client) GetLogs(ctx context.Context, f rpcclient.LogFilter) ([]rpcclient.Log, error) {
	query := geth.FilterQuery{
		FromBlock: big.NewInt(int64(f.FromBlock)),
		ToBlock:   big.NewInt(int64(f.ToBlock)),
	}
	for _, a := range f.Addresses {
		query.Addresses = append(query.Addresses, common.HexToAddress(a))
	}
	for _, topicSet := range f.Topics {
		var row []common.Hash
		for _, t := range topicSet {
			row = append(row, common.HexToHash(t))
		}
		query.Topics = append(query.Topics, row)
	}

	logs, err := c.eth.FilterLogs(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("ethrpc: filter logs: %w", err)
	}

	out := make([]rpcclient.Log, 0, len(logs))
	for _, l := range logs {
		topics := make([]string, len(l.Topics))
		for i, t := range l.Topics {
			topics[i] = t.Hex()
		}
		out = append(out, rpcclient.Log{
			Address:     l.Address.Hex(),
			Topics:      topics,
			Data:        l.Data,
			BlockNumber: l.BlockNumber,
			BlockHash:   l.BlockHash.Hex(),
			TxHash:      l.TxHash.Hex(),
			TxIndex:     l.TxIndex,
			LogIndex:    l.Index,
			Removed:     l.Removed,
		})
	}
	return out, nil
}

func (c *Client) GetBlockByNumber(ctx context.Context, number uint64, fullTransactions bool) (*rpcclient.Block, error) {
	block, err := c.eth.BlockByNumber(ctx, big.NewInt(int64(number)))
	if err != nil {
		return nil, fmt.Errorf("ethrpc: block by number %d: %w", number, err)
	}
	return toBlock(block), nil
}

func (c *Client) GetBlockByHash(ctx context.Context, hash string) (*rpcclient.Block, error) {
	block, err := c.eth.BlockByHash(ctx, common.HexToHash(hash))
	if err != nil {
		return nil, fmt.Errorf("ethrpc: block by hash %s: %w", hash, err)
	}
	return toBlock(block), nil
}

func toBlock(block *types.Block) *rpcclient.Block {
	txs := make([]string, len(block.Transactions()))
	for i, tx := range block.Transactions() {
		txs[i] = tx.Hash().Hex()
	}
	return &rpcclient.Block{
		Number:       block.NumberU64(),
		Hash:         block.Hash().Hex(),
		ParentHash:   block.ParentHash().Hex(),
		Timestamp:    block.Time(),
		Transactions: txs,
	}
}

func (c *Client) GetTransactionReceipt(ctx context.Context, txHash string) (*rpcclient.Receipt, error) {
	receipt, err := c.eth.TransactionReceipt(ctx, common.HexToHash(txHash))
	if err != nil {
		return nil, fmt.Errorf("ethrpc: receipt %s: %w", txHash, err)
	}
	return &rpcclient.Receipt{TxHash: txHash, Status: receipt.Status}, nil
}

// traceFilterResult mirrors the parity/geth trace_filter JSON response
// shape for "call" action traces.
type traceFilterResult struct {
	Action struct {
		From  string `json:"from"`
		To    string `json:"to"`
		Input string `json:"input"`
		Value string `json:"value"`
	} `json:"action"`
	Result struct {
		Output string `json:"output"`
	} `json:"result"`
	BlockNumber  uint64 `json:"blockNumber"`
	BlockHash    string `json:"blockHash"`
	TransactionHash string `json:"transactionHash"`
	TraceAddress []int  `json:"traceAddress"`
	Type         string `json:"type"`
}

func (c *Client) TraceFilter(ctx context.Context, f rpcclient.TraceFilter) ([]rpcclient.CallTrace, error) {
	params := map[string]any{
		"fromBlock": hexutilUint64(f.FromBlock),
		"toBlock":   hexutilUint64(f.ToBlock),
	}
	if len(f.ToAddress) > 0 {
		params["toAddress"] = f.ToAddress
	}

	var results []traceFilterResult
	if err := c.raw.CallContext(ctx, &results, "trace_filter", params); err != nil {
		return nil, fmt.Errorf("ethrpc: trace_filter: %w", err)
	}

	out := make([]rpcclient.CallTrace, 0, len(results))
	for _, r := range results {
		if r.Type != "call" {
			continue
		}
		out = append(out, rpcclient.CallTrace{
			BlockNumber:  r.BlockNumber,
			BlockHash:    r.BlockHash,
			TxHash:       r.TransactionHash,
			TraceAddress: r.TraceAddress,
			From:         r.Action.From,
			To:           r.Action.To,
			Input:        common.FromHex(r.Action.Input),
			Output:       common.FromHex(r.Result.Output),
			Value:        r.Action.Value,
		})
	}
	return out, nil
}

func (c *Client) Call(ctx context.Context, req rpcclient.CallRequest) ([]byte, error) {
	msg := geth.CallMsg{
		To:   addrPtr(req.To),
		Data: req.Data,
	}
	var blockNumber *big.Int
	if req.BlockTag != "" && req.BlockTag != "latest" {
		n, ok := new(big.Int).SetString(req.BlockTag, 10)
		if ok {
			blockNumber = n
		}
	}
	result, err := c.eth.CallContract(ctx, msg, blockNumber)
	if err != nil {
		return nil, fmt.Errorf("ethrpc: eth_call: %w", err)
	}
	return result, nil
}

// RawCall passes method/params straight through to the raw RPC client,
// for cacheable methods (C8) with no typed accessor above.
func (c *Client) RawCall(ctx context.Context, method string, params []any) (json.RawMessage, error) {
	var result json.RawMessage
	if err := c.raw.CallContext(ctx, &result, method, params...); err != nil {
		return nil, fmt.Errorf("ethrpc: %s: %w", method, err)
	}
	return result, nil
}

func addrPtr(hex string) *common.Address {
	if hex == "" {
		return nil
	}
	a := common.HexToAddress(hex)
	return &a
}

func hexutilUint64(n uint64) string {
	return fmt.Sprintf("0x%x", n)
}
