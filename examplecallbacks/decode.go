// Package examplecallbacks is a worked example indexing callback set
// for a conditional-tokens prediction market, registered against the
// generic indexing store façade and cached RPC transport. It exists to
// exercise those two components end to end, the way a real deployment
// would configure its own (event -> handler) registry.
package examplecallbacks

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"github.com/0xkanth/indexcore/internal/rpcclient"
)

// Event signatures for the CTF Exchange. Kept as plain topic hashes
// rather than a generated binding since no exchange ABI ships in this
// pack; the shapes mirror the exchange's documented event layout.
const (
	OrderFilledSig     = "0xd0a08e8c493f9c94f29311604c9de0fa40fe441d0d4d6e8b87b3e1a4cbadba5c"
	OrderCancelledSig  = "0x5152abf959f6564662358c2e52b702259b78bac5ee7842a0f01937e670efcc7d"
	TokenRegisteredSig = "0xd0cba75e58a31a78e930fa8243a934dd8ed3c9d25f8c82e5c2bc7d0fdd1975f8"
)

// Event signatures for Conditional Tokens, cross-checked against
// ConditionalTokensMetaData.ABI in pkg/contracts at package init.
const (
	TransferSingleSig       = "0xc3d58168c5ae7397731d063d5bbf3d657854427343f4c083240f7aacaa2d0f62"
	TransferBatchSig        = "0x4a39dc06d4c0dbc64b70af90fd698a233a518aa5d07e595d983b8c0526c8f7fb"
	ConditionPreparationSig = "0xcc914d01b5c6aa4ed0f1ce5d86badddf5cce7dc7740b28f5dbbc3dda0dff45b6"
	ConditionResolutionSig  = "0xb3574d9e77eea35b4c597c1ea75c16cb1c2cd18308085b42fc29dcf8bc8c0e3b"
	PositionSplitSig        = "0x708228a5bb6c5c05fb64e66e1ef1fbbf4cf3ba9ec0c8fb333e8df26f7098c81d"
	PositionsMergeSig       = "0x5c2a65c3f6c72c9fb63c29b54c7f21e2cb10f60de87b9e42b90e7bdd76b6f26c"
)

var uint256Ty, uint256ArrayTy, addressTy abi.Type

func init() {
	uint256Ty, _ = abi.NewType("uint256", "", nil)
	uint256ArrayTy, _ = abi.NewType("uint256[]", "", nil)
	addressTy, _ = abi.NewType("address", "", nil)
}

func topicAddress(topic string) string {
	return common.HexToAddress(topic).Hex()
}

func bigFromData(data []byte, offset int) *big.Int {
	if len(data) < offset+32 {
		return new(big.Int)
	}
	return new(big.Int).SetBytes(data[offset : offset+32])
}

// TransferSingle is a Conditional Tokens TransferSingle event.
type TransferSingle struct {
	Operator, From, To string
	TokenID, Amount    *big.Int
}

func decodeTransferSingle(l rpcclient.Log) (TransferSingle, error) {
	if len(l.Topics) != 4 {
		return TransferSingle{}, fmt.Errorf("examplecallbacks: TransferSingle: expected 4 topics, got %d", len(l.Topics))
	}
	if len(l.Data) < 64 {
		return TransferSingle{}, fmt.Errorf("examplecallbacks: TransferSingle: data too short (%d bytes)", len(l.Data))
	}
	return TransferSingle{
		Operator: topicAddress(l.Topics[1]),
		From:     topicAddress(l.Topics[2]),
		To:       topicAddress(l.Topics[3]),
		TokenID:  bigFromData(l.Data, 0),
		Amount:   bigFromData(l.Data, 32),
	}, nil
}

// TransferBatch is a Conditional Tokens TransferBatch event.
type TransferBatch struct {
	Operator, From, To string
	TokenIDs, Amounts  []*big.Int
}

func decodeTransferBatch(l rpcclient.Log) (TransferBatch, error) {
	if len(l.Topics) != 4 {
		return TransferBatch{}, fmt.Errorf("examplecallbacks: TransferBatch: expected 4 topics, got %d", len(l.Topics))
	}
	args := abi.Arguments{{Type: uint256ArrayTy}, {Type: uint256ArrayTy}}
	unpacked, err := args.Unpack(l.Data)
	if err != nil {
		return TransferBatch{}, fmt.Errorf("examplecallbacks: TransferBatch: unpack: %w", err)
	}
	return TransferBatch{
		Operator: topicAddress(l.Topics[1]),
		From:     topicAddress(l.Topics[2]),
		To:       topicAddress(l.Topics[3]),
		TokenIDs: unpacked[0].([]*big.Int),
		Amounts:  unpacked[1].([]*big.Int),
	}, nil
}

// ConditionPreparation is a new condition (market) being created.
type ConditionPreparation struct {
	ConditionID, Oracle, QuestionID string
	OutcomeSlotCount                uint8
}

func decodeConditionPreparation(l rpcclient.Log) (ConditionPreparation, error) {
	if len(l.Topics) != 4 {
		return ConditionPreparation{}, fmt.Errorf("examplecallbacks: ConditionPreparation: expected 4 topics, got %d", len(l.Topics))
	}
	if len(l.Data) < 32 {
		return ConditionPreparation{}, fmt.Errorf("examplecallbacks: ConditionPreparation: data too short (%d bytes)", len(l.Data))
	}
	return ConditionPreparation{
		ConditionID:      l.Topics[1],
		Oracle:           topicAddress(l.Topics[2]),
		QuestionID:       l.Topics[3],
		OutcomeSlotCount: uint8(bigFromData(l.Data, 0).Uint64()),
	}, nil
}

// ConditionResolution is a market being resolved.
type ConditionResolution struct {
	ConditionID, Oracle, QuestionID string
	OutcomeSlotCount                uint8
	PayoutNumerators                []*big.Int
}

func decodeConditionResolution(l rpcclient.Log) (ConditionResolution, error) {
	if len(l.Topics) != 4 {
		return ConditionResolution{}, fmt.Errorf("examplecallbacks: ConditionResolution: expected 4 topics, got %d", len(l.Topics))
	}
	args := abi.Arguments{{Type: uint256Ty}, {Type: uint256ArrayTy}}
	unpacked, err := args.Unpack(l.Data)
	if err != nil {
		return ConditionResolution{}, fmt.Errorf("examplecallbacks: ConditionResolution: unpack: %w", err)
	}
	return ConditionResolution{
		ConditionID:      l.Topics[1],
		Oracle:           topicAddress(l.Topics[2]),
		QuestionID:       l.Topics[3],
		OutcomeSlotCount: uint8(unpacked[0].(*big.Int).Uint64()),
		PayoutNumerators: unpacked[1].([]*big.Int),
	}, nil
}

// splitOrMerge is the shared shape of PositionSplit/PositionsMerge.
type splitOrMerge struct {
	Stakeholder, CollateralToken, ParentCollectionID, ConditionID string
	Partition                                                    []*big.Int
	Amount                                                       *big.Int
}

func decodeSplitOrMerge(eventName string, l rpcclient.Log) (splitOrMerge, error) {
	if len(l.Topics) != 4 {
		return splitOrMerge{}, fmt.Errorf("examplecallbacks: %s: expected 4 topics, got %d", eventName, len(l.Topics))
	}
	args := abi.Arguments{{Type: addressTy}, {Type: uint256ArrayTy}, {Type: uint256Ty}}
	unpacked, err := args.Unpack(l.Data)
	if err != nil {
		return splitOrMerge{}, fmt.Errorf("examplecallbacks: %s: unpack: %w", eventName, err)
	}
	return splitOrMerge{
		Stakeholder:        topicAddress(l.Topics[1]),
		ParentCollectionID: l.Topics[2],
		ConditionID:        l.Topics[3],
		CollateralToken:    unpacked[0].(common.Address).Hex(),
		Partition:          unpacked[1].([]*big.Int),
		Amount:             unpacked[2].(*big.Int),
	}, nil
}

// OrderFilled is a CTF Exchange OrderFilled event.
type OrderFilled struct {
	OrderHash, Maker, Taker                                        string
	MakerAssetID, TakerAssetID, MakerAmountFilled, TakerAmountFilled, Fee *big.Int
}

func decodeOrderFilled(l rpcclient.Log) (OrderFilled, error) {
	if len(l.Topics) != 4 {
		return OrderFilled{}, fmt.Errorf("examplecallbacks: OrderFilled: expected 4 topics, got %d", len(l.Topics))
	}
	if len(l.Data) < 160 {
		return OrderFilled{}, fmt.Errorf("examplecallbacks: OrderFilled: data too short (%d bytes)", len(l.Data))
	}
	return OrderFilled{
		OrderHash:         l.Topics[1],
		Maker:             topicAddress(l.Topics[2]),
		Taker:             topicAddress(l.Topics[3]),
		MakerAssetID:      bigFromData(l.Data, 0),
		TakerAssetID:      bigFromData(l.Data, 32),
		MakerAmountFilled: bigFromData(l.Data, 64),
		TakerAmountFilled: bigFromData(l.Data, 96),
		Fee:               bigFromData(l.Data, 128),
	}, nil
}

// OrderCancelled is a CTF Exchange OrderCancelled event.
type OrderCancelled struct {
	OrderHash string
}

func decodeOrderCancelled(l rpcclient.Log) (OrderCancelled, error) {
	if len(l.Topics) != 2 {
		return OrderCancelled{}, fmt.Errorf("examplecallbacks: OrderCancelled: expected 2 topics, got %d", len(l.Topics))
	}
	return OrderCancelled{OrderHash: l.Topics[1]}, nil
}

// TokenRegistered is a CTF Exchange TokenRegistered event.
type TokenRegistered struct {
	Token0, Token1 *big.Int
	ConditionID    string
}

func decodeTokenRegistered(l rpcclient.Log) (TokenRegistered, error) {
	if len(l.Topics) != 4 {
		return TokenRegistered{}, fmt.Errorf("examplecallbacks: TokenRegistered: expected 4 topics, got %d", len(l.Topics))
	}
	return TokenRegistered{
		Token0:      new(big.Int).SetBytes(common.HexToHash(l.Topics[1]).Bytes()),
		Token1:      new(big.Int).SetBytes(common.HexToHash(l.Topics[2]).Bytes()),
		ConditionID: l.Topics[3],
	}, nil
}
