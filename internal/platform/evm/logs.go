// Package evm provides the low-level MegaETH plumbing: a websocket log
// subscription client, a JSON-RPC call client used for resync refetches and
// risk probes, and decoders for the v2-style factory/pool and perps events
// the engine consumes.
package evm

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

// Event topic hashes, keccak256 of the canonical signatures.
var (
	// PairCreated(address,address,address,uint256)
	TopicPairCreated = crypto.Keccak256Hash([]byte("PairCreated(address,address,address,uint256)"))
	// Sync(uint112,uint112)
	TopicSync = crypto.Keccak256Hash([]byte("Sync(uint112,uint112)"))
	// Swap(address,uint256,uint256,uint256,uint256,address)
	TopicSwap = crypto.Keccak256Hash([]byte("Swap(address,uint256,uint256,uint256,uint256,address)"))
	// PositionLiquidatable(bytes32,address,uint256,uint256,uint256,uint256)
	TopicPositionLiquidatable = crypto.Keccak256Hash([]byte("PositionLiquidatable(bytes32,address,uint256,uint256,uint256,uint256)"))
)

// PairCreated is the decoded factory PairCreated log.
type PairCreated struct {
	Token0 common.Address
	Token1 common.Address
	Pair   common.Address
	PairN  uint64
	TxHash common.Hash
}

// Sync is the decoded pool Sync log carrying post-change reserves.
type Sync struct {
	Reserve0 *big.Int
	Reserve1 *big.Int
}

// Swap is the decoded pool Swap log.
type Swap struct {
	Sender     common.Address
	Amount0In  *big.Int
	Amount1In  *big.Int
	Amount0Out *big.Int
	Amount1Out *big.Int
	To         common.Address
}

// PositionLiquidatable is the decoded perps liquidation trigger log. The
// health factor and bonus are emitted 1e18- and bps-scaled respectively.
type PositionLiquidatable struct {
	PositionID   common.Hash
	Account      common.Address
	Collateral   *big.Int
	Debt         *big.Int
	HealthFactor float64
	BonusBps     float64
}

// ParsePairCreated decodes a factory PairCreated log.
func ParsePairCreated(lg types.Log) (PairCreated, error) {
	if len(lg.Topics) != 3 || lg.Topics[0] != TopicPairCreated {
		return PairCreated{}, fmt.Errorf("evm: log is not PairCreated")
	}
	if len(lg.Data) < 64 {
		return PairCreated{}, fmt.Errorf("evm: PairCreated data too short: %d", len(lg.Data))
	}
	return PairCreated{
		Token0: common.BytesToAddress(lg.Topics[1][12:]),
		Token1: common.BytesToAddress(lg.Topics[2][12:]),
		Pair:   common.BytesToAddress(lg.Data[12:32]),
		PairN:  new(big.Int).SetBytes(lg.Data[32:64]).Uint64(),
		TxHash: lg.TxHash,
	}, nil
}

// ParseSync decodes a pool Sync log.
func ParseSync(lg types.Log) (Sync, error) {
	if len(lg.Topics) != 1 || lg.Topics[0] != TopicSync {
		return Sync{}, fmt.Errorf("evm: log is not Sync")
	}
	if len(lg.Data) < 64 {
		return Sync{}, fmt.Errorf("evm: Sync data too short: %d", len(lg.Data))
	}
	return Sync{
		Reserve0: new(big.Int).SetBytes(lg.Data[:32]),
		Reserve1: new(big.Int).SetBytes(lg.Data[32:64]),
	}, nil
}

// ParseSwap decodes a pool Swap log.
func ParseSwap(lg types.Log) (Swap, error) {
	if len(lg.Topics) != 3 || lg.Topics[0] != TopicSwap {
		return Swap{}, fmt.Errorf("evm: log is not Swap")
	}
	if len(lg.Data) < 128 {
		return Swap{}, fmt.Errorf("evm: Swap data too short: %d", len(lg.Data))
	}
	return Swap{
		Sender:     common.BytesToAddress(lg.Topics[1][12:]),
		Amount0In:  new(big.Int).SetBytes(lg.Data[:32]),
		Amount1In:  new(big.Int).SetBytes(lg.Data[32:64]),
		Amount0Out: new(big.Int).SetBytes(lg.Data[64:96]),
		Amount1Out: new(big.Int).SetBytes(lg.Data[96:128]),
		To:         common.BytesToAddress(lg.Topics[2][12:]),
	}, nil
}

// ParsePositionLiquidatable decodes a perps liquidation trigger log.
func ParsePositionLiquidatable(lg types.Log) (PositionLiquidatable, error) {
	if len(lg.Topics) != 3 || lg.Topics[0] != TopicPositionLiquidatable {
		return PositionLiquidatable{}, fmt.Errorf("evm: log is not PositionLiquidatable")
	}
	if len(lg.Data) < 128 {
		return PositionLiquidatable{}, fmt.Errorf("evm: PositionLiquidatable data too short: %d", len(lg.Data))
	}
	health, _ := new(big.Float).Quo(
		new(big.Float).SetInt(new(big.Int).SetBytes(lg.Data[64:96])),
		big.NewFloat(1e18),
	).Float64()
	bonus, _ := new(big.Float).SetInt(new(big.Int).SetBytes(lg.Data[96:128])).Float64()
	return PositionLiquidatable{
		PositionID:   lg.Topics[1],
		Account:      common.BytesToAddress(lg.Topics[2][12:]),
		Collateral:   new(big.Int).SetBytes(lg.Data[:32]),
		Debt:         new(big.Int).SetBytes(lg.Data[32:64]),
		HealthFactor: health,
		BonusBps:     bonus,
	}, nil
}

// SequenceOf derives the per-venue monotonic sequence number for a log. Block
// number and log index together order all logs from one source; the index
// fits comfortably in 16 bits on any realistic block.
func SequenceOf(lg types.Log) uint64 {
	return lg.BlockNumber<<16 | uint64(lg.Index&0xffff)
}
