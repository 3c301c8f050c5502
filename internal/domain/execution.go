package domain

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// ExecState is the per-resource-key execution state machine.
//
//	Idle -> Locked -> Submitted -> {Settled, Failed, TimedOut} -> Idle
//
// TimedOut is terminal-pending: the outcome is unknown and the key stays
// blocked until reconciliation resolves it to Settled or Failed.
type ExecState string

const (
	ExecIdle      ExecState = "idle"
	ExecLocked    ExecState = "locked"
	ExecSubmitted ExecState = "submitted"
	ExecSettled   ExecState = "settled"
	ExecFailed    ExecState = "failed"
	ExecTimedOut  ExecState = "timed_out"
)

// Terminal reports whether the state releases the resource key.
func (s ExecState) Terminal() bool {
	return s == ExecSettled || s == ExecFailed
}

// ExecutionRecord is the only entity carrying execution state. One record per
// accepted opportunity; terminal once the outcome is Settled or Failed.
type ExecutionRecord struct {
	ID            string
	OpportunityID string
	Kind          OpportunityKind
	ResourceKey   string
	Token         common.Address
	State         ExecState
	TxHash        string
	AmountETH     float64
	SlippageBps   float64
	// RealizedETH is the settled PnL, zero until Settled.
	RealizedETH float64
	FailReason  string
	SubmittedAt time.Time
	SettledAt   *time.Time
}

// TxIntent is the unsigned action handed to the external signing collaborator.
// The engine constructs intents but never holds signing material.
type TxIntent struct {
	To       common.Address
	ValueWei *big.Int
	Data     []byte
	GasLimit uint64
	// MinOutWei encodes the slippage bound as a hard constraint; the signer
	// must refuse to relax it.
	MinOutWei *big.Int
	// MaxGasWei caps the gas price the signer may pay.
	MaxGasWei *big.Int
	Deadline  time.Time
}

// SubmitStatus is the signer collaborator's verdict on a TxIntent.
type SubmitStatus string

const (
	SubmitSettled  SubmitStatus = "settled"
	SubmitRejected SubmitStatus = "rejected"
	SubmitTimedOut SubmitStatus = "timed_out"
)

// SubmitResult is returned by the signing collaborator.
type SubmitResult struct {
	Status  SubmitStatus
	TxHash  string
	GasUsed uint64
	// AmountOutWei is the realized output for settled swaps.
	AmountOutWei *big.Int
	Reason       string
}
