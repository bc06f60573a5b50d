package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// ═══════════════════════════════════════════════════════════════════════════════
// SHARED TYPES - Avoid import cycles
// ═══════════════════════════════════════════════════════════════════════════════

// Side is the direction of a trade
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Valid reports whether the side is one of buy/sell
func (s Side) Valid() bool {
	return s == SideBuy || s == SideSell
}

// TradeEvent is a decoded, finality-confirmed on-chain trade by a source wallet.
// Delivered at-least-once by the chain event collaborator; consumers dedup by TxHash.
type TradeEvent struct {
	TxHash       string
	SourceWallet string
	Market       string
	Side         Side
	Price        decimal.Decimal // share price in [0,1]
	Size         decimal.Decimal // shares, > 0
	ConfirmedAt  time.Time
}

// CopyCandidate is one qualifying source trade tagged for one following agent
type CopyCandidate struct {
	SourceTradeID string
	AgentID       string
	Market        string
	Side          Side
	SourcePrice   decimal.Decimal
	SourceSize    decimal.Decimal
	ObservedAt    time.Time
}

// ExecutionPlan is a candidate that passed the risk gate. Owned exclusively
// by one scheduler run for its lifetime.
type ExecutionPlan struct {
	ID               string
	AgentID          string
	SourceTradeID    string
	Market           string
	Side             Side
	TargetPrice      decimal.Decimal
	TargetSize       decimal.Decimal
	AvailableBalance decimal.Decimal // snapshot at plan creation
	CreatedAt        time.Time
}

// Notional returns the plan's target cost (price * size)
func (p ExecutionPlan) Notional() decimal.Decimal {
	return p.TargetPrice.Mul(p.TargetSize)
}

// Phase is one of the three order-placement phases
type Phase string

const (
	PhasePrimary   Phase = "PRIMARY"
	PhaseSecondary Phase = "SECONDARY"
	PhaseFinal     Phase = "FINAL"
)

// Status is the lifecycle status within a phase
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusActive    Status = "ACTIVE"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
	StatusSkipped   Status = "SKIPPED"
)

// Terminal reports whether the status ends an execution
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusSkipped
}

// SkipReason explains why the risk gate dropped a candidate. Skips are
// expected business outcomes, not errors.
type SkipReason string

const (
	SkipBelowMinimum        SkipReason = "BELOW_MINIMUM"
	SkipInsufficientBalance SkipReason = "INSUFFICIENT_BALANCE"
	SkipBelowValueThreshold SkipReason = "BELOW_VALUE_THRESHOLD"
)

// FailReason explains a Failed terminal status
type FailReason string

const (
	FailPartiallyFilled    FailReason = "PARTIALLY_FILLED" // some fill, protocol exhausted
	FailUnfilled           FailReason = "UNFILLED"         // zero fill, protocol exhausted
	FailRetryLimitExceeded FailReason = "RETRY_LIMIT_EXCEEDED"
	FailCancelled          FailReason = "CANCELLED"
	FailFatal              FailReason = "FATAL"
)

// AgentStats is the leaderboard aggregate for one agent
type AgentStats struct {
	AgentID     string
	TotalTrades int64
	Completed   int64
	Failed      int64
	Skipped     int64
	SuccessRate decimal.Decimal // percent
	TotalVolume decimal.Decimal // filled notional
}
