package ledger

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mirrorhq/copytrader/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// EXECUTION LEDGER - Append-only record of phase transitions
// ═══════════════════════════════════════════════════════════════════════════════
//
// Every transition is written before the scheduler takes its next action, so
// the ledger is the single source of truth for what happened. In-memory
// scheduler state is not durable; restart recovery replays from here.
//
// ═══════════════════════════════════════════════════════════════════════════════

// Entry is one appended phase transition or terminal outcome
type Entry struct {
	ExecutionID   string
	AgentID       string
	SourceTradeID string // tx hash of the mirrored source trade
	Market        string
	Side          types.Side
	Phase         types.Phase
	Status        types.Status
	Reason        string // skip or fail reason, empty otherwise
	Attempts      int
	OrderID       string
	Price         decimal.Decimal
	Size          decimal.Decimal
	FilledSize    decimal.Decimal
	Timestamp     time.Time
}

// SourceTradeRef is one (agent, source trade) pair already acted on. The
// monitor's dedup sets are seeded from these on startup so a source trade
// replayed after a restart cannot produce a second plan.
type SourceTradeRef struct {
	AgentID       string
	SourceTradeID string
}

// Ledger is the append-only sink the scheduler records into
type Ledger interface {
	Record(ctx context.Context, e Entry) error
}

// Reader is the read path used for restart recovery and leaderboard stats
type Reader interface {
	// OpenExecutions returns the latest entry of every execution whose most
	// recent status is Active (an order was live when the process stopped).
	OpenExecutions(ctx context.Context) ([]Entry, error)
	// SourceTrades returns the distinct (agent, source trade) pairs recorded
	// since the cutoff.
	SourceTrades(ctx context.Context, since time.Time) ([]SourceTradeRef, error)
	// Stats aggregates terminal outcomes per agent.
	Stats(ctx context.Context, agentID string) (types.AgentStats, error)
}
