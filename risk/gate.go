package risk

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/mirrorhq/copytrader/agent"
	"github.com/mirrorhq/copytrader/gateway"
	"github.com/mirrorhq/copytrader/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// RISK GATE - Candidate approval
// ═══════════════════════════════════════════════════════════════════════════════
//
// Monitor asks → Gate approves/skips → Scheduler executes
//
// Checks run in order; the first failing check is the skip reason:
//   1. mirrored notional below the agent's minimum      → BELOW_MINIMUM
//   2. mirrored notional above available balance        → INSUFFICIENT_BALANCE
//   3. source trade notional below the value threshold  → BELOW_VALUE_THRESHOLD
//
// Balance check and reservation are one exclusive section per agent, so two
// concurrent candidates cannot both pass a check only one can satisfy.
//
// ═══════════════════════════════════════════════════════════════════════════════

// Decision is the gate's verdict for one candidate
type Decision struct {
	Plan    *types.ExecutionPlan // nil when skipped
	Skipped bool
	Reason  types.SkipReason
}

// Gate converts accepted candidates into execution plans
type Gate struct {
	balances       gateway.BalanceProvider
	valueThreshold decimal.Decimal // absolute source-notional floor

	reservations *reservations
}

// NewGate creates the risk gate
func NewGate(balances gateway.BalanceProvider, valueThreshold decimal.Decimal) *Gate {
	log.Info().
		Str("value_threshold", valueThreshold.StringFixed(2)).
		Msg("🛡️ Risk gate initialized")

	return &Gate{
		balances:       balances,
		valueThreshold: valueThreshold,
		reservations:   newReservations(),
	}
}

// Evaluate applies the checks and, on approval, reserves the plan's notional
// against the agent's balance. The reservation is released by the caller when
// the execution terminates.
func (g *Gate) Evaluate(ctx context.Context, cand types.CopyCandidate, cfg agent.Config) (Decision, error) {
	targetSize := cand.SourceSize.Mul(cfg.CopyRatio)
	targetNotional := targetSize.Mul(cand.SourcePrice)
	sourceNotional := cand.SourceSize.Mul(cand.SourcePrice)

	skip := func(reason types.SkipReason) Decision {
		log.Debug().
			Str("agent", cfg.ID).
			Str("source_trade", cand.SourceTradeID).
			Str("reason", string(reason)).
			Msg("🚫 Candidate skipped")
		return Decision{Skipped: true, Reason: reason}
	}

	if targetNotional.LessThan(cfg.MinPositionSize) {
		return skip(types.SkipBelowMinimum), nil
	}

	// Check balance and reserve under the agent's exclusive section.
	unlock := g.reservations.lock(cfg.ID)
	defer unlock()

	balance, err := g.balances.BalanceOf(ctx, cfg.ID)
	if err != nil {
		return Decision{}, err
	}
	available := balance.Sub(g.reservations.held(cfg.ID))

	if targetNotional.GreaterThan(available) {
		return skip(types.SkipInsufficientBalance), nil
	}

	if sourceNotional.LessThan(g.valueThreshold) {
		return skip(types.SkipBelowValueThreshold), nil
	}

	g.reservations.reserve(cfg.ID, targetNotional)

	plan := &types.ExecutionPlan{
		ID:               uuid.NewString(),
		AgentID:          cfg.ID,
		SourceTradeID:    cand.SourceTradeID,
		Market:           cand.Market,
		Side:             cand.Side,
		TargetPrice:      cand.SourcePrice,
		TargetSize:       targetSize,
		AvailableBalance: available,
		CreatedAt:        time.Now(),
	}

	log.Info().
		Str("agent", cfg.ID).
		Str("plan", plan.ID).
		Str("market", plan.Market).
		Str("side", string(plan.Side)).
		Str("price", plan.TargetPrice.StringFixed(4)).
		Str("size", plan.TargetSize.StringFixed(2)).
		Msg("✅ Candidate approved")

	return Decision{Plan: plan}, nil
}

// Reserve records notional held by an execution restored from the ledger on
// startup. Reservations live in memory only, so without this a resumed
// execution would be invisible to balance checks and its terminal release
// would eat reservations held by other executions of the same agent.
func (g *Gate) Reserve(agentID string, notional decimal.Decimal) {
	g.reservations.reserve(agentID, notional)

	log.Info().
		Str("agent", agentID).
		Str("notional", notional.StringFixed(2)).
		Msg("🛡️ Reservation restored for in-flight execution")
}

// Release frees a plan's reservation once its execution terminates
func (g *Gate) Release(agentID string, notional decimal.Decimal) {
	g.reservations.release(agentID, notional)
}
