package execution

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/mirrorhq/copytrader/agent"
	"github.com/mirrorhq/copytrader/gateway"
	"github.com/mirrorhq/copytrader/ledger"
	"github.com/mirrorhq/copytrader/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// PHASE SCHEDULER - Three-phase order placement protocol
// ═══════════════════════════════════════════════════════════════════════════════
//
// One scheduler runs per accepted execution plan, concurrently with all
// others. Protocol per phase:
//
//   PRIMARY    place at target price / target size, wait primary timeout
//   SECONDARY  price moved one increment fill-ward, size reduced, wait again
//   FINAL      price moved both increments fill-ward, size reduced again
//
// Full fill at any phase → COMPLETED. Timeout cancels the remainder and
// carries it into the next phase. After FINAL the execution fails as
// PARTIALLY_FILLED or UNFILLED. A shared attempt budget (retry_limit) bounds
// order placements across all phases.
//
// Every transition is ledgered before the next action, so an observer can
// reconstruct exact phase history and a restarted process can resume.
//
// ═══════════════════════════════════════════════════════════════════════════════

var phaseOrder = []types.Phase{types.PhasePrimary, types.PhaseSecondary, types.PhaseFinal}

// Config holds engine-level scheduler settings shared by all executions
type Config struct {
	SizeReductionFactor decimal.Decimal // per-phase size multiplier after primary
	PollInterval        time.Duration   // order status poll cadence, never < 1s
	PlaceBackoff        time.Duration   // base backoff between placement retries
	StatusBackoff       time.Duration   // backoff after a failed status poll
	CancelGrace         time.Duration   // how long a cancellation waits for the exchange
}

// DefaultConfig returns the settings used in production
func DefaultConfig() Config {
	return Config{
		SizeReductionFactor: decimal.NewFromFloat(0.9),
		PollInterval:        time.Second,
		PlaceBackoff:        250 * time.Millisecond,
		StatusBackoff:       500 * time.Millisecond,
		CancelGrace:         2 * time.Second,
	}
}

// normalize clamps config values the protocol depends on
func (c Config) normalize() Config {
	if c.PollInterval < time.Second {
		c.PollInterval = time.Second
	}
	if c.SizeReductionFactor.LessThanOrEqual(decimal.Zero) || c.SizeReductionFactor.GreaterThan(decimal.NewFromInt(1)) {
		c.SizeReductionFactor = decimal.NewFromFloat(0.9)
	}
	if c.PlaceBackoff <= 0 {
		c.PlaceBackoff = 250 * time.Millisecond
	}
	if c.StatusBackoff <= 0 {
		c.StatusBackoff = 500 * time.Millisecond
	}
	if c.CancelGrace <= 0 {
		c.CancelGrace = 2 * time.Second
	}
	return c
}

// Outcome is the terminal result of one execution
type Outcome struct {
	ExecutionID   string
	AgentID       string
	Market        string
	SourceTradeID string
	Side          types.Side
	Status        types.Status
	Reason        types.FailReason // empty on COMPLETED
	FilledSize    decimal.Decimal
	Reserved      decimal.Decimal // notional reserved at plan creation, to be released
}

// Scheduler owns the mutable execution state for one plan's lifetime
type Scheduler struct {
	plan     types.ExecutionPlan
	agentCfg agent.Config
	cfg      Config

	gw    gateway.Gateway
	ldg   ledger.Ledger
	clock Clock

	// execution state
	phase      types.Phase
	attempts   int
	orderID    string
	price      decimal.Decimal
	size       decimal.Decimal // size of the current/most recent order
	filledSize decimal.Decimal // cumulative across phases

	// restart support: when set, the first phase resumes a live order
	// instead of placing one
	resumeDeadline *time.Time
}

// NewScheduler creates a scheduler for a fresh plan
func NewScheduler(plan types.ExecutionPlan, cfg agent.Config, schedCfg Config, gw gateway.Gateway, ldg ledger.Ledger, clock Clock) *Scheduler {
	return &Scheduler{
		plan:       plan,
		agentCfg:   cfg,
		cfg:        schedCfg.normalize(),
		gw:         gw,
		ldg:        ldg,
		clock:      clock,
		phase:      types.PhasePrimary,
		filledSize: decimal.Zero,
	}
}

// Resume rebuilds a scheduler from ledger history for an execution whose
// order was live when the process stopped. The remaining phase timeout is
// recomputed from the Active entry's timestamp, clamped to zero, and the
// order's current status is polled before the clock resumes.
func Resume(hist []ledger.Entry, cfg agent.Config, schedCfg Config, gw gateway.Gateway, ldg ledger.Ledger, clock Clock) (*Scheduler, error) {
	if len(hist) == 0 {
		return nil, fmt.Errorf("empty execution history")
	}

	first := hist[0]
	var active *ledger.Entry
	for i := len(hist) - 1; i >= 0; i-- {
		if hist[i].Status == types.StatusActive {
			active = &hist[i]
			break
		}
	}
	if active == nil {
		return nil, fmt.Errorf("execution %s has no active order to resume", first.ExecutionID)
	}

	s := NewScheduler(types.ExecutionPlan{
		ID:            first.ExecutionID,
		AgentID:       first.AgentID,
		SourceTradeID: first.SourceTradeID,
		Market:        first.Market,
		Side:          first.Side,
		TargetPrice:   first.Price,
		TargetSize:    first.Size,
		CreatedAt:     first.Timestamp,
	}, cfg, schedCfg, gw, ldg, clock)

	s.phase = active.Phase
	s.attempts = active.Attempts
	s.orderID = active.OrderID
	s.price = active.Price
	s.size = active.Size
	s.filledSize = active.FilledSize

	deadline := active.Timestamp.Add(s.phaseTimeout(active.Phase))
	s.resumeDeadline = &deadline

	log.Info().
		Str("execution", s.plan.ID).
		Str("phase", string(s.phase)).
		Str("order_id", s.orderID).
		Time("deadline", deadline).
		Msg("📥 Resuming in-flight execution")

	return s, nil
}

// ExecutionID returns the plan id this scheduler owns
func (s *Scheduler) ExecutionID() string { return s.plan.ID }

// AgentID returns the owning agent
func (s *Scheduler) AgentID() string { return s.plan.AgentID }

// ReservedNotional returns the balance the plan holds while in flight. A
// restored execution must re-reserve this through the risk gate so its
// terminal release has something to release.
func (s *Scheduler) ReservedNotional() decimal.Decimal { return s.plan.Notional() }

// Run drives the protocol to a terminal state. It blocks until the execution
// completes, fails, or ctx is cancelled (which cancels any live order within
// the grace timeout and terminates as FAILED/CANCELLED).
func (s *Scheduler) Run(ctx context.Context) Outcome {
	remaining := s.plan.TargetSize

	start := 0
	for i, ph := range phaseOrder {
		if ph == s.phase {
			start = i
			break
		}
	}
	if s.resumeDeadline != nil {
		// the resumed order's size is the phase remainder
		remaining = s.size
	}

	for i := start; i < len(phaseOrder); i++ {
		ph := phaseOrder[i]

		size := remaining
		if ph != types.PhasePrimary && s.resumeDeadline == nil {
			size = remaining.Mul(s.cfg.SizeReductionFactor)
		}

		res, term := s.runPhase(ctx, ph, size)
		if term != nil {
			return *term
		}
		if res.fullyFilled {
			return s.completed()
		}

		// Timed out with a remainder; carry it forward.
		remaining = res.carried
	}

	// Final phase exhausted without a full fill.
	reason := types.FailUnfilled
	if s.filledSize.GreaterThan(decimal.Zero) {
		reason = types.FailPartiallyFilled
	}
	return s.failed(reason)
}

type phaseResult struct {
	fullyFilled bool
	carried     decimal.Decimal // unfilled remainder after cancel
}

// runPhase places (or resumes) one phase's order and waits for fill or
// timeout. A non-nil *Outcome is terminal.
func (s *Scheduler) runPhase(ctx context.Context, ph types.Phase, size decimal.Decimal) (phaseResult, *Outcome) {
	s.phase = ph

	var deadline time.Time
	if s.resumeDeadline != nil {
		// Restart path: order already live, clock origin comes from the ledger.
		deadline = *s.resumeDeadline
		s.resumeDeadline = nil
	} else {
		s.price = s.phasePrice(ph)
		s.size = size

		if err := s.record(ctx, types.StatusPending, ""); err != nil {
			return phaseResult{}, s.fatal(err)
		}

		placed, term := s.place(ctx)
		if term != nil {
			return phaseResult{}, term
		}
		s.orderID = placed

		if err := s.record(ctx, types.StatusActive, ""); err != nil {
			return phaseResult{}, s.fatal(err)
		}
		deadline = s.clock.Now().Add(s.phaseTimeout(ph))
	}

	log.Info().
		Str("execution", s.plan.ID).
		Str("phase", string(ph)).
		Str("order_id", s.orderID).
		Str("price", s.price.StringFixed(2)).
		Str("size", s.size.StringFixed(2)).
		Time("deadline", deadline).
		Msg("📤 Phase order live")

	return s.await(ctx, deadline)
}

// place submits the current phase order, consuming the shared attempt budget
func (s *Scheduler) place(ctx context.Context) (string, *Outcome) {
	for {
		if s.attempts >= s.agentCfg.RetryLimit {
			log.Warn().
				Str("execution", s.plan.ID).
				Int("attempts", s.attempts).
				Msg("🚫 Attempt budget exhausted")
			return "", s.failedPtr(types.FailRetryLimitExceeded)
		}
		s.attempts++

		orderID, err := s.gw.Place(ctx, s.plan.Market, s.plan.Side, s.price, s.size)
		if err == nil {
			return orderID, nil
		}
		if ctx.Err() != nil {
			return "", s.cancelled()
		}

		log.Warn().
			Err(err).
			Str("execution", s.plan.ID).
			Int("attempt", s.attempts).
			Msg("⚠️ Order placement failed, retrying")

		backoff := time.Duration(s.attempts) * s.cfg.PlaceBackoff
		if err := s.clock.Sleep(ctx, backoff); err != nil {
			return "", s.cancelled()
		}
	}
}

// await polls the order until it fills or the phase deadline passes
func (s *Scheduler) await(ctx context.Context, deadline time.Time) (phaseResult, *Outcome) {
	phaseFilled := decimal.Zero

	for {
		if ctx.Err() != nil {
			return phaseResult{}, s.cancelled()
		}

		st, err := s.gw.Status(ctx, s.orderID)
		if err != nil {
			// Status errors are retried with backoff and never consume the
			// attempt budget.
			if ctx.Err() != nil {
				return phaseResult{}, s.cancelled()
			}
			log.Warn().Err(err).Str("order_id", s.orderID).Msg("⚠️ Status poll failed")
			if err := s.clock.Sleep(ctx, s.cfg.StatusBackoff); err != nil {
				return phaseResult{}, s.cancelled()
			}
			continue
		}

		phaseFilled = st.FilledSize

		if st.State == gateway.OrderFilled || st.RemainingSize.LessThanOrEqual(decimal.Zero) {
			s.filledSize = s.filledSize.Add(s.size)
			return phaseResult{fullyFilled: true}, nil
		}

		if st.State == gateway.OrderCancelled {
			// Cancelled out-of-band on the exchange. Don't wait out the
			// phase deadline on a dead order; carry the remainder now.
			log.Warn().
				Str("execution", s.plan.ID).
				Str("order_id", s.orderID).
				Str("filled", phaseFilled.StringFixed(2)).
				Msg("⚠️ Order cancelled externally, advancing phase")

			s.filledSize = s.filledSize.Add(phaseFilled)
			carried := s.size.Sub(phaseFilled)
			if carried.LessThanOrEqual(decimal.Zero) {
				return phaseResult{fullyFilled: true}, nil
			}
			return phaseResult{carried: carried}, nil
		}

		now := s.clock.Now()
		if !now.Before(deadline) {
			break
		}

		wait := s.cfg.PollInterval
		if until := deadline.Sub(now); until < wait {
			wait = until
		}
		if err := s.clock.Sleep(ctx, wait); err != nil {
			return phaseResult{}, s.cancelled()
		}
	}

	// Deadline passed: cancel the remainder and capture any late fills.
	phaseFilled = s.cancelOrder(ctx, phaseFilled)
	s.filledSize = s.filledSize.Add(phaseFilled)

	carried := s.size.Sub(phaseFilled)
	if carried.LessThanOrEqual(decimal.Zero) {
		return phaseResult{fullyFilled: true}, nil
	}
	return phaseResult{carried: carried}, nil
}

// cancelOrder cancels the live order at phase timeout and returns the final
// filled size for the phase, which may have grown between the last poll and
// the cancel ack
func (s *Scheduler) cancelOrder(ctx context.Context, lastSeen decimal.Decimal) decimal.Decimal {
	if err := s.gw.Cancel(ctx, s.orderID); err != nil {
		log.Warn().Err(err).Str("order_id", s.orderID).Msg("⚠️ Cancel failed, retrying once")
		if s.clock.Sleep(ctx, s.cfg.PlaceBackoff) == nil {
			if err := s.gw.Cancel(ctx, s.orderID); err != nil {
				log.Error().Err(err).Str("order_id", s.orderID).Msg("❌ Cancel failed, proceeding best-effort")
			}
		}
	}

	st, err := s.gw.Status(ctx, s.orderID)
	if err != nil {
		return lastSeen
	}
	return st.FilledSize
}

// ═══════════════════════════════════════════════════════════════════════════════
// TERMINAL TRANSITIONS
// ═══════════════════════════════════════════════════════════════════════════════

func (s *Scheduler) completed() Outcome {
	s.recordTerminal(types.StatusCompleted, "")

	log.Info().
		Str("execution", s.plan.ID).
		Str("filled", s.filledSize.StringFixed(2)).
		Msg("✅ Execution completed")

	return s.outcome(types.StatusCompleted, "")
}

func (s *Scheduler) failed(reason types.FailReason) Outcome {
	s.recordTerminal(types.StatusFailed, string(reason))

	log.Warn().
		Str("execution", s.plan.ID).
		Str("reason", string(reason)).
		Str("filled", s.filledSize.StringFixed(2)).
		Msg("❌ Execution failed")

	return s.outcome(types.StatusFailed, reason)
}

func (s *Scheduler) failedPtr(reason types.FailReason) *Outcome {
	out := s.failed(reason)
	return &out
}

// cancelled handles external cancellation: best-effort cancel of the live
// order within the grace timeout, then terminate
func (s *Scheduler) cancelled() *Outcome {
	if s.orderID != "" {
		graceCtx, cancel := context.WithTimeout(context.Background(), s.cfg.CancelGrace)
		defer cancel()
		if err := s.gw.Cancel(graceCtx, s.orderID); err != nil {
			log.Warn().
				Err(err).
				Str("order_id", s.orderID).
				Msg("⚠️ Best-effort cancel on termination failed")
		}
	}

	s.recordTerminal(types.StatusFailed, string(types.FailCancelled))

	log.Info().
		Str("execution", s.plan.ID).
		Msg("🛑 Execution cancelled")

	out := s.outcome(types.StatusFailed, types.FailCancelled)
	return &out
}

// fatal handles ledger write exhaustion: defensively cancel any live order,
// then give up on the execution
func (s *Scheduler) fatal(cause error) *Outcome {
	log.Error().
		Err(cause).
		Str("execution", s.plan.ID).
		Msg("💥 Fatal ledger failure, aborting execution")

	if s.orderID != "" {
		graceCtx, cancel := context.WithTimeout(context.Background(), s.cfg.CancelGrace)
		defer cancel()
		if err := s.gw.Cancel(graceCtx, s.orderID); err != nil {
			log.Warn().Err(err).Str("order_id", s.orderID).Msg("⚠️ Defensive cancel failed")
		}
	}

	s.recordTerminal(types.StatusFailed, string(types.FailFatal))

	out := s.outcome(types.StatusFailed, types.FailFatal)
	return &out
}

// recordTerminal writes the terminal entry on a fresh context so it is not
// lost to the cancellation that caused it. Best-effort: a failed terminal
// write is logged, nothing more can be done.
func (s *Scheduler) recordTerminal(status types.Status, reason string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.record(ctx, status, reason); err != nil {
		log.Error().
			Err(err).
			Str("execution", s.plan.ID).
			Msg("❌ Terminal ledger write failed")
	}
}

func (s *Scheduler) record(ctx context.Context, status types.Status, reason string) error {
	return s.ldg.Record(ctx, ledger.Entry{
		ExecutionID:   s.plan.ID,
		AgentID:       s.plan.AgentID,
		SourceTradeID: s.plan.SourceTradeID,
		Market:        s.plan.Market,
		Side:          s.plan.Side,
		Phase:         s.phase,
		Status:        status,
		Reason:        reason,
		Attempts:      s.attempts,
		OrderID:       s.orderID,
		Price:         s.price,
		Size:          s.size,
		FilledSize:    s.filledSize,
		Timestamp:     s.clock.Now(),
	})
}

func (s *Scheduler) outcome(status types.Status, reason types.FailReason) Outcome {
	return Outcome{
		ExecutionID:   s.plan.ID,
		AgentID:       s.plan.AgentID,
		Market:        s.plan.Market,
		SourceTradeID: s.plan.SourceTradeID,
		Side:          s.plan.Side,
		Status:        status,
		Reason:        reason,
		FilledSize:    s.filledSize,
		Reserved:      s.plan.Notional(),
	}
}

// ═══════════════════════════════════════════════════════════════════════════════
// PHASE MATH
// ═══════════════════════════════════════════════════════════════════════════════

var (
	tick     = decimal.NewFromFloat(0.01) // one cent
	priceMin = decimal.NewFromFloat(0.01)
	priceMax = decimal.NewFromFloat(0.99)
)

// phasePrice moves the limit price fill-ward by the cumulative increment:
// up for buys, down for sells
func (s *Scheduler) phasePrice(ph types.Phase) decimal.Decimal {
	var cents int
	switch ph {
	case types.PhaseSecondary:
		cents = s.agentCfg.SecondaryPriceIncrement
	case types.PhaseFinal:
		cents = s.agentCfg.SecondaryPriceIncrement + s.agentCfg.FinalPriceIncrement
	default:
		return s.plan.TargetPrice
	}

	delta := decimal.NewFromInt(int64(cents)).Mul(tick)
	price := s.plan.TargetPrice
	if s.plan.Side == types.SideBuy {
		price = price.Add(delta)
	} else {
		price = price.Sub(delta)
	}

	if price.LessThan(priceMin) {
		price = priceMin
	}
	if price.GreaterThan(priceMax) {
		price = priceMax
	}
	return price
}

func (s *Scheduler) phaseTimeout(ph types.Phase) time.Duration {
	switch ph {
	case types.PhaseSecondary:
		return s.agentCfg.SecondaryTimeout()
	case types.PhaseFinal:
		return s.agentCfg.FinalTimeout()
	default:
		return s.agentCfg.PrimaryTimeout()
	}
}
