package core

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/mirrorhq/copytrader/agent"
	"github.com/mirrorhq/copytrader/execution"
	"github.com/mirrorhq/copytrader/feeds"
	"github.com/mirrorhq/copytrader/gateway"
	"github.com/mirrorhq/copytrader/ledger"
	"github.com/mirrorhq/copytrader/risk"
	"github.com/mirrorhq/copytrader/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// ENGINE - Central orchestrator
// ═══════════════════════════════════════════════════════════════════════════════
//
// Flow:
//   Activity feed → Monitor → Risk gate → Scheduler pool → Ledger
//
// The engine wires the pipeline, recovers in-flight executions on startup,
// refreshes the active-agent set on an interval, and releases balance
// reservations when executions terminate.
//
// ═══════════════════════════════════════════════════════════════════════════════

// LedgerReader is the ledger read path the engine needs for startup recovery
type LedgerReader interface {
	OpenExecutions(ctx context.Context) ([]ledger.Entry, error)
	History(ctx context.Context, executionID string) ([]ledger.Entry, error)
	SourceTrades(ctx context.Context, since time.Time) ([]ledger.SourceTradeRef, error)
}

// OutcomeNotifier pushes terminal outcomes to an external channel (Telegram)
type OutcomeNotifier interface {
	NotifyOutcome(out execution.Outcome)
}

// Engine runs the copy-trade pipeline
type Engine struct {
	mu sync.Mutex

	agents   *agent.Store
	feed     *feeds.ActivityFeed
	monitor  *feeds.Monitor
	gate     *risk.Gate
	pool     *execution.Pool
	gw       gateway.Gateway
	ldg      ledger.Ledger
	reader   LedgerReader
	schedCfg execution.Config
	clock    execution.Clock

	refreshInterval time.Duration
	notifier        OutcomeNotifier // optional

	knownAgents map[string]bool
	running     bool
	cancel      context.CancelFunc
	wg          sync.WaitGroup
}

// NewEngine wires the pipeline components
func NewEngine(
	agents *agent.Store,
	feed *feeds.ActivityFeed,
	monitor *feeds.Monitor,
	gate *risk.Gate,
	pool *execution.Pool,
	gw gateway.Gateway,
	ldg ledger.Ledger,
	reader LedgerReader,
	schedCfg execution.Config,
	refreshInterval time.Duration,
) *Engine {
	return &Engine{
		agents:          agents,
		feed:            feed,
		monitor:         monitor,
		gate:            gate,
		pool:            pool,
		gw:              gw,
		ldg:             ldg,
		reader:          reader,
		schedCfg:        schedCfg,
		clock:           execution.NewClock(),
		refreshInterval: refreshInterval,
		knownAgents:     make(map[string]bool),
	}
}

// SetNotifier attaches an outcome notifier
func (e *Engine) SetNotifier(n OutcomeNotifier) {
	e.notifier = n
}

// Start recovers in-flight executions and begins processing
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return nil
	}
	e.running = true
	runCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	for _, cfg := range e.agents.All() {
		e.knownAgents[cfg.ID] = true
	}
	e.mu.Unlock()

	if err := e.recover(runCtx); err != nil {
		return err
	}

	e.feed.Start()
	events := e.feed.Subscribe()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.monitor.Run(runCtx, events)
	}()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.candidateLoop(runCtx)
	}()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.outcomeLoop()
	}()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.refreshLoop(runCtx)
	}()

	log.Info().Msg("⚡ Engine started")
	return nil
}

// Stop cancels in-flight executions and shuts the pipeline down
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	e.running = false
	cancel := e.cancel
	e.mu.Unlock()

	e.feed.Stop()
	cancel()
	e.pool.Shutdown()
	e.wg.Wait()

	log.Info().Msg("Engine stopped")
}

// CancelExecution cancels one in-flight execution by id
func (e *Engine) CancelExecution(executionID string) bool {
	return e.pool.Cancel(executionID)
}

// CancelAgent cancels every in-flight execution for an agent
func (e *Engine) CancelAgent(agentID string) int {
	return e.pool.CancelAgent(agentID)
}

// ═══════════════════════════════════════════════════════════════════════════════
// STARTUP RECOVERY
// ═══════════════════════════════════════════════════════════════════════════════

// recover seeds the monitor's dedup sets from the ledger and resumes
// executions whose orders were live when the process stopped
func (e *Engine) recover(ctx context.Context) error {
	refs, err := e.reader.SourceTrades(ctx, time.Now().Add(-feeds.DedupTTL))
	if err != nil {
		return err
	}
	for _, ref := range refs {
		e.monitor.MarkSeen(ref.AgentID, ref.SourceTradeID)
	}
	if len(refs) > 0 {
		log.Info().Int("trades", len(refs)).Msg("📦 Dedup sets seeded from ledger")
	}

	open, err := e.reader.OpenExecutions(ctx)
	if err != nil {
		return err
	}
	if len(open) == 0 {
		log.Info().Msg("📦 No in-flight executions to recover")
		return nil
	}

	log.Warn().Int("count", len(open)).Msg("⚠️ Found in-flight executions from previous run")

	for _, entry := range open {
		cfg, ok := e.agents.Get(entry.AgentID)
		if !ok {
			// Agent no longer active; don't leave its order on the book.
			e.abandonOrphan(ctx, entry)
			continue
		}

		hist, err := e.reader.History(ctx, entry.ExecutionID)
		if err != nil {
			log.Error().Err(err).Str("execution", entry.ExecutionID).Msg("❌ History load failed")
			continue
		}

		s, err := execution.Resume(hist, cfg, e.schedCfg, e.gw, e.ldg, e.clock)
		if err != nil {
			log.Error().Err(err).Str("execution", entry.ExecutionID).Msg("❌ Resume failed")
			continue
		}

		// Reservations don't survive restarts; re-reserve so new candidates
		// see the in-flight notional and the terminal release is balanced.
		e.gate.Reserve(cfg.ID, s.ReservedNotional())
		if !e.pool.Launch(ctx, s) {
			e.gate.Release(cfg.ID, s.ReservedNotional())
		}
	}
	return nil
}

// abandonOrphan cancels the live order of an execution whose agent is gone
// and ledgers the termination
func (e *Engine) abandonOrphan(ctx context.Context, entry ledger.Entry) {
	log.Warn().
		Str("execution", entry.ExecutionID).
		Str("agent", entry.AgentID).
		Msg("🛑 Abandoning execution for removed agent")

	if entry.OrderID != "" {
		if err := e.gw.Cancel(ctx, entry.OrderID); err != nil {
			log.Warn().Err(err).Str("order_id", entry.OrderID).Msg("⚠️ Orphan cancel failed")
		}
	}

	entry.Status = types.StatusFailed
	entry.Reason = string(types.FailCancelled)
	entry.Timestamp = time.Now()
	if err := e.ldg.Record(ctx, entry); err != nil {
		log.Error().Err(err).Str("execution", entry.ExecutionID).Msg("❌ Orphan ledger write failed")
	}
}

// ═══════════════════════════════════════════════════════════════════════════════
// PIPELINE LOOPS
// ═══════════════════════════════════════════════════════════════════════════════

// candidateLoop evaluates candidates and launches executions
func (e *Engine) candidateLoop(ctx context.Context) {
	for cand := range e.monitor.Candidates() {
		cfg, ok := e.agents.Get(cand.AgentID)
		if !ok {
			continue
		}

		decision, err := e.gate.Evaluate(ctx, cand, cfg)
		if err != nil {
			log.Error().
				Err(err).
				Str("agent", cand.AgentID).
				Str("source_trade", cand.SourceTradeID).
				Msg("❌ Gate evaluation failed")
			continue
		}

		if decision.Skipped {
			e.recordSkip(ctx, cand, decision.Reason)
			continue
		}

		s := execution.NewScheduler(*decision.Plan, cfg, e.schedCfg, e.gw, e.ldg, e.clock)
		if !e.pool.Launch(ctx, s) {
			// Shutting down; free the reservation taken at approval.
			e.gate.Release(cand.AgentID, decision.Plan.Notional())
		}
	}
}

// recordSkip ledgers a skipped candidate so reporting sees every decision
func (e *Engine) recordSkip(ctx context.Context, cand types.CopyCandidate, reason types.SkipReason) {
	err := e.ldg.Record(ctx, ledger.Entry{
		ExecutionID:   cand.AgentID + ":" + cand.SourceTradeID,
		AgentID:       cand.AgentID,
		SourceTradeID: cand.SourceTradeID,
		Market:        cand.Market,
		Side:          cand.Side,
		Phase:         types.PhasePrimary,
		Status:        types.StatusSkipped,
		Reason:        string(reason),
		Price:         cand.SourcePrice,
		Size:          cand.SourceSize,
		Timestamp:     time.Now(),
	})
	if err != nil {
		log.Error().
			Err(err).
			Str("agent", cand.AgentID).
			Str("source_trade", cand.SourceTradeID).
			Msg("❌ Skip ledger write failed")
	}
}

// outcomeLoop releases reservations and forwards terminal outcomes
func (e *Engine) outcomeLoop() {
	for out := range e.pool.Outcomes() {
		if out.Reserved.IsPositive() {
			e.gate.Release(out.AgentID, out.Reserved)
		}

		if e.notifier != nil {
			e.notifier.NotifyOutcome(out)
		}

		log.Info().
			Str("execution", out.ExecutionID).
			Str("agent", out.AgentID).
			Str("status", string(out.Status)).
			Str("reason", string(out.Reason)).
			Str("filled", out.FilledSize.StringFixed(2)).
			Msg("🏁 Execution terminal")
	}
}

// refreshLoop keeps the feed's wallet set in sync with the agent store and
// cancels executions of agents that were removed or disabled
func (e *Engine) refreshLoop(ctx context.Context) {
	ticker := time.NewTicker(e.refreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.feed.SetWallets(e.agents.Wallets())

			current := make(map[string]bool)
			for _, cfg := range e.agents.All() {
				current[cfg.ID] = true
			}

			e.mu.Lock()
			for id := range e.knownAgents {
				if !current[id] {
					e.pool.CancelAgent(id)
				}
			}
			e.knownAgents = current
			e.mu.Unlock()
		}
	}
}
