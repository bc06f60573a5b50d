package feeds

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/mirrorhq/copytrader/agent"
	"github.com/mirrorhq/copytrader/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// TRADE MONITOR - Source trade filtering and per-agent fan-out
// ═══════════════════════════════════════════════════════════════════════════════
//
// Consumes the wallet activity stream, drops malformed and duplicate events,
// and emits one CopyCandidate per agent following the source wallet. Holds no
// financial state and places no orders.
//
// ═══════════════════════════════════════════════════════════════════════════════

var one = decimal.NewFromInt(1)

// DedupTTL is how long handled trades stay in the dedup sets; entries older
// than this are pruned and would be re-emitted if replayed
const DedupTTL = time.Hour

// Monitor validates and fans out source trade events
type Monitor struct {
	agents *agent.Store

	mu        sync.Mutex
	seenTx    map[string]time.Time // tx hash -> first seen (at-least-once dedup)
	seenAgent map[string]time.Time // agent|sourceTradeID -> first seen
	dedupTTL  time.Duration
	lastPrune time.Time

	out chan types.CopyCandidate
}

// NewMonitor creates a trade monitor over the given agent store
func NewMonitor(agents *agent.Store) *Monitor {
	return &Monitor{
		agents:    agents,
		seenTx:    make(map[string]time.Time),
		seenAgent: make(map[string]time.Time),
		dedupTTL:  DedupTTL,
		out:       make(chan types.CopyCandidate, 1000),
	}
}

// MarkSeen records a source trade already acted on for an agent, e.g. one
// ledgered before a restart. The event stream is at-least-once across process
// lifetimes, so the dedup sets must be seeded from durable state or a
// replayed trade would produce a second plan.
func (m *Monitor) MarkSeen(agentID, sourceTradeID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	m.seenTx[sourceTradeID] = now
	m.seenAgent[agentID+"|"+sourceTradeID] = now
}

// Candidates returns the channel qualifying candidates are emitted on
func (m *Monitor) Candidates() <-chan types.CopyCandidate {
	return m.out
}

// Run consumes events until ctx is done or the event channel closes
func (m *Monitor) Run(ctx context.Context, events <-chan types.TradeEvent) {
	defer close(m.out)

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			m.handle(ev)
		}
	}
}

// handle validates one event and emits candidates for its followers
func (m *Monitor) handle(ev types.TradeEvent) {
	if !m.valid(ev) {
		log.Warn().
			Str("tx_hash", ev.TxHash).
			Str("wallet", ev.SourceWallet).
			Msg("⚠️ Dropping malformed trade event")
		return
	}

	if m.duplicateTx(ev.TxHash) {
		log.Debug().Str("tx_hash", ev.TxHash).Msg("Duplicate event ignored")
		return
	}

	followers := m.agents.FollowersOf(ev.SourceWallet)
	if len(followers) == 0 {
		return
	}

	observed := time.Now()
	for _, cfg := range followers {
		if m.duplicateForAgent(cfg.ID, ev.TxHash) {
			continue
		}

		cand := types.CopyCandidate{
			SourceTradeID: ev.TxHash,
			AgentID:       cfg.ID,
			Market:        ev.Market,
			Side:          ev.Side,
			SourcePrice:   ev.Price,
			SourceSize:    ev.Size,
			ObservedAt:    observed,
		}

		select {
		case m.out <- cand:
			log.Info().
				Str("agent", cfg.ID).
				Str("source_trade", ev.TxHash).
				Str("market", ev.Market).
				Str("side", string(ev.Side)).
				Str("size", ev.Size.StringFixed(2)).
				Msg("👀 Copy candidate detected")
		default:
			log.Warn().
				Str("agent", cfg.ID).
				Str("source_trade", ev.TxHash).
				Msg("⚠️ Candidate buffer full, candidate dropped")
		}
	}
}

// valid applies the input constraints: known side, price in [0,1], size > 0
func (m *Monitor) valid(ev types.TradeEvent) bool {
	if ev.TxHash == "" || ev.Market == "" || ev.SourceWallet == "" {
		return false
	}
	if !ev.Side.Valid() {
		return false
	}
	if ev.Price.IsNegative() || ev.Price.GreaterThan(one) {
		return false
	}
	return ev.Size.GreaterThan(decimal.Zero)
}

// duplicateTx records and checks the tx-level dedup set
func (m *Monitor) duplicateTx(txHash string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.pruneLocked()

	if _, seen := m.seenTx[txHash]; seen {
		return true
	}
	m.seenTx[txHash] = time.Now()
	return false
}

// duplicateForAgent dedups candidates per agent by source trade id, so a
// replayed event cannot produce two plans for the same agent
func (m *Monitor) duplicateForAgent(agentID, sourceTradeID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := agentID + "|" + sourceTradeID
	if _, seen := m.seenAgent[key]; seen {
		return true
	}
	m.seenAgent[key] = time.Now()
	return false
}

// pruneLocked drops dedup entries older than the TTL, at most once a minute
func (m *Monitor) pruneLocked() {
	now := time.Now()
	if now.Sub(m.lastPrune) < time.Minute {
		return
	}
	m.lastPrune = now

	cutoff := now.Add(-m.dedupTTL)
	for h, t := range m.seenTx {
		if t.Before(cutoff) {
			delete(m.seenTx, h)
		}
	}
	for k, t := range m.seenAgent {
		if t.Before(cutoff) {
			delete(m.seenAgent, k)
		}
	}
}
