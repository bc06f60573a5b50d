package core

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/mirrorhq/copytrader/agent"
	"github.com/mirrorhq/copytrader/execution"
	"github.com/mirrorhq/copytrader/feeds"
	"github.com/mirrorhq/copytrader/gateway"
	"github.com/mirrorhq/copytrader/ledger"
	"github.com/mirrorhq/copytrader/risk"
	"github.com/mirrorhq/copytrader/types"
)

// stubGateway fills every order on the first status poll
type stubGateway struct {
	balance decimal.Decimal
}

func (g *stubGateway) Place(ctx context.Context, market string, side types.Side, price, size decimal.Decimal) (string, error) {
	return "ord-stub", nil
}

func (g *stubGateway) Cancel(ctx context.Context, orderID string) error { return nil }

func (g *stubGateway) Status(ctx context.Context, orderID string) (gateway.OrderStatus, error) {
	return gateway.OrderStatus{
		FilledSize: decimal.NewFromInt(125),
		State:      gateway.OrderFilled,
	}, nil
}

func (g *stubGateway) BalanceOf(ctx context.Context, agentID string) (decimal.Decimal, error) {
	return g.balance, nil
}

// stubReader serves canned recovery state
type stubReader struct {
	open []ledger.Entry
	hist map[string][]ledger.Entry
	refs []ledger.SourceTradeRef
}

func (r *stubReader) OpenExecutions(ctx context.Context) ([]ledger.Entry, error) {
	return r.open, nil
}

func (r *stubReader) History(ctx context.Context, executionID string) ([]ledger.Entry, error) {
	return r.hist[executionID], nil
}

func (r *stubReader) SourceTrades(ctx context.Context, since time.Time) ([]ledger.SourceTradeRef, error) {
	return r.refs, nil
}

type sinkLedger struct{}

func (sinkLedger) Record(ctx context.Context, e ledger.Entry) error { return nil }

func recoveryAgents(t *testing.T) *agent.Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "agents.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
agents:
  - id: agent-1
    target_wallet: "0xwhalea"
    protection: moderate
`), 0o644))
	store, err := agent.NewStore(path)
	require.NoError(t, err)
	return store
}

func cand(sourceSize string) types.CopyCandidate {
	size, _ := decimal.NewFromString(sourceSize)
	return types.CopyCandidate{
		SourceTradeID: "0xnew",
		AgentID:       "agent-1",
		Market:        "trump-wins-2024",
		Side:          types.SideBuy,
		SourcePrice:   decimal.NewFromFloat(0.65),
		SourceSize:    size,
	}
}

func TestRecoverReservesResumedNotional(t *testing.T) {
	// A resumed execution holds plan notional 125 * 0.65 = 81.25. After a
	// restart the gate's reservations are empty, so recovery must re-reserve
	// it: candidates see the in-flight order, and the terminal release stays
	// balanced against reservations taken by other executions since.
	now := time.Now()
	hist := []ledger.Entry{
		{
			ExecutionID: "exec-9", AgentID: "agent-1", SourceTradeID: "0xold",
			Market: "trump-wins-2024", Side: types.SideBuy,
			Phase: types.PhasePrimary, Status: types.StatusPending,
			Price: decimal.NewFromFloat(0.65), Size: decimal.NewFromInt(125), Timestamp: now,
		},
		{
			ExecutionID: "exec-9", AgentID: "agent-1", SourceTradeID: "0xold",
			Market: "trump-wins-2024", Side: types.SideBuy,
			Phase: types.PhasePrimary, Status: types.StatusActive,
			OrderID: "ord-live", Attempts: 1,
			Price: decimal.NewFromFloat(0.65), Size: decimal.NewFromInt(125), Timestamp: now,
		},
	}
	reader := &stubReader{
		open: hist[1:],
		hist: map[string][]ledger.Entry{"exec-9": hist},
	}

	agents := recoveryAgents(t)
	gw := &stubGateway{balance: decimal.NewFromInt(100)}
	gate := risk.NewGate(gw, decimal.Zero)
	pool := execution.NewPool(8)

	e := NewEngine(
		agents,
		feeds.NewActivityFeed("ws://unused", nil),
		feeds.NewMonitor(agents),
		gate, pool, gw, sinkLedger{}, reader,
		execution.DefaultConfig(), time.Minute,
	)

	ctx := context.Background()
	require.NoError(t, e.recover(ctx))

	// The resumed notional is held: a candidate needing 81.25 of the
	// remaining 18.75 is blocked.
	dec, err := gate.Evaluate(ctx, cand("500"), mustGet(t, agents, "agent-1"))
	require.NoError(t, err)
	require.True(t, dec.Skipped)
	require.Equal(t, types.SkipInsufficientBalance, dec.Reason)

	// A small concurrent plan fits (100 * 0.65 * 0.25 = 16.25 <= 18.75).
	small, err := gate.Evaluate(ctx, cand("100"), mustGet(t, agents, "agent-1"))
	require.NoError(t, err)
	require.False(t, small.Skipped)

	// Drain the resumed execution's outcome and release it the way the
	// outcome loop does.
	pool.Shutdown()
	out, ok := <-pool.Outcomes()
	require.True(t, ok)
	require.Equal(t, "exec-9", out.ExecutionID)
	require.Equal(t, types.StatusCompleted, out.Status)
	require.True(t, out.Reserved.Equal(decimal.RequireFromString("81.25")))
	gate.Release(out.AgentID, out.Reserved)

	// The release freed exactly the resumed notional: the small plan's
	// 16.25 reservation survives, so a candidate needing 84.5 of the
	// remaining 83.75 is still blocked.
	dec, err = gate.Evaluate(ctx, cand("520"), mustGet(t, agents, "agent-1"))
	require.NoError(t, err)
	require.True(t, dec.Skipped)
	require.Equal(t, types.SkipInsufficientBalance, dec.Reason)

	// And one fitting inside it passes (200 * 0.65 * 0.25 = 32.5).
	dec, err = gate.Evaluate(ctx, cand("200"), mustGet(t, agents, "agent-1"))
	require.NoError(t, err)
	require.False(t, dec.Skipped)
}

func mustGet(t *testing.T, store *agent.Store, id string) agent.Config {
	t.Helper()
	cfg, ok := store.Get(id)
	require.True(t, ok)
	return cfg
}
