package risk

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/mirrorhq/copytrader/agent"
	"github.com/mirrorhq/copytrader/types"
)

type fakeBalances struct {
	mu      sync.Mutex
	balance decimal.Decimal
	err     error
	calls   int
}

func (b *fakeBalances) BalanceOf(ctx context.Context, agentID string) (decimal.Decimal, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls++
	return b.balance, b.err
}

func gateAgent() agent.Config {
	return agent.Config{
		ID:              "agent-1",
		TargetWallet:    "0x742d35a4",
		CopyRatio:       decimal.NewFromFloat(0.25),
		RetryLimit:      3,
		MinPositionSize: decimal.NewFromInt(10),
	}
}

func candidate(price, size string) types.CopyCandidate {
	p, _ := decimal.NewFromString(price)
	s, _ := decimal.NewFromString(size)
	return types.CopyCandidate{
		SourceTradeID: "0xtrade1",
		AgentID:       "agent-1",
		Market:        "trump-wins-2024",
		Side:          types.SideBuy,
		SourcePrice:   p,
		SourceSize:    s,
	}
}

func TestEvaluateApproves(t *testing.T) {
	g := NewGate(&fakeBalances{balance: decimal.NewFromInt(1000)}, decimal.Zero)

	dec, err := g.Evaluate(context.Background(), candidate("0.65", "500"), gateAgent())
	require.NoError(t, err)
	require.False(t, dec.Skipped)
	require.NotNil(t, dec.Plan)

	// 500 * 0.25 = 125 shares at the source price.
	require.True(t, dec.Plan.TargetSize.Equal(decimal.NewFromInt(125)), "got %s", dec.Plan.TargetSize)
	require.True(t, dec.Plan.TargetPrice.Equal(decimal.NewFromFloat(0.65)))
	require.Equal(t, "agent-1", dec.Plan.AgentID)
	require.Equal(t, "0xtrade1", dec.Plan.SourceTradeID)
	require.NotEmpty(t, dec.Plan.ID)
}

func TestEvaluateMirroredSizeNeverExceedsSource(t *testing.T) {
	for _, ratio := range []string{"0.01", "0.15", "0.25", "0.5", "1"} {
		cfg := gateAgent()
		cfg.CopyRatio, _ = decimal.NewFromString(ratio)

		g := NewGate(&fakeBalances{balance: decimal.NewFromInt(100000)}, decimal.Zero)
		dec, err := g.Evaluate(context.Background(), candidate("0.65", "500"), cfg)
		require.NoError(t, err)
		require.False(t, dec.Skipped, "ratio %s", ratio)
		require.True(t, dec.Plan.TargetSize.LessThanOrEqual(decimal.NewFromInt(500)), "ratio %s", ratio)
	}
}

func TestEvaluateBelowMinimum(t *testing.T) {
	bal := &fakeBalances{balance: decimal.NewFromInt(1000)}
	g := NewGate(bal, decimal.Zero)

	// 10 * 0.25 * 0.65 = 1.625, under the 10 minimum.
	dec, err := g.Evaluate(context.Background(), candidate("0.65", "10"), gateAgent())
	require.NoError(t, err)
	require.True(t, dec.Skipped)
	require.Equal(t, types.SkipBelowMinimum, dec.Reason)
	require.Nil(t, dec.Plan)

	// The minimum check runs before any balance lookup.
	require.Equal(t, 0, bal.calls)
}

func TestEvaluateInsufficientBalance(t *testing.T) {
	g := NewGate(&fakeBalances{balance: decimal.NewFromInt(50)}, decimal.Zero)

	// Mirrored notional 125 * 0.65 = 81.25 against a 50 balance.
	dec, err := g.Evaluate(context.Background(), candidate("0.65", "500"), gateAgent())
	require.NoError(t, err)
	require.True(t, dec.Skipped)
	require.Equal(t, types.SkipInsufficientBalance, dec.Reason)
}

func TestEvaluateBelowValueThreshold(t *testing.T) {
	// Source notional 500 * 0.65 = 325, under a 400 threshold.
	g := NewGate(&fakeBalances{balance: decimal.NewFromInt(1000)}, decimal.NewFromInt(400))

	dec, err := g.Evaluate(context.Background(), candidate("0.65", "500"), gateAgent())
	require.NoError(t, err)
	require.True(t, dec.Skipped)
	require.Equal(t, types.SkipBelowValueThreshold, dec.Reason)
}

func TestEvaluateBalanceErrorPropagates(t *testing.T) {
	g := NewGate(&fakeBalances{err: fmt.Errorf("exchange down")}, decimal.Zero)

	_, err := g.Evaluate(context.Background(), candidate("0.65", "500"), gateAgent())
	require.Error(t, err)
}

func TestReservationsSerializeBalance(t *testing.T) {
	// Balance 100; each plan reserves 81.25. The first passes, the second
	// must see the reservation and skip.
	g := NewGate(&fakeBalances{balance: decimal.NewFromInt(100)}, decimal.Zero)
	ctx := context.Background()

	first, err := g.Evaluate(ctx, candidate("0.65", "500"), gateAgent())
	require.NoError(t, err)
	require.False(t, first.Skipped)

	second, err := g.Evaluate(ctx, candidate("0.65", "500"), gateAgent())
	require.NoError(t, err)
	require.True(t, second.Skipped)
	require.Equal(t, types.SkipInsufficientBalance, second.Reason)

	// Releasing the first reservation frees the balance again.
	g.Release("agent-1", first.Plan.Notional())

	third, err := g.Evaluate(ctx, candidate("0.65", "500"), gateAgent())
	require.NoError(t, err)
	require.False(t, third.Skipped)
}

func TestReservationsConcurrent(t *testing.T) {
	// With a balance covering exactly one plan, N concurrent candidates
	// produce exactly one approval.
	g := NewGate(&fakeBalances{balance: decimal.NewFromInt(100)}, decimal.Zero)

	const n = 16
	var wg sync.WaitGroup
	approved := make(chan struct{}, n)

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			dec, err := g.Evaluate(context.Background(), candidate("0.65", "500"), gateAgent())
			if err == nil && !dec.Skipped {
				approved <- struct{}{}
			}
		}()
	}
	wg.Wait()
	close(approved)

	require.Len(t, approved, 1)
}

func TestReserveBlocksCandidatesAgainstRestoredExecutions(t *testing.T) {
	// An execution restored from the ledger on startup holds its notional
	// via an explicit Reserve; candidates arriving afterwards must see it.
	g := NewGate(&fakeBalances{balance: decimal.NewFromInt(100)}, decimal.Zero)
	ctx := context.Background()

	restored, _ := decimal.NewFromString("81.25")
	g.Reserve("agent-1", restored)

	dec, err := g.Evaluate(ctx, candidate("0.65", "500"), gateAgent())
	require.NoError(t, err)
	require.True(t, dec.Skipped)
	require.Equal(t, types.SkipInsufficientBalance, dec.Reason)

	// When the restored execution terminates and its notional is released,
	// the same candidate passes.
	g.Release("agent-1", restored)

	dec, err = g.Evaluate(ctx, candidate("0.65", "500"), gateAgent())
	require.NoError(t, err)
	require.False(t, dec.Skipped)
}

func TestReleaseClampsAtZero(t *testing.T) {
	g := NewGate(&fakeBalances{balance: decimal.NewFromInt(100)}, decimal.Zero)

	g.Release("agent-1", decimal.NewFromInt(50)) // nothing reserved

	dec, err := g.Evaluate(context.Background(), candidate("0.65", "500"), gateAgent())
	require.NoError(t, err)
	require.False(t, dec.Skipped, "over-release must not inflate available balance")
}

func TestReservationsPerAgent(t *testing.T) {
	g := NewGate(&fakeBalances{balance: decimal.NewFromInt(100)}, decimal.Zero)
	ctx := context.Background()

	first, err := g.Evaluate(ctx, candidate("0.65", "500"), gateAgent())
	require.NoError(t, err)
	require.False(t, first.Skipped)

	// A different agent has its own reservation ledger.
	other := gateAgent()
	other.ID = "agent-2"
	cand := candidate("0.65", "500")
	cand.AgentID = "agent-2"

	second, err := g.Evaluate(ctx, cand, other)
	require.NoError(t, err)
	require.False(t, second.Skipped)
}
