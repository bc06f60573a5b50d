package ledger

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/mirrorhq/copytrader/types"
)

func tempStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func entry(execID string, phase types.Phase, status types.Status) Entry {
	return Entry{
		ExecutionID: execID,
		AgentID:     "agent-1",
		Market:      "trump-wins-2024",
		Side:        types.SideBuy,
		Phase:       phase,
		Status:      status,
		Attempts:    1,
		Price:       decimal.NewFromFloat(0.65),
		Size:        decimal.NewFromInt(125),
		Timestamp:   time.Now().UTC().Truncate(time.Second),
	}
}

func TestHistoryPreservesAppendOrder(t *testing.T) {
	s := tempStore(t)
	ctx := context.Background()

	seq := []Entry{
		entry("exec-1", types.PhasePrimary, types.StatusPending),
		entry("exec-1", types.PhasePrimary, types.StatusActive),
		entry("exec-1", types.PhaseSecondary, types.StatusPending),
		entry("exec-1", types.PhaseSecondary, types.StatusActive),
	}
	for _, e := range seq {
		require.NoError(t, s.Record(ctx, e))
	}
	require.NoError(t, s.Record(ctx, entry("exec-2", types.PhasePrimary, types.StatusPending)))

	hist, err := s.History(ctx, "exec-1")
	require.NoError(t, err)
	require.Len(t, hist, 4)
	for i, e := range hist {
		require.Equal(t, seq[i].Phase, e.Phase, "entry %d", i)
		require.Equal(t, seq[i].Status, e.Status, "entry %d", i)
	}
	require.True(t, hist[0].Price.Equal(decimal.NewFromFloat(0.65)))
	require.True(t, hist[0].Size.Equal(decimal.NewFromInt(125)))
}

func TestOpenExecutionsFindsInFlightOrders(t *testing.T) {
	s := tempStore(t)
	ctx := context.Background()

	// exec-1 ended Completed, exec-2 was left Active, exec-3 left Pending.
	require.NoError(t, s.Record(ctx, entry("exec-1", types.PhasePrimary, types.StatusActive)))
	require.NoError(t, s.Record(ctx, entry("exec-1", types.PhasePrimary, types.StatusCompleted)))

	active := entry("exec-2", types.PhaseSecondary, types.StatusActive)
	active.OrderID = "ord-7"
	require.NoError(t, s.Record(ctx, entry("exec-2", types.PhasePrimary, types.StatusPending)))
	require.NoError(t, s.Record(ctx, entry("exec-2", types.PhasePrimary, types.StatusActive)))
	require.NoError(t, s.Record(ctx, active))

	require.NoError(t, s.Record(ctx, entry("exec-3", types.PhasePrimary, types.StatusPending)))

	open, err := s.OpenExecutions(ctx)
	require.NoError(t, err)
	require.Len(t, open, 1)
	require.Equal(t, "exec-2", open[0].ExecutionID)
	require.Equal(t, types.PhaseSecondary, open[0].Phase)
	require.Equal(t, "ord-7", open[0].OrderID)
}

func TestStatsAggregates(t *testing.T) {
	s := tempStore(t)
	ctx := context.Background()

	completed := entry("exec-1", types.PhasePrimary, types.StatusCompleted)
	completed.FilledSize = decimal.NewFromInt(125) // 125 * 0.65 = 81.25 volume
	require.NoError(t, s.Record(ctx, completed))

	failed := entry("exec-2", types.PhaseFinal, types.StatusFailed)
	failed.Reason = string(types.FailUnfilled)
	require.NoError(t, s.Record(ctx, failed))

	skipped := entry("exec-3", types.PhasePrimary, types.StatusSkipped)
	skipped.Reason = string(types.SkipBelowMinimum)
	require.NoError(t, s.Record(ctx, skipped))

	// Non-terminal entries and other agents stay out of the aggregate.
	require.NoError(t, s.Record(ctx, entry("exec-4", types.PhasePrimary, types.StatusActive)))
	other := entry("exec-5", types.PhasePrimary, types.StatusCompleted)
	other.AgentID = "agent-2"
	require.NoError(t, s.Record(ctx, other))

	stats, err := s.Stats(ctx, "agent-1")
	require.NoError(t, err)
	require.Equal(t, int64(2), stats.TotalTrades)
	require.Equal(t, int64(1), stats.Completed)
	require.Equal(t, int64(1), stats.Failed)
	require.Equal(t, int64(1), stats.Skipped)
	require.Equal(t, "50", stats.SuccessRate.String())
	require.Equal(t, "81.25", stats.TotalVolume.String())
}

func TestSourceTradesSinceCutoff(t *testing.T) {
	s := tempStore(t)
	ctx := context.Background()

	recent := entry("exec-1", types.PhasePrimary, types.StatusPending)
	recent.SourceTradeID = "0xaaa"
	require.NoError(t, s.Record(ctx, recent))

	// Same pair twice must come back once.
	again := entry("exec-1", types.PhasePrimary, types.StatusActive)
	again.SourceTradeID = "0xaaa"
	require.NoError(t, s.Record(ctx, again))

	stale := entry("exec-2", types.PhasePrimary, types.StatusCompleted)
	stale.SourceTradeID = "0xbbb"
	stale.Timestamp = time.Now().Add(-2 * time.Hour)
	require.NoError(t, s.Record(ctx, stale))

	// Entries without a source trade (e.g. pre-migration rows) are ignored.
	require.NoError(t, s.Record(ctx, entry("exec-3", types.PhasePrimary, types.StatusPending)))

	refs, err := s.SourceTrades(ctx, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	require.Len(t, refs, 1)
	require.Equal(t, "agent-1", refs[0].AgentID)
	require.Equal(t, "0xaaa", refs[0].SourceTradeID)
}

func TestStatsEmptyAgent(t *testing.T) {
	s := tempStore(t)

	stats, err := s.Stats(context.Background(), "nobody")
	require.NoError(t, err)
	require.Zero(t, stats.TotalTrades)
	require.True(t, stats.SuccessRate.IsZero())
}
