package ledger

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mirrorhq/copytrader/types"
)

type flakyLedger struct {
	failures int // fail this many writes before succeeding
	writes   int
}

func (l *flakyLedger) Record(ctx context.Context, e Entry) error {
	l.writes++
	if l.writes <= l.failures {
		return fmt.Errorf("disk full")
	}
	return nil
}

func testEntry() Entry {
	return Entry{
		ExecutionID: "exec-1",
		AgentID:     "agent-1",
		Phase:       types.PhasePrimary,
		Status:      types.StatusPending,
		Timestamp:   time.Now(),
	}
}

func TestRetryWriterPassesThrough(t *testing.T) {
	inner := &flakyLedger{}
	w := NewRetryWriter(inner)

	require.NoError(t, w.Record(context.Background(), testEntry()))
	require.Equal(t, 1, inner.writes)
}

func TestRetryWriterRecoversFromTransientFailures(t *testing.T) {
	inner := &flakyLedger{failures: 2}
	w := NewRetryWriter(inner)
	w.baseDelay = time.Millisecond

	require.NoError(t, w.Record(context.Background(), testEntry()))
	require.Equal(t, 3, inner.writes)
}

func TestRetryWriterExhausts(t *testing.T) {
	inner := &flakyLedger{failures: 10}
	w := NewRetryWriter(inner)
	w.baseDelay = time.Millisecond

	err := w.Record(context.Background(), testEntry())
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrWriteExhausted))
	require.Equal(t, 3, inner.writes)
}

func TestRetryWriterStopsOnContextCancel(t *testing.T) {
	inner := &flakyLedger{failures: 10}
	w := NewRetryWriter(inner)
	w.baseDelay = time.Hour // the cancel must interrupt the backoff wait

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	err := w.Record(ctx, testEntry())
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, 1, inner.writes)
}
