package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
)

// ErrWriteExhausted means consecutive ledger writes failed and the execution
// must abort as fatal
var ErrWriteExhausted = errors.New("ledger write retries exhausted")

// RetryWriter wraps a Ledger with bounded-backoff retries. Three consecutive
// failures on one entry escalate to ErrWriteExhausted.
type RetryWriter struct {
	inner     Ledger
	attempts  int
	baseDelay time.Duration
}

// NewRetryWriter wraps the given ledger
func NewRetryWriter(inner Ledger) *RetryWriter {
	return &RetryWriter{
		inner:     inner,
		attempts:  3,
		baseDelay: 250 * time.Millisecond,
	}
}

// Record appends with retries, doubling the delay between attempts
func (w *RetryWriter) Record(ctx context.Context, e Entry) error {
	delay := w.baseDelay
	var lastErr error

	for attempt := 1; attempt <= w.attempts; attempt++ {
		lastErr = w.inner.Record(ctx, e)
		if lastErr == nil {
			return nil
		}

		log.Warn().
			Err(lastErr).
			Int("attempt", attempt).
			Str("execution_id", e.ExecutionID).
			Msg("⚠️ Ledger write failed")

		if attempt == w.attempts {
			break
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}

	return fmt.Errorf("%w: %v", ErrWriteExhausted, lastErr)
}
