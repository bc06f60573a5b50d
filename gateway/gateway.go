package gateway

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/mirrorhq/copytrader/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// ORDER GATEWAY - Exchange-facing order primitives
// ═══════════════════════════════════════════════════════════════════════════════
//
// The scheduler drives executions through this interface. Implementations must
// be safe for concurrent use; every in-flight execution shares one gateway.
//
// ═══════════════════════════════════════════════════════════════════════════════

// OrderState is the exchange-side lifecycle state of an order
type OrderState string

const (
	OrderLive      OrderState = "LIVE"
	OrderFilled    OrderState = "FILLED"
	OrderCancelled OrderState = "CANCELLED"
)

// OrderStatus is a point-in-time fill snapshot for one order
type OrderStatus struct {
	FilledSize    decimal.Decimal
	RemainingSize decimal.Decimal
	State         OrderState
}

// Gateway places, cancels and polls limit orders on the exchange.
// Place and Cancel errors are retryable within the execution's attempt
// budget; Status errors are retried with backoff without consuming it.
type Gateway interface {
	Place(ctx context.Context, market string, side types.Side, price, size decimal.Decimal) (orderID string, err error)
	Cancel(ctx context.Context, orderID string) error
	Status(ctx context.Context, orderID string) (OrderStatus, error)
}

// BalanceProvider reports an agent's spendable balance, queried by the risk
// gate before each plan decision
type BalanceProvider interface {
	BalanceOf(ctx context.Context, agentID string) (decimal.Decimal, error)
}
