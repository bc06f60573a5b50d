package risk

import (
	"sync"

	"github.com/shopspring/decimal"
)

// reservations tracks notional held by in-flight executions per agent.
// lock() serializes the check-balance-then-reserve section for one agent
// without blocking other agents.
type reservations struct {
	mu     sync.Mutex
	locks  map[string]*sync.Mutex
	amount map[string]decimal.Decimal
}

func newReservations() *reservations {
	return &reservations{
		locks:  make(map[string]*sync.Mutex),
		amount: make(map[string]decimal.Decimal),
	}
}

// lock acquires the agent's exclusive section and returns its unlock func
func (r *reservations) lock(agentID string) func() {
	r.mu.Lock()
	m, ok := r.locks[agentID]
	if !ok {
		m = &sync.Mutex{}
		r.locks[agentID] = m
	}
	r.mu.Unlock()

	m.Lock()
	return m.Unlock
}

func (r *reservations) held(agentID string) decimal.Decimal {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.amount[agentID]
}

func (r *reservations) reserve(agentID string, notional decimal.Decimal) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.amount[agentID] = r.amount[agentID].Add(notional)
}

func (r *reservations) release(agentID string, notional decimal.Decimal) {
	r.mu.Lock()
	defer r.mu.Unlock()

	held := r.amount[agentID].Sub(notional)
	if held.LessThanOrEqual(decimal.Zero) {
		delete(r.amount, agentID)
		return
	}
	r.amount[agentID] = held
}
