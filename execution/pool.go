package execution

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"
)

// ═══════════════════════════════════════════════════════════════════════════════
// SCHEDULER POOL - Concurrent execution units with handle-based cancellation
// ═══════════════════════════════════════════════════════════════════════════════
//
// The pool holds execution ids and cancel handles, never references into a
// running scheduler's state. Terminal outcomes flow back over one channel.
//
// ═══════════════════════════════════════════════════════════════════════════════

// Pool runs schedulers, one goroutine per in-flight execution
type Pool struct {
	mu      sync.Mutex
	wg      sync.WaitGroup
	cancels map[string]context.CancelFunc // execution id -> cancel
	byAgent map[string]map[string]bool    // agent id -> execution ids

	outcomes chan Outcome
	closed   bool
}

// NewPool creates an execution pool. The outcome buffer lets executions
// terminate without blocking on a slow consumer.
func NewPool(outcomeBuffer int) *Pool {
	return &Pool{
		cancels:  make(map[string]context.CancelFunc),
		byAgent:  make(map[string]map[string]bool),
		outcomes: make(chan Outcome, outcomeBuffer),
	}
}

// Outcomes returns the channel terminal results arrive on
func (p *Pool) Outcomes() <-chan Outcome {
	return p.outcomes
}

// Launch starts one scheduler. Returns false after Shutdown.
func (p *Pool) Launch(ctx context.Context, s *Scheduler) bool {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return false
	}

	execCtx, cancel := context.WithCancel(ctx)
	id := s.ExecutionID()
	agentID := s.AgentID()

	p.cancels[id] = cancel
	if p.byAgent[agentID] == nil {
		p.byAgent[agentID] = make(map[string]bool)
	}
	p.byAgent[agentID][id] = true
	p.wg.Add(1)
	p.mu.Unlock()

	go func() {
		defer p.wg.Done()
		defer cancel()

		out := s.Run(execCtx)

		p.mu.Lock()
		delete(p.cancels, id)
		if ids := p.byAgent[agentID]; ids != nil {
			delete(ids, id)
			if len(ids) == 0 {
				delete(p.byAgent, agentID)
			}
		}
		p.mu.Unlock()

		p.outcomes <- out
	}()

	return true
}

// Cancel cancels one execution by id
func (p *Pool) Cancel(executionID string) bool {
	p.mu.Lock()
	cancel, ok := p.cancels[executionID]
	p.mu.Unlock()

	if ok {
		cancel()
	}
	return ok
}

// CancelAgent cancels every in-flight execution for an agent, e.g. when the
// agent is disabled or its funds are withdrawn. Returns how many were signalled.
func (p *Pool) CancelAgent(agentID string) int {
	p.mu.Lock()
	var cancels []context.CancelFunc
	for id := range p.byAgent[agentID] {
		if c, ok := p.cancels[id]; ok {
			cancels = append(cancels, c)
		}
	}
	p.mu.Unlock()

	for _, c := range cancels {
		c()
	}
	if len(cancels) > 0 {
		log.Info().
			Str("agent", agentID).
			Int("executions", len(cancels)).
			Msg("🛑 Agent executions cancelled")
	}
	return len(cancels)
}

// Active returns the number of in-flight executions
func (p *Pool) Active() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.cancels)
}

// Shutdown cancels everything and waits for all executions to terminate,
// then closes the outcome channel
func (p *Pool) Shutdown() {
	p.mu.Lock()
	p.closed = true
	cancels := make([]context.CancelFunc, 0, len(p.cancels))
	for _, c := range p.cancels {
		cancels = append(cancels, c)
	}
	p.mu.Unlock()

	for _, c := range cancels {
		c()
	}
	p.wg.Wait()
	close(p.outcomes)
}
