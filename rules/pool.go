package rules

import (
	"sync"
	"sync/atomic"

	"github.com/mgrieves/tabular/internal/logger"
)

// EvaluationContext is the reusable scratch state for one evaluation:
// working memory, the fired-rule trace buffer, and per-evaluation counters.
// A context is exclusively owned by its borrower between Borrow and Return;
// it is never shared between concurrent evaluations.
type EvaluationContext struct {
	RuleSet string
	Working map[string]any
	Trace   []FiredRule
	Matched int
	Applied int

	damaged bool
}

// MarkDamaged flags the context so the pool disposes of it instead of
// recycling. Called when an evaluation fails mid-action and the working
// state can no longer be trusted.
func (c *EvaluationContext) MarkDamaged() { c.damaged = true }

// record appends a fired rule to the trace.
func (c *EvaluationContext) record(ruleID string) {
	c.Trace = append(c.Trace, FiredRule{RuleID: ruleID, Sequence: len(c.Trace)})
}

// reset clears the context for reuse. A damaged context refuses the reset,
// which makes the pool dispose of it.
func (c *EvaluationContext) reset() bool {
	if c.damaged {
		return false
	}
	clear(c.Working)
	c.Trace = c.Trace[:0]
	c.Matched = 0
	c.Applied = 0
	c.RuleSet = ""
	return true
}

// PoolConfig holds configuration for the session pool.
type PoolConfig struct {
	// MaxIdle bounds the idle pool. Returns beyond the bound dispose the
	// context instead of queueing; borrows beyond it construct throwaway
	// contexts. Callers never block.
	MaxIdle int

	// Disposer, when set, runs once per disposed context. Disposal
	// failures are logged and swallowed: they happen during cleanup of an
	// already-finished evaluation.
	Disposer func(*EvaluationContext) error
}

// DefaultPoolConfig returns sensible defaults for context pooling.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{MaxIdle: 32}
}

// SessionPool bounds the cost of constructing EvaluationContexts under
// concurrent load. The idle list is LIFO so recently used contexts (warm
// maps, grown trace buffers) are handed out first.
type SessionPool struct {
	config PoolConfig

	mu   sync.Mutex
	idle []*EvaluationContext

	created  atomic.Int64
	borrowed atomic.Int64
	returned atomic.Int64
	disposed atomic.Int64
}

// PoolStats is a point-in-time snapshot of pool counters.
type PoolStats struct {
	Created  int64 `json:"created"`
	Borrowed int64 `json:"borrowed"`
	Returned int64 `json:"returned"`
	Disposed int64 `json:"disposed"`
	Idle     int   `json:"idle"`
}

// NewSessionPool creates an empty pool.
func NewSessionPool(config PoolConfig) *SessionPool {
	if config.MaxIdle <= 0 {
		config.MaxIdle = DefaultPoolConfig().MaxIdle
	}
	return &SessionPool{config: config}
}

// Borrow hands out an idle context, constructing a fresh one when the pool
// is empty. Never blocks.
func (p *SessionPool) Borrow(ruleSetName string) *EvaluationContext {
	p.borrowed.Add(1)

	p.mu.Lock()
	var ctx *EvaluationContext
	if n := len(p.idle); n > 0 {
		ctx = p.idle[n-1]
		p.idle = p.idle[:n-1]
	}
	p.mu.Unlock()

	if ctx == nil {
		p.created.Add(1)
		ctx = &EvaluationContext{Working: make(map[string]any)}
	}
	ctx.RuleSet = ruleSetName
	return ctx
}

// Return puts a context back in the pool. A nil context is a no-op. A
// context that fails its reset, or one returned while the pool is at
// capacity, is disposed instead of pooled.
func (p *SessionPool) Return(ctx *EvaluationContext) {
	if ctx == nil {
		return
	}

	if !ctx.reset() {
		p.dispose(ctx)
		return
	}

	p.mu.Lock()
	if len(p.idle) >= p.config.MaxIdle {
		p.mu.Unlock()
		p.dispose(ctx)
		return
	}
	p.idle = append(p.idle, ctx)
	p.mu.Unlock()

	p.returned.Add(1)
}

// Clear disposes every idle context. Called on rule-set reload: pooled
// contexts may still reference the retired compiled rule set's structures.
func (p *SessionPool) Clear() {
	p.mu.Lock()
	idle := p.idle
	p.idle = nil
	p.mu.Unlock()

	for _, ctx := range idle {
		p.dispose(ctx)
	}
}

// Stats reports cumulative counters and the current idle size.
func (p *SessionPool) Stats() PoolStats {
	p.mu.Lock()
	idle := len(p.idle)
	p.mu.Unlock()

	return PoolStats{
		Created:  p.created.Load(),
		Borrowed: p.borrowed.Load(),
		Returned: p.returned.Load(),
		Disposed: p.disposed.Load(),
		Idle:     idle,
	}
}

func (p *SessionPool) dispose(ctx *EvaluationContext) {
	p.disposed.Add(1)
	if p.config.Disposer == nil {
		return
	}
	if err := p.config.Disposer(ctx); err != nil {
		// The evaluation that used this context already finished; a
		// disposal failure is not worth propagating.
		logger.Warn("context disposal failed", "ruleSet", ctx.RuleSet, "error", err)
	}
}
