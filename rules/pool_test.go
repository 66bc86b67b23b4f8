package rules

import (
	"errors"
	"testing"
)

func TestPoolReusesContexts(t *testing.T) {
	pool := NewSessionPool(DefaultPoolConfig())

	ctx1 := pool.Borrow("Discounts")
	if ctx1 == nil || ctx1.Working == nil {
		t.Fatal("Borrow() should hand out a usable context")
	}
	if ctx1.RuleSet != "Discounts" {
		t.Errorf("RuleSet = %q, want Discounts", ctx1.RuleSet)
	}

	ctx1.Working["Age"] = 65
	ctx1.record("R1")
	ctx1.Matched = 1
	ctx1.Applied = 1
	pool.Return(ctx1)

	ctx2 := pool.Borrow("Pricing")
	if ctx2 != ctx1 {
		t.Error("the pool should hand back the recycled context")
	}
	if len(ctx2.Working) != 0 || len(ctx2.Trace) != 0 || ctx2.Matched != 0 || ctx2.Applied != 0 {
		t.Errorf("recycled context not reset: %+v", ctx2)
	}
	if ctx2.RuleSet != "Pricing" {
		t.Errorf("RuleSet = %q, want Pricing", ctx2.RuleSet)
	}
}

func TestPoolBoundedIdle(t *testing.T) {
	var disposedCount int
	pool := NewSessionPool(PoolConfig{
		MaxIdle: 1,
		Disposer: func(*EvaluationContext) error {
			disposedCount++
			return nil
		},
	})

	// The pool never blocks: borrowing past the bound constructs extras.
	ctx1 := pool.Borrow("Discounts")
	ctx2 := pool.Borrow("Discounts")
	if ctx1 == ctx2 {
		t.Fatal("concurrent borrows must get distinct contexts")
	}

	pool.Return(ctx1)
	pool.Return(ctx2) // at capacity, disposed rather than queued

	stats := pool.Stats()
	if stats.Idle != 1 {
		t.Errorf("idle = %d, want 1", stats.Idle)
	}
	if stats.Created != 2 || stats.Borrowed != 2 {
		t.Errorf("created/borrowed = %d/%d, want 2/2", stats.Created, stats.Borrowed)
	}
	if stats.Returned != 1 || stats.Disposed != 1 {
		t.Errorf("returned/disposed = %d/%d, want 1/1", stats.Returned, stats.Disposed)
	}
	if disposedCount != 1 {
		t.Errorf("disposer ran %d times, want 1", disposedCount)
	}
}

func TestPoolDisposesDamagedContext(t *testing.T) {
	var disposed *EvaluationContext
	pool := NewSessionPool(PoolConfig{
		MaxIdle: 8,
		Disposer: func(ctx *EvaluationContext) error {
			disposed = ctx
			return nil
		},
	})

	ctx := pool.Borrow("Discounts")
	ctx.MarkDamaged()
	pool.Return(ctx)

	if disposed != ctx {
		t.Error("a damaged context must be disposed, not recycled")
	}
	if pool.Stats().Idle != 0 {
		t.Error("a damaged context must not land in the idle pool")
	}

	next := pool.Borrow("Discounts")
	if next == ctx {
		t.Error("a damaged context must never be handed out again")
	}
}

func TestPoolReturnNil(t *testing.T) {
	pool := NewSessionPool(DefaultPoolConfig())
	pool.Return(nil)

	stats := pool.Stats()
	if stats.Returned != 0 || stats.Disposed != 0 || stats.Idle != 0 {
		t.Errorf("Return(nil) must be a no-op, got %+v", stats)
	}
}

func TestPoolDisposerFailureIsSwallowed(t *testing.T) {
	pool := NewSessionPool(PoolConfig{
		MaxIdle: 8,
		Disposer: func(*EvaluationContext) error {
			return errors.New("release failed")
		},
	})

	ctx := pool.Borrow("Discounts")
	ctx.MarkDamaged()
	pool.Return(ctx) // must not panic or propagate

	if got := pool.Stats().Disposed; got != 1 {
		t.Errorf("disposed = %d, want 1", got)
	}
}

func TestPoolClear(t *testing.T) {
	var disposedCount int
	pool := NewSessionPool(PoolConfig{
		MaxIdle: 8,
		Disposer: func(*EvaluationContext) error {
			disposedCount++
			return nil
		},
	})

	for i := 0; i < 3; i++ {
		pool.Return(pool.Borrow("Discounts"))
	}
	if pool.Stats().Idle != 1 {
		t.Fatalf("idle = %d, want 1 (sequential borrow/return reuses one context)", pool.Stats().Idle)
	}

	a := pool.Borrow("Discounts")
	b := pool.Borrow("Discounts")
	pool.Return(a)
	pool.Return(b)
	if pool.Stats().Idle != 2 {
		t.Fatalf("idle = %d, want 2", pool.Stats().Idle)
	}

	pool.Clear()

	stats := pool.Stats()
	if stats.Idle != 0 {
		t.Errorf("idle after Clear() = %d, want 0", stats.Idle)
	}
	if disposedCount != 2 {
		t.Errorf("disposer ran %d times, want 2", disposedCount)
	}
}

func TestPoolLIFOHandout(t *testing.T) {
	pool := NewSessionPool(PoolConfig{MaxIdle: 8})

	a := pool.Borrow("Discounts")
	b := pool.Borrow("Discounts")
	pool.Return(a)
	pool.Return(b)

	// Most recently returned comes back first.
	if got := pool.Borrow("Discounts"); got != b {
		t.Error("the pool should hand out the most recently returned context")
	}
	if got := pool.Borrow("Discounts"); got != a {
		t.Error("the older context comes out second")
	}
}

func TestPoolZeroMaxIdleUsesDefault(t *testing.T) {
	pool := NewSessionPool(PoolConfig{})
	ctx := pool.Borrow("Discounts")
	pool.Return(ctx)

	if pool.Stats().Idle != 1 {
		t.Error("a zero MaxIdle should fall back to the default bound, not dispose everything")
	}
}
