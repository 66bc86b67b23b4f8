package rules

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mgrieves/tabular/tabular"
	"github.com/mgrieves/tabular/internal/logger"
)

// ErrNilFact is returned when evaluation is asked for a nil fact. The
// failure happens before any pooled resource is touched.
var ErrNilFact = errors.New("fact is nil")

// ErrEmptyBatch is returned when batch evaluation receives no facts.
var ErrEmptyBatch = errors.New("batch contains no facts")

// Engine is the evaluation façade. It resolves compiled rule sets through
// the CompilationCache, borrows evaluation contexts from the SessionPool,
// and runs the matching/acting loop. Published rule sets are immutable
// snapshots: an in-flight evaluation runs to completion against the
// snapshot it acquired, a reload swaps the published pointer atomically.
type Engine struct {
	compiler *Compiler
	cache    CompilationCache
	pool     *SessionPool
	store    TableStore

	mu        sync.RWMutex
	ruleSets  map[string]*ExecutableRuleSet // rule-set name -> published snapshot
	resources map[string][]string           // resource id -> rule-set names it publishes
}

// EngineStats aggregates the observability counters of the engine's
// collaborators.
type EngineStats struct {
	Cache    CacheStats `json:"cache"`
	Pool     PoolStats  `json:"pool"`
	RuleSets int        `json:"ruleSets"`
}

// NewEngine wires an engine from its collaborators. Cache and pool are
// constructed by the composition root and passed in; the engine never owns
// ambient global state.
func NewEngine(store TableStore, cache CompilationCache, pool *SessionPool) (*Engine, error) {
	compiler, err := NewCompiler()
	if err != nil {
		return nil, fmt.Errorf("failed to create rule compiler: %w", err)
	}
	return &Engine{
		compiler:  compiler,
		cache:     cache,
		pool:      pool,
		store:     store,
		ruleSets:  make(map[string]*ExecutableRuleSet),
		resources: make(map[string][]string),
	}, nil
}

// LoadAll parses and compiles every table source in the store, publishing
// each sheet's rule set. Called at startup.
func (en *Engine) LoadAll() error {
	sources, err := en.store.List()
	if err != nil {
		return fmt.Errorf("failed to list table sources: %w", err)
	}

	for _, src := range sources {
		if _, err := en.loadResource(src); err != nil {
			return fmt.Errorf("failed to load table %q: %w", src.ResourceID, err)
		}
	}
	return nil
}

// CompileTable parses and compiles table bytes without publishing the
// result, one compiled rule set per sheet. Used to validate uploads before
// they are stored.
func (en *Engine) CompileTable(data []byte, contentType string) ([]*ExecutableRuleSet, error) {
	rt, err := tabular.Parse(data, contentType)
	if err != nil {
		return nil, err
	}
	parsed, err := tabular.ParseAll(rt)
	if err != nil {
		return nil, err
	}

	fp := Fingerprint(data)
	sets := make([]*ExecutableRuleSet, 0, len(parsed))
	for _, name := range sortedKeys(parsed) {
		rs, err := en.compiler.CompileSheet(parsed[name])
		if err != nil {
			return nil, err
		}
		rs.Fingerprint = fp
		sets = append(sets, rs)
	}
	return sets, nil
}

// loadResource compiles one stored table and publishes its rule sets.
func (en *Engine) loadResource(src *TableSource) ([]*ExecutableRuleSet, error) {
	sets, err := en.loadResourceSets(src)
	if err != nil {
		return nil, err
	}
	en.publish(src.ResourceID, sets)
	return sets, nil
}

// publish atomically replaces the rule sets a resource contributes. Rule
// sets are replaced wholesale, never partially mutated.
func (en *Engine) publish(resourceID string, sets []*ExecutableRuleSet) {
	en.mu.Lock()
	defer en.mu.Unlock()

	for _, name := range en.resources[resourceID] {
		delete(en.ruleSets, name)
	}
	if len(sets) == 0 {
		delete(en.resources, resourceID)
		return
	}
	names := make([]string, 0, len(sets))
	for _, rs := range sets {
		en.ruleSets[rs.Name] = rs
		names = append(names, rs.Name)
	}
	en.resources[resourceID] = names
}

// snapshot returns the published rule set for a name. On a registry miss
// the engine falls back to loading the identically named resource from the
// store, which is the common single-sheet layout.
func (en *Engine) snapshot(ruleSetID string) (*ExecutableRuleSet, error) {
	en.mu.RLock()
	rs, ok := en.ruleSets[ruleSetID]
	en.mu.RUnlock()
	if ok {
		return rs, nil
	}

	src, err := en.store.Get(ruleSetID)
	if err != nil {
		return nil, fmt.Errorf("unknown rule set %q: %w", ruleSetID, err)
	}
	if _, err := en.loadResource(src); err != nil {
		return nil, err
	}

	en.mu.RLock()
	rs, ok = en.ruleSets[ruleSetID]
	en.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("table %q declares no rule set named %q", src.ResourceID, ruleSetID)
	}
	return rs, nil
}

// Evaluate runs one fact through one rule set. Every matching rule fires
// in priority order and effects accumulate on the fact, unless a terminal
// rule stops the iteration. The borrowed context is returned to the pool
// in all cases, including failures, before this call returns.
func (en *Engine) Evaluate(fact Fact, ruleSetID string) (*EvaluationResult, error) {
	start := time.Now()

	if fact == nil {
		return nil, &EvaluationError{RuleSet: ruleSetID, FactID: factIdentity(fact), Err: ErrNilFact}
	}

	rs, err := en.snapshot(ruleSetID)
	if err != nil {
		return nil, err
	}

	ctx := en.pool.Borrow(rs.Name)
	defer en.pool.Return(ctx)

	for _, rule := range rs.Rules {
		matched, err := rule.Predicate(fact)
		if err != nil {
			ctx.MarkDamaged()
			return nil, &EvaluationError{RuleSet: rs.Name, FactID: factIdentity(fact), RuleID: rule.RuleID, Err: err}
		}
		if !matched {
			continue
		}
		ctx.Matched++

		for _, effect := range rule.Effects {
			if err := effect(fact); err != nil {
				ctx.MarkDamaged()
				return nil, &EvaluationError{RuleSet: rs.Name, FactID: factIdentity(fact), RuleID: rule.RuleID, Err: err}
			}
			ctx.Applied++
		}
		ctx.record(rule.RuleID)

		if rule.Terminal {
			break
		}
	}

	return &EvaluationResult{
		EvaluationID: uuid.NewString(),
		RuleSet:      rs.Name,
		Fact:         fact,
		Fired:        append([]FiredRule(nil), ctx.Trace...),
		Elapsed:      time.Since(start),
	}, nil
}

// EvaluateBatch evaluates facts independently, preserving input order in
// the output. A per-fact failure lands in its BatchResult and does not
// abort the batch; only a nil or empty batch is rejected eagerly.
func (en *Engine) EvaluateBatch(facts []Fact, ruleSetID string) ([]BatchResult, error) {
	if len(facts) == 0 {
		return nil, ErrEmptyBatch
	}

	results := make([]BatchResult, len(facts))
	for i, fact := range facts {
		res, err := en.Evaluate(fact, ruleSetID)
		results[i] = BatchResult{Index: i, Result: res, Err: err}
	}
	return results, nil
}

// AsyncResult is the completion of one asynchronous evaluation.
type AsyncResult struct {
	Result *EvaluationResult
	Err    error
}

// EvaluateAsync runs one evaluation on its own goroutine and delivers the
// outcome on the returned channel. The channel is buffered: an abandoned
// caller cannot leave the evaluation context checked out, because the
// evaluation's own completion is what returns it to the pool.
func (en *Engine) EvaluateAsync(fact Fact, ruleSetID string) <-chan AsyncResult {
	ch := make(chan AsyncResult, 1)
	go func() {
		defer close(ch)
		res, err := en.Evaluate(fact, ruleSetID)
		ch <- AsyncResult{Result: res, Err: err}
	}()
	return ch
}

// EvaluateBatchAsync evaluates a batch on a background goroutine,
// streaming one BatchResult per fact. Cancelling ctx skips elements that
// have not started; an element already mid-flight runs to completion. The
// channel is buffered for the whole batch so results are never dropped.
func (en *Engine) EvaluateBatchAsync(ctx context.Context, facts []Fact, ruleSetID string) (<-chan BatchResult, error) {
	if len(facts) == 0 {
		return nil, ErrEmptyBatch
	}

	out := make(chan BatchResult, len(facts))
	go func() {
		defer close(out)
		for i, fact := range facts {
			select {
			case <-ctx.Done():
				out <- BatchResult{Index: i, Err: ctx.Err()}
				continue
			default:
			}
			res, err := en.Evaluate(fact, ruleSetID)
			out <- BatchResult{Index: i, Result: res, Err: err}
		}
	}()
	return out, nil
}

// Reload publishes a new table source under a resource id without downtime.
// Unchanged bytes are a no-op. On change the table is parsed and compiled
// before anything is published, the store is updated, the new snapshots are
// swapped in atomically, and the session pool is cleared since idle
// contexts may reference the retired rule sets.
func (en *Engine) Reload(resourceID string, data []byte, contentType string) error {
	if len(data) == 0 {
		return fmt.Errorf("reload of %q: no table bytes", resourceID)
	}

	if !en.cache.HasChanged(data, resourceID) {
		logger.Debug("reload skipped, table unchanged", "resource", resourceID)
		return nil
	}

	src := &TableSource{ResourceID: resourceID, ContentType: contentType, Data: data}

	// Compile first; a broken upload must not disturb the published sets.
	// HasChanged already recorded the new fingerprint, so failures below
	// must forget it again or retrying the same bytes would report a no-op
	// while the old snapshot keeps serving.
	sets, err := en.loadResourceSets(src)
	if err != nil {
		en.cache.Evict(resourceID)
		return err
	}

	if err := en.store.Save(src); err != nil {
		en.cache.Evict(resourceID)
		return fmt.Errorf("failed to persist table %q: %w", resourceID, err)
	}

	en.publish(resourceID, sets)
	en.pool.Clear()

	logger.Info("rule sets reloaded", "resource", resourceID, "ruleSets", len(sets))
	return nil
}

// loadResourceSets compiles a source without publishing it. The cache is
// consulted per sheet; a miss compiles synchronously. Concurrent loads of
// the same bytes may compile redundantly, but whichever result is stored
// last is self-consistent.
func (en *Engine) loadResourceSets(src *TableSource) ([]*ExecutableRuleSet, error) {
	rt, err := tabular.Parse(src.Data, src.ContentType)
	if err != nil {
		return nil, err
	}
	parsed, err := tabular.ParseAll(rt)
	if err != nil {
		return nil, err
	}

	fp := Fingerprint(src.Data)
	sets := make([]*ExecutableRuleSet, 0, len(parsed))
	for _, sheetName := range sortedKeys(parsed) {
		res := parsed[sheetName]
		key := fp + ":" + res.RuleSetName

		rs, hit := en.cache.Get(key)
		if !hit {
			rs, err = en.compiler.CompileSheet(res)
			if err != nil {
				return nil, err
			}
			rs.Fingerprint = fp
			en.cache.Put(key, rs)
		}
		sets = append(sets, rs)
	}
	return sets, nil
}

// Remove deletes a stored table and retires every rule set it published.
// Evaluations against those rule sets fail from here on; the fingerprint is
// forgotten so re-uploading the same bytes recompiles.
func (en *Engine) Remove(resourceID string) error {
	if err := en.store.Delete(resourceID); err != nil {
		return err
	}

	en.publish(resourceID, nil)
	en.cache.Evict(resourceID)
	en.pool.Clear()

	logger.Info("rule sets retired", "resource", resourceID)
	return nil
}

// RuleSetNames lists the currently published rule sets.
func (en *Engine) RuleSetNames() []string {
	en.mu.RLock()
	defer en.mu.RUnlock()

	names := make([]string, 0, len(en.ruleSets))
	for name := range en.ruleSets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Stats reports the cumulative cache and pool counters plus the number of
// published rule sets.
func (en *Engine) Stats() EngineStats {
	en.mu.RLock()
	count := len(en.ruleSets)
	en.mu.RUnlock()

	return EngineStats{
		Cache:    en.cache.Stats(),
		Pool:     en.pool.Stats(),
		RuleSets: count,
	}
}

func sortedKeys(m map[string]*tabular.ParseResult) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
