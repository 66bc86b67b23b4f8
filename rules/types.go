package rules

import "time"

// Fact is the caller-supplied mutable record being evaluated. The engine
// mutates it in place through rule effects; ownership stays with the caller.
type Fact = map[string]any

// Predicate reports whether a rule's conditions hold for a fact.
type Predicate func(Fact) (bool, error)

// Effect applies one action of a matched rule to the fact.
type Effect func(Fact) error

// CompiledRule is the executable form of one decision-table row: the AND of
// its conditions as a single predicate, plus one effect per action.
type CompiledRule struct {
	RuleID   string
	Priority int
	// Terminal marks the evaluation finished after this rule's effects
	// apply; lower-priority rules do not fire.
	Terminal  bool
	Predicate Predicate
	Effects   []Effect
}

// ExecutableRuleSet is the compiled, ordered form of a decision table
// sheet. Rules are sorted by descending priority, ties in original row
// order; that order is the conflict-resolution order at evaluation time.
// The compilation cache owns these; the engine holds a borrowed snapshot
// for the duration of one evaluation.
type ExecutableRuleSet struct {
	Name        string
	Rules       []*CompiledRule
	Fingerprint string
	CompiledAt  time.Time
}

// FiredRule is one entry of the fired-rule trace.
type FiredRule struct {
	RuleID   string `json:"ruleId"`
	Sequence int    `json:"sequence"`
}

// EvaluationResult is the outcome of evaluating one fact against one rule
// set: the mutated fact plus the ordered trace of fired rules.
type EvaluationResult struct {
	EvaluationID string        `json:"evaluationId"`
	RuleSet      string        `json:"ruleSet"`
	Fact         Fact          `json:"fact"`
	Fired        []FiredRule   `json:"fired"`
	Elapsed      time.Duration `json:"elapsed"`
}

// BatchResult pairs one batch element with its per-fact outcome. A failed
// element carries Err and a nil Result; it does not abort the batch.
type BatchResult struct {
	Index  int
	Result *EvaluationResult
	Err    error
}
