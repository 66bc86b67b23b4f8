package rules

import "fmt"

// CompilationError reports a semantically invalid rule row. It names the
// offending rule id and, when relevant, the field whose expression failed
// to compile.
type CompilationError struct {
	RuleID string
	Field  string
	Msg    string
}

func (e *CompilationError) Error() string {
	switch {
	case e.RuleID != "" && e.Field != "":
		return fmt.Sprintf("compilation failed: rule %q field %q: %s", e.RuleID, e.Field, e.Msg)
	case e.RuleID != "":
		return fmt.Sprintf("compilation failed: rule %q: %s", e.RuleID, e.Msg)
	default:
		return fmt.Sprintf("compilation failed: %s", e.Msg)
	}
}

func compilationErrorf(ruleID, field, format string, args ...any) *CompilationError {
	return &CompilationError{RuleID: ruleID, Field: field, Msg: fmt.Sprintf(format, args...)}
}

// EvaluationError wraps an unexpected failure while matching or acting.
// The pooled context has already been returned (or disposed) by the time
// the caller sees one of these.
type EvaluationError struct {
	RuleSet string
	FactID  string
	RuleID  string // rule being matched/applied when the failure occurred
	Err     error
}

func (e *EvaluationError) Error() string {
	if e.RuleID != "" {
		return fmt.Sprintf("evaluation of rule set %q failed at rule %q (fact %s): %v", e.RuleSet, e.RuleID, e.FactID, e.Err)
	}
	return fmt.Sprintf("evaluation of rule set %q failed (fact %s): %v", e.RuleSet, e.FactID, e.Err)
}

func (e *EvaluationError) Unwrap() error { return e.Err }

// factIdentity extracts a best-effort identity for error messages. Facts
// are free-form maps, so this only looks at the conventional id keys.
func factIdentity(f Fact) string {
	if f == nil {
		return "<nil>"
	}
	for _, key := range []string{"ID", "Id", "id"} {
		if v, ok := f[key]; ok {
			return fmt.Sprintf("%v", v)
		}
	}
	return "<unidentified>"
}
