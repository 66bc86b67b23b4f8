package rules

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/cel-go/cel"

	"github.com/mgrieves/tabular/tabular"
)

// celPrefix marks a condition cell that is a full CEL expression over the
// fact instead of an operator/operand pair.
const celPrefix = "cel:"

// celCostLimit bounds CEL evaluation cost so a hostile expression cannot
// run away at evaluation time.
const celCostLimit = 1000000

// operator is the closed set of condition operators. Dispatch happens in a
// single evaluator (condition.eval), not a type hierarchy.
type operator int

const (
	opWildcard operator = iota // empty cell, no constraint
	opEqual
	opNotEqual
	opGreater
	opGreaterEq
	opLess
	opLessEq
	opBetween
	opExpr // cel: escape hatch
)

func (o operator) String() string {
	switch o {
	case opWildcard:
		return "*"
	case opEqual:
		return "=="
	case opNotEqual:
		return "!="
	case opGreater:
		return ">"
	case opGreaterEq:
		return ">="
	case opLess:
		return "<"
	case opLessEq:
		return "<="
	case opBetween:
		return "between"
	case opExpr:
		return "cel"
	}
	return "?"
}

// operand is a typed literal parsed from a condition or action cell.
type operand struct {
	kind operandKind
	num  float64
	str  string
	b    bool
	// integral records that num was written without a fraction, so
	// assignments can keep integer typing.
	integral bool
}

type operandKind int

const (
	operandString operandKind = iota
	operandNumber
	operandBool
)

func (o operand) value() any {
	switch o.kind {
	case operandNumber:
		if o.integral {
			return int64(o.num)
		}
		return o.num
	case operandBool:
		return o.b
	default:
		return o.str
	}
}

// condition is one compiled condition cell.
type condition struct {
	field   string
	op      operator
	operand operand
	lo, hi  float64
	prog    cel.Program
}

// actionKind is the closed set of action operations.
type actionKind int

const (
	actAssign actionKind = iota
	actAdd
	actAppend
	actHalt
)

type action struct {
	field string
	kind  actionKind
	value operand
	delta float64
	label string
}

// Compiler turns parsed rule definitions into executable rule sets. It owns
// the CEL environment used by cel: condition cells.
type Compiler struct {
	env *cel.Env
}

// NewCompiler creates a compiler with a CEL environment exposing the fact
// as a single dynamic variable.
func NewCompiler() (*Compiler, error) {
	env, err := cel.NewEnv(cel.Variable("fact", cel.DynType))
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}
	return &Compiler{env: env}, nil
}

// Compile builds an ExecutableRuleSet from one sheet's rule definitions.
// Rules come out sorted by descending priority with ties in original row
// order; duplicate rule ids are rejected. The fingerprint is left for the
// caller, which knows the source bytes.
func (c *Compiler) Compile(defs []tabular.RuleDefinition) (*ExecutableRuleSet, error) {
	if len(defs) == 0 {
		return nil, compilationErrorf("", "", "rule set has no rules")
	}

	name := defs[0].RuleSet
	seen := make(map[string]struct{}, len(defs))
	compiled := make([]*CompiledRule, 0, len(defs))

	for _, def := range defs {
		if _, dup := seen[def.RuleID]; dup {
			return nil, compilationErrorf(def.RuleID, "", "duplicate rule id")
		}
		seen[def.RuleID] = struct{}{}

		rule, err := c.compileRule(def)
		if err != nil {
			return nil, err
		}
		compiled = append(compiled, rule)
	}

	// Conflict-resolution order: higher priority first, stable so equal
	// priorities keep their row order.
	sort.SliceStable(compiled, func(i, j int) bool {
		return compiled[i].Priority > compiled[j].Priority
	})

	return &ExecutableRuleSet{
		Name:       name,
		Rules:      compiled,
		CompiledAt: time.Now(),
	}, nil
}

// CompileSheet compiles one parser output, a convenience for callers that
// hold a ParseResult rather than bare definitions.
func (c *Compiler) CompileSheet(res *tabular.ParseResult) (*ExecutableRuleSet, error) {
	return c.Compile(res.Rules)
}

func (c *Compiler) compileRule(def tabular.RuleDefinition) (*CompiledRule, error) {
	conds := make([]*condition, 0, len(def.Conditions))
	for _, tc := range def.Conditions {
		cond, err := c.compileCondition(def.RuleID, tc)
		if err != nil {
			return nil, err
		}
		if cond.op == opWildcard {
			// No constraint; keeping it would only slow the predicate.
			continue
		}
		conds = append(conds, cond)
	}

	rule := &CompiledRule{
		RuleID:    def.RuleID,
		Priority:  def.Priority,
		Predicate: andPredicate(conds),
	}

	for _, ta := range def.Actions {
		act, err := compileAction(def.RuleID, ta)
		if err != nil {
			return nil, err
		}
		if act == nil {
			continue // empty action cell
		}
		if act.kind == actHalt {
			rule.Terminal = true
			continue
		}
		rule.Effects = append(rule.Effects, act.effect())
	}

	return rule, nil
}

// andPredicate is the logical AND of all non-empty conditions in a row. A
// row with no conditions matches every fact.
func andPredicate(conds []*condition) Predicate {
	return func(f Fact) (bool, error) {
		for _, cond := range conds {
			ok, err := cond.eval(f)
			if err != nil {
				return false, err
			}
			if !ok {
				return false, nil
			}
		}
		return true, nil
	}
}

var betweenRe = regexp.MustCompile(`(?i)^between\s*\(\s*([^,]+?)\s*,\s*([^)]+?)\s*\)$`)

// compileCondition resolves one condition cell into an operator and typed
// operand. Unknown operators and type mismatches are compilation errors
// naming the rule and field.
func (c *Compiler) compileCondition(ruleID string, tc tabular.Condition) (*condition, error) {
	expr := strings.TrimSpace(tc.Expression)
	cond := &condition{field: tc.Field}

	switch {
	case expr == "" || expr == "*":
		cond.op = opWildcard
		return cond, nil

	case strings.HasPrefix(expr, celPrefix):
		src := strings.TrimSpace(strings.TrimPrefix(expr, celPrefix))
		ast, issues := c.env.Compile(src)
		if issues != nil && issues.Err() != nil {
			return nil, compilationErrorf(ruleID, tc.Field, "CEL compile error: %v", issues.Err())
		}
		prog, err := c.env.Program(ast, cel.CostLimit(celCostLimit))
		if err != nil {
			return nil, compilationErrorf(ruleID, tc.Field, "CEL program error: %v", err)
		}
		cond.op = opExpr
		cond.prog = prog
		return cond, nil
	}

	if m := betweenRe.FindStringSubmatch(expr); m != nil {
		lo, err1 := strconv.ParseFloat(strings.TrimSpace(m[1]), 64)
		hi, err2 := strconv.ParseFloat(strings.TrimSpace(m[2]), 64)
		if err1 != nil || err2 != nil {
			return nil, compilationErrorf(ruleID, tc.Field, "between(a,b) requires numeric bounds, got %q", expr)
		}
		if lo > hi {
			return nil, compilationErrorf(ruleID, tc.Field, "between(%v,%v) has inverted bounds", lo, hi)
		}
		cond.op = opBetween
		cond.lo, cond.hi = lo, hi
		return cond, nil
	}

	op, rest, err := splitOperator(expr)
	if err != nil {
		return nil, compilationErrorf(ruleID, tc.Field, "%v", err)
	}
	lit := parseLiteral(rest)

	// Relational operators only make sense against numbers; the operand
	// literal's type stands in for the field's declared type.
	switch op {
	case opGreater, opGreaterEq, opLess, opLessEq:
		if lit.kind != operandNumber {
			return nil, compilationErrorf(ruleID, tc.Field, "operator %s requires a numeric operand, got %q", op, rest)
		}
	}

	cond.op = op
	cond.operand = lit
	return cond, nil
}

// splitOperator peels a leading comparison operator off a condition cell.
// A bare value means equality. A cell that starts with operator punctuation
// but matches nothing is an unknown operator, not a string literal.
func splitOperator(expr string) (operator, string, error) {
	prefixes := []struct {
		token string
		op    operator
	}{
		{"==", opEqual},
		{"!=", opNotEqual},
		{">=", opGreaterEq},
		{"<=", opLessEq},
		{">", opGreater},
		{"<", opLess},
		{"=", opEqual},
	}
	for _, p := range prefixes {
		if strings.HasPrefix(expr, p.token) {
			return p.op, strings.TrimSpace(expr[len(p.token):]), nil
		}
	}
	if strings.ContainsRune("<>=!~^&|", rune(expr[0])) {
		tok := expr
		if i := strings.IndexFunc(expr, func(r rune) bool { return r == ' ' || r == '\t' }); i > 0 {
			tok = expr[:i]
		}
		return opWildcard, "", fmt.Errorf("unknown operator %q", tok)
	}
	return opEqual, expr, nil
}

// parseLiteral types a cell literal: quoted or unparseable text is a
// string, digits are numbers, true/false are booleans.
func parseLiteral(s string) operand {
	s = strings.TrimSpace(s)
	if len(s) >= 2 && (s[0] == '"' && s[len(s)-1] == '"' || s[0] == '\'' && s[len(s)-1] == '\'') {
		return operand{kind: operandString, str: s[1 : len(s)-1]}
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return operand{kind: operandNumber, num: float64(n), integral: true}
	}
	if n, err := strconv.ParseFloat(s, 64); err == nil {
		return operand{kind: operandNumber, num: n}
	}
	if b, err := strconv.ParseBool(s); err == nil {
		return operand{kind: operandBool, b: b}
	}
	return operand{kind: operandString, str: s}
}

// eval is the single dispatch point for every condition operator.
func (c *condition) eval(f Fact) (bool, error) {
	switch c.op {
	case opWildcard:
		return true, nil
	case opExpr:
		out, _, err := c.prog.Eval(map[string]any{"fact": f})
		if err != nil {
			return false, fmt.Errorf("CEL evaluation of field %s: %w", c.field, err)
		}
		b, ok := out.Value().(bool)
		return ok && b, nil
	}

	v, present := f[c.field]
	if !present {
		// A missing field cannot satisfy a constrained condition.
		return false, nil
	}

	switch c.op {
	case opEqual:
		return looseEqual(v, c.operand), nil
	case opNotEqual:
		return !looseEqual(v, c.operand), nil
	case opGreater, opGreaterEq, opLess, opLessEq:
		n, ok := toFloat(v)
		if !ok {
			return false, fmt.Errorf("field %s holds %T, expected a number", c.field, v)
		}
		switch c.op {
		case opGreater:
			return n > c.operand.num, nil
		case opGreaterEq:
			return n >= c.operand.num, nil
		case opLess:
			return n < c.operand.num, nil
		default:
			return n <= c.operand.num, nil
		}
	case opBetween:
		n, ok := toFloat(v)
		if !ok {
			return false, fmt.Errorf("field %s holds %T, expected a number", c.field, v)
		}
		return n >= c.lo && n <= c.hi, nil
	}
	return false, fmt.Errorf("field %s: unhandled operator %s", c.field, c.op)
}

// looseEqual compares a fact value against a typed operand. Numeric values
// compare numerically regardless of width; everything else compares by
// kind.
func looseEqual(v any, o operand) bool {
	switch o.kind {
	case operandNumber:
		n, ok := toFloat(v)
		return ok && n == o.num
	case operandBool:
		b, ok := v.(bool)
		return ok && b == o.b
	default:
		s, ok := v.(string)
		return ok && s == o.str
	}
}

// toFloat widens any numeric fact value to float64.
func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}

var (
	appendRe = regexp.MustCompile(`(?i)^append\s*\(\s*(.+?)\s*\)$`)
	addRe    = regexp.MustCompile(`^[+-]\s*\d+(\.\d+)?$`)
)

// compileAction resolves one action cell. Empty cells are no-ops, `halt`
// marks the rule terminal, `+n`/`-n` adjust a numeric field, `append(x)`
// pushes a label onto a list field, and anything else assigns a literal.
func compileAction(ruleID string, ta tabular.Action) (*action, error) {
	expr := strings.TrimSpace(ta.Expression)
	if expr == "" {
		return nil, nil
	}
	if strings.EqualFold(expr, "halt") {
		return &action{kind: actHalt}, nil
	}

	if ta.Field == "" {
		return nil, compilationErrorf(ruleID, "", "action cell %q has no field name", expr)
	}

	if m := appendRe.FindStringSubmatch(expr); m != nil {
		label := parseLiteral(m[1])
		if label.kind != operandString {
			return &action{field: ta.Field, kind: actAppend, label: fmt.Sprintf("%v", label.value())}, nil
		}
		return &action{field: ta.Field, kind: actAppend, label: label.str}, nil
	}

	if addRe.MatchString(expr) {
		delta, err := strconv.ParseFloat(strings.ReplaceAll(expr, " ", ""), 64)
		if err != nil {
			return nil, compilationErrorf(ruleID, ta.Field, "cannot parse adjustment %q: %v", expr, err)
		}
		return &action{field: ta.Field, kind: actAdd, delta: delta}, nil
	}

	return &action{field: ta.Field, kind: actAssign, value: parseLiteral(expr)}, nil
}

// effect closes over the resolved action. Effects mutate the fact in place;
// they never hold references into it past one application.
func (a *action) effect() Effect {
	switch a.kind {
	case actAdd:
		return func(f Fact) error {
			cur, ok := toFloat(f[a.field])
			if f[a.field] != nil && !ok {
				return fmt.Errorf("cannot adjust non-numeric field %s (%T)", a.field, f[a.field])
			}
			f[a.field] = cur + a.delta
			return nil
		}
	case actAppend:
		return func(f Fact) error {
			switch cur := f[a.field].(type) {
			case nil:
				f[a.field] = []string{a.label}
			case []string:
				f[a.field] = append(cur, a.label)
			case []any:
				f[a.field] = append(cur, a.label)
			default:
				return fmt.Errorf("cannot append to field %s (%T)", a.field, cur)
			}
			return nil
		}
	default:
		return func(f Fact) error {
			f[a.field] = a.value.value()
			return nil
		}
	}
}
