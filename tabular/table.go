package tabular

import "strings"

// ColumnRole classifies a decision-table column.
type ColumnRole string

const (
	RoleRuleID    ColumnRole = "RULEID"
	RolePriority  ColumnRole = "PRIORITY"
	RoleCondition ColumnRole = "CONDITION"
	RoleAction    ColumnRole = "ACTION"
	RoleMetadata  ColumnRole = "METADATA"
)

// Sheet is one sheet of a decision table: a name plus its raw cell rows.
// Rows are kept exactly as decoded; header recognition happens at parse time.
type Sheet struct {
	Name string
	Rows [][]string
}

// RawTable is the decoded but still-unparsed form of a decision table.
// It is transient: read once by the parser and discarded.
type RawTable struct {
	Sheets []Sheet
}

// Sheet returns the named sheet, or false if the table has no such sheet.
func (rt *RawTable) Sheet(name string) (*Sheet, bool) {
	for i := range rt.Sheets {
		if rt.Sheets[i].Name == name {
			return &rt.Sheets[i], true
		}
	}
	return nil, false
}

// Condition is one condition cell paired with its column's field name.
// The expression is extracted as-is; the compiler resolves operators.
type Condition struct {
	Field      string
	Expression string
}

// Action is one action cell paired with its column's field name.
type Action struct {
	Field      string
	Expression string
}

// RuleDefinition is the parsed, still-uncompiled form of one data row.
// Immutable once created.
type RuleDefinition struct {
	RuleSet    string
	RuleID     string
	Priority   int
	Conditions []Condition
	Actions    []Action
}

// ParseResult is the output of parsing one sheet.
type ParseResult struct {
	RuleSetName string
	TableName   string
	Rules       []RuleDefinition
}

// parseRole maps a role-row cell to a ColumnRole. Unrecognized cells
// report false so the caller can reject the header.
func parseRole(cell string) (ColumnRole, bool) {
	switch strings.ToUpper(strings.TrimSpace(cell)) {
	case "RULEID", "RULE", "NAME":
		return RoleRuleID, true
	case "PRIORITY", "SALIENCE":
		return RolePriority, true
	case "CONDITION":
		return RoleCondition, true
	case "ACTION":
		return RoleAction, true
	case "METADATA", "DESCRIPTION":
		return RoleMetadata, true
	}
	return "", false
}
