package tabular

import "fmt"

// ValidationError reports a structurally invalid decision table.
// It carries the offending sheet and row when known so callers can
// surface the location verbatim.
type ValidationError struct {
	Sheet string
	Row   int // 1-based, 0 when the error is not tied to a row
	Msg   string
}

func (e *ValidationError) Error() string {
	switch {
	case e.Sheet != "" && e.Row > 0:
		return fmt.Sprintf("table validation failed: sheet %q row %d: %s", e.Sheet, e.Row, e.Msg)
	case e.Sheet != "":
		return fmt.Sprintf("table validation failed: sheet %q: %s", e.Sheet, e.Msg)
	default:
		return fmt.Sprintf("table validation failed: %s", e.Msg)
	}
}

func validationErrorf(sheet string, row int, format string, args ...any) *ValidationError {
	return &ValidationError{Sheet: sheet, Row: row, Msg: fmt.Sprintf(format, args...)}
}
