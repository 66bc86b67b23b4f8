package tabular

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/xuri/excelize/v2"
)

// Content types accepted by Parse. MIME strings and bare extensions both
// normalize onto these.
const (
	ContentTypeXLSX = "xlsx"
	ContentTypeCSV  = "csv"
)

// xlsxMagic is the ZIP local-file-header signature; every XLSX starts with it.
var xlsxMagic = []byte{0x50, 0x4b, 0x03, 0x04}

// Parse decodes raw table bytes into a RawTable. The declared content type
// must match the actual content: an XLSX payload declared as CSV (or the
// reverse) is rejected rather than guessed at.
func Parse(data []byte, contentType string) (*RawTable, error) {
	if len(data) == 0 {
		return nil, validationErrorf("", 0, "table is empty")
	}

	switch normalizeContentType(contentType) {
	case ContentTypeXLSX:
		if !bytes.HasPrefix(data, xlsxMagic) {
			return nil, validationErrorf("", 0, "declared content type %q does not match content (not a workbook)", contentType)
		}
		return decodeWorkbook(data)
	case ContentTypeCSV:
		if bytes.HasPrefix(data, xlsxMagic) {
			return nil, validationErrorf("", 0, "declared content type %q does not match content (workbook bytes)", contentType)
		}
		return decodeCSV(data)
	default:
		return nil, validationErrorf("", 0, "unsupported content type %q", contentType)
	}
}

// ParseSheet parses the named sheet into rule definitions. Asking for a
// sheet the table does not have is an error, never a silent fallback to
// another sheet.
func ParseSheet(rt *RawTable, sheetName string) (*ParseResult, error) {
	sheet, ok := rt.Sheet(sheetName)
	if !ok {
		return nil, validationErrorf(sheetName, 0, "sheet not found")
	}
	return parseSheet(sheet)
}

// ParseAll parses every sheet in one pass, returning a mapping from sheet
// name to parse result. Sheets without a recognizable header block or
// without data rows are skipped; a table where nothing remains is rejected.
// A sheet that has headers and data but a malformed row fails the whole
// parse, since that is an authoring error rather than a decorative sheet.
func ParseAll(rt *RawTable) (map[string]*ParseResult, error) {
	results := make(map[string]*ParseResult)
	for i := range rt.Sheets {
		sheet := &rt.Sheets[i]
		res, err := parseSheet(sheet)
		if err != nil {
			var verr *ValidationError
			if errors.As(err, &verr) && verr.Row == 0 {
				// Header-less or empty sheet: skip, it may be documentation.
				continue
			}
			return nil, err
		}
		results[sheet.Name] = res
	}
	if len(results) == 0 {
		return nil, validationErrorf("", 0, "table contains no valid sheets with data")
	}
	return results, nil
}

// parseSheet locates the header block and extracts one RuleDefinition per
// data row. Structural validation only; operator and type checks belong to
// the compiler.
func parseSheet(s *Sheet) (*ParseResult, error) {
	var ruleSetName, tableName string
	roleRow := -1
	var roles []ColumnRole

	for i, row := range s.Rows {
		first := strings.TrimSpace(cell(row, 0))
		switch {
		case strings.EqualFold(first, "RuleSet"):
			ruleSetName = firstNonEmpty(row[1:])
		case strings.EqualFold(first, "RuleTable"):
			tableName = firstNonEmpty(row[1:])
		default:
			if rs, ok := roleRowOf(row); ok {
				roleRow = i
				roles = rs
			}
		}
		if roleRow >= 0 {
			break
		}
	}

	if roleRow < 0 {
		return nil, validationErrorf(s.Name, 0, "missing required headers: no row classifying columns as CONDITION/ACTION")
	}
	if ruleSetName == "" {
		return nil, validationErrorf(s.Name, 0, "missing required headers: no RuleSet declaration")
	}
	if tableName == "" {
		return nil, validationErrorf(s.Name, 0, "missing required headers: no RuleTable declaration")
	}
	if !hasRole(roles, RoleRuleID) {
		return nil, validationErrorf(s.Name, 0, "missing required headers: no RULEID column")
	}
	if !hasRole(roles, RoleCondition) {
		return nil, validationErrorf(s.Name, 0, "missing required headers: no CONDITION column")
	}
	if !hasRole(roles, RoleAction) {
		return nil, validationErrorf(s.Name, 0, "missing required headers: no ACTION column")
	}

	fieldRow := roleRow + 1
	if fieldRow >= len(s.Rows) {
		return nil, validationErrorf(s.Name, 0, "missing required headers: no field-name row below the column roles")
	}
	fields := s.Rows[fieldRow]
	for col, role := range roles {
		if role != RoleCondition && role != RoleAction {
			continue
		}
		if strings.TrimSpace(cell(fields, col)) == "" {
			return nil, validationErrorf(s.Name, fieldRow+1, "column %d has role %s but no field name", col+1, role)
		}
	}

	var rules []RuleDefinition
	for i := fieldRow + 1; i < len(s.Rows); i++ {
		row := s.Rows[i]
		def, ok, err := parseDataRow(s.Name, ruleSetName, i+1, roles, fields, row)
		if err != nil {
			return nil, err
		}
		if ok {
			rules = append(rules, def)
		}
	}
	if len(rules) == 0 {
		return nil, validationErrorf(s.Name, 0, "no data rows with a rule identifier")
	}

	return &ParseResult{RuleSetName: ruleSetName, TableName: tableName, Rules: rules}, nil
}

// parseDataRow turns one data row into a RuleDefinition. Rows with a blank
// rule identifier are skipped (ok=false) so tables can carry spacer rows.
func parseDataRow(sheetName, ruleSetName string, rowNum int, roles []ColumnRole, fields, row []string) (RuleDefinition, bool, error) {
	def := RuleDefinition{RuleSet: ruleSetName}

	for col, role := range roles {
		value := strings.TrimSpace(cell(row, col))
		switch role {
		case RoleRuleID:
			def.RuleID = value
		case RolePriority:
			if value == "" {
				continue
			}
			p, err := strconv.Atoi(value)
			if err != nil {
				return def, false, validationErrorf(sheetName, rowNum, "priority %q is not an integer", value)
			}
			def.Priority = p
		case RoleCondition:
			def.Conditions = append(def.Conditions, Condition{
				Field:      strings.TrimSpace(cell(fields, col)),
				Expression: value,
			})
		case RoleAction:
			def.Actions = append(def.Actions, Action{
				Field:      strings.TrimSpace(cell(fields, col)),
				Expression: value,
			})
		}
	}

	if def.RuleID == "" {
		return def, false, nil
	}
	return def, true, nil
}

// decodeWorkbook reads every sheet of an XLSX workbook.
func decodeWorkbook(data []byte) (*RawTable, error) {
	f, err := excelize.OpenReader(bytes.NewReader(data))
	if err != nil {
		return nil, validationErrorf("", 0, "cannot read workbook: %v", err)
	}
	defer f.Close()

	rt := &RawTable{}
	for _, name := range f.GetSheetList() {
		rows, err := f.GetRows(name)
		if err != nil {
			return nil, fmt.Errorf("failed to read sheet %q: %w", name, err)
		}
		rt.Sheets = append(rt.Sheets, Sheet{Name: name, Rows: rows})
	}
	if len(rt.Sheets) == 0 {
		return nil, validationErrorf("", 0, "workbook has no sheets")
	}
	return rt, nil
}

// decodeCSV reads a CSV payload as a single-sheet table. The sheet is named
// after the CSV convention so ParseSheet("CSV") addresses it directly.
func decodeCSV(data []byte) (*RawTable, error) {
	r := csv.NewReader(bytes.NewReader(data))
	r.FieldsPerRecord = -1 // decision tables have ragged rows
	r.TrimLeadingSpace = true

	rows, err := r.ReadAll()
	if err != nil {
		return nil, validationErrorf("", 0, "cannot read CSV: %v", err)
	}
	if len(rows) == 0 {
		return nil, validationErrorf("", 0, "CSV has no rows")
	}
	return &RawTable{Sheets: []Sheet{{Name: "CSV", Rows: rows}}}, nil
}

// roleRowOf reports whether row is the column-role row: every non-empty
// cell names a recognized role and at least one cell is non-empty.
func roleRowOf(row []string) ([]ColumnRole, bool) {
	roles := make([]ColumnRole, len(row))
	seen := false
	for i, c := range row {
		if strings.TrimSpace(c) == "" {
			roles[i] = RoleMetadata
			continue
		}
		role, ok := parseRole(c)
		if !ok {
			return nil, false
		}
		roles[i] = role
		seen = true
	}
	return roles, seen
}

func hasRole(roles []ColumnRole, want ColumnRole) bool {
	for _, r := range roles {
		if r == want {
			return true
		}
	}
	return false
}

func normalizeContentType(ct string) string {
	ct = strings.ToLower(strings.TrimSpace(ct))
	switch {
	case strings.Contains(ct, "spreadsheetml"), strings.Contains(ct, "xlsx"), strings.Contains(ct, "excel"):
		return ContentTypeXLSX
	case strings.Contains(ct, "csv"):
		return ContentTypeCSV
	}
	return ct
}

func cell(row []string, i int) string {
	if i < 0 || i >= len(row) {
		return ""
	}
	return row[i]
}

func firstNonEmpty(cells []string) string {
	for _, c := range cells {
		if v := strings.TrimSpace(c); v != "" {
			return v
		}
	}
	return ""
}
