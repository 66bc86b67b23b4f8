package tabular

import (
	"errors"
	"strings"
	"testing"

	"github.com/xuri/excelize/v2"
)

const discountCSV = `RuleSet,DiscountRules
RuleTable,Discounts
RULEID,PRIORITY,CONDITION,CONDITION,ACTION
,,Age,Tier,Discount
R1,10,> 60,== GOLD,20
`

// wbSheet is a test workbook sheet: a name plus raw rows.
type wbSheet struct {
	name string
	rows [][]string
}

// buildWorkbook renders sheets into real XLSX bytes so the parser is
// exercised against the same format production uploads use.
func buildWorkbook(t *testing.T, sheets []wbSheet) []byte {
	t.Helper()

	f := excelize.NewFile()
	defer f.Close()

	for i, sheet := range sheets {
		if i == 0 {
			if err := f.SetSheetName("Sheet1", sheet.name); err != nil {
				t.Fatalf("SetSheetName() failed: %v", err)
			}
		} else {
			if _, err := f.NewSheet(sheet.name); err != nil {
				t.Fatalf("NewSheet(%q) failed: %v", sheet.name, err)
			}
		}
		for r, row := range sheet.rows {
			cells := make([]any, len(row))
			for c, v := range row {
				cells[c] = v
			}
			axis, err := excelize.JoinCellName("A", r+1)
			if err != nil {
				t.Fatalf("JoinCellName() failed: %v", err)
			}
			if err := f.SetSheetRow(sheet.name, axis, &cells); err != nil {
				t.Fatalf("SetSheetRow() failed: %v", err)
			}
		}
	}

	buf, err := f.WriteToBuffer()
	if err != nil {
		t.Fatalf("WriteToBuffer() failed: %v", err)
	}
	return buf.Bytes()
}

func discountRows() [][]string {
	return [][]string{
		{"RuleSet", "DiscountRules"},
		{"RuleTable", "Discounts"},
		{"RULEID", "PRIORITY", "CONDITION", "CONDITION", "ACTION"},
		{"", "", "Age", "Tier", "Discount"},
		{"R1", "10", "> 60", "== GOLD", "20"},
	}
}

func TestParseCSV(t *testing.T) {
	rt, err := Parse([]byte(discountCSV), "text/csv")
	if err != nil {
		t.Fatalf("Parse() failed: %v", err)
	}

	res, err := ParseSheet(rt, "CSV")
	if err != nil {
		t.Fatalf("ParseSheet() failed: %v", err)
	}

	if res.RuleSetName != "DiscountRules" {
		t.Errorf("RuleSetName = %q, want DiscountRules", res.RuleSetName)
	}
	if res.TableName != "Discounts" {
		t.Errorf("TableName = %q, want Discounts", res.TableName)
	}
	if len(res.Rules) != 1 {
		t.Fatalf("got %d rules, want 1", len(res.Rules))
	}

	rule := res.Rules[0]
	if rule.RuleID != "R1" {
		t.Errorf("RuleID = %q, want R1", rule.RuleID)
	}
	if rule.Priority != 10 {
		t.Errorf("Priority = %d, want 10", rule.Priority)
	}
	if len(rule.Conditions) != 2 {
		t.Fatalf("got %d conditions, want 2", len(rule.Conditions))
	}
	if rule.Conditions[0].Field != "Age" || rule.Conditions[0].Expression != "> 60" {
		t.Errorf("condition 0 = %+v, want Age / > 60", rule.Conditions[0])
	}
	if rule.Conditions[1].Field != "Tier" || rule.Conditions[1].Expression != "== GOLD" {
		t.Errorf("condition 1 = %+v, want Tier / == GOLD", rule.Conditions[1])
	}
	if len(rule.Actions) != 1 || rule.Actions[0].Field != "Discount" || rule.Actions[0].Expression != "20" {
		t.Errorf("actions = %+v, want one Discount=20", rule.Actions)
	}
}

func TestParseWorkbook(t *testing.T) {
	data := buildWorkbook(t, []wbSheet{{name: "Discounts", rows: discountRows()}})

	rt, err := Parse(data, "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	if err != nil {
		t.Fatalf("Parse() failed: %v", err)
	}

	res, err := ParseSheet(rt, "Discounts")
	if err != nil {
		t.Fatalf("ParseSheet() failed: %v", err)
	}
	if res.RuleSetName != "DiscountRules" || len(res.Rules) != 1 {
		t.Errorf("parse result = %q with %d rules, want DiscountRules with 1", res.RuleSetName, len(res.Rules))
	}
}

func TestParseContentTypeMismatch(t *testing.T) {
	workbook := buildWorkbook(t, []wbSheet{{name: "Discounts", rows: discountRows()}})

	testCases := []struct {
		name        string
		data        []byte
		contentType string
	}{
		{"workbook declared as CSV", workbook, "text/csv"},
		{"CSV declared as workbook", []byte(discountCSV), "xlsx"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse(tc.data, tc.contentType)
			var verr *ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("Parse() error = %v, want ValidationError", err)
			}
			if !strings.Contains(verr.Error(), "does not match") {
				t.Errorf("error %q should mention the mismatch", verr.Error())
			}
		})
	}
}

func TestParseUnsupportedContentType(t *testing.T) {
	_, err := Parse([]byte(discountCSV), "application/pdf")
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("Parse() error = %v, want ValidationError", err)
	}
}

func TestParseSheetNotFound(t *testing.T) {
	data := buildWorkbook(t, []wbSheet{{name: "Y", rows: discountRows()}})

	rt, err := Parse(data, "xlsx")
	if err != nil {
		t.Fatalf("Parse() failed: %v", err)
	}

	_, err = ParseSheet(rt, "X")
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("ParseSheet() error = %v, want ValidationError", err)
	}
	if !strings.Contains(verr.Error(), "sheet not found") {
		t.Errorf("error %q should mention sheet not found", verr.Error())
	}
	if verr.Sheet != "X" {
		t.Errorf("error names sheet %q, want X", verr.Sheet)
	}
}

func TestParseMissingHeaders(t *testing.T) {
	testCases := []struct {
		name string
		csv  string
	}{
		{
			"no role row at all",
			"RuleSet,Broken\nAge,Tier,Discount\nR1,>60,GOLD,20\n",
		},
		{
			"role row without CONDITION",
			"RuleSet,Broken\nRuleTable,Rules\nRULEID,PRIORITY,ACTION\n,,Discount\nR1,10,20\n",
		},
		{
			"role row without ACTION",
			"RuleSet,Broken\nRuleTable,Rules\nRULEID,PRIORITY,CONDITION\n,,Age\nR1,10,>60\n",
		},
		{
			"no RuleSet declaration",
			"RULEID,CONDITION,ACTION\n,Age,Discount\nR1,>60,20\n",
		},
		{
			"no RuleTable declaration",
			"RuleSet,Broken\nRULEID,PRIORITY,CONDITION,ACTION\n,,Age,Discount\nR1,10,>60,20\n",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			rt, err := Parse([]byte(tc.csv), "csv")
			if err != nil {
				t.Fatalf("Parse() failed: %v", err)
			}
			_, err = ParseSheet(rt, "CSV")
			var verr *ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("ParseSheet() error = %v, want ValidationError", err)
			}
			if !strings.Contains(verr.Error(), "missing required headers") {
				t.Errorf("error %q should mention missing required headers", verr.Error())
			}
		})
	}
}

func TestParseNoDataRows(t *testing.T) {
	rows := [][]string{
		{"RuleSet", "Empty"},
		{"RuleTable", "Rules"},
		{"RULEID", "PRIORITY", "CONDITION", "ACTION"},
		{"", "", "Age", "Discount"},
	}
	data := buildWorkbook(t, []wbSheet{{name: "Empty", rows: rows}})

	rt, err := Parse(data, "xlsx")
	if err != nil {
		t.Fatalf("Parse() failed: %v", err)
	}

	// Asking for the sheet directly reports the missing data rows.
	if _, err := ParseSheet(rt, "Empty"); err == nil {
		t.Error("ParseSheet() should reject a sheet with no data rows")
	}

	// Parsing the whole table reports that nothing was usable.
	_, err = ParseAll(rt)
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("ParseAll() error = %v, want ValidationError", err)
	}
	if !strings.Contains(verr.Error(), "no valid sheets with data") {
		t.Errorf("error %q should mention no valid sheets with data", verr.Error())
	}
}

func TestParseAllMultipleSheets(t *testing.T) {
	pricing := [][]string{
		{"RuleSet", "PricingRules"},
		{"RuleTable", "Pricing"},
		{"RULEID", "PRIORITY", "CONDITION", "ACTION"},
		{"", "", "Quantity", "UnitPrice"},
		{"P1", "1", "> 100", "9.5"},
	}
	data := buildWorkbook(t, []wbSheet{
		{name: "Discounts", rows: discountRows()},
		{name: "Pricing", rows: pricing},
	})

	rt, err := Parse(data, "xlsx")
	if err != nil {
		t.Fatalf("Parse() failed: %v", err)
	}

	results, err := ParseAll(rt)
	if err != nil {
		t.Fatalf("ParseAll() failed: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("got %d sheet results, want 2", len(results))
	}
	if results["Discounts"].RuleSetName != "DiscountRules" {
		t.Errorf("Discounts sheet rule set = %q", results["Discounts"].RuleSetName)
	}
	if results["Pricing"].RuleSetName != "PricingRules" {
		t.Errorf("Pricing sheet rule set = %q", results["Pricing"].RuleSetName)
	}
}

func TestParseAllSkipsDocumentationSheets(t *testing.T) {
	notes := [][]string{
		{"These are authoring notes, not rules."},
		{"Ask the pricing team before editing."},
	}
	data := buildWorkbook(t, []wbSheet{
		{name: "Notes", rows: notes},
		{name: "Discounts", rows: discountRows()},
	})

	rt, err := Parse(data, "xlsx")
	if err != nil {
		t.Fatalf("Parse() failed: %v", err)
	}

	results, err := ParseAll(rt)
	if err != nil {
		t.Fatalf("ParseAll() failed: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("got %d results, want 1 (Notes skipped)", len(results))
	}
	if _, ok := results["Discounts"]; !ok {
		t.Error("Discounts sheet should have been parsed")
	}
}

func TestParseBadPriority(t *testing.T) {
	csv := "RuleSet,Broken\nRuleTable,Rules\nRULEID,PRIORITY,CONDITION,ACTION\n,,Age,Discount\nR1,high,>60,20\n"
	rt, err := Parse([]byte(csv), "csv")
	if err != nil {
		t.Fatalf("Parse() failed: %v", err)
	}

	_, err = ParseSheet(rt, "CSV")
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("ParseSheet() error = %v, want ValidationError", err)
	}
	if verr.Row != 5 {
		t.Errorf("error row = %d, want 5", verr.Row)
	}
}

func TestParseSkipsBlankRuleIDRows(t *testing.T) {
	csv := "RuleSet,DiscountRules\nRuleTable,Discounts\nRULEID,PRIORITY,CONDITION,ACTION\n,,Age,Discount\nR1,10,> 60,20\n,,,\nR2,5,> 40,10\n"
	rt, err := Parse([]byte(csv), "csv")
	if err != nil {
		t.Fatalf("Parse() failed: %v", err)
	}

	res, err := ParseSheet(rt, "CSV")
	if err != nil {
		t.Fatalf("ParseSheet() failed: %v", err)
	}
	if len(res.Rules) != 2 {
		t.Errorf("got %d rules, want 2 (blank row skipped)", len(res.Rules))
	}
}

func TestParseEmptyInput(t *testing.T) {
	_, err := Parse(nil, "csv")
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("Parse() error = %v, want ValidationError", err)
	}
}
