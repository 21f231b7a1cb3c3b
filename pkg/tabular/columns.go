package tabular

import (
	"fmt"
	"strings"
)

// Column describes one semantic column to locate in a sheet.
type Column struct {
	Name     string
	Synonyms []string
	// Fallback is a positional index used when no header synonym matches. Nil disables it.
	Fallback *int
	// Sniff lets the column be found by scanning the first data row for an account code.
	Sniff    bool
	Optional bool
}

// At is a convenience for Column.Fallback.
func At(i int) *int { return &i }

// Strategy is one way of locating a column. Strategies are tried in order and the first
// that returns ok wins.
type Strategy interface {
	Name() string
	Locate(col Column, sheet *Sheet) (int, bool)
}

// HeaderMatch compares header cells case-insensitively against the column name and synonyms.
type HeaderMatch struct{}

func (HeaderMatch) Name() string { return "header" }

func (HeaderMatch) Locate(col Column, sheet *Sheet) (int, bool) {
	candidates := append([]string{col.Name}, col.Synonyms...)
	for _, candidate := range candidates {
		if idx := sheet.HeaderIndex(strings.TrimSpace(candidate)); idx >= 0 {
			return idx, true
		}
	}
	return -1, false
}

// PositionalFallback uses the column's configured fixed position.
type PositionalFallback struct{}

func (PositionalFallback) Name() string { return "position" }

func (PositionalFallback) Locate(col Column, sheet *Sheet) (int, bool) {
	if col.Fallback == nil || *col.Fallback < 0 {
		return -1, false
	}
	return *col.Fallback, true
}

// AccountSniff scans the first data row for a cell shaped like an account code.
type AccountSniff struct{}

func (AccountSniff) Name() string { return "sniff" }

func (AccountSniff) Locate(col Column, sheet *Sheet) (int, bool) {
	if !col.Sniff || len(sheet.Records) == 0 {
		return -1, false
	}
	for i, cell := range sheet.Records[0] {
		if IsAccountCode(cell) {
			return i, true
		}
	}
	return -1, false
}

// DefaultStrategies is header match, then positional fallback, then account sniffing.
var DefaultStrategies = []Strategy{HeaderMatch{}, PositionalFallback{}, AccountSniff{}}

// Binding maps column names to record positions.
type Binding struct {
	Index map[string]int
	// Via records which strategy located each column.
	Via map[string]string
	// Width is the minimum record length that covers every required column.
	Width int
}

// Has reports whether the column was located.
func (b Binding) Has(name string) bool {
	_, ok := b.Index[name]
	return ok
}

// Bind locates every column using the strategies in order. Missing required columns are
// reported as warnings and make ok false.
func Bind(sheet *Sheet, columns []Column, strategies ...Strategy) (Binding, []string, bool) {
	if len(strategies) == 0 {
		strategies = DefaultStrategies
	}
	binding := Binding{Index: make(map[string]int), Via: make(map[string]string)}
	var warnings []string
	ok := true

	for _, col := range columns {
		found := false
		for _, strategy := range strategies {
			idx, hit := strategy.Locate(col, sheet)
			if !hit {
				continue
			}
			binding.Index[col.Name] = idx
			binding.Via[col.Name] = strategy.Name()
			if !col.Optional && idx+1 > binding.Width {
				binding.Width = idx + 1
			}
			found = true
			break
		}
		if found {
			continue
		}
		if col.Optional {
			continue
		}
		ok = false
		warnings = append(warnings, fmt.Sprintf("column %q not found in header %v", col.Name, sheet.Header))
	}
	return binding, warnings, ok
}

// Row is one data record viewed through a binding.
type Row struct {
	Line    int
	Cells   []string
	binding *Binding
}

// Text returns the trimmed cell for the named column, or "" when absent.
func (r Row) Text(name string) string {
	idx, ok := r.binding.Index[name]
	if !ok || idx >= len(r.Cells) {
		return ""
	}
	return r.Cells[idx]
}

// Number parses the named cell; unparsable or missing cells yield 0.
func (r Row) Number(name string) float64 {
	v, _ := ParseNumber(r.Text(name))
	return v
}

// Result is the outcome of Parse.
type Result struct {
	Sheet     *Sheet
	Binding   Binding
	Bound     bool
	Rows      []Row
	Discarded int
	Warnings  []string
}

// Parse reads text and binds columns. It never returns an error: problems are collected in
// Warnings and the result carries whatever rows could be bound.
func Parse(text string, columns []Column, strategies ...Strategy) *Result {
	sheet := Read(text)
	res := &Result{Sheet: sheet, Warnings: append([]string(nil), sheet.Warnings...)}
	if sheet.Header == nil {
		return res
	}

	binding, warnings, ok := Bind(sheet, columns, strategies...)
	res.Binding = binding
	res.Bound = ok
	res.Warnings = append(res.Warnings, warnings...)
	if !ok {
		return res
	}

	res.Rows, res.Discarded = sheet.Rows(&res.Binding)
	if res.Discarded > 0 {
		res.Warnings = append(res.Warnings,
			fmt.Sprintf("%d rows shorter than %d columns discarded", res.Discarded, binding.Width))
	}
	return res
}

// Rows views every record wide enough for the binding. Shorter records are only counted.
func (s *Sheet) Rows(binding *Binding) (rows []Row, discarded int) {
	for i, record := range s.Records {
		if len(record) < binding.Width {
			discarded++
			continue
		}
		rows = append(rows, Row{Line: i + 2, Cells: record, binding: binding})
	}
	return rows, discarded
}

// Index returns the bound position of the named column, or -1.
func (r Row) Index(name string) int {
	if idx, ok := r.binding.Index[name]; ok {
		return idx
	}
	return -1
}
