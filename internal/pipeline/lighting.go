package pipeline

import (
	"fmt"

	"curve-dispatch/pkg/curve"
	"curve-dispatch/pkg/tabular"
)

// lightingPrefix is the number of descriptive columns before the 96 values in files that do
// not name their quarter-hour columns.
const lightingPrefix = 8

var (
	namedSlots      = slotColumns(func(i int) tabular.Column { return tabular.Column{Name: fmt.Sprintf("QH%d", i+1)} })
	positionalSlots = slotColumns(func(i int) tabular.Column {
		return tabular.Column{Name: fmt.Sprintf("QH%d", i+1), Fallback: tabular.At(lightingPrefix + i)}
	})
)

func slotColumns(mk func(i int) tabular.Column) []tabular.Column {
	cols := make([]tabular.Column, curve.QuarterHours)
	for i := range cols {
		cols[i] = mk(i)
	}
	return cols
}

// LightingSummary is the LIGHTING_ASSIMILATION stage payload.
type LightingSummary struct {
	Sources        SourceStats `json:"sources" gorethink:"sources"`
	DaysProcessed  int         `json:"days_processed" gorethink:"days_processed"`
	EmptyDays      int         `json:"empty_days" gorethink:"empty_days"`
	RowsDiscarded  int         `json:"rows_discarded" gorethink:"rows_discarded"`
	FilesNoLayout  int         `json:"files_without_layout" gorethink:"files_without_layout"`
	PositionalFile int         `json:"positional_files" gorethink:"positional_files"`
	Total          float64     `json:"lighting_total" gorethink:"lighting_total"`
}

// CurveExtractor turns aggregated lighting files into daily curves and averages them.
type CurveExtractor struct {
	days [][]float64

	EmptyDays       int
	RowsDiscarded   int
	FilesNoLayout   int
	PositionalFiles int
	Warnings        []string
}

func NewCurveExtractor() *CurveExtractor {
	return &CurveExtractor{}
}

// Add parses one aggregated lighting document. Each row with 96 values and at least one
// nonzero value becomes a day; all-zero rows mean "no data" and are dropped.
func (x *CurveExtractor) Add(name, text string) {
	sheet := tabular.Read(text)
	x.warn(name, sheet.Warnings...)
	if sheet.Header == nil {
		x.FilesNoLayout++
		return
	}

	binding, ok := x.bind(sheet)
	if !ok {
		x.FilesNoLayout++
		x.warn(name, fmt.Sprintf("neither QH1..QH96 columns nor %d+%d positional layout found (%d columns), file ignored",
			lightingPrefix, curve.QuarterHours, len(sheet.Header)))
		return
	}

	rows, discarded := sheet.Rows(&binding)
	x.RowsDiscarded += discarded
	if discarded > 0 {
		x.warn(name, fmt.Sprintf("%d rows shorter than %d columns discarded", discarded, binding.Width))
	}

	for _, row := range rows {
		day := curve.Zero()
		for i := range day {
			day[i] = row.Number(fmt.Sprintf("QH%d", i+1))
		}
		if !curve.IsValidDay(day) {
			x.EmptyDays++
			continue
		}
		x.days = append(x.days, day)
	}
}

func (x *CurveExtractor) bind(sheet *tabular.Sheet) (tabular.Binding, bool) {
	binding, _, ok := tabular.Bind(sheet, namedSlots, tabular.HeaderMatch{})
	if ok {
		return binding, true
	}
	if len(sheet.Header) < lightingPrefix+curve.QuarterHours {
		return tabular.Binding{}, false
	}
	binding, _, ok = tabular.Bind(sheet, positionalSlots, tabular.PositionalFallback{})
	if ok {
		x.PositionalFiles++
	}
	return binding, ok
}

// Days is the number of valid daily curves collected so far.
func (x *CurveExtractor) Days() int { return len(x.days) }

// Profile averages every valid day. With no day it is all zeros and a warning is recorded.
func (x *CurveExtractor) Profile() curve.Profile {
	if len(x.days) == 0 {
		x.Warnings = append(x.Warnings, "no lighting data found")
	}
	return curve.Average(x.days)
}

func (x *CurveExtractor) warn(name string, warnings ...string) {
	for _, w := range warnings {
		x.Warnings = append(x.Warnings, name+": "+w)
	}
}
