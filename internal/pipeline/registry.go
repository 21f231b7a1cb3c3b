package pipeline

import (
	"fmt"
	"strings"

	"curve-dispatch/pkg/tabular"
)

const (
	colAccount    = "account_code"
	colMeterClass = "meter_class"
)

var accountColumn = tabular.Column{
	Name:     colAccount,
	Synonyms: []string{"POD", "CODICE POD", "CODICE_POD", "COD_POD", "ACCOUNT", "ACCOUNT CODE"},
	Sniff:    true,
}

var registryColumns = []tabular.Column{
	accountColumn,
	{
		Name:     colMeterClass,
		Synonyms: []string{"TRATTAMENTO", "TIPO TRATTAMENTO", "TIPO_TRATTAMENTO", "TIPO MISURA", "TIPO_MISURA", "METER CLASS", "CLASS"},
		Optional: true,
	},
}

// MeterClass is the classification of one registry account.
type MeterClass int

const (
	MeterHourly MeterClass = iota
	MeterNonHourly
	// MeterUnknown is an empty or unrecognised class cell. It counts as hourly.
	MeterUnknown
)

var (
	hourlyClasses    = []string{"O", "ORARIO", "TM"}
	nonHourlyClasses = []string{"M", "MENSILE", "F", "FASCE", "NO", "NON ORARIO", "NON_ORARIO", "NON-ORARIO"}
)

// ClassifyMeter maps a meter class cell to a MeterClass.
func ClassifyMeter(cell string) MeterClass {
	v := strings.ToUpper(strings.TrimSpace(cell))
	for _, c := range hourlyClasses {
		if v == c {
			return MeterHourly
		}
	}
	for _, c := range nonHourlyClasses {
		if v == c {
			return MeterNonHourly
		}
	}
	return MeterUnknown
}

// RegistrySummary is the REGISTRY_INTAKE stage payload.
type RegistrySummary struct {
	Registry            SourceStats `json:"registry" gorethink:"registry"`
	LightingDetail      SourceStats `json:"lighting_detail" gorethink:"lighting_detail"`
	RawRows             int         `json:"raw_rows_processed" gorethink:"raw_rows_processed"`
	InvalidRows         int         `json:"invalid_rows" gorethink:"invalid_rows"`
	ValidAccounts       int         `json:"valid_accounts" gorethink:"valid_accounts"`
	HourlyAccounts      int         `json:"hourly_accounts" gorethink:"hourly_accounts"`
	NonHourlyAccounts   int         `json:"non_hourly_accounts" gorethink:"non_hourly_accounts"`
	DefaultedMeterClass int         `json:"defaulted_meter_class" gorethink:"defaulted_meter_class"`
	ConflictingClass    int         `json:"conflicting_class" gorethink:"conflicting_class"`
	LightingAccounts    int         `json:"lighting_accounts" gorethink:"lighting_accounts"`
	LightingDeducted    int         `json:"lighting_accounts_deducted" gorethink:"lighting_accounts_deducted"`
}

// Registry accumulates account classifications over any number of registry documents.
// Codes keep their first-seen order and their first classification.
type Registry struct {
	hourly    []string
	nonHourly []string
	seen      map[string]MeterClass
	lighting  map[string]struct{}

	RawRows          int
	InvalidRows      int
	Defaulted        int
	Conflicting      int
	LightingDeducted int
	Warnings         []string
}

func NewRegistry() *Registry {
	return &Registry{
		seen:     make(map[string]MeterClass),
		lighting: make(map[string]struct{}),
	}
}

// AddRegistry parses one registry document and classifies its accounts.
func (g *Registry) AddRegistry(name, text string) {
	res := tabular.Parse(text, registryColumns)
	g.warn(name, res.Warnings...)
	if !res.Bound {
		return
	}
	if !res.Binding.Has(colMeterClass) {
		g.warn(name, "no meter class column, every account defaults to hourly")
	}

	for _, row := range res.Rows {
		g.RawRows++
		code := tabular.NormalizeCode(row.Text(colAccount))
		if !tabular.IsAccountCode(code) {
			g.InvalidRows++
			continue
		}

		class := ClassifyMeter(row.Text(colMeterClass))
		if class == MeterUnknown {
			g.Defaulted++
			class = MeterHourly
		}

		if prev, ok := g.seen[code]; ok {
			if prev != class {
				g.Conflicting++
			}
			continue
		}
		g.seen[code] = class
		if class == MeterHourly {
			g.hourly = append(g.hourly, code)
		} else {
			g.nonHourly = append(g.nonHourly, code)
		}
	}
}

// AddLightingDetail collects lighting accounts: the first account-shaped cell of every line.
func (g *Registry) AddLightingDetail(name, text string) {
	sheet := tabular.Read(text)
	g.warn(name, sheet.Warnings...)
	lines := append([][]string{sheet.Header}, sheet.Records...)
	for _, record := range lines {
		for _, cell := range record {
			if tabular.IsAccountCode(cell) {
				g.lighting[tabular.NormalizeCode(cell)] = struct{}{}
				break
			}
		}
	}
}

// Finalize removes lighting accounts from the hourly set and reports conflicts and defaults.
func (g *Registry) Finalize() {
	var removed int
	g.hourly, removed = Deduct(g.hourly, g.lighting)
	g.LightingDeducted += removed

	if g.Defaulted > 0 {
		g.Warnings = append(g.Warnings, fmt.Sprintf(
			"%d rows with an empty or unrecognised meter class classified as hourly", g.Defaulted))
	}
	if g.Conflicting > 0 {
		g.Warnings = append(g.Warnings, fmt.Sprintf(
			"%d repeated accounts with a different meter class kept their first classification", g.Conflicting))
	}
}

func (g *Registry) Hourly() []string    { return g.hourly }
func (g *Registry) NonHourly() []string { return g.nonHourly }

// ValidAccounts is the number of distinct valid account codes classified.
func (g *Registry) ValidAccounts() int { return len(g.seen) }

func (g *Registry) LightingAccounts() int { return len(g.lighting) }

func (g *Registry) warn(name string, warnings ...string) {
	for _, w := range warnings {
		g.Warnings = append(g.Warnings, name+": "+w)
	}
}

// Deduct returns hourly without the lighting accounts and how many were removed. Applying it
// twice with the same set removes nothing more.
func Deduct(hourly []string, lighting map[string]struct{}) ([]string, int) {
	if len(lighting) == 0 {
		return hourly, 0
	}
	kept := make([]string, 0, len(hourly))
	for _, code := range hourly {
		if _, ok := lighting[code]; ok {
			continue
		}
		kept = append(kept, code)
	}
	return kept, len(hourly) - len(kept)
}
