package pipeline

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"curve-dispatch/pkg/archive"
	"curve-dispatch/pkg/tabular"
)

// UnmatchedSampleSize is how many unmatched accounts are kept for diagnostics.
const UnmatchedSampleSize = 100

var readingsClassifier = archive.ByExtension(".csv", ".txt", ".xml")

// Element and attribute names, lower-cased, whose value may carry an account code.
var xmlAccountNames = map[string]bool{
	"pod":             true,
	"codicepod":       true,
	"cod_pod":         true,
	"account":         true,
	"accountcode":     true,
	"account_code":    true,
	"puntoprelievo":   true,
	"meteringpointid": true,
}

// ReadingsSummary is the READING_RESOLUTION stage payload.
type ReadingsSummary struct {
	Sources         SourceStats `json:"sources" gorethink:"sources"`
	CSVDocuments    int         `json:"csv_documents" gorethink:"csv_documents"`
	XMLDocuments    int         `json:"xml_documents" gorethink:"xml_documents"`
	AccountsRead    int         `json:"accounts_with_readings" gorethink:"accounts_with_readings"`
	HourlyAccounts  int         `json:"hourly_accounts" gorethink:"hourly_accounts"`
	Matched         int         `json:"matched_accounts" gorethink:"matched_accounts"`
	Unmatched       int         `json:"unmatched_accounts" gorethink:"unmatched_accounts"`
	UnmatchedSample []string    `json:"unmatched_sample" gorethink:"unmatched_sample"`
}

// ReadingIndex is the de-duplicated set of accounts that have at least one reading.
type ReadingIndex struct {
	codes    map[string]struct{}
	CSV      int
	XML      int
	Warnings []string
}

func NewReadingIndex() *ReadingIndex {
	return &ReadingIndex{codes: make(map[string]struct{})}
}

// Add collects account codes from a CSV or XML document.
func (ix *ReadingIndex) Add(name string, data []byte) {
	if isXML(name, data) {
		ix.XML++
		if err := ix.addXML(data); err != nil {
			ix.Warnings = append(ix.Warnings, fmt.Sprintf("%s: xml decode stopped: %v", name, err))
		}
		return
	}
	ix.CSV++
	ix.addCSV(name, string(data))
}

func (ix *ReadingIndex) addCSV(name, text string) {
	res := tabular.Parse(text, []tabular.Column{accountColumn})
	for _, w := range res.Warnings {
		ix.Warnings = append(ix.Warnings, name+": "+w)
	}
	for _, row := range res.Rows {
		ix.collect(row.Text(colAccount))
	}
}

// addXML walks the token stream without a schema. Values of recognised elements and
// attributes are kept when they look like account codes.
func (ix *ReadingIndex) addXML(data []byte) error {
	dec := xml.NewDecoder(bytes.NewReader(data))
	dec.Strict = false
	dec.CharsetReader = func(_ string, input io.Reader) (io.Reader, error) { return input, nil }

	var inAccount []bool
	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			inAccount = append(inAccount, xmlAccountNames[strings.ToLower(t.Name.Local)])
			for _, attr := range t.Attr {
				if xmlAccountNames[strings.ToLower(attr.Name.Local)] {
					ix.collect(attr.Value)
				}
			}
		case xml.EndElement:
			if len(inAccount) > 0 {
				inAccount = inAccount[:len(inAccount)-1]
			}
		case xml.CharData:
			if len(inAccount) > 0 && inAccount[len(inAccount)-1] {
				ix.collect(string(t))
			}
		}
	}
}

func (ix *ReadingIndex) collect(cell string) {
	code := tabular.NormalizeCode(cell)
	if tabular.IsAccountCode(code) {
		ix.codes[code] = struct{}{}
	}
}

func (ix *ReadingIndex) Len() int { return len(ix.codes) }

func (ix *ReadingIndex) Has(code string) bool {
	_, ok := ix.codes[code]
	return ok
}

func isXML(name string, data []byte) bool {
	if strings.EqualFold(path.Ext(name), ".xml") {
		return true
	}
	trimmed := bytes.TrimLeft(bytes.TrimPrefix(data, []byte("\ufeff")), " \t\r\n")
	return bytes.HasPrefix(trimmed, []byte("<"))
}

// CrossReference is the split of the hourly set against the reading index.
type CrossReference struct {
	Matched   []string
	Unmatched []string
}

// Sample returns the first UnmatchedSampleSize unmatched codes in hourly order.
func (c CrossReference) Sample() []string {
	if len(c.Unmatched) <= UnmatchedSampleSize {
		return c.Unmatched
	}
	return c.Unmatched[:UnmatchedSampleSize]
}

// Match splits hourly into accounts with and without readings. Every hourly code lands in
// exactly one side.
func Match(hourly []string, index *ReadingIndex) CrossReference {
	ref := CrossReference{Matched: []string{}, Unmatched: []string{}}
	for _, code := range hourly {
		if index.Has(code) {
			ref.Matched = append(ref.Matched, code)
		} else {
			ref.Unmatched = append(ref.Unmatched, code)
		}
	}
	return ref
}
