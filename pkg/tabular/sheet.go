// Package tabular reads loosely formatted delimited text exports (registries, meter curves,
// reading dumps) and binds their columns to semantic names despite inconsistent headers.
package tabular

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strconv"
	"strings"
)

// Sheet is a delimited text file split into a header and its data records.
type Sheet struct {
	Delimiter rune
	Header    []string
	Records   [][]string
	Warnings  []string
}

var accountPattern = regexp.MustCompile(`^IT[0-9A-Z]+$`)

// IsAccountCode reports whether s looks like a supply point code: "IT" followed by
// alphanumerics, longer than 10 characters.
func IsAccountCode(s string) bool {
	s = NormalizeCode(s)
	return len(s) > 10 && accountPattern.MatchString(s)
}

// NormalizeCode trims quotes and whitespace and upper-cases an account code.
func NormalizeCode(s string) string {
	return strings.ToUpper(strings.Trim(strings.TrimSpace(s), `"'`))
}

// DetectDelimiter returns ';' when the header line contains one, ',' otherwise.
func DetectDelimiter(headerLine string) rune {
	if strings.ContainsRune(headerLine, ';') {
		return ';'
	}
	return ','
}

// Read splits raw text into header and records. It never fails: malformed lines are
// skipped and reported in Warnings.
func Read(text string) *Sheet {
	text = strings.TrimPrefix(text, "\ufeff")
	sheet := &Sheet{Delimiter: DetectDelimiter(firstLine(text))}

	reader := csv.NewReader(strings.NewReader(text))
	reader.Comma = sheet.Delimiter
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true
	reader.TrimLeadingSpace = true
	reader.ReuseRecord = false

	malformed := 0
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			var parseErr *csv.ParseError
			if errors.As(err, &parseErr) {
				malformed++
				continue
			}
			sheet.Warnings = append(sheet.Warnings, fmt.Sprintf("read stopped: %v", err))
			break
		}
		for i := range record {
			record[i] = strings.TrimSpace(record[i])
		}
		if sheet.Header == nil {
			sheet.Header = record
			continue
		}
		if isBlank(record) {
			continue
		}
		sheet.Records = append(sheet.Records, record)
	}

	if malformed > 0 {
		sheet.Warnings = append(sheet.Warnings, fmt.Sprintf("%d malformed lines skipped", malformed))
	}
	if sheet.Header == nil {
		sheet.Warnings = append(sheet.Warnings, "file has no header line")
	}
	return sheet
}

// HeaderIndex returns the position of the first header cell equal (case-insensitive) to name.
func (s *Sheet) HeaderIndex(name string) int {
	for i, h := range s.Header {
		if strings.EqualFold(h, name) {
			return i
		}
	}
	return -1
}

// ParseNumber accepts both '.' and ',' as decimal separator.
func ParseNumber(s string) (float64, bool) {
	s = strings.Trim(strings.TrimSpace(s), `"'`)
	if s == "" {
		return 0, false
	}
	v, err := strconv.ParseFloat(strings.ReplaceAll(s, ",", "."), 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

func firstLine(text string) string {
	for _, line := range strings.Split(text, "\n") {
		if strings.TrimSpace(line) != "" {
			return line
		}
	}
	return ""
}

func isBlank(record []string) bool {
	for _, cell := range record {
		if cell != "" {
			return false
		}
	}
	return true
}
