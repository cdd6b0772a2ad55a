// Package ingest turns an uploaded workbook or CSV file into the canonical
// header/row dataset used by the rest of the pipeline.
package ingest

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"

	"nlrstudio/internal/domain"
)

var (
	ErrUnsupportedExtension = errors.New("invalid file type; upload an Excel (.xlsx, .xls) or CSV (.csv) file")
	ErrEmptyHeader          = errors.New("file is empty or malformed: first line has no headers")
)

// ParseError wraps decode failures of the uploaded binary.
type ParseError struct {
	FileName string
	Err      error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("error parsing file %s: %v", e.FileName, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// DefaultPlaceholderPatterns match header names produced by exporters for unnamed columns.
var DefaultPlaceholderPatterns = []string{`(?i)^unnamed:\s*\d+$`}

type Options struct {
	// ComponentName selects the workbook sheet of the same name when present.
	ComponentName string
	// Placeholders flag header names that are technically present but meaningless.
	Placeholders []*regexp.Regexp
}

type Result struct {
	Dataset  domain.Dataset `json:"dataset"`
	Sheet    string         `json:"sheet,omitempty"`
	Warnings []string       `json:"warnings,omitempty"`
}

// SupportedExtension reports whether the file name ends in .xlsx, .xls or .csv.
func SupportedExtension(fileName string) bool {
	switch strings.ToLower(filepath.Ext(fileName)) {
	case ".xlsx", ".xls", ".csv":
		return true
	}
	return false
}

// CompilePlaceholders compiles header placeholder patterns.
func CompilePlaceholders(patterns []string) ([]*regexp.Regexp, error) {
	out := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("invalid placeholder pattern %q: %w", p, err)
		}
		out = append(out, re)
	}
	return out, nil
}

// Ingest decodes data according to the extension of fileName and returns the canonical dataset.
func Ingest(fileName string, data []byte, opts Options) (Result, error) {
	var (
		records [][]string
		sheet   string
		err     error
	)
	switch strings.ToLower(filepath.Ext(fileName)) {
	case ".csv":
		records, err = readCSV(data)
	case ".xlsx":
		records, sheet, err = readXLSX(data, opts.ComponentName)
	case ".xls":
		records, sheet, err = readXLS(data, opts.ComponentName)
	default:
		return Result{}, ErrUnsupportedExtension
	}
	if err != nil {
		if errors.Is(err, ErrEmptyHeader) {
			return Result{}, err
		}
		return Result{}, &ParseError{FileName: fileName, Err: err}
	}
	records = trimTrailingBlankRecords(records)
	if len(records) == 0 || len(records[0]) == 0 {
		return Result{}, ErrEmptyHeader
	}
	records = padRecords(records)

	canonical, err := encodeCSV(records)
	if err != nil {
		return Result{}, &ParseError{FileName: fileName, Err: err}
	}
	headers := make([]string, len(records[0]))
	for i, h := range records[0] {
		headers[i] = strings.TrimSpace(h)
	}
	rows := make([]domain.Row, 0, len(records)-1)
	for _, rec := range records[1:] {
		if blankRecord(rec) {
			continue
		}
		row := make(domain.Row, len(headers))
		for i, h := range headers {
			row[h] = rec[i]
		}
		rows = append(rows, row)
	}
	placeholders := opts.Placeholders
	if placeholders == nil {
		placeholders, _ = CompilePlaceholders(DefaultPlaceholderPatterns)
	}
	return Result{
		Dataset: domain.Dataset{
			FileName: canonicalName(fileName),
			Headers:  headers,
			Rows:     rows,
			CSV:      canonical,
		},
		Sheet:    sheet,
		Warnings: HeaderWarnings(headers, placeholders),
	}, nil
}

// HeaderWarnings lists advisory problems with a header row. They never block ingestion.
func HeaderWarnings(headers []string, placeholders []*regexp.Regexp) []string {
	var warnings []string
	seen := make(map[string]bool, len(headers))
	for i, h := range headers {
		if h == "" {
			warnings = append(warnings, fmt.Sprintf("header in column %d is empty", i+1))
			continue
		}
		for _, re := range placeholders {
			if re.MatchString(h) {
				warnings = append(warnings, fmt.Sprintf("header %q in column %d looks like a placeholder", h, i+1))
				break
			}
		}
		if seen[h] {
			warnings = append(warnings, fmt.Sprintf("header %q appears more than once", h))
		}
		seen[h] = true
	}
	return warnings
}

func readCSV(data []byte) ([][]string, error) {
	data = bytes.TrimPrefix(data, []byte("\xef\xbb\xbf"))
	first, _, _ := bytes.Cut(data, []byte("\n"))
	if len(bytes.TrimSpace(first)) == 0 {
		return nil, ErrEmptyHeader
	}
	r := csv.NewReader(bytes.NewReader(data))
	r.FieldsPerRecord = -1
	r.LazyQuotes = true
	return r.ReadAll()
}

func encodeCSV(records [][]string) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.WriteAll(records); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func canonicalName(fileName string) string {
	base := filepath.Base(fileName)
	return strings.TrimSuffix(base, filepath.Ext(base)) + ".csv"
}

func pickSheet(names []string, component string) int {
	if component != "" {
		for i, name := range names {
			if name == component {
				return i
			}
		}
	}
	return 0
}

func padRecords(records [][]string) [][]string {
	width := 0
	for _, rec := range records {
		if len(rec) > width {
			width = len(rec)
		}
	}
	for i, rec := range records {
		if len(rec) < width {
			padded := make([]string, width)
			copy(padded, rec)
			records[i] = padded
		}
	}
	return records
}

func trimTrailingBlankRecords(records [][]string) [][]string {
	end := len(records)
	for end > 1 && blankRecord(records[end-1]) {
		end--
	}
	return records[:end]
}

func blankRecord(rec []string) bool {
	for _, cell := range rec {
		if strings.TrimSpace(cell) != "" {
			return false
		}
	}
	return true
}
