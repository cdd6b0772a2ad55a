// Package export renders preview results as downloadable files.
package export

import (
	"errors"
	"strings"

	"nlrstudio/internal/domain"
)

// ErrNoRows is returned when there is nothing to download.
var ErrNoRows = errors.New("no passed rows to download")

// FileName is the name offered for the passed-rows download.
const FileName = "passed_rows.csv"

// Headers returns the union of record keys in first-seen order.
func Headers(rows []domain.Record) []string {
	seen := map[string]bool{}
	var out []string
	for _, r := range rows {
		for _, k := range r.Keys() {
			if !seen[k] {
				seen[k] = true
				out = append(out, k)
			}
		}
	}
	return out
}

// PassedRowsCSV renders rows as CSV with every field double-quoted. Missing
// and null values become empty fields.
func PassedRowsCSV(rows []domain.Record) ([]byte, error) {
	if len(rows) == 0 {
		return nil, ErrNoRows
	}
	headers := Headers(rows)
	var b strings.Builder
	writeLine(&b, headers)
	fields := make([]string, len(headers))
	for _, r := range rows {
		for i, h := range headers {
			fields[i], _ = r.Text(h)
		}
		writeLine(&b, fields)
	}
	return []byte(b.String()), nil
}

func writeLine(b *strings.Builder, fields []string) {
	for i, f := range fields {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteByte('"')
		b.WriteString(strings.ReplaceAll(f, `"`, `""`))
		b.WriteByte('"')
	}
	b.WriteByte('\n')
}
