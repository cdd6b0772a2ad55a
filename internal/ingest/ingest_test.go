package ingest

import (
	"errors"
	"reflect"
	"strings"
	"testing"

	"github.com/xuri/excelize/v2"
)

func TestIngestCSVHeaders(t *testing.T) {
	res, err := Ingest("orders.csv", []byte("a,b,c\n1,2,3\n4,5,6\n"), Options{})
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if !reflect.DeepEqual(res.Dataset.Headers, []string{"a", "b", "c"}) {
		t.Fatalf("unexpected headers %v", res.Dataset.Headers)
	}
	if len(res.Warnings) != 0 {
		t.Fatalf("expected no warnings, got %v", res.Warnings)
	}
	if len(res.Dataset.Rows) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(res.Dataset.Rows))
	}
	if res.Dataset.Rows[1]["b"] != "5" {
		t.Fatalf("unexpected row %v", res.Dataset.Rows[1])
	}
	if string(res.Dataset.CSV) != "a,b,c\n1,2,3\n4,5,6\n" {
		t.Fatalf("unexpected canonical csv %q", res.Dataset.CSV)
	}
}

func TestIngestBlankHeaderWarns(t *testing.T) {
	res, err := Ingest("blank.csv", []byte("a,,c\n1,2,3\n"), Options{})
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if !reflect.DeepEqual(res.Dataset.Headers, []string{"a", "", "c"}) {
		t.Fatalf("unexpected headers %v", res.Dataset.Headers)
	}
	if len(res.Warnings) != 1 {
		t.Fatalf("expected one warning, got %v", res.Warnings)
	}
}

func TestIngestPlaceholderAndDuplicateHeaders(t *testing.T) {
	res, err := Ingest("export.csv", []byte("Unnamed: 0,name,name\n0,x,y\n"), Options{})
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if len(res.Warnings) != 2 {
		t.Fatalf("expected placeholder and duplicate warnings, got %v", res.Warnings)
	}
	if !strings.Contains(res.Warnings[0], "placeholder") {
		t.Fatalf("unexpected first warning %q", res.Warnings[0])
	}
}

func TestIngestTrimsHeaders(t *testing.T) {
	res, err := Ingest("DATA.CSV", []byte(" amount , qty \n1,2\n"), Options{})
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if !reflect.DeepEqual(res.Dataset.Headers, []string{"amount", "qty"}) {
		t.Fatalf("unexpected headers %v", res.Dataset.Headers)
	}
	if res.Dataset.Rows[0]["qty"] != "2" {
		t.Fatalf("row keyed by trimmed header expected, got %v", res.Dataset.Rows[0])
	}
}

func TestIngestRejectsUnsupportedExtension(t *testing.T) {
	_, err := Ingest("notes.txt", []byte("a,b\n"), Options{})
	if !errors.Is(err, ErrUnsupportedExtension) {
		t.Fatalf("expected unsupported extension, got %v", err)
	}
}

func TestIngestEmptyFirstLine(t *testing.T) {
	_, err := Ingest("empty.csv", []byte("\na,b\n"), Options{})
	if !errors.Is(err, ErrEmptyHeader) {
		t.Fatalf("expected empty header error, got %v", err)
	}
	_, err = Ingest("empty.csv", nil, Options{})
	if !errors.Is(err, ErrEmptyHeader) {
		t.Fatalf("expected empty header error for empty file, got %v", err)
	}
}

func TestIngestCorruptWorkbook(t *testing.T) {
	_, err := Ingest("broken.xlsx", []byte("definitely not a zip archive"), Options{})
	var pe *ParseError
	if !errors.As(err, &pe) {
		t.Fatalf("expected parse error, got %v", err)
	}
	if pe.FileName != "broken.xlsx" {
		t.Fatalf("unexpected file name %q", pe.FileName)
	}
	_, err = Ingest("broken.xls", []byte("not biff either"), Options{})
	if !errors.As(err, &pe) {
		t.Fatalf("expected parse error for xls, got %v", err)
	}
}

func workbook(t *testing.T, sheets map[string][][]any, order []string) []byte {
	t.Helper()
	f := excelize.NewFile()
	defer f.Close()
	for i, name := range order {
		if i == 0 {
			if err := f.SetSheetName("Sheet1", name); err != nil {
				t.Fatalf("rename sheet: %v", err)
			}
		} else if _, err := f.NewSheet(name); err != nil {
			t.Fatalf("new sheet: %v", err)
		}
		for r, row := range sheets[name] {
			cell, err := excelize.CoordinatesToCellName(1, r+1)
			if err != nil {
				t.Fatalf("cell name: %v", err)
			}
			values := row
			if err := f.SetSheetRow(name, cell, &values); err != nil {
				t.Fatalf("set row: %v", err)
			}
		}
	}
	buf, err := f.WriteToBuffer()
	if err != nil {
		t.Fatalf("write workbook: %v", err)
	}
	return buf.Bytes()
}

func TestIngestWorkbookPicksComponentSheet(t *testing.T) {
	data := workbook(t, map[string][][]any{
		"Summary": {{"total"}, {"3"}},
		"Worker":  {{"PersonNumber", "Salary"}, {"1001", "5000"}},
	}, []string{"Summary", "Worker"})

	res, err := Ingest("load.xlsx", data, Options{ComponentName: "Worker"})
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if res.Sheet != "Worker" {
		t.Fatalf("expected Worker sheet, got %s", res.Sheet)
	}
	if !reflect.DeepEqual(res.Dataset.Headers, []string{"PersonNumber", "Salary"}) {
		t.Fatalf("unexpected headers %v", res.Dataset.Headers)
	}
	if res.Dataset.FileName != "load.csv" {
		t.Fatalf("expected canonical csv name, got %s", res.Dataset.FileName)
	}
	if !strings.HasPrefix(string(res.Dataset.CSV), "PersonNumber,Salary\n1001,5000") {
		t.Fatalf("unexpected canonical csv %q", res.Dataset.CSV)
	}

	res, err = Ingest("load.xlsx", data, Options{ComponentName: "Absent"})
	if err != nil {
		t.Fatalf("ingest fallback: %v", err)
	}
	if res.Sheet != "Summary" {
		t.Fatalf("expected first sheet fallback, got %s", res.Sheet)
	}
}
