package ingest

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/extrame/xls"
	"github.com/xuri/excelize/v2"
)

func readXLSX(data []byte, component string) ([][]string, string, error) {
	f, err := excelize.OpenReader(bytes.NewReader(data))
	if err != nil {
		return nil, "", fmt.Errorf("open workbook: %w", err)
	}
	defer f.Close()
	names := f.GetSheetList()
	if len(names) == 0 {
		return nil, "", errors.New("workbook has no sheets")
	}
	sheet := names[pickSheet(names, component)]
	rows, err := f.GetRows(sheet)
	if err != nil {
		return nil, "", fmt.Errorf("read sheet %s: %w", sheet, err)
	}
	return rows, sheet, nil
}

// readXLS decodes legacy BIFF workbooks. The decoder panics on some corrupt
// inputs, so panics are converted to errors here.
func readXLS(data []byte, component string) (records [][]string, sheet string, err error) {
	defer func() {
		if r := recover(); r != nil {
			records, sheet, err = nil, "", fmt.Errorf("decode xls: %v", r)
		}
	}()
	wb, err := xls.OpenReader(bytes.NewReader(data), "utf-8")
	if err != nil {
		return nil, "", fmt.Errorf("open workbook: %w", err)
	}
	n := wb.NumSheets()
	if n == 0 {
		return nil, "", errors.New("workbook has no sheets")
	}
	names := make([]string, 0, n)
	for i := 0; i < n; i++ {
		name := ""
		if ws := wb.GetSheet(i); ws != nil {
			name = ws.Name
		}
		names = append(names, name)
	}
	idx := pickSheet(names, component)
	ws := wb.GetSheet(idx)
	if ws == nil {
		return nil, "", fmt.Errorf("sheet %d unreadable", idx)
	}
	for i := 0; i <= int(ws.MaxRow); i++ {
		row := ws.Row(i)
		if row == nil {
			records = append(records, nil)
			continue
		}
		cells := make([]string, 0, row.LastCol())
		for c := 0; c < row.LastCol(); c++ {
			cells = append(cells, row.Col(c))
		}
		records = append(records, cells)
	}
	return records, names[idx], nil
}
