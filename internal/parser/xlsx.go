package parser

import (
	"fmt"
	"io"
	"strings"

	"github.com/xuri/excelize/v2"

	"github.com/s2report/ingestor/internal/ingestion"
)

// XLSX parses the first worksheet of an Excel workbook whose first row is a
// header.
//
// Cells arrive as their displayed text, so a date cell reads as the workbook
// formats it. Fully blank rows are skipped; short and long rows follow the
// Delimited rules.
type XLSX struct{}

// Parse implements Parser.
func (XLSX) Parse(r io.Reader) ([]ingestion.Record, error) {
	book, err := excelize.OpenReader(r)
	if err != nil {
		return nil, fmt.Errorf("open workbook: %w", err)
	}

	defer func() {
		_ = book.Close()
	}()

	sheets := book.GetSheetList()
	if len(sheets) == 0 {
		return nil, ErrNoHeader
	}

	rows, err := book.GetRows(sheets[0])
	if err != nil {
		return nil, fmt.Errorf("read sheet %q: %w", sheets[0], err)
	}

	for len(rows) > 0 && blankRow(rows[0]) {
		rows = rows[1:]
	}

	if len(rows) == 0 {
		return nil, ErrNoHeader
	}

	columns, err := normalizeHeaders(rows[0])
	if err != nil {
		return nil, err
	}

	var records []ingestion.Record

	for _, row := range rows[1:] {
		if blankRow(row) {
			continue
		}

		records = append(records, toRecord(columns, row))
	}

	return records, nil
}

func blankRow(row []string) bool {
	for _, c := range row {
		if strings.TrimSpace(c) != "" {
			return false
		}
	}

	return true
}
