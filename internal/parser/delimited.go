package parser

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/s2report/ingestor/internal/ingestion"
)

// Delimited parses comma- or tab-separated files whose first row is a header.
//
// Cells are trimmed; empty cells become null. Rows shorter than the header
// leave the missing columns null, and cells beyond the header are kept under
// column_<n>.
type Delimited struct {
	Comma rune
	// LazyQuotes tolerates stray quotes inside unquoted fields.
	LazyQuotes bool
}

// Parse implements Parser.
func (d *Delimited) Parse(r io.Reader) ([]ingestion.Record, error) {
	cr := csv.NewReader(r)
	cr.Comma = d.Comma
	cr.LazyQuotes = d.LazyQuotes || d.Comma == '\t'
	cr.FieldsPerRecord = -1
	cr.ReuseRecord = true

	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return nil, ErrNoHeader
	}

	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}

	columns, err := normalizeHeaders(header)
	if err != nil {
		return nil, err
	}

	var records []ingestion.Record

	for {
		row, err := cr.Read()
		if errors.Is(err, io.EOF) {
			return records, nil
		}

		if err != nil {
			return nil, fmt.Errorf("read row %d: %w", len(records)+1, err)
		}

		records = append(records, toRecord(columns, row))
	}
}

func toRecord(columns, row []string) ingestion.Record {
	rec := make(ingestion.Record, max(len(columns), len(row)))

	for i, name := range columns {
		rec[name] = ingestion.Null()

		if i < len(row) {
			rec[name] = cell(row[i])
		}
	}

	for i := len(columns); i < len(row); i++ {
		rec[extraColumn(i+1)] = cell(row[i])
	}

	return rec
}

func cell(raw string) ingestion.Value {
	v := strings.TrimSpace(raw)
	if v == "" {
		return ingestion.Null()
	}

	return ingestion.String(v)
}
