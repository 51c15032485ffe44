// Package parser turns uploaded files into ingestion records.
//
// Parsers only split files into named cells. Type coercion of amounts and
// dates belongs to the ingestion engine, so every delimited or workbook cell
// arrives as a string or null.
package parser

import (
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/s2report/ingestor/internal/ingestion"
)

var (
	// ErrUnsupportedFormat is returned for file types no parser handles.
	ErrUnsupportedFormat = errors.New("unsupported file format")
	// ErrNoHeader is returned when a delimited file has no header row.
	ErrNoHeader = errors.New("file has no header row")
	// ErrDuplicateColumn is returned when two headers normalize to the same name.
	ErrDuplicateColumn = errors.New("duplicate column")
	// ErrEmptyColumn is returned when a header cell is blank.
	ErrEmptyColumn = errors.New("empty column name")
)

// Parser reads every record of one file.
type Parser interface {
	Parse(r io.Reader) ([]ingestion.Record, error)
}

// Format names a supported file format.
type Format string

// Supported formats.
const (
	FormatCSV  Format = "csv"
	FormatTXT  Format = "txt"
	FormatJSON Format = "json"
	FormatXLSX Format = "xlsx"
)

// ForFile picks a parser from the file name's extension.
func ForFile(name string) (Parser, error) {
	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(name), "."))

	switch ext {
	case "csv":
		return ForFormat(FormatCSV)
	case "txt", "tsv":
		return ForFormat(FormatTXT)
	case "json":
		return ForFormat(FormatJSON)
	case "xlsx":
		return ForFormat(FormatXLSX)
	case "":
		return nil, fmt.Errorf("%w: %q has no extension", ErrUnsupportedFormat, name)
	default:
		return nil, fmt.Errorf("%w: .%s", ErrUnsupportedFormat, ext)
	}
}

// ForFormat returns the parser for a named format.
func ForFormat(format Format) (Parser, error) {
	switch format {
	case FormatCSV:
		return &Delimited{Comma: ','}, nil
	case FormatTXT:
		return &Delimited{Comma: '\t'}, nil
	case FormatJSON:
		return &JSON{}, nil
	case FormatXLSX:
		return XLSX{}, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, format)
	}
}

// NormalizeHeader trims a column name, strips a byte order mark, lower-cases
// it and replaces spaces with underscores.
func NormalizeHeader(h string) string {
	h = strings.TrimPrefix(h, "\ufeff")
	h = strings.TrimSpace(h)

	return strings.ReplaceAll(strings.ToLower(h), " ", "_")
}

// normalizeHeaders normalizes every header and rejects blanks and duplicates.
func normalizeHeaders(raw []string) ([]string, error) {
	names := make([]string, len(raw))
	seen := make(map[string]int, len(raw))

	for i, h := range raw {
		name := NormalizeHeader(h)
		if name == "" {
			return nil, fmt.Errorf("%w at position %d", ErrEmptyColumn, i+1)
		}

		if first, ok := seen[name]; ok {
			return nil, fmt.Errorf("%w: %q at positions %d and %d", ErrDuplicateColumn, name, first+1, i+1)
		}

		seen[name] = i
		names[i] = name
	}

	return names, nil
}

// extraColumn names a cell beyond the header by its 1-based position.
func extraColumn(position int) string {
	return "column_" + strconv.Itoa(position)
}
