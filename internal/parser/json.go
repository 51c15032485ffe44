package parser

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/s2report/ingestor/internal/ingestion"
)

// ErrNotArray is returned when a JSON upload is not an array of objects.
var ErrNotArray = errors.New("JSON upload must be an array of objects")

// JSON parses an array of flat objects. Keys are normalized like delimited
// headers, numbers become numeric values and nested values are kept as
// their JSON text.
type JSON struct{}

// Parse implements Parser.
func (JSON) Parse(r io.Reader) ([]ingestion.Record, error) {
	dec := json.NewDecoder(r)
	dec.UseNumber()

	tok, err := dec.Token()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrNotArray, err)
	}

	if delim, ok := tok.(json.Delim); !ok || delim != '[' {
		return nil, ErrNotArray
	}

	var records []ingestion.Record

	for dec.More() {
		var obj map[string]any
		if err := dec.Decode(&obj); err != nil {
			return nil, fmt.Errorf("decode record %d: %w", len(records)+1, err)
		}

		if obj == nil {
			return nil, fmt.Errorf("%w: record %d is null", ErrNotArray, len(records)+1)
		}

		rec, err := objectRecord(obj)
		if err != nil {
			return nil, fmt.Errorf("record %d: %w", len(records)+1, err)
		}

		records = append(records, rec)
	}

	if _, err := dec.Token(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrNotArray, err)
	}

	return records, nil
}

func objectRecord(obj map[string]any) (ingestion.Record, error) {
	rec := make(ingestion.Record, len(obj))

	for key, raw := range obj {
		name := NormalizeHeader(key)
		if name == "" {
			return nil, ErrEmptyColumn
		}

		if _, dup := rec[name]; dup {
			return nil, fmt.Errorf("%w: %q", ErrDuplicateColumn, name)
		}

		v, err := jsonValue(raw)
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", key, err)
		}

		rec[name] = v
	}

	return rec, nil
}

func jsonValue(raw any) (ingestion.Value, error) {
	switch v := raw.(type) {
	case map[string]any, []any:
		b, err := json.Marshal(v)
		if err != nil {
			return ingestion.Null(), err
		}

		return ingestion.String(string(b)), nil
	default:
		return ingestion.FromAny(v), nil
	}
}
