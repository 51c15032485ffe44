// Package ingestion turns loosely-typed upload records into committed
// transaction rows.
//
// The Engine owns the ingestion algorithm: fingerprint the raw upload bytes,
// reject byte-identical re-uploads, resolve the target partition once for the
// whole batch, then write every record and the upload history entry in one
// transaction through a Store.
package ingestion

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"time"
)

// Column names the engine reads from each record.
const (
	FieldAmount          = "amount"
	FieldTransactionDate = "transaction_date"
)

// DefaultDateLayout is the layout transaction dates are parsed with.
const DefaultDateLayout = "2006-01-02"

// Kind discriminates the variants of Value.
type Kind uint8

// Value kinds.
const (
	KindNull Kind = iota
	KindString
	KindNumber
	KindDate
)

// String implements fmt.Stringer.
func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindString:
		return "string"
	case KindNumber:
		return "number"
	case KindDate:
		return "date"
	default:
		return "kind(" + strconv.Itoa(int(k)) + ")"
	}
}

type (
	// Value is a single cell of an uploaded record: null, a string, a number
	// or a date. The zero Value is null.
	Value struct {
		kind Kind
		str  string
		num  float64
		date time.Time
	}

	// Record is one uploaded row keyed by normalized column name.
	Record map[string]Value

	// Coordinates route a batch to its partition. DataType is optional unless
	// the topology requires it for the (country, platform) pair.
	Coordinates struct {
		Country  string `json:"country"`
		Platform string `json:"platform"`
		Channel  string `json:"channel"`
		DataType string `json:"dataType,omitempty"`
	}

	// Batch is one upload.
	//
	// Source holds the raw bytes the records were parsed from; only its hash is
	// used, so re-uploading an identical file is detected even when parsing is
	// not deterministic.
	Batch struct {
		FileName    string
		Coordinates Coordinates
		Records     []Record
		Source      []byte
		Actor       string
	}

	// Row is a record after coercion, ready to be inserted.
	Row struct {
		// Ordinal is the record's 1-based position in the batch.
		Ordinal         int
		TransactionDate time.Time
		// Amount is a decimal literal; the column type enforces scale and range.
		Amount string
		// Payload is the original record encoded as a JSON object.
		Payload string
	}

	// RowFailure describes a record the store refused.
	RowFailure struct {
		Ordinal int
		Err     error
	}

	// WriteResult is what a Store reports after committing a batch.
	WriteResult struct {
		Accepted int
		Failures []RowFailure
	}

	// UploadRecord is the history entry proving a fingerprint was ingested.
	UploadRecord struct {
		ID            int64     `json:"id"`
		UploadedAt    time.Time `json:"uploadedAt"`
		FileName      string    `json:"fileName"`
		Fingerprint   string    `json:"fingerprint"`
		Country       string    `json:"country"`
		Platform      string    `json:"platform"`
		Channel       string    `json:"channel"`
		DataType      string    `json:"dataType,omitempty"`
		UploadedBy    string    `json:"uploadedBy"`
		RecordCount   int       `json:"recordCount"`
		AcceptedCount int       `json:"acceptedCount"`
		RejectedCount int       `json:"rejectedCount"`
	}

	// Result is the outcome of one Ingest call.
	Result struct {
		Accepted    int    `json:"accepted"`
		Rejected    int    `json:"rejected"`
		Duplicate   bool   `json:"duplicate"`
		Target      string `json:"target,omitempty"`
		Fingerprint string `json:"fingerprint"`
		// AcceptedRatio is the accepted share of the batch as a percentage.
		AcceptedRatio float64 `json:"acceptedRatio"`
		// DefaultedAmounts and DefaultedDates count records whose amount or
		// date could not be read and fell back to a default.
		DefaultedAmounts int `json:"defaultedAmounts"`
		DefaultedDates   int `json:"defaultedDates"`
	}
)

// Null returns the null Value.
func Null() Value { return Value{} }

// String returns a string Value.
func String(s string) Value { return Value{kind: KindString, str: s} }

// Number returns a numeric Value.
func Number(f float64) Value { return Value{kind: KindNumber, num: f} }

// Date returns a date Value.
func Date(t time.Time) Value { return Value{kind: KindDate, date: t} }

// FromAny converts a decoded JSON or driver value into a Value.
// Unrecognized types are kept as their string form.
func FromAny(v any) Value {
	switch val := v.(type) {
	case nil:
		return Null()
	case Value:
		return val
	case string:
		return String(val)
	case float64:
		return Number(val)
	case float32:
		return Number(float64(val))
	case int:
		return Number(float64(val))
	case int64:
		return Number(float64(val))
	case json.Number:
		if f, err := val.Float64(); err == nil {
			return Number(f)
		}

		return String(val.String())
	case bool:
		return String(strconv.FormatBool(val))
	case time.Time:
		return Date(val)
	default:
		return String(fmt.Sprint(val))
	}
}

// Kind returns the variant held by v.
func (v Value) Kind() Kind { return v.kind }

// IsNull reports whether v is null.
func (v Value) IsNull() bool { return v.kind == KindNull }

// Str returns the string held by v.
func (v Value) Str() (string, bool) { return v.str, v.kind == KindString }

// Float returns the number held by v.
func (v Value) Float() (float64, bool) { return v.num, v.kind == KindNumber }

// Time returns the date held by v.
func (v Value) Time() (time.Time, bool) { return v.date, v.kind == KindDate }

// String implements fmt.Stringer.
func (v Value) String() string {
	switch v.kind {
	case KindString:
		return v.str
	case KindNumber:
		return strconv.FormatFloat(v.num, 'f', -1, 64)
	case KindDate:
		return v.date.Format(DefaultDateLayout)
	default:
		return ""
	}
}

// MarshalJSON implements json.Marshaler. Non-finite numbers encode as null.
func (v Value) MarshalJSON() ([]byte, error) {
	switch v.kind {
	case KindString:
		return json.Marshal(v.str)
	case KindNumber:
		if math.IsNaN(v.num) || math.IsInf(v.num, 0) {
			return []byte("null"), nil
		}

		return json.Marshal(v.num)
	case KindDate:
		return json.Marshal(v.date.Format(DefaultDateLayout))
	default:
		return []byte("null"), nil
	}
}

// Get returns the value stored under key, or null.
func (r Record) Get(key string) Value {
	return r[key]
}

// missing lists the required coordinates that are blank.
func (c Coordinates) missing(requireDataType bool) []string {
	var fields []string

	if isBlank(c.Country) {
		fields = append(fields, "country")
	}

	if isBlank(c.Platform) {
		fields = append(fields, "platform")
	}

	if isBlank(c.Channel) {
		fields = append(fields, "channel")
	}

	if requireDataType && isBlank(c.DataType) {
		fields = append(fields, "data_type")
	}

	return fields
}
