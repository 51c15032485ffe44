package ingestion

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
	"time"
)

const zeroAmount = "0"

// amountNoise is stripped from amount strings before parsing. Commas are
// handled separately as thousands separators.
var amountNoise = strings.NewReplacer(
	" ", "",
	"\u00a0", "",
	"$", "",
	"€", "",
	"£", "",
	"¥", "",
)

// coerceAmount converts v into a decimal literal. It reports false when v
// was absent or unreadable and the zero default was used instead.
//
// Strings use "." as the decimal point and "," only between groups of three
// integer digits. Other comma placements ("1.234,56", "12,5") are ambiguous
// and default to zero.
func coerceAmount(v Value) (string, bool) {
	switch v.Kind() {
	case KindNumber:
		f, _ := v.Float()
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return zeroAmount, false
		}

		return strconv.FormatFloat(f, 'f', -1, 64), true
	case KindString:
		s, _ := v.Str()

		return parseAmount(s)
	default:
		return zeroAmount, false
	}
}

func parseAmount(s string) (string, bool) {
	s = strings.TrimSpace(s)

	negative := false
	if strings.HasPrefix(s, "(") && strings.HasSuffix(s, ")") {
		negative = true
		s = s[1 : len(s)-1]
	}

	s = amountNoise.Replace(s)
	if s == "" || !thousandsGrouped(s) {
		return zeroAmount, false
	}

	s = strings.ReplaceAll(s, ",", "")

	f, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return zeroAmount, false
	}

	if negative {
		f = -f
	}

	return strconv.FormatFloat(f, 'f', -1, 64), true
}

// thousandsGrouped reports whether every comma in s separates three-digit
// groups of the integer part.
func thousandsGrouped(s string) bool {
	integer, fraction, _ := strings.Cut(s, ".")
	if strings.Contains(fraction, ",") {
		return false
	}

	groups := strings.Split(integer, ",")
	for _, g := range groups[1:] {
		if len(g) != 3 {
			return false
		}
	}

	return true
}

// coerceDate reads v as a calendar date using layout. It reports false when
// the fallback was used.
func coerceDate(v Value, layout string, fallback time.Time) (time.Time, bool) {
	switch v.Kind() {
	case KindDate:
		t, _ := v.Time()

		return truncateToDate(t), true
	case KindString:
		s, _ := v.Str()

		t, err := time.Parse(layout, strings.TrimSpace(s))
		if err != nil {
			return truncateToDate(fallback), false
		}

		return truncateToDate(t), true
	default:
		return truncateToDate(fallback), false
	}
}

func truncateToDate(t time.Time) time.Time {
	y, m, d := t.Date()

	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// encodePayload serializes the full original record. Keys are emitted in
// sorted order, so equal records encode identically.
func encodePayload(r Record) (string, error) {
	if r == nil {
		return "{}", nil
	}

	b, err := json.Marshal(r)
	if err != nil {
		return "", err
	}

	return string(b), nil
}

func isBlank(s string) bool {
	return strings.TrimSpace(s) == ""
}
