// Package record wraps the untyped records returned by the source API.
//
// The source returns every attribute as a flat JSON object key. Most fields
// appear twice: "field_12" holds a display rendering (often HTML) and
// "field_12_raw" holds the raw value. Getters prefer the raw representation
// whenever it is present.
package record

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"golang.org/x/text/unicode/norm"
)

// RawSuffix is appended to a field identifier to address its raw value.
const RawSuffix = "_raw"

// Flat is a single source record.
type Flat map[string]any

// ID returns the record's source identifier.
func (f Flat) ID() string {
	s, _ := f["id"].(string)
	return strings.TrimSpace(s)
}

// Value returns the authoritative value for a field: the raw representation
// if present and non-null, otherwise the display representation.
func (f Flat) Value(field string) (any, bool) {
	if v, ok := f[field+RawSuffix]; ok && v != nil {
		return v, true
	}
	v, ok := f[field]
	if !ok || v == nil {
		return nil, false
	}
	return v, true
}

// String returns a trimmed string value. Numbers are formatted, a
// one-element array is unwrapped, and objects yield "".
func (f Flat) String(field string) string {
	v, ok := f.Value(field)
	if !ok {
		return ""
	}
	return stringOf(v)
}

// Text returns String normalized to NFC with internal whitespace collapsed,
// suitable for display names.
func (f Flat) Text(field string) string {
	s := f.String(field)
	if s == "" {
		return ""
	}
	return strings.Join(strings.Fields(norm.NFC.String(s)), " ")
}

func stringOf(v any) string {
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case json.Number:
		return t.String()
	case bool:
		return strconv.FormatBool(t)
	case []any:
		if len(t) == 1 {
			return stringOf(t[0])
		}
		return ""
	case map[string]any:
		// Choice fields sometimes arrive as {"identifier": "..."}.
		if s, ok := t["identifier"].(string); ok {
			return strings.TrimSpace(s)
		}
		return ""
	default:
		return ""
	}
}

// Float returns a numeric value. ok is false when the field is absent,
// blank, or not numeric.
func (f Flat) Float(field string) (float64, bool) {
	v, ok := f.Value(field)
	if !ok {
		return 0, false
	}
	return floatOf(v)
}

func floatOf(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		if math.IsNaN(t) || math.IsInf(t, 0) {
			return 0, false
		}
		return t, true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case json.Number:
		n, err := t.Float64()
		return n, err == nil
	case string:
		s := strings.TrimSpace(t)
		if s == "" {
			return 0, false
		}
		n, err := strconv.ParseFloat(s, 64)
		if err != nil || math.IsNaN(n) || math.IsInf(n, 0) {
			return 0, false
		}
		return n, true
	case []any:
		if len(t) == 1 {
			return floatOf(t[0])
		}
	}
	return 0, false
}

// Int returns an integral numeric value. Fractional values are rejected.
func (f Flat) Int(field string) (int, bool) {
	n, ok := f.Float(field)
	if !ok || n != math.Trunc(n) {
		return 0, false
	}
	return int(n), true
}

// Present reports whether the field carries a non-blank value.
func (f Flat) Present(field string) bool {
	v, ok := f.Value(field)
	if !ok {
		return false
	}
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t) != ""
	case []any:
		return len(t) > 0
	case map[string]any:
		return len(t) > 0
	}
	return true
}

// Connection returns the id of the first entry of a connection field. The
// source encodes connections as an array of {id, identifier} objects; an
// empty or malformed array yields ok=false.
func (f Flat) Connection(field string) (string, bool) {
	v, ok := f[field+RawSuffix]
	if !ok {
		v, ok = f[field]
	}
	if !ok {
		return "", false
	}
	items, isList := v.([]any)
	if !isList || len(items) == 0 {
		return "", false
	}
	obj, isObj := items[0].(map[string]any)
	if !isObj {
		return "", false
	}
	id, _ := obj["id"].(string)
	id = strings.TrimSpace(id)
	return id, id != ""
}

// Email extracts an address from the three shapes observed in source data:
// a bare string, an object with an "email" or "address" key, or a
// one-element array wrapping either. Anything else yields ok=false. The
// result is lower-cased and trimmed.
func (f Flat) Email(field string) (string, bool) {
	v, ok := f.Value(field)
	if !ok {
		return "", false
	}
	return emailOf(v, 0)
}

func emailOf(v any, depth int) (string, bool) {
	switch t := v.(type) {
	case string:
		return NormalizeEmail(t)
	case map[string]any:
		for _, key := range []string{"email", "address"} {
			if s, ok := t[key].(string); ok {
				return NormalizeEmail(s)
			}
		}
	case []any:
		if len(t) == 1 && depth == 0 {
			return emailOf(t[0], depth+1)
		}
	}
	return "", false
}

// NormalizeEmail lower-cases and trims an address and rejects values that
// cannot be an address (no "@", embedded whitespace, serialized objects).
func NormalizeEmail(s string) (string, bool) {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.TrimPrefix(s, "mailto:")
	if s == "" || strings.ContainsAny(s, " \t\r\n{}[]<>\"") {
		return "", false
	}
	at := strings.LastIndex(s, "@")
	if at <= 0 || at == len(s)-1 {
		return "", false
	}
	return s, true
}

// Date parses a date field. Raw date values are objects carrying an
// "iso_timestamp" and a formatted "date"; plain strings are parsed with the
// given layout (e.g. "02/01/2006") and then as RFC 3339 / ISO date.
func (f Flat) Date(field, layout string) (*time.Time, bool) {
	v, ok := f.Value(field)
	if !ok {
		return nil, false
	}
	return dateOf(v, layout)
}

func dateOf(v any, layout string) (*time.Time, bool) {
	switch t := v.(type) {
	case map[string]any:
		if s, ok := t["iso_timestamp"].(string); ok && s != "" {
			if d, ok := parseDate(s, layout); ok {
				return d, true
			}
		}
		if s, ok := t["date"].(string); ok && s != "" {
			return parseDate(s, layout)
		}
		return nil, false
	case string:
		return parseDate(t, layout)
	case []any:
		if len(t) == 1 {
			return dateOf(t[0], layout)
		}
	}
	return nil, false
}

func parseDate(s, layout string) (*time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, false
	}
	layouts := []string{time.RFC3339Nano, "2006-01-02T15:04:05.000Z", "2006-01-02"}
	if layout != "" {
		layouts = append([]string{layout}, layouts...)
	}
	for _, l := range layouts {
		if d, err := time.Parse(l, s); err == nil {
			d = d.UTC()
			return &d, true
		}
	}
	// Formatted dates may carry a trailing time ("13/09/2024 10:30").
	if i := strings.IndexByte(s, ' '); i > 0 {
		return parseDate(s[:i], layout)
	}
	return nil, false
}

// Decode unmarshals a JSON array of records using json.Number for numbers.
func Decode(data []byte) ([]Flat, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var out []Flat
	if err := dec.Decode(&out); err != nil {
		return nil, fmt.Errorf("decode records: %w", err)
	}
	return out, nil
}
