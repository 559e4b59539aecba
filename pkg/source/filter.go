package source

import (
	"encoding/json"
	"time"
)

// Operator is a server-side filter operator.
type Operator string

const (
	OpIs         Operator = "is"
	OpIsNotBlank Operator = "is not blank"
	OpIsAfter    Operator = "is after"
	OpIsBefore   Operator = "is before"
)

// Rule is one filter condition.
type Rule struct {
	Field    string   `json:"field"`
	Operator Operator `json:"operator"`
	Value    string   `json:"value,omitempty"`
}

// Filters is an AND-combined rule list.
type Filters []Rule

// Is matches records whose field equals value.
func Is(field, value string) Rule { return Rule{Field: field, Operator: OpIs, Value: value} }

// NotBlank matches records whose field has a value.
func NotBlank(field string) Rule { return Rule{Field: field, Operator: OpIsNotBlank} }

// After matches records whose date field is after t. Dates are sent in the
// platform's display format.
func After(field string, t time.Time, layout string) Rule {
	return Rule{Field: field, Operator: OpIsAfter, Value: t.Format(layout)}
}

// Before matches records whose date field is before t.
func Before(field string, t time.Time, layout string) Rule {
	return Rule{Field: field, Operator: OpIsBefore, Value: t.Format(layout)}
}

// Encode returns the filters query parameter, or "" for no filters.
func (f Filters) Encode() (string, error) {
	if len(f) == 0 {
		return "", nil
	}
	data, err := json.Marshal(struct {
		Match string `json:"match"`
		Rules []Rule `json:"rules"`
	}{Match: "and", Rules: f})
	if err != nil {
		return "", err
	}
	return string(data), nil
}
