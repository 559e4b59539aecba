// Package fieldmap translates opaque source field identifiers into typed
// attributes. The identifiers differ between deployments of the same source
// schema, so the tables live in a versioned YAML document rather than code.
package fieldmap

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/edusync/assessment-sync/pkg/academicyear"
)

// DefaultDateLayout is the display layout of source dates (day first).
const DefaultDateLayout = "02/01/2006"

// Coercion names the conversion applied to a source value.
type Coercion string

const (
	CoerceString     Coercion = "string"
	CoerceEmail      Coercion = "email"
	CoerceInt        Coercion = "int"
	CoerceFloat      Coercion = "float"
	CoerceDate       Coercion = "date"
	CoerceConnection Coercion = "connection"
	CoerceConvention Coercion = "convention"
	CoerceStatus     Coercion = "status"
)

// Attribute binds a logical attribute to a source field.
type Attribute struct {
	Name     string   `yaml:"attribute"`
	Field    string   `yaml:"field"`
	Type     Coercion `yaml:"type"`
	Required bool     `yaml:"required,omitempty"`
}

// EntityTable maps one source object onto an entity kind.
type EntityTable struct {
	Object     string      `yaml:"object"`
	Attributes []Attribute `yaml:"attributes"`
}

// Lookup returns the attribute bound to name.
func (t EntityTable) Lookup(name string) (Attribute, bool) {
	for _, a := range t.Attributes {
		if a.Name == name {
			return a, true
		}
	}
	return Attribute{}, false
}

// Range is an inclusive numeric range.
type Range struct {
	Min float64 `yaml:"min"`
	Max float64 `yaml:"max"`
}

// Contains reports whether v lies within the range.
func (r Range) Contains(v float64) bool { return v >= r.Min && v <= r.Max }

// SubScore binds a named sub-score to its field.
type SubScore struct {
	Name  string `yaml:"name"`
	Field string `yaml:"field"`
}

// ScoreCycle is the field layout of one assessment cycle on a student record.
type ScoreCycle struct {
	Cycle          int        `yaml:"cycle"`
	CompletionDate string     `yaml:"completion_date"`
	Overall        string     `yaml:"overall,omitempty"`
	SubScores      []SubScore `yaml:"subscores"`
}

// ScoreTable lists the cycles carried on student records.
type ScoreTable struct {
	Range  Range        `yaml:"score_range"`
	Cycles []ScoreCycle `yaml:"cycles"`
}

// QuestionDef binds a question identifier to its field within one cycle.
type QuestionDef struct {
	ID    string `yaml:"id"`
	Field string `yaml:"field"`
}

// ResponseCycle is the question layout of one cycle on a response record.
type ResponseCycle struct {
	Cycle          int           `yaml:"cycle"`
	CompletionDate string        `yaml:"completion_date,omitempty"`
	Questions      []QuestionDef `yaml:"questions"`
}

// ResponseTable maps questionnaire records.
type ResponseTable struct {
	Object  string          `yaml:"object"`
	Student Attribute       `yaml:"student"`
	Email   *Attribute      `yaml:"email,omitempty"`
	Likert  Range           `yaml:"likert"`
	Cycles  []ResponseCycle `yaml:"cycles"`
}

// Tables is a complete, versioned field-map document.
type Tables struct {
	Version           int                     `yaml:"version"`
	DateLayout        string                  `yaml:"date_layout,omitempty"`
	DefaultConvention academicyear.Convention `yaml:"default_convention,omitempty"`
	Establishment     EntityTable             `yaml:"establishment"`
	Student           EntityTable             `yaml:"student"`
	Scores            ScoreTable              `yaml:"scores"`
	Responses         ResponseTable           `yaml:"responses"`
}

func (t *Tables) applyDefaults() {
	if t.DateLayout == "" {
		t.DateLayout = DefaultDateLayout
	}
	if t.DefaultConvention == "" {
		t.DefaultConvention = academicyear.FiscalAugJul
	}
}

// Cycle returns the score layout for cycle n.
func (t *Tables) Cycle(n int) (ScoreCycle, bool) {
	for _, c := range t.Scores.Cycles {
		if c.Cycle == n {
			return c, true
		}
	}
	return ScoreCycle{}, false
}

// Parse decodes and validates a field-map document. Unknown keys are
// rejected. A document that fails validation returns a *ValidationFailure.
func Parse(data []byte) (*Tables, error) {
	result := DefaultValidator().Validate(data)
	if !result.Valid {
		return nil, &ValidationFailure{Result: result}
	}

	var t Tables
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&t); err != nil {
		return nil, fmt.Errorf("decode field map: %w", err)
	}
	t.applyDefaults()
	return &t, nil
}

// Load reads and parses the field-map document at path.
func Load(path string) (*Tables, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read field map %s: %w", path, err)
	}
	t, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("field map %s: %w", path, err)
	}
	return t, nil
}
