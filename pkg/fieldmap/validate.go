package fieldmap

import (
	"bytes"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// ValidationError describes one problem in a field-map document.
type ValidationError struct {
	// Field is the document path of the problem (empty for general errors).
	Field   string `json:"field,omitempty"`
	Message string `json:"message"`
}

func (e ValidationError) String() string {
	if e.Field == "" {
		return e.Message
	}
	return e.Field + ": " + e.Message
}

// ValidationLayer is a single check in the validation pipeline.
type ValidationLayer struct {
	Name string

	// Critical layers stop the pipeline when they fail.
	Critical bool

	Check func(data []byte) []ValidationError
}

// LayerResult holds the outcome of one layer.
type LayerResult struct {
	Layer  string            `json:"layer"`
	Valid  bool              `json:"valid"`
	Errors []ValidationError `json:"errors,omitempty"`
}

// ValidationResult is the outcome of a full validation pass.
type ValidationResult struct {
	Valid        bool              `json:"valid"`
	Errors       []ValidationError `json:"errors,omitempty"`
	LayerResults []LayerResult     `json:"layerResults,omitempty"`
}

// ValidationFailure is returned by Parse for an invalid document.
type ValidationFailure struct {
	Result *ValidationResult
}

func (f *ValidationFailure) Error() string {
	msgs := make([]string, 0, len(f.Result.Errors))
	for _, e := range f.Result.Errors {
		msgs = append(msgs, e.String())
	}
	return "invalid field map: " + strings.Join(msgs, "; ")
}

// Validator runs layers in order, stopping after a failed critical layer.
type Validator struct {
	layers []ValidationLayer
}

// NewValidator creates an empty Validator.
func NewValidator() *Validator {
	return &Validator{}
}

// AddLayer appends a layer and returns the validator for chaining.
func (v *Validator) AddLayer(layer ValidationLayer) *Validator {
	v.layers = append(v.layers, layer)
	return v
}

// Validate runs every layer against data.
func (v *Validator) Validate(data []byte) *ValidationResult {
	result := &ValidationResult{Valid: true}
	for _, layer := range v.layers {
		errs := layer.Check(data)
		result.LayerResults = append(result.LayerResults, LayerResult{
			Layer:  layer.Name,
			Valid:  len(errs) == 0,
			Errors: errs,
		})
		if len(errs) > 0 {
			result.Valid = false
			result.Errors = append(result.Errors, errs...)
			if layer.Critical {
				break
			}
		}
	}
	return result
}

// DefaultValidator returns the standard pipeline: YAML parse, strict
// fields, then semantic checks.
func DefaultValidator() *Validator {
	return NewValidator().
		AddLayer(YAMLParseLayer()).
		AddLayer(StrictFieldsLayer()).
		AddLayer(SemanticLayer())
}

// YAMLParseLayer checks the document is well-formed YAML. Duplicate mapping
// keys are reported here by the YAML decoder.
func YAMLParseLayer() ValidationLayer {
	return ValidationLayer{
		Name:     "yaml_parse",
		Critical: true,
		Check: func(data []byte) []ValidationError {
			var out any
			if err := yaml.Unmarshal(data, &out); err != nil {
				return []ValidationError{{Message: fmt.Sprintf("YAML parse error: %v", err)}}
			}
			if out == nil {
				return []ValidationError{{Message: "document is empty"}}
			}
			return nil
		},
	}
}

// StrictFieldsLayer rejects keys that Tables does not declare.
func StrictFieldsLayer() ValidationLayer {
	return ValidationLayer{
		Name:     "strict_fields",
		Critical: true,
		Check: func(data []byte) []ValidationError {
			dec := yaml.NewDecoder(bytes.NewReader(data))
			dec.KnownFields(true)
			var t Tables
			if err := dec.Decode(&t); err != nil {
				return []ValidationError{{Message: fmt.Sprintf("unknown or invalid fields: %v", err)}}
			}
			return nil
		},
	}
}

// SemanticLayer checks internal consistency of the tables.
func SemanticLayer() ValidationLayer {
	return ValidationLayer{
		Name: "semantic",
		Check: func(data []byte) []ValidationError {
			var t Tables
			if err := yaml.Unmarshal(data, &t); err != nil {
				return []ValidationError{{Message: err.Error()}}
			}
			return checkTables(&t)
		},
	}
}

// attributeSpec declares a known logical attribute of an entity kind.
type attributeSpec struct {
	types    []Coercion
	required bool
}

var establishmentAttributes = map[string]attributeSpec{
	"display_name":        {types: []Coercion{CoerceString}},
	"calendar_convention": {types: []Coercion{CoerceConvention}},
	"status":              {types: []Coercion{CoerceStatus}},
	"parent_trust":        {types: []Coercion{CoerceConnection}},
}

var studentAttributes = map[string]attributeSpec{
	"email":         {types: []Coercion{CoerceEmail}, required: true},
	"establishment": {types: []Coercion{CoerceConnection}, required: true},
	"display_name":  {types: []Coercion{CoerceString}},
	"year_group":    {types: []Coercion{CoerceString, CoerceInt}},
	"group":         {types: []Coercion{CoerceString}},
}

// SubScoreNames are the sub-scores every cycle must declare. A cycle may
// declare one further sub-score of any other name.
var SubScoreNames = []string{"vision", "effort", "systems", "practice", "attitude"}

func checkTables(t *Tables) []ValidationError {
	var errs []ValidationError
	add := func(field, format string, args ...any) {
		errs = append(errs, ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
	}

	if t.Version < 1 {
		add("version", "version must be a positive integer")
	}
	if t.DefaultConvention != "" && !t.DefaultConvention.Valid() {
		add("default_convention", "unknown convention %q", t.DefaultConvention)
	}

	checkEntity := func(path string, et EntityTable, known map[string]attributeSpec) {
		if et.Object == "" {
			add(path+".object", "object is required")
		}
		seen := map[string]bool{}
		fields := map[string]string{}
		for i, a := range et.Attributes {
			p := fmt.Sprintf("%s.attributes[%d]", path, i)
			spec, ok := known[a.Name]
			if !ok {
				add(p, "unknown attribute %q", a.Name)
				continue
			}
			if seen[a.Name] {
				add(p, "duplicate target attribute %q", a.Name)
			}
			seen[a.Name] = true
			if a.Field == "" {
				add(p, "attribute %q has no field", a.Name)
			} else if other, dup := fields[a.Field]; dup {
				add(p, "field %s is bound to both %q and %q", a.Field, other, a.Name)
			} else {
				fields[a.Field] = a.Name
			}
			if !typeAllowed(a.Type, spec.types) {
				add(p, "attribute %q cannot use type %q", a.Name, a.Type)
			}
		}
		for name, spec := range known {
			if spec.required && !seen[name] {
				add(path, "required identity attribute %q is not mapped", name)
			}
		}
	}
	checkEntity("establishment", t.Establishment, establishmentAttributes)
	checkEntity("student", t.Student, studentAttributes)

	if t.Scores.Range.Max <= t.Scores.Range.Min {
		add("scores.score_range", "max must be greater than min")
	}
	if len(t.Scores.Cycles) == 0 {
		add("scores.cycles", "at least one cycle is required")
	}
	cycles := map[int]bool{}
	for i, c := range t.Scores.Cycles {
		p := fmt.Sprintf("scores.cycles[%d]", i)
		if c.Cycle < 1 {
			add(p, "cycle number must be positive")
		}
		if cycles[c.Cycle] {
			add(p, "duplicate cycle number %d", c.Cycle)
		}
		cycles[c.Cycle] = true

		if n := len(c.SubScores); n != len(SubScoreNames) && n != len(SubScoreNames)+1 {
			add(p, "cycle %d declares %d sub-scores, want %d or %d", c.Cycle, n, len(SubScoreNames), len(SubScoreNames)+1)
		}
		fields := map[string]bool{}
		useField := func(field, what string) {
			if field == "" {
				return
			}
			if fields[field] {
				add(p, "field %s is reused within cycle %d (%s)", field, c.Cycle, what)
			}
			fields[field] = true
		}
		useField(c.CompletionDate, "completion_date")
		useField(c.Overall, "overall")
		names := map[string]bool{}
		for _, s := range c.SubScores {
			if s.Field == "" {
				add(p, "sub-score %q has no field", s.Name)
			}
			if names[s.Name] {
				add(p, "duplicate target attribute %q", s.Name)
			}
			names[s.Name] = true
			useField(s.Field, s.Name)
		}
		for _, want := range SubScoreNames {
			if !names[want] {
				add(p, "cycle %d is missing sub-score %q", c.Cycle, want)
			}
		}
	}

	r := t.Responses
	if r.Object == "" {
		add("responses.object", "object is required")
	}
	if r.Student.Field == "" {
		add("responses.student", "student connection field is required")
	} else if r.Student.Type != "" && r.Student.Type != CoerceConnection {
		add("responses.student", "student must use type %q", CoerceConnection)
	}
	if r.Email != nil && r.Email.Type != "" && r.Email.Type != CoerceEmail {
		add("responses.email", "email must use type %q", CoerceEmail)
	}
	if r.Likert.Min < 1 || r.Likert.Max <= r.Likert.Min || r.Likert.Max > 10 {
		add("responses.likert", "range [%g, %g] is not a sane Likert scale", r.Likert.Min, r.Likert.Max)
	}
	rcycles := map[int]bool{}
	for i, c := range r.Cycles {
		p := fmt.Sprintf("responses.cycles[%d]", i)
		if c.Cycle < 1 {
			add(p, "cycle number must be positive")
		}
		if rcycles[c.Cycle] {
			add(p, "duplicate cycle number %d", c.Cycle)
		}
		rcycles[c.Cycle] = true
		ids := map[string]bool{}
		fields := map[string]bool{}
		for _, q := range c.Questions {
			if q.ID == "" || q.Field == "" {
				add(p, "question needs both id and field")
				continue
			}
			if ids[q.ID] {
				add(p, "duplicate question id %q", q.ID)
			}
			ids[q.ID] = true
			if fields[q.Field] {
				add(p, "field %s is reused within cycle %d", q.Field, c.Cycle)
			}
			fields[q.Field] = true
		}
	}
	return errs
}

func typeAllowed(t Coercion, allowed []Coercion) bool {
	if t == "" {
		return true
	}
	for _, a := range allowed {
		if a == t {
			return true
		}
	}
	return false
}
