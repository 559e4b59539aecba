package fieldmap

import (
	"errors"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func loadFixture(t *testing.T) []byte {
	t.Helper()
	data, err := os.ReadFile("testdata/fieldmap.yaml")
	require.NoError(t, err)
	return data
}

func TestValidateFixture(t *testing.T) {
	result := DefaultValidator().Validate(loadFixture(t))
	assert.True(t, result.Valid, "%v", result.Errors)
	assert.Len(t, result.LayerResults, 3)
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(string) string
		layer   string
		message string
	}{
		{
			name:    "malformed yaml",
			mutate:  func(s string) string { return strings.Replace(s, "version: 3", "version: [3", 1) },
			layer:   "yaml_parse",
			message: "YAML parse error",
		},
		{
			name:    "unknown key",
			mutate:  func(s string) string { return strings.Replace(s, "version: 3", "version: 3\nflavour: vanilla", 1) },
			layer:   "strict_fields",
			message: "unknown or invalid fields",
		},
		{
			name: "duplicate target attribute",
			mutate: func(s string) string {
				return strings.Replace(s, "{attribute: group, field: field_223", "{attribute: display_name, field: field_223", 1)
			},
			layer:   "semantic",
			message: `duplicate target attribute "display_name"`,
		},
		{
			name: "missing required identity",
			mutate: func(s string) string {
				return strings.Replace(s, "    - {attribute: email, field: field_197, type: email, required: true}\n", "", 1)
			},
			layer:   "semantic",
			message: `required identity attribute "email"`,
		},
		{
			name: "field reused within cycle",
			mutate: func(s string) string {
				return strings.Replace(s, "{name: effort, field: field_156}", "{name: effort, field: field_155}", 1)
			},
			layer:   "semantic",
			message: "field field_155 is reused within cycle 1",
		},
		{
			name: "too few sub-scores",
			mutate: func(s string) string {
				return strings.Replace(s, "        - {name: attitude, field: field_159}\n", "", 1)
			},
			layer:   "semantic",
			message: "cycle 1 declares 4 sub-scores",
		},
		{
			name: "duplicate cycle",
			mutate: func(s string) string {
				return strings.Replace(s, "    - cycle: 3\n      completion_date: field_857", "    - cycle: 2\n      completion_date: field_857", 1)
			},
			layer:   "semantic",
			message: "duplicate cycle number 2",
		},
		{
			name: "likert range",
			mutate: func(s string) string {
				return strings.Replace(s, "likert: {min: 1, max: 5}", "likert: {min: 0, max: 5}", 1)
			},
			layer:   "semantic",
			message: "not a sane Likert scale",
		},
		{
			name: "wrong coercion",
			mutate: func(s string) string {
				return strings.Replace(s, "field: field_133, type: connection", "field: field_133, type: string", 1)
			},
			layer:   "semantic",
			message: `attribute "establishment" cannot use type "string"`,
		},
	}
	base := string(loadFixture(t))
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := DefaultValidator().Validate([]byte(tt.mutate(base)))
			require.False(t, result.Valid)
			last := result.LayerResults[len(result.LayerResults)-1]
			assert.Equal(t, tt.layer, last.Layer)
			require.NotEmpty(t, result.Errors)
			joined := ""
			for _, e := range result.Errors {
				joined += e.String() + "\n"
			}
			assert.Contains(t, joined, tt.message)
		})
	}
}

func TestParseReturnsValidationFailure(t *testing.T) {
	_, err := Parse([]byte("version: 0\n"))
	require.Error(t, err)
	var vf *ValidationFailure
	require.True(t, errors.As(err, &vf))
	assert.Contains(t, err.Error(), "version must be a positive integer")
}

func TestLoadAppliesDefaults(t *testing.T) {
	data := strings.Replace(string(loadFixture(t)), "date_layout: \"02/01/2006\"\n", "", 1)
	tables, err := Parse([]byte(data))
	require.NoError(t, err)
	assert.Equal(t, DefaultDateLayout, tables.DateLayout)
	assert.Equal(t, 3, tables.Version)

	_, err = Load("testdata/missing.yaml")
	assert.Error(t, err)
}
