package fieldmap

import (
	"math"
	"strings"
	"time"

	"github.com/edusync/assessment-sync/pkg/academicyear"
	"github.com/edusync/assessment-sync/pkg/record"
	"github.com/edusync/assessment-sync/pkg/syncerr"
)

// Status is an establishment's lifecycle status.
type Status string

const (
	StatusActive    Status = "Active"
	StatusInactive  Status = "Inactive"
	StatusCancelled Status = "Cancelled"
)

// ParseStatus matches a source status label case-insensitively.
func ParseStatus(s string) (Status, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "active", "live":
		return StatusActive, true
	case "inactive", "suspended", "paused":
		return StatusInactive, true
	case "cancelled", "canceled", "closed":
		return StatusCancelled, true
	}
	return "", false
}

// Establishment is a mapped establishment record.
type Establishment struct {
	SourceID            string
	DisplayName         string
	Convention          academicyear.Convention
	Status              Status
	ParentTrustSourceID string
}

// Student is a mapped student record. Establishment is still a source
// reference; the identity resolver turns it into a surrogate key.
type Student struct {
	SourceID              string
	Email                 string
	DisplayName           string
	EstablishmentSourceID string
	YearGroup             string
	Group                 string
}

// CycleScore is one assessment cycle read from a student record.
type CycleScore struct {
	Cycle          int
	SubScores      map[string]float64
	Overall        *float64
	CompletionDate *time.Time
	// Dropped lists sub-scores discarded as non-numeric or out of range.
	Dropped []string
}

// QuestionResponse is one answered question.
type QuestionResponse struct {
	StudentSourceID string
	Email           string
	Cycle           int
	QuestionID      string
	Value           int
	CompletionDate  *time.Time
}

// Warning reports a value dropped from an otherwise valid record.
type Warning struct {
	Field string
	Err   error
}

func (w *Warning) Error() string { return w.Field + ": " + w.Err.Error() }

func (w *Warning) Unwrap() error { return w.Err }

// Mapper applies a validated set of tables to source records.
type Mapper struct {
	tables *Tables
}

// NewMapper creates a Mapper. t must come from Parse or Load.
func NewMapper(t *Tables) *Mapper {
	return &Mapper{tables: t}
}

// Tables returns the tables the mapper was built from.
func (m *Mapper) Tables() *Tables { return m.tables }

// MapEstablishment maps an establishment record. Records without an id are
// rejected with a record-level ErrMissingIdentity.
func (m *Mapper) MapEstablishment(f record.Flat) (Establishment, error) {
	t := m.tables.Establishment
	e := Establishment{
		SourceID:   f.ID(),
		Convention: m.tables.DefaultConvention,
		Status:     StatusActive,
	}
	if e.SourceID == "" {
		return e, syncerr.Record("map establishment", syncerr.ErrMissingIdentity)
	}
	e.DisplayName = m.text(f, t, "display_name")
	if a, ok := t.Lookup("calendar_convention"); ok {
		if c, ok := academicyear.ParseConvention(f.String(a.Field)); ok {
			e.Convention = c
		}
	}
	if a, ok := t.Lookup("status"); ok {
		if s, ok := ParseStatus(f.String(a.Field)); ok {
			e.Status = s
		}
	}
	if a, ok := t.Lookup("parent_trust"); ok {
		e.ParentTrustSourceID, _ = f.Connection(a.Field)
	}
	return e, nil
}

// MapStudent maps the identity part of a student record. A record without a
// usable email is rejected with ErrMissingIdentity; one without an
// establishment connection with ErrOrphan. Both are record-level.
func (m *Mapper) MapStudent(f record.Flat) (Student, error) {
	t := m.tables.Student
	s := Student{SourceID: f.ID()}
	if s.SourceID == "" {
		return s, syncerr.Record("map student", syncerr.ErrMissingIdentity)
	}
	if a, ok := t.Lookup("email"); ok {
		s.Email, _ = f.Email(a.Field)
	}
	if s.Email == "" {
		return s, syncerr.Record("map student "+s.SourceID, syncerr.ErrMissingIdentity)
	}
	if a, ok := t.Lookup("establishment"); ok {
		s.EstablishmentSourceID, _ = f.Connection(a.Field)
	}
	if s.EstablishmentSourceID == "" {
		return s, syncerr.Record("map student "+s.SourceID, syncerr.ErrOrphan)
	}
	s.DisplayName = m.text(f, t, "display_name")
	s.YearGroup = m.text(f, t, "year_group")
	s.Group = m.text(f, t, "group")
	return s, nil
}

// ScoreCycles returns the configured cycle numbers in document order.
func (m *Mapper) ScoreCycles() []int {
	out := make([]int, 0, len(m.tables.Scores.Cycles))
	for _, c := range m.tables.Scores.Cycles {
		out = append(out, c.Cycle)
	}
	return out
}

// MapScoreCycle reads cycle n from a student record. ok is false when the
// cycle carries no usable sub-score, i.e. it has not been taken.
func (m *Mapper) MapScoreCycle(f record.Flat, cycle int) (*CycleScore, bool) {
	layout, found := m.tables.Cycle(cycle)
	if !found {
		return nil, false
	}
	rng := m.tables.Scores.Range
	cs := &CycleScore{Cycle: cycle, SubScores: make(map[string]float64, len(layout.SubScores))}
	for _, sub := range layout.SubScores {
		if !f.Present(sub.Field) {
			continue
		}
		v, ok := f.Float(sub.Field)
		if !ok || !rng.Contains(v) {
			cs.Dropped = append(cs.Dropped, sub.Name)
			continue
		}
		cs.SubScores[sub.Name] = v
	}
	if len(cs.SubScores) == 0 {
		return nil, false
	}
	if layout.Overall != "" {
		if v, ok := f.Float(layout.Overall); ok && rng.Contains(v) {
			cs.Overall = &v
		}
	}
	if layout.CompletionDate != "" {
		cs.CompletionDate, _ = f.Date(layout.CompletionDate, m.tables.DateLayout)
	}
	return cs, true
}

// ResponseCycles returns the response layouts in document order.
func (m *Mapper) ResponseCycles() []ResponseCycle {
	return m.tables.Responses.Cycles
}

// ResponseOwner returns the student reference of a response record: the
// connected student's source id and, when mapped, the student's email.
func (m *Mapper) ResponseOwner(f record.Flat) (sourceID, email string) {
	r := m.tables.Responses
	sourceID, _ = f.Connection(r.Student.Field)
	if r.Email != nil {
		email, _ = f.Email(r.Email.Field)
	}
	return sourceID, email
}

// ResponseDate returns the completion date of a response cycle, if the
// cycle declares one and the record carries it.
func (m *Mapper) ResponseDate(f record.Flat, rc ResponseCycle) *time.Time {
	if rc.CompletionDate == "" {
		return nil
	}
	d, _ := f.Date(rc.CompletionDate, m.tables.DateLayout)
	return d
}

// MapQuestionResponse reads one question of one cycle. Blank and zero
// values mean "not answered" and return ok=false with no warning. Values
// that are not integers, or fall outside the Likert range, return ok=false
// and a warning wrapping ErrInvalidValue or ErrOutOfRange.
func (m *Mapper) MapQuestionResponse(f record.Flat, cycle int, q QuestionDef) (*QuestionResponse, bool, *Warning) {
	if !f.Present(q.Field) {
		return nil, false, nil
	}
	v, ok := f.Float(q.Field)
	if !ok {
		return nil, false, &Warning{Field: q.Field, Err: syncerr.ErrInvalidValue}
	}
	if v == 0 {
		return nil, false, nil
	}
	if v != math.Trunc(v) {
		return nil, false, &Warning{Field: q.Field, Err: syncerr.ErrInvalidValue}
	}
	if !m.tables.Responses.Likert.Contains(v) {
		return nil, false, &Warning{Field: q.Field, Err: syncerr.ErrOutOfRange}
	}
	owner, email := m.ResponseOwner(f)
	return &QuestionResponse{
		StudentSourceID: owner,
		Email:           email,
		Cycle:           cycle,
		QuestionID:      q.ID,
		Value:           int(v),
	}, true, nil
}

func (m *Mapper) text(f record.Flat, t EntityTable, name string) string {
	a, ok := t.Lookup(name)
	if !ok {
		return ""
	}
	return f.Text(a.Field)
}
