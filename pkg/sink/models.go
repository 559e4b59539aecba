package sink

import (
	"fmt"
	"strconv"
	"time"
)

// Kind identifies an entity kind written by the sink.
type Kind string

const (
	KindEstablishments Kind = "establishments"
	KindStudents       Kind = "students"
	KindScores         Kind = "scores"
	KindResponses      Kind = "responses"
)

// Kinds lists the entity kinds in dependency order.
var Kinds = []Kind{KindEstablishments, KindStudents, KindScores, KindResponses}

// Establishment is an organizational unit. Rows are never deleted by the
// sync; status transitions represent removal.
type Establishment struct {
	ID                  uint      `gorm:"primaryKey"`
	SourceID            string    `gorm:"column:source_id;size:64;not null;uniqueIndex:ux_establishments_source"`
	DisplayName         string    `gorm:"column:display_name;size:255"`
	CalendarConvention  string    `gorm:"column:calendar_convention;size:32;not null;default:FISCAL_AUG_JUL"`
	Status              string    `gorm:"column:status;size:16;not null;default:Active"`
	ParentTrustSourceID *string   `gorm:"column:parent_trust_source_id;size:64"`
	CreatedAt           time.Time `gorm:"column:created_at"`
	UpdatedAt           time.Time `gorm:"column:updated_at"`
}

func (Establishment) TableName() string { return "establishments" }

// NaturalKey returns the row's conflict key rendered for reports.
func (e Establishment) NaturalKey() string { return e.SourceID }

// Student is one person at one establishment in one academic year.
type Student struct {
	ID              uint      `gorm:"primaryKey"`
	SourceID        string    `gorm:"column:source_id;size:64;index:ix_students_source"`
	NormalizedEmail string    `gorm:"column:normalized_email;size:320;not null;uniqueIndex:ux_students_email_year,priority:1"`
	AcademicYear    string    `gorm:"column:academic_year;size:16;not null;uniqueIndex:ux_students_email_year,priority:2"`
	DisplayName     string    `gorm:"column:display_name;size:255"`
	EstablishmentID uint      `gorm:"column:establishment_id;not null;index:ix_students_establishment"`
	YearGroup       string    `gorm:"column:year_group;size:32"`
	GroupLabel      string    `gorm:"column:group_label;size:64"`
	CreatedAt       time.Time `gorm:"column:created_at"`
	UpdatedAt       time.Time `gorm:"column:updated_at"`
}

func (Student) TableName() string { return "students" }

func (s Student) NaturalKey() string { return s.NormalizedEmail + "|" + s.AcademicYear }

// AssessmentCycleScore is one scored cycle of one student in one year.
type AssessmentCycleScore struct {
	ID             uint       `gorm:"primaryKey"`
	StudentID      uint       `gorm:"column:student_id;not null;uniqueIndex:ux_scores_student_cycle_year,priority:1"`
	CycleNumber    int        `gorm:"column:cycle_number;not null;uniqueIndex:ux_scores_student_cycle_year,priority:2"`
	AcademicYear   string     `gorm:"column:academic_year;size:16;not null;uniqueIndex:ux_scores_student_cycle_year,priority:3"`
	Vision         *float64   `gorm:"column:vision"`
	Effort         *float64   `gorm:"column:effort"`
	Systems        *float64   `gorm:"column:systems"`
	Practice       *float64   `gorm:"column:practice"`
	Attitude       *float64   `gorm:"column:attitude"`
	Extra          *float64   `gorm:"column:extra"`
	Overall        *float64   `gorm:"column:overall"`
	CompletionDate *time.Time `gorm:"column:completion_date"`
	CreatedAt      time.Time  `gorm:"column:created_at"`
	UpdatedAt      time.Time  `gorm:"column:updated_at"`
}

func (AssessmentCycleScore) TableName() string { return "assessment_cycle_scores" }

func (s AssessmentCycleScore) NaturalKey() string {
	return fmt.Sprintf("%d|%d|%s", s.StudentID, s.CycleNumber, s.AcademicYear)
}

// QuestionResponse is one answered Likert question. Unanswered questions
// are never stored, so response_value is strictly positive.
type QuestionResponse struct {
	ID            uint      `gorm:"primaryKey"`
	StudentID     uint      `gorm:"column:student_id;not null;uniqueIndex:ux_responses_key,priority:1"`
	CycleNumber   int       `gorm:"column:cycle_number;not null;uniqueIndex:ux_responses_key,priority:2"`
	AcademicYear  string    `gorm:"column:academic_year;size:16;not null;uniqueIndex:ux_responses_key,priority:3"`
	QuestionID    string    `gorm:"column:question_id;size:64;not null;uniqueIndex:ux_responses_key,priority:4"`
	ResponseValue int       `gorm:"column:response_value;not null;check:chk_responses_value_positive,response_value > 0"`
	CreatedAt     time.Time `gorm:"column:created_at"`
	UpdatedAt     time.Time `gorm:"column:updated_at"`
}

func (QuestionResponse) TableName() string { return "question_responses" }

func (r QuestionResponse) NaturalKey() string {
	return strconv.FormatUint(uint64(r.StudentID), 10) + "|" + strconv.Itoa(r.CycleNumber) + "|" + r.AcademicYear + "|" + r.QuestionID
}

// Row is the set of models the writer upserts.
type Row interface {
	Establishment | Student | AssessmentCycleScore | QuestionResponse
	TableName() string
	NaturalKey() string
}

// kindSpec declares how one kind is upserted.
type kindSpec struct {
	table      string
	naturalKey []string
	// updates are the columns overwritten on conflict. Natural key columns
	// are never listed, so an upsert cannot move a row between years.
	updates []string
}

var specs = map[Kind]kindSpec{
	KindEstablishments: {
		table:      "establishments",
		naturalKey: []string{"source_id"},
		updates:    []string{"display_name", "calendar_convention", "status", "parent_trust_source_id", "updated_at"},
	},
	KindStudents: {
		table:      "students",
		naturalKey: []string{"normalized_email", "academic_year"},
		updates:    []string{"source_id", "display_name", "establishment_id", "year_group", "group_label", "updated_at"},
	},
	KindScores: {
		table:      "assessment_cycle_scores",
		naturalKey: []string{"student_id", "cycle_number", "academic_year"},
		updates:    []string{"vision", "effort", "systems", "practice", "attitude", "extra", "overall", "completion_date", "updated_at"},
	},
	KindResponses: {
		table:      "question_responses",
		naturalKey: []string{"student_id", "cycle_number", "academic_year", "question_id"},
		updates:    []string{"response_value", "updated_at"},
	},
}

// NaturalKey returns the declared conflict key of kind.
func NaturalKey(kind Kind) []string {
	s, ok := specs[kind]
	if !ok {
		return nil
	}
	return append([]string(nil), s.naturalKey...)
}

// Table returns the table name of kind.
func Table(kind Kind) string { return specs[kind].table }

func kindOf[T Row]() Kind {
	var zero T
	switch any(zero).(type) {
	case Establishment:
		return KindEstablishments
	case Student:
		return KindStudents
	case AssessmentCycleScore:
		return KindScores
	default:
		return KindResponses
	}
}

// Models returns the models to migrate, in dependency order.
func Models() []any {
	return []any{&Establishment{}, &Student{}, &AssessmentCycleScore{}, &QuestionResponse{}}
}
