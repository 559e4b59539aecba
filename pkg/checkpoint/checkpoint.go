// Package checkpoint persists the resumable position of a sync run and
// serializes runs per source/sink pair.
package checkpoint

import (
	"slices"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"gorm.io/datatypes"

	"github.com/edusync/assessment-sync/pkg/record"
	"github.com/edusync/assessment-sync/pkg/syncerr"
)

// State is a position in the run state machine.
type State string

const (
	StateNotStarted           State = "not_started"
	StateEstablishmentsSynced State = "establishments_synced"
	StateStudentsSynced       State = "students_synced"
	StateResponsesSynced      State = "responses_synced"
	StateStatisticsTriggered  State = "statistics_triggered"
	StateCompleted            State = "completed"
	StateFailed               State = "failed"
	StateInterrupted          State = "interrupted"
)

// Unfinished reports whether a checkpoint in state s blocks a fresh run.
func (s State) Unfinished() bool {
	return s != StateCompleted && s != ""
}

// NeedsOperator reports whether the checkpoint was left by a failure that
// retrying cannot fix, such as rejected credentials. Interrupted runs and
// runs that gave up on transient errors are safe to resume unattended.
func (c *Checkpoint) NeedsOperator() bool {
	return c.State == StateFailed && c.ErrorKind != syncerr.KindTransient.String()
}

// Deferred is a record waiting for a foreign key that was not yet known
// when its page was processed.
type Deferred struct {
	Kind     string      `json:"kind"`
	Record   record.Flat `json:"record"`
	Reason   string      `json:"reason"`
	Attempts int         `json:"attempts"`
}

// Checkpoint is the durable position of the run holding SyncKey. Identity
// mappings are never stored here; they are re-read from the sink on resume.
type Checkpoint struct {
	SyncKey            string `gorm:"primaryKey;column:sync_key;size:128"`
	RunID              string `gorm:"column:run_id;size:64;not null"`
	State              State  `gorm:"column:state;size:32;not null"`
	EstablishmentsDone bool   `gorm:"column:establishments_done"`
	// StudentsPage and ResponsesPage are the last fully written page of
	// each stage; 0 means none.
	StudentsPage   int                           `gorm:"column:students_page"`
	StudentsDone   bool                          `gorm:"column:students_done"`
	ResponsesPage  int                           `gorm:"column:responses_page"`
	ResponsesDone  bool                          `gorm:"column:responses_done"`
	StatisticsDone bool                          `gorm:"column:statistics_done"`
	Processed      datatypes.JSONSlice[string]   `gorm:"column:processed"`
	Deferred       datatypes.JSONSlice[Deferred] `gorm:"column:deferred"`
	LastError      string                        `gorm:"column:last_error;type:text"`
	// ErrorKind is the syncerr kind of LastError.
	ErrorKind string    `gorm:"column:error_kind;size:16"`
	StartedAt time.Time `gorm:"column:started_at"`
	UpdatedAt time.Time `gorm:"column:updated_at"`
}

func (Checkpoint) TableName() string { return "sync_checkpoints" }

// New returns a fresh checkpoint for a run.
func New(syncKey, runID string) *Checkpoint {
	return &Checkpoint{
		SyncKey:   syncKey,
		RunID:     runID,
		State:     StateNotStarted,
		StartedAt: time.Now().UTC(),
	}
}

// ProcessedSet returns the processed identifiers as a set. Identifiers are
// "kind:sourceID".
func (c *Checkpoint) ProcessedSet() mapset.Set[string] {
	return mapset.NewThreadUnsafeSet[string](c.Processed...)
}

// SetProcessed replaces the processed identifiers.
func (c *Checkpoint) SetProcessed(s mapset.Set[string]) {
	ids := s.ToSlice()
	// Stable order keeps the stored JSON diffable.
	slices.Sort(ids)
	c.Processed = datatypes.NewJSONSlice(ids)
}

// Archived is a checkpoint copied into the archive on clean completion.
type Archived struct {
	ID                 uint                          `gorm:"primaryKey"`
	SyncKey            string                        `gorm:"column:sync_key;size:128;index"`
	RunID              string                        `gorm:"column:run_id;size:64;index"`
	State              State                         `gorm:"column:state;size:32"`
	EstablishmentsDone bool                          `gorm:"column:establishments_done"`
	StudentsPage       int                           `gorm:"column:students_page"`
	ResponsesPage      int                           `gorm:"column:responses_page"`
	StatisticsDone     bool                          `gorm:"column:statistics_done"`
	Deferred           datatypes.JSONSlice[Deferred] `gorm:"column:deferred"`
	LastError          string                        `gorm:"column:last_error;type:text"`
	ErrorKind          string                        `gorm:"column:error_kind;size:16"`
	StartedAt          time.Time                     `gorm:"column:started_at"`
	ArchivedAt         time.Time                     `gorm:"column:archived_at"`
}

func (Archived) TableName() string { return "sync_checkpoint_archive" }
