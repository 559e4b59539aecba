// Package runs records the outcome of every sync run and serves it over
// HTTP.
package runs

import (
	"time"

	"gorm.io/datatypes"

	"github.com/edusync/assessment-sync/pkg/sink"
)

// Status is the lifecycle state of a run.
type Status string

const (
	StatusRunning     Status = "running"
	StatusCompleted   Status = "completed"
	StatusFailed      Status = "failed"
	StatusInterrupted Status = "interrupted"
)

// IsTerminal reports whether the run has finished.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusInterrupted
}

// Counts are the per-entity figures of a run. Before and After are sink row
// counts; the rest count records seen by this run.
type Counts struct {
	Before      int64            `json:"before"`
	After       int64            `json:"after"`
	New         int64            `json:"new"`
	Updated     int64            `json:"updated"`
	Errors      int64            `json:"errors"`
	Dropped     int64            `json:"dropped"`
	Orphans     int64            `json:"orphans"`
	Deferred    int64            `json:"deferred"`
	DropReasons map[string]int64 `json:"drop_reasons,omitempty"`
}

// Drop counts a dropped record under reason.
func (c *Counts) Drop(reason string) {
	c.Dropped++
	if c.DropReasons == nil {
		c.DropReasons = make(map[string]int64)
	}
	c.DropReasons[reason]++
}

// Note counts a value discarded from a record that was otherwise kept.
func (c *Counts) Note(reason string) {
	if c.DropReasons == nil {
		c.DropReasons = make(map[string]int64)
	}
	c.DropReasons[reason]++
}

// PerEntity maps an entity kind to its counts.
type PerEntity map[sink.Kind]*Counts

// Report is the persisted summary of one run.
type Report struct {
	RunID           string                                `gorm:"primaryKey;column:run_id;size:64" json:"run_id"`
	SyncKey         string                                `gorm:"column:sync_key;size:128;index:idx_runs_key_started,priority:1;not null" json:"sync_key"`
	Status          Status                                `gorm:"column:status;size:16;index;not null" json:"status"`
	Resumed         bool                                  `gorm:"column:resumed" json:"resumed"`
	StartedAt       time.Time                             `gorm:"column:started_at;index:idx_runs_key_started,priority:2;not null" json:"started_at"`
	CompletedAt     *time.Time                            `gorm:"column:completed_at" json:"completed_at,omitempty"`
	DurationMs      int64                                 `gorm:"column:duration_ms" json:"duration_ms"`
	PerEntity       datatypes.JSONType[PerEntity]         `gorm:"column:per_entity" json:"per_entity"`
	Health          datatypes.JSONSlice[sink.HealthCheck] `gorm:"column:health" json:"health"`
	BaselineWarning string                                `gorm:"column:baseline_warning;type:text" json:"baseline_warning,omitempty"`
	ErrorMessage    string                                `gorm:"column:error_message;type:text" json:"error_message,omitempty"`
}

func (Report) TableName() string { return "sync_runs" }

// NewReport returns a running report.
func NewReport(runID, syncKey string) *Report {
	r := &Report{
		RunID:     runID,
		SyncKey:   syncKey,
		Status:    StatusRunning,
		StartedAt: time.Now().UTC(),
	}
	r.PerEntity = datatypes.NewJSONType(PerEntity{})
	return r
}

// Entity returns the counts for kind, creating them on first use.
func (r *Report) Entity(kind sink.Kind) *Counts {
	m := r.PerEntity.Data()
	if m == nil {
		m = PerEntity{}
		r.PerEntity = datatypes.NewJSONType(m)
	}
	c, ok := m[kind]
	if !ok {
		c = &Counts{}
		m[kind] = c
	}
	return c
}

// Finish stamps the terminal status and duration.
func (r *Report) Finish(status Status, err error) {
	now := time.Now().UTC()
	r.Status = status
	r.CompletedAt = &now
	r.DurationMs = now.Sub(r.StartedAt).Milliseconds()
	if err != nil {
		r.ErrorMessage = err.Error()
	}
}

// Healthy reports whether every health check passed.
func (r *Report) Healthy() bool {
	for _, h := range r.Health {
		if !h.OK {
			return false
		}
	}
	return true
}
