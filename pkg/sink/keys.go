package sink

import (
	"context"
	"fmt"
	"time"

	"github.com/edusync/assessment-sync/pkg/identity"
)

// StudentRef is a student's natural key.
type StudentRef struct {
	Email  string
	Period string
}

// read runs a read-only query under the retry policy.
func (w *Writer) read(ctx context.Context, op string, fn func() error) error {
	return w.cfg.Retry.Do(ctx, func(ctx context.Context, attempt int) error {
		return classify(op, fn())
	}, func(err error, attempt int, wait time.Duration) {
		w.logger.Warn("sink read failed, retrying", "op", op, "attempt", attempt, "wait", wait, "error", err)
	})
}

// EstablishmentKeys returns every establishment's source id and surrogate id.
func (w *Writer) EstablishmentKeys(ctx context.Context) (map[string]uint, error) {
	var rows []Establishment
	err := w.read(ctx, "load establishment keys", func() error {
		return w.db.WithContext(ctx).Select("id", "source_id").Find(&rows).Error
	})
	if err != nil {
		return nil, err
	}
	out := make(map[string]uint, len(rows))
	for _, r := range rows {
		out[r.SourceID] = r.ID
	}
	return out, nil
}

// EstablishmentConventions returns the calendar convention of every
// establishment row, keyed by surrogate id.
func (w *Writer) EstablishmentConventions(ctx context.Context) (map[uint]string, error) {
	var rows []Establishment
	err := w.read(ctx, "load establishment conventions", func() error {
		return w.db.WithContext(ctx).Select("id", "calendar_convention").Find(&rows).Error
	})
	if err != nil {
		return nil, err
	}
	out := make(map[uint]string, len(rows))
	for _, r := range rows {
		out[r.ID] = r.CalendarConvention
	}
	return out, nil
}

// StudentKeys returns the identity columns of every student row.
func (w *Writer) StudentKeys(ctx context.Context) ([]identity.StudentKey, error) {
	var rows []Student
	err := w.read(ctx, "load student keys", func() error {
		return w.db.WithContext(ctx).
			Select("id", "source_id", "normalized_email", "academic_year", "establishment_id").
			Find(&rows).Error
	})
	if err != nil {
		return nil, err
	}
	out := make([]identity.StudentKey, len(rows))
	for i, r := range rows {
		out[i] = identity.StudentKey{
			ID:              r.ID,
			SourceID:        r.SourceID,
			Email:           r.NormalizedEmail,
			Period:          r.AcademicYear,
			EstablishmentID: r.EstablishmentID,
		}
	}
	return out, nil
}

// ScoreKeys returns the natural key of every stored score.
func (w *Writer) ScoreKeys(ctx context.Context) ([]identity.ScoreKey, error) {
	var rows []AssessmentCycleScore
	err := w.read(ctx, "load score keys", func() error {
		return w.db.WithContext(ctx).Select("student_id", "cycle_number", "academic_year").Find(&rows).Error
	})
	if err != nil {
		return nil, err
	}
	out := make([]identity.ScoreKey, len(rows))
	for i, r := range rows {
		out[i] = identity.ScoreKey{StudentID: r.StudentID, Cycle: r.CycleNumber, Period: r.AcademicYear}
	}
	return out, nil
}

// ResolveEstablishments returns surrogate ids for written source ids, using
// IN lists of at most LookupChunkSize entries.
func (w *Writer) ResolveEstablishments(ctx context.Context, sourceIDs []string) (map[string]uint, error) {
	out := make(map[string]uint, len(sourceIDs))
	for start := 0; start < len(sourceIDs); start += w.cfg.LookupChunkSize {
		batch := sourceIDs[start:min(start+w.cfg.LookupChunkSize, len(sourceIDs))]
		var rows []Establishment
		err := w.read(ctx, "resolve establishments", func() error {
			rows = rows[:0]
			return w.db.WithContext(ctx).Select("id", "source_id").Where("source_id IN ?", batch).Find(&rows).Error
		})
		if err != nil {
			return nil, fmt.Errorf("resolve establishments: %w", err)
		}
		for _, r := range rows {
			out[r.SourceID] = r.ID
		}
	}
	return out, nil
}

// ResolveStudents returns surrogate ids for written student natural keys.
// Lookups are chunked by email; rows of periods that were not requested
// are ignored.
func (w *Writer) ResolveStudents(ctx context.Context, refs []StudentRef) (map[StudentRef]uint, error) {
	wanted := make(map[StudentRef]bool, len(refs))
	var emails []string
	seen := make(map[string]bool, len(refs))
	for _, r := range refs {
		wanted[r] = true
		if !seen[r.Email] {
			seen[r.Email] = true
			emails = append(emails, r.Email)
		}
	}

	out := make(map[StudentRef]uint, len(refs))
	for start := 0; start < len(emails); start += w.cfg.LookupChunkSize {
		batch := emails[start:min(start+w.cfg.LookupChunkSize, len(emails))]
		var rows []Student
		err := w.read(ctx, "resolve students", func() error {
			rows = rows[:0]
			return w.db.WithContext(ctx).
				Select("id", "normalized_email", "academic_year").
				Where("normalized_email IN ?", batch).
				Find(&rows).Error
		})
		if err != nil {
			return nil, fmt.Errorf("resolve students: %w", err)
		}
		for _, r := range rows {
			ref := StudentRef{Email: r.NormalizedEmail, Period: r.AcademicYear}
			if wanted[ref] {
				out[ref] = r.ID
			}
		}
	}
	return out, nil
}
