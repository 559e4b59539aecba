package sink

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/edusync/assessment-sync/pkg/retry"
	"github.com/edusync/assessment-sync/pkg/syncerr"
)

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	require.NoError(t, Migrate(db))
	return db
}

func newTestWriter(t *testing.T, chunkSize int) *Writer {
	t.Helper()
	cfg := DefaultWriterConfig()
	cfg.ChunkSize = chunkSize
	cfg.LookupChunkSize = 2
	cfg.Retry = retry.Policy{MaxAttempts: 1, BaseDelay: time.Millisecond}
	return NewWriter(setupTestDB(t), cfg, nil, nil)
}

func ptr[T any](v T) *T { return &v }

func TestUpsertEstablishmentsIsIdempotent(t *testing.T) {
	ctx := context.Background()
	w := newTestWriter(t, 2)

	rows := []Establishment{
		{SourceID: "E1", DisplayName: "Oak", CalendarConvention: "FISCAL_AUG_JUL", Status: "Active"},
		{SourceID: "E2", DisplayName: "Elm", CalendarConvention: "CALENDAR_YEAR", Status: "Active"},
		{SourceID: "E3", DisplayName: "Ash", CalendarConvention: "FISCAL_AUG_JUL", Status: "Inactive"},
	}
	res, err := Upsert(ctx, w, rows, NaturalKey(KindEstablishments))
	require.NoError(t, err)
	assert.Equal(t, 3, res.Written)
	assert.Empty(t, res.Failures)

	first, err := w.ResolveEstablishments(ctx, []string{"E1", "E2", "E3", "E404"})
	require.NoError(t, err)
	require.Len(t, first, 3)

	again := []Establishment{
		{SourceID: "E1", DisplayName: "Oak Academy", CalendarConvention: "FISCAL_AUG_JUL", Status: "Cancelled"},
		{SourceID: "E2", DisplayName: "Elm", CalendarConvention: "CALENDAR_YEAR", Status: "Active"},
		{SourceID: "E3", DisplayName: "Ash", CalendarConvention: "FISCAL_AUG_JUL", Status: "Inactive"},
	}
	res, err = Upsert(ctx, w, again, NaturalKey(KindEstablishments))
	require.NoError(t, err)
	assert.Equal(t, 3, res.Written)

	n, err := w.Count(ctx, KindEstablishments)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	second, err := w.ResolveEstablishments(ctx, []string{"E1", "E2", "E3"})
	require.NoError(t, err)
	assert.Equal(t, first, second, "surrogate ids are never reassigned")

	var e1 Establishment
	require.NoError(t, w.DB().First(&e1, "source_id = ?", "E1").Error)
	assert.Equal(t, "Oak Academy", e1.DisplayName)
	assert.Equal(t, "Cancelled", e1.Status)
}

func TestUpsertRejectsPartialConflictKey(t *testing.T) {
	w := newTestWriter(t, 10)
	rows := []AssessmentCycleScore{{StudentID: 1, CycleNumber: 1, AcademicYear: "2024/2025"}}

	_, err := Upsert(context.Background(), w, rows, []string{"student_id", "cycle_number"})
	require.Error(t, err)
	assert.ErrorIs(t, err, syncerr.ErrSinkRejected)
	assert.Equal(t, syncerr.KindFatal, syncerr.KindOf(err))

	n, err := w.Count(context.Background(), KindScores)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestScoresKeepCyclesOfDifferentYearsApart(t *testing.T) {
	ctx := context.Background()
	w := newTestWriter(t, 10)

	yearA := AssessmentCycleScore{StudentID: 1, CycleNumber: 1, AcademicYear: "2023/2024", Vision: ptr(5.0)}
	_, err := Upsert(ctx, w, []AssessmentCycleScore{yearA}, NaturalKey(KindScores))
	require.NoError(t, err)

	yearB := AssessmentCycleScore{StudentID: 1, CycleNumber: 1, AcademicYear: "2024/2025", Vision: ptr(9.0)}
	_, err = Upsert(ctx, w, []AssessmentCycleScore{yearB}, NaturalKey(KindScores))
	require.NoError(t, err)

	var stored []AssessmentCycleScore
	require.NoError(t, w.DB().Order("academic_year").Find(&stored).Error)
	require.Len(t, stored, 2)
	assert.Equal(t, 5.0, *stored[0].Vision, "year A untouched by year B")
	assert.Equal(t, 9.0, *stored[1].Vision)

	keys, err := w.ScoreKeys(ctx)
	require.NoError(t, err)
	assert.Len(t, keys, 2)
}

func TestUpsertFallsBackToSingleRows(t *testing.T) {
	ctx := context.Background()
	w := newTestWriter(t, 10)

	rows := []QuestionResponse{
		{StudentID: 1, CycleNumber: 1, AcademicYear: "2024/2025", QuestionID: "q1", ResponseValue: 4},
		{StudentID: 1, CycleNumber: 1, AcademicYear: "2024/2025", QuestionID: "q2", ResponseValue: 0},
		{StudentID: 1, CycleNumber: 1, AcademicYear: "2024/2025", QuestionID: "q3", ResponseValue: 2},
	}
	res, err := Upsert(ctx, w, rows, NaturalKey(KindResponses))
	require.NoError(t, err)
	assert.Equal(t, 2, res.Written)
	require.Len(t, res.Failures, 1)
	assert.Equal(t, "1|1|2024/2025|q2", res.Failures[0].Key)
	assert.True(t, syncerr.IsRecordLevel(res.Failures[0].Err))

	n, err := w.Count(ctx, KindResponses)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestUpsertDeduplicatesWithinBatch(t *testing.T) {
	ctx := context.Background()
	w := newTestWriter(t, 10)

	rows := []Student{
		{NormalizedEmail: "a@x.com", AcademicYear: "2024/2025", EstablishmentID: 1, DisplayName: "first"},
		{NormalizedEmail: "a@x.com", AcademicYear: "2024/2025", EstablishmentID: 1, DisplayName: "second"},
		{NormalizedEmail: "a@x.com", AcademicYear: "2025/2026", EstablishmentID: 1, DisplayName: "next year"},
	}
	res, err := Upsert(ctx, w, rows, NaturalKey(KindStudents))
	require.NoError(t, err)
	assert.Equal(t, 2, res.Written)
	require.Len(t, res.Failures, 1)
	assert.ErrorIs(t, res.Failures[0].Err, ErrDuplicateInBatch)

	ids, err := w.ResolveStudents(ctx, []StudentRef{
		{Email: "a@x.com", Period: "2024/2025"},
		{Email: "a@x.com", Period: "2025/2026"},
		{Email: "b@x.com", Period: "2024/2025"},
	})
	require.NoError(t, err)
	require.Len(t, ids, 2)

	var s Student
	require.NoError(t, w.DB().First(&s, ids[StudentRef{Email: "a@x.com", Period: "2024/2025"}]).Error)
	assert.Equal(t, "second", s.DisplayName)
}

func TestUpsertMissingTableIsFatal(t *testing.T) {
	ctx := context.Background()
	w := newTestWriter(t, 10)
	require.NoError(t, w.DB().Migrator().DropTable(&QuestionResponse{}))

	rows := []QuestionResponse{
		{StudentID: 1, CycleNumber: 1, AcademicYear: "2024/2025", QuestionID: "q1", ResponseValue: 4},
		{StudentID: 1, CycleNumber: 1, AcademicYear: "2024/2025", QuestionID: "q2", ResponseValue: 3},
	}
	_, err := Upsert(ctx, w, rows, NaturalKey(KindResponses))
	require.Error(t, err)
	assert.Equal(t, syncerr.KindFatal, syncerr.KindOf(err))
	assert.ErrorIs(t, err, syncerr.ErrSinkRejected)
}

func TestHealthChecksAndCounts(t *testing.T) {
	ctx := context.Background()
	w := newTestWriter(t, 10)

	_, err := Upsert(ctx, w, []Establishment{{SourceID: "E1", CalendarConvention: "FISCAL_AUG_JUL", Status: "Active"}}, NaturalKey(KindEstablishments))
	require.NoError(t, err)
	ids, err := w.ResolveEstablishments(ctx, []string{"E1"})
	require.NoError(t, err)

	students := []Student{
		{NormalizedEmail: "a@x.com", AcademicYear: "2024/2025", EstablishmentID: ids["E1"]},
		{NormalizedEmail: "b@x.com", AcademicYear: "2024/2025", EstablishmentID: 999},
	}
	_, err = Upsert(ctx, w, students, NaturalKey(KindStudents))
	require.NoError(t, err)

	checks, err := w.HealthChecks(ctx)
	require.NoError(t, err)
	require.Len(t, checks, 3+len(Kinds))
	byName := map[string]HealthCheck{}
	for _, c := range checks {
		byName[c.Name+"/"+c.Table] = c
	}
	assert.Equal(t, int64(1), byName["orphaned_establishment_id/students"].Violations)
	assert.False(t, byName["orphaned_establishment_id/students"].OK)
	assert.True(t, byName["duplicate_natural_keys/students"].OK)

	counts, err := w.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[Kind]int64{KindEstablishments: 1, KindStudents: 2, KindScores: 0, KindResponses: 0}, counts)

	keys, err := w.StudentKeys(ctx)
	require.NoError(t, err)
	assert.Len(t, keys, 2)
	est, err := w.EstablishmentKeys(ctx)
	require.NoError(t, err)
	assert.Equal(t, ids, est)
}

func TestWriterClampsChunkSize(t *testing.T) {
	w := NewWriter(nil, WriterConfig{ChunkSize: 5000}, nil, nil)
	assert.Equal(t, MaxChunkSize, w.cfg.ChunkSize)
	w = NewWriter(nil, WriterConfig{}, nil, nil)
	assert.Equal(t, DefaultChunkSize, w.cfg.ChunkSize)
	assert.Equal(t, DefaultLookupChunkSize, w.cfg.LookupChunkSize)
}
