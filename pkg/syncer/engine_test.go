package syncer

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/edusync/assessment-sync/pkg/checkpoint"
	"github.com/edusync/assessment-sync/pkg/fieldmap"
	"github.com/edusync/assessment-sync/pkg/retry"
	"github.com/edusync/assessment-sync/pkg/runs"
	"github.com/edusync/assessment-sync/pkg/sink"
	"github.com/edusync/assessment-sync/pkg/source"
	"github.com/edusync/assessment-sync/pkg/syncerr"
)

const (
	establishmentObject = "object_2"
	studentObject       = "object_10"
	responseObject      = "object_29"
)

// fakeSource serves records per object with the source API's pagination.
type fakeSource struct {
	mu       sync.Mutex
	objects  map[string][]map[string]any
	requests []string
	// hook may answer a request itself by returning a non-zero status.
	hook func(object string, page int) int
}

func (s *fakeSource) set(object string, records ...map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[object] = records
}

func (s *fakeSource) setHook(h func(object string, page int) int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hook = h
}

func (s *fakeSource) requested(object string) []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	var pages []int
	for _, r := range s.requests {
		obj, page, _ := strings.Cut(r, "#")
		if obj == object {
			n, _ := strconv.Atoi(page)
			pages = append(pages, n)
		}
	}
	return pages
}

func (s *fakeSource) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	if len(parts) != 3 || parts[0] != "objects" || parts[2] != "records" {
		http.NotFound(w, r)
		return
	}
	object := parts[1]
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	size, _ := strconv.Atoi(r.URL.Query().Get("rows_per_page"))

	s.mu.Lock()
	s.requests = append(s.requests, fmt.Sprintf("%s#%d", object, page))
	hook := s.hook
	all := s.objects[object]
	s.mu.Unlock()

	if hook != nil {
		if status := hook(object, page); status != 0 {
			w.WriteHeader(status)
			_, _ = w.Write([]byte(`{"message":"injected failure"}`))
			return
		}
	}

	start := min((page-1)*size, len(all))
	end := min(start+size, len(all))
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"records":       all[start:end],
		"total_records": len(all),
		"total_pages":   (len(all) + size - 1) / size,
		"current_page":  page,
	})
}

type testEnv struct {
	src    *fakeSource
	db     *gorm.DB
	writer *sink.Writer
	opts   Options
	engine *Engine
}

var testNow = time.Date(2025, time.October, 1, 9, 0, 0, 0, time.UTC)

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	src := &fakeSource{objects: make(map[string][]map[string]any)}
	srv := httptest.NewServer(src)
	t.Cleanup(srv.Close)

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	fast := retry.Policy{MaxAttempts: 1, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}

	srcCfg := source.DefaultConfig()
	srcCfg.BaseURL = srv.URL
	srcCfg.ApplicationID = "app-1"
	srcCfg.APIKey = "key-1"
	srcCfg.PageSize = 2
	srcCfg.RequestsPerSec = 0
	srcCfg.Retry = fast

	writerCfg := sink.DefaultWriterConfig()
	writerCfg.Retry = fast
	writer := sink.NewWriter(db, writerCfg, nil, nil)

	tables, err := fieldmap.Load("../fieldmap/testdata/fieldmap.yaml")
	require.NoError(t, err)

	env := &testEnv{src: src, db: db, writer: writer}
	env.opts = Options{
		Source: source.NewClient(srcCfg, nil, nil),
		Writer: writer,
		Mapper: fieldmap.NewMapper(tables),
		Config: Config{
			SyncKey:          "app-1@sqlite",
			PageRetries:      0,
			BaselineFraction: 0.5,
		},
		Now: func() time.Time { return testNow },
	}
	env.rebuild(t)
	require.NoError(t, env.engine.Migrate(context.Background()))
	return env
}

// rebuild creates the engine from env.opts after a test changed them.
func (env *testEnv) rebuild(t *testing.T) {
	t.Helper()
	e, err := New(env.opts)
	require.NoError(t, err)
	env.engine = e
}

func (env *testEnv) count(t *testing.T, model any) int64 {
	t.Helper()
	var n int64
	require.NoError(t, env.db.Model(model).Count(&n).Error)
	return n
}

func (env *testEnv) checkpoint(t *testing.T) *checkpoint.Checkpoint {
	t.Helper()
	cp, err := checkpoint.NewStore(env.db).Load(context.Background(), env.opts.Config.SyncKey)
	require.NoError(t, err)
	return cp
}

func connection(id string) []any {
	return []any{map[string]any{"id": id, "identifier": id}}
}

func dated(s string) map[string]any {
	return map[string]any{"date": s}
}

func establishment(id, name string) map[string]any {
	return map[string]any{
		"id":             id,
		"field_44_raw":   name,
		"field_3573_raw": "FISCAL_AUG_JUL",
		"field_2209_raw": "Active",
	}
}

func student(id, email, establishmentID string) map[string]any {
	return map[string]any{
		"id":            id,
		"field_197_raw": email,
		"field_133_raw": connection(establishmentID),
		"field_187_raw": "Student " + id,
	}
}

// withCycle1 adds a completed cycle 1 dated d ("dd/mm/yyyy").
func withCycle1(rec map[string]any, d string) map[string]any {
	rec["field_855_raw"] = dated(d)
	rec["field_152_raw"] = 6.2
	for i, f := range []string{"field_155_raw", "field_156_raw", "field_157_raw", "field_158_raw", "field_159_raw"} {
		rec[f] = 4 + i
	}
	return rec
}

func withCycle2(rec map[string]any, d string) map[string]any {
	rec["field_856_raw"] = dated(d)
	for i, f := range []string{"field_161_raw", "field_162_raw", "field_163_raw", "field_164_raw", "field_165_raw"} {
		rec[f] = 5 + i
	}
	return rec
}

func response(id, studentID, email string, answers map[string]any) map[string]any {
	rec := map[string]any{"id": id, "field_792_raw": connection(studentID)}
	if studentID == "" {
		rec["field_792_raw"] = []any{}
	}
	if email != "" {
		rec["field_2732_raw"] = email
	}
	for k, v := range answers {
		rec[k+"_raw"] = v
	}
	return rec
}

func TestRunWritesStudentScoresAndResponses(t *testing.T) {
	env := newTestEnv(t)
	env.src.set(establishmentObject, establishment("E1", "Oak Academy"))
	env.src.set(studentObject, withCycle2(withCycle1(student("S1", " A@x.com ", "E1"), "13/09/2024"), "02/03/2025"))
	env.src.set(responseObject, response("R1", "S1", "a@x.com", map[string]any{
		"field_794":  4,
		"field_795":  0,
		"field_796":  "",
		"field_3139": 9,
		"field_3140": "abc",
		"field_3141": 2,
	}))

	var delivered []*runs.Report
	env.opts.Deliverer = deliverFunc(func(_ context.Context, r *runs.Report) error {
		delivered = append(delivered, r)
		return nil
	})
	env.rebuild(t)

	report, err := env.engine.Run(context.Background(), RunOptions{RunID: "run-1"})
	require.NoError(t, err)
	assert.Equal(t, runs.StatusCompleted, report.Status)
	assert.True(t, report.Healthy())

	var students []sink.Student
	require.NoError(t, env.db.Find(&students).Error)
	require.Len(t, students, 1)
	assert.Equal(t, "a@x.com", students[0].NormalizedEmail)
	assert.Equal(t, "2024/2025", students[0].AcademicYear)
	assert.Equal(t, "S1", students[0].SourceID)

	var scores []sink.AssessmentCycleScore
	require.NoError(t, env.db.Order("cycle_number").Find(&scores).Error)
	require.Len(t, scores, 2)
	for _, s := range scores {
		assert.Equal(t, students[0].ID, s.StudentID)
		assert.Equal(t, "2024/2025", s.AcademicYear)
	}
	require.NotNil(t, scores[0].Vision)
	assert.InDelta(t, 4, *scores[0].Vision, 1e-9)
	require.NotNil(t, scores[0].Overall)
	assert.InDelta(t, 6.2, *scores[0].Overall, 1e-9)
	assert.Nil(t, scores[1].Overall)

	var responses []sink.QuestionResponse
	require.NoError(t, env.db.Order("cycle_number, question_id").Find(&responses).Error)
	require.Len(t, responses, 2, "zero and blank answers are not stored")
	assert.Equal(t, 1, responses[0].CycleNumber)
	assert.Equal(t, "q1", responses[0].QuestionID)
	assert.Equal(t, 4, responses[0].ResponseValue)
	assert.Equal(t, 2, responses[1].CycleNumber)
	assert.Equal(t, "q3", responses[1].QuestionID)
	for _, r := range responses {
		assert.Equal(t, "2024/2025", r.AcademicYear)
	}

	counts := report.PerEntity.Data()
	assert.EqualValues(t, 1, counts[sink.KindStudents].New)
	assert.EqualValues(t, 2, counts[sink.KindScores].New)
	assert.EqualValues(t, 2, counts[sink.KindResponses].New)
	assert.EqualValues(t, 2, counts[sink.KindResponses].Dropped)
	assert.EqualValues(t, 1, counts[sink.KindResponses].DropReasons["out_of_range"])
	assert.EqualValues(t, 1, counts[sink.KindResponses].DropReasons["invalid_value"])

	require.Len(t, delivered, 1)
	assert.Equal(t, "run-1", delivered[0].RunID)

	assert.Nil(t, env.checkpoint(t), "a completed checkpoint is archived")
	history, err := checkpoint.NewStore(env.db).History(context.Background(), "app-1@sqlite", 5)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, checkpoint.StateCompleted, history[0].State)

	stored, err := runs.NewStore(env.db).Get(context.Background(), "run-1")
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, runs.StatusCompleted, stored.Status)
}

type deliverFunc func(ctx context.Context, r *runs.Report) error

func (f deliverFunc) Deliver(ctx context.Context, r *runs.Report) error { return f(ctx, r) }

func TestRunIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	env.src.set(establishmentObject, establishment("E1", "Oak"), establishment("E2", "Elm"))
	env.src.set(studentObject,
		withCycle1(student("S1", "a@x.com", "E1"), "13/09/2024"),
		withCycle1(student("S2", "b@x.com", "E2"), "20/09/2024"),
		student("S3", "c@x.com", "E2"),
	)
	env.src.set(responseObject,
		response("R1", "S1", "", map[string]any{"field_794": 3}),
		response("R2", "S2", "", map[string]any{"field_794": 5, "field_795": 1}),
	)

	first, err := env.engine.Run(context.Background(), RunOptions{})
	require.NoError(t, err)
	second, err := env.engine.Run(context.Background(), RunOptions{})
	require.NoError(t, err)

	assert.EqualValues(t, 2, env.count(t, &sink.Establishment{}))
	assert.EqualValues(t, 3, env.count(t, &sink.Student{}))
	assert.EqualValues(t, 2, env.count(t, &sink.AssessmentCycleScore{}))
	assert.EqualValues(t, 3, env.count(t, &sink.QuestionResponse{}))

	for _, kind := range sink.Kinds {
		a, b := first.PerEntity.Data()[kind], second.PerEntity.Data()[kind]
		assert.Equal(t, a.After, b.After, kind)
		assert.Equal(t, b.Before, b.After, kind)
		assert.Zero(t, b.New, kind)
		assert.Equal(t, a.New, b.Updated, kind)
	}
	assert.Empty(t, second.BaselineWarning)
	assert.True(t, second.Healthy())
}

func TestRosterRefreshAfterRolloverKeepsYear(t *testing.T) {
	env := newTestEnv(t)
	env.src.set(establishmentObject, establishment("E1", "Oak"))
	env.src.set(studentObject, withCycle2(withCycle1(student("S1", "a@x.com", "E1"), "13/09/2024"), "02/03/2025"))
	env.opts.Now = func() time.Time { return time.Date(2025, time.May, 1, 0, 0, 0, 0, time.UTC) }
	env.rebuild(t)
	_, err := env.engine.Run(context.Background(), RunOptions{})
	require.NoError(t, err)

	// The next run happens after 1 August with only the name changed.
	refreshed := withCycle2(withCycle1(student("S1", "a@x.com", "E1"), "13/09/2024"), "02/03/2025")
	refreshed["field_187_raw"] = "Ana Lopez"
	env.src.set(studentObject, refreshed)
	env.opts.Now = func() time.Time { return time.Date(2025, time.September, 15, 0, 0, 0, 0, time.UTC) }
	env.rebuild(t)
	_, err = env.engine.Run(context.Background(), RunOptions{})
	require.NoError(t, err)

	var students []sink.Student
	require.NoError(t, env.db.Find(&students).Error)
	require.Len(t, students, 1)
	assert.Equal(t, "2024/2025", students[0].AcademicYear)
	assert.Equal(t, "Ana Lopez", students[0].DisplayName)
	assert.EqualValues(t, 2, env.count(t, &sink.AssessmentCycleScore{}))

	// A roster-only student with no stored rows lands in the current year.
	env.src.set(studentObject, refreshed, student("S2", "b@x.com", "E1"))
	_, err = env.engine.Run(context.Background(), RunOptions{})
	require.NoError(t, err)
	var s2 sink.Student
	require.NoError(t, env.db.First(&s2, "normalized_email = ?", "b@x.com").Error)
	assert.Equal(t, "2025/2026", s2.AcademicYear)
}

func TestNewYearScoresCreateSecondStudentRow(t *testing.T) {
	env := newTestEnv(t)
	env.src.set(establishmentObject, establishment("E1", "Oak"))
	env.src.set(studentObject, withCycle1(student("S1", "a@x.com", "E1"), "13/09/2024"))
	_, err := env.engine.Run(context.Background(), RunOptions{})
	require.NoError(t, err)

	env.src.set(studentObject, withCycle1(student("S1", "a@x.com", "E1"), "18/09/2025"))
	_, err = env.engine.Run(context.Background(), RunOptions{})
	require.NoError(t, err)

	var years []string
	require.NoError(t, env.db.Model(&sink.Student{}).Order("academic_year").Pluck("academic_year", &years).Error)
	assert.Equal(t, []string{"2024/2025", "2025/2026"}, years)

	var scoreYears []string
	require.NoError(t, env.db.Model(&sink.AssessmentCycleScore{}).Order("academic_year").Pluck("academic_year", &scoreYears).Error)
	assert.Equal(t, []string{"2024/2025", "2025/2026"}, scoreYears, "cycle 1 of each year is kept separately")
}

func TestRetroactiveCycleDroppedUnlessAllowed(t *testing.T) {
	env := newTestEnv(t)
	env.src.set(establishmentObject, establishment("E1", "Oak"))
	env.src.set(studentObject, withCycle1(student("S1", "a@x.com", "E1"), "13/09/2024"))
	_, err := env.engine.Run(context.Background(), RunOptions{})
	require.NoError(t, err)

	env.src.set(studentObject, withCycle2(withCycle1(student("S1", "a@x.com", "E1"), "13/09/2024"), "10/10/2023"))
	report, err := env.engine.Run(context.Background(), RunOptions{})
	require.NoError(t, err)
	assert.EqualValues(t, 1, report.PerEntity.Data()[sink.KindScores].DropReasons["retroactive_year"])
	assert.EqualValues(t, 1, env.count(t, &sink.Student{}))
	assert.EqualValues(t, 1, env.count(t, &sink.AssessmentCycleScore{}))

	env.opts.Config.AllowRetroactiveYears = true
	env.rebuild(t)
	_, err = env.engine.Run(context.Background(), RunOptions{})
	require.NoError(t, err)
	assert.EqualValues(t, 2, env.count(t, &sink.Student{}))
	var score sink.AssessmentCycleScore
	require.NoError(t, env.db.First(&score, "cycle_number = ?", 2).Error)
	assert.Equal(t, "2023/2024", score.AcademicYear)
}

func TestOrphansAreCountedNotWritten(t *testing.T) {
	env := newTestEnv(t)
	env.src.set(establishmentObject, establishment("E1", "Oak"))
	noSchool := student("S3", "c@x.com", "E1")
	noSchool["field_133_raw"] = []any{}
	env.src.set(studentObject,
		student("S1", "a@x.com", "E1"),
		student("S2", "b@x.com", "E404"),
		noSchool,
		student("S4", "", "E1"),
	)
	env.src.set(responseObject,
		response("R1", "S404", "", map[string]any{"field_794": 3}),
		response("R2", "", "", map[string]any{"field_794": 3}),
		response("R3", "S1", "", map[string]any{"field_794": 2}),
	)

	report, err := env.engine.Run(context.Background(), RunOptions{})
	require.NoError(t, err)
	assert.True(t, report.Healthy())

	assert.EqualValues(t, 1, env.count(t, &sink.Student{}))
	assert.EqualValues(t, 1, env.count(t, &sink.QuestionResponse{}))

	students := report.PerEntity.Data()[sink.KindStudents]
	assert.EqualValues(t, 1, students.Deferred)
	assert.EqualValues(t, 2, students.Orphans)
	assert.EqualValues(t, 2, students.DropReasons["orphan"])
	assert.EqualValues(t, 1, students.DropReasons["missing_identity"])

	responses := report.PerEntity.Data()[sink.KindResponses]
	assert.EqualValues(t, 1, responses.Deferred)
	assert.EqualValues(t, 1, responses.Orphans)
	assert.EqualValues(t, 1, responses.DropReasons["missing_identity"])
}

func TestResumeAfterFailure(t *testing.T) {
	env := newTestEnv(t)
	env.src.set(establishmentObject, establishment("E1", "Oak"))
	env.src.set(studentObject,
		student("S1", "a@x.com", "E1"),
		student("S2", "b@x.com", "E1"),
		student("S3", "c@x.com", "E1"),
		student("S4", "d@x.com", "E1"),
		student("S5", "e@x.com", "E1"),
	)
	env.src.set(responseObject, response("R1", "S5", "", map[string]any{"field_794": 1}))
	env.src.setHook(func(object string, page int) int {
		if object == studentObject && page == 2 {
			return http.StatusUnauthorized
		}
		return 0
	})

	failed, err := env.engine.Run(context.Background(), RunOptions{RunID: "run-1"})
	require.Error(t, err)
	assert.ErrorIs(t, err, syncerr.ErrSourceRejected)
	require.NotNil(t, failed)
	assert.Equal(t, runs.StatusFailed, failed.Status)
	assert.Contains(t, failed.ErrorMessage, "source rejected")

	cp := env.checkpoint(t)
	require.NotNil(t, cp)
	assert.Equal(t, checkpoint.StateFailed, cp.State)
	assert.True(t, cp.EstablishmentsDone)
	assert.Equal(t, 1, cp.StudentsPage)
	assert.NotEmpty(t, cp.LastError)
	assert.Equal(t, "fatal", cp.ErrorKind)
	assert.True(t, cp.NeedsOperator())
	assert.EqualValues(t, 2, env.count(t, &sink.Student{}))

	env.src.setHook(nil)
	_, err = env.engine.Run(context.Background(), RunOptions{})
	require.Error(t, err)
	assert.ErrorIs(t, err, syncerr.ErrRunConflict)

	skipped, err := env.engine.Run(context.Background(), RunOptions{Resume: true, Unattended: true})
	require.Error(t, err)
	assert.ErrorIs(t, err, syncerr.ErrNeedsOperator)
	assert.Nil(t, skipped)
	assert.Equal(t, "run-1", env.checkpoint(t).RunID, "a refused unattended run leaves the checkpoint alone")

	resumed, err := env.engine.Run(context.Background(), RunOptions{Resume: true, RunID: "run-2"})
	require.NoError(t, err)
	assert.True(t, resumed.Resumed)
	assert.Equal(t, runs.StatusCompleted, resumed.Status)
	assert.EqualValues(t, 5, env.count(t, &sink.Student{}))
	assert.EqualValues(t, 1, env.count(t, &sink.QuestionResponse{}))
	assert.Nil(t, env.checkpoint(t))

	assert.Equal(t, []int{1}, env.src.requested(establishmentObject), "establishments are not fetched again")
	assert.Equal(t, []int{1, 2, 2, 3}, env.src.requested(studentObject))
}

func TestUnattendedRunResumesTransientFailure(t *testing.T) {
	env := newTestEnv(t)
	env.src.set(establishmentObject, establishment("E1", "Oak"))
	env.src.set(studentObject,
		student("S1", "a@x.com", "E1"),
		student("S2", "b@x.com", "E1"),
		student("S3", "c@x.com", "E1"),
	)
	env.src.setHook(func(object string, page int) int {
		if object == studentObject && page == 2 {
			return http.StatusServiceUnavailable
		}
		return 0
	})

	_, err := env.engine.Run(context.Background(), RunOptions{RunID: "run-1"})
	require.Error(t, err)
	assert.ErrorIs(t, err, syncerr.ErrSourceUnavailable)
	cp := env.checkpoint(t)
	require.NotNil(t, cp)
	assert.Equal(t, checkpoint.StateFailed, cp.State)
	assert.Equal(t, "transient", cp.ErrorKind)
	assert.False(t, cp.NeedsOperator())

	env.src.setHook(nil)
	resumed, err := env.engine.Run(context.Background(), RunOptions{RunID: "run-2", Resume: true, Unattended: true})
	require.NoError(t, err)
	assert.True(t, resumed.Resumed)
	assert.Equal(t, runs.StatusCompleted, resumed.Status)
	assert.EqualValues(t, 3, env.count(t, &sink.Student{}))
}

func TestPageRetriesRecoverTransientFailure(t *testing.T) {
	env := newTestEnv(t)
	env.src.set(establishmentObject, establishment("E1", "Oak"))
	var calls int
	env.src.setHook(func(object string, page int) int {
		if object == establishmentObject {
			calls++
			if calls == 1 {
				return http.StatusServiceUnavailable
			}
		}
		return 0
	})
	env.opts.Config.PageRetries = 1
	env.opts.Config.PageRetryDelay = time.Millisecond
	env.rebuild(t)

	report, err := env.engine.Run(context.Background(), RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, runs.StatusCompleted, report.Status)
	assert.EqualValues(t, 1, env.count(t, &sink.Establishment{}))
}

func TestCancelLeavesInterruptedCheckpoint(t *testing.T) {
	env := newTestEnv(t)
	env.src.set(establishmentObject, establishment("E1", "Oak"))
	env.src.set(studentObject,
		student("S1", "a@x.com", "E1"),
		student("S2", "b@x.com", "E1"),
		student("S3", "c@x.com", "E1"),
	)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	env.src.setHook(func(object string, page int) int {
		if object == studentObject && page == 2 {
			cancel()
			return http.StatusServiceUnavailable
		}
		return 0
	})

	report, err := env.engine.Run(ctx, RunOptions{})
	require.Error(t, err)
	require.NotNil(t, report)
	assert.Equal(t, runs.StatusInterrupted, report.Status)

	cp := env.checkpoint(t)
	require.NotNil(t, cp)
	assert.Equal(t, checkpoint.StateInterrupted, cp.State)

	env.src.setHook(nil)
	report, err = env.engine.Run(context.Background(), RunOptions{Resume: true})
	require.NoError(t, err)
	assert.Equal(t, runs.StatusCompleted, report.Status)
	assert.EqualValues(t, 3, env.count(t, &sink.Student{}))
}

func TestRunRefusedWhileLocked(t *testing.T) {
	env := newTestEnv(t)
	locker := checkpoint.NewLocker(env.db, checkpoint.LockConfig{StaleAfter: time.Hour, Identity: "other-host:1"})
	lease, err := locker.TryLock(context.Background(), "run:app-1@sqlite")
	require.NoError(t, err)

	report, err := env.engine.Run(context.Background(), RunOptions{})
	require.Error(t, err)
	assert.Nil(t, report)
	assert.ErrorIs(t, err, syncerr.ErrRunConflict)
	assert.Contains(t, err.Error(), "other-host:1")

	lease.Release()
	_, err = env.engine.Run(context.Background(), RunOptions{})
	require.NoError(t, err)
}

type recordingTrigger struct {
	calls []string
	err   error
}

func (r *recordingTrigger) Trigger(_ context.Context, runID, syncKey string) error {
	r.calls = append(r.calls, runID+"|"+syncKey)
	return r.err
}

func TestStatisticsTriggeredOncePerRun(t *testing.T) {
	env := newTestEnv(t)
	env.src.set(establishmentObject, establishment("E1", "Oak"))
	trigger := &recordingTrigger{err: syncerr.Fatal("trigger statistics", fmt.Errorf("status 400"))}
	env.opts.Statistics = trigger
	env.rebuild(t)

	_, err := env.engine.Run(context.Background(), RunOptions{RunID: "run-1"})
	require.Error(t, err)
	cp := env.checkpoint(t)
	require.NotNil(t, cp)
	assert.True(t, cp.ResponsesDone)
	assert.False(t, cp.StatisticsDone)

	trigger.err = nil
	_, err = env.engine.Run(context.Background(), RunOptions{RunID: "run-2", Resume: true})
	require.NoError(t, err)
	assert.Equal(t, []string{"run-1|app-1@sqlite", "run-2|app-1@sqlite"}, trigger.calls)
	assert.Equal(t, []int{1}, env.src.requested(studentObject), "finished stages are not repeated")
}

func TestBaselineWarningOnSharpDrop(t *testing.T) {
	env := newTestEnv(t)
	env.src.set(establishmentObject, establishment("E1", "Oak"))
	env.src.set(studentObject, student("S1", "a@x.com", "E1"), student("S2", "b@x.com", "E1"))
	env.src.set(responseObject,
		response("R1", "S1", "", map[string]any{"field_794": 3, "field_795": 4}),
		response("R2", "S2", "", map[string]any{"field_794": 3}),
	)
	_, err := env.engine.Run(context.Background(), RunOptions{})
	require.NoError(t, err)

	env.src.set(responseObject)
	report, err := env.engine.Run(context.Background(), RunOptions{})
	require.NoError(t, err)
	assert.Contains(t, report.BaselineWarning, "responses: 0 written")
	assert.NotContains(t, report.BaselineWarning, "students")
}

func TestDuplicateSourceRecordsLastWins(t *testing.T) {
	env := newTestEnv(t)
	env.src.set(establishmentObject, establishment("E1", "Oak"))
	first := student("S1", "a@x.com", "E1")
	second := student("S9", "A@X.COM", "E1")
	second["field_187_raw"] = "Second Copy"
	env.src.set(studentObject, first, second)

	report, err := env.engine.Run(context.Background(), RunOptions{})
	require.NoError(t, err)
	var s sink.Student
	require.NoError(t, env.db.First(&s).Error)
	assert.Equal(t, "Second Copy", s.DisplayName)
	assert.EqualValues(t, 1, env.count(t, &sink.Student{}))
	assert.EqualValues(t, 1, report.PerEntity.Data()[sink.KindStudents].DropReasons["duplicate_in_batch"])
}

func TestNewRequiresCollaborators(t *testing.T) {
	_, err := New(Options{})
	require.Error(t, err)
}
