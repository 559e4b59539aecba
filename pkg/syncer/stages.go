package syncer

import (
	"context"
	"errors"
	"time"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/edusync/assessment-sync/pkg/academicyear"
	"github.com/edusync/assessment-sync/pkg/checkpoint"
	"github.com/edusync/assessment-sync/pkg/fieldmap"
	"github.com/edusync/assessment-sync/pkg/identity"
	"github.com/edusync/assessment-sync/pkg/record"
	"github.com/edusync/assessment-sync/pkg/sink"
	"github.com/edusync/assessment-sync/pkg/source"
	"github.com/edusync/assessment-sync/pkg/syncerr"
)

// Drop reasons recorded in run reports.
const (
	reasonMissingIdentity  = "missing_identity"
	reasonOrphan           = "orphan"
	reasonOutOfRange       = "out_of_range"
	reasonInvalidValue     = "invalid_value"
	reasonInvalidRecord    = "invalid_record"
	reasonDuplicate        = "duplicate_in_batch"
	reasonRetroactive      = "retroactive_year"
	reasonInvalidSubScore  = "invalid_sub_score"
	reasonNoStudentPeriod  = "no_student_period"
	reasonStudentNotStored = "student_not_stored"
)

func reasonOf(err error) string {
	switch {
	case errors.Is(err, sink.ErrDuplicateInBatch):
		return reasonDuplicate
	case errors.Is(err, syncerr.ErrMissingIdentity):
		return reasonMissingIdentity
	case errors.Is(err, syncerr.ErrOrphan):
		return reasonOrphan
	case errors.Is(err, syncerr.ErrOutOfRange):
		return reasonOutOfRange
	case errors.Is(err, syncerr.ErrInvalidValue):
		return reasonInvalidValue
	default:
		return reasonInvalidRecord
	}
}

// pageWriter maps and writes the records of one page. It returns the
// records that must wait for a foreign key.
type pageWriter func(ctx context.Context, recs []record.Flat) ([]record.Flat, error)

// stage streams object from the page after *cursor, writing each page with
// write and checkpointing after it. Records already processed by an earlier
// attempt of the stage are skipped.
func (r *run) stage(ctx context.Context, kind sink.Kind, object string, filters source.Filters,
	cursor *int, state checkpoint.State, write pageWriter) error {
	processed := r.cp.ProcessedSet()
	counts := r.report.Entity(kind)
	log := r.log.With("entity", kind)

	err := r.stream(ctx, object, filters, *cursor+1, func(ctx context.Context, p *source.Page) error {
		fresh := make([]record.Flat, 0, len(p.Records))
		for _, f := range p.Records {
			if id := f.ID(); id != "" && processed.Contains(string(kind)+":"+id) {
				continue
			}
			fresh = append(fresh, f)
		}

		waiting, err := write(ctx, fresh)
		if err != nil {
			return err
		}
		for _, f := range waiting {
			r.cp.Deferred = append(r.cp.Deferred, checkpoint.Deferred{
				Kind:   string(kind),
				Record: f,
				Reason: "unresolved foreign key",
			})
		}
		counts.Deferred += int64(len(waiting))
		for _, f := range fresh {
			if id := f.ID(); id != "" {
				processed.Add(string(kind) + ":" + id)
			}
		}

		*cursor = p.Number
		r.cp.State = state
		r.cp.SetProcessed(processed)
		if err := r.saveCheckpoint(ctx); err != nil {
			return err
		}
		log.Debug("page written",
			"page", p.Number,
			"records", len(p.Records),
			"skipped", len(p.Records)-len(fresh),
			"deferred", len(waiting),
			"hasMore", p.HasMore)
		return nil
	})
	if err != nil {
		return err
	}
	r.cp.SetProcessed(mapset.NewThreadUnsafeSet[string]())
	return nil
}

// retryDeferred writes the deferred records of kind again after the kind
// they reference is complete. Records still unresolved are orphans.
func (r *run) retryDeferred(ctx context.Context, kind sink.Kind, write pageWriter) error {
	var mine []record.Flat
	var rest []checkpoint.Deferred
	for _, d := range r.cp.Deferred {
		if d.Kind == string(kind) {
			mine = append(mine, d.Record)
			continue
		}
		rest = append(rest, d)
	}
	if len(mine) == 0 {
		return nil
	}

	waiting, err := write(ctx, mine)
	if err != nil {
		return err
	}
	counts := r.report.Entity(kind)
	for _, f := range waiting {
		counts.Orphans++
		r.drop(kind, reasonOrphan)
		r.log.Warn("dropping orphaned record", "entity", kind, "sourceId", f.ID())
	}
	r.log.Info("retried deferred records", "entity", kind, "records", len(mine), "orphans", len(waiting))
	r.cp.Deferred = rest
	return r.saveCheckpoint(ctx)
}

func (r *run) drop(kind sink.Kind, reason string) {
	r.report.Entity(kind).Drop(reason)
	r.metrics.AddRecords(string(kind), "dropped", 1)
}

// tally counts an upsert result and returns the natural keys that were not
// stored. A row superseded by a later duplicate is counted as dropped, but
// its key is not failed because the later row was written.
func (r *run) tally(kind sink.Kind, res sink.Result) mapset.Set[string] {
	counts := r.report.Entity(kind)
	r.written[kind] += int64(res.Written)
	r.metrics.AddRecords(string(kind), "written", res.Written)

	failed := mapset.NewThreadUnsafeSet[string]()
	for _, f := range res.Failures {
		if errors.Is(f.Err, sink.ErrDuplicateInBatch) {
			r.drop(kind, reasonDuplicate)
			continue
		}
		counts.Errors++
		counts.Note(reasonOf(f.Err))
		failed.Add(f.Key)
		r.log.Warn("record rejected by sink", "entity", kind, "key", f.Key, "error", f.Err)
	}
	r.metrics.AddRecords(string(kind), "failed", failed.Cardinality())
	return failed
}

func (r *run) syncEstablishments(ctx context.Context) error {
	t := r.mapper.Tables().Establishment
	cursor := 0
	err := r.stage(ctx, sink.KindEstablishments, t.Object, nil, &cursor,
		checkpoint.StateNotStarted, r.writeEstablishments)
	if err != nil {
		return err
	}
	if err := r.loadConventions(ctx); err != nil {
		return err
	}
	r.cp.EstablishmentsDone = true
	r.cp.State = checkpoint.StateEstablishmentsSynced
	r.log.Info("establishments synced", "establishments", r.ids.Stats()[identity.KindEstablishment])
	return r.saveCheckpoint(ctx)
}

func (r *run) writeEstablishments(ctx context.Context, recs []record.Flat) ([]record.Flat, error) {
	rows := make([]sink.Establishment, 0, len(recs))
	for _, f := range recs {
		e, err := r.mapper.MapEstablishment(f)
		if err != nil {
			r.drop(sink.KindEstablishments, reasonOf(err))
			continue
		}
		row := sink.Establishment{
			SourceID:           e.SourceID,
			DisplayName:        e.DisplayName,
			CalendarConvention: string(e.Convention),
			Status:             string(e.Status),
		}
		if e.ParentTrustSourceID != "" {
			parent := e.ParentTrustSourceID
			row.ParentTrustSourceID = &parent
		}
		rows = append(rows, row)
	}

	res, err := sink.Upsert(ctx, r.writer, rows, sink.NaturalKey(sink.KindEstablishments))
	r.tally(sink.KindEstablishments, res)
	if err != nil {
		return nil, err
	}

	sourceIDs := make([]string, len(rows))
	for i, row := range rows {
		sourceIDs[i] = row.SourceID
	}
	ids, err := r.writer.ResolveEstablishments(ctx, sourceIDs)
	if err != nil {
		return nil, err
	}
	for sourceID, id := range ids {
		r.ids.Register(identity.KindEstablishment, sourceID, id)
	}
	return nil, nil
}

func (r *run) syncStudents(ctx context.Context) error {
	t := r.mapper.Tables().Student
	var filters source.Filters
	if a, ok := t.Lookup("establishment"); ok {
		filters = append(filters, source.NotBlank(a.Field))
	}
	err := r.stage(ctx, sink.KindStudents, t.Object, filters, &r.cp.StudentsPage,
		checkpoint.StateStudentsSynced, r.writeStudents)
	if err != nil {
		return err
	}

	// Establishments may have been written by someone else since the
	// stage began; re-read them before giving up on deferred students.
	if err := r.ids.Preload(ctx, r.writer, identity.KindEstablishment); err != nil {
		return err
	}
	if err := r.loadConventions(ctx); err != nil {
		return err
	}
	if err := r.retryDeferred(ctx, sink.KindStudents, r.writeStudents); err != nil {
		return err
	}
	r.cp.StudentsDone = true
	r.log.Info("students synced", "lastPage", r.cp.StudentsPage)
	return r.saveCheckpoint(ctx)
}

// plannedStudent is a mapped student with its resolved establishment and
// year plan.
type plannedStudent struct {
	student         fieldmap.Student
	establishmentID uint
	plan            periodPlan
}

func (r *run) planStudent(f record.Flat, st fieldmap.Student, establishmentID uint) plannedStudent {
	var cycles []*fieldmap.CycleScore
	for _, n := range r.mapper.ScoreCycles() {
		cs, ok := r.mapper.MapScoreCycle(f, n)
		if !ok {
			continue
		}
		for range cs.Dropped {
			r.report.Entity(sink.KindScores).Note(reasonInvalidSubScore)
		}
		cycles = append(cycles, cs)
	}

	plan := planPeriods(planInput{
		Existing: r.ids.Periods(st.Email),
		Cycles:   cycles,
		HasScore: func(cycle int, period string) bool {
			id, ok := r.ids.ResolveByEmail(st.Email, period)
			return ok && r.ids.HasScore(id, cycle, period)
		},
		Convention:       r.conventionOf(establishmentID),
		Now:              r.now(),
		AllowRetroactive: r.cfg.AllowRetroactiveYears,
	})
	for _, c := range plan.Retroactive {
		r.drop(sink.KindScores, reasonRetroactive)
		r.log.Warn("dropping cycle dated in an earlier academic year",
			"sourceId", st.SourceID, "cycle", c.Cycle, "completionDate", c.CompletionDate)
	}
	return plannedStudent{student: st, establishmentID: establishmentID, plan: plan}
}

func (r *run) writeStudents(ctx context.Context, recs []record.Flat) ([]record.Flat, error) {
	var (
		planned []plannedStudent
		waiting []record.Flat
	)
	for _, f := range recs {
		st, err := r.mapper.MapStudent(f)
		if err != nil {
			if errors.Is(err, syncerr.ErrOrphan) {
				r.report.Entity(sink.KindStudents).Orphans++
			}
			r.drop(sink.KindStudents, reasonOf(err))
			continue
		}
		establishmentID, ok := r.ids.Resolve(identity.KindEstablishment, st.EstablishmentSourceID)
		if !ok {
			waiting = append(waiting, f)
			continue
		}
		planned = append(planned, r.planStudent(f, st, establishmentID))
	}
	if len(planned) == 0 {
		return waiting, nil
	}

	var (
		rows []sink.Student
		refs []sink.StudentRef
	)
	for _, ps := range planned {
		for _, period := range ps.plan.Upsert {
			rows = append(rows, sink.Student{
				SourceID:        ps.student.SourceID,
				NormalizedEmail: ps.student.Email,
				AcademicYear:    period,
				DisplayName:     ps.student.DisplayName,
				EstablishmentID: ps.establishmentID,
				YearGroup:       ps.student.YearGroup,
				GroupLabel:      ps.student.Group,
			})
			refs = append(refs, sink.StudentRef{Email: ps.student.Email, Period: period})
		}
	}
	res, err := sink.Upsert(ctx, r.writer, rows, sink.NaturalKey(sink.KindStudents))
	r.tally(sink.KindStudents, res)
	if err != nil {
		return nil, err
	}
	ids, err := r.writer.ResolveStudents(ctx, refs)
	if err != nil {
		return nil, err
	}
	for ref, id := range ids {
		for _, ps := range planned {
			if ps.student.Email == ref.Email {
				r.ids.RegisterStudent(ps.student.SourceID, ref.Email, ref.Period, id)
				r.ids.SetEstablishment(id, ps.establishmentID)
			}
		}
	}

	if err := r.writeScores(ctx, planned); err != nil {
		return nil, err
	}
	return waiting, nil
}

func (r *run) writeScores(ctx context.Context, planned []plannedStudent) error {
	var rows []sink.AssessmentCycleScore
	for _, ps := range planned {
		for _, pc := range ps.plan.Cycles {
			studentID, ok := r.ids.ResolveByEmail(ps.student.Email, pc.Period)
			if !ok {
				r.drop(sink.KindScores, reasonStudentNotStored)
				continue
			}
			rows = append(rows, scoreRow(studentID, pc))
		}
	}
	res, err := sink.Upsert(ctx, r.writer, rows, sink.NaturalKey(sink.KindScores))
	failed := r.tally(sink.KindScores, res)
	if err != nil {
		return err
	}
	for _, row := range rows {
		if !failed.Contains(row.NaturalKey()) {
			r.ids.RegisterScore(row.StudentID, row.CycleNumber, row.AcademicYear)
		}
	}
	return nil
}

func scoreRow(studentID uint, pc plannedCycle) sink.AssessmentCycleScore {
	cs := pc.Score
	row := sink.AssessmentCycleScore{
		StudentID:      studentID,
		CycleNumber:    cs.Cycle,
		AcademicYear:   pc.Period,
		Overall:        cs.Overall,
		CompletionDate: cs.CompletionDate,
	}
	for name, v := range cs.SubScores {
		v := v // each row field takes its own copy (go < 1.22 loop semantics)
		switch name {
		case "vision":
			row.Vision = &v
		case "effort":
			row.Effort = &v
		case "systems":
			row.Systems = &v
		case "practice":
			row.Practice = &v
		case "attitude":
			row.Attitude = &v
		default:
			row.Extra = &v
		}
	}
	return row
}

func (r *run) syncResponses(ctx context.Context) error {
	t := r.mapper.Tables().Responses
	filters := source.Filters{source.NotBlank(t.Student.Field)}
	err := r.stage(ctx, sink.KindResponses, t.Object, filters, &r.cp.ResponsesPage,
		checkpoint.StateResponsesSynced, r.writeResponses)
	if err != nil {
		return err
	}
	if err := r.ids.Preload(ctx, r.writer, identity.KindStudent); err != nil {
		return err
	}
	if err := r.retryDeferred(ctx, sink.KindResponses, r.writeResponses); err != nil {
		return err
	}
	r.cp.ResponsesDone = true
	r.log.Info("responses synced", "lastPage", r.cp.ResponsesPage)
	return r.saveCheckpoint(ctx)
}

// studentRows resolves the stored rows of a response's student, preferring
// the connected source id over the email.
type studentRows struct {
	r       *run
	owner   string
	email   string
	byEmail bool
	// periods are oldest first.
	periods []string
}

func (r *run) studentRowsOf(owner, email string) studentRows {
	s := studentRows{r: r, owner: owner, email: email}
	if owner != "" {
		s.periods = r.ids.SourcePeriods(owner)
	}
	if len(s.periods) == 0 && email != "" {
		s.periods = r.ids.Periods(email)
		s.byEmail = true
	}
	return s
}

func (s studentRows) id(period string) (uint, bool) {
	if s.byEmail {
		return s.r.ids.ResolveByEmail(s.email, period)
	}
	return s.r.ids.ResolveStudent(s.owner, period)
}

// periodFor picks the student row a cycle's answers belong to: the newest
// year already holding that cycle's score, else the year of the cycle's
// completion date, else the newest year.
func (s studentRows) periodFor(cycle int, completed *time.Time) (string, uint, bool) {
	for i := len(s.periods) - 1; i >= 0; i-- {
		p := s.periods[i]
		if id, ok := s.id(p); ok && s.r.ids.HasScore(id, cycle, p) {
			return p, id, true
		}
	}
	latest := s.periods[len(s.periods)-1]
	latestID, ok := s.id(latest)
	if !ok {
		return "", 0, false
	}
	if completed != nil {
		establishmentID, _ := s.r.ids.EstablishmentOf(latestID)
		p := academicyear.ResolveAt(completed, s.r.conventionOf(establishmentID), s.r.now())
		id, ok := s.id(p)
		return p, id, ok
	}
	return latest, latestID, true
}

func (r *run) writeResponses(ctx context.Context, recs []record.Flat) ([]record.Flat, error) {
	var (
		rows    []sink.QuestionResponse
		waiting []record.Flat
	)
	for _, f := range recs {
		owner, email := r.mapper.ResponseOwner(f)
		if owner == "" && email == "" {
			r.drop(sink.KindResponses, reasonMissingIdentity)
			continue
		}
		student := r.studentRowsOf(owner, email)
		if len(student.periods) == 0 {
			waiting = append(waiting, f)
			continue
		}

		for _, rc := range r.mapper.ResponseCycles() {
			var answers []*fieldmap.QuestionResponse
			for _, q := range rc.Questions {
				resp, ok, warn := r.mapper.MapQuestionResponse(f, rc.Cycle, q)
				if warn != nil {
					r.drop(sink.KindResponses, reasonOf(warn))
					continue
				}
				if ok {
					answers = append(answers, resp)
				}
			}
			if len(answers) == 0 {
				continue
			}

			period, studentID, ok := student.periodFor(rc.Cycle, r.mapper.ResponseDate(f, rc))
			if !ok {
				for range answers {
					r.drop(sink.KindResponses, reasonNoStudentPeriod)
				}
				continue
			}
			for _, a := range answers {
				rows = append(rows, sink.QuestionResponse{
					StudentID:     studentID,
					CycleNumber:   a.Cycle,
					AcademicYear:  period,
					QuestionID:    a.QuestionID,
					ResponseValue: a.Value,
				})
			}
		}
	}

	res, err := sink.Upsert(ctx, r.writer, rows, sink.NaturalKey(sink.KindResponses))
	r.tally(sink.KindResponses, res)
	if err != nil {
		return nil, err
	}
	return waiting, nil
}
