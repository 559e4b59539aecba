// Package syncer runs the sync: it pulls establishments, students and
// question responses from the source, maps them, and writes them to the
// sink in dependency order, persisting a checkpoint after every page.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"

	"github.com/edusync/assessment-sync/pkg/academicyear"
	"github.com/edusync/assessment-sync/pkg/checkpoint"
	"github.com/edusync/assessment-sync/pkg/fieldmap"
	"github.com/edusync/assessment-sync/pkg/identity"
	"github.com/edusync/assessment-sync/pkg/metrics"
	"github.com/edusync/assessment-sync/pkg/runs"
	"github.com/edusync/assessment-sync/pkg/sink"
	"github.com/edusync/assessment-sync/pkg/source"
	"github.com/edusync/assessment-sync/pkg/syncerr"
)

// Config holds the run settings of an Engine.
type Config struct {
	// SyncKey names the source/sink pair. One run per key at a time.
	SyncKey string
	// PageRetries is how many more times a page is fetched after the
	// source client exhausted its own retries.
	PageRetries    int
	PageRetryDelay time.Duration
	// AllowRetroactiveYears writes cycles dated in an older year than the
	// student's newest stored year instead of dropping them.
	AllowRetroactiveYears bool
	// BaselineFraction flags a kind whose written count falls below this
	// fraction of the previous completed run. 0 disables the check.
	BaselineFraction float64
}

// DefaultConfig returns the default engine configuration.
func DefaultConfig() Config {
	return Config{
		PageRetries:      2,
		PageRetryDelay:   5 * time.Second,
		BaselineFraction: 0.5,
	}
}

// Options wires an Engine. Source, Writer and Mapper are required.
type Options struct {
	Source      source.Fetcher
	Writer      *sink.Writer
	Mapper      *fieldmap.Mapper
	Checkpoints *checkpoint.Store
	Runs        *runs.Store
	Locker      checkpoint.Locker
	Statistics  StatisticsTrigger
	Deliverer   runs.Deliverer
	Metrics     *metrics.Metrics
	Logger      *slog.Logger
	Config      Config
	// Now overrides the wall clock used to resolve undated records.
	Now func() time.Time
}

// Engine runs syncs for one sync key.
type Engine struct {
	source      source.Fetcher
	writer      *sink.Writer
	mapper      *fieldmap.Mapper
	checkpoints *checkpoint.Store
	runs        *runs.Store
	locker      checkpoint.Locker
	stats       StatisticsTrigger
	deliverer   runs.Deliverer
	metrics     *metrics.Metrics
	logger      *slog.Logger
	cfg         Config
	now         func() time.Time
}

// New creates an Engine.
func New(opts Options) (*Engine, error) {
	if opts.Source == nil || opts.Writer == nil || opts.Mapper == nil {
		return nil, errors.New("syncer: source, writer and mapper are required")
	}
	if opts.Config.SyncKey == "" {
		return nil, errors.New("syncer: sync key is required")
	}
	e := &Engine{
		source:      opts.Source,
		writer:      opts.Writer,
		mapper:      opts.Mapper,
		checkpoints: opts.Checkpoints,
		runs:        opts.Runs,
		locker:      opts.Locker,
		stats:       opts.Statistics,
		deliverer:   opts.Deliverer,
		metrics:     opts.Metrics,
		logger:      opts.Logger,
		cfg:         opts.Config,
		now:         opts.Now,
	}
	if e.checkpoints == nil {
		e.checkpoints = checkpoint.NewStore(opts.Writer.DB())
	}
	if e.runs == nil {
		e.runs = runs.NewStore(opts.Writer.DB())
	}
	if e.locker == nil {
		e.locker = checkpoint.NewLocker(opts.Writer.DB(), checkpoint.DefaultLockConfig())
	}
	if e.stats == nil {
		e.stats = noopTrigger{}
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	if e.now == nil {
		e.now = time.Now
	}
	if e.cfg.PageRetries < 0 {
		e.cfg.PageRetries = 0
	}
	return e, nil
}

// Migrate creates the sink, checkpoint and run report tables. Concurrent
// callers are serialized by the locker.
func (e *Engine) Migrate(ctx context.Context) error {
	return e.locker.WithLock(ctx, "migrate", func() error {
		if err := sink.Migrate(e.writer.DB()); err != nil {
			return err
		}
		if err := e.checkpoints.AutoMigrate(); err != nil {
			return fmt.Errorf("migrate checkpoint tables: %w", err)
		}
		if err := e.runs.AutoMigrate(); err != nil {
			return fmt.Errorf("migrate run tables: %w", err)
		}
		return nil
	})
}

// RunOptions control a single run.
type RunOptions struct {
	// Resume continues an unfinished checkpoint instead of refusing to
	// start.
	Resume bool
	// RunID overrides the generated run id.
	RunID string
	// Unattended refuses to resume a checkpoint left by a fatal failure.
	// Scheduled runs set it; an operator resumes those with Resume alone.
	Unattended bool
}

// run is the state of one Run call. It is owned by the calling goroutine.
type run struct {
	*Engine
	cp          *checkpoint.Checkpoint
	report      *runs.Report
	ids         *identity.Resolver
	conventions map[uint]academicyear.Convention
	lease       checkpoint.Lease
	log         *slog.Logger
	written     map[sink.Kind]int64
}

// Run performs one sync. The returned report is non-nil whenever the run
// got far enough to create one, including failed and interrupted runs.
// Starting while another run holds the key, or while an unfinished
// checkpoint exists and opts.Resume is false, fails with
// syncerr.ErrRunConflict.
func (e *Engine) Run(ctx context.Context, opts RunOptions) (*runs.Report, error) {
	runID := opts.RunID
	if runID == "" {
		runID = uuid.NewString()
	}
	log := e.logger.With("runId", runID, "syncKey", e.cfg.SyncKey)

	lease, err := e.locker.TryLock(ctx, "run:"+e.cfg.SyncKey)
	if err != nil {
		if errors.Is(err, syncerr.ErrRunConflict) {
			return nil, syncerr.Fatal("start run", err)
		}
		return nil, fmt.Errorf("acquire run lock: %w", err)
	}
	defer lease.Release()

	if n, err := e.runs.MarkAbandoned(ctx, e.cfg.SyncKey); err != nil {
		return nil, err
	} else if n > 0 {
		log.Warn("marked abandoned runs as interrupted", "count", n)
	}

	cp, err := e.checkpoints.Load(ctx, e.cfg.SyncKey)
	if err != nil {
		return nil, err
	}
	resumed := false
	switch {
	case cp != nil && cp.State.Unfinished() && !opts.Resume:
		return nil, syncerr.Fatal("start run", fmt.Errorf("%w: run %s left a %s checkpoint; resume or clear it",
			syncerr.ErrRunConflict, cp.RunID, cp.State))
	case cp != nil && opts.Unattended && cp.NeedsOperator():
		return nil, syncerr.Fatal("start run", fmt.Errorf("%w: run %s failed with a %s error (%s); resume it manually or clear the checkpoint",
			syncerr.ErrNeedsOperator, cp.RunID, cp.ErrorKind, cp.LastError))
	case cp != nil && cp.State.Unfinished():
		log.Info("resuming run",
			"previousRunId", cp.RunID,
			"state", cp.State,
			"studentsPage", cp.StudentsPage,
			"responsesPage", cp.ResponsesPage,
			"deferred", len(cp.Deferred))
		cp.RunID = runID
		cp.LastError = ""
		cp.ErrorKind = ""
		resumed = true
	default:
		cp = checkpoint.New(e.cfg.SyncKey, runID)
	}

	report := runs.NewReport(runID, e.cfg.SyncKey)
	report.Resumed = resumed
	if err := e.runs.Create(ctx, report); err != nil {
		return nil, err
	}
	if err := e.checkpoints.Save(ctx, cp); err != nil {
		return e.finishRun(ctx, &run{Engine: e, cp: cp, report: report, log: log}, err)
	}

	r := &run{
		Engine:      e,
		cp:          cp,
		report:      report,
		ids:         identity.New(),
		conventions: make(map[uint]academicyear.Convention),
		lease:       lease,
		log:         log,
		written:     make(map[sink.Kind]int64),
	}
	log.Info("sync run started", "resumed", resumed)
	return e.finishRun(ctx, r, r.execute(ctx))
}

func (r *run) execute(ctx context.Context) error {
	before, err := r.writer.Counts(ctx)
	if err != nil {
		return err
	}
	for kind, n := range before {
		r.report.Entity(kind).Before = n
	}

	// Identity mappings always come from the sink, never from the
	// checkpoint.
	for _, kind := range []identity.Kind{identity.KindEstablishment, identity.KindStudent, identity.KindScore} {
		if err := r.ids.Preload(ctx, r.writer, kind); err != nil {
			return err
		}
	}
	if err := r.loadConventions(ctx); err != nil {
		return err
	}

	if !r.cp.EstablishmentsDone {
		if err := r.syncEstablishments(ctx); err != nil {
			return err
		}
	}
	if !r.cp.StudentsDone {
		if err := r.syncStudents(ctx); err != nil {
			return err
		}
	}
	if !r.cp.ResponsesDone {
		if err := r.syncResponses(ctx); err != nil {
			return err
		}
	}
	if !r.cp.StatisticsDone {
		if err := r.stats.Trigger(ctx, r.cp.RunID, r.cfg.SyncKey); err != nil {
			return fmt.Errorf("statistics: %w", err)
		}
		r.cp.StatisticsDone = true
		r.cp.State = checkpoint.StateStatisticsTriggered
		if err := r.saveCheckpoint(ctx); err != nil {
			return err
		}
		r.log.Info("statistics triggered")
	}
	return r.finalize(ctx)
}

// finalize records row counts, health checks and the baseline comparison.
func (r *run) finalize(ctx context.Context) error {
	after, err := r.writer.Counts(ctx)
	if err != nil {
		return err
	}
	for _, kind := range sink.Kinds {
		c := r.report.Entity(kind)
		c.After = after[kind]
		c.New = max(c.After-c.Before, 0)
		c.Updated = max(r.written[kind]-c.New, 0)
	}

	health, err := r.writer.HealthChecks(ctx)
	if err != nil {
		return err
	}
	r.report.Health = datatypes.NewJSONSlice(health)
	for _, h := range health {
		if !h.OK {
			r.log.Warn("health check failed", "check", h.Name, "table", h.Table, "violations", h.Violations)
		}
	}

	if err := r.compareBaseline(ctx); err != nil {
		r.log.Warn("baseline comparison skipped", "error", err)
	}
	return nil
}

func (r *run) compareBaseline(ctx context.Context) error {
	if r.cfg.BaselineFraction <= 0 {
		return nil
	}
	prev, err := r.runs.PreviousCompleted(ctx, r.cfg.SyncKey, r.report.RunID)
	if err != nil || prev == nil {
		return err
	}
	previous := prev.PerEntity.Data()
	var warnings []string
	for _, kind := range sink.Kinds {
		p, ok := previous[kind]
		if !ok {
			continue
		}
		c := r.report.Entity(kind)
		was, now := p.New+p.Updated, c.New+c.Updated
		if was > 0 && float64(now) < r.cfg.BaselineFraction*float64(was) {
			warnings = append(warnings, fmt.Sprintf("%s: %d written, previous run %s wrote %d", kind, now, prev.RunID, was))
		}
	}
	if len(warnings) > 0 {
		r.report.BaselineWarning = strings.Join(warnings, "; ")
		r.log.Warn("run wrote fewer records than the previous run", "warning", r.report.BaselineWarning)
	}
	return nil
}

// finishRun persists the outcome of a run. Final writes use a context that
// survives cancellation of ctx so an interrupted run is still recorded.
func (e *Engine) finishRun(ctx context.Context, r *run, runErr error) (*runs.Report, error) {
	interrupted := ctx.Err() != nil
	ctx = context.WithoutCancel(ctx)

	status := runs.StatusCompleted
	if runErr == nil {
		r.cp.State = checkpoint.StateCompleted
		if err := e.checkpoints.Archive(ctx, r.cp); err != nil {
			runErr = err
		}
	}
	if runErr != nil {
		status = runs.StatusFailed
		r.cp.State = checkpoint.StateFailed
		if interrupted {
			status = runs.StatusInterrupted
			r.cp.State = checkpoint.StateInterrupted
		}
		r.cp.LastError = runErr.Error()
		r.cp.ErrorKind = syncerr.KindOf(runErr).String()
		if err := e.checkpoints.Save(ctx, r.cp); err != nil {
			r.log.Error("failed to save checkpoint", "error", err)
		}
	}

	r.report.Finish(status, runErr)
	if err := e.runs.Save(ctx, r.report); err != nil {
		r.log.Error("failed to save run report", "error", err)
	}
	e.metrics.ObserveRun(string(status), time.Duration(r.report.DurationMs)*time.Millisecond)

	if e.deliverer != nil {
		if err := e.deliverer.Deliver(ctx, r.report); err != nil {
			r.log.Error("failed to deliver run report", "error", err)
		}
	}

	if runErr != nil {
		r.log.Error("sync run ended", "status", status, "state", r.cp.State, "error", runErr)
		return r.report, runErr
	}
	r.log.Info("sync run completed",
		"duration", time.Duration(r.report.DurationMs)*time.Millisecond,
		"healthy", r.report.Healthy())
	return r.report, nil
}

// saveCheckpoint persists the checkpoint and refreshes the run lock.
func (r *run) saveCheckpoint(ctx context.Context) error {
	if err := r.checkpoints.Save(ctx, r.cp); err != nil {
		return syncerr.Fatal("checkpoint", err)
	}
	if r.lease != nil {
		if err := r.lease.Touch(ctx); err != nil {
			r.log.Warn("failed to refresh run lock", "error", err)
		}
	}
	return nil
}

func (r *run) loadConventions(ctx context.Context) error {
	raw, err := r.writer.EstablishmentConventions(ctx)
	if err != nil {
		return err
	}
	for id, s := range raw {
		if c, ok := academicyear.ParseConvention(s); ok {
			r.conventions[id] = c
		}
	}
	return nil
}

// conventionOf returns the calendar convention of an establishment row.
func (r *run) conventionOf(establishmentID uint) academicyear.Convention {
	if c, ok := r.conventions[establishmentID]; ok {
		return c
	}
	if c := r.mapper.Tables().DefaultConvention; c != "" {
		return c
	}
	return academicyear.FiscalAugJul
}
