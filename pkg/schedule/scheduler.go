// Package schedule runs the sync on a cron schedule and prunes old run
// reports.
package schedule

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/edusync/assessment-sync/pkg/runs"
	"github.com/edusync/assessment-sync/pkg/syncer"
	"github.com/edusync/assessment-sync/pkg/syncerr"
)

// Runner starts one sync run.
type Runner interface {
	Run(ctx context.Context, opts syncer.RunOptions) (*runs.Report, error)
}

// Config holds scheduler settings.
type Config struct {
	// Cron is a standard five-field cron expression.
	Cron string
	// Timezone is an IANA zone name the expression is evaluated in.
	Timezone string
	// RetentionDays controls how long run reports are kept. 0 keeps them
	// forever.
	RetentionDays int
	// RunTimeout bounds a single scheduled run. 0 means no bound.
	RunTimeout time.Duration
}

// DefaultConfig returns the default scheduler configuration: nightly at
// 02:00 UTC, 90 days of reports.
func DefaultConfig() Config {
	return Config{
		Cron:          "0 2 * * *",
		Timezone:      "UTC",
		RetentionDays: 90,
		RunTimeout:    6 * time.Hour,
	}
}

// Scheduler triggers runs on a cron schedule. A tick resumes an interrupted
// checkpoint or one left by transient failures. It is skipped when another
// run holds the sync key or the last run failed fatally.
type Scheduler struct {
	runner Runner
	store  *runs.Store
	cfg    Config
	loc    *time.Location
	logger *slog.Logger
	now    func() time.Time
}

// New validates cfg and creates a Scheduler. store may be nil to disable
// report retention.
func New(runner Runner, store *runs.Store, cfg Config, logger *slog.Logger) (*Scheduler, error) {
	if logger == nil {
		logger = slog.Default()
	}
	loc := time.UTC
	if cfg.Timezone != "" {
		l, err := time.LoadLocation(cfg.Timezone)
		if err != nil {
			return nil, fmt.Errorf("schedule timezone %q: %w", cfg.Timezone, err)
		}
		loc = l
	}
	if _, err := cron.ParseStandard(cfg.Cron); err != nil {
		return nil, fmt.Errorf("schedule cron %q: %w", cfg.Cron, err)
	}
	return &Scheduler{runner: runner, store: store, cfg: cfg, loc: loc, logger: logger, now: time.Now}, nil
}

// Run blocks until ctx is cancelled, then waits for a tick in progress to
// finish.
func (s *Scheduler) Run(ctx context.Context) error {
	log := cronLogger{s.logger}
	c := cron.New(
		cron.WithLocation(s.loc),
		cron.WithLogger(log),
		cron.WithChain(cron.Recover(log), cron.SkipIfStillRunning(log)),
	)
	id, err := c.AddFunc(s.cfg.Cron, func() { s.tick(ctx) })
	if err != nil {
		return fmt.Errorf("schedule cron %q: %w", s.cfg.Cron, err)
	}
	c.Start()
	s.logger.Info("scheduler started",
		"cron", s.cfg.Cron,
		"timezone", s.loc.String(),
		"next", c.Entry(id).Next.Format(time.RFC3339),
		"retentionDays", s.cfg.RetentionDays)

	<-ctx.Done()
	s.logger.Info("scheduler stopping, waiting for the current run")
	<-c.Stop().Done()
	s.logger.Info("scheduler stopped")
	return nil
}

// tick performs one scheduled run followed by a retention pass.
func (s *Scheduler) tick(ctx context.Context) {
	runCtx := ctx
	if s.cfg.RunTimeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, s.cfg.RunTimeout)
		defer cancel()
	}

	report, err := s.runner.Run(runCtx, syncer.RunOptions{Resume: true, Unattended: true})
	switch {
	case err != nil && report == nil && errors.Is(err, syncerr.ErrRunConflict):
		s.logger.Info("skipping scheduled run, another run holds the sync key", "error", err)
	case err != nil && report == nil && errors.Is(err, syncerr.ErrNeedsOperator):
		s.logger.Warn("skipping scheduled run, the last run failed and needs an operator", "error", err)
	case err != nil:
		attrs := []any{"error", err}
		if report != nil {
			attrs = append(attrs, "runId", report.RunID, "status", report.Status)
		}
		s.logger.Error("scheduled run failed", attrs...)
	default:
		s.logger.Info("scheduled run completed", "runId", report.RunID, "durationMs", report.DurationMs)
	}

	if ctx.Err() == nil {
		s.cleanup(ctx)
	}
}

// cleanup performs a single retention pass.
func (s *Scheduler) cleanup(ctx context.Context) {
	if s.store == nil || s.cfg.RetentionDays <= 0 {
		return
	}
	cutoff := s.now().AddDate(0, 0, -s.cfg.RetentionDays)
	deleted, err := s.store.DeleteOlderThan(ctx, cutoff)
	if err != nil {
		s.logger.Error("run report retention cleanup failed", "error", err)
	} else if deleted > 0 {
		s.logger.Info("run report retention cleanup completed",
			"deleted", deleted,
			"cutoff", cutoff.Format(time.RFC3339))
	}
}

// cronLogger adapts slog to cron.Logger.
type cronLogger struct {
	l *slog.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...any) {
	c.l.Debug("cron: "+msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...any) {
	c.l.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
