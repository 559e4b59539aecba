package main

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"time"

	"github.com/golang/glog"
	"github.com/spf13/cobra"

	"github.com/edusync/assessment-sync/pkg/runs"
	"github.com/edusync/assessment-sync/pkg/sink"
	"github.com/edusync/assessment-sync/pkg/syncer"
	"github.com/edusync/assessment-sync/pkg/syncerr"
)

// Exit codes of the run command.
const (
	exitFailed      = 1
	exitConflict    = 2
	exitInterrupted = 3
)

var (
	resumeRun bool
	runID     string
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run one sync and print its report",
	Long: `Run performs one sync of establishments, students, scores and responses.

An unfinished checkpoint from an earlier failed or interrupted run blocks a new
run unless --resume is given, in which case the run continues from the last
completed page.`,
	RunE: runSync,
}

func init() {
	runCmd.Flags().BoolVar(&resumeRun, "resume", false, "Continue an unfinished run from its checkpoint")
	runCmd.Flags().StringVar(&runID, "run-id", "", "Use this run id instead of a generated one")
}

func runSync(cmd *cobra.Command, args []string) error {
	out, err := newPrinter(cmd.OutOrStdout(), outputFmt)
	if err != nil {
		return err
	}
	logger := slog.Default()
	ctx, cancel := signalContext(logger)
	defer cancel()

	a, err := newApp(ctx, logger)
	if err != nil {
		glog.Fatalf("Failed to initialize: %v", err)
	}
	defer a.Close()

	report, runErr := a.engine.Run(ctx, syncer.RunOptions{Resume: resumeRun, RunID: runID})
	if report != nil {
		if err := printReport(out, report); err != nil {
			return err
		}
	}
	if runErr == nil {
		return nil
	}

	code := exitFailed
	switch {
	case errors.Is(runErr, syncerr.ErrRunConflict):
		code = exitConflict
	case report != nil && report.Status == runs.StatusInterrupted:
		code = exitInterrupted
	}
	return &exitError{code: code, err: fmt.Errorf("run failed: %w", runErr)}
}

// printReport shows the per-entity counts first, then only the sections
// that have something to say.
func printReport(out *printer, r *runs.Report) error {
	if done, err := out.structured(r); done {
		return err
	}

	out.linef("Run %s (%s) %s in %s", r.RunID, r.SyncKey, r.Status, time.Duration(r.DurationMs)*time.Millisecond)
	if r.Resumed {
		out.linef("Resumed from checkpoint")
	}
	out.blank()

	per := r.PerEntity.Data()
	var counts, reasons [][]string
	for _, kind := range sink.Kinds {
		c, ok := per[kind]
		if !ok {
			continue
		}
		row := []string{string(kind)}
		for _, n := range []int64{c.Before, c.After, c.New, c.Updated, c.Errors, c.Dropped, c.Orphans, c.Deferred} {
			row = append(row, strconv.FormatInt(n, 10))
		}
		counts = append(counts, row)
		dropReasons := make([]string, 0, len(c.DropReasons))
		for reason := range c.DropReasons {
			dropReasons = append(dropReasons, reason)
		}
		slices.Sort(dropReasons)
		for _, reason := range dropReasons {
			reasons = append(reasons, []string{string(kind), reason, strconv.FormatInt(c.DropReasons[reason], 10)})
		}
	}
	out.table([]string{"Entity", "Before", "After", "New", "Updated", "Errors", "Dropped", "Orphans", "Deferred"}, counts)

	if len(reasons) > 0 {
		out.blank()
		out.table([]string{"Entity", "Drop reason", "Records"}, reasons)
	}

	var failed [][]string
	for _, h := range r.Health {
		if !h.OK {
			failed = append(failed, []string{truncate(h.Name, 60), h.Table, strconv.FormatInt(h.Violations, 10)})
		}
	}
	if len(failed) > 0 {
		out.blank()
		out.table([]string{"Failed health check", "Table", "Violations"}, failed)
	}

	if r.BaselineWarning != "" || r.ErrorMessage != "" {
		out.blank()
		out.fields([][2]string{
			{"Baseline warning", r.BaselineWarning},
			{"Error", r.ErrorMessage},
		})
	}
	return nil
}
