package main

import (
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/golang/glog"
	"github.com/spf13/cobra"
)

var historyLimit int

var checkpointCmd = &cobra.Command{
	Use:   "checkpoint",
	Short: "Inspect or clear the run checkpoint",
}

var checkpointShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the current checkpoint and recent archived ones",
	RunE:  runCheckpointShow,
}

var checkpointClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Delete the current checkpoint so the next run starts fresh",
	Long: `Clear deletes the unfinished checkpoint of the configured sync key. The next
run starts from the first page of every stage. Rows already written stay in the
sink and are updated in place. Clear refuses while a run holds the sync key.`,
	RunE: runCheckpointClear,
}

func init() {
	checkpointShowCmd.Flags().IntVar(&historyLimit, "history", 5, "Number of archived checkpoints to list")
	checkpointCmd.AddCommand(checkpointShowCmd)
	checkpointCmd.AddCommand(checkpointClearCmd)
}

func runCheckpointShow(cmd *cobra.Command, args []string) error {
	out, err := newPrinter(cmd.OutOrStdout(), outputFmt)
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	a, err := newApp(ctx, slog.Default())
	if err != nil {
		glog.Fatalf("Failed to initialize: %v", err)
	}
	defer a.Close()

	key := a.cfg.SyncKey
	cp, err := a.checkpoints.Load(ctx, key)
	if err != nil {
		return err
	}
	history, err := a.checkpoints.History(ctx, key, historyLimit)
	if err != nil {
		return err
	}

	if done, err := out.structured(map[string]any{"current": cp, "history": history}); done {
		return err
	}

	if cp == nil {
		out.linef("No unfinished checkpoint for %s", key)
	} else {
		out.fields([][2]string{
			{"Sync key", cp.SyncKey},
			{"Run", cp.RunID},
			{"State", string(cp.State)},
			{"Establishments", stageProgress(cp.EstablishmentsDone, 0)},
			{"Students", stageProgress(cp.StudentsDone, cp.StudentsPage)},
			{"Responses", stageProgress(cp.ResponsesDone, cp.ResponsesPage)},
			{"Statistics", stageProgress(cp.StatisticsDone, 0)},
			{"Processed", strconv.Itoa(len(cp.Processed))},
			{"Deferred", strconv.Itoa(len(cp.Deferred))},
			{"Last error", truncate(cp.LastError, 100)},
			{"Error kind", cp.ErrorKind},
			{"Updated", cp.UpdatedAt.Format(time.RFC3339)},
		})
		if cp.NeedsOperator() {
			out.blank()
			out.linef("Scheduled runs will not resume this checkpoint. Fix the cause, then run")
			out.linef("'assessment-sync run --resume' or 'assessment-sync checkpoint clear'.")
		}
	}

	if len(history) > 0 {
		out.blank()
		rows := make([][]string, 0, len(history))
		for _, h := range history {
			rows = append(rows, []string{
				h.RunID,
				string(h.State),
				strconv.Itoa(len(h.Deferred)),
				h.StartedAt.Format(time.RFC3339),
				h.ArchivedAt.Format(time.RFC3339),
			})
		}
		out.table([]string{"Archived run", "State", "Deferred", "Started", "Archived"}, rows)
	}
	return nil
}

// stageProgress describes a stage as done, the last written page, or pending.
func stageProgress(done bool, page int) string {
	switch {
	case done:
		return "done"
	case page > 0:
		return fmt.Sprintf("page %d written", page)
	default:
		return "pending"
	}
}

func runCheckpointClear(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	logger := slog.Default()
	a, err := newApp(ctx, logger)
	if err != nil {
		glog.Fatalf("Failed to initialize: %v", err)
	}
	defer a.Close()

	key := a.cfg.SyncKey
	lease, err := a.locker.TryLock(ctx, "run:"+key)
	if err != nil {
		return fmt.Errorf("clear checkpoint: %w", err)
	}
	defer lease.Release()

	existed, err := a.checkpoints.Clear(ctx, key)
	if err != nil {
		return err
	}
	if existed {
		logger.Info("checkpoint cleared", "syncKey", key)
	} else {
		logger.Info("no checkpoint to clear", "syncKey", key)
	}
	return nil
}
