package main

import (
	"log/slog"

	"github.com/golang/glog"
	"github.com/spf13/cobra"

	"github.com/edusync/assessment-sync/pkg/schedule"
)

var scheduleCmd = &cobra.Command{
	Use:   "schedule",
	Short: "Run the sync on the configured cron schedule",
	Long: `Schedule keeps running and starts a sync at every tick of schedule.cron.
Each tick resumes an unfinished checkpoint if one exists. Ticks that find
another run in progress are skipped. Run reports older than
schedule.retention_days are deleted after each tick.`,
	RunE: runSchedule,
}

func runSchedule(cmd *cobra.Command, args []string) error {
	logger := slog.Default()
	ctx, cancel := signalContext(logger)
	defer cancel()

	a, err := newApp(ctx, logger)
	if err != nil {
		glog.Fatalf("Failed to initialize: %v", err)
	}
	defer a.Close()

	s, err := schedule.New(a.engine, a.runs, a.cfg.Scheduler(), logger)
	if err != nil {
		glog.Fatalf("Failed to create scheduler: %v", err)
	}
	return s.Run(ctx)
}
