package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

var (
	configPath string
	logLevel   string
	logFormat  string
	outputFmt  string
)

var rootCmd = &cobra.Command{
	Use:   "assessment-sync",
	Short: "Incremental sync of assessment data into a relational sink",
	Long: `assessment-sync reads establishments, students and question responses from
the no-code source API and upserts them into a Postgres, MySQL or SQLite sink.

Runs are resumable: the position of every run is checkpointed after each page,
and a run that stops early can be continued with --resume.

Configuration comes from --config (YAML), a .env file, and ASYNC_* environment
variables, in increasing precedence.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		logger, err := newLogger(logLevel, logFormat)
		if err != nil {
			return err
		}
		slog.SetDefault(logger)
		return nil
	},
}

func init() {
	fs := rootCmd.PersistentFlags()
	fs.StringVarP(&configPath, "config", "c", os.Getenv("ASYNC_CONFIG"), "Path to the YAML config file")
	fs.StringVar(&logLevel, "log-level", "info", "Log level: debug, info, warn, error")
	fs.StringVar(&logFormat, "log-format", "text", "Log format: text, json")
	fs.StringVarP(&outputFmt, "output", "o", "table", "Output format: table, json, yaml")
	addGlogFlags(fs)

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(scheduleCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(validateFieldMapCmd)
	rootCmd.AddCommand(checkpointCmd)
}

// addGlogFlags exposes glog's flags (-v, -vmodule, ...) as hidden flags.
func addGlogFlags(fs *pflag.FlagSet) {
	flag.CommandLine.VisitAll(func(f *flag.Flag) {
		fs.AddGoFlag(f)
		_ = fs.MarkHidden(f.Name)
	})
}

func newLogger(level, format string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid --log-level %q", level)
	}
	opts := &slog.HandlerOptions{Level: lvl}
	switch strings.ToLower(format) {
	case "text", "":
		return slog.New(slog.NewTextHandler(os.Stdout, opts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(os.Stdout, opts)), nil
	default:
		return nil, fmt.Errorf("invalid --log-format %q (expected text or json)", format)
	}
}

// signalContext returns a context cancelled on SIGINT or SIGTERM.
func signalContext(logger *slog.Logger) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case sig := <-sigCh:
			logger.Info("received shutdown signal", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigCh)
	}()
	return ctx, cancel
}
