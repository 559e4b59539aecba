package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/golang/glog"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/edusync/assessment-sync/pkg/runs"
	"github.com/edusync/assessment-sync/pkg/schedule"
)

var (
	listenAddr    string
	withScheduler bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the run status API and metrics",
	Long: `Serve exposes:

  GET /livez                               liveness
  GET /readyz                              sink connectivity
  GET /metrics                             Prometheus metrics
  GET /api/sync/v1/runs                    run reports, newest first
  GET /api/sync/v1/runs/{runId}            one run report
  GET /api/sync/v1/checkpoints/{syncKey}   current checkpoint and history

With --with-scheduler the cron scheduler runs in the same process.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&listenAddr, "listen", "", "Address to listen on (default: server.addr)")
	serveCmd.Flags().BoolVar(&withScheduler, "with-scheduler", false, "Also run the cron scheduler")
}

func runServe(cmd *cobra.Command, args []string) error {
	logger := slog.Default()
	ctx, cancel := signalContext(logger)
	defer cancel()

	a, err := newApp(ctx, logger)
	if err != nil {
		glog.Fatalf("Failed to initialize: %v", err)
	}
	defer a.Close()

	addr := listenAddr
	if addr == "" {
		addr = a.cfg.Server.Addr
	}
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           a.router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("status server listening", "listen", addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down...")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("HTTP server shutdown error", "error", err)
		}
		return nil
	})
	if withScheduler {
		s, err := schedule.New(a.engine, a.runs, a.cfg.Scheduler(), logger)
		if err != nil {
			glog.Fatalf("Failed to create scheduler: %v", err)
		}
		g.Go(func() error { return s.Run(gctx) })
	}

	err = g.Wait()
	logger.Info("server stopped")
	return err
}

func (a *app) router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/livez", func(w http.ResponseWriter, r *http.Request) {
		writeStatus(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		sqlDB, err := a.db.DB()
		if err == nil {
			err = sqlDB.PingContext(r.Context())
		}
		if err != nil {
			writeStatus(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
			return
		}
		writeStatus(w, http.StatusOK, map[string]string{"status": "ready", "syncKey": a.cfg.SyncKey})
	})
	r.Handle("/metrics", promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{Registry: a.registry}))
	r.Mount("/api/sync/v1", runs.Router(a.runs, a.checkpoints))
	return r
}

func writeStatus(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
