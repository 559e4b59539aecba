package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"gorm.io/gorm"

	"github.com/edusync/assessment-sync/pkg/checkpoint"
	"github.com/edusync/assessment-sync/pkg/config"
	"github.com/edusync/assessment-sync/pkg/fieldmap"
	"github.com/edusync/assessment-sync/pkg/metrics"
	"github.com/edusync/assessment-sync/pkg/runs"
	"github.com/edusync/assessment-sync/pkg/sink"
	"github.com/edusync/assessment-sync/pkg/source"
	"github.com/edusync/assessment-sync/pkg/syncer"
)

// app holds the wired components of one process.
type app struct {
	cfg         *config.Config
	db          *gorm.DB
	engine      *syncer.Engine
	runs        *runs.Store
	checkpoints *checkpoint.Store
	locker      checkpoint.Locker
	registry    *prometheus.Registry
	logger      *slog.Logger
}

func newApp(ctx context.Context, logger *slog.Logger) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	tables, err := fieldmap.Load(cfg.FieldMap)
	if err != nil {
		return nil, err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	db, err := sink.Open(cfg.Sink)
	if err != nil {
		return nil, err
	}
	writer := sink.NewWriter(db, cfg.SinkWriter(), logger, m)
	client := source.NewClient(cfg.SourceClient(), logger, m)

	deliverers, err := buildDeliverers(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	var stats syncer.StatisticsTrigger
	if cfg.Run.StatisticsWebhook != "" {
		stats = syncer.NewWebhookTrigger(cfg.Run.StatisticsWebhook, cfg.Source.Retry.Policy(), logger)
	}

	a := &app{
		cfg:         cfg,
		db:          db,
		runs:        runs.NewStore(db),
		checkpoints: checkpoint.NewStore(db),
		locker:      checkpoint.NewLocker(db, cfg.RunLock()),
		registry:    reg,
		logger:      logger,
	}
	a.engine, err = syncer.New(syncer.Options{
		Source:      client,
		Writer:      writer,
		Mapper:      fieldmap.NewMapper(tables),
		Checkpoints: a.checkpoints,
		Runs:        a.runs,
		Locker:      a.locker,
		Statistics:  stats,
		Deliverer:   deliverers,
		Metrics:     m,
		Logger:      logger,
		Config:      cfg.Engine(),
	})
	if err != nil {
		return nil, err
	}
	if err := a.engine.Migrate(ctx); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}

	logger.Info("initialized",
		"syncKey", cfg.SyncKey,
		"sink", cfg.Sink.Driver,
		"fieldMap", cfg.FieldMap,
		"deliverers", len(deliverers))
	return a, nil
}

func buildDeliverers(ctx context.Context, cfg *config.Config, logger *slog.Logger) (runs.Deliverers, error) {
	var out runs.Deliverers
	if s3cfg, ok := cfg.Archive.S3(); ok {
		archiver, err := runs.NewS3Archiver(ctx, s3cfg)
		if err != nil {
			return nil, err
		}
		out = append(out, archiver)
	}
	if cfg.Run.ReportWebhook != "" {
		out = append(out, runs.NewWebhookNotifier(cfg.Run.ReportWebhook, logger))
	}
	return out, nil
}

func (a *app) Close() {
	if sqlDB, err := a.db.DB(); err == nil {
		_ = sqlDB.Close()
	}
}
