// Package config loads the engine configuration from an optional YAML file,
// a .env file, and ASYNC_* environment variables, in increasing precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/edusync/assessment-sync/pkg/checkpoint"
	"github.com/edusync/assessment-sync/pkg/retry"
	"github.com/edusync/assessment-sync/pkg/runs"
	"github.com/edusync/assessment-sync/pkg/schedule"
	"github.com/edusync/assessment-sync/pkg/sink"
	"github.com/edusync/assessment-sync/pkg/source"
	"github.com/edusync/assessment-sync/pkg/syncer"
)

// EnvPrefix prefixes every environment variable, e.g. ASYNC_SINK_DSN.
const EnvPrefix = "ASYNC"

type Config struct {
	// SyncKey names the source/sink pair. Defaults to
	// "{source.application_id}@{sink.driver}".
	SyncKey  string         `mapstructure:"sync_key" validate:"omitempty,max=128"`
	FieldMap string         `mapstructure:"field_map" validate:"required"`
	Source   SourceConfig   `mapstructure:"source"`
	Sink     sink.DBConfig  `mapstructure:"sink"`
	Writer   WriterConfig   `mapstructure:"writer"`
	Run      RunConfig      `mapstructure:"run"`
	Archive  ArchiveConfig  `mapstructure:"archive"`
	Schedule ScheduleConfig `mapstructure:"schedule"`
	Server   ServerConfig   `mapstructure:"server"`
	Lock     LockConfig     `mapstructure:"lock"`
}

type RetryConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts" validate:"gte=1,lte=20"`
	BaseDelay   time.Duration `mapstructure:"base_delay"`
	MaxDelay    time.Duration `mapstructure:"max_delay"`
}

func (r RetryConfig) Policy() retry.Policy {
	p := retry.DefaultPolicy()
	p.MaxAttempts = r.MaxAttempts
	if r.BaseDelay > 0 {
		p.BaseDelay = r.BaseDelay
	}
	if r.MaxDelay > 0 {
		p.MaxDelay = r.MaxDelay
	}
	return p
}

type SourceConfig struct {
	BaseURL       string        `mapstructure:"base_url" validate:"required,url"`
	ApplicationID string        `mapstructure:"application_id" validate:"required"`
	APIKey        string        `mapstructure:"api_key" validate:"required"`
	PageSize      int           `mapstructure:"page_size" validate:"gte=1,lte=999"`
	Timeout       time.Duration `mapstructure:"timeout"`
	RateLimit     float64       `mapstructure:"rate_limit" validate:"gte=0"`
	Retry         RetryConfig   `mapstructure:"retry"`
}

type WriterConfig struct {
	ChunkSize       int         `mapstructure:"chunk_size" validate:"gte=1,lte=500"`
	LookupChunkSize int         `mapstructure:"lookup_chunk_size" validate:"gte=1,lte=999"`
	Retry           RetryConfig `mapstructure:"retry"`
}

type RunConfig struct {
	// PageRetries is how often the orchestrator re-attempts a page whose
	// fetch exhausted the client's own retry budget.
	PageRetries           int           `mapstructure:"page_retries" validate:"gte=0,lte=10"`
	PageRetryDelay        time.Duration `mapstructure:"page_retry_delay"`
	AllowRetroactiveYears bool          `mapstructure:"allow_retroactive_years"`
	// BaselineFraction triggers a warning when a kind's new-record count
	// falls below this fraction of the previous completed run. 0 disables.
	BaselineFraction  float64 `mapstructure:"baseline_fraction" validate:"gte=0,lte=1"`
	StatisticsWebhook string  `mapstructure:"statistics_webhook" validate:"omitempty,url"`
	ReportWebhook     string  `mapstructure:"report_webhook" validate:"omitempty,url"`
}

type ArchiveConfig struct {
	S3Bucket    string `mapstructure:"s3_bucket"`
	S3Prefix    string `mapstructure:"s3_prefix"`
	S3Region    string `mapstructure:"s3_region"`
	S3Endpoint  string `mapstructure:"s3_endpoint" validate:"omitempty,url"`
	S3PathStyle bool   `mapstructure:"s3_path_style"`
}

// S3 returns the archive configuration, or ok=false when archiving is off.
func (a ArchiveConfig) S3() (runs.S3Config, bool) {
	return runs.S3Config{
		Bucket:    a.S3Bucket,
		Prefix:    a.S3Prefix,
		Region:    a.S3Region,
		Endpoint:  a.S3Endpoint,
		PathStyle: a.S3PathStyle,
	}, a.S3Bucket != ""
}

type ScheduleConfig struct {
	Cron          string        `mapstructure:"cron"`
	Timezone      string        `mapstructure:"timezone"`
	RetentionDays int           `mapstructure:"retention_days" validate:"gte=0"`
	RunTimeout    time.Duration `mapstructure:"run_timeout"`
}

type ServerConfig struct {
	Addr string `mapstructure:"addr" validate:"required"`
}

type LockConfig struct {
	StaleAfter time.Duration `mapstructure:"stale_after"`
	Identity   string        `mapstructure:"identity"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("sync_key", "")
	v.SetDefault("field_map", "")

	src := source.DefaultConfig()
	v.SetDefault("source.base_url", "")
	v.SetDefault("source.application_id", "")
	v.SetDefault("source.api_key", "")
	v.SetDefault("source.page_size", src.PageSize)
	v.SetDefault("source.timeout", src.Timeout)
	v.SetDefault("source.rate_limit", src.RequestsPerSec)
	setRetryDefaults(v, "source.retry", src.Retry)

	v.SetDefault("sink.driver", sink.DriverPostgres)
	v.SetDefault("sink.dsn", "")
	v.SetDefault("sink.max_open_conns", 10)
	v.SetDefault("sink.conn_max_lifetime", 30*time.Minute)
	v.SetDefault("sink.log_level", "warn")

	wr := sink.DefaultWriterConfig()
	v.SetDefault("writer.chunk_size", wr.ChunkSize)
	v.SetDefault("writer.lookup_chunk_size", wr.LookupChunkSize)
	setRetryDefaults(v, "writer.retry", wr.Retry)

	eng := syncer.DefaultConfig()
	v.SetDefault("run.page_retries", eng.PageRetries)
	v.SetDefault("run.page_retry_delay", eng.PageRetryDelay)
	v.SetDefault("run.allow_retroactive_years", eng.AllowRetroactiveYears)
	v.SetDefault("run.baseline_fraction", eng.BaselineFraction)
	v.SetDefault("run.statistics_webhook", "")
	v.SetDefault("run.report_webhook", "")

	v.SetDefault("archive.s3_bucket", "")
	v.SetDefault("archive.s3_prefix", "sync-reports")
	v.SetDefault("archive.s3_region", "")
	v.SetDefault("archive.s3_endpoint", "")
	v.SetDefault("archive.s3_path_style", false)

	sch := schedule.DefaultConfig()
	v.SetDefault("schedule.cron", sch.Cron)
	v.SetDefault("schedule.timezone", sch.Timezone)
	v.SetDefault("schedule.retention_days", sch.RetentionDays)
	v.SetDefault("schedule.run_timeout", sch.RunTimeout)

	v.SetDefault("server.addr", ":8080")

	v.SetDefault("lock.stale_after", checkpoint.DefaultLockConfig().StaleAfter)
	v.SetDefault("lock.identity", "")
}

func setRetryDefaults(v *viper.Viper, prefix string, p retry.Policy) {
	v.SetDefault(prefix+".max_attempts", p.MaxAttempts)
	v.SetDefault(prefix+".base_delay", p.BaseDelay)
	v.SetDefault(prefix+".max_delay", p.MaxDelay)
}

// Load reads configuration. path may be empty, in which case only the
// environment is consulted. A .env file in the working directory is loaded
// first when present; variables already set in the process win.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if cfg.SyncKey == "" {
		cfg.SyncKey = cfg.Source.ApplicationID + "@" + cfg.Sink.Driver
	}
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks struct constraints and reports every violation.
func Validate(cfg *Config) error {
	err := validate.Struct(cfg)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("invalid config: %w", err)
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s: failed %q", fe.Namespace(), fe.Tag()))
	}
	return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
}

// SourceClient returns the source client configuration.
func (c *Config) SourceClient() source.Config {
	return source.Config{
		BaseURL:        c.Source.BaseURL,
		ApplicationID:  c.Source.ApplicationID,
		APIKey:         c.Source.APIKey,
		PageSize:       c.Source.PageSize,
		Timeout:        c.Source.Timeout,
		RequestsPerSec: c.Source.RateLimit,
		Retry:          c.Source.Retry.Policy(),
	}
}

// SinkWriter returns the batch writer configuration.
func (c *Config) SinkWriter() sink.WriterConfig {
	return sink.WriterConfig{
		ChunkSize:       c.Writer.ChunkSize,
		LookupChunkSize: c.Writer.LookupChunkSize,
		Retry:           c.Writer.Retry.Policy(),
	}
}

// RunLock returns the run lock configuration.
func (c *Config) RunLock() checkpoint.LockConfig {
	lc := checkpoint.DefaultLockConfig()
	if c.Lock.StaleAfter > 0 {
		lc.StaleAfter = c.Lock.StaleAfter
	}
	if c.Lock.Identity != "" {
		lc.Identity = c.Lock.Identity
	}
	return lc
}

// Scheduler returns the cron scheduler configuration.
func (c *Config) Scheduler() schedule.Config {
	return schedule.Config{
		Cron:          c.Schedule.Cron,
		Timezone:      c.Schedule.Timezone,
		RetentionDays: c.Schedule.RetentionDays,
		RunTimeout:    c.Schedule.RunTimeout,
	}
}

// Engine returns the orchestrator configuration.
func (c *Config) Engine() syncer.Config {
	return syncer.Config{
		SyncKey:               c.SyncKey,
		PageRetries:           c.Run.PageRetries,
		PageRetryDelay:        c.Run.PageRetryDelay,
		AllowRetroactiveYears: c.Run.AllowRetroactiveYears,
		BaselineFraction:      c.Run.BaselineFraction,
	}
}
