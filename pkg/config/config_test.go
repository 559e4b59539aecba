package config

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleYAML = `
field_map: fieldmap.yaml
source:
  base_url: https://api.example.com/v1
  application_id: app-123
  api_key: secret
  page_size: 250
  retry:
    max_attempts: 4
sink:
  driver: sqlite
  dsn: file:sync.db
writer:
  chunk_size: 100
run:
  allow_retroactive_years: true
  statistics_webhook: https://stats.example.com/hooks/run
archive:
  s3_bucket: reports
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadFromFile(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleYAML))
	require.NoError(t, err)

	assert.Equal(t, "app-123@sqlite", cfg.SyncKey)
	assert.Equal(t, 250, cfg.Source.PageSize)
	assert.Equal(t, 30*time.Second, cfg.Source.Timeout)
	assert.Equal(t, 100, cfg.Writer.ChunkSize)
	assert.Equal(t, 50, cfg.Writer.LookupChunkSize)
	assert.True(t, cfg.Run.AllowRetroactiveYears)
	assert.Equal(t, 2, cfg.Run.PageRetries)

	sc := cfg.SourceClient()
	assert.Equal(t, 4, sc.Retry.MaxAttempts)
	assert.InDelta(t, 8.0, sc.RequestsPerSec, 1e-9)

	s3, ok := cfg.Archive.S3()
	assert.True(t, ok)
	assert.Equal(t, "reports", s3.Bucket)
	assert.Equal(t, "sync-reports", s3.Prefix)

	assert.Equal(t, 30*time.Minute, cfg.RunLock().StaleAfter)

	ec := cfg.Engine()
	assert.Equal(t, "app-123@sqlite", ec.SyncKey)
	assert.True(t, ec.AllowRetroactiveYears)
	assert.InDelta(t, 0.5, ec.BaselineFraction, 1e-9)

	sched := cfg.Scheduler()
	assert.Equal(t, "0 2 * * *", sched.Cron)
	assert.Equal(t, 90, sched.RetentionDays)
	assert.Equal(t, 6*time.Hour, sched.RunTimeout)
}

func TestEnvOverridesFile(t *testing.T) {
	t.Setenv("ASYNC_SINK_DSN", "file:other.db")
	t.Setenv("ASYNC_WRITER_CHUNK_SIZE", "20")
	t.Setenv("ASYNC_SOURCE_TIMEOUT", "45s")
	t.Setenv("ASYNC_SYNC_KEY", "nightly")

	cfg, err := Load(writeConfig(t, sampleYAML))
	require.NoError(t, err)
	assert.Equal(t, "file:other.db", cfg.Sink.DSN)
	assert.Equal(t, 20, cfg.SinkWriter().ChunkSize)
	assert.Equal(t, 45*time.Second, cfg.Source.Timeout)
	assert.Equal(t, "nightly", cfg.SyncKey)
}

func TestLoadFromEnvOnly(t *testing.T) {
	t.Setenv("ASYNC_FIELD_MAP", "/etc/sync/fieldmap.yaml")
	t.Setenv("ASYNC_SOURCE_BASE_URL", "https://api.example.com/v1")
	t.Setenv("ASYNC_SOURCE_APPLICATION_ID", "app")
	t.Setenv("ASYNC_SOURCE_API_KEY", "key")
	t.Setenv("ASYNC_SINK_DSN", "postgres://sync@localhost/sync")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "postgres", cfg.Sink.Driver)
	assert.Equal(t, "app@postgres", cfg.SyncKey)
	_, ok := cfg.Archive.S3()
	assert.False(t, ok)
}

func TestValidationReportsEveryViolation(t *testing.T) {
	_, err := Load(writeConfig(t, `
source:
  base_url: not a url
  application_id: app
  api_key: key
  page_size: 5000
sink:
  driver: oracle
  dsn: x
writer:
  chunk_size: 900
`))
	require.Error(t, err)
	msg := err.Error()
	assert.Contains(t, msg, "Config.FieldMap")
	assert.Contains(t, msg, "Config.Source.BaseURL")
	assert.Contains(t, msg, "Config.Source.PageSize")
	assert.Contains(t, msg, "Config.Sink.Driver")
	assert.Contains(t, msg, "Config.Writer.ChunkSize")
}

func TestPageSizeStaysBelowPlatformMaximum(t *testing.T) {
	body := `
field_map: fieldmap.yaml
source:
  base_url: https://api.example.com/v1
  application_id: app
  api_key: key
  page_size: %d
sink:
  driver: sqlite
  dsn: sync.db
`
	_, err := Load(writeConfig(t, fmt.Sprintf(body, 1000)))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Config.Source.PageSize")

	cfg, err := Load(writeConfig(t, fmt.Sprintf(body, 999)))
	require.NoError(t, err)
	assert.Equal(t, 999, cfg.SourceClient().PageSize)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}
