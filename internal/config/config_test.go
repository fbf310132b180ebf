package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadWithFileOverrides(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	configYAML := `
server:
  port: 9090
logging:
  development: false
crawler:
  user_agent: test-agent
  default_delay_ms: 500
  robots_cache_ttl_minutes: 30
  checkpoint_every_pages: 5
browser:
  tabs: 2
  nav_timeout_seconds: 20
scheduler:
  max_admissions_per_tick: 10
worker:
  per_queue: 4
  soft_limit_minutes: 30
  hard_limit_minutes: 35
defaults:
  time_limit_minutes: 15
  max_pages: 25
  max_depth: 2
storage:
  backend: gcs
  gcs_bucket: bucket
queue:
  backend: pubsub
  project_id: project
  topic_prefix: tasks
`
	require.NoError(t, os.WriteFile(path, []byte(configYAML), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	require.Equal(t, 9090, cfg.Server.Port)
	require.False(t, cfg.Logging.Development)
	require.Equal(t, "test-agent", cfg.Crawler.UserAgent)
	require.Equal(t, 500*time.Millisecond, cfg.DefaultDelay())
	require.Equal(t, 30*time.Minute, cfg.RobotsTTL())
	require.Equal(t, 5, cfg.Crawler.CheckpointEveryPages)
	require.Equal(t, 2, cfg.Browser.Tabs)
	require.Equal(t, 10, cfg.Scheduler.MaxAdmissionsPerTick)
	require.Equal(t, 4, cfg.Worker.PerQueue)
	require.Equal(t, 25, cfg.Defaults.MaxPages)
	require.Equal(t, "gcs", cfg.Storage.Backend)
	require.Equal(t, "bucket", cfg.Storage.GCSBucket)
	require.Equal(t, "pubsub", cfg.Queue.Backend)
}

func TestLoadDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Load("")
	require.NoError(t, err)

	require.Equal(t, 8080, cfg.Server.Port)
	require.Equal(t, "prospector-bot/1.0", cfg.Crawler.UserAgent)
	require.Equal(t, time.Second, cfg.DefaultDelay())
	require.Equal(t, 10, cfg.Crawler.CheckpointEveryPages)
	require.Equal(t, 3, cfg.Browser.Tabs)
	require.Equal(t, 50, cfg.Scheduler.MaxAdmissionsPerTick)
	require.Equal(t, "memory", cfg.Storage.Backend)
	require.Equal(t, "memory", cfg.Queue.Backend)
	require.Equal(t, 100, cfg.Defaults.MaxPages)
}

func TestValidateRejectsBadValues(t *testing.T) {
	t.Parallel()

	base := func() Config {
		cfg, err := Load("")
		require.NoError(t, err)
		return cfg
	}

	cfg := base()
	cfg.Server.Port = 0
	require.Error(t, cfg.Validate())

	cfg = base()
	cfg.Crawler.UserAgent = ""
	require.Error(t, cfg.Validate())

	cfg = base()
	cfg.Worker.HardLimitMin = cfg.Worker.SoftLimitMin
	require.Error(t, cfg.Validate())

	cfg = base()
	cfg.Storage.Backend = "gcs"
	cfg.Storage.GCSBucket = ""
	require.Error(t, cfg.Validate())

	cfg = base()
	cfg.Queue.Backend = "carrier-pigeon"
	require.Error(t, cfg.Validate())
}
