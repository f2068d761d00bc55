package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "8080", cfg.Server.Port)
	assert.Equal(t, 4, cfg.Pipeline.Workers)
	assert.Equal(t, 93, cfg.Pipeline.MaxWindowDays)
	assert.Equal(t, "billing", cfg.ClickHouse.Database)
	assert.Equal(t, "info", cfg.Log.Level)
}

func TestLoadYAMLFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  port: "9090"
pipeline:
  workers: 8
  retry_backoff: 5s
clickhouse:
  host: ch.internal
  port: 9440
log:
  level: debug
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "9090", cfg.Server.Port)
	assert.Equal(t, 8, cfg.Pipeline.Workers)
	assert.Equal(t, 5*time.Second, cfg.Pipeline.RetryBackoff.Std())
	assert.Equal(t, "ch.internal", cfg.ClickHouse.Host)
	assert.Equal(t, 9440, cfg.ClickHouse.Port)
	assert.Equal(t, "debug", cfg.Log.Level)

	// Unset fields keep their defaults.
	assert.Equal(t, 93, cfg.Pipeline.MaxWindowDays)
	assert.Equal(t, "billing", cfg.ClickHouse.Database)
}

func TestEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  port: \"9090\"\n"), 0o644))

	t.Setenv("PORT", "7070")
	t.Setenv("PIPELINE_WORKERS", "16")
	t.Setenv("PIPELINE_RETRY_BACKOFF", "250ms")
	t.Setenv("POSTGRES_DSN", "postgres://u:p@db:5432/billing")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "7070", cfg.Server.Port)
	assert.Equal(t, 16, cfg.Pipeline.Workers)
	assert.Equal(t, 250*time.Millisecond, cfg.Pipeline.RetryBackoff.Std())
	assert.Equal(t, "postgres://u:p@db:5432/billing", cfg.Postgres.DSN)
}

func TestMissingFileIsNotAnError(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "8080", cfg.Server.Port)
}

func TestMalformedFileFails(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server: [not a map"), 0o644))
	_, err := Load(path)
	require.Error(t, err)
}

func TestBadEnvValuesAreIgnored(t *testing.T) {
	t.Setenv("PIPELINE_WORKERS", "many")
	t.Setenv("PIPELINE_RETRY_BACKOFF", "soon")
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 4, cfg.Pipeline.Workers)
	assert.Equal(t, 2*time.Second, cfg.Pipeline.RetryBackoff.Std())
}
