package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "local.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoad_YAMLWithDefaults(t *testing.T) {
	path := writeConfig(t, `
postgres:
  dsn: postgres://localhost/surveillance
resolver:
  timeout: 10s
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "postgres://localhost/surveillance", cfg.Postgres.DSN)
	assert.Equal(t, 10*time.Second, cfg.Resolver.Timeout)
	assert.Equal(t, "yt-dlp", cfg.Resolver.Binary)
	assert.Equal(t, "ffmpeg", cfg.Capture.Binary)
	assert.Equal(t, "gpt-4o-mini", cfg.Inference.Model)
	assert.Equal(t, SpawnerProcess, cfg.Spawner.Mode)
	assert.Equal(t, 3, cfg.Capture.MaxPersistFailures)
	assert.False(t, cfg.ArchiveEnabled())
}

func TestLoad_EnvOverridesYAML(t *testing.T) {
	path := writeConfig(t, `
postgres:
  dsn: postgres://from-yaml
inference:
  api_key: yaml-key
`)
	t.Setenv("DATABASE_DSN", "postgres://from-env")
	t.Setenv("INFERENCE_API_KEY", "env-key")
	t.Setenv("KAFKA_BROKERS", "k1:9092,k2:9092")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "postgres://from-env", cfg.Postgres.DSN)
	assert.Equal(t, "env-key", cfg.Inference.APIKey)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Kafka.Brokers)
}

func TestLoad_MissingDSN(t *testing.T) {
	path := writeConfig(t, "logging:\n  level: debug\n")

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "postgres.dsn")
}

func TestLoad_KafkaModeRequiresBrokers(t *testing.T) {
	path := writeConfig(t, `
postgres:
  dsn: postgres://localhost/db
spawner:
  mode: kafka
`)

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "kafka.brokers")
}

func TestLoad_UnknownSpawnerMode(t *testing.T) {
	path := writeConfig(t, `
postgres:
  dsn: postgres://localhost/db
spawner:
  mode: threads
`)

	_, err := Load(path)
	require.Error(t, err)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}

func TestLoad_InferenceMustFitInCycle(t *testing.T) {
	path := writeConfig(t, `
postgres:
  dsn: postgres://localhost/db
inference:
  timeout: 2m
capture:
  cycle_timeout: 2m
`)

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "inference.timeout")

	t.Setenv("INFERENCE_TIMEOUT", "90s")
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 15*time.Second, cfg.Capture.PersistTimeout)
}
