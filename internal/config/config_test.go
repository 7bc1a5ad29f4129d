package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	t.Setenv("CONFIG_FILE", path)
}

func TestLoadDefaultsWithoutFile(t *testing.T) {
	t.Setenv("CONFIG_FILE", filepath.Join(t.TempDir(), "missing.toml"))

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "aiknowledge", cfg.App.Name)
	assert.Equal(t, 4000, cfg.Tokenizer.ChunkSize)
	assert.Equal(t, 600, cfg.Tokenizer.ChunkOverlap)
	assert.Equal(t, time.Hour, cfg.Sweep.StaleAfter)
	assert.Equal(t, 4, cfg.Ingest.WorkerPoolSize)
	assert.Empty(t, cfg.Embedding.APIKey)
	assert.Equal(t, "0.0.0.0:8080", cfg.HTTPAddr())
}

func TestLoadFileThenEnv(t *testing.T) {
	writeConfig(t, `
[database]
driver = "sqlite"
path = "/tmp/k.db"

[ingest]
event_bus = "local"
retry_base_delay = "2s"

[sweep]
interval = "30s"
`)
	t.Setenv("SWEEP_STALE_AFTER", "2h")
	t.Setenv("INGEST_WORKER_POOL_SIZE", "8")
	t.Setenv("APP_PORT", "not-a-number")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "/tmp/k.db", cfg.DatabaseDSN())
	assert.Equal(t, EventBusLocal, cfg.Ingest.EventBus)
	assert.Equal(t, 2*time.Second, cfg.Ingest.RetryBaseDelay)
	assert.Equal(t, 30*time.Second, cfg.Sweep.Interval)
	assert.Equal(t, 2*time.Hour, cfg.Sweep.StaleAfter)
	assert.Equal(t, 8, cfg.Ingest.WorkerPoolSize)
	assert.Equal(t, 8080, cfg.App.Port)
}

func TestMySQLDSN(t *testing.T) {
	cfg := defaultConfig()
	cfg.Database.Password = "pw"
	assert.Equal(t, "root:pw@tcp(127.0.0.1:3306)/aiknowledge?parseTime=true&loc=UTC&charset=utf8mb4", cfg.DatabaseDSN())
}

func TestValidateRejectsUnknownValues(t *testing.T) {
	cfg := defaultConfig()
	cfg.Ingest.EventBus = "kafka"
	assert.Error(t, cfg.Validate())

	cfg = defaultConfig()
	cfg.Tokenizer.ChunkOverlap = cfg.Tokenizer.ChunkSize
	assert.Error(t, cfg.Validate())

	cfg = defaultConfig()
	cfg.App.Env = "prod"
	assert.Error(t, cfg.Validate())

	writeConfig(t, "[blob]\nbackend = \"s3\"\n")
	_, err := Load()
	assert.Error(t, err)
}
