package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/feichai0017/compliance-processor/pkg/storage"
)

func setRequired(t *testing.T) {
	t.Setenv("SEARCH_BASE_URL", "http://search.local")
	t.Setenv("ANALYSIS_BASE_URL", "http://analysis.local")
}

func TestLoad_Defaults(t *testing.T) {
	setRequired(t)

	cfg, err := Load("", "")
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Server.HTTPAddr)
	assert.Equal(t, "memory", cfg.Database.Backend)
	assert.Equal(t, "inline", cfg.Queue.Backend)
	assert.Equal(t, 24*time.Hour, cfg.Cache.SuccessTTL)
	assert.Equal(t, 3, cfg.OCR.Retry.MaxRetries)
	assert.Equal(t, 1500, cfg.OCR.BaselineCharsPerPage)
}

func TestLoad_YAMLThenEnv(t *testing.T) {
	setRequired(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  httpAddr: ":9000"
queue:
  backend: asynq
cache:
  backend: redis
  successTTL: 14h
jobs:
  retention: 48h
  scrapeBatchSize: 2
storage:
  type: minio
  minio:
    endpoint: minio:9000
    bucket: uploads
`), 0o600))
	t.Setenv("HTTP_ADDR", ":7000")
	t.Setenv("DB_URL", "postgres://u:p@localhost/db")

	cfg, err := Load(path, "")
	require.NoError(t, err)

	assert.Equal(t, ":7000", cfg.Server.HTTPAddr)
	assert.Equal(t, "asynq", cfg.Queue.Backend)
	assert.Equal(t, 14*time.Hour, cfg.Cache.SuccessTTL)
	assert.Equal(t, 48*time.Hour, cfg.Jobs.Retention)
	assert.Equal(t, 2, cfg.Jobs.ScrapeBatchSize)
	assert.Equal(t, time.Hour, cfg.Jobs.CleanupInterval)
	assert.Equal(t, storage.StorageTypeMinio, cfg.Storage.Type)
	assert.Equal(t, "postgres", cfg.Database.Backend)
	assert.Equal(t, "postgres://u:p@localhost/db", cfg.Database.Postgres.DSN)
}

func TestLoad_EnvFile(t *testing.T) {
	dir := t.TempDir()
	envPath := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(envPath, []byte("SEARCH_BASE_URL=http://s\nANALYSIS_BASE_URL=http://a\n"), 0o600))
	// godotenv never overrides variables that are already set
	t.Setenv("SEARCH_BASE_URL", "")
	t.Setenv("ANALYSIS_BASE_URL", "")
	os.Unsetenv("SEARCH_BASE_URL")
	os.Unsetenv("ANALYSIS_BASE_URL")

	cfg, err := Load("", envPath)
	require.NoError(t, err)
	assert.Equal(t, "http://s", cfg.Search.BaseURL)
}

func TestLoad_MissingEnvFileIsFine(t *testing.T) {
	setRequired(t)
	_, err := Load("", filepath.Join(t.TempDir(), "nope.env"))
	assert.NoError(t, err)
}

func TestValidate_ReportsEveryProblem(t *testing.T) {
	cfg := Default()
	cfg.Database.Backend = "postgres"
	cfg.Storage.Type = storage.StorageTypeS3
	cfg.OCR.Providers = []string{"magic"}
	cfg.Events.Backend = "amqp"

	err := cfg.Validate()
	require.Error(t, err)
	for _, want := range []string{"dsn", "storage.s3", "magic", "search.baseUrl", "rabbitmq.url"} {
		assert.Contains(t, err.Error(), want)
	}
}
