package config

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	// Empty values read as unset, shielding the test from ambient env.
	for _, key := range []string{
		"ANNOLAB_SERVER_PORT", "ANNOLAB_WORKER_CONCURRENCY",
		"ANNOLAB_POLL_INTERVAL", "ANNOLAB_EMBED_PROVIDER", "ANNOLAB_MAX_UPLOAD_BYTES",
	} {
		t.Setenv(key, "")
	}

	cfg := Load()

	assert.Equal(t, "8090", cfg.ServerPort)
	assert.Equal(t, 4, cfg.WorkerConcurrency)
	assert.Equal(t, 2*time.Second, cfg.PollInterval)
	assert.Equal(t, ProviderOllama, cfg.EmbedProvider)
	assert.Equal(t, int64(100<<20), cfg.MaxUploadBytes)
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("ANNOLAB_SERVER_PORT", "9999")
	t.Setenv("ANNOLAB_WORKER_CONCURRENCY", "12")
	t.Setenv("ANNOLAB_POLL_INTERVAL", "250ms")
	t.Setenv("ANNOLAB_LOG_LEVEL", "debug")

	cfg := Load()
	assert.Equal(t, "9999", cfg.ServerPort)
	assert.Equal(t, 12, cfg.WorkerConcurrency)
	assert.Equal(t, 250*time.Millisecond, cfg.PollInterval)
	assert.Equal(t, slog.LevelDebug, cfg.LogLevel)
}

func TestLoadFileOverlay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "annolab.yaml")
	require.NoError(t, os.WriteFile(path, []byte(
		"server_port: \"7070\"\nworker_concurrency: 2\n",
	), 0644))

	base := Load()
	cfg, err := LoadFile(path, base)
	require.NoError(t, err)

	assert.Equal(t, "7070", cfg.ServerPort)
	assert.Equal(t, 2, cfg.WorkerConcurrency)
	// Fields absent from the file keep their env-derived values.
	assert.Equal(t, base.DatabaseURL, cfg.DatabaseURL)
	assert.Equal(t, base.EmbedModel, cfg.EmbedModel)
}

func TestLoadFileErrors(t *testing.T) {
	base := Load()

	_, err := LoadFile(filepath.Join(t.TempDir(), "missing.yaml"), base)
	assert.Error(t, err)

	bad := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("server_port: [not: scalar"), 0644))
	_, err = LoadFile(bad, base)
	assert.Error(t, err)
}

func TestParseLogLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, parseLogLevel("debug"))
	assert.Equal(t, slog.LevelWarn, parseLogLevel("WARNING"))
	assert.Equal(t, slog.LevelError, parseLogLevel("error"))
	assert.Equal(t, slog.LevelInfo, parseLogLevel("nonsense"))
}

func TestSetupLoggerWithWriters(t *testing.T) {
	var stderr, file bytes.Buffer
	logger := SetupLoggerWithWriters(&stderr, &file, slog.LevelInfo)

	logger.Info("upload staged", "chunks", 3)

	assert.Contains(t, stderr.String(), "upload staged")
	assert.Contains(t, stderr.String(), "chunks=3")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(file.Bytes(), &entry))
	assert.Equal(t, "upload staged", entry["msg"])
	assert.Equal(t, float64(3), entry["chunks"])
}
