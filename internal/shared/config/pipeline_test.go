package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	require.Equal(t, "https://api.github.com/repos/adsblol/globe_history", cfg.Source.BaseURL)
	require.Equal(t, "adsb.lol", cfg.Source.DataSource)
	require.Equal(t, 3, cfg.Source.MaxAttempts)
	require.Equal(t, 140*time.Second, cfg.Source.AttemptTimeout)
	require.Equal(t, 100_000, cfg.Mapper.BatchSize)
	require.Equal(t, 4, cfg.Run.Partitions)
	require.Equal(t, 3, cfg.Run.MaxConcurrentChunks)
	require.Equal(t, 5*time.Hour, cfg.Run.Deadline)
	require.Equal(t, "local", cfg.Storage.Backend)
	require.Equal(t, "openairframes_adsb", cfg.Reduce.DatasetName)
	require.Equal(t, "info", cfg.Logging.Level)
	require.Equal(t, "json", cfg.Logging.Format)
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tracepipe.yaml")
	data := `
run:
  partitions: 8
  chunk_days: 7
storage:
  backend: s3
  bucket: openairframes-artifacts
  region: us-east-1
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 8, cfg.Run.Partitions)
	require.Equal(t, 7, cfg.Run.ChunkDays)
	require.Equal(t, "s3", cfg.Storage.Backend)
	require.Equal(t, "openairframes-artifacts", cfg.Storage.Bucket)
	// Untouched keys keep their defaults.
	require.Equal(t, 100_000, cfg.Mapper.BatchSize)
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("TRACEPIPE_RUN_PARTITIONS", "16")
	t.Setenv("TRACEPIPE_LOGGING_LEVEL", "debug")

	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, 16, cfg.Run.Partitions)
	require.Equal(t, "debug", cfg.Logging.Level)
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	t.Setenv("TRACEPIPE_RUN_PARTITIONS", "0")
	_, err := Load("")
	require.ErrorContains(t, err, "run.partitions")

	t.Setenv("TRACEPIPE_RUN_PARTITIONS", "4")
	t.Setenv("TRACEPIPE_MAPPER_BATCH_SIZE", "-1")
	_, err = Load("")
	require.ErrorContains(t, err, "mapper.batch_size")
}
