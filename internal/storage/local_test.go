package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLocalStore_PutGetRoundTrip(t *testing.T) {
	store := NewLocalStore(t.TempDir())
	work := t.TempDir()

	src := filepath.Join(work, "chunk.csv.gz")
	require.NoError(t, os.WriteFile(src, []byte("payload"), 0o644))

	key := IntermediateKey("run-1", "2026-01-01", "2026-01-02")
	require.NoError(t, store.Put(context.Background(), key, src))

	dest := filepath.Join(work, "downloaded.csv.gz")
	require.NoError(t, store.Get(context.Background(), key, dest))

	data, err := os.ReadFile(dest)
	require.NoError(t, err)
	require.Equal(t, "payload", string(data))
}

func TestLocalStore_GetMissingKey(t *testing.T) {
	store := NewLocalStore(t.TempDir())
	err := store.Get(context.Background(), "intermediate/run-x/chunk.csv.gz", filepath.Join(t.TempDir(), "out"))
	require.ErrorIs(t, err, ErrNoSuchKey)
}

func TestLocalStore_ListByPrefix(t *testing.T) {
	store := NewLocalStore(t.TempDir())
	work := t.TempDir()
	src := filepath.Join(work, "f")
	require.NoError(t, os.WriteFile(src, []byte("x"), 0o644))

	keys := []string{
		IntermediateKey("run-1", "2026-01-03", "2026-01-04"),
		IntermediateKey("run-1", "2026-01-01", "2026-01-02"),
		IntermediateKey("run-2", "2026-01-01", "2026-01-02"),
		FinalKey("openairframes_adsb", "2026-01-01", "2026-01-04"),
	}
	for _, key := range keys {
		require.NoError(t, store.Put(context.Background(), key, src))
	}

	got, err := store.List(context.Background(), IntermediatePrefix("run-1"))
	require.NoError(t, err)
	require.Equal(t, []string{
		"intermediate/run-1/chunk_2026-01-01_2026-01-02.csv.gz",
		"intermediate/run-1/chunk_2026-01-03_2026-01-04.csv.gz",
	}, got)
}

func TestLocalStore_ListEmptyRoot(t *testing.T) {
	store := NewLocalStore(filepath.Join(t.TempDir(), "never-created"))
	got, err := store.List(context.Background(), "intermediate/")
	require.NoError(t, err)
	require.Empty(t, got)
}

func TestKeyConventions(t *testing.T) {
	require.Equal(t,
		"intermediate/abc/chunk_2026-01-01_2026-01-07.csv.gz",
		IntermediateKey("abc", "2026-01-01", "2026-01-07"))
	require.Equal(t,
		"final/openairframes_adsb_2026-01-01_2026-01-07.csv.gz",
		FinalKey("openairframes_adsb", "2026-01-01", "2026-01-07"))
}
