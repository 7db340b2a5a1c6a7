// Package storage moves intermediate and final pipeline artifacts through an
// object store. Keys are namespaced by run id and chunk boundaries so that
// concurrent or retried tasks never write to overlapping locations.
package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/openairframes/tracepipe/internal/shared/config"
	"github.com/openairframes/tracepipe/internal/shared/logging"
)

// ErrNoSuchKey is returned by Get for keys that do not exist.
var ErrNoSuchKey = errors.New("no such key")

// Store is the artifact store shared by map workers and the reducer.
type Store interface {
	// Put uploads the local file at path to key.
	Put(ctx context.Context, key, path string) error
	// Get downloads key to the local file at path.
	Get(ctx context.Context, key, path string) error
	// List returns all keys under prefix, sorted.
	List(ctx context.Context, prefix string) ([]string, error)
}

// IntermediateKey names one map chunk's compressed output.
func IntermediateKey(runID, startDate, endDate string) string {
	return fmt.Sprintf("intermediate/%s/chunk_%s_%s.csv.gz", runID, startDate, endDate)
}

// IntermediatePrefix names the run-scoped namespace of intermediate chunks.
func IntermediatePrefix(runID string) string {
	return fmt.Sprintf("intermediate/%s/", runID)
}

// FinalKey names the published artifact for a date range.
func FinalKey(dataset, startDate, endDate string) string {
	return fmt.Sprintf("final/%s_%s_%s.csv.gz", dataset, startDate, endDate)
}

// New builds the store selected by configuration.
func New(cfg config.StorageConfig, log logging.Logger) (Store, error) {
	switch cfg.Backend {
	case "local", "":
		return NewLocalStore(cfg.LocalDir), nil
	case "s3":
		return NewS3Store(cfg.Bucket, cfg.Region, log)
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
}
