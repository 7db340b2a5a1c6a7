// Package reduce merges per-partition map outputs into the final canonical
// dataset: per-chunk compression, cross-chunk reconciliation, baseline merge,
// and the sorted CSV artifact.
package reduce

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/openairframes/tracepipe/internal/aggregate"
	"github.com/openairframes/tracepipe/internal/columnar"
	"github.com/openairframes/tracepipe/internal/shared/config"
	"github.com/openairframes/tracepipe/internal/shared/logging"
	"github.com/openairframes/tracepipe/internal/shared/retry"
	"github.com/openairframes/tracepipe/internal/storage"
)

type Combiner struct {
	cfg *config.PipelineConfig
	log logging.Logger
}

func NewCombiner(cfg *config.PipelineConfig, log logging.Logger) *Combiner {
	return &Combiner{cfg: cfg, log: log}
}

// CompressChunk reads one map-stage parquet chunk and reduces it to one
// canonical record per ICAO using the full domination-based aggregation.
func CompressChunk(path string) ([]aggregate.Record, error) {
	rows, err := columnar.ReadRows(path)
	if err != nil {
		return nil, err
	}

	byICAO := make(map[string][]aggregate.Observation)
	for _, row := range rows {
		byICAO[row.ICAO] = append(byICAO[row.ICAO], row.Observation())
	}

	records := make([]aggregate.Record, 0, len(byICAO))
	for icao, obs := range byICAO {
		if rec, ok := aggregate.Compress(icao, obs); ok {
			records = append(records, rec)
		}
	}
	return records, nil
}

// CombineChunks compresses each partition chunk and concatenates the
// results. Partitions own disjoint ICAO sets, so concatenation needs no
// further deduplication. deleteAfterLoad frees chunk files as they are
// consumed to reclaim disk space.
func (c *Combiner) CombineChunks(ctx context.Context, chunkPaths []string, deleteAfterLoad bool) ([]aggregate.Record, error) {
	var combined []aggregate.Record
	for _, path := range chunkPaths {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		records, err := CompressChunk(path)
		if err != nil {
			return nil, fmt.Errorf("compress chunk %s: %w", path, err)
		}
		c.log.Info("Compressed chunk", "chunk", filepath.Base(path), "records", len(records))
		combined = append(combined, records...)

		if deleteAfterLoad {
			if err := os.Remove(path); err != nil {
				c.log.Warn("Failed to delete consumed chunk", "chunk", path, "error", err)
			}
		}
	}
	c.log.Info("Combined chunks", "chunks", len(chunkPaths), "records", len(combined))
	return combined, nil
}

// MergeWithBaseline unions a newly aggregated dataset with the previously
// published one, deduplicating by ICAO and keeping the new row whenever both
// sides provide one. Column reconciliation already happened at read time:
// ReadCSV fills absent columns with the empty sentinel.
func MergeWithBaseline(base, fresh []aggregate.Record) []aggregate.Record {
	freshICAOs := make(map[string]struct{}, len(fresh))
	for _, rec := range fresh {
		freshICAOs[rec.ICAO] = struct{}{}
	}

	merged := make([]aggregate.Record, 0, len(base)+len(fresh))
	for _, rec := range base {
		if _, replaced := freshICAOs[rec.ICAO]; !replaced {
			merged = append(merged, rec)
		}
	}
	return append(merged, fresh...)
}

// LoadBaseline reads the previously published dataset from a local path or
// an http(s) URL. A missing baseline is not an error: the caller proceeds
// with only the new data.
func (c *Combiner) LoadBaseline(ctx context.Context, location string) ([]aggregate.Record, error) {
	if location == "" {
		return nil, nil
	}

	path := location
	if strings.HasPrefix(location, "http://") || strings.HasPrefix(location, "https://") {
		tmp, err := os.CreateTemp("", "baseline-*.csv.gz")
		if err != nil {
			return nil, err
		}
		tmp.Close()
		defer os.Remove(tmp.Name())

		err = retry.Do(ctx, c.cfg.Source.MaxAttempts, c.cfg.Source.RetryDelay, func(ctx context.Context) error {
			return downloadTo(ctx, location, tmp.Name())
		})
		if errors.Is(err, os.ErrNotExist) {
			c.log.Warn("No baseline found, using only new data", "baseline", location)
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("download baseline %s: %w", location, err)
		}
		path = tmp.Name()
	}

	records, err := ReadCSV(path)
	if err != nil {
		if os.IsNotExist(err) {
			c.log.Warn("No baseline found, using only new data", "baseline", location)
			return nil, nil
		}
		return nil, fmt.Errorf("read baseline %s: %w", location, err)
	}
	c.log.Info("Loaded baseline", "records", len(records))
	return records, nil
}

func downloadTo(ctx context.Context, url, path string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return retry.Permanent(err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return retry.Permanent(os.ErrNotExist)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("GET %s: %s", url, resp.Status)
	}

	file, err := os.Create(path)
	if err != nil {
		return retry.Permanent(err)
	}
	_, err = file.ReadFrom(resp.Body)
	if closeErr := file.Close(); err == nil {
		err = closeErr
	}
	return err
}

// ReduceRun is the cross-run fan-in: it waits on nothing — by contract every
// map worker has already uploaded its chunk — but verifies the barrier by
// comparing found keys against the expected chunk count before combining.
// Reconciliation across already-aggregated chunks is distinct-by-signature,
// not domination filtering.
func (c *Combiner) ReduceRun(ctx context.Context, store storage.Store, runID, globalStart, globalEnd string, expectedChunks int) error {
	prefix := storage.IntermediatePrefix(runID)
	keys, err := store.List(ctx, prefix)
	if err != nil {
		return err
	}

	var chunkKeys []string
	for _, key := range keys {
		if strings.HasSuffix(key, ".csv.gz") {
			chunkKeys = append(chunkKeys, key)
		}
	}
	c.log.Info("Found intermediate chunks", "run_id", runID, "chunks", len(chunkKeys))

	if len(chunkKeys) == 0 {
		return fmt.Errorf("no intermediate chunks under %s", prefix)
	}
	if expectedChunks > 0 && len(chunkKeys) != expectedChunks {
		return fmt.Errorf("reduce barrier violated: found %d chunks under %s, expected %d",
			len(chunkKeys), prefix, expectedChunks)
	}

	downloadDir, err := os.MkdirTemp("", "tracepipe-reduce-"+runID)
	if err != nil {
		return err
	}
	defer os.RemoveAll(downloadDir)

	var combined []aggregate.Record
	for _, key := range chunkKeys {
		local := filepath.Join(downloadDir, filepath.Base(key))
		if err := store.Get(ctx, key, local); err != nil {
			return err
		}
		records, err := ReadCSV(local)
		if err != nil {
			return fmt.Errorf("read chunk %s: %w", key, err)
		}
		c.log.Info("Loaded chunk", "key", key, "records", len(records))
		combined = append(combined, records...)
		os.Remove(local)
	}

	before := len(combined)
	combined = aggregate.DistinctBySignature(combined)
	aggregate.SortRecords(combined)
	c.log.Info("Deduplicated across chunks", "before", before, "after", len(combined))

	outName := fmt.Sprintf("%s_%s_%s.csv.gz", c.cfg.Reduce.DatasetName, globalStart, globalEnd)
	outPath := filepath.Join(downloadDir, outName)
	if err := WriteCSV(combined, outPath); err != nil {
		return err
	}

	finalKey := storage.FinalKey(c.cfg.Reduce.DatasetName, globalStart, globalEnd)
	if err := store.Put(ctx, finalKey, outPath); err != nil {
		return err
	}
	c.log.Info("Published final dataset", "key", finalKey, "records", len(combined))
	return nil
}
