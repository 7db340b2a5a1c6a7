// Package mapper implements the map stage: parsing one partition's trace
// files with a bounded worker pool and streaming normalized rows to columnar
// output.
package mapper

import (
	"context"
	"fmt"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	"github.com/openairframes/tracepipe/internal/columnar"
	"github.com/openairframes/tracepipe/internal/partition"
	"github.com/openairframes/tracepipe/internal/shared/config"
	"github.com/openairframes/tracepipe/internal/shared/logging"
	"github.com/openairframes/tracepipe/internal/trace"
)

type Processor struct {
	cfg *config.PipelineConfig
	log logging.Logger
}

func NewProcessor(cfg *config.PipelineConfig, log logging.Logger) *Processor {
	return &Processor{cfg: cfg, log: log}
}

// Workers resolves the parse pool size. Machines with few cores degrade to a
// single worker rather than oversubscribing, matching the floor the pipeline
// was tuned with.
func Workers(configured int) int {
	if configured > 0 {
		return configured
	}
	n := runtime.NumCPU()
	if n <= 4 {
		return 1
	}
	return n
}

// ChunkOutputPath names one partition's map output for an output id (a date
// or a date range).
func ChunkOutputPath(chunksDir string, partitionID int, outputID string) string {
	return filepath.Join(chunksDir, fmt.Sprintf("chunk_%d_%s.parquet", partitionID, outputID))
}

// Run processes the trace files owned by one partition and writes their
// normalized rows to outputPath. Files are handed to the pool in bounded
// super-batches so a failure loses only a bounded amount of unflushed work;
// rows flush to disk at the configured batch size so peak memory stays
// capped regardless of total row volume.
//
// A partition that owns no files, or whose files all yield zero rows,
// returns zero rows without creating an output file. A file that fails to
// parse is logged and skipped; it does not abort the partition.
func (p *Processor) Run(ctx context.Context, traceMap map[string][]string, partitionID, totalPartitions int, outputPath string) (int64, error) {
	log := p.log.With("partition", partitionID, "total_partitions", totalPartitions)

	owned := partition.Select(trace.ICAOs(traceMap), partitionID, totalPartitions)
	log.Info("Selected partition identifiers", "icaos", len(owned))

	var files []string
	for _, icao := range owned {
		files = append(files, traceMap[icao]...)
	}
	if len(files) == 0 {
		log.Info("No trace files for partition")
		return 0, nil
	}
	log.Info("Resolved trace files", "files", len(files))

	writer, err := columnar.NewWriter(outputPath, p.cfg.Mapper.BatchSize)
	if err != nil {
		return 0, err
	}
	// The writer is finalized exactly once: Close on success, Discard on
	// any error path.
	committed := false
	defer func() {
		if !committed {
			writer.Discard()
		}
	}()

	workers := Workers(p.cfg.Mapper.Workers)
	perBatch := workers * p.cfg.Mapper.FilesPerWorker
	if perBatch <= 0 {
		perBatch = len(files)
	}

	start := time.Now()
	for offset := 0; offset < len(files); offset += perBatch {
		if err := ctx.Err(); err != nil {
			return 0, err
		}

		end := min(offset+perBatch, len(files))
		if err := p.parseBatch(ctx, files[offset:end], workers, writer); err != nil {
			return 0, err
		}

		log.Info("Batch complete",
			"files_done", end,
			"files_total", len(files),
			"rows", writer.Rows(),
			"elapsed", time.Since(start).Round(time.Second).String(),
			"heap_mb", heapMB(),
		)
	}

	if writer.Rows() == 0 {
		log.Info("No rows for partition")
		return 0, nil
	}

	if err := writer.Close(); err != nil {
		return 0, err
	}
	committed = true

	log.Info("Partition complete", "rows", writer.Rows(), "output", outputPath)
	return writer.Rows(), nil
}

// parseBatch fans one super-batch of files over the worker pool and appends
// every parsed row set to the writer. The pool lives for one batch only.
func (p *Processor) parseBatch(ctx context.Context, files []string, workers int, writer *columnar.Writer) error {
	tasks := make(chan string)
	results := make(chan []columnar.Row, workers)

	var wg sync.WaitGroup
	for range workers {
		wg.Go(func() {
			for path := range tasks {
				rows, err := trace.ParseFile(path, p.cfg.Source.DataSource)
				if err != nil {
					p.log.Warn("Skipping unparseable trace file", "path", path, "error", err)
					continue
				}
				if len(rows) > 0 {
					results <- rows
				}
			}
		})
	}

	go func() {
		defer close(tasks)
		for _, f := range files {
			select {
			case <-ctx.Done():
				return
			case tasks <- f:
			}
		}
	}()

	go func() {
		wg.Wait()
		close(results)
	}()

	var appendErr error
	for rows := range results {
		if appendErr != nil {
			continue // drain so workers can finish
		}
		appendErr = writer.Append(rows...)
	}
	if appendErr != nil {
		return appendErr
	}
	return ctx.Err()
}

func heapMB() uint64 {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return ms.HeapAlloc / (1 << 20)
}
