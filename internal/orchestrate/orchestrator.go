package orchestrate

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/openairframes/tracepipe/internal/aggregate"
	"github.com/openairframes/tracepipe/internal/extract"
	"github.com/openairframes/tracepipe/internal/fetch"
	"github.com/openairframes/tracepipe/internal/mapper"
	"github.com/openairframes/tracepipe/internal/reduce"
	"github.com/openairframes/tracepipe/internal/shared/config"
	"github.com/openairframes/tracepipe/internal/shared/logging"
	"github.com/openairframes/tracepipe/internal/storage"
	"github.com/openairframes/tracepipe/internal/trace"
)

type Orchestrator struct {
	cfg   *config.PipelineConfig
	log   logging.Logger
	store storage.Store
}

func New(cfg *config.PipelineConfig, log logging.Logger) (*Orchestrator, error) {
	store, err := storage.New(cfg.Storage, log)
	if err != nil {
		return nil, err
	}
	return &Orchestrator{cfg: cfg, log: log, store: store}, nil
}

// Store exposes the artifact store for commands that drive single stages.
func (o *Orchestrator) Store() storage.Store {
	return o.store
}

// ArchiveDir is where downloaded archive parts are staged.
func (o *Orchestrator) ArchiveDir() string {
	return filepath.Join(o.cfg.Staging.OutputDir, "archives")
}

// DayDir is where one day's extracted trace files live.
func (o *Orchestrator) DayDir(day time.Time) string {
	return filepath.Join(o.cfg.Staging.OutputDir, day.Format(DateLayout))
}

// StageDay downloads and extracts one day's archive, returning the extracted
// directory. Both steps are idempotent, so re-running a failed day resumes
// where it left off.
func (o *Orchestrator) StageDay(ctx context.Context, day time.Time) (string, error) {
	fetcher := fetch.New(o.cfg.Source, o.ArchiveDir(), o.log)
	parts, err := fetcher.FetchDay(ctx, day)
	if err != nil {
		return "", err
	}

	dest := o.DayDir(day)
	if err := extract.Extract(ctx, parts, dest, o.log); err != nil {
		return "", err
	}
	return dest, nil
}

// ProcessChunk runs the chunk-local pipeline: stage every day, map each
// partition to columnar output, compress partitions to canonical records, and
// upload the chunk artifact under the run's namespace. Staged data is removed
// once the artifact is uploaded.
func (o *Orchestrator) ProcessChunk(ctx context.Context, runID string, chunk Chunk) error {
	log := o.log.With("run_id", runID, "chunk_start", chunk.StartDate, "chunk_end", chunk.EndDate)

	days, err := chunk.Days()
	if err != nil {
		return err
	}
	if len(days) == 0 {
		return fmt.Errorf("chunk %s_%s spans no days", chunk.StartDate, chunk.EndDate)
	}

	var dayDirs []string
	for _, day := range days {
		dir, err := o.StageDay(ctx, day)
		if err != nil {
			return fmt.Errorf("stage %s: %w", day.Format(DateLayout), err)
		}
		dayDirs = append(dayDirs, dir)
	}

	traceMap, err := trace.CollectTraceFiles(dayDirs)
	if err != nil {
		return err
	}
	log.Info("Collected trace files", "icaos", len(traceMap))

	chunkID := chunk.StartDate + "_" + chunk.EndDate
	proc := mapper.NewProcessor(o.cfg, o.log)

	var outputs []string
	for pid := range o.cfg.Run.Partitions {
		out := mapper.ChunkOutputPath(o.cfg.Staging.ChunksDir, pid, chunkID)
		rows, err := proc.Run(ctx, traceMap, pid, o.cfg.Run.Partitions, out)
		if err != nil {
			return fmt.Errorf("map partition %d: %w", pid, err)
		}
		if rows > 0 {
			outputs = append(outputs, out)
		}
	}

	combiner := reduce.NewCombiner(o.cfg, o.log)
	records, err := combiner.CombineChunks(ctx, outputs, true)
	if err != nil {
		return err
	}
	aggregate.SortRecords(records)

	csvPath := filepath.Join(o.cfg.Staging.OutputDir, "chunk_"+chunkID+".csv.gz")
	if err := reduce.WriteCSV(records, csvPath); err != nil {
		return err
	}

	key := storage.IntermediateKey(runID, chunk.StartDate, chunk.EndDate)
	if err := o.store.Put(ctx, key, csvPath); err != nil {
		return err
	}
	log.Info("Uploaded chunk artifact", "key", key, "records", len(records))

	os.Remove(csvPath)
	for _, dir := range dayDirs {
		if err := os.RemoveAll(dir); err != nil {
			log.Warn("Failed to clean staged day", "dir", dir, "error", err)
		}
	}
	return nil
}

// CombineRange combines already-mapped partition output for a date range into
// a local final artifact, merging the published baseline unless skipped.
// Returns the artifact path.
func (o *Orchestrator) CombineRange(ctx context.Context, startDate, endDate string, skipBaseline bool) (string, error) {
	chunkID := startDate + "_" + endDate

	var outputs []string
	for pid := range o.cfg.Run.Partitions {
		out := mapper.ChunkOutputPath(o.cfg.Staging.ChunksDir, pid, chunkID)
		if _, err := os.Stat(out); err == nil {
			outputs = append(outputs, out)
		}
	}
	if len(outputs) == 0 {
		return "", fmt.Errorf("no mapped chunks for %s under %s", chunkID, o.cfg.Staging.ChunksDir)
	}

	combiner := reduce.NewCombiner(o.cfg, o.log)
	records, err := combiner.CombineChunks(ctx, outputs, false)
	if err != nil {
		return "", err
	}

	if !skipBaseline {
		baseline, err := combiner.LoadBaseline(ctx, o.cfg.Reduce.BaselineURL)
		if err != nil {
			return "", err
		}
		records = reduce.MergeWithBaseline(baseline, records)
	}
	aggregate.SortRecords(records)

	name := fmt.Sprintf("%s_%s_%s.csv.gz", o.cfg.Reduce.DatasetName, startDate, endDate)
	path := filepath.Join(o.cfg.Staging.FinalDir, name)
	if err := reduce.WriteCSV(records, path); err != nil {
		return "", err
	}
	o.log.Info("Wrote combined dataset", "path", path, "records", len(records))
	return path, nil
}

// Run executes a complete run over [start, end): plan chunks, process them
// with bounded parallelism under the run deadline, then reduce the chunk
// artifacts into the published dataset. The first chunk failure cancels the
// rest of the run.
func (o *Orchestrator) Run(ctx context.Context, start, end time.Time) error {
	if o.cfg.Run.Deadline > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.cfg.Run.Deadline)
		defer cancel()
	}

	desc := NewRunDescriptor(start, end, o.cfg.Run.ChunkDays)
	if len(desc.Chunks) == 0 {
		return fmt.Errorf("empty date range %s to %s", desc.GlobalStartDate, desc.GlobalEndDate)
	}

	if err := os.MkdirAll(o.cfg.Staging.OutputDir, 0o755); err != nil {
		return err
	}
	descPath := filepath.Join(o.cfg.Staging.OutputDir, "run_"+desc.RunID+".json")
	if err := desc.Save(descPath); err != nil {
		return err
	}
	o.log.Info("Planned run", "run_id", desc.RunID, "chunks", len(desc.Chunks), "descriptor", descPath)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	concurrency := o.cfg.Run.MaxConcurrentChunks
	if concurrency <= 0 {
		concurrency = 1
	}
	sem := make(chan struct{}, concurrency)

	var (
		wg      sync.WaitGroup
		errOnce sync.Once
		runErr  error
	)
	for _, chunk := range desc.Chunks {
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			errOnce.Do(func() { runErr = ctx.Err() })
		}
		if ctx.Err() != nil {
			break
		}

		wg.Go(func() {
			defer func() { <-sem }()
			if err := o.ProcessChunk(ctx, desc.RunID, chunk); err != nil {
				o.log.Error("Chunk failed", "chunk_start", chunk.StartDate, "chunk_end", chunk.EndDate, "error", err)
				errOnce.Do(func() {
					runErr = fmt.Errorf("chunk %s_%s: %w", chunk.StartDate, chunk.EndDate, err)
					cancel()
				})
			}
		})
	}
	wg.Wait()

	if runErr != nil {
		return runErr
	}

	combiner := reduce.NewCombiner(o.cfg, o.log)
	return combiner.ReduceRun(ctx, o.store, desc.RunID, desc.GlobalStartDate, desc.GlobalEndDate, len(desc.Chunks))
}
