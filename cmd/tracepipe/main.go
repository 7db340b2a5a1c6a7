// Command tracepipe drives the aircraft trace ingestion pipeline: fetching
// dated archives, extracting traces, mapping partitions to columnar output,
// and reducing chunk artifacts into the published dataset.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/openairframes/tracepipe/internal/extract"
	"github.com/openairframes/tracepipe/internal/fetch"
	"github.com/openairframes/tracepipe/internal/mapper"
	"github.com/openairframes/tracepipe/internal/orchestrate"
	"github.com/openairframes/tracepipe/internal/reduce"
	"github.com/openairframes/tracepipe/internal/shared/config"
	"github.com/openairframes/tracepipe/internal/shared/logging"
	"github.com/openairframes/tracepipe/internal/trace"
)

var (
	configPath string
	cfg        *config.PipelineConfig
	log        logging.Logger
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd().ExecuteContext(ctx); err != nil {
		if log != nil {
			log.Error("Command failed", "error", err)
		} else {
			fmt.Fprintln(os.Stderr, err)
		}
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "tracepipe",
		Short:         "Aircraft trace ingestion and aggregation pipeline",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			var err error
			cfg, err = config.Load(configPath)
			if err != nil {
				return err
			}
			log = logging.New(cfg.Logging.Level, cfg.Logging.Format)
			return nil
		},
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to config file")

	root.AddCommand(
		fetchCmd(),
		extractCmd(),
		processPartitionCmd(),
		processChunkCmd(),
		planCmd(),
		combineCmd(),
		reduceCmd(),
		runCmd(),
	)
	return root
}

func parseDate(s, flag string) (time.Time, error) {
	day, err := time.Parse(orchestrate.DateLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid --%s %q: expected YYYY-MM-DD", flag, s)
	}
	return day, nil
}

// dateRange resolves a start/end flag pair. An empty end defaults to the day
// after start, so single-day invocations only need --start-date.
func dateRange(startStr, endStr string) (start, end time.Time, err error) {
	start, err = parseDate(startStr, "start-date")
	if err != nil {
		return
	}
	if endStr == "" {
		end = start.AddDate(0, 0, 1)
		return
	}
	end, err = parseDate(endStr, "end-date")
	if err != nil {
		return
	}
	if !start.Before(end) {
		err = fmt.Errorf("--end-date %s must be after --start-date %s", endStr, startStr)
	}
	return
}

func fetchCmd() *cobra.Command {
	var date string
	cmd := &cobra.Command{
		Use:   "fetch",
		Short: "Download one day's archive parts into the staging area",
		RunE: func(cmd *cobra.Command, args []string) error {
			day, err := parseDate(date, "date")
			if err != nil {
				return err
			}
			archiveDir := filepath.Join(cfg.Staging.OutputDir, "archives")
			fetcher := fetch.New(cfg.Source, archiveDir, log)
			parts, err := fetcher.FetchDay(cmd.Context(), day)
			if err != nil {
				return err
			}
			log.Info("Fetched archive parts", "date", date, "parts", len(parts))
			return nil
		},
	}
	cmd.Flags().StringVar(&date, "date", "", "day to fetch (YYYY-MM-DD)")
	cmd.MarkFlagRequired("date")
	return cmd
}

func extractCmd() *cobra.Command {
	var date string
	cmd := &cobra.Command{
		Use:   "extract",
		Short: "Unpack one day's downloaded archive parts",
		RunE: func(cmd *cobra.Command, args []string) error {
			day, err := parseDate(date, "date")
			if err != nil {
				return err
			}

			archiveDir := filepath.Join(cfg.Staging.OutputDir, "archives")
			pattern := filepath.Join(archiveDir, fetch.VersionTag(day)+"*")
			matches, err := filepath.Glob(pattern)
			if err != nil {
				return err
			}
			var parts []string
			for _, m := range matches {
				if filepath.Ext(m) != ".part" {
					parts = append(parts, m)
				}
			}
			if len(parts) == 0 {
				return fmt.Errorf("no downloaded parts for %s under %s, run fetch first", date, archiveDir)
			}

			dest := filepath.Join(cfg.Staging.OutputDir, date)
			return extract.Extract(cmd.Context(), parts, dest, log)
		},
	}
	cmd.Flags().StringVar(&date, "date", "", "day to extract (YYYY-MM-DD)")
	cmd.MarkFlagRequired("date")
	return cmd
}

func processPartitionCmd() *cobra.Command {
	var (
		startDate, endDate string
		partitionID        int
		totalPartitions    int
	)
	cmd := &cobra.Command{
		Use:   "process-partition",
		Short: "Map one partition's trace files to columnar chunk output",
		RunE: func(cmd *cobra.Command, args []string) error {
			start, end, err := dateRange(startDate, endDate)
			if err != nil {
				return err
			}
			total := totalPartitions
			if total <= 0 {
				total = cfg.Run.Partitions
			}
			if partitionID < 0 || partitionID >= total {
				return fmt.Errorf("--partition-id %d out of range [0, %d)", partitionID, total)
			}

			o, err := orchestrate.New(cfg, log)
			if err != nil {
				return err
			}

			var dayDirs []string
			for day := start; day.Before(end); day = day.AddDate(0, 0, 1) {
				dir, err := o.StageDay(cmd.Context(), day)
				if err != nil {
					return err
				}
				dayDirs = append(dayDirs, dir)
			}

			traceMap, err := trace.CollectTraceFiles(dayDirs)
			if err != nil {
				return err
			}

			chunkID := start.Format(orchestrate.DateLayout) + "_" + end.Format(orchestrate.DateLayout)
			out := mapper.ChunkOutputPath(cfg.Staging.ChunksDir, partitionID, chunkID)
			proc := mapper.NewProcessor(cfg, log)
			rows, err := proc.Run(cmd.Context(), traceMap, partitionID, total, out)
			if err != nil {
				return err
			}
			log.Info("Partition mapped", "partition", partitionID, "rows", rows, "output", out)
			return nil
		},
	}
	cmd.Flags().StringVar(&startDate, "start-date", "", "range start (YYYY-MM-DD)")
	cmd.Flags().StringVar(&endDate, "end-date", "", "range end, exclusive (defaults to start + 1 day)")
	cmd.Flags().IntVar(&partitionID, "partition-id", 0, "partition to process")
	cmd.Flags().IntVar(&totalPartitions, "total-partitions", 0, "partition count (defaults to run.partitions)")
	cmd.MarkFlagRequired("start-date")
	return cmd
}

func processChunkCmd() *cobra.Command {
	var (
		startDate, endDate string
		runID              string
	)
	cmd := &cobra.Command{
		Use:   "process-chunk",
		Short: "Run the full chunk pipeline and upload its artifact",
		Long: `Runs fetch, extract, map and per-chunk aggregation for one date chunk and
uploads the compressed artifact under the run's namespace. Intended to be
fanned out by an external scheduler using the chunk plan from "plan".`,
		RunE: func(cmd *cobra.Command, args []string) error {
			start, end, err := dateRange(startDate, endDate)
			if err != nil {
				return err
			}
			o, err := orchestrate.New(cfg, log)
			if err != nil {
				return err
			}
			chunk := orchestrate.Chunk{
				StartDate: start.Format(orchestrate.DateLayout),
				EndDate:   end.Format(orchestrate.DateLayout),
			}
			return o.ProcessChunk(cmd.Context(), runID, chunk)
		},
	}
	cmd.Flags().StringVar(&startDate, "start-date", "", "chunk start (YYYY-MM-DD)")
	cmd.Flags().StringVar(&endDate, "end-date", "", "chunk end, exclusive (defaults to start + 1 day)")
	cmd.Flags().StringVar(&runID, "run-id", "", "run namespace for the uploaded artifact")
	cmd.MarkFlagRequired("start-date")
	cmd.MarkFlagRequired("run-id")
	return cmd
}

func planCmd() *cobra.Command {
	var (
		startDate, endDate string
		output             string
	)
	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Plan a run and write its chunk descriptor as JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			start, end, err := dateRange(startDate, endDate)
			if err != nil {
				return err
			}
			desc := orchestrate.NewRunDescriptor(start, end, cfg.Run.ChunkDays)
			if err := desc.Save(output); err != nil {
				return err
			}
			log.Info("Planned run", "run_id", desc.RunID, "chunks", len(desc.Chunks), "descriptor", output)
			return nil
		},
	}
	cmd.Flags().StringVar(&startDate, "start-date", "", "range start (YYYY-MM-DD)")
	cmd.Flags().StringVar(&endDate, "end-date", "", "range end, exclusive")
	cmd.Flags().StringVar(&output, "output", "run.json", "descriptor output path")
	cmd.MarkFlagRequired("start-date")
	cmd.MarkFlagRequired("end-date")
	return cmd
}

func combineCmd() *cobra.Command {
	var (
		startDate, endDate string
		skipBaseline       bool
	)
	cmd := &cobra.Command{
		Use:   "combine",
		Short: "Combine mapped chunk output into a local dataset artifact",
		RunE: func(cmd *cobra.Command, args []string) error {
			start, end, err := dateRange(startDate, endDate)
			if err != nil {
				return err
			}
			o, err := orchestrate.New(cfg, log)
			if err != nil {
				return err
			}
			path, err := o.CombineRange(cmd.Context(),
				start.Format(orchestrate.DateLayout), end.Format(orchestrate.DateLayout), skipBaseline)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), path)
			return nil
		},
	}
	cmd.Flags().StringVar(&startDate, "start-date", "", "range start (YYYY-MM-DD)")
	cmd.Flags().StringVar(&endDate, "end-date", "", "range end, exclusive (defaults to start + 1 day)")
	cmd.Flags().BoolVar(&skipBaseline, "skip-baseline-merge", false, "do not merge the published baseline dataset")
	cmd.MarkFlagRequired("start-date")
	return cmd
}

func reduceCmd() *cobra.Command {
	var (
		runID              string
		startDate, endDate string
		expectedChunks     int
		planPath           string
	)
	cmd := &cobra.Command{
		Use:   "reduce",
		Short: "Merge a run's chunk artifacts into the published dataset",
		Long: `Downloads a run's chunk artifacts, reconciles them and publishes the final
dataset. The fan-in barrier is mandatory: the expected chunk count comes from
the "plan" descriptor via --plan, or explicitly via --expected-chunks.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if planPath != "" {
				desc, err := orchestrate.LoadDescriptor(planPath)
				if err != nil {
					return err
				}
				runID = desc.RunID
				startDate = desc.GlobalStartDate
				endDate = desc.GlobalEndDate
				expectedChunks = len(desc.Chunks)
			}
			if runID == "" || startDate == "" || endDate == "" {
				return fmt.Errorf("either --plan or all of --run-id, --start-date and --end-date are required")
			}
			start, end, err := dateRange(startDate, endDate)
			if err != nil {
				return err
			}
			if expectedChunks <= 0 {
				return fmt.Errorf("--expected-chunks is required without --plan: reducing an unverified chunk set can publish a partial dataset")
			}

			o, err := orchestrate.New(cfg, log)
			if err != nil {
				return err
			}
			combiner := reduce.NewCombiner(cfg, log)
			return combiner.ReduceRun(cmd.Context(), o.Store(), runID,
				start.Format(orchestrate.DateLayout), end.Format(orchestrate.DateLayout), expectedChunks)
		},
	}
	cmd.Flags().StringVar(&planPath, "plan", "", "run descriptor written by plan; supplies run id, range and chunk count")
	cmd.Flags().StringVar(&runID, "run-id", "", "run whose chunks to reduce")
	cmd.Flags().StringVar(&startDate, "start-date", "", "global range start (YYYY-MM-DD)")
	cmd.Flags().StringVar(&endDate, "end-date", "", "global range end, exclusive")
	cmd.Flags().IntVar(&expectedChunks, "expected-chunks", 0, "fail unless exactly this many chunk artifacts exist")
	return cmd
}

func runCmd() *cobra.Command {
	var startDate, endDate string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Execute a complete pipeline run over a date range",
		RunE: func(cmd *cobra.Command, args []string) error {
			start, end, err := dateRange(startDate, endDate)
			if err != nil {
				return err
			}
			o, err := orchestrate.New(cfg, log)
			if err != nil {
				return err
			}
			return o.Run(cmd.Context(), start, end)
		},
	}
	cmd.Flags().StringVar(&startDate, "start-date", "", "range start (YYYY-MM-DD)")
	cmd.Flags().StringVar(&endDate, "end-date", "", "range end, exclusive (defaults to start + 1 day)")
	cmd.MarkFlagRequired("start-date")
	return cmd
}
