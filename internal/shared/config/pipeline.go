package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// PipelineConfig contains all configuration for the trace pipeline. It is
// constructed once at startup and passed by reference; nothing mutates it
// after Load returns.
type PipelineConfig struct {
	Source  SourceConfig  `mapstructure:"source"`
	Staging StagingConfig `mapstructure:"staging"`
	Mapper  MapperConfig  `mapstructure:"mapper"`
	Reduce  ReduceConfig  `mapstructure:"reduce"`
	Storage StorageConfig `mapstructure:"storage"`
	Run     RunConfig     `mapstructure:"run"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// SourceConfig contains remote archive source configuration.
type SourceConfig struct {
	BaseURL        string        `mapstructure:"base_url"`
	DataSource     string        `mapstructure:"data_source"`
	MaxAttempts    int           `mapstructure:"max_attempts"`
	RetryDelay     time.Duration `mapstructure:"retry_delay"`
	AttemptTimeout time.Duration `mapstructure:"attempt_timeout"`
}

// StagingConfig contains local staging directory layout.
type StagingConfig struct {
	OutputDir string `mapstructure:"output_dir"`
	ChunksDir string `mapstructure:"chunks_dir"`
	FinalDir  string `mapstructure:"final_dir"`
}

// MapperConfig contains map-stage worker pool and batching configuration.
type MapperConfig struct {
	// Workers is the parse pool size. Zero means derive from available
	// cores: the core count when above four, otherwise one.
	Workers        int `mapstructure:"workers"`
	BatchSize      int `mapstructure:"batch_size"`
	FilesPerWorker int `mapstructure:"files_per_worker"`
}

// ReduceConfig contains combine-stage configuration.
type ReduceConfig struct {
	BaselineURL string `mapstructure:"baseline_url"`
	DatasetName string `mapstructure:"dataset_name"`
}

// StorageConfig selects the intermediate/final artifact store.
type StorageConfig struct {
	Backend  string `mapstructure:"backend"` // "local" or "s3"
	Bucket   string `mapstructure:"bucket"`
	Region   string `mapstructure:"region"`
	LocalDir string `mapstructure:"local_dir"`
}

// RunConfig contains orchestration-level knobs.
type RunConfig struct {
	Partitions          int           `mapstructure:"partitions"`
	ChunkDays           int           `mapstructure:"chunk_days"`
	MaxConcurrentChunks int           `mapstructure:"max_concurrent_chunks"`
	Deadline            time.Duration `mapstructure:"deadline"`
}

// Load loads the pipeline configuration from the given path. If configPath is
// empty, it looks for tracepipe.yaml in the config/ directory. Environment
// variables with TRACEPIPE_ prefix override config file values.
func Load(configPath string) (*PipelineConfig, error) {
	v := viper.New()

	v.SetDefault("source.base_url", "https://api.github.com/repos/adsblol/globe_history")
	v.SetDefault("source.data_source", "adsb.lol")
	v.SetDefault("source.max_attempts", 3)
	v.SetDefault("source.retry_delay", 30*time.Second)
	v.SetDefault("source.attempt_timeout", 140*time.Second)
	v.SetDefault("staging.output_dir", "data/output")
	v.SetDefault("staging.chunks_dir", "data/output/adsb_chunks")
	v.SetDefault("staging.final_dir", "data/openairframes")
	v.SetDefault("mapper.workers", 0)
	v.SetDefault("mapper.batch_size", 100_000)
	v.SetDefault("mapper.files_per_worker", 100)
	v.SetDefault("reduce.dataset_name", "openairframes_adsb")
	v.SetDefault("storage.backend", "local")
	v.SetDefault("storage.local_dir", "data/store")
	v.SetDefault("run.partitions", 4)
	v.SetDefault("run.chunk_days", 1)
	v.SetDefault("run.max_concurrent_chunks", 3)
	v.SetDefault("run.deadline", 5*time.Hour)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("tracepipe")
		v.SetConfigType("yaml")
		v.AddConfigPath("./config")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	v.SetEnvPrefix("TRACEPIPE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg PipelineConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if cfg.Run.Partitions <= 0 {
		return nil, fmt.Errorf("run.partitions must be positive, got %d", cfg.Run.Partitions)
	}
	if cfg.Mapper.BatchSize <= 0 {
		return nil, fmt.Errorf("mapper.batch_size must be positive, got %d", cfg.Mapper.BatchSize)
	}

	return &cfg, nil
}
