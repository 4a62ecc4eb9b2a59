// Package config loads and validates estimation-run settings from YAML
// files and environment overrides. The CLI maps a validated Config onto
// solver options; library users construct options directly and never need
// this package.
package config

import (
	"os"
	"strconv"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/marius311/muse-go/pkg/errors"
)

// Config holds every tunable of an estimation run.
type Config struct {
	// Problem names the built-in demo problem the CLI fits.
	Problem string `yaml:"problem" validate:"omitempty,oneof=funnel linear-gaussian"`

	// Seed seeds the run's parent random stream.
	Seed uint64 `yaml:"seed"`

	// Theta0 is the starting guess in the natural parameterization.
	Theta0 []float64 `yaml:"theta0"`

	NSims     int     `yaml:"nsims" validate:"min=2"`
	MaxSteps  int     `yaml:"maxsteps" validate:"min=1"`
	ThetaRtol float64 `yaml:"theta_rtol" validate:"gt=0"`
	ZTol      float64 `yaml:"ztol" validate:"gt=0"`
	Alpha     float64 `yaml:"alpha" validate:"gt=0,lte=1"`

	// HInvUpdate is one of sims, broyden, broyden-diagonal.
	HInvUpdate    string `yaml:"hinv_update" validate:"omitempty,oneof=sims broyden broyden-diagonal"`
	BroydenMemory int    `yaml:"broyden_memory" validate:"min=0"`

	SkipFailures bool `yaml:"skip_failures"`

	Covariance CovarianceConfig `yaml:"covariance"`
	Parallel   ParallelConfig   `yaml:"parallel"`
	Checkpoint CheckpointConfig `yaml:"checkpoint"`

	// ExportPath, when set, receives a parquet dump of the per-simulation
	// scores and Jacobians after the run.
	ExportPath string `yaml:"export_path"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log_level" validate:"omitempty,oneof=debug info warn error"`

	// Progress enables the terminal progress bar.
	Progress bool `yaml:"progress"`
}

// CovarianceConfig governs the post-loop J and H estimation.
type CovarianceConfig struct {
	Enabled bool `yaml:"enabled"`

	// HNSims is the H estimator's simulation count; 0 derives the default
	// of one tenth of nsims, floored at 1.
	HNSims int `yaml:"h_nsims" validate:"min=0"`

	// HMode is fd or implicit.
	HMode string `yaml:"h_mode" validate:"omitempty,oneof=fd implicit"`

	// CorrectedJ selects the n-1 normalization of the score covariance.
	CorrectedJ bool `yaml:"corrected_j"`

	// FDStepFraction scales the finite-difference steps of the H estimator.
	FDStepFraction float64 `yaml:"fd_step_fraction" validate:"gt=0"`

	// ParallelAxis is auto, sims or coordinates.
	ParallelAxis string `yaml:"parallel_axis" validate:"omitempty,oneof=auto sims coordinates"`
}

// ParallelConfig selects the execution strategy.
type ParallelConfig struct {
	// Strategy is serial, pool or batched.
	Strategy string `yaml:"strategy" validate:"omitempty,oneof=serial pool batched"`

	// Workers bounds pool concurrency; 0 means one per CPU.
	Workers int `yaml:"workers" validate:"min=0"`

	// BatchSize sizes the contiguous chunks of the batched strategy; 0
	// splits the index range evenly across workers.
	BatchSize int `yaml:"batch_size" validate:"min=0"`
}

// CheckpointConfig enables per-iteration snapshots.
type CheckpointConfig struct {
	// Path is the checkpoint directory (file backend) or database file
	// (sqlite backend). Empty disables checkpointing.
	Path string `yaml:"path"`

	// Backend is file or sqlite.
	Backend string `yaml:"backend" validate:"omitempty,oneof=file sqlite"`
}

// Load reads a config file, layers environment overrides on top of the
// defaults, and validates the result. An empty path returns the defaults
// with overrides applied.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.Wrap(err, errors.InvalidInput, "read config file")
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, errors.Wrap(err, errors.InvalidInput, "parse config file")
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Environment variables overriding the file, for container deployments
// where mounting a new config is heavier than setting a variable.
const (
	envSeed     = "MUSE_SEED"
	envNSims    = "MUSE_NSIMS"
	envMaxSteps = "MUSE_MAXSTEPS"
	envWorkers  = "MUSE_WORKERS"
	envLogLevel = "MUSE_LOG_LEVEL"
)

func (c *Config) applyEnv() {
	if v, ok := lookupUint(envSeed); ok {
		c.Seed = v
	}
	if v, ok := lookupInt(envNSims); ok {
		c.NSims = v
	}
	if v, ok := lookupInt(envMaxSteps); ok {
		c.MaxSteps = v
	}
	if v, ok := lookupInt(envWorkers); ok {
		c.Parallel.Workers = v
	}
	if v := os.Getenv(envLogLevel); v != "" {
		c.LogLevel = v
	}
}

func lookupInt(key string) (int, bool) {
	s := os.Getenv(key)
	if s == "" {
		return 0, false
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0, false
	}
	return v, true
}

func lookupUint(key string) (uint64, bool) {
	s := os.Getenv(key)
	if s == "" {
		return 0, false
	}
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

// Validate checks the struct tags and the cross-field constraints the tags
// cannot express.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return errors.Wrap(err, errors.ValidationFailed, "invalid configuration")
	}
	if c.Checkpoint.Path == "" && c.Checkpoint.Backend != "" {
		return errors.New(errors.ValidationFailed, "checkpoint backend set without a path")
	}
	return nil
}
