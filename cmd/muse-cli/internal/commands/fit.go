// Package commands defines the muse-cli subcommands.
package commands

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/marius311/muse-go/cmd/muse-cli/internal/runner"
	"github.com/marius311/muse-go/pkg/config"
	"github.com/marius311/muse-go/pkg/logging"
)

// NewFitCommand runs a fresh estimate on a built-in demo problem.
func NewFitCommand() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "fit",
		Short: "Run a MUSE fit on a built-in demo problem",
		Long: `Run the MUSE estimate on one of the built-in demo problems, drawing a
synthetic observed dataset from the problem's true parameter. Settings come
from a YAML config file; flags override individual settings. With a
checkpoint path configured, a snapshot is written after every iteration and
the run can later be continued with "muse-cli resume".`,
		Example: `  # Fit the funnel demo with defaults
  muse-cli fit

  # Fit from a config file, overriding the simulation count
  muse-cli fit --config run.yaml --nsims 200

  # Checkpointed fit that can be resumed after an interrupt
  muse-cli fit --checkpoint ./ckpt --maxsteps 30`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, configPath)
			if err != nil {
				return err
			}
			r, err := runner.New(cfg)
			if err != nil {
				return err
			}
			defer r.Close()

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			logging.InitGlobalFlightRecorder()
			defer logging.GlobalFlightRecorder().Stop()

			return r.Fit(ctx)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "YAML config file")
	addOverrideFlags(cmd)
	return cmd
}

// addOverrideFlags registers the per-run settings shared by fit and resume.
func addOverrideFlags(cmd *cobra.Command) {
	cmd.Flags().String("problem", "", "demo problem: funnel or linear-gaussian")
	cmd.Flags().Uint64("seed", 0, "seed for the run's parent random stream")
	cmd.Flags().Float64Slice("theta0", nil, "starting guess in the natural parameterization")
	cmd.Flags().Int("nsims", 0, "simulations per solver iteration")
	cmd.Flags().Int("maxsteps", 0, "solver iteration cap")
	cmd.Flags().Bool("covariance", false, "estimate J and H after the solve")
	cmd.Flags().String("checkpoint", "", "checkpoint path (directory for the file backend)")
	cmd.Flags().String("checkpoint-backend", "", "checkpoint backend: file or sqlite")
	cmd.Flags().String("export", "", "parquet export path for per-simulation estimator inputs")
	cmd.Flags().Int("workers", 0, "parallel worker bound, 0 for one per CPU")
	cmd.Flags().String("log-level", "", "log level: debug, info, warn or error")
	cmd.Flags().Bool("no-progress", false, "disable the progress bar")
}

// loadConfig layers the changed flags over the config file.
func loadConfig(cmd *cobra.Command, path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}

	flags := cmd.Flags()
	if flags.Changed("problem") {
		cfg.Problem, _ = flags.GetString("problem")
	}
	if flags.Changed("seed") {
		cfg.Seed, _ = flags.GetUint64("seed")
	}
	if flags.Changed("theta0") {
		cfg.Theta0, _ = flags.GetFloat64Slice("theta0")
	}
	if flags.Changed("nsims") {
		cfg.NSims, _ = flags.GetInt("nsims")
	}
	if flags.Changed("maxsteps") {
		cfg.MaxSteps, _ = flags.GetInt("maxsteps")
	}
	if flags.Changed("covariance") {
		cfg.Covariance.Enabled, _ = flags.GetBool("covariance")
	}
	if flags.Changed("checkpoint") {
		cfg.Checkpoint.Path, _ = flags.GetString("checkpoint")
	}
	if flags.Changed("checkpoint-backend") {
		cfg.Checkpoint.Backend, _ = flags.GetString("checkpoint-backend")
	}
	if flags.Changed("export") {
		cfg.ExportPath, _ = flags.GetString("export")
	}
	if flags.Changed("workers") {
		cfg.Parallel.Workers, _ = flags.GetInt("workers")
	}
	if flags.Changed("log-level") {
		cfg.LogLevel, _ = flags.GetString("log-level")
	}
	if flags.Changed("no-progress") {
		noProgress, _ := flags.GetBool("no-progress")
		cfg.Progress = !noProgress
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
