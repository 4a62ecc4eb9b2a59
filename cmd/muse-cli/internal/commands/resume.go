package commands

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/marius311/muse-go/cmd/muse-cli/internal/runner"
	"github.com/marius311/muse-go/pkg/errors"
	"github.com/marius311/muse-go/pkg/logging"
)

// NewResumeCommand continues a checkpointed run.
func NewResumeCommand() *cobra.Command {
	var (
		configPath string
		runID      string
	)

	cmd := &cobra.Command{
		Use:   "resume",
		Short: "Continue a checkpointed run",
		Long: `Continue an interrupted run from its checkpoint store. The run picks up
at the first incomplete iteration and, given the same configuration, produces
the same estimate an uninterrupted run would have.

The config (or flags) must match the original run: the problem, seed and
solver settings are not stored in the checkpoint, only the run's state.`,
		Example: `  # Continue the most recent run in the store
  muse-cli resume --checkpoint ./ckpt

  # Continue a specific run, allowing more iterations
  muse-cli resume --checkpoint ./ckpt --run 1b9d6bcd-bbfd-4b2d-9b5d-ab8dfbbd4bed --maxsteps 100`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, configPath)
			if err != nil {
				return err
			}
			if cfg.Checkpoint.Path == "" {
				return errors.New(errors.InvalidInput, "resume requires a checkpoint path")
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

			return r.Resume(ctx, runID)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "YAML config file")
	cmd.Flags().StringVar(&runID, "run", "", "run ID to resume, defaults to the store's latest")
	addOverrideFlags(cmd)
	return cmd
}
