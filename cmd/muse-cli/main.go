package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/marius311/muse-go/cmd/muse-cli/internal/commands"
)

var rootCmd = &cobra.Command{
	Use:   "muse-cli",
	Short: "MUSE estimation runs on the built-in demo problems",
	Long: `A command-line interface for the muse-go estimation engine. It fits the
marginal unbiased score expansion estimate on one of the built-in demo
problems, checkpoints progress after every iteration, and can resume or
inspect a checkpointed run.

The CLI provides:
- Fitting a demo problem from a YAML config with flag overrides
- Resuming an interrupted run from its checkpoint store
- Inspecting a checkpointed run's estimate and iteration history
- Parquet export of the raw per-simulation estimator inputs`,
	Version: "0.1.0",
}

func init() {
	rootCmd.AddCommand(commands.NewFitCommand())
	rootCmd.AddCommand(commands.NewResumeCommand())
	rootCmd.AddCommand(commands.NewShowCommand())
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
