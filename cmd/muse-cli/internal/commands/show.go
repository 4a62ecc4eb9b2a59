package commands

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"gonum.org/v1/gonum/floats"

	"github.com/marius311/muse-go/cmd/muse-cli/internal/runner"
	"github.com/marius311/muse-go/pkg/config"
	"github.com/marius311/muse-go/pkg/muse"
)

// NewShowCommand inspects a checkpointed run without continuing it.
func NewShowCommand() *cobra.Command {
	var (
		path    string
		backend string
		runID   string
		history bool
	)

	cmd := &cobra.Command{
		Use:   "show",
		Short: "Inspect a checkpointed run",
		Long: `Decode a run's newest checkpoint snapshot and print its estimate, status
and covariance summary, optionally with the per-iteration history.`,
		Example: `  # Summary of the most recent run in the store
  muse-cli show --checkpoint ./ckpt

  # Full iteration history of a specific run
  muse-cli show --checkpoint ./ckpt --run 1b9d6bcd-bbfd-4b2d-9b5d-ab8dfbbd4bed --history`,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := runner.OpenStore(config.CheckpointConfig{Path: path, Backend: backend})
			if err != nil {
				return err
			}
			defer store.Close()

			res, err := runner.LoadSnapshot(context.Background(), store, runID)
			if err != nil {
				return err
			}
			fmt.Print(res.String())
			if history {
				printHistory(res)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&path, "checkpoint", "", "checkpoint path (directory for the file backend)")
	cmd.Flags().StringVar(&backend, "checkpoint-backend", "", "checkpoint backend: file or sqlite")
	cmd.Flags().StringVar(&runID, "run", "", "run ID to show, defaults to the store's latest")
	cmd.Flags().BoolVar(&history, "history", false, "print the per-iteration history")
	_ = cmd.MarkFlagRequired("checkpoint")
	return cmd
}

func printHistory(res *muse.Result) {
	w := tabwriter.NewWriter(os.Stdout, 2, 4, 2, ' ', 0)
	fmt.Fprintln(w, "  iter\tθ\t|grad|\talpha\tfailed\telapsed")
	for i := range res.History {
		rec := &res.History[i]
		fmt.Fprintf(w, "  %d\t%s\t%.3e\t%.2f\t%d\t%s\n",
			rec.Iteration,
			thetaSummary(rec.Theta),
			floats.Norm(rec.PosteriorGradient, 2),
			rec.Alpha,
			rec.NFailed,
			rec.Elapsed.Round(time.Millisecond))
	}
	w.Flush()
}

// thetaSummary keeps the table narrow for high-dimensional parameters.
func thetaSummary(theta []float64) string {
	if len(theta) <= 4 {
		parts := ""
		for i, v := range theta {
			if i > 0 {
				parts += ", "
			}
			parts += fmt.Sprintf("%.4g", v)
		}
		return "[" + parts + "]"
	}
	return fmt.Sprintf("[%.4g, %.4g, … (%d)]", theta[0], theta[1], len(theta))
}
