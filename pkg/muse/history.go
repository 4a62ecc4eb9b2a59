package muse

import (
	"time"

	"gonum.org/v1/gonum/mat"

	"github.com/marius311/muse-go/pkg/core"
)

// HistoryRecord is the immutable snapshot appended after each solver
// iteration. Records are only ever appended, never mutated: the convergence
// test reads the last two, and the Broyden replay folds over a window of
// them, so past records must stay exactly as written.
type HistoryRecord struct {
	// Iteration is 1-based.
	Iteration int

	// Theta and ThetaPrime are the natural and transformed parameter at the
	// start of the iteration (before the Newton step).
	Theta      []float64
	ThetaPrime []float64

	// DataScore and SimScores hold natural-parameterization score vectors;
	// the Prime variants hold the transformed ones the Newton step uses.
	// Failed simulations are absent from SimScores (see NFailed).
	DataScore      []float64
	DataScorePrime []float64
	SimScores      [][]float64
	SimScoresPrime [][]float64

	// PosteriorGradient is (data score - mean sim score) + prior gradient,
	// in the transformed parameterization.
	PosteriorGradient []float64

	// FreshHInvDiag is the simulation-based diagonal estimate -1/var(sim
	// scores) computed this iteration. It is recorded even under Broyden
	// updates: the replay window rebuilds from the fresh estimate at its
	// first iteration.
	FreshHInvDiag []float64

	// HInvLike is the inverse likelihood-Jacobian estimate actually used
	// this iteration; HInvPost folds the prior curvature in.
	HInvLike     *mat.Dense
	PriorHessian *mat.Dense
	HInvPost     *mat.Dense

	// DataSolve and SimSolves record how the latent MAP solves went.
	DataSolve core.SolveDiagnostics
	SimSolves []core.SolveDiagnostics

	// DataLatent and SimLatents are only retained when the solver is
	// configured to save latents; they can be large.
	DataLatent []float64
	SimLatents [][]float64

	// NFailed counts simulations dropped this iteration under the
	// skip-failures policy.
	NFailed int

	// Alpha is the damping factor the step used.
	Alpha float64

	Elapsed time.Duration
}
