package muse

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distmv"

	"github.com/marius311/muse-go/pkg/core"
	"github.com/marius311/muse-go/pkg/errors"
	"github.com/marius311/muse-go/pkg/linalg"
	"github.com/marius311/muse-go/pkg/numdiff"
)

// Status is the solver state machine's terminal (or current) state.
type Status int

const (
	StatusInitializing Status = iota
	StatusIterating
	StatusConverged
	// StatusMaxSteps means the iteration cap was reached without meeting the
	// tolerance; the last θ is retained and the run is not an error.
	StatusMaxSteps
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusInitializing:
		return "initializing"
	case StatusIterating:
		return "iterating"
	case StatusConverged:
		return "converged"
	case StatusMaxSteps:
		return "max steps reached"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Result accumulates everything a run produces: the estimate, the iteration
// history, the score samples backing J and H, and the random-stream state
// that makes the run resumable. A Result returned with an error still holds
// every completed iteration; passing it to Resume continues the run.
//
// Sigma, SigmaInv and the derived distribution are only defined once H, J
// and Theta are all present, and are always recomputed together.
type Result struct {
	RunID  string
	Status Status

	// Theta is the current estimate in the natural parameterization.
	Theta []float64

	History []HistoryRecord

	// Gs holds the natural-parameterization score vectors backing J; Hs the
	// per-simulation Jacobian estimates backing H. Failed simulations are
	// absent (counts in Metadata).
	Gs [][]float64
	Hs []*mat.Dense

	H *mat.Dense
	J *mat.Dense

	// PriorHessian is ∇²logπ at Theta in the natural parameterization,
	// stored by FinalizeCovariance so a decoded snapshot can rebuild Sigma
	// without access to the problem.
	PriorHessian *mat.Dense

	Sigma    *mat.SymDense
	SigmaInv *mat.SymDense

	// RNG is the marshaled parent stream state the run's substreams derive
	// from. It never advances: substream derivation is a pure function of it.
	RNG []byte

	// DataLatent and SimLatents are the latest latent MAP solutions, kept as
	// warm starts for the next iteration and for resumption.
	DataLatent []float64
	SimLatents [][]float64

	// Metadata is an open diagnostic bag: attempted/failed simulation counts
	// for the estimators, conjugate-gradient traces, and anything callers
	// attach.
	Metadata map[string]any

	// Time is cumulative wall-clock across all iterations, surviving
	// resumption.
	Time time.Duration

	dist *distmv.Normal
}

// NewResult builds an empty result around a starting estimate, for driving
// the estimators without a solver run.
func NewResult(theta []float64) *Result {
	return &Result{
		RunID:    uuid.NewString(),
		Status:   StatusInitializing,
		Theta:    append([]float64(nil), theta...),
		Metadata: make(map[string]any),
	}
}

// LastRecord returns the newest history record, nil when the history is
// empty.
func (r *Result) LastRecord() *HistoryRecord {
	if len(r.History) == 0 {
		return nil
	}
	return &r.History[len(r.History)-1]
}

// FinalizeCovariance assembles the posterior covariance from H, J and the
// prior curvature at Theta: Σ⁻¹ = Hᵀ·J⁻¹·H − ∇²logπ(θ). It is idempotent and
// must be re-run whenever H, J or Theta changes; the solver does so after
// every estimator call.
func (r *Result) FinalizeCovariance(problem core.Problem) error {
	if problem == nil {
		return errors.New(errors.InvalidInput, "problem is nil")
	}
	var prior *mat.Dense
	if pd, ok := problem.(core.PriorDifferentiable); ok {
		prior = mat.DenseCopyOf(pd.PriorHessian(r.Theta, core.ParamNatural))
	} else {
		prior = mat.DenseCopyOf(numdiff.Hessian(func(t []float64) float64 {
			return problem.LogPrior(t, core.ParamNatural)
		}, r.Theta))
	}
	r.PriorHessian = prior
	return r.refreshCovariance()
}

// refreshCovariance rebuilds Sigma from the stored ingredients.
func (r *Result) refreshCovariance() error {
	if r.H == nil || r.J == nil || len(r.Theta) == 0 || r.PriorHessian == nil {
		return errors.New(errors.InvalidInput, "covariance requires H, J and θ")
	}

	jSym, err := linalg.Symmetrize(r.J)
	if err != nil {
		return err
	}
	jInv, err := linalg.InverseSym(jSym)
	if err != nil {
		return errors.Wrap(err, errors.SingularUpdate, "invert J")
	}

	d := len(r.Theta)
	var hjh mat.Dense
	hjh.Product(r.H.T(), jInv, r.H)

	sigmaInvDense := mat.NewDense(d, d, nil)
	sigmaInvDense.Sub(&hjh, r.PriorHessian)

	sigmaInv, err := linalg.Symmetrize(sigmaInvDense)
	if err != nil {
		return err
	}
	sigma, err := linalg.InverseSym(sigmaInv)
	if err != nil {
		return errors.Wrap(err, errors.SingularUpdate, "invert posterior precision")
	}

	r.SigmaInv = sigmaInv
	r.Sigma = sigma
	dist, ok := distmv.NewNormal(r.Theta, sigma, nil)
	if !ok {
		return errors.New(errors.SingularUpdate, "posterior covariance is not positive definite")
	}
	r.dist = dist
	return nil
}

// invalidateCovariance drops the derived quantities after an ingredient
// changed; callers re-finalize when all ingredients are present again.
func (r *Result) invalidateCovariance() {
	r.Sigma = nil
	r.SigmaInv = nil
	r.dist = nil
}

// Dist returns the Gaussian posterior approximation N(θ, Σ), nil until the
// covariance has been finalized.
func (r *Result) Dist() *distmv.Normal {
	return r.dist
}

// StdDevs returns the marginal posterior standard deviations (sqrt of the
// diagonal of Σ), nil until the covariance has been finalized.
func (r *Result) StdDevs() []float64 {
	if r.Sigma == nil {
		return nil
	}
	out := make([]float64, len(r.Theta))
	for i := range out {
		out[i] = math.Sqrt(r.Sigma.At(i, i))
	}
	return out
}

func (r *Result) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "MUSE result (run %s): %s after %d iterations (%s)\n",
		shortID(r.RunID), r.Status, len(r.History), r.Time.Round(time.Millisecond))
	fmt.Fprintf(&b, "  θ = %s\n", formatVector(r.Theta))
	if sd := r.StdDevs(); sd != nil {
		fmt.Fprintf(&b, "  σ = %s\n", formatVector(sd))
	} else {
		b.WriteString("  σ = (covariance not finalized)\n")
	}
	if n, ok := r.Metadata[metaNSimsJ].(int); ok {
		fmt.Fprintf(&b, "  J: %d sims (%d failed)\n", n, metaInt(r, metaNFailJ))
	}
	if n, ok := r.Metadata[metaNSimsH].(int); ok {
		fmt.Fprintf(&b, "  H: %d sims (%d failed)\n", n, metaInt(r, metaNFailH))
	}
	return b.String()
}

func formatVector(v []float64) string {
	parts := make([]string, len(v))
	for i, x := range v {
		parts[i] = fmt.Sprintf("%.6g", x)
	}
	return "[" + strings.Join(parts, ", ") + "]"
}

func shortID(id string) string {
	if i := strings.IndexByte(id, '-'); i > 0 {
		return id[:i]
	}
	return id
}

// Metadata keys for the estimator bookkeeping. NSims counts attempted
// simulations (so incremental extension knows which substream indices are
// next); NFail counts the ones dropped by the skip-failures policy.
const (
	metaNSimsJ = "nsims_j"
	metaNFailJ = "nfail_j"
	metaNSimsH = "nsims_h"
	metaNFailH = "nfail_h"
	metaThetaJ = "theta_j"
	metaThetaH = "theta_h"
	metaCGH    = "cg_h"
)

func metaInt(r *Result, key string) int {
	if v, ok := r.Metadata[key].(int); ok {
		return v
	}
	return 0
}
