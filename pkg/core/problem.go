// Package core defines the contract between the estimation engine and the
// probabilistic models it estimates, along with the per-run execution state
// (run identity, spans, progress) shared across packages.
package core

import (
	"context"

	"gonum.org/v1/gonum/mat"

	"github.com/marius311/muse-go/pkg/rng"
)

// Parameterization selects the coordinate system a score or prior density is
// evaluated in.
type Parameterization int

const (
	// ParamNatural is the parameterization the model is stated in, possibly
	// constrained (variances, correlation bounds).
	ParamNatural Parameterization = iota
	// ParamTransformed is the unconstrained working parameterization the
	// solver takes Newton steps in.
	ParamTransformed
)

func (p Parameterization) String() string {
	switch p {
	case ParamNatural:
		return "natural"
	case ParamTransformed:
		return "transformed"
	default:
		return "unknown"
	}
}

// JointSample is one draw of (data, latent) from the joint model at a fixed
// parameter value.
type JointSample struct {
	X any       // simulated data, opaque to the engine
	Z []float64 // latent draw
}

// SolveDiagnostics reports how a latent MAP solve went. A solve that stopped
// short of the gradient tolerance sets Converged false; whether that is fatal
// is the caller's policy.
type SolveDiagnostics struct {
	Iterations int
	GradNorm   float64
	Converged  bool
}

// Problem is the capability set a hierarchical model implements to be
// estimated. The engine treats x as opaque: values returned by SampleJoint
// (or supplied by the user as observed data) are only ever passed back into
// the methods here. Parameter and latent vectors are never mutated by the
// engine; implementations must not retain or mutate the slices they receive.
//
// Implementations must be safe for concurrent use: multiple simulations call
// these methods at once under a pool executor.
type Problem interface {
	// ParamDim is the length of θ; LatentDim the length of z.
	ParamDim() int
	LatentDim() int

	// SampleJoint draws one (x, z) realization at θ, using only the supplied
	// stream for randomness.
	SampleJoint(stream *rng.Stream, theta []float64) (JointSample, error)

	// SolveLatentMAP maximizes the joint log-density over z at fixed (x, θ),
	// warm-started from zStart, converged once the latent gradient sup-norm
	// falls below gradTol. The returned diagnostics are recorded per
	// simulation even when the solve succeeds.
	SolveLatentMAP(ctx context.Context, x any, zStart, theta []float64, gradTol float64) ([]float64, SolveDiagnostics, error)

	// Score is the gradient of the joint log-likelihood with respect to θ at
	// (x, z). The supplied theta and the returned gradient are both expressed
	// in the requested parameterization.
	Score(x any, z, theta []float64, param Parameterization) ([]float64, error)

	// LogPrior is the log prior density of θ in the requested
	// parameterization (the transformed one includes the Jacobian
	// correction).
	LogPrior(theta []float64, param Parameterization) float64

	// Transform maps natural θ to the unconstrained working
	// parameterization; InverseTransform inverts it.
	Transform(theta []float64) []float64
	InverseTransform(eta []float64) []float64

	// Standardize canonicalizes a user-supplied starting guess into the
	// problem's native natural-parameter representation.
	Standardize(theta []float64) []float64
}

// LatentDifferentiable is the optional capability the implicit-differentiation
// H estimator requires: the gradient of the joint log-likelihood with respect
// to the latent vector. Problems without it must use the finite-difference H
// mode.
type LatentDifferentiable interface {
	LatentGradient(x any, z, theta []float64) ([]float64, error)
}

// PriorDifferentiable lets a problem supply analytic prior derivatives.
// Without it the engine differentiates LogPrior numerically.
type PriorDifferentiable interface {
	PriorGradient(theta []float64, param Parameterization) []float64
	PriorHessian(theta []float64, param Parameterization) *mat.SymDense
}

// LatentInitializer lets a problem pick the latent starting point for the
// first solve of a dataset. Without it the engine starts from zeros.
type LatentInitializer interface {
	InitialLatent(x any, theta []float64) []float64
}
