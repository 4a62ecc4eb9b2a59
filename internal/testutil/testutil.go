// Package testutil provides the closure-configurable fake problem the engine
// tests are written against, plus a deterministic failure-injecting wrapper
// for exercising the skip-failures policy.
package testutil

import (
	"context"

	"github.com/marius311/muse-go/pkg/core"
	"github.com/marius311/muse-go/pkg/rng"
)

// Problem is a core.Problem whose behavior is overridden per test through
// closures. The zero value is a usable one-dimensional model,
//
//	z | θ ~ N(θ, I),  x | z ~ N(z, I),
//
// with a flat prior and the identity transform.
type Problem struct {
	// Dim is the parameter dimension; 0 means 1. ZDim is the latent
	// dimension; 0 means Dim.
	Dim  int
	ZDim int

	SampleFn   func(stream *rng.Stream, theta []float64) (core.JointSample, error)
	SolveFn    func(ctx context.Context, x any, zStart, theta []float64, gradTol float64) ([]float64, core.SolveDiagnostics, error)
	ScoreFn    func(x any, z, theta []float64, param core.Parameterization) ([]float64, error)
	LogPriorFn func(theta []float64, param core.Parameterization) float64
}

func (p *Problem) ParamDim() int {
	if p.Dim > 0 {
		return p.Dim
	}
	return 1
}

func (p *Problem) LatentDim() int {
	if p.ZDim > 0 {
		return p.ZDim
	}
	return p.ParamDim()
}

func (p *Problem) SampleJoint(stream *rng.Stream, theta []float64) (core.JointSample, error) {
	if p.SampleFn != nil {
		return p.SampleFn(stream, theta)
	}
	n := p.LatentDim()
	z := make([]float64, n)
	x := make([]float64, n)
	for i := range z {
		z[i] = theta[i%len(theta)] + stream.NormFloat64()
		x[i] = z[i] + stream.NormFloat64()
	}
	return core.JointSample{X: x, Z: z}, nil
}

// SolveLatentMAP defaults to the exact maximizer of the default model's
// quadratic joint, ẑ = (x + θ)/2.
func (p *Problem) SolveLatentMAP(ctx context.Context, x any, zStart, theta []float64, gradTol float64) ([]float64, core.SolveDiagnostics, error) {
	if p.SolveFn != nil {
		return p.SolveFn(ctx, x, zStart, theta, gradTol)
	}
	xs := x.([]float64)
	zhat := make([]float64, len(xs))
	for i := range zhat {
		zhat[i] = (xs[i] + theta[i%len(theta)]) / 2
	}
	return zhat, core.SolveDiagnostics{Iterations: 1, Converged: true}, nil
}

// Score defaults to the default model's score, z − θ summed over the latent
// coordinates mapping to each parameter.
func (p *Problem) Score(x any, z, theta []float64, param core.Parameterization) ([]float64, error) {
	if p.ScoreFn != nil {
		return p.ScoreFn(x, z, theta, param)
	}
	g := make([]float64, len(theta))
	for i := range z {
		g[i%len(theta)] += z[i] - theta[i%len(theta)]
	}
	return g, nil
}

func (p *Problem) LogPrior(theta []float64, param core.Parameterization) float64 {
	if p.LogPriorFn != nil {
		return p.LogPriorFn(theta, param)
	}
	return 0
}

func (p *Problem) Transform(theta []float64) []float64 {
	return append([]float64(nil), theta...)
}

func (p *Problem) InverseTransform(eta []float64) []float64 {
	return append([]float64(nil), eta...)
}

func (p *Problem) Standardize(theta []float64) []float64 {
	return append([]float64(nil), theta...)
}
