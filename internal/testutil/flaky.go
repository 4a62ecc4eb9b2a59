package testutil

import (
	"context"

	"github.com/marius311/muse-go/pkg/core"
	"github.com/marius311/muse-go/pkg/errors"
	"github.com/marius311/muse-go/pkg/rng"
)

// flakyData tags a simulated dataset with the failure decision drawn for it.
type flakyData struct {
	x    any
	fail bool
}

// Flaky wraps a problem and makes a deterministic fraction of latent solves
// fail. The decision is the first draw off each simulation's substream, so
// it is a pure function of the substream state: tests can predict exactly
// which simulation indices fail by replaying the same draws (ExpectedFailures)
// regardless of worker count or scheduling.
type Flaky struct {
	core.Problem

	// FailFraction is the probability that a simulated dataset's latent
	// solve fails.
	FailFraction float64
}

func (f *Flaky) SampleJoint(stream *rng.Stream, theta []float64) (core.JointSample, error) {
	fail := stream.Float64() < f.FailFraction
	xz, err := f.Problem.SampleJoint(stream, theta)
	if err != nil {
		return xz, err
	}
	xz.X = flakyData{x: xz.X, fail: fail}
	return xz, nil
}

func (f *Flaky) SolveLatentMAP(ctx context.Context, x any, zStart, theta []float64, gradTol float64) ([]float64, core.SolveDiagnostics, error) {
	if fd, ok := x.(flakyData); ok {
		if fd.fail {
			return nil, core.SolveDiagnostics{Converged: false},
				errors.New(errors.LatentSolveFailed, "injected latent solve failure")
		}
		x = fd.x
	}
	return f.Problem.SolveLatentMAP(ctx, x, zStart, theta, gradTol)
}

func (f *Flaky) Score(x any, z, theta []float64, param core.Parameterization) ([]float64, error) {
	if fd, ok := x.(flakyData); ok {
		x = fd.x
	}
	return f.Problem.Score(x, z, theta, param)
}

// ExpectedFailures replays the failure decisions for the first n substreams
// of parent, returning the indices that will fail.
func (f *Flaky) ExpectedFailures(parent *rng.Stream, n int) []int {
	var failed []int
	for i, s := range rng.Split(parent, n) {
		if s.Float64() < f.FailFraction {
			failed = append(failed, i)
		}
	}
	return failed
}
