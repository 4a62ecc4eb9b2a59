package muse

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"github.com/marius311/muse-go/internal/testutil"
	"github.com/marius311/muse-go/pkg/errors"
	"github.com/marius311/muse-go/pkg/linalg"
	"github.com/marius311/muse-go/pkg/problems"
	"github.com/marius311/muse-go/pkg/rng"
)

func TestGetJIsSampleCovariance(t *testing.T) {
	s, res := fitFunnel(t)
	require.NoError(t, s.GetJ(context.Background(), res, 16))

	require.Len(t, res.Gs, 16)
	assert.Equal(t, 16, res.Metadata[metaNSimsJ])
	assert.Equal(t, 0, metaInt(res, metaNFailJ))

	want, err := linalg.Covariance(res.Gs, true)
	require.NoError(t, err)
	assert.InDelta(t, want.At(0, 0), res.J.At(0, 0), 1e-12)
}

func TestGetJPopulationCovariance(t *testing.T) {
	s, res := fitFunnel(t, WithCorrectedJ(false))
	require.NoError(t, s.GetJ(context.Background(), res, 16))

	want, err := linalg.Covariance(res.Gs, false)
	require.NoError(t, err)
	assert.InDelta(t, want.At(0, 0), res.J.At(0, 0), 1e-12)
}

func TestGetJExtendsIncrementally(t *testing.T) {
	s, res := fitFunnel(t)
	require.NoError(t, s.GetJ(context.Background(), res, 8))
	require.Len(t, res.Gs, 8)

	first := make([][]float64, len(res.Gs))
	for i, g := range res.Gs {
		first[i] = append([]float64(nil), g...)
	}

	require.NoError(t, s.GetJ(context.Background(), res, 20))
	require.Len(t, res.Gs, 20)
	assert.Equal(t, 20, res.Metadata[metaNSimsJ])

	// the first 8 score vectors are exactly the ones drawn before
	for i := range first {
		assert.Equal(t, first[i], res.Gs[i], "sim %d was redrawn", i)
	}

	// asking for fewer sims than already drawn changes nothing
	require.NoError(t, s.GetJ(context.Background(), res, 10))
	assert.Len(t, res.Gs, 20)
}

func TestGetJResetsWhenThetaMoves(t *testing.T) {
	s, res := fitFunnel(t)
	require.NoError(t, s.GetJ(context.Background(), res, 8))
	require.Len(t, res.Gs, 8)

	res.Theta = []float64{res.Theta[0] * 2}
	require.NoError(t, s.GetJ(context.Background(), res, 8))
	assert.Len(t, res.Gs, 8)
	assert.Equal(t, res.Theta, res.Metadata[metaThetaJ])
}

func TestGetJSkipFailures(t *testing.T) {
	flaky := &testutil.Flaky{Problem: &testutil.Problem{}, FailFraction: 0.3}
	s, err := New(flaky, WithNSims(16), WithMaxSteps(2), WithSeed(23),
		WithSkipFailures(true), WithThetaRtol(1e-12))
	require.NoError(t, err)
	res, err := s.Fit(context.Background(), []float64{0.4}, []float64{0})
	require.NoError(t, err)

	const nsims = 40
	require.NoError(t, s.GetJ(context.Background(), res, nsims))

	parent, err := rng.Restore(res.RNG)
	require.NoError(t, err)
	wantFailed := flaky.ExpectedFailures(parent, nsims)
	require.NotEmpty(t, wantFailed)

	// the effective sample count shrinks by exactly the injected failures
	// and is surfaced, never re-inflated to the requested nsims
	assert.Len(t, res.Gs, nsims-len(wantFailed))
	assert.Equal(t, nsims, res.Metadata[metaNSimsJ])
	assert.Equal(t, len(wantFailed), res.Metadata[metaNFailJ])

	want, err := linalg.Covariance(res.Gs, true)
	require.NoError(t, err)
	assert.InDelta(t, want.At(0, 0), res.J.At(0, 0), 1e-12)
}

func TestGetJFatalWithoutSkipPolicy(t *testing.T) {
	flaky := &testutil.Flaky{Problem: &testutil.Problem{}, FailFraction: 0.3}
	s, err := New(flaky, WithNSims(16), WithMaxSteps(2), WithSeed(23),
		WithSkipFailures(true), WithThetaRtol(1e-12))
	require.NoError(t, err)
	res, err := s.Fit(context.Background(), []float64{0.4}, []float64{0})
	require.NoError(t, err)

	strict, err := New(flaky, WithNSims(16), WithSeed(23))
	require.NoError(t, err)
	err = strict.GetJ(context.Background(), res, 40)
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.LatentSolveFailed))
}

func TestGetJRequiresHistory(t *testing.T) {
	s, _ := fitFunnel(t)
	err := s.GetJ(context.Background(), NewResult([]float64{1}), 8)
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.InvalidInput))

	_, res := fitFunnel(t)
	err = s.GetJ(context.Background(), res, 1)
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.InvalidInput))
}

func TestGetHExtendsIncrementally(t *testing.T) {
	s, res := fitFunnel(t)
	require.NoError(t, s.GetH(context.Background(), res, 2))
	require.Len(t, res.Hs, 2)

	first := mat.DenseCopyOf(res.Hs[0])
	require.NoError(t, s.GetH(context.Background(), res, 4))
	require.Len(t, res.Hs, 4)
	assert.Equal(t, 4, res.Metadata[metaNSimsH])
	assert.True(t, mat.Equal(first, res.Hs[0]), "sim 0 jacobian was recomputed")

	// H is the mean of the per-simulation jacobians
	want := 0.0
	for _, h := range res.Hs {
		want += h.At(0, 0)
	}
	want /= float64(len(res.Hs))
	assert.InDelta(t, want, res.H.At(0, 0), 1e-12)
}

func TestGetHNegativeCurvature(t *testing.T) {
	// d E[score] / dθ must be negative around the converged variance
	s, res := fitFunnel(t)
	require.NoError(t, s.GetH(context.Background(), res, 4))
	assert.Negative(t, res.H.At(0, 0))
}

func TestCovarianceFinalizedOnceBothPresent(t *testing.T) {
	s, res := fitFunnel(t)

	require.NoError(t, s.GetJ(context.Background(), res, 16))
	assert.Nil(t, res.Sigma, "J alone does not define the covariance")

	require.NoError(t, s.GetH(context.Background(), res, 4))
	require.NotNil(t, res.Sigma)
	require.NotNil(t, res.SigmaInv)
	assert.NotNil(t, res.Dist())
	assert.Positive(t, res.Sigma.At(0, 0))

	// extending J re-finalizes rather than leaving Σ stale
	sigma := res.Sigma.At(0, 0)
	require.NoError(t, s.GetJ(context.Background(), res, 32))
	require.NotNil(t, res.Sigma)
	assert.NotEqual(t, sigma, res.Sigma.At(0, 0))
}

func TestGetCovarianceOption(t *testing.T) {
	_, res := fitFunnel(t, WithCovariance(true), WithHNSims(3))

	assert.Equal(t, 32, res.Metadata[metaNSimsJ], "J runs at the full nsims")
	assert.Equal(t, 3, res.Metadata[metaNSimsH])
	require.NotNil(t, res.Sigma)
	sd := res.StdDevs()
	require.Len(t, sd, 1)
	assert.Positive(t, sd[0])
}

func TestParallelAxisResolution(t *testing.T) {
	s, _ := fitFunnel(t)
	// funnel has 1 parameter, so any batch of 1+ sims parallelizes over sims
	assert.Equal(t, AxisSims, s.resolveAxis(4))

	s.opts.ParallelAxis = AxisCoordinates
	assert.Equal(t, AxisCoordinates, s.resolveAxis(4))

	outer, inner := s.axisExecutors(AxisCoordinates)
	assert.Equal(t, 1, outer.Workers())
	assert.Equal(t, s.opts.Executor, inner)
}

func TestFDStepsUseScoreVariance(t *testing.T) {
	s, res := fitFunnel(t)

	// without score samples the step falls back to the coordinate scale
	res.Gs = nil
	steps := s.fdSteps(res)
	require.Len(t, steps, 1)
	assert.InDelta(t, 0.1*max(1, res.Theta[0]), steps[0], 1e-12)

	// with samples the step is frac/sqrt(var)
	res.Gs = [][]float64{{1}, {3}} // var = 2
	steps = s.fdSteps(res)
	assert.InDelta(t, 0.1/1.4142135623730951, steps[0], 1e-9)
}

func TestCGDiagnosticsRetained(t *testing.T) {
	m := mat.NewDense(2, 1, []float64{1, 0.5})
	a := mat.NewDense(2, 2, []float64{1, 0, 0, 1})
	q := mat.NewSymDense(2, []float64{1, 0, 0, 1})
	r := mat.NewSymDense(2, []float64{0.5, 0, 0, 0.5})
	c0 := mat.NewSymDense(1, []float64{4})
	lg, err := problems.NewLinearGaussian(m, a, q, r, []float64{0}, c0)
	require.NoError(t, err)

	xz, err := lg.SampleJoint(rng.New(5, 6), []float64{0.5})
	require.NoError(t, err)

	s, err := New(lg, WithNSims(16), WithMaxSteps(5), WithSeed(2), WithHMode(HImplicitDiff))
	require.NoError(t, err)
	res, err := s.Fit(context.Background(), xz.X, []float64{0})
	require.NoError(t, err)

	require.NoError(t, s.GetH(context.Background(), res, 3))
	diags, ok := res.Metadata[metaCGH].([]linalg.CGDiagnostics)
	require.True(t, ok, "conjugate-gradient traces are kept in metadata")
	require.Len(t, diags, 3) // one right-hand side per sim per coordinate
	for _, d := range diags {
		assert.True(t, d.Converged)
		assert.Positive(t, d.Iterations)
	}
}
