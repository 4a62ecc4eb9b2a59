package muse

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"github.com/marius311/muse-go/internal/testutil"
	"github.com/marius311/muse-go/pkg/core"
	"github.com/marius311/muse-go/pkg/errors"
)

func TestNewResult(t *testing.T) {
	theta := []float64{1, 2}
	res := NewResult(theta)

	assert.NotEmpty(t, res.RunID)
	assert.Equal(t, StatusInitializing, res.Status)
	assert.Equal(t, []float64{1, 2}, res.Theta)
	assert.Nil(t, res.LastRecord())

	theta[0] = 99
	assert.Equal(t, 1.0, res.Theta[0], "starting guess must be copied")
}

func TestFinalizeCovariance(t *testing.T) {
	t.Run("flat prior", func(t *testing.T) {
		res := NewResult([]float64{1, 2})
		res.H = mat.NewDense(2, 2, []float64{-2, 0, 0, -4})
		res.J = mat.NewDense(2, 2, []float64{4, 0, 0, 4})

		require.NoError(t, res.FinalizeCovariance(&testutil.Problem{Dim: 2}))
		require.NotNil(t, res.Sigma)
		require.NotNil(t, res.SigmaInv)

		// Σ⁻¹ = Hᵀ·J⁻¹·H with no prior curvature
		assert.InDelta(t, 1.0, res.Sigma.At(0, 0), 1e-8)
		assert.InDelta(t, 0.25, res.Sigma.At(1, 1), 1e-8)
		assert.InDelta(t, 0.0, res.Sigma.At(0, 1), 1e-8)

		sd := res.StdDevs()
		require.NotNil(t, sd)
		assert.InDelta(t, 1.0, sd[0], 1e-8)
		assert.InDelta(t, 0.5, sd[1], 1e-8)

		dist := res.Dist()
		require.NotNil(t, dist)
		mean := dist.Mean(nil)
		assert.InDelta(t, 1.0, mean[0], 1e-12)
		assert.InDelta(t, 2.0, mean[1], 1e-12)
	})

	t.Run("gaussian prior tightens the posterior", func(t *testing.T) {
		p := &testutil.Problem{}
		p.LogPriorFn = func(theta []float64, _ core.Parameterization) float64 {
			return -theta[0] * theta[0] / 2 // curvature -1
		}

		res := NewResult([]float64{0})
		res.H = mat.NewDense(1, 1, []float64{-1})
		res.J = mat.NewDense(1, 1, []float64{1})

		require.NoError(t, res.FinalizeCovariance(p))
		// Σ⁻¹ = Hᵀ·J⁻¹·H - ∇²logπ = 1 + 1
		assert.InDelta(t, 0.5, res.Sigma.At(0, 0), 1e-6)
	})

	t.Run("idempotent", func(t *testing.T) {
		res := NewResult([]float64{1})
		res.H = mat.NewDense(1, 1, []float64{-2})
		res.J = mat.NewDense(1, 1, []float64{4})

		require.NoError(t, res.FinalizeCovariance(&testutil.Problem{}))
		first := res.Sigma.At(0, 0)
		require.NoError(t, res.FinalizeCovariance(&testutil.Problem{}))
		assert.Equal(t, first, res.Sigma.At(0, 0))
	})

	t.Run("requires both estimates", func(t *testing.T) {
		res := NewResult([]float64{1})
		res.H = mat.NewDense(1, 1, []float64{-1})
		err := res.FinalizeCovariance(&testutil.Problem{})
		require.Error(t, err)
		assert.True(t, errors.IsCode(err, errors.InvalidInput))
	})

	t.Run("degenerate precision", func(t *testing.T) {
		res := NewResult([]float64{1})
		res.H = mat.NewDense(1, 1, []float64{0})
		res.J = mat.NewDense(1, 1, []float64{1})
		err := res.FinalizeCovariance(&testutil.Problem{})
		require.Error(t, err)
		assert.True(t, errors.IsCode(err, errors.SingularUpdate))
	})

	t.Run("nil problem", func(t *testing.T) {
		res := NewResult([]float64{1})
		err := res.FinalizeCovariance(nil)
		assert.True(t, errors.IsCode(err, errors.InvalidInput))
	})
}

func TestInvalidateCovariance(t *testing.T) {
	res := NewResult([]float64{1})
	res.H = mat.NewDense(1, 1, []float64{-2})
	res.J = mat.NewDense(1, 1, []float64{4})
	require.NoError(t, res.FinalizeCovariance(&testutil.Problem{}))
	require.NotNil(t, res.Sigma)

	res.invalidateCovariance()
	assert.Nil(t, res.Sigma)
	assert.Nil(t, res.SigmaInv)
	assert.Nil(t, res.Dist())
	assert.Nil(t, res.StdDevs())
}

func TestResultString(t *testing.T) {
	res := NewResult([]float64{1.5})
	s := res.String()
	assert.Contains(t, s, "MUSE result")
	assert.Contains(t, s, "initializing")
	assert.Contains(t, s, "1.5")
	assert.Contains(t, s, "covariance not finalized")

	res.H = mat.NewDense(1, 1, []float64{-2})
	res.J = mat.NewDense(1, 1, []float64{4})
	res.Metadata[metaNSimsJ] = 12
	res.Metadata[metaNFailJ] = 1
	require.NoError(t, res.FinalizeCovariance(&testutil.Problem{}))

	s = res.String()
	assert.Contains(t, s, "σ =")
	assert.Contains(t, s, "12 sims (1 failed)")
}
