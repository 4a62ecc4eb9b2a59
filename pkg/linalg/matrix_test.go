package linalg

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"github.com/marius311/muse-go/pkg/errors"
)

func TestMean(t *testing.T) {
	t.Run("averages sample vectors", func(t *testing.T) {
		m, err := Mean([][]float64{
			{1, 2},
			{3, 6},
		})
		require.NoError(t, err)
		assert.InDeltaSlice(t, []float64{2, 4}, m, 1e-12)
	})

	t.Run("rejects empty input", func(t *testing.T) {
		_, err := Mean(nil)
		require.Error(t, err)
		assert.True(t, errors.IsCode(err, errors.InvalidInput))
	})

	t.Run("rejects ragged input", func(t *testing.T) {
		_, err := Mean([][]float64{{1, 2}, {3}})
		require.Error(t, err)
		assert.True(t, errors.IsCode(err, errors.InvalidInput))
	})
}

func TestCovariance(t *testing.T) {
	samples := [][]float64{
		{1, 2},
		{3, 4},
		{5, 0},
	}

	t.Run("corrected normalization", func(t *testing.T) {
		cov, err := Covariance(samples, true)
		require.NoError(t, err)
		assert.InDelta(t, 4.0, cov.At(0, 0), 1e-12)
		assert.InDelta(t, 4.0, cov.At(1, 1), 1e-12)
		assert.InDelta(t, -2.0, cov.At(0, 1), 1e-12)
		assert.InDelta(t, cov.At(0, 1), cov.At(1, 0), 1e-12)
	})

	t.Run("population normalization scales by (n-1)/n", func(t *testing.T) {
		corrected, err := Covariance(samples, true)
		require.NoError(t, err)
		population, err := Covariance(samples, false)
		require.NoError(t, err)

		n := float64(len(samples))
		for i := 0; i < 2; i++ {
			for j := 0; j < 2; j++ {
				assert.InDelta(t, corrected.At(i, j)*(n-1)/n, population.At(i, j), 1e-12)
			}
		}
	})

	t.Run("rejects fewer than two samples", func(t *testing.T) {
		_, err := Covariance([][]float64{{1, 2}}, true)
		require.Error(t, err)
		assert.True(t, errors.IsCode(err, errors.InvalidInput))
	})

	t.Run("rejects ragged input", func(t *testing.T) {
		_, err := Covariance([][]float64{{1, 2}, {3}}, true)
		require.Error(t, err)
		assert.True(t, errors.IsCode(err, errors.InvalidInput))
	})
}

func TestVariances(t *testing.T) {
	t.Run("matches covariance diagonal", func(t *testing.T) {
		samples := [][]float64{
			{1, 2, -1},
			{3, 4, 5},
			{5, 0, 2},
			{-1, 1, 0},
		}
		v, err := Variances(samples)
		require.NoError(t, err)
		cov, err := Covariance(samples, true)
		require.NoError(t, err)
		for i := range v {
			assert.InDelta(t, cov.At(i, i), v[i], 1e-12)
		}
	})

	t.Run("rejects a single sample", func(t *testing.T) {
		_, err := Variances([][]float64{{1, 2}})
		require.Error(t, err)
		assert.True(t, errors.IsCode(err, errors.InvalidInput))
	})
}

func TestInverseSym(t *testing.T) {
	t.Run("inverts SPD matrix", func(t *testing.T) {
		a := mat.NewSymDense(2, []float64{
			4, 1,
			1, 3,
		})
		inv, err := InverseSym(a)
		require.NoError(t, err)

		var prod mat.Dense
		prod.Mul(a, inv)
		assert.InDelta(t, 1, prod.At(0, 0), 1e-10)
		assert.InDelta(t, 0, prod.At(0, 1), 1e-10)
		assert.InDelta(t, 0, prod.At(1, 0), 1e-10)
		assert.InDelta(t, 1, prod.At(1, 1), 1e-10)
	})

	t.Run("rejects indefinite matrix", func(t *testing.T) {
		a := mat.NewSymDense(2, []float64{
			1, 2,
			2, 1,
		})
		_, err := InverseSym(a)
		require.Error(t, err)
		assert.True(t, errors.IsCode(err, errors.SingularUpdate))
	})
}

func TestInverse(t *testing.T) {
	t.Run("inverts general matrix", func(t *testing.T) {
		a := mat.NewDense(2, 2, []float64{
			1, 2,
			3, 4,
		})
		inv, err := Inverse(a)
		require.NoError(t, err)

		var prod mat.Dense
		prod.Mul(a, inv)
		assert.InDelta(t, 1, prod.At(0, 0), 1e-10)
		assert.InDelta(t, 0, prod.At(0, 1), 1e-10)
		assert.InDelta(t, 1, prod.At(1, 1), 1e-10)
	})

	t.Run("rejects singular matrix", func(t *testing.T) {
		a := mat.NewDense(2, 2, []float64{
			1, 2,
			2, 4,
		})
		_, err := Inverse(a)
		require.Error(t, err)
		assert.True(t, errors.IsCode(err, errors.SingularUpdate))
	})
}

func TestSymmetrize(t *testing.T) {
	t.Run("averages off-diagonal pairs", func(t *testing.T) {
		a := mat.NewDense(2, 2, []float64{
			1, 2,
			4, 3,
		})
		s, err := Symmetrize(a)
		require.NoError(t, err)
		assert.InDelta(t, 1, s.At(0, 0), 1e-12)
		assert.InDelta(t, 3, s.At(1, 1), 1e-12)
		assert.InDelta(t, 3, s.At(0, 1), 1e-12)
		assert.InDelta(t, 3, s.At(1, 0), 1e-12)
	})

	t.Run("rejects non-square input", func(t *testing.T) {
		a := mat.NewDense(2, 3, nil)
		_, err := Symmetrize(a)
		require.Error(t, err)
		assert.True(t, errors.IsCode(err, errors.InvalidInput))
	})
}
