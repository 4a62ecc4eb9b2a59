package muse

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"github.com/marius311/muse-go/internal/testutil"
	"github.com/marius311/muse-go/pkg/errors"
)

func newTestSolver(t *testing.T, opts ...Option) *Solver {
	t.Helper()
	s, err := New(&testutil.Problem{}, opts...)
	require.NoError(t, err)
	return s
}

func TestFreshHInvDiag(t *testing.T) {
	t.Run("negative reciprocal variance", func(t *testing.T) {
		diag, err := freshHInvDiag([][]float64{{1, 0}, {3, 4}})
		require.NoError(t, err)
		assert.InDelta(t, -0.5, diag[0], 1e-12)   // var(1,3) = 2
		assert.InDelta(t, -0.125, diag[1], 1e-12) // var(0,4) = 8
	})

	t.Run("zero variance", func(t *testing.T) {
		_, err := freshHInvDiag([][]float64{{1}, {1}})
		require.Error(t, err)
		assert.True(t, errors.IsCode(err, errors.SingularUpdate))
	})
}

func TestBroydenUpdate(t *testing.T) {
	t.Run("satisfies the secant equation", func(t *testing.T) {
		hinv := mat.NewDense(2, 2, []float64{1, 0, 0, 1})
		dTheta := []float64{1, 0}
		dG := []float64{2, 0}
		require.NoError(t, broydenUpdate(hinv, dTheta, dG))

		assert.InDelta(t, 0.5, hinv.At(0, 0), 1e-12)
		assert.InDelta(t, 0.0, hinv.At(0, 1), 1e-12)
		assert.InDelta(t, 0.0, hinv.At(1, 0), 1e-12)
		assert.InDelta(t, 1.0, hinv.At(1, 1), 1e-12)

		var back mat.VecDense
		back.MulVec(hinv, mat.NewVecDense(2, dG))
		assert.InDelta(t, dTheta[0], back.AtVec(0), 1e-12)
		assert.InDelta(t, dTheta[1], back.AtVec(1), 1e-12)
	})

	t.Run("near-zero denominator", func(t *testing.T) {
		hinv := mat.NewDense(2, 2, []float64{1, 0, 0, 1})
		err := broydenUpdate(hinv, []float64{0, 1}, []float64{1, 0})
		require.Error(t, err)
		assert.True(t, errors.IsCode(err, errors.SingularUpdate))
	})
}

func TestBroydenDiagonalUpdate(t *testing.T) {
	hinv := mat.NewDense(2, 2, []float64{-1, 0, 0, -1})
	broydenDiagonalUpdate(hinv, []float64{1, 0.5}, []float64{-0.5, 0})
	assert.InDelta(t, -2.0, hinv.At(0, 0), 1e-12) // secant Δθ/Δg
	assert.InDelta(t, -1.0, hinv.At(1, 1), 1e-12) // zero Δg keeps the previous entry
}

func TestBroydenReplay(t *testing.T) {
	history := []HistoryRecord{
		{Iteration: 1, ThetaPrime: []float64{0}, PosteriorGradient: []float64{1}, FreshHInvDiag: []float64{-1}},
		{Iteration: 2, ThetaPrime: []float64{1}, PosteriorGradient: []float64{0.5}, FreshHInvDiag: []float64{-2}},
	}
	pendingTheta := []float64{1.5}
	pendingG := []float64{0.25}
	pendingFresh := []float64{-4}

	t.Run("unbounded window folds to the secant", func(t *testing.T) {
		s := newTestSolver(t, WithHInvUpdate(HInvBroyden))
		res := &Result{History: history}
		hinv, err := s.broydenReplay(res, 3, pendingTheta, pendingG, pendingFresh)
		require.NoError(t, err)
		// in one dimension every good-Broyden update lands exactly on Δθ/Δg
		assert.InDelta(t, -2.0, hinv.At(0, 0), 1e-12)
	})

	t.Run("memory of one degenerates to the fresh estimate", func(t *testing.T) {
		s := newTestSolver(t, WithHInvUpdate(HInvBroyden), WithBroydenMemory(1))
		res := &Result{History: history}
		hinv, err := s.broydenReplay(res, 3, pendingTheta, pendingG, pendingFresh)
		require.NoError(t, err)
		assert.InDelta(t, -4.0, hinv.At(0, 0), 1e-12)
	})

	t.Run("diagonal mode folds per-coordinate secants", func(t *testing.T) {
		s := newTestSolver(t, WithHInvUpdate(HInvBroydenDiagonal))
		res := &Result{History: history}
		hinv, err := s.broydenReplay(res, 3, pendingTheta, pendingG, pendingFresh)
		require.NoError(t, err)
		// last secant: Δθ = 0.5, Δg = -0.25
		assert.InDelta(t, -2.0, hinv.At(0, 0), 1e-12)
	})

	t.Run("initial estimate seeds the full window", func(t *testing.T) {
		s := newTestSolver(t, WithHInvUpdate(HInvBroyden),
			WithInitialHInv(mat.NewDense(1, 1, []float64{-8})))
		hinv, err := s.broydenReplay(&Result{}, 1, []float64{0}, []float64{1}, []float64{-1})
		require.NoError(t, err)
		assert.InDelta(t, -8.0, hinv.At(0, 0), 1e-12)
	})
}

func TestHInvLike(t *testing.T) {
	t.Run("sims mode uses the fresh diagonal", func(t *testing.T) {
		s := newTestSolver(t)
		hinv, err := s.hinvLike(&Result{}, 2, []float64{0}, []float64{1}, []float64{-3})
		require.NoError(t, err)
		assert.InDelta(t, -3.0, hinv.At(0, 0), 1e-12)
	})

	t.Run("initial estimate overrides iteration one", func(t *testing.T) {
		s := newTestSolver(t, WithInitialHInv(mat.NewDense(1, 1, []float64{-9})))
		hinv, err := s.hinvLike(&Result{}, 1, []float64{0}, []float64{1}, []float64{-3})
		require.NoError(t, err)
		assert.InDelta(t, -9.0, hinv.At(0, 0), 1e-12)

		// later iterations go back to the simulation-based estimate
		hinv, err = s.hinvLike(&Result{}, 2, []float64{0}, []float64{1}, []float64{-3})
		require.NoError(t, err)
		assert.InDelta(t, -3.0, hinv.At(0, 0), 1e-12)
	})
}
