package muse

import (
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/marius311/muse-go/pkg/errors"
	"github.com/marius311/muse-go/pkg/linalg"
)

// freshHInvDiag builds the simulation-based diagonal estimate -1/var of the
// transformed simulation scores.
func freshHInvDiag(simScoresPrime [][]float64) ([]float64, error) {
	vars, err := linalg.Variances(simScoresPrime)
	if err != nil {
		return nil, err
	}
	diag := make([]float64, len(vars))
	for i, v := range vars {
		if v <= 0 || math.IsNaN(v) {
			return nil, errors.Newf(errors.SingularUpdate,
				"simulation scores have zero variance in coordinate %d", i)
		}
		diag[i] = -1 / v
	}
	return diag, nil
}

func diagDense(diag []float64) *mat.Dense {
	d := len(diag)
	m := mat.NewDense(d, d, nil)
	for i, v := range diag {
		m.Set(i, i, v)
	}
	return m
}

// hinvLike resolves the inverse likelihood-Jacobian estimate for the
// iteration being computed, before its history record exists: thetaPrime,
// gPost and freshDiag are the pending record's values.
func (s *Solver) hinvLike(res *Result, iteration int, thetaPrime, gPost, freshDiag []float64) (*mat.Dense, error) {
	switch s.opts.HInvUpdate {
	case HInvSims:
		if iteration == 1 && s.opts.HInv0 != nil {
			return mat.DenseCopyOf(s.opts.HInv0), nil
		}
		return diagDense(freshDiag), nil
	case HInvBroyden, HInvBroydenDiagonal:
		return s.broydenReplay(res, iteration, thetaPrime, gPost, freshDiag)
	default:
		return nil, errors.Newf(errors.InvalidInput, "unknown hinv update %d", s.opts.HInvUpdate)
	}
}

// broydenReplay rebuilds the estimate as a pure fold over the history
// window: the simulation-based estimate at the window's first iteration,
// then one secant update per later iteration. Replaying from the log instead
// of mutating a running estimate keeps resumption exact, and a memory of 1
// degenerates to the fresh simulation-based estimate.
func (s *Solver) broydenReplay(res *Result, k int, thetaPrime, gPost, freshDiag []float64) (*mat.Dense, error) {
	j := 1
	if m := s.opts.BroydenMemory; m > 0 && k-m+1 > 1 {
		j = k - m + 1
	}

	// record returns iteration i's transformed θ, posterior gradient and
	// fresh diagonal, with the pending iteration k supplied by the caller.
	record := func(i int) ([]float64, []float64, []float64) {
		if i == k {
			return thetaPrime, gPost, freshDiag
		}
		rec := &res.History[i-1]
		return rec.ThetaPrime, rec.PosteriorGradient, rec.FreshHInvDiag
	}

	var hinv *mat.Dense
	if j == 1 && s.opts.HInv0 != nil {
		hinv = mat.DenseCopyOf(s.opts.HInv0)
	} else {
		_, _, base := record(j)
		hinv = diagDense(base)
	}

	for i := j + 1; i <= k; i++ {
		thetaI, gI, _ := record(i)
		thetaPrev, gPrev, _ := record(i - 1)
		dTheta := sub(thetaI, thetaPrev)
		dG := sub(gI, gPrev)
		if s.opts.HInvUpdate == HInvBroydenDiagonal {
			broydenDiagonalUpdate(hinv, dTheta, dG)
			continue
		}
		if err := broydenUpdate(hinv, dTheta, dG); err != nil {
			return nil, errors.WithFields(err, errors.Fields{"iteration": i})
		}
	}
	return hinv, nil
}

// broydenUpdate applies the good-Broyden inverse secant update in place:
// H⁻¹ += (Δθ - H⁻¹Δg)·(ΔθᵀH⁻¹) / (ΔθᵀH⁻¹Δg).
func broydenUpdate(hinv *mat.Dense, dTheta, dG []float64) error {
	d := len(dTheta)
	dgVec := mat.NewVecDense(d, dG)
	dthetaVec := mat.NewVecDense(d, dTheta)

	var hg, w mat.VecDense
	hg.MulVec(hinv, dgVec)       // H⁻¹·Δg
	w.MulVec(hinv.T(), dthetaVec) // (ΔθᵀH⁻¹)ᵀ

	denom := mat.Dot(&w, dgVec)
	if math.Abs(denom) <= 1e-12*(1+floats.Norm(dTheta, 2)*mat.Norm(&hg, 2)) {
		return errors.New(errors.SingularUpdate, "broyden update denominator near zero")
	}

	for i := 0; i < d; i++ {
		u := (dTheta[i] - hg.AtVec(i)) / denom
		for jj := 0; jj < d; jj++ {
			hinv.Set(i, jj, hinv.At(i, jj)+u*w.AtVec(jj))
		}
	}
	return nil
}

// broydenDiagonalUpdate replaces each diagonal entry with the per-coordinate
// secant Δθᵢ/Δgᵢ, keeping the previous entry where the denominator vanishes.
func broydenDiagonalUpdate(hinv *mat.Dense, dTheta, dG []float64) {
	for i := range dTheta {
		if math.Abs(dG[i]) > 1e-12*(1+math.Abs(dTheta[i])) {
			hinv.Set(i, i, dTheta[i]/dG[i])
		}
	}
}

func sub(a, b []float64) []float64 {
	out := make([]float64, len(a))
	floats.SubTo(out, a, b)
	return out
}
