// Package linalg holds the small dense-matrix and iterative-solver helpers
// the covariance estimators need: a matrix-free conjugate gradient, sample
// covariance assembly, and guarded inversions.
package linalg

import (
	"context"
	"math"

	"gonum.org/v1/gonum/floats"

	"github.com/marius311/muse-go/pkg/errors"
)

// Operator applies a symmetric positive-definite linear map to a vector. It
// must not retain or mutate v.
type Operator func(v []float64) ([]float64, error)

// CGOptions configures a conjugate-gradient solve.
type CGOptions struct {
	// Tol is the relative-residual stopping target ‖r‖/‖b‖. Default 1e-8.
	Tol float64

	// MaxIter caps the iteration count. Default max(50, len(b)).
	MaxIter int
}

// CGDiagnostics records how a solve went. It is retained by callers as
// metadata regardless of outcome.
type CGDiagnostics struct {
	Iterations int
	Residual   float64 // final relative residual
	Converged  bool
}

// ConjugateGradient solves A·u = b for symmetric positive-definite A applied
// through op, starting from zero. Hitting MaxIter without reaching Tol is
// not an error: the best iterate is returned with Converged false, and the
// caller decides whether that is acceptable. A breakdown (indefinite
// operator, NaN) is an error.
func ConjugateGradient(ctx context.Context, op Operator, b []float64, opts CGOptions) ([]float64, CGDiagnostics, error) {
	n := len(b)
	if n == 0 {
		return nil, CGDiagnostics{}, errors.New(errors.InvalidInput, "cg: empty right-hand side")
	}

	tol := opts.Tol
	if tol <= 0 {
		tol = 1e-8
	}
	maxIter := opts.MaxIter
	if maxIter <= 0 {
		maxIter = max(50, n)
	}

	bnorm := math.Sqrt(floats.Dot(b, b))
	if bnorm == 0 {
		return make([]float64, n), CGDiagnostics{Converged: true}, nil
	}

	x := make([]float64, n)
	r := append([]float64(nil), b...)
	p := append([]float64(nil), b...)
	rs := floats.Dot(r, r)

	diag := CGDiagnostics{Residual: math.Sqrt(rs) / bnorm}

	for i := 0; i < maxIter; i++ {
		if err := errors.CheckContext(ctx, "cg"); err != nil {
			return nil, diag, err
		}

		ap, err := op(p)
		if err != nil {
			return nil, diag, errors.Wrap(err, errors.LinearSolveFailed, "cg: operator application")
		}
		if len(ap) != n {
			return nil, diag, errors.Newf(errors.LinearSolveFailed,
				"cg: operator returned %d entries, want %d", len(ap), n)
		}

		pap := floats.Dot(p, ap)
		if pap <= 0 || math.IsNaN(pap) {
			return nil, diag, errors.WithFields(
				errors.New(errors.LinearSolveFailed, "cg: operator is not positive definite"),
				errors.Fields{"iteration": i, "curvature": pap})
		}

		alpha := rs / pap
		floats.AddScaled(x, alpha, p)
		floats.AddScaled(r, -alpha, ap)

		rsNew := floats.Dot(r, r)
		diag.Iterations = i + 1
		diag.Residual = math.Sqrt(rsNew) / bnorm

		if diag.Residual < tol {
			diag.Converged = true
			return x, diag, nil
		}

		beta := rsNew / rs
		for k := range p {
			p[k] = r[k] + beta*p[k]
		}
		rs = rsNew
	}

	return x, diag, nil
}
