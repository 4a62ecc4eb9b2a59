package numdiff

import (
	"gonum.org/v1/gonum/diff/fd"
	"gonum.org/v1/gonum/mat"
)

// Scalar derivatives delegate to gonum's diff/fd. They are used for log
// priors, which are cheap, deterministic functions of θ, so no executor or
// error path is needed.

// Gradient computes ∇f at x by central differences.
func Gradient(f func([]float64) float64, x []float64) []float64 {
	return fd.Gradient(nil, f, x, &fd.Settings{Formula: fd.Central})
}

// Hessian computes ∇²f at x, returned as a symmetric matrix.
func Hessian(f func([]float64) float64, x []float64) *mat.SymDense {
	h := mat.NewSymDense(len(x), nil)
	fd.Hessian(h, f, x, nil)
	return h
}
