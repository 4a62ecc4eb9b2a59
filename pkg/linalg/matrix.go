package linalg

import (
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"github.com/marius311/muse-go/pkg/errors"
)

// Mean returns the elementwise mean of equal-length sample vectors.
func Mean(samples [][]float64) ([]float64, error) {
	if len(samples) == 0 {
		return nil, errors.New(errors.InvalidInput, "mean: no samples")
	}
	d := len(samples[0])
	acc := make([]float64, d)
	for i, s := range samples {
		if len(s) != d {
			return nil, errors.Newf(errors.InvalidInput,
				"mean: sample %d has length %d, want %d", i, len(s), d)
		}
		floats.Add(acc, s)
	}
	floats.Scale(1/float64(len(samples)), acc)
	return acc, nil
}

// Covariance assembles the covariance matrix of the sample vectors.
// corrected selects the n-1 (unbiased) normalization over the population n.
func Covariance(samples [][]float64, corrected bool) (*mat.SymDense, error) {
	n := len(samples)
	if n < 2 {
		return nil, errors.Newf(errors.InvalidInput, "covariance: %d samples, need at least 2", n)
	}
	d := len(samples[0])
	x := mat.NewDense(n, d, nil)
	for i, s := range samples {
		if len(s) != d {
			return nil, errors.Newf(errors.InvalidInput,
				"covariance: sample %d has length %d, want %d", i, len(s), d)
		}
		x.SetRow(i, s)
	}

	cov := mat.NewSymDense(d, nil)
	stat.CovarianceMatrix(cov, x, nil)
	if !corrected {
		scale := float64(n-1) / float64(n)
		for i := 0; i < d; i++ {
			for j := i; j < d; j++ {
				cov.SetSym(i, j, scale*cov.At(i, j))
			}
		}
	}
	return cov, nil
}

// Variances returns the per-coordinate sample variance (corrected) of the
// sample vectors, without forming the full covariance.
func Variances(samples [][]float64) ([]float64, error) {
	n := len(samples)
	if n < 2 {
		return nil, errors.Newf(errors.InvalidInput, "variance: %d samples, need at least 2", n)
	}
	d := len(samples[0])
	col := make([]float64, n)
	out := make([]float64, d)
	for j := 0; j < d; j++ {
		for i, s := range samples {
			if len(s) != d {
				return nil, errors.Newf(errors.InvalidInput,
					"variance: sample %d has length %d, want %d", i, len(s), d)
			}
			col[i] = s[j]
		}
		out[j] = stat.Variance(col, nil)
	}
	return out, nil
}

// InverseSym inverts a symmetric positive-definite matrix via Cholesky.
func InverseSym(a *mat.SymDense) (*mat.SymDense, error) {
	var chol mat.Cholesky
	if ok := chol.Factorize(a); !ok {
		return nil, errors.New(errors.SingularUpdate, "matrix is not positive definite")
	}
	var inv mat.SymDense
	if err := chol.InverseTo(&inv); err != nil {
		return nil, errors.Wrap(err, errors.SingularUpdate, "cholesky inverse")
	}
	return &inv, nil
}

// Inverse inverts a general square matrix.
func Inverse(a mat.Matrix) (*mat.Dense, error) {
	var inv mat.Dense
	if err := inv.Inverse(a); err != nil {
		return nil, errors.Wrap(err, errors.SingularUpdate, "matrix inverse")
	}
	return &inv, nil
}

// Symmetrize copies a nearly-symmetric square matrix into a SymDense,
// averaging the off-diagonal pairs. Estimator output picks up small
// asymmetries from finite differencing; downstream factorizations require
// exact symmetry.
func Symmetrize(a mat.Matrix) (*mat.SymDense, error) {
	r, c := a.Dims()
	if r != c {
		return nil, errors.Newf(errors.InvalidInput, "symmetrize: %dx%d matrix is not square", r, c)
	}
	s := mat.NewSymDense(r, nil)
	for i := 0; i < r; i++ {
		for j := i; j < r; j++ {
			s.SetSym(i, j, 0.5*(a.At(i, j)+a.At(j, i)))
		}
	}
	return s, nil
}
