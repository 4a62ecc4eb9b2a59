// Package numdiff computes derivatives by finite differences: Jacobians of
// expensive vector functions with per-coordinate steps and parallel columns,
// and gradients/Hessians of cheap scalar functions such as log priors.
package numdiff

import (
	"context"
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/marius311/muse-go/pkg/errors"
	"github.com/marius311/muse-go/pkg/parallel"
)

// StepFraction is the default finite-difference step, as a fraction of each
// coordinate's scale.
const StepFraction = 0.1

// VectorFunc is a vector-valued function of the parameter vector. It must
// not mutate theta. Evaluations may be expensive (a full simulation plus
// latent solve), which is why columns are distributed over an executor.
type VectorFunc func(ctx context.Context, theta []float64) ([]float64, error)

// Stencil selects the differencing rule applied per coordinate.
type Stencil int

const (
	// Central combines f(θ+h·e) and f(θ-h·e), two evaluations per
	// coordinate, error O(h²).
	Central Stencil = iota
	// Forward combines f(θ+h·e) with one shared base evaluation f(θ),
	// error O(h). Cheaper when evaluations dominate.
	Forward
)

func (s Stencil) String() string {
	switch s {
	case Central:
		return "central"
	case Forward:
		return "forward"
	default:
		return "unknown"
	}
}

// JacobianOptions configures a Jacobian computation.
type JacobianOptions struct {
	// Stencil is the differencing rule. Default Central.
	Stencil Stencil

	// Steps holds one step size per coordinate. Nil derives DefaultSteps.
	Steps []float64

	// Executor distributes columns. Nil runs them serially.
	Executor parallel.Executor
}

// DefaultSteps derives a step per coordinate as StepFraction of the
// coordinate's own scale, floored at StepFraction for coordinates near zero.
func DefaultSteps(theta []float64) []float64 {
	steps := make([]float64, len(theta))
	for i, v := range theta {
		steps[i] = StepFraction * math.Max(1, math.Abs(v))
	}
	return steps
}

// Jacobian computes the matrix of partial derivatives ∂f_i/∂θ_j at theta,
// one column per coordinate, columns distributed over the executor. The
// output dimension is discovered from the evaluations, so f need not declare
// it up front.
func Jacobian(ctx context.Context, f VectorFunc, theta []float64, opts JacobianOptions) (*mat.Dense, error) {
	n := len(theta)
	if n == 0 {
		return nil, errors.New(errors.InvalidInput, "jacobian: empty parameter vector")
	}

	steps := opts.Steps
	if steps == nil {
		steps = DefaultSteps(theta)
	}
	if len(steps) != n {
		return nil, errors.Newf(errors.InvalidInput,
			"jacobian: %d step sizes for %d coordinates", len(steps), n)
	}
	for j, h := range steps {
		if h <= 0 || math.IsNaN(h) || math.IsInf(h, 0) {
			return nil, errors.Newf(errors.InvalidInput,
				"jacobian: step %g for coordinate %d", h, j)
		}
	}

	exec := opts.Executor
	if exec == nil {
		exec = parallel.Serial{}
	}

	// The forward stencil shares a single base evaluation across columns.
	var base []float64
	if opts.Stencil == Forward {
		var err error
		base, err = f(ctx, append([]float64(nil), theta...))
		if err != nil {
			return nil, errors.Wrap(err, errors.TaskFailed, "jacobian: base evaluation")
		}
	}

	cols := make([][]float64, n)
	err := exec.Map(ctx, n, func(ctx context.Context, j int) error {
		col, err := diffColumn(ctx, f, theta, j, steps[j], opts.Stencil, base)
		if err != nil {
			return errors.WithFields(
				errors.Wrap(err, errors.TaskFailed, "jacobian column"),
				errors.Fields{"coordinate": j})
		}
		cols[j] = col
		return nil
	})
	if err != nil {
		return nil, err
	}

	m := len(cols[0])
	jac := mat.NewDense(m, n, nil)
	for j, col := range cols {
		if len(col) != m {
			return nil, errors.Newf(errors.InvalidInput,
				"jacobian: column %d has %d rows, want %d", j, len(col), m)
		}
		jac.SetCol(j, col)
	}
	return jac, nil
}

func diffColumn(ctx context.Context, f VectorFunc, theta []float64, j int, step float64, stencil Stencil, base []float64) ([]float64, error) {
	perturbed := func(delta float64) []float64 {
		p := append([]float64(nil), theta...)
		p[j] += delta
		return p
	}

	switch stencil {
	case Forward:
		hi, err := f(ctx, perturbed(step))
		if err != nil {
			return nil, err
		}
		if len(hi) != len(base) {
			return nil, errors.Newf(errors.InvalidInput,
				"inconsistent output length %d vs %d", len(hi), len(base))
		}
		col := make([]float64, len(hi))
		for i := range col {
			col[i] = (hi[i] - base[i]) / step
		}
		return col, nil

	default: // Central
		hi, err := f(ctx, perturbed(step))
		if err != nil {
			return nil, err
		}
		lo, err := f(ctx, perturbed(-step))
		if err != nil {
			return nil, err
		}
		if len(hi) != len(lo) {
			return nil, errors.Newf(errors.InvalidInput,
				"inconsistent output length %d vs %d", len(hi), len(lo))
		}
		col := make([]float64, len(hi))
		for i := range col {
			col[i] = (hi[i] - lo[i]) / (2 * step)
		}
		return col, nil
	}
}
