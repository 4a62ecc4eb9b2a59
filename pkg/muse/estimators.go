package muse

import (
	"context"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/marius311/muse-go/pkg/core"
	"github.com/marius311/muse-go/pkg/errors"
	"github.com/marius311/muse-go/pkg/linalg"
	"github.com/marius311/muse-go/pkg/numdiff"
	"github.com/marius311/muse-go/pkg/parallel"
	"github.com/marius311/muse-go/pkg/rng"
)

// latentProbeStep scales the latent-space probes behind the matrix-free
// curvature products of the implicit H estimator, relative to 1+‖ẑ‖∞.
const latentProbeStep = 1e-4

type jOut struct {
	score  []float64
	latent []float64
	err    error
}

type hOut struct {
	jac *mat.Dense
	cgs []linalg.CGDiagnostics
	err error
}

// GetJ estimates J, the covariance of the natural-parameter score over
// simulations at the result's current θ. Scores accumulate in res.Gs keyed
// to their substream index, so calling again with a larger nsims only draws
// the missing simulations; moving θ discards them and starts over. When an
// H estimate is already present the posterior covariance is finalized.
func (s *Solver) GetJ(ctx context.Context, res *Result, nsims int) error {
	if res == nil || len(res.History) == 0 {
		return errors.New(errors.InvalidInput, "result has no completed iterations")
	}
	if nsims < 2 {
		return errors.Newf(errors.InvalidInput, "covariance estimate needs at least 2 simulations, got %d", nsims)
	}
	if ctx == nil {
		ctx = context.Background()
	}
	ctx = core.WithRunID(ctx, res.RunID)
	ctx, span := core.StartSpan(ctx, "MuseSolver.GetJ")
	defer core.EndSpan(ctx)
	if res.Metadata == nil {
		res.Metadata = make(map[string]any)
	}

	s.resetOnThetaChange(res, metaThetaJ, func() {
		res.Gs = nil
		delete(res.Metadata, metaNSimsJ)
		delete(res.Metadata, metaNFailJ)
	})

	attempted := metaInt(res, metaNSimsJ)
	theta := res.Theta
	if newCount := nsims - attempted; newCount > 0 {
		parent, err := s.ensureStream(res)
		if err != nil {
			span.WithError(err)
			return err
		}
		streams := rng.Split(parent, nsims)
		if len(res.SimLatents) < nsims {
			res.SimLatents = append(res.SimLatents, make([][]float64, nsims-len(res.SimLatents))...)
		}

		outs := make([]jOut, newCount)
		s.opts.Reporter.Start(newCount, "estimating J")
		mapErr := s.opts.Executor.Map(ctx, newCount, func(ctx context.Context, i int) error {
			idx := attempted + i
			score, latent, err := s.scoreAtTheta(ctx, streams[idx], idx, res, theta)
			if err != nil {
				err = errors.WithFields(err, errors.Fields{"sim_index": idx})
				if s.opts.SkipFailures {
					outs[i].err = err
					return nil
				}
				return err
			}
			outs[i] = jOut{score: score, latent: latent}
			s.opts.Reporter.Tick()
			return nil
		})
		s.opts.Reporter.Finish()
		if mapErr != nil {
			span.WithError(mapErr)
			return mapErr
		}

		failed := 0
		for i := range outs {
			if outs[i].err != nil {
				failed++
				s.logger.Warn(ctx, "Skipping failed simulation in J estimate: %v", outs[i].err)
				continue
			}
			res.Gs = append(res.Gs, outs[i].score)
			res.SimLatents[attempted+i] = outs[i].latent
		}
		res.Metadata[metaNSimsJ] = nsims
		res.Metadata[metaNFailJ] = metaInt(res, metaNFailJ) + failed
		res.Metadata[metaThetaJ] = append([]float64(nil), theta...)
	}

	if len(res.Gs) < 2 {
		err := errors.Newf(errors.TaskFailed,
			"J estimate has %d usable simulations, need at least 2", len(res.Gs))
		span.WithError(err)
		return err
	}
	cov, err := linalg.Covariance(res.Gs, s.opts.CorrectedJ)
	if err != nil {
		span.WithError(err)
		return err
	}
	res.J = mat.DenseCopyOf(cov)
	res.invalidateCovariance()

	span.WithAnnotation("nsims", len(res.Gs))
	span.WithAnnotation("failed", metaInt(res, metaNFailJ))
	s.logger.Info(ctx, "J estimate ready: %d simulations used, %d failed",
		len(res.Gs), metaInt(res, metaNFailJ))

	if res.H != nil {
		return res.FinalizeCovariance(s.problem)
	}
	return nil
}

// GetH estimates H, the mean over simulations of the Jacobian of the
// natural-parameter score with respect to θ, differencing each simulation's
// data draw on identical randomness. Per-simulation Jacobians accumulate in
// res.Hs under the same incremental rules as GetJ. When a J estimate is
// already present the posterior covariance is finalized.
func (s *Solver) GetH(ctx context.Context, res *Result, nsims int) error {
	if res == nil || len(res.History) == 0 {
		return errors.New(errors.InvalidInput, "result has no completed iterations")
	}
	if nsims < 1 {
		return errors.Newf(errors.InvalidInput, "jacobian estimate needs at least 1 simulation, got %d", nsims)
	}
	if s.opts.HMode == HImplicitDiff {
		if _, ok := s.problem.(core.LatentDifferentiable); !ok {
			return errors.New(errors.InvalidInput, "implicit jacobian mode requires the latent gradient capability")
		}
	}
	if ctx == nil {
		ctx = context.Background()
	}
	ctx = core.WithRunID(ctx, res.RunID)
	ctx, span := core.StartSpan(ctx, "MuseSolver.GetH")
	defer core.EndSpan(ctx)
	if res.Metadata == nil {
		res.Metadata = make(map[string]any)
	}

	s.resetOnThetaChange(res, metaThetaH, func() {
		res.Hs = nil
		delete(res.Metadata, metaNSimsH)
		delete(res.Metadata, metaNFailH)
		delete(res.Metadata, metaCGH)
	})

	attempted := metaInt(res, metaNSimsH)
	if newCount := nsims - attempted; newCount > 0 {
		parent, err := s.ensureStream(res)
		if err != nil {
			span.WithError(err)
			return err
		}
		streams := rng.Split(parent, nsims)
		outer, inner := s.axisExecutors(s.resolveAxis(newCount))

		outs := make([]hOut, newCount)
		s.opts.Reporter.Start(newCount, "estimating H")
		mapErr := outer.Map(ctx, newCount, func(ctx context.Context, i int) error {
			idx := attempted + i
			jac, cgs, err := s.simJacobian(ctx, streams[idx], idx, res, inner)
			if err != nil {
				err = errors.WithFields(err, errors.Fields{"sim_index": idx})
				if s.opts.SkipFailures {
					outs[i].err = err
					return nil
				}
				return err
			}
			outs[i] = hOut{jac: jac, cgs: cgs}
			s.opts.Reporter.Tick()
			return nil
		})
		s.opts.Reporter.Finish()
		if mapErr != nil {
			span.WithError(mapErr)
			return mapErr
		}

		failed := 0
		var cgs []linalg.CGDiagnostics
		for i := range outs {
			if outs[i].err != nil {
				failed++
				s.logger.Warn(ctx, "Skipping failed simulation in H estimate: %v", outs[i].err)
				continue
			}
			res.Hs = append(res.Hs, outs[i].jac)
			cgs = append(cgs, outs[i].cgs...)
		}
		res.Metadata[metaNSimsH] = nsims
		res.Metadata[metaNFailH] = metaInt(res, metaNFailH) + failed
		res.Metadata[metaThetaH] = append([]float64(nil), res.Theta...)
		if len(cgs) > 0 {
			existing, _ := res.Metadata[metaCGH].([]linalg.CGDiagnostics)
			res.Metadata[metaCGH] = append(existing, cgs...)
		}
	}

	if len(res.Hs) == 0 {
		err := errors.New(errors.TaskFailed, "H estimate has no usable simulations")
		span.WithError(err)
		return err
	}
	res.H = meanDense(res.Hs)
	res.invalidateCovariance()

	span.WithAnnotation("nsims", len(res.Hs))
	span.WithAnnotation("failed", metaInt(res, metaNFailH))
	s.logger.Info(ctx, "H estimate ready: %d simulations used, %d failed",
		len(res.Hs), metaInt(res, metaNFailH))

	if res.J != nil {
		return res.FinalizeCovariance(s.problem)
	}
	return nil
}

// resetOnThetaChange drops accumulated estimator samples when θ has moved
// since they were drawn; samples at a stale θ cannot be mixed with fresh
// ones.
func (s *Solver) resetOnThetaChange(res *Result, key string, reset func()) {
	stored, ok := res.Metadata[key].([]float64)
	if !ok {
		return
	}
	if !floats.Equal(stored, res.Theta) {
		reset()
		delete(res.Metadata, key)
	}
}

// scoreAtTheta draws one simulation on its substream and evaluates its
// natural-parameter score at θ, returning the latent solution for warm-start
// reuse.
func (s *Solver) scoreAtTheta(ctx context.Context, stream *rng.Stream, j int, res *Result, theta []float64) ([]float64, []float64, error) {
	xz, err := s.problem.SampleJoint(stream, theta)
	if err != nil {
		return nil, nil, errors.Wrap(err, errors.TaskFailed, "sample joint")
	}
	zhat, _, err := s.solveDataset(ctx, xz.X, s.simWarmStart(res, j, xz.Z), theta)
	if err != nil {
		return nil, nil, err
	}
	score, err := s.problem.Score(xz.X, zhat, theta, core.ParamNatural)
	if err != nil {
		return nil, nil, errors.Wrap(err, errors.TaskFailed, "natural score")
	}
	return score, zhat, nil
}

// resolveAxis picks the axis the H estimator spreads across the executor:
// under AxisAuto, whichever of the simulation batch and the parameter
// dimension is larger.
func (s *Solver) resolveAxis(newCount int) ParallelAxis {
	if s.opts.ParallelAxis != AxisAuto {
		return s.opts.ParallelAxis
	}
	if newCount >= s.problem.ParamDim() {
		return AxisSims
	}
	return AxisCoordinates
}

// axisExecutors assigns the configured executor to the chosen axis and runs
// the other axis serially inside each task.
func (s *Solver) axisExecutors(axis ParallelAxis) (outer, inner parallel.Executor) {
	if axis == AxisCoordinates {
		return parallel.Serial{}, s.opts.Executor
	}
	return s.opts.Executor, parallel.Serial{}
}

// simJacobian is one simulation's d(score)/dθ estimate: draw the fiducial
// (x, z) and solve its latent MAP, then differentiate the score with the
// data redrawn at perturbed θ on identical randomness. The substream is
// never advanced directly; every draw works on a clone so each evaluation
// sees the same underlying randomness.
func (s *Solver) simJacobian(ctx context.Context, stream *rng.Stream, j int, res *Result, inner parallel.Executor) (*mat.Dense, []linalg.CGDiagnostics, error) {
	theta := res.Theta
	xz, err := s.problem.SampleJoint(stream.Clone(), theta)
	if err != nil {
		return nil, nil, errors.Wrap(err, errors.TaskFailed, "sample joint")
	}
	var zhat []float64
	err = inner.RunOnce(ctx, func(ctx context.Context) error {
		var solveErr error
		zhat, _, solveErr = s.solveDataset(ctx, xz.X, s.simWarmStart(res, j, xz.Z), theta)
		return solveErr
	})
	if err != nil {
		return nil, nil, err
	}

	steps := s.fdSteps(res)
	if s.opts.HMode == HImplicitDiff {
		return s.implicitJacobian(ctx, stream, xz.X, zhat, theta, steps, inner)
	}
	jac, err := s.fdJacobian(ctx, stream, zhat, theta, steps, inner)
	return jac, nil, err
}

// fdJacobian differentiates θp ↦ score(x(θp), ẑp, θ), where x(θp) is redrawn
// on identical randomness, ẑp is re-solved at the fiducial θ warm-started
// from ẑ, and the score is evaluated at the fiducial θ. Sharing the
// randomness across evaluations cancels the sampling noise that would
// otherwise swamp the differences.
func (s *Solver) fdJacobian(ctx context.Context, stream *rng.Stream, zhat, theta, steps []float64, inner parallel.Executor) (*mat.Dense, error) {
	f := func(ctx context.Context, thetaP []float64) ([]float64, error) {
		xz, err := s.problem.SampleJoint(stream.Clone(), thetaP)
		if err != nil {
			return nil, errors.Wrap(err, errors.TaskFailed, "resample joint")
		}
		zp, _, err := s.solveDataset(ctx, xz.X, zhat, theta)
		if err != nil {
			return nil, err
		}
		return s.problem.Score(xz.X, zp, theta, core.ParamNatural)
	}
	return numdiff.Jacobian(ctx, f, theta, numdiff.JacobianOptions{
		Stencil:  s.opts.Stencil,
		Steps:    steps,
		Executor: inner,
	})
}

// implicitJacobian differentiates the score through the latent MAP with the
// implicit function theorem instead of re-solving at every perturbed θ. Per
// coordinate: the direct term differences the score through the resampled
// data with ẑ held fixed; the latent response u solves (-H_zz)·u = b with
// matrix-free conjugate gradient, where b differences the latent gradient
// the same way; the correction term is the directional derivative of the
// score along u at the fiducial data.
func (s *Solver) implicitJacobian(ctx context.Context, stream *rng.Stream, x any, zhat, theta, steps []float64, inner parallel.Executor) (*mat.Dense, []linalg.CGDiagnostics, error) {
	ld := s.problem.(core.LatentDifferentiable)
	d := len(theta)
	eps := latentProbeStep * (1 + floats.Norm(zhat, math.Inf(1)))

	// Matrix-free application of -H_zz at the fiducial (x, ẑ), by central
	// differences of the latent gradient along a unit probe. -H_zz is
	// positive definite at the latent maximum, which is what CG needs.
	op := func(v []float64) ([]float64, error) {
		norm := floats.Norm(v, 2)
		if norm == 0 {
			return make([]float64, len(v)), nil
		}
		zp, zm := probeAlong(zhat, v, eps/norm)
		gp, err := ld.LatentGradient(x, zp, theta)
		if err != nil {
			return nil, err
		}
		gm, err := ld.LatentGradient(x, zm, theta)
		if err != nil {
			return nil, err
		}
		out := make([]float64, len(v))
		for i := range out {
			out[i] = -(gp[i] - gm[i]) * norm / (2 * eps)
		}
		return out, nil
	}

	cols := make([][]float64, d)
	cgs := make([]linalg.CGDiagnostics, d)
	mapErr := inner.Map(ctx, d, func(ctx context.Context, jcol int) error {
		col, diag, err := s.implicitColumn(ctx, stream, ld, x, zhat, theta, jcol, steps[jcol], eps, op)
		if err != nil {
			return errors.WithFields(err, errors.Fields{"coordinate": jcol})
		}
		cols[jcol] = col
		cgs[jcol] = diag
		return nil
	})
	if mapErr != nil {
		return nil, nil, mapErr
	}

	out := mat.NewDense(len(cols[0]), d, nil)
	for jcol, col := range cols {
		for i, v := range col {
			out.Set(i, jcol, v)
		}
	}
	return out, cgs, nil
}

func (s *Solver) implicitColumn(ctx context.Context, stream *rng.Stream, ld core.LatentDifferentiable, x any, zhat, theta []float64, jcol int, step, eps float64, op linalg.Operator) ([]float64, linalg.CGDiagnostics, error) {
	var none linalg.CGDiagnostics
	xp, err := s.problem.SampleJoint(stream.Clone(), perturb(theta, jcol, step))
	if err != nil {
		return nil, none, errors.Wrap(err, errors.TaskFailed, "resample joint")
	}
	xm, err := s.problem.SampleJoint(stream.Clone(), perturb(theta, jcol, -step))
	if err != nil {
		return nil, none, errors.Wrap(err, errors.TaskFailed, "resample joint")
	}

	// right-hand side: the latent gradient differenced through the resampled
	// data, ẑ held fixed
	gp, err := ld.LatentGradient(xp.X, zhat, theta)
	if err != nil {
		return nil, none, errors.Wrap(err, errors.TaskFailed, "latent gradient")
	}
	gm, err := ld.LatentGradient(xm.X, zhat, theta)
	if err != nil {
		return nil, none, errors.Wrap(err, errors.TaskFailed, "latent gradient")
	}
	b := make([]float64, len(gp))
	for i := range b {
		b[i] = (gp[i] - gm[i]) / (2 * step)
	}

	u, diag, err := linalg.ConjugateGradient(ctx, op, b, linalg.CGOptions{})
	if err != nil {
		return nil, diag, err
	}

	// direct term: the score differenced through the resampled data, ẑ fixed
	sp, err := s.problem.Score(xp.X, zhat, theta, core.ParamNatural)
	if err != nil {
		return nil, diag, errors.Wrap(err, errors.TaskFailed, "natural score")
	}
	sm, err := s.problem.Score(xm.X, zhat, theta, core.ParamNatural)
	if err != nil {
		return nil, diag, errors.Wrap(err, errors.TaskFailed, "natural score")
	}
	col := make([]float64, len(sp))
	for i := range col {
		col[i] = (sp[i] - sm[i]) / (2 * step)
	}

	// correction: the directional derivative of the score along the latent
	// response, at the fiducial data
	if norm := floats.Norm(u, 2); norm > 0 {
		zp, zm := probeAlong(zhat, u, eps/norm)
		scp, err := s.problem.Score(x, zp, theta, core.ParamNatural)
		if err != nil {
			return nil, diag, errors.Wrap(err, errors.TaskFailed, "natural score")
		}
		scm, err := s.problem.Score(x, zm, theta, core.ParamNatural)
		if err != nil {
			return nil, diag, errors.Wrap(err, errors.TaskFailed, "natural score")
		}
		for i := range col {
			col[i] += (scp[i] - scm[i]) * norm / (2 * eps)
		}
	}
	return col, diag, nil
}

// fdSteps sizes the θ perturbations for the H estimator. With score samples
// on record the information identity sets the natural scale per coordinate,
// step_i = frac/sqrt(var_i); without them fall back to the coordinate's own
// magnitude.
func (s *Solver) fdSteps(res *Result) []float64 {
	frac := s.opts.FDStepFraction
	if len(res.Gs) >= 2 {
		if vars, err := linalg.Variances(res.Gs); err == nil {
			steps := make([]float64, len(vars))
			usable := true
			for i, v := range vars {
				if v <= 0 || math.IsNaN(v) {
					usable = false
					break
				}
				steps[i] = frac / math.Sqrt(v)
			}
			if usable && len(steps) == len(res.Theta) {
				return steps
			}
		}
	}
	steps := make([]float64, len(res.Theta))
	for i, v := range res.Theta {
		steps[i] = frac * math.Max(1, math.Abs(v))
	}
	return steps
}

func meanDense(ms []*mat.Dense) *mat.Dense {
	r, c := ms[0].Dims()
	out := mat.NewDense(r, c, nil)
	for _, m := range ms {
		out.Add(out, m)
	}
	out.Scale(1/float64(len(ms)), out)
	return out
}

func probeAlong(z, v []float64, scale float64) (plus, minus []float64) {
	plus = make([]float64, len(z))
	minus = make([]float64, len(z))
	for i := range z {
		d := scale * v[i]
		plus[i] = z[i] + d
		minus[i] = z[i] - d
	}
	return plus, minus
}

func perturb(theta []float64, j int, h float64) []float64 {
	out := append([]float64(nil), theta...)
	out[j] += h
	return out
}
