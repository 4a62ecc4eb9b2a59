// Package muse implements marginal unbiased score expansion, a
// simulation-based estimator for the hyperparameters of hierarchical
// Bayesian models. The solver alternates batches of simulations, drawn on
// reproducible substreams, with damped quasi-Newton steps on the marginal
// posterior score; companion estimators reuse the same simulation machinery
// to build the score covariance J and score Jacobian H that yield a Gaussian
// approximation of the marginal posterior.
package muse

import (
	"context"
	"fmt"
	"math"
	"time"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/marius311/muse-go/pkg/core"
	"github.com/marius311/muse-go/pkg/errors"
	"github.com/marius311/muse-go/pkg/linalg"
	"github.com/marius311/muse-go/pkg/logging"
	"github.com/marius311/muse-go/pkg/numdiff"
	"github.com/marius311/muse-go/pkg/rng"
)

// Solver runs the estimation loop against a Problem.
type Solver struct {
	problem core.Problem
	opts    Options
	logger  *logging.Logger
}

// New builds a solver after applying defaults and validating the options.
func New(problem core.Problem, opts ...Option) (*Solver, error) {
	if problem == nil {
		return nil, errors.New(errors.InvalidInput, "problem is nil")
	}
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if err := o.validate(); err != nil {
		return nil, err
	}
	return &Solver{problem: problem, opts: o, logger: logging.GetLogger()}, nil
}

// Fit runs the estimation loop from a starting guess against observed data
// x. The returned result is meaningful even when err is non-nil: every
// completed iteration is retained and the run can be continued with Resume.
func (s *Solver) Fit(ctx context.Context, x any, theta0 []float64) (*Result, error) {
	if len(theta0) == 0 {
		return nil, errors.New(errors.InvalidInput, "empty starting guess")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	ctx = core.WithExecutionState(ctx)

	res := NewResult(s.problem.Standardize(append([]float64(nil), theta0...)))
	res.RunID = core.GetExecutionState(ctx).RunID()
	return res, s.run(ctx, x, res)
}

// Resume continues a run whose history holds fewer than MaxSteps iterations.
// Given the same configuration and data, the continuation reproduces exactly
// what an uninterrupted run would have done: substreams derive from the
// stored stream state and warm starts from the stored latent solutions.
func (s *Solver) Resume(ctx context.Context, x any, res *Result) (*Result, error) {
	if res == nil {
		return nil, errors.New(errors.InvalidInput, "result is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	ctx = core.WithRunID(ctx, res.RunID)
	if res.Metadata == nil {
		res.Metadata = make(map[string]any)
	}
	return res, s.run(ctx, x, res)
}

func (s *Solver) run(ctx context.Context, x any, res *Result) error {
	ctx, span := core.StartSpan(ctx, "MuseSolver.Fit")
	defer core.EndSpan(ctx)

	d := s.problem.ParamDim()
	if len(res.Theta) != d {
		return errors.Newf(errors.InvalidInput,
			"theta has %d coordinates, problem has %d", len(res.Theta), d)
	}
	parent, err := s.ensureStream(res)
	if err != nil {
		return err
	}

	s.logger.Info(ctx, "Starting MUSE fit: nsims=%d, maxsteps=%d, ztol=%.2g, hinv=%s",
		s.opts.NSims, s.opts.MaxSteps, s.opts.ZTol, s.opts.HInvUpdate)

	s.opts.Reporter.Start(-1, "fitting")
	loopErr := s.loop(ctx, span, x, res, parent)
	s.opts.Reporter.Finish()
	if loopErr != nil {
		return loopErr
	}

	span.WithAnnotation("status", res.Status.String())
	span.WithAnnotation("iterations", len(res.History))

	if s.opts.GetCovariance {
		if err := s.GetJ(ctx, res, s.opts.NSims); err != nil {
			span.WithError(err)
			return err
		}
		if err := s.GetH(ctx, res, s.opts.hNSims()); err != nil {
			span.WithError(err)
			return err
		}
	}
	return nil
}

func (s *Solver) loop(ctx context.Context, span *core.Span, x any, res *Result, parent *rng.Stream) error {
	for iteration := len(res.History) + 1; iteration <= s.opts.MaxSteps; iteration++ {
		res.Status = StatusIterating
		if iteration >= 3 {
			if dist, ok := s.stepDistance(res); ok && dist < s.opts.ThetaRtol {
				res.Status = StatusConverged
				s.logger.Info(ctx, "Converged after %d iterations: step distance %.3e < %.3e",
					iteration-1, dist, s.opts.ThetaRtol)
				break
			}
		}

		rec, thetaNext, err := s.iterate(ctx, x, res, parent, iteration)
		if err != nil {
			res.Status = StatusFailed
			span.WithError(err)
			return err
		}
		res.History = append(res.History, *rec)
		res.Theta = thetaNext
		res.Time += rec.Elapsed
		s.saveCheckpoint(ctx, res)
	}
	if res.Status == StatusIterating {
		res.Status = StatusMaxSteps
		s.logger.Info(ctx, "Reached %d iterations without convergence; keeping last estimate",
			s.opts.MaxSteps)
	}
	return nil
}

// simResult is one dataset's contribution to an iteration.
type simResult struct {
	scoreNat   []float64
	scorePrime []float64
	latent     []float64
	diag       core.SolveDiagnostics
	err        error
}

func (s *Solver) iterate(ctx context.Context, x any, res *Result, parent *rng.Stream, iteration int) (*HistoryRecord, []float64, error) {
	ctx, span := core.StartSpan(ctx, fmt.Sprintf("MuseSolver.Iteration.%d", iteration))
	defer core.EndSpan(ctx)
	if state := core.GetExecutionState(ctx); state != nil {
		state.SetIteration(iteration)
	}
	start := time.Now()

	nsims := s.opts.NSims
	d := len(res.Theta)
	theta := res.Theta
	thetaPrime := s.problem.Transform(theta)

	// The same substreams come back every iteration: Split never advances
	// the parent, so simulation j re-draws with its own fixed randomness at
	// the current θ.
	streams := rng.Split(parent, nsims)

	// Task 0 is the observed data, tasks 1..nsims the simulations; each owns
	// its substream and warm start exclusively.
	outs := make([]simResult, nsims+1)
	task := func(ctx context.Context, i int) error {
		if i == 0 {
			out, err := s.scoreDataset(ctx, x, s.dataWarmStart(x, res, theta), theta, thetaPrime)
			if err != nil {
				// the observed dataset is never skippable
				return err
			}
			outs[0] = out
			s.opts.Reporter.Tick()
			return nil
		}
		j := i - 1
		out, err := s.scoreSim(ctx, res, streams[j], j, theta, thetaPrime)
		if err != nil {
			err = errors.WithFields(err, errors.Fields{"sim_index": j, "iteration": iteration})
			if s.opts.SkipFailures {
				outs[i].err = err
				return nil
			}
			return err
		}
		outs[i] = out
		s.opts.Reporter.Tick()
		return nil
	}
	if err := s.opts.Executor.Map(ctx, nsims+1, task); err != nil {
		return nil, nil, err
	}

	data := outs[0]
	var (
		simScores      [][]float64
		simScoresPrime [][]float64
		simDiags       []core.SolveDiagnostics
		nFailed        int
	)
	for i := 1; i <= nsims; i++ {
		if outs[i].err != nil {
			nFailed++
			s.logger.Warn(ctx, "Skipping failed simulation: %v", outs[i].err)
			continue
		}
		simScores = append(simScores, outs[i].scoreNat)
		simScoresPrime = append(simScoresPrime, outs[i].scorePrime)
		simDiags = append(simDiags, outs[i].diag)
	}
	if len(simScores) < 2 {
		return nil, nil, errors.Newf(errors.TaskFailed,
			"iteration %d: %d of %d simulations usable, need at least 2",
			iteration, len(simScores), nsims)
	}

	// Latest latent solutions become the next iteration's warm starts;
	// failed simulations keep their previous ones.
	if len(res.SimLatents) < nsims {
		res.SimLatents = append(res.SimLatents, make([][]float64, nsims-len(res.SimLatents))...)
	}
	for i := 1; i <= nsims; i++ {
		if outs[i].err == nil {
			res.SimLatents[i-1] = outs[i].latent
		}
	}
	res.DataLatent = data.latent

	// posterior gradient in the transformed parameterization
	meanSim := make([]float64, d)
	for _, g := range simScoresPrime {
		floats.Add(meanSim, g)
	}
	floats.Scale(1/float64(len(simScoresPrime)), meanSim)

	gPost := append([]float64(nil), data.scorePrime...)
	floats.Sub(gPost, meanSim)
	floats.Add(gPost, s.priorGradient(thetaPrime))

	freshDiag, err := freshHInvDiag(simScoresPrime)
	if err != nil {
		return nil, nil, err
	}
	hinvLike, err := s.hinvLike(res, iteration, thetaPrime, gPost, freshDiag)
	if err != nil {
		return nil, nil, err
	}
	priorHess := s.priorHessian(thetaPrime)
	hinvPost, err := posteriorHInv(hinvLike, priorHess)
	if err != nil {
		return nil, nil, errors.WithFields(err, errors.Fields{"iteration": iteration})
	}

	alpha := s.opts.alpha(iteration)
	rec := &HistoryRecord{
		Iteration:         iteration,
		Theta:             append([]float64(nil), theta...),
		ThetaPrime:        thetaPrime,
		DataScore:         data.scoreNat,
		DataScorePrime:    data.scorePrime,
		SimScores:         simScores,
		SimScoresPrime:    simScoresPrime,
		PosteriorGradient: gPost,
		FreshHInvDiag:     freshDiag,
		HInvLike:          hinvLike,
		PriorHessian:      priorHess,
		HInvPost:          hinvPost,
		DataSolve:         data.diag,
		SimSolves:         simDiags,
		NFailed:           nFailed,
		Alpha:             alpha,
	}
	if s.opts.SaveLatents {
		rec.DataLatent = data.latent
		latents := make([][]float64, 0, len(simScores))
		for i := 1; i <= nsims; i++ {
			if outs[i].err == nil {
				latents = append(latents, outs[i].latent)
			}
		}
		rec.SimLatents = latents
	}

	// damped Newton step in the transformed parameterization
	var step mat.VecDense
	step.MulVec(hinvPost, mat.NewVecDense(d, gPost))
	thetaPrimeNext := make([]float64, d)
	for i := range thetaPrimeNext {
		thetaPrimeNext[i] = thetaPrime[i] - alpha*step.AtVec(i)
	}
	if s.opts.Regularize != nil {
		thetaPrimeNext = s.opts.Regularize(thetaPrimeNext)
	}
	thetaNext := s.problem.InverseTransform(thetaPrimeNext)

	rec.Elapsed = time.Since(start)
	gradNorm := floats.Norm(gPost, 2)
	span.WithAnnotation("grad_norm", gradNorm)
	span.WithAnnotation("failed_sims", nFailed)
	s.logger.Info(ctx, "Iteration %d: theta=%s, |g|=%.3e, alpha=%.2f, failed=%d",
		iteration, formatVector(thetaNext), gradNorm, alpha, nFailed)

	return rec, thetaNext, nil
}

// scoreDataset solves the latent MAP for one dataset and evaluates the score
// in both parameterizations at the solution.
func (s *Solver) scoreDataset(ctx context.Context, x any, zStart, theta, thetaPrime []float64) (simResult, error) {
	zhat, diag, err := s.solveDataset(ctx, x, zStart, theta)
	if err != nil {
		return simResult{}, err
	}
	gNat, err := s.problem.Score(x, zhat, theta, core.ParamNatural)
	if err != nil {
		return simResult{}, errors.Wrap(err, errors.TaskFailed, "natural score")
	}
	gPrime, err := s.problem.Score(x, zhat, thetaPrime, core.ParamTransformed)
	if err != nil {
		return simResult{}, errors.Wrap(err, errors.TaskFailed, "transformed score")
	}
	return simResult{scoreNat: gNat, scorePrime: gPrime, latent: zhat, diag: diag}, nil
}

func (s *Solver) scoreSim(ctx context.Context, res *Result, stream *rng.Stream, j int, theta, thetaPrime []float64) (simResult, error) {
	xz, err := s.problem.SampleJoint(stream, theta)
	if err != nil {
		return simResult{}, errors.Wrap(err, errors.TaskFailed, "sample joint")
	}
	return s.scoreDataset(ctx, xz.X, s.simWarmStart(res, j, xz.Z), theta, thetaPrime)
}

func (s *Solver) solveDataset(ctx context.Context, x any, zStart, theta []float64) ([]float64, core.SolveDiagnostics, error) {
	zhat, diag, err := s.problem.SolveLatentMAP(ctx, x, zStart, theta, s.opts.ZTol)
	if err != nil {
		return nil, diag, errors.Wrap(err, errors.LatentSolveFailed, "latent MAP solve")
	}
	return zhat, diag, nil
}

func (s *Solver) dataWarmStart(x any, res *Result, theta []float64) []float64 {
	if res.DataLatent != nil {
		return res.DataLatent
	}
	if li, ok := s.problem.(core.LatentInitializer); ok {
		return li.InitialLatent(x, theta)
	}
	return make([]float64, s.problem.LatentDim())
}

// simWarmStart prefers the simulation's previous latent solution; a
// simulation solved for the first time starts from its own drawn latent.
func (s *Solver) simWarmStart(res *Result, j int, drawn []float64) []float64 {
	if j < len(res.SimLatents) && res.SimLatents[j] != nil {
		return res.SimLatents[j]
	}
	return drawn
}

func (s *Solver) priorGradient(thetaPrime []float64) []float64 {
	if pd, ok := s.problem.(core.PriorDifferentiable); ok {
		return pd.PriorGradient(thetaPrime, core.ParamTransformed)
	}
	return numdiff.Gradient(func(t []float64) float64 {
		return s.problem.LogPrior(t, core.ParamTransformed)
	}, thetaPrime)
}

func (s *Solver) priorHessian(thetaPrime []float64) *mat.Dense {
	if pd, ok := s.problem.(core.PriorDifferentiable); ok {
		return mat.DenseCopyOf(pd.PriorHessian(thetaPrime, core.ParamTransformed))
	}
	return mat.DenseCopyOf(numdiff.Hessian(func(t []float64) float64 {
		return s.problem.LogPrior(t, core.ParamTransformed)
	}, thetaPrime))
}

// posteriorHInv folds the prior curvature into the likelihood estimate:
// inv(inv(H⁻¹_like) + H_prior).
func posteriorHInv(hinvLike, priorHess *mat.Dense) (*mat.Dense, error) {
	hLike, err := linalg.Inverse(hinvLike)
	if err != nil {
		return nil, errors.Wrap(err, errors.SingularUpdate, "invert likelihood curvature estimate")
	}
	var sum mat.Dense
	sum.Add(hLike, priorHess)
	out, err := linalg.Inverse(&sum)
	if err != nil {
		return nil, errors.Wrap(err, errors.SingularUpdate, "invert posterior curvature")
	}
	return out, nil
}

// stepDistance is the Mahalanobis-style size of the last parameter step,
// sqrt(-Δθ'ᵀ·H⁻¹_post·Δθ'), measured with the newest posterior curvature.
// ok is false while fewer than two records exist or when the curvature
// estimate is not negative definite along the step.
func (s *Solver) stepDistance(res *Result) (float64, bool) {
	n := len(res.History)
	if n < 2 {
		return 0, false
	}
	last, prev := &res.History[n-1], &res.History[n-2]
	delta := sub(last.ThetaPrime, prev.ThetaPrime)
	deltaVec := mat.NewVecDense(len(delta), delta)
	var hd mat.VecDense
	hd.MulVec(last.HInvPost, deltaVec)
	v := -mat.Dot(deltaVec, &hd)
	if v < 0 {
		return 0, false
	}
	return math.Sqrt(v), true
}

// ensureStream restores the run's parent stream, creating and recording its
// state on first use. The parent is never drawn from directly; substreams
// derive from it as a pure function of its state.
func (s *Solver) ensureStream(res *Result) (*rng.Stream, error) {
	if len(res.RNG) == 0 {
		stream := s.opts.Stream
		if stream == nil {
			stream = rng.NewSeeded(s.opts.Seed)
		}
		state, err := stream.MarshalBinary()
		if err != nil {
			return nil, errors.Wrap(err, errors.Unknown, "marshal stream state")
		}
		res.RNG = state
	}
	return rng.Restore(res.RNG)
}

func (s *Solver) saveCheckpoint(ctx context.Context, res *Result) {
	if s.opts.Checkpoint == nil {
		return
	}
	snap, err := res.Snapshot()
	if err == nil {
		err = s.opts.Checkpoint.Save(ctx, snap)
	}
	if err != nil {
		s.logger.Warn(ctx, "Checkpoint save failed: %v", err)
	}
}
