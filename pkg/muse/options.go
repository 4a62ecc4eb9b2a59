package muse

import (
	"gonum.org/v1/gonum/mat"

	"github.com/marius311/muse-go/pkg/checkpoint"
	"github.com/marius311/muse-go/pkg/core"
	"github.com/marius311/muse-go/pkg/errors"
	"github.com/marius311/muse-go/pkg/numdiff"
	"github.com/marius311/muse-go/pkg/parallel"
	"github.com/marius311/muse-go/pkg/rng"
)

// HInvUpdate selects how the inverse likelihood-Jacobian estimate evolves
// across solver iterations.
type HInvUpdate int

const (
	// HInvSims replaces the estimate every iteration with a fresh diagonal
	// built from the variance of the simulation scores.
	HInvSims HInvUpdate = iota
	// HInvBroyden applies good-Broyden inverse secant updates over a bounded
	// window of past iterations.
	HInvBroyden
	// HInvBroydenDiagonal restricts the Broyden update to per-coordinate
	// secants.
	HInvBroydenDiagonal
)

func (u HInvUpdate) String() string {
	switch u {
	case HInvSims:
		return "sims"
	case HInvBroyden:
		return "broyden"
	case HInvBroydenDiagonal:
		return "broyden-diagonal"
	default:
		return "unknown"
	}
}

// ParseHInvUpdate maps the configuration spelling back to the enum.
func ParseHInvUpdate(s string) (HInvUpdate, error) {
	switch s {
	case "sims", "":
		return HInvSims, nil
	case "broyden":
		return HInvBroyden, nil
	case "broyden-diagonal":
		return HInvBroydenDiagonal, nil
	default:
		return HInvSims, errors.Newf(errors.InvalidInput, "unknown hinv update %q", s)
	}
}

// HMode selects the H estimation algorithm.
type HMode int

const (
	// HFiniteDifference perturbs θ coordinate-by-coordinate, resampling the
	// data at the perturbed point while the latent MAP is re-solved at the
	// fiducial θ.
	HFiniteDifference HMode = iota
	// HImplicitDiff differentiates through the latent MAP with matrix-free
	// conjugate-gradient solves. Requires the LatentDifferentiable
	// capability.
	HImplicitDiff
)

func (m HMode) String() string {
	switch m {
	case HFiniteDifference:
		return "fd"
	case HImplicitDiff:
		return "implicit"
	default:
		return "unknown"
	}
}

// ParseHMode maps the configuration spelling back to the enum.
func ParseHMode(s string) (HMode, error) {
	switch s {
	case "fd", "":
		return HFiniteDifference, nil
	case "implicit":
		return HImplicitDiff, nil
	default:
		return HFiniteDifference, errors.Newf(errors.InvalidInput, "unknown h mode %q", s)
	}
}

// ParallelAxis selects which axis the J/H estimators spread across the
// executor; the other axis runs sequentially inside each task.
type ParallelAxis int

const (
	// AxisAuto parallelizes over the larger of simulation count and
	// parameter dimension.
	AxisAuto ParallelAxis = iota
	AxisSims
	AxisCoordinates
)

func (a ParallelAxis) String() string {
	switch a {
	case AxisAuto:
		return "auto"
	case AxisSims:
		return "sims"
	case AxisCoordinates:
		return "coordinates"
	default:
		return "unknown"
	}
}

// ParseParallelAxis maps the configuration spelling back to the enum.
func ParseParallelAxis(s string) (ParallelAxis, error) {
	switch s {
	case "auto", "":
		return AxisAuto, nil
	case "sims":
		return AxisSims, nil
	case "coordinates":
		return AxisCoordinates, nil
	default:
		return AxisAuto, errors.Newf(errors.InvalidInput, "unknown parallel axis %q", s)
	}
}

// Options configures a Solver. Zero values mean "use the default" where a
// default exists; construct through New so defaults and validation apply.
type Options struct {
	// NSims is the number of simulations per solver iteration and the
	// default J sample size. Default: 100.
	NSims int
	// MaxSteps caps the solver iterations. Reaching it is not an error.
	// Default: 50.
	MaxSteps int
	// ThetaRtol is the Mahalanobis step-size tolerance the convergence test
	// compares against. Default: 0.01.
	ThetaRtol float64
	// ZTol is the latent-gradient tolerance passed to every MAP solve.
	// Default: 0.01.
	ZTol float64
	// Alpha is the Newton step damping factor. Default: 0.7.
	Alpha float64
	// AlphaSchedule, when set, overrides Alpha with a per-iteration factor.
	AlphaSchedule func(iteration int) float64

	// HInvUpdate selects the inverse likelihood-Jacobian update rule.
	HInvUpdate HInvUpdate
	// BroydenMemory bounds the Broyden replay window; 0 means unbounded.
	BroydenMemory int
	// HInv0 seeds iteration 1 with a caller-supplied inverse estimate
	// instead of the simulation-based one.
	HInv0 *mat.Dense

	// GetCovariance runs the J and H estimators after the solver loop and
	// finalizes the posterior covariance.
	GetCovariance bool
	// HNSims is the H estimator's simulation count. Default: max(1, NSims/10).
	HNSims int
	// HMode selects finite-difference or implicit-differentiation H.
	HMode HMode
	// CorrectedJ selects the n-1 normalization for the score covariance.
	// Default: true.
	CorrectedJ bool
	// Stencil is the finite-differencing stencil for H columns.
	Stencil numdiff.Stencil
	// FDStepFraction scales the estimated per-coordinate marginal standard
	// deviation into a finite-difference step. Default: 0.1.
	FDStepFraction float64
	// ParallelAxis selects the estimator axis spread across the executor.
	ParallelAxis ParallelAxis

	// SkipFailures drops failed simulations from aggregates instead of
	// aborting; the effective counts are surfaced in the result metadata.
	SkipFailures bool
	// SaveLatents retains the latent MAP solutions in every history record.
	SaveLatents bool
	// Regularize, when set, adjusts the transformed θ after each Newton step.
	Regularize func(thetaPrime []float64) []float64

	// Seed seeds the run's parent random stream. Ignored when Stream is set.
	Seed uint64
	// Stream supplies the parent random stream directly.
	Stream *rng.Stream

	// Executor runs simulation and differencing tasks. Default: serial.
	Executor parallel.Executor
	// Reporter receives one tick per completed simulation task.
	Reporter core.Reporter
	// Checkpoint, when set, persists a snapshot after every iteration.
	Checkpoint checkpoint.Store
}

// Option mutates Options before validation.
type Option func(*Options)

func WithNSims(n int) Option          { return func(o *Options) { o.NSims = n } }
func WithMaxSteps(n int) Option       { return func(o *Options) { o.MaxSteps = n } }
func WithThetaRtol(tol float64) Option { return func(o *Options) { o.ThetaRtol = tol } }
func WithZTol(tol float64) Option     { return func(o *Options) { o.ZTol = tol } }
func WithAlpha(alpha float64) Option  { return func(o *Options) { o.Alpha = alpha } }

func WithAlphaSchedule(schedule func(iteration int) float64) Option {
	return func(o *Options) { o.AlphaSchedule = schedule }
}

func WithHInvUpdate(u HInvUpdate) Option { return func(o *Options) { o.HInvUpdate = u } }
func WithBroydenMemory(m int) Option     { return func(o *Options) { o.BroydenMemory = m } }
func WithInitialHInv(h *mat.Dense) Option {
	return func(o *Options) { o.HInv0 = h }
}

func WithCovariance(enabled bool) Option { return func(o *Options) { o.GetCovariance = enabled } }
func WithHNSims(n int) Option            { return func(o *Options) { o.HNSims = n } }
func WithHMode(m HMode) Option           { return func(o *Options) { o.HMode = m } }
func WithCorrectedJ(corrected bool) Option {
	return func(o *Options) { o.CorrectedJ = corrected }
}
func WithStencil(s numdiff.Stencil) Option { return func(o *Options) { o.Stencil = s } }
func WithFDStepFraction(frac float64) Option {
	return func(o *Options) { o.FDStepFraction = frac }
}
func WithParallelAxis(a ParallelAxis) Option { return func(o *Options) { o.ParallelAxis = a } }

func WithSkipFailures(skip bool) Option { return func(o *Options) { o.SkipFailures = skip } }
func WithSaveLatents(save bool) Option  { return func(o *Options) { o.SaveLatents = save } }
func WithRegularization(fn func(thetaPrime []float64) []float64) Option {
	return func(o *Options) { o.Regularize = fn }
}

func WithSeed(seed uint64) Option        { return func(o *Options) { o.Seed = seed } }
func WithStream(s *rng.Stream) Option    { return func(o *Options) { o.Stream = s } }
func WithExecutor(e parallel.Executor) Option {
	return func(o *Options) { o.Executor = e }
}
func WithReporter(r core.Reporter) Option { return func(o *Options) { o.Reporter = r } }
func WithCheckpoints(store checkpoint.Store) Option {
	return func(o *Options) { o.Checkpoint = store }
}

func defaultOptions() Options {
	return Options{
		NSims:          100,
		MaxSteps:       50,
		ThetaRtol:      0.01,
		ZTol:           0.01,
		Alpha:          0.7,
		HInvUpdate:     HInvSims,
		CorrectedJ:     true,
		HMode:          HFiniteDifference,
		Stencil:        numdiff.Central,
		FDStepFraction: numdiff.StepFraction,
		ParallelAxis:   AxisAuto,
		Executor:       parallel.Serial{},
		Reporter:       core.NopReporter{},
	}
}

func (o *Options) validate() error {
	switch {
	case o.NSims < 2:
		return errors.Newf(errors.ValidationFailed, "nsims %d: need at least 2 simulations", o.NSims)
	case o.MaxSteps < 1:
		return errors.Newf(errors.ValidationFailed, "maxsteps %d: need at least 1", o.MaxSteps)
	case o.ThetaRtol <= 0:
		return errors.Newf(errors.ValidationFailed, "theta rtol %g: must be positive", o.ThetaRtol)
	case o.ZTol <= 0:
		return errors.Newf(errors.ValidationFailed, "z tol %g: must be positive", o.ZTol)
	case o.Alpha <= 0 && o.AlphaSchedule == nil:
		return errors.Newf(errors.ValidationFailed, "alpha %g: must be positive", o.Alpha)
	case o.BroydenMemory < 0:
		return errors.Newf(errors.ValidationFailed, "broyden memory %d: must be >= 0", o.BroydenMemory)
	case o.HNSims < 0:
		return errors.Newf(errors.ValidationFailed, "h nsims %d: must be >= 0", o.HNSims)
	case o.FDStepFraction <= 0:
		return errors.Newf(errors.ValidationFailed, "fd step fraction %g: must be positive", o.FDStepFraction)
	case o.Executor == nil:
		return errors.New(errors.ValidationFailed, "executor is nil")
	case o.Reporter == nil:
		return errors.New(errors.ValidationFailed, "reporter is nil")
	}
	return nil
}

// hNSims resolves the H estimator's simulation count.
func (o *Options) hNSims() int {
	if o.HNSims > 0 {
		return o.HNSims
	}
	return max(1, o.NSims/10)
}

// alpha resolves the damping factor for one iteration.
func (o *Options) alpha(iteration int) float64 {
	if o.AlphaSchedule != nil {
		return o.AlphaSchedule(iteration)
	}
	return o.Alpha
}
