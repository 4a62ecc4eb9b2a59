package problems

import (
	"context"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distmv"

	"github.com/marius311/muse-go/pkg/core"
	"github.com/marius311/muse-go/pkg/errors"
	"github.com/marius311/muse-go/pkg/linalg"
	"github.com/marius311/muse-go/pkg/rng"
)

// LinearGaussian is the jointly Gaussian hierarchical model
//
//	z | θ ~ N(M·θ, Q)
//	x | z ~ N(A·z, R)
//	    θ ~ N(μ₀, C₀)
//
// Everything is linear in θ, so the marginal posterior over θ is Gaussian in
// closed form (MarginalPosterior); estimates can be checked exactly. The
// natural and working parameterizations coincide.
type LinearGaussian struct {
	m, a *mat.Dense

	cholQ, cholR, cholLatent mat.Cholesky
	lq                       *mat.TriDense // lower factor of Q, for sampling
	lr                       *mat.TriDense

	qInv, rInv, priorInv *mat.SymDense

	mu0   []float64
	c0    *mat.SymDense
	prior *distmv.Normal

	paramDim, latentDim, dataDim int
}

// NewLinearGaussian builds the model from its matrices: M is latent×param,
// A is data×latent, Q and R the latent and data noise covariances, and
// (mu0, c0) the Gaussian prior on θ.
func NewLinearGaussian(m, a *mat.Dense, q, r *mat.SymDense, mu0 []float64, c0 *mat.SymDense) (*LinearGaussian, error) {
	latentDim, paramDim := m.Dims()
	dataDim, an := a.Dims()
	if an != latentDim {
		return nil, errors.Newf(errors.InvalidInput,
			"linear gaussian: A has %d columns, M has %d rows", an, latentDim)
	}
	if qn := q.SymmetricDim(); qn != latentDim {
		return nil, errors.Newf(errors.InvalidInput, "linear gaussian: Q is %d×%d, want %d", qn, qn, latentDim)
	}
	if rn := r.SymmetricDim(); rn != dataDim {
		return nil, errors.Newf(errors.InvalidInput, "linear gaussian: R is %d×%d, want %d", rn, rn, dataDim)
	}
	if len(mu0) != paramDim || c0.SymmetricDim() != paramDim {
		return nil, errors.New(errors.InvalidInput, "linear gaussian: prior dimensions do not match M")
	}

	lg := &LinearGaussian{
		m: mat.DenseCopyOf(m), a: mat.DenseCopyOf(a),
		mu0: append([]float64(nil), mu0...),
		c0:  mat.NewSymDense(paramDim, nil),
		paramDim: paramDim, latentDim: latentDim, dataDim: dataDim,
	}
	lg.c0.CopySym(c0)

	if ok := lg.cholQ.Factorize(q); !ok {
		return nil, errors.New(errors.InvalidInput, "linear gaussian: Q is not positive definite")
	}
	if ok := lg.cholR.Factorize(r); !ok {
		return nil, errors.New(errors.InvalidInput, "linear gaussian: R is not positive definite")
	}
	lg.lq = mat.NewTriDense(latentDim, mat.Lower, nil)
	lg.cholQ.LTo(lg.lq)
	lg.lr = mat.NewTriDense(dataDim, mat.Lower, nil)
	lg.cholR.LTo(lg.lr)

	var err error
	if lg.qInv, err = linalg.InverseSym(q); err != nil {
		return nil, err
	}
	if lg.rInv, err = linalg.InverseSym(r); err != nil {
		return nil, err
	}
	if lg.priorInv, err = linalg.InverseSym(lg.c0); err != nil {
		return nil, err
	}

	// latent posterior precision Q⁻¹ + AᵀR⁻¹A, factorized once; every MAP
	// solve reuses it
	var ara mat.Dense
	ara.Product(lg.a.T(), lg.rInv, lg.a)
	prec := mat.NewDense(latentDim, latentDim, nil)
	prec.Add(lg.qInv, &ara)
	precSym, err := linalg.Symmetrize(prec)
	if err != nil {
		return nil, err
	}
	if ok := lg.cholLatent.Factorize(precSym); !ok {
		return nil, errors.New(errors.InvalidInput, "linear gaussian: latent precision is not positive definite")
	}

	var ok bool
	lg.prior, ok = distmv.NewNormal(lg.mu0, lg.c0, nil)
	if !ok {
		return nil, errors.New(errors.InvalidInput, "linear gaussian: prior covariance is not positive definite")
	}
	return lg, nil
}

func (lg *LinearGaussian) ParamDim() int  { return lg.paramDim }
func (lg *LinearGaussian) LatentDim() int { return lg.latentDim }

func (lg *LinearGaussian) SampleJoint(stream *rng.Stream, theta []float64) (core.JointSample, error) {
	z := lg.latentMean(theta)
	addNoise(z, lg.lq, stream)

	x := make([]float64, lg.dataDim)
	xVec := mat.NewVecDense(lg.dataDim, x)
	xVec.MulVec(lg.a, mat.NewVecDense(lg.latentDim, z))
	addNoise(x, lg.lr, stream)

	return core.JointSample{X: x, Z: z}, nil
}

// addNoise adds L·ε to v for a standard normal ε drawn from the stream.
func addNoise(v []float64, l *mat.TriDense, stream *rng.Stream) {
	n := len(v)
	eps := mat.NewVecDense(n, nil)
	for i := 0; i < n; i++ {
		eps.SetVec(i, stream.NormFloat64())
	}
	var noise mat.VecDense
	noise.MulVec(l, eps)
	for i := 0; i < n; i++ {
		v[i] += noise.AtVec(i)
	}
}

func (lg *LinearGaussian) latentMean(theta []float64) []float64 {
	out := make([]float64, lg.latentDim)
	mat.NewVecDense(lg.latentDim, out).MulVec(lg.m, mat.NewVecDense(lg.paramDim, theta))
	return out
}

// SolveLatentMAP maximizes the quadratic joint exactly by solving
// (Q⁻¹ + AᵀR⁻¹A)·ẑ = Q⁻¹Mθ + AᵀR⁻¹x against the prefactorized precision.
func (lg *LinearGaussian) SolveLatentMAP(ctx context.Context, x any, zStart, theta []float64, gradTol float64) ([]float64, core.SolveDiagnostics, error) {
	if err := errors.CheckContext(ctx, "linear gaussian latent solve"); err != nil {
		return nil, core.SolveDiagnostics{}, err
	}
	xs, ok := x.([]float64)
	if !ok {
		return nil, core.SolveDiagnostics{}, errors.New(errors.InvalidInput, "linear gaussian: data is not []float64")
	}

	var qm, rx mat.VecDense
	qm.MulVec(lg.qInv, mat.NewVecDense(lg.latentDim, lg.latentMean(theta)))
	var rxInner mat.VecDense
	rxInner.MulVec(lg.rInv, mat.NewVecDense(lg.dataDim, xs))
	rx.MulVec(lg.a.T(), &rxInner)

	rhs := mat.NewVecDense(lg.latentDim, nil)
	rhs.AddVec(&qm, &rx)

	var zhat mat.VecDense
	if err := lg.cholLatent.SolveVecTo(&zhat, rhs); err != nil {
		return nil, core.SolveDiagnostics{}, errors.Wrap(err, errors.LatentSolveFailed, "solve latent precision system")
	}
	out := make([]float64, lg.latentDim)
	copy(out, zhat.RawVector().Data)
	return out, core.SolveDiagnostics{Iterations: 1, GradNorm: 0, Converged: true}, nil
}

// Score is Mᵀ·Q⁻¹·(z − Mθ); only the z | θ factor depends on θ. The two
// parameterizations coincide.
func (lg *LinearGaussian) Score(x any, z, theta []float64, param core.Parameterization) ([]float64, error) {
	resid := make([]float64, lg.latentDim)
	mean := lg.latentMean(theta)
	for i := range resid {
		resid[i] = z[i] - mean[i]
	}
	var qr, g mat.VecDense
	qr.MulVec(lg.qInv, mat.NewVecDense(lg.latentDim, resid))
	g.MulVec(lg.m.T(), &qr)

	out := make([]float64, lg.paramDim)
	copy(out, g.RawVector().Data)
	return out, nil
}

func (lg *LinearGaussian) LatentGradient(x any, z, theta []float64) ([]float64, error) {
	xs, ok := x.([]float64)
	if !ok {
		return nil, errors.New(errors.InvalidInput, "linear gaussian: data is not []float64")
	}
	mean := lg.latentMean(theta)
	resid := make([]float64, lg.latentDim)
	for i := range resid {
		resid[i] = z[i] - mean[i]
	}
	var qTerm mat.VecDense
	qTerm.MulVec(lg.qInv, mat.NewVecDense(lg.latentDim, resid))

	dataResid := make([]float64, lg.dataDim)
	var az mat.VecDense
	az.MulVec(lg.a, mat.NewVecDense(lg.latentDim, z))
	for i := range dataResid {
		dataResid[i] = xs[i] - az.AtVec(i)
	}
	var rInner, rTerm mat.VecDense
	rInner.MulVec(lg.rInv, mat.NewVecDense(lg.dataDim, dataResid))
	rTerm.MulVec(lg.a.T(), &rInner)

	out := make([]float64, lg.latentDim)
	for i := range out {
		out[i] = -qTerm.AtVec(i) + rTerm.AtVec(i)
	}
	return out, nil
}

func (lg *LinearGaussian) LogPrior(theta []float64, param core.Parameterization) float64 {
	return lg.prior.LogProb(theta)
}

func (lg *LinearGaussian) PriorGradient(theta []float64, param core.Parameterization) []float64 {
	resid := make([]float64, lg.paramDim)
	for i := range resid {
		resid[i] = theta[i] - lg.mu0[i]
	}
	var g mat.VecDense
	g.MulVec(lg.priorInv, mat.NewVecDense(lg.paramDim, resid))
	out := make([]float64, lg.paramDim)
	for i := range out {
		out[i] = -g.AtVec(i)
	}
	return out
}

func (lg *LinearGaussian) PriorHessian(theta []float64, param core.Parameterization) *mat.SymDense {
	out := mat.NewSymDense(lg.paramDim, nil)
	out.CopySym(lg.priorInv)
	out.ScaleSym(-1, out)
	return out
}

func (lg *LinearGaussian) Transform(theta []float64) []float64 {
	return append([]float64(nil), theta...)
}

func (lg *LinearGaussian) InverseTransform(eta []float64) []float64 {
	return append([]float64(nil), eta...)
}

func (lg *LinearGaussian) Standardize(theta []float64) []float64 {
	return append([]float64(nil), theta...)
}

// MarginalPosterior returns the exact posterior over θ given data x. With
// G = A·M and S = A·Q·Aᵀ + R the marginal likelihood is x | θ ~ N(Gθ, S), so
//
//	Λ = GᵀS⁻¹G + C₀⁻¹,  mean = Λ⁻¹·(GᵀS⁻¹x + C₀⁻¹μ₀),  cov = Λ⁻¹.
func (lg *LinearGaussian) MarginalPosterior(x []float64) (mean []float64, cov *mat.SymDense, err error) {
	var g mat.Dense
	g.Mul(lg.a, lg.m)

	var aq, aqat mat.Dense
	aq.Mul(lg.a, lg.qFull())
	aqat.Mul(&aq, lg.a.T())

	s := mat.NewDense(lg.dataDim, lg.dataDim, nil)
	s.Add(&aqat, lg.rFull())
	sSym, err := linalg.Symmetrize(s)
	if err != nil {
		return nil, nil, err
	}
	sInv, err := linalg.InverseSym(sSym)
	if err != nil {
		return nil, nil, err
	}

	var gsg mat.Dense
	gsg.Product(g.T(), sInv, &g)
	lambda := mat.NewDense(lg.paramDim, lg.paramDim, nil)
	lambda.Add(&gsg, lg.priorInv)
	lambdaSym, err := linalg.Symmetrize(lambda)
	if err != nil {
		return nil, nil, err
	}
	cov, err = linalg.InverseSym(lambdaSym)
	if err != nil {
		return nil, nil, err
	}

	var sx, gsx, pm, rhs, mu mat.VecDense
	sx.MulVec(sInv, mat.NewVecDense(lg.dataDim, x))
	gsx.MulVec(g.T(), &sx)
	pm.MulVec(lg.priorInv, mat.NewVecDense(lg.paramDim, lg.mu0))
	rhs.AddVec(&gsx, &pm)
	mu.MulVec(cov, &rhs)

	mean = make([]float64, lg.paramDim)
	copy(mean, mu.RawVector().Data)
	return mean, cov, nil
}

// qFull and rFull rebuild the dense covariances from their Cholesky factors,
// only used by the closed-form posterior.
func (lg *LinearGaussian) qFull() *mat.Dense {
	var q mat.Dense
	q.Mul(lg.lq, lg.lq.T())
	return &q
}

func (lg *LinearGaussian) rFull() *mat.Dense {
	var r mat.Dense
	r.Mul(lg.lr, lg.lr.T())
	return &r
}
