// Package frank reconstructs axisymmetric brightness profiles from
// interferometric visibilities with a Gaussian process in a Discrete Hankel
// Transform basis, estimating the prior power spectrum from the data.
package frank

import (
	"fmt"
	"math"
	"math/rand/v2"

	"gonum.org/v1/gonum/mat"

	"github.com/mariajmellado/frankenstein2D/monitoring"
)

// rho weights each power spectrum mode; it is fixed at 1.
const rho = 1.0

// spectrumFloor bounds every spectrum entry below by this fraction of the
// largest entry.
const spectrumFloor = 1e-30

// State is the stage a FrankFitter has reached.
type State int

const (
	StateUnfit State = iota
	StateAccumulating
	StateIterating
	StateConverged
	StateMaxIterReached
	StateSolved
)

func (s State) String() string {
	switch s {
	case StateUnfit:
		return "unfit"
	case StateAccumulating:
		return "accumulating"
	case StateIterating:
		return "iterating"
	case StateConverged:
		return "converged"
	case StateMaxIterReached:
		return "max-iter-reached"
	case StateSolved:
		return "solved"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// FrankFitter reconstructs a radial brightness profile from deprojected
// visibilities. The power spectrum of the Gaussian process prior is
// estimated from the data by an empirical-Bayes fixed point regularized
// by a log-frequency smoothness prior.
//
// The iteration stops once max_k |Δp_k| <= tol·max_k p_k, so convergence
// is measured against the peak of the spectrum. Modes the data do not
// constrain, typically at high q, carry little power and may still drift
// by more than tol relative to their own value when the fit is declared
// converged.
//
// A FrankFitter is not safe for concurrent calls to Fit.
type FrankFitter struct {
	basis    Basis
	cfg      config
	builder  *DesignMatrixBuilder
	smoother *SmoothingOperator
	ykm      *mat.Dense
	rng      rand.Source

	state  State
	result *Result
}

// NewFrankFitter validates the hyperparameters and prepares the smoothing
// operator over the basis frequencies.
func NewFrankFitter(basis Basis, options ...Option) (*FrankFitter, error) {
	if basis == nil {
		return nil, fmt.Errorf("%w: nil basis", ErrInvalidConfig)
	}
	cfg := newConfig(options)
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	builder, err := NewDesignMatrixBuilder(basis, options...)
	if err != nil {
		return nil, err
	}
	smoother, err := NewSmoothingOperator(basis.Q(), cfg.smooth)
	if err != nil {
		return nil, err
	}
	return &FrankFitter{
		basis:    basis,
		cfg:      cfg,
		builder:  builder,
		smoother: smoother,
		ykm:      basis.Coefficients(nil),
		rng:      cfg.source(),
	}, nil
}

// State returns the stage reached by the last call to Fit.
func (f *FrankFitter) State() State { return f.state }

// Smoother returns the smoothness operator used by the fit.
func (f *FrankFitter) Smoother() *SmoothingOperator { return f.smoother }

// Fit runs the full reconstruction on (q, V, w). Reaching the iteration cap
// is not an error; it is reported by Result.Converged.
func (f *FrankFitter) Fit(q, V, w []float64) (*Result, error) {
	f.state = StateUnfit
	f.result = nil

	stats, err := f.builder.Build(q, V, w)
	if err != nil {
		return nil, err
	}
	f.state = StateAccumulating
	return f.FitStatistics(stats)
}

// FitStatistics runs the power spectrum iteration on prebuilt statistics.
func (f *FrankFitter) FitStatistics(stats *Statistics) (*Result, error) {
	if stats == nil {
		return nil, fmt.Errorf("%w: nil statistics", ErrInvalidInput)
	}
	n := f.basis.Size()
	shape := f.cfg.alpha - 1 + 0.5*rho
	f.state = StateIterating

	// Seed the scale of p from a flat-spectrum solve.
	p := make([]float64, n)
	for k := range p {
		p[k] = 1
	}
	fit, err := f.posterior(stats, p)
	if err != nil {
		return nil, err
	}
	peak := 0.0
	for _, v := range f.project(fit) {
		peak = math.Max(peak, math.Abs(v))
	}
	if peak == 0 || !finite(peak) {
		return nil, fmt.Errorf("%w: visibilities carry no signal in the basis", ErrInvalidInput)
	}
	q := f.basis.Q()
	for k := range p {
		p[k] = peak * peak / shape * math.Pow(q[k]/q[0], -2)
	}
	if fit, err = f.posterior(stats, p); err != nil {
		return nil, err
	}

	// One unsmoothed update.
	tr1, tr2, err := f.traces(fit)
	if err != nil {
		return nil, err
	}
	for k := range p {
		p[k] = (f.cfg.p0 + 0.5*(tr1[k]+tr2[k])) / shape
	}
	if err := floorSpectrum(p); err != nil {
		return nil, err
	}
	if fit, err = f.posterior(stats, p); err != nil {
		return nil, err
	}

	converged := false
	count := 0
	for count < f.cfg.maxIter {
		next, err := f.step(fit, p)
		if err != nil {
			return nil, err
		}
		count++

		diff, scale := 0.0, 0.0
		for k := range next {
			diff = math.Max(diff, math.Abs(next[k]-p[k]))
			scale = math.Max(scale, math.Abs(next[k]))
		}
		p = next
		if fit, err = f.posterior(stats, p); err != nil {
			return nil, err
		}
		if diff <= f.cfg.tol*scale {
			converged = true
			break
		}
	}

	if converged {
		f.state = StateConverged
		monitoring.Logf("frank: power spectrum converged after %d iterations", count)
	} else {
		f.state = StateMaxIterReached
		monitoring.Logf("frank: power spectrum not converged after %d iterations (tol=%g)", count, f.cfg.tol)
	}

	psCov, kind, err := f.spectrumCovariance(fit)
	if err != nil {
		return nil, err
	}
	if kind == FactorSVD {
		monitoring.Logf("frank: power spectrum Hessian is not positive definite, using SVD pseudo-inverse")
	}

	f.result = &Result{
		Solution:                fit,
		PowerSpectrum:           append([]float64(nil), p...),
		Converged:               converged,
		Iterations:              count,
		Factorization:           fit.Factorization(),
		CovarianceFactorization: kind,
		stats:                   stats,
		psCov:                   psCov,
		alpha:                   f.cfg.alpha,
		p0:                      f.cfg.p0,
		smooth:                  f.cfg.smooth,
	}
	f.state = StateSolved
	return f.result, nil
}

// posterior builds the regressor at trial spectrum p.
func (f *FrankFitter) posterior(stats *Statistics, p []float64) (*HankelRegressor, error) {
	return NewHankelRegressor(f.basis, stats.M, stats.J, p, stats.H0)
}

// project returns Ykm·μ, the posterior mean in visibility space at the
// collocation frequencies.
func (f *FrankFitter) project(fit *HankelRegressor) []float64 {
	var mq mat.VecDense
	mq.MulVec(f.ykm, fit.mu)
	return mq.RawVector().Data
}

// traces returns the projected signal power Tr1 = (Ykm μ)² and the
// projected posterior variance Tr2 = diag(Ykm D Ykmᵀ) per mode.
func (f *FrankFitter) traces(fit *HankelRegressor) (tr1, tr2 []float64, err error) {
	x, err := fit.Dsolve(f.ykm.T())
	if err != nil {
		return nil, nil, err
	}
	mq := f.project(fit)
	n := len(mq)
	tr1 = make([]float64, n)
	tr2 = make([]float64, n)
	for k := 0; k < n; k++ {
		tr1[k] = mq[k] * mq[k]
		sum := 0.0
		for i := 0; i < n; i++ {
			sum += f.ykm.At(k, i) * x.At(i, k)
		}
		tr2[k] = sum
	}
	return tr1, tr2, nil
}

// step applies one smoothed fixed-point update to p given the posterior at p.
func (f *FrankFitter) step(fit *HankelRegressor, p []float64) ([]float64, error) {
	tr1, tr2, err := f.traces(fit)
	if err != nil {
		return nil, err
	}
	shape := f.cfg.alpha - 1 + 0.5*rho
	rhs := make([]float64, len(p))
	for k := range p {
		beta := (f.cfg.p0+0.5*(tr1[k]+tr2[k]))/p[k] - shape
		rhs[k] = beta + math.Log(p[k])
	}
	x, err := f.smoother.SolveShifted(rhs)
	if err != nil {
		return nil, err
	}
	for k := range x {
		x[k] = math.Exp(x[k])
	}
	if err := floorSpectrum(x); err != nil {
		return nil, err
	}
	return x, nil
}

// floorSpectrum raises every entry of p to at least spectrumFloor·max(p).
func floorSpectrum(p []float64) error {
	pmax := 0.0
	for k, v := range p {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("%w: power spectrum entry %d is %g", ErrNumerical, k, v)
		}
		pmax = math.Max(pmax, v)
	}
	if pmax <= 0 {
		return fmt.Errorf("%w: power spectrum collapsed to zero", ErrNumerical)
	}
	lo := pmax * spectrumFloor
	for k := range p {
		if p[k] < lo {
			p[k] = lo
		}
	}
	return nil
}

// spectrumCovariance returns the Laplace approximation to the covariance of
// log p at the MAP spectrum, inverting the Hessian of the negative log
// posterior.
func (f *FrankFitter) spectrumCovariance(fit *HankelRegressor) (*mat.SymDense, Factorization, error) {
	hess, err := f.hessian(fit)
	if err != nil {
		return nil, FactorNone, err
	}
	fact, err := factorize(hess)
	if err != nil {
		return nil, FactorNone, err
	}
	cov, err := fact.inverse()
	if err != nil {
		return nil, FactorNone, err
	}
	return cov, fact.kind, nil
}

// hessian is
//
//	H = diag(α−1+ρ/2 + Tτ) + T − ½ (1/p)(1/p)ᵀ ∘ (2 mq mqᵀ + Dqq) ∘ Dqq
//
// with τ = log p, mq = Ykm μ and Dqq = Ykm D Ykmᵀ.
func (f *FrankFitter) hessian(fit *HankelRegressor) (*mat.SymDense, error) {
	x, err := fit.Dsolve(f.ykm.T())
	if err != nil {
		return nil, err
	}
	var dqq mat.Dense
	dqq.Mul(f.ykm, x)
	sym := symmetrize(&dqq)

	p := fit.p
	mq := f.project(fit)
	n := len(p)
	tau := make([]float64, n)
	for k, pk := range p {
		tau[k] = math.Log(pk)
	}
	ttau := f.smoother.Apply(tau)
	t := f.smoother.Dense()
	shape := f.cfg.alpha - 1 + 0.5*rho

	hess := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			d := sym.At(i, j)
			v := t.At(i, j) - 0.5/(p[i]*p[j])*(2*mq[i]*mq[j]+d)*d
			if i == j {
				v += shape + ttau[i]
			}
			hess.SetSym(i, j, v)
		}
	}
	return hess, nil
}

// Result returns the outcome of the last successful fit.
func (f *FrankFitter) Result() (*Result, error) {
	if f.result == nil {
		return nil, ErrNotFitted
	}
	return f.result, nil
}

// MAPSolution returns the posterior at the MAP power spectrum.
func (f *FrankFitter) MAPSolution() (*HankelRegressor, error) {
	if f.result == nil {
		return nil, ErrNotFitted
	}
	return f.result.Solution, nil
}

// MAPSpectrum returns a copy of the MAP power spectrum.
func (f *FrankFitter) MAPSpectrum() ([]float64, error) {
	if f.result == nil {
		return nil, ErrNotFitted
	}
	return append([]float64(nil), f.result.PowerSpectrum...), nil
}

// MAPSpectrumCovariance returns the covariance of log p at the MAP spectrum.
func (f *FrankFitter) MAPSpectrumCovariance() (*mat.SymDense, error) {
	if f.result == nil {
		return nil, ErrNotFitted
	}
	return f.result.SpectrumCovariance(), nil
}

// DrawPowerSpectrum draws n power spectra from the Laplace approximation,
// log p ~ N(log p_MAP, Σ), one per row.
func (f *FrankFitter) DrawPowerSpectrum(n int) (*mat.Dense, error) {
	if f.result == nil {
		return nil, ErrNotFitted
	}
	return f.result.DrawPowerSpectrum(n, f.rng)
}

// LogPrior evaluates the unnormalized log prior of spectrum p in log p
// coordinates:
//
//	Σ_k [−p0/p_k − (α−1) log p_k] − ½ τᵀTτ,  τ = log p
//
// A nil p selects the MAP spectrum. Any p_k <= 0 gives −Inf.
func (f *FrankFitter) LogPrior(p []float64) (float64, error) {
	if p == nil {
		if f.result == nil {
			return 0, ErrNotFitted
		}
		p = f.result.PowerSpectrum
	}
	if len(p) != f.basis.Size() {
		return 0, fmt.Errorf("%w: power spectrum has %d entries, basis has %d", ErrInvalidInput, len(p), f.basis.Size())
	}
	tau := make([]float64, len(p))
	like := 0.0
	for k, pk := range p {
		if !(pk > 0) {
			return math.Inf(-1), nil
		}
		tau[k] = math.Log(pk)
		like += -f.cfg.p0/pk - (f.cfg.alpha-1)*tau[k]
	}
	like -= 0.5 * f.smoother.Penalty(tau)
	return like, nil
}
