package frank

import (
	"fmt"
	"math"
	"math/rand/v2"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distmv"

	"github.com/mariajmellado/frankenstein2D/monitoring"
)

// HankelRegressor is the Gaussian posterior P(I | V, p) of the collocation
// intensities given the sufficient statistics and, optionally, a power
// spectrum prior:
//
//	D⁻¹ = M + Yᵀ diag(1/p) Y,  μ = D j
//
// Without a power spectrum the regressor reduces to ordinary least squares.
type HankelRegressor struct {
	basis Basis
	m     *mat.SymDense
	j     *mat.VecDense
	h0    float64
	p     []float64

	sinv *mat.SymDense // nil without a prior
	dinv *mat.SymDense
	fact *factorization
	mu   *mat.VecDense
	cov  *mat.SymDense // lazily computed
}

// NewHankelRegressor factorizes the posterior precision and solves for the
// mean. p may be nil; entries p_k <= 0 leave mode k unconstrained.
// noiseLikelihood is the data constant H0 added to log-likelihoods.
func NewHankelRegressor(basis Basis, M *mat.SymDense, j *mat.VecDense, p []float64, noiseLikelihood float64) (*HankelRegressor, error) {
	if basis == nil {
		return nil, fmt.Errorf("%w: nil basis", ErrInvalidConfig)
	}
	n := basis.Size()
	if M == nil || M.SymmetricDim() != n {
		return nil, fmt.Errorf("%w: design matrix must be %d×%d", ErrInvalidInput, n, n)
	}
	if j == nil || j.Len() != n {
		return nil, fmt.Errorf("%w: information vector must have length %d", ErrInvalidInput, n)
	}
	if p != nil && len(p) != n {
		return nil, fmt.Errorf("%w: power spectrum has %d entries, basis has %d", ErrInvalidInput, len(p), n)
	}
	for k, pk := range p {
		if math.IsNaN(pk) {
			return nil, fmt.Errorf("%w: power spectrum entry %d is NaN", ErrInvalidInput, k)
		}
	}

	h := &HankelRegressor{
		basis: basis,
		m:     M,
		j:     j,
		h0:    noiseLikelihood,
		dinv:  mat.NewSymDense(n, nil),
	}
	if p != nil {
		h.p = append([]float64(nil), p...)
		h.sinv = priorPrecision(basis.Coefficients(nil), h.p)
		h.dinv.AddSym(M, h.sinv)
	} else {
		h.dinv.CopySym(M)
	}

	fact, err := factorize(h.dinv)
	if err != nil {
		return nil, err
	}
	if fact.kind == FactorSVD {
		monitoring.Logf("frank: posterior precision is not positive definite, using SVD pseudo-inverse")
	}
	h.fact = fact

	h.mu = mat.NewVecDense(n, nil)
	if err := fact.solveVecTo(h.mu, j); err != nil {
		return nil, err
	}
	return h, nil
}

// priorPrecision returns Yᵀ diag(1/p) Y with 1/p_k taken as zero for
// p_k <= 0.
func priorPrecision(y *mat.Dense, p []float64) *mat.SymDense {
	n := len(p)
	// Scale row k of a copy of Y by sqrt(1/p_k).
	x := mat.DenseCopyOf(y)
	raw := x.RawMatrix()
	for k, pk := range p {
		s := 0.0
		if pk > 0 && !math.IsInf(pk, 1) {
			s = 1 / math.Sqrt(pk)
		}
		row := raw.Data[k*raw.Stride : k*raw.Stride+n]
		for i := range row {
			row[i] *= s
		}
	}
	var sinv mat.SymDense
	sinv.SymOuterK(1, x.T())
	return &sinv
}

// Dsolve solves D⁻¹ x = b with the cached factorization.
func (h *HankelRegressor) Dsolve(b mat.Matrix) (*mat.Dense, error) {
	var x mat.Dense
	if err := h.fact.solveTo(&x, b); err != nil {
		return nil, err
	}
	return &x, nil
}

// DsolveVec solves D⁻¹ x = b for a single right-hand side.
func (h *HankelRegressor) DsolveVec(b mat.Vector) (*mat.VecDense, error) {
	var x mat.VecDense
	if err := h.fact.solveVecTo(&x, b); err != nil {
		return nil, err
	}
	return &x, nil
}

// Mean returns a copy of the posterior mean intensity at the collocation
// radii.
func (h *HankelRegressor) Mean() []float64 {
	return append([]float64(nil), h.mu.RawVector().Data...)
}

// Covariance returns the posterior covariance D. It costs O(N³) on first
// call and is cached afterwards.
func (h *HankelRegressor) Covariance() (*mat.SymDense, error) {
	if h.cov == nil {
		cov, err := h.fact.inverse()
		if err != nil {
			return nil, err
		}
		h.cov = cov
	}
	return mat.NewSymDense(h.cov.SymmetricDim(), append([]float64(nil), h.cov.RawSymmetric().Data...)), nil
}

// Sinv returns the prior precision Yᵀ diag(1/p) Y, or nil without a prior.
func (h *HankelRegressor) Sinv() *mat.SymDense {
	if h.sinv == nil {
		return nil
	}
	return mat.NewSymDense(h.sinv.SymmetricDim(), append([]float64(nil), h.sinv.RawSymmetric().Data...))
}

// Precision returns the posterior precision D⁻¹.
func (h *HankelRegressor) Precision() *mat.SymDense {
	return mat.NewSymDense(h.dinv.SymmetricDim(), append([]float64(nil), h.dinv.RawSymmetric().Data...))
}

// Factorization reports how D⁻¹ was inverted.
func (h *HankelRegressor) Factorization() Factorization { return h.fact.kind }

// LogLikelihood returns log P(V | p) when I is nil and log P(I, V | p)
// otherwise. The power spectrum prior P(p) is not included.
func (h *HankelRegressor) LogLikelihood(I []float64) (float64, error) {
	n := h.basis.Size()
	if I == nil {
		like := 0.5*mat.Dot(h.j, h.mu) + h.h0
		if h.sinv != nil {
			ds, err := h.Dsolve(h.sinv)
			if err != nil {
				return 0, err
			}
			like += 0.5 * logDet(ds)
		}
		return like, nil
	}

	if len(I) != n {
		return 0, fmt.Errorf("%w: intensity has %d entries, basis has %d", ErrInvalidInput, len(I), n)
	}
	iv := mat.NewVecDense(n, append([]float64(nil), I...))
	like := 0.5*mat.Dot(h.j, iv) - 0.5*mat.Inner(iv, h.dinv, iv) + h.h0
	if h.sinv != nil {
		var s mat.Dense
		s.Scale(2*math.Pi, h.sinv)
		like += 0.5 * logDet(&s)
	}
	return like, nil
}

// logDet returns log|det a|, −Inf for a singular matrix.
func logDet(a mat.Matrix) float64 {
	var lu mat.LU
	lu.Factorize(a)
	ld, sign := lu.LogDet()
	if sign == 0 {
		return math.Inf(-1)
	}
	return ld
}

// Predict returns the visibilities of intensity I at frequencies q. A nil
// I selects the posterior mean.
func (h *HankelRegressor) Predict(q, I []float64) []float64 {
	if I == nil {
		I = h.mu.RawVector().Data
	}
	return h.basis.Transform(I, q)
}

// Draw returns n samples of the intensity from the posterior as the rows of
// an n×N matrix.
func (h *HankelRegressor) Draw(n int, src rand.Source) (*mat.Dense, error) {
	if n <= 0 {
		return nil, fmt.Errorf("%w: number of draws must be positive, got %d", ErrInvalidInput, n)
	}
	cov, err := h.Covariance()
	if err != nil {
		return nil, err
	}
	return drawNormal(n, h.mu.RawVector().Data, cov, src)
}

// drawNormal returns n rows sampled from N(mean, cov).
func drawNormal(n int, mean []float64, cov *mat.SymDense, src rand.Source) (*mat.Dense, error) {
	s, err := sampler(cov)
	if err != nil {
		return nil, err
	}
	size := len(mean)
	out := mat.NewDense(n, size, nil)
	for i := 0; i < n; i++ {
		distmv.NormalRandCov(out.RawRowView(i), mean, s, src)
	}
	return out, nil
}

// R returns the collocation radii.
func (h *HankelRegressor) R() []float64 { return h.basis.R() }

// Q returns the collocation frequencies.
func (h *HankelRegressor) Q() []float64 { return h.basis.Q() }

// Rmax returns the support radius.
func (h *HankelRegressor) Rmax() float64 { return h.basis.Rmax() }

// Qmax returns the band limit.
func (h *HankelRegressor) Qmax() float64 { return h.basis.Qmax() }

// Size returns the number of collocation points.
func (h *HankelRegressor) Size() int { return h.basis.Size() }

// Order returns the Hankel transform order.
func (h *HankelRegressor) Order() int { return h.basis.Order() }

// PowerSpectrum returns a copy of the prior power spectrum, nil for an
// unregularized fit.
func (h *HankelRegressor) PowerSpectrum() []float64 {
	if h.p == nil {
		return nil
	}
	return append([]float64(nil), h.p...)
}
