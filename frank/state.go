package frank

import (
	"encoding/gob"
	"fmt"
	"io"
	"math"
	"math/rand/v2"

	"gonum.org/v1/gonum/mat"

	"github.com/mariajmellado/frankenstein2D/hankel"
)

// Result is the outcome of a FrankFitter run.
type Result struct {
	// Solution is the posterior at the MAP power spectrum.
	Solution *HankelRegressor
	// PowerSpectrum is the MAP power spectrum.
	PowerSpectrum []float64
	// Converged is false when the iteration cap was reached first.
	Converged  bool
	Iterations int
	// Factorization used for the MAP posterior precision.
	Factorization Factorization
	// CovarianceFactorization used for the power spectrum Hessian.
	CovarianceFactorization Factorization

	stats  *Statistics
	psCov  *mat.SymDense
	alpha  float64
	p0     float64
	smooth float64
}

// Statistics returns the sufficient statistics the result was fitted from.
func (r *Result) Statistics() *Statistics { return r.stats }

// Hyperparameters returns alpha, p0 and the smoothness weight of the fit.
func (r *Result) Hyperparameters() (alpha, p0, smooth float64) {
	return r.alpha, r.p0, r.smooth
}

// SpectrumCovariance returns a copy of the covariance of log p at the MAP
// spectrum.
func (r *Result) SpectrumCovariance() *mat.SymDense {
	return mat.NewSymDense(r.psCov.SymmetricDim(), append([]float64(nil), r.psCov.RawSymmetric().Data...))
}

// DrawPowerSpectrum draws n spectra, one per row, from
// log p ~ N(log p_MAP, SpectrumCovariance()).
func (r *Result) DrawPowerSpectrum(n int, src rand.Source) (*mat.Dense, error) {
	if n <= 0 {
		return nil, fmt.Errorf("%w: number of draws must be positive, got %d", ErrInvalidInput, n)
	}
	logp := make([]float64, len(r.PowerSpectrum))
	for k, pk := range r.PowerSpectrum {
		logp[k] = math.Log(pk)
	}
	draws, err := drawNormal(n, logp, r.psCov, src)
	if err != nil {
		return nil, err
	}
	draws.Apply(func(_, _ int, v float64) float64 { return math.Exp(v) }, draws)
	return draws, nil
}

// resultVersion is bumped whenever ResultState changes incompatibly.
const resultVersion = 1

// ResultState is the serialized form of a Result. The posterior is rebuilt
// from the statistics and MAP spectrum on load.
type ResultState struct {
	Version       int       `gob:"version"`
	Rmax          float64   `gob:"rmax"`
	N             int       `gob:"n"`
	Nu            int       `gob:"nu"`
	Alpha         float64   `gob:"alpha"`
	P0            float64   `gob:"p0"`
	Smooth        float64   `gob:"smooth"`
	MData         []float64 `gob:"m_data"` // Row major N×N
	JData         []float64 `gob:"j_data"`
	H0            float64   `gob:"h0"`
	Count         int       `gob:"count"`
	PowerSpectrum []float64 `gob:"power_spectrum"`
	PSCovData     []float64 `gob:"ps_cov_data"`
	Converged     bool      `gob:"converged"`
	Iterations    int       `gob:"iterations"`
	CovFactor     int       `gob:"cov_factor"`
}

// Save serializes the result to gob format.
func (r *Result) Save(w io.Writer) error {
	if r.Solution == nil || r.stats == nil {
		return ErrNotFitted
	}
	basis := r.Solution.basis
	state := ResultState{
		Version:       resultVersion,
		Rmax:          basis.Rmax(),
		N:             basis.Size(),
		Nu:            basis.Order(),
		Alpha:         r.alpha,
		P0:            r.p0,
		Smooth:        r.smooth,
		MData:         append([]float64(nil), symData(r.stats.M)...),
		JData:         append([]float64(nil), r.stats.J.RawVector().Data...),
		H0:            r.stats.H0,
		Count:         r.stats.Count,
		PowerSpectrum: append([]float64(nil), r.PowerSpectrum...),
		PSCovData:     append([]float64(nil), symData(r.psCov)...),
		Converged:     r.Converged,
		Iterations:    r.Iterations,
		CovFactor:     int(r.CovarianceFactorization),
	}
	return gob.NewEncoder(w).Encode(state)
}

// LoadResult deserializes a result written by Save and rebuilds its MAP
// posterior.
func LoadResult(rd io.Reader) (*Result, error) {
	var state ResultState
	if err := gob.NewDecoder(rd).Decode(&state); err != nil {
		return nil, err
	}
	if state.Version != resultVersion {
		return nil, fmt.Errorf("%w: unsupported result version %d", ErrInvalidInput, state.Version)
	}

	basis, err := hankel.New(state.Rmax, state.N, state.Nu)
	if err != nil {
		return nil, err
	}
	n := state.N
	if len(state.MData) != n*n || len(state.PSCovData) != n*n {
		return nil, fmt.Errorf("%w: matrix data has %d and %d entries, want %d", ErrInvalidInput, len(state.MData), len(state.PSCovData), n*n)
	}
	if len(state.JData) != n || len(state.PowerSpectrum) != n {
		return nil, fmt.Errorf("%w: vector data has %d and %d entries, want %d", ErrInvalidInput, len(state.JData), len(state.PowerSpectrum), n)
	}

	stats := &Statistics{
		M:     mat.NewSymDense(n, append([]float64(nil), state.MData...)),
		J:     mat.NewVecDense(n, append([]float64(nil), state.JData...)),
		H0:    state.H0,
		Count: state.Count,
	}
	sol, err := NewHankelRegressor(basis, stats.M, stats.J, state.PowerSpectrum, stats.H0)
	if err != nil {
		return nil, err
	}
	return &Result{
		Solution:                sol,
		PowerSpectrum:           append([]float64(nil), state.PowerSpectrum...),
		Converged:               state.Converged,
		Iterations:              state.Iterations,
		Factorization:           sol.Factorization(),
		CovarianceFactorization: Factorization(state.CovFactor),
		stats:                   stats,
		psCov:                   mat.NewSymDense(n, append([]float64(nil), state.PSCovData...)),
		alpha:                   state.Alpha,
		p0:                      state.P0,
		smooth:                  state.Smooth,
	}, nil
}

// symData returns the full row-major data of a symmetric matrix.
func symData(s *mat.SymDense) []float64 {
	n := s.SymmetricDim()
	out := make([]float64, n*n)
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			out[i*n+j] = s.At(i, j)
		}
	}
	return out
}
