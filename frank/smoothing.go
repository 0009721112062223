package frank

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// SmoothingOperator is the spectral smoothness penalty
//
//	T = w · Δᵀ diag(dc) Δ
//
// where Δ is the second-difference operator over log q on the (non-uniform)
// frequency grid and dc the central log-spacing. Δ is tridiagonal so T is a
// symmetric band matrix of bandwidth 2.
type SmoothingOperator struct {
	n      int
	weight float64
	t      *mat.SymBandDense

	shifted *mat.BandCholesky // factor of I + T, built on first use
}

// NewSmoothingOperator builds T over the strictly increasing, positive
// frequencies q.
func NewSmoothingOperator(q []float64, weight float64) (*SmoothingOperator, error) {
	n := len(q)
	if n < 2 {
		return nil, fmt.Errorf("%w: smoothing needs at least 2 frequencies, got %d", ErrInvalidConfig, n)
	}
	if !finite(weight) || weight < 0 {
		return nil, fmt.Errorf("%w: smoothing weight must be finite and >= 0, got %g", ErrInvalidConfig, weight)
	}
	lq := make([]float64, n)
	for i, qi := range q {
		if !(qi > 0) || math.IsInf(qi, 0) {
			return nil, fmt.Errorf("%w: smoothing frequency %d is %g", ErrInvalidConfig, i, qi)
		}
		lq[i] = math.Log(qi)
		if i > 0 && lq[i] <= lq[i-1] {
			return nil, fmt.Errorf("%w: smoothing frequencies must be strictly increasing", ErrInvalidConfig)
		}
	}

	t := mat.NewSymBandDense(n, 2, nil)
	for i := 1; i < n-1; i++ {
		dc := 0.5 * (lq[i+1] - lq[i-1])
		deLo := lq[i] - lq[i-1]
		deHi := lq[i+1] - lq[i]

		// Row i of Δ over columns i-1, i, i+1.
		cols := [3]int{i - 1, i, i + 1}
		row := [3]float64{
			1 / (dc * deLo),
			-(1/deHi + 1/deLo) / dc,
			1 / (dc * deHi),
		}
		for a := 0; a < 3; a++ {
			for b := a; b < 3; b++ {
				ca, cb := cols[a], cols[b]
				t.SetSymBand(ca, cb, t.At(ca, cb)+weight*dc*row[a]*row[b])
			}
		}
	}

	return &SmoothingOperator{n: n, weight: weight, t: t}, nil
}

// Weight returns the smoothness weight w.
func (s *SmoothingOperator) Weight() float64 { return s.weight }

// Apply returns T·x.
func (s *SmoothingOperator) Apply(x []float64) []float64 {
	if len(x) != s.n {
		panic(fmt.Sprintf("frank: smoothing %d values with a %d point operator", len(x), s.n))
	}
	out := mat.NewVecDense(s.n, nil)
	out.MulVec(s.t, mat.NewVecDense(s.n, append([]float64(nil), x...)))
	return out.RawVector().Data
}

// Dense returns T as a dense symmetric matrix.
func (s *SmoothingOperator) Dense() *mat.SymDense {
	d := mat.NewSymDense(s.n, nil)
	for i := 0; i < s.n; i++ {
		for j := i; j < s.n && j <= i+2; j++ {
			d.SetSym(i, j, s.t.At(i, j))
		}
	}
	return d
}

// Penalty returns τᵀTτ.
func (s *SmoothingOperator) Penalty(tau []float64) float64 {
	tt := s.Apply(tau)
	sum := 0.0
	for i, v := range tt {
		sum += tau[i] * v
	}
	return sum
}

// SolveShifted solves (I + T) x = b. The banded factorization is computed
// once and reused.
func (s *SmoothingOperator) SolveShifted(b []float64) ([]float64, error) {
	if len(b) != s.n {
		return nil, fmt.Errorf("%w: right-hand side has %d entries, operator has %d", ErrInvalidInput, len(b), s.n)
	}
	if s.shifted == nil {
		shifted := mat.NewSymBandDense(s.n, 2, nil)
		for i := 0; i < s.n; i++ {
			for j := i; j < s.n && j <= i+2; j++ {
				v := s.t.At(i, j)
				if i == j {
					v++
				}
				shifted.SetSymBand(i, j, v)
			}
		}
		var chol mat.BandCholesky
		if ok := chol.Factorize(shifted); !ok {
			return nil, fmt.Errorf("%w: I + T is not positive definite", ErrNumerical)
		}
		s.shifted = &chol
	}
	var x mat.VecDense
	if err := s.shifted.SolveVecTo(&x, mat.NewVecDense(s.n, append([]float64(nil), b...))); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNumerical, err)
	}
	return x.RawVector().Data, nil
}
