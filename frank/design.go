package frank

import (
	"fmt"
	"math"
	"sync"

	"gonum.org/v1/gonum/mat"

	"github.com/mariajmellado/frankenstein2D/monitoring"
)

// Statistics are the sufficient statistics of the visibility likelihood in
// the basis:
//
//	M  = Σ Hᵀ diag(w) H
//	J  = Σ Hᵀ diag(w) V
//	H0 = 0.5 Σ [log(w/2π) − V w V]
type Statistics struct {
	M     *mat.SymDense
	J     *mat.VecDense
	H0    float64
	Count int
}

// DesignMatrixBuilder accumulates Statistics over visibilities in bounded
// memory chunks.
type DesignMatrixBuilder struct {
	basis Basis
	cfg   config
}

// NewDesignMatrixBuilder returns a builder over basis. Only the blocking
// and worker options are consulted.
func NewDesignMatrixBuilder(basis Basis, options ...Option) (*DesignMatrixBuilder, error) {
	if basis == nil {
		return nil, fmt.Errorf("%w: nil basis", ErrInvalidConfig)
	}
	cfg := newConfig(options)
	if err := cfg.validateBlocking(); err != nil {
		return nil, err
	}
	return &DesignMatrixBuilder{basis: basis, cfg: cfg}, nil
}

// ChunkSize returns the number of visibilities processed per chunk for a
// data set of n samples.
func (b *DesignMatrixBuilder) ChunkSize(n int) int {
	if !b.cfg.blocking {
		return n
	}
	c := b.cfg.blockSize/b.basis.Size() + 1
	if c > n {
		return n
	}
	return c
}

// Build accumulates the statistics of (q, V, w). w may be nil (unit weights)
// or hold a single value applied to every sample.
func (b *DesignMatrixBuilder) Build(q, V, w []float64) (*Statistics, error) {
	if err := validateSamples(q, V, w); err != nil {
		return nil, err
	}

	n := len(q)
	size := b.ChunkSize(n)
	chunks := (n + size - 1) / size
	workers := b.cfg.workers
	if workers > chunks {
		workers = chunks
	}
	monitoring.Logf("frank: building design matrix from %d visibilities in %d chunk(s) of %d on %d worker(s)",
		n, chunks, size, workers)

	partial := make([]*Statistics, workers)
	var wg sync.WaitGroup
	for wk := 0; wk < workers; wk++ {
		wg.Add(1)
		go func(wk int) {
			defer wg.Done()
			acc := b.newStatistics()
			for c := wk; c < chunks; c += workers {
				lo := c * size
				hi := lo + size
				if hi > n {
					hi = n
				}
				b.accumulate(acc, q[lo:hi], V[lo:hi], weightsSlice(w, lo, hi))
			}
			partial[wk] = acc
		}(wk)
	}
	wg.Wait()

	// Reduce in worker order so results are reproducible for a given
	// worker count.
	out := partial[0]
	for _, p := range partial[1:] {
		out.M.AddSym(out.M, p.M)
		out.J.AddVec(out.J, p.J)
		out.H0 += p.H0
		out.Count += p.Count
	}
	return out, nil
}

func (b *DesignMatrixBuilder) newStatistics() *Statistics {
	n := b.basis.Size()
	return &Statistics{
		M: mat.NewSymDense(n, nil),
		J: mat.NewVecDense(n, nil),
	}
}

// accumulate adds one chunk to acc. w is nil for unit weights.
func (b *DesignMatrixBuilder) accumulate(acc *Statistics, q, V, w []float64) {
	H := b.basis.Coefficients(q)
	rows, cols := H.Dims()

	wv := make([]float64, rows)
	for i := range wv {
		wi := weightAt(w, i)
		wv[i] = wi * V[i]
		acc.H0 += 0.5 * (math.Log(wi/(2*math.Pi)) - V[i]*wi*V[i])
	}
	var jc mat.VecDense
	jc.MulVec(H.T(), mat.NewVecDense(rows, wv))
	acc.J.AddVec(acc.J, &jc)

	// Scale rows in place by sqrt(w) so that HᵀH = Hᵀ diag(w) H.
	if w != nil {
		raw := H.RawMatrix()
		for i := 0; i < rows; i++ {
			s := math.Sqrt(weightAt(w, i))
			row := raw.Data[i*raw.Stride : i*raw.Stride+cols]
			for k := range row {
				row[k] *= s
			}
		}
	}
	acc.M.SymRankK(acc.M, 1, H.T())
	acc.Count += rows
}

// weightsSlice returns the weights of samples [lo, hi). Nil and broadcast
// weights pass through unchanged.
func weightsSlice(w []float64, lo, hi int) []float64 {
	if len(w) <= 1 {
		return w
	}
	return w[lo:hi]
}

func weightAt(w []float64, i int) float64 {
	switch len(w) {
	case 0:
		return 1
	case 1:
		return w[0]
	default:
		return w[i]
	}
}

// validateSamples checks lengths, finiteness, frequency sign and weight
// positivity of a visibility set.
func validateSamples(q, V, w []float64) error {
	if len(q) == 0 {
		return fmt.Errorf("%w: no visibilities", ErrInvalidInput)
	}
	if len(V) != len(q) {
		return fmt.Errorf("%w: %d frequencies but %d visibilities", ErrInvalidInput, len(q), len(V))
	}
	if len(w) > 1 && len(w) != len(q) {
		return fmt.Errorf("%w: %d frequencies but %d weights", ErrInvalidInput, len(q), len(w))
	}
	for i := range q {
		if !finite(q[i]) || q[i] < 0 {
			return fmt.Errorf("%w: frequency %d is %g", ErrInvalidInput, i, q[i])
		}
		if !finite(V[i]) {
			return fmt.Errorf("%w: visibility %d is %g", ErrInvalidInput, i, V[i])
		}
	}
	for i, wi := range w {
		if !finite(wi) || wi <= 0 {
			return fmt.Errorf("%w: weight %d is %g, weights must be positive", ErrInvalidInput, i, wi)
		}
	}
	return nil
}

func finite(x float64) bool {
	return !math.IsNaN(x) && !math.IsInf(x, 0)
}
