// Package hankel implements the Discrete Hankel Transform of Baddour &
// Chouinard (2015) on a finite support [0, Rmax].
//
// A radially symmetric function sampled at the collocation radii R() is
// mapped to its Hankel transform
//
//	F(q) = 2π ∫ f(r) J_ν(2π q r) r dr
//
// at arbitrary frequencies by a dense coefficient matrix, exact for
// functions band-limited to Qmax().
package hankel

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

var (
	// ErrInvalidBasis is returned for a non-positive radius, fewer than two
	// points or a negative order.
	ErrInvalidBasis = errors.New("hankel: invalid basis parameters")
)

// DHT holds the collocation grids and forward coefficients of the transform.
// It is immutable once constructed and safe for concurrent use.
type DHT struct {
	rmax float64
	qmax float64
	nu   int
	n    int

	jnk   []float64 // first N zeros of J_nu
	jN    float64   // the (N+1)-th zero
	r     []float64 // collocation radii
	q     []float64 // collocation frequencies
	scale []float64 // 1 / (π Qmax² J_{nu+1}(j_k)²)
	ykm   *mat.Dense
}

// New creates a transform with N collocation points of order nu supported on
// [0, rmax].
func New(rmax float64, n, nu int) (*DHT, error) {
	if !(rmax > 0) || math.IsInf(rmax, 0) {
		return nil, fmt.Errorf("%w: Rmax must be positive and finite, got %g", ErrInvalidBasis, rmax)
	}
	if n < 2 {
		return nil, fmt.Errorf("%w: need at least 2 points, got %d", ErrInvalidBasis, n)
	}
	if nu < 0 {
		return nil, fmt.Errorf("%w: order must be non-negative, got %d", ErrInvalidBasis, nu)
	}

	zeros := BesselZeros(nu, n+1)
	d := &DHT{
		rmax:  rmax,
		nu:    nu,
		n:     n,
		jnk:   zeros[:n],
		jN:    zeros[n],
		r:     make([]float64, n),
		q:     make([]float64, n),
		scale: make([]float64, n),
	}
	d.qmax = d.jN / (2 * math.Pi * rmax)

	norm := math.Pi * d.qmax * d.qmax
	for k, j := range d.jnk {
		d.r[k] = rmax * j / d.jN
		d.q[k] = j / (2 * math.Pi * rmax)
		jn1 := math.Jn(nu+1, j)
		d.scale[k] = 1 / (norm * jn1 * jn1)
	}
	d.ykm = d.coefficients(d.q)

	return d, nil
}

// R returns a copy of the collocation radii.
func (d *DHT) R() []float64 { return append([]float64(nil), d.r...) }

// Q returns a copy of the collocation frequencies.
func (d *DHT) Q() []float64 { return append([]float64(nil), d.q...) }

// Rmax returns the support radius.
func (d *DHT) Rmax() float64 { return d.rmax }

// Qmax returns the band limit of the transform.
func (d *DHT) Qmax() float64 { return d.qmax }

// Order returns the Bessel order ν.
func (d *DHT) Order() int { return d.nu }

// Size returns the number of collocation points.
func (d *DHT) Size() int { return d.n }

// Coefficients returns the len(q)×N matrix Y with F(q) = Y·f. A nil q
// selects the collocation frequencies, giving the square matrix Ykm.
func (d *DHT) Coefficients(q []float64) *mat.Dense {
	if q == nil {
		return mat.DenseCopyOf(d.ykm)
	}
	return d.coefficients(q)
}

func (d *DHT) coefficients(q []float64) *mat.Dense {
	y := mat.NewDense(len(q), d.n, nil)
	raw := y.RawMatrix()
	for i, qi := range q {
		row := raw.Data[i*raw.Stride : i*raw.Stride+d.n]
		for k, rk := range d.r {
			row[k] = math.Jn(d.nu, 2*math.Pi*qi*rk) * d.scale[k]
		}
	}
	return y
}

// Transform evaluates the Hankel transform of f, given at the collocation
// radii, at the frequencies q (collocation frequencies when q is nil).
func (d *DHT) Transform(f []float64, q []float64) []float64 {
	if len(f) != d.n {
		panic(fmt.Sprintf("hankel: transform of %d values on a %d point basis", len(f), d.n))
	}
	var y *mat.Dense
	if q == nil {
		y = d.ykm
	} else {
		y = d.coefficients(q)
	}
	rows, _ := y.Dims()
	out := mat.NewVecDense(rows, nil)
	out.MulVec(y, mat.NewVecDense(d.n, append([]float64(nil), f...)))
	return out.RawVector().Data
}

// BesselZeros returns the first n positive zeros of J_nu.
//
// Zeros are bracketed by scanning for sign changes and refined by bisection
// to full float64 precision.
func BesselZeros(nu, n int) []float64 {
	const step = 0.1

	zeros := make([]float64, 0, n)
	// J_nu has no positive zero below nu; J_0 starts at 1.
	a := math.Max(float64(nu), step)
	fa := math.Jn(nu, a)
	for len(zeros) < n {
		b := a + step
		fb := math.Jn(nu, b)
		if fa == 0 {
			zeros = append(zeros, a)
		} else if fa*fb < 0 {
			zeros = append(zeros, bisect(nu, a, b, fa))
		}
		a, fa = b, fb
	}
	return zeros
}

func bisect(nu int, a, b, fa float64) float64 {
	for i := 0; i < 200; i++ {
		m := 0.5 * (a + b)
		if m == a || m == b {
			break
		}
		fm := math.Jn(nu, m)
		if fm == 0 {
			return m
		}
		if fa*fm < 0 {
			b = m
		} else {
			a, fa = m, fm
		}
	}
	return 0.5 * (a + b)
}
