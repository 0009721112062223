package frank

import (
	"math"
	"math/rand/v2"
	"sync"
	"testing"

	"github.com/mariajmellado/frankenstein2D/hankel"
)

// Gaussian ring used by the end-to-end tests.
const (
	ringRmax   = 2.0
	ringN      = 50
	ringCentre = 1.0
	ringWidth  = 0.15
	ringAmp    = 1e5
	ringNVis   = 500
	ringQMin   = 0.05
	ringQMax   = 6.0
)

var (
	ringOnce sync.Once
	ringQ    []float64
	ringV    []float64
)

func ringIntensity(r float64) float64 {
	d := (r - ringCentre) / ringWidth
	return ringAmp * math.Exp(-0.5*d*d)
}

// ringVisibilities returns noiseless visibilities of the ring, computed by
// Simpson quadrature of 2π ∫ I(r) J0(2π q r) r dr over [0, Rmax].
func ringVisibilities() (q, V []float64) {
	ringOnce.Do(func() {
		const intervals = 20000
		h := ringRmax / intervals
		r := make([]float64, intervals+1)
		g := make([]float64, intervals+1)
		for m := range g {
			r[m] = float64(m) * h
			c := 2.0
			if m == 0 || m == intervals {
				c = 1
			} else if m%2 == 1 {
				c = 4
			}
			g[m] = c * ringIntensity(r[m]) * r[m]
		}

		ringQ = make([]float64, ringNVis)
		ringV = make([]float64, ringNVis)
		for i := range ringQ {
			qi := ringQMin + (ringQMax-ringQMin)*float64(i)/float64(ringNVis-1)
			sum := 0.0
			for m := range g {
				sum += g[m] * math.J0(2*math.Pi*qi*r[m])
			}
			ringQ[i] = qi
			ringV[i] = 2 * math.Pi * h / 3 * sum
		}
	})
	return append([]float64(nil), ringQ...), append([]float64(nil), ringV...)
}

// fitRing runs the reference fit of the ring.
func fitRing(t testing.TB, options ...Option) (*FrankFitter, *Result) {
	t.Helper()
	basis, err := hankel.New(ringRmax, ringN, 0)
	if err != nil {
		t.Fatalf("hankel.New() error = %v", err)
	}
	opts := append([]Option{
		WithAlpha(1.05),
		WithP0(0),
		WithSmoothing(0.1),
		WithTolerance(1e-3),
		WithMaxIter(250),
		WithRandomSeed(42),
	}, options...)
	f, err := NewFrankFitter(basis, opts...)
	if err != nil {
		t.Fatalf("NewFrankFitter() error = %v", err)
	}
	q, V := ringVisibilities()
	res, err := f.Fit(q, V, []float64{1})
	if err != nil {
		t.Fatalf("Fit() error = %v", err)
	}
	return f, res
}

// peakAndWidth returns the parabolically refined peak position and the
// full width at half maximum of a sampled profile.
func peakAndWidth(r, I []float64) (r0, fwhm float64) {
	k := 0
	for i := range I {
		if I[i] > I[k] {
			k = i
		}
	}
	if k == 0 || k == len(I)-1 {
		return r[k], math.NaN()
	}
	x0, x1, x2 := r[k-1], r[k], r[k+1]
	y0, y1, y2 := I[k-1], I[k], I[k+1]
	d1 := (y1 - y0) / (x1 - x0)
	d2 := (y2 - y1) / (x2 - x1)
	a := (d2 - d1) / (x2 - x0)
	b := d1 - a*(x0+x1)
	c := y0 - a*x0*x0 - b*x0
	r0 = -b / (2 * a)
	half := 0.5 * (a*r0*r0 + b*r0 + c)

	left, right := math.NaN(), math.NaN()
	for i := k; i > 0; i-- {
		if I[i-1] < half {
			left = r[i-1] + (half-I[i-1])*(r[i]-r[i-1])/(I[i]-I[i-1])
			break
		}
	}
	for i := k; i < len(I)-1; i++ {
		if I[i+1] < half {
			right = r[i] + (I[i]-half)*(r[i+1]-r[i])/(I[i]-I[i+1])
			break
		}
	}
	return r0, right - left
}

// randomData returns n visibilities at frequencies spread over [0, qmax).
func randomData(n int, qmax float64, seed uint64) (q, V, w []float64) {
	rng := rand.New(rand.NewPCG(seed, seed+1))
	q = make([]float64, n)
	V = make([]float64, n)
	w = make([]float64, n)
	for i := range q {
		q[i] = qmax * rng.Float64()
		V[i] = rng.NormFloat64() + math.Exp(-q[i])
		w[i] = 0.5 + rng.Float64()
	}
	return q, V, w
}

func newBasis(t testing.TB, rmax float64, n int) *hankel.DHT {
	t.Helper()
	b, err := hankel.New(rmax, n, 0)
	if err != nil {
		t.Fatalf("hankel.New() error = %v", err)
	}
	return b
}

// maxAbsDiff returns max|a−b| and max|b| over two equally sized slices.
func maxAbsDiff(a, b []float64) (diff, scale float64) {
	for i := range a {
		diff = math.Max(diff, math.Abs(a[i]-b[i]))
		scale = math.Max(scale, math.Abs(b[i]))
	}
	return diff, scale
}
