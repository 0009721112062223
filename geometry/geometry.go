// Package geometry maps observed visibilities of an inclined, offset disc
// onto the face-on radial frequency coordinate used by the profile fit.
package geometry

import (
	"errors"
	"fmt"
	"math"
)

// RadPerArcsec converts arcseconds to radians.
const RadPerArcsec = math.Pi / 180 / 3600

// ErrInvalidGeometry is returned for inclinations outside [0, 90) degrees
// or non-finite parameters.
var ErrInvalidGeometry = errors.New("geometry: invalid disc geometry")

// FixedGeometry is a known disc orientation.
type FixedGeometry struct {
	Inc  float64 // inclination, degrees
	PA   float64 // position angle, degrees east of north
	DRA  float64 // phase centre offset in right ascension, arcsec
	DDec float64 // phase centre offset in declination, arcsec
}

// Validate checks that the geometry can be deprojected.
func (g FixedGeometry) Validate() error {
	for _, v := range []float64{g.Inc, g.PA, g.DRA, g.DDec} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("%w: non-finite parameter in %+v", ErrInvalidGeometry, g)
		}
	}
	if g.Inc < 0 || g.Inc >= 90 {
		return fmt.Errorf("%w: inclination must be in [0, 90) degrees, got %g", ErrInvalidGeometry, g.Inc)
	}
	return nil
}

// Deprojected holds visibilities in the disc frame.
type Deprojected struct {
	U, V []float64 // deprojected baselines
	Q    []float64 // radial frequency hypot(U, V)
	Re   []float64 // real part, used by the fit
	Im   []float64 // imaginary part, noise for an axisymmetric source
}

// Apply removes the phase centre offset, rotates the baselines by the
// position angle and stretches them along the minor axis. The visibility
// amplitudes are rescaled by 1/cos(inc) to conserve flux.
func (g FixedGeometry) Apply(u, v, re, im []float64) (*Deprojected, error) {
	if err := g.Validate(); err != nil {
		return nil, err
	}
	n := len(u)
	if len(v) != n || len(re) != n || len(im) != n {
		return nil, fmt.Errorf("geometry: column lengths differ: u=%d v=%d re=%d im=%d", n, len(v), len(re), len(im))
	}

	cosInc := math.Cos(g.Inc * math.Pi / 180)
	sinPA, cosPA := math.Sincos(g.PA * math.Pi / 180)
	dra := 2 * math.Pi * g.DRA * RadPerArcsec
	ddec := 2 * math.Pi * g.DDec * RadPerArcsec

	out := &Deprojected{
		U:  make([]float64, n),
		V:  make([]float64, n),
		Q:  make([]float64, n),
		Re: make([]float64, n),
		Im: make([]float64, n),
	}
	for i := 0; i < n; i++ {
		// V · exp(2πi(u dRA + v dDec))
		sp, cp := math.Sincos(u[i]*dra + v[i]*ddec)
		r := re[i]*cp - im[i]*sp
		m := re[i]*sp + im[i]*cp

		up := u[i]*cosPA - v[i]*sinPA
		vp := u[i]*sinPA + v[i]*cosPA
		up *= cosInc

		out.U[i], out.V[i] = up, vp
		out.Q[i] = math.Hypot(up, vp)
		out.Re[i] = r / cosInc
		out.Im[i] = m / cosInc
	}
	return out, nil
}
