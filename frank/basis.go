package frank

import "gonum.org/v1/gonum/mat"

// Basis is the Hankel transform basis the model is expressed in. The
// collocation grids are fixed for the lifetime of a fit. hankel.DHT
// satisfies it.
type Basis interface {
	R() []float64
	Q() []float64
	Rmax() float64
	Qmax() float64
	Order() int
	Size() int

	// Coefficients returns the len(q)×N matrix mapping collocation
	// intensities to visibilities at q; nil q selects the basis' own
	// frequencies.
	Coefficients(q []float64) *mat.Dense

	// Transform evaluates Coefficients(q)·f.
	Transform(f, q []float64) []float64
}
