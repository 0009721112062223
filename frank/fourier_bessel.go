package frank

import "fmt"

// FourierBesselFitter fits the profile by unregularized least squares in the
// basis: a single posterior solve without a power spectrum prior. It is
// ill-conditioned wherever the data leave modes unconstrained and mostly
// useful as a reference for FrankFitter.
type FourierBesselFitter struct {
	basis   Basis
	builder *DesignMatrixBuilder
	stats   *Statistics
}

// NewFourierBesselFitter returns a least-squares fitter over basis. Only the
// blocking and worker options apply.
func NewFourierBesselFitter(basis Basis, options ...Option) (*FourierBesselFitter, error) {
	builder, err := NewDesignMatrixBuilder(basis, options...)
	if err != nil {
		return nil, err
	}
	return &FourierBesselFitter{basis: basis, builder: builder}, nil
}

// Fit returns the least-squares posterior for (q, V, w).
func (f *FourierBesselFitter) Fit(q, V, w []float64) (*HankelRegressor, error) {
	stats, err := f.builder.Build(q, V, w)
	if err != nil {
		return nil, err
	}
	sol, err := NewHankelRegressor(f.basis, stats.M, stats.J, nil, stats.H0)
	if err != nil {
		return nil, fmt.Errorf("least-squares solve: %w", err)
	}
	f.stats = stats
	return sol, nil
}

// Statistics returns the sufficient statistics of the last fit, nil before
// the first.
func (f *FourierBesselFitter) Statistics() *Statistics { return f.stats }
