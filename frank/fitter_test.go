package frank

import (
	"errors"
	"math"
	"math/rand/v2"
	"strings"
	"testing"

	"gonum.org/v1/gonum/mat"

	"github.com/mariajmellado/frankenstein2D/monitoring"
)

func TestNewFrankFitterValidation(t *testing.T) {
	basis := newBasis(t, 1.0, 10)

	tests := []struct {
		name    string
		opts    []Option
		wantErr bool
	}{
		{name: "defaults"},
		{name: "alpha of one", opts: []Option{WithAlpha(1)}},
		{name: "alpha below one", opts: []Option{WithAlpha(0.9)}, wantErr: true},
		{name: "negative p0", opts: []Option{WithP0(-1)}, wantErr: true},
		{name: "negative smoothing", opts: []Option{WithSmoothing(-0.1)}, wantErr: true},
		{name: "zero tolerance", opts: []Option{WithTolerance(0)}, wantErr: true},
		{name: "zero max iter", opts: []Option{WithMaxIter(0)}, wantErr: true},
		{name: "zero block size", opts: []Option{WithBlockSize(0)}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, err := NewFrankFitter(basis, tt.opts...)
			if (err != nil) != tt.wantErr {
				t.Fatalf("NewFrankFitter() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil {
				if !errors.Is(err, ErrInvalidConfig) {
					t.Errorf("error = %v, want ErrInvalidConfig", err)
				}
				return
			}
			if f.State() != StateUnfit {
				t.Errorf("State() = %v, want unfit", f.State())
			}
		})
	}
}

func TestFitterBeforeFit(t *testing.T) {
	f, err := NewFrankFitter(newBasis(t, 1.0, 10))
	if err != nil {
		t.Fatalf("NewFrankFitter() error = %v", err)
	}
	if _, err := f.MAPSolution(); !errors.Is(err, ErrNotFitted) {
		t.Errorf("MAPSolution() error = %v, want ErrNotFitted", err)
	}
	if _, err := f.MAPSpectrum(); !errors.Is(err, ErrNotFitted) {
		t.Errorf("MAPSpectrum() error = %v, want ErrNotFitted", err)
	}
	if _, err := f.MAPSpectrumCovariance(); !errors.Is(err, ErrNotFitted) {
		t.Errorf("MAPSpectrumCovariance() error = %v, want ErrNotFitted", err)
	}
	if _, err := f.DrawPowerSpectrum(3); !errors.Is(err, ErrNotFitted) {
		t.Errorf("DrawPowerSpectrum() error = %v, want ErrNotFitted", err)
	}
	if _, err := f.LogPrior(nil); !errors.Is(err, ErrNotFitted) {
		t.Errorf("LogPrior(nil) error = %v, want ErrNotFitted", err)
	}
	if _, err := f.Result(); !errors.Is(err, ErrNotFitted) {
		t.Errorf("Result() error = %v, want ErrNotFitted", err)
	}
}

func TestFitRejectsInvalidInput(t *testing.T) {
	f, err := NewFrankFitter(newBasis(t, 1.0, 10))
	if err != nil {
		t.Fatalf("NewFrankFitter() error = %v", err)
	}

	tests := []struct {
		name    string
		q, V, w []float64
	}{
		{name: "all zero weights", q: []float64{0.5, 1, 2}, V: []float64{1, 0.5, 0.2}, w: []float64{0, 0, 0}},
		{name: "NaN visibility", q: []float64{0.5, 1, 2}, V: []float64{1, math.NaN(), 0.2}},
		{name: "no signal", q: []float64{0.5, 1, 2}, V: []float64{0, 0, 0}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := f.Fit(tt.q, tt.V, tt.w); !errors.Is(err, ErrInvalidInput) {
				t.Errorf("Fit() error = %v, want ErrInvalidInput", err)
			}
			if _, err := f.MAPSolution(); !errors.Is(err, ErrNotFitted) {
				t.Errorf("MAPSolution() after failed fit error = %v, want ErrNotFitted", err)
			}
		})
	}
}

func TestFitGaussianRing(t *testing.T) {
	f, res := fitRing(t)

	if !res.Converged {
		t.Fatalf("fit did not converge in %d iterations", res.Iterations)
	}
	if res.Iterations >= 250 {
		t.Errorf("Iterations = %d, want < 250", res.Iterations)
	}
	if f.State() != StateSolved {
		t.Errorf("State() = %v, want solved", f.State())
	}

	r0, fwhm := peakAndWidth(res.Solution.R(), res.Solution.Mean())
	if math.Abs(r0-ringCentre) > 0.03*ringCentre {
		t.Errorf("peak at r = %.4f, want %.4f within 3%%", r0, ringCentre)
	}
	wantFWHM := 2 * math.Sqrt(2*math.Ln2) * ringWidth
	if math.Abs(fwhm-wantFWHM) > 0.05*wantFWHM {
		t.Errorf("FWHM = %.4f, want %.4f within 5%%", fwhm, wantFWHM)
	}

	// The model reproduces the data it was fitted to.
	q, V := ringVisibilities()
	pred := res.Solution.Predict(q, nil)
	if diff, scale := maxAbsDiff(pred, V); diff > 0.01*scale {
		t.Errorf("predicted visibilities deviate by %g (peak %g)", diff, scale)
	}

	p, err := f.MAPSpectrum()
	if err != nil {
		t.Fatalf("MAPSpectrum() error = %v", err)
	}
	for k, pk := range p {
		if !(pk > 0) || math.IsInf(pk, 0) {
			t.Errorf("MAPSpectrum()[%d] = %g, want positive and finite", k, pk)
		}
	}
}

func TestFitFixedPointIdempotent(t *testing.T) {
	f, res := fitRing(t)
	if !res.Converged {
		t.Fatalf("fit did not converge")
	}

	next, err := f.step(res.Solution, res.PowerSpectrum)
	if err != nil {
		t.Fatalf("step() error = %v", err)
	}
	diff, scale := maxAbsDiff(next, res.PowerSpectrum)
	if diff > 1e-3*scale {
		t.Errorf("one more iteration moved p by %g, want <= %g", diff, 1e-3*scale)
	}
}

func TestFitMaxIterReached(t *testing.T) {
	lines, restore := monitoring.Capture()
	defer restore()

	_, res := fitRing(t, WithMaxIter(1))
	if res.Converged {
		t.Fatalf("fit with max_iter=1 reports convergence")
	}
	if res.Iterations != 1 {
		t.Errorf("Iterations = %d, want 1", res.Iterations)
	}
	if res.Solution == nil || len(res.PowerSpectrum) != ringN {
		t.Fatalf("non-converged fit returned no usable result")
	}

	found := false
	for _, l := range *lines {
		if strings.Contains(l, "not converged") {
			found = true
		}
	}
	if !found {
		t.Errorf("non-convergence was not logged: %q", *lines)
	}
}

func TestFitStatisticsRestartsChain(t *testing.T) {
	f, first := fitRing(t)
	second, err := f.FitStatistics(first.Statistics())
	if err != nil {
		t.Fatalf("FitStatistics() error = %v", err)
	}
	if diff, scale := maxAbsDiff(second.PowerSpectrum, first.PowerSpectrum); diff > 1e-12*scale {
		t.Errorf("refitting identical statistics changed the spectrum by %g", diff)
	}
	if _, err := f.FitStatistics(nil); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("FitStatistics(nil) error = %v, want ErrInvalidInput", err)
	}
}

func TestSpectrumCovariance(t *testing.T) {
	f, res := fitRing(t)
	cov, err := f.MAPSpectrumCovariance()
	if err != nil {
		t.Fatalf("MAPSpectrumCovariance() error = %v", err)
	}
	if cov.SymmetricDim() != ringN {
		t.Fatalf("covariance dim = %d, want %d", cov.SymmetricDim(), ringN)
	}
	if res.CovarianceFactorization == FactorNone {
		t.Errorf("CovarianceFactorization not recorded")
	}

	for k := 0; k < ringN; k++ {
		if v := cov.At(k, k); math.IsNaN(v) || math.IsInf(v, 0) {
			t.Errorf("covariance[%d,%d] = %g, want finite", k, k, v)
		}
	}

	draws, err := f.DrawPowerSpectrum(5)
	if err != nil {
		t.Fatalf("DrawPowerSpectrum() error = %v", err)
	}
	rows, cols := draws.Dims()
	if rows != 5 || cols != ringN {
		t.Fatalf("DrawPowerSpectrum() dims = (%d, %d), want (5, %d)", rows, cols, ringN)
	}
	for i := 0; i < rows; i++ {
		for k := 0; k < cols; k++ {
			if v := draws.At(i, k); math.IsNaN(v) || v < 0 {
				t.Errorf("draw[%d][%d] = %g, want non-negative", i, k, v)
			}
		}
	}
}

func TestDrawPowerSpectrumMoments(t *testing.T) {
	p := []float64{2, 0.5, 0.1}
	cov := mat.NewSymDense(3, []float64{
		0.04, 0.01, 0,
		0.01, 0.09, -0.02,
		0, -0.02, 0.16,
	})
	res := &Result{PowerSpectrum: p, psCov: cov}

	const n = 20000
	draws, err := res.DrawPowerSpectrum(n, rand.NewPCG(3, 4))
	if err != nil {
		t.Fatalf("DrawPowerSpectrum() error = %v", err)
	}
	logd := mat.NewDense(n, 3, nil)
	logd.Apply(func(_, _ int, v float64) float64 { return math.Log(v) }, draws)

	logp := []float64{math.Log(2), math.Log(0.5), math.Log(0.1)}
	checkMoments(t, logd, logp, cov)

	if _, err := res.DrawPowerSpectrum(0, nil); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("DrawPowerSpectrum(0) error = %v, want ErrInvalidInput", err)
	}
}

func TestLogPrior(t *testing.T) {
	basis := newBasis(t, 1.0, 6)
	f, err := NewFrankFitter(basis, WithAlpha(1.3), WithP0(0.2), WithSmoothing(0.5))
	if err != nil {
		t.Fatalf("NewFrankFitter() error = %v", err)
	}

	p := []float64{1, 0.8, 0.5, 0.3, 0.1, 0.05}
	got, err := f.LogPrior(p)
	if err != nil {
		t.Fatalf("LogPrior() error = %v", err)
	}
	tau := make([]float64, len(p))
	want := 0.0
	for k, pk := range p {
		tau[k] = math.Log(pk)
		want += -0.2/pk - 0.3*tau[k]
	}
	tv := mat.NewVecDense(len(tau), tau)
	want -= 0.5 * mat.Inner(tv, f.Smoother().Dense(), tv)
	if math.Abs(got-want) > 1e-10*math.Abs(want) {
		t.Errorf("LogPrior() = %g, want %g", got, want)
	}

	p[2] = 0
	if got, err := f.LogPrior(p); err != nil || !math.IsInf(got, -1) {
		t.Errorf("LogPrior() with zero entry = %g, %v, want -Inf", got, err)
	}
	if _, err := f.LogPrior(p[:2]); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("LogPrior() with short spectrum error = %v, want ErrInvalidInput", err)
	}
}

func TestStateString(t *testing.T) {
	states := []State{StateUnfit, StateAccumulating, StateIterating, StateConverged, StateMaxIterReached, StateSolved}
	seen := make(map[string]bool)
	for _, s := range states {
		name := s.String()
		if seen[name] || strings.HasPrefix(name, "State(") {
			t.Errorf("State %d has name %q", int(s), name)
		}
		seen[name] = true
	}
}

func TestFourierBesselFitter(t *testing.T) {
	basis := newBasis(t, 1.0, 10)
	q, V, w := randomData(400, basis.Qmax(), 5)

	f, err := NewFourierBesselFitter(basis, WithBlockSize(50))
	if err != nil {
		t.Fatalf("NewFourierBesselFitter() error = %v", err)
	}
	if f.Statistics() != nil {
		t.Errorf("Statistics() before fit is not nil")
	}
	sol, err := f.Fit(q, V, w)
	if err != nil {
		t.Fatalf("Fit() error = %v", err)
	}
	stats := f.Statistics()

	var want mat.VecDense
	if err := want.SolveVec(stats.M, stats.J); err != nil {
		t.Fatalf("SolveVec() error = %v", err)
	}
	if diff, scale := maxAbsDiff(sol.Mean(), want.RawVector().Data); diff > 1e-8*scale {
		t.Errorf("least-squares mean differs from dense solve by %g", diff)
	}
	if sol.PowerSpectrum() != nil {
		t.Errorf("least-squares fit carries a power spectrum")
	}

	if _, err := f.Fit(q, V[:10], w); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("Fit() with mismatched lengths error = %v, want ErrInvalidInput", err)
	}
}

func BenchmarkFitGaussianRing(b *testing.B) {
	q, V := ringVisibilities()
	basis := newBasis(b, ringRmax, ringN)
	f, err := NewFrankFitter(basis)
	if err != nil {
		b.Fatal(err)
	}

	b.ResetTimer()
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		if _, err := f.Fit(q, V, nil); err != nil {
			b.Fatal(err)
		}
	}
}
