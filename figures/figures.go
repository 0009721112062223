// Package figures renders fit results with gonum/plot.
package figures

import (
	"errors"
	"fmt"
	"math"
	"path/filepath"
	"slices"
	"strings"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"

	"github.com/mariajmellado/frankenstein2D/frank"
	"github.com/mariajmellado/frankenstein2D/geometry"
)

// Figure size used by Save.
const (
	Width  = 8 * vg.Inch
	Height = 5 * vg.Inch
)

// modelPoints is the resolution of model visibility curves.
const modelPoints = 500

var errNoData = errors.New("figures: nothing to plot")

// errorPoints pairs points with symmetric error bars.
type errorPoints struct {
	plotter.XYs
	plotter.YErrors
}

// Profile plots the posterior mean brightness against radius in arcsec,
// with 1σ error bars from the posterior covariance.
func Profile(sol *frank.HankelRegressor) (*plot.Plot, error) {
	cov, err := sol.Covariance()
	if err != nil {
		return nil, err
	}
	r := sol.R()
	mean := sol.Mean()

	pts := errorPoints{
		XYs:     make(plotter.XYs, len(r)),
		YErrors: make(plotter.YErrors, len(r)),
	}
	for k := range r {
		sigma := math.Sqrt(math.Max(cov.At(k, k), 0))
		pts.XYs[k] = plotter.XY{X: r[k] / geometry.RadPerArcsec, Y: mean[k]}
		pts.YErrors[k].Low = sigma
		pts.YErrors[k].High = sigma
	}

	p := plot.New()
	p.Title.Text = "Brightness profile"
	p.X.Label.Text = "r [arcsec]"
	p.Y.Label.Text = "I [Jy/sr]"

	line, err := plotter.NewLine(pts.XYs)
	if err != nil {
		return nil, err
	}
	line.Color = plotutil.Color(0)
	line.Width = vg.Points(1)

	bars, err := plotter.NewYErrorBars(pts)
	if err != nil {
		return nil, err
	}
	bars.Color = plotutil.Color(0)

	p.Add(plotter.NewGrid(), line, bars)
	p.Legend.Add("MAP", line)
	p.Legend.Top = true
	return p, nil
}

// Bins holds visibilities averaged over uniform baseline bins. Empty bins
// are omitted.
type Bins struct {
	Width float64
	Q     []float64 // weighted mean baseline of the bin
	V     []float64 // weighted mean Re V
	Err   []float64 // 1/sqrt(Σw)
	Count []int
}

// Len returns the number of non-empty bins.
func (b *Bins) Len() int { return len(b.Q) }

// Bin averages (q, V) in bins [k·width, (k+1)·width) weighted by w. A nil w
// gives unit weights.
func Bin(q, V, w []float64, width float64) (*Bins, error) {
	if !(width > 0) || math.IsInf(width, 0) {
		return nil, fmt.Errorf("figures: bin width must be positive, got %g", width)
	}
	if len(q) != len(V) {
		return nil, fmt.Errorf("figures: %d baselines but %d visibilities", len(q), len(V))
	}
	if w != nil && len(w) != len(q) {
		return nil, fmt.Errorf("figures: %d baselines but %d weights", len(q), len(w))
	}

	members := make(map[int][]int)
	for i, qi := range q {
		k := int(math.Floor(qi / width))
		members[k] = append(members[k], i)
	}
	keys := make([]int, 0, len(members))
	for k := range members {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	b := &Bins{Width: width}
	for _, k := range keys {
		idx := members[k]
		qb := make([]float64, len(idx))
		vb := make([]float64, len(idx))
		var wb []float64
		if w != nil {
			wb = make([]float64, len(idx))
		}
		for j, i := range idx {
			qb[j] = q[i]
			vb[j] = V[i]
			if w != nil {
				wb[j] = w[i]
			}
		}
		sum := float64(len(idx))
		if w != nil {
			sum = floats.Sum(wb)
		}
		if !(sum > 0) {
			continue
		}
		b.Q = append(b.Q, stat.Mean(qb, wb))
		b.V = append(b.V, stat.Mean(vb, wb))
		b.Err = append(b.Err, 1/math.Sqrt(sum))
		b.Count = append(b.Count, len(idx))
	}
	return b, nil
}

// points returns the bin centres in kλ with ys and the bin errors.
func (b *Bins) points(ys []float64) errorPoints {
	pts := errorPoints{
		XYs:     make(plotter.XYs, b.Len()),
		YErrors: make(plotter.YErrors, b.Len()),
	}
	for i := range b.Q {
		pts.XYs[i] = plotter.XY{X: b.Q[i] / 1e3, Y: ys[i]}
		pts.YErrors[i].Low = b.Err[i]
		pts.YErrors[i].High = b.Err[i]
	}
	return pts
}

// addBinned adds the points with error bars to p.
func addBinned(p *plot.Plot, pts errorPoints, label string) error {
	scatter, err := plotter.NewScatter(pts.XYs)
	if err != nil {
		return err
	}
	scatter.GlyphStyle.Radius = vg.Points(2)
	scatter.GlyphStyle.Color = plotutil.Color(1)

	bars, err := plotter.NewYErrorBars(pts)
	if err != nil {
		return err
	}
	bars.Color = plotutil.Color(1)

	p.Add(scatter, bars)
	p.Legend.Add(label, scatter)
	return nil
}

// Visibilities plots the binned deprojected data Re V(q) and the model of
// sol on a regular grid up to the last bin.
func Visibilities(bins *Bins, sol *frank.HankelRegressor) (*plot.Plot, error) {
	if bins.Len() == 0 {
		return nil, errNoData
	}

	grid := make([]float64, modelPoints)
	floats.Span(grid, 0, floats.Max(bins.Q)+0.5*bins.Width)
	model := sol.Predict(grid, nil)
	curve := make(plotter.XYs, len(grid))
	for i := range grid {
		curve[i] = plotter.XY{X: grid[i] / 1e3, Y: model[i]}
	}

	p := plot.New()
	p.Title.Text = fmt.Sprintf("Deprojected visibilities, %g λ bins", bins.Width)
	p.X.Label.Text = "Baseline [kλ]"
	p.Y.Label.Text = "Re(V) [Jy]"
	p.Add(plotter.NewGrid())

	if err := addBinned(p, bins.points(bins.V), "binned data"); err != nil {
		return nil, err
	}

	line, err := plotter.NewLine(curve)
	if err != nil {
		return nil, err
	}
	line.Color = plotutil.Color(0)
	line.Width = vg.Points(1.5)
	p.Add(line)
	p.Legend.Add("MAP", line)
	p.Legend.Top = true
	return p, nil
}

// Residuals returns the binned data minus the model of sol at the bin
// centres.
func Residuals(bins *Bins, sol *frank.HankelRegressor) []float64 {
	model := sol.Predict(bins.Q, nil)
	res := make([]float64, bins.Len())
	for i := range res {
		res[i] = bins.V[i] - model[i]
	}
	return res
}

// VisibilityResiduals plots Residuals with the bin errors around zero.
func VisibilityResiduals(bins *Bins, sol *frank.HankelRegressor) (*plot.Plot, error) {
	if bins.Len() == 0 {
		return nil, errNoData
	}

	p := plot.New()
	p.Title.Text = fmt.Sprintf("Visibility residuals, %g λ bins", bins.Width)
	p.X.Label.Text = "Baseline [kλ]"
	p.Y.Label.Text = "Re(V) − model [Jy]"

	zero := plotter.NewFunction(func(float64) float64 { return 0 })
	zero.Color = plotutil.Color(0)
	p.Add(plotter.NewGrid(), zero)

	if err := addBinned(p, bins.points(Residuals(bins, sol)), "data − MAP"); err != nil {
		return nil, err
	}
	p.Legend.Top = true
	return p, nil
}

// PowerSpectrum plots p(q) on log-log axes. Non-positive values are
// skipped.
func PowerSpectrum(q, ps []float64) (*plot.Plot, error) {
	if len(q) != len(ps) {
		return nil, fmt.Errorf("figures: %d frequencies but %d spectrum values", len(q), len(ps))
	}
	pts := make(plotter.XYs, 0, len(q))
	for i := range q {
		if q[i] > 0 && ps[i] > 0 && !math.IsInf(ps[i], 0) {
			pts = append(pts, plotter.XY{X: q[i], Y: ps[i]})
		}
	}
	if len(pts) == 0 {
		return nil, errNoData
	}

	p := plot.New()
	p.Title.Text = "Power spectrum"
	p.X.Label.Text = "q [λ]"
	p.Y.Label.Text = "p [Jy²]"
	p.X.Scale = plot.LogScale{}
	p.Y.Scale = plot.LogScale{}
	p.X.Tick.Marker = plot.LogTicks{Prec: -1}
	p.Y.Tick.Marker = plot.LogTicks{Prec: -1}

	line, err := plotter.NewLine(pts)
	if err != nil {
		return nil, err
	}
	line.Color = plotutil.Color(2)
	line.Width = vg.Points(1)

	p.Add(line)
	return p, nil
}

// Save writes p to path as PNG or SVG, chosen by extension.
func Save(p *plot.Plot, path string) error {
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".png", ".svg":
	default:
		return fmt.Errorf("figures: unsupported format %q", ext)
	}
	return p.Save(Width, Height, path)
}
