// Package config loads the JSON parameter document that drives a fit from
// the command line.
package config

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"slices"

	"github.com/mariajmellado/frankenstein2D/frank"
	"github.com/mariajmellado/frankenstein2D/geometry"
)

// Params is the root of the parameter document. Fields omitted from the
// JSON fall back to the defaults returned by the Get* methods.
type Params struct {
	InputOutput InputOutput `json:"input_output"`
	Geometry    Geometry    `json:"geometry"`
	Hyperpriors Hyperpriors `json:"hyperpriors"`
}

// InputOutput selects the data file and what is written after the fit.
type InputOutput struct {
	UVTableFilename *string   `json:"uvtable_filename,omitempty"`
	SaveDir         *string   `json:"save_dir,omitempty"`
	SaveProfileFit  *bool     `json:"save_profile_fit,omitempty"`
	SaveVisFit      *bool     `json:"save_vis_fit,omitempty"`
	MakePlots       *bool     `json:"make_plots,omitempty"`
	ArchivePath     *string   `json:"archive_path,omitempty"` // SQLite archive, empty disables
	BinWidths       []float64 `json:"bin_widths,omitempty"`   // visibility figure bin widths, λ
}

// Geometry is the known disc orientation.
type Geometry struct {
	Inc  *float64 `json:"inc,omitempty"`  // degrees
	PA   *float64 `json:"pa,omitempty"`   // degrees
	DRA  *float64 `json:"dra,omitempty"`  // arcsec
	DDec *float64 `json:"ddec,omitempty"` // arcsec
}

// Hyperpriors are the basis and prior settings of the fit.
type Hyperpriors struct {
	Rout      *float64 `json:"rout,omitempty"` // arcsec
	N         *int     `json:"n,omitempty"`
	Nu        *int     `json:"nu,omitempty"`
	Alpha     *float64 `json:"alpha,omitempty"`
	P0        *float64 `json:"p0,omitempty"`
	WSmooth   *float64 `json:"wsmooth,omitempty"`
	Tol       *float64 `json:"tol,omitempty"`
	MaxIter   *int     `json:"max_iter,omitempty"`
	BlockData *bool    `json:"block_data,omitempty"`
	BlockSize *int     `json:"block_size,omitempty"`
}

// Defaults applied when a field is absent.
const (
	DefaultRout    = 1.5
	DefaultN       = 100
	DefaultSaveDir = "."
)

// DefaultBinWidths are the visibility figure bin widths in λ.
var DefaultBinWidths = []float64{1e3, 5e4}

// Load reads and validates a parameter document. The file must have a .json
// extension and be at most 1MB.
func Load(path string) (*Params, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024 // 1MB
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	p := &Params{}
	if err := json.Unmarshal(data, p); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return p, nil
}

// Save writes the parameters next to the fit outputs. Unset fields are
// omitted.
func (p *Params) Save(path string) error {
	data, err := json.MarshalIndent(p, "", "    ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(data, '\n'), 0o644)
}

// Validate checks the values that are set.
func (p *Params) Validate() error {
	for _, bw := range p.InputOutput.BinWidths {
		if !(bw > 0) || math.IsInf(bw, 0) {
			return fmt.Errorf("bin_widths must be positive, got %g", bw)
		}
	}
	h := p.Hyperpriors
	if h.Rout != nil && !(*h.Rout > 0) {
		return fmt.Errorf("rout must be positive, got %g", *h.Rout)
	}
	if h.N != nil && *h.N < 2 {
		return fmt.Errorf("n must be at least 2, got %d", *h.N)
	}
	if h.Nu != nil && *h.Nu < 0 {
		return fmt.Errorf("nu must be non-negative, got %d", *h.Nu)
	}
	if h.Alpha != nil && *h.Alpha < 1 {
		return fmt.Errorf("alpha must be >= 1, got %g", *h.Alpha)
	}
	if h.P0 != nil && *h.P0 < 0 {
		return fmt.Errorf("p0 must be >= 0, got %g", *h.P0)
	}
	if h.WSmooth != nil && *h.WSmooth < 0 {
		return fmt.Errorf("wsmooth must be >= 0, got %g", *h.WSmooth)
	}
	if h.Tol != nil && !(*h.Tol > 0) {
		return fmt.Errorf("tol must be positive, got %g", *h.Tol)
	}
	if h.MaxIter != nil && *h.MaxIter <= 0 {
		return fmt.Errorf("max_iter must be positive, got %d", *h.MaxIter)
	}
	if p.GetBlockData() && h.BlockSize != nil && *h.BlockSize <= 0 {
		return fmt.Errorf("block_size must be positive, got %d", *h.BlockSize)
	}
	if err := p.GetGeometry().Validate(); err != nil {
		return err
	}
	return nil
}

// GetUVTableFilename returns the uv table path, empty when unset.
func (p *Params) GetUVTableFilename() string {
	if p.InputOutput.UVTableFilename == nil {
		return ""
	}
	return *p.InputOutput.UVTableFilename
}

// SetUVTableFilename overrides the uv table path.
func (p *Params) SetUVTableFilename(path string) {
	p.InputOutput.UVTableFilename = &path
}

// GetSaveDir returns the output directory or the working directory.
func (p *Params) GetSaveDir() string {
	if p.InputOutput.SaveDir == nil || *p.InputOutput.SaveDir == "" {
		return DefaultSaveDir
	}
	return *p.InputOutput.SaveDir
}

// GetSaveProfileFit reports whether fit.txt is written (default true).
func (p *Params) GetSaveProfileFit() bool {
	return boolOr(p.InputOutput.SaveProfileFit, true)
}

// GetSaveVisFit reports whether fit_vis.txt is written (default true).
func (p *Params) GetSaveVisFit() bool {
	return boolOr(p.InputOutput.SaveVisFit, true)
}

// GetMakePlots reports whether figures are rendered (default true).
func (p *Params) GetMakePlots() bool {
	return boolOr(p.InputOutput.MakePlots, true)
}

// GetArchivePath returns the SQLite archive path, empty to disable.
func (p *Params) GetArchivePath() string {
	if p.InputOutput.ArchivePath == nil {
		return ""
	}
	return *p.InputOutput.ArchivePath
}

// GetBinWidths returns the visibility figure bin widths in λ.
func (p *Params) GetBinWidths() []float64 {
	if len(p.InputOutput.BinWidths) == 0 {
		return slices.Clone(DefaultBinWidths)
	}
	return slices.Clone(p.InputOutput.BinWidths)
}

// GetGeometry returns the disc geometry, face-on and centred by default.
func (p *Params) GetGeometry() geometry.FixedGeometry {
	g := p.Geometry
	return geometry.FixedGeometry{
		Inc:  floatOr(g.Inc, 0),
		PA:   floatOr(g.PA, 0),
		DRA:  floatOr(g.DRA, 0),
		DDec: floatOr(g.DDec, 0),
	}
}

// GetRout returns the support radius in arcsec.
func (p *Params) GetRout() float64 { return floatOr(p.Hyperpriors.Rout, DefaultRout) }

// GetN returns the number of collocation points.
func (p *Params) GetN() int { return intOr(p.Hyperpriors.N, DefaultN) }

// GetNu returns the Hankel transform order.
func (p *Params) GetNu() int { return intOr(p.Hyperpriors.Nu, 0) }

// GetBlockData reports whether the design matrix is built in chunks
// (default true).
func (p *Params) GetBlockData() bool {
	return boolOr(p.Hyperpriors.BlockData, true)
}

// FitOptions translates the hyperpriors into fitter options. Unset values
// keep the fitter defaults.
func (p *Params) FitOptions() []frank.Option {
	h := p.Hyperpriors
	var opts []frank.Option
	if h.Alpha != nil {
		opts = append(opts, frank.WithAlpha(*h.Alpha))
	}
	if h.P0 != nil {
		opts = append(opts, frank.WithP0(*h.P0))
	}
	if h.WSmooth != nil {
		opts = append(opts, frank.WithSmoothing(*h.WSmooth))
	}
	if h.Tol != nil {
		opts = append(opts, frank.WithTolerance(*h.Tol))
	}
	if h.MaxIter != nil {
		opts = append(opts, frank.WithMaxIter(*h.MaxIter))
	}
	if h.BlockData != nil {
		opts = append(opts, frank.WithBlocking(*h.BlockData))
	}
	if h.BlockSize != nil && p.GetBlockData() {
		opts = append(opts, frank.WithBlockSize(*h.BlockSize))
	}
	return opts
}

func floatOr(v *float64, def float64) float64 {
	if v == nil {
		return def
	}
	return *v
}

func intOr(v *int, def int) int {
	if v == nil {
		return def
	}
	return *v
}

func boolOr(v *bool, def bool) bool {
	if v == nil {
		return def
	}
	return *v
}
