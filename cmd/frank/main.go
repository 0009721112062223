// Command frank fits an axisymmetric brightness profile to a visibility
// table.
//
// Usage:
//
//	frank -p params.json [-uv table.txt]
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"

	"gonum.org/v1/plot"

	"github.com/mariajmellado/frankenstein2D/config"
	"github.com/mariajmellado/frankenstein2D/figures"
	"github.com/mariajmellado/frankenstein2D/frank"
	"github.com/mariajmellado/frankenstein2D/geometry"
	"github.com/mariajmellado/frankenstein2D/hankel"
	"github.com/mariajmellado/frankenstein2D/monitoring"
	"github.com/mariajmellado/frankenstein2D/store"
	"github.com/mariajmellado/frankenstein2D/uvtable"
)

func main() {
	paramsPath := flag.String("p", "", "parameter file (.json)")
	uvPath := flag.String("uv", "", "uv table, overrides input_output.uvtable_filename")
	flag.Parse()

	if *paramsPath == "" {
		flag.Usage()
		os.Exit(2)
	}
	if err := run(*paramsPath, *uvPath); err != nil {
		log.Fatalf("frank: %v", err)
	}
}

func run(paramsPath, uvPath string) error {
	params, err := config.Load(paramsPath)
	if err != nil {
		return err
	}
	if uvPath != "" {
		params.SetUVTableFilename(uvPath)
	}
	tablePath := params.GetUVTableFilename()
	if tablePath == "" {
		return fmt.Errorf("no uv table given")
	}

	table, err := uvtable.LoadFile(tablePath)
	if err != nil {
		return err
	}
	dep, err := params.GetGeometry().Apply(table.U, table.V, table.Re, table.Im)
	if err != nil {
		return err
	}

	basis, err := hankel.New(params.GetRout()*geometry.RadPerArcsec, params.GetN(), params.GetNu())
	if err != nil {
		return err
	}
	fitter, err := frank.NewFrankFitter(basis, params.FitOptions()...)
	if err != nil {
		return err
	}
	res, err := fitter.Fit(dep.Q, dep.Re, table.Weights)
	if err != nil {
		return err
	}
	monitoring.Logf("frank: fit finished in %d iterations (converged=%t, factorization=%s)",
		res.Iterations, res.Converged, res.Factorization)

	saveDir := params.GetSaveDir()
	if err := os.MkdirAll(saveDir, 0o755); err != nil {
		return err
	}
	prefix := filepath.Join(saveDir, strings.TrimSuffix(filepath.Base(tablePath), filepath.Ext(tablePath)))

	if err := params.Save(prefix + "_frank_used_pars.json"); err != nil {
		return err
	}
	if params.GetSaveProfileFit() {
		if err := writeFile(prefix+"_frank_profile_fit.txt", func(f *os.File) error {
			return uvtable.WriteProfile(f, res.Solution)
		}); err != nil {
			return err
		}
	}
	if params.GetSaveVisFit() {
		model := res.Solution.Predict(dep.Q, nil)
		if err := writeFile(prefix+"_frank_vis_fit.txt", func(f *os.File) error {
			return uvtable.WriteVisibilities(f, dep.Q, model)
		}); err != nil {
			return err
		}
	}
	if params.GetMakePlots() {
		if err := makePlots(prefix, dep, table.Weights, params.GetBinWidths(), res); err != nil {
			return err
		}
	}

	if archive := params.GetArchivePath(); archive != "" {
		if err := archiveRun(archive, tablePath, res); err != nil {
			return err
		}
	}
	return nil
}

func makePlots(prefix string, dep *geometry.Deprojected, w, binWidths []float64, res *frank.Result) error {
	profile, err := figures.Profile(res.Solution)
	if err != nil {
		return err
	}
	ps, err := figures.PowerSpectrum(res.Solution.Q(), res.PowerSpectrum)
	if err != nil {
		return err
	}
	plots := map[string]*plot.Plot{
		"_frank_profile.png":        profile,
		"_frank_power_spectrum.png": ps,
	}

	for _, width := range binWidths {
		bins, err := figures.Bin(dep.Q, dep.Re, w, width)
		if err != nil {
			return err
		}
		vis, err := figures.Visibilities(bins, res.Solution)
		if err != nil {
			return err
		}
		resid, err := figures.VisibilityResiduals(bins, res.Solution)
		if err != nil {
			return err
		}
		plots[fmt.Sprintf("_frank_vis_bin%g.png", width)] = vis
		plots[fmt.Sprintf("_frank_vis_resid_bin%g.png", width)] = resid
	}

	for name, p := range plots {
		if err := figures.Save(p, prefix+name); err != nil {
			return err
		}
	}
	return nil
}

func archiveRun(path, tablePath string, res *frank.Result) error {
	s, err := store.Open(path)
	if err != nil {
		return err
	}
	defer s.Close()

	r, err := store.NewRun(res, tablePath)
	if err != nil {
		return err
	}
	if err := s.Insert(r); err != nil {
		return err
	}
	monitoring.Logf("frank: archived run %s in %s", r.ID, path)
	return nil
}

func writeFile(path string, write func(*os.File) error) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := write(f); err != nil {
		f.Close()
		return err
	}
	monitoring.Logf("frank: wrote %s", path)
	return f.Close()
}
