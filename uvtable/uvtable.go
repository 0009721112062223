// Package uvtable reads visibility tables and writes fit results as plain
// text columns.
package uvtable

import (
	"bufio"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/mariajmellado/frankenstein2D/frank"
	"github.com/mariajmellado/frankenstein2D/geometry"
	"github.com/mariajmellado/frankenstein2D/monitoring"
)

// Table holds the columns of a uv table. Im is all zero for four-column
// tables.
type Table struct {
	U       []float64
	V       []float64
	Re      []float64
	Im      []float64
	Weights []float64
}

// Len returns the number of visibilities.
func (t *Table) Len() int { return len(t.U) }

// Load parses whitespace-separated rows of
//
//	u v Re Im weight
//
// or, without an imaginary part, u v Re weight. Blank lines and lines
// starting with # are skipped.
func Load(r io.Reader) (*Table, error) {
	t := &Table{}
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	columns := 0
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		fields := strings.Fields(text)
		if columns == 0 {
			if len(fields) != 4 && len(fields) != 5 {
				return nil, fmt.Errorf("uvtable: line %d: expected 4 or 5 columns, got %d", line, len(fields))
			}
			columns = len(fields)
		} else if len(fields) != columns {
			return nil, fmt.Errorf("uvtable: line %d: expected %d columns, got %d", line, columns, len(fields))
		}

		vals := make([]float64, columns)
		for i, f := range fields {
			v, err := strconv.ParseFloat(f, 64)
			if err != nil {
				return nil, fmt.Errorf("uvtable: line %d column %d: %w", line, i+1, err)
			}
			vals[i] = v
		}
		t.U = append(t.U, vals[0])
		t.V = append(t.V, vals[1])
		t.Re = append(t.Re, vals[2])
		if columns == 5 {
			t.Im = append(t.Im, vals[3])
		} else {
			t.Im = append(t.Im, 0)
		}
		t.Weights = append(t.Weights, vals[columns-1])
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("uvtable: read: %w", err)
	}
	if t.Len() == 0 {
		return nil, fmt.Errorf("uvtable: no visibilities")
	}
	return t, nil
}

// LoadFile reads a uv table from path.
func LoadFile(path string) (*Table, error) {
	f, err := os.Open(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("uvtable: %w", err)
	}
	defer f.Close()

	t, err := Load(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	monitoring.Logf("uvtable: loaded %d visibilities from %s", t.Len(), path)
	return t, nil
}

// WriteProfile writes the posterior mean profile and its 1σ uncertainty at
// the collocation radii. Radii are held in radians and written in arcsec.
func WriteProfile(w io.Writer, sol *frank.HankelRegressor) error {
	cov, err := sol.Covariance()
	if err != nil {
		return err
	}
	bw := bufio.NewWriter(w)
	fmt.Fprintln(bw, "# r [arcsec]\tI [Jy/sr]\tI_err [Jy/sr]")
	mean := sol.Mean()
	for k, r := range sol.R() {
		fmt.Fprintf(bw, "%.10e\t%.10e\t%.10e\n", r/geometry.RadPerArcsec, mean[k], math.Sqrt(math.Max(cov.At(k, k), 0)))
	}
	return bw.Flush()
}

// WriteVisibilities writes a model visibility curve Re V(q).
func WriteVisibilities(w io.Writer, q, V []float64) error {
	if len(q) != len(V) {
		return fmt.Errorf("uvtable: %d baselines but %d visibilities", len(q), len(V))
	}
	bw := bufio.NewWriter(w)
	fmt.Fprintln(bw, "# Baseline [lambda]\tRe(V) [Jy]")
	for i := range q {
		fmt.Fprintf(bw, "%.10e\t%.10e\n", q[i], V[i])
	}
	return bw.Flush()
}
