package frank

import (
	"errors"
	"math"
	"testing"

	"gonum.org/v1/gonum/mat"
)

func TestNewSmoothingOperatorValidation(t *testing.T) {
	tests := []struct {
		name    string
		q       []float64
		weight  float64
		wantErr bool
	}{
		{name: "valid", q: []float64{0.1, 0.3, 1, 2}, weight: 0.1},
		{name: "zero weight", q: []float64{0.1, 0.3, 1, 2}, weight: 0},
		{name: "too short", q: []float64{0.1}, weight: 0.1, wantErr: true},
		{name: "negative weight", q: []float64{0.1, 0.3, 1}, weight: -1, wantErr: true},
		{name: "NaN weight", q: []float64{0.1, 0.3, 1}, weight: math.NaN(), wantErr: true},
		{name: "zero frequency", q: []float64{0, 0.3, 1}, weight: 0.1, wantErr: true},
		{name: "not increasing", q: []float64{0.1, 0.3, 0.3}, weight: 0.1, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewSmoothingOperator(tt.q, tt.weight)
			if (err != nil) != tt.wantErr {
				t.Fatalf("NewSmoothingOperator() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrInvalidConfig) {
				t.Errorf("error = %v, want ErrInvalidConfig", err)
			}
		})
	}
}

func TestSmoothingMatchesDenseConstruction(t *testing.T) {
	basis := newBasis(t, 1.5, 12)
	q := basis.Q()
	const weight = 0.3
	s, err := NewSmoothingOperator(q, weight)
	if err != nil {
		t.Fatalf("NewSmoothingOperator() error = %v", err)
	}

	n := len(q)
	lq := make([]float64, n)
	for i := range q {
		lq[i] = math.Log(q[i])
	}
	delta := mat.NewDense(n, n, nil)
	dc := mat.NewDiagDense(n, nil)
	for i := 1; i < n-1; i++ {
		c := (lq[i+1] - lq[i-1]) / 2
		lo, hi := lq[i]-lq[i-1], lq[i+1]-lq[i]
		delta.Set(i, i-1, 1/(c*lo))
		delta.Set(i, i, -(1/hi+1/lo)/c)
		delta.Set(i, i+1, 1/(c*hi))
		dc.SetDiag(i, c)
	}
	var dtc, want mat.Dense
	dtc.Mul(delta.T(), dc)
	want.Mul(&dtc, delta)
	want.Scale(weight, &want)

	got := s.Dense()
	if !mat.EqualApprox(got, &want, 1e-12*mat.Norm(&want, math.Inf(1))) {
		t.Errorf("banded operator differs from weight·Δᵀ diag(dc) Δ")
	}

	var ed mat.EigenSym
	if ok := ed.Factorize(got, false); !ok {
		t.Fatalf("eigendecomposition failed")
	}
	vals := ed.Values(nil)
	if vals[0] < -1e-10*vals[n-1] {
		t.Errorf("smoothing operator has negative eigenvalue %g", vals[0])
	}
}

func TestSmoothingNullSpace(t *testing.T) {
	basis := newBasis(t, 1.0, 20)
	q := basis.Q()
	s, err := NewSmoothingOperator(q, 1)
	if err != nil {
		t.Fatalf("NewSmoothingOperator() error = %v", err)
	}

	ones := make([]float64, len(q))
	lq := make([]float64, len(q))
	for i := range q {
		ones[i] = 1
		lq[i] = math.Log(q[i])
	}
	scale := mat.Norm(s.Dense(), math.Inf(1))
	for name, x := range map[string][]float64{"constant": ones, "linear in log q": lq} {
		for i, v := range s.Apply(x) {
			if math.Abs(v) > 1e-10*scale {
				t.Errorf("T·%s [%d] = %g, want 0", name, i, v)
			}
		}
		if p := s.Penalty(x); math.Abs(p) > 1e-9*scale {
			t.Errorf("Penalty(%s) = %g, want 0", name, p)
		}
	}

	curved := make([]float64, len(q))
	for i := range curved {
		curved[i] = lq[i] * lq[i]
	}
	if p := s.Penalty(curved); !(p > 0) {
		t.Errorf("Penalty(curved) = %g, want > 0", p)
	}
}

func TestSolveShifted(t *testing.T) {
	basis := newBasis(t, 1.0, 15)
	s, err := NewSmoothingOperator(basis.Q(), 0.5)
	if err != nil {
		t.Fatalf("NewSmoothingOperator() error = %v", err)
	}
	b := make([]float64, 15)
	for i := range b {
		b[i] = math.Sin(float64(i))
	}

	for round := 0; round < 2; round++ {
		x, err := s.SolveShifted(b)
		if err != nil {
			t.Fatalf("SolveShifted() error = %v", err)
		}
		tx := s.Apply(x)
		for i := range b {
			if math.Abs(x[i]+tx[i]-b[i]) > 1e-10 {
				t.Errorf("round %d: (I+T)x [%d] = %g, want %g", round, i, x[i]+tx[i], b[i])
			}
		}
	}

	if _, err := s.SolveShifted(b[:3]); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("SolveShifted() with short rhs error = %v, want ErrInvalidInput", err)
	}

	none, _ := NewSmoothingOperator(basis.Q(), 0)
	x, err := none.SolveShifted(b)
	if err != nil {
		t.Fatalf("SolveShifted() error = %v", err)
	}
	if diff, _ := maxAbsDiff(x, b); diff > 1e-15 {
		t.Errorf("zero-weight SolveShifted is not the identity")
	}
}
