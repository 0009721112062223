package frank

import (
	"fmt"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distmv"
)

// Factorization identifies how a precision matrix was inverted.
type Factorization int

const (
	// FactorNone means no factorization has been attempted.
	FactorNone Factorization = iota
	// FactorCholesky means the matrix was positive definite and well
	// conditioned.
	FactorCholesky
	// FactorSVD means Cholesky failed and a truncated SVD pseudo-inverse
	// was used instead.
	FactorSVD
)

func (f Factorization) String() string {
	switch f {
	case FactorCholesky:
		return "cholesky"
	case FactorSVD:
		return "svd"
	default:
		return "none"
	}
}

// factorization is the outcome of an attempted inversion of a symmetric
// matrix. Exactly one of chol and pinv is set.
type factorization struct {
	kind Factorization
	n    int
	chol *mat.Cholesky
	pinv *mat.Dense
}

// factorize tries a Cholesky decomposition of a and falls back to an SVD
// pseudo-inverse when a is not positive definite or is too badly conditioned
// for the Cholesky solve to be trusted. Singular values below N·ε·s_max are
// treated as zero.
func factorize(a mat.Symmetric) (*factorization, error) {
	n := a.SymmetricDim()

	var chol mat.Cholesky
	if ok := chol.Factorize(a); ok && chol.Cond() <= mat.ConditionTolerance {
		return &factorization{kind: FactorCholesky, n: n, chol: &chol}, nil
	}

	var svd mat.SVD
	if ok := svd.Factorize(a, mat.SVDThin); !ok {
		return nil, fmt.Errorf("%w: SVD of %d×%d matrix did not converge", ErrNumerical, n, n)
	}
	s := svd.Values(nil)
	for _, v := range s {
		if !finite(v) {
			return nil, fmt.Errorf("%w: non-finite singular value", ErrNumerical)
		}
	}
	var u, v mat.Dense
	svd.UTo(&u)
	svd.VTo(&v)

	cutoff := float64(n) * eps * s[0]
	// pinv = V diag(1/s) Uᵀ over the retained singular values.
	for k, sk := range s {
		inv := 0.0
		if sk > cutoff && sk > 0 {
			inv = 1 / sk
		}
		col := v.ColView(k).(*mat.VecDense)
		col.ScaleVec(inv, col)
	}
	pinv := mat.NewDense(n, n, nil)
	pinv.Mul(&v, u.T())

	return &factorization{kind: FactorSVD, n: n, pinv: pinv}, nil
}

const eps = 0x1p-52

// solveTo stores the solution x of A x = b in dst.
func (f *factorization) solveTo(dst *mat.Dense, b mat.Matrix) error {
	if f.kind == FactorCholesky {
		if err := f.chol.SolveTo(dst, b); err != nil {
			return fmt.Errorf("%w: %v", ErrNumerical, err)
		}
		return nil
	}
	dst.Mul(f.pinv, b)
	return nil
}

// solveVecTo stores the solution x of A x = b in dst.
func (f *factorization) solveVecTo(dst *mat.VecDense, b mat.Vector) error {
	if f.kind == FactorCholesky {
		if err := f.chol.SolveVecTo(dst, b); err != nil {
			return fmt.Errorf("%w: %v", ErrNumerical, err)
		}
		return nil
	}
	dst.MulVec(f.pinv, b)
	return nil
}

// inverse returns A⁻¹ (or the pseudo-inverse) symmetrized.
func (f *factorization) inverse() (*mat.SymDense, error) {
	if f.kind == FactorCholesky {
		inv := mat.NewSymDense(f.n, nil)
		if err := f.chol.InverseTo(inv); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrNumerical, err)
		}
		return inv, nil
	}
	return symmetrize(f.pinv), nil
}

// symmetrize returns (d + dᵀ)/2.
func symmetrize(d mat.Matrix) *mat.SymDense {
	n, _ := d.Dims()
	sym := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			sym.SetSym(i, j, 0.5*(d.At(i, j)+d.At(j, i)))
		}
	}
	return sym
}

// sampler returns a representation of cov that distmv.NormalRandCov can
// draw from without refactorizing: its Cholesky factor when cov is positive
// definite, otherwise its eigendecomposition with negative eigenvalues
// clamped to zero.
func sampler(cov *mat.SymDense) (mat.Symmetric, error) {
	var chol mat.Cholesky
	if ok := chol.Factorize(cov); ok {
		return &chol, nil
	}
	var ed mat.EigenSym
	if ok := ed.Factorize(cov, true); !ok {
		return nil, fmt.Errorf("%w: eigendecomposition of covariance failed", ErrNumerical)
	}
	return distmv.NewPositivePartEigenSym(&ed), nil
}
