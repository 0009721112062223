package frank

import "errors"

var (
	// ErrInvalidConfig reports hyperparameters or blocking settings that make
	// a fit impossible. It is returned before any computation starts.
	ErrInvalidConfig = errors.New("frank: invalid configuration")

	// ErrInvalidInput reports malformed visibility data: mismatched lengths,
	// NaN/Inf values, negative frequencies or non-positive weights.
	ErrInvalidInput = errors.New("frank: invalid input")

	// ErrNumerical reports a factorization that failed even on the SVD path.
	ErrNumerical = errors.New("frank: numerical failure")

	// ErrNotFitted is returned by accessors that need a completed fit.
	ErrNotFitted = errors.New("frank: fitter has not been run")
)
