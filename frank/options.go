package frank

import (
	"fmt"
	"math"
	"math/rand/v2"
	"time"
)

// Default hyperparameters of the empirical-Bayes fit.
const (
	DefaultAlpha     = 1.05
	DefaultP0        = 0.0
	DefaultSmoothing = 0.1
	DefaultTolerance = 1e-3
	DefaultMaxIter   = 250
	DefaultBlockSize = 10_000_000
)

// config collects the settings shared by the builder and both fitters.
type config struct {
	alpha     float64 // inverse-gamma shape, >= 1
	p0        float64 // inverse-gamma scale, >= 0
	smooth    float64 // spectral smoothness weight, >= 0
	tol       float64 // relative convergence tolerance, > 0
	maxIter   int     // iteration cap, > 0
	blocking  bool    // bound the design matrix memory by blockSize elements
	blockSize int     // element budget per chunk
	workers   int     // chunk-parallel reduction width
	seed      int64   // RNG seed for draws, 0 = time based
}

// Option configures a fitter or a design matrix builder.
type Option func(*config)

// WithAlpha sets the shape parameter of the inverse-gamma power spectrum prior.
func WithAlpha(alpha float64) Option {
	return func(c *config) {
		c.alpha = alpha
	}
}

// WithP0 sets the scale parameter of the inverse-gamma power spectrum prior.
func WithP0(p0 float64) Option {
	return func(c *config) {
		c.p0 = p0
	}
}

// WithSmoothing sets the weight of the spectral smoothness prior. Zero
// disables smoothing.
func WithSmoothing(w float64) Option {
	return func(c *config) {
		c.smooth = w
	}
}

// WithTolerance sets the relative tolerance of the power spectrum iteration.
func WithTolerance(tol float64) Option {
	return func(c *config) {
		c.tol = tol
	}
}

// WithMaxIter caps the number of power spectrum iterations.
func WithMaxIter(n int) Option {
	return func(c *config) {
		c.maxIter = n
	}
}

// WithBlocking enables or disables chunked design matrix assembly.
func WithBlocking(enabled bool) Option {
	return func(c *config) {
		c.blocking = enabled
	}
}

// WithBlockSize sets the element budget of a chunk. Each chunk holds
// blockSize/N + 1 visibilities.
func WithBlockSize(n int) Option {
	return func(c *config) {
		c.blockSize = n
	}
}

// WithWorkers reduces chunks on n goroutines. The result equals the
// sequential build up to floating-point summation order.
func WithWorkers(n int) Option {
	return func(c *config) {
		c.workers = n
	}
}

// WithRandomSeed seeds the generator used for posterior and power spectrum
// draws. Zero selects a time-based seed.
func WithRandomSeed(seed int64) Option {
	return func(c *config) {
		c.seed = seed
	}
}

func newConfig(options []Option) config {
	c := config{
		alpha:     DefaultAlpha,
		p0:        DefaultP0,
		smooth:    DefaultSmoothing,
		tol:       DefaultTolerance,
		maxIter:   DefaultMaxIter,
		blocking:  true,
		blockSize: DefaultBlockSize,
		workers:   1,
	}
	for _, opt := range options {
		opt(&c)
	}
	return c
}

// validateBlocking checks the settings the design matrix builder depends on.
func (c *config) validateBlocking() error {
	if c.blocking && c.blockSize <= 0 {
		return fmt.Errorf("%w: block size must be positive, got %d", ErrInvalidConfig, c.blockSize)
	}
	if c.workers < 1 {
		return fmt.Errorf("%w: workers must be at least 1, got %d", ErrInvalidConfig, c.workers)
	}
	return nil
}

// validate checks the full set of hyperparameters.
func (c *config) validate() error {
	if err := c.validateBlocking(); err != nil {
		return err
	}
	if math.IsNaN(c.alpha) || c.alpha < 1 {
		return fmt.Errorf("%w: alpha must be >= 1, got %g", ErrInvalidConfig, c.alpha)
	}
	if math.IsNaN(c.p0) || math.IsInf(c.p0, 0) || c.p0 < 0 {
		return fmt.Errorf("%w: p0 must be finite and >= 0, got %g", ErrInvalidConfig, c.p0)
	}
	if math.IsNaN(c.smooth) || math.IsInf(c.smooth, 0) || c.smooth < 0 {
		return fmt.Errorf("%w: smoothing weight must be finite and >= 0, got %g", ErrInvalidConfig, c.smooth)
	}
	if !(c.tol > 0) {
		return fmt.Errorf("%w: tolerance must be positive, got %g", ErrInvalidConfig, c.tol)
	}
	if c.maxIter <= 0 {
		return fmt.Errorf("%w: max_iter must be positive, got %d", ErrInvalidConfig, c.maxIter)
	}
	return nil
}

// source returns the random source for draws.
func (c *config) source() rand.Source {
	seed := c.seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return rand.NewPCG(uint64(seed), uint64(seed)^0x9e3779b97f4a7c15)
}
