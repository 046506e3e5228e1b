package ies

import (
	"fmt"
	"io"
	"math"
	"os"

	"github.com/mferrera/ert/linalg"
)

// Inversion selects which W-update equation UpdateA applies.
type Inversion int

const (
	// Exact solves (S'S + I)⁻¹·S'·H directly, assuming R = I.
	Exact Inversion = iota
	// SubspaceExactR uses the subspace pseudo inverse with the exact R.
	SubspaceExactR
	// SubspaceEER uses the subspace pseudo inverse with R = EE'/(N-1).
	SubspaceEER
	// SubspaceRE uses the subspace pseudo inverse with R represented by E.
	// Preferred over SubspaceEER when the observation count dominates the
	// ensemble size: O(N²m) instead of O(Nm²).
	SubspaceRE
)

func (inv Inversion) valid() bool { return inv >= Exact && inv <= SubspaceRE }

// Defaults match the original analysis module.
const (
	DefaultMaxSteplength = 0.60
	DefaultMinSteplength = 0.30
	DefaultDecSteplength = 2.50
	DefaultTruncation    = 0.98
)

// Config holds the tunables of the smoother: the inversion mode, the SVD
// truncation, the step-length schedule, the ensemble projection flag and the
// optional log sink.
type Config struct {
	inversion     Inversion
	truncation    linalg.Truncation
	maxSteplength float64
	minSteplength float64
	decSteplength float64
	aaProjection  bool

	logPath string
	logSink io.Writer
	logFile *os.File
}

// Option configures a Config.
type Option func(*Config)

// WithInversion sets the W-update equation.
func WithInversion(inv Inversion) Option {
	return func(c *Config) { c.inversion = inv }
}

// WithTruncationFraction truncates the SVD by cumulative energy fraction.
func WithTruncationFraction(f float64) Option {
	return func(c *Config) { c.truncation = linalg.TruncateFraction(f) }
}

// WithTruncationDimension truncates the SVD to a fixed subspace dimension.
func WithTruncationDimension(k int) Option {
	return func(c *Config) { c.truncation = linalg.TruncateDimension(k) }
}

// WithMaxSteplength sets the step length of the first iteration.
func WithMaxSteplength(g float64) Option {
	return func(c *Config) { c.maxSteplength = g }
}

// WithMinSteplength sets the limiting step length.
func WithMinSteplength(g float64) Option {
	return func(c *Config) { c.minSteplength = g }
}

// WithDecSteplength sets the decay base of the step-length schedule.
func WithDecSteplength(d float64) Option {
	return func(c *Config) { c.decSteplength = d }
}

// WithAAProjection enables projecting Y onto the ensemble column space when
// the state size does not exceed N-1.
func WithAAProjection(enable bool) Option {
	return func(c *Config) { c.aaProjection = enable }
}

// WithLogPath appends iteration records to the file at path.
func WithLogPath(path string) Option {
	return func(c *Config) { c.logPath = path }
}

// WithLogSink injects a log sink directly, taking precedence over a path.
func WithLogSink(w io.Writer) Option {
	return func(c *Config) { c.logSink = w }
}

// NewConfig returns a validated configuration with the module defaults.
func NewConfig(options ...Option) (*Config, error) {
	c := &Config{
		inversion:     SubspaceExactR,
		truncation:    linalg.TruncateFraction(DefaultTruncation),
		maxSteplength: DefaultMaxSteplength,
		minSteplength: DefaultMinSteplength,
		decSteplength: DefaultDecSteplength,
	}
	for _, opt := range options {
		opt(c)
	}
	if err := c.validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Config) validate() error {
	if c.minSteplength <= 0 {
		return fmt.Errorf("%w: min steplength must be positive, got %v", ErrConfig, c.minSteplength)
	}
	if c.maxSteplength < c.minSteplength {
		return fmt.Errorf("%w: max steplength %v below min steplength %v", ErrConfig, c.maxSteplength, c.minSteplength)
	}
	if c.decSteplength <= 1 {
		return fmt.Errorf("%w: steplength decay must exceed 1, got %v", ErrConfig, c.decSteplength)
	}
	if !c.inversion.valid() {
		return fmt.Errorf("%w: unknown inversion tag %d", ErrConfig, c.inversion)
	}
	if err := c.truncation.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrConfig, err)
	}
	return nil
}

// Steplength returns the step length γ for the 1-based iteration number:
//
//	γ = γmin + (γmax − γmin) · 2^(−(iter−1)/(dec−1))
func (c *Config) Steplength(iter int) float64 {
	if iter < 1 {
		iter = 1
	}
	decay := math.Pow(2, -float64(iter-1)/(c.decSteplength-1))
	return c.minSteplength + (c.maxSteplength-c.minSteplength)*decay
}

// Inversion returns the configured inversion mode.
func (c *Config) Inversion() Inversion { return c.inversion }

// Truncation returns the configured SVD truncation.
func (c *Config) Truncation() linalg.Truncation { return c.truncation }

// MaxSteplength returns γmax.
func (c *Config) MaxSteplength() float64 { return c.maxSteplength }

// MinSteplength returns γmin.
func (c *Config) MinSteplength() float64 { return c.minSteplength }

// DecSteplength returns the decay base.
func (c *Config) DecSteplength() float64 { return c.decSteplength }

// AAProjection reports whether ensemble projection is enabled.
func (c *Config) AAProjection() bool { return c.aaProjection }

// LogPath returns the configured log file path.
func (c *Config) LogPath() string { return c.logPath }

// SetInversion replaces the inversion mode.
func (c *Config) SetInversion(inv Inversion) error {
	if !inv.valid() {
		return fmt.Errorf("%w: unknown inversion tag %d", ErrConfig, inv)
	}
	c.inversion = inv
	return nil
}

// SetTruncationFraction replaces the truncation with an energy fraction.
func (c *Config) SetTruncationFraction(f float64) error {
	t := linalg.TruncateFraction(f)
	if err := t.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrConfig, err)
	}
	c.truncation = t
	return nil
}

// SetTruncationDimension replaces the truncation with a subspace dimension.
func (c *Config) SetTruncationDimension(k int) error {
	t := linalg.TruncateDimension(k)
	if err := t.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrConfig, err)
	}
	c.truncation = t
	return nil
}

// SetMaxSteplength sets γmax. The max/min ordering is checked when the
// schedule is used.
func (c *Config) SetMaxSteplength(g float64) error {
	if g <= 0 {
		return fmt.Errorf("%w: max steplength must be positive, got %v", ErrConfig, g)
	}
	c.maxSteplength = g
	return nil
}

// SetMinSteplength sets γmin.
func (c *Config) SetMinSteplength(g float64) error {
	if g <= 0 {
		return fmt.Errorf("%w: min steplength must be positive, got %v", ErrConfig, g)
	}
	c.minSteplength = g
	return nil
}

// SetDecSteplength sets the decay base.
func (c *Config) SetDecSteplength(d float64) error {
	if d <= 1 {
		return fmt.Errorf("%w: steplength decay must exceed 1, got %v", ErrConfig, d)
	}
	c.decSteplength = d
	return nil
}

// SetLogPath replaces the log file path. An already open log file is closed.
func (c *Config) SetLogPath(path string) {
	c.closeLog()
	c.logPath = path
}

// logf writes one record to the injected sink, opening the configured file
// lazily. Logging failures are deliberately swallowed: the log is an
// optional side channel, never part of the update contract.
func (c *Config) logf(format string, args ...any) {
	w := c.logSink
	if w == nil && c.logPath != "" {
		f, err := os.OpenFile(c.logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return
		}
		c.logFile = f
		c.logSink = f
		w = f
	}
	if w == nil {
		return
	}
	fmt.Fprintf(w, format, args...)
}

// closeLog closes the log file if this config opened one.
func (c *Config) closeLog() {
	if c.logFile != nil {
		c.logFile.Close()
		c.logFile = nil
		c.logSink = nil
	}
}
