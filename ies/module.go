package ies

import (
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// ModuleName is the identifier the analysis driver looks this module up by.
const ModuleName = "IES_ENKF"

// Configuration keys recognized by the dispatch surface.
const (
	KeySubspaceDimension = "ENKF_SUBSPACE_DIMENSION"
	KeyTruncation        = "ENKF_TRUNCATION"
	KeyMaxSteplength     = "IES_MAX_STEPLENGTH"
	KeyMinSteplength     = "IES_MIN_STEPLENGTH"
	KeyDecSteplength     = "IES_DEC_STEPLENGTH"
	KeyIter              = "ITER"
	KeyInversion         = "IES_INVERSION"
	KeyAAProjection      = "IES_AAPROJECTION"
	KeyLogFile           = "IES_LOGFILE"
	KeyDebug             = "IES_DEBUG"
)

// Option flag bits reported by Options, matching what the analysis driver
// expects from an iterable module that updates A itself.
const (
	OptionNeedED    int64 = 1 << 0
	OptionUseA      int64 = 1 << 2
	OptionUpdateA   int64 = 1 << 3
	OptionScaleData int64 = 1 << 4
	OptionIterable  int64 = 1 << 5
)

// Module is the dispatch table the assimilation driver consumes. It closes
// over one iteration state and its configuration; the legacy raw-pointer
// handle threading is gone.
type Module struct {
	cfg  *Config
	data *Data
}

// NewModule allocates a module with fresh iteration state.
func NewModule(options ...Option) (*Module, error) {
	cfg, err := NewConfig(options...)
	if err != nil {
		return nil, err
	}
	return &Module{cfg: cfg, data: NewData(cfg)}, nil
}

// Name returns the driver-facing module name.
func (m *Module) Name() string { return ModuleName }

// Config exposes the module configuration.
func (m *Module) Config() *Config { return m.cfg }

// Data exposes the iteration state.
func (m *Module) Data() *Data { return m.data }

// Free releases the iteration state and closes the log sink if the module
// opened one. The module must not be used afterwards.
func (m *Module) Free() {
	m.cfg.closeLog()
	m.data = nil
}

// InitUpdate forwards to the iteration state, see Data.InitUpdate.
func (m *Module) InitUpdate(ensMask, obsMask []bool, s, r, dObs, e, d *mat.Dense) error {
	if m.data == nil {
		return fmt.Errorf("%w: module has been freed", ErrState)
	}
	return m.data.InitUpdate(ensMask, obsMask, s, r, dObs, e, d)
}

// UpdateA forwards to the iteration state, see Data.UpdateA.
func (m *Module) UpdateA(a, y, r, dObs, e, d *mat.Dense) error {
	if m.data == nil {
		return fmt.Errorf("%w: module has been freed", ErrState)
	}
	return m.data.UpdateA(a, y, r, dObs, e, d)
}

// InitX is the stateless convenience entry, see the package-level InitX.
func (m *Module) InitX(y, r, e, d *mat.Dense) (*mat.Dense, error) {
	return InitX(m.cfg, y, r, e, d)
}

// SetInt sets an integer-valued configuration variable.
func (m *Module) SetInt(name string, value int) error {
	switch name {
	case KeySubspaceDimension:
		return m.cfg.SetTruncationDimension(value)
	case KeyIter:
		if value < 0 {
			return fmt.Errorf("%w: iteration number must be non-negative, got %d", ErrConfig, value)
		}
		if m.data == nil {
			return fmt.Errorf("%w: module has been freed", ErrState)
		}
		m.data.iterationNr = value
		return nil
	case KeyInversion:
		return m.cfg.SetInversion(Inversion(value))
	}
	return fmt.Errorf("%w: unknown integer key %q", ErrConfig, name)
}

// GetInt returns an integer-valued variable, or -1 for unknown keys and for
// the inactive branch of the tagged truncation.
func (m *Module) GetInt(name string) int {
	switch name {
	case KeyIter:
		if m.data == nil {
			return -1
		}
		return m.data.iterationNr
	case KeySubspaceDimension:
		return m.cfg.truncation.Dimension()
	case KeyInversion:
		return int(m.cfg.inversion)
	}
	return -1
}

// SetDouble sets a float-valued configuration variable. Setting the
// truncation fraction replaces a previously set subspace dimension.
func (m *Module) SetDouble(name string, value float64) error {
	switch name {
	case KeyTruncation:
		return m.cfg.SetTruncationFraction(value)
	case KeyMaxSteplength:
		return m.cfg.SetMaxSteplength(value)
	case KeyMinSteplength:
		return m.cfg.SetMinSteplength(value)
	case KeyDecSteplength:
		return m.cfg.SetDecSteplength(value)
	}
	return fmt.Errorf("%w: unknown double key %q", ErrConfig, name)
}

// GetDouble returns a float-valued variable, or -1 for unknown keys and for
// the inactive branch of the tagged truncation.
func (m *Module) GetDouble(name string) float64 {
	switch name {
	case KeyTruncation:
		return m.cfg.truncation.Fraction()
	case KeyMaxSteplength:
		return m.cfg.maxSteplength
	case KeyMinSteplength:
		return m.cfg.minSteplength
	case KeyDecSteplength:
		return m.cfg.decSteplength
	}
	return -1
}

// SetBool sets a boolean configuration variable. IES_DEBUG is accepted for
// backwards compatibility, warned about and otherwise ignored.
func (m *Module) SetBool(name string, value bool) error {
	switch name {
	case KeyAAProjection:
		m.cfg.aaProjection = value
		return nil
	case KeyDebug:
		m.cfg.logf("The key %s is ignored\n", KeyDebug)
		return nil
	}
	return fmt.Errorf("%w: unknown bool key %q", ErrConfig, name)
}

// GetBool returns a boolean variable; unknown keys read as false.
func (m *Module) GetBool(name string) bool {
	if name == KeyAAProjection {
		return m.cfg.aaProjection
	}
	return false
}

// SetString sets a string-valued configuration variable.
func (m *Module) SetString(name, value string) error {
	if name == KeyLogFile {
		m.cfg.SetLogPath(value)
		return nil
	}
	return fmt.Errorf("%w: unknown string key %q", ErrConfig, name)
}

// GetString returns a string-valued variable; unknown keys read as empty.
func (m *Module) GetString(name string) string {
	if name == KeyLogFile {
		return m.cfg.logPath
	}
	return ""
}

// HasVar reports whether the dispatch surface recognizes name.
func (m *Module) HasVar(name string) bool {
	switch name {
	case KeySubspaceDimension, KeyTruncation,
		KeyMaxSteplength, KeyMinSteplength, KeyDecSteplength,
		KeyIter, KeyInversion, KeyAAProjection, KeyLogFile, KeyDebug:
		return true
	}
	return false
}

// Options returns the module's analysis option flags.
func (m *Module) Options() int64 {
	return OptionNeedED | OptionUpdateA | OptionScaleData | OptionIterable
}
