package ies

import (
	"errors"

	"github.com/mferrera/ert/linalg"
)

// Error kinds surfaced by the update core. None of them are recoverable
// inside the core; callers classify with errors.Is.
var (
	// ErrShape marks matrix dimensions inconsistent with the masks or with
	// each other.
	ErrShape = errors.New("shape mismatch")

	// ErrMask marks mask transitions that violate monotonicity or mask sizes
	// that change between iterations.
	ErrMask = errors.New("mask violation")

	// ErrConfig marks unknown keys, values out of range and unknown
	// inversion tags.
	ErrConfig = errors.New("invalid configuration")

	// ErrState marks calls arriving before the state has been initialized.
	ErrState = errors.New("invalid state")

	// ErrNumerical marks SVD and solve failures and non-finite output.
	ErrNumerical = linalg.ErrNumerical
)
