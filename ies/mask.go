package ies

import (
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// Mask is an ordered sequence of activity flags with its active count
// precomputed. Realizations and observations are addressed through masks for
// the lifetime of an iteration chain.
type Mask struct {
	bits   []bool
	active int
}

// NewMask copies bits into a mask.
func NewMask(bits []bool) Mask {
	m := Mask{bits: make([]bool, len(bits))}
	copy(m.bits, bits)
	for _, b := range bits {
		if b {
			m.active++
		}
	}
	return m
}

func fullMask(n int) Mask {
	m := Mask{bits: make([]bool, n), active: n}
	for i := range m.bits {
		m.bits[i] = true
	}
	return m
}

// Len returns the full (original) length of the mask.
func (m Mask) Len() int { return len(m.bits) }

// ActiveCount returns the number of true entries.
func (m Mask) ActiveCount() int { return m.active }

// At reports whether entry i is active.
func (m Mask) At(i int) bool { return m.bits[i] }

func (m Mask) isZero() bool { return m.bits == nil }

func (m Mask) copy() Mask {
	if m.bits == nil {
		return Mask{}
	}
	c := Mask{bits: make([]bool, len(m.bits)), active: m.active}
	copy(c.bits, m.bits)
	return c
}

// set activates entry i, keeping the active count current.
func (m *Mask) set(i int) {
	if !m.bits[i] {
		m.bits[i] = true
		m.active++
	}
}

// allocActive extracts the sub-matrix of full where both masks are true,
// preserving the row and column order of full.
func allocActive(full *mat.Dense, rowMask, colMask Mask) *mat.Dense {
	active := mat.NewDense(rowMask.ActiveCount(), colMask.ActiveCount(), nil)
	r := 0
	for i := 0; i < rowMask.Len(); i++ {
		if !rowMask.At(i) {
			continue
		}
		c := 0
		for j := 0; j < colMask.Len(); j++ {
			if !colMask.At(j) {
				continue
			}
			active.Set(r, c, full.At(i, j))
			c++
		}
		r++
	}
	return active
}

// checkDims verifies that m has the given shape.
func checkDims(name string, m *mat.Dense, rows, cols int) error {
	r, c := m.Dims()
	if r != rows || c != cols {
		return fmt.Errorf("%w: %s is %dx%d, want %dx%d", ErrShape, name, r, c, rows, cols)
	}
	return nil
}
