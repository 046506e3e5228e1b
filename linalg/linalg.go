// Package linalg implements the dense-matrix helpers the iterative ensemble
// smoother needs on top of gonum/mat: row-mean centering, a linear solve with
// error classification, and the truncated low-rank pseudo-inverse
// factorizations from Evensen (2007, ch. 14).
package linalg

import (
	"errors"
	"fmt"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// ErrNumerical marks failures of the underlying factorizations: a singular
// solve, a non-converged SVD or a rank-zero truncation.
var ErrNumerical = errors.New("numerical failure")

// SubtractRowMean subtracts each row's mean from the row, equivalent to
// right-multiplying by (I - 11'/N).
func SubtractRowMean(m *mat.Dense) {
	rows, cols := m.Dims()
	for i := 0; i < rows; i++ {
		row := m.RawRowView(i)
		mean := floats.Sum(row) / float64(cols)
		for j := range row {
			row[j] -= mean
		}
	}
}

// Solve solves A·X = B for X with dense LU and partial pivoting. A singular
// system is reported as ErrNumerical; an ill-conditioned but solvable system
// is accepted.
func Solve(a, b mat.Matrix) (*mat.Dense, error) {
	var x mat.Dense
	if err := x.Solve(a, b); err != nil {
		if _, ok := err.(mat.Condition); !ok {
			return nil, fmt.Errorf("%w: solving linear system: %v", ErrNumerical, err)
		}
	}
	return &x, nil
}

// scaleRows multiplies row i of m by s[i].
func scaleRows(m *mat.Dense, s []float64) {
	rows, _ := m.Dims()
	for i := 0; i < rows; i++ {
		row := m.RawRowView(i)
		for j := range row {
			row[j] *= s[i]
		}
	}
}

// scaleRowsCols multiplies element (i, j) of m by s[i]·s[j].
func scaleRowsCols(m *mat.Dense, s []float64) {
	rows, _ := m.Dims()
	for i := 0; i < rows; i++ {
		row := m.RawRowView(i)
		for j := range row {
			row[j] *= s[i] * s[j]
		}
	}
}
