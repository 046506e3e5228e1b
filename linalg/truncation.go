package linalg

import "fmt"

// Truncation selects how many leading singular values the subspace
// factorizations retain. It is a tagged value holding either a cumulative
// squared-energy fraction in (0, 1] or an explicit subspace dimension.
// Querying the inactive branch returns -1.
type Truncation struct {
	fraction float64
	dim      int
	byDim    bool
}

// TruncateFraction returns a truncation keeping the leading singular values
// whose cumulative squared energy reaches the fraction f of the total.
func TruncateFraction(f float64) Truncation {
	return Truncation{fraction: f}
}

// TruncateDimension returns a truncation keeping exactly min(k, rank)
// leading singular values.
func TruncateDimension(k int) Truncation {
	return Truncation{dim: k, byDim: true}
}

// Fraction returns the energy fraction, or -1 when truncation is by dimension.
func (t Truncation) Fraction() float64 {
	if t.byDim {
		return -1
	}
	return t.fraction
}

// Dimension returns the subspace dimension, or -1 when truncation is by fraction.
func (t Truncation) Dimension() int {
	if !t.byDim {
		return -1
	}
	return t.dim
}

// Validate checks that the active branch is in range.
func (t Truncation) Validate() error {
	if t.byDim {
		if t.dim < 1 {
			return fmt.Errorf("subspace dimension must be at least 1, got %d", t.dim)
		}
		return nil
	}
	if t.fraction <= 0 || t.fraction > 1 {
		return fmt.Errorf("truncation fraction must be in (0, 1], got %v", t.fraction)
	}
	return nil
}

// significant reports how many leading singular values to keep. A zero
// singular value is never kept regardless of the tag.
func (t Truncation) significant(sig []float64) int {
	n := 0
	if t.byDim {
		n = min(t.dim, len(sig))
	} else {
		total := 0.0
		for _, s := range sig {
			total += s * s
		}
		if total > 0 {
			running := 0.0
			for _, s := range sig {
				if running/total >= t.fraction {
					break
				}
				n++
				running += s * s
			}
		}
	}
	for n > 0 && sig[n-1] <= 0 {
		n--
	}
	return n
}
