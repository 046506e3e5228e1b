package ies

import (
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// Data is the persistent iteration state of the smoother. It owns the
// coefficient matrix W, the initial observation perturbations, the initial
// parameter ensemble and the activity masks; everything passed to InitUpdate
// and UpdateA is borrowed from the caller.
//
// A Data value must be used from at most one goroutine at a time. Distinct
// values are independent and may be updated in parallel by the host driver.
type Data struct {
	cfg *Config

	// w is N0 x N0 and exactly zero outside the active block.
	w *mat.Dense
	// e holds one row per observation ever seen, in activation order, with
	// N0 columns. Rows are appended by augmentation and never rewritten.
	e *mat.Dense
	// a0 is the parameter ensemble of iteration 1, n x N0, written once.
	a0 *mat.Dense

	ensMask  Mask
	obsMask  Mask
	obsMask0 Mask
	// eRow maps an observation index to its row in e, -1 when never seen.
	eRow []int

	iterationNr int
	stateSize   int
}

// NewData allocates fresh iteration state bound to cfg.
func NewData(cfg *Config) *Data {
	return &Data{cfg: cfg}
}

// Iteration returns the number of completed iterations.
func (d *Data) Iteration() int { return d.iterationNr }

// StateSize returns the parameter-state size recorded by the last update.
func (d *Data) StateSize() int { return d.stateSize }

// EnsMask returns a copy of the current ensemble mask.
func (d *Data) EnsMask() Mask { return d.ensMask.copy() }

// ObsMask returns a copy of the current observation mask.
func (d *Data) ObsMask() Mask { return d.obsMask.copy() }

// updateEnsMask stores the mask for this iteration. The realization set may
// only shrink: a formerly inactive entry cannot become active again, and the
// mask length is fixed by the first call.
func (d *Data) updateEnsMask(mask Mask) error {
	if mask.ActiveCount() == 0 {
		return fmt.Errorf("%w: ensemble mask has no active realizations", ErrMask)
	}
	if d.ensMask.isZero() {
		d.ensMask = mask
		return nil
	}
	if mask.Len() != d.ensMask.Len() {
		return fmt.Errorf("%w: ensemble mask length changed from %d to %d", ErrMask, d.ensMask.Len(), mask.Len())
	}
	for i := 0; i < mask.Len(); i++ {
		if mask.At(i) && !d.ensMask.At(i) {
			return fmt.Errorf("%w: realization %d cannot be reactivated", ErrMask, i)
		}
	}
	d.ensMask = mask
	return nil
}

// allocateW sizes W to the original ensemble, once.
func (d *Data) allocateW() error {
	if d.w != nil {
		return nil
	}
	if d.ensMask.isZero() {
		return fmt.Errorf("%w: ensemble mask must be set before W is allocated", ErrState)
	}
	n := d.ensMask.Len()
	d.w = mat.NewDense(n, n, nil)
	return nil
}

// storeInitialObsMask freezes the first-iteration observation mask. Later
// calls are no-ops; augmentation is the only writer afterwards.
func (d *Data) storeInitialObsMask(mask Mask) {
	if !d.obsMask0.isZero() {
		return
	}
	d.obsMask0 = mask
	d.eRow = make([]int, mask.Len())
	for i := range d.eRow {
		d.eRow[i] = -1
	}
}

// updateObsMask stores the observation mask for this iteration. Unlike the
// ensemble mask it may toggle in either direction, but its length is fixed.
func (d *Data) updateObsMask(mask Mask) error {
	if !d.obsMask0.isZero() && mask.Len() != d.obsMask0.Len() {
		return fmt.Errorf("%w: observation mask length changed from %d to %d", ErrMask, d.obsMask0.Len(), mask.Len())
	}
	d.obsMask = mask
	return nil
}

// storeInitialE copies the first update's perturbations, one row per
// currently active observation, into the persistent E matrix. The current
// mask, not the first-iteration mask, decides which observations are seeded:
// the driver may have toggled observations between InitUpdate and the first
// UpdateA. No-op once E exists.
func (d *Data) storeInitialE(ein *mat.Dense) error {
	if d.e != nil {
		return nil
	}
	if err := checkDims("E", ein, d.obsMask.ActiveCount(), d.ensMask.ActiveCount()); err != nil {
		return err
	}
	d.e = mat.NewDense(d.obsMask.ActiveCount(), d.ensMask.Len(), nil)
	row := 0
	for iobs := 0; iobs < d.obsMask.Len(); iobs++ {
		if !d.obsMask.At(iobs) {
			continue
		}
		d.eRow[iobs] = row
		d.spreadERow(row, ein, row)
		d.obsMask0.set(iobs)
		row++
	}
	return nil
}

// augmentInitialE appends rows for active observations that have no stored
// perturbations yet. Existing rows are never rewritten, and the ever-seen
// mask absorbs the newly activated observations.
func (d *Data) augmentInitialE(ein *mat.Dense) error {
	if d.e == nil {
		return fmt.Errorf("%w: initial E has not been stored", ErrState)
	}
	if err := checkDims("E", ein, d.obsMask.ActiveCount(), d.ensMask.ActiveCount()); err != nil {
		return err
	}
	src := 0
	for iobs := 0; iobs < d.obsMask.Len(); iobs++ {
		if !d.obsMask.At(iobs) {
			continue
		}
		if d.eRow[iobs] == -1 {
			rows, cols := d.e.Dims()
			grown := mat.NewDense(rows+1, cols, nil)
			grown.Copy(d.e)
			d.e = grown
			d.eRow[iobs] = rows
			d.spreadERow(rows, ein, src)
			d.obsMask0.set(iobs)
		}
		src++
	}
	return nil
}

// spreadERow copies row src of the active-coordinate ein into row dst of the
// mask-indexed e.
func (d *Data) spreadERow(dst int, ein *mat.Dense, src int) {
	col := 0
	for iens := 0; iens < d.ensMask.Len(); iens++ {
		if !d.ensMask.At(iens) {
			continue
		}
		d.e.Set(dst, iens, ein.At(src, col))
		col++
	}
}

// storeInitialA records the parameter ensemble of iteration 1, spread onto
// the mask-indexed column layout. First call wins.
func (d *Data) storeInitialA(a *mat.Dense) {
	if d.a0 != nil {
		return
	}
	n, _ := a.Dims()
	d.a0 = mat.NewDense(n, d.ensMask.Len(), nil)
	col := 0
	for iens := 0; iens < d.ensMask.Len(); iens++ {
		if !d.ensMask.At(iens) {
			continue
		}
		for i := 0; i < n; i++ {
			d.a0.Set(i, iens, a.At(i, col))
		}
		col++
	}
}

// incIteration advances the iteration counter and returns the new value.
func (d *Data) incIteration() int {
	d.iterationNr++
	return d.iterationNr
}

// activeW extracts the active block of W.
func (d *Data) activeW() *mat.Dense {
	return allocActive(d.w, d.ensMask, d.ensMask)
}

// activeE assembles the initial perturbations of the currently active
// observations and realizations.
func (d *Data) activeE() *mat.Dense {
	out := mat.NewDense(d.obsMask.ActiveCount(), d.ensMask.ActiveCount(), nil)
	r := 0
	for iobs := 0; iobs < d.obsMask.Len(); iobs++ {
		if !d.obsMask.At(iobs) {
			continue
		}
		src := d.eRow[iobs]
		c := 0
		for iens := 0; iens < d.ensMask.Len(); iens++ {
			if !d.ensMask.At(iens) {
				continue
			}
			out.Set(r, c, d.e.At(src, iens))
			c++
		}
		r++
	}
	return out
}

// activeA extracts the active columns of the initial parameter ensemble.
func (d *Data) activeA() *mat.Dense {
	n, _ := d.a0.Dims()
	out := mat.NewDense(n, d.ensMask.ActiveCount(), nil)
	c := 0
	for iens := 0; iens < d.ensMask.Len(); iens++ {
		if !d.ensMask.At(iens) {
			continue
		}
		for i := 0; i < n; i++ {
			out.Set(i, c, d.a0.At(i, iens))
		}
		c++
	}
	return out
}

// storeActiveW writes the active-coordinate W back into the mask-indexed
// state matrix. Inactive rows and columns are reset to zero. A size mismatch
// is rejected outright rather than silently skipped.
func (d *Data) storeActiveW(wActive *mat.Dense) error {
	n := d.ensMask.ActiveCount()
	if err := checkDims("active W", wActive, n, n); err != nil {
		return err
	}
	d.w.Zero()
	r := 0
	for iens := 0; iens < d.ensMask.Len(); iens++ {
		if !d.ensMask.At(iens) {
			continue
		}
		c := 0
		for jens := 0; jens < d.ensMask.Len(); jens++ {
			if !d.ensMask.At(jens) {
				continue
			}
			d.w.Set(iens, jens, wActive.At(r, c))
			c++
		}
		r++
	}
	return nil
}

// clone deep-copies the state so an update can be staged and committed
// atomically.
func (d *Data) clone() *Data {
	c := &Data{
		cfg:         d.cfg,
		ensMask:     d.ensMask.copy(),
		obsMask:     d.obsMask.copy(),
		obsMask0:    d.obsMask0.copy(),
		iterationNr: d.iterationNr,
		stateSize:   d.stateSize,
	}
	if d.w != nil {
		c.w = mat.DenseCopyOf(d.w)
	}
	if d.e != nil {
		c.e = mat.DenseCopyOf(d.e)
	}
	if d.a0 != nil {
		c.a0 = mat.DenseCopyOf(d.a0)
	}
	if d.eRow != nil {
		c.eRow = append([]int(nil), d.eRow...)
	}
	return c
}
