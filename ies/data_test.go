package ies

import (
	"errors"
	"math"
	"math/rand"
	"testing"

	"gonum.org/v1/gonum/mat"
)

func newTestConfig(t *testing.T, options ...Option) *Config {
	t.Helper()
	cfg, err := NewConfig(options...)
	if err != nil {
		t.Fatalf("NewConfig() error = %v", err)
	}
	return cfg
}

func randomTestDense(rows, cols int, rng *rand.Rand) *mat.Dense {
	data := make([]float64, rows*cols)
	for i := range data {
		data[i] = rng.NormFloat64()
	}
	return mat.NewDense(rows, cols, data)
}

func matricesEqual(t *testing.T, name string, got, want mat.Matrix, tol float64) {
	t.Helper()
	gr, gc := got.Dims()
	wr, wc := want.Dims()
	if gr != wr || gc != wc {
		t.Fatalf("%s dims = %dx%d, want %dx%d", name, gr, gc, wr, wc)
	}
	for i := 0; i < gr; i++ {
		for j := 0; j < gc; j++ {
			if math.Abs(got.At(i, j)-want.At(i, j)) > tol {
				t.Fatalf("%s[%d,%d] = %v, want %v (tol %v)", name, i, j, got.At(i, j), want.At(i, j), tol)
			}
		}
	}
}

func TestEnsMaskShrinkOnly(t *testing.T) {
	d := NewData(newTestConfig(t))

	if err := d.InitUpdate([]bool{true, true, true}, []bool{true}, nil, nil, nil, nil, nil); err != nil {
		t.Fatalf("InitUpdate() error = %v", err)
	}
	if err := d.InitUpdate([]bool{true, false, true}, []bool{true}, nil, nil, nil, nil, nil); err != nil {
		t.Fatalf("shrinking the ensemble mask should succeed, got %v", err)
	}

	// Reactivating realization 1 must be rejected.
	err := d.InitUpdate([]bool{true, true, true}, []bool{true}, nil, nil, nil, nil, nil)
	if !errors.Is(err, ErrMask) {
		t.Errorf("reactivation error = %v, want ErrMask", err)
	}

	// Changing the mask length must be rejected.
	err = d.InitUpdate([]bool{true, false}, []bool{true}, nil, nil, nil, nil, nil)
	if !errors.Is(err, ErrMask) {
		t.Errorf("length change error = %v, want ErrMask", err)
	}

	// An all-inactive mask must be rejected.
	err = d.InitUpdate([]bool{false, false, false}, []bool{true}, nil, nil, nil, nil, nil)
	if !errors.Is(err, ErrMask) {
		t.Errorf("empty mask error = %v, want ErrMask", err)
	}
}

func TestObsMaskLengthFixed(t *testing.T) {
	d := NewData(newTestConfig(t))
	if err := d.InitUpdate([]bool{true, true}, []bool{true, false}, nil, nil, nil, nil, nil); err != nil {
		t.Fatalf("InitUpdate() error = %v", err)
	}
	err := d.InitUpdate([]bool{true, true}, []bool{true, false, true}, nil, nil, nil, nil, nil)
	if !errors.Is(err, ErrMask) {
		t.Errorf("observation mask length change error = %v, want ErrMask", err)
	}
}

func TestObsMaskMayToggle(t *testing.T) {
	d := NewData(newTestConfig(t))
	if err := d.InitUpdate([]bool{true, true}, []bool{true, false}, nil, nil, nil, nil, nil); err != nil {
		t.Fatalf("InitUpdate() error = %v", err)
	}
	if err := d.InitUpdate([]bool{true, true}, []bool{false, true}, nil, nil, nil, nil, nil); err != nil {
		t.Errorf("toggling the observation mask should succeed, got %v", err)
	}
}

func TestActiveWRoundTrip(t *testing.T) {
	rng := rand.New(rand.NewSource(5))
	d := NewData(newTestConfig(t))
	if err := d.InitUpdate([]bool{true, false, true, true}, []bool{true}, nil, nil, nil, nil, nil); err != nil {
		t.Fatalf("InitUpdate() error = %v", err)
	}

	wActive := randomTestDense(3, 3, rng)
	if err := d.storeActiveW(wActive); err != nil {
		t.Fatalf("storeActiveW() error = %v", err)
	}

	// The inactive row and column stay exactly zero.
	for k := 0; k < 4; k++ {
		if d.w.At(1, k) != 0 || d.w.At(k, 1) != 0 {
			t.Fatalf("inactive W entries not zero: row/col 1 at %d", k)
		}
	}

	// Extract-then-store reproduces the state bit for bit.
	before := mat.DenseCopyOf(d.w)
	if err := d.storeActiveW(d.activeW()); err != nil {
		t.Fatalf("storeActiveW() round trip error = %v", err)
	}
	if !mat.Equal(before, d.w) {
		t.Errorf("active W round trip altered the state matrix")
	}

	matricesEqual(t, "active W", d.activeW(), wActive, 0)
}

func TestStoreActiveWShapeMismatch(t *testing.T) {
	d := NewData(newTestConfig(t))
	if err := d.InitUpdate([]bool{true, false, true}, []bool{true}, nil, nil, nil, nil, nil); err != nil {
		t.Fatalf("InitUpdate() error = %v", err)
	}
	err := d.storeActiveW(mat.NewDense(3, 3, nil))
	if !errors.Is(err, ErrShape) {
		t.Errorf("storeActiveW with stale size error = %v, want ErrShape", err)
	}
}

func runIteration(t *testing.T, d *Data, ensMask, obsMask []bool, a, y, r, e *mat.Dense, dObs float64) {
	t.Helper()
	if err := d.InitUpdate(ensMask, obsMask, nil, nil, nil, nil, nil); err != nil {
		t.Fatalf("InitUpdate() error = %v", err)
	}
	rows, cols := y.Dims()
	dd := mat.NewDense(rows, cols, nil)
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			dd.Set(i, j, dObs+e.At(i, j)-y.At(i, j))
		}
	}
	if err := d.UpdateA(a, y, r, nil, e, dd); err != nil {
		t.Fatalf("UpdateA() error = %v", err)
	}
}

func TestObsAugmentationKeepsInitialRows(t *testing.T) {
	rng := rand.New(rand.NewSource(9))
	cfg := newTestConfig(t, WithTruncationFraction(1.0))
	d := NewData(cfg)
	ensMask := []bool{true, true, true}
	a := randomTestDense(2, 3, rng)

	// Iteration 1: only the first observation is active.
	e1 := randomTestDense(1, 3, rng)
	runIteration(t, d, ensMask, []bool{true, false, false},
		a, randomTestDense(1, 3, rng), identityDense(1), e1, 1.0)

	r1, _ := d.e.Dims()
	if r1 != 1 {
		t.Fatalf("after iteration 1 E has %d rows, want 1", r1)
	}

	// Iteration 2: the second observation joins.
	e2 := randomTestDense(2, 3, rng)
	runIteration(t, d, ensMask, []bool{true, true, false},
		a, randomTestDense(2, 3, rng), identityDense(2), e2, 1.0)

	rows, _ := d.e.Dims()
	if rows != 2 {
		t.Fatalf("after iteration 2 E has %d rows, want 2", rows)
	}
	// The first row is still exactly the iteration-1 perturbations.
	for j := 0; j < 3; j++ {
		if d.e.At(0, j) != e1.At(0, j) {
			t.Errorf("E[0,%d] = %v, want %v unchanged", j, d.e.At(0, j), e1.At(0, j))
		}
	}
	// The appended row carries the iteration-2 perturbations of the newcomer.
	for j := 0; j < 3; j++ {
		if d.e.At(1, j) != e2.At(1, j) {
			t.Errorf("E[1,%d] = %v, want %v", j, d.e.At(1, j), e2.At(1, j))
		}
	}
}

func TestObsMaskToggleBeforeFirstUpdate(t *testing.T) {
	// The driver may re-issue InitUpdate with a toggled observation mask
	// before the first UpdateA. The stored perturbations must then be seeded
	// from the mask actually in effect, and the observation deactivated in
	// the meantime must get its row on reactivation.
	rng := rand.New(rand.NewSource(33))
	cfg := newTestConfig(t, WithTruncationFraction(1.0))
	d := NewData(cfg)
	ensMask := []bool{true, true, true}
	a := randomTestDense(2, 3, rng)

	if err := d.InitUpdate(ensMask, []bool{true, false}, nil, nil, nil, nil, nil); err != nil {
		t.Fatalf("InitUpdate() error = %v", err)
	}

	// Iteration 1 runs with the toggled mask: observation 1 instead of 0.
	e1 := randomTestDense(1, 3, rng)
	runIteration(t, d, ensMask, []bool{false, true},
		a, randomTestDense(1, 3, rng), identityDense(1), e1, 1.0)

	rows, _ := d.e.Dims()
	if rows != 1 {
		t.Fatalf("after iteration 1 E has %d rows, want 1", rows)
	}
	for j := 0; j < 3; j++ {
		if d.e.At(0, j) != e1.At(0, j) {
			t.Errorf("E[0,%d] = %v, want %v", j, d.e.At(0, j), e1.At(0, j))
		}
	}

	// Iteration 2 reactivates observation 0, which has no stored row yet.
	e2 := randomTestDense(2, 3, rng)
	runIteration(t, d, ensMask, []bool{true, true},
		a, randomTestDense(2, 3, rng), identityDense(2), e2, 1.0)

	rows, _ = d.e.Dims()
	if rows != 2 {
		t.Fatalf("after iteration 2 E has %d rows, want 2", rows)
	}
	if d.eRow[0] != 1 || d.eRow[1] != 0 {
		t.Fatalf("eRow = %v, want observation 1 first, observation 0 appended", d.eRow)
	}
	for j := 0; j < 3; j++ {
		if d.e.At(1, j) != e2.At(0, j) {
			t.Errorf("appended E[1,%d] = %v, want %v", j, d.e.At(1, j), e2.At(0, j))
		}
	}
}

func TestInitialAInvariant(t *testing.T) {
	rng := rand.New(rand.NewSource(21))
	cfg := newTestConfig(t, WithTruncationFraction(1.0))
	d := NewData(cfg)
	ensMask := []bool{true, true, true, true}
	obsMask := []bool{true, true}

	a := randomTestDense(3, 4, rng)
	e := randomTestDense(2, 4, rng)
	runIteration(t, d, ensMask, obsMask, a, randomTestDense(2, 4, rng), identityDense(2), e, 0.5)

	a0 := mat.DenseCopyOf(d.a0)
	for iter := 0; iter < 3; iter++ {
		runIteration(t, d, ensMask, obsMask, a, randomTestDense(2, 4, rng), identityDense(2), e, 0.5)
	}
	if !mat.Equal(a0, d.a0) {
		t.Errorf("initial ensemble changed across iterations")
	}
}

func identityDense(n int) *mat.Dense {
	m := mat.NewDense(n, n, nil)
	for i := 0; i < n; i++ {
		m.Set(i, i, 1)
	}
	return m
}
