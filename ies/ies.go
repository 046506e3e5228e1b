// Package ies implements the update core of the iterative ensemble smoother
// of Evensen et al.: given an ensemble of parameters, simulated measurements,
// observation perturbations and residuals, it accumulates a coefficient
// matrix W across iterations and produces the transform X = I + W/sqrt(N-1)
// that moves the initial ensemble toward the observations.
//
// The core is deliberately free of I/O and concurrency: the host assimilation
// driver decides when to iterate, loads results and persists ensembles. The
// only side channel is an optional injected log sink.
package ies

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/mferrera/ert/linalg"
)

// InitUpdate refreshes the activity masks at the start of an iteration and
// makes sure W is allocated. The matrix arguments are accepted for interface
// parity with the analysis driver; they are consumed by UpdateA instead.
func (d *Data) InitUpdate(ensMask, obsMask []bool, s, r, dObs, e, dd *mat.Dense) error {
	if d == nil || d.cfg == nil {
		return fmt.Errorf("%w: state has not been allocated", ErrState)
	}
	em := NewMask(ensMask)
	om := NewMask(obsMask)
	if !d.obsMask0.isZero() && om.Len() != d.obsMask0.Len() {
		return fmt.Errorf("%w: observation mask length changed from %d to %d", ErrMask, d.obsMask0.Len(), om.Len())
	}
	if err := d.updateEnsMask(em); err != nil {
		return err
	}
	if err := d.allocateW(); err != nil {
		return err
	}
	d.storeInitialObsMask(om)
	return d.updateObsMask(om)
}

// UpdateA advances the smoother one iteration: it augments the stored
// perturbations with newly activated observations, updates the coefficient
// matrix W from the innovation and writes the transformed ensemble A0·X back
// into a. All state mutation is staged and committed only after the numerics
// succeed; on error both a and the iteration state are left untouched.
func (d *Data) UpdateA(a, yin, rin, dObs, ein, din *mat.Dense) error {
	if d == nil || d.cfg == nil {
		return fmt.Errorf("%w: state has not been allocated", ErrState)
	}
	if d.w == nil || d.ensMask.isZero() || d.obsMask.isZero() {
		return fmt.Errorf("%w: UpdateA called before InitUpdate", ErrState)
	}
	if err := d.cfg.validate(); err != nil {
		return err
	}

	ensSize := d.ensMask.ActiveCount()
	nrobs := d.obsMask.ActiveCount()
	stateSize, aCols := a.Dims()
	if aCols != ensSize {
		return fmt.Errorf("%w: A has %d columns, ensemble mask has %d active realizations", ErrShape, aCols, ensSize)
	}
	if d.a0 != nil {
		if n, _ := d.a0.Dims(); n != stateSize {
			return fmt.Errorf("%w: A has %d rows, initial ensemble has %d", ErrShape, stateSize, n)
		}
	}
	if err := checkDims("Y", yin, nrobs, ensSize); err != nil {
		return err
	}
	if err := checkDims("R", rin, nrobs, nrobs); err != nil {
		return err
	}
	if err := checkDims("E", ein, nrobs, ensSize); err != nil {
		return err
	}
	if err := checkDims("D", din, nrobs, ensSize); err != nil {
		return err
	}
	if dObs != nil {
		if err := checkDims("dObs", dObs, nrobs, 1); err != nil {
			return err
		}
	}

	staged := d.clone()
	iter := staged.incIteration()
	steplength := d.cfg.Steplength(iter)
	staged.stateSize = stateSize

	if staged.e == nil {
		if err := staged.storeInitialE(ein); err != nil {
			return err
		}
	} else if err := staged.augmentInitialE(ein); err != nil {
		return err
	}
	staged.storeInitialA(a)

	e := staged.activeE()

	// Bring D onto the basis of the initial perturbations: D ← D − Ein + E0.
	dd := mat.DenseCopyOf(din)
	dd.Sub(dd, ein)
	dd.Add(dd, e)

	var aProj *mat.Dense
	if d.cfg.aaProjection {
		aProj = a
	}
	x, costf, err := initX(aProj, yin, rin, e, dd, d.cfg.inversion, d.cfg.truncation, staged, steplength)
	if err != nil {
		return err
	}

	a0 := staged.activeA()
	var updated mat.Dense
	updated.Mul(a0, x)

	// Commit.
	*d = *staged
	d.cfg.logf("IES iter:%d cost function: %g\n", iter, costf)
	a.Copy(&updated)
	return nil
}

// InitX computes the transform X for a single non-iterative update: full
// masks, unit step length, a zero coefficient matrix and no projection.
func InitX(cfg *Config, y, r, e, dd *mat.Dense) (*mat.Dense, error) {
	if cfg == nil {
		return nil, fmt.Errorf("%w: nil configuration", ErrState)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	nrobs, ensSize := y.Dims()
	if err := checkDims("R", r, nrobs, nrobs); err != nil {
		return nil, err
	}
	if err := checkDims("E", e, nrobs, ensSize); err != nil {
		return nil, err
	}
	if err := checkDims("D", dd, nrobs, ensSize); err != nil {
		return nil, err
	}

	d := NewData(cfg)
	if err := d.updateEnsMask(fullMask(ensSize)); err != nil {
		return nil, err
	}
	if err := d.allocateW(); err != nil {
		return nil, err
	}
	d.storeInitialObsMask(fullMask(nrobs))
	if err := d.updateObsMask(fullMask(nrobs)); err != nil {
		return nil, err
	}

	x, _, err := initX(nil, y, r, e, dd, cfg.inversion, cfg.truncation, d, 1.0)
	return x, err
}

// initX runs one W update against the staged state and returns the transform
// X together with the cost-function value of the previous iterate.
func initX(a, y0, r, e, dd *mat.Dense, inversion Inversion, trunc linalg.Truncation, staged *Data, steplength float64) (*mat.Dense, float64, error) {
	_, ensSize := y0.Dims()
	nsc := 1.0 / math.Sqrt(float64(ensSize)-1.0)

	// Y becomes the scaled predicted ensemble anomalies.
	y := mat.DenseCopyOf(y0)
	linalg.SubtractRowMean(y)
	y.Scale(nsc, y)

	if a != nil {
		stateSize, _ := a.Dims()
		if stateSize <= ensSize-1 {
			if err := projectOntoEnsemble(y, a); err != nil {
				return nil, 0, err
			}
		}
	}

	w0 := staged.activeW()

	s, err := solveS(w0, y)
	if err != nil {
		return nil, 0, err
	}

	// Innovation H = S·W + D.
	h := mat.DenseCopyOf(dd)
	var sw mat.Dense
	sw.Mul(s, w0)
	h.Add(h, &sw)

	wPrev := mat.DenseCopyOf(w0)

	switch inversion {
	case Exact:
		err = exactInversion(w0, s, h, steplength)
	case SubspaceExactR, SubspaceEER, SubspaceRE:
		err = subspaceInversion(w0, inversion, e, r, s, h, trunc, steplength)
	default:
		err = fmt.Errorf("%w: unknown inversion tag %d", ErrConfig, inversion)
	}
	if err != nil {
		return nil, 0, err
	}

	if err := staged.storeActiveW(w0); err != nil {
		return nil, 0, err
	}

	// X = I + W/sqrt(N-1)
	x := mat.DenseCopyOf(w0)
	x.Scale(nsc, x)
	for i := 0; i < ensSize; i++ {
		x.Set(i, i, x.At(i, i)+1.0)
	}
	if !isFinite(x) {
		return nil, 0, fmt.Errorf("%w: transform contains non-finite values", ErrNumerical)
	}

	return x, costFunction(wPrev, dd), nil
}

// solveS computes S = Y·Ω⁻¹ by solving Ω'·S' = Y' with
// Ω = I + W·(I − 11'/N)/sqrt(N−1).
func solveS(w0, y *mat.Dense) (*mat.Dense, error) {
	ensSize, _ := w0.Dims()
	nsc := 1.0 / math.Sqrt(float64(ensSize) - 1.0)

	omega := mat.DenseCopyOf(w0)
	linalg.SubtractRowMean(omega)
	omega.Scale(nsc, omega)
	omegaT := mat.DenseCopyOf(omega.T())
	for i := 0; i < ensSize; i++ {
		omegaT.Set(i, i, omegaT.At(i, i)+1.0)
	}

	st, err := linalg.Solve(omegaT, y.T())
	if err != nil {
		return nil, err
	}
	return mat.DenseCopyOf(st.T()), nil
}

// projectOntoEnsemble restricts Y to the column space of the demeaned
// ensemble: Y ← Y·(V·V') from the thin SVD of (A − row mean).
func projectOntoEnsemble(y, a *mat.Dense) error {
	ai := mat.DenseCopyOf(a)
	linalg.SubtractRowMean(ai)

	var svd mat.SVD
	if !svd.Factorize(ai, mat.SVDThin) {
		return fmt.Errorf("%w: SVD of the ensemble anomalies did not converge", ErrNumerical)
	}
	var v mat.Dense
	svd.VTo(&v)

	var aai mat.Dense
	aai.Mul(&v, v.T())
	var projected mat.Dense
	projected.Mul(y, &aai)
	y.Copy(&projected)
	return nil
}

// exactInversion updates W in place assuming R = I:
//
//	W ← (1−γ)·W + γ·Z·Λ⁻¹·Z'·S'·H  with  Z·Λ·Z' the SVD of I + S'S.
func exactInversion(w0, s, h *mat.Dense, steplength float64) error {
	_, ensSize := s.Dims()

	var sts mat.Dense
	sts.Mul(s.T(), s)
	for i := 0; i < ensSize; i++ {
		sts.Set(i, i, sts.At(i, i)+1.0)
	}

	var svd mat.SVD
	if !svd.Factorize(&sts, mat.SVDThin) {
		return fmt.Errorf("%w: SVD of I + S'S did not converge", ErrNumerical)
	}
	eig := svd.Values(nil)
	var z mat.Dense
	svd.UTo(&z)

	var sth, ztsth mat.Dense
	sth.Mul(s.T(), h)
	ztsth.Mul(z.T(), &sth)
	for i := 0; i < ensSize; i++ {
		row := ztsth.RawRowView(i)
		inv := 1.0 / eig[i]
		for j := range row {
			row[j] *= inv
		}
	}

	var upd mat.Dense
	upd.Mul(&z, &ztsth)
	w0.Scale(1.0-steplength, w0)
	upd.Scale(steplength, &upd)
	w0.Add(w0, &upd)
	return nil
}

// subspaceInversion updates W in place through the low-rank factorization of
// (S·S' + R)⁻¹:
//
//	W ← (1−γ)·W + γ·S'·X1·diag(eig)·X1'·H
//
// The exact branch is dispatched before this point and must not reach it.
func subspaceInversion(w0 *mat.Dense, inversion Inversion, e, r, s, h *mat.Dense, trunc linalg.Truncation, steplength float64) error {
	if inversion == Exact {
		panic("ies: exact inversion routed to the subspace solver")
	}
	_, ensSize := s.Dims()
	nsc := 1.0 / math.Sqrt(float64(ensSize) - 1.0)

	var (
		x1  *mat.Dense
		eig []float64
		err error
	)
	switch inversion {
	case SubspaceRE:
		scaledE := mat.DenseCopyOf(e)
		scaledE.Scale(nsc, scaledE)
		x1, eig, err = linalg.LowRankE(s, scaledE, trunc)
	case SubspaceEER:
		var cee mat.Dense
		cee.Mul(e, e.T())
		cee.Scale(1.0/float64((ensSize-1)*(ensSize-1)), &cee)
		x1, eig, err = linalg.LowRankCinv(s, &cee, trunc)
	case SubspaceExactR:
		scaledR := mat.DenseCopyOf(r)
		scaledR.Scale(nsc*nsc, scaledR)
		x1, eig, err = linalg.LowRankCinv(s, scaledR, trunc)
	}
	if err != nil {
		return err
	}

	x3 := linalg.GenX3(x1, h, eig)

	var upd mat.Dense
	upd.Mul(s.T(), x3)
	w0.Scale(1.0-steplength, w0)
	upd.Scale(steplength, &upd)
	w0.Add(w0, &upd)
	return nil
}

// costFunction evaluates (1/N)·Σᵢ(‖Wᵢ‖² + ‖Dᵢ‖²) over columns for the
// pre-update coefficients.
func costFunction(w, dd *mat.Dense) float64 {
	_, n := w.Dims()
	total := 0.0
	for j := 0; j < n; j++ {
		wc := mat.Col(nil, j, w)
		dc := mat.Col(nil, j, dd)
		total += floats.Dot(wc, wc) + floats.Dot(dc, dc)
	}
	return total / float64(n)
}

func isFinite(m *mat.Dense) bool {
	rows, _ := m.Dims()
	for i := 0; i < rows; i++ {
		for _, v := range m.RawRowView(i) {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return false
			}
		}
	}
	return true
}
