package linalg

import (
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// svdS computes the thin SVD of S and returns U0 together with the inverted
// singular values. Entries past the truncated subspace are zero.
func svdS(s *mat.Dense, trunc Truncation) (u0 *mat.Dense, invSig []float64, err error) {
	var svd mat.SVD
	if !svd.Factorize(s, mat.SVDThin) {
		return nil, nil, fmt.Errorf("%w: SVD of S did not converge", ErrNumerical)
	}
	sig := svd.Values(nil)
	nsig := trunc.significant(sig)
	if nsig == 0 {
		return nil, nil, fmt.Errorf("%w: S has no significant singular values", ErrNumerical)
	}

	u0 = &mat.Dense{}
	svd.UTo(u0)
	invSig = make([]float64, len(sig))
	for i := 0; i < nsig; i++ {
		invSig[i] = 1.0 / sig[i]
	}
	return u0, invSig, nil
}

// LowRankCinv factorizes X1·diag(eig)·X1' ≈ (S·S' + (N-1)·C)⁻¹ for a
// symmetric positive definite C, truncated to the significant subspace of S.
// N is the number of columns of S.
func LowRankCinv(s, c *mat.Dense, trunc Truncation) (x1 *mat.Dense, eig []float64, err error) {
	_, ensSize := s.Dims()

	u0, invSig, err := svdS(s, trunc)
	if err != nil {
		return nil, nil, err
	}
	_, nrmin := u0.Dims()

	// B = (N-1) · Σ⁺ · U0' · C · U0 · Σ⁺'
	var u0tc, b mat.Dense
	u0tc.Mul(u0.T(), c)
	b.Mul(&u0tc, u0)
	scaleRowsCols(&b, invSig)
	b.Scale(float64(ensSize-1), &b)

	var svd mat.SVD
	if !svd.Factorize(&b, mat.SVDThin) {
		return nil, nil, fmt.Errorf("%w: SVD of the projected covariance did not converge", ErrNumerical)
	}
	lambda := svd.Values(nil)
	var z mat.Dense
	svd.UTo(&z)

	eig = make([]float64, nrmin)
	for i := range eig {
		eig[i] = 1.0 / (1.0 + lambda[i])
	}

	// X1 = U0 · Σ⁺ · Z
	scaleRows(&z, invSig)
	x1 = &mat.Dense{}
	x1.Mul(u0, &z)
	return x1, eig, nil
}

// LowRankE factorizes X1·diag(eig)·X1' ≈ (S·S' + E·E')⁻¹ with the
// measurement perturbation ensemble E standing in for the error covariance,
// truncated to the significant subspace of S.
func LowRankE(s, e *mat.Dense, trunc Truncation) (x1 *mat.Dense, eig []float64, err error) {
	u0, invSig, err := svdS(s, trunc)
	if err != nil {
		return nil, nil, err
	}

	// X0 = Σ⁺ · U0' · E
	var x0 mat.Dense
	x0.Mul(u0.T(), e)
	scaleRows(&x0, invSig)

	var svd mat.SVD
	if !svd.Factorize(&x0, mat.SVDThin) {
		return nil, nil, fmt.Errorf("%w: SVD of the projected perturbations did not converge", ErrNumerical)
	}
	sig1 := svd.Values(nil)
	var u1 mat.Dense
	svd.UTo(&u1)

	eig = make([]float64, len(sig1))
	for i, s1 := range sig1 {
		eig[i] = 1.0 / (1.0 + s1*s1)
	}

	// X1 = U0 · Σ⁺ · U1
	scaleRows(&u1, invSig)
	x1 = &mat.Dense{}
	x1.Mul(u0, &u1)
	return x1, eig, nil
}

// GenX3 computes X3 = X1·diag(eig)·X1'·H.
func GenX3(x1, h *mat.Dense, eig []float64) *mat.Dense {
	var x2 mat.Dense
	x2.Mul(x1.T(), h)
	scaleRows(&x2, eig)
	x3 := &mat.Dense{}
	x3.Mul(x1, &x2)
	return x3
}
