package magcal

import (
	"gonum.org/v1/gonum/mat"
)

// covarianceFromJacobian estimates the covariance of the stacked parameter
// vector from the refinement Jacobian: (JᵀWJ)⁺ over the free parameters,
// embedded into the full 12×12 stacked ordering.  A pseudo-inverse is used
// because the general model's soft iron is only determined up to a right
// rotation by norm-only data, leaving JᵀWJ rank deficient along those
// directions.  Pinned common-axis entries get identically zero rows and
// columns.
func covarianceFromJacobian(jac *mat.Dense, weights []float64, commonAxis bool) *mat.Dense {
	nIn, k := jac.Dims()

	jtj := mat.NewSymDense(k, nil)
	for r := 0; r < nIn; r++ {
		w := weights[r]
		for a := 0; a < k; a++ {
			ja := jac.At(r, a)
			for b := a; b < k; b++ {
				jtj.SetSym(a, b, jtj.At(a, b)+w*ja*jac.At(r, b))
			}
		}
	}

	inv, ok := pseudoInverse(jtj)
	if !ok {
		return nil
	}

	cov := mat.NewDense(stackedParams, stackedParams, nil)
	free := freeIndices(commonAxis)
	for a, fa := range free {
		for b, fb := range free {
			cov.Set(fa, fb, inv.At(a, b))
		}
	}
	return cov
}

// pseudoInverse computes the Moore-Penrose inverse of a symmetric matrix
// via SVD, dropping singular values below a relative tolerance.
func pseudoInverse(s *mat.SymDense) (*mat.Dense, bool) {
	k, _ := s.Dims()
	var svd mat.SVD
	if !svd.Factorize(s, mat.SVDFull) {
		return nil, false
	}
	vals := svd.Values(nil)
	tol := vals[0] * 1e-10

	var u, v mat.Dense
	svd.UTo(&u)
	svd.VTo(&v)

	inv := mat.NewDense(k, k, nil)
	for i := 0; i < k; i++ {
		for j := 0; j < k; j++ {
			var sum float64
			for r := 0; r < k; r++ {
				if vals[r] > tol {
					sum += v.At(i, r) * u.At(j, r) / vals[r]
				}
			}
			inv.Set(i, j, sum)
		}
	}
	return inv, true
}
