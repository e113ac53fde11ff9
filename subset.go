package magcal

import (
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/navsense/magcal/geomag"
)

// solveSubset computes a candidate calibration from a minimal measurement
// subset via a linearized ellipsoid fit.
//
// With A = I+M and Q = A⁻ᵀA⁻¹, squaring the norm constraint
// ‖A⁻¹(m−b)‖ = B turns each measurement into
//
//	mᵀQm − 2mᵀp + k = 0,  p = Qb,  k = bᵀQb − B²
//
// which is linear and homogeneous in the ten unknowns (Q, p, k).  The
// solution direction comes from the SVD null space of the design matrix,
// b = Q⁻¹p is scale invariant, and the known norm fixes the scale of Q.
// A is then recovered from Q⁻¹ = AAᵀ: the unique upper-triangular Cholesky
// factor under the common-axis model, or, in the general model, where
// norm-only data determines A only up to a right rotation, the rotation
// that brings the symmetric square root closest to the configured initial
// guess (orthogonal Procrustes; a zero initial soft iron selects the
// symmetric representative itself).
//
// It reports false when the subset is degenerate: rank deficient geometry,
// an indefinite Q, or a singular recovered matrix.
func solveSubset(points []geomag.BodyMagneticFluxDensity, norm float64, commonAxis bool, initial params) (params, bool) {
	n := len(points)
	if n < 10 || norm <= 0 {
		return params{}, false
	}

	// measurements scaled by the known norm keep the design matrix
	// columns comparably sized
	d := mat.NewDense(n, 10, nil)
	for i, pt := range points {
		x, y, z := pt.X/norm, pt.Y/norm, pt.Z/norm
		d.SetRow(i, []float64{
			x * x, y * y, z * z,
			2 * x * y, 2 * x * z, 2 * y * z,
			x, y, z, 1,
		})
	}

	var svd mat.SVD
	if !svd.Factorize(d, mat.SVDThin) {
		return params{}, false
	}
	sv := svd.Values(nil)
	// two vanishing singular values means the null space is not unique
	if sv[8] <= sv[0]*1e-10 {
		return params{}, false
	}
	var v mat.Dense
	svd.VTo(&v)

	q := mat.NewSymDense(3, []float64{
		v.At(0, 9), v.At(3, 9), v.At(4, 9),
		v.At(3, 9), v.At(1, 9), v.At(5, 9),
		v.At(4, 9), v.At(5, 9), v.At(2, 9),
	})
	p := mat.NewVecDense(3, []float64{
		-v.At(6, 9) / 2, -v.At(7, 9) / 2, -v.At(8, 9) / 2,
	})
	k := v.At(9, 9)

	var b mat.VecDense
	if err := b.SolveVec(q, p); err != nil {
		return params{}, false
	}

	// fix the scale of Q from the known (unit, after scaling) norm
	lambda := mat.Inner(&b, q, &b) - k
	if lambda == 0 || math.IsNaN(lambda) || math.IsInf(lambda, 0) {
		return params{}, false
	}
	qs := mat.NewSymDense(3, nil)
	for i := 0; i < 3; i++ {
		for j := i; j < 3; j++ {
			qs.SetSym(i, j, q.At(i, j)/lambda)
		}
	}

	var chol mat.Cholesky
	if !chol.Factorize(qs) {
		return params{}, false
	}
	var s mat.SymDense // Q⁻¹ = AAᵀ
	if err := chol.InverseTo(&s); err != nil {
		return params{}, false
	}

	var a *mat.Dense
	var ok bool
	if commonAxis {
		a, ok = upperFactor(&s)
	} else {
		a, ok = symmetricSqrt(&s)
		if ok && initial.m != nil {
			a, ok = alignToGuess(a, initial.iPlusM())
		}
	}
	if !ok {
		return params{}, false
	}

	out := params{m: a}
	for i := 0; i < 3; i++ {
		out.b[i] = b.AtVec(i) * norm
		out.m.Set(i, i, out.m.At(i, i)-1)
	}
	if commonAxis {
		// pinned entries are exactly zero by construction; make it explicit
		out.m.Set(1, 0, 0)
		out.m.Set(2, 0, 0)
		out.m.Set(2, 1, 0)
	}
	return out, true
}

// upperFactor returns the upper-triangular U with positive diagonal such
// that UUᵀ = s.  Reversing row and column order turns it into a standard
// lower Cholesky factorization.
func upperFactor(s *mat.SymDense) (*mat.Dense, bool) {
	flipped := mat.NewSymDense(3, nil)
	for i := 0; i < 3; i++ {
		for j := i; j < 3; j++ {
			flipped.SetSym(i, j, s.At(2-i, 2-j))
		}
	}
	var chol mat.Cholesky
	if !chol.Factorize(flipped) {
		return nil, false
	}
	var l mat.TriDense
	chol.LTo(&l)
	u := mat.NewDense(3, 3, nil)
	for i := 0; i < 3; i++ {
		for j := i; j < 3; j++ {
			u.Set(i, j, l.At(2-i, 2-j))
		}
	}
	return u, true
}

// alignToGuess resolves the general model's rotation ambiguity: among all
// AR with R a rotation, it returns the one nearest a0 in the Frobenius
// sense (orthogonal Procrustes on AᵀA0).  When a0 is the identity and A is
// the symmetric square root, the result is A itself.
func alignToGuess(a, a0 *mat.Dense) (*mat.Dense, bool) {
	var b mat.Dense
	b.Mul(a.T(), a0)

	var svd mat.SVD
	if !svd.Factorize(&b, mat.SVDFull) {
		return nil, false
	}
	var u, v mat.Dense
	svd.UTo(&u)
	svd.VTo(&v)

	var r mat.Dense
	r.Mul(&u, v.T())
	if mat.Det(&r) < 0 {
		// exclude reflections: flip the direction of least significance
		for i := 0; i < 3; i++ {
			u.Set(i, 2, -u.At(i, 2))
		}
		r.Mul(&u, v.T())
	}

	var out mat.Dense
	out.Mul(a, &r)
	return &out, true
}

// symmetricSqrt returns the symmetric positive-definite square root of s.
func symmetricSqrt(s *mat.SymDense) (*mat.Dense, bool) {
	var eig mat.EigenSym
	if !eig.Factorize(s, true) {
		return nil, false
	}
	vals := eig.Values(nil)
	for _, v := range vals {
		if v <= 0 {
			return nil, false
		}
	}
	var vecs mat.Dense
	eig.VectorsTo(&vecs)

	sqrt := mat.NewDense(3, 3, nil)
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			var sum float64
			for k := 0; k < 3; k++ {
				sum += vecs.At(i, k) * math.Sqrt(vals[k]) * vecs.At(j, k)
			}
			sqrt.Set(i, j, sum)
		}
	}
	return sqrt, true
}
