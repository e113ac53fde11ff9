package magcal

import (
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/navsense/magcal/geomag"
)

// Stacked parameter vector ordering used for refinement and for the
// estimated covariance:
//
//	[bx by bz sx sy sz mxy mxz myx myz mzx mzy]
//
// stackedSoftIron maps stacked indices 3..11 onto soft-iron matrix cells.
var stackedSoftIron = [9][2]int{
	{0, 0}, {1, 1}, {2, 2},
	{0, 1}, {0, 2},
	{1, 0}, {1, 2},
	{2, 0}, {2, 1},
}

// stackedParams is the full stacked dimension.
const stackedParams = 12

// pinned stacked indices under the common-axis model (myx, mzx, mzy).
var commonAxisPinned = [3]int{8, 10, 11}

// freeIndices lists the stacked indices actually estimated.
func freeIndices(commonAxis bool) []int {
	if !commonAxis {
		idx := make([]int, stackedParams)
		for i := range idx {
			idx[i] = i
		}
		return idx
	}
	return []int{0, 1, 2, 3, 4, 5, 6, 7, 9}
}

// pack flattens p into the free-parameter vector.
func pack(p params, commonAxis bool) []float64 {
	full := make([]float64, stackedParams)
	copy(full[:3], p.b[:])
	for i, rc := range stackedSoftIron {
		full[3+i] = p.m.At(rc[0], rc[1])
	}
	free := freeIndices(commonAxis)
	theta := make([]float64, len(free))
	for i, j := range free {
		theta[i] = full[j]
	}
	return theta
}

// unpack rebuilds calibration parameters from the free-parameter vector,
// leaving pinned entries at zero.
func unpack(theta []float64, commonAxis bool) params {
	full := make([]float64, stackedParams)
	for i, j := range freeIndices(commonAxis) {
		full[j] = theta[i]
	}
	p := newParams()
	copy(p.b[:], full[:3])
	for i, rc := range stackedSoftIron {
		p.m.Set(rc[0], rc[1], full[3+i])
	}
	return p
}

const (
	refineMaxIterations = 50
	refineRelTolerance  = 1e-14
)

// refine polishes a consensus hypothesis by weighted nonlinear least
// squares over the inlier measurements, minimizing
//
//	Σ wᵢ·(‖(I+M)⁻¹(mᵢ−b)‖ − norm)²,  wᵢ = 1/σᵢ²
//
// with Levenberg-damped Gauss-Newton steps and a numeric Jacobian.  It
// returns the refined parameters together with the final Jacobian and
// weights, which the covariance estimate is built from.  ok is false when
// the fit cannot improve on the initial hypothesis (the caller then keeps
// the consensus hypothesis and skips covariance).
func refine(meas []geomag.StandardDeviationBodyMagneticFluxDensity, inliers []int,
	norm float64, init params, commonAxis bool) (out params, jac *mat.Dense, weights []float64, ok bool) {

	nIn := len(inliers)
	theta := pack(init, commonAxis)
	k := len(theta)
	if nIn < k {
		return params{}, nil, nil, false
	}

	weights = make([]float64, nIn)
	for i, mi := range inliers {
		sd := meas[mi].StandardDeviation
		if sd > 0 {
			weights[i] = 1 / (sd * sd)
		} else {
			weights[i] = 1
		}
	}

	res := make([]float64, nIn)
	if !residualsAt(theta, meas, inliers, norm, commonAxis, res) {
		return params{}, nil, nil, false
	}
	cost := weightedCost(res, weights)

	jac = mat.NewDense(nIn, k, nil)
	trial := make([]float64, k)
	trialRes := make([]float64, nIn)
	mu := 1e-3

	for it := 0; it < refineMaxIterations; it++ {
		if !jacobianAt(theta, meas, inliers, norm, commonAxis, jac) {
			break
		}

		// normal equations on the weighted system
		jtj := mat.NewSymDense(k, nil)
		jtr := mat.NewVecDense(k, nil)
		for r := 0; r < nIn; r++ {
			w := weights[r]
			for a := 0; a < k; a++ {
				ja := jac.At(r, a)
				jtr.SetVec(a, jtr.AtVec(a)+w*ja*res[r])
				for b := a; b < k; b++ {
					jtj.SetSym(a, b, jtj.At(a, b)+w*ja*jac.At(r, b))
				}
			}
		}

		improved := false
		for tries := 0; tries < 8; tries++ {
			damped := mat.NewSymDense(k, nil)
			damped.CopySym(jtj)
			for a := 0; a < k; a++ {
				d := jtj.At(a, a)
				if d == 0 {
					d = 1
				}
				damped.SetSym(a, a, d*(1+mu))
			}
			var delta mat.VecDense
			if err := delta.SolveVec(damped, jtr); err != nil {
				mu *= 10
				continue
			}
			for a := 0; a < k; a++ {
				trial[a] = theta[a] - delta.AtVec(a)
			}
			if !residualsAt(trial, meas, inliers, norm, commonAxis, trialRes) {
				mu *= 10
				continue
			}
			if trialCost := weightedCost(trialRes, weights); trialCost < cost {
				copy(theta, trial)
				copy(res, trialRes)
				improved = cost-trialCost > refineRelTolerance*cost
				cost = trialCost
				mu = math.Max(mu/3, 1e-12)
				break
			}
			mu *= 10
		}
		if !improved {
			break
		}
	}

	// final Jacobian at the accepted parameters
	if !jacobianAt(theta, meas, inliers, norm, commonAxis, jac) {
		return params{}, nil, nil, false
	}
	return unpack(theta, commonAxis), jac, weights, true
}

// residualsAt evaluates the model residual for the inlier subset at the
// free-parameter vector theta.  Reports false for a degenerate I+M.
func residualsAt(theta []float64, meas []geomag.StandardDeviationBodyMagneticFluxDensity,
	inliers []int, norm float64, commonAxis bool, dst []float64) bool {

	h, ok := newHypothesis(unpack(theta, commonAxis))
	if !ok {
		return false
	}
	for i, mi := range inliers {
		dst[i] = h.residual(meas[mi].Density, norm)
	}
	return true
}

// jacobianAt fills dst with the central-difference Jacobian of the
// residual vector at theta.
func jacobianAt(theta []float64, meas []geomag.StandardDeviationBodyMagneticFluxDensity,
	inliers []int, norm float64, commonAxis bool, dst *mat.Dense) bool {

	nIn := len(inliers)
	k := len(theta)
	plus := make([]float64, nIn)
	minus := make([]float64, nIn)
	probe := make([]float64, k)
	copy(probe, theta)

	for j := 0; j < k; j++ {
		h := 1e-8 * (1 + math.Abs(theta[j]))
		probe[j] = theta[j] + h
		okPlus := residualsAt(probe, meas, inliers, norm, commonAxis, plus)
		probe[j] = theta[j] - h
		okMinus := residualsAt(probe, meas, inliers, norm, commonAxis, minus)
		probe[j] = theta[j]
		if !okPlus || !okMinus {
			return false
		}
		for r := 0; r < nIn; r++ {
			dst.Set(r, j, (plus[r]-minus[r])/(2*h))
		}
	}
	return true
}

func weightedCost(res, weights []float64) float64 {
	var c float64
	for i, r := range res {
		c += weights[i] * r * r
	}
	return c
}
