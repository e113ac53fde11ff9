package magcal

import (
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/navsense/magcal/geomag"
)

// params is a candidate calibration: hard-iron bias b (teslas) and soft-iron
// matrix M, such that a magnetometer observes
//
//	measured = b + (I+M)·true
//
// for a true field vector whose norm equals the known ground truth.
type params struct {
	b [3]float64
	m *mat.Dense // 3x3
}

func newParams() params {
	return params{m: mat.NewDense(3, 3, nil)}
}

func (p params) clone() params {
	q := params{b: p.b, m: mat.NewDense(3, 3, nil)}
	q.m.Copy(p.m)
	return q
}

// iPlusM returns I + M.
func (p params) iPlusM() *mat.Dense {
	a := mat.NewDense(3, 3, nil)
	a.Copy(p.m)
	for i := 0; i < 3; i++ {
		a.Set(i, i, a.At(i, i)+1)
	}
	return a
}

// hypothesis caches the inverse of I+M alongside the parameters so residual
// evaluation over the full measurement set stays cheap.
type hypothesis struct {
	params
	inv *mat.Dense
}

// newHypothesis wraps p, computing the inverse of I+M.  It reports false
// when the matrix is singular or too ill conditioned to invert, in which
// case the hypothesis is discarded as degenerate.
func newHypothesis(p params) (hypothesis, bool) {
	var inv mat.Dense
	if err := inv.Inverse(p.iPlusM()); err != nil {
		return hypothesis{}, false
	}
	return hypothesis{params: p, inv: &inv}, true
}

// residual is the signed discrepancy between the norm of the corrected
// measurement and the known field norm:
//
//	‖(I+M)⁻¹·(measured − b)‖ − norm
func (h hypothesis) residual(d geomag.BodyMagneticFluxDensity, norm float64) float64 {
	x := d.X - h.b[0]
	y := d.Y - h.b[1]
	z := d.Z - h.b[2]
	tx := h.inv.At(0, 0)*x + h.inv.At(0, 1)*y + h.inv.At(0, 2)*z
	ty := h.inv.At(1, 0)*x + h.inv.At(1, 1)*y + h.inv.At(1, 2)*z
	tz := h.inv.At(2, 0)*x + h.inv.At(2, 1)*y + h.inv.At(2, 2)*z
	return math.Sqrt(tx*tx+ty*ty+tz*tz) - norm
}

// Measured applies the forward measurement model: given a true body-frame
// field, a hard-iron bias and a soft-iron matrix it returns what the
// magnetometer would read.  Used when synthesizing calibration datasets.
func Measured(truth geomag.BodyMagneticFluxDensity, hardIron [3]float64, softIron mat.Matrix) geomag.BodyMagneticFluxDensity {
	r, c := softIron.Dims()
	if r != 3 || c != 3 {
		panic("magcal: soft iron must be 3x3")
	}
	t := [3]float64{truth.X, truth.Y, truth.Z}
	var out [3]float64
	for i := 0; i < 3; i++ {
		out[i] = hardIron[i] + t[i]
		for j := 0; j < 3; j++ {
			out[i] += softIron.At(i, j) * t[j]
		}
	}
	return geomag.BodyMagneticFluxDensity{X: out[0], Y: out[1], Z: out[2]}
}
