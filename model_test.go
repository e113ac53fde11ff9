package magcal

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"github.com/navsense/magcal/geomag"
)

func TestResidualZeroForTrueParameters(t *testing.T) {
	rnd := rand.New(rand.NewSource(2))
	norm := 5e-5
	truth := params{
		b: [3]float64{1e-5, -4e-6, 7e-6},
		m: mat.NewDense(3, 3, []float64{
			2e-6, -1e-6, 3e-7,
			5e-7, -3e-6, 1e-6,
			-8e-7, 2e-7, 4e-6,
		}),
	}
	h, ok := newHypothesis(truth)
	require.True(t, ok)

	for i := 0; i < 50; i++ {
		a := geomag.Attitude{
			Roll:  rnd.Float64() * 2 * math.Pi,
			Pitch: rnd.Float64()*math.Pi - math.Pi/2,
			Yaw:   rnd.Float64() * 2 * math.Pi,
		}
		truthField := a.Resolve(geomag.NEDMagneticFluxDensity{N: norm * .4, E: -norm * .2, D: norm * .89})
		truthField = scaleToNorm(truthField, norm)
		measured := Measured(truthField, truth.b, truth.m)
		assert.InDelta(t, 0, h.residual(measured, norm), 1e-16)
	}
}

func TestResidualDetectsCorruptedMeasurement(t *testing.T) {
	norm := 5e-5
	h, ok := newHypothesis(newParams())
	require.True(t, ok)

	clean := geomag.BodyMagneticFluxDensity{X: norm}
	assert.InDelta(t, 0, h.residual(clean, norm), 1e-20)

	corrupt := geomag.BodyMagneticFluxDensity{X: norm + 1e-5}
	assert.Greater(t, math.Abs(h.residual(corrupt, norm)), 9e-6)
}

func TestNewHypothesisRejectsSingularSoftIron(t *testing.T) {
	p := newParams()
	p.m.Set(0, 0, -1) // zeroes the x row of I+M
	_, ok := newHypothesis(p)
	assert.False(t, ok)
}

func TestPackUnpackRoundTrip(t *testing.T) {
	p := params{
		b: [3]float64{1, 2, 3},
		m: mat.NewDense(3, 3, []float64{
			.1, .4, .5,
			.6, .2, .7,
			.8, .9, .3,
		}),
	}

	back := unpack(pack(p, false), false)
	assert.Equal(t, p.b, back.b)
	assert.True(t, mat.EqualApprox(p.m, back.m, 0))

	// pinned entries come back zero under the common-axis model
	back = unpack(pack(p, true), true)
	assert.Equal(t, p.b, back.b)
	assert.Equal(t, 0.0, back.m.At(1, 0))
	assert.Equal(t, 0.0, back.m.At(2, 0))
	assert.Equal(t, 0.0, back.m.At(2, 1))
	assert.Equal(t, p.m.At(0, 1), back.m.At(0, 1))
	assert.Equal(t, p.m.At(1, 2), back.m.At(1, 2))
}

func scaleToNorm(b geomag.BodyMagneticFluxDensity, norm float64) geomag.BodyMagneticFluxDensity {
	f := norm / b.Norm()
	return geomag.BodyMagneticFluxDensity{X: b.X * f, Y: b.Y * f, Z: b.Z * f}
}
