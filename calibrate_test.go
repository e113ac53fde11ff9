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

const testFieldNorm = 5.2e-5

// cleanDataset synthesizes n noise-free measurements of a known calibration
// at random orientations, with uniform quality scores.
func cleanDataset(rnd *rand.Rand, n int, b [3]float64, m *mat.Dense) (
	[]geomag.StandardDeviationBodyMagneticFluxDensity, []float64, float64) {

	pts := synthPoints(rnd, n, testFieldNorm, b, m)
	meas := make([]geomag.StandardDeviationBodyMagneticFluxDensity, n)
	scores := make([]float64, n)
	for i, pt := range pts {
		meas[i] = geomag.StandardDeviationBodyMagneticFluxDensity{Density: pt, StandardDeviation: 1e-9}
		scores[i] = 1
	}
	return meas, scores, testFieldNorm
}

// contaminatedDataset mixes noise-free measurements with a fraction of
// corrupted ones whose true field norm is off by 20-50%, so their residual
// under any near-true calibration is at least 1e-5.  Quality scores place
// every clean measurement ahead of every corrupted one.
func contaminatedDataset(rnd *rand.Rand, n int, outlierFrac float64,
	b [3]float64, m *mat.Dense) (
	[]geomag.StandardDeviationBodyMagneticFluxDensity, []float64, []bool, float64) {

	ned := geomag.NEDMagneticFluxDensity{
		N: testFieldNorm * .5, E: testFieldNorm * .1, D: math.Sqrt(1-.26) * testFieldNorm,
	}
	meas := make([]geomag.StandardDeviationBodyMagneticFluxDensity, n)
	scores := make([]float64, n)
	outlier := make([]bool, n)
	nOut := int(outlierFrac * float64(n))
	for i := range meas {
		a := geomag.Attitude{
			Roll:  rnd.Float64()*2*math.Pi - math.Pi,
			Pitch: rnd.Float64()*math.Pi - math.Pi/2,
			Yaw:   rnd.Float64() * 2 * math.Pi,
		}
		truth := a.Resolve(ned)
		if i < nOut {
			outlier[i] = true
			f := 1.2 + .3*rnd.Float64()
			truth = geomag.BodyMagneticFluxDensity{X: truth.X * f, Y: truth.Y * f, Z: truth.Z * f}
			scores[i] = .5 * rnd.Float64()
		} else {
			scores[i] = .5 + .5*rnd.Float64()
		}
		meas[i] = geomag.StandardDeviationBodyMagneticFluxDensity{
			Density:           Measured(truth, b, m),
			StandardDeviation: 1e-9,
		}
	}
	return meas, scores, outlier, testFieldNorm
}

func TestSynthesizedFieldNormMatchesGroundTruth(t *testing.T) {
	// a fixture whose true field norm drifts from the declared ground truth
	// would bias every scale estimate; under an identity calibration the
	// measurements must sit exactly on the ground-truth shell
	rnd := rand.New(rand.NewSource(1))

	meas, _, _, norm := contaminatedDataset(rnd, 20, 0, [3]float64{}, mat.NewDense(3, 3, nil))
	for i, m := range meas {
		assert.InDelta(t, norm, m.Density.Norm(), 1e-18, "measurement %d", i)
	}

	pts := synthPoints(rnd, 20, testFieldNorm, [3]float64{}, mat.NewDense(3, 3, nil))
	for i, pt := range pts {
		assert.InDelta(t, testFieldNorm, pt.Norm(), 1e-18, "point %d", i)
	}
}

func TestCalibrateGeneralWithOutliers(t *testing.T) {
	rnd := rand.New(rand.NewSource(21))
	b := [3]float64{8e-6, -5e-6, 2e-6}
	m := mat.NewDense(3, 3, []float64{
		2e-6, -1e-6, 8e-7,
		6e-7, -3e-6, -9e-7,
		-4e-7, 7e-7, 1e-6,
	})
	meas, scores, outlier, norm := contaminatedDataset(rnd, 1000, .04, b, m)

	c := New()
	require.NoError(t, c.SetMeasurements(meas))
	require.NoError(t, c.SetQualityScores(scores))
	require.NoError(t, c.SetGroundTruthFieldNorm(norm))
	require.NoError(t, c.SetComputeAndKeepInliers(true))
	require.NoError(t, c.SetComputeAndKeepResiduals(true))
	require.NoError(t, c.SetRand(rand.New(rand.NewSource(22))))

	require.NoError(t, c.Calibrate())

	gotB := c.EstimatedHardIron()
	require.NotNil(t, gotB)
	for i := 0; i < 3; i++ {
		assert.InDelta(t, b[i], gotB[i], 1e-9)
	}
	gotM := c.EstimatedSoftIron()
	require.NotNil(t, gotM)
	assert.True(t, mat.EqualApprox(shapeInvariant(m), shapeInvariant(gotM), 1e-9))

	// named entry accessors agree with the matrix view
	sx, ok := c.EstimatedSx()
	require.True(t, ok)
	assert.Equal(t, gotM.At(0, 0), sx)
	mzy, ok := c.EstimatedMzy()
	require.True(t, ok)
	assert.Equal(t, gotM.At(2, 1), mzy)

	cov := c.EstimatedCovariance()
	require.NotNil(t, cov)
	r, cc := cov.Dims()
	assert.Equal(t, stackedParams, r)
	assert.Equal(t, stackedParams, cc)
	for i := 0; i < stackedParams; i++ {
		assert.Greater(t, cov.At(i, i), 0.0, "covariance diagonal %d", i)
	}

	mse, ok := c.EstimatedMSE()
	require.True(t, ok)
	assert.GreaterOrEqual(t, mse, 0.0)
	assert.Less(t, mse, 1e-18)
	chiSq, ok := c.EstimatedChiSq()
	require.True(t, ok)
	assert.GreaterOrEqual(t, chiSq, 0.0)
	assert.Less(t, chiSq, 1.0)

	mask := c.InlierMask()
	res := c.Residuals()
	require.Len(t, mask, len(meas))
	require.Len(t, res, len(meas))
	for i := range meas {
		assert.Equal(t, !outlier[i], mask[i], "measurement %d", i)
		if outlier[i] {
			assert.Greater(t, math.Abs(res[i]), c.Threshold())
		} else {
			assert.LessOrEqual(t, math.Abs(res[i]), c.Threshold())
		}
	}
}

func TestCalibrateCommonAxisWithOutliers(t *testing.T) {
	rnd := rand.New(rand.NewSource(31))
	b := [3]float64{-6e-6, 9e-6, 3e-6}
	m := mat.NewDense(3, 3, []float64{
		3e-6, -2e-6, 1e-6,
		0, -4e-6, 2e-6,
		0, 0, 5e-6,
	})
	meas, scores, _, norm := contaminatedDataset(rnd, 400, .04, b, m)

	c := New()
	require.NoError(t, c.SetCommonAxisUsed(true))
	require.NoError(t, c.SetMeasurements(meas))
	require.NoError(t, c.SetQualityScores(scores))
	require.NoError(t, c.SetGroundTruthFieldNorm(norm))
	require.NoError(t, c.SetRand(rand.New(rand.NewSource(32))))

	require.NoError(t, c.Calibrate())

	gotB := c.EstimatedHardIron()
	require.NotNil(t, gotB)
	for i := 0; i < 3; i++ {
		assert.InDelta(t, b[i], gotB[i], 1e-9)
	}
	// the common-axis model is fully determined, so recovery is entrywise
	gotM := c.EstimatedSoftIron()
	require.NotNil(t, gotM)
	assert.True(t, mat.EqualApprox(m, gotM, 1e-9))

	myx, ok := c.EstimatedMyx()
	require.True(t, ok)
	assert.Equal(t, 0.0, myx)
	mzx, ok := c.EstimatedMzx()
	require.True(t, ok)
	assert.Equal(t, 0.0, mzx)
	mzy, ok := c.EstimatedMzy()
	require.True(t, ok)
	assert.Equal(t, 0.0, mzy)

	// pinned parameters carry no uncertainty
	cov := c.EstimatedCovariance()
	require.NotNil(t, cov)
	for _, p := range commonAxisPinned {
		for j := 0; j < stackedParams; j++ {
			assert.Equal(t, 0.0, cov.At(p, j))
			assert.Equal(t, 0.0, cov.At(j, p))
		}
	}
	for _, f := range freeIndices(true) {
		assert.Greater(t, cov.At(f, f), 0.0)
	}
}

func TestCalibrateNoisyMeasurements(t *testing.T) {
	rnd := rand.New(rand.NewSource(41))
	b := [3]float64{8e-6, -5e-6, 2e-6}
	m := mat.NewDense(3, 3, []float64{
		2e-6, -1e-6, 8e-7,
		6e-7, -3e-6, -9e-7,
		-4e-7, 7e-7, 1e-6,
	})
	const sigma = 200e-9

	meas, scores, norm := cleanDataset(rnd, 500, b, m)
	for i := range meas {
		meas[i].Density.X += rnd.NormFloat64() * sigma
		meas[i].Density.Y += rnd.NormFloat64() * sigma
		meas[i].Density.Z += rnd.NormFloat64() * sigma
		meas[i].StandardDeviation = sigma
	}

	c := New()
	require.NoError(t, c.SetMeasurements(meas))
	require.NoError(t, c.SetQualityScores(scores))
	require.NoError(t, c.SetGroundTruthFieldNorm(norm))
	require.NoError(t, c.SetThreshold(1e-6))
	require.NoError(t, c.SetRand(rand.New(rand.NewSource(42))))

	require.NoError(t, c.Calibrate())

	gotB := c.EstimatedHardIron()
	require.NotNil(t, gotB)
	for i := 0; i < 3; i++ {
		assert.InDelta(t, b[i], gotB[i], 1e-6)
	}
	gotM := c.EstimatedSoftIron()
	require.NotNil(t, gotM)
	assert.True(t, mat.EqualApprox(shapeInvariant(m), shapeInvariant(gotM), 1e-2))

	// mean squared residual tracks the injected noise level
	mse, ok := c.EstimatedMSE()
	require.True(t, ok)
	assert.Greater(t, mse, 1e-15)
	assert.Less(t, mse, 1e-12)
	chiSq, ok := c.EstimatedChiSq()
	require.True(t, ok)
	assert.Greater(t, chiSq, 0.0)
}

func TestCalibrateWithoutRefinement(t *testing.T) {
	rnd := rand.New(rand.NewSource(51))
	b := [3]float64{4e-6, 1e-6, -7e-6}
	m := mat.NewDense(3, 3, []float64{
		1e-6, 2e-6, -1e-6,
		3e-7, -2e-6, 5e-7,
		-6e-7, 4e-7, 3e-6,
	})
	meas, scores, norm := cleanDataset(rnd, 60, b, m)

	c := New()
	require.NoError(t, c.SetMeasurements(meas))
	require.NoError(t, c.SetQualityScores(scores))
	require.NoError(t, c.SetGroundTruthFieldNorm(norm))
	require.NoError(t, c.SetResultRefined(false))
	require.NoError(t, c.SetRand(rand.New(rand.NewSource(52))))

	require.NoError(t, c.Calibrate())

	gotB := c.EstimatedHardIron()
	require.NotNil(t, gotB)
	for i := 0; i < 3; i++ {
		assert.InDelta(t, b[i], gotB[i], 1e-9)
	}
	gotM := c.EstimatedSoftIron()
	require.NotNil(t, gotM)
	assert.True(t, mat.EqualApprox(shapeInvariant(m), shapeInvariant(gotM), 1e-9))

	// covariance needs the refinement Jacobian
	assert.True(t, c.CovarianceKept())
	assert.Nil(t, c.EstimatedCovariance())
}

func TestCalibrateRepeatableForFixedSeed(t *testing.T) {
	rnd := rand.New(rand.NewSource(61))
	b := [3]float64{8e-6, -5e-6, 2e-6}
	meas, scores, outlierFreeNorm := cleanDataset(rnd, 40, b, mat.NewDense(3, 3, nil))

	run := func() []float64 {
		c := New()
		require.NoError(t, c.SetMeasurements(meas))
		require.NoError(t, c.SetQualityScores(scores))
		require.NoError(t, c.SetGroundTruthFieldNorm(outlierFreeNorm))
		require.NoError(t, c.SetRand(rand.New(rand.NewSource(62))))
		require.NoError(t, c.Calibrate())
		return c.EstimatedHardIron()
	}

	assert.Equal(t, run(), run())
}

func TestCalibrateFailsOnDegenerateData(t *testing.T) {
	// every measurement identical: no minimal subset is solvable
	meas := make([]geomag.StandardDeviationBodyMagneticFluxDensity, 20)
	for i := range meas {
		meas[i].Density = geomag.BodyMagneticFluxDensity{X: testFieldNorm}
		meas[i].StandardDeviation = 1e-9
	}

	c := New()
	require.NoError(t, c.SetMeasurements(meas))
	require.NoError(t, c.SetQualityScores(make([]float64, 20)))
	require.NoError(t, c.SetGroundTruthFieldNorm(testFieldNorm))
	require.NoError(t, c.SetMaxIterations(50))
	require.NoError(t, c.SetRand(rand.New(rand.NewSource(71))))

	err := c.Calibrate()
	assert.ErrorIs(t, err, ErrCalibrationFailed)
	assert.Nil(t, c.EstimatedHardIron())
	assert.Nil(t, c.EstimatedSoftIron())
	assert.Nil(t, c.EstimatedCovariance())
	assert.False(t, c.Running())
}
