package magcal

import (
	"fmt"
	"math"
	"time"

	"gonum.org/v1/gonum/mat"

	"github.com/navsense/magcal/geomag"
	"github.com/navsense/magcal/internal/consensus"
)

// Defaults and model constants.
const (
	// DefaultThreshold is the inlier residual cutoff, in teslas.
	DefaultThreshold = 1e-9
	// DefaultConfidence is the target probability of finding an
	// uncontaminated minimal subset.
	DefaultConfidence = 0.99
	// DefaultMaxIterations bounds the robust loop.
	DefaultMaxIterations = 5000
	// DefaultProgressDelta is the minimum progress advance between
	// listener progress notifications.
	DefaultProgressDelta = 0.05

	// MinimumMeasurementsGeneral is the minimal measurement count for the
	// general soft-iron model (3 bias + 9 soft-iron + norm constraint).
	MinimumMeasurementsGeneral = 13
	// MinimumMeasurementsCommonAxis is the minimal count when the
	// strictly-lower-triangular soft-iron entries are pinned to zero.
	MinimumMeasurementsCommonAxis = 10
)

// Listener receives synchronous lifecycle notifications during Calibrate.
// All methods run on the calling goroutine; mutating the calibrator from
// inside a callback is rejected with ErrLocked.
type Listener interface {
	CalibrateStart(c *Calibrator)
	CalibrateEnd(c *Calibrator)
	CalibrateNextIteration(c *Calibrator, iteration int)
	CalibrateProgressChange(c *Calibrator, progress float32)
}

// Rand is the randomness source for the robust loop.  *rand.Rand satisfies
// it; pin a seeded source via SetRand for repeatable calibrations.
type Rand = consensus.Rand

// Calibrator estimates a magnetometer's hard-iron bias and soft-iron
// distortion from body-frame measurements whose true field norm is known,
// using PROSAC robust sample consensus: quality scores order the
// measurements so early hypotheses are drawn from the most trustworthy
// samples, degrading toward uniform sampling as iterations proceed.
//
// The zero value is not usable; call New.  A Calibrator is not safe for
// concurrent use: the lock enforced during Calibrate is a re-entrancy
// guard for listener callbacks, not a mutex.
type Calibrator struct {
	threshold     float64
	confidence    float64
	progressDelta float64
	maxIterations int

	commonAxis     bool
	keepInliers    bool
	keepResiduals  bool
	refineResult   bool
	keepCovariance bool

	// 0 selects the model minimum
	preliminarySubsetSize int

	initialHardIron [3]float64
	initialSoftIron *mat.Dense

	measurements  []geomag.StandardDeviationBodyMagneticFluxDensity
	qualityScores []float64
	norm          float64 // NaN until set

	listener Listener
	rnd      Rand

	running bool

	est       *estimate
	inlierSet []bool
	residuals []float64
}

// estimate holds the outputs of a successful calibration.
type estimate struct {
	hardIron   [3]float64
	softIron   *mat.Dense
	covariance *mat.Dense
	mse        float64
	chiSq      float64
}

// New returns a calibrator with documented defaults: general soft-iron
// model, refinement and covariance enabled, inlier and residual retention
// disabled, zero initial guess, and no measurements, quality scores or
// ground-truth norm.
func New() *Calibrator {
	return &Calibrator{
		threshold:       DefaultThreshold,
		confidence:      DefaultConfidence,
		progressDelta:   DefaultProgressDelta,
		maxIterations:   DefaultMaxIterations,
		refineResult:    true,
		keepCovariance:  true,
		initialSoftIron: mat.NewDense(3, 3, nil),
		norm:            math.NaN(),
	}
}

// Running reports whether a Calibrate call is in progress.
func (c *Calibrator) Running() bool { return c.running }

// MinimumRequiredMeasurements reports the minimal measurement count for
// the configured soft-iron model.
func (c *Calibrator) MinimumRequiredMeasurements() int {
	if c.commonAxis {
		return MinimumMeasurementsCommonAxis
	}
	return MinimumMeasurementsGeneral
}

// Ready reports whether Calibrate can run: enough measurements, quality
// scores present with matching length, and a positive ground-truth norm.
func (c *Calibrator) Ready() bool {
	return len(c.measurements) >= c.MinimumRequiredMeasurements() &&
		c.qualityScores != nil &&
		len(c.qualityScores) == len(c.measurements) &&
		!math.IsNaN(c.norm) && c.norm > 0
}

// Threshold returns the inlier residual cutoff in teslas.
func (c *Calibrator) Threshold() float64 { return c.threshold }

// SetThreshold sets the inlier residual cutoff.  It must be positive.
func (c *Calibrator) SetThreshold(v float64) error {
	if c.running {
		return ErrLocked
	}
	if v <= 0 {
		return fmt.Errorf("%w: threshold must be positive, got %v", ErrInvalidArgument, v)
	}
	c.threshold = v
	return nil
}

// Confidence returns the target confidence of the robust loop.
func (c *Calibrator) Confidence() float64 { return c.confidence }

// SetConfidence sets the target confidence, in the open interval (0,1).
func (c *Calibrator) SetConfidence(v float64) error {
	if c.running {
		return ErrLocked
	}
	if v <= 0 || v >= 1 {
		return fmt.Errorf("%w: confidence must be in (0,1), got %v", ErrInvalidArgument, v)
	}
	c.confidence = v
	return nil
}

// MaxIterations returns the robust loop iteration bound.
func (c *Calibrator) MaxIterations() int { return c.maxIterations }

// SetMaxIterations sets the robust loop iteration bound.  It must be
// positive.
func (c *Calibrator) SetMaxIterations(v int) error {
	if c.running {
		return ErrLocked
	}
	if v <= 0 {
		return fmt.Errorf("%w: max iterations must be positive, got %d", ErrInvalidArgument, v)
	}
	c.maxIterations = v
	return nil
}

// ProgressDelta returns the minimum progress advance between listener
// progress notifications.
func (c *Calibrator) ProgressDelta() float64 { return c.progressDelta }

// SetProgressDelta sets the minimum progress advance, in [0,1].
func (c *Calibrator) SetProgressDelta(v float64) error {
	if c.running {
		return ErrLocked
	}
	if v < 0 || v > 1 {
		return fmt.Errorf("%w: progress delta must be in [0,1], got %v", ErrInvalidArgument, v)
	}
	c.progressDelta = v
	return nil
}

// CommonAxisUsed reports whether the common-axis soft-iron model is
// active.
func (c *Calibrator) CommonAxisUsed() bool { return c.commonAxis }

// SetCommonAxisUsed toggles the common-axis model: the strictly-lower
// triangular soft-iron entries are pinned to zero, dropping the minimal
// measurement count from 13 to 10.
func (c *Calibrator) SetCommonAxisUsed(v bool) error {
	if c.running {
		return ErrLocked
	}
	c.commonAxis = v
	return nil
}

// ComputeAndKeepInliers reports whether the inlier partition is retained
// after calibration.
func (c *Calibrator) ComputeAndKeepInliers() bool { return c.keepInliers }

// SetComputeAndKeepInliers toggles retention of the inlier partition.
func (c *Calibrator) SetComputeAndKeepInliers(v bool) error {
	if c.running {
		return ErrLocked
	}
	c.keepInliers = v
	return nil
}

// ComputeAndKeepResiduals reports whether per-measurement residuals are
// retained after calibration.
func (c *Calibrator) ComputeAndKeepResiduals() bool { return c.keepResiduals }

// SetComputeAndKeepResiduals toggles retention of per-measurement
// residuals.
func (c *Calibrator) SetComputeAndKeepResiduals(v bool) error {
	if c.running {
		return ErrLocked
	}
	c.keepResiduals = v
	return nil
}

// ResultRefined reports whether the consensus hypothesis is re-solved over
// all inliers.
func (c *Calibrator) ResultRefined() bool { return c.refineResult }

// SetResultRefined toggles refinement.  Covariance requires the refinement
// Jacobian, so disabling refinement also disables covariance regardless of
// CovarianceKept.
func (c *Calibrator) SetResultRefined(v bool) error {
	if c.running {
		return ErrLocked
	}
	c.refineResult = v
	return nil
}

// CovarianceKept reports whether parameter covariance is estimated.
func (c *Calibrator) CovarianceKept() bool { return c.keepCovariance }

// SetCovarianceKept toggles covariance estimation.
func (c *Calibrator) SetCovarianceKept(v bool) error {
	if c.running {
		return ErrLocked
	}
	c.keepCovariance = v
	return nil
}

// PreliminarySubsetSize returns the minimal subset size used for
// hypothesis generation; it defaults to the model minimum.
func (c *Calibrator) PreliminarySubsetSize() int {
	if c.preliminarySubsetSize == 0 {
		return c.MinimumRequiredMeasurements()
	}
	return c.preliminarySubsetSize
}

// SetPreliminarySubsetSize sets the hypothesis subset size.  It must be at
// least the model minimum.
func (c *Calibrator) SetPreliminarySubsetSize(v int) error {
	if c.running {
		return ErrLocked
	}
	if v < c.MinimumRequiredMeasurements() {
		return fmt.Errorf("%w: subset size %d below minimum %d",
			ErrInvalidArgument, v, c.MinimumRequiredMeasurements())
	}
	c.preliminarySubsetSize = v
	return nil
}

// InitialHardIron returns a copy of the initial hard-iron guess.
func (c *Calibrator) InitialHardIron() []float64 {
	out := make([]float64, 3)
	copy(out, c.initialHardIron[:])
	return out
}

// InitialHardIronAsVector returns the initial hard-iron guess as a 3×1
// vector.
func (c *Calibrator) InitialHardIronAsVector() *mat.VecDense {
	return mat.NewVecDense(3, c.InitialHardIron())
}

// InitialHardIronAsDensity returns the initial hard-iron guess as a
// body-frame flux density triad.
func (c *Calibrator) InitialHardIronAsDensity() geomag.BodyMagneticFluxDensity {
	return geomag.BodyMagneticFluxDensity{
		X: c.initialHardIron[0], Y: c.initialHardIron[1], Z: c.initialHardIron[2],
	}
}

// SetInitialHardIron sets the initial hard-iron guess from three scalars.
func (c *Calibrator) SetInitialHardIron(bx, by, bz float64) error {
	if c.running {
		return ErrLocked
	}
	c.initialHardIron = [3]float64{bx, by, bz}
	return nil
}

// SetInitialHardIronSlice sets the initial hard-iron guess from a slice,
// which must have length 3.
func (c *Calibrator) SetInitialHardIronSlice(b []float64) error {
	if c.running {
		return ErrLocked
	}
	if len(b) != 3 {
		return fmt.Errorf("%w: hard iron must have 3 components, got %d", ErrInvalidArgument, len(b))
	}
	copy(c.initialHardIron[:], b)
	return nil
}

// SetInitialHardIronVector sets the initial hard-iron guess from a 3×1
// vector.
func (c *Calibrator) SetInitialHardIronVector(b mat.Vector) error {
	if c.running {
		return ErrLocked
	}
	if b.Len() != 3 {
		return fmt.Errorf("%w: hard iron vector must be 3x1, got %dx1", ErrInvalidArgument, b.Len())
	}
	c.initialHardIron = [3]float64{b.AtVec(0), b.AtVec(1), b.AtVec(2)}
	return nil
}

// SetInitialHardIronDensity sets the initial hard-iron guess from a
// body-frame flux density triad.
func (c *Calibrator) SetInitialHardIronDensity(b geomag.BodyMagneticFluxDensity) error {
	if c.running {
		return ErrLocked
	}
	c.initialHardIron = [3]float64{b.X, b.Y, b.Z}
	return nil
}

// InitialSoftIron returns a copy of the initial soft-iron guess.
func (c *Calibrator) InitialSoftIron() *mat.Dense {
	out := mat.NewDense(3, 3, nil)
	out.Copy(c.initialSoftIron)
	return out
}

// SetInitialSoftIron sets the initial soft-iron guess.  The matrix must be
// 3×3.
func (c *Calibrator) SetInitialSoftIron(m mat.Matrix) error {
	if c.running {
		return ErrLocked
	}
	r, cc := m.Dims()
	if r != 3 || cc != 3 {
		return fmt.Errorf("%w: soft iron must be 3x3, got %dx%d", ErrInvalidArgument, r, cc)
	}
	c.initialSoftIron.Copy(m)
	return nil
}

// SetInitialSoftIronEntries sets the initial soft-iron guess from its nine
// named entries.
func (c *Calibrator) SetInitialSoftIronEntries(sx, sy, sz, mxy, mxz, myx, myz, mzx, mzy float64) error {
	if c.running {
		return ErrLocked
	}
	c.initialSoftIron.SetRow(0, []float64{sx, mxy, mxz})
	c.initialSoftIron.SetRow(1, []float64{myx, sy, myz})
	c.initialSoftIron.SetRow(2, []float64{mzx, mzy, sz})
	return nil
}

// Measurements returns the measurement list as configured, by reference.
func (c *Calibrator) Measurements() []geomag.StandardDeviationBodyMagneticFluxDensity {
	return c.measurements
}

// SetMeasurements sets the measurement list, held by reference: the caller
// must not mutate it during Calibrate.  When quality scores are already
// configured, the lengths must match exactly.  Standard deviations must not
// be negative.  A nil slice clears the list.
func (c *Calibrator) SetMeasurements(m []geomag.StandardDeviationBodyMagneticFluxDensity) error {
	if c.running {
		return ErrLocked
	}
	if m != nil && c.qualityScores != nil && len(m) != len(c.qualityScores) {
		return fmt.Errorf("%w: %d measurements for %d quality scores",
			ErrInvalidArgument, len(m), len(c.qualityScores))
	}
	for i := range m {
		if sd := m[i].StandardDeviation; sd < 0 || math.IsNaN(sd) {
			return fmt.Errorf("%w: measurement %d has standard deviation %v",
				ErrInvalidArgument, i, sd)
		}
	}
	c.measurements = m
	return nil
}

// QualityScores returns the quality score array as configured, by
// reference.
func (c *Calibrator) QualityScores() []float64 {
	return c.qualityScores
}

// SetQualityScores sets the per-measurement quality scores (higher is more
// trustworthy).  When measurements are already configured, the lengths
// must match exactly.  A nil slice clears the scores.
func (c *Calibrator) SetQualityScores(scores []float64) error {
	if c.running {
		return ErrLocked
	}
	if scores != nil && c.measurements != nil && len(scores) != len(c.measurements) {
		return fmt.Errorf("%w: %d quality scores for %d measurements",
			ErrInvalidArgument, len(scores), len(c.measurements))
	}
	c.qualityScores = scores
	return nil
}

// GroundTruthFieldNorm returns the known field norm in teslas, and whether
// it has been set.
func (c *Calibrator) GroundTruthFieldNorm() (float64, bool) {
	if math.IsNaN(c.norm) {
		return 0, false
	}
	return c.norm, true
}

// SetGroundTruthFieldNorm sets the known magnitude of the local earth
// field.  It must be strictly positive.
func (c *Calibrator) SetGroundTruthFieldNorm(v float64) error {
	if c.running {
		return ErrLocked
	}
	if math.IsNaN(v) || v <= 0 {
		return fmt.Errorf("%w: ground truth norm must be positive, got %v", ErrInvalidArgument, v)
	}
	c.norm = v
	return nil
}

// SetGroundTruthFieldNormFrom derives the known field norm from an earth
// field model at a geodetic position and instant.
func (c *Calibrator) SetGroundTruthFieldNormFrom(est geomag.EarthFieldEstimator, p geomag.Position, t time.Time) error {
	if c.running {
		return ErrLocked
	}
	if est == nil {
		return fmt.Errorf("%w: nil earth field estimator", ErrInvalidArgument)
	}
	norm := est.Estimate(p, t).Norm()
	if norm <= 0 {
		return fmt.Errorf("%w: earth field model returned non-positive norm %v", ErrInvalidArgument, norm)
	}
	c.norm = norm
	return nil
}

// Listener returns the configured listener.
func (c *Calibrator) Listener() Listener { return c.listener }

// SetListener sets the lifecycle listener.  A nil listener disables
// notifications.
func (c *Calibrator) SetListener(l Listener) error {
	if c.running {
		return ErrLocked
	}
	c.listener = l
	return nil
}

// SetRand sets the randomness source for the robust loop.  Calibrations
// are repeatable for a fixed source, measurement order and configuration.
func (c *Calibrator) SetRand(r Rand) error {
	if c.running {
		return ErrLocked
	}
	c.rnd = r
	return nil
}

// EstimatedHardIron returns the estimated hard-iron bias, or nil before a
// successful calibration.
func (c *Calibrator) EstimatedHardIron() []float64 {
	if c.est == nil {
		return nil
	}
	out := make([]float64, 3)
	copy(out, c.est.hardIron[:])
	return out
}

// EstimatedHardIronAsVector returns the estimated hard-iron bias as a 3×1
// vector, or nil before a successful calibration.
func (c *Calibrator) EstimatedHardIronAsVector() *mat.VecDense {
	if c.est == nil {
		return nil
	}
	return mat.NewVecDense(3, c.EstimatedHardIron())
}

// EstimatedHardIronAsDensity returns the estimated hard-iron bias as a
// body-frame flux density triad, or nil before a successful calibration.
func (c *Calibrator) EstimatedHardIronAsDensity() *geomag.BodyMagneticFluxDensity {
	if c.est == nil {
		return nil
	}
	return &geomag.BodyMagneticFluxDensity{
		X: c.est.hardIron[0], Y: c.est.hardIron[1], Z: c.est.hardIron[2],
	}
}

// EstimatedSoftIron returns a copy of the estimated soft-iron matrix, or
// nil before a successful calibration.
func (c *Calibrator) EstimatedSoftIron() *mat.Dense {
	if c.est == nil {
		return nil
	}
	out := mat.NewDense(3, 3, nil)
	out.Copy(c.est.softIron)
	return out
}

func (c *Calibrator) softIronEntry(i, j int) (float64, bool) {
	if c.est == nil {
		return 0, false
	}
	return c.est.softIron.At(i, j), true
}

// EstimatedSx returns the estimated x-axis scale factor.
func (c *Calibrator) EstimatedSx() (float64, bool) { return c.softIronEntry(0, 0) }

// EstimatedSy returns the estimated y-axis scale factor.
func (c *Calibrator) EstimatedSy() (float64, bool) { return c.softIronEntry(1, 1) }

// EstimatedSz returns the estimated z-axis scale factor.
func (c *Calibrator) EstimatedSz() (float64, bool) { return c.softIronEntry(2, 2) }

// EstimatedMxy returns the estimated x-y cross coupling.
func (c *Calibrator) EstimatedMxy() (float64, bool) { return c.softIronEntry(0, 1) }

// EstimatedMxz returns the estimated x-z cross coupling.
func (c *Calibrator) EstimatedMxz() (float64, bool) { return c.softIronEntry(0, 2) }

// EstimatedMyx returns the estimated y-x cross coupling; exactly zero
// under the common-axis model.
func (c *Calibrator) EstimatedMyx() (float64, bool) { return c.softIronEntry(1, 0) }

// EstimatedMyz returns the estimated y-z cross coupling.
func (c *Calibrator) EstimatedMyz() (float64, bool) { return c.softIronEntry(1, 2) }

// EstimatedMzx returns the estimated z-x cross coupling; exactly zero
// under the common-axis model.
func (c *Calibrator) EstimatedMzx() (float64, bool) { return c.softIronEntry(2, 0) }

// EstimatedMzy returns the estimated z-y cross coupling; exactly zero
// under the common-axis model.
func (c *Calibrator) EstimatedMzy() (float64, bool) { return c.softIronEntry(2, 1) }

// EstimatedCovariance returns the 12×12 covariance of the stacked
// parameter vector [bx by bz sx sy sz mxy mxz myx myz mzx mzy], or nil
// when covariance was not computed (before calibration, when
// CovarianceKept is false, or when refinement is disabled).  Under the
// common-axis model rows and columns 8, 10 and 11 are identically zero.
func (c *Calibrator) EstimatedCovariance() *mat.Dense {
	if c.est == nil || c.est.covariance == nil {
		return nil
	}
	out := mat.NewDense(stackedParams, stackedParams, nil)
	out.Copy(c.est.covariance)
	return out
}

// EstimatedMSE returns the mean squared residual over the consensus
// inliers.
func (c *Calibrator) EstimatedMSE() (float64, bool) {
	if c.est == nil {
		return 0, false
	}
	return c.est.mse, true
}

// EstimatedChiSq returns the chi-square goodness-of-fit statistic, the sum
// of squared residuals normalized by measurement variance.
func (c *Calibrator) EstimatedChiSq() (float64, bool) {
	if c.est == nil {
		return 0, false
	}
	return c.est.chiSq, true
}

// InlierMask returns, per measurement, membership in the consensus set.
// It is nil unless ComputeAndKeepInliers was enabled for a successful
// calibration.
func (c *Calibrator) InlierMask() []bool { return c.inlierSet }

// Residuals returns per-measurement residuals under the final estimate.
// It is nil unless ComputeAndKeepResiduals was enabled for a successful
// calibration.
func (c *Calibrator) Residuals() []float64 { return c.residuals }
