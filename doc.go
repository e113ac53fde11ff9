/*
Package magcal calibrates magnetometers against a known earth magnetic
field norm.

A magnetometer mounted near ferrous or magnetized material reads

	measured = b + (I+M)·true

where b is the hard-iron bias (a constant per-axis offset), M is the
soft-iron matrix (scale factors on the diagonal, cross-axis coupling off
it), and true is the actual field at the sensor.  Whatever the device
orientation, the norm of the true field equals the local earth field
magnitude, which is known from a geomagnetic model.  Calibration estimates
(b, M) from a batch of body-frame measurements collected while the device
is rotated through diverse orientations.

Field measurements are rarely clean: some fraction is corrupted by nearby
electric currents, moving metal, or sensor glitches.  The calibrator runs
PROSAC (progressive sample consensus): caller-supplied quality scores order
the measurements from most to least trustworthy, minimal subsets are drawn
from a growing prefix of that ordering, each subset is solved by a
linearized ellipsoid fit, and hypotheses are scored by counting
measurements whose corrected norm falls within a threshold of the known
field norm.  The best consensus set is optionally polished by weighted
nonlinear least squares, which also yields the parameter covariance.

Basic use:

	cal := magcal.New()
	cal.SetMeasurements(measurements)
	cal.SetQualityScores(scores)
	cal.SetGroundTruthFieldNormFrom(geomag.DipoleModel{}, position, time.Now())
	if err := cal.Calibrate(); err != nil {
		// no consensus found; retry with fresh data
	}
	hardIron := cal.EstimatedHardIron()
	softIron := cal.EstimatedSoftIron()

Two soft-iron models are supported.  The general model estimates all nine
entries of M and needs at least 13 measurements; because only the field
norm is observed, M is determined up to a rotation and the estimate is the
representative nearest the configured initial guess.  The common-axis
model pins the strictly-lower-triangular entries to exactly zero, needs
only 10 measurements, and is uniquely determined.

Calibrate runs synchronously on the calling goroutine.  An optional
Listener receives start, end, per-iteration and progress callbacks; the
calibrator is locked for the duration, so configuration cannot be mutated
from inside a callback.
*/
package magcal
