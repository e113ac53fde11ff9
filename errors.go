package magcal

import "errors"

// Error taxonomy.  Setter validation failures wrap ErrInvalidArgument and
// never leave the calibrator partially mutated.  ErrLocked is returned by
// every mutating method, and by Calibrate itself, while a calibration is in
// progress.  ErrCalibrationFailed is the only error that can occur after
// Ready reported true: the robust loop ran out of iterations without a
// consensus, a legitimate probabilistic outcome rather than a caller bug.
var (
	ErrInvalidArgument   = errors.New("magcal: invalid argument")
	ErrLocked            = errors.New("magcal: calibrator is running")
	ErrNotReady          = errors.New("magcal: calibrator not ready")
	ErrCalibrationFailed = errors.New("magcal: calibration failed")
)
