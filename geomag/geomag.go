// Package geomag provides magnetic flux density value types in body and
// local NED (north-east-down) frames, geodetic positions, and a pluggable
// earth magnetic field estimator.
//
// All flux density values are expressed in teslas.
package geomag

import "math"

// BodyMagneticFluxDensity is a magnetic flux density vector resolved in the
// body frame of the device carrying the magnetometer.
type BodyMagneticFluxDensity struct {
	X, Y, Z float64
}

// Norm returns the magnitude of the flux density vector.
func (b BodyMagneticFluxDensity) Norm() float64 {
	return math.Sqrt(b.X*b.X + b.Y*b.Y + b.Z*b.Z)
}

// Add returns the component-wise sum b + o.
func (b BodyMagneticFluxDensity) Add(o BodyMagneticFluxDensity) BodyMagneticFluxDensity {
	return BodyMagneticFluxDensity{b.X + o.X, b.Y + o.Y, b.Z + o.Z}
}

// Sub returns the component-wise difference b - o.
func (b BodyMagneticFluxDensity) Sub(o BodyMagneticFluxDensity) BodyMagneticFluxDensity {
	return BodyMagneticFluxDensity{b.X - o.X, b.Y - o.Y, b.Z - o.Z}
}

// StandardDeviationBodyMagneticFluxDensity pairs a body-frame magnetometer
// measurement with the standard deviation of its noise, assumed isotropic
// across the three axes.  StandardDeviation must not be negative; zero marks
// the noise level unknown, and consumers then weight the measurement
// uniformly.
type StandardDeviationBodyMagneticFluxDensity struct {
	Density           BodyMagneticFluxDensity
	StandardDeviation float64
}

// NEDMagneticFluxDensity is a magnetic flux density vector resolved in the
// local north-east-down frame.
type NEDMagneticFluxDensity struct {
	N, E, D float64
}

// Norm returns the magnitude of the flux density vector.
func (n NEDMagneticFluxDensity) Norm() float64 {
	return math.Sqrt(n.N*n.N + n.E*n.E + n.D*n.D)
}
