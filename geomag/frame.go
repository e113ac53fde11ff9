package geomag

import "math"

// Attitude is a body orientation relative to the local NED frame, as
// aerospace Euler angles in radians.
type Attitude struct {
	Roll, Pitch, Yaw float64
}

// dcm returns the direction cosine matrix rotating NED vectors into the
// body frame, composed as Rx(roll)·Ry(pitch)·Rz(yaw).
func (a Attitude) dcm() [3][3]float64 {
	sr, cr := math.Sincos(a.Roll)
	sp, cp := math.Sincos(a.Pitch)
	sy, cy := math.Sincos(a.Yaw)
	return [3][3]float64{
		{cp * cy, cp * sy, -sp},
		{sr*sp*cy - cr*sy, sr*sp*sy + cr*cy, sr * cp},
		{cr*sp*cy + sr*sy, cr*sp*sy - sr*cy, cr * cp},
	}
}

// Resolve rotates an NED flux density vector into the body frame for a
// device at attitude a.
func (a Attitude) Resolve(n NEDMagneticFluxDensity) BodyMagneticFluxDensity {
	r := a.dcm()
	return BodyMagneticFluxDensity{
		X: r[0][0]*n.N + r[0][1]*n.E + r[0][2]*n.D,
		Y: r[1][0]*n.N + r[1][1]*n.E + r[1][2]*n.D,
		Z: r[2][0]*n.N + r[2][1]*n.E + r[2][2]*n.D,
	}
}
