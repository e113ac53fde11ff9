package geomag

import (
	"math"
	"time"

	"github.com/soniakeys/meeus/v3/base"
	"github.com/soniakeys/meeus/v3/julian"
	"github.com/soniakeys/unit"
)

// EarthFieldEstimator predicts the earth magnetic flux density at a geodetic
// position and instant.  Implementations wrap a geomagnetic model such as
// WMM; DipoleModel is a built-in approximation.  Calibration only ever
// consumes the norm of the returned vector.
type EarthFieldEstimator interface {
	Estimate(p Position, t time.Time) NEDMagneticFluxDensity
}

// DecimalYear converts an instant to a decimal julian year, the epoch form
// geomagnetic models are parameterized in.
func DecimalYear(t time.Time) float64 {
	return 2000 + (julian.TimeToJD(t)-base.J2000)/base.JulianYear
}

// DipoleModel is an EarthFieldEstimator based on a tilted geocentric dipole
// with a linear secular drift of the geomagnetic pole.  It is a stand-in for
// a full spherical harmonic model: field norms are realistic to within a few
// microteslas, which is sufficient for synthesizing calibration datasets and
// for seeding the known-norm calibrator when no WMM data is available.
type DipoleModel struct{}

// Dipole model constants, IGRF-13 epoch 2020 values.
const (
	dipoleMoment  = 3.12e-5 // mean equatorial surface field, teslas
	earthRadius   = 6371200.0
	poleLat2020   = 80.65  // geomagnetic north pole latitude, degrees
	poleLon2020   = -72.68 // geomagnetic north pole longitude, degrees
	poleLatDrift  = 0.05   // degrees per year
	poleLonDrift  = 0.06   // degrees per year
	dipoleEpoch   = 2020.0
	momentPerYear = -9e-9 // secular decay of the moment, teslas per year
)

// Estimate returns the dipole field at p resolved in the local NED frame.
func (DipoleModel) Estimate(p Position, t time.Time) NEDMagneticFluxDensity {
	dy := DecimalYear(t) - dipoleEpoch
	pLat := unit.AngleFromDeg(poleLat2020 + poleLatDrift*dy)
	pLon := unit.AngleFromDeg(poleLon2020 + poleLonDrift*dy)
	b0 := dipoleMoment + momentPerYear*dy

	sLat, cLat := math.Sincos(p.Latitude.Rad())
	sPLat, cPLat := math.Sincos(pLat.Rad())
	dLon := p.Longitude.Rad() - pLon.Rad()
	sDLon, cDLon := math.Sincos(dLon)

	// geomagnetic latitude
	sGm := sLat*sPLat + cLat*cPLat*cDLon
	cGm := math.Sqrt(1 - sGm*sGm)

	// inverse cube falloff with height
	r3 := earthRadius / (earthRadius + p.Height)
	r3 = r3 * r3 * r3

	h := b0 * r3 * cGm  // horizontal intensity, toward geomagnetic north
	z := 2 * b0 * r3 * sGm // down component

	// bearing from position to the geomagnetic pole gives declination
	decl := math.Atan2(-sDLon*cPLat, cLat*sPLat-sLat*cPLat*cDLon)
	sD, cD := math.Sincos(decl)

	return NEDMagneticFluxDensity{N: h * cD, E: h * sD, D: z}
}
