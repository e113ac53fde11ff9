package geomag

import "github.com/soniakeys/unit"

// Position is a geodetic position.  Height is meters above the WGS84
// ellipsoid.
type Position struct {
	Latitude  unit.Angle
	Longitude unit.Angle
	Height    float64
}

// PositionFromDegrees constructs a Position from latitude and longitude in
// degrees and height in meters.
func PositionFromDegrees(lat, lon, height float64) Position {
	return Position{
		Latitude:  unit.AngleFromDeg(lat),
		Longitude: unit.AngleFromDeg(lon),
		Height:    height,
	}
}
