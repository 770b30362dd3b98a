// Package geo provides the geodesic primitives shared by the deconfliction
// engine, the trajectory store and the fleet drivers: WGS-84 positions,
// velocities in the local north/east/up frame, and distance functions tuned
// for the short ranges a single shared airspace volume spans.
package geo

import "math"

const (
	// earthRadiusM is the mean Earth radius used by both distance models.
	earthRadiusM = 6371000.0

	// equirectCutoverM is the ground separation above which the
	// equirectangular approximation gives way to the haversine formula.
	// Below it the two models agree to well under 0.1%.
	equirectCutoverM = 10000.0
)

// Position is a WGS-84 coordinate with altitude in metres above ground level.
type Position struct {
	Lat  float64 `json:"lat"`
	Lon  float64 `json:"lon"`
	AltM float64 `json:"alt"`
}

// Waypoint is a plan vertex. Same shape as a live position; the distinction
// is only where it comes from.
type Waypoint = Position

// Velocity is a velocity vector in the local north/east/up frame, m/s.
// The wire names vx/vy/vz follow the usual autopilot convention.
type Velocity struct {
	North float64 `json:"vx"`
	East  float64 `json:"vy"`
	Up    float64 `json:"vz"`
}

// GroundSpeed returns the horizontal speed in m/s.
func (v Velocity) GroundSpeed() float64 {
	return math.Hypot(v.North, v.East)
}

// Speed returns the full 3-D speed in m/s.
func (v Velocity) Speed() float64 {
	return math.Sqrt(v.North*v.North + v.East*v.East + v.Up*v.Up)
}

// HaversineM returns the great-circle ground distance between a and b
// in metres.
func HaversineM(a, b Position) float64 {
	lat1 := radians(a.Lat)
	lat2 := radians(b.Lat)
	dLat := radians(b.Lat - a.Lat)
	dLon := radians(b.Lon - a.Lon)

	s := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * earthRadiusM * math.Asin(math.Min(1, math.Sqrt(s)))
}

// EquirectM returns the equirectangular ground distance between a and b in
// metres. Cheap and plenty accurate at fleet ranges; degrades over tens of
// kilometres, which is why GroundDistanceM cuts over to haversine.
func EquirectM(a, b Position) float64 {
	x := radians(b.Lon-a.Lon) * math.Cos(radians((a.Lat+b.Lat)/2))
	y := radians(b.Lat - a.Lat)
	return math.Hypot(x, y) * earthRadiusM
}

// GroundDistanceM returns the ground distance between a and b, choosing the
// model by range: equirectangular up to the cutover, haversine beyond it.
func GroundDistanceM(a, b Position) float64 {
	d := EquirectM(a, b)
	if d <= equirectCutoverM {
		return d
	}
	return HaversineM(a, b)
}

// DistanceM returns the full 3-D separation between a and b in metres,
// combining ground distance with the altitude difference.
func DistanceM(a, b Position) float64 {
	return math.Hypot(GroundDistanceM(a, b), b.AltM-a.AltM)
}

// Offset returns p displaced by v held constant for dt seconds. Used to
// project live vehicles forward when checking a plan against traffic.
func Offset(p Position, v Velocity, dt float64) Position {
	dLat := (v.North * dt) / earthRadiusM
	dLon := 0.0
	if c := math.Cos(radians(p.Lat)); c != 0 {
		dLon = (v.East * dt) / (earthRadiusM * c)
	}
	return Position{
		Lat:  p.Lat + degrees(dLat),
		Lon:  p.Lon + degrees(dLon),
		AltM: p.AltM + v.Up*dt,
	}
}

func radians(deg float64) float64 { return deg * math.Pi / 180 }
func degrees(rad float64) float64 { return rad * 180 / math.Pi }
