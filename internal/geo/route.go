package geo

import (
	"time"

	"github.com/banshee-data/airspace.report/internal/timeutil"
)

// Segment is one leg of a route together with its share of the route window.
type Segment struct {
	From   Waypoint
	To     Waypoint
	Window timeutil.Window
}

// PositionAt returns the linearly interpolated position at t. Instants
// outside the segment window clamp to the nearer endpoint.
func (s Segment) PositionAt(t time.Time) Position {
	t = s.Window.Clamp(t)
	total := s.Window.Duration().Seconds()
	if total <= 0 {
		return s.From
	}
	frac := t.Sub(s.Window.Start).Seconds() / total
	return Position{
		Lat:  s.From.Lat + (s.To.Lat-s.From.Lat)*frac,
		Lon:  s.From.Lon + (s.To.Lon-s.From.Lon)*frac,
		AltM: s.From.AltM + (s.To.AltM-s.From.AltM)*frac,
	}
}

// Route is a waypoint path flown across a window. The window is split across
// legs in proportion to leg length, so the implied path speed is the same on
// every leg.
type Route struct {
	Waypoints []Waypoint
	Window    timeutil.Window
}

// PathLengthM returns the summed 3-D leg lengths of wps in metres.
func PathLengthM(wps []Waypoint) float64 {
	var total float64
	for i := 1; i < len(wps); i++ {
		total += DistanceM(wps[i-1], wps[i])
	}
	return total
}

// SpeedMps returns the constant path speed the route implies, in m/s.
// A zero-length path (hover) implies zero speed.
func (r Route) SpeedMps() float64 {
	dur := r.Window.Duration().Seconds()
	if dur <= 0 {
		return 0
	}
	return PathLengthM(r.Waypoints) / dur
}

// Legs splits the route into timed segments. A single-waypoint route (and a
// route whose waypoints are all coincident) holds position for the whole
// window. Zero-length legs between distinct duplicates get zero duration.
func (r Route) Legs() []Segment {
	if len(r.Waypoints) == 0 {
		return nil
	}
	if len(r.Waypoints) == 1 {
		wp := r.Waypoints[0]
		return []Segment{{From: wp, To: wp, Window: r.Window}}
	}

	total := PathLengthM(r.Waypoints)
	if total <= 0 {
		wp := r.Waypoints[0]
		return []Segment{{From: wp, To: wp, Window: r.Window}}
	}

	legs := make([]Segment, 0, len(r.Waypoints)-1)
	dur := r.Window.Duration()
	start := r.Window.Start
	for i := 1; i < len(r.Waypoints); i++ {
		from, to := r.Waypoints[i-1], r.Waypoints[i]
		end := start.Add(time.Duration(float64(dur) * DistanceM(from, to) / total))
		// Pin the final leg to the window end so float rounding never
		// leaves an uncovered sliver.
		if i == len(r.Waypoints)-1 {
			end = r.Window.End
		}
		legs = append(legs, Segment{From: from, To: to, Window: timeutil.Window{Start: start, End: end}})
		start = end
	}
	return legs
}

// PositionAt returns the route position at t. Instants before the window
// hold the first waypoint; instants at or after the end hold the last.
func (r Route) PositionAt(t time.Time) Position {
	legs := r.Legs()
	if len(legs) == 0 {
		return Position{}
	}
	if t.Before(r.Window.Start) {
		return legs[0].From
	}
	if !t.Before(r.Window.End) {
		return legs[len(legs)-1].To
	}
	for _, leg := range legs {
		if leg.Window.Contains(t) {
			return leg.PositionAt(t)
		}
	}
	return legs[len(legs)-1].To
}
