package geo

import (
	"math"
	"testing"
	"time"

	"github.com/banshee-data/airspace.report/internal/timeutil"
)

func routeWindow(seconds int) timeutil.Window {
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return timeutil.NewWindow(start, start.Add(time.Duration(seconds)*time.Second))
}

func TestRoute_Legs_ProportionalSplit(t *testing.T) {
	// Two legs: 100 m north then 300 m north. The second leg should get
	// three quarters of the window.
	w0 := origin
	w1 := Offset(w0, Velocity{North: 100}, 1)
	w2 := Offset(w1, Velocity{North: 300}, 1)
	r := Route{Waypoints: []Waypoint{w0, w1, w2}, Window: routeWindow(40)}

	legs := r.Legs()
	if len(legs) != 2 {
		t.Fatalf("got %d legs, want 2", len(legs))
	}

	first := legs[0].Window.Duration().Seconds()
	if math.Abs(first-10) > 0.05 {
		t.Errorf("first leg duration = %.3fs, want ~10s", first)
	}
	if !legs[1].Window.End.Equal(r.Window.End) {
		t.Errorf("last leg must end at the window end, got %v", legs[1].Window.End)
	}
	if !legs[0].Window.End.Equal(legs[1].Window.Start) {
		t.Error("legs must tile the window without gaps")
	}
}

func TestRoute_ImpliedSpeed(t *testing.T) {
	w0 := origin
	w1 := Offset(w0, Velocity{North: 400}, 1)
	r := Route{Waypoints: []Waypoint{w0, w1}, Window: routeWindow(40)}

	if got := r.SpeedMps(); math.Abs(got-10) > 0.01 {
		t.Errorf("SpeedMps = %.3f, want ~10", got)
	}
}

func TestRoute_PositionAt_Midpoint(t *testing.T) {
	w0 := origin
	w1 := Offset(w0, Velocity{North: 200}, 1)
	r := Route{Waypoints: []Waypoint{w0, w1}, Window: routeWindow(20)}

	mid := r.PositionAt(r.Window.Start.Add(10 * time.Second))
	if got := GroundDistanceM(w0, mid); math.Abs(got-100) > 0.5 {
		t.Errorf("midpoint is %.2f m along, want ~100", got)
	}
}

func TestRoute_PositionAt_ClampsOutsideWindow(t *testing.T) {
	w0 := origin
	w1 := Offset(w0, Velocity{North: 200}, 1)
	r := Route{Waypoints: []Waypoint{w0, w1}, Window: routeWindow(20)}

	before := r.PositionAt(r.Window.Start.Add(-time.Hour))
	if GroundDistanceM(before, w0) > 1e-6 {
		t.Error("position before the window should clamp to the first waypoint")
	}

	after := r.PositionAt(r.Window.End.Add(time.Hour))
	if GroundDistanceM(after, w1) > 1e-6 {
		t.Error("position after the window should clamp to the last waypoint")
	}
}

func TestRoute_SingleWaypoint_Hovers(t *testing.T) {
	r := Route{Waypoints: []Waypoint{origin}, Window: routeWindow(30)}

	legs := r.Legs()
	if len(legs) != 1 {
		t.Fatalf("got %d legs, want 1", len(legs))
	}
	p := r.PositionAt(r.Window.Start.Add(15 * time.Second))
	if GroundDistanceM(p, origin) > 1e-6 {
		t.Error("single-waypoint route should hold position")
	}
	if got := r.SpeedMps(); got != 0 {
		t.Errorf("hover SpeedMps = %v, want 0", got)
	}
}

func TestRoute_CoincidentWaypoints_Hold(t *testing.T) {
	r := Route{Waypoints: []Waypoint{origin, origin, origin}, Window: routeWindow(30)}

	legs := r.Legs()
	if len(legs) != 1 {
		t.Fatalf("zero-length path should collapse to one holding leg, got %d", len(legs))
	}
	p := r.PositionAt(r.Window.Start.Add(29 * time.Second))
	if GroundDistanceM(p, origin) > 1e-6 {
		t.Error("coincident-waypoint route should hold position")
	}
}

func TestSegment_ZeroDuration(t *testing.T) {
	w := timeutil.NewWindow(time.Now(), time.Now())
	s := Segment{From: origin, To: Offset(origin, Velocity{North: 10}, 1), Window: w}
	p := s.PositionAt(w.Start)
	if GroundDistanceM(p, origin) > 1e-9 {
		t.Error("zero-duration segment should sit at From")
	}
}
