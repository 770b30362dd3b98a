package geo

import (
	"math"
	"testing"
)

// canberra-ish test origin, same neighbourhood the sim fleet spawns in.
var origin = Position{Lat: -35.3632621, Lon: 149.1652264, AltM: 0}

func TestGroundDistance_SmallLatOffset(t *testing.T) {
	a := Position{Lat: 0, Lon: 0}
	b := Position{Lat: 0.001, Lon: 0}

	got := GroundDistanceM(a, b)
	// 0.001 degrees of latitude is ~111.2 m on the mean-radius sphere.
	if math.Abs(got-111.19) > 0.1 {
		t.Errorf("GroundDistanceM = %.3f, want ~111.19", got)
	}
}

func TestEquirect_MatchesHaversine_ShortRange(t *testing.T) {
	a := origin
	b := Position{Lat: origin.Lat + 0.01, Lon: origin.Lon + 0.01}

	e := EquirectM(a, b)
	h := HaversineM(a, b)
	if rel := math.Abs(e-h) / h; rel > 0.001 {
		t.Errorf("equirect/haversine disagree by %.5f%% at short range (e=%.2f h=%.2f)", rel*100, e, h)
	}
}

func TestGroundDistance_CutsOverToHaversine(t *testing.T) {
	a := Position{Lat: 0, Lon: 0}
	b := Position{Lat: 1.0, Lon: 0} // ~111 km, far past the cutover

	got := GroundDistanceM(a, b)
	want := HaversineM(a, b)
	if got != want {
		t.Errorf("long-range GroundDistanceM = %.2f, want haversine %.2f", got, want)
	}
}

func TestDistanceM_AltitudeComponent(t *testing.T) {
	a := Position{Lat: 0, Lon: 0, AltM: 10}
	b := Position{Lat: 0, Lon: 0, AltM: 35}

	if got := DistanceM(a, b); math.Abs(got-25) > 1e-9 {
		t.Errorf("vertical-only DistanceM = %.3f, want 25", got)
	}

	// 3-4-5 triangle: ~30 m ground, 40 m vertical.
	c := Offset(a, Velocity{North: 30}, 1)
	c.AltM = a.AltM + 40
	if got := DistanceM(a, c); math.Abs(got-50) > 0.01 {
		t.Errorf("3-D DistanceM = %.3f, want ~50", got)
	}
}

func TestOffset_NorthEast(t *testing.T) {
	p := Offset(origin, Velocity{North: 100}, 1)
	if got := GroundDistanceM(origin, p); math.Abs(got-100) > 0.01 {
		t.Errorf("north offset ground distance = %.4f, want 100", got)
	}
	if p.Lat <= origin.Lat {
		t.Error("north offset should increase latitude")
	}

	q := Offset(origin, Velocity{East: 50}, 2)
	if got := GroundDistanceM(origin, q); math.Abs(got-100) > 0.01 {
		t.Errorf("east offset ground distance = %.4f, want 100", got)
	}

	r := Offset(origin, Velocity{Up: 2.5}, 4)
	if math.Abs(r.AltM-10) > 1e-9 {
		t.Errorf("up offset altitude = %.3f, want 10", r.AltM)
	}
}

func TestVelocity_Speeds(t *testing.T) {
	v := Velocity{North: 3, East: 4, Up: 12}
	if got := v.GroundSpeed(); math.Abs(got-5) > 1e-12 {
		t.Errorf("GroundSpeed = %v, want 5", got)
	}
	if got := v.Speed(); math.Abs(got-13) > 1e-12 {
		t.Errorf("Speed = %v, want 13", got)
	}
}
