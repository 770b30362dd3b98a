package deconflict

import (
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/airspace.report/internal/geo"
	"github.com/banshee-data/airspace.report/internal/telemetry"
	"github.com/banshee-data/airspace.report/internal/timeutil"
)

// Params tunes the engine. Zero fields fall back to the shipped defaults.
type Params struct {
	BufferM      float64       // minimum allowed separation B
	Resolution   time.Duration // sampling step over trajectory overlap
	Horizon      time.Duration // how far live traffic is projected forward
	AltFloorM    float64       // advisory altitude floor
	MaxCruiseMps float64       // maximum implied plan speed
	StaleAfter   time.Duration // live samples older than this are ignored
}

const (
	defaultBufferM      = 10.0
	defaultResolution   = 500 * time.Millisecond
	defaultHorizon      = 30 * time.Second
	defaultAltFloorM    = 2.0
	defaultMaxCruiseMps = 20.0
	defaultStaleAfter   = 2 * time.Second
)

// Engine evaluates plans and live traffic for separation violations.
// Conflict emission is strict: a pair whose closest approach is exactly the
// buffer is safe.
type Engine struct {
	p Params
}

// NewEngine fills unset Params with defaults.
func NewEngine(p Params) *Engine {
	if p.BufferM <= 0 {
		p.BufferM = defaultBufferM
	}
	if p.Resolution <= 0 {
		p.Resolution = defaultResolution
	}
	if p.Horizon <= 0 {
		p.Horizon = defaultHorizon
	}
	if p.AltFloorM <= 0 {
		p.AltFloorM = defaultAltFloorM
	}
	if p.MaxCruiseMps <= 0 {
		p.MaxCruiseMps = defaultMaxCruiseMps
	}
	if p.StaleAfter <= 0 {
		p.StaleAfter = defaultStaleAfter
	}
	return &Engine{p: p}
}

// BufferM exposes the configured separation buffer.
func (e *Engine) BufferM() float64 { return e.p.BufferM }

// Horizon exposes how far live traffic is projected forward.
func (e *Engine) Horizon() time.Duration { return e.p.Horizon }

// CheckPlan is the admission decision for one plan. others are the admitted
// routes whose windows may overlap (including the candidate vehicle's own,
// which trigger VEHICLE_BUSY instead of a distance sweep); live is the
// current telemetry snapshot used for the MIXED projection pass.
func (e *Engine) CheckPlan(droneID string, route geo.Route, at time.Time, others []telemetry.PlannedRoute, live []telemetry.Sample) Result {
	var res Result

	res.Errors = e.validate(droneID, route, at, others)
	res.Advisories = e.altitudeAdvisories(droneID, route)
	if len(res.Errors) > 0 {
		return res
	}

	legs := route.Legs()

	// Plan vs admitted plans.
	for _, other := range others {
		if other.DroneID == droneID {
			continue // already surfaced as VEHICLE_BUSY
		}
		overlap, ok := route.Window.Intersect(other.Route.Window)
		if !ok {
			continue
		}
		otherLegs := other.Route.Legs()
		hit := e.sweep(
			func(t time.Time) geo.Position { return positionOnLegs(legs, t) },
			func(t time.Time) geo.Position { return positionOnLegs(otherLegs, t) },
			overlap,
		)
		if hit.found {
			c := e.conflict(KindPlanned, droneID, other.DroneID, hit)
			c.Detail = suggest(hit, e.p.BufferM, route)
			res.Blocking = append(res.Blocking, c)
			diagf("plan conflict %s vs %s: min %.1fm at %s", droneID, other.DroneID, hit.minD, hit.minAt.Format(time.RFC3339))
		}
	}

	// Plan vs projected live traffic, bounded by the projection horizon.
	horizon := timeutil.NewWindow(at, at.Add(e.p.Horizon))
	overlap, ok := route.Window.Intersect(horizon)
	if !ok {
		return res
	}
	for _, s := range live {
		if s.DroneID == droneID || at.Sub(s.Time) > e.p.StaleAfter {
			continue
		}
		hit := e.sweep(
			func(t time.Time) geo.Position { return positionOnLegs(legs, t) },
			projection(s),
			overlap,
		)
		if hit.found {
			c := e.conflict(KindMixed, droneID, s.DroneID, hit)
			c.Detail = suggest(hit, e.p.BufferM, route)
			res.Blocking = append(res.Blocking, c)
			diagf("traffic conflict %s vs live %s: min %.1fm", droneID, s.DroneID, hit.minD)
		}
	}

	return res
}

// CheckLive is the monitor's scan: pairwise current separation plus each
// live vehicle projected against the admitted routes of other vehicles.
func (e *Engine) CheckLive(live []telemetry.Sample, at time.Time, routes []telemetry.PlannedRoute) []Conflict {
	var out []Conflict

	fresh := live[:0:0]
	for _, s := range live {
		if at.Sub(s.Time) <= e.p.StaleAfter {
			fresh = append(fresh, s)
		}
	}

	for i := 0; i < len(fresh); i++ {
		for j := i + 1; j < len(fresh); j++ {
			d := geo.DistanceM(fresh[i].Pos, fresh[j].Pos)
			if d < e.p.BufferM {
				hit := approach{found: true, minD: d, minAt: at, interval: timeutil.Window{Start: at, End: at}}
				out = append(out, e.conflict(KindLive, fresh[i].DroneID, fresh[j].DroneID, hit))
			}
		}
	}

	horizon := timeutil.NewWindow(at, at.Add(e.p.Horizon))
	for _, s := range fresh {
		proj := projection(s)
		for _, r := range routes {
			if r.DroneID == s.DroneID {
				continue
			}
			overlap, ok := r.Route.Window.Intersect(horizon)
			if !ok {
				continue
			}
			legs := r.Route.Legs()
			hit := e.sweep(
				proj,
				func(t time.Time) geo.Position { return positionOnLegs(legs, t) },
				overlap,
			)
			if hit.found {
				out = append(out, e.conflict(KindMixed, s.DroneID, r.DroneID, hit))
			}
		}
	}

	return out
}

func (e *Engine) validate(droneID string, route geo.Route, at time.Time, others []telemetry.PlannedRoute) []PlanError {
	var errs []PlanError

	if len(route.Waypoints) == 0 {
		errs = append(errs, PlanError{InvalidPlan, "plan needs at least one waypoint"})
	}
	for i, wp := range route.Waypoints {
		switch {
		case math.IsNaN(wp.Lat) || math.IsNaN(wp.Lon) || math.IsNaN(wp.AltM),
			math.IsInf(wp.Lat, 0) || math.IsInf(wp.Lon, 0) || math.IsInf(wp.AltM, 0):
			errs = append(errs, PlanError{InvalidPlan, planErrAt(i, "coordinate is not finite")})
		case wp.Lat < -90 || wp.Lat > 90 || wp.Lon < -180 || wp.Lon > 180:
			errs = append(errs, PlanError{InvalidPlan, planErrAt(i, "coordinate out of range")})
		case wp.AltM < 0:
			errs = append(errs, PlanError{InvalidPlan, planErrAt(i, "altitude below ground")})
		}
	}

	if !route.Window.Valid() {
		errs = append(errs, PlanError{InvalidWindow, "window end must be after start"})
	} else if !route.Window.End.After(at) {
		errs = append(errs, PlanError{InvalidWindow, "window has already ended"})
	}

	if route.Window.Valid() {
		if speed := route.SpeedMps(); speed > e.p.MaxCruiseMps {
			errs = append(errs, PlanError{InvalidSpeed,
				planErrSpeed(speed, e.p.MaxCruiseMps)})
		}
	}

	for _, other := range others {
		if other.DroneID == droneID && other.Route.Window.Overlaps(route.Window) {
			errs = append(errs, PlanError{VehicleBusy,
				"vehicle " + droneID + " already has mission " + other.MissionID + " in this window"})
		}
	}

	return errs
}

func (e *Engine) altitudeAdvisories(droneID string, route geo.Route) []Conflict {
	var out []Conflict
	for i, wp := range route.Waypoints {
		if wp.AltM >= 0 && wp.AltM < e.p.AltFloorM {
			out = append(out, Conflict{
				ID:            uuid.NewString(),
				Kind:          KindAltitude,
				DroneA:        droneID,
				Start:         route.Window.Start,
				End:           route.Window.End,
				MinDistanceM:  wp.AltM,
				MinDistanceAt: route.Window.Start,
				Severity:      SeverityWarning,
				Detail:        planErrAt(i, "below the advisory altitude floor"),
			})
		}
	}
	return out
}

// approach is the outcome of one closest-approach sweep. posA/posB are the
// two positions at the refined minimum, kept for advisory generation.
type approach struct {
	found    bool
	minD     float64
	minAt    time.Time
	interval timeutil.Window
	posA     geo.Position
	posB     geo.Position
}

type posFunc func(time.Time) geo.Position

// sweep samples the separation between two moving points across w at the
// configured resolution, then refines the minimum and the interval's
// buffer crossings by bisection down to a tenth of the step. A conflict
// needs the refined minimum strictly inside the buffer.
func (e *Engine) sweep(fa, fb posFunc, w timeutil.Window) approach {
	dist := func(t time.Time) float64 { return geo.DistanceM(fa(t), fb(t)) }

	steps := int(w.Duration()/e.p.Resolution) + 1
	minD := math.Inf(1)
	var minAt time.Time
	var firstHit, lastHit time.Time
	anyHit := false

	for i := 0; i <= steps; i++ {
		t := w.Start.Add(time.Duration(i) * e.p.Resolution)
		if t.After(w.End) {
			t = w.End
		}
		d := dist(t)
		if d < minD {
			minD = d
			minAt = t
		}
		if d < e.p.BufferM {
			if !anyHit {
				firstHit = t
				anyHit = true
			}
			lastHit = t
		}
		if t.Equal(w.End) {
			break
		}
	}

	tracef("sweep %d steps over %s: sampled min %.2fm", steps, w, minD)

	// Refine around the sampled minimum: the true minimum can dip below
	// the buffer between two safe samples.
	lo := w.Clamp(minAt.Add(-e.p.Resolution))
	hi := w.Clamp(minAt.Add(e.p.Resolution))
	refAt, refD := refineMin(dist, lo, hi, e.p.Resolution/10)
	if refD < minD {
		minD, minAt = refD, refAt
	}

	if minD >= e.p.BufferM {
		return approach{}
	}
	if !anyHit {
		firstHit, lastHit = minAt, minAt
	}

	// The raw endpoints sit on the sampling grid; pull each back to the
	// d(t)=B crossing when the adjacent sample is safe.
	eps := e.p.Resolution / 10
	if before := w.Clamp(firstHit.Add(-e.p.Resolution)); dist(before) >= e.p.BufferM {
		firstHit = refineCrossing(dist, before, firstHit, e.p.BufferM, eps)
	}
	if after := w.Clamp(lastHit.Add(e.p.Resolution)); dist(after) >= e.p.BufferM {
		lastHit = refineCrossing(dist, after, lastHit, e.p.BufferM, eps)
	}

	return approach{
		found:    true,
		minD:     minD,
		minAt:    minAt,
		interval: timeutil.Window{Start: firstHit, End: lastHit},
		posA:     fa(minAt),
		posB:     fb(minAt),
	}
}

// refineCrossing narrows the time where dist crosses buffer, bracketed by a
// safe sample on one side and an unsafe one on the other, to within eps.
// The returned time stays on the unsafe side of the crossing.
func refineCrossing(dist func(time.Time) float64, safe, unsafe time.Time, buffer float64, eps time.Duration) time.Time {
	for {
		gap := unsafe.Sub(safe)
		if gap < 0 {
			gap = -gap
		}
		if gap <= eps {
			return unsafe
		}
		mid := safe.Add(unsafe.Sub(safe) / 2)
		if dist(mid) < buffer {
			unsafe = mid
		} else {
			safe = mid
		}
	}
}

// refineMin narrows a bracketed minimum of dist to within eps by repeated
// interval bisection.
func refineMin(dist func(time.Time) float64, lo, hi time.Time, eps time.Duration) (time.Time, float64) {
	for hi.Sub(lo) > eps {
		third := hi.Sub(lo) / 3
		m1 := lo.Add(third)
		m2 := hi.Add(-third)
		if dist(m1) < dist(m2) {
			hi = m2
		} else {
			lo = m1
		}
	}
	mid := lo.Add(hi.Sub(lo) / 2)
	return mid, dist(mid)
}

func (e *Engine) conflict(kind Kind, a, b string, hit approach) Conflict {
	a, b = orderPair(a, b)
	sev := SeverityWarning
	if hit.minD <= e.p.BufferM/2 {
		sev = SeverityCritical
	}
	return Conflict{
		ID:            uuid.NewString(),
		Kind:          kind,
		DroneA:        a,
		DroneB:        b,
		Start:         hit.interval.Start,
		End:           hit.interval.End,
		MinDistanceM:  hit.minD,
		MinDistanceAt: hit.minAt,
		Severity:      sev,
	}
}

// projection returns the constant-velocity extrapolation of a live sample.
func projection(s telemetry.Sample) posFunc {
	return func(t time.Time) geo.Position {
		return geo.Offset(s.Pos, s.Vel, t.Sub(s.Time).Seconds())
	}
}

func positionOnLegs(legs []geo.Segment, t time.Time) geo.Position {
	if len(legs) == 0 {
		return geo.Position{}
	}
	if t.Before(legs[0].Window.Start) {
		return legs[0].From
	}
	for _, leg := range legs {
		if leg.Window.Contains(t) {
			return leg.PositionAt(t)
		}
	}
	return legs[len(legs)-1].To
}

func planErrAt(i int, msg string) string {
	return fmt.Sprintf("waypoint %d: %s", i, msg)
}

func planErrSpeed(got, max float64) string {
	return fmt.Sprintf("implied speed %.1f m/s exceeds max cruise %.1f m/s", got, max)
}
