// Package deconflict implements the airspace deconfliction engine: plan
// validation, plan-vs-plan and plan-vs-traffic closest-approach sweeps, and
// the live pairwise separation check the monitor runs. The engine holds no
// mutable state, so every path through it is unit-testable without
// goroutines.
package deconflict

import (
	"fmt"
	"time"
)

// Kind classifies what a conflict was detected against.
type Kind string

const (
	KindPlanned  Kind = "PLANNED"  // two admitted plans
	KindLive     Kind = "LIVE"     // two current positions
	KindMixed    Kind = "MIXED"    // a plan against projected live traffic
	KindAltitude Kind = "ALTITUDE" // advisory: waypoint below the altitude floor
)

// Severity grades a conflict by how far inside the buffer it reaches.
type Severity string

const (
	SeverityWarning  Severity = "WARNING"  // min distance in (B/2, B)
	SeverityCritical Severity = "CRITICAL" // min distance <= B/2
)

// Conflict is one detected separation violation. DroneA sorts before DroneB
// so a pair always produces the same key. ALTITUDE advisories carry only
// DroneA.
type Conflict struct {
	ID            string    `json:"id"`
	Kind          Kind      `json:"kind"`
	DroneA        string    `json:"drone_a"`
	DroneB        string    `json:"drone_b,omitempty"`
	Start         time.Time `json:"start_time"`
	End           time.Time `json:"end_time"`
	MinDistanceM  float64   `json:"min_distance_m"`
	MinDistanceAt time.Time `json:"min_distance_time"`
	Severity      Severity  `json:"severity"`
	Detail        string    `json:"detail,omitempty"`
}

// PairKey identifies the conflict for deduplication: same kind, same pair.
func (c Conflict) PairKey() string {
	return string(c.Kind) + "|" + c.DroneA + "|" + c.DroneB
}

// PlanErrorKind names a validation failure class.
type PlanErrorKind string

const (
	InvalidPlan   PlanErrorKind = "INVALID_PLAN"
	InvalidWindow PlanErrorKind = "INVALID_WINDOW"
	InvalidSpeed  PlanErrorKind = "INVALID_SPEED"
	VehicleBusy   PlanErrorKind = "VEHICLE_BUSY"
)

// PlanError is one reason a plan cannot be admitted regardless of traffic.
type PlanError struct {
	Kind PlanErrorKind `json:"kind"`
	Msg  string        `json:"message"`
}

func (e PlanError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

// Result is the engine's verdict on a plan. Admission requires OK.
// Advisories never block; they ride along for the caller to surface.
type Result struct {
	Errors     []PlanError `json:"errors,omitempty"`
	Blocking   []Conflict  `json:"conflicts,omitempty"`
	Advisories []Conflict  `json:"advisories,omitempty"`
}

// OK reports whether the plan may be admitted.
func (r Result) OK() bool {
	return len(r.Errors) == 0 && len(r.Blocking) == 0
}

func orderPair(a, b string) (string, string) {
	if b < a {
		return b, a
	}
	return a, b
}
