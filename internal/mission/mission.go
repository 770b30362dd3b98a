// Package mission owns the mission lifecycle: conflict-checked admission,
// scheduling, dispatch to the fleet driver, and the state machine every
// mission moves through. Persistence is authoritative: no admission or
// transition is observable before it is written through.
package mission

import (
	"time"

	"github.com/banshee-data/airspace.report/internal/geo"
	"github.com/banshee-data/airspace.report/internal/timeutil"
)

// State is the mission lifecycle state.
type State string

const (
	StateScheduled State = "SCHEDULED"
	StateRunning   State = "RUNNING"
	StateCompleted State = "COMPLETED"
	StateFailed    State = "FAILED"
	StateCancelled State = "CANCELLED"
)

// Terminal reports whether no further transition is legal.
func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateCancelled:
		return true
	}
	return false
}

// CanTransition reports whether from -> to is a legal lifecycle step:
// SCHEDULED -> RUNNING -> {COMPLETED, FAILED}, SCHEDULED -> FAILED for late
// conflicts and restart reconciliation, and any non-terminal -> CANCELLED.
func CanTransition(from, to State) bool {
	switch {
	case from == StateScheduled && to == StateRunning:
		return true
	case from == StateScheduled && to == StateFailed:
		return true
	case from == StateRunning && (to == StateCompleted || to == StateFailed):
		return true
	case !from.Terminal() && to == StateCancelled:
		return true
	}
	return false
}

// Reasons recorded on terminal missions. WINDOW_EXPIRED lands on COMPLETED
// (out of time is a normal end); the rest mark failures and cancellations.
const (
	ReasonLateConflict    = "LATE_CONFLICT"
	ReasonWindowExpired   = "WINDOW_EXPIRED"
	ReasonDriverError     = "DRIVER_ERROR"
	ReasonOrphanedRestart = "ORPHANED_RESTART"
	ReasonOperatorCancel  = "OPERATOR_CANCEL"
	ReasonEmergencyStop   = "EMERGENCY_STOP"
	ReasonShutdown        = "SHUTDOWN"
)

// Plan is a validated flight request: one vehicle, a waypoint path, and the
// window it must fly inside.
type Plan struct {
	DroneID   string         `json:"drone_id"`
	Waypoints []geo.Waypoint `json:"waypoints"`
	StartTime time.Time      `json:"start_time"`
	EndTime   time.Time      `json:"end_time"`
}

// Window returns the plan's half-open flight window.
func (p Plan) Window() timeutil.Window {
	return timeutil.NewWindow(p.StartTime, p.EndTime)
}

// Route converts the plan to its interpolated geometry.
func (p Plan) Route() geo.Route {
	return geo.Route{Waypoints: p.Waypoints, Window: p.Window()}
}

// Mission is one admitted plan and its lifecycle record.
type Mission struct {
	ID string `json:"mission_id"`
	Plan
	State     State      `json:"state"`
	Reason    string     `json:"reason,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	StartedAt *time.Time `json:"started_at,omitempty"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
}
