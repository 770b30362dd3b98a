// Package fleet defines the uniform driver seam between the coordination
// core and whatever actually flies: the in-process simulator or a MAVLink
// link to real autopilots. The core never talks to a vehicle except through
// a Driver.
package fleet

import (
	"context"
	"errors"
	"time"

	"github.com/banshee-data/airspace.report/internal/geo"
	"github.com/banshee-data/airspace.report/internal/telemetry"
)

var (
	// ErrVehicleUnavailable marks an unknown, disconnected or stale vehicle.
	ErrVehicleUnavailable = errors.New("vehicle unavailable")

	// ErrUnsupportedCommand marks a command the driver cannot express.
	ErrUnsupportedCommand = errors.New("unsupported command")

	// ErrDriverClosed is returned after Close.
	ErrDriverClosed = errors.New("driver closed")
)

// Status is the coarse activity state shown for a vehicle.
type Status string

const (
	StatusActive Status = "active" // armed or moving
	StatusIdle   Status = "idle"   // connected, disarmed, stationary
	StatusStale  Status = "stale"  // telemetry older than the staleness cutoff
)

// VehicleState is the last known state of one vehicle.
type VehicleState struct {
	ID         string       `json:"id"`
	Pos        geo.Position `json:"position"`
	Vel        geo.Velocity `json:"velocity"`
	BatteryPct float64      `json:"battery"`
	Armed      bool         `json:"armed"`
	Mode       string       `json:"mode"`
	Status     Status       `json:"status"`
	LastSeen   time.Time    `json:"last_update"`
}

// Driver is implemented per vehicle backend. All methods are safe for
// concurrent use. Send must respect ctx cancellation and deadline; the
// caller applies the configured command timeout.
type Driver interface {
	// Vehicles lists the last known state of every vehicle.
	Vehicles(ctx context.Context) ([]VehicleState, error)

	// State returns one vehicle, or ErrVehicleUnavailable.
	State(ctx context.Context, id string) (VehicleState, error)

	// Send delivers a command to one vehicle and waits for acceptance.
	Send(ctx context.Context, id string, cmd Command) error

	// Telemetry returns the stream of position fixes for the whole fleet.
	// The channel closes when the driver closes or ctx ends.
	Telemetry(ctx context.Context) (<-chan telemetry.Sample, error)

	// Close releases the backend. Subsequent calls return ErrDriverClosed.
	Close() error
}
