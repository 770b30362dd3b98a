package fleet

import "github.com/banshee-data/airspace.report/internal/geo"

// Command is the closed set of vehicle commands. External payloads are
// validated into one of these at the edge; drivers switch on the concrete
// type and answer ErrUnsupportedCommand for anything they cannot express.
type Command interface {
	// Name is the wire/logging name of the command.
	Name() string
}

// Arm spins up the vehicle.
type Arm struct{}

// Disarm stops the motors. Drivers refuse it in the air unless forced.
type Disarm struct{ Force bool }

// Takeoff climbs to AltM above ground and holds.
type Takeoff struct{ AltM float64 }

// Land descends at the current position.
type Land struct{}

// RTL returns to the launch point and lands.
type RTL struct{}

// Loiter holds the current position and altitude.
type Loiter struct{}

// Goto flies straight to Target. SpeedMps zero means the driver default.
type Goto struct {
	Target   geo.Position
	SpeedMps float64
}

// SetMode selects an autopilot flight mode by name.
type SetMode struct{ Mode string }

func (Arm) Name() string     { return "arm" }
func (Disarm) Name() string  { return "disarm" }
func (Takeoff) Name() string { return "takeoff" }
func (Land) Name() string    { return "land" }
func (RTL) Name() string     { return "rtl" }
func (Loiter) Name() string  { return "loiter" }
func (Goto) Name() string    { return "goto" }
func (SetMode) Name() string { return "set_mode" }
