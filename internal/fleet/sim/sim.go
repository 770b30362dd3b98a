// Package sim is the in-process fleet backend: a deterministic kinematic
// model of N multirotors stepped on a timeutil.Clock. It is the default
// driver for development and the test double for everything above the
// fleet.Driver seam.
package sim

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/banshee-data/airspace.report/internal/fleet"
	"github.com/banshee-data/airspace.report/internal/geo"
	"github.com/banshee-data/airspace.report/internal/telemetry"
	"github.com/banshee-data/airspace.report/internal/timeutil"
)

const (
	stepInterval = 100 * time.Millisecond
	stepsPerEmit = 2 // telemetry at half the step rate

	earthRadiusM = 6371000.0
	arriveEpsM   = 0.5
)

// phase is the simulator's flight state.
type phase int

const (
	phaseDisarmed phase = iota
	phaseArmed
	phaseTakeoff
	phaseFlying
	phaseLoiter
	phaseLanding
)

func (p phase) String() string {
	switch p {
	case phaseDisarmed:
		return "disarmed"
	case phaseArmed:
		return "armed"
	case phaseTakeoff:
		return "takeoff"
	case phaseFlying:
		return "flying"
	case phaseLoiter:
		return "loiter"
	case phaseLanding:
		return "landing"
	}
	return "unknown"
}

func (p phase) airborne() bool {
	return p == phaseTakeoff || p == phaseFlying || p == phaseLoiter || p == phaseLanding
}

// Config sizes the simulated fleet. Zero values fall back to defaults.
type Config struct {
	Vehicles       int          // fleet size
	Origin         geo.Position // spawn ring centre
	SpawnRadiusM   float64      // spawn ring radius
	CruiseSpeedMps float64      // Goto default speed
	ClimbRateMps   float64      // vertical rate for takeoff and landing
	BatteryPctPerS float64      // drain per airborne second
}

func (c Config) withDefaults() Config {
	if c.Vehicles <= 0 {
		c.Vehicles = 3
	}
	if c.Origin == (geo.Position{}) {
		// The usual SITL home.
		c.Origin = geo.Position{Lat: -35.3632621, Lon: 149.1652264}
	}
	if c.SpawnRadiusM <= 0 {
		c.SpawnRadiusM = 30
	}
	if c.CruiseSpeedMps <= 0 {
		c.CruiseSpeedMps = 10
	}
	if c.ClimbRateMps <= 0 {
		c.ClimbRateMps = 2.5
	}
	if c.BatteryPctPerS <= 0 {
		c.BatteryPctPerS = 0.05
	}
	return c
}

// vehicle is one simulated airframe. All fields are guarded by Driver.mu.
type vehicle struct {
	id      string
	home    geo.Position
	pos     geo.Position
	vel     geo.Velocity
	battery float64
	phase   phase
	mode    string

	targetAltM float64      // takeoff climb target
	target     geo.Position // flying destination
	speed      float64      // flying speed
	returning  bool         // land on arrival (RTL)
}

// Driver simulates a fleet behind the fleet.Driver seam.
type Driver struct {
	clock timeutil.Clock
	cfg   Config

	mu       sync.Mutex
	order    []string
	vehicles map[string]*vehicle
	failures map[string]error // id|command -> scripted error, one shot
	subs     map[string]chan telemetry.Sample
	closed   bool

	stop chan struct{}
	done chan struct{}
}

// New spawns the fleet on a ring around the origin and starts the step loop.
func New(clock timeutil.Clock, cfg Config) *Driver {
	cfg = cfg.withDefaults()
	d := &Driver{
		clock:    clock,
		cfg:      cfg,
		vehicles: make(map[string]*vehicle, cfg.Vehicles),
		failures: make(map[string]error),
		subs:     make(map[string]chan telemetry.Sample),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	for i := 0; i < cfg.Vehicles; i++ {
		angle := 2 * math.Pi * float64(i) / float64(cfg.Vehicles)
		pos := geo.Offset(cfg.Origin, geo.Velocity{
			North: cfg.SpawnRadiusM * math.Cos(angle),
			East:  cfg.SpawnRadiusM * math.Sin(angle),
		}, 1)
		v := &vehicle{
			id:      fmt.Sprintf("drone-%d", i+1),
			home:    pos,
			pos:     pos,
			battery: 100,
			phase:   phaseDisarmed,
			mode:    "STABILIZE",
		}
		d.vehicles[v.id] = v
		d.order = append(d.order, v.id)
	}
	go d.run()
	opsf("simulator up: %d vehicles around %.7f,%.7f", cfg.Vehicles, cfg.Origin.Lat, cfg.Origin.Lon)
	return d
}

func (d *Driver) run() {
	defer close(d.done)
	ticker := d.clock.NewTicker(stepInterval)
	defer ticker.Stop()
	steps := 0
	for {
		select {
		case <-d.stop:
			return
		case <-ticker.C():
			d.step(stepInterval.Seconds())
			steps++
			if steps%stepsPerEmit == 0 {
				d.emit()
			}
		}
	}
}

// step advances every airframe by dt seconds.
func (d *Driver) step(dt float64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, id := range d.order {
		v := d.vehicles[id]
		switch v.phase {
		case phaseTakeoff:
			v.vel = geo.Velocity{Up: d.cfg.ClimbRateMps}
			v.pos.AltM += d.cfg.ClimbRateMps * dt
			if v.pos.AltM >= v.targetAltM {
				v.pos.AltM = v.targetAltM
				v.vel = geo.Velocity{}
				v.phase = phaseLoiter
				v.mode = "LOITER"
				tracef("%s reached takeoff alt %.1fm", v.id, v.targetAltM)
			}

		case phaseFlying:
			dist := geo.DistanceM(v.pos, v.target)
			if dist <= v.speed*dt+arriveEpsM {
				v.pos = v.target
				v.vel = geo.Velocity{}
				if v.returning {
					v.phase = phaseLanding
					v.mode = "LAND"
				} else {
					v.phase = phaseLoiter
					v.mode = "LOITER"
				}
				tracef("%s arrived at %.7f,%.7f", v.id, v.target.Lat, v.target.Lon)
				break
			}
			v.vel = toward(v.pos, v.target, v.speed)
			v.pos = geo.Offset(v.pos, v.vel, dt)

		case phaseLanding:
			v.vel = geo.Velocity{Up: -d.cfg.ClimbRateMps}
			v.pos.AltM -= d.cfg.ClimbRateMps * dt
			if v.pos.AltM <= 0 {
				v.pos.AltM = 0
				v.vel = geo.Velocity{}
				v.phase = phaseDisarmed
				v.mode = "STABILIZE"
				v.returning = false
				opsf("%s landed and disarmed", v.id)
			}

		default:
			v.vel = geo.Velocity{}
		}

		if v.phase.airborne() {
			v.battery = math.Max(0, v.battery-d.cfg.BatteryPctPerS*dt)
		}
	}
}

// emit pushes one sample per vehicle to every telemetry subscriber.
func (d *Driver) emit() {
	now := d.clock.Now()
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, id := range d.order {
		v := d.vehicles[id]
		smp := telemetry.Sample{DroneID: v.id, Pos: v.pos, Vel: v.vel, Time: now}
		for _, ch := range d.subs {
			select {
			case ch <- smp:
			default:
			}
		}
	}
}

// toward is the constant-speed velocity from a to b in the local frame.
func toward(a, b geo.Position, speed float64) geo.Velocity {
	north := radians(b.Lat-a.Lat) * earthRadiusM
	east := radians(b.Lon-a.Lon) * earthRadiusM * math.Cos(radians((a.Lat+b.Lat)/2))
	up := b.AltM - a.AltM
	norm := math.Sqrt(north*north + east*east + up*up)
	if norm == 0 {
		return geo.Velocity{}
	}
	scale := speed / norm
	return geo.Velocity{North: north * scale, East: east * scale, Up: up * scale}
}

func radians(deg float64) float64 { return deg * math.Pi / 180 }

// ScriptFailure makes the next cmd command for id fail with err.
func (d *Driver) ScriptFailure(id, cmd string, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failures[id+"|"+cmd] = err
}

// Vehicles implements fleet.Driver.
func (d *Driver) Vehicles(ctx context.Context) ([]fleet.VehicleState, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	now := d.clock.Now()
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, fleet.ErrDriverClosed
	}
	out := make([]fleet.VehicleState, 0, len(d.order))
	for _, id := range d.order {
		out = append(out, d.vehicles[id].state(now))
	}
	return out, nil
}

// State implements fleet.Driver.
func (d *Driver) State(ctx context.Context, id string) (fleet.VehicleState, error) {
	if err := ctx.Err(); err != nil {
		return fleet.VehicleState{}, err
	}
	now := d.clock.Now()
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return fleet.VehicleState{}, fleet.ErrDriverClosed
	}
	v, ok := d.vehicles[id]
	if !ok {
		return fleet.VehicleState{}, fmt.Errorf("%s: %w", id, fleet.ErrVehicleUnavailable)
	}
	return v.state(now), nil
}

func (v *vehicle) state(now time.Time) fleet.VehicleState {
	status := fleet.StatusIdle
	if v.phase != phaseDisarmed {
		status = fleet.StatusActive
	}
	return fleet.VehicleState{
		ID:         v.id,
		Pos:        v.pos,
		Vel:        v.vel,
		BatteryPct: v.battery,
		Armed:      v.phase != phaseDisarmed,
		Mode:       v.mode,
		Status:     status,
		LastSeen:   now,
	}
}

// Send implements fleet.Driver. The simulator accepts every command type;
// refusals are state errors (disarm in flight, takeoff while disarmed).
func (d *Driver) Send(ctx context.Context, id string, cmd fleet.Command) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return fleet.ErrDriverClosed
	}
	v, ok := d.vehicles[id]
	if !ok {
		return fmt.Errorf("%s: %w", id, fleet.ErrVehicleUnavailable)
	}
	key := id + "|" + cmd.Name()
	if err, ok := d.failures[key]; ok {
		delete(d.failures, key)
		diagf("%s: scripted failure for %s: %v", id, cmd.Name(), err)
		return err
	}

	switch c := cmd.(type) {
	case fleet.Arm:
		if v.phase == phaseDisarmed {
			v.phase = phaseArmed
			v.mode = "GUIDED"
		}

	case fleet.Disarm:
		if v.phase.airborne() && !c.Force {
			return fmt.Errorf("%s: refusing disarm in flight", id)
		}
		v.phase = phaseDisarmed
		v.mode = "STABILIZE"
		v.vel = geo.Velocity{}

	case fleet.Takeoff:
		if v.phase == phaseDisarmed {
			return fmt.Errorf("%s: takeoff while disarmed", id)
		}
		alt := c.AltM
		if alt <= 0 {
			alt = 10
		}
		v.phase = phaseTakeoff
		v.mode = "GUIDED"
		v.targetAltM = alt

	case fleet.Goto:
		if !v.phase.airborne() {
			return fmt.Errorf("%s: goto while on the ground", id)
		}
		speed := c.SpeedMps
		if speed <= 0 {
			speed = d.cfg.CruiseSpeedMps
		}
		v.phase = phaseFlying
		v.mode = "GUIDED"
		v.target = c.Target
		v.speed = speed
		v.returning = false

	case fleet.Land:
		if !v.phase.airborne() {
			return fmt.Errorf("%s: land while on the ground", id)
		}
		v.phase = phaseLanding
		v.mode = "LAND"

	case fleet.RTL:
		if !v.phase.airborne() {
			return fmt.Errorf("%s: rtl while on the ground", id)
		}
		v.phase = phaseFlying
		v.mode = "RTL"
		v.target = geo.Position{Lat: v.home.Lat, Lon: v.home.Lon, AltM: v.pos.AltM}
		v.speed = d.cfg.CruiseSpeedMps
		v.returning = true

	case fleet.Loiter:
		if !v.phase.airborne() {
			return fmt.Errorf("%s: loiter while on the ground", id)
		}
		v.phase = phaseLoiter
		v.mode = "LOITER"
		v.vel = geo.Velocity{}

	case fleet.SetMode:
		return d.setModeLocked(v, c.Mode)

	default:
		return fmt.Errorf("%s: %T: %w", id, cmd, fleet.ErrUnsupportedCommand)
	}

	tracef("%s: %s accepted (phase %s)", id, cmd.Name(), v.phase)
	return nil
}

func (d *Driver) setModeLocked(v *vehicle, mode string) error {
	switch mode {
	case "LOITER":
		if v.phase.airborne() {
			v.phase = phaseLoiter
			v.vel = geo.Velocity{}
		}
	case "RTL":
		if v.phase.airborne() {
			v.phase = phaseFlying
			v.target = geo.Position{Lat: v.home.Lat, Lon: v.home.Lon, AltM: v.pos.AltM}
			v.speed = d.cfg.CruiseSpeedMps
			v.returning = true
		}
	case "LAND":
		if v.phase.airborne() {
			v.phase = phaseLanding
		}
	case "STABILIZE", "ALT_HOLD", "AUTO", "GUIDED":
		// Attitude modes change nothing kinematic here.
	default:
		return fmt.Errorf("mode %q: %w", mode, fleet.ErrUnsupportedCommand)
	}
	v.mode = mode
	return nil
}

// Telemetry implements fleet.Driver. The channel drops samples rather than
// block a slow reader and closes when ctx ends or the driver closes.
func (d *Driver) Telemetry(ctx context.Context) (<-chan telemetry.Sample, error) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil, fleet.ErrDriverClosed
	}
	id := fmt.Sprintf("sub-%d", len(d.subs)+1)
	ch := make(chan telemetry.Sample, 64)
	d.subs[id] = ch
	d.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
		case <-d.done:
		}
		d.mu.Lock()
		if _, ok := d.subs[id]; ok {
			delete(d.subs, id)
			close(ch)
		}
		d.mu.Unlock()
	}()
	return ch, nil
}

// Close implements fleet.Driver.
func (d *Driver) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return fleet.ErrDriverClosed
	}
	d.closed = true
	d.mu.Unlock()
	close(d.stop)
	<-d.done
	return nil
}
