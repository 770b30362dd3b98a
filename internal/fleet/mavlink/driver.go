// Package mavlink is the real-vehicle fleet backend: one gomavlib node
// speaking the common dialect to ArduCopter autopilots over UDP, TCP or
// serial endpoints. Vehicles are discovered from their heartbeats; commands
// are COMMAND_LONG round-trips matched on COMMAND_ACK.
package mavlink

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/bluenviron/gomavlib/v3"
	"github.com/bluenviron/gomavlib/v3/pkg/dialects/common"

	"github.com/banshee-data/airspace.report/internal/fleet"
	"github.com/banshee-data/airspace.report/internal/geo"
	"github.com/banshee-data/airspace.report/internal/telemetry"
	"github.com/banshee-data/airspace.report/internal/timeutil"
)

const (
	// heartbeatStale marks a vehicle unavailable after this long without
	// a heartbeat.
	heartbeatStale = 3 * time.Second

	// defaultAckTimeout bounds an ack wait when the caller's context
	// carries no deadline.
	defaultAckTimeout = 5 * time.Second

	// forceDisarmMagic is ArduPilot's param2 override for disarming a
	// vehicle that believes it is flying.
	forceDisarmMagic = 21196
)

// ArduCopter custom_mode numbers for the modes the coordinator uses.
var modeNames = map[uint32]string{
	0: "STABILIZE",
	2: "ALT_HOLD",
	3: "AUTO",
	4: "GUIDED",
	5: "LOITER",
	6: "RTL",
	9: "LAND",
}

var modeNumbers = func() map[string]uint32 {
	m := make(map[string]uint32, len(modeNames))
	for n, name := range modeNames {
		m[name] = n
	}
	return m
}()

// Config wires the driver to its autopilot links.
type Config struct {
	// Endpoints are link strings: udp://:14550 (listen), udp://host:port
	// (dial), tcp://host:port, serial:///dev/ttyACM0:57600.
	Endpoints []string
}

// parseEndpoint turns a link string into a gomavlib endpoint conf.
func parseEndpoint(s string) (gomavlib.EndpointConf, error) {
	switch {
	case strings.HasPrefix(s, "udp://"):
		addr := strings.TrimPrefix(s, "udp://")
		if strings.HasPrefix(addr, ":") {
			return gomavlib.EndpointUDPServer{Address: addr}, nil
		}
		return gomavlib.EndpointUDPClient{Address: addr}, nil
	case strings.HasPrefix(s, "tcp://"):
		addr := strings.TrimPrefix(s, "tcp://")
		if strings.HasPrefix(addr, ":") {
			return gomavlib.EndpointTCPServer{Address: addr}, nil
		}
		return gomavlib.EndpointTCPClient{Address: addr}, nil
	case strings.HasPrefix(s, "serial://"):
		rest := strings.TrimPrefix(s, "serial://")
		device, baud := rest, 57600
		if i := strings.LastIndex(rest, ":"); i > 0 {
			n, err := strconv.Atoi(rest[i+1:])
			if err != nil {
				return nil, fmt.Errorf("endpoint %q: bad baud rate: %w", s, err)
			}
			device, baud = rest[:i], n
		}
		return gomavlib.EndpointSerial{Device: device, Baud: baud}, nil
	}
	return nil, fmt.Errorf("endpoint %q: unknown scheme", s)
}

// remote is the tracked state of one discovered autopilot.
type remote struct {
	sysID    uint8
	pos      geo.Position
	vel      geo.Velocity
	battery  float64
	armed    bool
	mode     string
	lastSeen time.Time // heartbeat or position
}

type ackKey struct {
	sysID uint8
	cmd   common.MAV_CMD
}

// Driver speaks MAVLink behind the fleet.Driver seam.
type Driver struct {
	node  *gomavlib.Node
	clock timeutil.Clock

	mu      sync.Mutex
	remotes map[uint8]*remote
	acks    map[ackKey]chan common.MAV_RESULT
	subs    map[int]chan telemetry.Sample
	nextSub int
	closed  bool

	stop chan struct{}
	done chan struct{}
}

// New dials the configured endpoints and starts the event loop. The node
// identifies itself as a ground station (system 255).
func New(clock timeutil.Clock, cfg Config) (*Driver, error) {
	if len(cfg.Endpoints) == 0 {
		return nil, fmt.Errorf("mavlink: no endpoints configured")
	}
	endpoints := make([]gomavlib.EndpointConf, 0, len(cfg.Endpoints))
	for _, s := range cfg.Endpoints {
		ep, err := parseEndpoint(s)
		if err != nil {
			return nil, err
		}
		endpoints = append(endpoints, ep)
	}

	node, err := gomavlib.NewNode(gomavlib.NodeConf{
		Endpoints:   endpoints,
		Dialect:     common.Dialect,
		OutVersion:  gomavlib.V2,
		OutSystemID: 255,
	})
	if err != nil {
		return nil, fmt.Errorf("mavlink: node: %w", err)
	}

	d := &Driver{
		node:    node,
		clock:   clock,
		remotes: make(map[uint8]*remote),
		acks:    make(map[ackKey]chan common.MAV_RESULT),
		subs:    make(map[int]chan telemetry.Sample),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	go d.eventLoop()
	go d.gcsHeartbeat()
	opsf("node up on %s", strings.Join(cfg.Endpoints, ", "))
	return d, nil
}

// droneID is the stable name a system ID maps to.
func droneID(sysID uint8) string {
	return fmt.Sprintf("mav-%d", sysID)
}

func sysIDFrom(id string) (uint8, bool) {
	rest, ok := strings.CutPrefix(id, "mav-")
	if !ok {
		return 0, false
	}
	n, err := strconv.Atoi(rest)
	if err != nil || n < 1 || n > 255 {
		return 0, false
	}
	return uint8(n), true
}

func (d *Driver) eventLoop() {
	defer close(d.done)
	for evt := range d.node.Events() {
		frm, ok := evt.(*gomavlib.EventFrame)
		if !ok {
			continue
		}
		switch msg := frm.Message().(type) {
		case *common.MessageHeartbeat:
			d.handleHeartbeat(frm.SystemID(), msg)
		case *common.MessageGlobalPositionInt:
			d.handlePosition(frm.SystemID(), msg)
		case *common.MessageSysStatus:
			d.handleSysStatus(frm.SystemID(), msg)
		case *common.MessageCommandAck:
			d.handleAck(frm.SystemID(), msg)
		case *common.MessageStatustext:
			diagf("%s statustext [%d]: %s", droneID(frm.SystemID()), msg.Severity, msg.Text)
		}
	}
}

// gcsHeartbeat announces the coordinator as a GCS once a second; ArduPilot
// uses it for its link-loss failsafe.
func (d *Driver) gcsHeartbeat() {
	ticker := d.clock.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-d.stop:
			return
		case <-ticker.C():
			d.node.WriteMessageAll(&common.MessageHeartbeat{
				Type:           common.MAV_TYPE_GCS,
				Autopilot:      common.MAV_AUTOPILOT_INVALID,
				SystemStatus:   common.MAV_STATE_ACTIVE,
				MavlinkVersion: 3,
			})
		}
	}
}

func (d *Driver) handleHeartbeat(sysID uint8, msg *common.MessageHeartbeat) {
	// Ignore other ground stations and ourselves.
	if msg.Type == common.MAV_TYPE_GCS || sysID == 255 {
		return
	}
	now := d.clock.Now()
	d.mu.Lock()
	defer d.mu.Unlock()
	r, ok := d.remotes[sysID]
	if !ok {
		r = &remote{sysID: sysID, mode: "UNKNOWN"}
		d.remotes[sysID] = r
		opsf("discovered %s", droneID(sysID))
	}
	r.lastSeen = now
	r.armed = msg.BaseMode&common.MAV_MODE_FLAG_SAFETY_ARMED != 0
	if name, ok := modeNames[msg.CustomMode]; ok {
		r.mode = name
	}
}

func (d *Driver) handlePosition(sysID uint8, msg *common.MessageGlobalPositionInt) {
	now := d.clock.Now()
	smp := telemetry.Sample{
		DroneID: droneID(sysID),
		Pos: geo.Position{
			Lat:  float64(msg.Lat) / 1e7,
			Lon:  float64(msg.Lon) / 1e7,
			AltM: float64(msg.RelativeAlt) / 1000,
		},
		Vel: geo.Velocity{
			North: float64(msg.Vx) / 100,
			East:  float64(msg.Vy) / 100,
			Up:    -float64(msg.Vz) / 100, // wire is positive-down
		},
		Time: now,
	}

	d.mu.Lock()
	if r, ok := d.remotes[sysID]; ok {
		r.pos = smp.Pos
		r.vel = smp.Vel
		r.lastSeen = now
	}
	for _, ch := range d.subs {
		select {
		case ch <- smp:
		default:
		}
	}
	d.mu.Unlock()
	tracef("%s at %.7f,%.7f alt %.1fm", smp.DroneID, smp.Pos.Lat, smp.Pos.Lon, smp.Pos.AltM)
}

func (d *Driver) handleSysStatus(sysID uint8, msg *common.MessageSysStatus) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if r, ok := d.remotes[sysID]; ok && msg.BatteryRemaining >= 0 {
		r.battery = float64(msg.BatteryRemaining)
	}
}

func (d *Driver) handleAck(sysID uint8, msg *common.MessageCommandAck) {
	d.mu.Lock()
	ch, ok := d.acks[ackKey{sysID, msg.Command}]
	d.mu.Unlock()
	if ok {
		select {
		case ch <- msg.Result:
		default:
		}
	}
}

func (r *remote) state(now time.Time) fleet.VehicleState {
	status := fleet.StatusIdle
	switch {
	case now.Sub(r.lastSeen) > heartbeatStale:
		status = fleet.StatusStale
	case r.armed || r.vel.Speed() > 0.5:
		status = fleet.StatusActive
	}
	return fleet.VehicleState{
		ID:         droneID(r.sysID),
		Pos:        r.pos,
		Vel:        r.vel,
		BatteryPct: r.battery,
		Armed:      r.armed,
		Mode:       r.mode,
		Status:     status,
		LastSeen:   r.lastSeen,
	}
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
	out := make([]fleet.VehicleState, 0, len(d.remotes))
	for _, r := range d.remotes {
		out = append(out, r.state(now))
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
	sysID, ok := sysIDFrom(id)
	if !ok {
		return fleet.VehicleState{}, fmt.Errorf("%s: %w", id, fleet.ErrVehicleUnavailable)
	}
	r, ok := d.remotes[sysID]
	if !ok {
		return fleet.VehicleState{}, fmt.Errorf("%s: %w", id, fleet.ErrVehicleUnavailable)
	}
	return r.state(now), nil
}

// lookup resolves id to a live system ID.
func (d *Driver) lookup(id string) (uint8, error) {
	sysID, ok := sysIDFrom(id)
	if !ok {
		return 0, fmt.Errorf("%s: %w", id, fleet.ErrVehicleUnavailable)
	}
	now := d.clock.Now()
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return 0, fleet.ErrDriverClosed
	}
	r, ok := d.remotes[sysID]
	if !ok {
		return 0, fmt.Errorf("%s: %w", id, fleet.ErrVehicleUnavailable)
	}
	if now.Sub(r.lastSeen) > heartbeatStale {
		return 0, fmt.Errorf("%s: link stale: %w", id, fleet.ErrVehicleUnavailable)
	}
	return sysID, nil
}

// Send implements fleet.Driver. Commands that map to COMMAND_LONG wait for
// the matching COMMAND_ACK; Goto is a setpoint and returns on write.
func (d *Driver) Send(ctx context.Context, id string, cmd fleet.Command) error {
	sysID, err := d.lookup(id)
	if err != nil {
		return err
	}

	switch c := cmd.(type) {
	case fleet.Arm:
		return d.commandLong(ctx, sysID, common.MAV_CMD_COMPONENT_ARM_DISARM, [7]float32{1})

	case fleet.Disarm:
		params := [7]float32{0}
		if c.Force {
			params[1] = forceDisarmMagic
		}
		return d.commandLong(ctx, sysID, common.MAV_CMD_COMPONENT_ARM_DISARM, params)

	case fleet.Takeoff:
		if err := d.setMode(ctx, sysID, "GUIDED"); err != nil {
			return err
		}
		return d.commandLong(ctx, sysID, common.MAV_CMD_NAV_TAKEOFF, [7]float32{6: float32(c.AltM)})

	case fleet.Land:
		return d.commandLong(ctx, sysID, common.MAV_CMD_NAV_LAND, [7]float32{})

	case fleet.RTL:
		return d.commandLong(ctx, sysID, common.MAV_CMD_NAV_RETURN_TO_LAUNCH, [7]float32{})

	case fleet.Loiter:
		return d.setMode(ctx, sysID, "LOITER")

	case fleet.SetMode:
		return d.setMode(ctx, sysID, c.Mode)

	case fleet.Goto:
		return d.sendSetpoint(sysID, c.Target)

	default:
		return fmt.Errorf("%s: %T: %w", id, cmd, fleet.ErrUnsupportedCommand)
	}
}

func (d *Driver) setMode(ctx context.Context, sysID uint8, mode string) error {
	n, ok := modeNumbers[mode]
	if !ok {
		return fmt.Errorf("mode %q: %w", mode, fleet.ErrUnsupportedCommand)
	}
	return d.commandLong(ctx, sysID, common.MAV_CMD_DO_SET_MODE, [7]float32{
		float32(common.MAV_MODE_FLAG_CUSTOM_MODE_ENABLED),
		float32(n),
	})
}

// commandLong writes the command and waits for its ack.
func (d *Driver) commandLong(ctx context.Context, sysID uint8, cmd common.MAV_CMD, params [7]float32) error {
	key := ackKey{sysID, cmd}
	ch := make(chan common.MAV_RESULT, 1)

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return fleet.ErrDriverClosed
	}
	if _, busy := d.acks[key]; busy {
		d.mu.Unlock()
		return fmt.Errorf("%s: command %d already in flight", droneID(sysID), cmd)
	}
	d.acks[key] = ch
	d.mu.Unlock()

	defer func() {
		d.mu.Lock()
		delete(d.acks, key)
		d.mu.Unlock()
	}()

	err := d.node.WriteMessageAll(&common.MessageCommandLong{
		TargetSystem:    sysID,
		TargetComponent: 1,
		Command:         cmd,
		Param1:          params[0],
		Param2:          params[1],
		Param3:          params[2],
		Param4:          params[3],
		Param5:          params[4],
		Param6:          params[5],
		Param7:          params[6],
	})
	if err != nil {
		return fmt.Errorf("%s: write command %d: %w", droneID(sysID), cmd, err)
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, defaultAckTimeout)
		defer cancel()
	}

	select {
	case <-ctx.Done():
		return fmt.Errorf("%s: command %d: %w", droneID(sysID), cmd, ctx.Err())
	case result := <-ch:
		if result != common.MAV_RESULT_ACCEPTED && result != common.MAV_RESULT_IN_PROGRESS {
			return fmt.Errorf("%s: command %d rejected: %v", droneID(sysID), cmd, result)
		}
	}
	tracef("%s: command %d accepted", droneID(sysID), cmd)
	return nil
}

// sendSetpoint streams a position-only target in the relative-altitude frame.
func (d *Driver) sendSetpoint(sysID uint8, target geo.Position) error {
	typeMask := common.POSITION_TARGET_TYPEMASK_VX_IGNORE |
		common.POSITION_TARGET_TYPEMASK_VY_IGNORE |
		common.POSITION_TARGET_TYPEMASK_VZ_IGNORE |
		common.POSITION_TARGET_TYPEMASK_AX_IGNORE |
		common.POSITION_TARGET_TYPEMASK_AY_IGNORE |
		common.POSITION_TARGET_TYPEMASK_AZ_IGNORE |
		common.POSITION_TARGET_TYPEMASK_YAW_IGNORE |
		common.POSITION_TARGET_TYPEMASK_YAW_RATE_IGNORE

	err := d.node.WriteMessageAll(&common.MessageSetPositionTargetGlobalInt{
		TargetSystem:    sysID,
		TargetComponent: 1,
		TimeBootMs:      uint32(d.clock.Now().UnixMilli()),
		CoordinateFrame: common.MAV_FRAME_GLOBAL_RELATIVE_ALT_INT,
		TypeMask:        typeMask,
		LatInt:          int32(target.Lat * 1e7),
		LonInt:          int32(target.Lon * 1e7),
		Alt:             float32(target.AltM),
	})
	if err != nil {
		return fmt.Errorf("%s: setpoint: %w", droneID(sysID), err)
	}
	return nil
}

// Telemetry implements fleet.Driver.
func (d *Driver) Telemetry(ctx context.Context) (<-chan telemetry.Sample, error) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil, fleet.ErrDriverClosed
	}
	id := d.nextSub
	d.nextSub++
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
	d.node.Close()
	<-d.done
	return nil
}
