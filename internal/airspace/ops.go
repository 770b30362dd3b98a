package airspace

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/banshee-data/airspace.report/internal/broadcast"
	"github.com/banshee-data/airspace.report/internal/db"
	"github.com/banshee-data/airspace.report/internal/deconflict"
	"github.com/banshee-data/airspace.report/internal/fleet"
	"github.com/banshee-data/airspace.report/internal/metrics"
	"github.com/banshee-data/airspace.report/internal/mission"
	"github.com/banshee-data/airspace.report/internal/telemetry"
	"github.com/banshee-data/airspace.report/internal/version"
)

// ErrNoPersistence answers history operations when the service runs
// without a database.
var ErrNoPersistence = errors.New("persistence disabled")

// Fleet returns the last known state of every admitted vehicle.
func (c *Core) Fleet(ctx context.Context) ([]fleet.VehicleState, error) {
	vehicles, err := c.driver.Vehicles(ctx)
	if err != nil {
		return nil, err
	}
	return c.filterIgnored(vehicles), nil
}

// Vehicle returns one vehicle, or fleet.ErrVehicleUnavailable.
func (c *Core) Vehicle(ctx context.Context, id string) (fleet.VehicleState, error) {
	if c.isIgnored(id) {
		return fleet.VehicleState{}, fleet.ErrVehicleUnavailable
	}
	return c.driver.State(ctx, id)
}

// Schedule runs the admission pipeline for one plan. The Result carries
// the engine's verdict whether or not the plan was admitted.
func (c *Core) Schedule(ctx context.Context, plan mission.Plan) (*mission.Mission, deconflict.Result, error) {
	if c.isIgnored(plan.DroneID) {
		return nil, deconflict.Result{}, fleet.ErrVehicleUnavailable
	}
	return c.registry.Schedule(ctx, plan)
}

// Missions lists every mission the registry knows, oldest first.
func (c *Core) Missions() []mission.Mission {
	return c.registry.List()
}

// Mission returns one mission by ID.
func (c *Core) Mission(id string) (mission.Mission, bool) {
	return c.registry.Get(id)
}

// CancelMission cancels one mission on operator request.
func (c *Core) CancelMission(ctx context.Context, id string) (*mission.Mission, error) {
	return c.registry.Cancel(ctx, id, mission.ReasonOperatorCancel)
}

// Control sends one direct command to a vehicle. Vehicles flying a
// RUNNING mission only accept Loiter, RTL and Land; everything else is
// refused with ErrVehicleBusy so the executor keeps authority.
func (c *Core) Control(ctx context.Context, id string, cmd fleet.Command) error {
	if c.isIgnored(id) {
		return fleet.ErrVehicleUnavailable
	}
	if c.vehicleRunning(id) && !interruptCommand(cmd) {
		return fmt.Errorf("%w: %s refused for %s", ErrVehicleBusy, cmd.Name(), id)
	}
	ctx, cancel := context.WithTimeout(ctx, c.cfg.GetDriverCommandTimeout())
	defer cancel()
	if err := c.driver.Send(ctx, id, cmd); err != nil {
		metrics.DriverCommandErrors.Inc()
		return err
	}
	opsf("control %s -> %s accepted", cmd.Name(), id)
	return nil
}

func (c *Core) vehicleRunning(id string) bool {
	for _, m := range c.registry.List() {
		if m.DroneID == id && m.State == mission.StateRunning {
			return true
		}
	}
	return false
}

func interruptCommand(cmd fleet.Command) bool {
	switch cmd.(type) {
	case fleet.Loiter, fleet.RTL, fleet.Land:
		return true
	}
	return false
}

// VehicleOutcome is one vehicle's result inside an emergency stop.
type VehicleOutcome struct {
	DroneID string `json:"drone_id"`
	Action  string `json:"action"`
	Error   string `json:"error,omitempty"`
}

// EmergencyReport summarizes an EmergencyStopAll sweep.
type EmergencyReport struct {
	Cancelled []mission.Mission `json:"cancelled_missions"`
	Vehicles  []VehicleOutcome  `json:"vehicles"`
}

// EmergencyStopAll sends every armed vehicle home, cancels every
// non-terminal mission, then disarms vehicles idle on the ground. The
// sweep never aborts early; per-vehicle failures land in the report.
func (c *Core) EmergencyStopAll(ctx context.Context) EmergencyReport {
	opsf("EMERGENCY STOP requested")
	var report EmergencyReport

	vehicles, err := c.driver.Vehicles(ctx)
	if err != nil {
		report.Vehicles = append(report.Vehicles, VehicleOutcome{Action: "list", Error: err.Error()})
	}
	vehicles = c.filterIgnored(vehicles)

	for _, v := range vehicles {
		if !v.Armed {
			continue
		}
		report.Vehicles = append(report.Vehicles, c.emergencySend(ctx, v.ID, fleet.RTL{}))
	}

	report.Cancelled = c.registry.CancelAll(ctx, mission.ReasonEmergencyStop)

	for _, v := range vehicles {
		if v.Armed && v.Status == fleet.StatusIdle {
			report.Vehicles = append(report.Vehicles, c.emergencySend(ctx, v.ID, fleet.Disarm{}))
		}
	}

	opsf("emergency stop: %d missions cancelled, %d vehicle actions",
		len(report.Cancelled), len(report.Vehicles))
	return report
}

func (c *Core) emergencySend(ctx context.Context, id string, cmd fleet.Command) VehicleOutcome {
	out := VehicleOutcome{DroneID: id, Action: cmd.Name()}
	sendCtx, cancel := context.WithTimeout(ctx, c.cfg.GetDriverCommandTimeout())
	defer cancel()
	if err := c.driver.Send(sendCtx, id, cmd); err != nil {
		metrics.DriverCommandErrors.Inc()
		out.Error = err.Error()
	}
	return out
}

// RecentTrajectory returns the in-memory sample buffer for one vehicle.
func (c *Core) RecentTrajectory(id string) []telemetry.Sample {
	now := c.clock.Now()
	return c.store.Slice(id, now.Add(-c.cfg.GetTrajectoryRetention()), now.Add(time.Second))
}

// HistoryTrajectory reads persisted samples over [from, to).
func (c *Core) HistoryTrajectory(ctx context.Context, id string, from, to time.Time) ([]telemetry.Sample, error) {
	if c.db == nil {
		return nil, ErrNoPersistence
	}
	return c.db.RangeTrajectory(ctx, id, from, to)
}

// HistoryConflicts reads the persisted conflict event log over [from, to).
func (c *Core) HistoryConflicts(ctx context.Context, from, to time.Time) ([]db.ConflictEvent, error) {
	if c.db == nil {
		return nil, ErrNoPersistence
	}
	return c.db.RangeConflicts(ctx, from, to)
}

// FutureRoutes lists admitted planned routes overlapping [from, to).
func (c *Core) FutureRoutes(ctx context.Context, from, to time.Time) ([]db.FutureRoute, error) {
	if c.db == nil {
		return nil, ErrNoPersistence
	}
	return c.db.FutureRoutes(ctx, from, to)
}

// Statistics aggregates the persisted window ending now.
func (c *Core) Statistics(ctx context.Context, window time.Duration) (db.Stats, error) {
	if c.db == nil {
		return db.Stats{}, ErrNoPersistence
	}
	now := c.clock.Now()
	return c.db.Stats(ctx, now.Add(-window), now)
}

// Subscribe attaches a new event-channel subscriber.
func (c *Core) Subscribe() (string, *broadcast.Subscriber) {
	return c.broadcaster.Subscribe()
}

// Unsubscribe detaches one subscriber and closes its channels.
func (c *Core) Unsubscribe(id string) {
	c.broadcaster.Unsubscribe(id)
}

// SnapshotNow composes an on-demand snapshot outside the broadcast tick.
func (c *Core) SnapshotNow(ctx context.Context) broadcast.Snapshot {
	return c.broadcaster.Snapshot(ctx)
}

// Config returns the fully resolved tuning parameters.
func (c *Core) Config() map[string]interface{} {
	return c.cfg.Effective()
}

// UpdateHz returns the snapshot cadence for the event-channel greeting.
func (c *Core) UpdateHz() float64 {
	return c.cfg.GetUpdateHz()
}

// MaxCruiseSpeedMps returns the plan speed ceiling, used by the API to
// default a missing end_time.
func (c *Core) MaxCruiseSpeedMps() float64 {
	return c.cfg.GetMaxCruiseSpeedMps()
}

// Health is the service liveness summary.
type Health struct {
	Status          string  `json:"status"`
	Version         string  `json:"version"`
	UptimeS         float64 `json:"uptime_s"`
	Vehicles        int     `json:"vehicles"`
	MissionsRunning int     `json:"missions_running"`
	ConflictsActive int     `json:"conflicts_active"`
	Subscribers     int     `json:"subscribers"`
	Persistence     bool    `json:"persistence"`
}

// Health reports liveness counts for /api/health.
func (c *Core) Health() Health {
	running := 0
	for _, m := range c.registry.List() {
		if m.State == mission.StateRunning {
			running++
		}
	}
	c.mu.Lock()
	vehicles := len(c.known)
	c.mu.Unlock()
	return Health{
		Status:          "ok",
		Version:         version.Version,
		UptimeS:         c.clock.Since(c.startedAt).Seconds(),
		Vehicles:        vehicles,
		MissionsRunning: running,
		ConflictsActive: len(c.monitor.Current()),
		Subscribers:     c.broadcaster.Sessions(),
		Persistence:     c.db != nil,
	}
}
