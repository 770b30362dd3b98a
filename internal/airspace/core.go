// Package airspace assembles the coordination service: it owns the fleet
// driver, the trajectory store, the deconfliction engine, the mission
// registry, the conflict monitor, the broadcaster and the persistence
// workers, and exposes the operation surface the HTTP/WebSocket layer
// adapts. All wiring lives here so the API layer stays a thin translator.
package airspace

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/banshee-data/airspace.report/internal/broadcast"
	"github.com/banshee-data/airspace.report/internal/config"
	"github.com/banshee-data/airspace.report/internal/db"
	"github.com/banshee-data/airspace.report/internal/deconflict"
	"github.com/banshee-data/airspace.report/internal/fleet"
	"github.com/banshee-data/airspace.report/internal/metrics"
	"github.com/banshee-data/airspace.report/internal/mission"
	"github.com/banshee-data/airspace.report/internal/monitor"
	"github.com/banshee-data/airspace.report/internal/telemetry"
	"github.com/banshee-data/airspace.report/internal/timeutil"
)

// ErrVehicleBusy refuses direct control of a vehicle that is flying a
// mission. Loiter, RTL and Land pass through so an operator can always
// interrupt.
var ErrVehicleBusy = errors.New("vehicle is flying a mission")

const (
	// Ring sizing for the in-memory store; the sim emits at 5 Hz and
	// MAVLink streams rarely exceed 10 Hz.
	storeSampleHz = 10.0

	// Persisted samples outlive the in-memory window; the retention
	// worker prunes the archive on this horizon instead.
	archiveSampleRetention = 7 * 24 * time.Hour

	// How often expired samples are swept out of the in-memory store.
	storePruneInterval = 5 * time.Minute

	shutdownGrace = 5 * time.Second
)

// Core is the assembled coordination service.
type Core struct {
	cfg    *config.Params
	clock  timeutil.Clock
	driver fleet.Driver
	db     *db.DB

	store       *telemetry.Store
	engine      *deconflict.Engine
	registry    *mission.Registry
	monitor     *monitor.Monitor
	broadcaster *broadcast.Broadcaster
	writer      *db.SampleWriter
	retention   *db.RetentionWorker

	mu      sync.Mutex
	known   map[string]bool
	ignored map[string]bool

	fatal     chan error
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	startedAt time.Time
}

// New wires the service together from its four external inputs. The
// database may be nil for ephemeral runs; persistence-backed operations
// then answer with an error and missions are not journaled.
func New(cfg *config.Params, driver fleet.Driver, database *db.DB, clock timeutil.Clock) *Core {
	c := &Core{
		cfg:     cfg,
		clock:   clock,
		driver:  driver,
		db:      database,
		known:   make(map[string]bool),
		ignored: make(map[string]bool),
		fatal:   make(chan error, 1),
	}

	c.store = telemetry.NewStore(cfg.GetTrajectoryRetention(), storeSampleHz)
	c.engine = deconflict.NewEngine(deconflict.Params{
		BufferM:      cfg.GetSafetyBufferM(),
		Resolution:   cfg.GetDeconflictResolution(),
		Horizon:      cfg.GetProjectionHorizon(),
		AltFloorM:    cfg.GetAltitudeFloorM(),
		MaxCruiseMps: cfg.GetMaxCruiseSpeedMps(),
		StaleAfter:   cfg.GetStaleness(),
	})

	c.broadcaster = broadcast.New(clock, cfg.GetTickInterval(), c.fill)

	var recorder monitor.Recorder
	if database != nil {
		recorder = database
	}
	c.monitor = monitor.New(clock, c.engine, c.store, monitor.Config{
		Interval: cfg.GetTickInterval(),
		Reminder: cfg.GetDedupReminder(),
		Clear:    cfg.GetDedupClear(),
	}, c.broadcaster.Alert, recorder)

	var persistence mission.Persistence = database
	if database == nil {
		persistence = newMemJournal()
	}
	c.registry = mission.NewRegistry(clock, c.engine, c.store, driver, persistence, mission.Config{
		CommandTimeout: cfg.GetDriverCommandTimeout(),
	}, c.onFatal)
	c.registry.SetAlertFunc(c.lateConflict)

	if database != nil {
		c.writer = db.NewSampleWriter(database, clock)
		c.retention = db.NewRetentionWorker(database, archiveSampleRetention)
	}
	return c
}

// Start launches the telemetry pump, the monitor and broadcaster loops,
// the mission dispatcher and the persistence workers. It returns once
// everything is running; the loops stop when Stop is called or ctx ends.
func (c *Core) Start(ctx context.Context) error {
	ctx, c.cancel = context.WithCancel(ctx)

	stream, err := c.driver.Telemetry(ctx)
	if err != nil {
		c.cancel()
		return fmt.Errorf("open telemetry stream: %w", err)
	}

	if c.writer != nil {
		c.writer.Start()
	}
	if c.retention != nil {
		c.retention.Start()
	}

	c.wg.Add(4)
	go func() {
		defer c.wg.Done()
		c.pump(ctx, stream)
	}()
	go func() {
		defer c.wg.Done()
		c.monitor.Run(ctx)
	}()
	go func() {
		defer c.wg.Done()
		c.broadcaster.Run(ctx)
	}()
	go func() {
		defer c.wg.Done()
		c.pruneLoop(ctx)
	}()

	if err := c.registry.Start(ctx); err != nil {
		c.cancel()
		return fmt.Errorf("start mission registry: %w", err)
	}

	c.startedAt = c.clock.Now()
	opsf("core started: buffer=%.1fm horizon=%s max_drones=%d persist=%t",
		c.cfg.GetSafetyBufferM(), c.cfg.GetProjectionHorizon(), c.cfg.GetMaxDrones(), c.db != nil)
	return nil
}

// Stop shuts the service down in dependency order: stop the loops, wind
// down missions so executors release their vehicles, then the writers so
// the final sample batch lands, and the driver last.
func (c *Core) Stop(ctx context.Context) {
	if c.cancel != nil {
		c.cancel()
	}
	c.registry.Stop(ctx, shutdownGrace)
	c.wg.Wait()
	if c.writer != nil {
		c.writer.Stop()
	}
	if c.retention != nil {
		c.retention.Stop()
	}
	if err := c.driver.Close(); err != nil && !errors.Is(err, fleet.ErrDriverClosed) {
		opsf("driver close: %v", err)
	}
	opsf("core stopped")
}

// Fatal delivers at most one unrecoverable runtime error, such as the
// persistence store going permanently away.
func (c *Core) Fatal() <-chan error {
	return c.fatal
}

func (c *Core) onFatal(err error) {
	select {
	case c.fatal <- err:
	default:
	}
}

// pump moves driver telemetry into the in-memory store and the archive
// batcher. It applies the fleet cap and the store's monotonicity rules.
func (c *Core) pump(ctx context.Context, stream <-chan telemetry.Sample) {
	for {
		select {
		case <-ctx.Done():
			return
		case s, ok := <-stream:
			if !ok {
				return
			}
			if !c.admitVehicle(s.DroneID) {
				continue
			}
			if !c.store.Append(s) {
				metrics.SamplesDropped.Inc()
				continue
			}
			metrics.SamplesIngested.Inc()
			if c.writer != nil {
				c.writer.Enqueue(s)
			}
		}
	}
}

// pruneLoop sweeps samples that age out of the trajectory retention window
// from the in-memory store. Ring overwrite handles steady-state churn; the
// sweep clears vehicles that went quiet.
func (c *Core) pruneLoop(ctx context.Context) {
	ticker := c.clock.NewTicker(storePruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			if n := c.store.Prune(c.clock.Now().Add(-c.cfg.GetTrajectoryRetention())); n > 0 {
				tracef("pruned %d expired samples", n)
			}
		}
	}
}

// admitVehicle enforces max_drones: the first sample past the cap marks
// the vehicle ignored, once, with an ops log.
func (c *Core) admitVehicle(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.known[id] {
		return true
	}
	if c.ignored[id] {
		return false
	}
	if len(c.known) >= c.cfg.GetMaxDrones() {
		c.ignored[id] = true
		metrics.VehiclesRejected.Inc()
		opsf("fleet cap %d reached, ignoring vehicle %s", c.cfg.GetMaxDrones(), id)
		return false
	}
	c.known[id] = true
	metrics.ActiveVehicles.Set(float64(len(c.known)))
	tracef("vehicle %s admitted (%d/%d)", id, len(c.known), c.cfg.GetMaxDrones())
	return true
}

func (c *Core) isIgnored(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ignored[id]
}

// fill composes the broadcaster's snapshot payload.
func (c *Core) fill(ctx context.Context) ([]fleet.VehicleState, []deconflict.Conflict) {
	vehicles, err := c.driver.Vehicles(ctx)
	if err != nil {
		tracef("snapshot vehicles: %v", err)
		vehicles = nil
	}
	return c.filterIgnored(vehicles), c.monitor.Current()
}

func (c *Core) filterIgnored(vehicles []fleet.VehicleState) []fleet.VehicleState {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.ignored) == 0 {
		return vehicles
	}
	kept := vehicles[:0]
	for _, v := range vehicles {
		if !c.ignored[v.ID] {
			kept = append(kept, v)
		}
	}
	return kept
}

// lateConflict turns a mid-flight detection from the dispatcher into an
// alert on the event channel and, when persistence is up, a journal row.
func (c *Core) lateConflict(conflict deconflict.Conflict) {
	a := monitor.Alert{Phase: monitor.PhaseNew, Conflict: conflict, At: c.clock.Now()}
	c.broadcaster.Alert(a)
	if c.db == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := c.db.RecordConflictEvent(ctx, a); err != nil {
		opsf("record late conflict %s/%s: %v", conflict.DroneA, conflict.DroneB, err)
	}
}
