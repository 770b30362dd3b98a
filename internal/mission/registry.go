package mission

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/airspace.report/internal/deconflict"
	"github.com/banshee-data/airspace.report/internal/fleet"
	"github.com/banshee-data/airspace.report/internal/metrics"
	"github.com/banshee-data/airspace.report/internal/monitoring"
	"github.com/banshee-data/airspace.report/internal/telemetry"
	"github.com/banshee-data/airspace.report/internal/timeutil"
)

var (
	// ErrMissionNotFound is returned for unknown mission IDs.
	ErrMissionNotFound = errors.New("mission not found")

	// ErrMissionTerminal rejects operations on finished missions.
	ErrMissionTerminal = errors.New("mission already terminal")
)

// Config tunes the registry and its executors.
type Config struct {
	CommandTimeout time.Duration // per vehicle command
	ArrivalRadiusM float64       // 3-D distance that counts as waypoint arrival
	PollInterval   time.Duration // executor progress poll cadence
}

func (c Config) withDefaults() Config {
	if c.CommandTimeout <= 0 {
		c.CommandTimeout = 15 * time.Second
	}
	if c.ArrivalRadiusM <= 0 {
		c.ArrivalRadiusM = 2.0
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 500 * time.Millisecond
	}
	return c
}

// Registry is the single authority over mission state. One mutex serializes
// the whole admission pipeline (validate, deconflict, persist, index) so two
// racing requests can never both clear the check.
type Registry struct {
	clock  timeutil.Clock
	engine *deconflict.Engine
	store  *telemetry.Store
	driver fleet.Driver
	db     Persistence
	cfg    Config

	mu       sync.Mutex
	missions map[string]*Mission
	execs    map[string]context.CancelFunc

	wake    chan struct{}
	runCtx  context.Context
	wg      sync.WaitGroup
	onFatal func(error)
	onAlert func(deconflict.Conflict)
}

// NewRegistry wires the registry. onFatal is invoked (once per incident, on
// its own goroutine) when persistence fails permanently on a path that must
// not proceed without it; the daemon wires it to an orderly crash.
func NewRegistry(clock timeutil.Clock, engine *deconflict.Engine, store *telemetry.Store, driver fleet.Driver, db Persistence, cfg Config, onFatal func(error)) *Registry {
	if onFatal == nil {
		onFatal = func(err error) {
			monitoring.Logf("mission: FATAL persistence failure (no handler wired): %v", err)
		}
	}
	return &Registry{
		clock:    clock,
		engine:   engine,
		store:    store,
		driver:   driver,
		db:       db,
		cfg:      cfg.withDefaults(),
		missions: make(map[string]*Mission),
		execs:    make(map[string]context.CancelFunc),
		wake:     make(chan struct{}, 1),
		onFatal:  onFatal,
	}
}

// Start reconciles against persisted state and launches the dispatcher.
// ctx bounds every goroutine the registry spawns.
func (r *Registry) Start(ctx context.Context) error {
	r.runCtx = ctx
	if err := r.reconcile(ctx); err != nil {
		return fmt.Errorf("mission reconciliation: %w", err)
	}
	r.wg.Add(1)
	go r.dispatchLoop(ctx)
	return nil
}

// Schedule is the admission pipeline. A non-OK result (validation errors or
// blocking conflicts) is a rejection, not an error; err is reserved for
// infrastructure failures.
func (r *Registry) Schedule(ctx context.Context, plan Plan) (*Mission, deconflict.Result, error) {
	if _, err := r.driver.State(ctx, plan.DroneID); err != nil {
		return nil, deconflict.Result{}, fmt.Errorf("vehicle %s: %w", plan.DroneID, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clock.Now()
	route := plan.Route()
	others := r.store.RoutesOverlapping(route.Window)
	live := r.store.LatestAll()

	res := r.engine.CheckPlan(plan.DroneID, route, now, others, live)
	if !res.OK() {
		if len(res.Errors) > 0 {
			metrics.Admissions.WithLabelValues(metrics.VerdictRejectedInvalid).Inc()
		} else {
			metrics.Admissions.WithLabelValues(metrics.VerdictRejectedTraffic).Inc()
		}
		for _, c := range res.Blocking {
			metrics.ConflictsDetected.WithLabelValues(string(c.Kind)).Inc()
		}
		return nil, res, nil
	}

	m := &Mission{
		ID:        uuid.NewString(),
		Plan:      plan,
		State:     StateScheduled,
		CreatedAt: now,
	}
	if err := withRetry(ctx, "put_mission", func(c context.Context) error {
		return r.db.PutMission(c, *m)
	}); err != nil {
		metrics.Admissions.WithLabelValues(metrics.VerdictFailedPersist).Inc()
		return nil, res, fmt.Errorf("admission not stored: %w", err)
	}

	r.missions[m.ID] = m
	r.store.PutRoute(telemetry.PlannedRoute{MissionID: m.ID, DroneID: plan.DroneID, Route: route})
	metrics.Admissions.WithLabelValues(metrics.VerdictAccepted).Inc()
	monitoring.Logf("mission %s admitted for %s: %d waypoints, window %s",
		m.ID, plan.DroneID, len(plan.Waypoints), route.Window)

	r.wakeDispatcher()
	out := *m
	return &out, res, nil
}

// Cancel moves a non-terminal mission to CANCELLED and stops its executor.
func (r *Registry) Cancel(ctx context.Context, id, reason string) (*Mission, error) {
	if reason == "" {
		reason = ReasonOperatorCancel
	}

	r.mu.Lock()
	m, ok := r.missions[id]
	if !ok {
		r.mu.Unlock()
		return nil, ErrMissionNotFound
	}
	if m.State.Terminal() {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: %s is %s", ErrMissionTerminal, id, m.State)
	}
	cancelExec := r.execs[id]
	wasRunning := m.State == StateRunning
	r.transitionLocked(ctx, m, StateCancelled, reason)
	out := *m
	r.mu.Unlock()

	if cancelExec != nil {
		cancelExec()
	}
	if wasRunning {
		r.holdVehicle(out.DroneID)
	}
	return &out, nil
}

// CancelAll cancels every non-terminal mission. Used by emergency stop and
// shutdown; individual persistence failures are logged, not fatal to the
// sweep.
func (r *Registry) CancelAll(ctx context.Context, reason string) []Mission {
	r.mu.Lock()
	var cancelled []Mission
	var cancels []context.CancelFunc
	var flying []string
	for _, m := range r.missions {
		if m.State.Terminal() {
			continue
		}
		if m.State == StateRunning {
			flying = append(flying, m.DroneID)
		}
		if c := r.execs[m.ID]; c != nil {
			cancels = append(cancels, c)
		}
		r.transitionLocked(ctx, m, StateCancelled, reason)
		cancelled = append(cancelled, *m)
	}
	r.mu.Unlock()

	for _, c := range cancels {
		c()
	}
	for _, droneID := range flying {
		r.holdVehicle(droneID)
	}
	sort.Slice(cancelled, func(i, j int) bool { return cancelled[i].ID < cancelled[j].ID })
	return cancelled
}

// Get returns a copy of one mission.
func (r *Registry) Get(id string) (Mission, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.missions[id]
	if !ok {
		return Mission{}, false
	}
	return *m, true
}

// List returns copies of all missions, oldest first.
func (r *Registry) List() []Mission {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Mission, 0, len(r.missions))
	for _, m := range r.missions {
		out = append(out, *m)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Stop cancels every mission for shutdown and waits for executors, bounded
// by the given grace period.
func (r *Registry) Stop(ctx context.Context, grace time.Duration) {
	r.CancelAll(ctx, ReasonShutdown)

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(grace):
		monitoring.Logf("mission: executors still winding down after %s grace", grace)
	}
}

// transitionLocked applies a state change under r.mu: validates legality,
// stamps times, writes through, and maintains the route index. Permanent
// persistence failures trip the fatal handler; in-memory state still moves
// so the process shuts down coherent.
func (r *Registry) transitionLocked(ctx context.Context, m *Mission, to State, reason string) bool {
	if !CanTransition(m.State, to) {
		monitoring.Logf("mission %s: illegal transition %s -> %s ignored", m.ID, m.State, to)
		return false
	}

	now := r.clock.Now()
	m.State = to
	m.Reason = reason
	switch to {
	case StateRunning:
		t := now
		m.StartedAt = &t
	case StateCompleted, StateFailed, StateCancelled:
		t := now
		m.EndedAt = &t
		r.store.DropRoute(m.ID)
		delete(r.execs, m.ID)
	}

	metrics.MissionTransitions.WithLabelValues(string(to)).Inc()
	if to == StateRunning {
		metrics.RunningMissions.Inc()
	} else if m.StartedAt != nil && to.Terminal() {
		metrics.RunningMissions.Dec()
	}
	monitoring.Logf("mission %s -> %s%s", m.ID, to, reasonSuffix(reason))

	if err := withRetry(ctx, "update_mission", func(c context.Context) error {
		return r.db.UpdateMission(c, *m)
	}); err != nil {
		err = fmt.Errorf("mission %s state %s not stored: %w", m.ID, to, err)
		go r.onFatal(err)
	}
	return true
}

// reconcile replays persisted missions after a restart. Future SCHEDULED
// missions are re-armed; missions already started (or RUNNING when the
// process died) fail as orphans since no executor survived.
func (r *Registry) reconcile(ctx context.Context) error {
	persisted, err := r.db.ActiveMissions(ctx)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clock.Now()
	adopted, orphaned := 0, 0
	for i := range persisted {
		m := persisted[i]
		switch {
		case m.State == StateScheduled && m.StartTime.After(now):
			cp := m
			r.missions[cp.ID] = &cp
			r.store.PutRoute(telemetry.PlannedRoute{MissionID: cp.ID, DroneID: cp.DroneID, Route: cp.Route()})
			adopted++
		default:
			cp := m
			r.missions[cp.ID] = &cp
			r.transitionLocked(ctx, &cp, StateFailed, ReasonOrphanedRestart)
			orphaned++
		}
	}
	if adopted+orphaned > 0 {
		monitoring.Logf("mission: reconciled %d persisted missions (%d re-armed, %d orphaned)", adopted+orphaned, adopted, orphaned)
	}
	r.wakeDispatcher()
	return nil
}

func (r *Registry) wakeDispatcher() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

func reasonSuffix(reason string) string {
	if reason == "" {
		return ""
	}
	return " (" + reason + ")"
}
