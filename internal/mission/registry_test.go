package mission

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/banshee-data/airspace.report/internal/deconflict"
	"github.com/banshee-data/airspace.report/internal/fleet"
	"github.com/banshee-data/airspace.report/internal/geo"
	"github.com/banshee-data/airspace.report/internal/telemetry"
	"github.com/banshee-data/airspace.report/internal/timeutil"
)

var (
	t0     = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	origin = geo.Position{Lat: -35.3632621, Lon: 149.1652264, AltM: 20}
)

// fakeDB is an in-memory Persistence with scriptable failures.
type fakeDB struct {
	mu       sync.Mutex
	missions map[string]Mission
	putErrs  []error // consumed one per PutMission call
}

type transientErr struct{ error }

func (transientErr) Transient() bool { return true }

func newFakeDB() *fakeDB {
	return &fakeDB{missions: make(map[string]Mission)}
}

func (f *fakeDB) PutMission(_ context.Context, m Mission) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.putErrs) > 0 {
		err := f.putErrs[0]
		f.putErrs = f.putErrs[1:]
		if err != nil {
			return err
		}
	}
	f.missions[m.ID] = m
	return nil
}

func (f *fakeDB) UpdateMission(_ context.Context, m Mission) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.missions[m.ID] = m
	return nil
}

func (f *fakeDB) ActiveMissions(context.Context) ([]Mission, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Mission
	for _, m := range f.missions {
		if m.State == StateScheduled || m.State == StateRunning {
			out = append(out, m)
		}
	}
	return out, nil
}

func (f *fakeDB) persisted(id string) (Mission, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.missions[id]
	return m, ok
}

// fakeDriver answers State from a settable position and records commands.
type fakeDriver struct {
	mu    sync.Mutex
	pos   map[string]geo.Position
	sent  []string
	fails map[string]error // command name -> error
	stuck bool             // acks goto but never moves the vehicle
}

func newFakeDriver(ids ...string) *fakeDriver {
	d := &fakeDriver{pos: make(map[string]geo.Position), fails: make(map[string]error)}
	for _, id := range ids {
		d.pos[id] = origin
	}
	return d
}

func (d *fakeDriver) Vehicles(context.Context) ([]fleet.VehicleState, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []fleet.VehicleState
	for id, p := range d.pos {
		out = append(out, fleet.VehicleState{ID: id, Pos: p})
	}
	return out, nil
}

func (d *fakeDriver) State(_ context.Context, id string) (fleet.VehicleState, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	p, ok := d.pos[id]
	if !ok {
		return fleet.VehicleState{}, fleet.ErrVehicleUnavailable
	}
	return fleet.VehicleState{ID: id, Pos: p}, nil
}

func (d *fakeDriver) Send(_ context.Context, id string, cmd fleet.Command) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.pos[id]; !ok {
		return fleet.ErrVehicleUnavailable
	}
	if err := d.fails[cmd.Name()]; err != nil {
		return err
	}
	d.sent = append(d.sent, cmd.Name())
	// Teleport on goto so arrival polling succeeds without a physics model.
	if g, ok := cmd.(fleet.Goto); ok && !d.stuck {
		d.pos[id] = g.Target
	}
	return nil
}

func (d *fakeDriver) Telemetry(context.Context) (<-chan telemetry.Sample, error) {
	ch := make(chan telemetry.Sample)
	close(ch)
	return ch, nil
}

func (d *fakeDriver) Close() error { return nil }

func (d *fakeDriver) commands() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, len(d.sent))
	copy(out, d.sent)
	return out
}

type harness struct {
	clock  *timeutil.MockClock
	store  *telemetry.Store
	driver *fakeDriver
	db     *fakeDB
	reg    *Registry
	cancel context.CancelFunc
}

func newHarness(t *testing.T, drones ...string) *harness {
	t.Helper()
	if len(drones) == 0 {
		drones = []string{"d1"}
	}
	clock := timeutil.NewMockClock(t0)
	store := telemetry.NewStore(time.Hour, 5)
	driver := newFakeDriver(drones...)
	db := newFakeDB()
	engine := deconflict.NewEngine(deconflict.Params{})
	reg := NewRegistry(clock, engine, store, driver, db, Config{}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, reg.Start(ctx))
	t.Cleanup(cancel)

	// Keep mock time flowing so executor tickers fire. Small steps so the
	// mission window does not expire under the test.
	advancerDone := make(chan struct{})
	t.Cleanup(func() { close(advancerDone) })
	go func() {
		for {
			select {
			case <-advancerDone:
				return
			case <-time.After(time.Millisecond):
				clock.Advance(200 * time.Millisecond)
			}
		}
	}()

	return &harness{clock: clock, store: store, driver: driver, db: db, reg: reg, cancel: cancel}
}

func plan(droneID string, startOffset, dur time.Duration, wps ...geo.Waypoint) Plan {
	if len(wps) == 0 {
		wps = []geo.Waypoint{origin}
	}
	return Plan{
		DroneID:   droneID,
		Waypoints: wps,
		StartTime: t0.Add(startOffset),
		EndTime:   t0.Add(startOffset + dur),
	}
}

func TestScheduleAdmitsAndPersists(t *testing.T) {
	h := newHarness(t)

	m, res, err := h.reg.Schedule(context.Background(), plan("d1", time.Hour, time.Minute))
	require.NoError(t, err)
	require.True(t, res.OK())
	require.NotNil(t, m)
	require.Equal(t, StateScheduled, m.State)

	stored, ok := h.db.persisted(m.ID)
	require.True(t, ok, "admission must be written through")
	require.Equal(t, StateScheduled, stored.State)

	// The admitted route is indexed for future deconfliction.
	routes := h.store.RoutesOverlapping(m.Window())
	require.Len(t, routes, 1)
	require.Equal(t, m.ID, routes[0].MissionID)
}

func TestScheduleRejectsOverlappingWindowSameVehicle(t *testing.T) {
	h := newHarness(t)

	_, res, err := h.reg.Schedule(context.Background(), plan("d1", time.Hour, time.Minute))
	require.NoError(t, err)
	require.True(t, res.OK())

	// Identical plan again: vehicle-exclusivity, not a spatial conflict.
	_, res, err = h.reg.Schedule(context.Background(), plan("d1", time.Hour, time.Minute))
	require.NoError(t, err)
	require.False(t, res.OK())
	require.NotEmpty(t, res.Errors)
	require.Equal(t, deconflict.VehicleBusy, res.Errors[0].Kind)
	require.Empty(t, res.Blocking)
	require.Len(t, h.reg.List(), 1)
}

func TestScheduleUnknownVehicle(t *testing.T) {
	h := newHarness(t)

	_, _, err := h.reg.Schedule(context.Background(), plan("ghost", time.Hour, time.Minute))
	require.ErrorIs(t, err, fleet.ErrVehicleUnavailable)
}

func TestScheduleRetriesTransientPersistence(t *testing.T) {
	h := newHarness(t)
	h.db.putErrs = []error{transientErr{errors.New("database is locked")}}

	m, res, err := h.reg.Schedule(context.Background(), plan("d1", time.Hour, time.Minute))
	require.NoError(t, err)
	require.True(t, res.OK())
	_, ok := h.db.persisted(m.ID)
	require.True(t, ok)
}

func TestSchedulePermanentPersistenceFailsAdmission(t *testing.T) {
	h := newHarness(t)
	h.db.putErrs = []error{errors.New("constraint violation")}

	m, _, err := h.reg.Schedule(context.Background(), plan("d1", time.Hour, time.Minute))
	require.Error(t, err)
	require.Nil(t, m)
	require.Empty(t, h.reg.List(), "failed admission must leave no record")
}

func TestCancelScheduled(t *testing.T) {
	h := newHarness(t)

	m, _, err := h.reg.Schedule(context.Background(), plan("d1", time.Hour, time.Minute))
	require.NoError(t, err)

	out, err := h.reg.Cancel(context.Background(), m.ID, "")
	require.NoError(t, err)
	require.Equal(t, StateCancelled, out.State)
	require.Equal(t, ReasonOperatorCancel, out.Reason)

	// Route index is dropped with the mission.
	require.Empty(t, h.store.RoutesOverlapping(m.Window()))

	// Cancel of a terminal mission is rejected, state unchanged.
	_, err = h.reg.Cancel(context.Background(), m.ID, "")
	require.ErrorIs(t, err, ErrMissionTerminal)

	_, err = h.reg.Cancel(context.Background(), "nope", "")
	require.ErrorIs(t, err, ErrMissionNotFound)
}

func TestDispatchRunsMissionToCompletion(t *testing.T) {
	h := newHarness(t)

	wp := geo.Offset(origin, geo.Velocity{East: 50}, 1)
	m, _, err := h.reg.Schedule(context.Background(), plan("d1", 30*time.Second, 10*time.Minute, origin, wp))
	require.NoError(t, err)

	// Open the window and nudge the dispatcher.
	h.clock.Set(t0.Add(30 * time.Second))
	h.reg.wakeDispatcher()

	require.Eventually(t, func() bool {
		got, _ := h.reg.Get(m.ID)
		return got.State == StateCompleted
	}, 5*time.Second, 5*time.Millisecond)

	got, _ := h.reg.Get(m.ID)
	require.NotNil(t, got.StartedAt)
	require.NotNil(t, got.EndedAt)

	cmds := h.driver.commands()
	require.GreaterOrEqual(t, len(cmds), 3)
	require.Equal(t, "arm", cmds[0])
	require.Equal(t, "takeoff", cmds[1])
	require.Equal(t, "goto", cmds[2])

	stored, _ := h.db.persisted(m.ID)
	require.Equal(t, StateCompleted, stored.State)
}

func TestWindowExpiryCompletesMission(t *testing.T) {
	h := newHarness(t)
	h.driver.stuck = true

	// Two waypoints; the vehicle sits on the first and never reaches the
	// second. Running out the window is a normal end, not a failure.
	wp := geo.Offset(origin, geo.Velocity{East: 50}, 1)
	m, _, err := h.reg.Schedule(context.Background(), plan("d1", 30*time.Second, 20*time.Second, origin, wp))
	require.NoError(t, err)

	h.clock.Set(t0.Add(30 * time.Second))
	h.reg.wakeDispatcher()

	require.Eventually(t, func() bool {
		got, _ := h.reg.Get(m.ID)
		return got.State.Terminal()
	}, 5*time.Second, 5*time.Millisecond)

	got, _ := h.reg.Get(m.ID)
	require.Equal(t, StateCompleted, got.State)
	require.Equal(t, ReasonWindowExpired, got.Reason)
	require.NotNil(t, got.EndedAt)
	require.Contains(t, h.driver.commands(), "loiter", "vehicle must be parked after the window ends")

	stored, _ := h.db.persisted(m.ID)
	require.Equal(t, StateCompleted, stored.State)
}

func TestDispatchFailsOnLateConflict(t *testing.T) {
	h := newHarness(t, "d1", "d2")

	var alertMu sync.Mutex
	var alerts []deconflict.Conflict
	h.reg.SetAlertFunc(func(c deconflict.Conflict) {
		alertMu.Lock()
		alerts = append(alerts, c)
		alertMu.Unlock()
	})

	m, _, err := h.reg.Schedule(context.Background(), plan("d1", 30*time.Second, 10*time.Minute))
	require.NoError(t, err)

	// Park d2 on the plan's first waypoint just before dispatch.
	h.clock.Set(t0.Add(30 * time.Second))
	h.store.Append(telemetry.Sample{DroneID: "d2", Pos: origin, Time: h.clock.Now()})
	h.reg.wakeDispatcher()

	require.Eventually(t, func() bool {
		got, _ := h.reg.Get(m.ID)
		return got.State == StateFailed
	}, 5*time.Second, 5*time.Millisecond)

	got, _ := h.reg.Get(m.ID)
	require.Equal(t, ReasonLateConflict, got.Reason)
	require.Empty(t, h.driver.commands(), "no command may be issued for an unsafe mission")

	alertMu.Lock()
	defer alertMu.Unlock()
	require.NotEmpty(t, alerts)
	require.Equal(t, deconflict.KindMixed, alerts[0].Kind)
}

func TestDispatchDriverErrorFailsMission(t *testing.T) {
	h := newHarness(t)
	h.driver.fails["arm"] = errors.New("no ack")

	m, _, err := h.reg.Schedule(context.Background(), plan("d1", 30*time.Second, 10*time.Minute))
	require.NoError(t, err)

	h.clock.Set(t0.Add(30 * time.Second))
	h.reg.wakeDispatcher()

	require.Eventually(t, func() bool {
		got, _ := h.reg.Get(m.ID)
		return got.State == StateFailed
	}, 5*time.Second, 5*time.Millisecond)

	got, _ := h.reg.Get(m.ID)
	require.Equal(t, ReasonDriverError, got.Reason)
}

func TestCancelAllSweepsNonTerminal(t *testing.T) {
	h := newHarness(t, "d1", "d2")

	m1, _, err := h.reg.Schedule(context.Background(), plan("d1", time.Hour, time.Minute))
	require.NoError(t, err)
	m2, _, err := h.reg.Schedule(context.Background(), plan("d2", time.Hour, time.Minute))
	require.NoError(t, err)

	cancelled := h.reg.CancelAll(context.Background(), ReasonEmergencyStop)
	require.Len(t, cancelled, 2)
	for _, id := range []string{m1.ID, m2.ID} {
		got, _ := h.reg.Get(id)
		require.Equal(t, StateCancelled, got.State)
		require.Equal(t, ReasonEmergencyStop, got.Reason)
	}

	// Second sweep is a no-op.
	require.Empty(t, h.reg.CancelAll(context.Background(), ReasonEmergencyStop))
}

func TestReconcileOrphansAndRearms(t *testing.T) {
	clock := timeutil.NewMockClock(t0)
	store := telemetry.NewStore(time.Hour, 5)
	driver := newFakeDriver("d1", "d2", "d3")
	db := newFakeDB()

	future := plan("d1", time.Hour, time.Minute)
	past := plan("d2", -time.Hour, time.Minute)
	db.missions["m-future"] = Mission{ID: "m-future", Plan: future, State: StateScheduled, CreatedAt: t0.Add(-2 * time.Hour)}
	db.missions["m-past"] = Mission{ID: "m-past", Plan: past, State: StateScheduled, CreatedAt: t0.Add(-2 * time.Hour)}
	db.missions["m-running"] = Mission{ID: "m-running", Plan: plan("d3", -time.Minute, time.Hour), State: StateRunning, CreatedAt: t0.Add(-2 * time.Hour)}

	engine := deconflict.NewEngine(deconflict.Params{})
	reg := NewRegistry(clock, engine, store, driver, db, Config{}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, reg.Start(ctx))

	got, ok := reg.Get("m-future")
	require.True(t, ok)
	require.Equal(t, StateScheduled, got.State)
	require.Len(t, store.RoutesOverlapping(future.Window()), 1)

	for _, id := range []string{"m-past", "m-running"} {
		got, ok := reg.Get(id)
		require.True(t, ok)
		require.Equal(t, StateFailed, got.State)
		require.Equal(t, ReasonOrphanedRestart, got.Reason)
	}
}

// A tick that landed while the dispatcher was busy must not survive a
// re-arm: disarm consumes it so Reset starts from a clean channel.
func TestDisarmClearsStaleTick(t *testing.T) {
	clock := timeutil.NewMockClock(t0)
	timer := clock.NewTimer(10 * time.Millisecond)
	clock.Advance(10 * time.Millisecond)

	disarm(timer)
	select {
	case <-timer.C():
		t.Fatal("stale tick survived disarm")
	default:
	}

	timer.Reset(30 * time.Millisecond)
	clock.Advance(30 * time.Millisecond)
	select {
	case <-timer.C():
	default:
		t.Fatal("re-armed timer did not fire")
	}
}

func TestLifecycleTransitionTable(t *testing.T) {
	legal := []struct{ from, to State }{
		{StateScheduled, StateRunning},
		{StateScheduled, StateFailed},
		{StateScheduled, StateCancelled},
		{StateRunning, StateCompleted},
		{StateRunning, StateFailed},
		{StateRunning, StateCancelled},
	}
	for _, tc := range legal {
		if !CanTransition(tc.from, tc.to) {
			t.Errorf("CanTransition(%s, %s) = false, want true", tc.from, tc.to)
		}
	}

	illegal := []struct{ from, to State }{
		{StateCompleted, StateRunning},
		{StateCompleted, StateCancelled},
		{StateFailed, StateRunning},
		{StateCancelled, StateRunning},
		{StateRunning, StateScheduled},
		{StateCompleted, StateScheduled},
	}
	for _, tc := range illegal {
		if CanTransition(tc.from, tc.to) {
			t.Errorf("CanTransition(%s, %s) = true, want false", tc.from, tc.to)
		}
	}
}
