package monitor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/banshee-data/airspace.report/internal/deconflict"
	"github.com/banshee-data/airspace.report/internal/geo"
	"github.com/banshee-data/airspace.report/internal/telemetry"
	"github.com/banshee-data/airspace.report/internal/timeutil"
)

var (
	t0     = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	center = geo.Position{Lat: -35.3632621, Lon: 149.1652264, AltM: 20}
)

type fixture struct {
	clock  *timeutil.MockClock
	store  *telemetry.Store
	mon    *Monitor
	alerts *[]Alert
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clock := timeutil.NewMockClock(t0)
	store := telemetry.NewStore(time.Hour, 5)
	engine := deconflict.NewEngine(deconflict.Params{})
	var alerts []Alert
	mon := New(clock, engine, store, Config{}, func(a Alert) { alerts = append(alerts, a) }, nil)
	return &fixture{clock: clock, store: store, mon: mon, alerts: &alerts}
}

// place puts two vehicles apart metres from each other with fresh samples.
func (f *fixture) place(apart float64) {
	now := f.clock.Now()
	f.store.Append(telemetry.Sample{DroneID: "d1", Pos: center, Time: now})
	f.store.Append(telemetry.Sample{DroneID: "d2", Pos: geo.Offset(center, geo.Velocity{East: apart}, 1), Time: now})
}

func phases(alerts []Alert) []Phase {
	out := make([]Phase, len(alerts))
	for i, a := range alerts {
		out[i] = a.Phase
	}
	return out
}

func TestScanEmitsLiveConflict(t *testing.T) {
	f := newFixture(t)
	f.place(8)

	f.mon.Scan(context.Background())

	cur := f.mon.Current()
	if len(cur) != 1 {
		t.Fatalf("got %d current conflicts, want 1", len(cur))
	}
	if cur[0].Kind != deconflict.KindLive {
		t.Errorf("kind = %s, want LIVE", cur[0].Kind)
	}
	if got := phases(*f.alerts); len(got) != 1 || got[0] != PhaseNew {
		t.Errorf("alert phases = %v, want [new]", got)
	}
}

func TestScanNoConflictWhenSeparated(t *testing.T) {
	f := newFixture(t)
	f.place(50)

	f.mon.Scan(context.Background())

	if got := f.mon.Current(); len(got) != 0 {
		t.Errorf("got %d conflicts for 50m separation, want 0", len(got))
	}
	if len(*f.alerts) != 0 {
		t.Errorf("got %d alerts, want 0", len(*f.alerts))
	}
}

func TestScanIgnoresStaleTelemetry(t *testing.T) {
	f := newFixture(t)
	f.place(8)

	// Age the samples past the staleness cutoff before scanning.
	f.clock.Set(t0.Add(5 * time.Second))
	f.mon.Scan(context.Background())

	if got := f.mon.Current(); len(got) != 0 {
		t.Errorf("stale samples produced %d conflicts, want 0", len(got))
	}
}

// Two vehicles 8m apart for 7 seconds, then separated: one initial alert,
// one reminder at 5s, and a clear once they have been apart for 3s.
func TestDedupReminderAndClear(t *testing.T) {
	f := newFixture(t)

	tick := 500 * time.Millisecond
	for elapsed := time.Duration(0); elapsed <= 7*time.Second; elapsed += tick {
		f.clock.Set(t0.Add(elapsed))
		f.place(8)
		f.mon.Scan(context.Background())
	}

	if got := phases(*f.alerts); len(got) != 2 || got[0] != PhaseNew || got[1] != PhaseReminder {
		t.Fatalf("alert phases during conflict = %v, want [new reminder]", got)
	}

	// Separate the pair and keep scanning until the clear fires.
	for elapsed := 7*time.Second + tick; elapsed <= 11*time.Second; elapsed += tick {
		f.clock.Set(t0.Add(elapsed))
		f.place(50)
		f.mon.Scan(context.Background())
	}

	got := phases(*f.alerts)
	if len(got) != 3 || got[2] != PhaseCleared {
		t.Fatalf("alert phases after separation = %v, want [new reminder cleared]", got)
	}
	clearAt := (*f.alerts)[2].At
	if clearAt.Before(t0.Add(10 * time.Second)) {
		t.Errorf("cleared at %v, want >= t0+10s", clearAt.Sub(t0))
	}
	if len(f.mon.Current()) != 0 {
		t.Error("current conflicts should be empty after separation")
	}
}

func TestBriefGapDoesNotClear(t *testing.T) {
	f := newFixture(t)

	f.place(8)
	f.mon.Scan(context.Background())

	// One scan apart (500ms < clear), then back in conflict: no new alert,
	// no clear, pair still tracked.
	f.clock.Set(t0.Add(500 * time.Millisecond))
	f.place(50)
	f.mon.Scan(context.Background())

	f.clock.Set(t0.Add(time.Second))
	f.place(8)
	f.mon.Scan(context.Background())

	if got := phases(*f.alerts); len(got) != 1 || got[0] != PhaseNew {
		t.Errorf("alert phases = %v, want [new]", got)
	}
}

// captureRecorder collects recorded alerts behind a mutex.
type captureRecorder struct {
	mu       sync.Mutex
	recorded []Alert
}

func (r *captureRecorder) RecordConflictEvent(_ context.Context, a Alert) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.recorded = append(r.recorded, a)
	return nil
}

func (r *captureRecorder) snapshot() []Alert {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Alert(nil), r.recorded...)
}

func TestRunRecordsAlerts(t *testing.T) {
	clock := timeutil.NewMockClock(t0)
	store := telemetry.NewStore(time.Hour, 5)
	engine := deconflict.NewEngine(deconflict.Params{})
	rec := &captureRecorder{}
	mon := New(clock, engine, store, Config{}, nil, rec)

	now := clock.Now()
	store.Append(telemetry.Sample{DroneID: "d1", Pos: center, Time: now})
	store.Append(telemetry.Sample{DroneID: "d2", Pos: geo.Offset(center, geo.Velocity{East: 8}, 1), Time: now})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		mon.Run(ctx)
	}()

	deadline := time.Now().Add(5 * time.Second)
	for {
		if got := rec.snapshot(); len(got) > 0 {
			if got[0].Phase != PhaseNew {
				t.Errorf("recorded phase = %s, want new", got[0].Phase)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("recorder never received the conflict alert")
		}
		clock.Advance(500 * time.Millisecond)
		time.Sleep(time.Millisecond)
	}

	cancel()
	<-done
}

// stuckRecorder never returns from a record call.
type stuckRecorder struct{}

func (stuckRecorder) RecordConflictEvent(ctx context.Context, _ Alert) error {
	<-ctx.Done()
	return ctx.Err()
}

func TestScanNotStalledBySlowRecorder(t *testing.T) {
	clock := timeutil.NewMockClock(t0)
	store := telemetry.NewStore(time.Hour, 5)
	engine := deconflict.NewEngine(deconflict.Params{})
	mon := New(clock, engine, store, Config{}, nil, stuckRecorder{})

	now := clock.Now()
	store.Append(telemetry.Sample{DroneID: "d1", Pos: center, Time: now})
	store.Append(telemetry.Sample{DroneID: "d2", Pos: geo.Offset(center, geo.Velocity{East: 8}, 1), Time: now})

	done := make(chan struct{})
	go func() {
		defer close(done)
		mon.Scan(context.Background())
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("scan blocked on the recorder")
	}
	if len(mon.Current()) != 1 {
		t.Errorf("got %d current conflicts, want 1", len(mon.Current()))
	}
}

func TestScanDetectsMixedAgainstRoute(t *testing.T) {
	f := newFixture(t)

	// d2 has an admitted route holding position at center for the next
	// minute; d1 is live and parked right next to it.
	f.store.PutRoute(telemetry.PlannedRoute{
		MissionID: "m1",
		DroneID:   "d2",
		Route: geo.Route{
			Waypoints: []geo.Waypoint{center},
			Window:    timeutil.NewWindow(t0, t0.Add(time.Minute)),
		},
	})
	f.store.Append(telemetry.Sample{DroneID: "d1", Pos: geo.Offset(center, geo.Velocity{East: 5}, 1), Time: t0})

	f.mon.Scan(context.Background())

	cur := f.mon.Current()
	if len(cur) != 1 {
		t.Fatalf("got %d conflicts, want 1", len(cur))
	}
	if cur[0].Kind != deconflict.KindMixed {
		t.Errorf("kind = %s, want MIXED", cur[0].Kind)
	}
}
