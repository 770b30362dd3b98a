// Package monitor runs the live separation scan: every tick it checks the
// freshest telemetry pairwise (and against admitted routes), maintains the
// current-conflicts set for snapshots, and turns the raw conflict stream
// into edge-triggered alerts with reminder and clear hysteresis.
package monitor

import (
	"context"
	"sync"
	"time"

	"github.com/banshee-data/airspace.report/internal/deconflict"
	"github.com/banshee-data/airspace.report/internal/metrics"
	"github.com/banshee-data/airspace.report/internal/monitoring"
	"github.com/banshee-data/airspace.report/internal/telemetry"
	"github.com/banshee-data/airspace.report/internal/timeutil"
)

// Phase classifies an alert within a conflict's lifetime.
type Phase string

const (
	PhaseNew      Phase = "new"
	PhaseReminder Phase = "reminder"
	PhaseCleared  Phase = "cleared"
)

// Alert is one edge-triggered conflict notification.
type Alert struct {
	Phase    Phase               `json:"phase"`
	Conflict deconflict.Conflict `json:"conflict"`
	At       time.Time           `json:"at"`
}

// Recorder persists conflict events. The sqlite layer implements it; a nil
// recorder disables persistence.
type Recorder interface {
	RecordConflictEvent(ctx context.Context, a Alert) error
}

// Config tunes the monitor. Zero durations fall back to defaults.
type Config struct {
	Interval time.Duration // scan cadence
	Reminder time.Duration // minimum gap between repeat alerts for one pair
	Clear    time.Duration // separation time before a pair is cleared
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = 500 * time.Millisecond
	}
	if c.Reminder <= 0 {
		c.Reminder = 5 * time.Second
	}
	if c.Clear <= 0 {
		c.Clear = 3 * time.Second
	}
	return c
}

// recordQueueCap bounds the alerts waiting on the recorder. Scan never
// blocks on persistence; on overflow the incoming alert is dropped with a
// log line.
const recordQueueCap = 64

// pairState tracks one conflicting pair across scans.
type pairState struct {
	conflict  deconflict.Conflict
	lastSeen  time.Time
	lastAlert time.Time
}

// Monitor owns the dedup table; nothing else touches it.
type Monitor struct {
	clock    timeutil.Clock
	engine   *deconflict.Engine
	store    *telemetry.Store
	cfg      Config
	sink     func(Alert)
	recorder Recorder
	records  chan Alert

	mu      sync.Mutex
	current []deconflict.Conflict
	pairs   map[string]*pairState
}

// New wires a monitor. sink receives every alert (nil disables); recorder
// persists them (nil disables).
func New(clock timeutil.Clock, engine *deconflict.Engine, store *telemetry.Store, cfg Config, sink func(Alert), recorder Recorder) *Monitor {
	return &Monitor{
		clock:    clock,
		engine:   engine,
		store:    store,
		cfg:      cfg.withDefaults(),
		sink:     sink,
		recorder: recorder,
		records:  make(chan Alert, recordQueueCap),
		pairs:    make(map[string]*pairState),
	}
}

// Run scans at the configured cadence until ctx ends. The recorder drains
// on its own goroutine so a slow database never stretches a scan tick.
func (m *Monitor) Run(ctx context.Context) {
	var wg sync.WaitGroup
	if m.recorder != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.drainRecords(ctx)
		}()
	}
	defer wg.Wait()

	ticker := m.clock.NewTicker(m.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			m.Scan(ctx)
		}
	}
}

func (m *Monitor) drainRecords(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case a := <-m.records:
			if err := m.recorder.RecordConflictEvent(ctx, a); err != nil {
				monitoring.Logf("conflict event not recorded: %v", err)
			}
		}
	}
}

// Scan performs one separation pass. Exposed for deterministic tests and
// for the on-demand snapshot path.
func (m *Monitor) Scan(ctx context.Context) {
	now := m.clock.Now()
	live := m.store.LatestAll()
	routes := m.store.RoutesOverlapping(timeutil.NewWindow(now, now.Add(m.engine.Horizon())))
	conflicts := m.engine.CheckLive(live, now, routes)

	var alerts []Alert

	m.mu.Lock()
	m.current = conflicts

	seen := make(map[string]bool, len(conflicts))
	for _, c := range conflicts {
		key := c.PairKey()
		seen[key] = true
		if st, ok := m.pairs[key]; ok {
			st.conflict = c
			st.lastSeen = now
			if now.Sub(st.lastAlert) >= m.cfg.Reminder {
				st.lastAlert = now
				alerts = append(alerts, Alert{Phase: PhaseReminder, Conflict: c, At: now})
			}
			continue
		}
		m.pairs[key] = &pairState{conflict: c, lastSeen: now, lastAlert: now}
		alerts = append(alerts, Alert{Phase: PhaseNew, Conflict: c, At: now})
		metrics.ConflictsDetected.WithLabelValues(string(c.Kind)).Inc()
	}

	for key, st := range m.pairs {
		if seen[key] {
			continue
		}
		if now.Sub(st.lastSeen) >= m.cfg.Clear {
			alerts = append(alerts, Alert{Phase: PhaseCleared, Conflict: st.conflict, At: now})
			delete(m.pairs, key)
		}
	}
	m.mu.Unlock()

	for _, a := range alerts {
		metrics.AlertsEmitted.WithLabelValues(string(a.Phase)).Inc()
		if a.Phase != PhaseCleared {
			monitoring.Logf("conflict %s: %s %s/%s min %.1fm (%s)",
				a.Phase, a.Conflict.Kind, a.Conflict.DroneA, a.Conflict.DroneB,
				a.Conflict.MinDistanceM, a.Conflict.Severity)
		}
		if m.sink != nil {
			m.sink(a)
		}
		if m.recorder != nil {
			select {
			case m.records <- a:
			default:
				monitoring.Logf("conflict event queue full, %s alert for %s/%s not recorded",
					a.Phase, a.Conflict.DroneA, a.Conflict.DroneB)
			}
		}
	}
}

// Current returns the conflicts found by the most recent scan.
func (m *Monitor) Current() []deconflict.Conflict {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]deconflict.Conflict, len(m.current))
	copy(out, m.current)
	return out
}
