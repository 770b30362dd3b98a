// Package broadcast fans the fleet picture out to websocket sessions. Each
// subscriber owns a one-slot snapshot channel that always holds the freshest
// frame (a slow reader skips intermediate frames, never lags behind) and a
// bounded alert queue that drops oldest under pressure.
package broadcast

import (
	"context"
	crand "crypto/rand"
	"encoding/hex"
	"sync"
	"sync/atomic"
	"time"

	"github.com/banshee-data/airspace.report/internal/deconflict"
	"github.com/banshee-data/airspace.report/internal/fleet"
	"github.com/banshee-data/airspace.report/internal/metrics"
	"github.com/banshee-data/airspace.report/internal/monitor"
	"github.com/banshee-data/airspace.report/internal/timeutil"
)

// alertQueueCap bounds the per-subscriber alert backlog.
const alertQueueCap = 16

// Snapshot is one full-fleet frame. UpdateID increases strictly with every
// frame handed out, broadcast or on demand.
type Snapshot struct {
	ServerTime time.Time             `json:"server_time"`
	Drones     []fleet.VehicleState  `json:"drones"`
	Conflicts  []deconflict.Conflict `json:"conflicts"`
	UpdateID   uint64                `json:"update_id"`
}

// Fill produces the body of a snapshot; the broadcaster stamps time and ID.
type Fill func(ctx context.Context) ([]fleet.VehicleState, []deconflict.Conflict)

// Subscriber is one session's receive side. Snapshots never blocks the
// broadcaster; Alerts drops oldest when the session falls 16 behind.
type Subscriber struct {
	Snapshots <-chan Snapshot
	Alerts    <-chan monitor.Alert

	snaps  chan Snapshot
	alerts chan monitor.Alert
}

// Broadcaster owns the subscriber registry and the frame counter.
type Broadcaster struct {
	clock    timeutil.Clock
	interval time.Duration
	fill     Fill

	lastID atomic.Uint64

	mu   sync.Mutex
	subs map[string]*Subscriber
}

// New wires a broadcaster that frames at interval when Run is active.
func New(clock timeutil.Clock, interval time.Duration, fill Fill) *Broadcaster {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	return &Broadcaster{
		clock:    clock,
		interval: interval,
		fill:     fill,
		subs:     make(map[string]*Subscriber),
	}
}

// randomID generates a random subscriber ID (8 byte random hex encoded value)
func randomID() string {
	b := make([]byte, 8)
	crand.Read(b)
	return hex.EncodeToString(b)
}

// Subscribe registers a session and returns its ID and receive channels.
func (b *Broadcaster) Subscribe() (string, *Subscriber) {
	id := randomID()
	sub := &Subscriber{
		snaps:  make(chan Snapshot, 1),
		alerts: make(chan monitor.Alert, alertQueueCap),
	}
	sub.Snapshots = sub.snaps
	sub.Alerts = sub.alerts
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[id] = sub
	metrics.Subscribers.Set(float64(len(b.subs)))
	tracef("subscribe %s (%d sessions)", id, len(b.subs))
	return id, sub
}

// Unsubscribe removes a session and closes its channels.
func (b *Broadcaster) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if sub, ok := b.subs[id]; ok {
		close(sub.snaps)
		close(sub.alerts)
		delete(b.subs, id)
		metrics.Subscribers.Set(float64(len(b.subs)))
		tracef("unsubscribe %s (%d sessions)", id, len(b.subs))
	}
}

// Run frames at the configured cadence until ctx ends.
func (b *Broadcaster) Run(ctx context.Context) {
	ticker := b.clock.NewTicker(b.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			b.publish(b.Snapshot(ctx))
		}
	}
}

// Snapshot builds a fresh frame with the next update ID. Used by the frame
// loop and by on-demand requests; IDs stay strictly increasing across both.
func (b *Broadcaster) Snapshot(ctx context.Context) Snapshot {
	drones, conflicts := b.fill(ctx)
	return Snapshot{
		ServerTime: b.clock.Now(),
		Drones:     drones,
		Conflicts:  conflicts,
		UpdateID:   b.lastID.Add(1),
	}
}

// publish offers the frame to every subscriber without blocking. A full
// slot is swapped for the new frame so readers always see the latest.
func (b *Broadcaster) publish(s Snapshot) {
	metrics.BroadcastSnapshots.Inc()
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, sub := range b.subs {
		select {
		case sub.snaps <- s:
		default:
			select {
			case <-sub.snaps:
			default:
			}
			select {
			case sub.snaps <- s:
			default:
			}
			metrics.BroadcastCoalesced.Inc()
			tracef("coalesced frame %d for %s", s.UpdateID, id)
		}
	}
}

// Alert queues a conflict alert to every subscriber, dropping the oldest
// queued alert for a session that has fallen alertQueueCap behind.
func (b *Broadcaster) Alert(a monitor.Alert) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, sub := range b.subs {
		select {
		case sub.alerts <- a:
			continue
		default:
		}
		select {
		case <-sub.alerts:
			diagf("alert queue full for %s, dropped oldest", id)
		default:
		}
		select {
		case sub.alerts <- a:
		default:
		}
	}
}

// Sessions returns the number of connected subscribers.
func (b *Broadcaster) Sessions() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}
