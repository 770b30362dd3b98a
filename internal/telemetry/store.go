// Package telemetry holds the in-memory trajectory store: per-vehicle ring
// buffers of live samples plus the index of admitted planned routes. The
// store is the single source the monitor, broadcaster and deconfliction
// engine read live state from.
package telemetry

import (
	"sort"
	"sync"
	"time"

	"github.com/banshee-data/airspace.report/internal/geo"
	"github.com/banshee-data/airspace.report/internal/timeutil"
)

// reorderSlack is how far behind the buffer head a sample may arrive and
// still be accepted. Older samples are dropped and counted.
const reorderSlack = 100 * time.Millisecond

// Sample is one telemetry fix for one vehicle.
type Sample struct {
	DroneID string       `json:"drone_id"`
	Pos     geo.Position `json:"position"`
	Vel     geo.Velocity `json:"velocity"`
	Time    time.Time    `json:"timestamp"`
}

// PlannedRoute is an admitted mission's route, indexed while the mission is
// SCHEDULED or RUNNING so the engine can sweep new plans against it.
type PlannedRoute struct {
	MissionID string
	DroneID   string
	Route     geo.Route
}

// Store is safe for concurrent use. Appends come from the single driver
// pump; reads come from the monitor, broadcaster and API.
type Store struct {
	mu       sync.RWMutex
	capacity int
	buffers  map[string]*ring
	routes   map[string]PlannedRoute

	droppedStale uint64
}

// NewStore sizes each vehicle buffer for retention at the given nominal
// sample rate. Capacity never goes below 16 samples.
func NewStore(retention time.Duration, sampleHz float64) *Store {
	capacity := int(retention.Seconds() * sampleHz)
	if capacity < 16 {
		capacity = 16
	}
	return &Store{
		capacity: capacity,
		buffers:  make(map[string]*ring),
		routes:   make(map[string]PlannedRoute),
	}
}

// Append records a sample. Monotonic order per vehicle is enforced at the
// buffer head: samples more than reorderSlack older than the head are
// dropped; samples within the slack are accepted with their timestamp
// clamped to wait behind the head, so the buffer stays time-sorted.
func (s *Store) Append(smp Sample) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	b := s.buffers[smp.DroneID]
	if b == nil {
		b = newRing(s.capacity)
		s.buffers[smp.DroneID] = b
		opsf("tracking new vehicle %s (buffer %d samples)", smp.DroneID, s.capacity)
	}

	if head, ok := b.latest(); ok && smp.Time.Before(head.Time) {
		if head.Time.Sub(smp.Time) > reorderSlack {
			s.droppedStale++
			tracef("drop stale sample drone=%s lag=%v", smp.DroneID, head.Time.Sub(smp.Time))
			return false
		}
		smp.Time = head.Time
	}
	b.push(smp)
	return true
}

// Latest returns the newest sample for one vehicle.
func (s *Store) Latest(droneID string) (Sample, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b := s.buffers[droneID]
	if b == nil {
		return Sample{}, false
	}
	return b.latest()
}

// LatestAll returns the newest sample of every vehicle under one lock,
// sorted by drone ID for deterministic output.
func (s *Store) LatestAll() []Sample {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Sample, 0, len(s.buffers))
	for _, b := range s.buffers {
		if smp, ok := b.latest(); ok {
			out = append(out, smp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DroneID < out[j].DroneID })
	return out
}

// Slice returns the samples for droneID with from <= Time <= to, oldest
// first. Binary search over the time-sorted ring, then one copy.
func (s *Store) Slice(droneID string, from, to time.Time) []Sample {
	s.mu.RLock()
	defer s.mu.RUnlock()

	b := s.buffers[droneID]
	if b == nil || b.count == 0 || to.Before(from) {
		return nil
	}

	lo := sort.Search(b.count, func(i int) bool { return !b.at(i).Time.Before(from) })
	hi := sort.Search(b.count, func(i int) bool { return b.at(i).Time.After(to) })
	if lo >= hi {
		return nil
	}
	out := make([]Sample, 0, hi-lo)
	for i := lo; i < hi; i++ {
		out = append(out, b.at(i))
	}
	return out
}

// Prune drops samples older than the retention horizon. The caller supplies
// the horizon so pruning stays clock-agnostic.
func (s *Store) Prune(olderThan time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	pruned := 0
	for id, b := range s.buffers {
		pruned += b.dropOlderThan(olderThan)
		if b.count == 0 {
			delete(s.buffers, id)
		}
	}
	return pruned
}

// DroppedStale reports how many out-of-order samples were rejected.
func (s *Store) DroppedStale() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.droppedStale
}

// Vehicles returns the IDs with at least one sample, sorted.
func (s *Store) Vehicles() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.buffers))
	for id := range s.buffers {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// PutRoute indexes an admitted mission's route.
func (s *Store) PutRoute(r PlannedRoute) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.routes[r.MissionID] = r
}

// DropRoute removes a mission's route from the index. Idempotent.
func (s *Store) DropRoute(missionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.routes, missionID)
}

// RoutesOverlapping returns the admitted routes whose windows overlap w,
// sorted by mission ID.
func (s *Store) RoutesOverlapping(w timeutil.Window) []PlannedRoute {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]PlannedRoute, 0, len(s.routes))
	for _, r := range s.routes {
		if r.Route.Window.Overlaps(w) {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].MissionID < out[j].MissionID })
	return out
}

// ring is a fixed-capacity circular buffer in append order. Appends are
// monotonic in time (Append clamps), so logical order is time order.
type ring struct {
	samples []Sample
	head    int // next write position
	count   int
}

func newRing(capacity int) *ring {
	return &ring{samples: make([]Sample, capacity)}
}

func (r *ring) push(s Sample) {
	r.samples[r.head] = s
	r.head = (r.head + 1) % len(r.samples)
	if r.count < len(r.samples) {
		r.count++
	}
}

// at returns the i-th sample in logical order, 0 = oldest.
func (r *ring) at(i int) Sample {
	idx := (r.head - r.count + i + len(r.samples)) % len(r.samples)
	return r.samples[idx]
}

func (r *ring) latest() (Sample, bool) {
	if r.count == 0 {
		return Sample{}, false
	}
	return r.at(r.count - 1), true
}

func (r *ring) dropOlderThan(t time.Time) int {
	drop := sort.Search(r.count, func(i int) bool { return !r.at(i).Time.Before(t) })
	r.count -= drop
	return drop
}
