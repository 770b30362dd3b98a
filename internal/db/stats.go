package db

import (
	"context"
	"sort"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/banshee-data/airspace.report/internal/geo"
)

// Stats is the aggregate operational picture over a window.
type Stats struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`

	Missions  MissionStats  `json:"missions"`
	Conflicts ConflictStats `json:"conflicts"`
	Samples   SampleStats   `json:"samples"`
	PerDrone  []DroneStats  `json:"per_drone"`
}

// DroneStats is one vehicle's rollup over the window.
type DroneStats struct {
	DroneID      string  `json:"drone_id"`
	Samples      int     `json:"samples"`
	DistanceM    float64 `json:"distance_m"`
	MaxSpeedMps  float64 `json:"max_speed_mps"`
	MeanSpeedMps float64 `json:"mean_speed_mps"`
	AltP50M      float64 `json:"alt_p50_m"`
	AltP85M      float64 `json:"alt_p85_m"`
	AltP98M      float64 `json:"alt_p98_m"`
}

type MissionStats struct {
	ByState        map[string]int `json:"by_state"`
	Total          int            `json:"total"`
	CompletionRate float64        `json:"completion_rate"`
	DurationP50S   float64        `json:"duration_p50_s"`
	DurationP90S   float64        `json:"duration_p90_s"`
}

type ConflictStats struct {
	ByKind         map[string]int `json:"by_kind"`
	BySeverity     map[string]int `json:"by_severity"`
	Total          int            `json:"total"`
	MinDistanceP50 float64        `json:"min_distance_p50_m"`
	MinDistanceMin float64        `json:"min_distance_min_m"`
	BusiestPair    string         `json:"busiest_pair,omitempty"`
}

type SampleStats struct {
	Rows     int `json:"rows"`
	Vehicles int `json:"vehicles"`
}

// Stats aggregates missions created, conflicts opened and samples archived
// inside [from, to).
func (db *DB) Stats(ctx context.Context, from, to time.Time) (Stats, error) {
	s := Stats{
		From:      from,
		To:        to,
		Missions:  MissionStats{ByState: map[string]int{}},
		Conflicts: ConflictStats{ByKind: map[string]int{}, BySeverity: map[string]int{}},
	}

	fromMs, toMs := from.UnixMilli(), to.UnixMilli()

	// Missions: state counts and flight durations of finished flights.
	rows, err := db.QueryContext(ctx, `
		SELECT state, started_at, ended_at
		FROM missions
		WHERE created_at >= ? AND created_at < ?`, fromMs, toMs)
	if err != nil {
		return s, classify(err)
	}
	var durations []float64
	terminal := 0
	for rows.Next() {
		var (
			state          string
			started, ended *int64
		)
		if err := rows.Scan(&state, &started, &ended); err != nil {
			rows.Close()
			return s, err
		}
		s.Missions.ByState[state]++
		s.Missions.Total++
		switch state {
		case "COMPLETED", "FAILED", "CANCELLED":
			terminal++
		}
		if started != nil && ended != nil && *ended > *started {
			durations = append(durations, float64(*ended-*started)/1000)
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return s, err
	}
	if terminal > 0 {
		s.Missions.CompletionRate = float64(s.Missions.ByState["COMPLETED"]) / float64(terminal)
	}
	if len(durations) > 0 {
		sort.Float64s(durations)
		s.Missions.DurationP50S = stat.Quantile(0.5, stat.Empirical, durations, nil)
		s.Missions.DurationP90S = stat.Quantile(0.9, stat.Empirical, durations, nil)
	}

	// Conflicts: kind/severity counts, approach distances, busiest pair.
	rows, err = db.QueryContext(ctx, `
		SELECT kind, severity, drone_a, drone_b, min_distance_m
		FROM conflict_events
		WHERE started_at >= ? AND started_at < ?`, fromMs, toMs)
	if err != nil {
		return s, classify(err)
	}
	var distances []float64
	pairCounts := map[string]int{}
	for rows.Next() {
		var (
			kind, severity string
			droneA, droneB string
			minD           float64
		)
		if err := rows.Scan(&kind, &severity, &droneA, &droneB, &minD); err != nil {
			rows.Close()
			return s, err
		}
		s.Conflicts.ByKind[kind]++
		s.Conflicts.BySeverity[severity]++
		s.Conflicts.Total++
		distances = append(distances, minD)
		if droneB != "" {
			pairCounts[droneA+"/"+droneB]++
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return s, err
	}
	if len(distances) > 0 {
		sort.Float64s(distances)
		s.Conflicts.MinDistanceMin = distances[0]
		s.Conflicts.MinDistanceP50 = stat.Quantile(0.5, stat.Empirical, distances, nil)
	}
	best := 0
	for pair, n := range pairCounts {
		if n > best || (n == best && pair < s.Conflicts.BusiestPair) {
			best = n
			s.Conflicts.BusiestPair = pair
		}
	}

	// Per-drone rollups from one ordered archive scan.
	rows, err = db.QueryContext(ctx, `
		SELECT drone_id, lat, lon, alt_m, vx, vy, vz
		FROM trajectory_samples
		WHERE sample_time >= ? AND sample_time < ?
		ORDER BY drone_id, sample_time`, fromMs, toMs)
	if err != nil {
		return s, classify(err)
	}
	var (
		cur     *droneAccum
		accums  []*droneAccum
		vehicle = map[string]bool{}
	)
	for rows.Next() {
		var (
			id         string
			pos        geo.Position
			vx, vy, vz float64
		)
		if err := rows.Scan(&id, &pos.Lat, &pos.Lon, &pos.AltM, &vx, &vy, &vz); err != nil {
			rows.Close()
			return s, err
		}
		vehicle[id] = true
		s.Samples.Rows++
		if cur == nil || cur.id != id {
			cur = &droneAccum{id: id}
			accums = append(accums, cur)
		}
		cur.add(pos, geo.Velocity{North: vx, East: vy, Up: vz})
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return s, err
	}
	s.Samples.Vehicles = len(vehicle)
	for _, a := range accums {
		s.PerDrone = append(s.PerDrone, a.finish())
	}

	return s, nil
}

// droneAccum accumulates one vehicle's rollup during the archive scan.
type droneAccum struct {
	id       string
	n        int
	havePrev bool
	prev     geo.Position
	distance float64
	speeds   []float64
	alts     []float64
}

func (a *droneAccum) add(pos geo.Position, vel geo.Velocity) {
	a.n++
	if a.havePrev {
		a.distance += geo.GroundDistanceM(a.prev, pos)
	}
	a.prev = pos
	a.havePrev = true
	a.speeds = append(a.speeds, vel.GroundSpeed())
	a.alts = append(a.alts, pos.AltM)
}

func (a *droneAccum) finish() DroneStats {
	d := DroneStats{DroneID: a.id, Samples: a.n, DistanceM: a.distance}
	if len(a.speeds) > 0 {
		d.MeanSpeedMps = stat.Mean(a.speeds, nil)
		for _, v := range a.speeds {
			if v > d.MaxSpeedMps {
				d.MaxSpeedMps = v
			}
		}
	}
	if len(a.alts) > 0 {
		sort.Float64s(a.alts)
		d.AltP50M = stat.Quantile(0.5, stat.Empirical, a.alts, nil)
		d.AltP85M = stat.Quantile(0.85, stat.Empirical, a.alts, nil)
		d.AltP98M = stat.Quantile(0.98, stat.Empirical, a.alts, nil)
	}
	return d
}
