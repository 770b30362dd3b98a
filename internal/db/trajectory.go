package db

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/banshee-data/airspace.report/internal/geo"
	"github.com/banshee-data/airspace.report/internal/monitoring"
	"github.com/banshee-data/airspace.report/internal/telemetry"
	"github.com/banshee-data/airspace.report/internal/timeutil"
)

// AppendSamples inserts a batch of trajectory samples in one statement.
func (db *DB) AppendSamples(ctx context.Context, batch []telemetry.Sample) error {
	if len(batch) == 0 {
		return nil
	}
	var sb strings.Builder
	sb.WriteString(`INSERT INTO trajectory_samples
		(drone_id, lat, lon, alt_m, vx, vy, vz, sample_time) VALUES `)
	args := make([]any, 0, len(batch)*8)
	for i, s := range batch {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString("(?, ?, ?, ?, ?, ?, ?, ?)")
		args = append(args,
			s.DroneID, s.Pos.Lat, s.Pos.Lon, s.Pos.AltM,
			s.Vel.North, s.Vel.East, s.Vel.Up, s.Time.UnixMilli())
	}
	_, err := db.ExecContext(ctx, sb.String(), args...)
	return classify(err)
}

// RangeTrajectory returns the archived samples for one vehicle inside
// [from, to), oldest first.
func (db *DB) RangeTrajectory(ctx context.Context, droneID string, from, to time.Time) ([]telemetry.Sample, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT drone_id, lat, lon, alt_m, vx, vy, vz, sample_time
		FROM trajectory_samples
		WHERE drone_id = ? AND sample_time >= ? AND sample_time < ?
		ORDER BY sample_time`,
		droneID, from.UnixMilli(), to.UnixMilli())
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var out []telemetry.Sample
	for rows.Next() {
		var (
			s  telemetry.Sample
			ms int64
		)
		if err := rows.Scan(&s.DroneID, &s.Pos.Lat, &s.Pos.Lon, &s.Pos.AltM,
			&s.Vel.North, &s.Vel.East, &s.Vel.Up, &ms); err != nil {
			return nil, err
		}
		s.Time = time.UnixMilli(ms).UTC()
		out = append(out, s)
	}
	return out, rows.Err()
}

// SampleWriter batches the live telemetry stream into the archive: a flush
// every second or every 200 queued rows, whichever comes first. Enqueue
// never blocks the telemetry pump; overflow drops the oldest queued sample.
type SampleWriter struct {
	DB            *DB
	Clock         timeutil.Clock
	FlushInterval time.Duration
	BatchSize     int
	StopChan      chan struct{}

	in   chan telemetry.Sample
	done chan struct{}
}

// NewSampleWriter sizes the writer with its defaults.
func NewSampleWriter(db *DB, clock timeutil.Clock) *SampleWriter {
	return &SampleWriter{
		DB:            db,
		Clock:         clock,
		FlushInterval: time.Second,
		BatchSize:     200,
		StopChan:      make(chan struct{}),
		in:            make(chan telemetry.Sample, 1024),
		done:          make(chan struct{}),
	}
}

// Enqueue queues one sample for archival without blocking.
func (w *SampleWriter) Enqueue(s telemetry.Sample) {
	select {
	case w.in <- s:
		return
	default:
	}
	select {
	case <-w.in:
	default:
	}
	select {
	case w.in <- s:
	default:
	}
}

// Start runs the flush loop in a goroutine.
func (w *SampleWriter) Start() {
	go func() {
		defer close(w.done)
		ticker := w.Clock.NewTicker(w.FlushInterval)
		defer ticker.Stop()
		batch := make([]telemetry.Sample, 0, w.BatchSize)
		for {
			select {
			case s := <-w.in:
				batch = append(batch, s)
				if len(batch) >= w.BatchSize {
					batch = w.flush(batch)
				}
			case <-ticker.C():
				batch = w.flush(batch)
			case <-w.StopChan:
				// Drain whatever is queued, then final flush.
				for {
					select {
					case s := <-w.in:
						batch = append(batch, s)
						continue
					default:
					}
					break
				}
				w.flush(batch)
				return
			}
		}
	}()
}

// Stop requests the writer to stop and waits for the final flush.
func (w *SampleWriter) Stop() {
	close(w.StopChan)
	<-w.done
}

func (w *SampleWriter) flush(batch []telemetry.Sample) []telemetry.Sample {
	if len(batch) == 0 {
		return batch
	}
	if err := w.DB.AppendSamples(context.Background(), batch); err != nil {
		monitoring.Logf("db: sample flush of %d rows failed: %v", len(batch), err)
		return batch[:0]
	}
	tracef("flushed %d samples", len(batch))
	return batch[:0]
}

// FutureRoute is an admitted mission's remaining planned geometry, exposed
// for the planned-routes query surface.
type FutureRoute struct {
	MissionID string         `json:"mission_id"`
	DroneID   string         `json:"drone_id"`
	Waypoints []geo.Waypoint `json:"waypoints"`
	StartTime time.Time      `json:"start_time"`
	EndTime   time.Time      `json:"end_time"`
}

// FutureRoutes returns the routes of SCHEDULED and RUNNING missions whose
// windows overlap [from, to).
func (db *DB) FutureRoutes(ctx context.Context, from, to time.Time) ([]FutureRoute, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT mission_id, drone_id, waypoints, start_time, end_time
		FROM missions
		WHERE state IN ('SCHEDULED', 'RUNNING')
		  AND start_time < ? AND end_time > ?
		ORDER BY start_time`,
		to.UnixMilli(), from.UnixMilli())
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var out []FutureRoute
	for rows.Next() {
		var (
			r          FutureRoute
			waypoints  string
			start, end int64
		)
		if err := rows.Scan(&r.MissionID, &r.DroneID, &waypoints, &start, &end); err != nil {
			return nil, err
		}
		wps, err := waypointsOf(waypoints)
		if err != nil {
			return nil, fmt.Errorf("mission %s: waypoints: %w", r.MissionID, err)
		}
		r.Waypoints = wps
		r.StartTime = time.UnixMilli(start).UTC()
		r.EndTime = time.UnixMilli(end).UTC()
		out = append(out, r)
	}
	return out, rows.Err()
}
