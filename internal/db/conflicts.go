package db

import (
	"context"
	"database/sql"
	"time"

	"github.com/banshee-data/airspace.report/internal/deconflict"
	"github.com/banshee-data/airspace.report/internal/monitor"
)

// ConflictEvent is one archived conflict episode: opened by the first
// sighting, closed when the monitor clears the pair.
type ConflictEvent struct {
	ConflictID      string               `json:"conflict_id"`
	Kind            deconflict.Kind      `json:"kind"`
	Severity        deconflict.Severity  `json:"severity"`
	DroneA          string               `json:"drone_a"`
	DroneB          string               `json:"drone_b,omitempty"`
	MinDistanceM    float64              `json:"min_distance_m"`
	MinDistanceTime time.Time            `json:"min_distance_time"`
	StartedAt       time.Time            `json:"started_at"`
	ClearedAt       *time.Time           `json:"cleared_at,omitempty"`
	Phase           monitor.Phase        `json:"phase"`
	Detail          string               `json:"detail,omitempty"`
}

// RecordConflictEvent implements monitor.Recorder. A new alert opens an
// episode; reminders tighten its worst-approach fields; a clear stamps
// cleared_at on the open episode for the pair.
func (db *DB) RecordConflictEvent(ctx context.Context, a monitor.Alert) error {
	c := a.Conflict
	switch a.Phase {
	case monitor.PhaseNew:
		_, err := db.ExecContext(ctx, `
			INSERT INTO conflict_events (
				conflict_id, kind, severity, drone_a, drone_b,
				min_distance_m, min_distance_time, started_at, phase, detail
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			c.ID, string(c.Kind), string(c.Severity), c.DroneA, c.DroneB,
			c.MinDistanceM, c.MinDistanceAt.UnixMilli(), a.At.UnixMilli(),
			string(a.Phase), c.Detail)
		return classify(err)

	case monitor.PhaseReminder:
		// Keep the episode's worst approach.
		_, err := db.ExecContext(ctx, `
			UPDATE conflict_events
			SET phase = ?, severity = ?,
			    min_distance_m = MIN(min_distance_m, ?),
			    min_distance_time = CASE WHEN ? < min_distance_m THEN ? ELSE min_distance_time END
			WHERE kind = ? AND drone_a = ? AND drone_b = ? AND cleared_at IS NULL`,
			string(a.Phase), string(c.Severity),
			c.MinDistanceM, c.MinDistanceM, c.MinDistanceAt.UnixMilli(),
			string(c.Kind), c.DroneA, c.DroneB)
		return classify(err)

	case monitor.PhaseCleared:
		_, err := db.ExecContext(ctx, `
			UPDATE conflict_events
			SET phase = ?, cleared_at = ?
			WHERE kind = ? AND drone_a = ? AND drone_b = ? AND cleared_at IS NULL`,
			string(a.Phase), a.At.UnixMilli(),
			string(c.Kind), c.DroneA, c.DroneB)
		return classify(err)
	}
	return nil
}

// RangeConflicts returns episodes that started inside [from, to), newest
// first.
func (db *DB) RangeConflicts(ctx context.Context, from, to time.Time) ([]ConflictEvent, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT conflict_id, kind, severity, drone_a, drone_b,
		       min_distance_m, min_distance_time, started_at, cleared_at,
		       phase, detail
		FROM conflict_events
		WHERE started_at >= ? AND started_at < ?
		ORDER BY started_at DESC`,
		from.UnixMilli(), to.UnixMilli())
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var out []ConflictEvent
	for rows.Next() {
		var (
			e                     ConflictEvent
			kind, severity, phase string
			minAt, started        int64
			cleared               sql.NullInt64
		)
		if err := rows.Scan(&e.ConflictID, &kind, &severity, &e.DroneA, &e.DroneB,
			&e.MinDistanceM, &minAt, &started, &cleared, &phase, &e.Detail); err != nil {
			return nil, err
		}
		e.Kind = deconflict.Kind(kind)
		e.Severity = deconflict.Severity(severity)
		e.Phase = monitor.Phase(phase)
		e.MinDistanceTime = time.UnixMilli(minAt).UTC()
		e.StartedAt = time.UnixMilli(started).UTC()
		e.ClearedAt = timeOrNil(cleared)
		out = append(out, e)
	}
	return out, rows.Err()
}
