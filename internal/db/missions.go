package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/banshee-data/airspace.report/internal/geo"
	"github.com/banshee-data/airspace.report/internal/mission"
)

// Times are stored as unix milliseconds; waypoints as a JSON array.

// PutMission writes the full admission record. The registry treats this
// ack as the admission gate, so it must not return before the row is
// durable.
func (db *DB) PutMission(ctx context.Context, m mission.Mission) error {
	waypoints, err := json.Marshal(m.Waypoints)
	if err != nil {
		return fmt.Errorf("marshal waypoints: %w", err)
	}
	_, err = db.ExecContext(ctx, `
		INSERT INTO missions (
			mission_id, drone_id, waypoints, start_time, end_time,
			state, reason, created_at, started_at, ended_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(mission_id) DO UPDATE SET
			state = excluded.state,
			reason = excluded.reason,
			started_at = excluded.started_at,
			ended_at = excluded.ended_at`,
		m.ID, m.DroneID, string(waypoints),
		m.StartTime.UnixMilli(), m.EndTime.UnixMilli(),
		string(m.State), m.Reason, m.CreatedAt.UnixMilli(),
		msOrNull(m.StartedAt), msOrNull(m.EndedAt),
	)
	return classify(err)
}

// UpdateMission writes the mission's current state, reason and timestamps.
func (db *DB) UpdateMission(ctx context.Context, m mission.Mission) error {
	res, err := db.ExecContext(ctx, `
		UPDATE missions
		SET state = ?, reason = ?, started_at = ?, ended_at = ?
		WHERE mission_id = ?`,
		string(m.State), m.Reason, msOrNull(m.StartedAt), msOrNull(m.EndedAt), m.ID,
	)
	if err != nil {
		return classify(err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("mission %s not found", m.ID)
	}
	return nil
}

// ActiveMissions returns persisted SCHEDULED and RUNNING missions, oldest
// first, for restart reconciliation.
func (db *DB) ActiveMissions(ctx context.Context) ([]mission.Mission, error) {
	return db.queryMissions(ctx, `
		SELECT mission_id, drone_id, waypoints, start_time, end_time,
		       state, reason, created_at, started_at, ended_at
		FROM missions
		WHERE state IN (?, ?)
		ORDER BY created_at`,
		string(mission.StateScheduled), string(mission.StateRunning))
}

// MissionFilter narrows ListMissions. Zero fields match everything.
type MissionFilter struct {
	DroneID string
	State   mission.State
	Limit   int
}

// ListMissions returns missions newest first.
func (db *DB) ListMissions(ctx context.Context, f MissionFilter) ([]mission.Mission, error) {
	q := `
		SELECT mission_id, drone_id, waypoints, start_time, end_time,
		       state, reason, created_at, started_at, ended_at
		FROM missions WHERE 1=1`
	var args []any
	if f.DroneID != "" {
		q += " AND drone_id = ?"
		args = append(args, f.DroneID)
	}
	if f.State != "" {
		q += " AND state = ?"
		args = append(args, string(f.State))
	}
	q += " ORDER BY created_at DESC"
	if f.Limit > 0 {
		q += " LIMIT ?"
		args = append(args, f.Limit)
	}
	return db.queryMissions(ctx, q, args...)
}

func (db *DB) queryMissions(ctx context.Context, q string, args ...any) ([]mission.Mission, error) {
	rows, err := db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var out []mission.Mission
	for rows.Next() {
		var (
			m          mission.Mission
			waypoints  string
			state      string
			start, end int64
			created    int64
			startedAt  sql.NullInt64
			endedAt    sql.NullInt64
		)
		if err := rows.Scan(
			&m.ID, &m.DroneID, &waypoints, &start, &end,
			&state, &m.Reason, &created, &startedAt, &endedAt,
		); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(waypoints), &m.Waypoints); err != nil {
			return nil, fmt.Errorf("mission %s: waypoints: %w", m.ID, err)
		}
		m.State = mission.State(state)
		m.StartTime = time.UnixMilli(start).UTC()
		m.EndTime = time.UnixMilli(end).UTC()
		m.CreatedAt = time.UnixMilli(created).UTC()
		m.StartedAt = timeOrNil(startedAt)
		m.EndedAt = timeOrNil(endedAt)
		out = append(out, m)
	}
	return out, rows.Err()
}

func msOrNull(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}

func timeOrNil(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.UnixMilli(v.Int64).UTC()
	return &t
}

// waypointsOf is a scan helper shared with the stats rollup.
func waypointsOf(raw string) ([]geo.Waypoint, error) {
	var wps []geo.Waypoint
	err := json.Unmarshal([]byte(raw), &wps)
	return wps, err
}
