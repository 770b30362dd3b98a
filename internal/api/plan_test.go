package api

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestAPITimeFormats(t *testing.T) {
	var at apiTime
	require.NoError(t, json.Unmarshal([]byte(`"2026-03-01T12:00:00Z"`), &at))
	require.True(t, at.set)
	require.Equal(t, time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC), at.Time)

	at = apiTime{}
	require.NoError(t, json.Unmarshal([]byte(`1772366400`), &at))
	require.True(t, at.set)
	require.Equal(t, int64(1772366400), at.Unix())

	at = apiTime{}
	require.NoError(t, json.Unmarshal([]byte(`null`), &at))
	require.False(t, at.set)

	require.Error(t, json.Unmarshal([]byte(`"next tuesday"`), &at))
}

func TestToPlanDefaultsWindow(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	req := scheduleRequest{
		DroneID: "drone-1",
		Waypoints: []json.RawMessage{
			[]byte(`{"lat": -35.3632621, "lon": 149.1652264, "alt": 20}`),
			[]byte(`{"lat": -35.3650621, "lon": 149.1652264, "alt": 20}`),
		},
	}

	plan, err := req.toPlan(now, 20.0)
	require.NoError(t, err)
	require.Equal(t, now, plan.StartTime)

	// ~200 m path at 10 m/s effective cruise.
	window := plan.EndTime.Sub(plan.StartTime)
	require.InDelta(t, 20.0, window.Seconds(), 1.0)
}

func TestToPlanMinimumWindow(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	req := scheduleRequest{
		DroneID: "drone-1",
		Waypoints: []json.RawMessage{
			[]byte(`{"lat": -35.3632621, "lon": 149.1652264, "alt": 20}`),
		},
	}

	plan, err := req.toPlan(now, 20.0)
	require.NoError(t, err)
	require.Equal(t, minPlanWindow, plan.EndTime.Sub(plan.StartTime))
}

func TestToPlanExplicitWindowKept(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	var start, end apiTime
	require.NoError(t, json.Unmarshal([]byte(`"2026-03-01T13:00:00Z"`), &start))
	require.NoError(t, json.Unmarshal([]byte(`"2026-03-01T13:05:00Z"`), &end))
	req := scheduleRequest{
		DroneID: "drone-1",
		Waypoints: []json.RawMessage{
			[]byte(`{"lat": -35.3632621, "lon": 149.1652264, "alt": 20}`),
		},
		StartTime: start,
		EndTime:   end,
	}

	plan, err := req.toPlan(now, 20.0)
	require.NoError(t, err)
	require.Equal(t, start.Time, plan.StartTime)
	require.Equal(t, end.Time, plan.EndTime)
}

func TestParseWaypointErrors(t *testing.T) {
	cases := map[string]string{
		"array":       `[1, 2, 3]`,
		"missing lat": `{"lon": 149.0, "alt": 20}`,
		"bad lat":     `{"lat": 95, "lon": 149.0}`,
		"bad lon":     `{"lat": -35.0, "lon": 181.0}`,
		"not json":    `"waypoint"`,
	}
	for name, raw := range cases {
		_, err := parseWaypoint(json.RawMessage(raw))
		require.Error(t, err, name)
	}

	wp, err := parseWaypoint(json.RawMessage(`{"lat": -35.0, "lon": 149.0}`))
	require.NoError(t, err)
	require.Zero(t, wp.AltM)
}
