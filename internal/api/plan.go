package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/banshee-data/airspace.report/internal/geo"
	"github.com/banshee-data/airspace.report/internal/mission"
)

// apiTime accepts either an RFC 3339 string or unix seconds, so curl and
// script clients both work without ceremony.
type apiTime struct {
	time.Time
	set bool
}

func (t *apiTime) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || string(data) == "null" {
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		parsed, err := time.Parse(time.RFC3339, s)
		if err != nil {
			return fmt.Errorf("time %q: want RFC 3339 or unix seconds", s)
		}
		t.Time, t.set = parsed, true
		return nil
	}
	secs, err := strconv.ParseFloat(string(data), 64)
	if err != nil {
		return fmt.Errorf("time %s: want RFC 3339 or unix seconds", data)
	}
	t.Time = time.Unix(0, int64(secs*float64(time.Second))).UTC()
	t.set = true
	return nil
}

// parseQueryTime reads a query parameter in the same two formats.
func parseQueryTime(raw string) (time.Time, error) {
	if parsed, err := time.Parse(time.RFC3339, raw); err == nil {
		return parsed, nil
	}
	secs, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("time %q: want RFC 3339 or unix seconds", raw)
	}
	return time.Unix(0, int64(secs*float64(time.Second))).UTC(), nil
}

type scheduleRequest struct {
	DroneID   string            `json:"drone_id"`
	Waypoints []json.RawMessage `json:"waypoints"`
	StartTime apiTime           `json:"start_time"`
	EndTime   apiTime           `json:"end_time"`
}

type waypointWire struct {
	Lat *float64 `json:"lat"`
	Lon *float64 `json:"lon"`
	Alt *float64 `json:"alt"`
}

const minPlanWindow = 10 * time.Second

// toPlan validates the wire request into a mission.Plan. A missing
// start_time means now; a missing end_time is derived from the path length
// at half the cruise ceiling.
func (req scheduleRequest) toPlan(now time.Time, maxCruiseMps float64) (mission.Plan, error) {
	if req.DroneID == "" {
		return mission.Plan{}, fmt.Errorf("drone_id is required")
	}
	if len(req.Waypoints) == 0 {
		return mission.Plan{}, fmt.Errorf("waypoints must not be empty")
	}

	waypoints := make([]geo.Waypoint, len(req.Waypoints))
	for i, raw := range req.Waypoints {
		wp, err := parseWaypoint(raw)
		if err != nil {
			return mission.Plan{}, fmt.Errorf("waypoint %d: %w", i, err)
		}
		waypoints[i] = wp
	}

	start := now
	if req.StartTime.set {
		start = req.StartTime.Time
	}
	end := req.EndTime.Time
	if !req.EndTime.set {
		cruise := maxCruiseMps / 2
		window := time.Duration(geo.PathLengthM(waypoints) / cruise * float64(time.Second))
		if window < minPlanWindow {
			window = minPlanWindow
		}
		end = start.Add(window)
	}

	return mission.Plan{
		DroneID:   req.DroneID,
		Waypoints: waypoints,
		StartTime: start,
		EndTime:   end,
	}, nil
}

func geoPosition(lat, lon, alt float64) geo.Position {
	return geo.Position{Lat: lat, Lon: lon, AltM: alt}
}

func parseWaypoint(raw json.RawMessage) (geo.Waypoint, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		return geo.Waypoint{}, fmt.Errorf(`want an object {"lat": .., "lon": .., "alt": ..}, got an array`)
	}
	var wire waypointWire
	if err := json.Unmarshal(trimmed, &wire); err != nil {
		return geo.Waypoint{}, fmt.Errorf("invalid waypoint: %w", err)
	}
	if wire.Lat == nil || wire.Lon == nil {
		return geo.Waypoint{}, fmt.Errorf("lat and lon are required")
	}
	if *wire.Lat < -90 || *wire.Lat > 90 {
		return geo.Waypoint{}, fmt.Errorf("lat %f out of range", *wire.Lat)
	}
	if *wire.Lon < -180 || *wire.Lon > 180 {
		return geo.Waypoint{}, fmt.Errorf("lon %f out of range", *wire.Lon)
	}
	wp := geo.Waypoint{Lat: *wire.Lat, Lon: *wire.Lon}
	if wire.Alt != nil {
		wp.AltM = *wire.Alt
	}
	return wp, nil
}
