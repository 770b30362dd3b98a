package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/banshee-data/airspace.report/internal/airspace"
	"github.com/banshee-data/airspace.report/internal/fleet/sim"
	"github.com/banshee-data/airspace.report/internal/timeutil"
)

var apiT0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestServer(t *testing.T) (*httptest.Server, *timeutil.MockClock) {
	t.Helper()
	clock := timeutil.NewMockClock(apiT0)
	driver := sim.New(clock, sim.Config{Vehicles: 2})
	core := airspace.New(nil, driver, nil, clock)
	srv := httptest.NewServer(NewServer(core, clock).ServeMux())
	t.Cleanup(func() {
		srv.Close()
		driver.Close()
	})
	return srv, clock
}

func getJSON(t *testing.T, url string) (int, map[string]interface{}) {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	var body map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	return resp.StatusCode, body
}

func postJSON(t *testing.T, url, payload string) (int, map[string]interface{}) {
	t.Helper()
	resp, err := http.Post(url, "application/json", bytes.NewBufferString(payload))
	require.NoError(t, err)
	defer resp.Body.Close()
	var body map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	return resp.StatusCode, body
}

func TestListDrones(t *testing.T) {
	srv, _ := newTestServer(t)

	status, body := getJSON(t, srv.URL+"/api/drones")
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, true, body["success"])
	require.Len(t, body["drones"], 2)
}

func TestShowDrone(t *testing.T) {
	srv, _ := newTestServer(t)

	status, body := getJSON(t, srv.URL+"/api/drones/drone-1")
	require.Equal(t, http.StatusOK, status)
	drone := body["drone"].(map[string]interface{})
	require.Equal(t, "drone-1", drone["id"])

	status, body = getJSON(t, srv.URL+"/api/drones/drone-9")
	require.Equal(t, http.StatusNotFound, status)
	require.Equal(t, false, body["success"])
	require.Equal(t, "NOT_FOUND", body["code"])
}

func scheduleBody(droneID string, latOffset float64, start time.Time) string {
	return fmt.Sprintf(`{
		"drone_id": %q,
		"waypoints": [
			{"lat": %f, "lon": 149.1652264, "alt": 20},
			{"lat": %f, "lon": 149.1652264, "alt": 20}
		],
		"start_time": %q,
		"end_time": %q
	}`, droneID, -35.3632621+latOffset, -35.3634+latOffset,
		start.Format(time.RFC3339), start.Add(2*time.Minute).Format(time.RFC3339))
}

func TestScheduleCancelLifecycle(t *testing.T) {
	srv, clock := newTestServer(t)
	start := clock.Now().Add(time.Minute)

	status, body := postJSON(t, srv.URL+"/api/schedule", scheduleBody("drone-1", 0, start))
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, true, body["success"])
	missionID := body["mission_id"].(string)
	require.NotEmpty(t, missionID)

	status, body = getJSON(t, srv.URL+"/api/missions/"+missionID)
	require.Equal(t, http.StatusOK, status)
	m := body["mission"].(map[string]interface{})
	require.Equal(t, "SCHEDULED", m["state"])

	status, _ = postJSON(t, srv.URL+"/api/missions/"+missionID+"/cancel", "{}")
	require.Equal(t, http.StatusOK, status)

	status, body = postJSON(t, srv.URL+"/api/missions/"+missionID+"/cancel", "{}")
	require.Equal(t, http.StatusConflict, status)
	require.Equal(t, "MISSION_TERMINAL", body["code"])

	status, body = postJSON(t, srv.URL+"/api/missions/nope/cancel", "{}")
	require.Equal(t, http.StatusNotFound, status)
	require.Equal(t, "NOT_FOUND", body["code"])
}

func TestScheduleConflictRejected(t *testing.T) {
	srv, clock := newTestServer(t)
	start := clock.Now().Add(time.Minute)

	status, _ := postJSON(t, srv.URL+"/api/schedule", scheduleBody("drone-1", 0, start))
	require.Equal(t, http.StatusOK, status)

	// Same track, same window, second vehicle.
	status, body := postJSON(t, srv.URL+"/api/schedule", scheduleBody("drone-2", 0, start))
	require.Equal(t, http.StatusConflict, status)
	require.Equal(t, false, body["success"])
	require.Equal(t, "CONFLICT_DETECTED", body["code"])
	require.NotEmpty(t, body["conflicts"])
}

func TestScheduleRejectsArrayWaypoints(t *testing.T) {
	srv, _ := newTestServer(t)

	payload := `{"drone_id": "drone-1", "waypoints": [[-35.3632, 149.1652, 20]]}`
	status, body := postJSON(t, srv.URL+"/api/schedule", payload)
	require.Equal(t, http.StatusBadRequest, status)
	require.Contains(t, body["error"], "got an array")
}

func TestScheduleValidation(t *testing.T) {
	srv, _ := newTestServer(t)

	for name, payload := range map[string]string{
		"no drone":     `{"waypoints": [{"lat": 1, "lon": 2, "alt": 3}]}`,
		"no waypoints": `{"drone_id": "drone-1", "waypoints": []}`,
		"missing lon":  `{"drone_id": "drone-1", "waypoints": [{"lat": 1, "alt": 3}]}`,
		"bad lat":      `{"drone_id": "drone-1", "waypoints": [{"lat": 91, "lon": 2, "alt": 3}]}`,
		"not json":     `{"drone_id"`,
	} {
		status, body := postJSON(t, srv.URL+"/api/schedule", payload)
		require.Equal(t, http.StatusBadRequest, status, name)
		require.Equal(t, "INVALID_INPUT", body["code"], name)
	}
}

func TestControlArm(t *testing.T) {
	srv, _ := newTestServer(t)

	status, body := postJSON(t, srv.URL+"/api/control/drone-1", `{"command": "arm"}`)
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, true, body["success"])

	_, body = getJSON(t, srv.URL+"/api/drones/drone-1")
	drone := body["drone"].(map[string]interface{})
	require.Equal(t, true, drone["armed"])
}

func TestControlValidation(t *testing.T) {
	srv, _ := newTestServer(t)

	status, body := postJSON(t, srv.URL+"/api/control/drone-1", `{"command": "warp"}`)
	require.Equal(t, http.StatusBadRequest, status)
	require.Equal(t, "INVALID_INPUT", body["code"])

	status, body = postJSON(t, srv.URL+"/api/control/drone-1", `{"command": "goto"}`)
	require.Equal(t, http.StatusBadRequest, status)
	require.Contains(t, body["error"], "goto requires")

	status, body = postJSON(t, srv.URL+"/api/control/drone-9", `{"command": "arm"}`)
	require.Equal(t, http.StatusConflict, status)
	require.Equal(t, "VEHICLE_UNAVAILABLE", body["code"])

	// Takeoff while disarmed is a driver refusal, not a validation error.
	status, body = postJSON(t, srv.URL+"/api/control/drone-1", `{"command": "takeoff", "altitude": 15}`)
	require.Equal(t, http.StatusBadGateway, status)
	require.Equal(t, "DRIVER_ERROR", body["code"])
}

func TestEmergency(t *testing.T) {
	srv, clock := newTestServer(t)
	start := clock.Now().Add(time.Minute)

	status, _ := postJSON(t, srv.URL+"/api/schedule", scheduleBody("drone-1", 0, start))
	require.Equal(t, http.StatusOK, status)

	status, body := postJSON(t, srv.URL+"/api/emergency", "{}")
	require.Equal(t, http.StatusOK, status)
	require.Len(t, body["cancelled_missions"], 1)
}

func TestHistoryWithoutPersistence(t *testing.T) {
	srv, _ := newTestServer(t)

	for _, path := range []string{
		"/api/history/trajectory/drone-1",
		"/api/history/conflicts",
		"/api/history/statistics",
		"/api/future/trajectories",
	} {
		status, body := getJSON(t, srv.URL+path)
		require.Equal(t, http.StatusServiceUnavailable, status, path)
		require.Equal(t, "PERSISTENCE_DISABLED", body["code"], path)
	}
}

func TestHistoryTimeValidation(t *testing.T) {
	srv, _ := newTestServer(t)

	status, body := getJSON(t, srv.URL+"/api/history/conflicts?start_time=yesterday")
	require.Equal(t, http.StatusBadRequest, status)
	require.Equal(t, "INVALID_INPUT", body["code"])

	status, body = getJSON(t, srv.URL+"/api/history/statistics?window_s=-5")
	require.Equal(t, http.StatusBadRequest, status)
	require.Equal(t, "INVALID_INPUT", body["code"])
}

func TestConfigAndHealth(t *testing.T) {
	srv, _ := newTestServer(t)

	status, body := getJSON(t, srv.URL+"/api/config")
	require.Equal(t, http.StatusOK, status)
	cfg := body["config"].(map[string]interface{})
	require.Equal(t, 10.0, cfg["safety_buffer_m"])
	require.Equal(t, 2.0, cfg["update_hz"])

	status, body = getJSON(t, srv.URL+"/api/health")
	require.Equal(t, http.StatusOK, status)
	health := body["health"].(map[string]interface{})
	require.Equal(t, "ok", health["status"])
	require.Equal(t, false, health["persistence"])
}

func TestMetricsEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}
