package api

import (
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

func dialWS(t *testing.T, httpURL string) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(httpURL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	return conn
}

func readType(t *testing.T, conn *websocket.Conn, want string) map[string]interface{} {
	t.Helper()
	// Broadcast frames may interleave; skip until the wanted type shows up.
	for i := 0; i < 10; i++ {
		var msg map[string]interface{}
		require.NoError(t, conn.ReadJSON(&msg))
		if msg["type"] == want {
			return msg
		}
	}
	t.Fatalf("no %s message within 10 frames", want)
	return nil
}

func TestWSGreeting(t *testing.T) {
	srv, _ := newTestServer(t)
	conn := dialWS(t, srv.URL)

	greeting := readType(t, conn, "connected")
	require.Equal(t, 2.0, greeting["update_hz"])
	require.NotEmpty(t, greeting["server_time"])
}

func TestWSRequestUpdate(t *testing.T) {
	srv, _ := newTestServer(t)
	conn := dialWS(t, srv.URL)
	readType(t, conn, "connected")

	require.NoError(t, conn.WriteJSON(map[string]string{"type": "request_update"}))
	update := readType(t, conn, "drone_update")
	require.Len(t, update["drones"], 2)
	require.Greater(t, update["update_id"], 0.0)
}

func TestWSControlDrone(t *testing.T) {
	srv, _ := newTestServer(t)
	conn := dialWS(t, srv.URL)
	readType(t, conn, "connected")

	require.NoError(t, conn.WriteJSON(map[string]interface{}{
		"type":       "control_drone",
		"request_id": "req-1",
		"drone_id":   "drone-1",
		"command":    "arm",
	}))
	resp := readType(t, conn, "control_response")
	require.Equal(t, "req-1", resp["request_id"])
	require.Equal(t, true, resp["success"])

	// Invalid command answers on the same channel, not with a disconnect.
	require.NoError(t, conn.WriteJSON(map[string]interface{}{
		"type":     "control_drone",
		"drone_id": "drone-1",
		"command":  "warp",
	}))
	resp = readType(t, conn, "control_response")
	require.Equal(t, false, resp["success"])
	require.Contains(t, resp["error"], "unknown command")
}

func TestWSMalformedJSONKeepsConnection(t *testing.T) {
	srv, _ := newTestServer(t)
	conn := dialWS(t, srv.URL)
	readType(t, conn, "connected")

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{nope")))
	errMsg := readType(t, conn, "error")
	require.Contains(t, errMsg["error"], "malformed JSON")

	// Connection still works.
	require.NoError(t, conn.WriteJSON(map[string]string{"type": "request_update"}))
	readType(t, conn, "drone_update")
}

func TestWSUnknownType(t *testing.T) {
	srv, _ := newTestServer(t)
	conn := dialWS(t, srv.URL)
	readType(t, conn, "connected")

	require.NoError(t, conn.WriteJSON(map[string]string{"type": "teleport"}))
	errMsg := readType(t, conn, "error")
	require.Contains(t, errMsg["error"], "unknown message type")
}

func TestWSPlaybackWithoutPersistence(t *testing.T) {
	srv, _ := newTestServer(t)
	conn := dialWS(t, srv.URL)
	readType(t, conn, "connected")

	require.NoError(t, conn.WriteJSON(map[string]string{
		"type":     "request_historical_playback",
		"drone_id": "drone-1",
	}))
	errMsg := readType(t, conn, "error")
	require.Contains(t, errMsg["error"], "persistence")
}
