package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/banshee-data/airspace.report/internal/broadcast"
	"github.com/banshee-data/airspace.report/internal/monitor"
	"github.com/banshee-data/airspace.report/internal/telemetry"
	"github.com/banshee-data/airspace.report/internal/version"
)

// The API is trusted-network; origin checks stay open.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// outboundCap bounds reader-generated messages (control responses,
// playback, errors) queued for the writer.
const outboundCap = 16

type wsConnected struct {
	Type       string  `json:"type"`
	ServerTime string  `json:"server_time"`
	Version    string  `json:"version"`
	UpdateHz   float64 `json:"update_hz"`
}

type wsDroneUpdate struct {
	Type string `json:"type"`
	broadcast.Snapshot
}

type wsConflictAlert struct {
	Type string `json:"type"`
	monitor.Alert
}

type wsControlResponse struct {
	Type      string `json:"type"`
	RequestID string `json:"request_id,omitempty"`
	DroneID   string `json:"drone_id"`
	Success   bool   `json:"success"`
	Error     string `json:"error,omitempty"`
}

type wsHistoricalTrajectory struct {
	Type    string             `json:"type"`
	DroneID string             `json:"drone_id"`
	Samples []telemetry.Sample `json:"samples"`
}

type wsError struct {
	Type  string `json:"type"`
	Error string `json:"error"`
}

// wsRequest is the union of every client message; Type discriminates.
type wsRequest struct {
	Type      string   `json:"type"`
	RequestID string   `json:"request_id,omitempty"`
	DroneID   string   `json:"drone_id,omitempty"`
	Command   string   `json:"command,omitempty"`
	Altitude  *float64 `json:"altitude,omitempty"`
	Lat       *float64 `json:"lat,omitempty"`
	Lon       *float64 `json:"lon,omitempty"`
	Alt       *float64 `json:"alt,omitempty"`
	Speed     *float64 `json:"speed,omitempty"`
	Mode      string   `json:"mode,omitempty"`
	Force     bool     `json:"force,omitempty"`
	StartTime apiTime  `json:"start_time,omitempty"`
	EndTime   apiTime  `json:"end_time,omitempty"`
}

// websocket upgrades the connection and runs the event channel: one writer
// goroutine owns all conn writes, the reader validates and dispatches
// client messages. A slow socket never blocks the broadcaster; the
// subscriber channels coalesce and drop upstream.
func (s *Server) websocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	id, sub := s.core.Subscribe()
	outbound := make(chan interface{}, outboundCap)
	done := make(chan struct{})

	greeting := wsConnected{
		Type:       "connected",
		ServerTime: s.clock.Now().UTC().Format("2006-01-02T15:04:05.000Z07:00"),
		Version:    version.Version,
		UpdateHz:   s.core.UpdateHz(),
	}

	go s.wsWriter(conn, sub, outbound, done, greeting)

	// Reader loop. Exiting tears the session down.
	defer func() {
		s.core.Unsubscribe(id)
		close(done)
		conn.Close()
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var req wsRequest
		if err := json.Unmarshal(data, &req); err != nil {
			trySend(outbound, wsError{Type: "error", Error: "malformed JSON: " + err.Error()})
			continue
		}
		s.wsDispatch(r.Context(), req, outbound)
	}
}

func (s *Server) wsWriter(conn *websocket.Conn, sub *broadcast.Subscriber, outbound <-chan interface{}, done <-chan struct{}, greeting wsConnected) {
	if err := conn.WriteJSON(greeting); err != nil {
		return
	}
	for {
		select {
		case <-done:
			return
		case snap, ok := <-sub.Snapshots:
			if !ok {
				return
			}
			if err := conn.WriteJSON(wsDroneUpdate{Type: "drone_update", Snapshot: snap}); err != nil {
				return
			}
		case alert, ok := <-sub.Alerts:
			if !ok {
				return
			}
			if err := conn.WriteJSON(wsConflictAlert{Type: "conflict_alert", Alert: alert}); err != nil {
				return
			}
		case msg := <-outbound:
			if err := conn.WriteJSON(msg); err != nil {
				return
			}
		}
	}
}

func (s *Server) wsDispatch(ctx context.Context, req wsRequest, outbound chan<- interface{}) {
	switch req.Type {
	case "request_update":
		snap := s.core.SnapshotNow(ctx)
		trySend(outbound, wsDroneUpdate{Type: "drone_update", Snapshot: snap})

	case "control_drone":
		cmd, err := controlRequest{
			Command:  req.Command,
			Altitude: req.Altitude,
			Lat:      req.Lat,
			Lon:      req.Lon,
			Alt:      req.Alt,
			Speed:    req.Speed,
			Mode:     req.Mode,
			Force:    req.Force,
		}.toCommand()
		if err != nil {
			trySend(outbound, wsControlResponse{
				Type: "control_response", RequestID: req.RequestID,
				DroneID: req.DroneID, Error: err.Error(),
			})
			return
		}
		// Commands can wait on driver acks; keep the reader responsive.
		go func() {
			resp := wsControlResponse{
				Type: "control_response", RequestID: req.RequestID,
				DroneID: req.DroneID, Success: true,
			}
			if err := s.core.Control(ctx, req.DroneID, cmd); err != nil {
				resp.Success = false
				resp.Error = err.Error()
			}
			trySend(outbound, resp)
		}()

	case "request_historical_playback":
		if req.DroneID == "" {
			trySend(outbound, wsError{Type: "error", Error: "request_historical_playback requires drone_id"})
			return
		}
		now := s.clock.Now()
		from, to := now.Add(-time.Hour), now
		if req.StartTime.set {
			from = req.StartTime.Time
		}
		if req.EndTime.set {
			to = req.EndTime.Time
		}
		samples, err := s.core.HistoryTrajectory(ctx, req.DroneID, from, to)
		if err != nil {
			trySend(outbound, wsError{Type: "error", Error: err.Error()})
			return
		}
		trySend(outbound, wsHistoricalTrajectory{
			Type: "historical_trajectory", DroneID: req.DroneID, Samples: samples,
		})

	default:
		trySend(outbound, wsError{Type: "error", Error: "unknown message type " + req.Type})
	}
}

func trySend(ch chan<- interface{}, msg interface{}) {
	select {
	case ch <- msg:
	default:
	}
}
