package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/banshee-data/airspace.report/internal/airspace"
	"github.com/banshee-data/airspace.report/internal/fleet"
	"github.com/banshee-data/airspace.report/internal/httputil"
	"github.com/banshee-data/airspace.report/internal/mission"
)

// Machine-readable failure codes carried in the error envelope.
const (
	codeInvalidInput       = "INVALID_INPUT"
	codeConflictDetected   = "CONFLICT_DETECTED"
	codeVehicleUnavailable = "VEHICLE_UNAVAILABLE"
	codeVehicleBusy        = "VEHICLE_BUSY"
	codeNotFound           = "NOT_FOUND"
	codeTerminal           = "MISSION_TERMINAL"
	codeDriverError        = "DRIVER_ERROR"
	codePersistence        = "PERSISTENCE_ERROR"
	codeNoPersistence      = "PERSISTENCE_DISABLED"
)

func (s *Server) listDrones(w http.ResponseWriter, r *http.Request) {
	drones, err := s.core.Fleet(r.Context())
	if err != nil {
		httputil.WriteFailure(w, http.StatusBadGateway, codeDriverError, err.Error(), nil)
		return
	}
	if drones == nil {
		drones = []fleet.VehicleState{}
	}
	httputil.WriteSuccess(w, httputil.Envelope{
		"drones":    drones,
		"timestamp": s.clock.Now(),
	})
}

func (s *Server) showDrone(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	st, err := s.core.Vehicle(r.Context(), id)
	if err != nil {
		if errors.Is(err, fleet.ErrVehicleUnavailable) {
			httputil.WriteFailure(w, http.StatusNotFound, codeNotFound,
				fmt.Sprintf("unknown vehicle %s", id), nil)
			return
		}
		httputil.WriteFailure(w, http.StatusBadGateway, codeDriverError, err.Error(), nil)
		return
	}
	httputil.WriteSuccess(w, httputil.Envelope{"drone": st})
}

func (s *Server) listMissions(w http.ResponseWriter, r *http.Request) {
	missions := s.core.Missions()
	if missions == nil {
		missions = []mission.Mission{}
	}
	httputil.WriteSuccess(w, httputil.Envelope{"missions": missions})
}

func (s *Server) showMission(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	m, ok := s.core.Mission(id)
	if !ok {
		httputil.WriteFailure(w, http.StatusNotFound, codeNotFound,
			fmt.Sprintf("unknown mission %s", id), nil)
		return
	}
	httputil.WriteSuccess(w, httputil.Envelope{"mission": m})
}

func (s *Server) schedule(w http.ResponseWriter, r *http.Request) {
	var req scheduleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.WriteFailure(w, http.StatusBadRequest, codeInvalidInput,
			fmt.Sprintf("invalid request body: %v", err), nil)
		return
	}
	plan, err := req.toPlan(s.clock.Now(), s.core.MaxCruiseSpeedMps())
	if err != nil {
		httputil.WriteFailure(w, http.StatusBadRequest, codeInvalidInput, err.Error(), nil)
		return
	}

	m, res, err := s.core.Schedule(r.Context(), plan)
	if err != nil {
		if errors.Is(err, fleet.ErrVehicleUnavailable) {
			httputil.WriteFailure(w, http.StatusConflict, codeVehicleUnavailable, err.Error(), nil)
			return
		}
		httputil.WriteFailure(w, http.StatusInternalServerError, codePersistence, err.Error(), nil)
		return
	}
	if m == nil {
		status, code := http.StatusConflict, codeConflictDetected
		if len(res.Errors) > 0 && len(res.Blocking) == 0 {
			status, code = http.StatusBadRequest, codeInvalidInput
		}
		httputil.WriteFailure(w, status, code, "plan rejected", httputil.Envelope{
			"conflicts":  res.Blocking,
			"errors":     res.Errors,
			"advisories": res.Advisories,
		})
		return
	}
	httputil.WriteSuccess(w, httputil.Envelope{
		"mission_id": m.ID,
		"state":      m.State,
		"advisories": res.Advisories,
	})
}

func (s *Server) cancelMission(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	m, err := s.core.CancelMission(r.Context(), id)
	if err != nil {
		switch {
		case errors.Is(err, mission.ErrMissionNotFound):
			httputil.WriteFailure(w, http.StatusNotFound, codeNotFound, err.Error(), nil)
		case errors.Is(err, mission.ErrMissionTerminal):
			httputil.WriteFailure(w, http.StatusConflict, codeTerminal, err.Error(), nil)
		default:
			httputil.WriteFailure(w, http.StatusInternalServerError, codePersistence, err.Error(), nil)
		}
		return
	}
	httputil.WriteSuccess(w, httputil.Envelope{"mission": m})
}

type controlRequest struct {
	Command  string   `json:"command"`
	Altitude *float64 `json:"altitude"`
	Lat      *float64 `json:"lat"`
	Lon      *float64 `json:"lon"`
	Alt      *float64 `json:"alt"`
	Speed    *float64 `json:"speed"`
	Mode     string   `json:"mode"`
	Force    bool     `json:"force"`
}

const defaultTakeoffAltM = 10.0

// toCommand maps the wire request onto the closed fleet command set.
// "stop" is an alias for loiter, matching operator expectations.
func (req controlRequest) toCommand() (fleet.Command, error) {
	switch req.Command {
	case "arm":
		return fleet.Arm{}, nil
	case "disarm":
		return fleet.Disarm{Force: req.Force}, nil
	case "takeoff":
		alt := defaultTakeoffAltM
		if req.Altitude != nil {
			alt = *req.Altitude
		}
		if alt <= 0 {
			return nil, fmt.Errorf("takeoff altitude must be positive, got %f", alt)
		}
		return fleet.Takeoff{AltM: alt}, nil
	case "land":
		return fleet.Land{}, nil
	case "rtl":
		return fleet.RTL{}, nil
	case "loiter", "stop":
		return fleet.Loiter{}, nil
	case "goto":
		if req.Lat == nil || req.Lon == nil || req.Alt == nil {
			return nil, fmt.Errorf("goto requires lat, lon and alt")
		}
		cmd := fleet.Goto{Target: geoPosition(*req.Lat, *req.Lon, *req.Alt)}
		if req.Speed != nil {
			cmd.SpeedMps = *req.Speed
		}
		return cmd, nil
	case "set_mode":
		if req.Mode == "" {
			return nil, fmt.Errorf("set_mode requires mode")
		}
		return fleet.SetMode{Mode: req.Mode}, nil
	case "":
		return nil, fmt.Errorf("command is required")
	default:
		return nil, fmt.Errorf("unknown command %q", req.Command)
	}
}

func (s *Server) control(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req controlRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.WriteFailure(w, http.StatusBadRequest, codeInvalidInput,
			fmt.Sprintf("invalid request body: %v", err), nil)
		return
	}
	cmd, err := req.toCommand()
	if err != nil {
		httputil.WriteFailure(w, http.StatusBadRequest, codeInvalidInput, err.Error(), nil)
		return
	}

	if err := s.core.Control(r.Context(), id, cmd); err != nil {
		writeControlError(w, id, err)
		return
	}
	httputil.WriteSuccess(w, httputil.Envelope{"drone_id": id, "command": cmd.Name()})
}

func writeControlError(w http.ResponseWriter, id string, err error) {
	switch {
	case errors.Is(err, fleet.ErrVehicleUnavailable):
		httputil.WriteFailure(w, http.StatusConflict, codeVehicleUnavailable,
			fmt.Sprintf("vehicle %s unavailable", id), nil)
	case errors.Is(err, airspace.ErrVehicleBusy):
		httputil.WriteFailure(w, http.StatusConflict, codeVehicleBusy, err.Error(), nil)
	case errors.Is(err, fleet.ErrUnsupportedCommand):
		httputil.WriteFailure(w, http.StatusBadRequest, codeInvalidInput, err.Error(), nil)
	default:
		httputil.WriteFailure(w, http.StatusBadGateway, codeDriverError, err.Error(), nil)
	}
}

func (s *Server) emergency(w http.ResponseWriter, r *http.Request) {
	report := s.core.EmergencyStopAll(r.Context())
	httputil.WriteSuccess(w, httputil.Envelope{
		"cancelled_missions": report.Cancelled,
		"vehicles":           report.Vehicles,
	})
}

func (s *Server) recentTrajectory(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	samples := s.core.RecentTrajectory(id)
	httputil.WriteSuccess(w, httputil.Envelope{"drone_id": id, "samples": samples})
}

// timeRange reads start_time/end_time query parameters, defaulting to the
// trailing hour.
func (s *Server) timeRange(r *http.Request) (from, to time.Time, err error) {
	now := s.clock.Now()
	from, to = now.Add(-time.Hour), now
	if raw := r.URL.Query().Get("start_time"); raw != "" {
		if from, err = parseQueryTime(raw); err != nil {
			return from, to, fmt.Errorf("start_time: %w", err)
		}
	}
	if raw := r.URL.Query().Get("end_time"); raw != "" {
		if to, err = parseQueryTime(raw); err != nil {
			return from, to, fmt.Errorf("end_time: %w", err)
		}
	}
	if !to.After(from) {
		return from, to, fmt.Errorf("end_time must be after start_time")
	}
	return from, to, nil
}

func (s *Server) historyTrajectory(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	from, to, err := s.timeRange(r)
	if err != nil {
		httputil.WriteFailure(w, http.StatusBadRequest, codeInvalidInput, err.Error(), nil)
		return
	}
	samples, err := s.core.HistoryTrajectory(r.Context(), id, from, to)
	if err != nil {
		writeHistoryError(w, err)
		return
	}
	httputil.WriteSuccess(w, httputil.Envelope{"drone_id": id, "samples": samples})
}

func (s *Server) historyConflicts(w http.ResponseWriter, r *http.Request) {
	from, to, err := s.timeRange(r)
	if err != nil {
		httputil.WriteFailure(w, http.StatusBadRequest, codeInvalidInput, err.Error(), nil)
		return
	}
	events, err := s.core.HistoryConflicts(r.Context(), from, to)
	if err != nil {
		writeHistoryError(w, err)
		return
	}
	httputil.WriteSuccess(w, httputil.Envelope{"conflicts": events})
}

func (s *Server) statistics(w http.ResponseWriter, r *http.Request) {
	window := time.Hour
	if raw := r.URL.Query().Get("window_s"); raw != "" {
		secs, err := strconv.ParseFloat(raw, 64)
		if err != nil || secs <= 0 {
			httputil.WriteFailure(w, http.StatusBadRequest, codeInvalidInput,
				fmt.Sprintf("invalid window_s %q", raw), nil)
			return
		}
		window = time.Duration(secs * float64(time.Second))
	}
	stats, err := s.core.Statistics(r.Context(), window)
	if err != nil {
		writeHistoryError(w, err)
		return
	}
	httputil.WriteSuccess(w, httputil.Envelope{"statistics": stats})
}

func (s *Server) futureRoutes(w http.ResponseWriter, r *http.Request) {
	now := s.clock.Now()
	from, to := now, now.Add(time.Hour)
	var err error
	if raw := r.URL.Query().Get("start_time"); raw != "" {
		if from, err = parseQueryTime(raw); err != nil {
			httputil.WriteFailure(w, http.StatusBadRequest, codeInvalidInput, err.Error(), nil)
			return
		}
	}
	if raw := r.URL.Query().Get("end_time"); raw != "" {
		if to, err = parseQueryTime(raw); err != nil {
			httputil.WriteFailure(w, http.StatusBadRequest, codeInvalidInput, err.Error(), nil)
			return
		}
	}
	routes, err := s.core.FutureRoutes(r.Context(), from, to)
	if err != nil {
		writeHistoryError(w, err)
		return
	}
	httputil.WriteSuccess(w, httputil.Envelope{"routes": routes})
}

func writeHistoryError(w http.ResponseWriter, err error) {
	if errors.Is(err, airspace.ErrNoPersistence) {
		httputil.WriteFailure(w, http.StatusServiceUnavailable, codeNoPersistence,
			"service is running without a database", nil)
		return
	}
	httputil.WriteFailure(w, http.StatusInternalServerError, codePersistence, err.Error(), nil)
}

func (s *Server) showConfig(w http.ResponseWriter, r *http.Request) {
	httputil.WriteSuccess(w, httputil.Envelope{"config": s.core.Config()})
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	h := s.core.Health()
	httputil.WriteSuccess(w, httputil.Envelope{"health": h})
}
