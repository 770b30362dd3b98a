// Package api is the HTTP and WebSocket surface. Handlers are thin
// adapters: parse and validate at the edge, call one Core operation, map
// the outcome onto the JSON envelope. No coordination logic lives here.
package api

import (
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/banshee-data/airspace.report/internal/airspace"
	"github.com/banshee-data/airspace.report/internal/metrics"
	"github.com/banshee-data/airspace.report/internal/timeutil"
)

// ANSI escape codes for the request log
const colorCyan = "\033[36m"
const colorReset = "\033[0m"
const colorYellow = "\033[33m"
const colorBoldGreen = "\033[1;32m"
const colorBoldRed = "\033[1;31m"

// Server adapts Core operations onto HTTP.
type Server struct {
	core  *airspace.Core
	clock timeutil.Clock
}

func NewServer(core *airspace.Core, clock timeutil.Clock) *Server {
	return &Server{core: core, clock: clock}
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

func (lrw *loggingResponseWriter) Flush() {
	if flusher, ok := lrw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func statusCodeColor(statusCode int) string {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return colorBoldGreen + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 300 && statusCode < 400:
		return colorYellow + strconv.Itoa(statusCode) + colorReset
	default:
		return colorBoldRed + strconv.Itoa(statusCode) + colorReset
	}
}

// LoggingMiddleware logs method, path, query, status, and duration
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &loggingResponseWriter{w, http.StatusOK}
		next.ServeHTTP(lrw, r)
		log.Printf(
			"[%s] %s %s%s%s %vms",
			statusCodeColor(lrw.statusCode), r.Method,
			colorCyan, r.RequestURI, colorReset,
			float64(time.Since(start).Nanoseconds())/1e6,
		)
	})
}

// ServeMux builds the route table. Admin/debug routes are attached by the
// caller, which owns the database handle.
func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/drones", s.listDrones)
	mux.HandleFunc("GET /api/drones/{id}", s.showDrone)
	mux.HandleFunc("GET /api/missions", s.listMissions)
	mux.HandleFunc("GET /api/missions/{id}", s.showMission)
	mux.HandleFunc("POST /api/schedule", s.schedule)
	mux.HandleFunc("POST /api/missions/{id}/cancel", s.cancelMission)
	mux.HandleFunc("POST /api/control/{id}", s.control)
	mux.HandleFunc("POST /api/emergency", s.emergency)
	mux.HandleFunc("GET /api/trajectory/{id}", s.recentTrajectory)
	mux.HandleFunc("GET /api/history/trajectory/{id}", s.historyTrajectory)
	mux.HandleFunc("GET /api/history/conflicts", s.historyConflicts)
	mux.HandleFunc("GET /api/history/statistics", s.statistics)
	mux.HandleFunc("GET /api/future/trajectories", s.futureRoutes)
	mux.HandleFunc("GET /api/config", s.showConfig)
	mux.HandleFunc("GET /api/health", s.health)
	mux.HandleFunc("GET /ws", s.websocket)
	mux.HandleFunc("GET /debug/airspace-chart", s.airspaceChart)
	mux.Handle("GET /metrics", metrics.Handler())

	return mux
}
