// Package metrics exposes the service health counters on /metrics.
// Everything uses the default Prometheus registry; packages bump these
// directly rather than threading collector handles around.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	SamplesIngested = promauto.NewCounter(prometheus.CounterOpts{
		Name: "airspace_telemetry_samples_total",
		Help: "Telemetry samples accepted into the trajectory store.",
	})

	SamplesDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "airspace_telemetry_samples_dropped_total",
		Help: "Telemetry samples rejected for arriving out of order.",
	})

	Admissions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "airspace_admissions_total",
		Help: "Mission admission outcomes.",
	}, []string{"verdict"})

	ConflictsDetected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "airspace_conflicts_detected_total",
		Help: "Conflicts detected, by kind.",
	}, []string{"kind"})

	AlertsEmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "airspace_alerts_total",
		Help: "Conflict alerts emitted, by phase.",
	}, []string{"phase"})

	MissionTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "airspace_mission_transitions_total",
		Help: "Mission lifecycle transitions, by target state.",
	}, []string{"to"})

	BroadcastSnapshots = promauto.NewCounter(prometheus.CounterOpts{
		Name: "airspace_broadcast_snapshots_total",
		Help: "State snapshots composed by the broadcaster.",
	})

	BroadcastCoalesced = promauto.NewCounter(prometheus.CounterOpts{
		Name: "airspace_broadcast_coalesced_total",
		Help: "Snapshots a slow subscriber skipped by coalescing.",
	})

	DriverCommandErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "airspace_driver_command_errors_total",
		Help: "Vehicle commands that failed or timed out.",
	})

	PersistenceRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "airspace_persistence_retries_total",
		Help: "Transient persistence failures retried.",
	})

	ActiveVehicles = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "airspace_vehicles",
		Help: "Vehicles with fresh telemetry.",
	})

	RunningMissions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "airspace_missions_running",
		Help: "Missions currently RUNNING.",
	})

	Subscribers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "airspace_event_subscribers",
		Help: "Connected event-channel subscribers.",
	})

	VehiclesRejected = promauto.NewCounter(prometheus.CounterOpts{
		Name: "airspace_vehicles_rejected_total",
		Help: "Vehicles ignored because the fleet cap was reached.",
	})
)

// Verdict labels for Admissions.
const (
	VerdictAccepted        = "accepted"
	VerdictRejectedInvalid = "rejected_invalid"
	VerdictRejectedTraffic = "rejected_conflict"
	VerdictFailedPersist   = "failed_persist"
)

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
