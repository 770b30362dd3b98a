package mission

import (
	"context"
	"errors"

	"github.com/banshee-data/airspace.report/internal/metrics"
	"github.com/banshee-data/airspace.report/internal/monitoring"
)

// Persistence is what the registry needs from durable storage. The sqlite
// layer implements it; tests substitute an in-memory fake.
type Persistence interface {
	// PutMission writes the full admission record. Its ack is the
	// admission gate: a plan the store did not acknowledge was never
	// admitted.
	PutMission(ctx context.Context, m Mission) error

	// UpdateMission writes the mission's current state, reason and
	// timestamps.
	UpdateMission(ctx context.Context, m Mission) error

	// ActiveMissions returns persisted SCHEDULED and RUNNING missions,
	// used to reconcile after a restart.
	ActiveMissions(ctx context.Context) ([]Mission, error)
}

// TransientError marks a persistence failure that is safe to retry once
// (lock contention, momentary IO) as opposed to a permanent one
// (constraint violation, schema drift).
type TransientError interface {
	error
	Transient() bool
}

func isTransient(err error) bool {
	var te TransientError
	return errors.As(err, &te) && te.Transient()
}

// withRetry runs op and retries exactly once if the failure is transient.
func withRetry(ctx context.Context, what string, op func(context.Context) error) error {
	err := op(ctx)
	if err == nil || !isTransient(err) {
		return err
	}
	metrics.PersistenceRetries.Inc()
	monitoring.Logf("mission: transient %s failure, retrying once: %v", what, err)
	return op(ctx)
}
