package db

import (
	"context"
	"time"

	"github.com/banshee-data/airspace.report/internal/monitoring"
)

// RetentionWorker periodically trims the trajectory archive to its
// configured retention and expires old conflict episodes. Designed to run
// hourly; each pass is a pair of bounded DELETEs.
type RetentionWorker struct {
	DB                *DB
	SampleRetention   time.Duration // trajectory_samples lookback
	ConflictRetention time.Duration // conflict_events lookback
	Interval          time.Duration // how often to run
	StopChan          chan struct{}
}

// NewRetentionWorker sizes the worker with its defaults: hourly runs,
// conflict episodes kept 30 days.
func NewRetentionWorker(db *DB, sampleRetention time.Duration) *RetentionWorker {
	return &RetentionWorker{
		DB:                db,
		SampleRetention:   sampleRetention,
		ConflictRetention: 30 * 24 * time.Hour,
		Interval:          time.Hour,
		StopChan:          make(chan struct{}),
	}
}

// Start runs the periodic worker loop in a goroutine.
func (w *RetentionWorker) Start() {
	go func() {
		ticker := time.NewTicker(w.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := w.RunOnce(context.Background()); err != nil {
					monitoring.Logf("db: retention run error: %v", err)
				}
			case <-w.StopChan:
				return
			}
		}
	}()
}

// Stop requests the worker to stop.
func (w *RetentionWorker) Stop() {
	close(w.StopChan)
}

// RunOnce deletes everything past retention.
func (w *RetentionWorker) RunOnce(ctx context.Context) error {
	now := time.Now().UTC()

	res, err := w.DB.ExecContext(ctx,
		`DELETE FROM trajectory_samples WHERE sample_time < ?`,
		now.Add(-w.SampleRetention).UnixMilli())
	if err != nil {
		return classify(err)
	}
	samples, _ := res.RowsAffected()

	res, err = w.DB.ExecContext(ctx,
		`DELETE FROM conflict_events WHERE started_at < ?`,
		now.Add(-w.ConflictRetention).UnixMilli())
	if err != nil {
		return classify(err)
	}
	conflicts, _ := res.RowsAffected()

	if samples > 0 || conflicts > 0 {
		diagf("retention pass: %d samples, %d conflict episodes", samples, conflicts)
	}
	return nil
}
