package mission

import (
	"context"
	"time"

	"github.com/banshee-data/airspace.report/internal/deconflict"
	"github.com/banshee-data/airspace.report/internal/metrics"
	"github.com/banshee-data/airspace.report/internal/monitoring"
	"github.com/banshee-data/airspace.report/internal/timeutil"
)

// SetAlertFunc wires the sink that receives the conflicts behind a
// late-conflict failure. Must be called before Start; nil disables alerts.
func (r *Registry) SetAlertFunc(f func(deconflict.Conflict)) {
	r.onAlert = f
}

// dispatchLoop is the single scheduler task: it sleeps until the earliest
// SCHEDULED start time, dispatches everything due, and re-arms. Schedule and
// reconcile nudge it through the wake channel whenever the earliest start
// may have changed.
func (r *Registry) dispatchLoop(ctx context.Context) {
	defer r.wg.Done()

	timer := r.clock.NewTimer(time.Hour)
	disarm(timer)
	defer timer.Stop()

	for {
		next, ok := r.nextStart()
		if ok {
			wait := r.clock.Until(next)
			if wait <= 0 {
				r.dispatchDue(ctx)
				continue
			}
			// The timer may have fired since the last arm; drain before
			// Reset so a stale tick cannot trigger an extra dispatch pass.
			disarm(timer)
			timer.Reset(wait)
		}

		select {
		case <-ctx.Done():
			return
		case <-r.wake:
			if ok {
				disarm(timer)
			}
		case <-timer.C():
			r.dispatchDue(ctx)
		}
	}
}

// disarm stops a timer and consumes any tick already delivered to its
// channel, leaving it safe to Reset.
func disarm(t timeutil.Timer) {
	if !t.Stop() {
		select {
		case <-t.C():
		default:
		}
	}
}

// nextStart returns the earliest start time among SCHEDULED missions.
func (r *Registry) nextStart() (time.Time, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var next time.Time
	found := false
	for _, m := range r.missions {
		if m.State != StateScheduled {
			continue
		}
		if !found || m.StartTime.Before(next) {
			next = m.StartTime
			found = true
		}
	}
	return next, found
}

// dispatchDue starts every SCHEDULED mission whose window has opened. Each
// gets a second deconfliction pass against live traffic only; plans that
// were safe at admission can be unsafe by start time.
func (r *Registry) dispatchDue(ctx context.Context) {
	now := r.clock.Now()

	r.mu.Lock()
	var due []*Mission
	for _, m := range r.missions {
		if m.State == StateScheduled && !m.StartTime.After(now) {
			due = append(due, m)
		}
	}
	r.mu.Unlock()

	for _, m := range due {
		r.dispatchOne(ctx, m.ID)
	}
}

// dispatchOne re-validates one mission and hands it to an executor. The
// whole decision happens under the admission lock so a racing Cancel cannot
// interleave with the RUNNING transition.
func (r *Registry) dispatchOne(ctx context.Context, id string) {
	live := r.store.LatestAll()

	r.mu.Lock()
	m, ok := r.missions[id]
	if !ok || m.State != StateScheduled {
		r.mu.Unlock()
		return
	}

	// Second pass: live/mixed kinds only. Admitted plans were already
	// checked against each other at admission and have not changed.
	res := r.engine.CheckPlan(m.DroneID, m.Route(), r.clock.Now(), nil, live)
	if len(res.Blocking) > 0 {
		r.transitionLocked(ctx, m, StateFailed, ReasonLateConflict)
		conflicts := res.Blocking
		r.mu.Unlock()

		monitoring.Logf("mission %s: late conflict at dispatch, %d conflicts, no command issued", id, len(conflicts))
		for _, c := range conflicts {
			metrics.ConflictsDetected.WithLabelValues(string(c.Kind)).Inc()
			if r.onAlert != nil {
				r.onAlert(c)
			}
		}
		return
	}

	if !r.transitionLocked(ctx, m, StateRunning, "") {
		r.mu.Unlock()
		return
	}
	execCtx, cancel := context.WithCancel(r.runCtx)
	r.execs[id] = cancel
	plan := m.Plan
	r.mu.Unlock()

	r.wg.Add(1)
	go r.runExecutor(execCtx, id, plan)
}

// transition applies a lifecycle step by mission ID, for executor callbacks.
func (r *Registry) transition(ctx context.Context, id string, to State, reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if m, ok := r.missions[id]; ok {
		r.transitionLocked(ctx, m, to, reason)
	}
}
