package mission

import (
	"context"
	"errors"
	"fmt"

	"github.com/banshee-data/airspace.report/internal/fleet"
	"github.com/banshee-data/airspace.report/internal/geo"
	"github.com/banshee-data/airspace.report/internal/metrics"
	"github.com/banshee-data/airspace.report/internal/monitoring"
)

// runExecutor flies one RUNNING mission: arm, climb to the first waypoint's
// altitude, then fly the path waypoint by waypoint, polling the driver for
// arrival. It owns the terminal transition for every outcome except an
// operator cancel, whose transition happens before the context is cut.
func (r *Registry) runExecutor(ctx context.Context, id string, plan Plan) {
	defer r.wg.Done()

	fail := func(reason string, err error) {
		monitoring.Logf("mission %s executor: %s: %v", id, reason, err)
		metrics.DriverCommandErrors.Inc()
		r.transition(r.runCtx, id, StateFailed, reason)
		// Best effort: leave the vehicle holding rather than mid-leg.
		r.holdVehicle(plan.DroneID)
	}

	if len(plan.Waypoints) == 0 {
		// Admission rejects empty plans; this guards a corrupted record.
		r.transition(r.runCtx, id, StateFailed, ReasonDriverError)
		return
	}

	if err := r.send(ctx, plan.DroneID, fleet.Arm{}); err != nil {
		if !errors.Is(err, context.Canceled) {
			fail(ReasonDriverError, err)
		}
		return
	}
	if err := r.send(ctx, plan.DroneID, fleet.Takeoff{AltM: plan.Waypoints[0].AltM}); err != nil {
		if !errors.Is(err, context.Canceled) {
			fail(ReasonDriverError, err)
		}
		return
	}

	speed := plan.Route().SpeedMps()
	for i, wp := range plan.Waypoints {
		if err := r.send(ctx, plan.DroneID, fleet.Goto{Target: wp, SpeedMps: speed}); err != nil {
			if !errors.Is(err, context.Canceled) {
				fail(ReasonDriverError, err)
			}
			return
		}

		arrived, err := r.awaitArrival(ctx, plan, wp)
		if err != nil {
			if !errors.Is(err, context.Canceled) {
				fail(ReasonDriverError, err)
			}
			return
		}
		if !arrived {
			// The window ending is a completion condition, same as the last
			// waypoint: the mission flew its allotted time. The reason
			// records how far it got.
			monitoring.Logf("mission %s: window ended at waypoint %d/%d", id, i+1, len(plan.Waypoints))
			r.transition(r.runCtx, id, StateCompleted, ReasonWindowExpired)
			r.holdVehicle(plan.DroneID)
			return
		}
	}

	monitoring.Logf("mission %s: all %d waypoints reached", id, len(plan.Waypoints))
	r.transition(r.runCtx, id, StateCompleted, "")
}

// awaitArrival polls vehicle state until it is within the arrival radius of
// wp. Returns false when the mission window ends first.
func (r *Registry) awaitArrival(ctx context.Context, plan Plan, wp geo.Waypoint) (bool, error) {
	ticker := r.clock.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()

	deadline := plan.EndTime
	for {
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-ticker.C():
		}

		st, err := r.driver.State(ctx, plan.DroneID)
		if err != nil {
			return false, fmt.Errorf("state poll: %w", err)
		}
		if geo.DistanceM(st.Pos, wp) <= r.cfg.ArrivalRadiusM {
			return true, nil
		}
		if r.clock.Now().After(deadline) {
			return false, nil
		}
	}
}

// send issues one driver command bounded by the command watchdog.
func (r *Registry) send(ctx context.Context, droneID string, cmd fleet.Command) error {
	cmdCtx, cancel := context.WithTimeout(ctx, r.cfg.CommandTimeout)
	defer cancel()
	if err := r.driver.Send(cmdCtx, droneID, cmd); err != nil {
		return fmt.Errorf("command %s: %w", cmd.Name(), err)
	}
	return nil
}

// holdVehicle parks a vehicle after a failure or cancel: loiter if the
// driver supports it, otherwise return-to-launch. Runs detached from the
// executor context, which may already be cancelled.
func (r *Registry) holdVehicle(droneID string) {
	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.CommandTimeout)
	defer cancel()
	if err := r.driver.Send(ctx, droneID, fleet.Loiter{}); err != nil {
		if err := r.driver.Send(ctx, droneID, fleet.RTL{}); err != nil {
			monitoring.Logf("vehicle %s: could not park after mission end: %v", droneID, err)
		}
	}
}
