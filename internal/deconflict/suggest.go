package deconflict

import (
	"fmt"
	"math"
	"time"

	"github.com/banshee-data/airspace.report/internal/geo"
)

// suggest produces the human-readable resolution hint attached to a blocking
// conflict at admission time. Heuristic, not a replanner: it names the
// cheapest-looking single change that would clear the buffer.
func suggest(hit approach, bufferM float64, route geo.Route) string {
	// A clash confined to the early part of the window usually clears by
	// waiting it out.
	mid := route.Window.Start.Add(route.Window.Duration() / 2)
	if hit.interval.End.Before(mid) {
		delay := hit.interval.End.Sub(route.Window.Start)
		return fmt.Sprintf("delay start by %ds", roundUpSeconds(delay, 10))
	}

	// Mostly-lateral geometry with a thin vertical gap: change altitude.
	vert := math.Abs(hit.posA.AltM - hit.posB.AltM)
	horiz := geo.GroundDistanceM(hit.posA, hit.posB)
	if vert < bufferM && horiz >= bufferM/2 {
		adjust := int(math.Ceil(bufferM - vert))
		return fmt.Sprintf("adjust cruise altitude by %dm", adjust)
	}

	return fmt.Sprintf("re-route leg %d", legIndexAt(route, hit.minAt))
}

func legIndexAt(route geo.Route, t time.Time) int {
	for i, leg := range route.Legs() {
		if leg.Window.Contains(t) {
			return i + 1
		}
	}
	if n := len(route.Waypoints) - 1; n > 0 {
		return n
	}
	return 1
}

func roundUpSeconds(d time.Duration, step int) int {
	s := int(math.Ceil(d.Seconds()))
	if s <= 0 {
		return step
	}
	if rem := s % step; rem != 0 {
		s += step - rem
	}
	return s
}
