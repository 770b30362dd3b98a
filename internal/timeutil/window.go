package timeutil

import (
	"fmt"
	"time"
)

// Window is a half-open time interval [Start, End). Mission windows,
// trajectory queries and conflict intervals all use this convention so
// that back-to-back windows do not overlap at the shared instant.
type Window struct {
	Start time.Time `json:"start_time"`
	End   time.Time `json:"end_time"`
}

// NewWindow builds a Window, normalising both bounds to UTC.
func NewWindow(start, end time.Time) Window {
	return Window{Start: start.UTC(), End: end.UTC()}
}

// Valid reports whether the window has positive duration.
func (w Window) Valid() bool {
	return w.End.After(w.Start)
}

// Duration returns End - Start.
func (w Window) Duration() time.Duration {
	return w.End.Sub(w.Start)
}

// Contains reports whether t lies inside the half-open interval.
func (w Window) Contains(t time.Time) bool {
	return !t.Before(w.Start) && t.Before(w.End)
}

// Overlaps reports whether two half-open windows share any instant.
// Windows that merely touch (one ends exactly where the other starts)
// do not overlap.
func (w Window) Overlaps(o Window) bool {
	return w.Start.Before(o.End) && o.Start.Before(w.End)
}

// Intersect returns the overlap of two windows and whether it is non-empty.
func (w Window) Intersect(o Window) (Window, bool) {
	start := w.Start
	if o.Start.After(start) {
		start = o.Start
	}
	end := w.End
	if o.End.Before(end) {
		end = o.End
	}
	out := Window{Start: start, End: end}
	return out, out.Valid()
}

// Clamp limits t to the closed interval [Start, End]. Interpolation over a
// window holds the endpoint positions outside it.
func (w Window) Clamp(t time.Time) time.Time {
	if t.Before(w.Start) {
		return w.Start
	}
	if t.After(w.End) {
		return w.End
	}
	return t
}

func (w Window) String() string {
	return fmt.Sprintf("[%s, %s)", w.Start.Format(time.RFC3339), w.End.Format(time.RFC3339))
}
