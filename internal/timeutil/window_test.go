package timeutil

import (
	"testing"
	"time"
)

func mkWindow(startMin, endMin int) Window {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return NewWindow(base.Add(time.Duration(startMin)*time.Minute), base.Add(time.Duration(endMin)*time.Minute))
}

func TestWindow_Valid(t *testing.T) {
	if !mkWindow(0, 10).Valid() {
		t.Error("positive-duration window should be valid")
	}
	if mkWindow(10, 10).Valid() {
		t.Error("zero-duration window should be invalid")
	}
	if mkWindow(10, 5).Valid() {
		t.Error("inverted window should be invalid")
	}
}

func TestWindow_Contains_HalfOpen(t *testing.T) {
	w := mkWindow(0, 10)

	if !w.Contains(w.Start) {
		t.Error("window should contain its start instant")
	}
	if w.Contains(w.End) {
		t.Error("window should not contain its end instant")
	}
	if !w.Contains(w.Start.Add(5 * time.Minute)) {
		t.Error("window should contain interior instant")
	}
}

func TestWindow_Overlaps(t *testing.T) {
	tests := []struct {
		name string
		a, b Window
		want bool
	}{
		{"disjoint", mkWindow(0, 10), mkWindow(20, 30), false},
		{"touching", mkWindow(0, 10), mkWindow(10, 20), false},
		{"partial", mkWindow(0, 10), mkWindow(5, 15), true},
		{"nested", mkWindow(0, 30), mkWindow(10, 20), true},
		{"identical", mkWindow(0, 10), mkWindow(0, 10), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.a.Overlaps(tt.b); got != tt.want {
				t.Errorf("Overlaps = %v, want %v", got, tt.want)
			}
			if got := tt.b.Overlaps(tt.a); got != tt.want {
				t.Errorf("Overlaps (reversed) = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestWindow_Intersect(t *testing.T) {
	got, ok := mkWindow(0, 10).Intersect(mkWindow(5, 15))
	if !ok {
		t.Fatal("expected non-empty intersection")
	}
	want := mkWindow(5, 10)
	if !got.Start.Equal(want.Start) || !got.End.Equal(want.End) {
		t.Errorf("Intersect = %v, want %v", got, want)
	}

	if _, ok := mkWindow(0, 10).Intersect(mkWindow(10, 20)); ok {
		t.Error("touching windows should not intersect")
	}
}

func TestWindow_Clamp(t *testing.T) {
	w := mkWindow(0, 10)

	if got := w.Clamp(w.Start.Add(-time.Hour)); !got.Equal(w.Start) {
		t.Errorf("Clamp before start = %v, want %v", got, w.Start)
	}
	if got := w.Clamp(w.End.Add(time.Hour)); !got.Equal(w.End) {
		t.Errorf("Clamp after end = %v, want %v", got, w.End)
	}
	mid := w.Start.Add(3 * time.Minute)
	if got := w.Clamp(mid); !got.Equal(mid) {
		t.Errorf("Clamp interior = %v, want %v", got, mid)
	}
}
