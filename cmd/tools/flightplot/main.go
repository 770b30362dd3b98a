// flightplot renders persisted trajectories as a PNG: altitude over time
// per vehicle on top, minimum inter-vehicle separation below. Useful for
// eyeballing a flight test after the fact:
//
//	flightplot -db airspace.db -drones drone-1,drone-2 -out flight.png
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"math"
	"os"
	"sort"
	"strings"
	"time"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"
	"gonum.org/v1/plot/vg/draw"
	"gonum.org/v1/plot/vg/vgimg"

	"github.com/banshee-data/airspace.report/internal/db"
	"github.com/banshee-data/airspace.report/internal/geo"
	"github.com/banshee-data/airspace.report/internal/telemetry"
)

var (
	dbPath = flag.String("db", "airspace.db", "sqlite database path")
	drones = flag.String("drones", "", "comma-separated drone IDs (required)")
	from   = flag.String("from", "", "window start, RFC 3339 (default: one hour ago)")
	to     = flag.String("to", "", "window end, RFC 3339 (default: now)")
	out    = flag.String("out", "flight.png", "output PNG path")
)

func main() {
	flag.Parse()
	if *drones == "" {
		log.Fatal("-drones is required")
	}
	ids := strings.Split(*drones, ",")
	for i := range ids {
		ids[i] = strings.TrimSpace(ids[i])
	}

	window, err := parseWindow(*from, *to)
	if err != nil {
		log.Fatalf("window: %v", err)
	}

	database, err := db.NewDB(*dbPath)
	if err != nil {
		log.Fatalf("database: %v", err)
	}
	defer database.Close()

	ctx := context.Background()
	tracks := make(map[string][]telemetry.Sample, len(ids))
	for _, id := range ids {
		samples, err := database.RangeTrajectory(ctx, id, window.from, window.to)
		if err != nil {
			log.Fatalf("read trajectory %s: %v", id, err)
		}
		if len(samples) == 0 {
			log.Printf("no samples for %s in window", id)
		}
		tracks[id] = samples
	}

	if err := render(ids, tracks, window, *out); err != nil {
		log.Fatalf("render: %v", err)
	}
	log.Printf("wrote %s", *out)
}

type timeWindow struct {
	from, to time.Time
}

func parseWindow(fromRaw, toRaw string) (timeWindow, error) {
	w := timeWindow{from: time.Now().Add(-time.Hour), to: time.Now()}
	var err error
	if fromRaw != "" {
		if w.from, err = time.Parse(time.RFC3339, fromRaw); err != nil {
			return w, fmt.Errorf("-from: %w", err)
		}
	}
	if toRaw != "" {
		if w.to, err = time.Parse(time.RFC3339, toRaw); err != nil {
			return w, fmt.Errorf("-to: %w", err)
		}
	}
	if !w.to.After(w.from) {
		return w, fmt.Errorf("-to must be after -from")
	}
	return w, nil
}

func render(ids []string, tracks map[string][]telemetry.Sample, window timeWindow, outPath string) error {
	altPlot := plot.New()
	altPlot.Title.Text = "Altitude"
	altPlot.X.Label.Text = "Time"
	altPlot.Y.Label.Text = "Altitude (m)"
	altPlot.X.Tick.Marker = plot.TimeTicks{Format: "15:04:05"}
	altPlot.Legend.Top = true

	for i, id := range ids {
		pts := make(plotter.XYs, len(tracks[id]))
		for j, smp := range tracks[id] {
			pts[j].X = float64(smp.Time.Unix())
			pts[j].Y = smp.Pos.AltM
		}
		line, err := plotter.NewLine(pts)
		if err != nil {
			return fmt.Errorf("altitude line %s: %w", id, err)
		}
		line.Color = plotutil.Color(i)
		altPlot.Add(line)
		altPlot.Legend.Add(id, line)
	}

	sepPlot := plot.New()
	sepPlot.Title.Text = "Minimum Separation"
	sepPlot.X.Label.Text = "Time"
	sepPlot.Y.Label.Text = "Distance (m)"
	sepPlot.X.Tick.Marker = plot.TimeTicks{Format: "15:04:05"}

	sepLine, err := plotter.NewLine(minSeparation(ids, tracks))
	if err != nil {
		return fmt.Errorf("separation line: %w", err)
	}
	sepPlot.Add(sepLine)

	img := vgimg.New(10*vg.Inch, 8*vg.Inch)
	dc := draw.New(img)
	tiles := draw.Tiles{Rows: 2, Cols: 1, PadY: vg.Millimeter * 2}
	canvases := plot.Align([][]*plot.Plot{{altPlot}, {sepPlot}}, tiles, dc)
	altPlot.Draw(canvases[0][0])
	sepPlot.Draw(canvases[1][0])

	f, err := os.Create(outPath)
	if err != nil {
		return err
	}
	defer f.Close()
	png := vgimg.PngCanvas{Canvas: img}
	if _, err := png.WriteTo(f); err != nil {
		return err
	}
	return nil
}

// minSeparation buckets every track to one-second resolution and reports
// the minimum pairwise 3-D distance wherever two or more vehicles have a
// fix in the same second.
func minSeparation(ids []string, tracks map[string][]telemetry.Sample) plotter.XYs {
	buckets := make(map[int64]map[string]geo.Position)
	for _, id := range ids {
		for _, smp := range tracks[id] {
			sec := smp.Time.Unix()
			if buckets[sec] == nil {
				buckets[sec] = make(map[string]geo.Position)
			}
			buckets[sec][id] = smp.Pos
		}
	}

	var pts plotter.XYs
	for sec, fixes := range buckets {
		if len(fixes) < 2 {
			continue
		}
		minDist := math.Inf(1)
		positions := make([]geo.Position, 0, len(fixes))
		for _, p := range fixes {
			positions = append(positions, p)
		}
		for i := 0; i < len(positions); i++ {
			for j := i + 1; j < len(positions); j++ {
				if d := geo.DistanceM(positions[i], positions[j]); d < minDist {
					minDist = d
				}
			}
		}
		pts = append(pts, plotter.XY{X: float64(sec), Y: minDist})
	}
	sort.Slice(pts, func(i, j int) bool { return pts[i].X < pts[j].X })
	return pts
}
