package api

import (
	"bytes"
	"fmt"
	"math"
	"net/http"
	"strconv"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/opts"

	"github.com/banshee-data/airspace.report/internal/geo"
	"github.com/banshee-data/airspace.report/internal/httputil"
)

// airspaceChart renders a quick top-down plot (HTML) of the recent
// trajectory buffer using go-echarts. Debugging-only endpoint: positions
// are projected to metres around the fleet centroid, colored by altitude.
// Query params:
//   - drone (optional; defaults to the whole fleet)
//   - max_points (optional; default 5000) to reduce payload size
func (s *Server) airspaceChart(w http.ResponseWriter, r *http.Request) {
	maxPoints := 5000
	if mp := r.URL.Query().Get("max_points"); mp != "" {
		if v, err := strconv.Atoi(mp); err == nil && v > 100 && v <= 50000 {
			maxPoints = v
		}
	}

	vehicles, err := s.core.Fleet(r.Context())
	if err != nil {
		httputil.WriteFailure(w, http.StatusBadGateway, codeDriverError, err.Error(), nil)
		return
	}

	only := r.URL.Query().Get("drone")
	ids := make([]string, 0, len(vehicles))
	for _, v := range vehicles {
		if only == "" || v.ID == only {
			ids = append(ids, v.ID)
		}
	}
	if len(ids) == 0 {
		httputil.WriteFailure(w, http.StatusNotFound, codeNotFound, "no vehicles to plot", nil)
		return
	}

	// Centroid of the latest fixes anchors the local frame.
	var origin geo.Position
	for _, v := range vehicles {
		origin.Lat += v.Pos.Lat / float64(len(vehicles))
		origin.Lon += v.Pos.Lon / float64(len(vehicles))
	}

	scatter := charts.NewScatter()
	maxAbs, maxAlt := 1.0, 1.0
	total := 0
	for _, id := range ids {
		samples := s.core.RecentTrajectory(id)
		stride := 1
		if len(samples)*len(ids) > maxPoints {
			stride = int(math.Ceil(float64(len(samples)*len(ids)) / float64(maxPoints)))
		}
		data := make([]opts.ScatterData, 0, len(samples)/stride+1)
		for i := 0; i < len(samples); i += stride {
			smp := samples[i]
			x := geo.GroundDistanceM(origin, geo.Position{Lat: origin.Lat, Lon: smp.Pos.Lon})
			if smp.Pos.Lon < origin.Lon {
				x = -x
			}
			y := geo.GroundDistanceM(origin, geo.Position{Lat: smp.Pos.Lat, Lon: origin.Lon})
			if smp.Pos.Lat < origin.Lat {
				y = -y
			}
			maxAbs = math.Max(maxAbs, math.Max(math.Abs(x), math.Abs(y)))
			maxAlt = math.Max(maxAlt, smp.Pos.AltM)
			data = append(data, opts.ScatterData{Value: []interface{}{x, y, smp.Pos.AltM}})
		}
		total += len(data)
		scatter.AddSeries(id, data, charts.WithScatterChartOpts(opts.ScatterChart{SymbolSize: 4}))
	}

	pad := maxAbs * 1.05
	scatter.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "Airspace", Theme: "dark", Width: "900px", Height: "900px"}),
		charts.WithTitleOpts(opts.Title{Title: "Recent Trajectories", Subtitle: fmt.Sprintf("vehicles=%d points=%d", len(ids), total)}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Min: -pad, Max: pad, Name: "East (m)", NameLocation: "middle", NameGap: 25}),
		charts.WithYAxisOpts(opts.YAxis{Min: -pad, Max: pad, Name: "North (m)", NameLocation: "middle", NameGap: 30}),
		charts.WithVisualMapOpts(opts.VisualMap{
			Show:       opts.Bool(true),
			Calculable: opts.Bool(true),
			Min:        0,
			Max:        float32(maxAlt),
			Dimension:  "2",
			InRange:    &opts.VisualMapInRange{Color: []string{"#31688e", "#35b779", "#fde725"}},
		}),
	)

	var buf bytes.Buffer
	if err := scatter.Render(&buf); err != nil {
		httputil.WriteFailure(w, http.StatusInternalServerError, codeDriverError,
			fmt.Sprintf("failed to render chart: %v", err), nil)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}
