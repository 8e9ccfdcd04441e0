package monitor

import (
	"bytes"
	"fmt"
	"image/color"
	"net/http"
	"strconv"
	"time"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/opts"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"github.com/banshee-data/fiducial.tracker/internal/fiducial/storage/sqlite"
	"github.com/banshee-data/fiducial.tracker/internal/httputil"
)

const echartsAssetsPrefix = "https://go-echarts.github.io/go-echarts-assets/assets/"

// handleTimingChart renders recent per-frame processing times as an
// echarts line chart.
func (ws *WebServer) handleTimingChart(w http.ResponseWriter, r *http.Request) {
	samples := ws.loop.Timings()
	st := ws.loop.Status()

	x := make([]int, len(samples))
	data := make([]opts.LineData, len(samples))
	for i, v := range samples {
		x[i] = i + 1
		data[i] = opts.LineData{Value: v}
	}

	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "Frame timing", Width: "100%", Height: "480px", AssetsHost: echartsAssetsPrefix}),
		charts.WithTitleOpts(opts.Title{
			Title:    "Frame processing time",
			Subtitle: fmt.Sprintf("frames=%d mean=%.2fms sd=%.2fms at %s", st.Frames, st.MeanFrameMS, st.StdDevFrameMS, time.Now().Format(time.RFC3339)),
		}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Name: "frame", NameLocation: "middle", NameGap: 25}),
		charts.WithYAxisOpts(opts.YAxis{Name: "ms", NameLocation: "middle", NameGap: 30}),
	)
	line.SetXAxis(x).AddSeries("frame_ms", data)

	var buf bytes.Buffer
	if err := line.Render(&buf); err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to render chart: %v", err))
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}

// trail returns recent world positions of one marker, from the store when
// a session is configured and from the registry history otherwise.
func (ws *WebServer) trail(r *http.Request, id, limit int) ([]sqlite.TrailPoint, error) {
	if ws.store != nil && ws.sessionID != "" {
		return ws.store.MarkerTrail(r.Context(), ws.sessionID, id, limit)
	}
	e, ok := ws.markers.Snapshot().Get(id)
	if !ok {
		return nil, nil
	}
	pts := make([]sqlite.TrailPoint, 0, len(e.Samples))
	for _, s := range e.Samples {
		pts = append(pts, sqlite.TrailPoint{Position: s.Position})
	}
	return pts, nil
}

// handleTrailPlot renders a top-down (X against Z) PNG of a marker's
// recent world positions.
// Query params:
//   - marker (required)
//   - limit (optional; default 500)
func (ws *WebServer) handleTrailPlot(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.Atoi(r.URL.Query().Get("marker"))
	if err != nil {
		httputil.BadRequest(w, "marker query parameter required")
		return
	}
	limit, err := httputil.IntParam(r, "limit", 500)
	if err != nil || limit <= 0 {
		httputil.BadRequest(w, "invalid limit")
		return
	}

	pts, err := ws.trail(r, id, limit)
	if err != nil {
		httputil.InternalServerError(w, err.Error())
		return
	}
	if len(pts) == 0 {
		httputil.NotFound(w, "no positions for marker")
		return
	}

	p, err := trailPlot(id, pts)
	if err != nil {
		httputil.InternalServerError(w, err.Error())
		return
	}
	wt, err := p.WriterTo(6*vg.Inch, 6*vg.Inch, "png")
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("render plot: %v", err))
		return
	}
	w.Header().Set("Content-Type", "image/png")
	if _, err := wt.WriteTo(w); err != nil {
		logf("write trail plot: %v", err)
	}
}

func trailPlot(id int, pts []sqlite.TrailPoint) (*plot.Plot, error) {
	xys := make(plotter.XYs, len(pts))
	for i, tp := range pts {
		xys[i] = plotter.XY{X: tp.Position[0], Y: tp.Position[2]}
	}

	p := plot.New()
	p.Title.Text = fmt.Sprintf("Marker %d trail (%d samples)", id, len(pts))
	p.X.Label.Text = "X (m)"
	p.Y.Label.Text = "Z (m)"
	p.Add(plotter.NewGrid())

	line, err := plotter.NewLine(xys)
	if err != nil {
		return nil, fmt.Errorf("trail line: %w", err)
	}
	line.Width = vg.Points(1)
	line.Color = color.RGBA{R: 0x31, G: 0x68, B: 0x8e, A: 0xff}
	p.Add(line)

	last, err := plotter.NewScatter(xys[len(xys)-1:])
	if err != nil {
		return nil, fmt.Errorf("trail head: %w", err)
	}
	last.Radius = vg.Points(3)
	last.Color = color.RGBA{R: 0xfd, G: 0xe7, B: 0x25, A: 0xff}
	p.Add(last)
	return p, nil
}
