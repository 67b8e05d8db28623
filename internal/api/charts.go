package api

import (
	"bytes"
	"fmt"
	"html"
	"math"
	"net/http"
	"net/url"
	"strconv"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"

	"github.com/lodestar-obs/groundstation/internal/store"
)

func (s *Server) attachChartRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/debug/charts", s.handleChartsDashboard)
	mux.HandleFunc("/debug/charts/errors", s.handleSessionErrorChart)
	mux.HandleFunc("/debug/charts/rates", s.handleSessionRateChart)
	mux.HandleFunc("/debug/charts/track", s.handleSessionTrackChart)
	mux.HandleFunc("/debug/plots/session.png", s.handleSessionPlot)
}

// sessionCycles loads the cycle log for the session named in the 'id'
// query parameter, falling back to the most recent session. Writes the
// error response itself and returns ok=false when there is nothing to
// chart.
func (s *Server) sessionCycles(w http.ResponseWriter, r *http.Request) (string, []store.CycleRecord, bool) {
	db := s.st.DB()
	if db == nil {
		s.writeJSONError(w, http.StatusServiceUnavailable, "Session store not configured")
		return "", nil, false
	}
	id := r.URL.Query().Get("id")
	if id == "" {
		sessions, err := db.Sessions(1)
		if err != nil || len(sessions) == 0 {
			s.writeJSONError(w, http.StatusNotFound, "No sessions recorded")
			return "", nil, false
		}
		id = sessions[0].ID
	}
	recs, err := db.CyclesForSession(id)
	if err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to load session cycles: %v", err))
		return "", nil, false
	}
	if len(recs) == 0 {
		s.writeJSONError(w, http.StatusNotFound, fmt.Sprintf("No cycles recorded for session %q", id))
		return "", nil, false
	}
	return id, recs, true
}

func renderChartPage(w http.ResponseWriter, s *Server, page *components.Page) {
	var buf bytes.Buffer
	if err := page.Render(&buf); err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("render error: %v", err))
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}

// handleSessionErrorChart renders the pointing error history of a
// session as a line chart, arcseconds per axis against cycle number.
func (s *Server) handleSessionErrorChart(w http.ResponseWriter, r *http.Request) {
	id, recs, ok := s.sessionCycles(w, r)
	if !ok {
		return
	}

	x := make([]string, 0, len(recs))
	errAlt := make([]opts.LineData, 0, len(recs))
	errAzi := make([]opts.LineData, 0, len(recs))
	spiral := make([]opts.LineData, 0, len(recs))
	for _, rec := range recs {
		x = append(x, strconv.FormatUint(rec.Cycle, 10))
		errAlt = append(errAlt, opts.LineData{Value: rec.ErrAlt})
		errAzi = append(errAzi, opts.LineData{Value: rec.ErrAzi})
		spiral = append(spiral, opts.LineData{Value: rec.SpiralRadius})
	}

	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{Width: "100%", Height: "720px", Theme: "dark"}),
		charts.WithTitleOpts(opts.Title{Title: "Pointing Error", Subtitle: "session " + id}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Name: "cycle", NameLocation: "middle", NameGap: 30}),
		charts.WithYAxisOpts(opts.YAxis{Name: "arcsec", NameLocation: "middle", NameGap: 40}),
	)
	line.SetXAxis(x).
		AddSeries("err_alt", errAlt).
		AddSeries("err_azi", errAzi).
		AddSeries("spiral_radius", spiral)

	page := components.NewPage()
	page.AddCharts(line)
	renderChartPage(w, s, page)
}

// handleSessionRateChart renders commanded against target mount rates.
func (s *Server) handleSessionRateChart(w http.ResponseWriter, r *http.Request) {
	id, recs, ok := s.sessionCycles(w, r)
	if !ok {
		return
	}

	x := make([]string, 0, len(recs))
	rateAlt := make([]opts.LineData, 0, len(recs))
	rateAzi := make([]opts.LineData, 0, len(recs))
	tgtAlt := make([]opts.LineData, 0, len(recs))
	tgtAzi := make([]opts.LineData, 0, len(recs))
	for _, rec := range recs {
		x = append(x, strconv.FormatUint(rec.Cycle, 10))
		rateAlt = append(rateAlt, opts.LineData{Value: rec.RateAlt})
		rateAzi = append(rateAzi, opts.LineData{Value: rec.RateAzi})
		tgtAlt = append(tgtAlt, opts.LineData{Value: rec.TargetRateAlt})
		tgtAzi = append(tgtAzi, opts.LineData{Value: rec.TargetRateAzi})
	}

	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{Width: "100%", Height: "720px", Theme: "dark"}),
		charts.WithTitleOpts(opts.Title{Title: "Mount Rates", Subtitle: "session " + id}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Name: "cycle", NameLocation: "middle", NameGap: 30}),
		charts.WithYAxisOpts(opts.YAxis{Name: "deg/s", NameLocation: "middle", NameGap: 40}),
	)
	line.SetXAxis(x).
		AddSeries("rate_alt", rateAlt).
		AddSeries("rate_azi", rateAzi).
		AddSeries("target_rate_alt", tgtAlt).
		AddSeries("target_rate_azi", tgtAzi)

	page := components.NewPage()
	page.AddCharts(line)
	renderChartPage(w, s, page)
}

// handleSessionTrackChart renders the valid tracker positions of a
// session on the sensor plane, colored by cycle so drift is visible.
func (s *Server) handleSessionTrackChart(w http.ResponseWriter, r *http.Request) {
	id, recs, ok := s.sessionCycles(w, r)
	if !ok {
		return
	}

	coarse := make([]opts.ScatterData, 0, len(recs))
	fine := make([]opts.ScatterData, 0, len(recs))
	maxAbs := 0.0
	for _, rec := range recs {
		if rec.CoarseValid {
			coarse = append(coarse, opts.ScatterData{Value: []interface{}{rec.CoarseTrackX, rec.CoarseTrackY, rec.Cycle}})
			maxAbs = math.Max(maxAbs, math.Max(math.Abs(rec.CoarseTrackX), math.Abs(rec.CoarseTrackY)))
		}
		if rec.FineValid {
			fine = append(fine, opts.ScatterData{Value: []interface{}{rec.FineTrackX, rec.FineTrackY, rec.Cycle}})
			maxAbs = math.Max(maxAbs, math.Max(math.Abs(rec.FineTrackX), math.Abs(rec.FineTrackY)))
		}
	}
	if len(coarse) == 0 && len(fine) == 0 {
		s.writeJSONError(w, http.StatusNotFound, fmt.Sprintf("No valid track points in session %q", id))
		return
	}

	pad := maxAbs * 1.05
	if pad == 0 {
		pad = 1.0
	}
	lastCycle := recs[len(recs)-1].Cycle

	scatter := charts.NewScatter()
	scatter.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "Track Positions", Theme: "dark", Width: "900px", Height: "900px"}),
		charts.WithTitleOpts(opts.Title{Title: "Track Positions", Subtitle: "session " + id}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Min: -pad, Max: pad, Name: "X (asec)", NameLocation: "middle", NameGap: 30}),
		charts.WithYAxisOpts(opts.YAxis{Min: -pad, Max: pad, Name: "Y (asec)", NameLocation: "middle", NameGap: 30}),
		charts.WithVisualMapOpts(opts.VisualMap{
			Show:       opts.Bool(true),
			Calculable: opts.Bool(true),
			Min:        0,
			Max:        float32(lastCycle),
			Dimension:  "2",
			InRange:    &opts.VisualMapInRange{Color: []string{"#440154", "#482777", "#3e4989", "#31688e", "#26828e", "#1f9e89", "#35b779", "#6ece58", "#b5de2b", "#fde725"}},
		}),
	)
	scatter.AddSeries("coarse", coarse, charts.WithScatterChartOpts(opts.ScatterChart{SymbolSize: 3}))
	if len(fine) > 0 {
		scatter.AddSeries("fine", fine, charts.WithScatterChartOpts(opts.ScatterChart{SymbolSize: 3}))
	}

	var buf bytes.Buffer
	if err := scatter.Render(&buf); err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("failed to render chart: %v", err))
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}

// handleChartsDashboard renders a simple dashboard with iframes to the
// per-session debug charts.
func (s *Server) handleChartsDashboard(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("id")
	safeID := html.EscapeString(id)
	qs := ""
	if id != "" {
		qs = "?id=" + url.QueryEscape(id)
	}
	safeQs := html.EscapeString(qs)

	doc := fmt.Sprintf(chartsDashboardHTML, safeID, safeQs, safeQs, safeQs, safeQs)

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write([]byte(doc))
}

const chartsDashboardHTML = `<!DOCTYPE html>
<html>
<head>
<title>Session Debug Charts</title>
<style>
body { background: #111; color: #ddd; font-family: sans-serif; margin: 1em; }
iframe { border: 1px solid #333; background: #111; width: 100%%; height: 760px; margin-bottom: 1em; }
a { color: #6ece58; }
</style>
</head>
<body>
<h1>Session Debug Charts <small>%s</small></h1>
<p>Append ?id=&lt;session&gt; to pick a session; the latest is shown by default.
<a href="/debug/plots/session.png%s">PNG error plot</a></p>
<iframe src="/debug/charts/errors%s"></iframe>
<iframe src="/debug/charts/rates%s"></iframe>
<iframe src="/debug/charts/track%s"></iframe>
</body>
</html>
`
