package api

import (
	"fmt"
	"image/color"
	"net/http"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"github.com/lodestar-obs/groundstation/internal/monitoring"
)

// handleSessionPlot renders the session pointing error as a static PNG,
// suitable for pasting into an observation log.
func (s *Server) handleSessionPlot(w http.ResponseWriter, r *http.Request) {
	id, recs, ok := s.sessionCycles(w, r)
	if !ok {
		return
	}

	p := plot.New()
	p.Title.Text = fmt.Sprintf("Pointing Error - session %s", id)
	p.X.Label.Text = "Time (s)"
	p.Y.Label.Text = "Error (arcsec)"
	p.Legend.Top = true

	start := recs[0].At
	altPts := make(plotter.XYs, 0, len(recs))
	aziPts := make(plotter.XYs, 0, len(recs))
	spiralPts := make(plotter.XYs, 0, len(recs))
	for _, rec := range recs {
		t := rec.At.Sub(start).Seconds()
		altPts = append(altPts, plotter.XY{X: t, Y: rec.ErrAlt})
		aziPts = append(aziPts, plotter.XY{X: t, Y: rec.ErrAzi})
		if rec.SpiralRadius > 0 {
			spiralPts = append(spiralPts, plotter.XY{X: t, Y: rec.SpiralRadius})
		}
	}

	addLine := func(pts plotter.XYs, label string, c color.Color) error {
		if len(pts) == 0 {
			return nil
		}
		line, err := plotter.NewLine(pts)
		if err != nil {
			return err
		}
		line.Color = c
		line.Width = vg.Points(1)
		p.Add(line)
		p.Legend.Add(label, line)
		return nil
	}

	if err := addLine(altPts, "err_alt", color.RGBA{R: 220, G: 60, B: 60, A: 255}); err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("failed to build plot: %v", err))
		return
	}
	if err := addLine(aziPts, "err_azi", color.RGBA{R: 60, G: 90, B: 220, A: 255}); err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("failed to build plot: %v", err))
		return
	}
	if err := addLine(spiralPts, "spiral_radius", color.RGBA{R: 120, G: 120, B: 120, A: 255}); err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("failed to build plot: %v", err))
		return
	}

	wt, err := p.WriterTo(12*vg.Inch, 5*vg.Inch, "png")
	if err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("failed to render plot: %v", err))
		return
	}
	w.Header().Set("Content-Type", "image/png")
	if _, err := wt.WriteTo(w); err != nil {
		monitoring.Logf("api: writing session plot: %v", err)
	}
}
