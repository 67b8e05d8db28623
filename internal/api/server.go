// Package api serves the operator HTTP surface: station status, target
// and session control, pointing model management, per-camera tracking
// commands, stored session queries, live telemetry over websocket,
// Prometheus metrics and debug charts.
package api

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/lodestar-obs/groundstation/internal/align"
	"github.com/lodestar-obs/groundstation/internal/control"
	"github.com/lodestar-obs/groundstation/internal/monitoring"
	"github.com/lodestar-obs/groundstation/internal/system"
	"github.com/lodestar-obs/groundstation/internal/target"
)

// ANSI escape codes for cyan and reset
const colorCyan = "\033[36m"
const colorReset = "\033[0m"
const colorYellow = "\033[33m"
const colorBoldGreen = "\033[1;32m"
const colorBoldRed = "\033[1;31m"

type Server struct {
	st  *system.Station
	hub *TelemetryHub
}

// NewServer wraps the station for HTTP access. hub may be nil to
// disable the websocket endpoint.
func NewServer(st *system.Station, hub *TelemetryHub) *Server {
	return &Server{
		st:  st,
		hub: hub,
	}
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

func (lrw *loggingResponseWriter) Flush() {
	if flusher, ok := lrw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func statusCodeColor(statusCode int) string {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return colorBoldGreen + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 300 && statusCode < 400:
		return colorYellow + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 400:
		return colorBoldRed + strconv.Itoa(statusCode) + colorReset
	default:
		return strconv.Itoa(statusCode)
	}
}

// LoggingMiddleware logs method, path, query, status, and duration
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &loggingResponseWriter{w, http.StatusOK}
		next.ServeHTTP(lrw, r)
		monitoring.Logf(
			"[%s] %s %s%s%s %vms",
			statusCodeColor(lrw.statusCode), r.Method,
			colorCyan, r.RequestURI, colorReset,
			float64(time.Since(start).Nanoseconds())/1e6,
		)
	})
}

func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/status", s.showStatus)
	mux.HandleFunc("/api/target", s.handleTarget)
	mux.HandleFunc("/api/passes", s.listPasses)
	mux.HandleFunc("/api/tracking/start", s.startTracking)
	mux.HandleFunc("/api/tracking/stop", s.stopTracking)
	mux.HandleFunc("/api/modes", s.handleModes)
	mux.HandleFunc("/api/feedforward", s.handleFeedforward)
	mux.HandleFunc("/api/offset", s.handleOffset)
	mux.HandleFunc("/api/alignment", s.showAlignment)
	mux.HandleFunc("/api/alignment/location", s.setLocation)
	mux.HandleFunc("/api/alignment/enu", s.setAlignmentENU)
	mux.HandleFunc("/api/alignment/auto", s.handleAutoAlign)
	mux.HandleFunc("/api/cameras", s.listCameras)
	mux.HandleFunc("/api/camera", s.showCamera)
	mux.HandleFunc("/api/camera/goal", s.setCameraGoal)
	mux.HandleFunc("/api/camera/goal_offset", s.setCameraGoalOffset)
	mux.HandleFunc("/api/camera/acquire", s.acquireCamera)
	mux.HandleFunc("/api/camera/auto_acquire", s.setCameraAutoAcquire)
	mux.HandleFunc("/api/tuning", s.showTuning)
	mux.HandleFunc("/api/sessions", s.listSessions)
	mux.HandleFunc("/api/session", s.showSession)
	mux.HandleFunc("/api/session/export", s.exportSession)
	mux.HandleFunc("/api/frames", s.listFrames)
	mux.HandleFunc("/api/frame", s.showFrame)
	if s.hub != nil {
		mux.HandleFunc("/ws", s.hub.HandleWebSocket)
	}
	if m := s.st.Metrics(); m != nil {
		mux.Handle("/metrics", m.Handler())
	}
	s.attachChartRoutes(mux)
	if db := s.st.DB(); db != nil {
		if err := db.AttachAdminRoutes(mux); err != nil {
			monitoring.Logf("api: attaching debug routes: %v", err)
		}
	}
	return mux
}

func (s *Server) writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

// busyStatus maps the mutual-exclusion errors to 409 and everything
// else to the fallback.
func busyStatus(err error, fallback int) int {
	switch {
	case errors.Is(err, control.ErrTracking),
		errors.Is(err, control.ErrNotReady),
		errors.Is(err, system.ErrAligning):
		return http.StatusConflict
	}
	return fallback
}

func (s *Server) showStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if r.Method != http.MethodGet {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	status := s.st.Loop().Status()
	if status == nil {
		// No cycle has run yet.
		status = &control.Status{Mode: control.ModeIdle}
	}
	if err := json.NewEncoder(w).Encode(status); err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, "Failed to write status")
		return
	}
}

type targetRequest struct {
	Kind  string  `json:"kind"` // "satellite" or "fixed"; inferred when empty
	Name  string  `json:"name"`
	Line1 string  `json:"tle_line1"`
	Line2 string  `json:"tle_line2"`
	RA    float64 `json:"ra"`
	Dec   float64 `json:"dec"`

	WindowStart *time.Time `json:"window_start"`
	WindowEnd   *time.Time `json:"window_end"`
}

func (s *Server) handleTarget(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	switch r.Method {
	case http.MethodGet:
		if err := json.NewEncoder(w).Encode(s.st.Target().Info()); err != nil {
			s.writeJSONError(w, http.StatusInternalServerError, "Failed to write target")
		}
	case http.MethodPost:
		s.setTarget(w, r)
	case http.MethodDelete:
		s.st.ClearTarget()
		json.NewEncoder(w).Encode(map[string]string{"status": "target cleared"})
	default:
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
	}
}

func (s *Server) setTarget(w http.ResponseWriter, r *http.Request) {
	var req targetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSONError(w, http.StatusBadRequest, fmt.Sprintf("Invalid target request: %v", err))
		return
	}

	kind := req.Kind
	if kind == "" {
		if req.Line1 != "" || req.Line2 != "" {
			kind = "satellite"
		} else {
			kind = "fixed"
		}
	}

	var tgt *target.Target
	var err error
	switch kind {
	case "satellite":
		tgt, err = target.NewSatellite(req.Name, req.Line1, req.Line2)
	case "fixed":
		tgt, err = target.NewFixedRADec(req.Name, req.RA, req.Dec)
	default:
		s.writeJSONError(w, http.StatusBadRequest, fmt.Sprintf("Unknown target kind %q", req.Kind))
		return
	}
	if err != nil {
		s.writeJSONError(w, http.StatusBadRequest, fmt.Sprintf("Invalid target: %v", err))
		return
	}

	if req.WindowStart != nil || req.WindowEnd != nil {
		var start, end time.Time
		if req.WindowStart != nil {
			start = *req.WindowStart
		}
		if req.WindowEnd != nil {
			end = *req.WindowEnd
		}
		if err := tgt.SetWindow(start, end); err != nil {
			s.writeJSONError(w, http.StatusBadRequest, fmt.Sprintf("Invalid window: %v", err))
			return
		}
	}

	if err := s.st.SetTarget(tgt); err != nil {
		s.writeJSONError(w, busyStatus(err, http.StatusInternalServerError),
			fmt.Sprintf("Failed to set target: %v", err))
		return
	}
	if err := json.NewEncoder(w).Encode(tgt.Info()); err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, "Failed to write target")
	}
}

func (s *Server) listPasses(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if r.Method != http.MethodGet {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	tgt := s.st.Target()
	if tgt == nil {
		s.writeJSONError(w, http.StatusNotFound, "No target set")
		return
	}

	hours := 24
	if h := r.URL.Query().Get("hours"); h != "" {
		parsed, err := strconv.Atoi(h)
		if err != nil || parsed < 1 || parsed > 24*14 {
			s.writeJSONError(w, http.StatusBadRequest, "Invalid 'hours' parameter")
			return
		}
		hours = parsed
	}
	minAlt := 10.0
	if m := r.URL.Query().Get("min_alt"); m != "" {
		parsed, err := strconv.ParseFloat(m, 64)
		if err != nil || parsed < 0 || parsed >= 90 {
			s.writeJSONError(w, http.StatusBadRequest, "Invalid 'min_alt' parameter")
			return
		}
		minAlt = parsed
	}

	now := time.Now()
	model := s.st.Alignment().Snapshot()
	passes, err := target.FindPasses(r.Context(), tgt, model, now, now.Add(time.Duration(hours)*time.Hour), 0, minAlt)
	if err != nil {
		if errors.Is(err, align.ErrNotLocated) {
			s.writeJSONError(w, http.StatusConflict, "Observer location not set")
			return
		}
		s.writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to compute passes: %v", err))
		return
	}
	if passes == nil {
		passes = []target.Pass{}
	}
	if err := json.NewEncoder(w).Encode(passes); err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, "Failed to write passes")
	}
}

func (s *Server) startTracking(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if r.Method != http.MethodPost {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	if err := s.st.StartTracking(); err != nil {
		s.writeJSONError(w, busyStatus(err, http.StatusInternalServerError),
			fmt.Sprintf("Failed to start tracking: %v", err))
		return
	}
	json.NewEncoder(w).Encode(map[string]string{"session": s.st.Loop().Session()})
}

func (s *Server) stopTracking(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if r.Method != http.MethodPost {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	s.st.StopTracking()
	json.NewEncoder(w).Encode(map[string]string{"status": "stopped"})
}

func (s *Server) writeModes(w http.ResponseWriter) {
	loop := s.st.Loop()
	modes := map[string]bool{
		"ccl":         loop.ModeEnabled(control.ModeCCL),
		"ctfsp":       loop.ModeEnabled(control.ModeCTFSP),
		"fcl":         loop.ModeEnabled(control.ModeFCL),
		"feedforward": loop.FeedforwardEnabled(),
	}
	if err := json.NewEncoder(w).Encode(modes); err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, "Failed to write modes")
	}
}

func (s *Server) handleModes(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	switch r.Method {
	case http.MethodGet:
		s.writeModes(w)
	case http.MethodPost:
		var req struct {
			Mode    string `json:"mode"`
			Enabled bool   `json:"enabled"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.writeJSONError(w, http.StatusBadRequest, fmt.Sprintf("Invalid mode request: %v", err))
			return
		}
		mode, err := control.ParseMode(req.Mode)
		if err != nil {
			s.writeJSONError(w, http.StatusBadRequest, err.Error())
			return
		}
		if err := s.st.Loop().SetModeEnabled(mode, req.Enabled); err != nil {
			s.writeJSONError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.writeModes(w)
	default:
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
	}
}

func (s *Server) handleFeedforward(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	switch r.Method {
	case http.MethodGet:
	case http.MethodPost:
		var req struct {
			Enabled bool `json:"enabled"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.writeJSONError(w, http.StatusBadRequest, fmt.Sprintf("Invalid feedforward request: %v", err))
			return
		}
		s.st.Loop().SetFeedforwardEnabled(req.Enabled)
	default:
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	json.NewEncoder(w).Encode(map[string]bool{"enabled": s.st.Loop().FeedforwardEnabled()})
}

func (s *Server) handleOffset(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	switch r.Method {
	case http.MethodGet:
	case http.MethodPost:
		var req struct {
			AltAsec  float64 `json:"alt_asec"`
			AziAsec  float64 `json:"azi_asec"`
			Relative bool    `json:"relative"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.writeJSONError(w, http.StatusBadRequest, fmt.Sprintf("Invalid offset request: %v", err))
			return
		}
		alt, azi := req.AltAsec, req.AziAsec
		if req.Relative {
			curAlt, curAzi := s.st.Loop().OLOffset()
			alt += curAlt
			azi += curAzi
		}
		s.st.Loop().SetOLOffset(alt, azi)
	default:
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	alt, azi := s.st.Loop().OLOffset()
	json.NewEncoder(w).Encode(map[string]float64{"alt_asec": alt, "azi_asec": azi})
}

func (s *Server) showAlignment(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if r.Method != http.MethodGet {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	if err := json.NewEncoder(w).Encode(s.st.Alignment().Snapshot()); err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, "Failed to write pointing model")
	}
}

func (s *Server) setLocation(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if r.Method != http.MethodPost {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	var req struct {
		Lat     float64 `json:"lat"`
		Lon     float64 `json:"lon"`
		HeightM float64 `json:"height_m"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSONError(w, http.StatusBadRequest, fmt.Sprintf("Invalid location request: %v", err))
		return
	}
	if err := s.st.SetLocation(req.Lat, req.Lon, req.HeightM); err != nil {
		s.writeJSONError(w, busyStatus(err, http.StatusBadRequest),
			fmt.Sprintf("Failed to set location: %v", err))
		return
	}
	json.NewEncoder(w).Encode(s.st.Alignment().Snapshot())
}

func (s *Server) setAlignmentENU(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if r.Method != http.MethodPost {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	if err := s.st.SetAlignmentENU(); err != nil {
		if errors.Is(err, align.ErrNotLocated) {
			s.writeJSONError(w, http.StatusConflict, "Observer location not set")
			return
		}
		s.writeJSONError(w, busyStatus(err, http.StatusInternalServerError),
			fmt.Sprintf("Failed to set alignment: %v", err))
		return
	}
	json.NewEncoder(w).Encode(s.st.Alignment().Snapshot())
}

func (s *Server) handleAutoAlign(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	switch r.Method {
	case http.MethodGet:
	case http.MethodPost:
		var req struct {
			Points [][2]float64 `json:"points"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			s.writeJSONError(w, http.StatusBadRequest, fmt.Sprintf("Invalid align request: %v", err))
			return
		}
		if err := s.st.RequestAutoAlign(req.Points); err != nil {
			s.writeJSONError(w, busyStatus(err, http.StatusBadRequest),
				fmt.Sprintf("Failed to start auto alignment: %v", err))
			return
		}
	case http.MethodDelete:
		if err := s.st.CancelAutoAlign(); err != nil {
			s.writeJSONError(w, http.StatusConflict, err.Error())
			return
		}
	default:
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	run := s.st.AutoAlignStatus()
	if err := json.NewEncoder(w).Encode(run); err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, "Failed to write alignment status")
	}
}

func (s *Server) showTuning(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if r.Method != http.MethodGet {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	if err := json.NewEncoder(w).Encode(s.st.Tuning()); err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, "Failed to write tuning config")
	}
}

func (s *Server) listSessions(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if r.Method != http.MethodGet {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	db := s.st.DB()
	if db == nil {
		s.writeJSONError(w, http.StatusServiceUnavailable, "Session store not configured")
		return
	}

	limit := 0
	if l := r.URL.Query().Get("limit"); l != "" {
		parsed, err := strconv.Atoi(l)
		if err != nil || parsed < 1 {
			s.writeJSONError(w, http.StatusBadRequest, "Invalid 'limit' parameter")
			return
		}
		limit = parsed
	}

	sessions, err := db.Sessions(limit)
	if err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to retrieve sessions: %v", err))
		return
	}
	if err := json.NewEncoder(w).Encode(sessions); err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, "Failed to write sessions")
	}
}

func (s *Server) showSession(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if r.Method != http.MethodGet {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	db := s.st.DB()
	if db == nil {
		s.writeJSONError(w, http.StatusServiceUnavailable, "Session store not configured")
		return
	}
	id := r.URL.Query().Get("id")
	if id == "" {
		s.writeJSONError(w, http.StatusBadRequest, "Missing 'id' parameter")
		return
	}

	summary, err := db.SummarizeSession(id)
	if errors.Is(err, sql.ErrNoRows) {
		s.writeJSONError(w, http.StatusNotFound, fmt.Sprintf("Session %q not found", id))
		return
	}
	if err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to summarize session: %v", err))
		return
	}
	if err := json.NewEncoder(w).Encode(summary); err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, "Failed to write session summary")
	}
}

func (s *Server) exportSession(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Content-Type", "application/json")
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	db := s.st.DB()
	if db == nil {
		w.Header().Set("Content-Type", "application/json")
		s.writeJSONError(w, http.StatusServiceUnavailable, "Session store not configured")
		return
	}
	id := r.URL.Query().Get("id")
	if id == "" {
		w.Header().Set("Content-Type", "application/json")
		s.writeJSONError(w, http.StatusBadRequest, "Missing 'id' parameter")
		return
	}
	if _, err := db.SessionByID(id); err != nil {
		w.Header().Set("Content-Type", "application/json")
		if errors.Is(err, sql.ErrNoRows) {
			s.writeJSONError(w, http.StatusNotFound, fmt.Sprintf("Session %q not found", id))
		} else {
			s.writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to load session: %v", err))
		}
		return
	}

	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=session-%s.csv", id))
	if err := db.WriteSessionCSV(w, id); err != nil {
		// Headers are gone; all we can do is log.
		monitoring.Logf("api: exporting session %s: %v", id, err)
	}
}
