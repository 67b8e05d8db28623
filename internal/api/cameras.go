package api

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/lodestar-obs/groundstation/internal/track"
)

// cameraStatus is the operator view of one tracking worker.
type cameraStatus struct {
	Camera      string          `json:"camera"`
	Latest      *track.Estimate `json:"latest,omitempty"`
	GoalX       float64         `json:"goal_x"`
	GoalY       float64         `json:"goal_y"`
	GoalOffsetX float64         `json:"goal_offset_x"`
	GoalOffsetY float64         `json:"goal_offset_y"`
	AutoAcquire bool            `json:"auto_acquire"`
	Processed   uint64          `json:"processed_frames"`
	Drops       uint64          `json:"dropped_frames"`
}

// workerParam resolves the 'camera' query parameter, defaulting to the
// coarse camera. Writes a 404 and returns nil when unknown.
func (s *Server) workerParam(w http.ResponseWriter, r *http.Request) *track.Worker {
	name := r.URL.Query().Get("camera")
	if name == "" {
		name = "coarse"
	}
	wk := s.st.Worker(name)
	if wk == nil {
		s.writeJSONError(w, http.StatusNotFound, fmt.Sprintf("Unknown camera %q", name))
	}
	return wk
}

func (s *Server) listCameras(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if r.Method != http.MethodGet {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	json.NewEncoder(w).Encode(map[string][]string{"cameras": s.st.Cameras()})
}

func (s *Server) writeCameraStatus(w http.ResponseWriter, wk *track.Worker) {
	tr := wk.Tracker()
	status := cameraStatus{
		Camera:      tr.Name(),
		Latest:      tr.Latest(),
		AutoAcquire: tr.AutoAcquire(),
		Processed:   wk.Processed(),
		Drops:       wk.Drops(),
	}
	status.GoalX, status.GoalY = tr.Goal()
	status.GoalOffsetX, status.GoalOffsetY = tr.GoalOffset()
	if err := json.NewEncoder(w).Encode(status); err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, "Failed to write camera status")
	}
}

func (s *Server) showCamera(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if r.Method != http.MethodGet {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	wk := s.workerParam(w, r)
	if wk == nil {
		return
	}
	s.writeCameraStatus(w, wk)
}

// decodeXY reads an {x, y} JSON body.
func (s *Server) decodeXY(w http.ResponseWriter, r *http.Request) (x, y float64, ok bool) {
	var req struct {
		X float64 `json:"x"`
		Y float64 `json:"y"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSONError(w, http.StatusBadRequest, fmt.Sprintf("Invalid request body: %v", err))
		return 0, 0, false
	}
	return req.X, req.Y, true
}

func (s *Server) setCameraGoal(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if r.Method != http.MethodPost {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	wk := s.workerParam(w, r)
	if wk == nil {
		return
	}
	x, y, ok := s.decodeXY(w, r)
	if !ok {
		return
	}
	wk.Tracker().SetGoal(x, y)
	s.writeCameraStatus(w, wk)
}

func (s *Server) setCameraGoalOffset(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if r.Method != http.MethodPost {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	wk := s.workerParam(w, r)
	if wk == nil {
		return
	}
	x, y, ok := s.decodeXY(w, r)
	if !ok {
		return
	}
	wk.Tracker().SetGoalOffset(x, y)
	s.writeCameraStatus(w, wk)
}

func (s *Server) acquireCamera(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if r.Method != http.MethodPost {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	wk := s.workerParam(w, r)
	if wk == nil {
		return
	}
	x, y, ok := s.decodeXY(w, r)
	if !ok {
		return
	}
	wk.Tracker().AcquireAt(x, y)
	s.writeCameraStatus(w, wk)
}

func (s *Server) setCameraAutoAcquire(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if r.Method != http.MethodPost {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	wk := s.workerParam(w, r)
	if wk == nil {
		return
	}
	var req struct {
		Enabled bool `json:"enabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSONError(w, http.StatusBadRequest, fmt.Sprintf("Invalid request body: %v", err))
		return
	}
	wk.Tracker().SetAutoAcquire(req.Enabled)
	s.writeCameraStatus(w, wk)
}
