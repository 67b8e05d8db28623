package api

import (
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/lodestar-obs/groundstation/internal/security"
)

type frameFile struct {
	Name     string    `json:"name"`
	Size     int64     `json:"size"`
	Modified time.Time `json:"modified"`
}

// listFrames reports the files the frame dumpers have written, so an
// operator can pull them for inspection without shell access to the
// station.
func (s *Server) listFrames(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if r.Method != http.MethodGet {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	entries, err := os.ReadDir(s.st.Tuning().GetImageDumpDir())
	if err != nil {
		if os.IsNotExist(err) {
			// Dumping never ran.
			json.NewEncoder(w).Encode([]frameFile{})
			return
		}
		s.writeJSONError(w, http.StatusInternalServerError, "Failed to read frame directory")
		return
	}
	files := make([]frameFile, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		files = append(files, frameFile{Name: e.Name(), Size: info.Size(), Modified: info.ModTime().UTC()})
	}
	if err := json.NewEncoder(w).Encode(files); err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, "Failed to write frame list")
	}
}

// showFrame serves one dumped frame file by name. The name is validated
// against the dump directory so a crafted request cannot read outside it.
func (s *Server) showFrame(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Content-Type", "application/json")
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	name := r.URL.Query().Get("name")
	if name == "" {
		w.Header().Set("Content-Type", "application/json")
		s.writeJSONError(w, http.StatusBadRequest, "Missing 'name' parameter")
		return
	}

	dir := s.st.Tuning().GetImageDumpDir()
	path := filepath.Join(dir, name)
	if err := security.ValidatePathWithinDirectory(path, dir); err != nil {
		w.Header().Set("Content-Type", "application/json")
		s.writeJSONError(w, http.StatusBadRequest, "Invalid frame name")
		return
	}
	http.ServeFile(w, r, path)
}
