package align

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/lodestar-obs/groundstation/internal/device"
	"github.com/lodestar-obs/groundstation/internal/httputil"
)

// SolveResult is one plate solution for a star-field frame.
type SolveResult struct {
	RA   float64 `json:"ra"`   // degrees, epoch of date
	Dec  float64 `json:"dec"`  // degrees
	Roll float64 `json:"roll"` // camera rotation on sky, degrees
	FOV  float64 `json:"fov"`  // solved horizontal field of view, degrees
}

// PlateSolver resolves the sky coordinates of a frame from its star
// pattern. The field-of-view hint bounds the scale search; solvers return
// ErrUnsolved when no match is found.
type PlateSolver interface {
	Solve(ctx context.Context, frame device.Frame, fovHintDeg float64) (SolveResult, error)
}

// SolverFunc adapts a plain function to PlateSolver.
type SolverFunc func(ctx context.Context, frame device.Frame, fovHintDeg float64) (SolveResult, error)

func (f SolverFunc) Solve(ctx context.Context, frame device.Frame, fovHintDeg float64) (SolveResult, error) {
	return f(ctx, frame, fovHintDeg)
}

// HTTPSolver submits frames to an external plate-solving service over
// HTTP. The service takes raw little-endian 16-bit pixels, base64 encoded,
// and answers with the solution in JSON.
type HTTPSolver struct {
	url    string
	client httputil.HTTPClient
}

// NewHTTPSolver returns a solver client for the given endpoint. A nil
// client uses http.DefaultClient.
func NewHTTPSolver(url string, client httputil.HTTPClient) *HTTPSolver {
	if client == nil {
		client = httputil.NewStandardClient(nil)
	}
	return &HTTPSolver{url: url, client: client}
}

type solveRequest struct {
	Width   int     `json:"width"`
	Height  int     `json:"height"`
	FOVHint float64 `json:"fov_hint,omitempty"`
	Pixels  string  `json:"pixels"`
}

type solveResponse struct {
	Solved bool    `json:"solved"`
	RA     float64 `json:"ra"`
	Dec    float64 `json:"dec"`
	Roll   float64 `json:"roll"`
	FOV    float64 `json:"fov"`
}

func (s *HTTPSolver) Solve(ctx context.Context, frame device.Frame, fovHintDeg float64) (SolveResult, error) {
	raw := make([]byte, 2*len(frame.Pix))
	for i, px := range frame.Pix {
		binary.LittleEndian.PutUint16(raw[2*i:], px)
	}
	body, err := json.Marshal(solveRequest{
		Width:   frame.Width,
		Height:  frame.Height,
		FOVHint: fovHintDeg,
		Pixels:  base64.StdEncoding.EncodeToString(raw),
	})
	if err != nil {
		return SolveResult{}, fmt.Errorf("encoding solve request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return SolveResult{}, fmt.Errorf("building solve request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return SolveResult{}, fmt.Errorf("posting frame to solver: %w", err)
	}
	defer func() {
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}()
	if resp.StatusCode != http.StatusOK {
		return SolveResult{}, fmt.Errorf("solver returned status %d", resp.StatusCode)
	}

	var sr solveResponse
	if err := json.NewDecoder(resp.Body).Decode(&sr); err != nil {
		return SolveResult{}, fmt.Errorf("decoding solver response: %w", err)
	}
	if !sr.Solved {
		return SolveResult{}, ErrUnsolved
	}
	return SolveResult{RA: sr.RA, Dec: sr.Dec, Roll: sr.Roll, FOV: sr.FOV}, nil
}
