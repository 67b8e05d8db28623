// Package control runs the closed-loop pointing state machine: a fixed
// cadence loop that reads tracker estimates and the target ephemeris,
// computes per-axis PI rate corrections and commands the mount. The loop
// is the sole issuer of mount rate commands and the sole writer of the
// tracking mode.
package control

import "fmt"

// Mode is a control loop state.
type Mode string

const (
	// ModeIdle means no target or no valid alignment; rates held at zero.
	ModeIdle Mode = "IDLE"
	// ModeOL is open loop: the mount follows the target ephemeris blind.
	ModeOL Mode = "OL"
	// ModeCCL is coarse closed loop: feedback from the coarse camera.
	ModeCCL Mode = "CCL"
	// ModeCTFSP is the coarse-to-fine spiral: coarse feedback while the
	// coarse goal offset sweeps a spiral to bring the spot into the fine
	// camera's field.
	ModeCTFSP Mode = "CTFSP"
	// ModeFCL is fine closed loop: feedback from the fine camera.
	ModeFCL Mode = "FCL"
)

func (m Mode) String() string { return string(m) }

// ClosedLoop reports whether the mode uses camera feedback.
func (m Mode) ClosedLoop() bool {
	return m == ModeCCL || m == ModeCTFSP || m == ModeFCL
}

// ParseMode validates a mode string from the API.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(s); m {
	case ModeIdle, ModeOL, ModeCCL, ModeCTFSP, ModeFCL:
		return m, nil
	}
	return "", fmt.Errorf("unknown tracking mode %q", s)
}
