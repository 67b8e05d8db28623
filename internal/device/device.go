// Package device defines the hardware abstractions the ground station is
// built against: cameras delivering frames, an alt/azimuth telescope mount
// accepting rate commands, and a signal receiver sampled for telemetry.
// Simulated implementations of all three live here alongside a serial
// driver for NexStar-compatible hand controllers.
package device

import (
	"context"
	"errors"
	"time"
)

// ErrHardwareFault indicates a device-level failure (lost serial link,
// protocol violation, dead capture thread). Wrap it with device context.
var ErrHardwareFault = errors.New("hardware fault")

// Frame is a single camera exposure: 16-bit grayscale pixels in row-major
// order, top row first. Pixel (0,0) is the top-left corner.
type Frame struct {
	Seq    uint64
	Stamp  time.Time
	Width  int
	Height int
	Pix    []uint16
}

// At returns the pixel value at column x, row y. No bounds checking.
func (f *Frame) At(x, y int) uint16 {
	return f.Pix[y*f.Width+x]
}

// Camera produces frames for a tracking worker. Start begins streaming
// delivery on the Frames channel; Capture takes one synchronous exposure
// (used by alignment). Implementations must allow Capture while streaming
// is stopped.
type Camera interface {
	Name() string
	// PlateScale is the angular size of one pixel in arcseconds.
	PlateScale() float64
	// Rotation is the camera x axis angle from the mount azimuth axis,
	// degrees positive counterclockwise.
	Rotation() float64
	Dimensions() (width, height int)
	SetExposure(d time.Duration) error
	SetGain(g float64) error
	Start(ctx context.Context) error
	// Frames returns the delivery channel for the current streaming run.
	// The channel is closed when streaming stops.
	Frames() <-chan Frame
	Capture(ctx context.Context) (Frame, error)
	Stop() error
}

// Mount is an alt/azimuth telescope mount under rate control. Angles are
// degrees; rates are degrees per second. Altitude is reported in
// (-180, 180] and azimuth in (-180, 180] matching the hand-controller
// convention.
type Mount interface {
	Name() string
	GetAltAz() (alt, azi float64, err error)
	SetRateAltAz(altRate, aziRate float64) error
	// MoveToAltAz slews to the given position under closed rate control
	// and blocks until within tolerance or ctx is cancelled. The mount is
	// left stopped either way.
	MoveToAltAz(ctx context.Context, alt, azi float64) error
	// Stop zeroes both axis rates.
	Stop() error
	AltLimits() (min, max float64)
	SetAltLimits(min, max float64)
	// MaxRate is the per-axis rate limit in degrees per second.
	MaxRate() float64
	Close() error
}

// Receiver samples received signal power. Not part of the control path;
// sampled once per control cycle for the session log.
type Receiver interface {
	Name() string
	Power() (float64, error)
}
