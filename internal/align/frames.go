// Package align manages the pointing model of the telescope: the
// coordinate frames between raw mount commands and the sky, the fitted
// mount correction terms, and the auto-alignment procedure that measures
// them from plate-solved star fields.
//
// Four frames are in play. ITRF is the earth-fixed cartesian frame all
// others are referenced to; directions in it are unit Vec3 values. ENU is
// the local east/north/up tangent frame at the observer, expressed as
// altitude and azimuth. MNT is the frame spanned by the physical mount
// axes, which auto-alignment measures so the mount never has to be
// levelled or north-aligned. COM holds the angles actually sent to the
// mount, differing from MNT by the fitted correction terms.
package align

import (
	"errors"
	"fmt"
	"math"
)

// Sentinel errors for alignment operations.
var (
	ErrWrongFrame          = errors.New("position in wrong frame")
	ErrNotLocated          = errors.New("observer location not set")
	ErrNotAligned          = errors.New("mount not aligned")
	ErrUnsolved            = errors.New("plate solve failed")
	ErrInsufficientSamples = errors.New("not enough solved alignment samples")
)

// Frame identifies the coordinate frame of a Position.
type Frame string

const (
	FrameCOM   Frame = "COM"   // raw commanded mount angles
	FrameMNT   Frame = "MNT"   // corrected mount-axis angles
	FrameENU   Frame = "ENU"   // local horizon alt/az
	FrameRADEC Frame = "RADEC" // sky right ascension / declination
)

// Position is an angle pair tagged with its frame. For COM, MNT and ENU
// the components are altitude and azimuth; for RADEC, Alt holds the
// declination and Azi the right ascension. Degrees throughout.
type Position struct {
	Frame Frame   `json:"frame"`
	Alt   float64 `json:"alt"`
	Azi   float64 `json:"azi"`
}

func NewCOM(alt, azi float64) Position { return Position{Frame: FrameCOM, Alt: alt, Azi: azi} }
func NewMNT(alt, azi float64) Position { return Position{Frame: FrameMNT, Alt: alt, Azi: azi} }
func NewENU(alt, azi float64) Position { return Position{Frame: FrameENU, Alt: alt, Azi: azi} }

// NewRADEC builds a sky position from right ascension and declination.
func NewRADEC(ra, dec float64) Position { return Position{Frame: FrameRADEC, Alt: dec, Azi: ra} }

func (p Position) String() string {
	return fmt.Sprintf("%s(%.4f, %.4f)", p.Frame, p.Alt, p.Azi)
}

// check returns ErrWrongFrame unless the position carries want.
func (p Position) check(want Frame) error {
	if p.Frame != want {
		return fmt.Errorf("got %s, want %s: %w", p.Frame, want, ErrWrongFrame)
	}
	return nil
}

// Vec3 is a cartesian vector, used for ITRF directions and positions.
type Vec3 [3]float64

func (v Vec3) Add(o Vec3) Vec3 { return Vec3{v[0] + o[0], v[1] + o[1], v[2] + o[2]} }

func (v Vec3) Sub(o Vec3) Vec3 { return Vec3{v[0] - o[0], v[1] - o[1], v[2] - o[2]} }

func (v Vec3) Scale(s float64) Vec3 { return Vec3{v[0] * s, v[1] * s, v[2] * s} }

func (v Vec3) Dot(o Vec3) float64 { return v[0]*o[0] + v[1]*o[1] + v[2]*o[2] }

func (v Vec3) Cross(o Vec3) Vec3 {
	return Vec3{
		v[1]*o[2] - v[2]*o[1],
		v[2]*o[0] - v[0]*o[2],
		v[0]*o[1] - v[1]*o[0],
	}
}

func (v Vec3) Norm() float64 { return math.Sqrt(v.Dot(v)) }

// Unit returns v normalised. The zero vector is returned unchanged.
func (v Vec3) Unit() Vec3 {
	n := v.Norm()
	if n == 0 {
		return v
	}
	return v.Scale(1 / n)
}

// Mat3 is a 3x3 row-major rotation matrix.
type Mat3 [3]Vec3

// MulVec applies the rotation to v.
func (m Mat3) MulVec(v Vec3) Vec3 {
	return Vec3{m[0].Dot(v), m[1].Dot(v), m[2].Dot(v)}
}

// Transpose returns the inverse of an orthonormal Mat3.
func (m Mat3) Transpose() Mat3 {
	return Mat3{
		Vec3{m[0][0], m[1][0], m[2][0]},
		Vec3{m[0][1], m[1][1], m[2][1]},
		Vec3{m[0][2], m[1][2], m[2][2]},
	}
}

// identity3 is the do-nothing rotation.
func identity3() Mat3 {
	return Mat3{Vec3{1, 0, 0}, Vec3{0, 1, 0}, Vec3{0, 0, 1}}
}

// altAzToVec converts horizon angles to a unit vector in the frame's
// cartesian basis: x east, y north, z up (or the MNT equivalents).
func altAzToVec(altDeg, aziDeg float64) Vec3 {
	alt := altDeg * math.Pi / 180
	azi := aziDeg * math.Pi / 180
	return Vec3{
		math.Cos(alt) * math.Sin(azi),
		math.Cos(alt) * math.Cos(azi),
		math.Sin(alt),
	}
}

// vecToAltAz converts a direction to horizon angles in degrees, altitude
// in [-90, 90] and azimuth in (-180, 180].
func vecToAltAz(v Vec3) (alt, azi float64) {
	v = v.Unit()
	alt = math.Asin(clampUnit(v[2])) * 180 / math.Pi
	azi = math.Atan2(v[0], v[1]) * 180 / math.Pi
	return alt, azi
}

// clampUnit guards Asin against rounding just outside [-1, 1].
func clampUnit(v float64) float64 {
	if v > 1 {
		return 1
	}
	if v < -1 {
		return -1
	}
	return v
}
