// Package target provides ephemerides for the object under track: a
// TLE-propagated satellite orbit or a fixed sky coordinate, with an
// optional visibility window. Predictions are earth-fixed (ITRF)
// directions from the observer, chained through the pointing model for
// mount-frame angles and rates.
package target

import (
	"errors"
	"fmt"
	"math"
	"time"

	satellite "github.com/joshuaferrara/go-satellite"

	"github.com/lodestar-obs/groundstation/internal/align"
	"github.com/lodestar-obs/groundstation/internal/units"
)

// Sentinel errors for target queries.
var (
	ErrNoEphemeris = errors.New("no target ephemeris set")
	ErrOutOfWindow = errors.New("time outside target window")
)

// Kind discriminates the ephemeris variant.
type Kind string

const (
	KindSatellite Kind = "satellite"
	KindFixed     Kind = "radec"
)

// rateStep is the differentiation interval for angular rates.
const rateStep = 200 * time.Millisecond

// tleLineLen is the fixed length of a two-line element set line.
const tleLineLen = 69

// Target is an immutable ephemeris. Configure the window before handing
// the target to the system; once installed it is shared between the
// control loop and API goroutines and must not change.
type Target struct {
	kind Kind
	name string

	line1, line2 string
	sat          satellite.Satellite

	ra, dec float64

	start, end time.Time
}

// NewSatellite builds a satellite target from a two-line element set.
// The lines are validated (length, line numbers, matching catalog
// numbers, checksums) before being handed to the SGP4 propagator.
func NewSatellite(name, line1, line2 string) (*Target, error) {
	if err := validateTLELine(1, line1); err != nil {
		return nil, err
	}
	if err := validateTLELine(2, line2); err != nil {
		return nil, err
	}
	if line1[2:7] != line2[2:7] {
		return nil, fmt.Errorf("TLE catalog numbers differ: %q vs %q", line1[2:7], line2[2:7])
	}
	sat := satellite.TLEToSat(line1, line2, satellite.GravityWGS72)
	return &Target{
		kind:  KindSatellite,
		name:  name,
		line1: line1,
		line2: line2,
		sat:   sat,
	}, nil
}

// NewFixedRADec builds a target at fixed epoch-of-date sky coordinates.
// Right ascension and declination in degrees.
func NewFixedRADec(name string, ra, dec float64) (*Target, error) {
	if dec < -90 || dec > 90 {
		return nil, fmt.Errorf("declination %.4f out of range", dec)
	}
	return &Target{
		kind: KindFixed,
		name: name,
		ra:   units.WrapTo360(ra),
		dec:  dec,
	}, nil
}

// SetWindow bounds the target's validity in time. A zero start or end
// leaves that side unbounded. Call before installing the target.
func (t *Target) SetWindow(start, end time.Time) error {
	if !start.IsZero() && !end.IsZero() && !start.Before(end) {
		return fmt.Errorf("window start %s not before end %s", start.Format(time.RFC3339), end.Format(time.RFC3339))
	}
	t.start, t.end = start, end
	return nil
}

// Kind returns the ephemeris variant, or empty for a nil target.
func (t *Target) Kind() Kind {
	if t == nil {
		return ""
	}
	return t.kind
}

// Name returns the display name.
func (t *Target) Name() string {
	if t == nil {
		return ""
	}
	return t.name
}

// Window returns the configured start and end times; zero values mean
// unbounded.
func (t *Target) Window() (start, end time.Time) {
	if t == nil {
		return time.Time{}, time.Time{}
	}
	return t.start, t.end
}

// InWindow reports whether at falls inside the configured window.
func (t *Target) InWindow(at time.Time) bool {
	if t == nil {
		return false
	}
	if !t.start.IsZero() && at.Before(t.start) {
		return false
	}
	if !t.end.IsZero() && at.After(t.end) {
		return false
	}
	return true
}

// PredictITRF returns the target's earth-fixed location at the given
// time. For satellites this is an absolute position in metres; for fixed
// sky coordinates it is a unit direction, reported by the second return.
func (t *Target) PredictITRF(at time.Time) (pos align.Vec3, direction bool, err error) {
	if t == nil {
		return align.Vec3{}, false, ErrNoEphemeris
	}
	if !t.InWindow(at) {
		return align.Vec3{}, false, ErrOutOfWindow
	}
	switch t.kind {
	case KindSatellite:
		return t.itrfMetres(at), false, nil
	case KindFixed:
		return align.RADecToITRF(t.ra, t.dec, at), true, nil
	default:
		return align.Vec3{}, false, ErrNoEphemeris
	}
}

// DirectionFrom returns the topocentric unit direction from an observer
// position (ITRF metres) to the target.
func (t *Target) DirectionFrom(at time.Time, observer align.Vec3) (align.Vec3, error) {
	pos, isDir, err := t.PredictITRF(at)
	if err != nil {
		return align.Vec3{}, err
	}
	if isDir {
		return pos, nil
	}
	return pos.Sub(observer).Unit(), nil
}

// MNTAt returns the target's mount-frame position at the given time.
func (t *Target) MNTAt(at time.Time, m *align.Model) (align.Position, error) {
	dir, err := t.DirectionFrom(at, m.LocITRF)
	if err != nil {
		return align.Position{}, err
	}
	return m.MNTFromITRF(dir)
}

// ENUAt returns the target's local horizon position at the given time.
// Requires only an observer location, not a mount alignment.
func (t *Target) ENUAt(at time.Time, m *align.Model) (align.Position, error) {
	dir, err := t.DirectionFrom(at, m.LocITRF)
	if err != nil {
		return align.Position{}, err
	}
	return m.ENUFromITRF(dir)
}

// MNTRateAt returns the target's mount-frame angular rates at the given
// time, degrees per second, by differencing predictions rateStep apart.
// The azimuth difference is wrapped so rates stay finite through the
// ±180° seam.
func (t *Target) MNTRateAt(at time.Time, m *align.Model) (altRate, aziRate float64, err error) {
	p0, err := t.MNTAt(at, m)
	if err != nil {
		return 0, 0, err
	}
	// The second sample ignores the window so rates remain defined up to
	// the window edge.
	later := *t
	later.start, later.end = time.Time{}, time.Time{}
	p1, err := later.MNTAt(at.Add(rateStep), m)
	if err != nil {
		return 0, 0, err
	}
	dt := rateStep.Seconds()
	return (p1.Alt - p0.Alt) / dt, units.WrapTo180(p1.Azi-p0.Azi) / dt, nil
}

// RADecAt returns the target's topocentric right ascension and
// declination in degrees at the given time, for display.
func (t *Target) RADecAt(at time.Time, observer align.Vec3) (ra, dec float64, err error) {
	if t.Kind() == KindFixed {
		if t == nil {
			return 0, 0, ErrNoEphemeris
		}
		return t.ra, t.dec, nil
	}
	dir, err := t.DirectionFrom(at, observer)
	if err != nil {
		return 0, 0, err
	}
	// ITRF to ECI is a pure rotation about the pole, so applying the
	// forward rotation with a negated angle inverts it.
	eci := satellite.ECIToECEF(satellite.Vector3{X: dir[0], Y: dir[1], Z: dir[2]}, -align.GMST(at))
	ra = units.WrapTo360(math.Atan2(eci.Y, eci.X) * 180 / math.Pi)
	dec = math.Asin(clampUnit(eci.Z)) * 180 / math.Pi
	return ra, dec, nil
}

// itrfMetres propagates the satellite to at and rotates into the
// earth-fixed frame. Propagate resolves whole seconds only; the fraction
// is recovered from the returned velocity, good to about a metre over
// one second for orbital accelerations.
func (t *Target) itrfMetres(at time.Time) align.Vec3 {
	u := at.UTC()
	year, month, day := u.Date()
	hour, min, sec := u.Clock()
	pos, vel := satellite.Propagate(t.sat, year, int(month), day, hour, min, sec)
	frac := float64(u.Nanosecond()) / 1e9
	eci := satellite.Vector3{
		X: pos.X + vel.X*frac,
		Y: pos.Y + vel.Y*frac,
		Z: pos.Z + vel.Z*frac,
	}
	ecef := satellite.ECIToECEF(eci, align.GMST(u))
	const kmToM = 1000.0
	return align.Vec3{ecef.X * kmToM, ecef.Y * kmToM, ecef.Z * kmToM}
}

// Info is a JSON-friendly description of a target for the API.
type Info struct {
	Kind  Kind       `json:"kind"`
	Name  string     `json:"name,omitempty"`
	Line1 string     `json:"tle_line1,omitempty"`
	Line2 string     `json:"tle_line2,omitempty"`
	RA    float64    `json:"ra,omitempty"`
	Dec   float64    `json:"dec,omitempty"`
	Start *time.Time `json:"window_start,omitempty"`
	End   *time.Time `json:"window_end,omitempty"`
}

// Info describes the target for status queries. Nil targets return the
// zero Info.
func (t *Target) Info() Info {
	if t == nil {
		return Info{}
	}
	info := Info{
		Kind:  t.kind,
		Name:  t.name,
		Line1: t.line1,
		Line2: t.line2,
		RA:    t.ra,
		Dec:   t.dec,
	}
	if !t.start.IsZero() {
		s := t.start
		info.Start = &s
	}
	if !t.end.IsZero() {
		e := t.end
		info.End = &e
	}
	return info
}

func (t *Target) String() string {
	if t == nil {
		return "none"
	}
	switch t.kind {
	case KindSatellite:
		if t.name != "" {
			return fmt.Sprintf("satellite %s", t.name)
		}
		return fmt.Sprintf("satellite %s", t.line1[2:7])
	case KindFixed:
		return fmt.Sprintf("radec(%.4f, %.4f)", t.ra, t.dec)
	}
	return "none"
}

// validateTLELine checks the fixed-format constraints of TLE line n.
func validateTLELine(n int, line string) error {
	if len(line) != tleLineLen {
		return fmt.Errorf("TLE line %d: got %d characters, want %d", n, len(line), tleLineLen)
	}
	if line[0] != '0'+byte(n) || line[1] != ' ' {
		return fmt.Errorf("TLE line %d: bad line number prefix %q", n, line[:2])
	}
	want := int(line[tleLineLen-1] - '0')
	if got := tleChecksum(line); got != want {
		return fmt.Errorf("TLE line %d: checksum %d, line says %d", n, got, want)
	}
	return nil
}

// tleChecksum computes the modulo-10 line checksum: digits count as their
// value, minus signs as one, everything else as zero.
func tleChecksum(line string) int {
	sum := 0
	for _, c := range line[:tleLineLen-1] {
		switch {
		case c >= '0' && c <= '9':
			sum += int(c - '0')
		case c == '-':
			sum++
		}
	}
	return sum % 10
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
