package align

import (
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"
)

// WGS84 ellipsoid constants for the geodetic to ITRF conversion.
const (
	wgs84A  = 6378137.0
	wgs84F  = 1 / 298.257223563
	wgs84E2 = wgs84F * (2 - wgs84F)
)

// Altitude magnitude above which the tangent in the non-perpendicularity
// correction is no longer evaluated.
const corrAltClipDeg = 85.0

// Model is an immutable snapshot of the pointing model: observer location,
// the fitted mount axis rotation and the COM correction terms. Conversion
// methods never mutate the snapshot, so a *Model may be shared freely
// between goroutines.
type Model struct {
	Lat     float64 `json:"lat"`
	Lon     float64 `json:"lon"`
	HeightM float64 `json:"height_m"`
	LocITRF Vec3    `json:"loc_itrf"` // observer position, metres

	ITRFToENU Mat3 `json:"itrf_to_enu"`
	ITRFToMNT Mat3 `json:"itrf_to_mnt"`

	// COM corrections: com_alt = (1+Cvd)*mnt_alt + Alt0 and
	// com_azi = mnt_azi - Cnp*tan(mnt_alt).
	Alt0 float64 `json:"alt0"`
	Cvd  float64 `json:"cvd"`
	Cnp  float64 `json:"cnp"`

	Located  bool      `json:"located"`
	Aligned  bool      `json:"aligned"`
	FittedAt time.Time `json:"fitted_at,omitempty"`
}

// Alignment owns the live pointing model. Reads take a lock-free snapshot;
// writers (location changes, fits, restores) are serialised by a mutex.
type Alignment struct {
	mu    sync.Mutex
	model atomic.Pointer[Model]
}

// New returns an Alignment with no location and no mount alignment.
func New() *Alignment {
	a := &Alignment{}
	m := &Model{ITRFToENU: identity3(), ITRFToMNT: identity3()}
	a.model.Store(m)
	return a
}

// Snapshot returns the current model. Never nil.
func (a *Alignment) Snapshot() *Model { return a.model.Load() }

// Restore installs a previously saved model, typically loaded from the
// database at startup.
func (a *Alignment) Restore(m *Model) error {
	if m == nil {
		return fmt.Errorf("restore: nil model")
	}
	cp := *m
	a.mu.Lock()
	defer a.mu.Unlock()
	a.model.Store(&cp)
	return nil
}

// SetLocationLatLon sets the observer's geodetic position. Latitude and
// longitude in degrees, height in metres above the WGS84 ellipsoid. An
// existing mount alignment is kept.
func (a *Alignment) SetLocationLatLon(lat, lon, height float64) error {
	if lat < -90 || lat > 90 {
		return fmt.Errorf("latitude %.4f out of range", lat)
	}
	if lon < -180 || lon > 180 {
		return fmt.Errorf("longitude %.4f out of range", lon)
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	m := *a.model.Load()
	m.Lat, m.Lon, m.HeightM = lat, lon, height
	m.LocITRF = geodeticToITRF(lat, lon, height)
	m.ITRFToENU = enuBasis(lat, lon)
	m.Located = true
	a.model.Store(&m)
	return nil
}

// SetAlignmentENU declares the mount to be perfectly levelled and north
// aligned: the mount frame becomes the local ENU frame and all correction
// terms are cleared. Requires a location.
func (a *Alignment) SetAlignmentENU() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	m := *a.model.Load()
	if !m.Located {
		return ErrNotLocated
	}
	m.ITRFToMNT = m.ITRFToENU
	m.Alt0, m.Cvd, m.Cnp = 0, 0, 0
	m.Aligned = true
	m.FittedAt = time.Time{}
	a.model.Store(&m)
	return nil
}

// geodeticToITRF converts a WGS84 geodetic position to earth-fixed
// cartesian metres.
func geodeticToITRF(latDeg, lonDeg, height float64) Vec3 {
	lat := latDeg * math.Pi / 180
	lon := lonDeg * math.Pi / 180
	sinLat, cosLat := math.Sincos(lat)
	sinLon, cosLon := math.Sincos(lon)
	n := wgs84A / math.Sqrt(1-wgs84E2*sinLat*sinLat)
	return Vec3{
		(n + height) * cosLat * cosLon,
		(n + height) * cosLat * sinLon,
		(n*(1-wgs84E2) + height) * sinLat,
	}
}

// enuBasis returns the rotation from ITRF to the local east/north/up frame
// at the given geodetic position.
func enuBasis(latDeg, lonDeg float64) Mat3 {
	lat := latDeg * math.Pi / 180
	lon := lonDeg * math.Pi / 180
	sinLat, cosLat := math.Sincos(lat)
	sinLon, cosLon := math.Sincos(lon)
	east := Vec3{-sinLon, cosLon, 0}
	north := Vec3{-sinLat * cosLon, -sinLat * sinLon, cosLat}
	up := Vec3{cosLat * cosLon, cosLat * sinLon, sinLat}
	return Mat3{east, north, up}
}

// RelativeITRF converts an absolute ITRF position in metres to a direction
// from the observer.
func (m *Model) RelativeITRF(pos Vec3) Vec3 {
	return pos.Sub(m.LocITRF)
}

// ENUFromITRF converts an ITRF direction to local horizon angles.
func (m *Model) ENUFromITRF(dir Vec3) (Position, error) {
	if !m.Located {
		return Position{}, ErrNotLocated
	}
	alt, azi := vecToAltAz(m.ITRFToENU.MulVec(dir.Unit()))
	return NewENU(alt, azi), nil
}

// ITRFFromENU converts local horizon angles to an ITRF unit vector.
func (m *Model) ITRFFromENU(p Position) (Vec3, error) {
	if err := p.check(FrameENU); err != nil {
		return Vec3{}, err
	}
	if !m.Located {
		return Vec3{}, ErrNotLocated
	}
	return m.ITRFToENU.Transpose().MulVec(altAzToVec(p.Alt, p.Azi)), nil
}

// MNTFromITRF converts an ITRF direction to mount-axis angles.
func (m *Model) MNTFromITRF(dir Vec3) (Position, error) {
	if !m.Aligned {
		return Position{}, ErrNotAligned
	}
	alt, azi := vecToAltAz(m.ITRFToMNT.MulVec(dir.Unit()))
	return NewMNT(alt, azi), nil
}

// ITRFFromMNT converts mount-axis angles to an ITRF unit vector.
func (m *Model) ITRFFromMNT(p Position) (Vec3, error) {
	if err := p.check(FrameMNT); err != nil {
		return Vec3{}, err
	}
	if !m.Aligned {
		return Vec3{}, ErrNotAligned
	}
	return m.ITRFToMNT.Transpose().MulVec(altAzToVec(p.Alt, p.Azi)), nil
}

// COMFromMNT applies the fitted corrections to mount-axis angles, giving
// the angles to command. The tangent term is clipped to +-85 degrees of
// altitude to keep it finite near the pole.
func (m *Model) COMFromMNT(p Position) (Position, error) {
	if err := p.check(FrameMNT); err != nil {
		return Position{}, err
	}
	clipped := p.Alt
	if clipped > corrAltClipDeg {
		clipped = corrAltClipDeg
	} else if clipped < -corrAltClipDeg {
		clipped = -corrAltClipDeg
	}
	azi := p.Azi - m.Cnp*math.Tan(clipped*math.Pi/180)
	alt := (1+m.Cvd)*p.Alt + m.Alt0
	return NewCOM(alt, azi), nil
}

// MNTFromCOM removes the fitted corrections from commanded angles. The
// tangent term uses the same +-85 degree clip as COMFromMNT so the two
// stay exact inverses at any altitude.
func (m *Model) MNTFromCOM(p Position) (Position, error) {
	if err := p.check(FrameCOM); err != nil {
		return Position{}, err
	}
	alt := (p.Alt - m.Alt0) / (1 + m.Cvd)
	clipped := alt
	if clipped > corrAltClipDeg {
		clipped = corrAltClipDeg
	} else if clipped < -corrAltClipDeg {
		clipped = -corrAltClipDeg
	}
	azi := p.Azi + m.Cnp*math.Tan(clipped*math.Pi/180)
	return NewMNT(alt, azi), nil
}

// ENUFromMNT chains MNT through ITRF to local horizon angles.
func (m *Model) ENUFromMNT(p Position) (Position, error) {
	dir, err := m.ITRFFromMNT(p)
	if err != nil {
		return Position{}, err
	}
	return m.ENUFromITRF(dir)
}

// MNTFromENU chains local horizon angles through ITRF to the mount frame.
func (m *Model) MNTFromENU(p Position) (Position, error) {
	dir, err := m.ITRFFromENU(p)
	if err != nil {
		return Position{}, err
	}
	return m.MNTFromITRF(dir)
}

// COMFromITRF converts an ITRF direction all the way to commandable mount
// angles.
func (m *Model) COMFromITRF(dir Vec3) (Position, error) {
	mnt, err := m.MNTFromITRF(dir)
	if err != nil {
		return Position{}, err
	}
	return m.COMFromMNT(mnt)
}

// ITRFFromCOM converts commanded mount angles to an ITRF direction.
func (m *Model) ITRFFromCOM(p Position) (Vec3, error) {
	mnt, err := m.MNTFromCOM(p)
	if err != nil {
		return Vec3{}, err
	}
	return m.ITRFFromMNT(mnt)
}
