package align

import (
	"errors"
	"math"
	"testing"
	"time"
)

// rotated applies a Rodrigues rotation of deg degrees about axis to each
// row of m, producing a mount frame tilted away from the horizon frame.
func rotated(m Mat3, axis Vec3, deg float64) Mat3 {
	rad := deg * math.Pi / 180
	sin, cos := math.Sin(rad), math.Cos(rad)
	rot := func(v Vec3) Vec3 {
		return v.Scale(cos).
			Add(axis.Cross(v).Scale(sin)).
			Add(axis.Scale(axis.Dot(v) * (1 - cos)))
	}
	return Mat3{rot(m[0]), rot(m[1]), rot(m[2])}
}

// truthModel is a located and aligned model with a deliberately tilted
// mount frame and non-zero correction terms.
func truthModel() *Model {
	enu := enuBasis(52, 5)
	mnt := rotated(enu, enu[0], 1.3)
	mnt = rotated(mnt, enu[2], -0.7)
	return &Model{
		Lat:       52,
		Lon:       5,
		LocITRF:   geodeticToITRF(52, 5, 0),
		ITRFToENU: enu,
		ITRFToMNT: mnt,
		Alt0:      0.21,
		Cvd:       0.0035,
		Cnp:       0.045,
		Located:   true,
		Aligned:   true,
	}
}

// alignGrid covers two altitudes on four azimuths, giving four opposing
// and four altitude pairs.
var alignGrid = []Position{
	NewCOM(40, -135), NewCOM(60, -135), NewCOM(60, -45), NewCOM(40, -45),
	NewCOM(40, 45), NewCOM(60, 45), NewCOM(60, 135), NewCOM(40, 135),
}

// synthObservations generates perfectly solved samples: the sky direction
// a camera would report with the mount commanded to each grid point under
// truth.
func synthObservations(t *testing.T, truth *Model, grid []Position) []Observation {
	t.Helper()
	obs := make([]Observation, len(grid))
	for i, p := range grid {
		dir, err := truth.ITRFFromCOM(p)
		if err != nil {
			t.Fatalf("synthesising point %d: %v", i, err)
		}
		obs[i] = Observation{Index: i, COM: p, Dir: dir, Solved: true, At: time.Now()}
	}
	return obs
}

func TestApplyObservationsRecoversModel(t *testing.T) {
	truth := truthModel()
	obs := synthObservations(t, truth, alignGrid)

	a := New()
	if err := a.SetLocationLatLon(truth.Lat, truth.Lon, truth.HeightM); err != nil {
		t.Fatalf("SetLocationLatLon: %v", err)
	}
	now := time.Date(2026, 4, 2, 21, 0, 0, 0, time.UTC)
	rep, err := a.ApplyObservations(obs, now)
	if err != nil {
		t.Fatalf("ApplyObservations: %v", err)
	}

	m := a.Snapshot()
	if !m.Aligned || !m.FittedAt.Equal(now) {
		t.Fatalf("aligned=%v fittedAt=%v", m.Aligned, m.FittedAt)
	}
	if !almostEq(m.Alt0, truth.Alt0, 1e-6) {
		t.Errorf("alt0 = %v, want %v", m.Alt0, truth.Alt0)
	}
	if !almostEq(m.Cvd, truth.Cvd, 1e-6) {
		t.Errorf("cvd = %v, want %v", m.Cvd, truth.Cvd)
	}
	if !almostEq(m.Cnp, truth.Cnp, 1e-6) {
		t.Errorf("cnp = %v, want %v", m.Cnp, truth.Cnp)
	}

	if rep.UsedPoints != len(obs) || rep.TotalPoints != len(obs) {
		t.Errorf("used %d of %d points, want all %d", rep.UsedPoints, rep.TotalPoints, len(obs))
	}
	if rep.MzSpreadDeg > 1e-6 || rep.MySpreadDeg > 1e-6 {
		t.Errorf("axis spreads (%v, %v) for exact samples", rep.MzSpreadDeg, rep.MySpreadDeg)
	}
	if len(rep.Residuals) != len(obs) {
		t.Fatalf("%d residuals, want %d", len(rep.Residuals), len(obs))
	}
	for _, r := range rep.Residuals {
		if math.Abs(r.DAltAsec) > 1e-3 || math.Abs(r.DAziAsec) > 1e-3 {
			t.Errorf("point %d residual (%v, %v) asec", r.Index, r.DAltAsec, r.DAziAsec)
		}
	}

	// The fitted model must command the same angles as the truth for a
	// direction off the grid.
	probe, err := truth.ITRFFromCOM(NewCOM(52, 10))
	if err != nil {
		t.Fatalf("probe direction: %v", err)
	}
	got, err := m.COMFromITRF(probe)
	if err != nil {
		t.Fatalf("COMFromITRF: %v", err)
	}
	if !almostEq(got.Alt, 52, 1e-6) || !almostEq(got.Azi, 10, 1e-6) {
		t.Errorf("probe commanded at %s, want COM(52, 10)", got)
	}
}

func TestApplyObservationsPartialSolves(t *testing.T) {
	truth := truthModel()
	obs := synthObservations(t, truth, alignGrid)
	obs[0].Solved = false
	obs[1].Solved = false

	a := New()
	if err := a.SetLocationLatLon(truth.Lat, truth.Lon, 0); err != nil {
		t.Fatalf("SetLocationLatLon: %v", err)
	}
	rep, err := a.ApplyObservations(obs, time.Now())
	if err != nil {
		t.Fatalf("ApplyObservations: %v", err)
	}
	if rep.UsedPoints != 6 || rep.TotalPoints != 8 {
		t.Errorf("used %d of %d points, want 6 of 8", rep.UsedPoints, rep.TotalPoints)
	}
	m := a.Snapshot()
	if !almostEq(m.Alt0, truth.Alt0, 1e-6) || !almostEq(m.Cvd, truth.Cvd, 1e-6) || !almostEq(m.Cnp, truth.Cnp, 1e-6) {
		t.Errorf("fitted (%v, %v, %v), want (%v, %v, %v)", m.Alt0, m.Cvd, m.Cnp, truth.Alt0, truth.Cvd, truth.Cnp)
	}
}

func TestApplyObservationsInsufficient(t *testing.T) {
	truth := truthModel()
	obs := synthObservations(t, truth, alignGrid)
	// Knock out three of the four opposing pairs.
	for _, i := range []int{0, 1, 2} {
		obs[i].Solved = false
	}

	a := New()
	if err := a.SetLocationLatLon(truth.Lat, truth.Lon, 0); err != nil {
		t.Fatalf("SetLocationLatLon: %v", err)
	}
	before := a.Snapshot()
	_, err := a.ApplyObservations(obs, time.Now())
	if !errors.Is(err, ErrInsufficientSamples) {
		t.Fatalf("err = %v, want ErrInsufficientSamples", err)
	}
	if after := a.Snapshot(); *after != *before {
		t.Fatal("failed fit modified the model")
	}
}

func TestApplyObservationsUnlocated(t *testing.T) {
	truth := truthModel()
	obs := synthObservations(t, truth, alignGrid)

	a := New()
	if _, err := a.ApplyObservations(obs, time.Now()); !errors.Is(err, ErrNotLocated) {
		t.Fatalf("err = %v, want ErrNotLocated", err)
	}
}
