package device

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/lodestar-obs/groundstation/internal/timeutil"
)

func testClock() *timeutil.MockClock {
	return timeutil.NewMockClock(time.Date(2026, 3, 1, 22, 0, 0, 0, time.UTC))
}

func brightestPixel(f Frame) (int, int, uint16) {
	var bx, by int
	var bv uint16
	for y := 0; y < f.Height; y++ {
		for x := 0; x < f.Width; x++ {
			if v := f.At(x, y); v > bv {
				bx, by, bv = x, y, v
			}
		}
	}
	return bx, by, bv
}

func TestSimCameraRendersSpot(t *testing.T) {
	clock := testClock()
	cam := NewSimCamera("coarse", SimCameraConfig{
		Width: 64, Height: 64, PlateScale: 2.0, Bias: 100, Seed: 1, Clock: clock,
	})
	cam.SetScene(func(time.Time) []Spot {
		return []Spot{{X: 20, Y: -10, Peak: 5000, SigmaPx: 1.5}}
	})

	f, err := cam.Capture(context.Background())
	if err != nil {
		t.Fatalf("Capture: %v", err)
	}
	if f.Width != 64 || f.Height != 64 || len(f.Pix) != 64*64 {
		t.Fatalf("frame geometry %dx%d len %d", f.Width, f.Height, len(f.Pix))
	}

	// Spot at +20 asec x, -10 asec y maps to pixel (41.5, 36.5).
	bx, by, bv := brightestPixel(f)
	if bx < 41 || bx > 42 || by < 36 || by > 37 {
		t.Errorf("brightest pixel at (%d,%d), want near (41.5, 36.5)", bx, by)
	}
	if bv < 1000 {
		t.Errorf("brightest pixel %d, want well above bias", bv)
	}
}

func TestSimCameraEmptySceneIsFlat(t *testing.T) {
	cam := NewSimCamera("fine", SimCameraConfig{
		Width: 32, Height: 32, Bias: 100, Seed: 1, Clock: testClock(),
	})
	f, err := cam.Capture(context.Background())
	if err != nil {
		t.Fatalf("Capture: %v", err)
	}
	_, _, bv := brightestPixel(f)
	if bv != 100 {
		t.Errorf("brightest pixel %d on empty noiseless scene, want bias 100", bv)
	}
}

func TestSimCameraExposureScalesSignal(t *testing.T) {
	cam := NewSimCamera("star", SimCameraConfig{
		Width: 32, Height: 32, PlateScale: 2.0, Bias: 100, Seed: 1, Clock: testClock(),
	})
	cam.SetScene(func(time.Time) []Spot {
		return []Spot{{X: 0, Y: 0, Peak: 2000, SigmaPx: 1.5}}
	})

	f1, _ := cam.Capture(context.Background())
	_, _, v1 := brightestPixel(f1)

	if err := cam.SetExposure(200 * time.Millisecond); err != nil {
		t.Fatalf("SetExposure: %v", err)
	}
	f2, _ := cam.Capture(context.Background())
	_, _, v2 := brightestPixel(f2)

	ratio := (float64(v2) - 100) / (float64(v1) - 100)
	if math.Abs(ratio-2.0) > 0.05 {
		t.Errorf("doubled exposure scaled peak by %.3f, want 2.0", ratio)
	}

	if err := cam.SetExposure(0); err == nil {
		t.Error("expected error for zero exposure")
	}
	if err := cam.SetGain(-1); err == nil {
		t.Error("expected error for negative gain")
	}
}

func TestSimCameraStreaming(t *testing.T) {
	clock := testClock()
	cam := NewSimCamera("coarse", SimCameraConfig{
		Width: 16, Height: 16, FrameRate: 10, Bias: 100, Seed: 1, Clock: clock,
	})
	if err := cam.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := cam.Start(context.Background()); err == nil {
		t.Error("second Start should fail")
	}

	clock.Advance(100 * time.Millisecond)
	select {
	case f, ok := <-cam.Frames():
		if !ok {
			t.Fatal("frame channel closed early")
		}
		if f.Seq == 0 {
			t.Error("frame sequence should start at 1")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no frame after ticker fired")
	}

	if err := cam.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	select {
	case _, ok := <-cam.Frames():
		if ok {
			// A frame rendered before the stop landed is fine; the
			// channel must still close after it.
			if _, ok := <-cam.Frames(); ok {
				t.Fatal("frame channel not closed after Stop")
			}
		}
	case <-time.After(2 * time.Second):
		t.Fatal("frame channel not closed after Stop")
	}
}

func TestSimMountIntegratesRate(t *testing.T) {
	clock := testClock()
	m := NewSimMount("mount", SimMountConfig{StartAlt: 50, StartAzi: 10, Clock: clock})

	if err := m.SetRateAltAz(1.0, 2.0); err != nil {
		t.Fatalf("SetRateAltAz: %v", err)
	}
	clock.Advance(500 * time.Millisecond)
	alt, azi, err := m.GetAltAz()
	if err != nil {
		t.Fatalf("GetAltAz: %v", err)
	}
	if math.Abs(alt-50.5) > 1e-9 || math.Abs(azi-11.0) > 1e-9 {
		t.Errorf("position (%.6f, %.6f), want (50.5, 11.0)", alt, azi)
	}
}

func TestSimMountAzimuthWraps(t *testing.T) {
	clock := testClock()
	m := NewSimMount("mount", SimMountConfig{StartAlt: 45, StartAzi: 179, Clock: clock})
	if err := m.SetRateAltAz(0, 2.0); err != nil {
		t.Fatalf("SetRateAltAz: %v", err)
	}
	clock.Advance(1 * time.Second)
	_, azi, _ := m.GetAltAz()
	if math.Abs(azi-(-179)) > 1e-9 {
		t.Errorf("azimuth %.6f, want wrap to -179", azi)
	}
}

func TestSimMountAltLimitStopsAxis(t *testing.T) {
	clock := testClock()
	m := NewSimMount("mount", SimMountConfig{StartAlt: 94, Clock: clock})
	if err := m.SetRateAltAz(2.0, 0); err != nil {
		t.Fatalf("SetRateAltAz: %v", err)
	}
	clock.Advance(1 * time.Second)
	alt, _, _ := m.GetAltAz()
	if alt != 95 {
		t.Errorf("altitude %.3f, want clamped at 95", alt)
	}
	clock.Advance(1 * time.Second)
	alt, _, _ = m.GetAltAz()
	if alt != 95 {
		t.Errorf("altitude %.3f after further advance, want 95 with rate zeroed", alt)
	}
}

func TestSimMountRejectsExcessiveRate(t *testing.T) {
	m := NewSimMount("mount", SimMountConfig{Clock: testClock()})
	if err := m.SetRateAltAz(5.0, 0); err == nil {
		t.Error("expected error for rate above maximum")
	}
}

func TestSimMountMoveToAltAz(t *testing.T) {
	clock := testClock()
	m := NewSimMount("mount", SimMountConfig{StartAlt: 10, StartAzi: 20, Clock: clock})

	if err := m.MoveToAltAz(context.Background(), 30, -40); err != nil {
		t.Fatalf("MoveToAltAz: %v", err)
	}
	alt, azi, _ := m.GetAltAz()
	if math.Abs(alt-30) > 0.01 || math.Abs(azi-(-40)) > 0.01 {
		t.Errorf("settled at (%.4f, %.4f), want (30, -40)", alt, azi)
	}
	// Rates must be zero after the slew.
	clock.Advance(1 * time.Second)
	alt2, azi2, _ := m.GetAltAz()
	if alt2 != alt || azi2 != azi {
		t.Errorf("mount drifted to (%.4f, %.4f) after slew", alt2, azi2)
	}
}

func TestSimMountMoveToAltAzOutsideLimits(t *testing.T) {
	m := NewSimMount("mount", SimMountConfig{Clock: testClock()})
	if err := m.MoveToAltAz(context.Background(), 120, 0); err == nil {
		t.Error("expected error for target above altitude limit")
	}
}

func TestSimMountStopInterruptsSlew(t *testing.T) {
	m := NewSimMount("mount", SimMountConfig{StartAlt: 0, StartAzi: 0})

	done := make(chan error, 1)
	go func() {
		done <- m.MoveToAltAz(context.Background(), 80, 170)
	}()
	time.Sleep(60 * time.Millisecond)
	if err := m.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	select {
	case err := <-done:
		if err == nil {
			t.Error("interrupted slew should return an error")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("slew did not observe Stop")
	}
}

func TestSimMountClose(t *testing.T) {
	m := NewSimMount("mount", SimMountConfig{Clock: testClock()})
	if err := m.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, _, err := m.GetAltAz(); err == nil {
		t.Error("GetAltAz after Close should fail")
	}
}

func TestSimReceiverPower(t *testing.T) {
	r := NewSimReceiver("rx", func(time.Time) float64 { return 42.5 }, 0, testClock())
	v, err := r.Power()
	if err != nil {
		t.Fatalf("Power: %v", err)
	}
	if v != 42.5 {
		t.Errorf("Power() = %f, want 42.5", v)
	}

	r.SetSource(nil)
	v, _ = r.Power()
	if v != 0 {
		t.Errorf("Power() with nil source = %f, want 0", v)
	}
}
