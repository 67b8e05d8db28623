package control

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/lodestar-obs/groundstation/internal/align"
	"github.com/lodestar-obs/groundstation/internal/config"
	"github.com/lodestar-obs/groundstation/internal/device"
	"github.com/lodestar-obs/groundstation/internal/monitoring"
	"github.com/lodestar-obs/groundstation/internal/target"
	"github.com/lodestar-obs/groundstation/internal/timeutil"
	"github.com/lodestar-obs/groundstation/internal/track"
	"github.com/lodestar-obs/groundstation/internal/units"
)

func init() { monitoring.SetLogger(nil) }

func ptrInt(v int) *int             { return &v }
func ptrFloat64(v float64) *float64 { return &v }
func ptrBool(v bool) *bool          { return &v }
func ptrString(v string) *string    { return &v }

// loopCfg returns tuning that lets a tracker validate on the first hit
// and converge within a handful of frames.
func loopCfg() *config.TuningConfig {
	return &config.TuningConfig{
		LoopPeriod:         ptrString("200ms"),
		SmoothingParameter: ptrFloat64(4),
		SuccsToStart:       ptrInt(1),
		FailsToDrop:        ptrInt(5),
		MinSearchRadius:    ptrFloat64(10),
		MaxSearchRadius:    ptrFloat64(500),
		AutoAcquire:        ptrBool(true),
	}
}

type captureSink struct {
	statuses []*Status
}

func (s *captureSink) RecordCycle(st *Status) { s.statuses = append(s.statuses, st) }

// rig drives a loop one hand-stepped cycle at a time against a simulated
// mount and hand-fed tracker observations. The mount starts exactly on
// the target so tests control every error term.
type rig struct {
	t      *testing.T
	clock  *timeutil.MockClock
	mount  *device.SimMount
	coarse *track.Worker
	fine   *track.Worker
	loop   *Loop
	sink   *captureSink
	period time.Duration
	cSeq   uint64
	fSeq   uint64
}

func newRig(t *testing.T, cfg *config.TuningConfig, withFine bool, ra, dec float64) *rig {
	t.Helper()
	if cfg == nil {
		cfg = loopCfg()
	}
	clock := timeutil.NewMockClock(time.Date(2026, 3, 1, 22, 0, 0, 0, time.UTC))
	alignment := align.New()
	if err := alignment.SetLocationLatLon(52.0, 5.0, 50); err != nil {
		t.Fatalf("SetLocationLatLon: %v", err)
	}
	if err := alignment.SetAlignmentENU(); err != nil {
		t.Fatalf("SetAlignmentENU: %v", err)
	}
	tgt, err := target.NewFixedRADec("test target", ra, dec)
	if err != nil {
		t.Fatalf("NewFixedRADec: %v", err)
	}
	tpos, err := tgt.MNTAt(clock.Now(), alignment.Snapshot())
	if err != nil {
		t.Fatalf("MNTAt: %v", err)
	}
	mount := device.NewSimMount("mount", device.SimMountConfig{
		StartAlt: tpos.Alt,
		StartAzi: tpos.Azi,
		Clock:    clock,
	})
	coarse := track.NewWorker(
		device.NewSimCamera("coarse", device.SimCameraConfig{Clock: clock}),
		track.NewSpotTracker("coarse", cfg), cfg, nil)
	var fine *track.Worker
	if withFine {
		fine = track.NewWorker(
			device.NewSimCamera("fine", device.SimCameraConfig{Clock: clock}),
			track.NewSpotTracker("fine", cfg), cfg, nil)
	}
	sink := &captureSink{}
	loop, err := NewLoop(cfg, Deps{
		Mount:     mount,
		Alignment: alignment,
		Coarse:    coarse,
		Fine:      fine,
		Clock:     clock,
		Sink:      sink,
	})
	if err != nil {
		t.Fatalf("NewLoop: %v", err)
	}
	loop.SetTarget(tgt)
	return &rig{
		t: t, clock: clock, mount: mount, coarse: coarse, fine: fine,
		loop: loop, sink: sink, period: cfg.GetLoopPeriod(),
	}
}

func (r *rig) start() {
	r.t.Helper()
	if err := r.loop.Start(); err != nil {
		r.t.Fatalf("Start: %v", err)
	}
}

func (r *rig) step(n int) {
	for i := 0; i < n; i++ {
		r.clock.Advance(r.period)
		r.loop.step(r.clock.Now(), r.period)
	}
}

func (r *rig) coarseHit(x, y float64) {
	r.cSeq++
	r.coarse.Tracker().Observe(r.cSeq, r.clock.Now(), []track.Candidate{{X: x, Y: y, Sum: 5000, Area: 25}})
}

func (r *rig) fineHit(x, y float64) {
	r.fSeq++
	r.fine.Tracker().Observe(r.fSeq, r.clock.Now(), []track.Candidate{{X: x, Y: y, Sum: 8000, Area: 25}})
}

// toCCL feeds centered coarse hits until the estimate settles below the
// transition threshold and the loop reaches coarse closed loop.
func (r *rig) toCCL() {
	r.t.Helper()
	for i := 0; i < 50; i++ {
		r.coarseHit(0, 0)
		r.step(1)
		if st := r.loop.Status(); st != nil && st.Mode == ModeCCL {
			return
		}
	}
	r.t.Fatalf("loop never reached CCL, status %+v", r.loop.Status())
}

func (r *rig) status() *Status {
	r.t.Helper()
	st := r.loop.Status()
	if st == nil {
		r.t.Fatal("no status published")
	}
	return st
}

func (r *rig) mountPos() (alt, azi float64) {
	r.t.Helper()
	alt, azi, err := r.mount.GetAltAz()
	if err != nil {
		r.t.Fatalf("GetAltAz: %v", err)
	}
	return alt, azi
}

func TestLoopStartChecks(t *testing.T) {
	r := newRig(t, nil, false, 37.95, 90)
	tgt := r.loop.Target()

	r.loop.SetTarget(nil)
	if err := r.loop.Start(); !errors.Is(err, ErrNotReady) {
		t.Fatalf("Start without target: %v, want ErrNotReady", err)
	}
	r.loop.SetTarget(tgt)

	unaligned, err := NewLoop(loopCfg(), Deps{
		Mount: r.mount, Alignment: align.New(), Coarse: r.coarse, Clock: r.clock,
	})
	if err != nil {
		t.Fatalf("NewLoop: %v", err)
	}
	unaligned.SetTarget(tgt)
	if err := unaligned.Start(); !errors.Is(err, ErrNotReady) {
		t.Fatalf("Start without alignment: %v, want ErrNotReady", err)
	}

	if err := r.loop.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if !r.loop.Running() || r.loop.Session() == "" {
		t.Error("no session after Start")
	}
	if err := r.loop.Start(); !errors.Is(err, ErrTracking) {
		t.Fatalf("second Start: %v, want ErrTracking", err)
	}
	r.loop.Stop()
	if r.loop.Running() || r.loop.Session() != "" {
		t.Error("session survived Stop")
	}
}

func TestLoopRestingModes(t *testing.T) {
	r := newRig(t, nil, false, 37.95, 90)
	tgt := r.loop.Target()

	r.loop.SetTarget(nil)
	r.step(1)
	if st := r.status(); st.Mode != ModeIdle || st.Running {
		t.Errorf("no target: mode %s running %v, want stopped IDLE", st.Mode, st.Running)
	}

	r.loop.SetTarget(tgt)
	r.step(1)
	st := r.status()
	if st.Mode != ModeOL || st.Running {
		t.Errorf("ready but stopped: mode %s running %v, want stopped OL", st.Mode, st.Running)
	}
	if st.RateAlt != 0 || st.RateAzi != 0 {
		t.Errorf("resting rates (%g, %g), want zero", st.RateAlt, st.RateAzi)
	}
	if st.Target != "test target" {
		t.Errorf("status target %q", st.Target)
	}
}

func TestLoopModeChain(t *testing.T) {
	r := newRig(t, nil, true, 37.95, 90)
	r.start()
	r.step(1)
	if st := r.status(); st.Mode != ModeOL || !st.Running {
		t.Fatalf("first cycle: mode %s running %v, want running OL", st.Mode, st.Running)
	}

	r.toCCL()

	// The fine camera has no spot and the coarse residual is small, so
	// the next cycle starts the spiral search.
	r.coarseHit(0, 0)
	r.step(1)
	if st := r.status(); st.Mode != ModeCTFSP {
		t.Fatalf("mode %s, want CTFSP once the coarse residual settles", st.Mode)
	}

	// The sweep holds at the origin through the acquisition delay.
	for i := 0; i < 10; i++ {
		r.coarseHit(0, 0)
		r.step(1)
	}
	if st := r.status(); st.Mode != ModeCTFSP || st.SpiralRadius != 0 {
		t.Fatalf("during delay: mode %s radius %f, want CTFSP at the origin", st.Mode, st.SpiralRadius)
	}

	// Past the delay the coarse goal offset sweeps outward.
	for i := 0; i < 25; i++ {
		r.coarseHit(0, 0)
		r.step(1)
	}
	st := r.status()
	if st.Mode != ModeCTFSP || st.SpiralRadius <= 0 {
		t.Fatalf("after delay: mode %s radius %f, want a sweeping CTFSP", st.Mode, st.SpiralRadius)
	}
	if gx, gy := r.coarse.Tracker().GoalOffset(); gx == 0 && gy == 0 {
		t.Error("coarse goal offset not moved by the spiral")
	}

	// A fine acquisition promotes to FCL, rewinds the spiral and, via the
	// intercamera update, disables further sweeps.
	r.coarseHit(0, 0)
	r.fineHit(0, 0)
	r.step(1)
	st = r.status()
	if st.Mode != ModeFCL {
		t.Fatalf("mode %s, want FCL after fine acquisition", st.Mode)
	}
	if st.SpiralRadius != 0 {
		t.Errorf("spiral radius %f after FCL entry, want 0", st.SpiralRadius)
	}
	if gx, gy := r.coarse.Tracker().GoalOffset(); gx != 0 || gy != 0 {
		t.Errorf("coarse goal offset (%f, %f) after FCL entry, want cleared", gx, gy)
	}
	if r.loop.ModeEnabled(ModeCTFSP) {
		t.Error("spiral search still enabled after the intercamera update")
	}
}

func TestLoopCoarseLossFallsBackToOL(t *testing.T) {
	r := newRig(t, nil, false, 37.95, 90)
	r.start()
	r.step(1)
	r.toCCL()

	// No further observations: the estimate goes stale after the drop
	// horizon and the loop falls back to open loop.
	r.step(6)
	if st := r.status(); st.Mode != ModeOL {
		t.Errorf("mode %s after losing the coarse spot, want OL", st.Mode)
	}
	if !r.loop.Running() {
		t.Error("session should survive a lost spot")
	}
}

func TestLoopStopZeroesRates(t *testing.T) {
	r := newRig(t, nil, false, 37.95, 90)
	r.start()
	r.step(1)
	r.toCCL()

	// Offset hits command a nonzero rate.
	for i := 0; i < 5; i++ {
		r.coarseHit(8, 4)
		r.step(1)
	}
	if st := r.status(); st.RateAlt == 0 && st.RateAzi == 0 {
		t.Fatal("expected a nonzero commanded rate before Stop")
	}

	r.loop.Stop()
	r.step(1)
	st := r.status()
	if st.Running || st.Session != "" {
		t.Errorf("status still running after Stop: %+v", st)
	}
	if st.Mode != ModeOL {
		t.Errorf("resting mode %s, want OL with the target still set", st.Mode)
	}

	alt0, azi0 := r.mountPos()
	r.clock.Advance(time.Second)
	alt1, azi1 := r.mountPos()
	if math.Abs(alt1-alt0) > 1e-9 || math.Abs(units.WrapTo180(azi1-azi0)) > 1e-9 {
		t.Errorf("mount still moving after Stop: (%f, %f) -> (%f, %f)", alt0, azi0, alt1, azi1)
	}
}

func TestLoopGoalOffsetShiftsCommand(t *testing.T) {
	cfg := loopCfg()
	cfg.CCLGainKi = ptrFloat64(0) // pure P for an exact command check
	r := newRig(t, cfg, false, 37.95, 90)
	r.start()
	r.step(1)
	r.toCCL()

	r.coarseHit(0, 0)
	r.step(1)
	base := r.status()
	if base.RateAlt != 0 || base.RateAzi != 0 {
		t.Fatalf("baseline rate (%g, %g), want zero on a centered spot", base.RateAlt, base.RateAzi)
	}

	// Camera rotation is zero, so x maps to azimuth and y to altitude.
	r.coarse.Tracker().SetGoalOffset(30, -20)
	r.coarseHit(0, 0)
	r.step(1)
	st := r.status()
	if math.Abs(st.ErrAlt-20) > 1e-9 {
		t.Errorf("ErrAlt = %f asec, want 20", st.ErrAlt)
	}
	wantErrAzi := -30 / math.Cos(units.DegToRad(st.MountAlt))
	if math.Abs(st.ErrAzi-wantErrAzi) > 1e-9 {
		t.Errorf("ErrAzi = %f asec, want %f", st.ErrAzi, wantErrAzi)
	}
	p := cfg.GetCCLGainP()
	if want := p * st.ErrAlt / units.AsecPerDeg; math.Abs(st.RateAlt-want) > 1e-12 {
		t.Errorf("RateAlt = %g, want %g", st.RateAlt, want)
	}
	if want := p * st.ErrAzi / units.AsecPerDeg; math.Abs(st.RateAzi-want) > 1e-12 {
		t.Errorf("RateAzi = %g, want %g", st.RateAzi, want)
	}
}

func TestLoopOpenLoopFollowsTarget(t *testing.T) {
	r := newRig(t, nil, false, 200, 75)
	r.start()
	r.step(600) // two simulated minutes, no camera feedback
	st := r.status()
	if st.Mode != ModeOL {
		t.Fatalf("mode %s, want OL with no spot", st.Mode)
	}
	if st.TargetRateAlt == 0 && st.TargetRateAzi == 0 {
		t.Error("a fixed sky target should drift in the mount frame")
	}
	if d := math.Abs(units.WrapTo180(st.TargetAlt - st.MountAlt)); d > 0.005 {
		t.Errorf("altitude lag %f deg after the open loop run", d)
	}
	if d := math.Abs(units.WrapTo180(st.TargetAzi - st.MountAzi)); d > 0.005 {
		t.Errorf("azimuth lag %f deg after the open loop run", d)
	}
}

func TestLoopOutOfWindow(t *testing.T) {
	r := newRig(t, nil, false, 200, 75)
	start := r.clock.Now()
	if err := r.loop.Target().SetWindow(start.Add(-time.Hour), start.Add(30*time.Second)); err != nil {
		t.Fatalf("SetWindow: %v", err)
	}
	r.start()
	r.step(200) // 40 s: the window closes mid-run
	st := r.status()
	if !st.OutOfWindow {
		t.Fatal("status not flagged out of window")
	}
	if st.RateAlt != 0 || st.RateAzi != 0 {
		t.Errorf("rates (%g, %g) out of window, want a zero hold", st.RateAlt, st.RateAzi)
	}
	if !st.Running || !r.loop.Running() {
		t.Error("session should stay alive through a window gap")
	}

	alt0, azi0 := r.mountPos()
	r.step(25)
	alt1, azi1 := r.mountPos()
	if math.Abs(alt1-alt0) > 1e-9 || math.Abs(units.WrapTo180(azi1-azi0)) > 1e-9 {
		t.Errorf("mount drifted while out of window: (%f, %f) -> (%f, %f)", alt0, azi0, alt1, azi1)
	}
}

func TestLoopAbortsWhenTargetCleared(t *testing.T) {
	r := newRig(t, nil, false, 37.95, 90)
	r.start()
	r.step(2)
	if !r.loop.Running() {
		t.Fatal("not running after Start")
	}
	r.loop.SetTarget(nil)
	r.step(1)
	if r.loop.Running() || r.loop.Session() != "" {
		t.Error("session survived target removal")
	}
	if st := r.status(); st.Running || st.Mode != ModeIdle {
		t.Errorf("mode %s running %v after target removal, want stopped IDLE", st.Mode, st.Running)
	}
}

func TestLoopFaultStopsSession(t *testing.T) {
	r := newRig(t, nil, false, 37.95, 90)
	r.start()
	r.step(1)
	if err := r.mount.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	r.step(1)
	if r.loop.Running() {
		t.Error("session survived a mount fault")
	}
	if st := r.status(); st.Running || st.Mode != ModeIdle {
		t.Errorf("mode %s running %v after fault, want stopped IDLE", st.Mode, st.Running)
	}
	r.step(1) // the cadence keeps going on a dead mount
}

func TestLoopModeToggles(t *testing.T) {
	r := newRig(t, nil, false, 37.95, 90)
	if err := r.loop.SetModeEnabled(ModeOL, false); err == nil {
		t.Error("SetModeEnabled accepted OL")
	}
	if !r.loop.ModeEnabled(ModeFCL) {
		t.Error("FCL should default to enabled")
	}
	r.start()
	r.step(1)
	r.toCCL()
	if err := r.loop.SetModeEnabled(ModeCCL, false); err != nil {
		t.Fatalf("SetModeEnabled: %v", err)
	}
	r.coarseHit(0, 0)
	r.step(1)
	if st := r.status(); st.Mode != ModeOL {
		t.Errorf("mode %s with CCL disabled, want OL", st.Mode)
	}
}

func TestLoopSaturationResetsIntegral(t *testing.T) {
	cfg := loopCfg()
	cfg.CCLSpeedLimit = ptrFloat64(18) // 0.005 deg/s
	cfg.ResetIntOnSat = ptrBool(true)
	r := newRig(t, cfg, false, 37.95, 90)
	r.start()
	r.step(1)
	r.toCCL()

	r.coarse.Tracker().SetGoalOffset(200, 0)
	r.coarseHit(0, 0)
	r.step(1)
	st := r.status()
	if !st.Saturated {
		t.Fatal("large error did not saturate the speed limit")
	}
	if want := 18.0 / units.AsecPerDeg; math.Abs(st.RateAzi) != want {
		t.Errorf("RateAzi = %g, want clipped to %g", st.RateAzi, want)
	}
	if st.IntAlt != 0 || st.IntAzi != 0 {
		t.Errorf("integral (%g, %g) after saturation, want reset", st.IntAlt, st.IntAzi)
	}
}

func TestLoopRunCancel(t *testing.T) {
	r := newRig(t, nil, false, 37.95, 90)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.loop.Run(ctx) }()

	deadline := time.Now().Add(5 * time.Second)
	for r.loop.Status() == nil {
		if time.Now().After(deadline) {
			t.Fatal("no cycle published")
		}
		r.clock.Advance(r.period)
		time.Sleep(time.Millisecond)
	}
	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("Run returned %v, want context.Canceled", err)
	}
}

func TestMultiSink(t *testing.T) {
	a, b := &captureSink{}, &captureSink{}
	ms := MultiSink{a, nil, b}
	ms.RecordCycle(&Status{Cycle: 7})
	if len(a.statuses) != 1 || len(b.statuses) != 1 || a.statuses[0].Cycle != 7 {
		t.Errorf("fan out wrong: %d and %d statuses", len(a.statuses), len(b.statuses))
	}
}

func TestParseMode(t *testing.T) {
	for _, m := range []Mode{ModeIdle, ModeOL, ModeCCL, ModeCTFSP, ModeFCL} {
		got, err := ParseMode(string(m))
		if err != nil || got != m {
			t.Errorf("ParseMode(%q) = %v, %v", m, got, err)
		}
	}
	if _, err := ParseMode("WARP"); err == nil {
		t.Error("ParseMode accepted an unknown mode")
	}
	if ModeIdle.ClosedLoop() || ModeOL.ClosedLoop() || !ModeFCL.ClosedLoop() {
		t.Error("ClosedLoop classification wrong")
	}
}
