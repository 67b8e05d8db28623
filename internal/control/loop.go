package control

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/lodestar-obs/groundstation/internal/align"
	"github.com/lodestar-obs/groundstation/internal/config"
	"github.com/lodestar-obs/groundstation/internal/device"
	"github.com/lodestar-obs/groundstation/internal/monitoring"
	"github.com/lodestar-obs/groundstation/internal/target"
	"github.com/lodestar-obs/groundstation/internal/timeutil"
	"github.com/lodestar-obs/groundstation/internal/track"
	"github.com/lodestar-obs/groundstation/internal/units"
)

// Sentinel errors for session control.
var (
	// ErrNotReady is returned by Start when no target is set or the mount
	// is not located and aligned.
	ErrNotReady = errors.New("not ready to track")
	// ErrTracking is returned by Start when a session is already running.
	ErrTracking = errors.New("tracking already running")
)

// Deps are the collaborators a Loop drives. Mount, Alignment and Coarse
// are required; Fine, Receiver, Clock and Sink are optional.
type Deps struct {
	Mount     device.Mount
	Alignment *align.Alignment
	Coarse    *track.Worker
	Fine      *track.Worker
	Receiver  device.Receiver
	Clock     timeutil.Clock
	Sink      Sink
}

// flags are the operator-settable enables, copied once per cycle so one
// cycle sees a consistent set.
type flags struct {
	ccl, ctfsp, fcl bool
	feedforward     bool
}

// Loop is the pointing controller. Run executes one cycle per tick:
// read the mount and the trackers, pick the mode, compute per-axis PI
// rate corrections, command the mount and publish a Status snapshot.
// All controller state lives on the loop goroutine; the mutex only
// guards the operator-facing session and enable fields.
type Loop struct {
	cfg       *config.TuningConfig
	mount     device.Mount
	alignment *align.Alignment
	coarse    *track.Worker
	fine      *track.Worker
	receiver  device.Receiver
	clock     timeutil.Clock
	sink      Sink

	tgt atomic.Pointer[target.Target]

	mu       sync.Mutex
	running  bool
	session  string
	fl       flags
	olOffset [2]float64 // (alt, azi) arcsec added to the open loop error

	// Loop goroutine state. Only step and its helpers touch these.
	mode       Mode
	integral   [2]float64 // (alt, azi) accumulated error, deg*s
	spiralT    float64    // seconds since the spiral search began
	prevSpiral [2]float64 // previous spiral position, (azi, alt) arcsec
	cycle      uint64
	wasRunning bool

	status atomic.Pointer[Status]
}

// NewLoop assembles a control loop. It does not start the cadence; run
// Run from a dedicated goroutine.
func NewLoop(cfg *config.TuningConfig, d Deps) (*Loop, error) {
	if d.Mount == nil {
		return nil, errors.New("control: mount is required")
	}
	if d.Alignment == nil {
		return nil, errors.New("control: alignment is required")
	}
	if d.Coarse == nil {
		return nil, errors.New("control: coarse tracking worker is required")
	}
	if d.Clock == nil {
		d.Clock = timeutil.RealClock{}
	}
	if cfg == nil {
		cfg = &config.TuningConfig{}
	}
	return &Loop{
		cfg:       cfg,
		mount:     d.Mount,
		alignment: d.Alignment,
		coarse:    d.Coarse,
		fine:      d.Fine,
		receiver:  d.Receiver,
		clock:     d.Clock,
		sink:      d.Sink,
		mode:      ModeIdle,
		fl: flags{
			ccl:         cfg.GetCCLEnabled(),
			ctfsp:       cfg.GetCTFSPEnabled(),
			fcl:         cfg.GetFCLEnabled(),
			feedforward: cfg.GetFeedforwardOn(),
		},
	}, nil
}

// SetTarget replaces the tracked target. nil clears it; a running
// session then stops itself on the next cycle.
func (l *Loop) SetTarget(t *target.Target) { l.tgt.Store(t) }

// Target returns the installed target, nil when none is set.
func (l *Loop) Target() *target.Target { return l.tgt.Load() }

// Running reports whether a tracking session is active.
func (l *Loop) Running() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.running
}

// Session returns the running session id, empty when stopped.
func (l *Loop) Session() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.session
}

// Status returns the latest cycle snapshot, nil before the first cycle.
func (l *Loop) Status() *Status { return l.status.Load() }

// SetOLOffset sets the open loop pointing offset in arcseconds. The
// azimuth component is an on-sky angle; it is divided by cos(alt) when
// applied to the axis.
func (l *Loop) SetOLOffset(altAsec, aziAsec float64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.olOffset = [2]float64{altAsec, aziAsec}
}

// OLOffset returns the open loop pointing offset in arcseconds.
func (l *Loop) OLOffset() (altAsec, aziAsec float64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.olOffset[0], l.olOffset[1]
}

// SetModeEnabled enables or disables one of the closed-loop modes. The
// loop honors the change on its next cycle.
func (l *Loop) SetModeEnabled(m Mode, on bool) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	switch m {
	case ModeCCL:
		l.fl.ccl = on
	case ModeCTFSP:
		l.fl.ctfsp = on
	case ModeFCL:
		l.fl.fcl = on
	default:
		return fmt.Errorf("mode %s cannot be toggled", m)
	}
	return nil
}

// ModeEnabled reports whether a mode may be entered. IDLE and OL are
// always enabled.
func (l *Loop) ModeEnabled(m Mode) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	switch m {
	case ModeCCL:
		return l.fl.ccl
	case ModeCTFSP:
		return l.fl.ctfsp
	case ModeFCL:
		return l.fl.fcl
	}
	return true
}

// SetFeedforwardEnabled toggles pushing commanded rates into the
// trackers as expected spot motion.
func (l *Loop) SetFeedforwardEnabled(on bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.fl.feedforward = on
}

// FeedforwardEnabled reports whether tracker feedforward is on.
func (l *Loop) FeedforwardEnabled() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.fl.feedforward
}

// Start begins a tracking session. The loop picks it up on its next
// cycle; until then Status still shows the resting state.
func (l *Loop) Start() error {
	t := l.tgt.Load()
	if t == nil {
		return fmt.Errorf("%w: no target set", ErrNotReady)
	}
	m := l.alignment.Snapshot()
	if !m.Located || !m.Aligned {
		return fmt.Errorf("%w: mount not aligned", ErrNotReady)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.running {
		return ErrTracking
	}
	l.running = true
	l.session = uuid.NewString()
	monitoring.Logf("control: session %s started on target %s", l.session, t.Name())
	return nil
}

// Stop ends the running session. The loop zeroes the mount rate within
// one cycle. Stop is a no-op when not running.
func (l *Loop) Stop() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.running {
		return
	}
	monitoring.Logf("control: session %s stop requested", l.session)
	l.running = false
	l.session = ""
}

// Run executes the control cadence until ctx is cancelled. The mount is
// stopped on the way out.
func (l *Loop) Run(ctx context.Context) error {
	period := l.cfg.GetLoopPeriod()
	tick := l.clock.NewTicker(period)
	defer tick.Stop()
	defer l.mount.Stop()
	monitoring.Logf("control: loop running, period %v", period)
	for {
		select {
		case <-ctx.Done():
			monitoring.Logf("control: loop stopped: %v", ctx.Err())
			return ctx.Err()
		case now := <-tick.C():
			l.step(now, period)
		}
	}
}

// step runs one control cycle at tick time now. Only Run calls it.
func (l *Loop) step(now time.Time, period time.Duration) {
	l.cycle++
	dt := period.Seconds()

	l.mu.Lock()
	running := l.running
	session := l.session
	fl := l.fl
	olOff := l.olOffset
	l.mu.Unlock()

	tgt := l.tgt.Load()
	model := l.alignment.Snapshot()
	ready := tgt != nil && model.Located && model.Aligned

	st := &Status{
		Cycle:   l.cycle,
		Time:    now,
		Session: session,
		Running: running,
		Target:  tgt.Name(),
	}

	// An estimate older than the tracker's own drop horizon is no longer
	// usable feedback even if the tracker has not seen a frame to notice.
	maxAge := time.Duration(l.cfg.GetFailsToDrop()) * period
	coarseEst := l.coarse.Tracker().Latest()
	coarseOK := track.Fresh(coarseEst, now, maxAge) == nil
	var fineEst *track.Estimate
	var fineOK bool
	if l.fine != nil {
		fineEst = l.fine.Tracker().Latest()
		fineOK = track.Fresh(fineEst, now, maxAge) == nil
	}
	st.Coarse, st.Fine = coarseEst, fineEst

	if l.receiver != nil {
		if pw, err := l.receiver.Power(); err == nil {
			st.Power = pw
		} else {
			monitoring.Debugf("control: receiver %s read: %v", l.receiver.Name(), err)
		}
	}

	comAlt, comAzi, merr := l.mount.GetAltAz()
	if merr != nil {
		l.fault(st, fmt.Errorf("mount read: %w", merr))
		return
	}
	mnt, err := model.MNTFromCOM(align.NewCOM(comAlt, comAzi))
	if err != nil {
		l.fault(st, fmt.Errorf("mount frame conversion: %w", err))
		return
	}
	st.MountAlt, st.MountAzi = mnt.Alt, mnt.Azi

	if !running {
		if l.wasRunning {
			l.restAfterStop()
		}
		l.wasRunning = false
		l.mode = ModeIdle
		if ready {
			l.mode = ModeOL
		}
		st.Mode = l.mode
		l.publish(st)
		return
	}

	if !ready {
		monitoring.Logf("control: session %s aborted: target or alignment lost", session)
		l.mu.Lock()
		l.running = false
		l.session = ""
		l.mu.Unlock()
		l.restAfterStop()
		l.wasRunning = false
		l.mode = ModeIdle
		st.Running, st.Session, st.Mode = false, "", ModeIdle
		l.publish(st)
		return
	}
	l.wasRunning = true

	tpos, terr := tgt.MNTAt(now, model)
	var tRateAlt, tRateAzi float64
	if terr == nil {
		st.TargetAlt, st.TargetAzi = tpos.Alt, tpos.Azi
		if ra, rz, rerr := tgt.MNTRateAt(now, model); rerr == nil {
			tRateAlt, tRateAzi = ra, rz
		}
		st.TargetRateAlt, st.TargetRateAzi = tRateAlt, tRateAzi
	} else {
		// No usable prediction: hold position, keep the session and mode
		// so tracking resumes when the target window opens.
		st.OutOfWindow = errors.Is(terr, target.ErrOutOfWindow)
		if !st.OutOfWindow {
			monitoring.Debugf("control: target prediction: %v", terr)
		}
		l.integral = [2]float64{}
		st.Mode = l.mode
		if cerr := l.mount.SetRateAltAz(0, 0); cerr != nil {
			l.fault(st, fmt.Errorf("mount rate: %w", cerr))
			return
		}
		l.applyFeedforward(fl, 0, 0, mnt.Alt)
		l.publish(st)
		return
	}

	next := l.nextMode(fl, coarseOK, fineOK, coarseEst, fineEst)
	if next != l.mode {
		l.changeMode(l.mode, next)
	}
	st.Mode = l.mode

	if l.mode == ModeFCL && fineOK && fl.ctfsp {
		if th := l.cfg.GetIntercamUpdateRMSE(); th > 0 && fineEst.RMSE < th {
			l.updateIntercam(coarseEst, fineEst)
		}
	}

	var errAlt, errAzi float64 // degrees on axis
	switch l.mode {
	case ModeOL:
		errAlt = units.WrapTo180(tpos.Alt-mnt.Alt) - olOff[0]/units.AsecPerDeg
		cosA := math.Cos(units.DegToRad(clip(mnt.Alt, -85, 85)))
		errAzi = units.WrapTo180(tpos.Azi-mnt.Azi) - olOff[1]/units.AsecPerDeg/cosA
	case ModeCCL, ModeCTFSP:
		errAlt, errAzi = camError(coarseEst, l.coarse.Camera().Rotation(), mnt.Alt)
	case ModeFCL:
		errAlt, errAzi = camError(fineEst, l.fine.Camera().Rotation(), mnt.Alt)
	}
	st.ErrAlt = errAlt * units.AsecPerDeg
	st.ErrAzi = errAzi * units.AsecPerDeg

	p, ki, limit := l.gains(l.mode)
	minRate := l.cfg.GetIntegralMinRate() / units.AsecPerDeg
	switch {
	case ki == 0, l.mode == ModeCTFSP, minRate*minRate > tRateAlt*tRateAlt+tRateAzi*tRateAzi:
		// The spiral would wind the integral into the sweep; a target
		// below the minimum rate is parked, not tracked.
		l.integral = [2]float64{}
	default:
		maxAdd := l.cfg.GetIntegralMaxAdd() / units.AsecPerDeg
		maxSub := l.cfg.GetIntegralMaxSub() / units.AsecPerDeg
		l.integral[0] += integralStep(errAlt, l.integral[0], maxAdd, maxSub) * dt
		l.integral[1] += integralStep(errAzi, l.integral[1], maxAdd, maxSub) * dt
	}
	st.IntAlt = l.integral[0] * units.AsecPerDeg
	st.IntAzi = l.integral[1] * units.AsecPerDeg

	corrAlt := p * (errAlt + ki*l.integral[0])
	corrAzi := p * (errAzi + ki*l.integral[1])
	saturated := false
	if c := clip(corrAlt, -limit, limit); c != corrAlt {
		corrAlt, saturated = c, true
	}
	if c := clip(corrAzi, -limit, limit); c != corrAzi {
		corrAzi, saturated = c, true
	}

	if l.mode == ModeCTFSP {
		l.spiralT += dt
		sAzi, sAlt := l.spiral().pos(l.spiralT)
		// Holding the spot on the swept goal needs the boresight to move
		// opposite the sweep; feed that motion in directly so the loop
		// does not lag the spiral.
		cosA := math.Cos(units.DegToRad(clip(mnt.Alt, -85, 85)))
		corrAlt -= (sAlt - l.prevSpiral[1]) / dt / units.AsecPerDeg
		corrAzi -= (sAzi - l.prevSpiral[0]) / dt / units.AsecPerDeg / cosA
		l.prevSpiral = [2]float64{sAzi, sAlt}
		r := units.DegToRad(l.coarse.Camera().Rotation())
		gx := math.Cos(r)*sAzi - math.Sin(r)*sAlt
		gy := math.Sin(r)*sAzi + math.Cos(r)*sAlt
		l.coarse.Tracker().SetGoalOffset(gx, gy)
		st.SpiralRadius = math.Hypot(sAzi, sAlt)
	}

	totalAlt := corrAlt + tRateAlt
	totalAzi := corrAzi + tRateAzi
	maxMount := l.mount.MaxRate()
	if c := clip(totalAlt, -maxMount, maxMount); c != totalAlt {
		totalAlt, saturated = c, true
	}
	if c := clip(totalAzi, -maxMount, maxMount); c != totalAzi {
		totalAzi, saturated = c, true
	}
	// Altitude limits are on the physical axis, so check the commanded
	// frame, not the corrected one.
	if lo, hi := l.mount.AltLimits(); (comAlt >= hi && totalAlt > 0) || (comAlt <= lo && totalAlt < 0) {
		totalAlt = 0
	}
	st.RateAlt, st.RateAzi = totalAlt, totalAzi
	st.Saturated = saturated
	if saturated && l.cfg.GetResetIntOnSat() {
		l.integral = [2]float64{}
		st.IntAlt, st.IntAzi = 0, 0
	}

	if cerr := l.mount.SetRateAltAz(totalAlt, totalAzi); cerr != nil {
		l.fault(st, fmt.Errorf("mount rate: %w", cerr))
		return
	}
	l.applyFeedforward(fl, totalAlt-tRateAlt, totalAzi-tRateAzi, mnt.Alt)
	l.publish(st)
}

// nextMode applies the transition rules from the current mode given this
// cycle's estimate freshness.
func (l *Loop) nextMode(fl flags, coarseOK, fineOK bool, coarseEst, fineEst *track.Estimate) Mode {
	switch l.mode {
	case ModeOL:
		if fl.ccl && coarseOK && coarseEst.SD < l.cfg.GetCCLTransitionSD() {
			return ModeCCL
		}
		return ModeOL
	case ModeCCL:
		if !coarseOK || !fl.ccl {
			return ModeOL
		}
		if fl.fcl && fineOK && fineEst.RMSE < l.cfg.GetFCLTransitionRMSE() {
			return ModeFCL
		}
		fineLost := fineEst == nil || !fineEst.Valid
		if fl.ctfsp && l.fine != nil && fineLost && coarseEst.RMSE < l.cfg.GetCTFSPTransition() {
			return ModeCTFSP
		}
		return ModeCCL
	case ModeCTFSP:
		if !coarseOK || !fl.ccl {
			return ModeOL
		}
		if !fl.ctfsp {
			return ModeCCL
		}
		if fl.fcl && fineOK {
			return ModeFCL
		}
		if l.spiral().radius(l.spiralT) > l.cfg.GetSpiralMaxRadius() {
			// Back to CCL; the entry condition restarts the sweep from
			// the center unless the spiral has been disabled meanwhile.
			monitoring.Logf("control: spiral search passed %.0f asec without fine acquisition", l.cfg.GetSpiralMaxRadius())
			return ModeCCL
		}
		return ModeCTFSP
	case ModeFCL:
		if fineOK && fl.fcl {
			return ModeFCL
		}
		if coarseOK && fl.ccl {
			return ModeCCL
		}
		return ModeOL
	default: // first running cycle leaves IDLE
		return ModeOL
	}
}

// changeMode logs a transition and rescales the integral so the
// commanded rate stays continuous across the gain change. A mode
// without both gains gets a cleared integral instead.
func (l *Loop) changeMode(old, next Mode) {
	monitoring.Logf("control: mode %s -> %s", old, next)
	pOld, kOld, _ := l.gains(old)
	pNew, kNew, _ := l.gains(next)
	if pOld > 0 && kOld > 0 && pNew > 0 && kNew > 0 {
		f := (pOld * kOld) / (pNew * kNew)
		l.integral[0] *= f
		l.integral[1] *= f
	} else {
		l.integral = [2]float64{}
	}
	if old == ModeCTFSP {
		l.resetSpiral()
	}
	if next == ModeCTFSP {
		l.spiralT = 0
		l.prevSpiral = [2]float64{}
		monitoring.Logf("control: spiral search started")
	}
	l.mode = next
}

// resetSpiral rewinds the sweep and removes its goal offset from the
// coarse tracker.
func (l *Loop) resetSpiral() {
	l.spiralT = 0
	l.prevSpiral = [2]float64{}
	l.coarse.Tracker().SetGoalOffset(0, 0)
}

// updateIntercam re-references the coarse goal to the current coarse
// mean while steady in fine closed loop, so a later spiral search starts
// centered on the fine camera's boresight.
func (l *Loop) updateIntercam(coarseEst, fineEst *track.Estimate) {
	if coarseEst == nil || !coarseEst.Valid {
		return
	}
	ct := l.coarse.Tracker()
	ct.SetGoal(coarseEst.MeanX, coarseEst.MeanY)
	ct.SetGoalOffset(0, 0)
	ct.ChangeMeanRelative(-fineEst.MeanX, -fineEst.MeanY)
	monitoring.Debugf("control: intercamera alignment updated (fine rmse %.1f asec)", fineEst.RMSE)
	if l.cfg.GetSpiralAutoDisable() {
		l.mu.Lock()
		l.fl.ctfsp = false
		l.mu.Unlock()
		monitoring.Logf("control: spiral search disabled after intercamera update")
	}
}

// restAfterStop clears controller state and stops the mount once when a
// session ends. The mount is not re-commanded on later idle cycles, so
// slews issued by alignment routines are left alone.
func (l *Loop) restAfterStop() {
	if l.mode == ModeCTFSP {
		l.resetSpiral()
	}
	l.integral = [2]float64{}
	l.coarse.ClearFeedforward()
	if l.fine != nil {
		l.fine.ClearFeedforward()
	}
	if err := l.mount.Stop(); err != nil {
		monitoring.Logf("control: mount stop: %v", err)
	}
}

// fault aborts the session after a device error. The cadence keeps
// running so a recovered mount can start a new session.
func (l *Loop) fault(st *Status, err error) {
	monitoring.Logf("control: fault: %v", err)
	if serr := l.mount.Stop(); serr != nil {
		monitoring.Logf("control: mount stop after fault: %v", serr)
	}
	l.mu.Lock()
	l.running = false
	l.session = ""
	l.mu.Unlock()
	if l.mode == ModeCTFSP {
		l.resetSpiral()
	}
	l.integral = [2]float64{}
	l.coarse.ClearFeedforward()
	if l.fine != nil {
		l.fine.ClearFeedforward()
	}
	l.mode = ModeIdle
	l.wasRunning = false
	st.Running, st.Session, st.Mode = false, "", ModeIdle
	l.publish(st)
}

// gains returns the P gain, integral gain and speed limit (deg/s) for a
// mode. CTFSP runs on the coarse loop's gains.
func (l *Loop) gains(m Mode) (p, ki, limit float64) {
	switch m {
	case ModeOL:
		return l.cfg.GetOLGainP(), l.cfg.GetOLGainKi(), l.cfg.GetOLSpeedLimit() / units.AsecPerDeg
	case ModeCCL, ModeCTFSP:
		return l.cfg.GetCCLGainP(), l.cfg.GetCCLGainKi(), l.cfg.GetCCLSpeedLimit() / units.AsecPerDeg
	case ModeFCL:
		return l.cfg.GetFCLGainP(), l.cfg.GetFCLGainKi(), l.cfg.GetFCLSpeedLimit() / units.AsecPerDeg
	}
	return 0, 0, 0
}

// spiral builds the sweep shape from the current tuning.
func (l *Loop) spiral() spiralParams {
	return spiralParams{
		spacing: l.cfg.GetSpiralSpacing(),
		speed:   l.cfg.GetSpiralSpeed(),
		delay:   l.cfg.GetSpiralDelay().Seconds(),
		ramp:    l.cfg.GetSpiralRamp().Seconds(),
	}
}

// applyFeedforward pushes the expected spot drift into each tracker, in
// camera frame arcseconds per second.
func (l *Loop) applyFeedforward(fl flags, corrAlt, corrAzi, mountAlt float64) {
	workers := [...]*track.Worker{l.coarse, l.fine}
	if !fl.feedforward {
		for _, w := range workers {
			if w != nil {
				w.ClearFeedforward()
			}
		}
		return
	}
	// Commanding faster than the target moves drags the spot the other
	// way across the detector.
	skyAlt := -corrAlt * units.AsecPerDeg
	skyAzi := -corrAzi * units.AsecPerDeg * math.Cos(units.DegToRad(mountAlt))
	for _, w := range workers {
		if w == nil {
			continue
		}
		r := units.DegToRad(w.Camera().Rotation())
		x := math.Cos(r)*skyAzi - math.Sin(r)*skyAlt
		y := math.Sin(r)*skyAzi + math.Cos(r)*skyAlt
		w.SetFeedforward(x, y)
	}
}

// publish stores the snapshot and fans it out to the sink.
func (l *Loop) publish(st *Status) {
	l.status.Store(st)
	if l.sink != nil {
		l.sink.RecordCycle(st)
	}
}

// camError converts a tracker offset (camera frame, arcsec) into mount
// axis errors in degrees: derotate into (alt, azi) sky components, then
// divide azimuth by cos(alt) to go from sky to axis angle. A frame with
// no spot holds zero error so the loop coasts on the target rate.
func camError(e *track.Estimate, rotationDeg, mountAlt float64) (errAlt, errAzi float64) {
	if e == nil || !e.Found {
		return 0, 0
	}
	r := units.DegToRad(rotationDeg)
	sin, cos := math.Sin(r), math.Cos(r)
	altAsec := -sin*e.TrackX + cos*e.TrackY
	aziAsec := cos*e.TrackX + sin*e.TrackY
	cosA := math.Cos(units.DegToRad(clip(mountAlt, -85, 85)))
	return altAsec / units.AsecPerDeg, aziAsec / units.AsecPerDeg / cosA
}

// integralStep bounds one cycle's error contribution per second of
// integration: growth (error and integral with the same sign) is limited
// harder than unwinding.
func integralStep(err, integral, maxAdd, maxSub float64) float64 {
	bound := maxSub
	if err*integral > 0 {
		bound = maxAdd
	}
	return clip(err, -bound, bound)
}

func clip(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
