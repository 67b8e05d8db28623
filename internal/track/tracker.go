// Package track turns camera frames into a filtered spot position
// estimate. A SpotTracker holds the per-camera running state (mean,
// variance, search region, goal) and publishes an immutable Estimate
// snapshot after every frame; a Worker drains a camera's frame channel
// and drives the tracker so the control loop never waits on imaging.
package track

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lodestar-obs/groundstation/internal/config"
	"github.com/lodestar-obs/groundstation/internal/monitoring"
)

var (
	// ErrNoSpot reports that no usable spot estimate exists.
	ErrNoSpot = errors.New("no spot found")
	// ErrStaleEstimate reports that the latest estimate is too old to act on.
	ErrStaleEstimate = errors.New("spot estimate is stale")
)

// Estimate is one published tracker snapshot. Positions are arcseconds
// in camera coordinates ((0,0) at the image centre, x right, y up).
// TrackX/TrackY are the running mean relative to goal plus goal offset,
// which is the error the control loop consumes.
type Estimate struct {
	Camera string    `json:"camera"`
	Seq    uint64    `json:"seq"`
	Stamp  time.Time `json:"stamp"`

	Found bool    `json:"found"` // spot detected on this frame
	SpotX float64 `json:"spot_x"`
	SpotY float64 `json:"spot_y"`

	MeanX  float64 `json:"mean_x"`
	MeanY  float64 `json:"mean_y"`
	TrackX float64 `json:"track_x"`
	TrackY float64 `json:"track_y"`
	SD     float64 `json:"sd"`
	RMSE   float64 `json:"rmse"`

	SearchX      float64 `json:"search_x"`
	SearchY      float64 `json:"search_y"`
	SearchRadius float64 `json:"search_radius"`

	Valid  bool   `json:"valid"`
	Frames uint64 `json:"frames"`
}

// Fresh reports whether e is a valid estimate no older than maxAge.
// A nil or invalid estimate returns ErrNoSpot; an expired one returns
// ErrStaleEstimate.
func Fresh(e *Estimate, now time.Time, maxAge time.Duration) error {
	if e == nil || !e.Valid {
		return ErrNoSpot
	}
	if age := now.Sub(e.Stamp); age > maxAge {
		return fmt.Errorf("%w: age %v exceeds %v", ErrStaleEstimate, age.Round(time.Millisecond), maxAge)
	}
	return nil
}

// SpotTracker filters spot detections from one camera into a smoothed
// position estimate with a bounded search region. All methods are safe
// for concurrent use; Latest never blocks.
type SpotTracker struct {
	name string
	cfg  *config.TuningConfig

	mu           sync.Mutex
	hasMean      bool
	mean         [2]float64
	variance     float64 // arcsec^2, spread about the mean
	rmseSq       float64 // arcsec^2, spread about goal+offset
	goal         [2]float64
	goalOffset   [2]float64
	searchPos    [2]float64
	searchRadius float64
	succs        int
	fails        int
	valid        bool
	auto         bool
	frames       uint64

	// Last ingested frame, kept so mutators can republish a coherent
	// snapshot between frames.
	lastSeq   uint64
	lastStamp time.Time
	lastFound bool
	lastSpot  [2]float64

	latest atomic.Pointer[Estimate]
}

// NewSpotTracker returns a tracker for the named camera using the given
// tuning. Auto acquisition starts at the configured default.
func NewSpotTracker(name string, cfg *config.TuningConfig) *SpotTracker {
	if cfg == nil {
		cfg = &config.TuningConfig{}
	}
	return &SpotTracker{
		name: name,
		cfg:  cfg,
		auto: cfg.GetAutoAcquire(),
	}
}

// Name returns the camera name this tracker filters.
func (t *SpotTracker) Name() string { return t.name }

// Latest returns the most recently published estimate, or nil before
// the first frame.
func (t *SpotTracker) Latest() *Estimate { return t.latest.Load() }

// Observe folds one frame's candidates into the tracker state and
// returns the published estimate. Candidates must be ordered strongest
// first, as detectSpots produces them.
func (t *SpotTracker) Observe(seq uint64, stamp time.Time, cands []Candidate) *Estimate {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.frames++
	t.lastSeq = seq
	t.lastStamp = stamp

	maxR := t.cfg.GetMaxSearchRadius()

	var hit *Candidate
	if t.hasMean {
		hit = t.nearestInBoxLocked(cands)
	}
	switch {
	case hit != nil:
		t.applyHitLocked(hit)
	case !t.valid && t.auto && len(cands) > 0:
		// Acquisition: jump to the strongest spot anywhere in the frame.
		hit = &cands[0]
		t.resetLocked(hit.X, hit.Y, maxR)
		t.succs = 1
		t.valid = t.succs >= t.cfg.GetSuccsToStart()
		gx := hit.X - t.goal[0] - t.goalOffset[0]
		gy := hit.Y - t.goal[1] - t.goalOffset[1]
		t.rmseSq = gx*gx + gy*gy
	case t.hasMean:
		t.applyMissLocked(maxR)
	}

	if hit != nil {
		t.lastFound = true
		t.lastSpot = [2]float64{hit.X, hit.Y}
	} else {
		t.lastFound = false
		t.lastSpot = [2]float64{}
	}
	return t.publishLocked()
}

// applyHitLocked folds a matched candidate into the running statistics.
func (t *SpotTracker) applyHitLocked(c *Candidate) {
	alpha := 1 / t.cfg.GetSmoothingParameter()
	dx := c.X - t.mean[0]
	dy := c.Y - t.mean[1]
	t.mean[0] += alpha * dx
	t.mean[1] += alpha * dy
	t.variance = (1 - alpha) * (t.variance + alpha*(dx*dx+dy*dy))
	t.searchPos = t.mean
	t.searchRadius = clip(math.Sqrt(t.variance)*t.cfg.GetPositionSigma(),
		t.cfg.GetMinSearchRadius(), t.cfg.GetMaxSearchRadius())
	gx := c.X - t.goal[0] - t.goalOffset[0]
	gy := c.Y - t.goal[1] - t.goalOffset[1]
	t.rmseSq = (1 - alpha) * (t.rmseSq + alpha*(gx*gx+gy*gy))
	t.succs++
	t.fails = 0
	if !t.valid && t.succs >= t.cfg.GetSuccsToStart() {
		t.valid = true
	}
}

// applyMissLocked handles a frame with no candidate inside the search
// region. The search radius is inflated so an intermittent spot can be
// reacquired; after failsToDrop consecutive misses the estimate goes
// invalid but the mean is retained for revalidation.
func (t *SpotTracker) applyMissLocked(maxR float64) {
	t.succs = 0
	t.fails++
	p := 1 + t.cfg.GetFailureSDPenalty()/100
	t.searchRadius = math.Min(t.searchRadius*p*p, maxR)
	if t.valid && t.fails >= t.cfg.GetFailsToDrop() {
		t.valid = false
		monitoring.Logf("track: %s lost spot after %d consecutive misses", t.name, t.fails)
	}
}

// nearestInBoxLocked returns the candidate nearest the search position
// among those whose per-axis offsets both fit inside the search radius.
func (t *SpotTracker) nearestInBoxLocked(cands []Candidate) *Candidate {
	var best *Candidate
	bestD2 := math.Inf(1)
	for i := range cands {
		dx := cands[i].X - t.searchPos[0]
		dy := cands[i].Y - t.searchPos[1]
		if math.Abs(dx) > t.searchRadius || math.Abs(dy) > t.searchRadius {
			continue
		}
		if d2 := dx*dx + dy*dy; d2 < bestD2 {
			bestD2 = d2
			best = &cands[i]
		}
	}
	return best
}

// resetLocked recenters all position state on (x, y) with the search
// region wide open.
func (t *SpotTracker) resetLocked(x, y, maxR float64) {
	t.hasMean = true
	t.mean = [2]float64{x, y}
	t.variance = maxR * maxR
	t.searchPos = t.mean
	t.searchRadius = maxR
	t.succs = 0
	t.fails = 0
	t.valid = false
}

// AcquireAt manually recenters the tracker on the given camera position
// (arcsec). The estimate starts invalid and becomes valid after
// succsToStart consecutive detections near the point.
func (t *SpotTracker) AcquireAt(x, y float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.resetLocked(x, y, t.cfg.GetMaxSearchRadius())
	gx := x - t.goal[0] - t.goalOffset[0]
	gy := y - t.goal[1] - t.goalOffset[1]
	t.rmseSq = gx*gx + gy*gy
	t.publishLocked()
}

// SetAutoAcquire enables or disables automatic acquisition of the
// strongest detected spot while no valid estimate exists.
func (t *SpotTracker) SetAutoAcquire(on bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.auto = on
}

// AutoAcquire reports whether automatic acquisition is enabled.
func (t *SpotTracker) AutoAcquire() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.auto
}

// SetGoal sets the absolute goal position (arcsec) the track error is
// reported against.
func (t *SpotTracker) SetGoal(x, y float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.goal = [2]float64{x, y}
	t.publishLocked()
}

// Goal returns the absolute goal position.
func (t *SpotTracker) Goal() (x, y float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.goal[0], t.goal[1]
}

// SetGoalOffset sets the goal offset added to the goal, used by the
// spiral search and intercamera handover.
func (t *SpotTracker) SetGoalOffset(x, y float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.goalOffset = [2]float64{x, y}
	t.publishLocked()
}

// GoalOffset returns the current goal offset.
func (t *SpotTracker) GoalOffset() (x, y float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.goalOffset[0], t.goalOffset[1]
}

// ChangeMeanRelative shifts the running mean and the search position by
// (dx, dy) arcsec. Feedforward uses this to keep the search region on a
// moving spot between detections; it is a no-op before first acquisition.
func (t *SpotTracker) ChangeMeanRelative(dx, dy float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.hasMean {
		return
	}
	t.mean[0] += dx
	t.mean[1] += dy
	t.searchPos[0] += dx
	t.searchPos[1] += dy
	t.publishLocked()
}

// Clear erases all tracker state including the goal offset. The goal
// itself is configuration and survives.
func (t *SpotTracker) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.hasMean = false
	t.mean = [2]float64{}
	t.variance = 0
	t.rmseSq = 0
	t.goalOffset = [2]float64{}
	t.searchPos = [2]float64{}
	t.searchRadius = 0
	t.succs = 0
	t.fails = 0
	t.valid = false
	t.frames = 0
	t.lastSeq = 0
	t.lastStamp = time.Time{}
	t.lastFound = false
	t.lastSpot = [2]float64{}
	t.publishLocked()
}

// publishLocked builds a snapshot of the current state, stores it as
// the latest estimate and returns it.
func (t *SpotTracker) publishLocked() *Estimate {
	e := &Estimate{
		Camera:       t.name,
		Seq:          t.lastSeq,
		Stamp:        t.lastStamp,
		Found:        t.lastFound,
		SpotX:        t.lastSpot[0],
		SpotY:        t.lastSpot[1],
		MeanX:        t.mean[0],
		MeanY:        t.mean[1],
		TrackX:       t.mean[0] - t.goal[0] - t.goalOffset[0],
		TrackY:       t.mean[1] - t.goal[1] - t.goalOffset[1],
		SD:           math.Sqrt(t.variance),
		RMSE:         math.Sqrt(t.rmseSq),
		SearchX:      t.searchPos[0],
		SearchY:      t.searchPos[1],
		SearchRadius: t.searchRadius,
		Valid:        t.valid,
		Frames:       t.frames,
	}
	t.latest.Store(e)
	return e
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
