package track

import (
	"context"
	"fmt"
	"math"
	"sync/atomic"
	"time"

	"github.com/lodestar-obs/groundstation/internal/config"
	"github.com/lodestar-obs/groundstation/internal/device"
	"github.com/lodestar-obs/groundstation/internal/monitoring"
)

// Worker drains one camera's frame channel and runs the detection and
// tracking pipeline on each frame. It owns the per-frame work so the
// control loop only ever reads published estimates. Feedforward rates
// set by the loop are integrated into the tracker mean between frames,
// keeping the search region on a spot that moves by command rather than
// by drift.
type Worker struct {
	cam     device.Camera
	tracker *SpotTracker
	cfg     *config.TuningConfig
	dumper  *FrameDumper

	ff        atomic.Pointer[[2]float64] // arcsec/s in camera coordinates
	drops     atomic.Uint64
	processed atomic.Uint64

	lastSeq   uint64
	lastStamp time.Time
}

// NewWorker wires a camera to its tracker. dumper may be nil to disable
// frame dumps.
func NewWorker(cam device.Camera, tracker *SpotTracker, cfg *config.TuningConfig, dumper *FrameDumper) *Worker {
	if cfg == nil {
		cfg = &config.TuningConfig{}
	}
	return &Worker{cam: cam, tracker: tracker, cfg: cfg, dumper: dumper}
}

// Tracker returns the tracker this worker feeds.
func (w *Worker) Tracker() *SpotTracker { return w.tracker }

// Camera returns the camera this worker drains.
func (w *Worker) Camera() device.Camera { return w.cam }

// Drops returns the number of frames the camera produced but this worker
// never saw, from sequence number gaps.
func (w *Worker) Drops() uint64 { return w.drops.Load() }

// Processed returns the number of frames run through the pipeline.
func (w *Worker) Processed() uint64 { return w.processed.Load() }

// SetFeedforward sets the expected spot motion rate (arcsec/s, camera
// coordinates). Rates below the configured floor are ignored at frame
// time so sensor noise does not walk the mean.
func (w *Worker) SetFeedforward(rateX, rateY float64) {
	w.ff.Store(&[2]float64{rateX, rateY})
}

// ClearFeedforward removes the feedforward rate.
func (w *Worker) ClearFeedforward() {
	w.ff.Store(nil)
}

// Run processes frames until ctx is cancelled or the camera's frame
// channel closes. A closed channel means streaming stopped; Run returns
// nil so a supervisor can decide whether to restart the camera.
func (w *Worker) Run(ctx context.Context) error {
	frames := w.cam.Frames()
	if frames == nil {
		return fmt.Errorf("tracking %s: %w: no frame stream", w.cam.Name(), device.ErrHardwareFault)
	}
	monitoring.Logf("track: worker started for %s", w.cam.Name())
	defer monitoring.Logf("track: worker stopped for %s", w.cam.Name())
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case f, ok := <-frames:
			if !ok {
				return nil
			}
			w.process(f)
		}
	}
}

func (w *Worker) process(f device.Frame) {
	if w.lastSeq != 0 && f.Seq > w.lastSeq+1 {
		gap := f.Seq - w.lastSeq - 1
		w.drops.Add(gap)
		monitoring.Debugf("track: %s dropped %d frame(s) before seq %d", w.cam.Name(), gap, f.Seq)
	}

	// Advance the mean by the commanded rate over the frame interval
	// before matching, so the search region leads the spot.
	if rate := w.ff.Load(); rate != nil && !w.lastStamp.IsZero() {
		dt := f.Stamp.Sub(w.lastStamp).Seconds()
		if dt > 0 && math.Hypot(rate[0], rate[1]) > w.cfg.GetFeedforwardFloor() {
			w.tracker.ChangeMeanRelative(rate[0]*dt, rate[1]*dt)
		}
	}
	w.lastSeq = f.Seq
	w.lastStamp = f.Stamp

	cands := detectSpots(f, detectParams{
		minArea:      w.cfg.GetSpotMinArea(),
		minSum:       w.cfg.GetSpotMinSum(),
		maxAxisRatio: w.cfg.GetMaxAxisRatio(),
		sigmaTh:      w.cfg.GetImageSigmaTh(),
		filtSize:     w.cfg.GetBackgroundFiltSize(),
		plateScale:   w.cam.PlateScale(),
	})
	est := w.tracker.Observe(f.Seq, f.Stamp, cands)
	w.processed.Add(1)

	if w.dumper != nil {
		w.dumper.MaybeDump(f, est)
	}
}
