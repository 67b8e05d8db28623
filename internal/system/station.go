// Package system assembles a ground station from its parts: the mount
// and cameras, the pointing model, the tracking workers, the control
// loop, SQLite persistence and Prometheus metrics. A Station owns the
// lifecycle of everything it builds and exposes the operator surface
// the HTTP API calls into.
package system

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/lodestar-obs/groundstation/internal/align"
	"github.com/lodestar-obs/groundstation/internal/config"
	"github.com/lodestar-obs/groundstation/internal/control"
	"github.com/lodestar-obs/groundstation/internal/device"
	"github.com/lodestar-obs/groundstation/internal/monitoring"
	"github.com/lodestar-obs/groundstation/internal/observability"
	"github.com/lodestar-obs/groundstation/internal/store"
	"github.com/lodestar-obs/groundstation/internal/target"
	"github.com/lodestar-obs/groundstation/internal/timeutil"
	"github.com/lodestar-obs/groundstation/internal/track"
)

// ErrAligning is returned by operations that cannot run while an auto
// alignment is in progress.
var ErrAligning = errors.New("auto alignment in progress")

// Location is an observer site in WGS84 coordinates.
type Location struct {
	Lat     float64
	Lon     float64
	HeightM float64
}

// Config carries everything New needs. Mount and Coarse are required.
// Fine, Receiver and Solver are optional; a nil Solver disables auto
// alignment. DBPath empty disables persistence. A nil Registry falls
// back to the default Prometheus registerer.
type Config struct {
	Tuning   *config.TuningConfig
	Mount    device.Mount
	Coarse   device.Camera
	Fine     device.Camera
	Receiver device.Receiver
	Solver   align.PlateSolver
	Clock    timeutil.Clock
	Location *Location
	DBPath   string
	Registry prometheus.Registerer

	// ExtraSinks receive the per-cycle status after the recorder and
	// the metrics collector.
	ExtraSinks []control.Sink
}

// AlignRun is a snapshot of the current or most recent auto alignment.
type AlignRun struct {
	Running    bool             `json:"running"`
	StartedAt  time.Time        `json:"started_at"`
	FinishedAt time.Time        `json:"finished_at"`
	Points     int              `json:"points"`
	Solved     int              `json:"solved"`
	Error      string           `json:"error,omitempty"`
	Report     *align.FitReport `json:"report,omitempty"`
}

// Station wires the control loop to its devices and support services.
type Station struct {
	cfg       *config.TuningConfig
	alignment *align.Alignment
	mount     device.Mount
	coarseCam device.Camera
	fineCam   device.Camera
	receiver  device.Receiver
	solver    align.PlateSolver
	clock     timeutil.Clock

	coarse *track.Worker
	fine   *track.Worker

	db       *store.DB
	recorder *store.Recorder
	metrics  *observability.Collector
	loop     *control.Loop

	mu          sync.Mutex
	runCtx      context.Context
	alignCancel context.CancelFunc
	alignDone   chan struct{}
	alignRun    AlignRun
}

// New builds a Station. It opens and migrates the database, restores
// the last valid pointing model, constructs the tracking workers and
// the control loop and registers the metrics collector. The loop does
// not run until Run is called.
func New(cfg Config) (*Station, error) {
	if cfg.Mount == nil {
		return nil, errors.New("system: mount is required")
	}
	if cfg.Coarse == nil {
		return nil, errors.New("system: coarse camera is required")
	}
	tuning := cfg.Tuning
	if tuning == nil {
		tuning = config.EmptyTuningConfig()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = timeutil.RealClock{}
	}

	s := &Station{
		cfg:       tuning,
		alignment: align.New(),
		mount:     cfg.Mount,
		coarseCam: cfg.Coarse,
		fineCam:   cfg.Fine,
		receiver:  cfg.Receiver,
		solver:    cfg.Solver,
		clock:     clock,
	}

	if cfg.DBPath != "" {
		db, err := store.Open(cfg.DBPath)
		if err != nil {
			return nil, fmt.Errorf("opening database: %w", err)
		}
		fsys, err := store.Migrations()
		if err != nil {
			db.Close()
			return nil, err
		}
		if err := db.MigrateUp(fsys); err != nil {
			db.Close()
			return nil, fmt.Errorf("migrating database: %w", err)
		}
		s.db = db
		s.recorder = store.NewRecorder(db)

		if rec, err := db.LatestAlignment(); err == nil {
			if err := s.alignment.Restore(rec.Model); err != nil {
				monitoring.Logf("system: stored pointing model rejected: %v", err)
			} else {
				monitoring.Logf("system: restored pointing model saved %s",
					rec.SavedAt.Format(time.RFC3339))
			}
		}
	}

	if cfg.Location != nil {
		if err := s.alignment.SetLocationLatLon(cfg.Location.Lat, cfg.Location.Lon, cfg.Location.HeightM); err != nil {
			s.closeStores()
			return nil, fmt.Errorf("setting location: %w", err)
		}
	}

	if tuning.MountAltLimitMin != nil || tuning.MountAltLimitMax != nil {
		cfg.Mount.SetAltLimits(tuning.GetMountAltLimitMin(), tuning.GetMountAltLimitMax())
	}

	var err error
	s.coarse, err = s.newWorker(cfg.Coarse, "coarse", tuning)
	if err != nil {
		s.closeStores()
		return nil, err
	}
	if cfg.Fine != nil {
		s.fine, err = s.newWorker(cfg.Fine, "fine", tuning)
		if err != nil {
			s.closeStores()
			return nil, err
		}
	}

	s.metrics, err = observability.NewCollector(cfg.Registry)
	if err != nil {
		s.closeStores()
		return nil, fmt.Errorf("registering metrics: %w", err)
	}
	if s.recorder != nil {
		if err := s.metrics.WatchRecorderDrops(s.recorder.Dropped); err != nil {
			s.closeStores()
			return nil, fmt.Errorf("registering metrics: %w", err)
		}
	}

	sinks := control.MultiSink{}
	if s.recorder != nil {
		sinks = append(sinks, s.recorder)
	}
	sinks = append(sinks, s.metrics)
	sinks = append(sinks, cfg.ExtraSinks...)

	s.loop, err = control.NewLoop(tuning, control.Deps{
		Mount:     cfg.Mount,
		Alignment: s.alignment,
		Coarse:    s.coarse,
		Fine:      s.fine,
		Receiver:  cfg.Receiver,
		Clock:     clock,
		Sink:      sinks,
	})
	if err != nil {
		s.closeStores()
		return nil, err
	}
	return s, nil
}

func (s *Station) newWorker(cam device.Camera, name string, tuning *config.TuningConfig) (*track.Worker, error) {
	var dumper *track.FrameDumper
	if every := tuning.GetImageDumpEvery(); every > 0 {
		var err error
		dumper, err = track.NewFrameDumper(filepath.Join(tuning.GetImageDumpDir(), name), every)
		if err != nil {
			return nil, err
		}
	}
	return track.NewWorker(cam, track.NewSpotTracker(name, tuning), tuning, dumper), nil
}

func (s *Station) closeStores() {
	if s.recorder != nil {
		s.recorder.Close()
	}
	if s.db != nil {
		s.db.Close()
	}
}

// Run starts the cameras, the tracking workers and the control loop
// and blocks until ctx is cancelled. Auto alignment runs started while
// Run is active are cancelled with it.
func (s *Station) Run(ctx context.Context) error {
	s.mu.Lock()
	s.runCtx = ctx
	s.mu.Unlock()

	if err := s.coarseCam.Start(ctx); err != nil {
		return fmt.Errorf("starting coarse camera: %w", err)
	}
	if s.fineCam != nil {
		if err := s.fineCam.Start(ctx); err != nil {
			return fmt.Errorf("starting fine camera: %w", err)
		}
	}

	var wg sync.WaitGroup
	runWorker := func(w *track.Worker) {
		defer wg.Done()
		if err := w.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			monitoring.Logf("system: tracking worker: %v", err)
		}
	}
	wg.Add(1)
	go runWorker(s.coarse)
	if s.fine != nil {
		wg.Add(1)
		go runWorker(s.fine)
	}

	err := s.loop.Run(ctx)
	wg.Wait()

	s.mu.Lock()
	cancel, done := s.alignCancel, s.alignDone
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
	return err
}

// Close flushes the cycle recorder and closes the database. Devices are
// owned by the caller that constructed them.
func (s *Station) Close() error {
	if s.recorder != nil {
		s.recorder.Close()
	}
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func (s *Station) Loop() *control.Loop { return s.loop }

func (s *Station) Alignment() *align.Alignment { return s.alignment }

func (s *Station) DB() *store.DB { return s.db }

func (s *Station) Tuning() *config.TuningConfig { return s.cfg }

func (s *Station) Metrics() *observability.Collector { return s.metrics }

func (s *Station) Recorder() *store.Recorder { return s.recorder }

// Worker returns the tracking worker for camera name "coarse" or
// "fine", or nil.
func (s *Station) Worker(name string) *track.Worker {
	switch name {
	case "coarse":
		return s.coarse
	case "fine":
		return s.fine
	}
	return nil
}

// Cameras lists the camera names with a running worker.
func (s *Station) Cameras() []string {
	names := []string{"coarse"}
	if s.fine != nil {
		names = append(names, "fine")
	}
	return names
}

// SetTarget installs t as the tracked target. Replacing the target of
// a live session is refused; clearing (nil) is always allowed and
// aborts a running session on the next cycle.
func (s *Station) SetTarget(t *target.Target) error {
	if t != nil && s.loop.Running() {
		return control.ErrTracking
	}
	s.loop.SetTarget(t)
	return nil
}

// ClearTarget removes the target. A running session stops itself.
func (s *Station) ClearTarget() { s.loop.SetTarget(nil) }

// Target returns the current target, or nil.
func (s *Station) Target() *target.Target { return s.loop.Target() }

// StartTracking opens a tracking session. It is refused while an auto
// alignment holds the mount.
func (s *Station) StartTracking() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.alignRun.Running {
		return ErrAligning
	}
	return s.loop.Start()
}

// StopTracking ends the tracking session if one is running.
func (s *Station) StopTracking() { s.loop.Stop() }

// SetLocation fixes the observer site. Refused while tracking or
// aligning; the pointing model keeps its mount alignment.
func (s *Station) SetLocation(lat, lon, heightM float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.alignRun.Running {
		return ErrAligning
	}
	if s.loop.Running() {
		return control.ErrTracking
	}
	return s.alignment.SetLocationLatLon(lat, lon, heightM)
}

// SetAlignmentENU declares the mount to be perfectly levelled, making
// mount coordinates equal local horizon coordinates. The model is
// persisted so a restart keeps it.
func (s *Station) SetAlignmentENU() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.alignRun.Running {
		return ErrAligning
	}
	if s.loop.Running() {
		return control.ErrTracking
	}
	if err := s.alignment.SetAlignmentENU(); err != nil {
		return err
	}
	s.saveAlignment(nil)
	return nil
}

// saveAlignment persists the current model. Callers hold s.mu.
func (s *Station) saveAlignment(rep *align.FitReport) {
	if s.db == nil {
		return
	}
	if _, err := s.db.SaveAlignment(s.alignment.Snapshot(), rep); err != nil {
		monitoring.Logf("system: saving pointing model: %v", err)
	}
}

// RequestAutoAlign starts an auto alignment over points, a grid of
// (alt, azi) mount angles in degrees. An empty grid uses the tuned
// default. The run proceeds in the background; poll AutoAlignStatus.
// Refused while tracking, while another run is active, or when no
// plate solver is configured.
func (s *Station) RequestAutoAlign(points [][2]float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.alignRun.Running {
		return ErrAligning
	}
	if s.loop.Running() {
		return control.ErrTracking
	}
	if s.solver == nil {
		return errors.New("system: no plate solver configured")
	}
	if len(points) == 0 {
		points = s.cfg.GetAlignPoints()
	}
	grid := make([]align.Position, len(points))
	for i, p := range points {
		grid[i] = align.NewCOM(p[0], p[1])
	}
	acfg := align.AutoAlignConfig{
		Points:     grid,
		MaxRetries: s.cfg.GetAlignMaxRetries(),
		MinSolved:  s.cfg.GetAlignMinPoints(),
		Settle:     s.cfg.GetAlignSettleTime(),
	}

	base := s.runCtx
	if base == nil {
		base = context.Background()
	}
	ctx, cancel := context.WithCancel(base)
	done := make(chan struct{})
	s.alignCancel = cancel
	s.alignDone = done
	s.alignRun = AlignRun{Running: true, StartedAt: s.clock.Now(), Points: len(grid)}

	go s.runAutoAlign(ctx, cancel, done, acfg)
	return nil
}

func (s *Station) runAutoAlign(ctx context.Context, cancel context.CancelFunc, done chan struct{}, acfg align.AutoAlignConfig) {
	defer close(done)
	defer cancel()

	obs, rep, err := s.alignment.AutoAlign(ctx, s.mount, s.coarseCam, s.solver, s.clock, acfg)
	solved := 0
	for _, o := range obs {
		if o.Solved {
			solved++
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.alignRun.Running = false
	s.alignRun.FinishedAt = s.clock.Now()
	s.alignRun.Solved = solved
	s.alignCancel = nil
	if err != nil {
		s.alignRun.Error = err.Error()
		monitoring.Logf("system: auto alignment failed: %v", err)
		return
	}
	s.alignRun.Report = rep
	s.saveAlignment(rep)
}

// CancelAutoAlign asks a running auto alignment to stop. The run stays
// Running until the current step returns.
func (s *Station) CancelAutoAlign() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.alignRun.Running || s.alignCancel == nil {
		return errors.New("system: no auto alignment in progress")
	}
	s.alignCancel()
	return nil
}

// AutoAlignStatus reports the in-flight or most recent auto alignment.
func (s *Station) AutoAlignStatus() AlignRun {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.alignRun
}
