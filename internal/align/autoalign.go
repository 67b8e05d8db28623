package align

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/lodestar-obs/groundstation/internal/device"
	"github.com/lodestar-obs/groundstation/internal/monitoring"
	"github.com/lodestar-obs/groundstation/internal/timeutil"
)

// AutoAlignConfig parameterises an auto-alignment run. Points are the COM
// grid to visit; MaxRetries counts capture+solve attempts per point;
// MinSolved is the number of solved points required before fitting (zero
// means all); Settle is the wait after each slew before the first capture.
type AutoAlignConfig struct {
	Points     []Position
	MaxRetries int
	MinSolved  int
	Settle     time.Duration
}

// AutoAlign slews the mount through the configured grid, plate-solves a
// star-camera frame at each point and fits a new pointing model from the
// results. The fitted model is installed atomically on success; on any
// failure the prior model stays in place. The collected observations are
// returned even on failure so the caller can log and persist the attempt.
//
// The run honours ctx between steps: slews abort through the mount's own
// context handling, and the procedure returns after the current step once
// ctx is cancelled.
func (a *Alignment) AutoAlign(ctx context.Context, mount device.Mount, cam device.Camera, solver PlateSolver, clock timeutil.Clock, cfg AutoAlignConfig) ([]Observation, *FitReport, error) {
	if !a.Snapshot().Located {
		return nil, nil, ErrNotLocated
	}
	if len(cfg.Points) == 0 {
		return nil, nil, errors.New("auto align: empty point grid")
	}
	for _, p := range cfg.Points {
		if p.Frame != FrameCOM {
			return nil, nil, fmt.Errorf("auto align: grid point %s: %w", p, ErrWrongFrame)
		}
	}
	retries := cfg.MaxRetries
	if retries <= 0 {
		retries = 3
	}
	settle := cfg.Settle
	if settle <= 0 {
		settle = 2 * time.Second
	}
	minSolved := cfg.MinSolved
	if minSolved <= 0 || minSolved > len(cfg.Points) {
		minSolved = len(cfg.Points)
	}
	if clock == nil {
		clock = timeutil.RealClock{}
	}

	w, _ := cam.Dimensions()
	fovHint := cam.PlateScale() * float64(w) / 3600

	obs := make([]Observation, 0, len(cfg.Points))
	solved := 0
	for i, p := range cfg.Points {
		if err := ctx.Err(); err != nil {
			return obs, nil, err
		}
		monitoring.Logf("auto align: point %d/%d at %s", i+1, len(cfg.Points), p)
		if err := mount.MoveToAltAz(ctx, p.Alt, p.Azi); err != nil {
			return obs, nil, fmt.Errorf("slewing to point %d: %w", i+1, err)
		}
		clock.Sleep(settle)

		o := Observation{Index: i, COM: p, At: clock.Now()}
		for try := 1; try <= retries; try++ {
			if err := ctx.Err(); err != nil {
				return obs, nil, err
			}
			frame, err := cam.Capture(ctx)
			if err != nil {
				monitoring.Logf("auto align: point %d capture: %v", i+1, err)
				continue
			}
			res, err := solver.Solve(ctx, frame, fovHint)
			if err != nil {
				monitoring.Debugf("auto align: point %d try %d/%d: %v", i+1, try, retries, err)
				continue
			}
			o.RA, o.Dec = res.RA, res.Dec
			o.At = frame.Stamp
			o.Dir = RADecToITRF(res.RA, res.Dec, frame.Stamp)
			o.Solved = true
			solved++
			monitoring.Debugf("auto align: point %d solved ra=%.4f dec=%.4f", i+1, res.RA, res.Dec)
			break
		}
		if !o.Solved {
			monitoring.Logf("auto align: point %d unsolved after %d tries", i+1, retries)
		}
		obs = append(obs, o)
	}

	if solved < minSolved {
		return obs, nil, fmt.Errorf("%d of %d points solved, need %d: %w",
			solved, len(cfg.Points), minSolved, ErrInsufficientSamples)
	}
	rep, err := a.ApplyObservations(obs, clock.Now())
	if err != nil {
		return obs, nil, err
	}
	monitoring.Logf("auto align: fitted alt0=%.4f deg, cvd=%.5f, cnp=%.4f deg from %d/%d points",
		rep.Alt0Deg, rep.Cvd, rep.CnpDeg, rep.UsedPoints, rep.TotalPoints)
	return obs, rep, nil
}
