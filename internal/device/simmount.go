package device

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/lodestar-obs/groundstation/internal/timeutil"
	"github.com/lodestar-obs/groundstation/internal/units"
)

// SimMountConfig configures a simulated mount.
type SimMountConfig struct {
	MaxRate  float64 // deg/s per axis, default 4
	AltMin   float64 // default -5 when both limits are zero
	AltMax   float64 // default 95 when both limits are zero
	StartAlt float64
	StartAzi float64
	Clock    timeutil.Clock
}

// SimMount integrates commanded axis rates over clock time. Altitude is
// clamped at the limits with the altitude rate zeroed on contact, the way
// a real mount's limit switches behave.
type SimMount struct {
	name    string
	clock   timeutil.Clock
	maxRate float64

	mu         sync.Mutex
	alt, azi   float64 // degrees
	altRate    float64 // deg/s
	aziRate    float64
	altMin     float64
	altMax     float64
	lastUpdate time.Time
	stopSlew   bool
	closed     bool
}

const (
	slewGain = 1.5   // proportional gain for rate-controlled slews, 1/s
	slewTol  = 0.001 // deg/s command below which a slew is finished
)

// NewSimMount creates a simulated mount at the configured start position.
func NewSimMount(name string, cfg SimMountConfig) *SimMount {
	if cfg.MaxRate <= 0 {
		cfg.MaxRate = 4.0
	}
	if cfg.AltMin == 0 && cfg.AltMax == 0 {
		cfg.AltMin, cfg.AltMax = -5.0, 95.0
	}
	if cfg.Clock == nil {
		cfg.Clock = timeutil.RealClock{}
	}
	return &SimMount{
		name:       name,
		clock:      cfg.Clock,
		maxRate:    cfg.MaxRate,
		alt:        cfg.StartAlt,
		azi:        cfg.StartAzi,
		altMin:     cfg.AltMin,
		altMax:     cfg.AltMax,
		lastUpdate: cfg.Clock.Now(),
	}
}

func (m *SimMount) Name() string { return m.name }

func (m *SimMount) MaxRate() float64 { return m.maxRate }

// advanceLocked integrates the commanded rates up to now. Callers hold mu.
func (m *SimMount) advanceLocked(now time.Time) {
	dt := now.Sub(m.lastUpdate).Seconds()
	if dt <= 0 {
		return
	}
	m.lastUpdate = now
	m.alt += m.altRate * dt
	m.azi = units.WrapTo180(m.azi + m.aziRate*dt)
	if m.alt <= m.altMin {
		m.alt = m.altMin
		if m.altRate < 0 {
			m.altRate = 0
		}
	}
	if m.alt >= m.altMax {
		m.alt = m.altMax
		if m.altRate > 0 {
			m.altRate = 0
		}
	}
}

// GetAltAz returns the current position in degrees, (-180, 180].
func (m *SimMount) GetAltAz() (float64, float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, 0, fmt.Errorf("mount %s closed: %w", m.name, ErrHardwareFault)
	}
	m.advanceLocked(m.clock.Now())
	return m.alt, m.azi, nil
}

// SetRateAltAz commands axis rates in degrees per second. Rates above the
// mount maximum are rejected.
func (m *SimMount) SetRateAltAz(altRate, aziRate float64) error {
	if abs(altRate) > m.maxRate || abs(aziRate) > m.maxRate {
		return fmt.Errorf("rate (%.3f, %.3f) deg/s above mount maximum %.3f", altRate, aziRate, m.maxRate)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return fmt.Errorf("mount %s closed: %w", m.name, ErrHardwareFault)
	}
	m.advanceLocked(m.clock.Now())
	m.altRate = altRate
	m.aziRate = aziRate
	return nil
}

// MoveToAltAz slews to (alt, azi) under proportional rate control and
// blocks until the commanded rate falls below tolerance. Stop from another
// goroutine or ctx cancellation interrupts the slew with the mount
// stopped.
func (m *SimMount) MoveToAltAz(ctx context.Context, alt, azi float64) error {
	if alt < m.altMin || alt > m.altMax {
		return fmt.Errorf("target altitude %.2f outside limits (%.2f, %.2f)", alt, m.altMin, m.altMax)
	}
	if err := m.Stop(); err != nil {
		return err
	}
	m.mu.Lock()
	m.stopSlew = false
	m.mu.Unlock()

	const step = 50 * time.Millisecond
	dt := step.Seconds()
	// Convergence is exponential with time constant 1/slewGain, so a full
	// 360 degree slew settles within a couple of simulated minutes.
	const maxIter = 100000
	for i := 0; i < maxIter; i++ {
		if err := ctx.Err(); err != nil {
			m.Stop()
			return fmt.Errorf("slew interrupted: %w", err)
		}
		m.mu.Lock()
		if m.stopSlew {
			m.mu.Unlock()
			return fmt.Errorf("slew interrupted: mount stopped")
		}
		eAlt := clamp(slewGain*(alt-m.alt), m.maxRate)
		eAzi := clamp(slewGain*units.WrapTo180(azi-m.azi), m.maxRate)
		if abs(eAlt) < slewTol && abs(eAzi) < slewTol {
			m.altRate, m.aziRate = 0, 0
			m.lastUpdate = m.clock.Now()
			m.mu.Unlock()
			return nil
		}
		m.alt += eAlt * dt
		m.azi = units.WrapTo180(m.azi + eAzi*dt)
		m.lastUpdate = m.clock.Now()
		m.mu.Unlock()
		m.clock.Sleep(step)
	}
	m.Stop()
	return fmt.Errorf("slew to (%.2f, %.2f) did not converge", alt, azi)
}

// Stop zeroes both axis rates and interrupts any slew in progress.
func (m *SimMount) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return fmt.Errorf("mount %s closed: %w", m.name, ErrHardwareFault)
	}
	m.advanceLocked(m.clock.Now())
	m.altRate, m.aziRate = 0, 0
	m.stopSlew = true
	return nil
}

func (m *SimMount) AltLimits() (float64, float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.altMin, m.altMax
}

func (m *SimMount) SetAltLimits(min, max float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.altMin, m.altMax = min, max
}

func (m *SimMount) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.altRate, m.aziRate = 0, 0
	return nil
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

func clamp(v, limit float64) float64 {
	if v > limit {
		return limit
	}
	if v < -limit {
		return -limit
	}
	return v
}
