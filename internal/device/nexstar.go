package device

import (
	"context"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.bug.st/serial"

	"github.com/lodestar-obs/groundstation/internal/monitoring"
	"github.com/lodestar-obs/groundstation/internal/timeutil"
	"github.com/lodestar-obs/groundstation/internal/units"
)

// SerialPort is the minimal serial dependency for the hand-controller
// driver. go.bug.st/serial.Port satisfies it; tests substitute a scripted
// implementation.
type SerialPort interface {
	io.ReadWriter
	io.Closer
}

// NexStarConfig configures the hand-controller mount driver.
type NexStarConfig struct {
	MaxRate float64 // deg/s per axis, default 4
	AltMin  float64 // default -5 when both limits are zero
	AltMax  float64 // default 95 when both limits are zero
	AltZero float64 // mount-reported altitude at true zero, degrees
	Clock   timeutil.Clock
}

// NexStarMount drives a NexStar-compatible alt/azimuth mount over its
// hand-controller serial passthrough: 9600 8N1, '#'-terminated replies.
// Axis rates use the variable-rate passthrough command in quarter-arcsec
// per second; positions are 32-bit revolution fractions.
type NexStarMount struct {
	name    string
	clock   timeutil.Clock
	maxRate float64
	altZero float64

	mu       sync.Mutex // serialises port transactions and state
	port     SerialPort
	altMin   float64
	altMax   float64
	stopSlew bool
	closed   bool
}

const (
	nexstarBaud        = 9600
	nexstarReadTimeout = 3500 * time.Millisecond
	nexstarAck         = '#'

	// Passthrough device numbers for the axis motor controllers.
	nexstarAxisAzi = 16
	nexstarAxisAlt = 17

	// Filled-in positive / negative variable rate commands.
	nexstarDirPos = 6
	nexstarDirNeg = 7

	// Slews further than this start with a hand-controller goto before
	// the rate loop takes over for the final approach.
	gotoApproachDeg = 10.0

	gotoPollInterval = 500 * time.Millisecond
	gotoTimeout      = 120 * time.Second
)

// NewNexStarMount opens the serial device and initialises the mount:
// probes the hand controller and disables sidereal tracking.
func NewNexStarMount(name, device string, cfg NexStarConfig) (*NexStarMount, error) {
	mode := &serial.Mode{
		BaudRate: nexstarBaud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(device, mode)
	if err != nil {
		return nil, fmt.Errorf("open mount serial port %s: %w", device, err)
	}
	if err := port.SetReadTimeout(nexstarReadTimeout); err != nil {
		port.Close()
		return nil, fmt.Errorf("set mount read timeout: %w", err)
	}
	return NewNexStarMountWithPort(name, port, cfg)
}

// NewNexStarMountWithPort initialises the driver on an already-open port.
func NewNexStarMountWithPort(name string, port SerialPort, cfg NexStarConfig) (*NexStarMount, error) {
	if cfg.MaxRate <= 0 {
		cfg.MaxRate = 4.0
	}
	if cfg.AltMin == 0 && cfg.AltMax == 0 {
		cfg.AltMin, cfg.AltMax = -5.0, 95.0
	}
	if cfg.Clock == nil {
		cfg.Clock = timeutil.RealClock{}
	}
	m := &NexStarMount{
		name:    name,
		clock:   cfg.Clock,
		maxRate: cfg.MaxRate,
		altZero: cfg.AltZero,
		port:    port,
		altMin:  cfg.AltMin,
		altMax:  cfg.AltMax,
	}
	if err := m.probe(); err != nil {
		port.Close()
		return nil, err
	}
	if err := m.trackingOff(); err != nil {
		port.Close()
		return nil, err
	}
	monitoring.Logf("NexStar mount %s initialised", name)
	return m, nil
}

// probe sends the model query and checks the terminated reply.
func (m *NexStarMount) probe() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.send([]byte{'m'}); err != nil {
		return err
	}
	buf := make([]byte, 2)
	if _, err := io.ReadFull(m.port, buf); err != nil {
		return fmt.Errorf("mount model query: %w", ErrHardwareFault)
	}
	if buf[1] != nexstarAck {
		return fmt.Errorf("mount model query reply % X: %w", buf, ErrHardwareFault)
	}
	monitoring.Debugf("mount %s model byte %d", m.name, buf[0])
	return nil
}

// trackingOff disables the hand controller's sidereal tracking so rate
// commands are not fought by the drive.
func (m *NexStarMount) trackingOff() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.send([]byte{'T', 0}); err != nil {
		return err
	}
	return m.readAck()
}

func (m *NexStarMount) Name() string { return m.name }

func (m *NexStarMount) MaxRate() float64 { return m.maxRate }

func (m *NexStarMount) AltLimits() (float64, float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.altMin, m.altMax
}

func (m *NexStarMount) SetAltLimits(min, max float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.altMin, m.altMax = min, max
}

// GetAltAz reads the precise axis positions. Degrees, (-180, 180].
func (m *NexStarMount) GetAltAz() (float64, float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, 0, fmt.Errorf("mount %s closed: %w", m.name, ErrHardwareFault)
	}
	if err := m.send([]byte{'z'}); err != nil {
		return 0, 0, err
	}
	resp, err := m.readToAck()
	if err != nil {
		return 0, 0, fmt.Errorf("position query: %w", err)
	}
	parts := strings.Split(string(resp), ",")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("position reply %q: %w", resp, ErrHardwareFault)
	}
	aziRaw, err := strconv.ParseUint(parts[0], 16, 32)
	if err != nil {
		return 0, 0, fmt.Errorf("position reply %q: %w", resp, ErrHardwareFault)
	}
	altRaw, err := strconv.ParseUint(parts[1], 16, 32)
	if err != nil {
		return 0, 0, fmt.Errorf("position reply %q: %w", resp, ErrHardwareFault)
	}
	alt := units.WrapTo180(float64(altRaw)/(1<<32)*360 + m.altZero)
	azi := units.WrapTo180(float64(aziRaw) / (1 << 32) * 360)
	return alt, azi, nil
}

// SetRateAltAz commands axis rates in degrees per second via the
// variable-rate passthrough, altitude axis first.
func (m *NexStarMount) SetRateAltAz(altRate, aziRate float64) error {
	if abs(altRate) > m.maxRate || abs(aziRate) > m.maxRate {
		return fmt.Errorf("rate (%.3f, %.3f) deg/s above mount maximum %.3f", altRate, aziRate, m.maxRate)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return fmt.Errorf("mount %s closed: %w", m.name, ErrHardwareFault)
	}
	for _, axis := range []struct {
		dev  byte
		rate float64
	}{
		{nexstarAxisAlt, altRate},
		{nexstarAxisAzi, aziRate},
	} {
		if err := m.send(rateCommand(axis.dev, axis.rate)); err != nil {
			return err
		}
		if err := m.readAck(); err != nil {
			return fmt.Errorf("rate command axis %d: %w", axis.dev, err)
		}
	}
	return nil
}

// rateCommand encodes one axis variable-rate passthrough command. The
// rate is quantised to quarter arcseconds per second.
func rateCommand(axis byte, rate float64) []byte {
	quanta := int(math.Round(rate * 3600 * 4))
	dir := byte(nexstarDirPos)
	if quanta < 0 {
		dir = nexstarDirNeg
		quanta = -quanta
	}
	return []byte{'P', 3, axis, dir, byte(quanta >> 8), byte(quanta & 0xFF), 0, 0}
}

// Stop zeroes both axis rates and interrupts any slew in progress.
func (m *NexStarMount) Stop() error {
	m.mu.Lock()
	m.stopSlew = true
	m.mu.Unlock()
	return m.SetRateAltAz(0, 0)
}

// isMoving queries whether a hand-controller goto is in progress.
func (m *NexStarMount) isMoving() (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.send([]byte{'L'}); err != nil {
		return false, err
	}
	resp, err := m.readToAck()
	if err != nil {
		return false, fmt.Errorf("goto progress query: %w", err)
	}
	return string(resp) != "0", nil
}

// gotoAltAz issues the hand controller's precise goto. The low byte of
// each revolution fraction is masked off per the protocol.
func (m *NexStarMount) gotoAltAz(alt, azi float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	altRaw := uint32(units.WrapTo360(alt-m.altZero)/360*(1<<32)) & 0xFFFFFF00
	aziRaw := uint32(units.WrapTo360(azi)/360*(1<<32)) & 0xFFFFFF00
	cmd := fmt.Sprintf("b%08X,%08X", aziRaw, altRaw)
	if err := m.send([]byte(cmd)); err != nil {
		return err
	}
	if err := m.readAck(); err != nil {
		return fmt.Errorf("goto command: %w", err)
	}
	return nil
}

// MoveToAltAz slews to (alt, azi). Large moves start with a
// hand-controller goto; the final approach runs a proportional rate loop
// until the commanded rate falls below tolerance. Blocks; the mount is
// left stopped on every exit path.
func (m *NexStarMount) MoveToAltAz(ctx context.Context, alt, azi float64) error {
	m.mu.Lock()
	altMin, altMax := m.altMin, m.altMax
	m.mu.Unlock()
	if alt < altMin || alt > altMax {
		return fmt.Errorf("target altitude %.2f outside limits (%.2f, %.2f)", alt, altMin, altMax)
	}
	if err := m.Stop(); err != nil {
		return err
	}
	m.mu.Lock()
	m.stopSlew = false
	m.mu.Unlock()

	curAlt, curAzi, err := m.GetAltAz()
	if err != nil {
		return err
	}
	if abs(alt-curAlt) > gotoApproachDeg || abs(units.WrapTo180(azi-curAzi)) > gotoApproachDeg {
		if err := m.approachWithGoto(ctx, alt, azi); err != nil {
			return err
		}
	}

	const maxIter = 100000
	for i := 0; i < maxIter; i++ {
		if err := ctx.Err(); err != nil {
			m.Stop()
			return fmt.Errorf("slew interrupted: %w", err)
		}
		m.mu.Lock()
		interrupted := m.stopSlew
		m.mu.Unlock()
		if interrupted {
			return fmt.Errorf("slew interrupted: mount stopped")
		}
		curAlt, curAzi, err := m.GetAltAz()
		if err != nil {
			m.Stop()
			return err
		}
		eAlt := clamp(slewGain*(alt-curAlt), m.maxRate)
		eAzi := clamp(slewGain*units.WrapTo180(azi-curAzi), m.maxRate)
		if abs(eAlt) < slewTol && abs(eAzi) < slewTol {
			return m.SetRateAltAz(0, 0)
		}
		if err := m.SetRateAltAz(eAlt, eAzi); err != nil {
			m.Stop()
			return err
		}
	}
	m.Stop()
	return fmt.Errorf("slew to (%.2f, %.2f) did not converge", alt, azi)
}

// approachWithGoto runs a hand-controller goto and polls until it
// finishes or times out.
func (m *NexStarMount) approachWithGoto(ctx context.Context, alt, azi float64) error {
	if err := m.gotoAltAz(alt, azi); err != nil {
		return err
	}
	deadline := m.clock.Now().Add(gotoTimeout)
	for {
		if err := ctx.Err(); err != nil {
			m.Stop()
			return fmt.Errorf("goto interrupted: %w", err)
		}
		moving, err := m.isMoving()
		if err != nil {
			m.Stop()
			return err
		}
		if !moving {
			return nil
		}
		if m.clock.Now().After(deadline) {
			m.Stop()
			return fmt.Errorf("goto to (%.2f, %.2f) timed out after %v", alt, azi, gotoTimeout)
		}
		m.clock.Sleep(gotoPollInterval)
	}
}

// Close stops the mount and releases the serial port.
func (m *NexStarMount) Close() error {
	if err := m.Stop(); err != nil {
		monitoring.Logf("mount %s stop on close: %v", m.name, err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return m.port.Close()
}

// send writes a full command to the port.
func (m *NexStarMount) send(cmd []byte) error {
	n, err := m.port.Write(cmd)
	if err != nil {
		return fmt.Errorf("mount write: %w", err)
	}
	if n != len(cmd) {
		return fmt.Errorf("mount short write %d of %d: %w", n, len(cmd), ErrHardwareFault)
	}
	return nil
}

// readByte reads one byte, treating a zero-length read as a timeout.
func (m *NexStarMount) readByte() (byte, error) {
	buf := make([]byte, 1)
	n, err := m.port.Read(buf)
	if err != nil {
		return 0, fmt.Errorf("mount read: %w", err)
	}
	if n == 0 {
		return 0, fmt.Errorf("mount read timeout: %w", ErrHardwareFault)
	}
	return buf[0], nil
}

// readAck consumes the single '#' acknowledgement byte.
func (m *NexStarMount) readAck() error {
	b, err := m.readByte()
	if err != nil {
		return err
	}
	if b != nexstarAck {
		return fmt.Errorf("expected ack, got 0x%02X: %w", b, ErrHardwareFault)
	}
	return nil
}

// readToAck reads a reply up to but not including the '#' terminator.
func (m *NexStarMount) readToAck() ([]byte, error) {
	const maxReply = 64
	var resp []byte
	for len(resp) < maxReply {
		b, err := m.readByte()
		if err != nil {
			return nil, err
		}
		if b == nexstarAck {
			return resp, nil
		}
		resp = append(resp, b)
	}
	return nil, fmt.Errorf("unterminated reply %q: %w", resp, ErrHardwareFault)
}
