package device

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lodestar-obs/groundstation/internal/timeutil"
)

// Spot is one synthetic point source in a simulated scene, positioned in
// camera coordinates: arcseconds from the boresight, x right, y up.
type Spot struct {
	X, Y    float64
	Peak    float64 // counts at the centre
	SigmaPx float64 // gaussian width in pixels
}

// SceneFunc returns the spots visible at time t. The simulated camera
// calls it once per frame.
type SceneFunc func(t time.Time) []Spot

// SimCameraConfig configures a simulated camera.
type SimCameraConfig struct {
	Width, Height int
	PlateScale    float64 // arcsec per pixel
	Rotation      float64 // degrees
	FrameRate     float64 // frames per second
	Bias          float64 // background level in counts
	NoiseSD       float64 // gaussian read noise in counts
	Seed          int64   // 0 seeds from the clock
	Clock         timeutil.Clock
}

// SimCamera renders gaussian spots from a scene callback onto a noisy
// 16-bit sensor. It satisfies Camera for tests and the -sim mode.
type SimCamera struct {
	name   string
	cfg    SimCameraConfig
	period time.Duration
	clock  timeutil.Clock

	mu       sync.Mutex
	scene    SceneFunc
	exposure time.Duration
	gain     float64
	rng      *rand.Rand
	running  bool
	cancel   context.CancelFunc
	ch       chan Frame

	wg      sync.WaitGroup
	seq     atomic.Uint64
	dropped atomic.Uint64
}

const simFrameBuffer = 4

// NewSimCamera creates a simulated camera. Zero-value config fields get
// sensible defaults (128x128 at 2 asec/px, 10 fps, bias 100, noise 2).
func NewSimCamera(name string, cfg SimCameraConfig) *SimCamera {
	if cfg.Width <= 0 {
		cfg.Width = 128
	}
	if cfg.Height <= 0 {
		cfg.Height = 128
	}
	if cfg.PlateScale <= 0 {
		cfg.PlateScale = 2.0
	}
	if cfg.FrameRate <= 0 {
		cfg.FrameRate = 10.0
	}
	if cfg.Bias <= 0 {
		cfg.Bias = 100.0
	}
	if cfg.NoiseSD < 0 {
		cfg.NoiseSD = 0
	}
	if cfg.Clock == nil {
		cfg.Clock = timeutil.RealClock{}
	}
	seed := cfg.Seed
	if seed == 0 {
		seed = cfg.Clock.Now().UnixNano()
	}
	return &SimCamera{
		name:     name,
		cfg:      cfg,
		period:   time.Duration(float64(time.Second) / cfg.FrameRate),
		clock:    cfg.Clock,
		exposure: 100 * time.Millisecond,
		gain:     1.0,
		rng:      rand.New(rand.NewSource(seed)),
	}
}

func (c *SimCamera) Name() string { return c.name }

func (c *SimCamera) PlateScale() float64 { return c.cfg.PlateScale }

func (c *SimCamera) Rotation() float64 { return c.cfg.Rotation }

func (c *SimCamera) Dimensions() (int, int) { return c.cfg.Width, c.cfg.Height }

// SetScene installs the scene callback. Safe to call while streaming.
func (c *SimCamera) SetScene(fn SceneFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.scene = fn
}

func (c *SimCamera) SetExposure(d time.Duration) error {
	if d <= 0 {
		return fmt.Errorf("exposure must be positive, got %v", d)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.exposure = d
	return nil
}

func (c *SimCamera) SetGain(g float64) error {
	if g <= 0 {
		return fmt.Errorf("gain must be positive, got %f", g)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gain = g
	return nil
}

// Dropped returns the number of frames discarded because the delivery
// channel was full.
func (c *SimCamera) Dropped() uint64 { return c.dropped.Load() }

// Start begins frame delivery at the configured rate.
func (c *SimCamera) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return fmt.Errorf("camera %s already started", c.name)
	}
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.running = true
	c.ch = make(chan Frame, simFrameBuffer)
	ch := c.ch
	c.mu.Unlock()

	// Register the ticker before returning so a mock clock advanced
	// right after Start always reaches it.
	tick := c.clock.NewTicker(c.period)
	c.wg.Add(1)
	go c.run(ctx, ch, tick)
	return nil
}

func (c *SimCamera) run(ctx context.Context, ch chan Frame, tick timeutil.Ticker) {
	defer c.wg.Done()
	defer close(ch)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-tick.C():
			f := c.render(now)
			select {
			case ch <- f:
			default:
				c.dropped.Add(1)
			}
		}
	}
}

// Frames returns the delivery channel for the current run. Call after
// Start; the channel closes when the run ends.
func (c *SimCamera) Frames() <-chan Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ch
}

// Capture renders one frame synchronously at the current clock time.
func (c *SimCamera) Capture(ctx context.Context) (Frame, error) {
	if err := ctx.Err(); err != nil {
		return Frame{}, err
	}
	return c.render(c.clock.Now()), nil
}

// Stop ends streaming and waits for the delivery goroutine to exit.
func (c *SimCamera) Stop() error {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return nil
	}
	c.running = false
	cancel := c.cancel
	c.mu.Unlock()

	cancel()
	c.wg.Wait()
	return nil
}

func (c *SimCamera) render(t time.Time) Frame {
	c.mu.Lock()
	scene := c.scene
	exposure := c.exposure
	gain := c.gain
	rng := c.rng

	w, h := c.cfg.Width, c.cfg.Height
	buf := make([]float64, w*h)
	for i := range buf {
		buf[i] = c.cfg.Bias
		if c.cfg.NoiseSD > 0 {
			buf[i] += rng.NormFloat64() * c.cfg.NoiseSD
		}
	}
	c.mu.Unlock()

	// Spot intensity scales with exposure relative to the 100 ms nominal.
	scale := gain * exposure.Seconds() / 0.1

	var spots []Spot
	if scene != nil {
		spots = scene(t)
	}
	cx := float64(w-1) / 2
	cy := float64(h-1) / 2
	for _, s := range spots {
		px := cx + s.X/c.cfg.PlateScale
		py := cy - s.Y/c.cfg.PlateScale // image rows grow downward
		sigma := s.SigmaPx
		if sigma <= 0 {
			sigma = 1.5
		}
		reach := int(math.Ceil(5 * sigma))
		x0, x1 := int(px)-reach, int(px)+reach
		y0, y1 := int(py)-reach, int(py)+reach
		if x0 < 0 {
			x0 = 0
		}
		if y0 < 0 {
			y0 = 0
		}
		if x1 >= w {
			x1 = w - 1
		}
		if y1 >= h {
			y1 = h - 1
		}
		for y := y0; y <= y1; y++ {
			for x := x0; x <= x1; x++ {
				dx := float64(x) - px
				dy := float64(y) - py
				buf[y*w+x] += scale * s.Peak * math.Exp(-(dx*dx+dy*dy)/(2*sigma*sigma))
			}
		}
	}

	pix := make([]uint16, w*h)
	for i, v := range buf {
		switch {
		case v <= 0:
			pix[i] = 0
		case v >= 65535:
			pix[i] = 65535
		default:
			pix[i] = uint16(v + 0.5)
		}
	}
	return Frame{
		Seq:    c.seq.Add(1),
		Stamp:  t,
		Width:  w,
		Height: h,
		Pix:    pix,
	}
}
