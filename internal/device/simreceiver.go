package device

import (
	"math/rand"
	"sync"
	"time"

	"github.com/lodestar-obs/groundstation/internal/timeutil"
)

// SimReceiver reports power from a source callback plus gaussian noise.
// The -sim wiring points the source at the fine tracker error so logged
// power falls off as pointing degrades.
type SimReceiver struct {
	name  string
	clock timeutil.Clock

	mu      sync.Mutex
	source  func(t time.Time) float64
	noiseSD float64
	rng     *rand.Rand
}

// NewSimReceiver creates a simulated receiver. A nil source reads zero.
func NewSimReceiver(name string, source func(time.Time) float64, noiseSD float64, clock timeutil.Clock) *SimReceiver {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &SimReceiver{
		name:    name,
		clock:   clock,
		source:  source,
		noiseSD: noiseSD,
		rng:     rand.New(rand.NewSource(clock.Now().UnixNano())),
	}
}

func (r *SimReceiver) Name() string { return r.name }

// SetSource replaces the power source callback.
func (r *SimReceiver) SetSource(source func(time.Time) float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.source = source
}

// Power returns the instantaneous received power sample.
func (r *SimReceiver) Power() (float64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v := 0.0
	if r.source != nil {
		v = r.source(r.clock.Now())
	}
	if r.noiseSD > 0 {
		v += r.rng.NormFloat64() * r.noiseSD
	}
	return v, nil
}
