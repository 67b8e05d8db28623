package control

import "math"

// spiralParams holds the archimedean search spiral shape: turns spaced
// by spacing arcsec, traversed at speed arcsec/s, starting after delay
// seconds with an exponential speed ramp.
type spiralParams struct {
	spacing float64
	speed   float64
	delay   float64
	ramp    float64
}

// pos returns the spiral position at time t seconds since the search
// began, as (azi, alt) arcseconds from the search origin. The curve
// holds at the origin for the acquisition delay, then spirals outward
// with constant linear speed once the ramp has run out.
func (p spiralParams) pos(t float64) (azi, alt float64) {
	tt := t - p.delay
	if tt <= 0 {
		return 0, 0
	}
	f := tt
	if p.ramp > 0 {
		f = (1 - math.Exp(-tt/p.ramp)) * tt
	}
	r := math.Sqrt(p.spacing / math.Pi * p.speed * f)
	phase := 2 * math.Sqrt(math.Pi/p.spacing*p.speed*f)
	return r * math.Cos(phase), r * math.Sin(phase)
}

// radius returns the spiral radius at time t, arcseconds.
func (p spiralParams) radius(t float64) float64 {
	azi, alt := p.pos(t)
	return math.Hypot(azi, alt)
}
