package target

import (
	"context"
	"fmt"
	"time"

	"github.com/lodestar-obs/groundstation/internal/align"
)

// Pass is one interval where the target stands above the elevation mask
// at the observer.
type Pass struct {
	Rise      time.Time `json:"rise"`
	Culminate time.Time `json:"culminate"`
	Set       time.Time `json:"set"`
	MaxAlt    float64   `json:"max_alt"`  // degrees at culmination
	RiseAzi   float64   `json:"rise_azi"` // degrees
	SetAzi    float64   `json:"set_azi"`
}

// FindPasses scans [start, end] at the given step for intervals where
// the target's elevation exceeds minAlt degrees, refining rise and set
// to roughly a second. The model needs only an observer location. A
// target window narrows the scanned range. A pass still in progress at
// end is reported with Set equal to end.
func FindPasses(ctx context.Context, t *Target, m *align.Model, start, end time.Time, step time.Duration, minAlt float64) ([]Pass, error) {
	if t == nil {
		return nil, ErrNoEphemeris
	}
	if !m.Located {
		return nil, align.ErrNotLocated
	}
	if !start.Before(end) {
		return nil, fmt.Errorf("pass scan start %s not before end %s", start.Format(time.RFC3339), end.Format(time.RFC3339))
	}
	if step <= 0 {
		step = 10 * time.Second
	}
	ws, we := t.Window()
	if !ws.IsZero() && ws.After(start) {
		start = ws
	}
	if !we.IsZero() && we.Before(end) {
		end = we
	}
	if !start.Before(end) {
		return nil, nil
	}

	altAt := func(at time.Time) (float64, float64, error) {
		p, err := t.ENUAt(at, m)
		if err != nil {
			return 0, 0, err
		}
		return p.Alt, p.Azi, nil
	}

	var passes []Pass
	var cur *Pass
	prev := start
	startAlt, startAzi, err := altAt(start)
	if err != nil {
		return nil, err
	}
	up := startAlt >= minAlt
	if up {
		cur = &Pass{Rise: start, RiseAzi: startAzi, Culminate: start, MaxAlt: startAlt}
	}

	for at := start.Add(step); !at.After(end.Add(step)); at = at.Add(step) {
		if err := ctx.Err(); err != nil {
			return passes, err
		}
		if at.After(end) {
			at = end
		}
		alt, _, err := altAt(at)
		if err != nil {
			return passes, err
		}
		switch {
		case !up && alt >= minAlt:
			rise := crossing(altAt, prev, at, minAlt, true)
			_, riseAzi, _ := altAt(rise)
			cur = &Pass{Rise: rise, RiseAzi: riseAzi, Culminate: at, MaxAlt: alt}
			up = true
		case up && alt < minAlt:
			set := crossing(altAt, prev, at, minAlt, false)
			_, setAzi, _ := altAt(set)
			cur.Set = set
			cur.SetAzi = setAzi
			refineCulmination(altAt, cur, step)
			passes = append(passes, *cur)
			cur = nil
			up = false
		case up && alt > cur.MaxAlt:
			cur.MaxAlt = alt
			cur.Culminate = at
		}
		prev = at
		if at.Equal(end) {
			break
		}
	}

	if cur != nil {
		_, setAzi, _ := altAt(end)
		cur.Set = end
		cur.SetAzi = setAzi
		refineCulmination(altAt, cur, step)
		passes = append(passes, *cur)
	}
	return passes, nil
}

// crossing bisects [lo, hi] for the time where altitude crosses mask.
// rising selects the below-to-above direction.
func crossing(altAt func(time.Time) (float64, float64, error), lo, hi time.Time, mask float64, rising bool) time.Time {
	for i := 0; i < 24 && hi.Sub(lo) > time.Second; i++ {
		mid := lo.Add(hi.Sub(lo) / 2)
		alt, _, err := altAt(mid)
		if err != nil {
			return hi
		}
		above := alt >= mask
		if above == rising {
			hi = mid
		} else {
			lo = mid
		}
	}
	return hi
}

// refineCulmination rescans around the coarse maximum at a tenth of the
// original step.
func refineCulmination(altAt func(time.Time) (float64, float64, error), p *Pass, step time.Duration) {
	fine := step / 10
	if fine < time.Second {
		fine = time.Second
	}
	lo := p.Culminate.Add(-step)
	hi := p.Culminate.Add(step)
	if lo.Before(p.Rise) {
		lo = p.Rise
	}
	if hi.After(p.Set) {
		hi = p.Set
	}
	for at := lo; !at.After(hi); at = at.Add(fine) {
		alt, _, err := altAt(at)
		if err != nil {
			continue
		}
		if alt > p.MaxAlt {
			p.MaxAlt = alt
			p.Culminate = at
		}
	}
}
