package control

import (
	"time"

	"github.com/lodestar-obs/groundstation/internal/track"
)

// Status is one control cycle's snapshot. Positions and rates are in the
// mount frame: degrees and degrees per second. Errors, integrals and the
// spiral radius are in arcseconds, matching the tuning thresholds.
type Status struct {
	Cycle   uint64    `json:"cycle"`
	Time    time.Time `json:"time"`
	Session string    `json:"session,omitempty"`
	Running bool      `json:"running"`
	Mode    Mode      `json:"mode"`

	Target      string `json:"target,omitempty"`
	OutOfWindow bool   `json:"out_of_window,omitempty"`

	MountAlt  float64 `json:"mount_alt"`
	MountAzi  float64 `json:"mount_azi"`
	TargetAlt float64 `json:"target_alt"`
	TargetAzi float64 `json:"target_azi"`

	ErrAlt float64 `json:"err_alt_asec"`
	ErrAzi float64 `json:"err_azi_asec"`
	IntAlt float64 `json:"int_alt_asec"`
	IntAzi float64 `json:"int_azi_asec"`

	RateAlt       float64 `json:"rate_alt"`
	RateAzi       float64 `json:"rate_azi"`
	TargetRateAlt float64 `json:"target_rate_alt"`
	TargetRateAzi float64 `json:"target_rate_azi"`
	Saturated     bool    `json:"saturated,omitempty"`

	SpiralRadius float64 `json:"spiral_radius_asec,omitempty"`

	Coarse *track.Estimate `json:"coarse,omitempty"`
	Fine   *track.Estimate `json:"fine,omitempty"`

	Power float64 `json:"power,omitempty"`
}

// Sink receives every cycle's status snapshot. Implementations must not
// block the control loop; buffer or drop instead. The snapshot is
// immutable once published.
type Sink interface {
	RecordCycle(s *Status)
}

// MultiSink fans one cycle out to several sinks.
type MultiSink []Sink

func (ms MultiSink) RecordCycle(s *Status) {
	for _, sink := range ms {
		if sink != nil {
			sink.RecordCycle(s)
		}
	}
}
