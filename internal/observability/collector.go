// Package observability exports the station's Prometheus metrics. The
// collector consumes the control loop's status stream as a sink, so every
// scrape reflects the most recent completed cycle.
package observability

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/lodestar-obs/groundstation/internal/control"
	"github.com/lodestar-obs/groundstation/internal/track"
)

// modes enumerated for the one-hot tracking_mode gauge.
var allModes = []control.Mode{
	control.ModeIdle, control.ModeOL, control.ModeCCL, control.ModeCTFSP, control.ModeFCL,
}

// Collector bundles the Prometheus metrics fed by the control loop and
// provides the /metrics handler.
type Collector struct {
	reg      prometheus.Registerer
	gatherer prometheus.Gatherer

	Cycles    prometheus.Counter
	Saturated prometheus.Counter

	Running     prometheus.Gauge
	OutOfWindow prometheus.Gauge
	Mode        *prometheus.GaugeVec

	MountPosition  *prometheus.GaugeVec
	TargetPosition *prometheus.GaugeVec

	PointingError    *prometheus.GaugeVec
	PointingIntegral *prometheus.GaugeVec
	CommandedRate    *prometheus.GaugeVec
	TargetRate       *prometheus.GaugeVec

	SpiralRadius prometheus.Gauge

	TrackerValid  *prometheus.GaugeVec
	TrackerSpread *prometheus.GaugeVec
	TrackerRMSE   *prometheus.GaugeVec

	Power prometheus.Gauge
}

// NewCollector registers the station metrics against the provided
// registerer, defaulting to the global Prometheus registry when nil.
// Registering twice against the same registry returns the existing
// collectors, so restart-style re-wiring is safe.
func NewCollector(reg prometheus.Registerer) (*Collector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	c := &Collector{reg: reg, gatherer: gatherer}
	var err error

	c.Cycles, err = registerCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "tracking_cycles_total",
		Help: "Total number of completed control loop cycles.",
	}), "tracking_cycles_total")
	if err != nil {
		return nil, err
	}
	c.Saturated, err = registerCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "tracking_saturated_cycles_total",
		Help: "Cycles whose commanded rate hit a speed limit on either axis.",
	}), "tracking_saturated_cycles_total")
	if err != nil {
		return nil, err
	}

	c.Running, err = registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "tracking_running",
		Help: "1 while a tracking session is active.",
	}), "tracking_running")
	if err != nil {
		return nil, err
	}
	c.OutOfWindow, err = registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "tracking_out_of_window",
		Help: "1 while the target is outside its tracking window.",
	}), "tracking_out_of_window")
	if err != nil {
		return nil, err
	}
	c.Mode, err = registerGaugeVec(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "tracking_mode",
		Help: "One-hot control mode indicator.",
	}, []string{"mode"}), "tracking_mode")
	if err != nil {
		return nil, err
	}

	c.MountPosition, err = registerGaugeVec(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "mount_position_degrees",
		Help: "Mount position in the corrected mount frame.",
	}, []string{"axis"}), "mount_position_degrees")
	if err != nil {
		return nil, err
	}
	c.TargetPosition, err = registerGaugeVec(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "target_position_degrees",
		Help: "Predicted target position in the mount frame.",
	}, []string{"axis"}), "target_position_degrees")
	if err != nil {
		return nil, err
	}

	c.PointingError, err = registerGaugeVec(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "pointing_error_arcsec",
		Help: "Per-axis pointing error driving the control law.",
	}, []string{"axis"}), "pointing_error_arcsec")
	if err != nil {
		return nil, err
	}
	c.PointingIntegral, err = registerGaugeVec(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "pointing_integral_arcsec",
		Help: "Per-axis integral accumulator of the control law.",
	}, []string{"axis"}), "pointing_integral_arcsec")
	if err != nil {
		return nil, err
	}
	c.CommandedRate, err = registerGaugeVec(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "mount_rate_dps",
		Help: "Commanded mount rate in degrees per second.",
	}, []string{"axis"}), "mount_rate_dps")
	if err != nil {
		return nil, err
	}
	c.TargetRate, err = registerGaugeVec(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "target_rate_dps",
		Help: "Predicted target rate in degrees per second.",
	}, []string{"axis"}), "target_rate_dps")
	if err != nil {
		return nil, err
	}

	c.SpiralRadius, err = registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "spiral_radius_arcsec",
		Help: "Current acquisition spiral radius, zero outside CTFSP.",
	}), "spiral_radius_arcsec")
	if err != nil {
		return nil, err
	}

	c.TrackerValid, err = registerGaugeVec(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "tracker_valid",
		Help: "1 while the camera's spot tracker holds a valid estimate.",
	}, []string{"camera"}), "tracker_valid")
	if err != nil {
		return nil, err
	}
	c.TrackerSpread, err = registerGaugeVec(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "tracker_spread_arcsec",
		Help: "Tracker position spread (SD), zero while the tracker is lost.",
	}, []string{"camera"}), "tracker_spread_arcsec")
	if err != nil {
		return nil, err
	}
	c.TrackerRMSE, err = registerGaugeVec(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "tracker_rmse_arcsec",
		Help: "Tracker residual RMSE, zero while the tracker is lost.",
	}, []string{"camera"}), "tracker_rmse_arcsec")
	if err != nil {
		return nil, err
	}

	c.Power, err = registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "receiver_power",
		Help: "Receiver power sample of the most recent cycle.",
	}), "receiver_power")
	if err != nil {
		return nil, err
	}

	return c, nil
}

// RecordCycle implements the control loop sink. Gauge stores are atomic,
// so the loop is never blocked.
func (c *Collector) RecordCycle(s *control.Status) {
	if c == nil || s == nil {
		return
	}
	c.Cycles.Inc()
	if s.Saturated {
		c.Saturated.Inc()
	}
	setBool(c.Running, s.Running)
	setBool(c.OutOfWindow, s.OutOfWindow)
	for _, m := range allModes {
		v := 0.0
		if m == s.Mode {
			v = 1
		}
		c.Mode.WithLabelValues(string(m)).Set(v)
	}

	c.MountPosition.WithLabelValues("alt").Set(s.MountAlt)
	c.MountPosition.WithLabelValues("azi").Set(s.MountAzi)
	c.TargetPosition.WithLabelValues("alt").Set(s.TargetAlt)
	c.TargetPosition.WithLabelValues("azi").Set(s.TargetAzi)

	c.PointingError.WithLabelValues("alt").Set(s.ErrAlt)
	c.PointingError.WithLabelValues("azi").Set(s.ErrAzi)
	c.PointingIntegral.WithLabelValues("alt").Set(s.IntAlt)
	c.PointingIntegral.WithLabelValues("azi").Set(s.IntAzi)
	c.CommandedRate.WithLabelValues("alt").Set(s.RateAlt)
	c.CommandedRate.WithLabelValues("azi").Set(s.RateAzi)
	c.TargetRate.WithLabelValues("alt").Set(s.TargetRateAlt)
	c.TargetRate.WithLabelValues("azi").Set(s.TargetRateAzi)

	c.SpiralRadius.Set(s.SpiralRadius)

	c.setTracker("coarse", s.Coarse)
	c.setTracker("fine", s.Fine)

	c.Power.Set(s.Power)
}

func (c *Collector) setTracker(camera string, e *track.Estimate) {
	if e == nil || !e.Valid {
		c.TrackerValid.WithLabelValues(camera).Set(0)
		c.TrackerSpread.WithLabelValues(camera).Set(0)
		c.TrackerRMSE.WithLabelValues(camera).Set(0)
		return
	}
	c.TrackerValid.WithLabelValues(camera).Set(1)
	c.TrackerSpread.WithLabelValues(camera).Set(e.SD)
	c.TrackerRMSE.WithLabelValues(camera).Set(e.RMSE)
}

// WatchRecorderDrops exports a counter backed by the cycle recorder's
// drop count, typically store.Recorder.Dropped.
func (c *Collector) WatchRecorderDrops(f func() uint64) error {
	return c.reg.Register(prometheus.NewCounterFunc(prometheus.CounterOpts{
		Name: "cycle_log_dropped_rows_total",
		Help: "Cycle rows the session recorder discarded because its writer fell behind.",
	}, func() float64 { return float64(f()) }))
}

// Handler exposes a ready-to-use /metrics handler.
func (c *Collector) Handler() http.Handler {
	gatherer := c.gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

func setBool(g prometheus.Gauge, v bool) {
	if v {
		g.Set(1)
		return
	}
	g.Set(0)
}

func registerCounter(reg prometheus.Registerer, counter prometheus.Counter, name string) (prometheus.Counter, error) {
	if err := reg.Register(counter); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Counter); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return counter, nil
}

func registerGauge(reg prometheus.Registerer, gauge prometheus.Gauge, name string) (prometheus.Gauge, error) {
	if err := reg.Register(gauge); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Gauge); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return gauge, nil
}

func registerGaugeVec(reg prometheus.Registerer, vec *prometheus.GaugeVec, name string) (*prometheus.GaugeVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.GaugeVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}
