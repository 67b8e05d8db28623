package observability

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/lodestar-obs/groundstation/internal/control"
	"github.com/lodestar-obs/groundstation/internal/track"
)

func TestCollectorRecordsCycle(t *testing.T) {
	reg := prometheus.NewRegistry()
	c, err := NewCollector(reg)
	if err != nil {
		t.Fatalf("NewCollector failed: %v", err)
	}

	s := &control.Status{
		Cycle:     7,
		Running:   true,
		Mode:      control.ModeCCL,
		MountAlt:  45.5,
		MountAzi:  120.25,
		TargetAlt: 45.6,
		TargetAzi: 120.20,
		ErrAlt:    2.5,
		ErrAzi:    -1.25,
		IntAlt:    0.5,
		RateAlt:   0.01,
		Saturated: true,
		Power:     0.75,
		Coarse:    &track.Estimate{Camera: "coarse", Valid: true, SD: 30, RMSE: 12},
	}
	c.RecordCycle(s)

	if got := testutil.ToFloat64(c.Cycles); got != 1 {
		t.Errorf("tracking_cycles_total = %v, want 1", got)
	}
	if got := testutil.ToFloat64(c.Saturated); got != 1 {
		t.Errorf("tracking_saturated_cycles_total = %v, want 1", got)
	}
	if got := testutil.ToFloat64(c.Running); got != 1 {
		t.Errorf("tracking_running = %v, want 1", got)
	}
	if got := testutil.ToFloat64(c.Mode.WithLabelValues("CCL")); got != 1 {
		t.Errorf("tracking_mode{mode=CCL} = %v, want 1", got)
	}
	if got := testutil.ToFloat64(c.Mode.WithLabelValues("FCL")); got != 0 {
		t.Errorf("tracking_mode{mode=FCL} = %v, want 0", got)
	}
	if got := testutil.ToFloat64(c.PointingError.WithLabelValues("alt")); got != 2.5 {
		t.Errorf("pointing_error_arcsec{axis=alt} = %v, want 2.5", got)
	}
	if got := testutil.ToFloat64(c.PointingError.WithLabelValues("azi")); got != -1.25 {
		t.Errorf("pointing_error_arcsec{axis=azi} = %v, want -1.25", got)
	}
	if got := testutil.ToFloat64(c.MountPosition.WithLabelValues("azi")); got != 120.25 {
		t.Errorf("mount_position_degrees{axis=azi} = %v, want 120.25", got)
	}
	if got := testutil.ToFloat64(c.TrackerValid.WithLabelValues("coarse")); got != 1 {
		t.Errorf("tracker_valid{camera=coarse} = %v, want 1", got)
	}
	if got := testutil.ToFloat64(c.TrackerSpread.WithLabelValues("coarse")); got != 30 {
		t.Errorf("tracker_spread_arcsec{camera=coarse} = %v, want 30", got)
	}
	if got := testutil.ToFloat64(c.TrackerValid.WithLabelValues("fine")); got != 0 {
		t.Errorf("tracker_valid{camera=fine} = %v, want 0", got)
	}
	if got := testutil.ToFloat64(c.Power); got != 0.75 {
		t.Errorf("receiver_power = %v, want 0.75", got)
	}

	// The next cycle moves the one-hot mode and leaves the saturation
	// counter alone.
	s2 := &control.Status{Cycle: 8, Running: true, Mode: control.ModeFCL}
	c.RecordCycle(s2)

	if got := testutil.ToFloat64(c.Cycles); got != 2 {
		t.Errorf("tracking_cycles_total = %v, want 2", got)
	}
	if got := testutil.ToFloat64(c.Saturated); got != 1 {
		t.Errorf("tracking_saturated_cycles_total = %v, want 1 after clean cycle", got)
	}
	if got := testutil.ToFloat64(c.Mode.WithLabelValues("CCL")); got != 0 {
		t.Errorf("tracking_mode{mode=CCL} = %v, want 0 after FCL cycle", got)
	}
	if got := testutil.ToFloat64(c.Mode.WithLabelValues("FCL")); got != 1 {
		t.Errorf("tracking_mode{mode=FCL} = %v, want 1", got)
	}
	if got := testutil.ToFloat64(c.TrackerValid.WithLabelValues("coarse")); got != 0 {
		t.Errorf("tracker_valid{camera=coarse} = %v, want 0 after estimate loss", got)
	}
}

func TestCollectorReregister(t *testing.T) {
	reg := prometheus.NewRegistry()
	a, err := NewCollector(reg)
	if err != nil {
		t.Fatalf("first NewCollector failed: %v", err)
	}
	b, err := NewCollector(reg)
	if err != nil {
		t.Fatalf("second NewCollector failed: %v", err)
	}

	b.Cycles.Inc()
	if got := testutil.ToFloat64(a.Cycles); got != 1 {
		t.Errorf("collectors not shared: first sees %v, want 1", got)
	}
}

func TestCollectorHandler(t *testing.T) {
	reg := prometheus.NewRegistry()
	c, err := NewCollector(reg)
	if err != nil {
		t.Fatalf("NewCollector failed: %v", err)
	}
	c.RecordCycle(&control.Status{Cycle: 1, Mode: control.ModeIdle})

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("metrics handler status = %d, want 200", rec.Code)
	}
	body := rec.Body.String()
	for _, want := range []string{"tracking_cycles_total 1", `tracking_mode{mode="IDLE"} 1`} {
		if !strings.Contains(body, want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}

func TestWatchRecorderDrops(t *testing.T) {
	reg := prometheus.NewRegistry()
	c, err := NewCollector(reg)
	if err != nil {
		t.Fatalf("NewCollector failed: %v", err)
	}
	var drops uint64 = 5
	if err := c.WatchRecorderDrops(func() uint64 { return drops }); err != nil {
		t.Fatalf("WatchRecorderDrops failed: %v", err)
	}

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather failed: %v", err)
	}
	found := false
	for _, mf := range families {
		if mf.GetName() != "cycle_log_dropped_rows_total" {
			continue
		}
		found = true
		if got := mf.GetMetric()[0].GetCounter().GetValue(); got != 5 {
			t.Errorf("cycle_log_dropped_rows_total = %v, want 5", got)
		}
	}
	if !found {
		t.Errorf("cycle_log_dropped_rows_total not exported")
	}
}
