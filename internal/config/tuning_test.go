package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "tuning.json")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write config file: %v", err)
	}
	return path
}

func TestEmptyConfigDefaults(t *testing.T) {
	cfg := EmptyTuningConfig()

	if got := cfg.GetSpotMinArea(); got != 3 {
		t.Errorf("GetSpotMinArea() = %d, want 3", got)
	}
	if got := cfg.GetSpotMinSum(); got != 100.0 {
		t.Errorf("GetSpotMinSum() = %f, want 100", got)
	}
	if got := cfg.GetMaxAxisRatio(); got != 1.5 {
		t.Errorf("GetMaxAxisRatio() = %f, want 1.5", got)
	}
	if got := cfg.GetSmoothingParameter(); got != 10.0 {
		t.Errorf("GetSmoothingParameter() = %f, want 10", got)
	}
	if got := cfg.GetLoopPeriod(); got != 200*time.Millisecond {
		t.Errorf("GetLoopPeriod() = %v, want 200ms", got)
	}
	if got := cfg.GetOLGainP(); got != 1.0 {
		t.Errorf("GetOLGainP() = %f, want 1.0", got)
	}
	if got := cfg.GetCCLGainP(); got != 0.5 {
		t.Errorf("GetCCLGainP() = %f, want 0.5", got)
	}
	if got := cfg.GetOLSpeedLimit(); got != 3600.0 {
		t.Errorf("GetOLSpeedLimit() = %f, want 3600", got)
	}
	if got := cfg.GetCCLSpeedLimit(); got != 180.0 {
		t.Errorf("GetCCLSpeedLimit() = %f, want 180", got)
	}
	if got := cfg.GetCCLTransitionSD(); got != 100.0 {
		t.Errorf("GetCCLTransitionSD() = %f, want 100", got)
	}
	if got := cfg.GetFCLTransitionRMSE(); got != 30.0 {
		t.Errorf("GetFCLTransitionRMSE() = %f, want 30", got)
	}
	if got := cfg.GetCTFSPTransition(); got != 20.0 {
		t.Errorf("GetCTFSPTransition() = %f, want 20", got)
	}
	if got := cfg.GetSpiralDelay(); got != 3*time.Second {
		t.Errorf("GetSpiralDelay() = %v, want 3s", got)
	}
	if got := cfg.GetSpiralRamp(); got != 12*time.Second {
		t.Errorf("GetSpiralRamp() = %v, want 12s", got)
	}
	if got := cfg.GetFailsToDrop(); got != 10 {
		t.Errorf("GetFailsToDrop() = %d, want 10", got)
	}
	if got := cfg.GetSuccsToStart(); got != 3 {
		t.Errorf("GetSuccsToStart() = %d, want 3", got)
	}
	if got := cfg.GetMountAltLimitMin(); got != -5.0 {
		t.Errorf("GetMountAltLimitMin() = %f, want -5", got)
	}
	if got := cfg.GetMountAltLimitMax(); got != 95.0 {
		t.Errorf("GetMountAltLimitMax() = %f, want 95", got)
	}
	if !cfg.GetCCLEnabled() || !cfg.GetCTFSPEnabled() || !cfg.GetFCLEnabled() {
		t.Error("mode flags should default to enabled")
	}
	if cfg.GetAutoAcquire() {
		t.Error("auto_acquire should default to disabled")
	}
	if got := len(cfg.GetAlignPoints()); got != 8 {
		t.Errorf("default align points = %d, want 8", got)
	}
}

func TestLoadTuningConfig_PartialOverride(t *testing.T) {
	path := writeConfigFile(t, `{
		"spot_min_area": 5,
		"loop_period": "100ms",
		"ccl_gain_p": 0.8,
		"fcl_enabled": false
	}`)

	cfg, err := LoadTuningConfig(path)
	if err != nil {
		t.Fatalf("LoadTuningConfig: %v", err)
	}

	if got := cfg.GetSpotMinArea(); got != 5 {
		t.Errorf("GetSpotMinArea() = %d, want 5", got)
	}
	if got := cfg.GetLoopPeriod(); got != 100*time.Millisecond {
		t.Errorf("GetLoopPeriod() = %v, want 100ms", got)
	}
	if got := cfg.GetCCLGainP(); got != 0.8 {
		t.Errorf("GetCCLGainP() = %f, want 0.8", got)
	}
	if cfg.GetFCLEnabled() {
		t.Error("fcl_enabled should be false")
	}
	// Untouched fields keep defaults
	if got := cfg.GetOLGainP(); got != 1.0 {
		t.Errorf("GetOLGainP() = %f, want default 1.0", got)
	}
}

func TestLoadTuningConfig_RejectsNonJSON(t *testing.T) {
	if _, err := LoadTuningConfig("tuning.yaml"); err == nil {
		t.Error("expected error for non-json extension")
	}
}

func TestLoadTuningConfig_MissingFile(t *testing.T) {
	if _, err := LoadTuningConfig(filepath.Join(t.TempDir(), "nope.json")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestLoadTuningConfig_InvalidJSON(t *testing.T) {
	path := writeConfigFile(t, `{"spot_min_area": `)
	if _, err := LoadTuningConfig(path); err == nil {
		t.Error("expected error for invalid JSON")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *TuningConfig)
		wantErr bool
	}{
		{"empty is valid", func(c *TuningConfig) {}, false},
		{"zero spot_min_area", func(c *TuningConfig) { c.SpotMinArea = ptrInt(0) }, true},
		{"axis ratio below one", func(c *TuningConfig) { c.MaxAxisRatio = ptrFloat64(0.9) }, true},
		{"smoothing below one", func(c *TuningConfig) { c.SmoothingParameter = ptrFloat64(0.5) }, true},
		{"negative gain", func(c *TuningConfig) { c.CCLGainP = ptrFloat64(-0.1) }, true},
		{"zero speed limit", func(c *TuningConfig) { c.OLSpeedLimit = ptrFloat64(0) }, true},
		{"bad loop period", func(c *TuningConfig) { c.LoopPeriod = ptrString("fast") }, true},
		{"good loop period", func(c *TuningConfig) { c.LoopPeriod = ptrString("250ms") }, false},
		{"search radius inversion", func(c *TuningConfig) {
			c.MinSearchRadius = ptrFloat64(100)
			c.MaxSearchRadius = ptrFloat64(50)
		}, true},
		{"too few align points", func(c *TuningConfig) {
			c.AlignPoints = &[][2]float64{{40, -135}, {60, -135}, {60, -45}}
		}, true},
		{"alt limits inverted", func(c *TuningConfig) {
			c.MountAltLimitMin = ptrFloat64(50)
			c.MountAltLimitMax = ptrFloat64(40)
		}, true},
		{"negative dump frequency", func(c *TuningConfig) { c.ImageDumpEvery = ptrInt(-1) }, true},
		{"negative penalty", func(c *TuningConfig) { c.FailureSDPenalty = ptrFloat64(-5) }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := EmptyTuningConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidate_ViaLoad(t *testing.T) {
	path := writeConfigFile(t, `{"fails_to_drop": 0}`)
	if _, err := LoadTuningConfig(path); err == nil {
		t.Error("expected validation error for fails_to_drop = 0")
	}
}

func TestPtrHelpers(t *testing.T) {
	if *ptrFloat64(1.5) != 1.5 || *ptrInt(7) != 7 || !*ptrBool(true) || *ptrString("x") != "x" {
		t.Error("pointer helpers should round-trip values")
	}
}
