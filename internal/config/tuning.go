package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// DefaultConfigPath is the path to the canonical tuning defaults file.
// This is the single source of truth for all default tuning values.
const DefaultConfigPath = "config/tuning.defaults.json"

// TuningConfig represents the root configuration for tracking and control
// tuning parameters. The schema matches the /api/config endpoint so the same
// JSON can be used for both startup configuration and runtime inspection.
// All angles are arcseconds unless a field name says otherwise.
type TuningConfig struct {
	// Spot tracker params
	SpotMinArea        *int     `json:"spot_min_area,omitempty"`
	SpotMinSum         *float64 `json:"spot_min_sum,omitempty"`
	MaxAxisRatio       *float64 `json:"max_axis_ratio,omitempty"`
	ImageSigmaTh       *float64 `json:"image_sigma_th,omitempty"`
	BackgroundFiltSize *int     `json:"background_filt_size,omitempty"`
	PositionSigma      *float64 `json:"position_sigma,omitempty"`
	SmoothingParameter *float64 `json:"smoothing_parameter,omitempty"`
	MinSearchRadius    *float64 `json:"min_search_radius,omitempty"`
	MaxSearchRadius    *float64 `json:"max_search_radius,omitempty"`
	SuccsToStart       *int     `json:"succs_to_start,omitempty"`
	FailsToDrop        *int     `json:"fails_to_drop,omitempty"`
	FailureSDPenalty   *float64 `json:"failure_sd_penalty,omitempty"` // percent
	AutoAcquire        *bool    `json:"auto_acquire,omitempty"`

	// Control loop params
	LoopPeriod        *string  `json:"loop_period,omitempty"` // duration string like "200ms"
	OLGainP           *float64 `json:"ol_gain_p,omitempty"`
	OLGainKi          *float64 `json:"ol_gain_ki,omitempty"` // 1/s
	OLSpeedLimit      *float64 `json:"ol_speed_limit,omitempty"`
	CCLGainP          *float64 `json:"ccl_gain_p,omitempty"`
	CCLGainKi         *float64 `json:"ccl_gain_ki,omitempty"`
	CCLSpeedLimit     *float64 `json:"ccl_speed_limit,omitempty"`
	CCLTransitionSD   *float64 `json:"ccl_transition_sd,omitempty"`
	FCLGainP          *float64 `json:"fcl_gain_p,omitempty"`
	FCLGainKi         *float64 `json:"fcl_gain_ki,omitempty"`
	FCLSpeedLimit     *float64 `json:"fcl_speed_limit,omitempty"`
	FCLTransitionRMSE *float64 `json:"fcl_transition_rmse,omitempty"`
	CTFSPTransition   *float64 `json:"ctfsp_transition_rmse,omitempty"`
	IntegralMaxAdd    *float64 `json:"integral_max_add,omitempty"` // asec/s per cycle
	IntegralMaxSub    *float64 `json:"integral_max_sub,omitempty"`
	IntegralMinRate   *float64 `json:"integral_min_rate,omitempty"`
	ResetIntOnSat     *bool    `json:"reset_integral_if_saturated,omitempty"`
	FeedforwardOn     *bool    `json:"feedforward_enabled,omitempty"`
	FeedforwardFloor  *float64 `json:"feedforward_min_rate,omitempty"` // asec/s

	// Spiral acquisition params
	SpiralSpacing   *float64 `json:"spiral_spacing,omitempty"`
	SpiralSpeed     *float64 `json:"spiral_speed,omitempty"` // asec/s
	SpiralMaxRadius *float64 `json:"spiral_max_radius,omitempty"`
	SpiralDelay     *string  `json:"spiral_acquisition_delay,omitempty"` // duration string
	SpiralRamp      *string  `json:"spiral_ramp,omitempty"`              // duration string

	// Intercamera alignment params
	IntercamUpdateRMSE *float64 `json:"intercam_update_rmse,omitempty"`
	SpiralAutoDisable  *bool    `json:"spiral_auto_disable,omitempty"`

	// Mode enable flags (initial values; runtime toggles via API)
	CCLEnabled   *bool `json:"ccl_enabled,omitempty"`
	CTFSPEnabled *bool `json:"ctfsp_enabled,omitempty"`
	FCLEnabled   *bool `json:"fcl_enabled,omitempty"`

	// Auto-align params
	AlignPoints     *[][2]float64 `json:"align_points,omitempty"` // COM (alt, azi) degrees
	AlignMaxRetries *int          `json:"align_max_retries,omitempty"`
	AlignMinPoints  *int          `json:"align_min_points,omitempty"`
	AlignSettleTime *string       `json:"align_settle_time,omitempty"` // duration string

	// Mount params (degrees, degrees per second)
	MountAltLimitMin *float64 `json:"mount_alt_limit_min,omitempty"`
	MountAltLimitMax *float64 `json:"mount_alt_limit_max,omitempty"`
	MountMaxRate     *float64 `json:"mount_max_rate,omitempty"`

	// Debug image dump params
	ImageDumpEvery *int    `json:"image_dump_every,omitempty"` // 0 disables
	ImageDumpDir   *string `json:"image_dump_dir,omitempty"`
}

// Helper functions to create pointers
func ptrFloat64(v float64) *float64 { return &v }
func ptrBool(v bool) *bool          { return &v }
func ptrString(v string) *string    { return &v }
func ptrInt(v int) *int             { return &v }

// EmptyTuningConfig returns a TuningConfig with all fields set to nil.
// Use LoadTuningConfig to load actual values from a file.
func EmptyTuningConfig() *TuningConfig {
	return &TuningConfig{}
}

// LoadTuningConfig loads a TuningConfig from a JSON file.
// The file is validated to ensure it has a .json extension and is under the max file size.
// Fields omitted from the JSON file retain their default values, so
// partial configs are safe.
func LoadTuningConfig(path string) (*TuningConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	// Check file size for safety (max 1MB)
	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024 // 1MB
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// Parse JSON into empty config. The Get* methods provide fallback
	// defaults for any fields not specified in the JSON.
	cfg := EmptyTuningConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that the configuration values are valid.
func (c *TuningConfig) Validate() error {
	if c.SpotMinArea != nil && *c.SpotMinArea < 1 {
		return fmt.Errorf("spot_min_area must be at least 1, got %d", *c.SpotMinArea)
	}
	if c.MaxAxisRatio != nil && *c.MaxAxisRatio < 1 {
		return fmt.Errorf("max_axis_ratio must be at least 1, got %f", *c.MaxAxisRatio)
	}
	if c.SmoothingParameter != nil && *c.SmoothingParameter < 1 {
		return fmt.Errorf("smoothing_parameter must be at least 1, got %f", *c.SmoothingParameter)
	}
	if c.MinSearchRadius != nil && *c.MinSearchRadius <= 0 {
		return fmt.Errorf("min_search_radius must be positive, got %f", *c.MinSearchRadius)
	}
	if c.MaxSearchRadius != nil && c.MinSearchRadius != nil && *c.MaxSearchRadius < *c.MinSearchRadius {
		return fmt.Errorf("max_search_radius %f below min_search_radius %f", *c.MaxSearchRadius, *c.MinSearchRadius)
	}
	if c.SuccsToStart != nil && *c.SuccsToStart < 1 {
		return fmt.Errorf("succs_to_start must be at least 1, got %d", *c.SuccsToStart)
	}
	if c.FailsToDrop != nil && *c.FailsToDrop < 1 {
		return fmt.Errorf("fails_to_drop must be at least 1, got %d", *c.FailsToDrop)
	}
	if c.FailureSDPenalty != nil && *c.FailureSDPenalty < 0 {
		return fmt.Errorf("failure_sd_penalty must be non-negative, got %f", *c.FailureSDPenalty)
	}

	for _, d := range []struct {
		name string
		val  *string
	}{
		{"loop_period", c.LoopPeriod},
		{"spiral_acquisition_delay", c.SpiralDelay},
		{"spiral_ramp", c.SpiralRamp},
		{"align_settle_time", c.AlignSettleTime},
	} {
		if d.val != nil && *d.val != "" {
			if _, err := time.ParseDuration(*d.val); err != nil {
				return fmt.Errorf("invalid %s '%s': %w", d.name, *d.val, err)
			}
		}
	}

	for _, g := range []struct {
		name string
		val  *float64
	}{
		{"ol_gain_p", c.OLGainP},
		{"ol_gain_ki", c.OLGainKi},
		{"ccl_gain_p", c.CCLGainP},
		{"ccl_gain_ki", c.CCLGainKi},
		{"fcl_gain_p", c.FCLGainP},
		{"fcl_gain_ki", c.FCLGainKi},
	} {
		if g.val != nil && *g.val < 0 {
			return fmt.Errorf("%s must be non-negative, got %f", g.name, *g.val)
		}
	}

	for _, s := range []struct {
		name string
		val  *float64
	}{
		{"ol_speed_limit", c.OLSpeedLimit},
		{"ccl_speed_limit", c.CCLSpeedLimit},
		{"fcl_speed_limit", c.FCLSpeedLimit},
		{"spiral_spacing", c.SpiralSpacing},
		{"spiral_speed", c.SpiralSpeed},
		{"spiral_max_radius", c.SpiralMaxRadius},
	} {
		if s.val != nil && *s.val <= 0 {
			return fmt.Errorf("%s must be positive, got %f", s.name, *s.val)
		}
	}

	if c.AlignPoints != nil && len(*c.AlignPoints) < 4 {
		return fmt.Errorf("align_points needs at least 4 points, got %d", len(*c.AlignPoints))
	}
	if c.AlignMinPoints != nil && *c.AlignMinPoints < 4 {
		return fmt.Errorf("align_min_points must be at least 4, got %d", *c.AlignMinPoints)
	}
	if c.MountAltLimitMin != nil && c.MountAltLimitMax != nil && *c.MountAltLimitMin >= *c.MountAltLimitMax {
		return fmt.Errorf("mount_alt_limit_min %f not below mount_alt_limit_max %f", *c.MountAltLimitMin, *c.MountAltLimitMax)
	}
	if c.MountMaxRate != nil && *c.MountMaxRate <= 0 {
		return fmt.Errorf("mount_max_rate must be positive, got %f", *c.MountMaxRate)
	}
	if c.ImageDumpEvery != nil && *c.ImageDumpEvery < 0 {
		return fmt.Errorf("image_dump_every must be non-negative, got %d", *c.ImageDumpEvery)
	}

	return nil
}

// GetSpotMinArea returns the spot_min_area value or the default.
func (c *TuningConfig) GetSpotMinArea() int {
	if c.SpotMinArea == nil {
		return 3
	}
	return *c.SpotMinArea
}

// GetSpotMinSum returns the spot_min_sum value or the default.
func (c *TuningConfig) GetSpotMinSum() float64 {
	if c.SpotMinSum == nil {
		return 100.0
	}
	return *c.SpotMinSum
}

// GetMaxAxisRatio returns the max_axis_ratio value or the default.
func (c *TuningConfig) GetMaxAxisRatio() float64 {
	if c.MaxAxisRatio == nil {
		return 1.5
	}
	return *c.MaxAxisRatio
}

// GetImageSigmaTh returns the image_sigma_th value or the default.
func (c *TuningConfig) GetImageSigmaTh() float64 {
	if c.ImageSigmaTh == nil {
		return 3.0
	}
	return *c.ImageSigmaTh
}

// GetBackgroundFiltSize returns the background_filt_size value or the default.
func (c *TuningConfig) GetBackgroundFiltSize() int {
	if c.BackgroundFiltSize == nil {
		return 7
	}
	return *c.BackgroundFiltSize
}

// GetPositionSigma returns the position_sigma value or the default.
func (c *TuningConfig) GetPositionSigma() float64 {
	if c.PositionSigma == nil {
		return 5.0
	}
	return *c.PositionSigma
}

// GetSmoothingParameter returns the smoothing_parameter value or the default.
func (c *TuningConfig) GetSmoothingParameter() float64 {
	if c.SmoothingParameter == nil {
		return 10.0
	}
	return *c.SmoothingParameter
}

// GetMinSearchRadius returns the min_search_radius value (asec) or the default.
func (c *TuningConfig) GetMinSearchRadius() float64 {
	if c.MinSearchRadius == nil {
		return 10.0
	}
	return *c.MinSearchRadius
}

// GetMaxSearchRadius returns the max_search_radius value (asec) or the default.
func (c *TuningConfig) GetMaxSearchRadius() float64 {
	if c.MaxSearchRadius == nil {
		return 1000.0
	}
	return *c.MaxSearchRadius
}

// GetSuccsToStart returns the succs_to_start value or the default.
func (c *TuningConfig) GetSuccsToStart() int {
	if c.SuccsToStart == nil {
		return 3
	}
	return *c.SuccsToStart
}

// GetFailsToDrop returns the fails_to_drop value or the default.
func (c *TuningConfig) GetFailsToDrop() int {
	if c.FailsToDrop == nil {
		return 10
	}
	return *c.FailsToDrop
}

// GetFailureSDPenalty returns the failure_sd_penalty value (percent) or the default.
func (c *TuningConfig) GetFailureSDPenalty() float64 {
	if c.FailureSDPenalty == nil {
		return 25.0
	}
	return *c.FailureSDPenalty
}

// GetAutoAcquire returns the auto_acquire value or the default.
func (c *TuningConfig) GetAutoAcquire() bool {
	if c.AutoAcquire == nil {
		return false
	}
	return *c.AutoAcquire
}

// GetLoopPeriod parses and returns the LoopPeriod as a time.Duration.
func (c *TuningConfig) GetLoopPeriod() time.Duration {
	if c.LoopPeriod == nil || *c.LoopPeriod == "" {
		return 200 * time.Millisecond // default: 5 Hz
	}
	d, err := time.ParseDuration(*c.LoopPeriod)
	if err != nil {
		return 200 * time.Millisecond // default on parse error
	}
	return d
}

// GetOLGainP returns the ol_gain_p value or the default.
func (c *TuningConfig) GetOLGainP() float64 {
	if c.OLGainP == nil {
		return 1.0
	}
	return *c.OLGainP
}

// GetOLGainKi returns the ol_gain_ki value (1/s) or the default.
func (c *TuningConfig) GetOLGainKi() float64 {
	if c.OLGainKi == nil {
		return 0.1
	}
	return *c.OLGainKi
}

// GetOLSpeedLimit returns the ol_speed_limit value (asec/s) or the default.
func (c *TuningConfig) GetOLSpeedLimit() float64 {
	if c.OLSpeedLimit == nil {
		return 3600.0 // 1 deg/s
	}
	return *c.OLSpeedLimit
}

// GetCCLGainP returns the ccl_gain_p value or the default.
func (c *TuningConfig) GetCCLGainP() float64 {
	if c.CCLGainP == nil {
		return 0.5
	}
	return *c.CCLGainP
}

// GetCCLGainKi returns the ccl_gain_ki value (1/s) or the default.
func (c *TuningConfig) GetCCLGainKi() float64 {
	if c.CCLGainKi == nil {
		return 0.1
	}
	return *c.CCLGainKi
}

// GetCCLSpeedLimit returns the ccl_speed_limit value (asec/s) or the default.
func (c *TuningConfig) GetCCLSpeedLimit() float64 {
	if c.CCLSpeedLimit == nil {
		return 180.0 // 0.05 deg/s
	}
	return *c.CCLSpeedLimit
}

// GetCCLTransitionSD returns the ccl_transition_sd value (asec) or the default.
func (c *TuningConfig) GetCCLTransitionSD() float64 {
	if c.CCLTransitionSD == nil {
		return 100.0
	}
	return *c.CCLTransitionSD
}

// GetFCLGainP returns the fcl_gain_p value or the default.
func (c *TuningConfig) GetFCLGainP() float64 {
	if c.FCLGainP == nil {
		return 1.0
	}
	return *c.FCLGainP
}

// GetFCLGainKi returns the fcl_gain_ki value (1/s) or the default.
func (c *TuningConfig) GetFCLGainKi() float64 {
	if c.FCLGainKi == nil {
		return 0.1
	}
	return *c.FCLGainKi
}

// GetFCLSpeedLimit returns the fcl_speed_limit value (asec/s) or the default.
func (c *TuningConfig) GetFCLSpeedLimit() float64 {
	if c.FCLSpeedLimit == nil {
		return 180.0
	}
	return *c.FCLSpeedLimit
}

// GetFCLTransitionRMSE returns the fcl_transition_rmse value (asec) or the default.
func (c *TuningConfig) GetFCLTransitionRMSE() float64 {
	if c.FCLTransitionRMSE == nil {
		return 30.0
	}
	return *c.FCLTransitionRMSE
}

// GetCTFSPTransition returns the ctfsp_transition_rmse value (asec) or the default.
func (c *TuningConfig) GetCTFSPTransition() float64 {
	if c.CTFSPTransition == nil {
		return 20.0
	}
	return *c.CTFSPTransition
}

// GetIntegralMaxAdd returns the integral_max_add value (asec/s) or the default.
func (c *TuningConfig) GetIntegralMaxAdd() float64 {
	if c.IntegralMaxAdd == nil {
		return 36.0
	}
	return *c.IntegralMaxAdd
}

// GetIntegralMaxSub returns the integral_max_sub value (asec/s) or the default.
func (c *TuningConfig) GetIntegralMaxSub() float64 {
	if c.IntegralMaxSub == nil {
		return 360.0
	}
	return *c.IntegralMaxSub
}

// GetIntegralMinRate returns the integral_min_rate value (asec/s) or the default.
func (c *TuningConfig) GetIntegralMinRate() float64 {
	if c.IntegralMinRate == nil {
		return 0.0
	}
	return *c.IntegralMinRate
}

// GetResetIntOnSat returns the reset_integral_if_saturated value or the default.
func (c *TuningConfig) GetResetIntOnSat() bool {
	if c.ResetIntOnSat == nil {
		return false
	}
	return *c.ResetIntOnSat
}

// GetFeedforwardOn returns the feedforward_enabled value or the default.
func (c *TuningConfig) GetFeedforwardOn() bool {
	if c.FeedforwardOn == nil {
		return true
	}
	return *c.FeedforwardOn
}

// GetFeedforwardFloor returns the feedforward_min_rate value (asec/s) or the default.
func (c *TuningConfig) GetFeedforwardFloor() float64 {
	if c.FeedforwardFloor == nil {
		return 10.0
	}
	return *c.FeedforwardFloor
}

// GetSpiralSpacing returns the spiral_spacing value (asec) or the default.
func (c *TuningConfig) GetSpiralSpacing() float64 {
	if c.SpiralSpacing == nil {
		return 100.0
	}
	return *c.SpiralSpacing
}

// GetSpiralSpeed returns the spiral_speed value (asec/s) or the default.
func (c *TuningConfig) GetSpiralSpeed() float64 {
	if c.SpiralSpeed == nil {
		return 50.0
	}
	return *c.SpiralSpeed
}

// GetSpiralMaxRadius returns the spiral_max_radius value (asec) or the default.
func (c *TuningConfig) GetSpiralMaxRadius() float64 {
	if c.SpiralMaxRadius == nil {
		return 500.0
	}
	return *c.SpiralMaxRadius
}

// GetSpiralDelay parses and returns the spiral acquisition delay.
func (c *TuningConfig) GetSpiralDelay() time.Duration {
	if c.SpiralDelay == nil || *c.SpiralDelay == "" {
		return 3 * time.Second
	}
	d, err := time.ParseDuration(*c.SpiralDelay)
	if err != nil {
		return 3 * time.Second
	}
	return d
}

// GetSpiralRamp parses and returns the spiral speed ramp time constant.
func (c *TuningConfig) GetSpiralRamp() time.Duration {
	if c.SpiralRamp == nil || *c.SpiralRamp == "" {
		return 12 * time.Second
	}
	d, err := time.ParseDuration(*c.SpiralRamp)
	if err != nil {
		return 12 * time.Second
	}
	return d
}

// GetIntercamUpdateRMSE returns the intercam_update_rmse value (asec) or the default.
func (c *TuningConfig) GetIntercamUpdateRMSE() float64 {
	if c.IntercamUpdateRMSE == nil {
		return 10.0
	}
	return *c.IntercamUpdateRMSE
}

// GetSpiralAutoDisable returns the spiral_auto_disable value or the default.
func (c *TuningConfig) GetSpiralAutoDisable() bool {
	if c.SpiralAutoDisable == nil {
		return true
	}
	return *c.SpiralAutoDisable
}

// GetCCLEnabled returns the ccl_enabled value or the default.
func (c *TuningConfig) GetCCLEnabled() bool {
	if c.CCLEnabled == nil {
		return true
	}
	return *c.CCLEnabled
}

// GetCTFSPEnabled returns the ctfsp_enabled value or the default.
func (c *TuningConfig) GetCTFSPEnabled() bool {
	if c.CTFSPEnabled == nil {
		return true
	}
	return *c.CTFSPEnabled
}

// GetFCLEnabled returns the fcl_enabled value or the default.
func (c *TuningConfig) GetFCLEnabled() bool {
	if c.FCLEnabled == nil {
		return true
	}
	return *c.FCLEnabled
}

// GetAlignPoints returns the auto-align COM (alt, azi) grid in degrees.
// The default eight points span both sides of the meridian at two
// elevations so that opposing pairs constrain the mount axis.
func (c *TuningConfig) GetAlignPoints() [][2]float64 {
	if c.AlignPoints == nil {
		return [][2]float64{
			{40, -135}, {60, -135}, {60, -45}, {40, -45},
			{40, 45}, {60, 45}, {60, 135}, {40, 135},
		}
	}
	return *c.AlignPoints
}

// GetAlignMaxRetries returns the align_max_retries value or the default.
func (c *TuningConfig) GetAlignMaxRetries() int {
	if c.AlignMaxRetries == nil {
		return 3
	}
	return *c.AlignMaxRetries
}

// GetAlignMinPoints returns the align_min_points value or the default.
func (c *TuningConfig) GetAlignMinPoints() int {
	if c.AlignMinPoints == nil {
		return 6
	}
	return *c.AlignMinPoints
}

// GetAlignSettleTime parses and returns the post-slew settle time.
func (c *TuningConfig) GetAlignSettleTime() time.Duration {
	if c.AlignSettleTime == nil || *c.AlignSettleTime == "" {
		return 2 * time.Second
	}
	d, err := time.ParseDuration(*c.AlignSettleTime)
	if err != nil {
		return 2 * time.Second
	}
	return d
}

// GetMountAltLimitMin returns the mount_alt_limit_min value (deg) or the default.
func (c *TuningConfig) GetMountAltLimitMin() float64 {
	if c.MountAltLimitMin == nil {
		return -5.0
	}
	return *c.MountAltLimitMin
}

// GetMountAltLimitMax returns the mount_alt_limit_max value (deg) or the default.
func (c *TuningConfig) GetMountAltLimitMax() float64 {
	if c.MountAltLimitMax == nil {
		return 95.0
	}
	return *c.MountAltLimitMax
}

// GetMountMaxRate returns the mount_max_rate value (deg/s) or the default.
func (c *TuningConfig) GetMountMaxRate() float64 {
	if c.MountMaxRate == nil {
		return 4.0
	}
	return *c.MountMaxRate
}

// GetImageDumpEvery returns the image_dump_every value or the default.
func (c *TuningConfig) GetImageDumpEvery() int {
	if c.ImageDumpEvery == nil {
		return 0 // disabled
	}
	return *c.ImageDumpEvery
}

// GetImageDumpDir returns the image_dump_dir value or the default.
func (c *TuningConfig) GetImageDumpDir() string {
	if c.ImageDumpDir == nil || *c.ImageDumpDir == "" {
		return "frames"
	}
	return *c.ImageDumpDir
}
