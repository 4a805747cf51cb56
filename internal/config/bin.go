package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/banshee-data/sortbin/internal/actuator"
	"github.com/banshee-data/sortbin/internal/detect"
	"github.com/banshee-data/sortbin/internal/orchestrator"
	"github.com/banshee-data/sortbin/internal/roi"
	"github.com/banshee-data/sortbin/internal/session"
	"github.com/banshee-data/sortbin/internal/tracking"
)

// DefaultConfigPath is the path to the canonical bin defaults file.
const DefaultConfigPath = "config/sortbin.defaults.json"

const maxFileSize = 1 * 1024 * 1024 // 1MB

// BinConfig is the on-disk configuration of one bin. Every field is
// optional; the Get* accessors and the per-component builders fall back to
// the production defaults of each package.
type BinConfig struct {
	// Tracker
	LockConfidence   *float64 `json:"lock_confidence,omitempty"`
	VoteConfidence   *float64 `json:"vote_confidence,omitempty"`
	MinVotePercent   *int     `json:"min_vote_percent,omitempty"`
	LockDuration     *string  `json:"lock_duration,omitempty"` // duration string like "2s"
	ConfirmDuration  *string  `json:"confirm_duration,omitempty"`
	CooldownDuration *string  `json:"cooldown_duration,omitempty"`
	LockGrace        *string  `json:"lock_grace,omitempty"`
	ConfirmGrace     *string  `json:"confirm_grace,omitempty"`
	Smoothing        *float64 `json:"smoothing,omitempty"`
	ZoomPadding      *float64 `json:"zoom_padding,omitempty"`

	// Camera region of interest
	BaseZoom *float64 `json:"base_zoom,omitempty"`

	// Detector and plate pre-filter
	ModelPath          *string  `json:"model_path,omitempty"`
	DetectorConfidence *float64 `json:"detector_confidence,omitempty"`
	DetectorNMS        *float64 `json:"detector_nms,omitempty"`
	DetectorInputSize  *int     `json:"detector_input_size,omitempty"`
	PlateMaxConfidence *float64 `json:"plate_max_confidence,omitempty"`
	PlateMinAreaRatio  *float64 `json:"plate_min_area_ratio,omitempty"`

	// Actuator link
	DeviceName       *string                 `json:"device_name,omitempty"`
	PairedDevices    []actuator.PairedDevice `json:"paired_devices,omitempty"`
	BaudRate         *int                    `json:"baud_rate,omitempty"`
	HandshakeTimeout *string                 `json:"handshake_timeout,omitempty"`
	StepTimeout      *string                 `json:"step_timeout,omitempty"`
	HoldDuration     *string                 `json:"hold_duration,omitempty"`
	SettleDuration   *string                 `json:"settle_duration,omitempty"`

	// Sessions
	BinLabel           *string `json:"bin_label,omitempty"`
	MaxSessionDuration *string `json:"max_session_duration,omitempty"`
	InactivityTimeout  *string `json:"inactivity_timeout,omitempty"`
	ExpiryPollInterval *string `json:"expiry_poll_interval,omitempty"`

	// Pipeline
	MinFrameInterval  *string `json:"min_frame_interval,omitempty"`
	HeartbeatInterval *string `json:"heartbeat_interval,omitempty"`
}

// Helper functions to create pointers
func ptrFloat64(v float64) *float64 { return &v }
func ptrString(v string) *string    { return &v }
func ptrInt(v int) *int             { return &v }

// EmptyBinConfig returns a BinConfig with all fields set to nil.
func EmptyBinConfig() *BinConfig {
	return &BinConfig{}
}

// LoadConfig loads a BinConfig from a JSON file. The file must have a .json
// extension and be under 1MB. Fields omitted from the file keep their
// defaults, so partial configs are safe.
func LoadConfig(path string) (*BinConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := EmptyBinConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// MustLoadDefaultConfig loads DefaultConfigPath, searching the current
// directory and its parents. Panics if the file cannot be loaded; intended
// for test setup.
func MustLoadDefaultConfig() *BinConfig {
	candidates := []string{
		DefaultConfigPath,
		"../" + DefaultConfigPath,
		"../../" + DefaultConfigPath, // from internal/config/
		"../../../" + DefaultConfigPath,
	}
	for _, path := range candidates {
		if cfg, err := LoadConfig(path); err == nil {
			return cfg
		}
	}
	panic("cannot find " + DefaultConfigPath + " - run tests from repository root")
}

// Validate checks that the configuration values are valid.
func (c *BinConfig) Validate() error {
	fractions := []struct {
		name string
		v    *float64
	}{
		{"lock_confidence", c.LockConfidence},
		{"vote_confidence", c.VoteConfidence},
		{"smoothing", c.Smoothing},
		{"zoom_padding", c.ZoomPadding},
		{"detector_confidence", c.DetectorConfidence},
		{"detector_nms", c.DetectorNMS},
		{"plate_max_confidence", c.PlateMaxConfidence},
		{"plate_min_area_ratio", c.PlateMinAreaRatio},
	}
	for _, f := range fractions {
		if f.v != nil && (*f.v < 0 || *f.v > 1) {
			return fmt.Errorf("%s must be between 0 and 1, got %f", f.name, *f.v)
		}
	}

	if c.MinVotePercent != nil && (*c.MinVotePercent < 0 || *c.MinVotePercent > 100) {
		return fmt.Errorf("min_vote_percent must be between 0 and 100, got %d", *c.MinVotePercent)
	}
	if c.BaseZoom != nil && (*c.BaseZoom < 1 || *c.BaseZoom > roi.MaxZoom) {
		return fmt.Errorf("base_zoom must be between 1 and %.0f, got %f", roi.MaxZoom, *c.BaseZoom)
	}
	if c.DetectorInputSize != nil && (*c.DetectorInputSize <= 0 || *c.DetectorInputSize%32 != 0) {
		return fmt.Errorf("detector_input_size must be a positive multiple of 32, got %d", *c.DetectorInputSize)
	}
	if c.BaudRate != nil && *c.BaudRate < 0 {
		return fmt.Errorf("baud_rate must be non-negative, got %d", *c.BaudRate)
	}
	for i, d := range c.PairedDevices {
		if d.Name == "" || d.Path == "" {
			return fmt.Errorf("paired_devices[%d] needs both name and path", i)
		}
	}

	durations := []struct {
		name string
		v    *string
	}{
		{"lock_duration", c.LockDuration},
		{"confirm_duration", c.ConfirmDuration},
		{"cooldown_duration", c.CooldownDuration},
		{"lock_grace", c.LockGrace},
		{"confirm_grace", c.ConfirmGrace},
		{"handshake_timeout", c.HandshakeTimeout},
		{"step_timeout", c.StepTimeout},
		{"hold_duration", c.HoldDuration},
		{"settle_duration", c.SettleDuration},
		{"max_session_duration", c.MaxSessionDuration},
		{"inactivity_timeout", c.InactivityTimeout},
		{"expiry_poll_interval", c.ExpiryPollInterval},
		{"min_frame_interval", c.MinFrameInterval},
		{"heartbeat_interval", c.HeartbeatInterval},
	}
	for _, d := range durations {
		if d.v == nil || *d.v == "" {
			continue
		}
		v, err := time.ParseDuration(*d.v)
		if err != nil {
			return fmt.Errorf("invalid %s '%s': %w", d.name, *d.v, err)
		}
		if v < 0 {
			return fmt.Errorf("%s must not be negative, got %s", d.name, *d.v)
		}
	}
	return nil
}

// duration parses s, falling back to def when s is unset or invalid.
func duration(s *string, def time.Duration) time.Duration {
	if s == nil || *s == "" {
		return def
	}
	d, err := time.ParseDuration(*s)
	if err != nil {
		return def
	}
	return d
}

func float64Or(v *float64, def float64) float64 {
	if v == nil {
		return def
	}
	return *v
}

func intOr(v *int, def int) int {
	if v == nil {
		return def
	}
	return *v
}

func stringOr(v *string, def string) string {
	if v == nil || *v == "" {
		return def
	}
	return *v
}

// GetBaseZoom returns the camera's base digital zoom factor.
func (c *BinConfig) GetBaseZoom() float64 {
	return float64Or(c.BaseZoom, 1)
}

// GetBinLabel returns the label stored on sessions started at this bin.
func (c *BinConfig) GetBinLabel() string {
	return stringOr(c.BinLabel, session.DefaultConfig().BinLabel)
}

// GetModelPath returns the detector's ONNX model path.
func (c *BinConfig) GetModelPath() string {
	return stringOr(c.ModelPath, detect.DefaultYOLOConfig().ModelPath)
}

// Tracking returns the stability tracker configuration.
func (c *BinConfig) Tracking() tracking.Config {
	def := tracking.DefaultConfig()
	return tracking.Config{
		LockConfidence:   float64Or(c.LockConfidence, def.LockConfidence),
		VoteConfidence:   float64Or(c.VoteConfidence, def.VoteConfidence),
		MinVotePercent:   intOr(c.MinVotePercent, def.MinVotePercent),
		LockDuration:     duration(c.LockDuration, def.LockDuration),
		ConfirmDuration:  duration(c.ConfirmDuration, def.ConfirmDuration),
		CooldownDuration: duration(c.CooldownDuration, def.CooldownDuration),
		LockGrace:        duration(c.LockGrace, def.LockGrace),
		ConfirmGrace:     duration(c.ConfirmGrace, def.ConfirmGrace),
		Smoothing:        float64Or(c.Smoothing, def.Smoothing),
		ZoomPadding:      float64Or(c.ZoomPadding, def.ZoomPadding),
	}
}

// Actuator returns the actuator link configuration.
func (c *BinConfig) Actuator() actuator.Config {
	def := actuator.DefaultConfig()
	return actuator.Config{
		DeviceName:       stringOr(c.DeviceName, def.DeviceName),
		Paired:           append([]actuator.PairedDevice(nil), c.PairedDevices...),
		Options:          actuator.PortOptions{BaudRate: intOr(c.BaudRate, 0)},
		HandshakeTimeout: duration(c.HandshakeTimeout, def.HandshakeTimeout),
		StepTimeout:      duration(c.StepTimeout, def.StepTimeout),
		HoldDuration:     duration(c.HoldDuration, def.HoldDuration),
		SettleDuration:   duration(c.SettleDuration, def.SettleDuration),
	}
}

// Session returns the session coordinator configuration.
func (c *BinConfig) Session() session.Config {
	def := session.DefaultConfig()
	return session.Config{
		BinLabel:          c.GetBinLabel(),
		MaxDuration:       duration(c.MaxSessionDuration, def.MaxDuration),
		InactivityTimeout: duration(c.InactivityTimeout, def.InactivityTimeout),
		PollInterval:      duration(c.ExpiryPollInterval, def.PollInterval),
	}
}

// PlateFilter returns the tray pre-filter thresholds.
func (c *BinConfig) PlateFilter() detect.PlateFilter {
	def := detect.DefaultPlateFilter()
	return detect.PlateFilter{
		MaxConfidence: float64Or(c.PlateMaxConfidence, def.MaxConfidence),
		MinAreaRatio:  float64Or(c.PlateMinAreaRatio, def.MinAreaRatio),
	}
}

// YOLO returns the detector configuration. modelPath, when non-empty,
// overrides the configured model.
func (c *BinConfig) YOLO(modelPath string) detect.YOLOConfig {
	cfg := detect.DefaultYOLOConfig()
	cfg.ModelPath = stringOr(&modelPath, c.GetModelPath())
	if c.DetectorConfidence != nil {
		cfg.ConfidenceThresh = float32(*c.DetectorConfidence)
	}
	if c.DetectorNMS != nil {
		cfg.NMSThresh = float32(*c.DetectorNMS)
	}
	if c.DetectorInputSize != nil {
		cfg.InputWidth, cfg.InputHeight = *c.DetectorInputSize, *c.DetectorInputSize
	}
	return cfg
}

// Orchestrator returns the pipeline timings.
func (c *BinConfig) Orchestrator() orchestrator.Config {
	def := orchestrator.DefaultConfig()
	return orchestrator.Config{
		MinFrameInterval:  duration(c.MinFrameInterval, def.MinFrameInterval),
		HeartbeatInterval: duration(c.HeartbeatInterval, def.HeartbeatInterval),
	}
}
