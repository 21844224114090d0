package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"github.com/tidewater-robotics/plan-engine/internal/domain"
	"github.com/tidewater-robotics/plan-engine/internal/engine"
)

// EnvVar names the environment variable holding the config path.
const EnvVar = "PLANENGINE_CONFIG"

// VehicleConfig defines how to launch the vehicle controller process.
type VehicleConfig struct {
	Command string            `json:"command" yaml:"command" toml:"command"`
	Args    []string          `json:"args" yaml:"args" toml:"args"`
	Env     map[string]string `json:"env" yaml:"env" toml:"env"`
}

// EngineConfig tunes the plan control state machine. Durations are in
// seconds. Pointer fields default to true when absent.
type EngineConfig struct {
	ComputeProgress           bool     `json:"compute_progress" yaml:"compute_progress" toml:"compute_progress"`
	FuelPrediction            *bool    `json:"fuel_prediction" yaml:"fuel_prediction" toml:"fuel_prediction"`
	ReportPeriodSec           float64  `json:"report_period_sec" yaml:"report_period_sec" toml:"report_period_sec"`
	CalibrationTimeSec        float64  `json:"calibration_time_sec" yaml:"calibration_time_sec" toml:"calibration_time_sec"`
	PerformCalibration        *bool    `json:"perform_calibration" yaml:"perform_calibration" toml:"perform_calibration"`
	AbortOnActivationFailure  bool     `json:"abort_on_activation_failure" yaml:"abort_on_activation_failure" toml:"abort_on_activation_failure"`
	StationKeepingCalibration bool     `json:"station_keeping_calibration" yaml:"station_keeping_calibration" toml:"station_keeping_calibration"`
	StationKeepingRadius      float64  `json:"station_keeping_radius" yaml:"station_keeping_radius" toml:"station_keeping_radius"`
	StationKeepingRPM         float64  `json:"station_keeping_rpm" yaml:"station_keeping_rpm" toml:"station_keeping_rpm"`
	IMULabel                  string   `json:"imu_label" yaml:"imu_label" toml:"imu_label"`
	ReplyTimeoutSec           float64  `json:"reply_timeout_sec" yaml:"reply_timeout_sec" toml:"reply_timeout_sec"`
	VehicleStateTimeoutSec    float64  `json:"vehicle_state_timeout_sec" yaml:"vehicle_state_timeout_sec" toml:"vehicle_state_timeout_sec"`
	SupportedManeuvers        []string `json:"supported_maneuvers" yaml:"supported_maneuvers" toml:"supported_maneuvers"`
}

// Config holds the runtime configuration of the plan engine.
type Config struct {
	DBPath              string        `json:"db_path" yaml:"db_path" toml:"db_path"`
	ListenAddr          string        `json:"listen_addr" yaml:"listen_addr" toml:"listen_addr"`
	PlansDir            string        `json:"plans_dir" yaml:"plans_dir" toml:"plans_dir"`
	PlansPollSec        int           `json:"plans_poll_sec" yaml:"plans_poll_sec" toml:"plans_poll_sec"`
	PlanReplyTimeoutSec float64       `json:"plan_reply_timeout_sec" yaml:"plan_reply_timeout_sec" toml:"plan_reply_timeout_sec"`
	LogLevel            string        `json:"log_level" yaml:"log_level" toml:"log_level"`
	LogFormat           string        `json:"log_format" yaml:"log_format" toml:"log_format"`
	Vehicle             VehicleConfig `json:"vehicle" yaml:"vehicle" toml:"vehicle"`
	Engine              EngineConfig  `json:"engine" yaml:"engine" toml:"engine"`
}

// Load reads a JSON, YAML or TOML config file (by extension), applies
// defaults, and validates.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var cfg Config
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".json":
		err = json.Unmarshal(data, &cfg)
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &cfg)
	case ".toml":
		err = toml.Unmarshal(data, &cfg)
	default:
		return nil, invalid([]string{fmt.Sprintf("unsupported config format %q", ext)})
	}
	if err != nil {
		return nil, fmt.Errorf("parse config %s: %w", filepath.Base(path), err)
	}

	cfg.applyDefaults()

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Resolve picks the config path: the explicit path, then $PLANENGINE_CONFIG,
// then a planengine.{yaml,yml,toml,json} next to the executable or in the
// working directory. It returns "" when nothing is found.
func Resolve(explicit string) string {
	if explicit != "" {
		return explicit
	}
	if p := os.Getenv(EnvVar); p != "" {
		return p
	}
	return discover()
}

var candidates = []string{"planengine.yaml", "planengine.yml", "planengine.toml", "planengine.json"}

func discover() string {
	var dirs []string
	if exe, err := os.Executable(); err == nil {
		dirs = append(dirs, filepath.Dir(exe))
	}
	dirs = append(dirs, ".")
	for _, dir := range dirs {
		for _, name := range candidates {
			candidate := filepath.Join(dir, name)
			if _, err := os.Stat(candidate); err == nil {
				return candidate
			}
		}
	}
	return ""
}

func (c *Config) applyDefaults() {
	if c.ListenAddr == "" {
		c.ListenAddr = ":9810"
	}
	if c.PlansPollSec == 0 {
		c.PlansPollSec = 5
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.LogFormat == "" {
		c.LogFormat = "text"
	}

	d := engine.DefaultConfig()
	e := &c.Engine
	if e.FuelPrediction == nil {
		e.FuelPrediction = boolPtr(d.FuelPrediction)
	}
	if e.PerformCalibration == nil {
		e.PerformCalibration = boolPtr(d.PerformCalibration)
	}
	if e.ReportPeriodSec == 0 {
		e.ReportPeriodSec = d.ReportPeriod.Seconds()
	}
	if e.CalibrationTimeSec == 0 {
		e.CalibrationTimeSec = d.CalibrationTime.Seconds()
	}
	if e.StationKeepingRadius == 0 {
		e.StationKeepingRadius = d.StationKeepingRadius
	}
	if e.StationKeepingRPM == 0 {
		e.StationKeepingRPM = d.StationKeepingRPM
	}
	if e.IMULabel == "" {
		e.IMULabel = d.IMULabel
	}
	if e.ReplyTimeoutSec == 0 {
		e.ReplyTimeoutSec = d.ReplyTimeout.Seconds()
	}
	if e.VehicleStateTimeoutSec == 0 {
		e.VehicleStateTimeoutSec = d.VehicleStateTimeout.Seconds()
	}
	if len(e.SupportedManeuvers) == 0 {
		e.SupportedManeuvers = d.SupportedManeuvers
	}

	if c.PlanReplyTimeoutSec == 0 {
		c.PlanReplyTimeoutSec = e.CalibrationTimeSec + e.ReplyTimeoutSec + planReplyMarginSec
	}
}

// planReplyMarginSec is added on top of the longest time the engine may
// take to answer a START, which covers the status event that ends the
// calibration and the first maneuver being issued.
const planReplyMarginSec = 5

// minPlanReplyTimeoutSec is the time a calibrating START needs before the
// engine can reply: the calibration itself plus one command round trip.
func (c *Config) minPlanReplyTimeoutSec() float64 {
	e := c.Engine
	if e.PerformCalibration != nil && !*e.PerformCalibration {
		return e.ReplyTimeoutSec
	}
	return e.CalibrationTimeSec + e.ReplyTimeoutSec
}

func (c *Config) validate() error {
	var problems []string

	if c.DBPath == "" {
		problems = append(problems, "db_path is required")
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		problems = append(problems, fmt.Sprintf("log_level %q is not one of debug, info, warn, error", c.LogLevel))
	}
	if c.LogFormat != "text" && c.LogFormat != "json" {
		problems = append(problems, fmt.Sprintf("log_format %q is not text or json", c.LogFormat))
	}
	if c.PlansPollSec < 0 {
		problems = append(problems, "plans_poll_sec must not be negative")
	}
	if c.PlanReplyTimeoutSec < 0 {
		problems = append(problems, "plan_reply_timeout_sec must not be negative")
	} else if floor := c.minPlanReplyTimeoutSec(); c.PlanReplyTimeoutSec <= floor {
		problems = append(problems, fmt.Sprintf("plan_reply_timeout_sec must exceed %gs (calibration time plus vehicle reply timeout)", floor))
	}

	e := c.Engine
	for name, v := range map[string]float64{
		"engine.report_period_sec":         e.ReportPeriodSec,
		"engine.calibration_time_sec":      e.CalibrationTimeSec,
		"engine.reply_timeout_sec":         e.ReplyTimeoutSec,
		"engine.vehicle_state_timeout_sec": e.VehicleStateTimeoutSec,
		"engine.station_keeping_radius":    e.StationKeepingRadius,
		"engine.station_keeping_rpm":       e.StationKeepingRPM,
	} {
		if v < 0 {
			problems = append(problems, name+" must not be negative")
		}
	}

	if len(problems) > 0 {
		return invalid(problems)
	}
	return nil
}

func invalid(problems []string) error {
	return &domain.EngineError{
		Code:    domain.ErrConfigInvalid.Code,
		Message: fmt.Sprintf("%s: %v", domain.ErrConfigInvalid.Message, problems),
	}
}

// EngineConfig converts the engine section to the engine's configuration.
func (c *Config) EngineConfig() engine.Config {
	e := c.Engine
	cfg := engine.DefaultConfig()
	cfg.ComputeProgress = e.ComputeProgress
	cfg.FuelPrediction = e.FuelPrediction == nil || *e.FuelPrediction
	cfg.ReportPeriod = seconds(e.ReportPeriodSec)
	cfg.CalibrationTime = seconds(e.CalibrationTimeSec)
	cfg.PerformCalibration = e.PerformCalibration == nil || *e.PerformCalibration
	cfg.AbortOnActivationFailure = e.AbortOnActivationFailure
	cfg.StationKeepingCalibration = e.StationKeepingCalibration
	cfg.StationKeepingRadius = e.StationKeepingRadius
	cfg.StationKeepingRPM = e.StationKeepingRPM
	cfg.IMULabel = e.IMULabel
	cfg.ReplyTimeout = seconds(e.ReplyTimeoutSec)
	cfg.VehicleStateTimeout = seconds(e.VehicleStateTimeoutSec)
	cfg.SupportedManeuvers = append([]string(nil), e.SupportedManeuvers...)
	return cfg
}

// PlanReplyTimeout is how long the HTTP API waits for a plan control reply.
func (c *Config) PlanReplyTimeout() time.Duration {
	return seconds(c.PlanReplyTimeoutSec)
}

// PlansPoll is the fallback rescan interval of the plans directory.
func (c *Config) PlansPoll() time.Duration {
	return time.Duration(c.PlansPollSec) * time.Second
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

func boolPtr(b bool) *bool { return &b }
