package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/tidewater-robotics/plan-engine/internal/domain"
)

// validJSON returns a minimal valid configuration JSON string.
func validJSON() string {
	return `{
		"db_path": "/tmp/plans.db",
		"vehicle": {
			"command": "sim-vehicle",
			"args": ["--fast"]
		}
	}`
}

func writeConfig(t *testing.T, dir, name, content string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte(content), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return p
}

func TestLoad_Valid(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, "planengine.json", validJSON())

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.DBPath != "/tmp/plans.db" {
		t.Errorf("DBPath = %q, want /tmp/plans.db", cfg.DBPath)
	}
	if cfg.Vehicle.Command != "sim-vehicle" || len(cfg.Vehicle.Args) != 1 {
		t.Errorf("Vehicle = %+v", cfg.Vehicle)
	}
}

func TestLoad_YAML(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, "planengine.yaml", `
db_path: /var/lib/planengine/plans.db
listen_addr: 127.0.0.1:9900
log_level: debug
engine:
  compute_progress: true
  perform_calibration: false
  reply_timeout_sec: 4
  supported_maneuvers: [Goto, Loiter]
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ListenAddr != "127.0.0.1:9900" || cfg.LogLevel != "debug" {
		t.Errorf("cfg = %+v", cfg)
	}

	ec := cfg.EngineConfig()
	if !ec.ComputeProgress {
		t.Error("ComputeProgress = false, want true")
	}
	if ec.PerformCalibration {
		t.Error("PerformCalibration = true, want false")
	}
	if !ec.FuelPrediction {
		t.Error("FuelPrediction = false, want default true")
	}
	if ec.ReplyTimeout != 4*time.Second {
		t.Errorf("ReplyTimeout = %v, want 4s", ec.ReplyTimeout)
	}
	if len(ec.SupportedManeuvers) != 2 {
		t.Errorf("SupportedManeuvers = %v", ec.SupportedManeuvers)
	}
}

func TestLoad_TOML(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, "planengine.toml", `
db_path = "/tmp/plans.db"
plans_dir = "/srv/plans"
log_format = "json"

[vehicle]
command = "sim-vehicle"

[engine]
abort_on_activation_failure = true
station_keeping_calibration = true
station_keeping_radius = 35.0
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.PlansDir != "/srv/plans" || cfg.LogFormat != "json" {
		t.Errorf("cfg = %+v", cfg)
	}
	ec := cfg.EngineConfig()
	if !ec.AbortOnActivationFailure || !ec.StationKeepingCalibration {
		t.Errorf("engine flags = %+v", ec)
	}
	if ec.StationKeepingRadius != 35 {
		t.Errorf("StationKeepingRadius = %v, want 35", ec.StationKeepingRadius)
	}
	if ec.StationKeepingRPM != 1600 {
		t.Errorf("StationKeepingRPM = %v, want default 1600", ec.StationKeepingRPM)
	}
}

func TestLoad_FileNotFound(t *testing.T) {
	_, err := Load("/nonexistent/path/planengine.json")
	if err == nil {
		t.Fatal("expected error for missing file, got nil")
	}
}

func TestLoad_InvalidJSON(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, "planengine.json", `{not valid json}`)

	_, err := Load(path)
	if err == nil {
		t.Fatal("expected error for invalid JSON, got nil")
	}
}

func TestLoad_UnsupportedExtension(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, "planengine.ini", `db_path=/tmp/x`)

	_, err := Load(path)
	if !errors.Is(err, domain.ErrConfigInvalid) {
		t.Errorf("err = %v, want ErrConfigInvalid", err)
	}
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"missing_db_path", `{"vehicle": {"command": "x"}}`},
		{"bad_log_level", `{"db_path": "/tmp/x.db", "log_level": "loud"}`},
		{"bad_log_format", `{"db_path": "/tmp/x.db", "log_format": "xml"}`},
		{"negative_timeout", `{"db_path": "/tmp/x.db", "engine": {"reply_timeout_sec": -1}}`},
		{"negative_poll", `{"db_path": "/tmp/x.db", "plans_poll_sec": -3}`},
		{"plan_reply_before_calibration", `{"db_path": "/tmp/x.db", "plan_reply_timeout_sec": 10}`},
		{"plan_reply_before_long_calibration", `{"db_path": "/tmp/x.db", "plan_reply_timeout_sec": 20, "engine": {"calibration_time_sec": 30}}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeConfig(t, t.TempDir(), "planengine.json", tt.content)
			_, err := Load(path)
			if err == nil {
				t.Fatal("expected error, got nil")
			}
			engineErr, ok := err.(*domain.EngineError)
			if !ok {
				t.Fatalf("expected EngineError, got %T", err)
			}
			if engineErr.Code != domain.ErrConfigInvalid.Code {
				t.Errorf("Code = %d, want %d", engineErr.Code, domain.ErrConfigInvalid.Code)
			}
		})
	}
}

func TestLoad_DefaultsApplied(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, "planengine.json", validJSON())

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.ListenAddr != ":9810" {
		t.Errorf("ListenAddr = %q, want :9810", cfg.ListenAddr)
	}
	if cfg.PlansPoll() != 5*time.Second {
		t.Errorf("PlansPoll = %v, want 5s", cfg.PlansPoll())
	}
	if cfg.PlanReplyTimeout() != 17500*time.Millisecond {
		t.Errorf("PlanReplyTimeout = %v, want 17.5s", cfg.PlanReplyTimeout())
	}
	if cfg.LogLevel != "info" || cfg.LogFormat != "text" {
		t.Errorf("log = %s/%s, want info/text", cfg.LogLevel, cfg.LogFormat)
	}

	ec := cfg.EngineConfig()
	if ec.ReplyTimeout != 2500*time.Millisecond || ec.VehicleStateTimeout != 2500*time.Millisecond {
		t.Errorf("timeouts = %v/%v, want 2.5s", ec.ReplyTimeout, ec.VehicleStateTimeout)
	}
	if ec.CalibrationTime != 10*time.Second {
		t.Errorf("CalibrationTime = %v, want 10s", ec.CalibrationTime)
	}
	if !ec.FuelPrediction || !ec.PerformCalibration || ec.ComputeProgress {
		t.Errorf("flags = %+v", ec)
	}
	if ec.IMULabel != "IMU" {
		t.Errorf("IMULabel = %q, want IMU", ec.IMULabel)
	}
	if len(ec.SupportedManeuvers) == 0 {
		t.Error("SupportedManeuvers empty, want defaults")
	}
}

// A calibrating START is answered only after the calibration ends and the
// first maneuver is issued, so the HTTP wait must outlast both.
func TestPlanReplyTimeout_OutlastsCalibration(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    time.Duration
	}{
		{"default", `{"db_path": "/tmp/x.db"}`, 17500 * time.Millisecond},
		{"long_calibration", `{"db_path": "/tmp/x.db", "engine": {"calibration_time_sec": 60, "reply_timeout_sec": 4}}`, 69 * time.Second},
		{"calibration_disabled", `{"db_path": "/tmp/x.db", "plan_reply_timeout_sec": 5, "engine": {"perform_calibration": false}}`, 5 * time.Second},
		{"explicit", `{"db_path": "/tmp/x.db", "plan_reply_timeout_sec": 30}`, 30 * time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load(writeConfig(t, t.TempDir(), "planengine.json", tt.content))
			if err != nil {
				t.Fatalf("Load: %v", err)
			}
			if got := cfg.PlanReplyTimeout(); got != tt.want {
				t.Errorf("PlanReplyTimeout = %v, want %v", got, tt.want)
			}
			ec := cfg.EngineConfig()
			if ec.PerformCalibration && cfg.PlanReplyTimeout() <= ec.CalibrationTime+ec.ReplyTimeout {
				t.Errorf("PlanReplyTimeout %v does not outlast calibration %v plus reply timeout %v",
					cfg.PlanReplyTimeout(), ec.CalibrationTime, ec.ReplyTimeout)
			}
		})
	}
}

func TestResolve(t *testing.T) {
	t.Setenv(EnvVar, "/etc/planengine/env.yaml")

	if got := Resolve("/explicit.toml"); got != "/explicit.toml" {
		t.Errorf("Resolve(explicit) = %q", got)
	}
	if got := Resolve(""); got != "/etc/planengine/env.yaml" {
		t.Errorf("Resolve from env = %q", got)
	}
}

func TestResolve_Discover(t *testing.T) {
	t.Setenv(EnvVar, "")
	dir := t.TempDir()
	writeConfig(t, dir, "planengine.toml", `db_path = "/tmp/x.db"`)

	wd, err := os.Getwd()
	if err != nil {
		t.Fatalf("Getwd: %v", err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatalf("Chdir: %v", err)
	}
	t.Cleanup(func() { os.Chdir(wd) })

	if got := Resolve(""); got != "planengine.toml" {
		t.Errorf("Resolve discovered %q, want planengine.toml", got)
	}
}
