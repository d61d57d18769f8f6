// Package config loads go-fatigue settings from YAML, the environment and
// flags, and converts them into engine types.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/teslashibe/go-fatigue/pkg/alert"
	"github.com/teslashibe/go-fatigue/pkg/ear"
	"github.com/teslashibe/go-fatigue/pkg/fatigue"
	"github.com/teslashibe/go-fatigue/pkg/landmark"
)

// Detection holds the detection settings exposed to hosts.
type Detection struct {
	EyeClosedThreshold float64 `yaml:"eye_closed_threshold" json:"eyeClosedThreshold" validate:"gte=0.05,lte=0.5"`
	ClosedTimeLimit    int     `yaml:"closed_time_limit" json:"closedTimeLimit" validate:"gte=1,lte=60"`
	AlertMode          string  `yaml:"alert_mode" json:"alertMode" validate:"oneof=trigger data monitor"`
	CameraIndex        int     `yaml:"camera_index" json:"cameraIndex" validate:"gte=0"`
	MonitorDuration    int     `yaml:"monitor_duration" json:"monitorDuration" validate:"gte=0,lte=300"`
	ReturnAllMetrics   bool    `yaml:"return_all_metrics" json:"returnAllMetrics"`

	// Metric is "euclidean" (default) or "axis".
	Metric string `yaml:"metric" json:"metric,omitempty" validate:"omitempty,oneof=euclidean axis"`
}

// Source selects and tunes the landmark backend.
type Source struct {
	Backend       string  `yaml:"backend" json:"backend" validate:"oneof=camera stream replay simulated"`
	Fallback      bool    `yaml:"fallback" json:"fallback"`
	RecordingPath string  `yaml:"recording_path" json:"recordingPath" validate:"required_if=Backend replay"`
	FrameRate     float64 `yaml:"frame_rate" json:"frameRate" validate:"gte=0"`
	Seed          int64   `yaml:"seed" json:"seed"`

	// MeshURL is the face-mesh sidecar used by the camera backend.
	MeshURL string `yaml:"mesh_url" json:"meshUrl" validate:"omitempty,url"`

	// YuNetModel enables the face gate in front of the mesh model.
	YuNetModel string `yaml:"yunet_model" json:"yunetModel"`
}

// Server holds settings for the HTTP host.
type Server struct {
	Port           int    `yaml:"port" json:"port" validate:"gte=1,lte=65535"`
	LogLevel       string `yaml:"log_level" json:"logLevel" validate:"oneof=debug info warn error"`
	Concurrency    int    `yaml:"concurrency" json:"concurrency" validate:"gte=1,lte=64"`
	ContinueOnFail bool   `yaml:"continue_on_fail" json:"continueOnFail"`
}

// Config is the complete configuration.
type Config struct {
	Detection Detection `yaml:"detection" json:"detection"`
	Source    Source    `yaml:"source" json:"source"`
	Server    Server    `yaml:"server" json:"server"`
}

// Default returns the documented defaults.
func Default() Config {
	return Config{
		Detection: DefaultDetection(),
		Source: Source{
			Backend:   string(landmark.BackendCamera),
			FrameRate: 30,
		},
		Server: Server{
			Port:        8090,
			LogLevel:    "info",
			Concurrency: 1,
		},
	}
}

// DefaultDetection returns threshold 0.18, 3 seconds, trigger mode and a
// 30 second window on camera 0.
func DefaultDetection() Detection {
	return Detection{
		EyeClosedThreshold: 0.18,
		ClosedTimeLimit:    3,
		AlertMode:          string(alert.ModeTrigger),
		CameraIndex:        0,
		MonitorDuration:    30,
		Metric:             "euclidean",
	}
}

// Load reads path (optional) and applies FATIGUE_* environment overrides.
// The result is validated.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := Parse(data, &cfg); err != nil {
			return Config{}, err
		}
	}

	if err := cfg.ApplyEnv(); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Parse decodes YAML over cfg. Unknown keys are rejected.
func Parse(data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("parse config: %w", err)
	}
	return nil
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	// Report fields by their YAML names.
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("yaml"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Validate checks every field. The first violation is returned as a
// *fatigue.ConfigError.
func (c Config) Validate() error {
	return toConfigError(validate.Struct(c))
}

// Validate checks the detection settings alone.
func (d Detection) Validate() error {
	return toConfigError(validate.Struct(d))
}

func toConfigError(err error) error {
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return err
	}
	fe := verrs[0]
	reason := fe.Tag()
	if fe.Param() != "" {
		reason += "=" + fe.Param()
	}
	return &fatigue.ConfigError{
		Field:  fe.Field(),
		Value:  fe.Value(),
		Reason: "failed " + reason,
	}
}

// Thresholds converts to engine thresholds.
func (d Detection) Thresholds() fatigue.Thresholds {
	return fatigue.Thresholds{
		EyeClosed:       d.EyeClosedThreshold,
		ClosedTimeLimit: time.Duration(d.ClosedTimeLimit) * time.Second,
	}
}

// Session converts to a session configuration.
func (d Detection) Session() fatigue.SessionConfig {
	metric := ear.Euclidean
	if d.Metric == "axis" {
		metric = ear.AxisAligned
	}
	return fatigue.SessionConfig{
		Thresholds:  d.Thresholds(),
		MaxDuration: time.Duration(d.MonitorDuration) * time.Second,
		Metric:      metric,
	}
}

// Policy converts to an alert policy.
func (d Detection) Policy() alert.Policy {
	return alert.Policy{
		Mode:             alert.Mode(d.AlertMode),
		ReturnAllMetrics: d.ReturnAllMetrics,
	}
}

// Landmark converts to a landmark source configuration.
func (c Config) Landmark() landmark.Config {
	lc := landmark.DefaultConfig()
	lc.Backend = landmark.Backend(c.Source.Backend)
	lc.CameraIndex = c.Detection.CameraIndex
	lc.RecordingPath = c.Source.RecordingPath
	lc.FrameRate = c.Source.FrameRate
	lc.Seed = c.Source.Seed
	return lc
}
