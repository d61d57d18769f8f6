package config

import (
	"fmt"
	"os"
	"strconv"
)

// Environment variables read by ApplyEnv.
const (
	EnvThreshold        = "FATIGUE_EYE_CLOSED_THRESHOLD"
	EnvClosedTimeLimit  = "FATIGUE_CLOSED_TIME_LIMIT"
	EnvAlertMode        = "FATIGUE_ALERT_MODE"
	EnvCameraIndex      = "FATIGUE_CAMERA_INDEX"
	EnvMonitorDuration  = "FATIGUE_MONITOR_DURATION"
	EnvReturnAllMetrics = "FATIGUE_RETURN_ALL_METRICS"
	EnvBackend          = "FATIGUE_BACKEND"
	EnvFallback         = "FATIGUE_FALLBACK"
	EnvRecording        = "FATIGUE_RECORDING"
	EnvMeshURL          = "FATIGUE_MESH_URL"
	EnvYuNetModel       = "FATIGUE_YUNET_MODEL"
	EnvPort             = "PORT"
	EnvLogLevel         = "LOG_LEVEL"
)

// ApplyEnv overrides fields from the environment. Unset variables leave
// the current value alone; malformed ones are an error.
func (c *Config) ApplyEnv() error {
	var err error
	set := func(e error) {
		if err == nil {
			err = e
		}
	}

	set(envFloat(EnvThreshold, &c.Detection.EyeClosedThreshold))
	set(envInt(EnvClosedTimeLimit, &c.Detection.ClosedTimeLimit))
	envString(EnvAlertMode, &c.Detection.AlertMode)
	set(envInt(EnvCameraIndex, &c.Detection.CameraIndex))
	set(envInt(EnvMonitorDuration, &c.Detection.MonitorDuration))
	set(envBool(EnvReturnAllMetrics, &c.Detection.ReturnAllMetrics))

	envString(EnvBackend, &c.Source.Backend)
	set(envBool(EnvFallback, &c.Source.Fallback))
	envString(EnvRecording, &c.Source.RecordingPath)
	envString(EnvMeshURL, &c.Source.MeshURL)
	envString(EnvYuNetModel, &c.Source.YuNetModel)

	set(envInt(EnvPort, &c.Server.Port))
	envString(EnvLogLevel, &c.Server.LogLevel)

	return err
}

func envString(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envInt(key string, dst *int) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = n
	return nil
}

func envFloat(key string, dst *float64) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = f
	return nil
}

func envBool(key string, dst *bool) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = b
	return nil
}
