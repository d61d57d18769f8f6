package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/teslashibe/go-fatigue/internal/config"
	"github.com/teslashibe/go-fatigue/pkg/landmark/camera"
)

// addDetectionFlags registers the flags shared by every command that runs
// a session. Defaults come from the config, so a flag only counts when set.
func addDetectionFlags(cmd *cobra.Command) {
	def := config.DefaultDetection()
	f := cmd.Flags()
	f.Float64("threshold", def.EyeClosedThreshold, "EAR below which the eyes count as closed")
	f.Int("time-limit", def.ClosedTimeLimit, "Seconds of closure that count as fatigue")
	f.String("mode", def.AlertMode, "Alert mode: trigger, data, monitor")
	f.Int("camera", def.CameraIndex, "Camera device index")
	f.Int("duration", def.MonitorDuration, "Session length in seconds (0 = until the source ends)")
	f.Bool("all-metrics", false, "Include per-eye ratios in data records")
	f.String("metric", def.Metric, "EAR formula: euclidean or axis")
}

// addSourceFlags registers the landmark source flags.
func addSourceFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.String("backend", "camera", "Landmark source: camera, replay, simulated")
	f.String("recording", "", "Recording file for the replay backend")
	f.Bool("fallback", false, "Use a simulated source when the camera is unavailable")
	f.String("mesh-url", "", "Face mesh service URL for the camera backend")
	f.String("yunet-model", "", "YuNet model for the camera face gate")
	f.Int64("seed", 0, "Seed for simulated sources (0 = random)")
}

// applyFlags copies every flag the user set into cfg.
func applyFlags(cmd *cobra.Command, cfg *config.Config) {
	f := cmd.Flags()
	if f.Changed("threshold") {
		cfg.Detection.EyeClosedThreshold = mustGetFloat64(cmd, "threshold")
	}
	if f.Changed("time-limit") {
		cfg.Detection.ClosedTimeLimit = mustGetInt(cmd, "time-limit")
	}
	if f.Changed("mode") {
		cfg.Detection.AlertMode = mustGetString(cmd, "mode")
	}
	if f.Changed("camera") {
		cfg.Detection.CameraIndex = mustGetInt(cmd, "camera")
	}
	if f.Changed("duration") {
		cfg.Detection.MonitorDuration = mustGetInt(cmd, "duration")
	}
	if f.Changed("all-metrics") {
		cfg.Detection.ReturnAllMetrics = mustGetBool(cmd, "all-metrics")
	}
	if f.Changed("metric") {
		cfg.Detection.Metric = mustGetString(cmd, "metric")
	}

	if f.Changed("backend") {
		cfg.Source.Backend = mustGetString(cmd, "backend")
	}
	if f.Changed("recording") {
		cfg.Source.RecordingPath = mustGetString(cmd, "recording")
	}
	if f.Changed("fallback") {
		cfg.Source.Fallback = mustGetBool(cmd, "fallback")
	}
	if f.Changed("mesh-url") {
		cfg.Source.MeshURL = mustGetString(cmd, "mesh-url")
	}
	if f.Changed("yunet-model") {
		cfg.Source.YuNetModel = mustGetString(cmd, "yunet-model")
	}
	if f.Changed("seed") {
		cfg.Source.Seed = mustGetInt64(cmd, "seed")
	}

	if f.Changed("port") {
		cfg.Server.Port = mustGetInt(cmd, "port")
	}
	if f.Changed("log-level") {
		cfg.Server.LogLevel = mustGetString(cmd, "log-level")
	}
}

// cameraConfig builds the camera pipeline settings from cfg.
func cameraConfig(cfg config.Config) camera.Config {
	cc := camera.DefaultConfig()
	if cfg.Source.MeshURL != "" {
		cc.MeshURL = cfg.Source.MeshURL
	}
	cc.DetectorModel = cfg.Source.YuNetModel
	return cc
}

// mustGetBool gets a bool flag value or panics if the flag doesn't exist.
// Flags are defined in init(), so an error is a programming bug.
func mustGetBool(cmd *cobra.Command, name string) bool {
	val, err := cmd.Flags().GetBool(name)
	if err != nil {
		panic(fmt.Sprintf("flag error for --%s: %v", name, err))
	}
	return val
}

func mustGetInt(cmd *cobra.Command, name string) int {
	val, err := cmd.Flags().GetInt(name)
	if err != nil {
		panic(fmt.Sprintf("flag error for --%s: %v", name, err))
	}
	return val
}

func mustGetInt64(cmd *cobra.Command, name string) int64 {
	val, err := cmd.Flags().GetInt64(name)
	if err != nil {
		panic(fmt.Sprintf("flag error for --%s: %v", name, err))
	}
	return val
}

func mustGetString(cmd *cobra.Command, name string) string {
	val, err := cmd.Flags().GetString(name)
	if err != nil {
		panic(fmt.Sprintf("flag error for --%s: %v", name, err))
	}
	return val
}

func mustGetFloat64(cmd *cobra.Command, name string) float64 {
	val, err := cmd.Flags().GetFloat64(name)
	if err != nil {
		panic(fmt.Sprintf("flag error for --%s: %v", name, err))
	}
	return val
}

func mustGetStringSlice(cmd *cobra.Command, name string) []string {
	val, err := cmd.Flags().GetStringSlice(name)
	if err != nil {
		panic(fmt.Sprintf("flag error for --%s: %v", name, err))
	}
	return val
}
