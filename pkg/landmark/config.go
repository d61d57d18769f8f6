// Package landmark defines the landmark source capability consumed by the
// fatigue engine, along with backends that need no hardware.
//
// Backends:
//   - Camera    - real frames through a landmark model (pkg/landmark/camera)
//   - Stream    - landmarks pushed by a remote client over a websocket
//   - Replay    - a scripted or recorded sample sequence (YAML)
//   - Simulated - synthetic eyes for integration tests, always flagged
//
// The engine never picks a backend on its own; the caller constructs one and
// hands it to the session.
package landmark

import (
	"fmt"
	"time"
)

// Backend represents the landmark source type.
type Backend string

const (
	// BackendCamera reads a local camera through gocv and a landmark model.
	BackendCamera Backend = "camera"
	// BackendStream accepts landmarks pushed over the network.
	BackendStream Backend = "stream"
	// BackendReplay plays a YAML recording.
	BackendReplay Backend = "replay"
	// BackendSimulated generates synthetic eyes.
	BackendSimulated Backend = "simulated"
)

// ParseBackend converts a name into a Backend.
func ParseBackend(s string) (Backend, error) {
	switch b := Backend(s); b {
	case BackendCamera, BackendStream, BackendReplay, BackendSimulated:
		return b, nil
	default:
		return "", fmt.Errorf("landmark: unknown backend %q", s)
	}
}

// Config holds source configuration.
type Config struct {
	// Backend selects the source implementation.
	Backend Backend `yaml:"backend" json:"backend"`

	// CameraIndex is the capture device index for BackendCamera.
	CameraIndex int `yaml:"camera_index" json:"camera_index"`

	// RecordingPath is the YAML file played by BackendReplay.
	RecordingPath string `yaml:"recording_path" json:"recording_path"`

	// FrameRate paces simulated samples. 0 means unpaced.
	FrameRate float64 `yaml:"frame_rate" json:"frame_rate"`

	// Limit bounds simulated and replayed streams. 0 means unbounded (simulated)
	// or the whole recording (replay).
	Limit int `yaml:"limit" json:"limit"`

	// Seed makes simulated output reproducible. 0 picks a time-based seed.
	Seed int64 `yaml:"seed" json:"seed"`

	// StreamBuffer is the number of pushed samples a stream source will hold.
	StreamBuffer int `yaml:"stream_buffer" json:"stream_buffer"`

	// StreamIdle ends a stream when no sample arrives for this long. 0 disables.
	StreamIdle time.Duration `yaml:"stream_idle" json:"stream_idle"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Backend:      BackendCamera,
		CameraIndex:  0,
		FrameRate:    30,
		StreamBuffer: 64,
		StreamIdle:   5 * time.Second,
	}
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	if _, err := ParseBackend(string(c.Backend)); err != nil {
		return err
	}
	if c.CameraIndex < 0 {
		return fmt.Errorf("camera_index must be >= 0, got %d", c.CameraIndex)
	}
	if c.FrameRate < 0 {
		return fmt.Errorf("frame_rate must be >= 0, got %v", c.FrameRate)
	}
	if c.Limit < 0 {
		return fmt.Errorf("limit must be >= 0, got %d", c.Limit)
	}
	if c.Backend == BackendReplay && c.RecordingPath == "" {
		return fmt.Errorf("recording_path is required for the replay backend")
	}
	if c.StreamBuffer < 0 {
		return fmt.Errorf("stream_buffer must be >= 0, got %d", c.StreamBuffer)
	}
	return nil
}
