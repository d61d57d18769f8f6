package landmark

import (
	"fmt"
	"log/slog"

	"github.com/google/uuid"
)

// CameraFunc builds a camera-backed source. Camera support lives in
// pkg/landmark/camera so that this package builds without OpenCV.
type CameraFunc func(cfg Config, logger *slog.Logger) (Source, error)

// NewSource creates a landmark source for cfg.Backend.
// camera may be nil, in which case the camera backend is unavailable.
func NewSource(cfg Config, logger *slog.Logger, camera CameraFunc) (Source, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	if logger == nil {
		logger = slog.Default()
	}

	logger.Info("creating landmark source",
		"backend", cfg.Backend,
		"camera_index", cfg.CameraIndex,
	)

	switch cfg.Backend {
	case BackendSimulated:
		opts := []SimulatedOption{WithFrameRate(cfg.FrameRate), WithSeed(cfg.Seed)}
		if cfg.Limit > 0 {
			opts = append(opts, WithLimit(cfg.Limit))
		}
		return NewSimulated(logger, opts...), nil
	case BackendReplay:
		rec, err := LoadRecording(cfg.RecordingPath)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrSourceUnavailable, err)
		}
		var opts []ReplayOption
		if cfg.Limit > 0 {
			opts = append(opts, WithReplayLimit(cfg.Limit))
		}
		return NewReplay(rec, logger, opts...), nil
	case BackendStream:
		return NewStream(uuid.NewString(), cfg.StreamBuffer, cfg.StreamIdle, logger), nil
	case BackendCamera:
		if camera == nil {
			return nil, fmt.Errorf("%w: camera support not available in this build", ErrSourceUnavailable)
		}
		return camera(cfg, logger)
	default:
		return nil, fmt.Errorf("unsupported backend: %s", cfg.Backend)
	}
}
