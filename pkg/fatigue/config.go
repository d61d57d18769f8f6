package fatigue

import (
	"fmt"
	"time"

	"github.com/teslashibe/go-fatigue/pkg/ear"
)

// Bounds on session configuration.
const (
	MinEyeClosed = 0.05
	MaxEyeClosed = 0.5

	MinClosedTimeLimit = 1 * time.Second
	MaxClosedTimeLimit = 60 * time.Second

	// MaxSessionDuration bounds a monitoring window. 0 means unbounded.
	MaxSessionDuration = 300 * time.Second
)

// Thresholds decide when closed eyes count as fatigue.
// They are fixed for the lifetime of a session.
type Thresholds struct {
	// EyeClosed is the EAR below which the eyes are considered closed.
	EyeClosed float64

	// ClosedTimeLimit is how long the eyes must stay closed.
	ClosedTimeLimit time.Duration
}

// DefaultThresholds returns 0.18 and 3 seconds.
func DefaultThresholds() Thresholds {
	return Thresholds{
		EyeClosed:       0.18,
		ClosedTimeLimit: 3 * time.Second,
	}
}

// Validate checks both thresholds against their bounds.
func (t Thresholds) Validate() error {
	if !(t.EyeClosed >= MinEyeClosed && t.EyeClosed <= MaxEyeClosed) {
		return &ConfigError{
			Field:  "eye_closed_threshold",
			Value:  t.EyeClosed,
			Reason: fmt.Sprintf("must be within [%v, %v]", MinEyeClosed, MaxEyeClosed),
		}
	}
	if t.ClosedTimeLimit < MinClosedTimeLimit || t.ClosedTimeLimit > MaxClosedTimeLimit {
		return &ConfigError{
			Field:  "closed_time_limit",
			Value:  t.ClosedTimeLimit,
			Reason: fmt.Sprintf("must be within [%v, %v]", MinClosedTimeLimit, MaxClosedTimeLimit),
		}
	}
	return nil
}

// SessionConfig configures a detection session.
type SessionConfig struct {
	Thresholds Thresholds

	// MaxDuration is the wall-clock budget measured from session start.
	// 0 runs until the source ends or the context is cancelled.
	MaxDuration time.Duration

	// Metric selects how eyelid distances are measured.
	Metric ear.Metric
}

// DefaultSessionConfig returns the default thresholds with a 30 second window.
func DefaultSessionConfig() SessionConfig {
	return SessionConfig{
		Thresholds:  DefaultThresholds(),
		MaxDuration: 30 * time.Second,
		Metric:      ear.Euclidean,
	}
}

// Validate checks the configuration.
func (c SessionConfig) Validate() error {
	if err := c.Thresholds.Validate(); err != nil {
		return err
	}
	if c.MaxDuration < 0 || c.MaxDuration > MaxSessionDuration {
		return &ConfigError{
			Field:  "monitor_duration",
			Value:  c.MaxDuration,
			Reason: fmt.Sprintf("must be within [0, %v]", MaxSessionDuration),
		}
	}
	if c.Metric != ear.Euclidean && c.Metric != ear.AxisAligned {
		return &ConfigError{Field: "metric", Value: c.Metric, Reason: "unknown metric"}
	}
	return nil
}
