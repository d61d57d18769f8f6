package fatigue

import (
	"errors"
	"fmt"
)

// Sentinel errors for session conditions.
var (
	// ErrConfigurationOutOfRange is returned by NewSession when a threshold or
	// duration is outside its declared bound. No sample is pulled.
	ErrConfigurationOutOfRange = errors.New("fatigue: configuration out of range")

	// ErrNoSource is returned by NewSession when no landmark source is given.
	ErrNoSource = errors.New("fatigue: landmark source required")

	// ErrSessionDone is returned when Run is called a second time.
	ErrSessionDone = errors.New("fatigue: session already run")
)

// ConfigError reports which setting was rejected.
type ConfigError struct {
	Field  string
	Value  any
	Reason string
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	return fmt.Sprintf("%v: %s=%v: %s", ErrConfigurationOutOfRange, e.Field, e.Value, e.Reason)
}

// Unwrap returns ErrConfigurationOutOfRange.
func (e *ConfigError) Unwrap() error {
	return ErrConfigurationOutOfRange
}
