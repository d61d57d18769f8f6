// Package alert maps a finished detection session to the record a host emits.
//
// Mapping is pure: the same outcome, policy and time always give the same
// record. Three modes are supported:
//
//   - trigger: a FatigueEvent only when fatigue was detected
//   - data:    a DataRecord for every session
//   - monitor: a MonitorRecord for every session, never activating
package alert

import (
	"fmt"
	"time"

	"github.com/teslashibe/go-fatigue/pkg/fatigue"
	"github.com/teslashibe/go-fatigue/pkg/landmark"
)

// Mode selects which record a session produces.
type Mode string

const (
	ModeTrigger Mode = "trigger"
	ModeData    Mode = "data"
	ModeMonitor Mode = "monitor"
)

// ParseMode converts a name into a Mode.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(s); m {
	case ModeTrigger, ModeData, ModeMonitor:
		return m, nil
	default:
		return "", fmt.Errorf("alert: unknown mode %q", s)
	}
}

// TimestampFormat is ISO-8601 in UTC with millisecond precision.
const TimestampFormat = "2006-01-02T15:04:05.000Z07:00"

// FormatTimestamp renders t in TimestampFormat.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(TimestampFormat)
}

// Policy configures the mapping.
type Policy struct {
	Mode Mode `json:"alertMode" yaml:"alert_mode"`

	// ReturnAllMetrics adds per-eye ratios and face presence to data records.
	ReturnAllMetrics bool `json:"returnAllMetrics" yaml:"return_all_metrics"`
}

// DefaultPolicy returns trigger mode without extra metrics.
func DefaultPolicy() Policy {
	return Policy{Mode: ModeTrigger}
}

// Validate checks the mode.
func (p Policy) Validate() error {
	_, err := ParseMode(string(p.Mode))
	return err
}

// Record is an emitted output record.
type Record interface {
	// Mode returns the mode that produced the record.
	Mode() Mode

	// Activates reports whether the record should fire downstream actions.
	Activates() bool
}

// Source describes where the measurements came from. It is embedded in
// every record so synthetic output is never mistaken for a real detection.
type Source struct {
	Provenance landmark.Provenance `json:"provenance"`
	Synthetic  bool                `json:"synthetic"`
	Fallback   bool                `json:"fallbackUsed,omitempty"`
}

func sourceOf(o fatigue.Outcome) Source {
	return Source{
		Provenance: o.Provenance,
		Synthetic:  !o.Real(),
		Fallback:   o.FallbackUsed,
	}
}

// FatigueEvent is the trigger-mode record.
type FatigueEvent struct {
	Status         string  `json:"status"`
	Timestamp      string  `json:"timestamp"`
	EyeAspectRatio float64 `json:"eyeAspectRatio"`
	ClosedDuration float64 `json:"closedDuration"`
	Threshold      float64 `json:"threshold"`
	TimeLimit      float64 `json:"timeLimit"`
	Message        string  `json:"message"`
	Source
}

// Mode returns ModeTrigger.
func (FatigueEvent) Mode() Mode { return ModeTrigger }

// Activates returns true.
func (FatigueEvent) Activates() bool { return true }

// DataRecord is the data-mode record.
type DataRecord struct {
	Status          string  `json:"status"`
	FatigueDetected bool    `json:"fatigueDetected"`
	EyeAspectRatio  float64 `json:"eyeAspectRatio"`
	ClosedDuration  float64 `json:"closedDuration"`
	Timestamp       string  `json:"timestamp"`

	// Set only with ReturnAllMetrics.
	LeftEyeRatio  *float64 `json:"leftEyeRatio,omitempty"`
	RightEyeRatio *float64 `json:"rightEyeRatio,omitempty"`
	FaceDetected  *bool    `json:"faceDetected,omitempty"`

	Source
}

// Mode returns ModeData.
func (DataRecord) Mode() Mode { return ModeData }

// Activates reports whether the record is an alert.
func (r DataRecord) Activates() bool { return r.FatigueDetected }

// MonitorRecord is the monitor-mode record. It deliberately has no
// fatigueDetected field.
type MonitorRecord struct {
	Kind           string  `json:"mode"`
	Monitoring     bool    `json:"monitoring"`
	EyeAspectRatio float64 `json:"eyeAspectRatio"`
	IsNormal       bool    `json:"isNormal"`
	Timestamp      string  `json:"timestamp"`
	Source
}

// Mode returns ModeMonitor.
func (MonitorRecord) Mode() Mode { return ModeMonitor }

// Activates returns false.
func (MonitorRecord) Activates() bool { return false }

// Status values.
const (
	StatusFatigue = "fatigue_detected"
	StatusAlert   = "alert"
	StatusNormal  = "normal"
)

// Message returns the human-readable fatigue message.
func Message(closed time.Duration) string {
	return fmt.Sprintf("Eye fatigue detected - eyes closed for %.2f seconds", closed.Seconds())
}

// Map converts an outcome into a record. ok is false when the policy emits
// nothing for this outcome (trigger mode without fatigue) or the mode is
// unknown.
func Map(o fatigue.Outcome, p Policy, now time.Time) (Record, bool) {
	ts := FormatTimestamp(now)
	src := sourceOf(o)

	switch p.Mode {
	case ModeTrigger:
		if !o.FatigueDetected {
			return nil, false
		}
		return FatigueEvent{
			Status:         StatusFatigue,
			Timestamp:      ts,
			EyeAspectRatio: o.EyeAspectRatio,
			ClosedDuration: o.ClosedDuration.Seconds(),
			Threshold:      o.Thresholds.EyeClosed,
			TimeLimit:      o.Thresholds.ClosedTimeLimit.Seconds(),
			Message:        Message(o.ClosedDuration),
			Source:         src,
		}, true

	case ModeData:
		rec := DataRecord{
			Status:          StatusNormal,
			FatigueDetected: o.FatigueDetected,
			EyeAspectRatio:  o.EyeAspectRatio,
			ClosedDuration:  o.ClosedDuration.Seconds(),
			Timestamp:       ts,
			Source:          src,
		}
		if o.FatigueDetected {
			rec.Status = StatusAlert
		}
		if p.ReturnAllMetrics {
			left, right, face := o.LeftEyeRatio, o.RightEyeRatio, o.FaceDetected
			rec.LeftEyeRatio = &left
			rec.RightEyeRatio = &right
			rec.FaceDetected = &face
		}
		return rec, true

	case ModeMonitor:
		return MonitorRecord{
			Kind:           "monitoring",
			Monitoring:     true,
			EyeAspectRatio: o.EyeAspectRatio,
			IsNormal:       !o.FatigueDetected,
			Timestamp:      ts,
			Source:         src,
		}, true

	default:
		return nil, false
	}
}
