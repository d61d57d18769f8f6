package fatigue

import (
	"time"

	"github.com/teslashibe/go-fatigue/pkg/landmark"
)

// StopReason records why a session loop ended.
type StopReason string

const (
	StopEndOfStream StopReason = "end_of_stream"
	StopBudget      StopReason = "budget"
	StopFatigue     StopReason = "fatigue"
	StopCancelled   StopReason = "cancelled"
	StopSourceError StopReason = "source_error"
)

// Outcome is the snapshot a session produces when it ends.
type Outcome struct {
	SessionID string

	FatigueDetected bool

	// EyeAspectRatio is the last measured average EAR.
	EyeAspectRatio float64

	// ClosedDuration is how long the eyes had been closed when the session
	// ended; 0 if they were open.
	ClosedDuration time.Duration

	LeftEyeRatio  float64
	RightEyeRatio float64

	// FaceDetected reflects the final tick.
	FaceDetected bool

	// EARStale is true when the final tick carried no measurement.
	EARStale bool

	// Provenance is where the samples came from. FallbackUsed is set when
	// the configured source could not be opened and the fallback ran instead.
	Provenance   landmark.Provenance
	FallbackUsed bool

	// Synthetic is true if any processed sample was fabricated.
	Synthetic bool

	Thresholds Thresholds

	Ticks                int
	NoFaceTicks          int
	InvalidGeometryTicks int

	// FailedTicks counts frames whose landmarks could not be extracted.
	FailedTicks int

	// Episodes counts closures that reached the time limit during the
	// session, including ones that ended before the snapshot.
	Episodes   int
	PeakClosed time.Duration

	StartedAt time.Time
	Elapsed   time.Duration
	Reason    StopReason
}

// ClosedSeconds returns ClosedDuration in fractional seconds.
func (o Outcome) ClosedSeconds() float64 {
	return o.ClosedDuration.Seconds()
}

// Real reports whether the outcome was computed from measured landmarks
// only. Simulated sources and ratio-built replay frames are not real.
func (o Outcome) Real() bool {
	return !o.Synthetic && !o.Provenance.Synthetic()
}
