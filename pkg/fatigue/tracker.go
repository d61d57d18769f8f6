package fatigue

import (
	"fmt"
	"time"
)

// Phase is the tracker's position in a closure episode.
type Phase int

const (
	// PhaseOpen means the eyes are open and no closure is being timed.
	PhaseOpen Phase = iota
	// PhaseClosing means the eyes are closed but not yet for long enough.
	PhaseClosing
	// PhaseFatigue means the current closure has reached the time limit.
	// It holds until the eyes reopen.
	PhaseFatigue
)

// String returns the phase name.
func (p Phase) String() string {
	switch p {
	case PhaseOpen:
		return "open"
	case PhaseClosing:
		return "closing"
	case PhaseFatigue:
		return "fatigue_detected"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

// Reading is one tick of input to the tracker.
type Reading struct {
	// FaceDetected is false for an explicit "no face in frame" tick.
	FaceDetected bool

	// Invalid marks a face whose eye geometry could not be measured.
	Invalid bool

	EAR   float64 // average of both eyes
	Left  float64
	Right float64
}

// NoFaceReading is the inconclusive tick for a frame without a face.
func NoFaceReading() Reading {
	return Reading{}
}

// EyesReading builds a reading from per-eye ratios.
func EyesReading(left, right float64) Reading {
	return Reading{
		FaceDetected: true,
		EAR:          (left + right) / 2,
		Left:         left,
		Right:        right,
	}
}

func (r Reading) conclusive() bool {
	return r.FaceDetected && !r.Invalid
}

// State is the tracker's view after the most recent tick.
type State struct {
	// ClosedSince is when the current closure began; zero while open.
	ClosedSince time.Time

	FatigueDetected bool

	// LastEAR is the most recent measured average. Before the first
	// measurement it equals the configured threshold.
	LastEAR  float64
	LeftEAR  float64
	RightEAR float64

	FaceDetected bool

	// EARStale is true when the last tick carried no measurement, so
	// LastEAR comes from an earlier tick.
	EARStale bool
}

// Closed reports whether a closure is being timed.
func (s State) Closed() bool {
	return !s.ClosedSince.IsZero()
}

// TickResult describes what one Update did.
type TickResult struct {
	Phase    Phase
	Previous Phase

	// ClosedFor is the length of the current closure at this tick.
	ClosedFor time.Duration

	FatigueDetected bool

	// Entered is true only on the tick that moved into PhaseFatigue.
	Entered bool

	// Inconclusive is true for no-face and invalid-geometry ticks.
	Inconclusive bool
}

// Tracker is the closed-eye hysteresis state machine.
//
// A Tracker belongs to one session and is not safe for concurrent use.
type Tracker struct {
	thresholds Thresholds
	phase      Phase
	state      State

	episodes int
	peak     time.Duration
}

// NewTracker returns a tracker in PhaseOpen.
func NewTracker(t Thresholds) *Tracker {
	return &Tracker{
		thresholds: t,
		state: State{
			LastEAR: t.EyeClosed,
		},
	}
}

// Update advances the tracker by one tick observed at now.
//
// A no-face or invalid tick leaves the closure timer untouched: it neither
// resets a running closure nor starts a new one.
func (t *Tracker) Update(r Reading, now time.Time) TickResult {
	res := TickResult{Previous: t.phase}

	t.state.FaceDetected = r.FaceDetected
	if !r.conclusive() {
		t.state.EARStale = true
		res.Inconclusive = true
		res.Phase = t.phase
		res.ClosedFor = t.closedFor(now)
		res.FatigueDetected = t.state.FatigueDetected
		return res
	}

	t.state.EARStale = false
	t.state.LastEAR = r.EAR
	t.state.LeftEAR = r.Left
	t.state.RightEAR = r.Right

	if r.EAR >= t.thresholds.EyeClosed {
		t.phase = PhaseOpen
		t.state.ClosedSince = time.Time{}
		t.state.FatigueDetected = false
	} else {
		if t.phase == PhaseOpen {
			t.phase = PhaseClosing
			t.state.ClosedSince = now
		}
		elapsed := now.Sub(t.state.ClosedSince)
		if elapsed > t.peak {
			t.peak = elapsed
		}
		if t.phase == PhaseClosing && elapsed >= t.thresholds.ClosedTimeLimit {
			t.phase = PhaseFatigue
			t.state.FatigueDetected = true
			t.episodes++
			res.Entered = true
		}
	}

	res.Phase = t.phase
	res.ClosedFor = t.closedFor(now)
	res.FatigueDetected = t.state.FatigueDetected
	return res
}

func (t *Tracker) closedFor(now time.Time) time.Duration {
	if !t.state.Closed() {
		return 0
	}
	return now.Sub(t.state.ClosedSince)
}

// Phase returns the current phase.
func (t *Tracker) Phase() Phase {
	return t.phase
}

// State returns a copy of the current state.
func (t *Tracker) State() State {
	return t.state
}

// ClosedFor returns the current closure length at now, or 0 while open.
func (t *Tracker) ClosedFor(now time.Time) time.Duration {
	return t.closedFor(now)
}

// Episodes returns how many closures reached the time limit.
func (t *Tracker) Episodes() int {
	return t.episodes
}

// PeakClosed returns the longest closure measured so far.
func (t *Tracker) PeakClosed() time.Duration {
	return t.peak
}

// Thresholds returns the tracker's thresholds.
func (t *Tracker) Thresholds() Thresholds {
	return t.thresholds
}
