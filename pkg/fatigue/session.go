// Package fatigue decides whether a subject's eyes have stayed closed long
// enough to count as fatigue.
//
// A Session pulls landmark samples from a landmark.Source, measures the eye
// aspect ratio of each face, and feeds the average into a Tracker. When the
// source ends, the wall-clock budget runs out, or the context is cancelled,
// the session returns an Outcome snapshot.
//
// Basic usage:
//
//	src := landmark.NewSimulated(logger, landmark.WithLimit(300))
//	sess, err := fatigue.NewSession(fatigue.DefaultSessionConfig(), src)
//	if err != nil {
//	    return err
//	}
//	outcome, err := sess.Run(ctx)
package fatigue

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/teslashibe/go-fatigue/pkg/ear"
	"github.com/teslashibe/go-fatigue/pkg/landmark"
)

// Clock supplies the current time. Readings from time.Now carry a monotonic
// component, so durations are immune to wall-clock steps.
type Clock interface {
	Now() time.Time
}

type wallClock struct{}

func (wallClock) Now() time.Time { return time.Now() }

// TickEvent is published to the observer after every processed tick.
type TickEvent struct {
	SessionID string
	Tick      int
	At        time.Time

	Phase           Phase
	FaceDetected    bool
	InvalidGeometry bool
	EAR             float64
	Left            float64
	Right           float64
	ClosedFor       time.Duration
	FatigueDetected bool
	Entered         bool

	Provenance landmark.Provenance
	Synthetic  bool
}

// Observer receives tick events. It runs on the session goroutine and
// should return quickly.
type Observer func(TickEvent)

// Session runs one detection window over one landmark source.
type Session struct {
	id       string
	cfg      SessionConfig
	src      landmark.Source
	fallback landmark.Source
	clock    Clock
	observer Observer
	logger   *slog.Logger

	stopOnFatigue bool
	ran           atomic.Bool
}

// SessionOption configures a Session.
type SessionOption func(*Session)

// WithFallback declares the source to use when the primary source reports
// landmark.ErrSourceUnavailable. The switch is logged and recorded in
// Outcome.FallbackUsed and Outcome.Provenance.
func WithFallback(src landmark.Source) SessionOption {
	return func(s *Session) {
		s.fallback = src
	}
}

// WithClock replaces the wall clock.
func WithClock(c Clock) SessionOption {
	return func(s *Session) {
		s.clock = c
	}
}

// WithObserver registers a per-tick observer.
func WithObserver(fn Observer) SessionOption {
	return func(s *Session) {
		s.observer = fn
	}
}

// WithLogger sets the session logger.
func WithLogger(l *slog.Logger) SessionOption {
	return func(s *Session) {
		s.logger = l
	}
}

// WithSessionID overrides the generated session ID.
func WithSessionID(id string) SessionOption {
	return func(s *Session) {
		s.id = id
	}
}

// StopOnFatigue ends the session at the first tick that detects fatigue.
func StopOnFatigue() SessionOption {
	return func(s *Session) {
		s.stopOnFatigue = true
	}
}

// NewSession validates cfg and returns a session reading from src.
// Nothing is opened or pulled until Run.
func NewSession(cfg SessionConfig, src landmark.Source, opts ...SessionOption) (*Session, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if src == nil {
		return nil, ErrNoSource
	}

	s := &Session{
		id:     uuid.NewString(),
		cfg:    cfg,
		src:    src,
		clock:  wallClock{},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("session", s.id)
	return s, nil
}

// ID returns the session identifier.
func (s *Session) ID() string {
	return s.id
}

// Config returns the session configuration.
func (s *Session) Config() SessionConfig {
	return s.cfg
}

// Run opens the source, drives the tracker until the source ends or the
// budget is spent, and returns the final outcome. The source and any
// fallback are closed before Run returns. A session can only be run once.
//
// If the parent context is cancelled, Run returns the partial outcome along
// with ctx.Err().
func (s *Session) Run(ctx context.Context) (Outcome, error) {
	if !s.ran.CompareAndSwap(false, true) {
		return Outcome{}, ErrSessionDone
	}
	if s.fallback != nil {
		defer s.fallback.Close()
	}

	src, fallbackUsed, err := s.open(ctx)
	if err != nil {
		return Outcome{}, err
	}
	defer src.Close()

	r := &run{
		session: s,
		src:     src,
		tracker: NewTracker(s.cfg.Thresholds),
		start:   s.clock.Now(),
		outcome: Outcome{SessionID: s.id, Provenance: src.Provenance(), FallbackUsed: fallbackUsed},
	}

	s.logger.Info("detection session started",
		"source", src.Name(),
		"provenance", src.Provenance(),
		"fallback", fallbackUsed,
		"threshold", s.cfg.Thresholds.EyeClosed,
		"time_limit", s.cfg.Thresholds.ClosedTimeLimit,
		"budget", s.cfg.MaxDuration,
	)

	runErr := r.loop(ctx)
	out := r.snapshot()

	s.logger.Info("detection session ended",
		"reason", out.Reason,
		"ticks", out.Ticks,
		"fatigue", out.FatigueDetected,
		"episodes", out.Episodes,
		"elapsed", out.Elapsed,
	)

	return out, runErr
}

func (s *Session) open(ctx context.Context) (landmark.Source, bool, error) {
	err := s.src.Open(ctx)
	if err == nil {
		return s.src, false, nil
	}
	if !errors.Is(err, landmark.ErrSourceUnavailable) || s.fallback == nil {
		s.src.Close()
		return nil, false, fmt.Errorf("fatigue: open %s source: %w", s.src.Name(), err)
	}
	s.src.Close()

	s.logger.Warn("landmark source unavailable, using fallback",
		"source", s.src.Name(),
		"fallback", s.fallback.Name(),
		"fallback_provenance", s.fallback.Provenance(),
		"error", err,
	)

	if ferr := s.fallback.Open(ctx); ferr != nil {
		s.fallback.Close()
		return nil, false, fmt.Errorf("fatigue: open fallback %s source: %w", s.fallback.Name(), ferr)
	}
	return s.fallback, true, nil
}

// run is the mutable state of one Run call.
type run struct {
	session *Session
	src     landmark.Source
	tracker *Tracker
	start   time.Time
	outcome Outcome

	faceTicks   int
	validTicks  int
	lastGeom    error
	lastFailure error
}

func (r *run) budgetSpent() bool {
	budget := r.session.cfg.MaxDuration
	return budget > 0 && r.session.clock.Now().Sub(r.start) >= budget
}

// pullContext bounds a pull by what is left of the budget so a stalled
// source cannot hold the session past it.
func (r *run) pullContext(ctx context.Context) (context.Context, context.CancelFunc) {
	budget := r.session.cfg.MaxDuration
	if budget <= 0 {
		return context.WithCancel(ctx)
	}
	remaining := budget - r.session.clock.Now().Sub(r.start)
	return context.WithTimeout(ctx, remaining)
}

func (r *run) loop(ctx context.Context) error {
	s := r.session
	for {
		if r.budgetSpent() {
			r.outcome.Reason = StopBudget
			return nil
		}

		pullCtx, cancel := r.pullContext(ctx)
		sample, err := r.src.Next(pullCtx)
		cancel()

		if err != nil {
			switch {
			case errors.Is(err, io.EOF):
				r.outcome.Reason = StopEndOfStream
				return r.unusableError()
			case ctx.Err() != nil:
				r.outcome.Reason = StopCancelled
				return ctx.Err()
			case s.cfg.MaxDuration > 0 && errors.Is(err, context.DeadlineExceeded):
				r.outcome.Reason = StopBudget
				return r.unusableError()
			default:
				r.outcome.Reason = StopSourceError
				return fmt.Errorf("fatigue: read %s sample: %w", r.src.Name(), err)
			}
		}

		res := r.process(sample)

		if s.stopOnFatigue && res.FatigueDetected {
			r.outcome.Reason = StopFatigue
			return nil
		}
		if r.budgetSpent() {
			r.outcome.Reason = StopBudget
			return r.unusableError()
		}
	}
}

func (r *run) process(sample landmark.Sample) TickResult {
	s := r.session
	now := s.clock.Now()

	r.outcome.Ticks++
	if sample.Synthetic {
		r.outcome.Synthetic = true
	}

	reading := r.measure(sample)
	res := r.tracker.Update(reading, now)

	if res.Entered {
		s.logger.Warn("fatigue detected",
			"closed_for", res.ClosedFor,
			"ear", reading.EAR,
			"provenance", r.outcome.Provenance,
		)
	}

	if s.observer != nil {
		st := r.tracker.State()
		s.observer(TickEvent{
			SessionID:       s.id,
			Tick:            r.outcome.Ticks,
			At:              now,
			Phase:           res.Phase,
			FaceDetected:    reading.FaceDetected,
			InvalidGeometry: reading.Invalid,
			EAR:             st.LastEAR,
			Left:            st.LeftEAR,
			Right:           st.RightEAR,
			ClosedFor:       res.ClosedFor,
			FatigueDetected: res.FatigueDetected,
			Entered:         res.Entered,
			Provenance:      r.outcome.Provenance,
			Synthetic:       sample.Synthetic || r.outcome.Provenance.Synthetic(),
		})
	}
	return res
}

// measure turns a sample into a tracker reading. Degenerate geometry on
// either eye makes the whole tick inconclusive, and so does a frame whose
// landmarks could not be extracted.
func (r *run) measure(sample landmark.Sample) Reading {
	if sample.Failed() {
		if errors.Is(sample.Failure, ear.ErrInvalidGeometry) {
			r.faceTicks++
			r.outcome.InvalidGeometryTicks++
			r.lastGeom = sample.Failure
			r.session.logger.Debug("skipping tick with invalid landmarks", "error", sample.Failure)
			return Reading{FaceDetected: true, Invalid: true}
		}
		r.outcome.FailedTicks++
		r.lastFailure = sample.Failure
		r.session.logger.Debug("skipping tick without landmarks", "error", sample.Failure)
		return Reading{Invalid: true}
	}
	if !sample.HasFace() {
		r.outcome.NoFaceTicks++
		return NoFaceReading()
	}
	r.faceTicks++

	metric := r.session.cfg.Metric
	left, lerr := ear.ComputeWith(sample.Face.Left, metric)
	right, rerr := ear.ComputeWith(sample.Face.Right, metric)
	if err := errors.Join(lerr, rerr); err != nil {
		r.outcome.InvalidGeometryTicks++
		r.lastGeom = err
		r.session.logger.Debug("skipping tick with invalid eye geometry", "error", err)
		return Reading{FaceDetected: true, Invalid: true}
	}

	r.validTicks++
	return EyesReading(left, right)
}

// unusableError reports a session in which faces were seen but none of them
// could be measured, or in which no frame yielded landmarks at all.
func (r *run) unusableError() error {
	if r.faceTicks > 0 && r.validTicks == 0 {
		return fmt.Errorf("fatigue: all %d face samples had unusable geometry: %w", r.faceTicks, r.lastGeom)
	}
	if n := r.outcome.FailedTicks; n > 0 && n == r.outcome.Ticks {
		return fmt.Errorf("fatigue: landmark extraction failed on all %d frames: %w", n, r.lastFailure)
	}
	return nil
}

func (r *run) snapshot() Outcome {
	now := r.session.clock.Now()
	st := r.tracker.State()

	out := r.outcome
	out.FatigueDetected = st.FatigueDetected
	out.EyeAspectRatio = st.LastEAR
	out.LeftEyeRatio = st.LeftEAR
	out.RightEyeRatio = st.RightEAR
	out.FaceDetected = st.FaceDetected
	out.EARStale = st.EARStale
	out.ClosedDuration = r.tracker.ClosedFor(now)
	out.Thresholds = r.tracker.Thresholds()
	out.Episodes = r.tracker.Episodes()
	out.PeakClosed = max(r.tracker.PeakClosed(), out.ClosedDuration)
	out.StartedAt = r.start
	out.Elapsed = now.Sub(r.start)
	if out.Provenance.Synthetic() {
		out.Synthetic = true
	}
	return out
}
