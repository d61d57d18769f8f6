package fatigue

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/teslashibe/go-fatigue/pkg/ear"
	"github.com/teslashibe/go-fatigue/pkg/landmark"
)

// fakeClock advances only when a replayed frame waits for its gap.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: t0}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) sleep(ctx context.Context, d time.Duration) error {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
	return nil
}

func replay(clock *fakeClock, frames ...landmark.Frame) *landmark.Replay {
	return landmark.NewReplayFrames(frames, landmark.WithSleeper(clock.sleep))
}

// countingSource records how often it was opened and pulled.
type countingSource struct {
	landmark.Source
	opens atomic.Int32
	pulls atomic.Int32
}

func (c *countingSource) Open(ctx context.Context) error {
	c.opens.Add(1)
	return c.Source.Open(ctx)
}

func (c *countingSource) Next(ctx context.Context) (landmark.Sample, error) {
	c.pulls.Add(1)
	return c.Source.Next(ctx)
}

// stallSource delivers one closed-eye sample, then blocks until cancelled.
type stallSource struct {
	pulls atomic.Int32
}

func (s *stallSource) Open(ctx context.Context) error { return nil }

func (s *stallSource) Next(ctx context.Context) (landmark.Sample, error) {
	if s.pulls.Add(1) == 1 {
		return landmark.FaceSample(ear.EyeWithRatio(0, 0, 1, 0.1), ear.EyeWithRatio(1, 0, 1, 0.1)), nil
	}
	<-ctx.Done()
	return landmark.Sample{}, ctx.Err()
}

func (s *stallSource) Provenance() landmark.Provenance { return landmark.ProvenanceCamera }
func (s *stallSource) Name() string                    { return "stall" }
func (s *stallSource) Close() error                    { return nil }

// unavailableSource fails to open like a missing camera.
type unavailableSource struct{}

func (unavailableSource) Open(ctx context.Context) error {
	return fmt.Errorf("%w: no device at index 0", landmark.ErrSourceUnavailable)
}
func (unavailableSource) Next(ctx context.Context) (landmark.Sample, error) {
	return landmark.Sample{}, landmark.ErrNotOpen
}
func (unavailableSource) Provenance() landmark.Provenance { return landmark.ProvenanceCamera }
func (unavailableSource) Name() string                    { return "camera" }
func (unavailableSource) Close() error                    { return nil }

func sessionConfig(budget time.Duration) SessionConfig {
	cfg := DefaultSessionConfig()
	cfg.MaxDuration = budget
	return cfg
}

func TestSession_SustainedClosure(t *testing.T) {
	clock := newFakeClock()
	src := replay(clock,
		landmark.Frame{EAR: 0.3},
		landmark.Frame{EAR: 0.1, Gap: 100 * time.Millisecond, Repeat: 40},
	)

	sess, err := NewSession(sessionConfig(0), src, WithClock(clock))
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}

	out, err := sess.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if !out.FatigueDetected {
		t.Error("expected fatigue after 3.9s of closure")
	}
	if out.ClosedDuration != 3900*time.Millisecond {
		t.Errorf("ClosedDuration = %v, want 3.9s", out.ClosedDuration)
	}
	if out.Reason != StopEndOfStream {
		t.Errorf("Reason = %s, want end_of_stream", out.Reason)
	}
	if out.Ticks != 41 {
		t.Errorf("Ticks = %d, want 41", out.Ticks)
	}
	// Ratio frames carry no measured geometry.
	if out.Provenance != landmark.ProvenanceReplay || out.FallbackUsed || !out.Synthetic || out.Real() {
		t.Errorf("provenance = %s fallback=%v synthetic=%v", out.Provenance, out.FallbackUsed, out.Synthetic)
	}
	if !out.FaceDetected || out.EARStale {
		t.Errorf("FaceDetected=%v EARStale=%v", out.FaceDetected, out.EARStale)
	}
	if out.Episodes != 1 {
		t.Errorf("Episodes = %d, want 1", out.Episodes)
	}
	if out.Thresholds != DefaultThresholds() {
		t.Errorf("Thresholds = %+v", out.Thresholds)
	}
}

func TestSession_OpenAtEnd(t *testing.T) {
	clock := newFakeClock()
	src := replay(clock,
		landmark.Frame{EAR: 0.1, Gap: time.Second, Repeat: 5},
		landmark.Frame{EAR: 0.3, Gap: time.Second},
	)

	sess, _ := NewSession(sessionConfig(0), src, WithClock(clock))
	out, err := sess.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if out.FatigueDetected || out.ClosedDuration != 0 {
		t.Errorf("final state should be open: fatigue=%v closed=%v", out.FatigueDetected, out.ClosedDuration)
	}
	// The ended episode is still visible.
	if out.Episodes != 1 || out.PeakClosed != 4*time.Second {
		t.Errorf("Episodes=%d PeakClosed=%v, want 1 and 4s", out.Episodes, out.PeakClosed)
	}
}

func TestSession_BudgetStopsPulling(t *testing.T) {
	clock := newFakeClock()
	src := &countingSource{Source: replay(clock,
		landmark.Frame{EAR: 0.3, Gap: 300 * time.Millisecond, Repeat: 10},
	)}

	sess, err := NewSession(sessionConfig(time.Second), src, WithClock(clock))
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	out, err := sess.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	// Samples at 300, 600, 900 and 1200ms. The last arrives after the
	// budget but was pulled before it, so it is processed.
	if got := src.pulls.Load(); got != 4 {
		t.Errorf("pulls = %d, want 4", got)
	}
	if out.Ticks != 4 {
		t.Errorf("Ticks = %d, want 4", out.Ticks)
	}
	if out.Reason != StopBudget {
		t.Errorf("Reason = %s, want budget", out.Reason)
	}
	if out.Elapsed != 1200*time.Millisecond {
		t.Errorf("Elapsed = %v, want 1.2s", out.Elapsed)
	}
}

func TestSession_StalledSourceInterrupted(t *testing.T) {
	src := &stallSource{}
	sess, err := NewSession(sessionConfig(200*time.Millisecond), src)
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}

	start := time.Now()
	out, err := sess.Run(context.Background())
	elapsed := time.Since(start)

	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if elapsed > time.Second {
		t.Errorf("Run took %v, the stalled pull was not interrupted", elapsed)
	}
	if out.Reason != StopBudget {
		t.Errorf("Reason = %s, want budget", out.Reason)
	}
	if out.Ticks != 1 {
		t.Errorf("Ticks = %d, want 1", out.Ticks)
	}
	if out.ClosedDuration < 150*time.Millisecond {
		t.Errorf("ClosedDuration = %v, want about the budget", out.ClosedDuration)
	}
}

func TestSession_ParentCancel(t *testing.T) {
	src := &stallSource{}
	sess, _ := NewSession(sessionConfig(0), src)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	out, err := sess.Run(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if out.Reason != StopCancelled || out.Ticks != 1 {
		t.Errorf("partial outcome: reason=%s ticks=%d", out.Reason, out.Ticks)
	}
}

func TestSession_SourceUnavailable(t *testing.T) {
	sess, _ := NewSession(sessionConfig(0), unavailableSource{})

	_, err := sess.Run(context.Background())
	if !errors.Is(err, landmark.ErrSourceUnavailable) {
		t.Fatalf("expected ErrSourceUnavailable, got %v", err)
	}
}

func TestSession_Fallback(t *testing.T) {
	fallback := landmark.NewSimulated(nil, landmark.WithSeed(3), landmark.WithLimit(5))
	sess, _ := NewSession(sessionConfig(0), unavailableSource{}, WithFallback(fallback))

	out, err := sess.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !out.FallbackUsed {
		t.Error("FallbackUsed not set")
	}
	if out.Provenance != landmark.ProvenanceSimulated || !out.Synthetic || out.Real() {
		t.Errorf("fallback outcome looks real: provenance=%s synthetic=%v", out.Provenance, out.Synthetic)
	}
	if out.Ticks != 5 {
		t.Errorf("Ticks = %d, want 5", out.Ticks)
	}
}

func TestSession_ProvenanceDistinguishesIdenticalSignals(t *testing.T) {
	clock := newFakeClock()
	recorded := replay(clock, landmark.Frame{EAR: 0.3, Repeat: 3})
	sim := landmark.NewSimulated(nil, landmark.WithBaseline(0.3, 0), landmark.WithLimit(3))

	runOnce := func(src landmark.Source) Outcome {
		sess, _ := NewSession(sessionConfig(0), src, WithClock(clock))
		out, err := sess.Run(context.Background())
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
		return out
	}

	a, b := runOnce(recorded), runOnce(sim)
	if diff := a.EyeAspectRatio - b.EyeAspectRatio; diff > 1e-9 || diff < -1e-9 {
		t.Fatalf("EAR differs: %v vs %v", a.EyeAspectRatio, b.EyeAspectRatio)
	}
	if !a.Real() || b.Real() {
		t.Errorf("Real() = %v/%v, want true/false", a.Real(), b.Real())
	}
}

func TestSession_ConfigRejectedBeforeIO(t *testing.T) {
	tests := []struct {
		name  string
		mod   func(*SessionConfig)
		field string
	}{
		{"threshold too low", func(c *SessionConfig) { c.Thresholds.EyeClosed = 0.04 }, "eye_closed_threshold"},
		{"threshold too high", func(c *SessionConfig) { c.Thresholds.EyeClosed = 0.51 }, "eye_closed_threshold"},
		{"limit too short", func(c *SessionConfig) { c.Thresholds.ClosedTimeLimit = 500 * time.Millisecond }, "closed_time_limit"},
		{"limit too long", func(c *SessionConfig) { c.Thresholds.ClosedTimeLimit = 61 * time.Second }, "closed_time_limit"},
		{"negative budget", func(c *SessionConfig) { c.MaxDuration = -time.Second }, "monitor_duration"},
		{"budget too long", func(c *SessionConfig) { c.MaxDuration = 301 * time.Second }, "monitor_duration"},
		{"unknown metric", func(c *SessionConfig) { c.Metric = ear.Metric(7) }, "metric"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultSessionConfig()
			tt.mod(&cfg)

			src := &countingSource{Source: landmark.NewSimulated(nil)}
			_, err := NewSession(cfg, src)

			if !errors.Is(err, ErrConfigurationOutOfRange) {
				t.Fatalf("expected ErrConfigurationOutOfRange, got %v", err)
			}
			var cerr *ConfigError
			if !errors.As(err, &cerr) || cerr.Field != tt.field {
				t.Errorf("ConfigError field = %v, want %s", cerr, tt.field)
			}
			if src.opens.Load() != 0 || src.pulls.Load() != 0 {
				t.Error("source touched before configuration was validated")
			}
		})
	}
}

func TestSession_NilSource(t *testing.T) {
	if _, err := NewSession(DefaultSessionConfig(), nil); !errors.Is(err, ErrNoSource) {
		t.Errorf("expected ErrNoSource, got %v", err)
	}
}

func TestSession_InvalidGeometry(t *testing.T) {
	var flat ear.Eye // every point at the origin

	t.Run("every face degenerate", func(t *testing.T) {
		clock := newFakeClock()
		src := replay(clock, landmark.Frame{Left: &flat, Right: &flat, Repeat: 3})
		sess, _ := NewSession(sessionConfig(0), src, WithClock(clock))

		out, err := sess.Run(context.Background())
		if !errors.Is(err, ear.ErrInvalidGeometry) {
			t.Fatalf("expected ErrInvalidGeometry, got %v", err)
		}
		if out.InvalidGeometryTicks != 3 {
			t.Errorf("InvalidGeometryTicks = %d, want 3", out.InvalidGeometryTicks)
		}
		if out.FatigueDetected {
			t.Error("degenerate geometry must not read as closed eyes")
		}
	})

	t.Run("occasional degenerate tick absorbed", func(t *testing.T) {
		clock := newFakeClock()
		src := replay(clock,
			landmark.Frame{EAR: 0.1},
			landmark.Frame{Left: &flat, Right: &flat, Gap: 2 * time.Second},
			landmark.Frame{EAR: 0.1, Gap: 2 * time.Second},
		)
		sess, _ := NewSession(sessionConfig(0), src, WithClock(clock))

		out, err := sess.Run(context.Background())
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
		if out.InvalidGeometryTicks != 1 {
			t.Errorf("InvalidGeometryTicks = %d, want 1", out.InvalidGeometryTicks)
		}
		if !out.FatigueDetected || out.ClosedDuration != 4*time.Second {
			t.Errorf("closure broken by a degenerate tick: fatigue=%v closed=%v", out.FatigueDetected, out.ClosedDuration)
		}
	})
}

// scriptSource delivers fixed samples one second apart on a fake clock.
type scriptSource struct {
	clock   *fakeClock
	samples []landmark.Sample
	next    int
}

func (s *scriptSource) Open(ctx context.Context) error { return nil }

func (s *scriptSource) Next(ctx context.Context) (landmark.Sample, error) {
	if s.next >= len(s.samples) {
		return landmark.Sample{}, io.EOF
	}
	if s.next > 0 {
		s.clock.sleep(ctx, time.Second)
	}
	s.next++
	return s.samples[s.next-1], nil
}

func (s *scriptSource) Provenance() landmark.Provenance { return landmark.ProvenanceCamera }
func (s *scriptSource) Name() string                    { return "script" }
func (s *scriptSource) Close() error                    { return nil }

func TestSession_FailedFrames(t *testing.T) {
	closed := landmark.FaceSample(ear.EyeWithRatio(0, 0, 1, 0.1), ear.EyeWithRatio(1, 0, 1, 0.1))
	modelDown := landmark.FailedSample(errors.New("landmarks: connection refused"))
	truncated := landmark.FailedSample(&ear.GeometryError{Reason: "mesh index 473 out of range"})

	t.Run("flaky frames absorbed", func(t *testing.T) {
		clock := newFakeClock()
		src := &scriptSource{clock: clock, samples: []landmark.Sample{
			closed, modelDown, truncated, closed,
		}}
		sess, _ := NewSession(sessionConfig(0), src, WithClock(clock))

		out, err := sess.Run(context.Background())
		if err != nil {
			t.Fatalf("one bad frame ended the session: %v", err)
		}
		if out.Reason != StopEndOfStream || out.Ticks != 4 {
			t.Errorf("Reason = %s Ticks = %d", out.Reason, out.Ticks)
		}
		if out.FailedTicks != 1 || out.InvalidGeometryTicks != 1 {
			t.Errorf("FailedTicks = %d InvalidGeometryTicks = %d, want 1/1", out.FailedTicks, out.InvalidGeometryTicks)
		}
		if !out.FatigueDetected || out.ClosedDuration != 3*time.Second {
			t.Errorf("closure broken by failed frames: fatigue=%v closed=%v", out.FatigueDetected, out.ClosedDuration)
		}
	})

	t.Run("every frame failed", func(t *testing.T) {
		clock := newFakeClock()
		cause := errors.New("landmarks: model unavailable")
		src := &scriptSource{clock: clock, samples: []landmark.Sample{
			landmark.FailedSample(cause), landmark.FailedSample(cause),
		}}
		sess, _ := NewSession(sessionConfig(0), src, WithClock(clock))

		out, err := sess.Run(context.Background())
		if !errors.Is(err, cause) {
			t.Fatalf("expected the extraction error, got %v", err)
		}
		if out.FailedTicks != 2 || out.FatigueDetected {
			t.Errorf("FailedTicks = %d FatigueDetected = %v", out.FailedTicks, out.FatigueDetected)
		}
	})
}

func TestSession_OnlyNoFace(t *testing.T) {
	clock := newFakeClock()
	src := replay(clock, landmark.Frame{NoFace: true, Gap: time.Second, Repeat: 10})
	sess, _ := NewSession(sessionConfig(0), src, WithClock(clock))

	out, err := sess.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if out.FaceDetected || out.FatigueDetected {
		t.Errorf("FaceDetected=%v FatigueDetected=%v", out.FaceDetected, out.FatigueDetected)
	}
	if !out.EARStale || out.EyeAspectRatio != 0.18 {
		t.Errorf("EAR = %v stale=%v, want the threshold and stale", out.EyeAspectRatio, out.EARStale)
	}
	if out.NoFaceTicks != 10 {
		t.Errorf("NoFaceTicks = %d, want 10", out.NoFaceTicks)
	}
}

func TestSession_StopOnFatigue(t *testing.T) {
	clock := newFakeClock()
	src := &countingSource{Source: replay(clock,
		landmark.Frame{EAR: 0.1, Gap: time.Second, Repeat: 20},
	)}
	sess, _ := NewSession(sessionConfig(0), src, WithClock(clock), StopOnFatigue())

	out, err := sess.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if out.Reason != StopFatigue || !out.FatigueDetected {
		t.Errorf("reason=%s fatigue=%v", out.Reason, out.FatigueDetected)
	}
	// Closure starts at 1s and reaches 3s at 4s.
	if got := src.pulls.Load(); got != 4 {
		t.Errorf("pulls = %d, want 4", got)
	}
}

func TestSession_Observer(t *testing.T) {
	clock := newFakeClock()
	src := replay(clock,
		landmark.Frame{EAR: 0.1, Gap: time.Second, Repeat: 6},
		landmark.Frame{NoFace: true, Gap: time.Second},
		landmark.Frame{EAR: 0.3, Gap: time.Second},
	)

	var events []TickEvent
	sess, _ := NewSession(sessionConfig(0), src,
		WithClock(clock),
		WithSessionID("obs-1"),
		WithObserver(func(ev TickEvent) { events = append(events, ev) }),
	)
	if _, err := sess.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if len(events) != 8 {
		t.Fatalf("events = %d, want 8", len(events))
	}
	entered := 0
	for _, ev := range events {
		if ev.SessionID != "obs-1" {
			t.Errorf("SessionID = %q", ev.SessionID)
		}
		if ev.Entered {
			entered++
		}
	}
	if entered != 1 {
		t.Errorf("Entered fired %d times, want 1", entered)
	}
	if ev := events[6]; ev.FaceDetected || ev.ClosedFor != 6*time.Second || !ev.FatigueDetected {
		t.Errorf("no-face tick event = %+v", ev)
	}
	if ev := events[7]; ev.Phase != PhaseOpen || ev.ClosedFor != 0 {
		t.Errorf("reopen event = %+v", ev)
	}
}

func TestSession_RunOnce(t *testing.T) {
	src := landmark.NewSimulated(nil, landmark.WithLimit(1))
	sess, _ := NewSession(sessionConfig(0), src)

	if _, err := sess.Run(context.Background()); err != nil {
		t.Fatalf("first Run: %v", err)
	}
	if _, err := sess.Run(context.Background()); !errors.Is(err, ErrSessionDone) {
		t.Errorf("expected ErrSessionDone, got %v", err)
	}
}

func TestSession_AxisAlignedMetric(t *testing.T) {
	clock := newFakeClock()
	src := replay(clock, landmark.Frame{EAR: 0.25})

	cfg := sessionConfig(0)
	cfg.Metric = ear.AxisAligned
	sess, _ := NewSession(cfg, src, WithClock(clock))

	out, err := sess.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if out.EyeAspectRatio <= 0 {
		t.Errorf("EAR = %v", out.EyeAspectRatio)
	}
}

var (
	_ landmark.Source = (*stallSource)(nil)
	_ landmark.Source = unavailableSource{}
)
