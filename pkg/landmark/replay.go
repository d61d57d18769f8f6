package landmark

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/teslashibe/go-fatigue/pkg/ear"
)

// Frame is one entry of a recording.
//
// A frame describes its eyes in one of three ways, checked in order:
// NoFace, explicit Left/Right points, or a ratio (EAR, or LeftEAR/RightEAR)
// from which ellipse eyes are synthesized. Ratio frames are marked
// Synthetic: their geometry was never measured.
type Frame struct {
	// Gap is the delay before this frame is delivered.
	Gap time.Duration `yaml:"gap" json:"gap"`

	NoFace bool `yaml:"no_face,omitempty" json:"no_face,omitempty"`

	Left  *ear.Eye `yaml:"left,omitempty" json:"left,omitempty"`
	Right *ear.Eye `yaml:"right,omitempty" json:"right,omitempty"`

	EAR      float64 `yaml:"ear,omitempty" json:"ear,omitempty"`
	LeftEAR  float64 `yaml:"left_ear,omitempty" json:"left_ear,omitempty"`
	RightEAR float64 `yaml:"right_ear,omitempty" json:"right_ear,omitempty"`

	// Repeat delivers the frame this many times (0 and 1 both mean once).
	Repeat int `yaml:"repeat,omitempty" json:"repeat,omitempty"`
}

// Sample converts the frame to a landmark sample.
func (f Frame) Sample() (Sample, error) {
	if f.NoFace {
		return NoFace(), nil
	}
	if f.Left != nil || f.Right != nil {
		if f.Left == nil || f.Right == nil {
			return Sample{}, fmt.Errorf("landmark: frame needs both left and right eyes")
		}
		return FaceSample(*f.Left, *f.Right), nil
	}

	left, right := f.LeftEAR, f.RightEAR
	if left == 0 && right == 0 {
		left, right = f.EAR, f.EAR
	}
	s := FaceSample(
		ear.EyeWithRatio(0.35, 0.42, 0.04, left),
		ear.EyeWithRatio(0.65, 0.42, 0.04, right),
	)
	s.Synthetic = true
	return s, nil
}

// Recording is a named sequence of frames, stored as YAML.
type Recording struct {
	Name   string  `yaml:"name" json:"name"`
	Frames []Frame `yaml:"frames" json:"frames"`
}

// LoadRecording reads a YAML recording from disk.
func LoadRecording(path string) (*Recording, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read recording: %w", err)
	}
	return ParseRecording(data)
}

// ParseRecording decodes a YAML recording.
func ParseRecording(data []byte) (*Recording, error) {
	var rec Recording
	if err := yaml.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("parse recording: %w", err)
	}
	if len(rec.Frames) == 0 {
		return nil, fmt.Errorf("parse recording: no frames")
	}
	return &rec, nil
}

// Sleeper waits for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Replay plays a Recording as a landmark source.
type Replay struct {
	rec    *Recording
	logger *slog.Logger
	sleep  Sleeper
	limit  int

	mu        sync.Mutex
	open      bool
	closed    bool
	frame     int // index into rec.Frames
	repeat    int // deliveries of the current frame
	delivered int
}

// ReplayOption configures a Replay source.
type ReplayOption func(*Replay)

// WithSleeper replaces the inter-frame wait, e.g. to drive a fake clock.
func WithSleeper(fn Sleeper) ReplayOption {
	return func(r *Replay) {
		r.sleep = fn
	}
}

// WithReplayLimit stops after n samples.
func WithReplayLimit(n int) ReplayOption {
	return func(r *Replay) {
		r.limit = n
	}
}

// NewReplay creates a source that plays rec.
func NewReplay(rec *Recording, logger *slog.Logger, opts ...ReplayOption) *Replay {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Replay{
		rec:    rec,
		logger: logger,
		sleep:  sleepCtx,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// NewReplayFrames is a shorthand for replaying an in-memory frame list.
func NewReplayFrames(frames []Frame, opts ...ReplayOption) *Replay {
	return NewReplay(&Recording{Name: "inline", Frames: frames}, nil, opts...)
}

// Open validates the recording.
func (r *Replay) Open(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return ErrClosed
	}
	if r.rec == nil {
		return fmt.Errorf("%w: no recording", ErrSourceUnavailable)
	}
	r.open = true
	r.logger.Debug("replay source opened", "recording", r.rec.Name, "frames", len(r.rec.Frames))
	return nil
}

// Next returns the next recorded sample, waiting for its gap first.
func (r *Replay) Next(ctx context.Context) (Sample, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return Sample{}, ErrClosed
	}
	if !r.open {
		r.mu.Unlock()
		return Sample{}, ErrNotOpen
	}
	if r.frame >= len(r.rec.Frames) || (r.limit > 0 && r.delivered >= r.limit) {
		r.mu.Unlock()
		return Sample{}, io.EOF
	}
	f := r.rec.Frames[r.frame]
	r.mu.Unlock()

	if err := r.sleep(ctx, f.Gap); err != nil {
		return Sample{}, err
	}

	s, err := f.Sample()
	if err != nil {
		return Sample{}, err
	}
	s.At = time.Now()

	r.mu.Lock()
	r.delivered++
	r.repeat++
	if r.repeat >= max(f.Repeat, 1) {
		r.frame++
		r.repeat = 0
	}
	r.mu.Unlock()

	return s, nil
}

// Provenance returns ProvenanceReplay.
func (r *Replay) Provenance() Provenance {
	return ProvenanceReplay
}

// Name returns "replay".
func (r *Replay) Name() string {
	return string(BackendReplay)
}

// Close stops playback.
func (r *Replay) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	r.open = false
	return nil
}
