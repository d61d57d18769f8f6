package landmark

import (
	"context"
	"io"
	"log/slog"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/teslashibe/go-fatigue/pkg/ear"
)

// Episode scripts a stretch of simulated eye closure.
type Episode struct {
	// Start is the zero-based tick at which the episode begins.
	Start int `yaml:"start" json:"start"`
	// Length is the number of ticks it lasts.
	Length int `yaml:"length" json:"length"`
	// EAR is the ratio reported during the episode.
	EAR float64 `yaml:"ear" json:"ear"`
}

func (e Episode) covers(tick int) bool {
	return tick >= e.Start && tick < e.Start+e.Length
}

// Simulated is a synthetic landmark source for integration testing.
// It produces plausible eye geometry with no camera behind it. Every sample
// is flagged Synthetic and Provenance is always ProvenanceSimulated, so
// its output can never pass for a real detection.
type Simulated struct {
	logger *slog.Logger

	mu      sync.Mutex
	open    bool
	closed  bool
	rng     *rand.Rand
	limiter *rate.Limiter
	tick    int

	// Generation parameters
	baseline   float64 // open-eye EAR
	jitter     float64 // ± uniform noise around baseline
	noFaceRate float64 // probability of a no-face tick
	episodes   []Episode
	limit      int // 0 = unbounded
	seed       int64
	frameRate  float64

	// Stats
	samples atomic.Int64
	noFace  atomic.Int64
}

// SimulatedOption configures a Simulated source.
type SimulatedOption func(*Simulated)

// WithBaseline sets the open-eye EAR and the uniform noise around it.
func WithBaseline(ratio, jitter float64) SimulatedOption {
	return func(s *Simulated) {
		s.baseline = ratio
		s.jitter = jitter
	}
}

// WithEpisodes scripts closure episodes.
func WithEpisodes(episodes ...Episode) SimulatedOption {
	return func(s *Simulated) {
		s.episodes = append(s.episodes, episodes...)
	}
}

// WithNoFaceRate makes a fraction of ticks report no face.
func WithNoFaceRate(p float64) SimulatedOption {
	return func(s *Simulated) {
		s.noFaceRate = p
	}
}

// WithLimit bounds the stream to n samples, after which Next returns io.EOF.
func WithLimit(n int) SimulatedOption {
	return func(s *Simulated) {
		s.limit = n
	}
}

// WithFrameRate paces samples at fps. 0 disables pacing.
func WithFrameRate(fps float64) SimulatedOption {
	return func(s *Simulated) {
		s.frameRate = fps
	}
}

// WithSeed makes the noise reproducible.
func WithSeed(seed int64) SimulatedOption {
	return func(s *Simulated) {
		s.seed = seed
	}
}

// NewSimulated creates a synthetic landmark source.
func NewSimulated(logger *slog.Logger, opts ...SimulatedOption) *Simulated {
	if logger == nil {
		logger = slog.Default()
	}

	s := &Simulated{
		logger:   logger,
		baseline: 0.30,
		jitter:   0.03,
	}

	for _, opt := range opts {
		opt(s)
	}

	if s.seed == 0 {
		s.seed = time.Now().UnixNano()
	}
	s.rng = rand.New(rand.NewSource(s.seed))
	if s.frameRate > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(s.frameRate), 1)
	}

	return s
}

// Open starts generation.
func (s *Simulated) Open(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	s.open = true

	s.logger.Info("simulated landmark source opened",
		"baseline_ear", s.baseline,
		"episodes", len(s.episodes),
		"limit", s.limit,
		"frame_rate", s.frameRate,
		"seed", s.seed,
	)
	return nil
}

// Next returns the next synthetic sample.
func (s *Simulated) Next(ctx context.Context) (Sample, error) {
	if err := ctx.Err(); err != nil {
		return Sample{}, err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return Sample{}, ErrClosed
	}
	if !s.open {
		s.mu.Unlock()
		return Sample{}, ErrNotOpen
	}
	if s.limit > 0 && s.tick >= s.limit {
		s.mu.Unlock()
		return Sample{}, io.EOF
	}
	limiter := s.limiter
	s.mu.Unlock()

	if limiter != nil {
		if err := limiter.Wait(ctx); err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return Sample{}, ctxErr
			}
			// Wait fails early when the deadline is closer than the next token.
			return Sample{}, context.DeadlineExceeded
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tick := s.tick
	s.tick++
	s.samples.Add(1)

	if s.noFaceRate > 0 && s.rng.Float64() < s.noFaceRate {
		s.noFace.Add(1)
		return Sample{Synthetic: true, At: time.Now()}, nil
	}

	ratio := s.ratioAt(tick)
	left := ear.EyeWithRatio(0.35, 0.42, 0.04, ratio)
	right := ear.EyeWithRatio(0.65, 0.42, 0.04, ratio)

	return Sample{
		Face:      &Face{Left: left, Right: right},
		Synthetic: true,
		At:        time.Now(),
	}, nil
}

func (s *Simulated) ratioAt(tick int) float64 {
	for _, e := range s.episodes {
		if e.covers(tick) {
			return e.EAR
		}
	}
	ratio := s.baseline
	if s.jitter > 0 {
		ratio += (s.rng.Float64()*2 - 1) * s.jitter
	}
	if ratio < 0 {
		ratio = 0
	}
	return ratio
}

// Provenance returns ProvenanceSimulated.
func (s *Simulated) Provenance() Provenance {
	return ProvenanceSimulated
}

// Name returns "simulated".
func (s *Simulated) Name() string {
	return string(BackendSimulated)
}

// Close stops generation.
func (s *Simulated) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	s.open = false
	s.logger.Info("simulated landmark source closed", "samples", s.samples.Load())
	return nil
}

// Stats returns source statistics.
func (s *Simulated) Stats() Stats {
	s.mu.Lock()
	open := s.open
	s.mu.Unlock()

	return Stats{
		Samples: s.samples.Load(),
		NoFace:  s.noFace.Load(),
		Open:    open,
		Backend: s.Name(),
	}
}

// Ensure Simulated implements SourceWithStats.
var _ SourceWithStats = (*Simulated)(nil)
