package landmark

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Stream is a source fed by a remote producer, typically a browser running
// its own landmark model and pushing results over a websocket.
//
// Push blocks while the buffer is full, so a slow session slows the
// producer down instead of dropping frames.
type Stream struct {
	id     string
	logger *slog.Logger
	idle   time.Duration

	ch       chan Sample
	done     chan struct{} // closed by Close
	ended    chan struct{} // closed by End
	doneOnce sync.Once
	endOnce  sync.Once

	mu   sync.Mutex
	open bool

	samples atomic.Int64
	noFace  atomic.Int64
	failed  atomic.Int64
}

// NewStream creates a stream source with a bounded buffer.
// idle > 0 ends the stream when no sample arrives for that long.
func NewStream(id string, buffer int, idle time.Duration, logger *slog.Logger) *Stream {
	if logger == nil {
		logger = slog.Default()
	}
	if buffer <= 0 {
		buffer = 1
	}
	return &Stream{
		id:     id,
		logger: logger.With("stream", id),
		idle:   idle,
		ch:     make(chan Sample, buffer),
		done:   make(chan struct{}),
		ended:  make(chan struct{}),
	}
}

// ID returns the stream identifier.
func (s *Stream) ID() string {
	return s.id
}

// Push delivers a sample to the consumer.
func (s *Stream) Push(ctx context.Context, sample Sample) error {
	select {
	case <-s.done:
		return ErrClosed
	case <-s.ended:
		return io.ErrClosedPipe
	default:
	}

	select {
	case s.ch <- sample:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return ErrClosed
	case <-s.ended:
		return io.ErrClosedPipe
	}
}

// End marks the end of the stream. Buffered samples are still delivered.
func (s *Stream) End() {
	s.endOnce.Do(func() {
		close(s.ended)
	})
}

// Open marks the stream ready for reading.
func (s *Stream) Open(ctx context.Context) error {
	select {
	case <-s.done:
		return ErrClosed
	default:
	}
	s.mu.Lock()
	s.open = true
	s.mu.Unlock()
	s.logger.Info("stream landmark source opened")
	return nil
}

// Next returns the next pushed sample.
func (s *Stream) Next(ctx context.Context) (Sample, error) {
	s.mu.Lock()
	open := s.open
	s.mu.Unlock()
	if !open {
		return Sample{}, ErrNotOpen
	}

	var idle <-chan time.Time
	if s.idle > 0 {
		timer := time.NewTimer(s.idle)
		defer timer.Stop()
		idle = timer.C
	}

	// Prefer a buffered sample over a concurrent end or close.
	select {
	case sample := <-s.ch:
		s.count(sample)
		return sample, nil
	default:
	}

	select {
	case sample := <-s.ch:
		s.count(sample)
		return sample, nil
	case <-ctx.Done():
		return Sample{}, ctx.Err()
	case <-s.done:
		return Sample{}, ErrClosed
	case <-s.ended:
		// Drain anything pushed before End.
		select {
		case sample := <-s.ch:
			s.count(sample)
			return sample, nil
		default:
			return Sample{}, io.EOF
		}
	case <-idle:
		s.logger.Warn("stream idle, ending", "idle", s.idle)
		return Sample{}, io.EOF
	}
}

func (s *Stream) count(sample Sample) {
	s.samples.Add(1)
	switch {
	case sample.Failed():
		s.failed.Add(1)
	case !sample.HasFace():
		s.noFace.Add(1)
	}
}

// Provenance returns ProvenanceStream.
func (s *Stream) Provenance() Provenance {
	return ProvenanceStream
}

// Name returns "stream".
func (s *Stream) Name() string {
	return string(BackendStream)
}

// Close releases the stream. Pending pushes fail with ErrClosed.
func (s *Stream) Close() error {
	s.doneOnce.Do(func() {
		close(s.done)
		s.mu.Lock()
		s.open = false
		s.mu.Unlock()
		s.logger.Info("stream landmark source closed", "samples", s.samples.Load())
	})
	return nil
}

// Stats returns source statistics.
func (s *Stream) Stats() Stats {
	s.mu.Lock()
	open := s.open
	s.mu.Unlock()
	return Stats{
		Samples: s.samples.Load(),
		NoFace:  s.noFace.Load(),
		Errors:  s.failed.Load(),
		Open:    open,
		Backend: s.Name(),
	}
}

var _ SourceWithStats = (*Stream)(nil)
