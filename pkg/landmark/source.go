package landmark

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/teslashibe/go-fatigue/pkg/ear"
)

// Sentinel errors for source conditions.
var (
	// ErrSourceUnavailable is returned by Open when the underlying device or
	// stream cannot be opened (camera missing, permission denied, model absent).
	ErrSourceUnavailable = errors.New("landmark: source unavailable")

	// ErrNotOpen is returned by Next when Open has not succeeded.
	ErrNotOpen = errors.New("landmark: source not open")

	// ErrClosed is returned when using a source after Close.
	ErrClosed = errors.New("landmark: source closed")
)

// Provenance records where samples came from.
type Provenance string

const (
	// ProvenanceCamera is a real camera processed by a landmark model.
	ProvenanceCamera Provenance = "camera"
	// ProvenanceStream is landmarks pushed by a remote client (e.g. a browser).
	ProvenanceStream Provenance = "stream"
	// ProvenanceReplay is a recorded or scripted sample sequence.
	ProvenanceReplay Provenance = "replay"
	// ProvenanceSimulated is synthetic data with no sensor behind it.
	ProvenanceSimulated Provenance = "simulated"
)

// Synthetic reports whether samples with this provenance are fabricated.
func (p Provenance) Synthetic() bool {
	return p == ProvenanceSimulated
}

// Face holds both eyes of the tracked face.
type Face struct {
	Left  ear.Eye `json:"left" yaml:"left"`
	Right ear.Eye `json:"right" yaml:"right"`
}

// Sample is one frame's worth of landmarks.
// A nil Face is the explicit "no face in frame" marker.
type Sample struct {
	Face *Face

	// Synthetic is set on samples with no measured geometry behind them:
	// every simulated sample, and replay frames built from a ratio.
	Synthetic bool

	// Failure is set when a frame was captured but its landmarks could not
	// be extracted (model error, truncated mesh). The tick is inconclusive.
	Failure error

	// At is the capture time, if the source knows it.
	At time.Time
}

// HasFace reports whether the sample carries landmarks.
func (s Sample) HasFace() bool {
	return s.Face != nil && s.Failure == nil
}

// Failed reports whether landmark extraction failed for this frame.
func (s Sample) Failed() bool {
	return s.Failure != nil
}

// FaceSample returns a sample carrying the given eyes.
func FaceSample(left, right ear.Eye) Sample {
	return Sample{Face: &Face{Left: left, Right: right}}
}

// NoFace returns a "no face in frame" sample.
func NoFace() Sample {
	return Sample{}
}

// FailedSample returns a sample for a frame whose landmarks could not be
// extracted. Geometry failures should wrap ear.ErrInvalidGeometry.
func FailedSample(err error) Sample {
	return Sample{Failure: err}
}

// Source produces landmark samples one frame at a time.
type Source interface {
	// Open acquires the underlying device or stream.
	// Failures wrap ErrSourceUnavailable.
	Open(ctx context.Context) error

	// Next blocks until the next sample is available.
	// Returns io.EOF at end of stream and ctx.Err() when cancelled.
	Next(ctx context.Context) (Sample, error)

	// Provenance reports where samples come from.
	Provenance() Provenance

	// Name returns the backend name (e.g., "camera", "simulated").
	Name() string

	// Close releases all resources. It is safe to call more than once.
	io.Closer
}

// Stats contains counters about a source.
type Stats struct {
	Samples int64  `json:"samples"`
	NoFace  int64  `json:"no_face"`
	Errors  int64  `json:"errors"`
	Open    bool   `json:"open"`
	Backend string `json:"backend"`
}

// SourceWithStats extends Source with statistics.
type SourceWithStats interface {
	Source
	Stats() Stats
}

// Unavailable returns a source whose Open always fails with err, which
// should wrap ErrSourceUnavailable. A backend that could not even be
// constructed then takes the same fallback path as one that failed to open.
func Unavailable(backend Backend, err error) Source {
	return unavailable{backend: backend, err: err}
}

type unavailable struct {
	backend Backend
	err     error
}

func (u unavailable) Open(ctx context.Context) error { return u.err }

func (u unavailable) Next(ctx context.Context) (Sample, error) { return Sample{}, ErrNotOpen }

func (u unavailable) Provenance() Provenance {
	switch u.backend {
	case BackendStream:
		return ProvenanceStream
	case BackendReplay:
		return ProvenanceReplay
	case BackendSimulated:
		return ProvenanceSimulated
	default:
		return ProvenanceCamera
	}
}

func (u unavailable) Name() string { return string(u.backend) }

func (u unavailable) Close() error { return nil }
