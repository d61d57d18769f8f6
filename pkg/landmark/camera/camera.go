// Package camera reads a local capture device through OpenCV and turns each
// frame into a landmark sample.
//
// Per frame: JPEG encode, optional YuNet face gate, FaceMesh landmarks, eye
// extraction. Frames without a face become explicit no-face samples, and
// frames whose landmarks cannot be extracted become failed samples.
package camera

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"gocv.io/x/gocv"

	"github.com/teslashibe/go-fatigue/pkg/ear"
	"github.com/teslashibe/go-fatigue/pkg/landmark"
	"github.com/teslashibe/go-fatigue/pkg/landmark/detection"
	"github.com/teslashibe/go-fatigue/pkg/landmark/mesh"
)

// Config holds camera pipeline settings.
type Config struct {
	// MeshURL is the FaceMesh service base URL. Required.
	MeshURL string

	// DetectorModel is a YuNet ONNX file used to skip frames without a
	// face. Empty disables the gate.
	DetectorModel string

	Width  int // requested capture width, 0 keeps the device default
	Height int

	// MeshTimeout bounds each landmark request.
	MeshTimeout time.Duration
}

// DefaultConfig returns defaults for a 640x480 webcam.
func DefaultConfig() Config {
	return Config{
		MeshURL:     "http://localhost:8091",
		Width:       640,
		Height:      480,
		MeshTimeout: 2 * time.Second,
	}
}

// maxGatedFaces is how many meshes to request when a face gate can choose
// between them.
const maxGatedFaces = 4

// maxConsecutiveFailures is how many frames in a row may fail landmark
// extraction before Next gives up on the camera.
const maxConsecutiveFailures = 30

// healthChecker is implemented by models that can report reachability.
type healthChecker interface {
	Health(ctx context.Context) error
}

type frame struct {
	jpeg []byte
	at   time.Time
	err  error
}

// Source is a landmark.Source backed by a capture device.
type Source struct {
	index    int
	cfg      Config
	model    mesh.Model
	detector detection.Detector // nil disables the face gate
	logger   *slog.Logger

	mu      sync.Mutex
	capture *gocv.VideoCapture
	frames  chan frame
	done    chan struct{}
	wg      sync.WaitGroup
	closed  bool

	samples  atomic.Int64
	noFace   atomic.Int64
	failures atomic.Int64
	streak   atomic.Int64 // consecutive failed frames
}

// New creates a camera source. detector may be nil.
func New(index int, cfg Config, model mesh.Model, detector detection.Detector, logger *slog.Logger) *Source {
	if logger == nil {
		logger = slog.Default()
	}
	return &Source{
		index:    index,
		cfg:      cfg,
		model:    model,
		detector: detector,
		logger:   logger.With("camera", index),
	}
}

// Factory returns a landmark.CameraFunc that builds camera sources with cfg.
func Factory(cfg Config) landmark.CameraFunc {
	return func(lcfg landmark.Config, logger *slog.Logger) (landmark.Source, error) {
		if logger == nil {
			logger = slog.Default()
		}
		if cfg.MeshURL == "" {
			return nil, fmt.Errorf("%w: no landmark model configured", landmark.ErrSourceUnavailable)
		}
		opts := []mesh.RemoteOption{mesh.WithTimeout(cfg.MeshTimeout)}

		var det detection.Detector
		if cfg.DetectorModel != "" {
			dcfg := detection.DefaultConfig()
			dcfg.ModelPath = cfg.DetectorModel
			yunet, err := detection.NewYuNet(dcfg, logger)
			if err != nil {
				logger.Warn("face detector unavailable, running without gate", "error", err)
			} else {
				det = yunet
				// The gate picks the subject among several meshes.
				opts = append(opts, mesh.WithMaxFaces(maxGatedFaces))
			}
		}
		model := mesh.NewRemote(cfg.MeshURL, opts...)
		return New(lcfg.CameraIndex, cfg, model, det, logger), nil
	}
}

// Open opens the capture device and starts reading frames.
func (s *Source) Open(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return landmark.ErrClosed
	}
	if s.capture != nil {
		return nil
	}
	if s.model == nil {
		return fmt.Errorf("%w: no landmark model", landmark.ErrSourceUnavailable)
	}
	if hc, ok := s.model.(healthChecker); ok {
		if err := hc.Health(ctx); err != nil {
			return fmt.Errorf("%w: %v", landmark.ErrSourceUnavailable, err)
		}
	}

	capture, err := gocv.OpenVideoCapture(s.index)
	if err != nil {
		return fmt.Errorf("%w: open camera %d: %v", landmark.ErrSourceUnavailable, s.index, err)
	}
	if !capture.IsOpened() {
		capture.Close()
		return fmt.Errorf("%w: camera %d not opened", landmark.ErrSourceUnavailable, s.index)
	}
	if s.cfg.Width > 0 && s.cfg.Height > 0 {
		capture.Set(gocv.VideoCaptureFrameWidth, float64(s.cfg.Width))
		capture.Set(gocv.VideoCaptureFrameHeight, float64(s.cfg.Height))
	}
	capture.Set(gocv.VideoCaptureBufferSize, 1)

	s.capture = capture
	s.frames = make(chan frame, 1)
	s.done = make(chan struct{})

	s.wg.Add(1)
	go s.readLoop(capture, s.frames, s.done)

	s.logger.Info("camera landmark source opened",
		"gate", s.detector != nil,
		"mesh", s.cfg.MeshURL,
	)
	return nil
}

// readLoop keeps only the newest frame so a slow landmark model never
// works on stale images.
func (s *Source) readLoop(capture *gocv.VideoCapture, out chan frame, done chan struct{}) {
	defer s.wg.Done()

	img := gocv.NewMat()
	defer img.Close()

	for {
		select {
		case <-done:
			return
		default:
		}

		f := frame{at: time.Now()}
		if ok := capture.Read(&img); !ok || img.Empty() {
			f.err = io.EOF
		} else {
			buf, err := gocv.IMEncode(gocv.JPEGFileExt, img)
			if err != nil {
				f.err = fmt.Errorf("encode frame: %w", err)
			} else {
				f.jpeg = append([]byte(nil), buf.GetBytes()...)
				buf.Close()
			}
		}

		// Drop the unread frame, if any.
		select {
		case <-out:
		default:
		}
		select {
		case out <- f:
		case <-done:
			return
		}
		if f.err != nil {
			return
		}
	}
}

// Next returns the sample for the newest frame.
func (s *Source) Next(ctx context.Context) (landmark.Sample, error) {
	s.mu.Lock()
	frames, done := s.frames, s.done
	s.mu.Unlock()
	if frames == nil {
		return landmark.Sample{}, landmark.ErrNotOpen
	}

	select {
	case f := <-frames:
		if f.err != nil {
			if !errors.Is(f.err, io.EOF) {
				s.failures.Add(1)
			}
			return landmark.Sample{}, f.err
		}
		return s.sample(ctx, f.jpeg, f.at)
	case <-done:
		return landmark.Sample{}, landmark.ErrClosed
	case <-ctx.Done():
		return landmark.Sample{}, ctx.Err()
	}
}

// sample runs one encoded frame through the gate and the landmark model.
// A frame whose landmarks cannot be extracted becomes a failed sample; only
// a long run of them is returned as an error.
func (s *Source) sample(ctx context.Context, jpeg []byte, at time.Time) (landmark.Sample, error) {
	var subject *detection.Detection
	if s.detector != nil {
		dets, err := s.detector.Detect(jpeg)
		if err != nil {
			s.logger.Debug("face gate failed, asking the landmark model", "error", err)
		} else if len(dets) == 0 {
			return s.noFaceAt(at), nil
		} else {
			subject = detection.SelectBest(dets)
		}
	}

	meshes, err := s.model.Landmarks(ctx, jpeg)
	if err != nil {
		return s.failedAt(at, fmt.Errorf("landmarks: %w", err))
	}
	if len(meshes) == 0 {
		return s.noFaceAt(at), nil
	}

	face, err := mesh.ToFace(pickMesh(meshes, subject))
	if err != nil {
		return s.failedAt(at, fmt.Errorf("landmarks: %w", err))
	}
	s.streak.Store(0)
	s.samples.Add(1)
	return landmark.Sample{Face: face, At: at}, nil
}

func (s *Source) failedAt(at time.Time, err error) (landmark.Sample, error) {
	s.failures.Add(1)
	if n := s.streak.Add(1); n >= maxConsecutiveFailures {
		return landmark.Sample{}, fmt.Errorf("%d consecutive frames failed: %w", n, err)
	}
	s.logger.Debug("frame without landmarks", "error", err)
	s.samples.Add(1)
	sample := landmark.FailedSample(err)
	sample.At = at
	return sample, nil
}

// pickMesh returns the mesh whose centroid is closest to the subject the
// gate selected, or the first mesh without a subject.
func pickMesh(meshes [][]ear.Point, subject *detection.Detection) []ear.Point {
	if subject == nil || len(meshes) == 1 {
		return meshes[0]
	}
	cx, cy := subject.Center()
	target := ear.Point{X: cx, Y: cy}

	best, bestDist := 0, math.Inf(1)
	for i, m := range meshes {
		if len(m) == 0 {
			continue
		}
		var c ear.Point
		for _, p := range m {
			c.X += p.X
			c.Y += p.Y
		}
		c.X /= float64(len(m))
		c.Y /= float64(len(m))
		if d := ear.Distance(c, target); d < bestDist {
			best, bestDist = i, d
		}
	}
	return meshes[best]
}

func (s *Source) noFaceAt(at time.Time) landmark.Sample {
	s.samples.Add(1)
	s.noFace.Add(1)
	return landmark.Sample{At: at}
}

// Provenance returns ProvenanceCamera.
func (s *Source) Provenance() landmark.Provenance {
	return landmark.ProvenanceCamera
}

// Name returns "camera".
func (s *Source) Name() string {
	return string(landmark.BackendCamera)
}

// Close stops capture and releases the device, the model and the detector.
func (s *Source) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	capture, done := s.capture, s.done
	s.mu.Unlock()

	if done != nil {
		close(done)
	}
	s.wg.Wait()

	var errs []error
	if capture != nil {
		errs = append(errs, capture.Close())
	}
	if s.model != nil {
		errs = append(errs, s.model.Close())
	}
	if s.detector != nil {
		errs = append(errs, s.detector.Close())
	}

	s.logger.Info("camera landmark source closed", "samples", s.samples.Load())
	return errors.Join(errs...)
}

// Stats returns source statistics.
func (s *Source) Stats() landmark.Stats {
	s.mu.Lock()
	open := s.capture != nil && !s.closed
	s.mu.Unlock()
	return landmark.Stats{
		Samples: s.samples.Load(),
		NoFace:  s.noFace.Load(),
		Errors:  s.failures.Load(),
		Open:    open,
		Backend: s.Name(),
	}
}

var _ landmark.SourceWithStats = (*Source)(nil)
