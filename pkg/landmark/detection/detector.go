// Package detection finds faces in camera frames. The camera source uses it
// as a cheap gate: frames without a face skip the landmark model and become
// explicit no-face samples.
package detection

import "github.com/teslashibe/go-fatigue/pkg/ear"

// Detection represents a detected face
type Detection struct {
	X, Y       float64 // Top-left corner (0-1 normalized)
	W, H       float64 // Width and height (0-1 normalized)
	Confidence float64 // Detection confidence (0-1)

	// Landmarks are YuNet's five coarse points, normalized:
	// right eye, left eye, nose tip, right mouth corner, left mouth corner.
	Landmarks [5]ear.Point
}

// Center returns the center point of the detection
func (d Detection) Center() (x, y float64) {
	return d.X + d.W/2, d.Y + d.H/2
}

// Area returns the area of the bounding box
func (d Detection) Area() float64 {
	return d.W * d.H
}

// EyeDistance returns the normalized distance between the two eye points.
// Faces too small for reliable eyelid landmarks have a tiny eye distance.
func (d Detection) EyeDistance() float64 {
	return ear.Distance(d.Landmarks[0], d.Landmarks[1])
}

// Detector is the interface for face detection backends
type Detector interface {
	// Detect finds faces in the image and returns their positions
	Detect(jpeg []byte) ([]Detection, error)

	// Close releases resources
	Close() error
}

// Config holds detector configuration
type Config struct {
	ModelPath        string  // Path to ONNX model
	ConfidenceThresh float64 // Minimum confidence (default 0.6)
	InputWidth       int     // Model input width
	InputHeight      int     // Model input height

	// MinEyeDistance drops faces whose eyes are closer than this
	// (normalized). 0 keeps every face.
	MinEyeDistance float64
}

// DefaultConfig returns production defaults for YuNet
func DefaultConfig() Config {
	return Config{
		ModelPath:        "models/face_detection_yunet.onnx",
		ConfidenceThresh: 0.6,
		InputWidth:       320,
		InputHeight:      320,
		MinEyeDistance:   0.03,
	}
}

// SelectBest picks the subject from multiple detections.
// Score: confidence * 0.7 + relative area * 0.3, so the nearest confident
// face wins over a background face.
func SelectBest(dets []Detection) *Detection {
	if len(dets) == 0 {
		return nil
	}

	if len(dets) == 1 {
		return &dets[0]
	}

	maxArea := 0.0
	for _, d := range dets {
		if d.Area() > maxArea {
			maxArea = d.Area()
		}
	}

	bestScore := -1.0
	var best *Detection

	for i := range dets {
		score := dets[i].Confidence * 0.7
		if maxArea > 0 {
			score += (dets[i].Area() / maxArea) * 0.3
		}
		if score > bestScore {
			bestScore = score
			best = &dets[i]
		}
	}

	return best
}

// Filter drops detections below the confidence threshold or with eyes too
// close together.
func Filter(dets []Detection, cfg Config) []Detection {
	out := dets[:0:0]
	for _, d := range dets {
		if d.Confidence < cfg.ConfidenceThresh {
			continue
		}
		if cfg.MinEyeDistance > 0 && d.EyeDistance() < cfg.MinEyeDistance {
			continue
		}
		out = append(out, d)
	}
	return out
}

// Static is a Detector that returns fixed detections, for tests and for
// running the camera source without a model.
type Static struct {
	Detections []Detection
	Err        error
	Calls      int
}

// Detect returns the configured detections.
func (s *Static) Detect(jpeg []byte) ([]Detection, error) {
	s.Calls++
	if s.Err != nil {
		return nil, s.Err
	}
	return append([]Detection(nil), s.Detections...), nil
}

// Close does nothing.
func (s *Static) Close() error { return nil }

var _ Detector = (*Static)(nil)
