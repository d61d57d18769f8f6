// Package ear computes the eye aspect ratio (EAR) from six eyelid landmarks.
//
// The six points of an Eye follow a fixed anatomical order:
//
//	0: outer corner   1: upper lid (outer)   2: upper lid (inner)
//	3: inner corner   4: lower lid (inner)   5: lower lid (outer)
//
// Vertical spans are measured between points 1-5 and 2-4, the horizontal span
// between the corners 0-3. EAR = (v1 + v2) / (2 * h). An open eye is around
// 0.25-0.35, a closed one approaches 0.
package ear

import (
	"errors"
	"fmt"
	"math"
)

// ErrInvalidGeometry is returned when the eye landmarks cannot produce a ratio,
// e.g. a zero horizontal span or non-finite coordinates.
var ErrInvalidGeometry = errors.New("ear: invalid eye geometry")

// Point is a 2-D landmark coordinate, normalized or in pixels.
type Point struct {
	X float64 `json:"x" yaml:"x"`
	Y float64 `json:"y" yaml:"y"`
}

// Eye holds the six landmarks of one eye in anatomical order.
type Eye [6]Point

// Metric selects how point-pair distances are measured.
type Metric int

const (
	// Euclidean measures straight-line distance between each pair.
	Euclidean Metric = iota
	// AxisAligned measures |dy| for the lid pairs and |dx| for the corners.
	// This matches landmark models whose eye box is roughly axis-aligned.
	AxisAligned
)

// String returns the metric name.
func (m Metric) String() string {
	switch m {
	case Euclidean:
		return "euclidean"
	case AxisAligned:
		return "axis"
	default:
		return fmt.Sprintf("metric(%d)", int(m))
	}
}

// GeometryError describes why an eye could not be measured.
type GeometryError struct {
	Reason string
}

// Error implements the error interface.
func (e *GeometryError) Error() string {
	return fmt.Sprintf("%v: %s", ErrInvalidGeometry, e.Reason)
}

// Unwrap returns ErrInvalidGeometry.
func (e *GeometryError) Unwrap() error {
	return ErrInvalidGeometry
}

// Compute returns the Euclidean eye aspect ratio.
func Compute(eye Eye) (float64, error) {
	return ComputeWith(eye, Euclidean)
}

// ComputeWith returns the eye aspect ratio using the given distance metric.
// It never returns a ratio for a degenerate eye; callers must treat the error
// as "no measurement", not as a closed eye.
func ComputeWith(eye Eye, m Metric) (float64, error) {
	for i, p := range eye {
		if !finite(p.X) || !finite(p.Y) {
			return 0, &GeometryError{Reason: fmt.Sprintf("point %d is not finite", i)}
		}
	}

	var v1, v2, h float64
	switch m {
	case AxisAligned:
		v1 = math.Abs(eye[1].Y - eye[5].Y)
		v2 = math.Abs(eye[2].Y - eye[4].Y)
		h = math.Abs(eye[0].X - eye[3].X)
	default:
		v1 = Distance(eye[1], eye[5])
		v2 = Distance(eye[2], eye[4])
		h = Distance(eye[0], eye[3])
	}

	if h == 0 {
		return 0, &GeometryError{Reason: "zero horizontal span"}
	}

	return (v1 + v2) / (2 * h), nil
}

// Average returns the mean of the left and right ratios.
func Average(left, right float64) float64 {
	return (left + right) / 2
}

// Distance returns the Euclidean distance between two points.
func Distance(a, b Point) float64 {
	return math.Hypot(a.X-b.X, a.Y-b.Y)
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
