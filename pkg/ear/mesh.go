package ear

import "fmt"

// MediaPipe FaceMesh indices for the six EAR points of each eye.
// Left/right are from the subject's point of view.
var (
	LeftEyeMesh  = [6]int{33, 160, 158, 133, 153, 144}
	RightEyeMesh = [6]int{362, 385, 387, 263, 373, 380}
)

// FromMesh extracts an Eye from a dense landmark mesh using the given indices.
func FromMesh(points []Point, idx [6]int) (Eye, error) {
	var eye Eye
	for i, n := range idx {
		if n < 0 || n >= len(points) {
			return Eye{}, &GeometryError{Reason: fmt.Sprintf("mesh index %d out of range (mesh has %d points)", n, len(points))}
		}
		eye[i] = points[n]
	}
	return eye, nil
}

// EllipseEye returns six points on an ellipse centred at (cx, cy) with the
// given half-width and half-height. Lid points sit at ±60° from the corners,
// so the resulting EAR is halfHeight*sin(60°)/halfWidth.
//
// Useful for synthetic sources and tests.
func EllipseEye(cx, cy, halfWidth, halfHeight float64) Eye {
	const c = 0.5                // cos 60°
	const s = 0.8660254037844386 // sin 60°
	return Eye{
		{X: cx - halfWidth, Y: cy},
		{X: cx - c*halfWidth, Y: cy - s*halfHeight},
		{X: cx + c*halfWidth, Y: cy - s*halfHeight},
		{X: cx + halfWidth, Y: cy},
		{X: cx + c*halfWidth, Y: cy + s*halfHeight},
		{X: cx - c*halfWidth, Y: cy + s*halfHeight},
	}
}

// EyeWithRatio returns an ellipse eye whose Euclidean EAR equals ratio.
func EyeWithRatio(cx, cy, halfWidth, ratio float64) Eye {
	const s = 0.8660254037844386
	return EllipseEye(cx, cy, halfWidth, ratio*halfWidth/s)
}
