package ear

import (
	"errors"
	"math"
	"sync"
	"testing"
)

func TestCompute_Ellipse(t *testing.T) {
	tests := []struct {
		name       string
		halfWidth  float64
		halfHeight float64
	}{
		{"circle", 1, 1},
		{"wide open", 30, 12},
		{"half closed", 30, 4},
		{"nearly closed", 0.04, 0.001},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			eye := EllipseEye(100, 50, tc.halfWidth, tc.halfHeight)
			want := tc.halfHeight * math.Sin(math.Pi/3) / tc.halfWidth

			got, err := Compute(eye)
			if err != nil {
				t.Fatalf("Compute: %v", err)
			}
			if math.Abs(got-want) > 1e-6 {
				t.Errorf("EAR = %v, want %v", got, want)
			}

			axis, err := ComputeWith(eye, AxisAligned)
			if err != nil {
				t.Fatalf("ComputeWith(AxisAligned): %v", err)
			}
			if math.Abs(axis-want) > 1e-6 {
				t.Errorf("axis EAR = %v, want %v", axis, want)
			}
		})
	}
}

func TestEyeWithRatio(t *testing.T) {
	for _, ratio := range []float64{0.05, 0.12, 0.18, 0.3, 0.45} {
		got, err := Compute(EyeWithRatio(0.4, 0.4, 0.03, ratio))
		if err != nil {
			t.Fatalf("Compute: %v", err)
		}
		if math.Abs(got-ratio) > 1e-6 {
			t.Errorf("ratio %v: got %v", ratio, got)
		}
	}
}

func TestCompute_DegenerateGeometry(t *testing.T) {
	// All six points share one x: zero horizontal span for both metrics.
	flat := Eye{{1, 1}, {1, 0}, {1, 0}, {1, 1}, {1, 2}, {1, 2}}
	for _, m := range []Metric{Euclidean, AxisAligned} {
		ratio, err := ComputeWith(flat, m)
		if err == nil {
			t.Fatalf("%v: expected error, got ratio %v", m, ratio)
		}
		if !errors.Is(err, ErrInvalidGeometry) {
			t.Errorf("%v: error %v is not ErrInvalidGeometry", m, err)
		}
		var gerr *GeometryError
		if !errors.As(err, &gerr) {
			t.Errorf("%v: error should be *GeometryError", m)
		}
	}

	// Corners coincide but lids are apart: still degenerate, never a number.
	collapsed := Eye{{5, 5}, {4, 3}, {6, 3}, {5, 5}, {6, 7}, {4, 7}}
	if _, err := Compute(collapsed); !errors.Is(err, ErrInvalidGeometry) {
		t.Errorf("collapsed corners: expected ErrInvalidGeometry, got %v", err)
	}
}

func TestCompute_AxisAlignedVertical(t *testing.T) {
	// Corners stacked vertically: Euclidean works, axis-aligned has no width.
	eye := Eye{{0, 0}, {1, 1}, {1, 2}, {0, 3}, {2, 2}, {2, 1}}
	if _, err := Compute(eye); err != nil {
		t.Errorf("Euclidean: unexpected error %v", err)
	}
	if _, err := ComputeWith(eye, AxisAligned); !errors.Is(err, ErrInvalidGeometry) {
		t.Errorf("AxisAligned: expected ErrInvalidGeometry, got %v", err)
	}
}

func TestCompute_NonFinite(t *testing.T) {
	eye := EllipseEye(0, 0, 1, 0.3)
	eye[2].Y = math.NaN()
	if _, err := Compute(eye); !errors.Is(err, ErrInvalidGeometry) {
		t.Errorf("NaN point: expected ErrInvalidGeometry, got %v", err)
	}

	eye = EllipseEye(0, 0, 1, 0.3)
	eye[0].X = math.Inf(-1)
	if _, err := Compute(eye); !errors.Is(err, ErrInvalidGeometry) {
		t.Errorf("Inf point: expected ErrInvalidGeometry, got %v", err)
	}
}

func TestAverage(t *testing.T) {
	if got := Average(0.2, 0.3); math.Abs(got-0.25) > 1e-12 {
		t.Errorf("Average = %v, want 0.25", got)
	}
}

func TestFromMesh(t *testing.T) {
	mesh := make([]Point, 478)
	for i := range mesh {
		mesh[i] = Point{X: float64(i), Y: float64(i) * 2}
	}

	eye, err := FromMesh(mesh, LeftEyeMesh)
	if err != nil {
		t.Fatalf("FromMesh: %v", err)
	}
	for i, n := range LeftEyeMesh {
		if eye[i] != mesh[n] {
			t.Errorf("point %d = %+v, want mesh[%d] = %+v", i, eye[i], n, mesh[n])
		}
	}

	if _, err := FromMesh(mesh[:300], RightEyeMesh); !errors.Is(err, ErrInvalidGeometry) {
		t.Errorf("truncated mesh: expected ErrInvalidGeometry, got %v", err)
	}
}

func TestMetricString(t *testing.T) {
	if Euclidean.String() != "euclidean" || AxisAligned.String() != "axis" {
		t.Errorf("unexpected names: %s %s", Euclidean, AxisAligned)
	}
}

func TestCompute_Concurrent(t *testing.T) {
	eye := EyeWithRatio(0, 0, 1, 0.27)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				got, err := Compute(eye)
				if err != nil || math.Abs(got-0.27) > 1e-9 {
					t.Errorf("concurrent Compute = %v, %v", got, err)
					return
				}
			}
		}()
	}
	wg.Wait()
}
