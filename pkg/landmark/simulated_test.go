package landmark

import (
	"context"
	"errors"
	"io"
	"math"
	"testing"
	"time"

	"github.com/teslashibe/go-fatigue/pkg/ear"
)

func TestSimulated_AlwaysSynthetic(t *testing.T) {
	src := NewSimulated(nil, WithSeed(7), WithLimit(50), WithNoFaceRate(0.2))
	defer src.Close()

	if src.Provenance() != ProvenanceSimulated {
		t.Fatalf("Provenance = %s, want simulated", src.Provenance())
	}
	if !src.Provenance().Synthetic() {
		t.Error("simulated provenance must report Synthetic")
	}

	ctx := context.Background()
	if err := src.Open(ctx); err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	for i := 0; i < 50; i++ {
		s, err := src.Next(ctx)
		if err != nil {
			t.Fatalf("Next %d: %v", i, err)
		}
		if !s.Synthetic {
			t.Fatalf("sample %d not flagged synthetic", i)
		}
	}

	if _, err := src.Next(ctx); !errors.Is(err, io.EOF) {
		t.Errorf("expected io.EOF after limit, got %v", err)
	}

	stats := src.Stats()
	if stats.Samples != 50 {
		t.Errorf("Samples = %d, want 50", stats.Samples)
	}
	if stats.NoFace == 0 {
		t.Error("expected some no-face ticks with a 20% rate")
	}
}

func TestSimulated_NotOpen(t *testing.T) {
	src := NewSimulated(nil)
	if _, err := src.Next(context.Background()); !errors.Is(err, ErrNotOpen) {
		t.Errorf("expected ErrNotOpen, got %v", err)
	}

	src.Close()
	if err := src.Open(context.Background()); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed on reopen, got %v", err)
	}
}

func TestSimulated_Episodes(t *testing.T) {
	src := NewSimulated(nil,
		WithSeed(1),
		WithBaseline(0.3, 0.02),
		WithEpisodes(Episode{Start: 3, Length: 2, EAR: 0.08}),
		WithLimit(6),
	)
	defer src.Close()

	ctx := context.Background()
	src.Open(ctx)

	for i := 0; i < 6; i++ {
		s, err := src.Next(ctx)
		if err != nil {
			t.Fatalf("Next %d: %v", i, err)
		}
		left, err := ear.Compute(s.Face.Left)
		if err != nil {
			t.Fatalf("Compute: %v", err)
		}

		inEpisode := i == 3 || i == 4
		switch {
		case inEpisode && math.Abs(left-0.08) > 1e-9:
			t.Errorf("tick %d: EAR = %v, want 0.08", i, left)
		case !inEpisode && (left < 0.28 || left > 0.32):
			t.Errorf("tick %d: EAR = %v, want 0.30±0.02", i, left)
		}
	}
}

func TestSimulated_Deterministic(t *testing.T) {
	read := func() []float64 {
		src := NewSimulated(nil, WithSeed(42), WithLimit(10))
		defer src.Close()
		src.Open(context.Background())

		var out []float64
		for {
			s, err := src.Next(context.Background())
			if err != nil {
				break
			}
			r, _ := ear.Compute(s.Face.Right)
			out = append(out, r)
		}
		return out
	}

	a, b := read(), read()
	if len(a) != 10 || len(b) != 10 {
		t.Fatalf("lengths = %d, %d, want 10", len(a), len(b))
	}
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("same seed diverged at %d: %v vs %v", i, a[i], b[i])
		}
	}
}

func TestSimulated_PacingRespectsContext(t *testing.T) {
	src := NewSimulated(nil, WithFrameRate(2)) // one sample every 500ms
	defer src.Close()
	src.Open(context.Background())

	// First token is immediate.
	if _, err := src.Next(context.Background()); err != nil {
		t.Fatalf("first Next: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := src.Next(ctx)
	if err == nil {
		t.Fatal("expected the paced Next to be interrupted")
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected DeadlineExceeded, got %v", err)
	}
	if time.Since(start) > 300*time.Millisecond {
		t.Errorf("Next blocked for %v, should return at the deadline", time.Since(start))
	}
}
