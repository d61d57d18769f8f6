package mesh

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/teslashibe/go-fatigue/internal/httpc"
	"github.com/teslashibe/go-fatigue/pkg/ear"
)

func TestToFace(t *testing.T) {
	face, err := ToFace(Synthetic(0.3, 0.1))
	if err != nil {
		t.Fatalf("ToFace: %v", err)
	}

	left, err := ear.Compute(face.Left)
	if err != nil {
		t.Fatalf("left: %v", err)
	}
	right, err := ear.Compute(face.Right)
	if err != nil {
		t.Fatalf("right: %v", err)
	}
	if math.Abs(left-0.3) > 1e-9 || math.Abs(right-0.1) > 1e-9 {
		t.Errorf("ratios = %v/%v, want 0.3/0.1", left, right)
	}
}

func TestToFace_Errors(t *testing.T) {
	if _, err := ToFace(nil); !errors.Is(err, ErrNoFace) {
		t.Errorf("empty mesh: expected ErrNoFace, got %v", err)
	}
	if _, err := ToFace(make([]ear.Point, 100)); !errors.Is(err, ear.ErrInvalidGeometry) {
		t.Errorf("short mesh: expected ErrInvalidGeometry, got %v", err)
	}
}

func TestRemote_Landmarks(t *testing.T) {
	mesh := Synthetic(0.25, 0.25)
	frame := []byte{0xff, 0xd8, 0xff}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/v1/facemesh" {
			http.NotFound(w, r)
			return
		}
		var req meshRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		img, _ := base64.StdEncoding.DecodeString(req.Image)
		if string(img) != string(frame) || req.MaxFaces != 1 {
			http.Error(w, "unexpected request", http.StatusBadRequest)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"faces": []map[string]any{{"landmarks": mesh}},
		})
	}))
	defer srv.Close()

	r := NewRemote(srv.URL + "/")
	meshes, err := r.Landmarks(context.Background(), frame)
	if err != nil {
		t.Fatalf("Landmarks: %v", err)
	}
	if len(meshes) != 1 || len(meshes[0]) != Points {
		t.Fatalf("got %d meshes", len(meshes))
	}
	if meshes[0][33] != mesh[33] {
		t.Errorf("point 33 = %+v, want %+v", meshes[0][33], mesh[33])
	}
}

func TestRemote_MaxFaces(t *testing.T) {
	var got int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req meshRequest
		json.NewDecoder(r.Body).Decode(&req)
		got = req.MaxFaces
		w.Write([]byte(`{"faces":[]}`))
	}))
	defer srv.Close()

	if _, err := NewRemote(srv.URL, WithMaxFaces(4)).Landmarks(context.Background(), []byte("x")); err != nil {
		t.Fatalf("Landmarks: %v", err)
	}
	if got != 4 {
		t.Errorf("max_faces = %d, want 4", got)
	}
}

func TestRemote_NoFaces(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"faces":[]}`))
	}))
	defer srv.Close()

	meshes, err := NewRemote(srv.URL).Landmarks(context.Background(), []byte("x"))
	if err != nil {
		t.Fatalf("Landmarks: %v", err)
	}
	if len(meshes) != 0 {
		t.Errorf("meshes = %d, want 0", len(meshes))
	}
}

func TestRemote_StatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not loaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := NewRemote(srv.URL).Landmarks(context.Background(), []byte("x"))
	var serr *httpc.StatusError
	if !errors.As(err, &serr) || serr.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("expected 503 StatusError, got %v", err)
	}
}

func TestRemote_Health(t *testing.T) {
	healthy := true
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !healthy {
			w.WriteHeader(http.StatusInternalServerError)
		}
	}))
	defer srv.Close()

	r := NewRemote(srv.URL)
	if err := r.Health(context.Background()); err != nil {
		t.Errorf("Health: %v", err)
	}
	healthy = false
	if err := r.Health(context.Background()); err == nil {
		t.Error("expected unhealthy error")
	}
}

func TestStatic(t *testing.T) {
	s := &Static{Meshes: [][]ear.Point{Synthetic(0.3, 0.3)}}
	if _, err := s.Landmarks(context.Background(), nil); err != nil {
		t.Fatal(err)
	}
	if s.CallCount() != 1 {
		t.Errorf("CallCount = %d", s.CallCount())
	}
}
