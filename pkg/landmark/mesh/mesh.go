// Package mesh turns camera frames into dense face landmarks.
//
// The landmark model itself runs out of process (a MediaPipe FaceMesh
// sidecar); this package only speaks its HTTP API and maps the mesh onto
// the six-point eyes the fatigue engine measures.
package mesh

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/teslashibe/go-fatigue/internal/httpc"
	"github.com/teslashibe/go-fatigue/pkg/ear"
	"github.com/teslashibe/go-fatigue/pkg/landmark"
)

// Points is the number of landmarks in a full FaceMesh.
const Points = 468

// ErrNoFace is returned by ToFace when there is no mesh to read.
var ErrNoFace = errors.New("mesh: no face")

// Model produces face meshes from JPEG frames.
type Model interface {
	// Landmarks returns one mesh per detected face, best face first.
	// An empty result means no face was found.
	Landmarks(ctx context.Context, jpeg []byte) ([][]ear.Point, error)

	Close() error
}

// ToFace extracts both eyes from a mesh.
func ToFace(points []ear.Point) (*landmark.Face, error) {
	if len(points) == 0 {
		return nil, ErrNoFace
	}
	left, err := ear.FromMesh(points, ear.LeftEyeMesh)
	if err != nil {
		return nil, err
	}
	right, err := ear.FromMesh(points, ear.RightEyeMesh)
	if err != nil {
		return nil, err
	}
	return &landmark.Face{Left: left, Right: right}, nil
}

// Remote calls a FaceMesh service over HTTP.
type Remote struct {
	baseURL    string
	httpClient *http.Client
	maxFaces   int
}

// RemoteOption configures a Remote.
type RemoteOption func(*Remote)

// WithHTTPClient replaces the shared HTTP client.
func WithHTTPClient(c *http.Client) RemoteOption {
	return func(r *Remote) {
		r.httpClient = c
	}
}

// WithTimeout uses a dedicated client with the given timeout.
func WithTimeout(d time.Duration) RemoteOption {
	return func(r *Remote) {
		r.httpClient = httpc.NewClient(d)
	}
}

// WithMaxFaces asks the service for up to n meshes per frame.
func WithMaxFaces(n int) RemoteOption {
	return func(r *Remote) {
		if n > 0 {
			r.maxFaces = n
		}
	}
}

// NewRemote creates a client for the service at baseURL
// (e.g. "http://localhost:8091").
func NewRemote(baseURL string, opts ...RemoteOption) *Remote {
	r := &Remote{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpc.Client,
		maxFaces:   1,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

type meshRequest struct {
	Image    string `json:"image"`
	MaxFaces int    `json:"max_faces"`
}

type meshResponse struct {
	Faces []struct {
		Landmarks []ear.Point `json:"landmarks"`
	} `json:"faces"`
}

// Landmarks posts the frame to /v1/facemesh.
func (r *Remote) Landmarks(ctx context.Context, jpeg []byte) ([][]ear.Point, error) {
	req := meshRequest{
		Image:    base64.StdEncoding.EncodeToString(jpeg),
		MaxFaces: r.maxFaces,
	}
	var resp meshResponse
	if err := httpc.PostJSON(ctx, r.httpClient, r.baseURL+"/v1/facemesh", req, &resp); err != nil {
		return nil, fmt.Errorf("facemesh request failed: %w", err)
	}

	meshes := make([][]ear.Point, 0, len(resp.Faces))
	for _, f := range resp.Faces {
		meshes = append(meshes, f.Landmarks)
	}
	return meshes, nil
}

// Health checks that the service is reachable.
func (r *Remote) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.baseURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := r.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("facemesh not reachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("facemesh unhealthy: status %d", resp.StatusCode)
	}
	return nil
}

// Close is a no-op; the HTTP client is shared.
func (r *Remote) Close() error { return nil }

// Static is a Model that returns a fixed result, for tests.
type Static struct {
	mu     sync.Mutex
	Meshes [][]ear.Point
	Err    error
	Calls  int
}

// Landmarks returns the configured meshes.
func (s *Static) Landmarks(ctx context.Context, jpeg []byte) ([][]ear.Point, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Calls++
	if s.Err != nil {
		return nil, s.Err
	}
	return s.Meshes, nil
}

// Close implements Model.
func (s *Static) Close() error { return nil }

// CallCount returns how many times Landmarks was called.
func (s *Static) CallCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Calls
}

// Synthetic builds a full-size mesh whose eyes have the given ratios.
// All other points sit at the origin.
func Synthetic(leftRatio, rightRatio float64) []ear.Point {
	points := make([]ear.Point, Points)
	place := func(idx [6]int, eye ear.Eye) {
		for i, n := range idx {
			points[n] = eye[i]
		}
	}
	place(ear.LeftEyeMesh, ear.EyeWithRatio(0.35, 0.4, 0.05, leftRatio))
	place(ear.RightEyeMesh, ear.EyeWithRatio(0.65, 0.4, 0.05, rightRatio))
	return points
}

var (
	_ Model = (*Remote)(nil)
	_ Model = (*Static)(nil)
)
