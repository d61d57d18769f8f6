package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/teslashibe/go-fatigue/pkg/alert"
	"github.com/teslashibe/go-fatigue/pkg/fatigue"
	"github.com/teslashibe/go-fatigue/pkg/landmark"
	"github.com/teslashibe/go-fatigue/pkg/landmark/mesh"
)

// ErrIncompleteLandmarks is returned for a landmarks message that has
// neither both eyes nor a mesh.
var ErrIncompleteLandmarks = errors.New("protocol: landmarks need both eyes or a mesh")

// =============================================================================
// Helper functions for creating messages
// =============================================================================

// NewSampleMessage encodes a sample as a landmarks, no_face or failed
// message. The synthetic flag and capture time travel with every kind.
func NewSampleMessage(s landmark.Sample, frameID uint64) (*Message, error) {
	var at int64
	if !s.At.IsZero() {
		at = s.At.UnixMilli()
	}

	switch {
	case s.Failed():
		return NewMessage(TypeFailed, FrameData{
			FrameID:    frameID,
			Synthetic:  s.Synthetic,
			CapturedAt: at,
			Reason:     s.Failure.Error(),
		})
	case !s.HasFace():
		return NewMessage(TypeNoFace, FrameData{
			FrameID:    frameID,
			Synthetic:  s.Synthetic,
			CapturedAt: at,
		})
	}

	left, right := s.Face.Left, s.Face.Right
	return NewMessage(TypeLandmarks, LandmarksData{
		FrameID:    frameID,
		Left:       &left,
		Right:      &right,
		Synthetic:  s.Synthetic,
		CapturedAt: at,
	})
}

// NewEndMessage creates an end-of-stream message.
func NewEndMessage() (*Message, error) {
	return NewMessage(TypeEnd, nil)
}

// NewTickMessage creates a tick message from a session event.
func NewTickMessage(ev fatigue.TickEvent) (*Message, error) {
	return NewMessage(TypeTick, TickData{
		SessionID:       ev.SessionID,
		Tick:            ev.Tick,
		Phase:           ev.Phase.String(),
		FaceDetected:    ev.FaceDetected,
		InvalidGeometry: ev.InvalidGeometry,
		EAR:             ev.EAR,
		LeftEAR:         ev.Left,
		RightEAR:        ev.Right,
		ClosedSeconds:   ev.ClosedFor.Seconds(),
		FatigueDetected: ev.FatigueDetected,
		Entered:         ev.Entered,
		Provenance:      string(ev.Provenance),
		Synthetic:       ev.Synthetic,
	})
}

// NewResultMessage creates a result message. rec may be nil when the alert
// mode emitted nothing; runErr, if set, is reported alongside the outcome.
func NewResultMessage(o fatigue.Outcome, rec alert.Record, runErr error) (*Message, error) {
	data := ResultData{
		SessionID: o.SessionID,
		Reason:    string(o.Reason),
	}
	if rec != nil {
		raw, err := json.Marshal(rec)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal record: %w", err)
		}
		data.Emitted = true
		data.Record = raw
	}
	if runErr != nil {
		data.Error = runErr.Error()
	}
	return NewMessage(TypeResult, data)
}

// NewErrorMessage creates an error message.
func NewErrorMessage(err error) (*Message, error) {
	return NewMessage(TypeError, ErrorData{Message: err.Error()})
}

// NewPingMessage creates a ping message
func NewPingMessage(id string) (*Message, error) {
	return NewMessage(TypePing, PingData{
		ID:        id,
		Timestamp: time.Now().UnixMilli(),
	})
}

// NewPongMessage creates a pong response message
func NewPongMessage(id string, pingTS, pongTS int64) (*Message, error) {
	return NewMessage(TypePong, PongData{
		ID:        id,
		PingTS:    pingTS,
		PongTS:    pongTS,
		LatencyMs: pongTS - pingTS,
	})
}

// =============================================================================
// Helper functions for parsing messages
// =============================================================================

// GetLandmarksData extracts landmarks from a message
func (m *Message) GetLandmarksData() (*LandmarksData, error) {
	var data LandmarksData
	if err := m.ParseData(&data); err != nil {
		return nil, err
	}
	return &data, nil
}

// Sample converts the landmarks into a face sample. A mesh too short to
// hold both eyes yields a failed sample, not an error.
func (d *LandmarksData) Sample() (landmark.Sample, error) {
	s := landmark.Sample{Synthetic: d.Synthetic, At: unixMilli(d.CapturedAt)}

	switch {
	case d.Left != nil && d.Right != nil:
		s.Face = &landmark.Face{Left: *d.Left, Right: *d.Right}
	case len(d.Mesh) > 0:
		face, err := mesh.ToFace(d.Mesh)
		if err != nil {
			s.Failure = fmt.Errorf("frame %d: %w", d.FrameID, err)
			return s, nil
		}
		s.Face = face
	default:
		return landmark.Sample{}, ErrIncompleteLandmarks
	}
	return s, nil
}

// GetFrameData extracts the payload of a no_face or failed message. A
// message without a payload yields the zero FrameData.
func (m *Message) GetFrameData() (*FrameData, error) {
	var data FrameData
	if err := m.ParseData(&data); err != nil {
		return nil, err
	}
	return &data, nil
}

// NoFaceSample converts the payload into a "no face in frame" sample.
func (d *FrameData) NoFaceSample() landmark.Sample {
	return landmark.Sample{Synthetic: d.Synthetic, At: unixMilli(d.CapturedAt)}
}

// FailedSample converts the payload into a failed sample.
func (d *FrameData) FailedSample() landmark.Sample {
	reason := d.Reason
	if reason == "" {
		reason = "no reason given"
	}
	s := landmark.FailedSample(&FrameError{FrameID: d.FrameID, Reason: reason})
	s.Synthetic = d.Synthetic
	s.At = unixMilli(d.CapturedAt)
	return s
}

// FrameError is a landmark extraction failure reported by a producer.
type FrameError struct {
	FrameID uint64
	Reason  string
}

func (e *FrameError) Error() string {
	return fmt.Sprintf("producer frame %d: %s", e.FrameID, e.Reason)
}

func unixMilli(ms int64) time.Time {
	if ms <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

// GetTickData extracts tick data from a message
func (m *Message) GetTickData() (*TickData, error) {
	var data TickData
	if err := m.ParseData(&data); err != nil {
		return nil, err
	}
	return &data, nil
}

// GetResultData extracts result data from a message
func (m *Message) GetResultData() (*ResultData, error) {
	var data ResultData
	if err := m.ParseData(&data); err != nil {
		return nil, err
	}
	return &data, nil
}

// GetErrorData extracts error data from a message
func (m *Message) GetErrorData() (*ErrorData, error) {
	var data ErrorData
	if err := m.ParseData(&data); err != nil {
		return nil, err
	}
	return &data, nil
}

// GetPingData extracts ping data from a message
func (m *Message) GetPingData() (*PingData, error) {
	var data PingData
	if err := m.ParseData(&data); err != nil {
		return nil, err
	}
	return &data, nil
}

// GetPongData extracts pong data from a message
func (m *Message) GetPongData() (*PongData, error) {
	var data PongData
	if err := m.ParseData(&data); err != nil {
		return nil, err
	}
	return &data, nil
}
