// Package protocol defines the WebSocket message types exchanged with
// landmark producers (browsers streaming face landmarks) and telemetry
// viewers.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/teslashibe/go-fatigue/pkg/ear"
)

// MessageType identifies the type of WebSocket message
type MessageType string

const (
	// Producer → server messages
	TypeLandmarks MessageType = "landmarks" // One frame of face landmarks
	TypeNoFace    MessageType = "no_face"   // Frame without a face
	TypeFailed    MessageType = "failed"    // Frame whose landmarks could not be extracted
	TypeEnd       MessageType = "end"       // Producer is done

	// Server → client messages
	TypeTick   MessageType = "tick"   // Per-frame detection state
	TypeResult MessageType = "result" // Session outcome and alert record
	TypeError  MessageType = "error"  // Rejected message or failed session

	// Bidirectional
	TypePing MessageType = "ping" // Health check
	TypePong MessageType = "pong" // Health check response
)

// Message is the base wrapper for all WebSocket messages
type Message struct {
	Type      MessageType     `json:"type"`
	Timestamp int64           `json:"ts,omitempty"` // Unix milliseconds
	Data      json.RawMessage `json:"data,omitempty"`
}

// NewMessage creates a new message with the current timestamp
func NewMessage(msgType MessageType, data any) (*Message, error) {
	var rawData json.RawMessage
	if data != nil {
		var err error
		rawData, err = json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal message data: %w", err)
		}
	}

	return &Message{
		Type:      msgType,
		Timestamp: time.Now().UnixMilli(),
		Data:      rawData,
	}, nil
}

// ParseData unmarshals the message data into the provided struct
func (m *Message) ParseData(v any) error {
	if m.Data == nil {
		return nil
	}
	return json.Unmarshal(m.Data, v)
}

// Bytes returns the JSON-encoded message
func (m *Message) Bytes() ([]byte, error) {
	return json.Marshal(m)
}

// ParseMessage parses a JSON message from bytes
func ParseMessage(data []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("failed to parse message: %w", err)
	}
	if msg.Type == "" {
		return nil, fmt.Errorf("failed to parse message: missing type")
	}
	return &msg, nil
}

// =============================================================================
// Producer → Server Message Types
// =============================================================================

// LandmarksData carries one frame of landmarks. Producers send either both
// six-point eyes or a full FaceMesh.
type LandmarksData struct {
	FrameID uint64 `json:"frame_id,omitempty"`

	Left  *ear.Eye `json:"left,omitempty"`
	Right *ear.Eye `json:"right,omitempty"`

	// Mesh is a 468-point FaceMesh in MediaPipe order.
	Mesh []ear.Point `json:"mesh,omitempty"`

	// Synthetic marks landmarks with no measured face behind them.
	Synthetic bool `json:"synthetic,omitempty"`

	// CapturedAt is the producer's capture time in Unix milliseconds.
	CapturedAt int64 `json:"captured_at,omitempty"`
}

// FrameData describes a frame that carries no landmarks: a no_face or a
// failed message. The payload is optional.
type FrameData struct {
	FrameID    uint64 `json:"frame_id,omitempty"`
	Synthetic  bool   `json:"synthetic,omitempty"`
	CapturedAt int64  `json:"captured_at,omitempty"`

	// Reason says why extraction failed. Only failed messages set it.
	Reason string `json:"reason,omitempty"`
}

// =============================================================================
// Server → Client Message Types
// =============================================================================

// TickData is the detection state after one frame.
type TickData struct {
	SessionID       string  `json:"session_id"`
	Tick            int     `json:"tick"`
	Phase           string  `json:"phase"`
	FaceDetected    bool    `json:"face_detected"`
	InvalidGeometry bool    `json:"invalid_geometry,omitempty"`
	EAR             float64 `json:"ear"`
	LeftEAR         float64 `json:"left_ear"`
	RightEAR        float64 `json:"right_ear"`
	ClosedSeconds   float64 `json:"closed_seconds"`
	FatigueDetected bool    `json:"fatigue_detected"`
	Entered         bool    `json:"entered,omitempty"`
	Provenance      string  `json:"provenance"`
	Synthetic       bool    `json:"synthetic"`
}

// ResultData ends a session. Record is the alert record, absent when the
// alert mode emits nothing for this outcome.
type ResultData struct {
	SessionID string          `json:"session_id"`
	Reason    string          `json:"reason"`
	Emitted   bool            `json:"emitted"`
	Record    json.RawMessage `json:"record,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// ErrorData reports a problem to the peer.
type ErrorData struct {
	Message string `json:"message"`
}

// =============================================================================
// Bidirectional Message Types
// =============================================================================

// PingData contains ping information
type PingData struct {
	ID        string `json:"id"`
	Timestamp int64  `json:"ts"`
}

// PongData contains pong response
type PongData struct {
	ID        string `json:"id"`
	PingTS    int64  `json:"ping_ts"`
	PongTS    int64  `json:"pong_ts"`
	LatencyMs int64  `json:"latency_ms"`
}
