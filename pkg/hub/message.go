// Package hub provides a thread-safe websocket broadcast hub
// using the idiomatic Go channel-based fan-out pattern.
//
// The fatigue server uses it to stream per-tick telemetry to any number of
// viewers without letting a slow viewer stall a detection session.
package hub

// Message is a pre-encoded JSON text frame to broadcast to clients.
type Message struct {
	Data []byte
}

// NewJSONMessage creates a message from pre-encoded JSON
func NewJSONMessage(data []byte) Message {
	return Message{Data: data}
}
