package protocol

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/teslashibe/go-fatigue/pkg/alert"
	"github.com/teslashibe/go-fatigue/pkg/ear"
	"github.com/teslashibe/go-fatigue/pkg/fatigue"
	"github.com/teslashibe/go-fatigue/pkg/landmark"
	"github.com/teslashibe/go-fatigue/pkg/landmark/mesh"
)

func TestNewMessage(t *testing.T) {
	tests := []struct {
		name    string
		msgType MessageType
		data    any
	}{
		{"landmarks message", TypeLandmarks, LandmarksData{FrameID: 7}},
		{"tick message", TypeTick, TickData{Tick: 3, Phase: "closing"}},
		{"nil data", TypeNoFace, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, err := NewMessage(tt.msgType, tt.data)
			if err != nil {
				t.Fatalf("NewMessage() error = %v", err)
			}
			if msg.Type != tt.msgType {
				t.Errorf("NewMessage() type = %v, want %v", msg.Type, tt.msgType)
			}
			if msg.Timestamp == 0 {
				t.Error("NewMessage() timestamp should be set")
			}
			if tt.data == nil && msg.Data != nil {
				t.Errorf("Data = %s, want none", msg.Data)
			}
		})
	}
}

func TestParseMessage(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    MessageType
		wantErr bool
	}{
		{"no_face", `{"type":"no_face"}`, TypeNoFace, false},
		{"end with ts", `{"type":"end","ts":1700000000000}`, TypeEnd, false},
		{"missing type", `{"data":{}}`, "", true},
		{"not json", `landmarks`, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, err := ParseMessage([]byte(tt.input))
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseMessage() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err == nil && msg.Type != tt.want {
				t.Errorf("Type = %s, want %s", msg.Type, tt.want)
			}
		})
	}
}

func TestLandmarksSample_Eyes(t *testing.T) {
	face := landmark.Face{
		Left:  ear.EyeWithRatio(0.3, 0.4, 0.05, 0.12),
		Right: ear.EyeWithRatio(0.7, 0.4, 0.05, 0.14),
	}
	msg, err := NewSampleMessage(landmark.Sample{Face: &face}, 42)
	if err != nil {
		t.Fatal(err)
	}
	raw, _ := msg.Bytes()

	parsed, err := ParseMessage(raw)
	if err != nil {
		t.Fatal(err)
	}
	data, err := parsed.GetLandmarksData()
	if err != nil {
		t.Fatal(err)
	}
	if data.FrameID != 42 {
		t.Errorf("FrameID = %d, want 42", data.FrameID)
	}

	sample, err := data.Sample()
	if err != nil {
		t.Fatalf("Sample() error = %v", err)
	}
	if !sample.HasFace() || sample.Face.Left != face.Left || sample.Face.Right != face.Right {
		t.Errorf("Sample() face = %+v", sample.Face)
	}
	if sample.Synthetic {
		t.Error("measured landmarks decoded as synthetic")
	}
}

// Every kind of sample keeps its synthetic flag and capture time on the wire.
func TestSampleMessage_RoundTrip(t *testing.T) {
	at := time.UnixMilli(1700000000456)
	face := landmark.FaceSample(ear.EyeWithRatio(0.3, 0.4, 0.05, 0.2), ear.EyeWithRatio(0.7, 0.4, 0.05, 0.2))

	simulated := face
	simulated.Synthetic = true
	simulated.At = at

	noFace := landmark.NoFace()
	noFace.Synthetic = true
	noFace.At = at

	failed := landmark.FailedSample(errors.New("landmarks: timeout"))
	failed.At = at

	tests := []struct {
		name       string
		sample     landmark.Sample
		wantType   MessageType
		wantFace   bool
		wantFailed bool
	}{
		{"simulated face", simulated, TypeLandmarks, true, false},
		{"simulated no face", noFace, TypeNoFace, false, false},
		{"failed frame", failed, TypeFailed, false, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, err := NewSampleMessage(tt.sample, 9)
			if err != nil {
				t.Fatal(err)
			}
			raw, _ := msg.Bytes()
			parsed, err := ParseMessage(raw)
			if err != nil {
				t.Fatal(err)
			}
			if parsed.Type != tt.wantType {
				t.Fatalf("Type = %s, want %s", parsed.Type, tt.wantType)
			}

			var got landmark.Sample
			switch parsed.Type {
			case TypeLandmarks:
				data, _ := parsed.GetLandmarksData()
				got, err = data.Sample()
				if err != nil {
					t.Fatal(err)
				}
			case TypeNoFace:
				data, _ := parsed.GetFrameData()
				got = data.NoFaceSample()
			case TypeFailed:
				data, _ := parsed.GetFrameData()
				got = data.FailedSample()
				if !strings.Contains(got.Failure.Error(), "landmarks: timeout") {
					t.Errorf("Failure = %v", got.Failure)
				}
			}

			if got.Synthetic != tt.sample.Synthetic {
				t.Errorf("Synthetic = %v, want %v", got.Synthetic, tt.sample.Synthetic)
			}
			if got.HasFace() != tt.wantFace || got.Failed() != tt.wantFailed {
				t.Errorf("HasFace = %v Failed = %v", got.HasFace(), got.Failed())
			}
			if !got.At.Equal(at) {
				t.Errorf("At = %v, want %v", got.At, at)
			}
		})
	}
}

func TestFrameData_Empty(t *testing.T) {
	msg, err := ParseMessage([]byte(`{"type":"no_face"}`))
	if err != nil {
		t.Fatal(err)
	}
	data, err := msg.GetFrameData()
	if err != nil {
		t.Fatal(err)
	}
	s := data.NoFaceSample()
	if s.HasFace() || s.Synthetic || !s.At.IsZero() {
		t.Errorf("bare no_face = %+v", s)
	}
}

func TestLandmarksSample_Mesh(t *testing.T) {
	raw, _ := json.Marshal(map[string]any{
		"type": "landmarks",
		"data": map[string]any{
			"mesh":        mesh.Synthetic(0.3, 0.1),
			"captured_at": 1700000000123,
		},
	})

	msg, err := ParseMessage(raw)
	if err != nil {
		t.Fatal(err)
	}
	data, _ := msg.GetLandmarksData()
	sample, err := data.Sample()
	if err != nil {
		t.Fatalf("Sample() error = %v", err)
	}

	right, _ := ear.Compute(sample.Face.Right)
	if right < 0.099 || right > 0.101 {
		t.Errorf("right EAR = %v, want 0.1", right)
	}
	if !sample.At.Equal(time.UnixMilli(1700000000123)) {
		t.Errorf("At = %v", sample.At)
	}
}

func TestLandmarksSample_Incomplete(t *testing.T) {
	left := ear.EyeWithRatio(0, 0, 1, 0.3)
	tests := []struct {
		name string
		data LandmarksData
	}{
		{"empty", LandmarksData{}},
		{"one eye", LandmarksData{Left: &left}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := tt.data.Sample(); !errors.Is(err, ErrIncompleteLandmarks) {
				t.Errorf("error = %v, want %v", err, ErrIncompleteLandmarks)
			}
		})
	}
}

func TestLandmarksSample_ShortMesh(t *testing.T) {
	data := LandmarksData{FrameID: 3, Mesh: make([]ear.Point, 50), Synthetic: true}

	sample, err := data.Sample()
	if err != nil {
		t.Fatalf("a short mesh must not reject the frame: %v", err)
	}
	if !sample.Failed() || sample.HasFace() {
		t.Fatalf("Failed = %v HasFace = %v", sample.Failed(), sample.HasFace())
	}
	if !errors.Is(sample.Failure, ear.ErrInvalidGeometry) {
		t.Errorf("Failure = %v, want ErrInvalidGeometry", sample.Failure)
	}
	if !sample.Synthetic {
		t.Error("synthetic flag lost")
	}
}

func TestNewSampleMessage_NoFace(t *testing.T) {
	msg, err := NewSampleMessage(landmark.NoFace(), 1)
	if err != nil {
		t.Fatal(err)
	}
	if msg.Type != TypeNoFace {
		t.Errorf("Type = %s, want no_face", msg.Type)
	}
}

func TestNewTickMessage(t *testing.T) {
	msg, err := NewTickMessage(fatigue.TickEvent{
		SessionID:       "s1",
		Tick:            12,
		Phase:           fatigue.PhaseFatigue,
		FaceDetected:    true,
		EAR:             0.11,
		ClosedFor:       3200 * time.Millisecond,
		FatigueDetected: true,
		Entered:         true,
		Provenance:      landmark.ProvenanceStream,
	})
	if err != nil {
		t.Fatal(err)
	}

	tick, err := msg.GetTickData()
	if err != nil {
		t.Fatal(err)
	}
	if tick.Phase != "fatigue_detected" || tick.ClosedSeconds != 3.2 || tick.Provenance != "stream" {
		t.Errorf("tick = %+v", tick)
	}
}

func TestNewResultMessage(t *testing.T) {
	out := fatigue.Outcome{
		SessionID:       "s1",
		FatigueDetected: true,
		ClosedDuration:  3400 * time.Millisecond,
		Thresholds:      fatigue.DefaultThresholds(),
		Provenance:      landmark.ProvenanceStream,
		Reason:          fatigue.StopEndOfStream,
	}
	rec, ok := alert.Map(out, alert.DefaultPolicy(), time.Unix(1700000000, 0))
	if !ok {
		t.Fatal("trigger mode should emit for a fatigued outcome")
	}

	msg, err := NewResultMessage(out, rec, nil)
	if err != nil {
		t.Fatal(err)
	}
	res, _ := msg.GetResultData()
	if !res.Emitted || res.Reason != "end_of_stream" || res.Error != "" {
		t.Errorf("result = %+v", res)
	}
	if !strings.Contains(string(res.Record), "3.40 seconds") {
		t.Errorf("record = %s", res.Record)
	}

	msg, _ = NewResultMessage(fatigue.Outcome{SessionID: "s2"}, nil, errors.New("stream broke"))
	res, _ = msg.GetResultData()
	if res.Emitted || res.Record != nil || res.Error != "stream broke" {
		t.Errorf("empty result = %+v", res)
	}
}

func TestPingPong(t *testing.T) {
	ping, _ := NewPingMessage("p1")
	pd, err := ping.GetPingData()
	if err != nil || pd.ID != "p1" || pd.Timestamp == 0 {
		t.Fatalf("ping = %+v, %v", pd, err)
	}

	pong, _ := NewPongMessage("p1", 1000, 1025)
	po, _ := pong.GetPongData()
	if po.LatencyMs != 25 {
		t.Errorf("LatencyMs = %d, want 25", po.LatencyMs)
	}
}

func TestErrorMessage(t *testing.T) {
	msg, _ := NewErrorMessage(errors.New("bad frame"))
	data, _ := msg.GetErrorData()
	if data.Message != "bad frame" {
		t.Errorf("Message = %q", data.Message)
	}
}
