package worker

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"

	"facelock/internal/config"
	"facelock/internal/face"
)

// MsgType tags every envelope crossing the worker boundary. Replies reuse the
// request ID; progress and ready messages are unsolicited (ID 0).
type MsgType string

const (
	MsgReady           MsgType = "ready"
	MsgLoadModels      MsgType = "load_models"
	MsgProgress        MsgType = "progress"
	MsgModelsLoaded    MsgType = "models_loaded"
	MsgDetectFaces     MsgType = "detect_faces"
	MsgDetectionResult MsgType = "detection_result"
	MsgWarmup          MsgType = "warmup"
	MsgWarmupResult    MsgType = "warmup_result"
	MsgPing            MsgType = "ping"
	MsgPong            MsgType = "pong"
	MsgError           MsgType = "error"
)

// Envelope is the tagged union carried on the wire.
type Envelope struct {
	Type    MsgType         `json:"type"`
	ID      uint64          `json:"id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// LoadModelsRequest asks the worker to load the detection, landmark and
// recognition models.
type LoadModelsRequest struct {
	Detector config.DetectorConfig `json:"detector"`
}

// Progress reports incremental model loading state.
type Progress struct {
	Stage    string  `json:"stage"` // "detector", "landmarks", "recognizer"
	Fraction float64 `json:"fraction"`
	Message  string  `json:"message,omitempty"`
}

// DetectRequest carries one frame buffer for inference.
type DetectRequest struct {
	Frame    []byte                `json:"frame"` // RGBA pixels, base64 on the wire
	Width    int                   `json:"width"`
	Height   int                   `json:"height"`
	Detector config.DetectorConfig `json:"detector"`
}

// DetectionResult is the reply to a DetectRequest.
type DetectionResult struct {
	Detections  []face.Detection `json:"detections"`
	InferenceMs float32          `json:"inference_ms"`
}

// WarmupRequest runs a functional self-test against a reference image, or a
// synthetic 1x1 buffer when no image is provided.
type WarmupRequest struct {
	Image  []byte `json:"image,omitempty"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
}

// WarmupResult is the reply to a WarmupRequest.
type WarmupResult struct {
	Detections  int     `json:"detections"`
	InferenceMs float32 `json:"inference_ms"`
}

// ErrorPayload converts worker-side faults into typed replies; they are never
// silently dropped.
type ErrorPayload struct {
	Message string `json:"message"`
}

// NewEnvelope marshals payload into a typed envelope.
func NewEnvelope(t MsgType, id uint64, payload any) (*Envelope, error) {
	env := &Envelope{Type: t, ID: id}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal %s payload: %w", t, err)
		}
		env.Payload = data
	}
	return env, nil
}

// Decode unmarshals the envelope payload into out.
func (e *Envelope) Decode(out any) error {
	if err := json.Unmarshal(e.Payload, out); err != nil {
		return fmt.Errorf("failed to decode %s payload: %w", e.Type, err)
	}
	return nil
}

// Err returns the carried fault when the envelope is an error reply.
func (e *Envelope) Err() error {
	if e.Type != MsgError {
		return nil
	}
	var p ErrorPayload
	if err := e.Decode(&p); err != nil {
		return fmt.Errorf("worker error (undecodable payload)")
	}
	return fmt.Errorf("worker error: %s", p.Message)
}

// WriteFrame writes a length-prefixed envelope: [uint32 length][JSON body].
func WriteFrame(w io.Writer, env *Envelope) error {
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal envelope: %w", err)
	}
	if err := binary.Write(w, binary.BigEndian, uint32(len(body))); err != nil {
		return err
	}
	_, err = w.Write(body)
	return err
}

// ReadFrame reads one length-prefixed envelope.
func ReadFrame(r io.Reader) (*Envelope, error) {
	header := make([]byte, 4)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(header)
	if n > maxFrameSize {
		return nil, fmt.Errorf("frame too large: %d bytes", n)
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}
	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("failed to unmarshal envelope: %w", err)
	}
	return &env, nil
}

// maxFrameSize bounds a single message; a full 1080p RGBA buffer base64
// encoded stays well under this.
const maxFrameSize = 32 << 20
