package ws

import (
	"encoding/json"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/gorilla/websocket"

	"github.com/aware-engine/backend/internal/model"
)

// FrameType is the "type" tag carried by every agent channel frame.
type FrameType string

const (
	// Server -> agent
	FrameTypeRequestSource FrameType = "request_source"
	FrameTypePong          FrameType = "pong"

	// Agent -> server
	FrameTypeSourceResponse FrameType = "source_response"
	FrameTypePing           FrameType = "ping"
)

// Codec is the wire encoding used on one agent channel. Text websocket
// messages carry JSON, binary messages carry CBOR.
type Codec int

const (
	CodecJSON Codec = iota
	CodecCBOR
)

func (c Codec) String() string {
	if c == CodecCBOR {
		return "cbor"
	}
	return "json"
}

// MessageType returns the websocket message type frames are sent with.
func (c Codec) MessageType() int {
	if c == CodecCBOR {
		return websocket.BinaryMessage
	}
	return websocket.TextMessage
}

// Frame is one decoded agent channel message. The concrete type is one of
// *RequestSource, *SourceResponse, *Ping, *Pong or *UnknownFrame.
type Frame interface {
	FrameType() FrameType
}

// RequestSource asks every agent for the source file behind a session.
type RequestSource struct {
	Type       FrameType         `json:"type"`
	SessionID  string            `json:"sessionId"`
	Violations []model.Violation `json:"violations"`
	URL        *string           `json:"url,omitempty"`
}

func (*RequestSource) FrameType() FrameType { return FrameTypeRequestSource }

// SourceResponse is an agent's reply. Both FilePath and Content absent
// means the user cancelled the file selection.
type SourceResponse struct {
	Type      FrameType `json:"type"`
	SessionID string    `json:"sessionId"`
	FilePath  *string   `json:"filePath,omitempty"`
	Content   *string   `json:"content,omitempty"`
}

func (*SourceResponse) FrameType() FrameType { return FrameTypeSourceResponse }

// Ping is an application-level liveness check from an agent.
type Ping struct {
	Type FrameType `json:"type"`
}

func (*Ping) FrameType() FrameType { return FrameTypePing }

// Pong answers a Ping on the same channel.
type Pong struct {
	Type FrameType `json:"type"`
}

func (*Pong) FrameType() FrameType { return FrameTypePong }

// UnknownFrame is a well-formed frame whose tag is not recognised.
type UnknownFrame struct {
	Tag string
}

func (f *UnknownFrame) FrameType() FrameType { return FrameType(f.Tag) }

// NewRequestSource builds the frame broadcast when a session needs source.
func NewRequestSource(sessionID string, violations []model.Violation, url *string) *RequestSource {
	return &RequestSource{
		Type:       FrameTypeRequestSource,
		SessionID:  sessionID,
		Violations: violations,
		URL:        url,
	}
}

var (
	cborEncMode cbor.EncMode
	cborDecMode cbor.DecMode
)

func init() {
	var err error
	cborEncMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("ws: CBOR encoder initialization failed: " + err.Error())
	}
	cborDecMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("ws: CBOR decoder initialization failed: " + err.Error())
	}
}

type envelope struct {
	Type FrameType `json:"type"`
}

// DecodeFrame decodes one websocket message into a Frame. The type tag is
// read first and the payload is then decoded into that variant only, so an
// unknown or payload-free tag never builds a variant. Malformed input returns
// an error wrapping model.ErrMalformedFrame.
func DecodeFrame(messageType int, data []byte) (Frame, error) {
	var unmarshal func([]byte, any) error
	switch messageType {
	case websocket.TextMessage:
		unmarshal = json.Unmarshal
	case websocket.BinaryMessage:
		unmarshal = cborDecMode.Unmarshal
	default:
		return nil, fmt.Errorf("%w: unsupported message type %d", model.ErrMalformedFrame, messageType)
	}

	var env envelope
	if err := unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrMalformedFrame, err)
	}

	var frame Frame
	switch env.Type {
	case FrameTypeSourceResponse:
		frame = &SourceResponse{}
	case FrameTypeRequestSource:
		frame = &RequestSource{}
	case FrameTypePing:
		return &Ping{Type: FrameTypePing}, nil
	case FrameTypePong:
		return &Pong{Type: FrameTypePong}, nil
	case "":
		return nil, fmt.Errorf("%w: missing type", model.ErrMalformedFrame)
	default:
		return &UnknownFrame{Tag: string(env.Type)}, nil
	}

	if err := unmarshal(data, frame); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", model.ErrMalformedFrame, env.Type, err)
	}
	if resp, ok := frame.(*SourceResponse); ok && resp.SessionID == "" {
		return nil, fmt.Errorf("%w: source_response without sessionId", model.ErrMalformedFrame)
	}
	return frame, nil
}

// EncodeFrame serializes f with the given codec.
func EncodeFrame(codec Codec, f Frame) ([]byte, error) {
	if _, ok := f.(*UnknownFrame); ok {
		return nil, fmt.Errorf("ws: cannot encode unknown frame %q", f.FrameType())
	}
	if codec == CodecCBOR {
		return cborEncMode.Marshal(f)
	}
	return json.Marshal(f)
}
