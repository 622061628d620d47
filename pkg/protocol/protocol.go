// Package protocol exposes the agent channel wire format for editor agent
// authors.
package protocol

import (
	"github.com/aware-engine/backend/internal/model"
	"github.com/aware-engine/backend/internal/ws"
)

// Re-export types from internal/ws for external use
type (
	Frame          = ws.Frame
	FrameType      = ws.FrameType
	Codec          = ws.Codec
	RequestSource  = ws.RequestSource
	SourceResponse = ws.SourceResponse
	Ping           = ws.Ping
	Pong           = ws.Pong
	UnknownFrame   = ws.UnknownFrame
	Violation      = model.Violation
	ViolationNode  = model.ViolationNode
)

const (
	FrameTypeRequestSource  = ws.FrameTypeRequestSource
	FrameTypeSourceResponse = ws.FrameTypeSourceResponse
	FrameTypePing           = ws.FrameTypePing
	FrameTypePong           = ws.FrameTypePong

	CodecJSON = ws.CodecJSON
	CodecCBOR = ws.CodecCBOR
)

// NewSourceResponse builds the reply an agent sends for a request_source
// frame. Empty filePath and content mean the user cancelled the selection.
func NewSourceResponse(sessionID, filePath, content string) *SourceResponse {
	return &SourceResponse{
		Type:      FrameTypeSourceResponse,
		SessionID: sessionID,
		FilePath:  model.StringPtr(filePath),
		Content:   model.StringPtr(content),
	}
}

// Decode decodes one websocket message received from the broker.
func Decode(messageType int, data []byte) (Frame, error) {
	return ws.DecodeFrame(messageType, data)
}

// Encode serializes f for sending to the broker.
func Encode(codec Codec, f Frame) ([]byte, error) {
	return ws.EncodeFrame(codec, f)
}
