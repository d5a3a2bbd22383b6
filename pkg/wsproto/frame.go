// Package wsproto provides WebSocket frame types and protocol definitions
// shared by the gateway and its clients.
package wsproto

import (
	"encoding/json"
	"time"
)

// FrameType discriminates WebSocket frames.
type FrameType string

// Client -> server frame types.
const (
	FrameChatMessage FrameType = "chat_message"
	FrameStartTask   FrameType = "start_task"
	FramePing        FrameType = "ping"
	FrameSubscribe   FrameType = "subscribe"
	FrameUnsubscribe FrameType = "unsubscribe"
	FrameCommand     FrameType = "command"
	FrameCancelTask  FrameType = "cancel_task"
)

// Server -> client frame types.
const (
	FramePong                  FrameType = "pong"
	FrameConnectionEstablished FrameType = "connection_established"
	FrameAgentMessage          FrameType = "agent_message"
	FrameTaskCreated           FrameType = "task_created"
	FrameTaskResult            FrameType = "task_result"
	FrameStreamStart           FrameType = "stream_start"
	FrameStreamUpdate          FrameType = "stream_update"
	FrameStreamEnd             FrameType = "stream_end"
	FrameSystemStatus          FrameType = "system_status_update"
	FrameError                 FrameType = "error"
)

// Frame is the envelope for all WebSocket traffic.
type Frame struct {
	Type      FrameType       `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	ClientID  string          `json:"client_id,omitempty"`
	Timestamp time.Time       `json:"timestamp,omitempty"`
}

// Encode marshals the frame for the wire.
func (f *Frame) Encode() ([]byte, error) {
	return json.Marshal(f)
}

// NewFrame creates a frame of the given type with a marshaled payload.
func NewFrame(t FrameType, payload interface{}) (*Frame, error) {
	var data json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		data = b
	}
	return &Frame{
		Type:      t,
		Payload:   data,
		Timestamp: time.Now().UTC(),
	}, nil
}

// NewError creates an error frame.
func NewError(code, message string) *Frame {
	data, _ := json.Marshal(ErrorPayload{Code: code, Message: message})
	return &Frame{
		Type:      FrameError,
		Payload:   data,
		Timestamp: time.Now().UTC(),
	}
}

// ParsePayload parses the payload into the given struct.
func (f *Frame) ParsePayload(v interface{}) error {
	if f.Payload == nil {
		return nil
	}
	return json.Unmarshal(f.Payload, v)
}
