package protocol

import (
	"encoding/json"
	"fmt"
)

// Variant identifies which envelope shape a raw payload carries.
type Variant string

const (
	VariantMessage    Variant = "message"
	VariantTask       Variant = "task"
	VariantTaskResult Variant = "task_result"
	VariantStream     Variant = "stream"
	VariantInvalid    Variant = "invalid"
)

// ParseError reports a payload that could not be decoded into the requested
// variant. The raw bytes are kept so callers can forward them to the
// dead-letter channel.
type ParseError struct {
	Variant Variant
	Raw     []byte
	Err     error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse %s: %v", e.Variant, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// Encode serializes a protocol value. Optional fields that are unset are
// omitted from the output.
func Encode(v interface{}) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode payload: %w", err)
	}
	return b, nil
}

// DecodeMessage decodes raw bytes into a Message. Unknown extra fields are
// ignored for forward compatibility.
func DecodeMessage(raw []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, &ParseError{Variant: VariantMessage, Raw: raw, Err: err}
	}
	return &m, nil
}

// DecodeTask decodes raw bytes into a Task.
func DecodeTask(raw []byte) (*Task, error) {
	var t Task
	if err := json.Unmarshal(raw, &t); err != nil {
		return nil, &ParseError{Variant: VariantTask, Raw: raw, Err: err}
	}
	return &t, nil
}

// DecodeTaskResult decodes raw bytes into a TaskResult.
func DecodeTaskResult(raw []byte) (*TaskResult, error) {
	var r TaskResult
	if err := json.Unmarshal(raw, &r); err != nil {
		return nil, &ParseError{Variant: VariantTaskResult, Raw: raw, Err: err}
	}
	return &r, nil
}

// DecodeStreamEvent decodes raw bytes into a StreamEvent.
func DecodeStreamEvent(raw []byte) (*StreamEvent, error) {
	var s StreamEvent
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, &ParseError{Variant: VariantStream, Raw: raw, Err: err}
	}
	return &s, nil
}

// Sniff classifies a raw payload by key presence without a full decode:
// an outcome marks a TaskResult, a stream event name marks a StreamEvent,
// a target or lifecycle event marks a Task, anything else is a Message.
func Sniff(raw []byte) Variant {
	var probe struct {
		Outcome string `json:"outcome"`
		Target  string `json:"target_agent"`
		Event   string `json:"event"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return VariantInvalid
	}
	switch {
	case IsStreamEvent(probe.Event):
		return VariantStream
	case probe.Outcome != "":
		return VariantTaskResult
	case probe.Target != "" || probe.Event != "":
		return VariantTask
	default:
		return VariantMessage
	}
}

// Decode sniffs the variant and decodes accordingly. The returned value is
// *Message, *Task, *TaskResult, or *StreamEvent.
func Decode(raw []byte) (interface{}, Variant, error) {
	v := Sniff(raw)
	switch v {
	case VariantTaskResult:
		r, err := DecodeTaskResult(raw)
		return r, v, err
	case VariantTask:
		t, err := DecodeTask(raw)
		return t, v, err
	case VariantStream:
		s, err := DecodeStreamEvent(raw)
		return s, v, err
	case VariantMessage:
		m, err := DecodeMessage(raw)
		return m, v, err
	default:
		return nil, VariantInvalid, &ParseError{Variant: VariantInvalid, Raw: raw, Err: fmt.Errorf("not a JSON object")}
	}
}
