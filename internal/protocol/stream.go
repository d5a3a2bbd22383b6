package protocol

import "time"

// Stream event names. Agents publish these while producing long outputs so
// gateways can render tokens as they arrive.
const (
	StreamStart  = "stream_start"
	StreamUpdate = "stream_update"
	StreamEnd    = "stream_end"
	FinalResult  = "final_result"
)

// IsStreamEvent reports whether an event name belongs to the streaming
// protocol rather than the task lifecycle.
func IsStreamEvent(event string) bool {
	switch event {
	case StreamStart, StreamUpdate, StreamEnd, FinalResult:
		return true
	default:
		return false
	}
}

// StreamEvent is one chunk of a streamed agent response, keyed by
// (task_id, agent). Seq increases by one per event within a stream so
// consumers can detect gaps.
type StreamEvent struct {
	TaskID    string    `json:"task_id"`
	Agent     string    `json:"agent"`
	Event     string    `json:"event"`
	Delta     string    `json:"delta,omitempty"`
	Content   string    `json:"content,omitempty"`
	Seq       int       `json:"seq"`
	Timestamp time.Time `json:"timestamp"`
}

// NewStreamEvent creates a stream event stamped with the current UTC time.
func NewStreamEvent(taskID, agent, event string, seq int) StreamEvent {
	return StreamEvent{
		TaskID:    taskID,
		Agent:     agent,
		Event:     event,
		Seq:       seq,
		Timestamp: time.Now().UTC(),
	}
}
