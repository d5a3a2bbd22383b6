package wsproto

// Error codes carried in error frames
const (
	ErrorCodeBadRequest    = "BAD_REQUEST"
	ErrorCodeInternalError = "INTERNAL_ERROR"
	ErrorCodeValidation    = "VALIDATION_ERROR"
	ErrorCodeUnknownType   = "UNKNOWN_TYPE"
)

// ChatPayload carries chat_message and start_task frames.
type ChatPayload struct {
	TaskID      string `json:"task_id,omitempty"`
	Content     string `json:"content"`
	TargetAgent string `json:"target_agent,omitempty"`
}

// SubscribePayload carries subscribe and unsubscribe frames. Either a raw
// channel name or a task_id (expanded to that task's traffic) is accepted.
type SubscribePayload struct {
	Channel string `json:"channel,omitempty"`
	TaskID  string `json:"task_id,omitempty"`
}

// CommandPayload carries command frames.
type CommandPayload struct {
	Name string                 `json:"name"`
	Args map[string]interface{} `json:"args,omitempty"`
}

// CancelPayload carries cancel_task frames.
type CancelPayload struct {
	TaskID string `json:"task_id"`
	Reason string `json:"reason,omitempty"`
}

// ConnEstablishedPayload is pushed to a client right after connect.
type ConnEstablishedPayload struct {
	ClientID string `json:"client_id"`
}

// TaskCreatedPayload acknowledges a start_task frame.
type TaskCreatedPayload struct {
	TaskID          string `json:"task_id"`
	TargetAgent     string `json:"target_agent"`
	ReasoningEffort string `json:"reasoning_effort,omitempty"`
}

// ErrorPayload is the payload of error frames.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
