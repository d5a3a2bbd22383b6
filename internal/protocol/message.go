// Package protocol defines the message envelope, enums, and channel naming
// shared by every Parley process. All bus traffic is JSON-encoded values of
// the types in this package.
package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Intent classifies what the sender wants done with a message.
type Intent string

const (
	IntentChat        Intent = "chat"
	IntentStartTask   Intent = "start_task"
	IntentCheckStatus Intent = "check_status"
	IntentModifyTask  Intent = "modify_task"
	IntentToolSuggest Intent = "tool_suggest"
	IntentToolExecute Intent = "tool_execute"

	// IntentUnknown is the decode result for literals this build does not
	// recognize. Unknown intents are routed to the dead-letter channel,
	// never dispatched.
	IntentUnknown Intent = "unknown"
)

var intents = map[Intent]bool{
	IntentChat:        true,
	IntentStartTask:   true,
	IntentCheckStatus: true,
	IntentModifyTask:  true,
	IntentToolSuggest: true,
	IntentToolExecute: true,
}

// Known reports whether the intent is a recognized literal.
func (i Intent) Known() bool { return intents[i] }

// UnmarshalJSON maps unrecognized literals to IntentUnknown instead of
// failing, so a newer peer cannot crash an older agent.
func (i *Intent) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	v := Intent(s)
	if s != "" && !v.Known() {
		v = IntentUnknown
	}
	*i = v
	return nil
}

// Event names the debate step a task is in.
type Event string

const (
	EventPlan     Event = "plan"
	EventExecute  Event = "execute"
	EventRefine   Event = "refine"
	EventComplete Event = "complete"
	EventEscalate Event = "escalate"

	// EventUnknown is the decode result for unrecognized literals.
	EventUnknown Event = "unknown"
)

var events = map[Event]bool{
	EventPlan:     true,
	EventExecute:  true,
	EventRefine:   true,
	EventComplete: true,
	EventEscalate: true,
}

// Known reports whether the event is a recognized literal.
func (e Event) Known() bool { return events[e] }

// Terminal reports whether the event ends a task's lifecycle.
func (e Event) Terminal() bool { return e == EventComplete || e == EventEscalate }

// UnmarshalJSON maps unrecognized literals to EventUnknown. Stream event
// names pass through untouched so the gateway can forward them verbatim.
func (e *Event) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	v := Event(s)
	if s != "" && !v.Known() && !IsStreamEvent(s) {
		v = EventUnknown
	}
	*e = v
	return nil
}

// Effort is the reasoning effort label produced by the estimator.
type Effort string

const (
	EffortLow    Effort = "low"
	EffortMedium Effort = "medium"
	EffortHigh   Effort = "high"
)

// Known reports whether the effort is a recognized literal.
func (e Effort) Known() bool {
	return e == EffortLow || e == EffortMedium || e == EffortHigh
}

// Rank orders efforts for bump comparisons: low < medium < high.
func (e Effort) Rank() int {
	switch e {
	case EffortLow:
		return 0
	case EffortMedium:
		return 1
	case EffortHigh:
		return 2
	default:
		return -1
	}
}

// Outcome is the terminal disposition of a task.
type Outcome string

const (
	OutcomeMerged    Outcome = "merged"
	OutcomeCompleted Outcome = "completed"
	OutcomeEscalated Outcome = "escalated"

	// OutcomeUnknown is the decode result for unrecognized literals.
	OutcomeUnknown Outcome = "unknown"
)

var outcomes = map[Outcome]bool{
	OutcomeMerged:    true,
	OutcomeCompleted: true,
	OutcomeEscalated: true,
}

// Known reports whether the outcome is a recognized literal.
func (o Outcome) Known() bool { return outcomes[o] }

// UnmarshalJSON maps unrecognized literals to OutcomeUnknown.
func (o *Outcome) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	v := Outcome(s)
	if s != "" && !v.Known() {
		v = OutcomeUnknown
	}
	*o = v
	return nil
}

// Message is a chat or control utterance. All fields are required.
type Message struct {
	TaskID    string    `json:"task_id"`
	Agent     string    `json:"agent"`
	Content   string    `json:"content"`
	Intent    Intent    `json:"intent"`
	Timestamp time.Time `json:"timestamp"`
}

// Task is a Message with a target and lifecycle metadata.
type Task struct {
	Message
	TargetAgent     string       `json:"target_agent"`
	Event           Event        `json:"event"`
	Confidence      *float64     `json:"confidence,omitempty"`
	ReasoningEffort Effort       `json:"reasoning_effort,omitempty"`
	Diagnostics     *Diagnostics `json:"diagnostics,omitempty"`
}

// TaskResult is a Task carrying a terminal outcome.
type TaskResult struct {
	Task
	Outcome            Outcome  `json:"outcome"`
	ContributingAgents []string `json:"contributing_agents"`
}

// Diagnostics is the feature record the estimator attaches to a task so
// routing decisions can be replayed later.
type Diagnostics struct {
	WordCount         int            `json:"word_count"`
	ComplexityScore   float64        `json:"complexity_score"`
	CategoryHits      map[string]int `json:"category_hits,omitempty"`
	Adjustments       []string       `json:"adjustments,omitempty"`
	ReasoningStrategy string         `json:"reasoning_strategy,omitempty"`
	Priority          int            `json:"priority,omitempty"`
}

// NewMessage creates a message stamped with the current UTC time.
func NewMessage(taskID, agent, content string, intent Intent) Message {
	return Message{
		TaskID:    taskID,
		Agent:     agent,
		Content:   content,
		Intent:    intent,
		Timestamp: time.Now().UTC(),
	}
}

// NewTask creates a task stamped with the current UTC time.
func NewTask(taskID, agent, content string, intent Intent, target string, event Event) Task {
	return Task{
		Message:     NewMessage(taskID, agent, content, intent),
		TargetAgent: target,
		Event:       event,
	}
}

// Reply creates a task answering t: sender and target swap, the task id is
// carried over, and a fresh timestamp is stamped.
func (t Task) Reply(agent, content string, event Event) Task {
	return NewTask(t.TaskID, agent, content, IntentModifyTask, t.Agent, event)
}

// Float64 returns a pointer to v, for optional confidence fields.
func Float64(v float64) *float64 { return &v }

// FieldError describes a single validation failure.
type FieldError struct {
	Field  string
	Reason string
}

func (e FieldError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

// joinFieldErrors renders a list of field errors as one error.
func joinFieldErrors(errs []FieldError) error {
	if len(errs) == 0 {
		return nil
	}
	parts := make([]string, len(errs))
	for i, e := range errs {
		parts[i] = e.Error()
	}
	return fmt.Errorf("invalid payload: %s", strings.Join(parts, "; "))
}

// Validate checks required fields. It returns all problems, not just the first.
func (m Message) Validate() []FieldError {
	var errs []FieldError
	if m.TaskID == "" {
		errs = append(errs, FieldError{"task_id", "required"})
	}
	if m.Agent == "" {
		errs = append(errs, FieldError{"agent", "required"})
	}
	if m.Content == "" {
		errs = append(errs, FieldError{"content", "required"})
	}
	if m.Intent == "" {
		errs = append(errs, FieldError{"intent", "required"})
	} else if !m.Intent.Known() {
		errs = append(errs, FieldError{"intent", "unknown literal"})
	}
	if m.Timestamp.IsZero() {
		errs = append(errs, FieldError{"timestamp", "required"})
	}
	return errs
}

// Validate checks task fields on top of the embedded message's.
func (t Task) Validate() []FieldError {
	errs := t.Message.Validate()
	if t.TargetAgent == "" {
		errs = append(errs, FieldError{"target_agent", "required"})
	}
	if t.Event == "" {
		errs = append(errs, FieldError{"event", "required"})
	} else if !t.Event.Known() {
		errs = append(errs, FieldError{"event", "unknown literal"})
	}
	if t.Confidence != nil && (*t.Confidence < 0 || *t.Confidence > 1) {
		errs = append(errs, FieldError{"confidence", "must be in [0, 1]"})
	}
	if t.ReasoningEffort != "" && !t.ReasoningEffort.Known() {
		errs = append(errs, FieldError{"reasoning_effort", "unknown literal"})
	}
	return errs
}

// Validate checks result fields on top of the embedded task's.
func (r TaskResult) Validate() []FieldError {
	errs := r.Task.Validate()
	if r.Intent != IntentModifyTask {
		errs = append(errs, FieldError{"intent", "results must carry modify_task"})
	}
	if r.Outcome == "" {
		errs = append(errs, FieldError{"outcome", "required"})
	} else if !r.Outcome.Known() {
		errs = append(errs, FieldError{"outcome", "unknown literal"})
	}
	if len(r.ContributingAgents) == 0 {
		errs = append(errs, FieldError{"contributing_agents", "required"})
	}
	return errs
}
