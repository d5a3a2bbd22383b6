package protocol

import "time"

// ToolRequest asks a tool executor to run a tool on behalf of an agent. It
// is published on the tool_requests channel; the completion comes back as a
// tool_execute Message on ReplyChannel.
type ToolRequest struct {
	TaskID       string                 `json:"task_id"`
	Agent        string                 `json:"agent"`
	Tool         string                 `json:"tool"`
	Args         map[string]interface{} `json:"args,omitempty"`
	ReplyChannel string                 `json:"reply_channel"`
	Timestamp    time.Time              `json:"timestamp"`
}

// NewToolRequest creates a tool request stamped with the current UTC time.
func NewToolRequest(taskID, agent, tool string, args map[string]interface{}) ToolRequest {
	return ToolRequest{
		TaskID:       taskID,
		Agent:        agent,
		Tool:         tool,
		Args:         args,
		ReplyChannel: AgentChannel(agent),
		Timestamp:    time.Now().UTC(),
	}
}
