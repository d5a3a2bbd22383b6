package protocol

import "strings"

// Well-known channels. Per-agent channels are derived from the agent name.
const (
	// ChannelFrontendBroadcast fans agent output out to every gateway session.
	ChannelFrontendBroadcast = "frontend_broadcast"
	// ChannelSystemStatus carries heartbeat monitor readiness updates.
	ChannelSystemStatus = "system_status"
	// ChannelToolRequests carries tool_suggest/tool_execute traffic.
	ChannelToolRequests = "tool_requests"
	// ChannelTaskEvents carries task lifecycle notifications for dashboards.
	ChannelTaskEvents = "task_events"
	// ChannelDeadLetter receives payloads that failed to decode or dispatch.
	ChannelDeadLetter = "dead_letter"
)

const (
	channelSuffix   = "_channel"
	heartbeatSuffix = "_heartbeat"
)

// AgentChannel returns the inbox channel for an agent name.
func AgentChannel(name string) string { return name + channelSuffix }

// AgentFromChannel extracts the agent name from an inbox channel name.
func AgentFromChannel(channel string) (string, bool) {
	name := strings.TrimSuffix(channel, channelSuffix)
	if name == channel || name == "" {
		return "", false
	}
	return name, true
}

// HeartbeatKey returns the liveness key for an agent name.
func HeartbeatKey(name string) string { return name + heartbeatSuffix }

// AgentFromHeartbeatKey extracts the agent name from a liveness key.
func AgentFromHeartbeatKey(key string) (string, bool) {
	name := strings.TrimSuffix(key, heartbeatSuffix)
	if name == key || name == "" {
		return "", false
	}
	return name, true
}

// HeartbeatValue is the payload written under heartbeat keys.
const HeartbeatValue = "alive"
