// Package agent provides the runtime every Parley agent is built on: channel
// subscription, heartbeats, a partitioned dispatch pool, duplicate
// suppression, and publish helpers with retry. Behavior specific to one
// agent lives behind the Capabilities interface.
package agent

import (
	"context"

	"github.com/parley-ai/parley/internal/protocol"
)

// Capabilities is what an agent implementation plugs into the runtime. The
// runtime decodes and dispatches; capabilities decide what to do. Handler
// errors are published to the sender's channel as error payloads, so
// returning an error is the way to signal failure upstream.
type Capabilities interface {
	// Notes describes the agent. Published to the agent's channel at
	// startup when non-empty.
	Notes() string

	// OnMessage handles plain messages (chat, check_status).
	OnMessage(ctx context.Context, rt *Runtime, msg *protocol.Message) error

	// OnTask handles targeted tasks (start_task, modify_task steps).
	OnTask(ctx context.Context, rt *Runtime, task *protocol.Task) error

	// OnTaskResult handles terminal results.
	OnTaskResult(ctx context.Context, rt *Runtime, res *protocol.TaskResult) error

	// OnToolResponse handles tool_execute completion messages.
	OnToolResponse(ctx context.Context, rt *Runtime, msg *protocol.Message) error
}

// NopCapabilities implements Capabilities with no-ops. Embed it to implement
// only the handlers an agent cares about.
type NopCapabilities struct{}

// Notes returns an empty description.
func (NopCapabilities) Notes() string { return "" }

// OnMessage ignores the message.
func (NopCapabilities) OnMessage(context.Context, *Runtime, *protocol.Message) error { return nil }

// OnTask ignores the task.
func (NopCapabilities) OnTask(context.Context, *Runtime, *protocol.Task) error { return nil }

// OnTaskResult ignores the result.
func (NopCapabilities) OnTaskResult(context.Context, *Runtime, *protocol.TaskResult) error {
	return nil
}

// OnToolResponse ignores the response.
func (NopCapabilities) OnToolResponse(context.Context, *Runtime, *protocol.Message) error {
	return nil
}
