package agent

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/parley-ai/parley/internal/bus"
	"github.com/parley-ai/parley/internal/protocol"
)

// Publish encodes v and publishes it to the channel, retrying with backoff
// up to the configured budget. When the budget is exhausted an error payload
// is emitted on the agent's own channel so the failure is visible on the bus.
func (rt *Runtime) Publish(ctx context.Context, channel string, v interface{}) error {
	payload, err := protocol.Encode(v)
	if err != nil {
		return err
	}

	retries := rt.cfg.PublishRetries
	if retries <= 0 {
		retries = 3
	}

	var lastErr error
	for attempt := 0; attempt < retries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(bus.Backoff(attempt - 1)):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if lastErr = rt.bus.Publish(ctx, channel, payload); lastErr == nil {
			return nil
		}
	}

	rt.logger.Error("Publish retries exhausted",
		zap.String("channel", channel),
		zap.Int("attempts", retries),
		zap.Error(lastErr))
	rt.reportPublishFailure(channel, lastErr)
	return fmt.Errorf("publish to %s: %w", channel, lastErr)
}

// reportPublishFailure emits a best-effort error payload on the agent's own
// channel. One direct attempt only; if the bus is down this fails silently.
func (rt *Runtime) reportPublishFailure(channel string, cause error) {
	msg := protocol.NewMessage(notesTaskID, rt.name,
		fmt.Sprintf("ERROR: publish to %s failed: %v", channel, cause),
		protocol.IntentChat)
	payload, err := protocol.Encode(msg)
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = rt.bus.Publish(ctx, protocol.AgentChannel(rt.name), payload)
}

// PublishToAgent publishes to the named agent's channel.
func (rt *Runtime) PublishToAgent(ctx context.Context, target string, v interface{}) error {
	return rt.Publish(ctx, protocol.AgentChannel(target), v)
}

// PublishToFrontend publishes to the gateway fan-out channel.
func (rt *Runtime) PublishToFrontend(ctx context.Context, v interface{}) error {
	return rt.Publish(ctx, protocol.ChannelFrontendBroadcast, v)
}

// PublishResult delivers a terminal result to its target agent's channel and
// mirrors it to the frontend.
func (rt *Runtime) PublishResult(ctx context.Context, res *protocol.TaskResult) error {
	if err := rt.PublishToAgent(ctx, res.TargetAgent, res); err != nil {
		return err
	}
	return rt.PublishToFrontend(ctx, res)
}

// PublishError surfaces a failure on target's channel and to the frontend.
func (rt *Runtime) PublishError(ctx context.Context, taskID, errText, target string) {
	msg := protocol.NewMessage(taskID, rt.name, "ERROR: "+errText, protocol.IntentChat)
	if err := rt.PublishToAgent(ctx, target, msg); err != nil {
		rt.logger.Warn("Failed to deliver error payload",
			zap.String("task_id", taskID), zap.String("target", target), zap.Error(err))
	}
	if err := rt.PublishToFrontend(ctx, msg); err != nil {
		rt.logger.Warn("Failed to mirror error payload", zap.String("task_id", taskID), zap.Error(err))
	}
}

// RequestTool publishes a tool-execution request. The completion arrives on
// the agent's own channel as a tool_execute message and is dispatched to
// OnToolResponse.
func (rt *Runtime) RequestTool(ctx context.Context, taskID, tool string, args map[string]interface{}) error {
	req := protocol.NewToolRequest(taskID, rt.name, tool, args)
	return rt.Publish(ctx, protocol.ChannelToolRequests, req)
}

// StreamStart opens a stream for the task. Streams are keyed by
// (task_id, agent); sequence numbers restart at zero per stream.
func (rt *Runtime) StreamStart(ctx context.Context, taskID string) error {
	rt.streamMu.Lock()
	rt.streamSeq[taskID] = 1
	rt.streamMu.Unlock()

	ev := protocol.NewStreamEvent(taskID, rt.name, protocol.StreamStart, 0)
	return rt.PublishToFrontend(ctx, ev)
}

// StreamDelta publishes one incremental chunk of streamed output.
func (rt *Runtime) StreamDelta(ctx context.Context, taskID, delta string) error {
	rt.streamMu.Lock()
	seq := rt.streamSeq[taskID]
	rt.streamSeq[taskID] = seq + 1
	rt.streamMu.Unlock()

	ev := protocol.NewStreamEvent(taskID, rt.name, protocol.StreamUpdate, seq)
	ev.Delta = delta
	return rt.PublishToFrontend(ctx, ev)
}

// StreamEnd closes the task's stream, carrying the assembled content.
func (rt *Runtime) StreamEnd(ctx context.Context, taskID, content string) error {
	rt.streamMu.Lock()
	seq := rt.streamSeq[taskID]
	delete(rt.streamSeq, taskID)
	rt.streamMu.Unlock()

	ev := protocol.NewStreamEvent(taskID, rt.name, protocol.StreamEnd, seq)
	ev.Content = content
	return rt.PublishToFrontend(ctx, ev)
}
