package main

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/parley-ai/parley/internal/agent"
	"github.com/parley-ai/parley/internal/common/stringutil"
	"github.com/parley-ai/parley/internal/protocol"
)

// streamChunks is how many stream_update deltas a reply is cut into.
const streamChunks = 3

// maxTrackedTasks bounds the per-task round table. The table is wiped when
// the bound is hit; a long-lived dev worker then just restarts its ramps.
const maxTrackedTasks = 1024

// scriptedWorker answers every debate step with a canned reply. Confidence
// ramps up with the task's round count so the orchestrator sees convergence.
// The role only changes the reply's flavor text; it is inferred from the
// agent name (worker_critic, refiner_2, ...).
type scriptedWorker struct {
	agent.NopCapabilities

	name string
	role string

	mu     sync.Mutex
	rounds map[string]int
}

func newScriptedWorker(name string) *scriptedWorker {
	return &scriptedWorker{
		name:   name,
		role:   roleFor(name),
		rounds: make(map[string]int),
	}
}

// roleFor maps an agent name to a debate role by substring.
func roleFor(name string) string {
	lower := strings.ToLower(name)
	switch {
	case strings.Contains(lower, "critic"):
		return "critic"
	case strings.Contains(lower, "refin"):
		return "refiner"
	default:
		return "proposer"
	}
}

// Notes is announced on the worker's channel at startup.
func (w *scriptedWorker) Notes() string {
	return fmt.Sprintf("%s ready. Role: %s. Scripted replies with a rising confidence ramp, for development runs.", w.name, w.role)
}

// OnTask answers an assigned step: the reply is streamed to the frontend in
// chunks, then published back to the sender as a modify_task contribution
// carrying the round's confidence.
func (w *scriptedWorker) OnTask(ctx context.Context, rt *agent.Runtime, task *protocol.Task) error {
	if task.Event.Terminal() {
		w.forget(task.TaskID)
		rt.ForgetTask(task.TaskID)
		return nil
	}

	round := w.nextRound(task.TaskID)
	rt.Remember(task.TaskID, task.Agent, task.Content)
	reply, confidence := w.compose(task, round)

	if err := rt.StreamStart(ctx, task.TaskID); err != nil {
		return err
	}
	for _, delta := range chunkify(reply, streamChunks) {
		if err := rt.StreamDelta(ctx, task.TaskID, delta); err != nil {
			return err
		}
	}
	if err := rt.StreamEnd(ctx, task.TaskID, reply); err != nil {
		return err
	}

	out := task.Reply(w.name, reply, task.Event)
	out.Confidence = protocol.Float64(confidence)
	out.ReasoningEffort = task.ReasoningEffort

	rt.Logger().Info("Step answered",
		zap.String("task_id", task.TaskID),
		zap.String("event", string(task.Event)),
		zap.Int("round", round),
		zap.Float64("confidence", confidence))
	return rt.PublishToAgent(ctx, task.Agent, out)
}

// OnMessage logs chat addressed to the worker; scripted workers do not
// hold conversations.
func (w *scriptedWorker) OnMessage(_ context.Context, rt *agent.Runtime, msg *protocol.Message) error {
	rt.Logger().Info("Message received",
		zap.String("task_id", msg.TaskID),
		zap.String("from", msg.Agent),
		zap.String("intent", string(msg.Intent)))
	return nil
}

// OnTaskResult clears the round state for a finished task.
func (w *scriptedWorker) OnTaskResult(_ context.Context, rt *agent.Runtime, res *protocol.TaskResult) error {
	w.forget(res.TaskID)
	rt.ForgetTask(res.TaskID)
	rt.Logger().Info("Task finished",
		zap.String("task_id", res.TaskID),
		zap.String("outcome", string(res.Outcome)))
	return nil
}

// compose builds the reply text and confidence for one step. Round numbers
// are baked into the text so consecutive contributions never hash alike.
func (w *scriptedWorker) compose(task *protocol.Task, round int) (string, float64) {
	topic := stringutil.Excerpt(task.Content, 96)
	switch task.Event {
	case protocol.EventExecute:
		text := fmt.Sprintf("Critique %d from %s: the proposal covers the main case but leaves edge conditions open. Revisit: %s", round, w.name, topic)
		return text, clamp(0.45 + 0.10*float64(round))
	case protocol.EventRefine:
		text := fmt.Sprintf("Refinement %d from %s, folding the critique back in: %s", round, w.name, topic)
		return text, clamp(0.55 + 0.15*float64(round))
	default:
		text := fmt.Sprintf("Proposal %d from %s (%s): %s", round, w.name, w.role, topic)
		return text, clamp(0.30 + 0.05*float64(round))
	}
}

// nextRound increments and returns the task's round counter, starting at 1.
func (w *scriptedWorker) nextRound(taskID string) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.rounds) >= maxTrackedTasks {
		w.rounds = make(map[string]int)
	}
	w.rounds[taskID]++
	return w.rounds[taskID]
}

func (w *scriptedWorker) forget(taskID string) {
	w.mu.Lock()
	delete(w.rounds, taskID)
	w.mu.Unlock()
}

// chunkify splits s into at most n contiguous pieces on rune boundaries.
// Concatenating the pieces reproduces s exactly.
func chunkify(s string, n int) []string {
	runes := []rune(s)
	if n <= 1 || len(runes) <= n {
		return []string{s}
	}
	size := (len(runes) + n - 1) / n
	parts := make([]string, 0, n)
	for start := 0; start < len(runes); start += size {
		end := start + size
		if end > len(runes) {
			end = len(runes)
		}
		parts = append(parts, string(runes[start:end]))
	}
	return parts
}

func clamp(v float64) float64 {
	if v > 0.95 {
		return 0.95
	}
	return v
}
