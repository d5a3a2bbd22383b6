// Package orchestrator drives the debate protocol across worker agents.
// It manages:
//
//   - Per-task debate state (step, round, confidence window, history)
//   - Loop detection over normalized content digests
//   - Plateau resolution and the round budget
//   - The kill-switch (deadline, hard round cap, worker errors, escalation)
//
// The orchestrator is itself an agent: Service implements
// agent.Capabilities and runs on the shared runtime, subscribed to its own
// channel like any worker. Task state lives only here; everything else in
// the system asks for it over the bus via check_status.
package orchestrator

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/parley-ai/parley/internal/agent"
	"github.com/parley-ai/parley/internal/common/config"
	"github.com/parley-ai/parley/internal/common/logger"
	"github.com/parley-ai/parley/internal/protocol"
)

const (
	defaultMaxRounds          = 3
	defaultTaskTimeout        = 120 * time.Second
	defaultPlateauDelta       = 0.05
	defaultPlateauWindow      = 3
	defaultConsensusThreshold = 0.25

	// backgroundTimeout bounds publishes that run outside a dispatch
	// handler (timer callbacks).
	backgroundTimeout = 5 * time.Second
)

// pivotInstruction prefixes the forced refine dispatched after repeated
// near-identical contributions.
const pivotInstruction = "Previous contributions are converging on the same content. Take a different angle and address the gaps instead of restating."

// Publisher is the slice of the agent runtime the orchestrator publishes
// through. *agent.Runtime satisfies it.
type Publisher interface {
	PublishToAgent(ctx context.Context, target string, v interface{}) error
	PublishToFrontend(ctx context.Context, v interface{}) error
	PublishResult(ctx context.Context, res *protocol.TaskResult) error
	PublishError(ctx context.Context, taskID, errText, target string)
}

// OutcomeRecorder receives every terminal task outcome. The intelligence
// hub implements it to feed the router and the effort estimator.
type OutcomeRecorder interface {
	RecordOutcome(ctx context.Context, res *protocol.TaskResult, duration time.Duration) error
}

// Service is the debate orchestrator.
type Service struct {
	name     string
	cfg      config.OrchestratorConfig
	recorder OutcomeRecorder
	logger   *logger.Logger

	mu    sync.RWMutex
	tasks map[string]*TaskState

	pub Publisher
}

// NewService creates the orchestrator. The recorder may be nil when no
// outcome consumer is wired (tests, tooling).
func NewService(cfg config.OrchestratorConfig, recorder OutcomeRecorder, log *logger.Logger) *Service {
	if cfg.Name == "" {
		cfg.Name = "orchestrator"
	}
	if cfg.MaxRounds <= 0 {
		cfg.MaxRounds = defaultMaxRounds
	}
	if cfg.TaskTimeoutSec <= 0 {
		cfg.TaskTimeoutSec = int(defaultTaskTimeout / time.Second)
	}
	if cfg.PlateauDelta <= 0 {
		cfg.PlateauDelta = defaultPlateauDelta
	}
	if cfg.PlateauWindow <= 0 {
		cfg.PlateauWindow = defaultPlateauWindow
	}
	if cfg.ConsensusThreshold <= 0 {
		cfg.ConsensusThreshold = defaultConsensusThreshold
	}
	return &Service{
		name:     cfg.Name,
		cfg:      cfg,
		recorder: recorder,
		logger:   log.WithFields(zap.String("component", "orchestrator")),
		tasks:    make(map[string]*TaskState),
	}
}

// Attach wires the publisher the service emits through. Call it with the
// runtime hosting the service before that runtime starts.
func (s *Service) Attach(pub Publisher) { s.pub = pub }

// Name returns the orchestrator's agent name.
func (s *Service) Name() string { return s.name }

// Notes describes the service for the startup announcement.
func (s *Service) Notes() string {
	return "orchestrator: coordinates plan/execute/refine debates across workers and answers check_status"
}

// OnTask handles tasks addressed to the orchestrator: new work, worker
// replies, cancellations, and status probes.
func (s *Service) OnTask(ctx context.Context, _ *agent.Runtime, task *protocol.Task) error {
	switch {
	case task.Event == protocol.EventEscalate:
		s.handleEscalate(ctx, task)
	case task.Intent == protocol.IntentStartTask:
		s.handleStart(ctx, task)
	case task.Intent == protocol.IntentCheckStatus:
		s.replyStatus(ctx, task.TaskID, task.Agent)
	case task.Intent == protocol.IntentModifyTask:
		s.handleReply(ctx, task)
	default:
		s.logger.Debug("Ignoring task with unhandled intent",
			zap.String("task_id", task.TaskID), zap.String("intent", string(task.Intent)))
	}
	return nil
}

// OnMessage handles chat-level traffic: status probes, worker error
// payloads, and plain chatter that is mirrored to the frontend.
func (s *Service) OnMessage(ctx context.Context, _ *agent.Runtime, msg *protocol.Message) error {
	if msg.Agent == s.name {
		return nil
	}
	switch {
	case msg.Intent == protocol.IntentCheckStatus:
		s.replyStatus(ctx, msg.TaskID, msg.Agent)
	case strings.HasPrefix(msg.Content, "ERROR:"):
		s.workerError(ctx, msg)
	default:
		if err := s.pub.PublishToFrontend(ctx, msg); err != nil {
			s.logger.Warn("Failed to mirror chat to frontend", zap.Error(err))
		}
	}
	return nil
}

// OnTaskResult finalizes a task whose terminal result was produced
// elsewhere (the hub's complete_task path). A result for a task with no
// state is a duplicate terminal and is dropped.
func (s *Service) OnTaskResult(ctx context.Context, _ *agent.Runtime, res *protocol.TaskResult) error {
	st, ok := s.pop(res.TaskID)
	if !ok {
		s.logger.Info("Ignoring terminal result for unknown task",
			zap.String("task_id", res.TaskID), zap.String("outcome", string(res.Outcome)))
		return nil
	}
	res.TargetAgent = st.Requester
	if len(res.ContributingAgents) == 0 {
		res.ContributingAgents = append([]string(nil), st.Contributors...)
	}
	s.deliver(ctx, st, res)
	return nil
}

// OnToolResponse forwards tool output to the worker currently holding the
// task's step.
func (s *Service) OnToolResponse(ctx context.Context, _ *agent.Runtime, msg *protocol.Message) error {
	s.mu.RLock()
	st, ok := s.tasks[msg.TaskID]
	var worker string
	if ok {
		worker = s.workerFor(st.Step, st.Proposer)
	}
	s.mu.RUnlock()

	if !ok {
		s.logger.Debug("Tool response for unknown task", zap.String("task_id", msg.TaskID))
		return nil
	}
	return s.pub.PublishToAgent(ctx, worker, msg)
}

// Snapshot returns a copy of the task's state.
func (s *Service) Snapshot(taskID string) (TaskStateView, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.tasks[taskID]
	if !ok {
		return TaskStateView{}, false
	}
	return st.snapshot(), true
}

// Active returns snapshots of all in-flight tasks, oldest first.
func (s *Service) Active() []TaskStateView {
	s.mu.RLock()
	views := make([]TaskStateView, 0, len(s.tasks))
	for _, st := range s.tasks {
		views = append(views, st.snapshot())
	}
	s.mu.RUnlock()

	sort.Slice(views, func(i, j int) bool {
		if views[i].CreatedAt.Equal(views[j].CreatedAt) {
			return views[i].TaskID < views[j].TaskID
		}
		return views[i].CreatedAt.Before(views[j].CreatedAt)
	})
	return views
}

// ActiveCount returns the number of in-flight tasks.
func (s *Service) ActiveCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.tasks)
}

func (s *Service) handleStart(ctx context.Context, task *protocol.Task) {
	if strings.TrimSpace(task.Content) == "" {
		s.pub.PublishError(ctx, task.TaskID, "cannot start a task with empty content", task.Agent)
		return
	}

	proposer := task.TargetAgent
	if proposer == "" || proposer == s.name {
		proposer = s.cfg.Proposer
	}

	st := newTaskState(task.TaskID, task.Agent, proposer, task.ReasoningEffort)
	st.timer = time.AfterFunc(s.cfg.TaskTimeout(), func() { s.timeout(task.TaskID) })

	s.mu.Lock()
	if _, exists := s.tasks[task.TaskID]; exists {
		s.mu.Unlock()
		st.timer.Stop()
		s.logger.Warn("Duplicate start for in-flight task", zap.String("task_id", task.TaskID))
		return
	}
	s.tasks[task.TaskID] = st
	s.mu.Unlock()

	s.logger.Info("Task accepted",
		zap.String("task_id", task.TaskID),
		zap.String("requester", task.Agent),
		zap.String("proposer", proposer),
		zap.String("reasoning_effort", string(task.ReasoningEffort)))

	s.sendStep(ctx, st, proposer, protocol.IntentStartTask, protocol.EventPlan, task.Content)
}

// handleReply advances the state machine on a worker contribution. The
// decision is computed under the lock; publishes happen after it is
// released.
func (s *Service) handleReply(ctx context.Context, task *protocol.Task) {
	s.mu.Lock()
	st, ok := s.tasks[task.TaskID]
	if !ok {
		s.mu.Unlock()
		s.logger.Info("Reply for unknown task ignored",
			zap.String("task_id", task.TaskID), zap.String("sender", task.Agent))
		return
	}

	dup := st.observe(task.Agent, task.Event, task.Content)
	if dup {
		st.SimilarityHits++
	}
	if task.Confidence != nil {
		st.recordConfidence(*task.Confidence, s.cfg.PlateauWindow)
	}

	var (
		terminal bool
		outcome  protocol.Outcome
		content  string
		reason   string

		target   string
		intent   protocol.Intent
		event    protocol.Event
		forward  string
		dispatch bool
	)

	switch {
	case st.Round > s.cfg.MaxRounds*2:
		terminal, outcome = true, protocol.OutcomeEscalated
		content, reason = "round budget exhausted", "hard round cap"

	case dup && st.SimilarityHits >= 3:
		terminal, outcome = true, protocol.OutcomeEscalated
		content, reason = "workers repeated identical contributions", "similarity limit"

	case dup && st.SimilarityHits >= 2:
		st.Step = protocol.EventRefine
		dispatch = true
		target, intent, event = s.cfg.Refiner, protocol.IntentModifyTask, protocol.EventRefine
		forward = pivotInstruction + "\n\n" + task.Content
		s.logger.Warn("Forcing pivot after repeated contributions",
			zap.String("task_id", task.TaskID),
			zap.Int("similarity_hits", st.SimilarityHits))

	case st.Step == protocol.EventRefine && task.Confidence != nil && *task.Confidence >= s.cfg.ConsensusThreshold:
		terminal, outcome = true, protocol.OutcomeCompleted
		content, reason = task.Content, "consensus reached"

	case st.plateaued(s.cfg.PlateauDelta, s.cfg.PlateauWindow):
		terminal, outcome = true, protocol.OutcomeMerged
		content, _ = st.majority()
		reason = "confidence plateau"

	case st.Step == protocol.EventRefine && st.Round >= s.cfg.MaxRounds:
		terminal = true
		switch {
		case st.bestConfidence() >= s.cfg.ConsensusThreshold:
			outcome, content = protocol.OutcomeCompleted, st.LastContent
		case st.hasMajority():
			outcome = protocol.OutcomeMerged
			content, _ = st.majority()
		default:
			outcome, content = protocol.OutcomeEscalated, "no consensus within the round budget"
		}
		reason = "round budget"

	case st.Step == protocol.EventPlan:
		st.Step = protocol.EventExecute
		dispatch = true
		target, intent, event = s.cfg.Critic, protocol.IntentModifyTask, protocol.EventExecute
		forward = task.Content

	case st.Step == protocol.EventExecute:
		st.Step = protocol.EventRefine
		dispatch = true
		target, intent, event = s.cfg.Refiner, protocol.IntentModifyTask, protocol.EventRefine
		forward = task.Content

	default: // refine reply below threshold: next round at the critic
		st.Round++
		st.Step = protocol.EventExecute
		dispatch = true
		target, intent, event = s.cfg.Critic, protocol.IntentModifyTask, protocol.EventExecute
		forward = task.Content
	}

	if terminal {
		delete(s.tasks, task.TaskID)
		if st.timer != nil {
			st.timer.Stop()
		}
	}
	s.mu.Unlock()

	if terminal {
		s.logger.Info("Task reached terminal state",
			zap.String("task_id", task.TaskID),
			zap.String("outcome", string(outcome)),
			zap.String("reason", reason),
			zap.Int("round", st.Round))
		res := s.buildResult(st, outcome, content)
		s.deliver(ctx, st, &res)
		return
	}
	if dispatch {
		s.sendStep(ctx, st, target, intent, event, forward)
	}
}

func (s *Service) handleEscalate(ctx context.Context, task *protocol.Task) {
	s.mu.RLock()
	st, ok := s.tasks[task.TaskID]
	privileged := ok && (task.Agent == st.Requester || task.Agent == "gateway")
	s.mu.RUnlock()

	if !ok {
		s.logger.Debug("Escalation for unknown task", zap.String("task_id", task.TaskID))
		return
	}
	if !privileged {
		s.logger.Warn("Escalation from unprivileged sender ignored",
			zap.String("task_id", task.TaskID), zap.String("sender", task.Agent))
		return
	}
	reason := task.Content
	if strings.TrimSpace(reason) == "" {
		reason = "escalated by requester"
	}
	s.killSwitch(ctx, task.TaskID, reason)
}

func (s *Service) workerError(ctx context.Context, msg *protocol.Message) {
	s.mu.RLock()
	_, ok := s.tasks[msg.TaskID]
	s.mu.RUnlock()
	if !ok {
		s.logger.Debug("Worker error for unknown task",
			zap.String("task_id", msg.TaskID), zap.String("sender", msg.Agent))
		return
	}
	s.logger.Error("Worker reported unrecoverable error",
		zap.String("task_id", msg.TaskID),
		zap.String("sender", msg.Agent),
		zap.String("detail", msg.Content))
	s.killSwitch(ctx, msg.TaskID, msg.Content)
}

// killSwitch tears a task down with outcome escalated. Safe to call twice;
// the second call finds no state.
func (s *Service) killSwitch(ctx context.Context, taskID, reason string) {
	st, ok := s.pop(taskID)
	if !ok {
		s.logger.Debug("Kill-switch for already-closed task", zap.String("task_id", taskID))
		return
	}
	s.logger.Warn("Kill-switch engaged",
		zap.String("task_id", taskID), zap.String("reason", reason))
	res := s.buildResult(st, protocol.OutcomeEscalated, reason)
	s.deliver(ctx, st, &res)
}

func (s *Service) timeout(taskID string) {
	ctx, cancel := context.WithTimeout(context.Background(), backgroundTimeout)
	defer cancel()
	s.killSwitch(ctx, taskID, fmt.Sprintf("task exceeded its %s deadline", s.cfg.TaskTimeout()))
}

func (s *Service) replyStatus(ctx context.Context, taskID, sender string) {
	var content string
	if view, ok := s.Snapshot(taskID); ok {
		content = fmt.Sprintf("task %s: step=%s round=%d similarity_hits=%d contributors=[%s]",
			taskID, view.Step, view.Round, view.SimilarityHits, strings.Join(view.Contributors, ", "))
		if n := len(view.Confidences); n > 0 {
			content += fmt.Sprintf(" confidence=%.2f", view.Confidences[n-1])
		}
	} else {
		content = fmt.Sprintf("task %s not found", taskID)
	}
	reply := protocol.NewMessage(taskID, s.name, content, protocol.IntentChat)
	if err := s.pub.PublishToAgent(ctx, sender, reply); err != nil {
		s.logger.Warn("Failed to answer check_status",
			zap.String("task_id", taskID), zap.Error(err))
	}
}

// pop removes and returns a task's state, stopping its deadline timer.
func (s *Service) pop(taskID string) (*TaskState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.tasks[taskID]
	if !ok {
		return nil, false
	}
	delete(s.tasks, taskID)
	if st.timer != nil {
		st.timer.Stop()
	}
	return st, true
}

// sendStep dispatches the next debate step to a worker.
func (s *Service) sendStep(ctx context.Context, st *TaskState, target string, intent protocol.Intent, event protocol.Event, content string) {
	task := protocol.NewTask(st.TaskID, s.name, content, intent, target, event)
	task.ReasoningEffort = st.Effort
	if err := s.pub.PublishToAgent(ctx, target, task); err != nil {
		s.logger.Error("Failed to dispatch step",
			zap.String("task_id", st.TaskID),
			zap.String("target", target),
			zap.String("event", string(event)),
			zap.Error(err))
		s.killSwitch(ctx, st.TaskID, fmt.Sprintf("dispatch to %s failed", target))
		return
	}
	s.logger.Debug("Dispatched step",
		zap.String("task_id", st.TaskID),
		zap.String("target", target),
		zap.String("event", string(event)))
}

// buildResult assembles the terminal TaskResult addressed to the original
// requester. When nothing contributed, the orchestrator names itself so
// the result still validates.
func (s *Service) buildResult(st *TaskState, outcome protocol.Outcome, content string) protocol.TaskResult {
	contributors := append([]string(nil), st.Contributors...)
	if len(contributors) == 0 {
		contributors = []string{s.name}
	}
	event := protocol.EventComplete
	if outcome == protocol.OutcomeEscalated {
		event = protocol.EventEscalate
	}
	task := protocol.NewTask(st.TaskID, s.name, content, protocol.IntentModifyTask, st.Requester, event)
	task.ReasoningEffort = st.Effort
	return protocol.TaskResult{
		Task:               task,
		Outcome:            outcome,
		ContributingAgents: contributors,
	}
}

// deliver publishes a terminal result and records the outcome.
func (s *Service) deliver(ctx context.Context, st *TaskState, res *protocol.TaskResult) {
	if err := s.pub.PublishResult(ctx, res); err != nil {
		s.logger.Error("Failed to publish task result",
			zap.String("task_id", res.TaskID), zap.Error(err))
	}
	if s.recorder != nil {
		if err := s.recorder.RecordOutcome(ctx, res, time.Since(st.CreatedAt)); err != nil {
			s.logger.Warn("Failed to record outcome",
				zap.String("task_id", res.TaskID), zap.Error(err))
		}
	}
}

// workerFor maps the awaited step to the worker expected to act on it.
func (s *Service) workerFor(step protocol.Event, proposer string) string {
	switch step {
	case protocol.EventExecute:
		return s.cfg.Critic
	case protocol.EventRefine:
		return s.cfg.Refiner
	default:
		return proposer
	}
}

var _ agent.Capabilities = (*Service)(nil)
