// Package hub composes the effort estimator, the adaptive router, and the
// outcome store behind the operations the gateway and orchestrator call:
//
//   - CreateAndRoute: estimate effort, pick a worker, build the Task
//   - CompleteTask: build a terminal TaskResult and hand it to the orchestrator
//   - RecordOutcome: feed finished tasks back into the router and estimator
//   - SystemStatus / Decisions: operator views over the moving parts
//
// The hub owns the cluster model lifecycle: Run rebuilds it from the
// persisted outcome log once enough new outcomes accumulate.
package hub

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/parley-ai/parley/internal/bus"
	"github.com/parley-ai/parley/internal/common/logger"
	"github.com/parley-ai/parley/internal/effort"
	"github.com/parley-ai/parley/internal/heartbeat"
	"github.com/parley-ai/parley/internal/hub/store"
	"github.com/parley-ai/parley/internal/protocol"
	"github.com/parley-ai/parley/internal/routing"
)

// hubAgent is the sender name stamped on hub-built protocol values.
const hubAgent = "hub"

var (
	// ErrEmptyContent rejects task creation with nothing to do.
	ErrEmptyContent = errors.New("task content is empty")
	// ErrNoWorkers rejects routing when the roster is empty.
	ErrNoWorkers = errors.New("no worker agents configured")
)

// Task lifecycle notification types published on the task_events channel.
const (
	TaskEventCreated   = "task_created"
	TaskEventCompleted = "task_completed"
)

// TaskEvent is the lifecycle notification published on task_events.
type TaskEvent struct {
	Type      string           `json:"type"`
	TaskID    string           `json:"task_id"`
	Agent     string           `json:"agent,omitempty"`
	Outcome   protocol.Outcome `json:"outcome,omitempty"`
	Effort    protocol.Effort  `json:"reasoning_effort,omitempty"`
	Timestamp time.Time        `json:"timestamp"`
}

// Config holds the hub's operational settings.
type Config struct {
	Workers          []string      // routable worker roster
	Orchestrator     string        // orchestrator agent name
	RetrainThreshold int           // new outcomes required before a rebuild
	RebuildInterval  time.Duration // rebuild ticker cadence
	RebuildLimit     int           // max outcomes loaded per rebuild
}

// CreateRequest carries everything needed to create and route a task.
type CreateRequest struct {
	TaskID           string // generated when empty
	Requester        string
	Content          string
	Intent           protocol.Intent // defaults to start_task
	Event            protocol.Event  // defaults to plan
	Confidence       *float64
	DeadlinePressure float64
}

// SystemStatus is the operator view returned by the status endpoint.
type SystemStatus struct {
	Agents             map[string]string `json:"agents"`
	SystemReady        bool              `json:"system_ready"`
	ActiveTasks        int               `json:"active_tasks"`
	EffortDistribution map[string]int    `json:"effort_distribution"`
	ExplorationRate    float64           `json:"exploration_rate"`
	LastClusterRebuild *time.Time        `json:"last_cluster_rebuild_at,omitempty"`
}

// activeTask is what the hub remembers about an in-flight task between
// routing and its terminal outcome.
type activeTask struct {
	task     protocol.Task
	decision routing.Decision
	features routing.Features
	started  time.Time
}

// Service is the intelligence hub.
type Service struct {
	cfg       Config
	estimator *effort.Estimator
	extractor *routing.Extractor
	router    *routing.Router
	store     store.Store
	bus       bus.Bus
	monitor   *heartbeat.Monitor
	logger    *logger.Logger

	mu               sync.Mutex
	active           map[string]*activeTask
	lastRebuildCount int
}

// NewService assembles the hub. The monitor may be nil; status responses
// then omit liveness data.
func NewService(
	cfg Config,
	est *effort.Estimator,
	ext *routing.Extractor,
	router *routing.Router,
	st store.Store,
	b bus.Bus,
	mon *heartbeat.Monitor,
	log *logger.Logger,
) *Service {
	if cfg.Orchestrator == "" {
		cfg.Orchestrator = "orchestrator"
	}
	if cfg.RetrainThreshold <= 0 {
		cfg.RetrainThreshold = 20
	}
	if cfg.RebuildInterval <= 0 {
		cfg.RebuildInterval = 600 * time.Second
	}
	if cfg.RebuildLimit <= 0 {
		cfg.RebuildLimit = 1000
	}
	return &Service{
		cfg:       cfg,
		estimator: est,
		extractor: ext,
		router:    router,
		store:     st,
		bus:       b,
		monitor:   mon,
		logger:    log.WithFields(zap.String("component", "hub")),
		active:    make(map[string]*activeTask),
	}
}

// CreateAndRoute estimates effort for the content, routes it to a worker,
// and returns the fully stamped Task for the caller to publish. The routing
// decision is persisted and the task is tracked until its outcome arrives.
func (s *Service) CreateAndRoute(ctx context.Context, req CreateRequest) (*protocol.Task, *routing.Decision, error) {
	if req.Content == "" {
		return nil, nil, ErrEmptyContent
	}
	if len(s.cfg.Workers) == 0 {
		return nil, nil, ErrNoWorkers
	}
	taskID := req.TaskID
	if taskID == "" {
		taskID = uuid.NewString()
	}
	requester := req.Requester
	if requester == "" {
		requester = "gateway"
	}
	intent := req.Intent
	if intent == "" {
		intent = protocol.IntentStartTask
	}
	event := req.Event
	if event == "" {
		event = protocol.EventPlan
	}

	effortLabel, diags := s.estimator.Estimate(effort.Input{
		Content:          req.Content,
		Event:            event,
		Intent:           intent,
		Confidence:       req.Confidence,
		DeadlinePressure: req.DeadlinePressure,
	})

	feats := routing.FeaturesFromDiagnostics(req.Content, diags)
	vec := s.extractor.Vector(feats)

	agent, decision, err := s.router.Route(taskID, vec, s.cfg.Workers)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to route task: %w", err)
	}

	task := protocol.NewTask(taskID, requester, req.Content, intent, agent, event)
	task.ReasoningEffort = effortLabel
	task.Confidence = req.Confidence
	task.Diagnostics = diags

	if err := s.store.AppendDecision(ctx, &decision); err != nil {
		s.logger.Warn("Failed to persist routing decision",
			zap.String("task_id", taskID), zap.Error(err))
	}

	s.mu.Lock()
	s.active[taskID] = &activeTask{
		task:     task,
		decision: decision,
		features: feats,
		started:  time.Now().UTC(),
	}
	s.mu.Unlock()

	s.publishEvent(ctx, TaskEvent{
		Type:      TaskEventCreated,
		TaskID:    taskID,
		Agent:     agent,
		Effort:    effortLabel,
		Timestamp: time.Now().UTC(),
	})

	s.logger.Info("Task created and routed",
		zap.String("task_id", taskID),
		zap.String("agent", agent),
		zap.String("method", decision.Method),
		zap.String("reasoning_effort", string(effortLabel)))

	return &task, &decision, nil
}

// CompleteTask builds a terminal TaskResult and publishes it to the
// orchestrator, which finalizes the task and reports the outcome back via
// RecordOutcome.
func (s *Service) CompleteTask(ctx context.Context, taskID string, outcome protocol.Outcome, content string, contributing []string) (*protocol.TaskResult, error) {
	event := protocol.EventComplete
	if outcome == protocol.OutcomeEscalated {
		event = protocol.EventEscalate
	}
	res := protocol.TaskResult{
		Task:               protocol.NewTask(taskID, hubAgent, content, protocol.IntentModifyTask, s.cfg.Orchestrator, event),
		Outcome:            outcome,
		ContributingAgents: contributing,
	}
	payload, err := protocol.Encode(res)
	if err != nil {
		return nil, err
	}
	if err := s.bus.Publish(ctx, protocol.AgentChannel(s.cfg.Orchestrator), payload); err != nil {
		return nil, fmt.Errorf("failed to publish task result: %w", err)
	}
	return &res, nil
}

// RecordOutcome feeds a terminal result back into the router, the
// estimator's autotune, and the persistent outcome log. It implements the
// orchestrator's OutcomeRecorder.
func (s *Service) RecordOutcome(ctx context.Context, res *protocol.TaskResult, duration time.Duration) error {
	success := res.Outcome == protocol.OutcomeCompleted || res.Outcome == protocol.OutcomeMerged

	s.mu.Lock()
	entry, tracked := s.active[res.TaskID]
	delete(s.active, res.TaskID)
	s.mu.Unlock()

	agent := ""
	cluster := routing.NoCluster
	content := res.Content
	effortLabel := res.ReasoningEffort
	var categoryHits map[string]int
	if tracked {
		agent = entry.task.TargetAgent
		cluster = entry.decision.Cluster
		content = entry.task.Content
		effortLabel = entry.task.ReasoningEffort
		if entry.task.Diagnostics != nil {
			categoryHits = entry.task.Diagnostics.CategoryHits
		}
		s.extractor.Observe(entry.features)
	} else if len(res.ContributingAgents) > 0 {
		agent = res.ContributingAgents[0]
	}

	if agent != "" {
		s.router.UpdateAgentStats(agent, duration, success, cluster)
	}
	s.estimator.RecordOutcome(effort.OutcomeSample{
		TaskID:       res.TaskID,
		Predicted:    effortLabel,
		Duration:     duration,
		Success:      success,
		CategoryHits: categoryHits,
		Timestamp:    time.Now().UTC(),
	})

	err := s.store.AppendOutcome(ctx, &store.OutcomeRecord{
		TaskID:          res.TaskID,
		Agent:           agent,
		Content:         content,
		PredictedEffort: effortLabel,
		ClusterID:       cluster,
		Duration:        duration,
		Success:         success,
		Timestamp:       time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("failed to persist outcome: %w", err)
	}

	s.publishEvent(ctx, TaskEvent{
		Type:      TaskEventCompleted,
		TaskID:    res.TaskID,
		Agent:     agent,
		Outcome:   res.Outcome,
		Timestamp: time.Now().UTC(),
	})
	return nil
}

// SystemStatus assembles the operator view: agent liveness, active task
// load, effort mix, and router state.
func (s *Service) SystemStatus(ctx context.Context) SystemStatus {
	status := SystemStatus{
		Agents:             map[string]string{},
		EffortDistribution: map[string]int{},
		ExplorationRate:    s.router.Epsilon(),
	}
	if s.monitor != nil {
		snap := s.monitor.Snapshot(ctx)
		status.Agents = snap.AgentStatus
		status.SystemReady = snap.SystemReady
	}

	s.mu.Lock()
	status.ActiveTasks = len(s.active)
	for _, entry := range s.active {
		if entry.task.ReasoningEffort != "" {
			status.EffortDistribution[string(entry.task.ReasoningEffort)]++
		}
	}
	s.mu.Unlock()

	if t := s.router.LastRebuild(); !t.IsZero() {
		status.LastClusterRebuild = &t
	}
	return status
}

// Decisions returns the most recent routing decisions, newest first.
func (s *Service) Decisions(limit int) []routing.Decision {
	return s.router.Decisions(limit)
}

// ActiveTaskIDs returns the ids of tasks awaiting an outcome.
func (s *Service) ActiveTaskIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.active))
	for id := range s.active {
		ids = append(ids, id)
	}
	return ids
}

// Run drives periodic cluster rebuilds until the context is canceled.
func (s *Service) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.RebuildInterval)
	defer ticker.Stop()
	s.logger.Info("Hub maintenance loop started",
		zap.Duration("rebuild_interval", s.cfg.RebuildInterval),
		zap.Int("retrain_threshold", s.cfg.RetrainThreshold))
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := s.maybeRebuild(ctx); err != nil {
				s.logger.Warn("Cluster rebuild failed", zap.Error(err))
			}
		}
	}
}

// maybeRebuild rebuilds the cluster model when enough new outcomes have
// arrived since the last build.
func (s *Service) maybeRebuild(ctx context.Context) error {
	n := s.router.OutcomeCount()
	s.mu.Lock()
	pending := n - s.lastRebuildCount
	s.mu.Unlock()
	if pending < s.cfg.RetrainThreshold {
		s.logger.Debug("Skipping rebuild",
			zap.Int("new_outcomes", pending),
			zap.Int("retrain_threshold", s.cfg.RetrainThreshold))
		return nil
	}
	return s.RebuildNow(ctx)
}

// RebuildNow rebuilds the cluster model from the persisted outcome log and
// swaps it in atomically.
func (s *Service) RebuildNow(ctx context.Context) error {
	recs, err := s.store.RecentOutcomes(ctx, s.cfg.RebuildLimit)
	if err != nil {
		return fmt.Errorf("failed to load outcome history: %w", err)
	}
	if len(recs) == 0 {
		return nil
	}

	samples := make([]routing.Sample, 0, len(recs))
	for _, rec := range recs {
		if rec.Agent == "" {
			continue
		}
		_, diags := s.estimator.Estimate(effort.Input{Content: rec.Content})
		feats := routing.FeaturesFromDiagnostics(rec.Content, diags)
		samples = append(samples, routing.Sample{
			Vector:   s.extractor.Vector(feats),
			Agent:    rec.Agent,
			Duration: rec.Duration,
			Success:  rec.Success,
		})
	}
	if len(samples) == 0 {
		return nil
	}

	model, err := s.router.Rebuild(samples)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.lastRebuildCount = s.router.OutcomeCount()
	s.mu.Unlock()

	s.logger.Info("Cluster model rebuilt",
		zap.String("method", model.Method()),
		zap.Int("samples", model.Samples()),
		zap.Int("clusters", model.Clusters()))
	return nil
}

// publishEvent emits a lifecycle notification; failures are logged, never
// propagated.
func (s *Service) publishEvent(ctx context.Context, ev TaskEvent) {
	payload, err := protocol.Encode(ev)
	if err != nil {
		return
	}
	if err := s.bus.Publish(ctx, protocol.ChannelTaskEvents, payload); err != nil {
		s.logger.Warn("Failed to publish task event",
			zap.String("type", ev.Type), zap.String("task_id", ev.TaskID), zap.Error(err))
	}
}
