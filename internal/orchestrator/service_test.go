package orchestrator

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parley-ai/parley/internal/agent"
	"github.com/parley-ai/parley/internal/bus"
	"github.com/parley-ai/parley/internal/common/config"
	"github.com/parley-ai/parley/internal/common/logger"
	"github.com/parley-ai/parley/internal/protocol"
)

func testOrchestratorConfig() config.OrchestratorConfig {
	return config.OrchestratorConfig{
		Name:               "orchestrator",
		Proposer:           "worker_a",
		Critic:             "critic",
		Refiner:            "refiner",
		MaxRounds:          3,
		TaskTimeoutSec:     60,
		PlateauDelta:       0.05,
		PlateauWindow:      3,
		ConsensusThreshold: 0.9,
	}
}

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "debug", Format: "console", OutputPath: "stdout"})
	require.NoError(t, err)
	return log
}

type dispatched struct {
	target string
	value  interface{}
}

type errorSent struct {
	taskID string
	text   string
	target string
}

// fakePub records everything the service publishes.
type fakePub struct {
	mu       sync.Mutex
	toAgent  []dispatched
	frontend []interface{}
	results  []*protocol.TaskResult
	errors   []errorSent
}

func (p *fakePub) PublishToAgent(_ context.Context, target string, v interface{}) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.toAgent = append(p.toAgent, dispatched{target: target, value: v})
	return nil
}

func (p *fakePub) PublishToFrontend(_ context.Context, v interface{}) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.frontend = append(p.frontend, v)
	return nil
}

func (p *fakePub) PublishResult(_ context.Context, res *protocol.TaskResult) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.results = append(p.results, res)
	return nil
}

func (p *fakePub) PublishError(_ context.Context, taskID, errText, target string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.errors = append(p.errors, errorSent{taskID: taskID, text: errText, target: target})
}

func (p *fakePub) dispatches() []dispatched {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]dispatched(nil), p.toAgent...)
}

func (p *fakePub) lastTask(t *testing.T) (string, protocol.Task) {
	t.Helper()
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := len(p.toAgent) - 1; i >= 0; i-- {
		if task, ok := p.toAgent[i].value.(protocol.Task); ok {
			return p.toAgent[i].target, task
		}
	}
	t.Fatal("no task dispatched")
	return "", protocol.Task{}
}

func (p *fakePub) resultCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.results)
}

func (p *fakePub) lastResult(t *testing.T) *protocol.TaskResult {
	t.Helper()
	p.mu.Lock()
	defer p.mu.Unlock()
	require.NotEmpty(t, p.results)
	return p.results[len(p.results)-1]
}

type recorded struct {
	res      *protocol.TaskResult
	duration time.Duration
}

type fakeRecorder struct {
	mu      sync.Mutex
	records []recorded
}

func (r *fakeRecorder) RecordOutcome(_ context.Context, res *protocol.TaskResult, d time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, recorded{res: res, duration: d})
	return nil
}

func (r *fakeRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.records)
}

func newTestService(t *testing.T, cfg config.OrchestratorConfig) (*Service, *fakePub, *fakeRecorder) {
	t.Helper()
	pub := &fakePub{}
	rec := &fakeRecorder{}
	svc := NewService(cfg, rec, testLogger(t))
	svc.Attach(pub)
	return svc, pub, rec
}

func start(t *testing.T, svc *Service, taskID, requester, content string) {
	t.Helper()
	task := protocol.NewTask(taskID, requester, content, protocol.IntentStartTask, "", protocol.EventPlan)
	require.NoError(t, svc.OnTask(context.Background(), nil, &task))
}

func reply(t *testing.T, svc *Service, taskID, sender, content string, event protocol.Event, conf *float64) {
	t.Helper()
	task := protocol.NewTask(taskID, sender, content, protocol.IntentModifyTask, "orchestrator", event)
	task.Confidence = conf
	require.NoError(t, svc.OnTask(context.Background(), nil, &task))
}

func TestStartCreatesStateAndRequestsProposal(t *testing.T) {
	svc, pub, _ := newTestService(t, testOrchestratorConfig())

	task := protocol.NewTask("t1", "client_7", "compare the two designs", protocol.IntentStartTask, "worker_b", protocol.EventPlan)
	task.ReasoningEffort = protocol.EffortHigh
	require.NoError(t, svc.OnTask(context.Background(), nil, &task))

	view, ok := svc.Snapshot("t1")
	require.True(t, ok)
	assert.Equal(t, protocol.EventPlan, view.Step)
	assert.Equal(t, 1, view.Round)
	assert.Equal(t, "client_7", view.Requester)

	target, sent := pub.lastTask(t)
	assert.Equal(t, "worker_b", target, "routed target wins over the configured proposer")
	assert.Equal(t, protocol.IntentStartTask, sent.Intent)
	assert.Equal(t, protocol.EventPlan, sent.Event)
	assert.Equal(t, "compare the two designs", sent.Content)
	assert.Equal(t, protocol.EffortHigh, sent.ReasoningEffort)
}

func TestStartWithoutTargetUsesConfiguredProposer(t *testing.T) {
	svc, pub, _ := newTestService(t, testOrchestratorConfig())
	start(t, svc, "t1", "client_7", "draft a plan")

	target, sent := pub.lastTask(t)
	assert.Equal(t, "worker_a", target)
	assert.Equal(t, protocol.EventPlan, sent.Event)
}

func TestStartEmptyContentRejected(t *testing.T) {
	svc, pub, _ := newTestService(t, testOrchestratorConfig())

	task := protocol.NewTask("t1", "client_7", "   ", protocol.IntentStartTask, "", protocol.EventPlan)
	require.NoError(t, svc.OnTask(context.Background(), nil, &task))

	assert.Equal(t, 0, svc.ActiveCount(), "no state for a rejected start")
	pub.mu.Lock()
	defer pub.mu.Unlock()
	require.Len(t, pub.errors, 1)
	assert.Equal(t, "t1", pub.errors[0].taskID)
	assert.Equal(t, "client_7", pub.errors[0].target)
}

func TestDuplicateStartIgnored(t *testing.T) {
	svc, pub, _ := newTestService(t, testOrchestratorConfig())
	start(t, svc, "t1", "client_7", "draft a plan")
	start(t, svc, "t1", "client_7", "draft a plan")

	assert.Equal(t, 1, svc.ActiveCount())
	var tasks int
	for _, d := range pub.dispatches() {
		if _, ok := d.value.(protocol.Task); ok {
			tasks++
		}
	}
	assert.Equal(t, 1, tasks, "only the first start dispatches a proposal")
}

func TestDebateAdvancesToConsensus(t *testing.T) {
	svc, pub, rec := newTestService(t, testOrchestratorConfig())
	start(t, svc, "t1", "client_7", "compare the two designs")

	reply(t, svc, "t1", "worker_a", "proposal: design A is simpler", protocol.EventPlan, nil)
	target, sent := pub.lastTask(t)
	assert.Equal(t, "critic", target)
	assert.Equal(t, protocol.EventExecute, sent.Event)
	assert.Equal(t, protocol.IntentModifyTask, sent.Intent)
	assert.Equal(t, "proposal: design A is simpler", sent.Content)

	reply(t, svc, "t1", "critic", "critique: A ignores scaling", protocol.EventExecute, nil)
	target, sent = pub.lastTask(t)
	assert.Equal(t, "refiner", target)
	assert.Equal(t, protocol.EventRefine, sent.Event)

	reply(t, svc, "t1", "refiner", "final: design A with sharding", protocol.EventRefine, protocol.Float64(0.95))

	require.Equal(t, 1, pub.resultCount())
	res := pub.lastResult(t)
	assert.Equal(t, protocol.OutcomeCompleted, res.Outcome)
	assert.Equal(t, "final: design A with sharding", res.Content)
	assert.Equal(t, "client_7", res.TargetAgent)
	assert.Equal(t, []string{"worker_a", "critic", "refiner"}, res.ContributingAgents,
		"contributors appear in order of first contribution")

	assert.Equal(t, 0, svc.ActiveCount(), "state is deleted on terminal outcome")
	require.Equal(t, 1, rec.count())
	assert.Equal(t, protocol.OutcomeCompleted, rec.records[0].res.Outcome)
}

func TestRefineBelowThresholdStartsNextRound(t *testing.T) {
	svc, pub, _ := newTestService(t, testOrchestratorConfig())
	start(t, svc, "t1", "client_7", "compare the two designs")

	reply(t, svc, "t1", "worker_a", "proposal one", protocol.EventPlan, nil)
	reply(t, svc, "t1", "critic", "critique one", protocol.EventExecute, nil)
	reply(t, svc, "t1", "refiner", "refined one", protocol.EventRefine, protocol.Float64(0.4))

	view, ok := svc.Snapshot("t1")
	require.True(t, ok)
	assert.Equal(t, 2, view.Round)
	assert.Equal(t, protocol.EventExecute, view.Step)

	target, sent := pub.lastTask(t)
	assert.Equal(t, "critic", target, "next round returns to the critic")
	assert.Equal(t, protocol.EventExecute, sent.Event)
	assert.Equal(t, "refined one", sent.Content)
}

func TestLoopDetectionForcesPivotThenEscalates(t *testing.T) {
	svc, pub, rec := newTestService(t, testOrchestratorConfig())
	start(t, svc, "t1", "client_7", "compare the two designs")

	same := "The Only Answer I Have."
	reply(t, svc, "t1", "worker_a", same, protocol.EventPlan, nil)    // baseline
	reply(t, svc, "t1", "worker_a", same, protocol.EventExecute, nil) // first duplicate

	view, ok := svc.Snapshot("t1")
	require.True(t, ok)
	assert.Equal(t, 1, view.SimilarityHits)

	reply(t, svc, "t1", "worker_a", same, protocol.EventRefine, nil) // second duplicate: forced pivot
	view, ok = svc.Snapshot("t1")
	require.True(t, ok)
	assert.Equal(t, 2, view.SimilarityHits)
	assert.Equal(t, protocol.EventRefine, view.Step)

	target, sent := pub.lastTask(t)
	assert.Equal(t, "refiner", target)
	assert.Equal(t, protocol.EventRefine, sent.Event)
	assert.True(t, strings.HasPrefix(sent.Content, pivotInstruction), "pivot instruction leads the forced refine")

	reply(t, svc, "t1", "worker_a", same, protocol.EventRefine, nil) // third duplicate: kill-switch

	require.Equal(t, 1, pub.resultCount())
	res := pub.lastResult(t)
	assert.Equal(t, protocol.OutcomeEscalated, res.Outcome)
	assert.Equal(t, 0, svc.ActiveCount())
	require.Equal(t, 1, rec.count())
}

func TestDigestNormalizationIgnoresCaseAndSpacing(t *testing.T) {
	svc, _, _ := newTestService(t, testOrchestratorConfig())
	start(t, svc, "t1", "client_7", "compare the two designs")

	reply(t, svc, "t1", "worker_a", "Design  A   wins", protocol.EventPlan, nil)
	reply(t, svc, "t1", "worker_a", "design a WINS", protocol.EventExecute, nil)

	view, ok := svc.Snapshot("t1")
	require.True(t, ok)
	assert.Equal(t, 1, view.SimilarityHits)
}

func TestPlateauConcludesMerged(t *testing.T) {
	svc, pub, rec := newTestService(t, testOrchestratorConfig())
	start(t, svc, "t1", "client_7", "compare the two designs")

	reply(t, svc, "t1", "worker_a", "position alpha", protocol.EventPlan, protocol.Float64(0.81))
	reply(t, svc, "t1", "critic", "position beta", protocol.EventExecute, protocol.Float64(0.83))
	reply(t, svc, "t1", "refiner", "position gamma", protocol.EventRefine, protocol.Float64(0.82))

	require.Equal(t, 1, pub.resultCount())
	res := pub.lastResult(t)
	assert.Equal(t, protocol.OutcomeMerged, res.Outcome)
	assert.Equal(t, []string{"worker_a", "critic", "refiner"}, res.ContributingAgents)
	assert.Equal(t, "position gamma", res.Content, "tied positions resolve to the latest")
	assert.Equal(t, 0, svc.ActiveCount())
	require.Equal(t, 1, rec.count())
}

func TestRoundBudgetEscalatesWithoutConsensus(t *testing.T) {
	cfg := testOrchestratorConfig()
	cfg.MaxRounds = 2
	cfg.ConsensusThreshold = 0.99
	svc, pub, _ := newTestService(t, cfg)
	start(t, svc, "t1", "client_7", "compare the two designs")

	reply(t, svc, "t1", "worker_a", "proposal one", protocol.EventPlan, nil)
	reply(t, svc, "t1", "critic", "critique one", protocol.EventExecute, nil)
	reply(t, svc, "t1", "refiner", "refined one", protocol.EventRefine, protocol.Float64(0.3))

	reply(t, svc, "t1", "critic", "critique two", protocol.EventExecute, nil)
	reply(t, svc, "t1", "refiner", "refined two", protocol.EventRefine, protocol.Float64(0.6))

	require.Equal(t, 1, pub.resultCount())
	res := pub.lastResult(t)
	assert.Equal(t, protocol.OutcomeEscalated, res.Outcome)
	assert.Contains(t, res.Content, "round budget")
}

func TestRoundBudgetMergesOnMajority(t *testing.T) {
	cfg := testOrchestratorConfig()
	cfg.MaxRounds = 2
	cfg.ConsensusThreshold = 0.99
	svc, pub, _ := newTestService(t, cfg)
	start(t, svc, "t1", "client_7", "compare the two designs")

	reply(t, svc, "t1", "worker_a", "shared position", protocol.EventPlan, nil)
	reply(t, svc, "t1", "critic", "dissenting view", protocol.EventExecute, nil)
	reply(t, svc, "t1", "refiner", "refined once", protocol.EventRefine, protocol.Float64(0.3))

	// Round two: the critic adopts worker_a's position, giving it 2 of 3.
	reply(t, svc, "t1", "critic", "shared position", protocol.EventExecute, nil)
	reply(t, svc, "t1", "refiner", "refined twice", protocol.EventRefine, protocol.Float64(0.6))

	require.Equal(t, 1, pub.resultCount())
	res := pub.lastResult(t)
	assert.Equal(t, protocol.OutcomeMerged, res.Outcome)
	assert.Equal(t, "shared position", res.Content)
}

func TestHardRoundCapAlwaysEscalates(t *testing.T) {
	svc, pub, _ := newTestService(t, testOrchestratorConfig())
	start(t, svc, "t1", "client_7", "compare the two designs")

	svc.mu.Lock()
	svc.tasks["t1"].Round = svc.cfg.MaxRounds*2 + 1
	svc.mu.Unlock()

	reply(t, svc, "t1", "worker_a", "anything at all", protocol.EventPlan, nil)

	require.Equal(t, 1, pub.resultCount())
	assert.Equal(t, protocol.OutcomeEscalated, pub.lastResult(t).Outcome)
}

func TestTaskTimeoutEngagesKillSwitch(t *testing.T) {
	cfg := testOrchestratorConfig()
	cfg.TaskTimeoutSec = 1
	svc, pub, rec := newTestService(t, cfg)
	start(t, svc, "t1", "client_7", "compare the two designs")

	require.Eventually(t, func() bool {
		return pub.resultCount() == 1
	}, 3*time.Second, 20*time.Millisecond)

	res := pub.lastResult(t)
	assert.Equal(t, protocol.OutcomeEscalated, res.Outcome)
	assert.Contains(t, res.Content, "deadline")
	assert.Equal(t, 0, svc.ActiveCount())
	assert.Equal(t, 1, rec.count())
}

func TestEscalateRequiresPrivilegedSender(t *testing.T) {
	svc, pub, _ := newTestService(t, testOrchestratorConfig())
	start(t, svc, "t1", "client_7", "compare the two designs")

	intruder := protocol.NewTask("t1", "worker_b", "stop it", protocol.IntentModifyTask, "orchestrator", protocol.EventEscalate)
	require.NoError(t, svc.OnTask(context.Background(), nil, &intruder))
	assert.Equal(t, 1, svc.ActiveCount(), "unprivileged escalation is ignored")
	assert.Equal(t, 0, pub.resultCount())

	cancel := protocol.NewTask("t1", "client_7", "changed my mind", protocol.IntentModifyTask, "orchestrator", protocol.EventEscalate)
	require.NoError(t, svc.OnTask(context.Background(), nil, &cancel))

	require.Equal(t, 1, pub.resultCount())
	res := pub.lastResult(t)
	assert.Equal(t, protocol.OutcomeEscalated, res.Outcome)
	assert.Equal(t, "changed my mind", res.Content)
	assert.Equal(t, 0, svc.ActiveCount())
}

func TestGatewayMayEscalate(t *testing.T) {
	svc, pub, _ := newTestService(t, testOrchestratorConfig())
	start(t, svc, "t1", "client_7", "compare the two designs")

	cancel := protocol.NewTask("t1", "gateway", "client cancelled", protocol.IntentModifyTask, "orchestrator", protocol.EventEscalate)
	require.NoError(t, svc.OnTask(context.Background(), nil, &cancel))
	assert.Equal(t, 1, pub.resultCount())
}

func TestWorkerErrorEngagesKillSwitch(t *testing.T) {
	svc, pub, _ := newTestService(t, testOrchestratorConfig())
	start(t, svc, "t1", "client_7", "compare the two designs")

	boom := protocol.NewMessage("t1", "worker_a", "ERROR: model backend unreachable", protocol.IntentChat)
	require.NoError(t, svc.OnMessage(context.Background(), nil, &boom))

	require.Equal(t, 1, pub.resultCount())
	res := pub.lastResult(t)
	assert.Equal(t, protocol.OutcomeEscalated, res.Outcome)
	assert.Contains(t, res.Content, "ERROR:")
	assert.Equal(t, 0, svc.ActiveCount())
}

func TestCheckStatusReportsStateOrNotFound(t *testing.T) {
	svc, pub, _ := newTestService(t, testOrchestratorConfig())
	start(t, svc, "t1", "client_7", "compare the two designs")
	reply(t, svc, "t1", "worker_a", "proposal one", protocol.EventPlan, nil)

	probe := protocol.NewMessage("t1", "client_7", "status?", protocol.IntentCheckStatus)
	require.NoError(t, svc.OnMessage(context.Background(), nil, &probe))

	var status protocol.Message
	for _, d := range pub.dispatches() {
		if m, ok := d.value.(protocol.Message); ok && m.Intent == protocol.IntentChat {
			require.Equal(t, "client_7", d.target)
			status = m
		}
	}
	require.NotEmpty(t, status.Content)
	assert.Contains(t, status.Content, "step=execute")
	assert.Contains(t, status.Content, "round=1")
	assert.Contains(t, status.Content, "worker_a")

	missing := protocol.NewMessage("t9", "client_7", "status?", protocol.IntentCheckStatus)
	require.NoError(t, svc.OnMessage(context.Background(), nil, &missing))
	found := false
	for _, d := range pub.dispatches() {
		if m, ok := d.value.(protocol.Message); ok && strings.Contains(m.Content, "not found") {
			found = true
		}
	}
	assert.True(t, found, "unknown task gets a not-found reply")
}

func TestExternalResultFinalizesTask(t *testing.T) {
	svc, pub, rec := newTestService(t, testOrchestratorConfig())
	start(t, svc, "t1", "client_7", "compare the two designs")
	reply(t, svc, "t1", "worker_a", "proposal one", protocol.EventPlan, nil)

	res := protocol.TaskResult{
		Task:               protocol.NewTask("t1", "hub", "final content", protocol.IntentModifyTask, "", protocol.EventComplete),
		Outcome:            protocol.OutcomeCompleted,
		ContributingAgents: []string{"worker_a"},
	}
	require.NoError(t, svc.OnTaskResult(context.Background(), nil, &res))

	require.Equal(t, 1, pub.resultCount())
	out := pub.lastResult(t)
	assert.Equal(t, "client_7", out.TargetAgent, "requester is stamped from state")
	assert.Equal(t, 0, svc.ActiveCount())
	assert.Equal(t, 1, rec.count())

	// A second terminal for the same task is a no-op.
	require.NoError(t, svc.OnTaskResult(context.Background(), nil, &res))
	assert.Equal(t, 1, pub.resultCount())
	assert.Equal(t, 1, rec.count())
}

func TestToolResponseForwardsToCurrentWorker(t *testing.T) {
	svc, pub, _ := newTestService(t, testOrchestratorConfig())
	start(t, svc, "t1", "client_7", "compare the two designs")
	reply(t, svc, "t1", "worker_a", "proposal one", protocol.EventPlan, nil) // step: execute

	tool := protocol.NewMessage("t1", "toolcore", `{"result":"42"}`, protocol.IntentToolExecute)
	require.NoError(t, svc.OnToolResponse(context.Background(), nil, &tool))

	d := pub.dispatches()
	require.NotEmpty(t, d)
	assert.Equal(t, "critic", d[len(d)-1].target, "execute step belongs to the critic")
}

func TestChatIsMirroredToFrontend(t *testing.T) {
	svc, pub, _ := newTestService(t, testOrchestratorConfig())

	note := protocol.NewMessage("t1", "worker_a", "thinking out loud", protocol.IntentChat)
	require.NoError(t, svc.OnMessage(context.Background(), nil, &note))

	pub.mu.Lock()
	defer pub.mu.Unlock()
	require.Len(t, pub.frontend, 1)
}

func TestServiceOnRuntimeRoundTrip(t *testing.T) {
	b := bus.NewMemoryBus(testLogger(t))
	defer func() { _ = b.Close() }()

	svc := NewService(testOrchestratorConfig(), nil, testLogger(t))
	rt := agent.NewRuntime("orchestrator", svc, b,
		config.AgentConfig{Workers: 2, QueueSize: 16, DrainTimeoutSec: 2},
		config.HeartbeatConfig{IntervalSec: 1, TTLSec: 3}, testLogger(t))
	svc.Attach(rt)
	require.NoError(t, rt.Start(context.Background()))
	defer rt.Stop()

	workerA, err := b.Subscribe(context.Background(), protocol.AgentChannel("worker_a"))
	require.NoError(t, err)
	defer func() { _ = workerA.Unsubscribe() }()
	criticCh, err := b.Subscribe(context.Background(), protocol.AgentChannel("critic"))
	require.NoError(t, err)
	defer func() { _ = criticCh.Unsubscribe() }()

	startTask := protocol.NewTask("t1", "client_7", "summarize the design", protocol.IntentStartTask, "worker_a", protocol.EventPlan)
	payload, err := protocol.Encode(startTask)
	require.NoError(t, err)
	require.NoError(t, b.Publish(context.Background(), protocol.AgentChannel("orchestrator"), payload))

	select {
	case d := <-workerA.Messages():
		sent, err := protocol.DecodeTask(d.Payload)
		require.NoError(t, err)
		assert.Equal(t, protocol.EventPlan, sent.Event)
		assert.Equal(t, "orchestrator", sent.Agent)
	case <-time.After(time.Second):
		t.Fatal("Proposal request never reached worker_a")
	}

	proposal := protocol.NewTask("t1", "worker_a", "the design is sound", protocol.IntentModifyTask, "orchestrator", protocol.EventPlan)
	payload, err = protocol.Encode(proposal)
	require.NoError(t, err)
	require.NoError(t, b.Publish(context.Background(), protocol.AgentChannel("orchestrator"), payload))

	select {
	case d := <-criticCh.Messages():
		sent, err := protocol.DecodeTask(d.Payload)
		require.NoError(t, err)
		assert.Equal(t, protocol.EventExecute, sent.Event)
		assert.Equal(t, "the design is sound", sent.Content)
	case <-time.After(time.Second):
		t.Fatal("Critique request never reached the critic")
	}
}
