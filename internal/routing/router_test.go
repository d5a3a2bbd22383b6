package routing

import (
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parley-ai/parley/internal/common/config"
	"github.com/parley-ai/parley/internal/common/logger"
)

func testRouterConfig() config.RouterConfig {
	return config.RouterConfig{
		EpsilonMin:      0.05,
		EpsilonMax:      0.3,
		EpsilonTau:      200,
		MinSamples:      5,
		WeightSuccess:   0.6,
		WeightDuration:  0.4,
		Method:          MethodKMeans,
		ClusterK:        5,
		DensityEps:      0.5,
		DensityMinPts:   5,
		Seed:            42,
		DecisionLogSize: 1000,
	}
}

func newTestRouter(t *testing.T, cfg config.RouterConfig) *Router {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "debug", Format: "console", OutputPath: "stdout"})
	require.NoError(t, err)
	return NewRouter(cfg, log)
}

// feed records n outcomes for an agent with a fixed success rate pattern.
func feed(r *Router, agent string, n int, successRate float64, dur time.Duration, cluster int) {
	for i := 0; i < n; i++ {
		success := float64(i) < successRate*float64(n)
		r.UpdateAgentStats(agent, dur, success, cluster)
	}
}

func TestEpsilonDecay(t *testing.T) {
	r := newTestRouter(t, testRouterConfig())

	assert.InDelta(t, 0.3, r.Epsilon(), 1e-9, "no outcomes yet: epsilon starts at max")

	assert.InDelta(t, 0.05+0.25*math.Exp(-1), r.epsilonAt(200), 1e-9)
	assert.InDelta(t, 0.05+0.25*math.Exp(-2.5), r.epsilonAt(500), 1e-9)

	eps := r.epsilonAt(1_000_000)
	assert.InDelta(t, 0.05, eps, 1e-6, "epsilon converges to min")
	assert.GreaterOrEqual(t, eps, 0.05)
}

func TestRouteArgmaxOnOverallStats(t *testing.T) {
	cfg := testRouterConfig()
	cfg.EpsilonMin, cfg.EpsilonMax = 0, 0 // exploit only
	r := newTestRouter(t, cfg)

	feed(r, "worker_a", 20, 0.9, 2*time.Second, NoCluster)
	feed(r, "worker_b", 20, 0.5, 2*time.Second, NoCluster)

	agent, decision, err := r.Route("t1", nil, []string{"worker_a", "worker_b"})
	require.NoError(t, err)
	assert.Equal(t, "worker_a", agent)
	assert.Equal(t, RoutePerformance, decision.Method)
	assert.Equal(t, NoCluster, decision.Cluster)
	assert.Greater(t, decision.Confidence, 0.0, "confidence is the top-2 score gap")
	require.Len(t, decision.Alternatives, 2)
	assert.Equal(t, "worker_a", decision.Alternatives[0].Agent)
}

func TestRouteMinSamplesGate(t *testing.T) {
	cfg := testRouterConfig()
	cfg.EpsilonMin, cfg.EpsilonMax = 0, 0
	r := newTestRouter(t, cfg)

	// Perfect record but below the evidence bar; must not be scored.
	feed(r, "worker_a", 4, 1.0, time.Second, NoCluster)

	agent, decision, err := r.Route("t1", nil, []string{"worker_a", "worker_b"})
	require.NoError(t, err)
	assert.Equal(t, RouteRoundRobin, decision.Method)
	assert.Empty(t, decision.Alternatives)
	assert.Contains(t, []string{"worker_a", "worker_b"}, agent)
}

func TestRouteRoundRobinCycles(t *testing.T) {
	cfg := testRouterConfig()
	cfg.EpsilonMin, cfg.EpsilonMax = 0, 0
	r := newTestRouter(t, cfg)

	candidates := []string{"worker_a", "worker_b", "worker_c"}
	var picks []string
	for i := 0; i < 6; i++ {
		agent, decision, err := r.Route(fmt.Sprintf("t%d", i), nil, candidates)
		require.NoError(t, err)
		assert.Equal(t, RouteRoundRobin, decision.Method)
		picks = append(picks, agent)
	}
	assert.Equal(t, []string{"worker_a", "worker_b", "worker_c", "worker_a", "worker_b", "worker_c"}, picks)
}

func TestRouteNoCandidates(t *testing.T) {
	r := newTestRouter(t, testRouterConfig())
	_, _, err := r.Route("t1", nil, nil)
	assert.ErrorIs(t, err, ErrNoCandidates)
}

func TestRouteTieBreaks(t *testing.T) {
	cfg := testRouterConfig()
	cfg.EpsilonMin, cfg.EpsilonMax = 0, 0
	cfg.WeightDuration = 0 // score depends on success rate only
	r := newTestRouter(t, cfg)

	t.Run("higher sample count wins", func(t *testing.T) {
		feed(r, "worker_b", 10, 1.0, time.Second, NoCluster)
		feed(r, "worker_a", 20, 1.0, time.Second, NoCluster)

		agent, _, err := r.Route("t1", nil, []string{"worker_b", "worker_a"})
		require.NoError(t, err)
		assert.Equal(t, "worker_a", agent)
	})

	t.Run("lexicographic agent order on full tie", func(t *testing.T) {
		feed(r, "worker_c", 20, 1.0, time.Second, NoCluster)

		agent, _, err := r.Route("t2", nil, []string{"worker_c", "worker_a"})
		require.NoError(t, err)
		assert.Equal(t, "worker_a", agent)
	})
}

func TestRouteExplorationExcludesRecommendation(t *testing.T) {
	cfg := testRouterConfig()
	cfg.EpsilonMin, cfg.EpsilonMax = 1, 1 // explore always
	r := newTestRouter(t, cfg)

	feed(r, "worker_a", 50, 1.0, time.Second, NoCluster)

	for i := 0; i < 25; i++ {
		agent, decision, err := r.Route(fmt.Sprintf("t%d", i), nil, []string{"worker_a", "worker_b", "worker_c"})
		require.NoError(t, err)
		assert.Equal(t, RouteExploration, decision.Method)
		assert.NotEqual(t, "worker_a", agent, "exploration must pick a non-recommended candidate")
		assert.Zero(t, decision.Confidence)
	}
}

func TestRouteSingleCandidateNeverExploresAway(t *testing.T) {
	cfg := testRouterConfig()
	cfg.EpsilonMin, cfg.EpsilonMax = 1, 1
	r := newTestRouter(t, cfg)

	agent, decision, err := r.Route("t1", nil, []string{"worker_a"})
	require.NoError(t, err)
	assert.Equal(t, "worker_a", agent)
	assert.Equal(t, RouteRoundRobin, decision.Method)
}

func TestUpdateAgentStatsIncrementalMean(t *testing.T) {
	r := newTestRouter(t, testRouterConfig())

	r.UpdateAgentStats("worker_a", 2*time.Second, true, 3)
	r.UpdateAgentStats("worker_a", 4*time.Second, false, 3)
	r.UpdateAgentStats("worker_a", 6*time.Second, true, 3)

	r.mu.Lock()
	overall := r.overall["worker_a"]
	cell := r.byCluster[3]["worker_a"]
	r.mu.Unlock()

	require.NotNil(t, overall)
	assert.Equal(t, 3, overall.n)
	assert.InDelta(t, 4.0, overall.meanDur, 1e-9)
	assert.InDelta(t, 2.0/3.0, overall.successRate(), 1e-9)

	require.NotNil(t, cell)
	assert.Equal(t, 3, cell.n)
	assert.Equal(t, 3, r.OutcomeCount())
}

func TestRebuildRoutesByCluster(t *testing.T) {
	cfg := testRouterConfig()
	cfg.EpsilonMin, cfg.EpsilonMax = 0, 0
	cfg.ClusterK = 2
	r := newTestRouter(t, cfg)

	// Two well-separated sample groups; worker_a dominates the first,
	// worker_b the second.
	var samples []Sample
	for i := 0; i < 10; i++ {
		samples = append(samples, Sample{
			Vector:   Vector{1, 0, float64(i) * 0.01},
			Agent:    "worker_a",
			Duration: time.Second,
			Success:  true,
		})
		samples = append(samples, Sample{
			Vector:   Vector{0, 1, float64(i) * 0.01},
			Agent:    "worker_b",
			Duration: time.Second,
			Success:  true,
		})
	}

	model, err := r.Rebuild(samples)
	require.NoError(t, err)
	assert.Equal(t, 2, model.Clusters())
	assert.Equal(t, len(samples), model.Samples())
	assert.False(t, r.LastRebuild().IsZero())

	agentNear1, d1, err := r.Route("t1", Vector{0.9, 0.1, 0}, []string{"worker_a", "worker_b"})
	require.NoError(t, err)
	assert.Equal(t, "worker_a", agentNear1)
	assert.Equal(t, RouteCluster, d1.Method)

	agentNear2, d2, err := r.Route("t2", Vector{0.1, 0.9, 0}, []string{"worker_a", "worker_b"})
	require.NoError(t, err)
	assert.Equal(t, "worker_b", agentNear2)
	assert.Equal(t, RouteCluster, d2.Method)
	assert.NotEqual(t, d1.Cluster, d2.Cluster)
}

func TestRebuildDeterministicForSeed(t *testing.T) {
	cfg := testRouterConfig()
	cfg.ClusterK = 3

	var samples []Sample
	for i := 0; i < 30; i++ {
		samples = append(samples, Sample{
			Vector: Vector{float64(i % 3), float64((i + 1) % 3), float64(i) * 0.001},
			Agent:  "worker_a",
		})
	}

	r1 := newTestRouter(t, cfg)
	r2 := newTestRouter(t, cfg)
	m1, err := r1.Rebuild(samples)
	require.NoError(t, err)
	m2, err := r2.Rebuild(samples)
	require.NoError(t, err)

	for _, probe := range []Vector{{0, 1, 0}, {1, 2, 0}, {2, 0, 0}} {
		c1, ok1 := m1.Assign(probe)
		c2, ok2 := m2.Assign(probe)
		assert.Equal(t, ok1, ok2)
		assert.Equal(t, c1, c2, "same seed must produce the same assignment")
	}
}

func TestRebuildNoSamples(t *testing.T) {
	r := newTestRouter(t, testRouterConfig())
	_, err := r.Rebuild(nil)
	assert.Error(t, err)
	assert.Nil(t, r.Model())
}

func TestDecisionLogBoundedNewestFirst(t *testing.T) {
	cfg := testRouterConfig()
	cfg.EpsilonMin, cfg.EpsilonMax = 0, 0
	cfg.DecisionLogSize = 5
	r := newTestRouter(t, cfg)

	for i := 0; i < 8; i++ {
		_, _, err := r.Route(fmt.Sprintf("t%d", i), nil, []string{"worker_a"})
		require.NoError(t, err)
	}

	all := r.Decisions(0)
	require.Len(t, all, 5, "log keeps only the newest entries")
	assert.Equal(t, "t7", all[0].TaskID)
	assert.Equal(t, "t3", all[4].TaskID)

	two := r.Decisions(2)
	require.Len(t, two, 2)
	assert.Equal(t, "t7", two[0].TaskID)
	assert.Equal(t, "t6", two[1].TaskID)
}

func TestConvergenceAfterFeedback(t *testing.T) {
	cfg := testRouterConfig()
	r := newTestRouter(t, cfg)

	// Build evidence that worker_a dominates, then check the exploit
	// probability: over many routings the dominant agent wins at least
	// (1 - epsilon_max) of the time.
	feed(r, "worker_a", 500, 0.95, time.Second, NoCluster)
	feed(r, "worker_b", 20, 0.2, 5*time.Second, NoCluster)

	wins := 0
	const rounds = 200
	for i := 0; i < rounds; i++ {
		agent, _, err := r.Route(fmt.Sprintf("t%d", i), nil, []string{"worker_a", "worker_b", "worker_c"})
		require.NoError(t, err)
		if agent == "worker_a" {
			wins++
		}
	}
	assert.GreaterOrEqual(t, float64(wins)/rounds, 1-cfg.EpsilonMax,
		"dominant agent must win at least 1-epsilon_max of routings")
}
