// Package routing recommends worker agents for tasks. Tasks are embedded
// into feature vectors and clustered; per-agent performance is tracked both
// overall and per cluster, and routing picks the best-scoring candidate with
// an exploration rate that decays as evidence accumulates.
package routing

import (
	"errors"
	"math"
	"math/rand"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/parley-ai/parley/internal/common/config"
	"github.com/parley-ai/parley/internal/common/logger"
)

// ErrNoCandidates is returned when Route is called with an empty roster.
var ErrNoCandidates = errors.New("no candidate agents")

// Sample is one persisted outcome used to rebuild the cluster model.
type Sample struct {
	Vector   Vector
	Agent    string
	Duration time.Duration
	Success  bool
}

// agentStats tracks one agent's incremental performance in one cell
// (overall or per cluster).
type agentStats struct {
	n         int
	successes int
	meanDur   float64 // seconds
}

func (s *agentStats) update(d time.Duration, success bool) {
	s.n++
	s.meanDur += (d.Seconds() - s.meanDur) / float64(s.n)
	if success {
		s.successes++
	}
}

func (s *agentStats) successRate() float64 {
	if s.n == 0 {
		return 0
	}
	return float64(s.successes) / float64(s.n)
}

// Router routes tasks to agents. Reads of the cluster model are lock-free;
// stats updates hold a short critical section.
type Router struct {
	cfg    config.RouterConfig
	logger *logger.Logger

	model atomic.Pointer[Model]

	mu        sync.Mutex
	overall   map[string]*agentStats
	byCluster map[int]map[string]*agentStats
	outcomes  int
	nextRR    int
	rng       *rand.Rand

	dmu       sync.Mutex
	decisions []Decision
}

// NewRouter creates a router. The RNG is seeded from the configuration so
// routing sequences are reproducible in tests.
func NewRouter(cfg config.RouterConfig, log *logger.Logger) *Router {
	return &Router{
		cfg:       cfg,
		logger:    log.WithFields(zap.String("component", "router")),
		overall:   make(map[string]*agentStats),
		byCluster: make(map[int]map[string]*agentStats),
		rng:       rand.New(rand.NewSource(cfg.Seed)),
	}
}

// Epsilon returns the current exploration rate: it starts at epsilonMax and
// decays exponentially toward epsilonMin as outcomes accumulate.
func (r *Router) Epsilon() float64 {
	r.mu.Lock()
	n := r.outcomes
	r.mu.Unlock()
	return r.epsilonAt(n)
}

func (r *Router) epsilonAt(n int) float64 {
	eps := r.cfg.EpsilonMin + (r.cfg.EpsilonMax-r.cfg.EpsilonMin)*math.Exp(-float64(n)/r.cfg.EpsilonTau)
	return math.Min(r.cfg.EpsilonMax, math.Max(r.cfg.EpsilonMin, eps))
}

// Route picks an agent for the task described by vec from the candidate
// roster. The returned decision records how the choice was made; it is also
// appended to the decision log.
func (r *Router) Route(taskID string, vec Vector, candidates []string) (string, Decision, error) {
	if len(candidates) == 0 {
		return "", Decision{}, ErrNoCandidates
	}

	cluster := NoCluster
	if model := r.model.Load(); model != nil {
		if c, ok := model.Assign(vec); ok {
			cluster = c
		}
	}

	r.mu.Lock()
	scored, method := r.scoreLocked(cluster, candidates)

	var agent string
	var confidence float64
	switch {
	case len(scored) > 0:
		agent = scored[0].Agent
		confidence = scored[0].Score
		if len(scored) > 1 {
			confidence = scored[0].Score - scored[1].Score
		}
	default:
		method = RouteRoundRobin
		agent = candidates[r.nextRR%len(candidates)]
		r.nextRR++
	}

	eps := r.epsilonAt(r.outcomes)
	if len(candidates) > 1 && r.rng.Float64() < eps {
		agent = r.exploreLocked(agent, candidates)
		method = RouteExploration
		confidence = 0
	}
	r.mu.Unlock()

	decision := Decision{
		ID:           uuid.NewString(),
		TaskID:       taskID,
		Agent:        agent,
		Method:       method,
		Confidence:   confidence,
		Cluster:      cluster,
		Epsilon:      eps,
		Alternatives: scored,
		Timestamp:    time.Now().UTC(),
	}
	r.record(decision)

	r.logger.Debug("Routed task",
		zap.String("task_id", taskID),
		zap.String("agent", agent),
		zap.String("method", method),
		zap.Int("cluster", cluster),
		zap.Float64("epsilon", eps))
	return agent, decision, nil
}

// scoreLocked scores the candidates against the cluster cell, falling back
// to overall stats. Only agents with at least minSamples observations are
// eligible. Callers hold r.mu.
func (r *Router) scoreLocked(cluster int, candidates []string) ([]AgentScore, string) {
	if cluster != NoCluster {
		if scored := r.scoreCellLocked(r.byCluster[cluster], candidates); len(scored) > 0 {
			return scored, RouteCluster
		}
	}
	if scored := r.scoreCellLocked(r.overall, candidates); len(scored) > 0 {
		return scored, RoutePerformance
	}
	return nil, ""
}

// scoreCellLocked computes score = w_s*success_rate + w_d*(1 - normalized
// mean duration) for each eligible candidate, sorted best first. Ties break
// toward more samples, then lexicographic agent order.
func (r *Router) scoreCellLocked(cell map[string]*agentStats, candidates []string) []AgentScore {
	if len(cell) == 0 {
		return nil
	}

	maxDur := 0.0
	for _, name := range candidates {
		if s, ok := cell[name]; ok && s.n >= r.cfg.MinSamples && s.meanDur > maxDur {
			maxDur = s.meanDur
		}
	}

	var scored []AgentScore
	for _, name := range candidates {
		s, ok := cell[name]
		if !ok || s.n < r.cfg.MinSamples {
			continue
		}
		normDur := 0.0
		if maxDur > 0 {
			normDur = s.meanDur / maxDur
		}
		score := r.cfg.WeightSuccess*s.successRate() + r.cfg.WeightDuration*(1-normDur)
		scored = append(scored, AgentScore{Agent: name, Score: score, N: s.n})
	}

	sort.Slice(scored, func(i, j int) bool {
		if scored[i].Score != scored[j].Score {
			return scored[i].Score > scored[j].Score
		}
		if scored[i].N != scored[j].N {
			return scored[i].N > scored[j].N
		}
		return scored[i].Agent < scored[j].Agent
	})
	return scored
}

// exploreLocked picks uniformly among the candidates other than the current
// recommendation. Callers hold r.mu.
func (r *Router) exploreLocked(recommended string, candidates []string) string {
	others := make([]string, 0, len(candidates)-1)
	for _, name := range candidates {
		if name != recommended {
			others = append(others, name)
		}
	}
	if len(others) == 0 {
		return recommended
	}
	return others[r.rng.Intn(len(others))]
}

// UpdateAgentStats feeds one finished task back into the performance cells.
// clusterID NoCluster updates only the overall cell.
func (r *Router) UpdateAgentStats(agent string, duration time.Duration, success bool, clusterID int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	stats := r.overall[agent]
	if stats == nil {
		stats = &agentStats{}
		r.overall[agent] = stats
	}
	stats.update(duration, success)

	if clusterID != NoCluster {
		cell := r.byCluster[clusterID]
		if cell == nil {
			cell = make(map[string]*agentStats)
			r.byCluster[clusterID] = cell
		}
		cs := cell[agent]
		if cs == nil {
			cs = &agentStats{}
			cell[agent] = cs
		}
		cs.update(duration, success)
	}

	r.outcomes++
}

// OutcomeCount returns how many outcomes have been recorded.
func (r *Router) OutcomeCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.outcomes
}

// Rebuild clusters the samples, recomputes per-cluster agent stats from
// them, and swaps the new model in atomically. Existing overall stats are
// kept; cluster cells are replaced because cluster ids are only meaningful
// within one model.
func (r *Router) Rebuild(samples []Sample) (*Model, error) {
	vectors := make([]Vector, len(samples))
	for i, s := range samples {
		vectors[i] = s.Vector
	}

	model, assignments, err := buildModel(vectors, r.cfg.Method, r.cfg.ClusterK, r.cfg.DensityEps, r.cfg.DensityMinPts, r.cfg.Seed)
	if err != nil {
		return nil, err
	}

	byCluster := make(map[int]map[string]*agentStats)
	for i, s := range samples {
		c := assignments[i]
		if c == NoCluster {
			continue
		}
		cell := byCluster[c]
		if cell == nil {
			cell = make(map[string]*agentStats)
			byCluster[c] = cell
		}
		cs := cell[s.Agent]
		if cs == nil {
			cs = &agentStats{}
			cell[s.Agent] = cs
		}
		cs.update(s.Duration, s.Success)
	}

	r.mu.Lock()
	r.byCluster = byCluster
	r.mu.Unlock()
	r.model.Store(model)

	r.logger.Info("Cluster model rebuilt",
		zap.String("method", model.Method()),
		zap.Int("clusters", model.Clusters()),
		zap.Int("samples", model.Samples()))
	return model, nil
}

// Model returns the active cluster model, nil before the first rebuild.
func (r *Router) Model() *Model {
	return r.model.Load()
}

// LastRebuild returns when the active model was built, zero before the
// first rebuild.
func (r *Router) LastRebuild() time.Time {
	if m := r.model.Load(); m != nil {
		return m.BuiltAt()
	}
	return time.Time{}
}

// record appends a decision to the bounded log, dropping the oldest entry
// when full.
func (r *Router) record(d Decision) {
	limit := r.cfg.DecisionLogSize
	if limit <= 0 {
		limit = 1000
	}
	r.dmu.Lock()
	defer r.dmu.Unlock()
	r.decisions = append(r.decisions, d)
	if len(r.decisions) > limit {
		r.decisions = r.decisions[len(r.decisions)-limit:]
	}
}

// Decisions returns up to limit decisions, newest first. limit <= 0 returns
// all retained decisions.
func (r *Router) Decisions(limit int) []Decision {
	r.dmu.Lock()
	defer r.dmu.Unlock()

	n := len(r.decisions)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]Decision, n)
	for i := 0; i < n; i++ {
		out[i] = r.decisions[len(r.decisions)-1-i]
	}
	return out
}
