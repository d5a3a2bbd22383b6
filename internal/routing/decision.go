package routing

import "time"

// Routing methods recorded in decisions. MethodKMeans/MethodDensity name
// clustering algorithms; these name how a candidate was picked.
const (
	RouteCluster     = "cluster"
	RoutePerformance = "performance"
	RouteRoundRobin  = "round_robin"
	RouteExploration = "exploration"
)

// AgentScore is one candidate's score at decision time.
type AgentScore struct {
	Agent string  `json:"agent"`
	Score float64 `json:"score"`
	N     int     `json:"n"`
}

// Decision records one routing choice so operators can audit why an agent
// was picked. Confidence is the score gap between the best and second-best
// eligible candidate, the bare score when only one was eligible, and zero
// for round-robin and exploration picks.
type Decision struct {
	ID           string       `json:"id"`
	TaskID       string       `json:"task_id"`
	Agent        string       `json:"agent"`
	Method       string       `json:"method"`
	Confidence   float64      `json:"confidence"`
	Cluster      int          `json:"cluster"`
	Epsilon      float64      `json:"epsilon"`
	Alternatives []AgentScore `json:"alternatives,omitempty"`
	Timestamp    time.Time    `json:"timestamp"`
}
