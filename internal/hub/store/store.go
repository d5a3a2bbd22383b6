// Package store persists the intelligence hub's outcome log and routing
// decisions. Outcomes survive restarts so the cluster model can be rebuilt
// from history instead of starting cold.
package store

import (
	"context"
	"time"

	"github.com/parley-ai/parley/internal/protocol"
	"github.com/parley-ai/parley/internal/routing"
)

// OutcomeRecord is one finished task in the append-only outcome log. The
// task content is kept alongside the outcome so feature vectors can be
// recomputed when the cluster model is rebuilt.
type OutcomeRecord struct {
	ID              int64           `db:"id" json:"-"`
	TaskID          string          `db:"task_id" json:"task_id"`
	Agent           string          `db:"agent" json:"agent"`
	Content         string          `db:"content" json:"content,omitempty"`
	PredictedEffort protocol.Effort `db:"predicted_effort" json:"predicted_effort,omitempty"`
	ClusterID       int             `db:"cluster_id" json:"cluster_id"`
	Duration        time.Duration   `db:"duration_ns" json:"duration_ns"`
	Success         bool            `db:"success" json:"success"`
	Timestamp       time.Time       `db:"created_at" json:"timestamp"`
}

// Store is the persistence boundary for the hub.
type Store interface {
	// AppendOutcome adds a record to the outcome log.
	AppendOutcome(ctx context.Context, rec *OutcomeRecord) error
	// RecentOutcomes returns up to limit records, newest first. A limit
	// of zero or less returns everything.
	RecentOutcomes(ctx context.Context, limit int) ([]*OutcomeRecord, error)
	// CountOutcomes returns the size of the outcome log.
	CountOutcomes(ctx context.Context) (int, error)
	// AppendDecision persists one routing decision.
	AppendDecision(ctx context.Context, d *routing.Decision) error
	// RecentDecisions returns up to limit decisions, newest first.
	RecentDecisions(ctx context.Context, limit int) ([]*routing.Decision, error)
	// Close releases the underlying connection when the store owns it.
	Close() error
}
