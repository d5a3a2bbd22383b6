package store

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "github.com/mattn/go-sqlite3"

	"github.com/parley-ai/parley/internal/protocol"
	"github.com/parley-ai/parley/internal/routing"
)

func setupTestStore(t *testing.T) Store {
	t.Helper()
	db, err := sqlx.Connect("sqlite3", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)

	s, err := NewWithDB(db)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return s
}

func TestAppendAndListOutcomes(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		rec := &OutcomeRecord{
			TaskID:          fmt.Sprintf("t%d", i),
			Agent:           "worker_a",
			Content:         fmt.Sprintf("task content %d", i),
			PredictedEffort: protocol.EffortMedium,
			ClusterID:       i,
			Duration:        time.Duration(i+1) * time.Second,
			Success:         i%2 == 0,
		}
		require.NoError(t, s.AppendOutcome(ctx, rec))
	}

	n, err := s.CountOutcomes(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	recs, err := s.RecentOutcomes(ctx, 0)
	require.NoError(t, err)
	require.Len(t, recs, 3)
	assert.Equal(t, "t2", recs[0].TaskID, "newest first")
	assert.Equal(t, "t0", recs[2].TaskID)
	assert.Equal(t, 3*time.Second, recs[0].Duration)
	assert.True(t, recs[0].Success)
	assert.Equal(t, protocol.EffortMedium, recs[0].PredictedEffort)
	assert.Equal(t, "task content 2", recs[0].Content)
	assert.False(t, recs[0].Timestamp.IsZero(), "append stamps a timestamp")

	limited, err := s.RecentOutcomes(ctx, 2)
	require.NoError(t, err)
	require.Len(t, limited, 2)
	assert.Equal(t, "t2", limited[0].TaskID)
	assert.Equal(t, "t1", limited[1].TaskID)
}

func TestCountOutcomesEmpty(t *testing.T) {
	s := setupTestStore(t)
	n, err := s.CountOutcomes(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestAppendAndListDecisions(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	base := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		d := &routing.Decision{
			ID:         fmt.Sprintf("d%d", i),
			TaskID:     fmt.Sprintf("t%d", i),
			Agent:      "worker_a",
			Method:     routing.RoutePerformance,
			Confidence: 0.25,
			Cluster:    1,
			Epsilon:    0.05,
			Alternatives: []routing.AgentScore{
				{Agent: "worker_a", Score: 0.9, N: 10},
				{Agent: "worker_b", Score: 0.65, N: 8},
			},
			Timestamp: base.Add(time.Duration(i) * time.Minute),
		}
		require.NoError(t, s.AppendDecision(ctx, d))
	}

	decisions, err := s.RecentDecisions(ctx, 2)
	require.NoError(t, err)
	require.Len(t, decisions, 2)
	assert.Equal(t, "d2", decisions[0].ID, "newest first")
	assert.Equal(t, "d1", decisions[1].ID)

	d := decisions[0]
	assert.Equal(t, routing.RoutePerformance, d.Method)
	assert.Equal(t, 1, d.Cluster)
	require.Len(t, d.Alternatives, 2)
	assert.Equal(t, "worker_a", d.Alternatives[0].Agent)
	assert.InDelta(t, 0.9, d.Alternatives[0].Score, 1e-9)
	assert.Equal(t, 10, d.Alternatives[0].N)
}

func TestDecisionWithoutAlternatives(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	d := &routing.Decision{
		ID:     "d1",
		TaskID: "t1",
		Agent:  "worker_a",
		Method: routing.RouteRoundRobin,
	}
	require.NoError(t, s.AppendDecision(ctx, d))

	decisions, err := s.RecentDecisions(ctx, 0)
	require.NoError(t, err)
	require.Len(t, decisions, 1)
	assert.Empty(t, decisions[0].Alternatives)
	assert.False(t, decisions[0].Timestamp.IsZero())
}

func TestOpenCreatesFileAndSchema(t *testing.T) {
	path := t.TempDir() + "/hub.db"
	s, err := Open(path)
	require.NoError(t, err)
	defer func() { _ = s.Close() }()

	require.NoError(t, s.AppendOutcome(context.Background(), &OutcomeRecord{
		TaskID:   "t1",
		Agent:    "worker_a",
		Duration: time.Second,
		Success:  true,
	}))
	n, err := s.CountOutcomes(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
