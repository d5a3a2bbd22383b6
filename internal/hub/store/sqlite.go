package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"github.com/parley-ai/parley/internal/routing"
)

const busyTimeout = 5 * time.Second

type sqliteStore struct {
	db     *sqlx.DB
	ownsDB bool
}

var _ Store = (*sqliteStore)(nil)

// Open opens (creating if needed) the hub database at path. Writes are
// light and serialized through a single connection to avoid SQLITE_BUSY.
func Open(path string) (Store, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to prepare database path: %w", err)
		}
	}
	dsn := fmt.Sprintf(
		"file:%s?_foreign_keys=on&_mode=rwc&_busy_timeout=%d&_journal_mode=WAL&_synchronous=NORMAL",
		path, int(busyTimeout/time.Millisecond),
	)
	db, err := sqlx.Connect("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	return newSQLiteStore(db, true)
}

// NewWithDB wraps an existing connection; the caller keeps ownership.
func NewWithDB(db *sqlx.DB) (Store, error) {
	return newSQLiteStore(db, false)
}

func newSQLiteStore(db *sqlx.DB, ownsDB bool) (*sqliteStore, error) {
	s := &sqliteStore{db: db, ownsDB: ownsDB}
	if err := s.initSchema(); err != nil {
		if ownsDB {
			_ = db.Close()
		}
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

func (s *sqliteStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS task_outcomes (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		task_id TEXT NOT NULL,
		agent TEXT NOT NULL,
		content TEXT NOT NULL DEFAULT '',
		predicted_effort TEXT NOT NULL DEFAULT '',
		cluster_id INTEGER NOT NULL DEFAULT -1,
		duration_ns INTEGER NOT NULL,
		success INTEGER NOT NULL,
		created_at TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_task_outcomes_task ON task_outcomes (task_id);

	CREATE TABLE IF NOT EXISTS router_decisions (
		id TEXT PRIMARY KEY,
		task_id TEXT NOT NULL,
		agent TEXT NOT NULL,
		method TEXT NOT NULL,
		confidence REAL NOT NULL,
		cluster_id INTEGER NOT NULL,
		epsilon REAL NOT NULL,
		alternatives TEXT NOT NULL DEFAULT '[]',
		created_at TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_router_decisions_task ON router_decisions (task_id);
	`
	_, err := s.db.Exec(schema)
	return err
}

func (s *sqliteStore) Close() error {
	if !s.ownsDB {
		return nil
	}
	// Refresh query planner statistics before closing.
	_, _ = s.db.Exec("PRAGMA optimize")
	return s.db.Close()
}

func (s *sqliteStore) AppendOutcome(ctx context.Context, rec *OutcomeRecord) error {
	ts := rec.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO task_outcomes
		(task_id, agent, content, predicted_effort, cluster_id, duration_ns, success, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, rec.TaskID, rec.Agent, rec.Content, string(rec.PredictedEffort), rec.ClusterID, rec.Duration, rec.Success, ts)
	if err != nil {
		return fmt.Errorf("failed to append outcome: %w", err)
	}
	return nil
}

func (s *sqliteStore) RecentOutcomes(ctx context.Context, limit int) ([]*OutcomeRecord, error) {
	query := `
		SELECT id, task_id, agent, content, predicted_effort, cluster_id, duration_ns, success, created_at
		FROM task_outcomes
		ORDER BY id DESC`
	var (
		recs []*OutcomeRecord
		err  error
	)
	if limit > 0 {
		err = s.db.SelectContext(ctx, &recs, query+" LIMIT ?", limit)
	} else {
		err = s.db.SelectContext(ctx, &recs, query)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load outcomes: %w", err)
	}
	return recs, nil
}

func (s *sqliteStore) CountOutcomes(ctx context.Context) (int, error) {
	var n int
	if err := s.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM task_outcomes`); err != nil {
		return 0, fmt.Errorf("failed to count outcomes: %w", err)
	}
	return n, nil
}

// decisionRow is the flat DB shape of routing.Decision; alternatives are
// stored as a JSON array.
type decisionRow struct {
	ID           string    `db:"id"`
	TaskID       string    `db:"task_id"`
	Agent        string    `db:"agent"`
	Method       string    `db:"method"`
	Confidence   float64   `db:"confidence"`
	ClusterID    int       `db:"cluster_id"`
	Epsilon      float64   `db:"epsilon"`
	Alternatives string    `db:"alternatives"`
	CreatedAt    time.Time `db:"created_at"`
}

func (s *sqliteStore) AppendDecision(ctx context.Context, d *routing.Decision) error {
	alts, err := json.Marshal(d.Alternatives)
	if err != nil {
		alts = []byte("[]")
	}
	ts := d.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO router_decisions
		(id, task_id, agent, method, confidence, cluster_id, epsilon, alternatives, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, d.ID, d.TaskID, d.Agent, d.Method, d.Confidence, d.Cluster, d.Epsilon, string(alts), ts)
	if err != nil {
		return fmt.Errorf("failed to append decision: %w", err)
	}
	return nil
}

func (s *sqliteStore) RecentDecisions(ctx context.Context, limit int) ([]*routing.Decision, error) {
	query := `
		SELECT id, task_id, agent, method, confidence, cluster_id, epsilon, alternatives, created_at
		FROM router_decisions
		ORDER BY created_at DESC, id DESC`
	var (
		rows []decisionRow
		err  error
	)
	if limit > 0 {
		err = s.db.SelectContext(ctx, &rows, query+" LIMIT ?", limit)
	} else {
		err = s.db.SelectContext(ctx, &rows, query)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load decisions: %w", err)
	}

	decisions := make([]*routing.Decision, 0, len(rows))
	for _, row := range rows {
		d := &routing.Decision{
			ID:         row.ID,
			TaskID:     row.TaskID,
			Agent:      row.Agent,
			Method:     row.Method,
			Confidence: row.Confidence,
			Cluster:    row.ClusterID,
			Epsilon:    row.Epsilon,
			Timestamp:  row.CreatedAt,
		}
		if row.Alternatives != "" {
			if err := json.Unmarshal([]byte(row.Alternatives), &d.Alternatives); err != nil {
				d.Alternatives = nil
			}
		}
		decisions = append(decisions, d)
	}
	return decisions, nil
}
