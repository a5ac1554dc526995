package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore persists the ledger in PostgreSQL.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, strings.TrimSpace(databaseURL))
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := initSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &PostgresStore{pool: pool}, nil
}

func initSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS tasks (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			session_id TEXT NOT NULL DEFAULT '',
			instruction TEXT NOT NULL,
			step_budget INTEGER NOT NULL,
			timeout_ms BIGINT NOT NULL,
			status TEXT NOT NULL,
			steps_completed INTEGER NOT NULL DEFAULT 0,
			failure_reason TEXT NOT NULL DEFAULT '',
			artifacts JSONB NOT NULL DEFAULT '[]',
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL,
			last_activity_at TIMESTAMPTZ NOT NULL,
			started_at TIMESTAMPTZ NULL,
			completed_at TIMESTAMPTZ NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_user_created ON tasks (user_id, created_at DESC);`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks (status);`,
	}
	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init ledger schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

func (s *PostgresStore) Create(ctx context.Context, task Task) error {
	artifacts, err := json.Marshal(task.Artifacts)
	if err != nil {
		return fmt.Errorf("encode artifacts: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO tasks (
			id, user_id, session_id, instruction, step_budget, timeout_ms, status,
			steps_completed, failure_reason, artifacts, created_at, updated_at,
			last_activity_at, started_at, completed_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)`,
		task.ID,
		task.UserID,
		task.SessionID,
		task.Instruction,
		task.StepBudget,
		task.Timeout.Milliseconds(),
		string(task.Status),
		task.StepsCompleted,
		string(task.FailureReason),
		artifacts,
		task.CreatedAt,
		task.UpdatedAt,
		task.LastActivityAt,
		task.StartedAt,
		task.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

// Update reads the row under a transaction, merges through applyUpdate so the
// monotonic invariants hold, and writes it back.
func (s *PostgresStore) Update(ctx context.Context, taskID string, u Update) (Task, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Task{}, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	row := tx.QueryRow(ctx, selectTaskSQL+` WHERE id=$1 FOR UPDATE`, taskID)
	task, err := scanTask(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return Task{}, ErrNotFound
		}
		return Task{}, fmt.Errorf("get task for update: %w", err)
	}

	task = applyUpdate(task, u, time.Now().UTC())
	artifacts, err := json.Marshal(task.Artifacts)
	if err != nil {
		return Task{}, fmt.Errorf("encode artifacts: %w", err)
	}

	_, err = tx.Exec(ctx,
		`UPDATE tasks SET
			session_id=$2, status=$3, steps_completed=$4, failure_reason=$5,
			artifacts=$6, updated_at=$7, last_activity_at=$8, started_at=$9, completed_at=$10
		 WHERE id=$1`,
		task.ID,
		task.SessionID,
		string(task.Status),
		task.StepsCompleted,
		string(task.FailureReason),
		artifacts,
		task.UpdatedAt,
		task.LastActivityAt,
		task.StartedAt,
		task.CompletedAt,
	)
	if err != nil {
		return Task{}, fmt.Errorf("update task: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return Task{}, fmt.Errorf("commit tx: %w", err)
	}
	return task, nil
}

func (s *PostgresStore) Get(ctx context.Context, taskID string) (Task, error) {
	row := s.pool.QueryRow(ctx, selectTaskSQL+` WHERE id=$1`, taskID)
	task, err := scanTask(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return Task{}, ErrNotFound
		}
		return Task{}, fmt.Errorf("get task: %w", err)
	}
	return task, nil
}

func (s *PostgresStore) ListByUser(ctx context.Context, userID string, limit int) ([]Task, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx,
		selectTaskSQL+` WHERE user_id=$1 ORDER BY created_at DESC LIMIT $2`,
		userID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list tasks by user: %w", err)
	}
	defer rows.Close()
	return collectTasks(rows)
}

func (s *PostgresStore) ListByStatus(ctx context.Context, status Status) ([]Task, error) {
	rows, err := s.pool.Query(ctx,
		selectTaskSQL+` WHERE status=$1 ORDER BY created_at ASC`,
		string(status),
	)
	if err != nil {
		return nil, fmt.Errorf("list tasks by status: %w", err)
	}
	defer rows.Close()
	return collectTasks(rows)
}

func (s *PostgresStore) Delete(ctx context.Context, taskID string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM tasks WHERE id=$1`, taskID)
	if err != nil {
		return fmt.Errorf("delete task: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

const selectTaskSQL = `SELECT id, user_id, session_id, instruction, step_budget, timeout_ms,
	status, steps_completed, failure_reason, artifacts, created_at, updated_at,
	last_activity_at, started_at, completed_at
 FROM tasks`

func scanTask(row pgx.Row) (Task, error) {
	var (
		task      Task
		timeoutMS int64
		status    string
		reason    string
		artifacts []byte
	)
	if err := row.Scan(
		&task.ID,
		&task.UserID,
		&task.SessionID,
		&task.Instruction,
		&task.StepBudget,
		&timeoutMS,
		&status,
		&task.StepsCompleted,
		&reason,
		&artifacts,
		&task.CreatedAt,
		&task.UpdatedAt,
		&task.LastActivityAt,
		&task.StartedAt,
		&task.CompletedAt,
	); err != nil {
		return Task{}, err
	}
	task.Timeout = time.Duration(timeoutMS) * time.Millisecond
	task.Status = Status(status)
	task.FailureReason = FailureReason(reason)
	if len(artifacts) > 0 {
		if err := json.Unmarshal(artifacts, &task.Artifacts); err != nil {
			return Task{}, fmt.Errorf("decode artifacts: %w", err)
		}
	}
	return task, nil
}

func collectTasks(rows pgx.Rows) ([]Task, error) {
	out := make([]Task, 0, 8)
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task row: %w", err)
		}
		out = append(out, task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate task rows: %w", err)
	}
	return out, nil
}
