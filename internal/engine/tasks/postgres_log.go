package tasks

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"slices"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/anatolykoptev/go_jobpilot/internal/engine"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// PostgresLog is the task log shared by every process on one database.
// The pool is owned by the caller.
type PostgresLog struct {
	pool *pgxpool.Pool
}

// NewPostgresLog applies the task log schema and returns a log over pool.
func NewPostgresLog(ctx context.Context, pool *pgxpool.Pool) (*PostgresLog, error) {
	if err := engine.Migrate(ctx, pool, migrationsFS, "migrations"); err != nil {
		return nil, fmt.Errorf("task log: %w", err)
	}
	return &PostgresLog{pool: pool}, nil
}

func (l *PostgresLog) Transition(ctx context.Context, ev Event, from ...State) (bool, State, error) {
	tx, err := l.pool.Begin(ctx)
	if err != nil {
		return false, "", engine.PGError("task log: begin", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	// Transaction-scoped: released at commit, never held across a handler.
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, ev.TaskID); err != nil {
		return false, "", engine.PGError("task log: lock", err)
	}

	var cur State
	err = tx.QueryRow(ctx,
		`SELECT state FROM task_events WHERE task_id = $1 ORDER BY seq DESC LIMIT 1`, ev.TaskID,
	).Scan(&cur)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return false, "", engine.PGError("task log: current state", err)
	}
	if !slices.Contains(from, cur) {
		return false, cur, nil
	}

	var result []byte
	if len(ev.Result) > 0 {
		result = ev.Result
	}
	_, err = tx.Exec(ctx,
		`INSERT INTO task_events (task_id, type, state, attempt, parent_id, message, result, at)
		 VALUES ($1, $2, $3, $4, NULLIF($5, ''), NULLIF($6, ''), $7, $8)`,
		ev.TaskID, string(ev.Type), string(ev.State), ev.Attempt, ev.ParentID, ev.Message, result, ev.At.UTC(),
	)
	if err != nil {
		return false, cur, engine.PGError("task log: insert", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return false, cur, engine.PGError("task log: commit", err)
	}
	return true, cur, nil
}

func (l *PostgresLog) History(ctx context.Context, taskID string) ([]Event, error) {
	rows, err := l.pool.Query(ctx,
		`SELECT task_id, type, state, attempt, COALESCE(parent_id, ''), COALESCE(message, ''), result, at
		 FROM task_events WHERE task_id = $1 ORDER BY seq`, taskID)
	if err != nil {
		return nil, engine.PGError("task log: query", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var (
			ev     Event
			result []byte
		)
		if err := rows.Scan(&ev.TaskID, &ev.Type, &ev.State, &ev.Attempt, &ev.ParentID, &ev.Message, &result, &ev.At); err != nil {
			return nil, engine.PGError("task log: scan", err)
		}
		if len(result) > 0 {
			ev.Result = result
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, engine.PGError("task log: rows", err)
	}
	if len(out) == 0 {
		return nil, engine.NotFound("task", taskID)
	}
	return out, nil
}

// Close is a no-op; the entry point closes the shared pool.
func (l *PostgresLog) Close() error { return nil }
