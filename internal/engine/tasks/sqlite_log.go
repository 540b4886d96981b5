package tasks

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"time"

	_ "modernc.org/sqlite"

	"github.com/anatolykoptev/go_jobpilot/internal/engine"
)

// SQLiteLog keeps the task event log in a local SQLite file.
type SQLiteLog struct {
	db *sql.DB
}

// OpenSQLiteLog opens (or creates) the log at path.
func OpenSQLiteLog(path string) (*SQLiteLog, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("task log: mkdir %s: %w", dir, err)
		}
	}
	// Other processes (serve, the CLI) may share the file: wait on their
	// write locks and take ours at BEGIN.
	db, err := sql.Open("sqlite", "file:"+path+"?_pragma=busy_timeout(5000)&_txlock=immediate")
	if err != nil {
		return nil, fmt.Errorf("task log: open db: %w", err)
	}
	db.SetMaxOpenConns(1) // SQLite: single writer
	if err := initTaskLogSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("task log: init schema: %w", err)
	}
	return &SQLiteLog{db: db}, nil
}

func initTaskLogSchema(db *sql.DB) error {
	_, err := db.Exec(`CREATE TABLE IF NOT EXISTS task_events (
		seq       INTEGER PRIMARY KEY AUTOINCREMENT,
		task_id   TEXT NOT NULL,
		type      TEXT NOT NULL,
		state     TEXT NOT NULL,
		attempt   INTEGER NOT NULL,
		parent_id TEXT,
		message   TEXT,
		result    TEXT,
		at        TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS task_events_task ON task_events (task_id, seq)`)
	return err
}

func (l *SQLiteLog) Transition(ctx context.Context, ev Event, from ...State) (bool, State, error) {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return false, "", engine.Transient("task log: begin", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var cur State
	err = tx.QueryRowContext(ctx,
		`SELECT state FROM task_events WHERE task_id = ? ORDER BY seq DESC LIMIT 1`, ev.TaskID,
	).Scan(&cur)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return false, "", engine.Transient("task log: current state", err)
	}
	if !slices.Contains(from, cur) {
		return false, cur, nil
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO task_events (task_id, type, state, attempt, parent_id, message, result, at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.TaskID, string(ev.Type), string(ev.State), ev.Attempt,
		nullString(ev.ParentID), nullString(ev.Message), nullString(string(ev.Result)),
		ev.At.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return false, cur, engine.Transient("task log: insert", err)
	}
	if err := tx.Commit(); err != nil {
		return false, cur, engine.Transient("task log: commit", err)
	}
	return true, cur, nil
}

func (l *SQLiteLog) History(ctx context.Context, taskID string) ([]Event, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT task_id, type, state, attempt, parent_id, message, result, at
		 FROM task_events WHERE task_id = ? ORDER BY seq`, taskID)
	if err != nil {
		return nil, engine.Transient("task log: query", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var (
			ev                      Event
			parent, message, result sql.NullString
			at                      string
		)
		if err := rows.Scan(&ev.TaskID, &ev.Type, &ev.State, &ev.Attempt, &parent, &message, &result, &at); err != nil {
			return nil, engine.Transient("task log: scan", err)
		}
		ev.ParentID = parent.String
		ev.Message = message.String
		if result.String != "" {
			ev.Result = []byte(result.String)
		}
		ev.At, _ = time.Parse(time.RFC3339Nano, at)
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, engine.Transient("task log: rows", err)
	}
	if len(out) == 0 {
		return nil, engine.NotFound("task", taskID)
	}
	return out, nil
}

func (l *SQLiteLog) Close() error { return l.db.Close() }

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
