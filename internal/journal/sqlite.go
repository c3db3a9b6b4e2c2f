package journal

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// SQLite is a Journal persisted in a SQLite database file.
type SQLite struct {
	db *sql.DB
	mu sync.Mutex
}

// OpenSQLite opens or creates the journal database at path.
func OpenSQLite(path string) (*SQLite, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create journal directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	db.SetMaxOpenConns(1)
	s := &SQLite{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLite) initSchema() error {
	queries := []string{
		`PRAGMA journal_mode=WAL;`,
		`CREATE TABLE IF NOT EXISTS tasks (
			task_id TEXT PRIMARY KEY,
			kind TEXT NOT NULL,
			payload BLOB,
			status TEXT NOT NULL,
			attempts INTEGER NOT NULL DEFAULT 0,
			error TEXT NOT NULL DEFAULT '',
			updated_at INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status, updated_at);`,
	}
	for _, q := range queries {
		if _, err := s.db.Exec(q); err != nil {
			return fmt.Errorf("init journal schema: %w", err)
		}
	}
	// a previous process died mid-task; those tasks never reported back
	if _, err := s.db.Exec(`UPDATE tasks SET status = ? WHERE status = ?`, StatusPending, StatusRunning); err != nil {
		return fmt.Errorf("recover running tasks: %w", err)
	}
	return nil
}

func (s *SQLite) get(ctx context.Context, tx *sql.Tx, taskID string) (Entry, bool, error) {
	var (
		e  Entry
		ts int64
	)
	err := tx.QueryRowContext(ctx,
		`SELECT task_id, kind, payload, status, attempts, error, updated_at FROM tasks WHERE task_id = ?`, taskID,
	).Scan(&e.TaskID, &e.Kind, &e.Payload, &e.Status, &e.Attempts, &e.Error, &ts)
	if err == sql.ErrNoRows {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, err
	}
	e.UpdatedAt = time.Unix(0, ts)
	return e, true, nil
}

// Begin implements Journal.
func (s *SQLite) Begin(ctx context.Context, taskID, kind string, payload []byte) (Entry, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Entry{}, false, err
	}
	defer tx.Rollback()

	e, found, err := s.get(ctx, tx, taskID)
	if err != nil {
		return Entry{}, false, err
	}
	if found && e.Status != StatusPending {
		return e, false, nil
	}
	now := time.Now()
	if !found {
		e = Entry{TaskID: taskID, Kind: kind, Payload: payload}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO tasks (task_id, kind, payload, status, attempts, updated_at) VALUES (?, ?, ?, ?, 1, ?)`,
			taskID, kind, payload, StatusRunning, now.UnixNano())
	} else {
		_, err = tx.ExecContext(ctx,
			`UPDATE tasks SET status = ?, attempts = attempts + 1, updated_at = ? WHERE task_id = ?`,
			StatusRunning, now.UnixNano(), taskID)
	}
	if err != nil {
		return Entry{}, false, err
	}
	if err := tx.Commit(); err != nil {
		return Entry{}, false, err
	}
	e.Status = StatusRunning
	e.Attempts++
	e.UpdatedAt = now
	return e, true, nil
}

// Finish implements Journal.
func (s *SQLite) Finish(ctx context.Context, taskID string, err error) error {
	status, msg := StatusDone, ""
	if err != nil {
		status, msg = StatusFailed, err.Error()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	res, xerr := s.db.ExecContext(ctx,
		`UPDATE tasks SET status = ?, error = ?, updated_at = ? WHERE task_id = ?`,
		status, msg, time.Now().UnixNano(), taskID)
	return affected(res, xerr)
}

// Requeue implements Journal.
func (s *SQLite) Requeue(ctx context.Context, taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var exists int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM tasks WHERE task_id = ?`, taskID).Scan(&exists); err != nil {
		return err
	}
	if exists == 0 {
		return ErrUnknownTask
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET status = ?, updated_at = ? WHERE task_id = ? AND status = ?`,
		StatusPending, time.Now().UnixNano(), taskID, StatusRunning)
	return err
}

// Pending implements Journal.
func (s *SQLite) Pending(ctx context.Context) ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows, err := s.db.QueryContext(ctx,
		`SELECT task_id, kind, payload, status, attempts, error, updated_at FROM tasks WHERE status = ? ORDER BY updated_at`,
		StatusPending)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Entry
	for rows.Next() {
		var (
			e  Entry
			ts int64
		)
		if err := rows.Scan(&e.TaskID, &e.Kind, &e.Payload, &e.Status, &e.Attempts, &e.Error, &ts); err != nil {
			return nil, err
		}
		e.UpdatedAt = time.Unix(0, ts)
		out = append(out, e)
	}
	return out, rows.Err()
}

// Close implements Journal.
func (s *SQLite) Close() error { return s.db.Close() }

func affected(res sql.Result, err error) error {
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrUnknownTask
	}
	return nil
}
