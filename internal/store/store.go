// Package store persists task lifecycle records and is the single source of
// truth for task status. All mutation after creation goes through the
// compare-and-swap Transition, which serializes writers per task.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mohans/transcribeq/internal/task"
)

var (
	// ErrDuplicateID is returned by Create on an id collision.
	ErrDuplicateID = errors.New("duplicate task id")
	// ErrNotFound is returned when no record exists for the id.
	ErrNotFound = errors.New("task not found")
	// ErrConflict signals that another writer already advanced the task
	// past the expected status. The caller must reload and back off.
	ErrConflict = errors.New("stale transition: task already advanced")
)

// Store abstracts persistence for task lifecycle records.
// Implementations must be safe for concurrent use.
type Store interface {
	Create(ctx context.Context, t task.Task) error
	Get(ctx context.Context, id string) (*task.Task, error)
	// Transition atomically advances id from `from` to `to`, recording the
	// result for terminal states. Returns ErrConflict when the stored
	// status no longer equals `from`.
	Transition(ctx context.Context, id string, from, to task.Status, result *task.Result) (*task.Task, error)
	Delete(ctx context.Context, id string) error
	// DeleteTerminalBefore removes completed and failed tasks last updated
	// before the cutoff. Returns the number of rows removed.
	DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// Schema is the tasks table DDL, applied by callers at startup
// (sqlite via modernc.org/sqlite).
const Schema = `
CREATE TABLE IF NOT EXISTS tasks (
    id           VARCHAR(64)  PRIMARY KEY,
    filename     VARCHAR(255) NOT NULL,
    upload_path  TEXT         NOT NULL,
    callback_url TEXT         NOT NULL DEFAULT '',
    status       VARCHAR(32)  NOT NULL,
    result_json  TEXT         NULL,
    version      INTEGER      NOT NULL DEFAULT 0,
    created_at   DATETIME     NOT NULL,
    updated_at   DATETIME     NOT NULL
);
`

// SQLStore is the database/sql implementation backing the task store.
type SQLStore struct {
	db *sql.DB
}

func NewSQLStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db}
}

// Init applies the schema.
func (s *SQLStore) Init(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, Schema)
	return err
}

func (s *SQLStore) Create(ctx context.Context, t task.Task) error {
	if s.db == nil {
		return errors.New("nil db")
	}
	now := time.Now().UTC()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	q := `INSERT INTO tasks (id, filename, upload_path, callback_url, status, version, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, 0, ?, ?)`
	_, err := s.db.ExecContext(ctx, q, t.ID, t.Filename, t.UploadPath, t.CallbackURL, string(t.Status), t.CreatedAt, now)
	if err != nil {
		if exists, eerr := s.exists(ctx, t.ID); eerr == nil && exists {
			return ErrDuplicateID
		}
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

func (s *SQLStore) Get(ctx context.Context, id string) (*task.Task, error) {
	if s.db == nil {
		return nil, errors.New("nil db")
	}
	q := `SELECT id, filename, upload_path, callback_url, status, result_json, version, created_at, updated_at
		FROM tasks WHERE id = ?`
	row := s.db.QueryRowContext(ctx, q, id)
	return scanTask(row)
}

func (s *SQLStore) Transition(ctx context.Context, id string, from, to task.Status, result *task.Result) (*task.Task, error) {
	if s.db == nil {
		return nil, errors.New("nil db")
	}
	if !task.CanTransition(from, to) {
		return nil, fmt.Errorf("illegal transition: %s -> %s", from, to)
	}
	var resultJSON *string
	if result != nil {
		b, err := json.Marshal(result)
		if err != nil {
			return nil, fmt.Errorf("marshal result: %w", err)
		}
		enc := string(b)
		resultJSON = &enc
	}
	q := `UPDATE tasks SET status = ?, result_json = COALESCE(?, result_json), version = version + 1, updated_at = ?
		WHERE id = ? AND status = ?`
	res, err := s.db.ExecContext(ctx, q, string(to), resultJSON, time.Now().UTC(), id, string(from))
	if err != nil {
		return nil, fmt.Errorf("transition %s -> %s: %w", from, to, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if n == 0 {
		exists, err := s.exists(ctx, id)
		if err != nil {
			return nil, err
		}
		if !exists {
			return nil, ErrNotFound
		}
		return nil, ErrConflict
	}
	return s.Get(ctx, id)
}

func (s *SQLStore) Delete(ctx context.Context, id string) error {
	if s.db == nil {
		return errors.New("nil db")
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, id)
	return err
}

func (s *SQLStore) DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	if s.db == nil {
		return 0, errors.New("nil db")
	}
	q := `DELETE FROM tasks WHERE status IN (?, ?) AND updated_at < ?`
	res, err := s.db.ExecContext(ctx, q, string(task.StatusCompleted), string(task.StatusFailed), cutoff.UTC())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *SQLStore) exists(ctx context.Context, id string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM tasks WHERE id = ?`, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func scanTask(row *sql.Row) (*task.Task, error) {
	var (
		t          task.Task
		status     string
		resultJSON sql.NullString
	)
	err := row.Scan(&t.ID, &t.Filename, &t.UploadPath, &t.CallbackURL, &status, &resultJSON, &t.Version, &t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	t.Status = task.Status(status)
	if resultJSON.Valid && resultJSON.String != "" {
		var r task.Result
		if err := json.Unmarshal([]byte(resultJSON.String), &r); err != nil {
			return nil, fmt.Errorf("decode stored result: %w", err)
		}
		t.Result = &r
	}
	return &t, nil
}
