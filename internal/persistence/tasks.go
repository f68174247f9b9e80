package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// TaskState is the lifecycle state of a task.
type TaskState string

const (
	StateWorking       TaskState = "working"
	StateInputRequired TaskState = "input_required"
	StateCompleted     TaskState = "completed"
	StateFailed        TaskState = "failed"
	StateCanceled      TaskState = "canceled"
)

// Terminal reports whether the state admits no further transitions.
func (s TaskState) Terminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateCanceled:
		return true
	}
	return false
}

// TaskError is the structured failure record persisted with a failed task.
type TaskError struct {
	Kind    string            `json:"kind"`
	Message string            `json:"message"`
	Details map[string]string `json:"details,omitempty"`
}

// Task is the persisted unit of work tracked by the engine.
type Task struct {
	ID        string
	ContextID string
	State     TaskState
	CallerID  string
	Request   json.RawMessage
	Metadata  map[string]any
	Result    json.RawMessage
	Error     *TaskError
	CreatedAt time.Time
	UpdatedAt time.Time
}

const taskColumns = `task_id, context_id, state, caller_id, request, metadata, result, error, created_at, updated_at`

// SaveTask writes the task as a single transactional upsert keyed by task id.
// Concurrent saves for the same id are last-write-wins on updated_at; partial
// interleaved writes are impossible.
func (s *Store) SaveTask(ctx context.Context, t *Task) error {
	if t.ID == "" {
		return fmt.Errorf("save task: empty task id")
	}
	if t.ContextID == "" {
		t.ContextID = t.ID
	}

	metadata, err := marshalNullable(t.Metadata)
	if err != nil {
		return fmt.Errorf("save task %s: marshal metadata: %w", t.ID, err)
	}
	var errText sql.NullString
	if t.Error != nil {
		raw, err := json.Marshal(t.Error)
		if err != nil {
			return fmt.Errorf("save task %s: marshal error record: %w", t.ID, err)
		}
		errText = sql.NullString{String: string(raw), Valid: true}
	}

	now := time.Now().UTC()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = now

	return retryOnBusy(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `
INSERT INTO tasks (task_id, context_id, state, caller_id, request, metadata, result, error, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(task_id) DO UPDATE SET
	state = excluded.state,
	metadata = excluded.metadata,
	result = excluded.result,
	error = excluded.error,
	updated_at = excluded.updated_at`,
			t.ID,
			t.ContextID,
			string(t.State),
			t.CallerID,
			string(t.Request),
			metadata,
			nullableRaw(t.Result),
			errText,
			t.CreatedAt.Format(time.RFC3339Nano),
			t.UpdatedAt.Format(time.RFC3339Nano),
		)
		if err != nil {
			return fmt.Errorf("save task %s: %w", t.ID, err)
		}
		return nil
	})
}

// UpdateTaskState persists a state transition with an optimistic guard on
// the expected prior state. If another writer moved the task first (for
// example a concurrent cancel), no row matches and ErrStaleState is
// returned; the caller must reload and discard its late result.
func (s *Store) UpdateTaskState(ctx context.Context, t *Task, from TaskState) error {
	metadata, err := marshalNullable(t.Metadata)
	if err != nil {
		return fmt.Errorf("transition task %s: marshal metadata: %w", t.ID, err)
	}
	var errText sql.NullString
	if t.Error != nil {
		raw, err := json.Marshal(t.Error)
		if err != nil {
			return fmt.Errorf("transition task %s: marshal error record: %w", t.ID, err)
		}
		errText = sql.NullString{String: string(raw), Valid: true}
	}
	t.UpdatedAt = time.Now().UTC()

	return retryOnBusy(ctx, func() error {
		res, err := s.db.ExecContext(ctx, `
UPDATE tasks SET state = ?, metadata = ?, result = ?, error = ?, updated_at = ?
WHERE task_id = ? AND state = ?`,
			string(t.State),
			metadata,
			nullableRaw(t.Result),
			errText,
			t.UpdatedAt.Format(time.RFC3339Nano),
			t.ID,
			string(from),
		)
		if err != nil {
			return fmt.Errorf("transition task %s: %w", t.ID, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("transition task %s: rows affected: %w", t.ID, err)
		}
		if n == 0 {
			return ErrStaleState
		}
		return nil
	})
}

// GetTask loads a task by id. Returns ErrTaskNotFound when absent.
func (s *Store) GetTask(ctx context.Context, id string) (*Task, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE task_id = ?`, id)
	t, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, ErrTaskNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get task %s: %w", id, err)
	}
	return t, nil
}

// DeleteTask removes a task row. Deleting an absent task is not an error.
func (s *Store) DeleteTask(ctx context.Context, id string) error {
	return retryOnBusy(ctx, func() error {
		if _, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE task_id = ?`, id); err != nil {
			return fmt.Errorf("delete task %s: %w", id, err)
		}
		return nil
	})
}

// ListTasksByState returns tasks in the given state, oldest first.
func (s *Store) ListTasksByState(ctx context.Context, state TaskState, limit int) ([]*Task, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE state = ? ORDER BY created_at ASC LIMIT ?`,
		string(state), limit)
	if err != nil {
		return nil, fmt.Errorf("list tasks by state %s: %w", state, err)
	}
	defer rows.Close()

	var tasks []*Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("list tasks by state %s: %w", state, err)
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// CleanupTerminalTasks deletes terminal tasks older than the retention
// window and returns the number removed.
func (s *Store) CleanupTerminalTasks(ctx context.Context, days int) (int64, error) {
	if days <= 0 {
		days = 7
	}
	cutoff := time.Now().UTC().AddDate(0, 0, -days).Format(time.RFC3339Nano)

	var removed int64
	err := retryOnBusy(ctx, func() error {
		res, err := s.db.ExecContext(ctx, `
DELETE FROM tasks
WHERE state IN (?, ?, ?) AND created_at < ?`,
			string(StateCompleted), string(StateFailed), string(StateCanceled), cutoff)
		if err != nil {
			return fmt.Errorf("cleanup terminal tasks: %w", err)
		}
		removed, err = res.RowsAffected()
		if err != nil {
			return fmt.Errorf("cleanup terminal tasks: rows affected: %w", err)
		}
		return nil
	})
	return removed, err
}

// RecoverStaleWorking fails any task left in working state by a previous
// process run. Called once at startup, before the gateway accepts traffic;
// a reconnecting caller then observes a consistent terminal state.
func (s *Store) RecoverStaleWorking(ctx context.Context) (int64, error) {
	errRec, err := json.Marshal(&TaskError{
		Kind:    "Internal",
		Message: "task interrupted by engine restart",
	})
	if err != nil {
		return 0, fmt.Errorf("recover stale tasks: marshal error record: %w", err)
	}

	var recovered int64
	err = retryOnBusy(ctx, func() error {
		res, err := s.db.ExecContext(ctx, `
UPDATE tasks SET state = ?, error = ?, updated_at = ?
WHERE state = ?`,
			string(StateFailed),
			string(errRec),
			time.Now().UTC().Format(time.RFC3339Nano),
			string(StateWorking))
		if err != nil {
			return fmt.Errorf("recover stale tasks: %w", err)
		}
		recovered, err = res.RowsAffected()
		if err != nil {
			return fmt.Errorf("recover stale tasks: rows affected: %w", err)
		}
		return nil
	})
	return recovered, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*Task, error) {
	var (
		t         Task
		state     string
		request   string
		metadata  sql.NullString
		result    sql.NullString
		errText   sql.NullString
		createdAt string
		updatedAt string
	)
	if err := row.Scan(
		&t.ID, &t.ContextID, &state, &t.CallerID,
		&request, &metadata, &result, &errText,
		&createdAt, &updatedAt,
	); err != nil {
		return nil, err
	}

	t.State = TaskState(state)
	t.Request = json.RawMessage(request)
	if metadata.Valid && metadata.String != "" {
		if err := json.Unmarshal([]byte(metadata.String), &t.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal metadata: %w", err)
		}
	}
	if result.Valid && result.String != "" {
		t.Result = json.RawMessage(result.String)
	}
	if errText.Valid && errText.String != "" {
		var rec TaskError
		if err := json.Unmarshal([]byte(errText.String), &rec); err != nil {
			return nil, fmt.Errorf("unmarshal error record: %w", err)
		}
		t.Error = &rec
	}

	var err error
	if t.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	if t.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAt); err != nil {
		return nil, fmt.Errorf("parse updated_at: %w", err)
	}
	return &t, nil
}

func marshalNullable(m map[string]any) (sql.NullString, error) {
	if len(m) == 0 {
		return sql.NullString{}, nil
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(raw), Valid: true}, nil
}

func nullableRaw(raw json.RawMessage) sql.NullString {
	if len(raw) == 0 {
		return sql.NullString{}
	}
	return sql.NullString{String: string(raw), Valid: true}
}
