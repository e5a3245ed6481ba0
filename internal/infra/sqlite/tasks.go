package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/sight-ai/sight-depin-maas-sub007/internal/domain"
)

// ─── Task Repository ────────────────────────────────────────────────────────

const taskColumns = `id, model, device_id, status, source, family, kind, error,
	created_at, updated_at, total_duration, load_duration, prompt_eval_count,
	prompt_eval_duration, eval_count, eval_duration`

// execer is satisfied by both *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// InsertTask creates a new task record. Fails with ErrTaskExists on a
// duplicate id.
func (d *DB) InsertTask(ctx context.Context, task domain.Task) error {
	_, err := d.db.ExecContext(ctx,
		`INSERT INTO tasks (`+taskColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		taskArgs(task)...,
	)
	if err != nil && isConstraintErr(err) {
		return fmt.Errorf("insert task %s: %w", task.ID, domain.ErrTaskExists)
	}
	return err
}

// GetTask retrieves a task by ID.
func (d *DB) GetTask(ctx context.Context, id string) (*domain.Task, error) {
	row := d.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if err != nil {
		return nil, err
	}
	if t == nil {
		return nil, domain.ErrTaskNotFound
	}
	return t, nil
}

// MutateTask runs fn against the stored task inside a transaction and
// upserts the result. fn must not call back into the DB.
func (d *DB) MutateTask(ctx context.Context, id string, fn domain.TaskMutation) (*domain.Task, error) {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	existing, err := scanTask(tx.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id))
	if err != nil {
		return nil, err
	}

	next, err := fn(existing)
	if err != nil {
		return nil, err
	}
	if next == nil {
		return existing, nil
	}
	next.ID = id

	if err := upsertTask(ctx, tx, *next); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return next, nil
}

// ListTasks returns tasks matching q, newest first.
func (d *DB) ListTasks(ctx context.Context, q domain.TaskQuery) ([]domain.Task, error) {
	var where []string
	var args []any
	if q.Source != "" {
		where = append(where, "source = ?")
		args = append(args, string(q.Source))
	}
	if len(q.Statuses) > 0 {
		marks := make([]string, len(q.Statuses))
		for i, s := range q.Statuses {
			marks[i] = "?"
			args = append(args, string(s))
		}
		where = append(where, "status IN ("+strings.Join(marks, ", ")+")")
	}
	if !q.CreatedBefore.IsZero() {
		where = append(where, "created_at < ?")
		args = append(args, q.CreatedBefore.UnixNano())
	}

	query := `SELECT ` + taskColumns + ` FROM tasks`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC"
	if q.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, q.Limit)
	}

	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, *t)
	}
	return tasks, rows.Err()
}

func upsertTask(ctx context.Context, ex execer, task domain.Task) error {
	_, err := ex.ExecContext(ctx,
		`INSERT INTO tasks (`+taskColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
			model=excluded.model,
			device_id=excluded.device_id,
			status=excluded.status,
			family=excluded.family,
			kind=excluded.kind,
			error=excluded.error,
			updated_at=excluded.updated_at,
			total_duration=excluded.total_duration,
			load_duration=excluded.load_duration,
			prompt_eval_count=excluded.prompt_eval_count,
			prompt_eval_duration=excluded.prompt_eval_duration,
			eval_count=excluded.eval_count,
			eval_duration=excluded.eval_duration`,
		taskArgs(task)...,
	)
	return err
}

func taskArgs(t domain.Task) []any {
	return []any{
		t.ID, t.Model, t.DeviceID, string(t.Status), string(t.Source),
		nullStr(t.Family), nullStr(t.Kind), nullStr(t.Error),
		toNanos(t.CreatedAt), toNanos(t.UpdatedAt),
		t.TotalDuration, t.LoadDuration, t.PromptEvalCount,
		t.PromptEvalDuration, t.EvalCount, t.EvalDuration,
	}
}

func scanTask(s scanner) (*domain.Task, error) {
	var t domain.Task
	var createdAt, updatedAt int64
	var family, kind, taskErr sql.NullString

	err := s.Scan(&t.ID, &t.Model, &t.DeviceID, &t.Status, &t.Source,
		&family, &kind, &taskErr, &createdAt, &updatedAt,
		&t.TotalDuration, &t.LoadDuration, &t.PromptEvalCount,
		&t.PromptEvalDuration, &t.EvalCount, &t.EvalDuration)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan task: %w", err)
	}

	t.CreatedAt = fromNanos(createdAt)
	t.UpdatedAt = fromNanos(updatedAt)
	t.Family = family.String
	t.Kind = kind.String
	t.Error = taskErr.String
	return &t, nil
}

// isConstraintErr matches SQLite UNIQUE / PRIMARY KEY / FOREIGN KEY failures.
func isConstraintErr(err error) bool {
	return strings.Contains(err.Error(), "constraint failed")
}
