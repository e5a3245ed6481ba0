package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/sight-ai/sight-depin-maas-sub007/internal/domain"
)

// ─── Earning Repository ─────────────────────────────────────────────────────

const earningColumns = `id, task_id, device_id, block_rewards, job_rewards, source, created_at, updated_at`

// GetEarning retrieves an earning by ID.
func (d *DB) GetEarning(ctx context.Context, id string) (*domain.Earning, error) {
	row := d.db.QueryRowContext(ctx, `SELECT `+earningColumns+` FROM earnings WHERE id = ?`, id)
	e, err := scanEarning(row)
	if err != nil {
		return nil, err
	}
	if e == nil {
		return nil, domain.ErrEarningNotFound
	}
	return e, nil
}

// MutateEarning runs fn against the stored earning inside a transaction and
// upserts the result. The task_id foreign key rejects dangling references.
func (d *DB) MutateEarning(ctx context.Context, id string, fn domain.EarningMutation) (*domain.Earning, error) {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	existing, err := scanEarning(tx.QueryRowContext(ctx, `SELECT `+earningColumns+` FROM earnings WHERE id = ?`, id))
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

	_, err = tx.ExecContext(ctx,
		`INSERT INTO earnings (`+earningColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
			task_id=excluded.task_id,
			device_id=excluded.device_id,
			block_rewards=excluded.block_rewards,
			job_rewards=excluded.job_rewards,
			updated_at=excluded.updated_at`,
		next.ID, nullStr(next.TaskID), next.DeviceID, next.BlockRewards, next.JobRewards,
		string(next.Source), toNanos(next.CreatedAt), toNanos(next.UpdatedAt),
	)
	if err != nil {
		if isConstraintErr(err) && strings.Contains(err.Error(), "FOREIGN KEY") {
			return nil, fmt.Errorf("earning %s: %w", id, domain.ErrReferentialIntegrity)
		}
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return next, nil
}

// ListEarnings returns earnings matching q, newest first.
func (d *DB) ListEarnings(ctx context.Context, q domain.EarningQuery) ([]domain.Earning, error) {
	var where []string
	var args []any
	if q.Source != "" {
		where = append(where, "source = ?")
		args = append(args, string(q.Source))
	}
	if q.DeviceID != "" {
		where = append(where, "device_id = ?")
		args = append(args, q.DeviceID)
	}
	if q.TaskID != "" {
		where = append(where, "task_id = ?")
		args = append(args, q.TaskID)
	}

	query := `SELECT ` + earningColumns + ` FROM earnings`
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

	var earnings []domain.Earning
	for rows.Next() {
		e, err := scanEarning(rows)
		if err != nil {
			return nil, err
		}
		earnings = append(earnings, *e)
	}
	return earnings, rows.Err()
}

func scanEarning(s scanner) (*domain.Earning, error) {
	var e domain.Earning
	var taskID sql.NullString
	var createdAt, updatedAt int64

	err := s.Scan(&e.ID, &taskID, &e.DeviceID, &e.BlockRewards, &e.JobRewards,
		&e.Source, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan earning: %w", err)
	}

	e.TaskID = taskID.String
	e.CreatedAt = fromNanos(createdAt)
	e.UpdatedAt = fromNanos(updatedAt)
	return &e, nil
}
