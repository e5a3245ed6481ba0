// Package sqlite provides SQLite-based persistent storage for the ledger.
// Uses WAL mode for concurrent reads and crash-safe writes.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver (no CGO required)

	"github.com/sight-ai/sight-depin-maas-sub007/internal/domain"
)

// DB wraps a SQLite connection with WAL mode and migrations.
// It implements domain.Store.
type DB struct {
	db *sql.DB
}

var _ domain.Store = (*DB)(nil)

// Open creates or opens the SQLite database at dir/ledger.db.
// Enables WAL mode, foreign keys, and 5-second busy timeout.
func Open(dir string) (*DB, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	dbPath := filepath.Join(dir, "ledger.db")
	dsn := "file:" + dbPath +
		"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	// SQLite is single-writer; one connection also serializes every
	// read-modify-write transaction.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	d := &DB{db: db}
	if err := d.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return d, nil
}

// Close cleanly shuts down the database.
func (d *DB) Close() error {
	return d.db.Close()
}

// Ping checks database connectivity.
func (d *DB) Ping(ctx context.Context) error {
	return d.db.PingContext(ctx)
}

// migrate runs idempotent schema migrations.
func (d *DB) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS devices (
			id              TEXT PRIMARY KEY,
			gateway_address TEXT NOT NULL DEFAULT '',
			registered_at   INTEGER NOT NULL
		)`,

		// Timestamps are unix nanoseconds.
		`CREATE TABLE IF NOT EXISTS tasks (
			id                   TEXT PRIMARY KEY,
			model                TEXT NOT NULL DEFAULT '',
			device_id            TEXT NOT NULL DEFAULT '',
			status               TEXT NOT NULL,
			source               TEXT NOT NULL,
			family               TEXT,
			kind                 TEXT,
			error                TEXT,
			created_at           INTEGER NOT NULL,
			updated_at           INTEGER NOT NULL,
			total_duration       INTEGER NOT NULL DEFAULT 0,
			load_duration        INTEGER NOT NULL DEFAULT 0,
			prompt_eval_count    INTEGER NOT NULL DEFAULT 0,
			prompt_eval_duration INTEGER NOT NULL DEFAULT 0,
			eval_count           INTEGER NOT NULL DEFAULT 0,
			eval_duration        INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_source_status ON tasks(source, status)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_created ON tasks(created_at)`,

		`CREATE TABLE IF NOT EXISTS earnings (
			id            TEXT PRIMARY KEY,
			task_id       TEXT REFERENCES tasks(id),
			device_id     TEXT NOT NULL,
			block_rewards REAL NOT NULL DEFAULT 0,
			job_rewards   REAL NOT NULL DEFAULT 0,
			source        TEXT NOT NULL,
			created_at    INTEGER NOT NULL,
			updated_at    INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_earnings_source ON earnings(source)`,
		`CREATE INDEX IF NOT EXISTS idx_earnings_task ON earnings(task_id)`,
	}

	for _, m := range migrations {
		if _, err := d.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w\nSQL: %s", err, m)
		}
	}
	return nil
}

// ─── Device Repository ──────────────────────────────────────────────────────

// UpsertDevice inserts or refreshes a device record.
func (d *DB) UpsertDevice(ctx context.Context, dev domain.Device) error {
	if dev.RegisteredAt.IsZero() {
		dev.RegisteredAt = time.Now()
	}
	_, err := d.db.ExecContext(ctx,
		`INSERT INTO devices (id, gateway_address, registered_at) VALUES (?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET gateway_address=excluded.gateway_address`,
		dev.ID, dev.GatewayAddress, dev.RegisteredAt.UnixNano(),
	)
	return err
}

// HasDevice reports whether a device id is known.
func (d *DB) HasDevice(ctx context.Context, id string) (bool, error) {
	var n int
	err := d.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM devices WHERE id = ?`, id).Scan(&n)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// ─── Helpers ────────────────────────────────────────────────────────────────

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func nullStr(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func fromNanos(ns int64) time.Time {
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

func toNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}
