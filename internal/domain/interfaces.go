package domain

import "context"

// ─── Service Interfaces ─────────────────────────────────────────────────────
// These interfaces define boundaries between layers.
// Infrastructure implements them; application layer depends on them.

// TaskMutation receives the stored task (nil when absent) and returns the
// record to persist. Returning (nil, nil) leaves the store untouched.
type TaskMutation func(existing *Task) (*Task, error)

// EarningMutation is the Earning counterpart of TaskMutation.
type EarningMutation func(existing *Earning) (*Earning, error)

// TaskStore persists tasks. MutateTask is an atomic read-modify-write on a
// single id and is the only concurrency primitive the ledger relies on.
type TaskStore interface {
	InsertTask(ctx context.Context, task Task) error
	GetTask(ctx context.Context, id string) (*Task, error)
	MutateTask(ctx context.Context, id string, fn TaskMutation) (*Task, error)
	ListTasks(ctx context.Context, q TaskQuery) ([]Task, error)
}

// EarningStore persists earnings.
type EarningStore interface {
	GetEarning(ctx context.Context, id string) (*Earning, error)
	MutateEarning(ctx context.Context, id string, fn EarningMutation) (*Earning, error)
	ListEarnings(ctx context.Context, q EarningQuery) ([]Earning, error)
}

// DeviceStore tracks devices the ledger accepts earnings for.
type DeviceStore interface {
	UpsertDevice(ctx context.Context, d Device) error
	HasDevice(ctx context.Context, id string) (bool, error)
}

// Store is the full repository contract a storage backend implements.
// One backend is chosen per deployment.
type Store interface {
	TaskStore
	EarningStore
	DeviceStore
	Ping(ctx context.Context) error
	Close() error
}

// Identity exposes this node's gateway credentials.
type Identity interface {
	DeviceID() string
	GatewayAddress() string
	AuthKey() string
	IsRegistered() bool
}
