// Package ledger implements the Task and Earnings ledgers.
// Every write goes through the store's per-record MutateTask/MutateEarning,
// so concurrent writers on different ids never contend and duplicate
// deliveries of the same id are safe to apply twice.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/sight-ai/sight-depin-maas-sub007/internal/domain"
	"github.com/sight-ai/sight-depin-maas-sub007/internal/infra/metrics"
	"github.com/sight-ai/sight-depin-maas-sub007/internal/logging"
)

// TaskLedger owns the task lifecycle.
type TaskLedger struct {
	store domain.TaskStore
	log   logrus.FieldLogger
	now   func() time.Time
}

// NewTaskLedger creates a task ledger over store.
func NewTaskLedger(store domain.TaskStore, log logrus.FieldLogger) *TaskLedger {
	return &TaskLedger{
		store: store,
		log:   logging.OrDiscard(log).WithField("component", "tasks"),
		now:   time.Now,
	}
}

// CreateOption customizes a new local task.
type CreateOption func(*domain.Task)

// WithClass records the backend family and operation kind of the call.
func WithClass(family, kind string) CreateOption {
	return func(t *domain.Task) {
		t.Family = family
		t.Kind = kind
	}
}

// Create opens a local task in the running state with zeroed usage.
func (l *TaskLedger) Create(ctx context.Context, model, deviceID string, opts ...CreateOption) (*domain.Task, error) {
	now := l.now()
	task := domain.Task{
		ID:        uuid.NewString(),
		Model:     model,
		DeviceID:  deviceID,
		Status:    domain.TaskRunning,
		Source:    domain.SourceLocal,
		CreatedAt: now,
		UpdatedAt: now,
	}
	for _, opt := range opts {
		opt(&task)
	}
	if err := l.store.InsertTask(ctx, task); err != nil {
		return nil, fmt.Errorf("create task: %w", err)
	}
	metrics.TasksOpened.Inc()
	return &task, nil
}

// TaskPatch lists the fields an Update may change. Nil fields are left
// untouched.
type TaskPatch struct {
	Model  *string
	Status *domain.TaskStatus
	Error  *string
	Usage  *domain.Usage
}

// Update merges patch into task id on behalf of authority. It fails with
// ErrTaskNotFound for an unknown id, ErrImmutableSource when authority does
// not own the task, and ErrInvalidTransition for a backwards status move.
func (l *TaskLedger) Update(ctx context.Context, authority domain.Source, id string, patch TaskPatch) (*domain.Task, error) {
	var closed bool
	task, err := l.store.MutateTask(ctx, id, func(existing *domain.Task) (*domain.Task, error) {
		if existing == nil {
			return nil, fmt.Errorf("task %s: %w", id, domain.ErrTaskNotFound)
		}
		if existing.Source != authority {
			return nil, fmt.Errorf("task %s is %s, caller is %s: %w", id, existing.Source, authority, domain.ErrImmutableSource)
		}

		next := *existing
		if patch.Model != nil {
			next.Model = *patch.Model
		}
		if patch.Error != nil {
			next.Error = *patch.Error
		}
		if patch.Usage != nil {
			next.Usage = patch.Usage.Clamp()
		}
		if patch.Status != nil {
			status, ok := domain.NormalizeStatus(string(*patch.Status))
			if !ok {
				return nil, fmt.Errorf("task %s: unknown status %q: %w", id, *patch.Status, domain.ErrInvalidTransition)
			}
			if !domain.CanTransition(existing.Status, status) {
				return nil, fmt.Errorf("task %s: %s -> %s: %w", id, existing.Status, status, domain.ErrInvalidTransition)
			}
			closed = status.IsTerminal() && !existing.IsTerminal()
			next.Status = status
		}
		next.UpdatedAt = l.now()
		return &next, nil
	})
	if err != nil {
		return nil, err
	}
	if closed {
		metrics.TasksClosed.WithLabelValues(string(task.Status)).Inc()
	}
	return task, nil
}

// Complete is shorthand for the local success transition.
func (l *TaskLedger) Complete(ctx context.Context, id string, usage domain.Usage) (*domain.Task, error) {
	status := domain.TaskCompleted
	return l.Update(ctx, domain.SourceLocal, id, TaskPatch{Status: &status, Usage: &usage})
}

// Fail is shorthand for the local failure transition.
func (l *TaskLedger) Fail(ctx context.Context, id, reason string) (*domain.Task, error) {
	status := domain.TaskFailed
	return l.Update(ctx, domain.SourceLocal, id, TaskPatch{Status: &status, Error: &reason})
}

// Get returns a task by id.
func (l *TaskLedger) Get(ctx context.Context, id string) (*domain.Task, error) {
	return l.store.GetTask(ctx, id)
}

// List returns tasks matching q, newest first.
func (l *TaskLedger) List(ctx context.Context, q domain.TaskQuery) ([]domain.Task, error) {
	return l.store.ListTasks(ctx, q)
}

// ─── Stale Sweep ────────────────────────────────────────────────────────────

// SweepStale marks every running local task created more than timeout ago
// as failed. Tasks that reached a terminal state in the meantime are left
// alone. Returns the number of tasks swept.
func (l *TaskLedger) SweepStale(ctx context.Context, timeout time.Duration) (int, error) {
	cutoff := l.now().Add(-timeout)
	stale, err := l.store.ListTasks(ctx, domain.TaskQuery{
		Source:        domain.SourceLocal,
		Statuses:      []domain.TaskStatus{domain.TaskRunning},
		CreatedBefore: cutoff,
	})
	if err != nil {
		return 0, fmt.Errorf("list stale tasks: %w", err)
	}

	reason := fmt.Sprintf("stale: exceeded %s", timeout)
	swept := 0
	for _, t := range stale {
		var changed bool
		_, err := l.store.MutateTask(ctx, t.ID, func(existing *domain.Task) (*domain.Task, error) {
			if existing == nil || existing.Status != domain.TaskRunning || !existing.CreatedAt.Before(cutoff) {
				return nil, nil
			}
			next := *existing
			next.Status = domain.TaskFailed
			next.Error = reason
			next.UpdatedAt = l.now()
			changed = true
			return &next, nil
		})
		if err != nil {
			l.log.WithField("task_id", t.ID).WithError(err).Error("sweep failed")
			continue
		}
		if changed {
			swept++
			metrics.TasksSwept.Inc()
			metrics.TasksClosed.WithLabelValues(string(domain.TaskFailed)).Inc()
			l.log.WithField("task_id", t.ID).Warn("swept stale task to failed")
		}
	}
	return swept, nil
}

// ─── Status Vocabulary ──────────────────────────────────────────────────────

// NormalizeLegacy rewrites stored tasks of source that still carry a legacy
// status spelling. Returns the number of tasks rewritten.
func (l *TaskLedger) NormalizeLegacy(ctx context.Context, source domain.Source) (int, error) {
	legacy, err := l.store.ListTasks(ctx, domain.TaskQuery{
		Source:   source,
		Statuses: domain.LegacyStatuses(),
	})
	if err != nil {
		return 0, fmt.Errorf("list legacy tasks: %w", err)
	}

	n := 0
	for _, t := range legacy {
		_, err := l.store.MutateTask(ctx, t.ID, func(existing *domain.Task) (*domain.Task, error) {
			if existing == nil || !domain.IsLegacyStatus(existing.Status) {
				return nil, nil
			}
			next := *existing
			next.Status, _ = domain.NormalizeStatus(string(existing.Status))
			return &next, nil
		})
		if err != nil {
			l.log.WithField("task_id", t.ID).WithError(err).Error("normalize status failed")
			continue
		}
		n++
	}
	if n > 0 {
		l.log.WithField("count", n).Info("normalized legacy task statuses")
	}
	return n, nil
}

// ─── Gateway Upsert ─────────────────────────────────────────────────────────

// UpsertGateway inserts or refreshes a gateway-sourced task. The record is
// forced to source=gateway; a local task with the same id is never touched
// and a terminal status is never regressed. Applying the same record twice
// leaves the same state apart from updated_at.
func (l *TaskLedger) UpsertGateway(ctx context.Context, remote domain.Task) (task *domain.Task, created bool, err error) {
	if remote.ID == "" {
		return nil, false, fmt.Errorf("gateway task without id: %w", domain.ErrMalformedPayload)
	}
	status, ok := domain.NormalizeStatus(string(remote.Status))
	if !ok {
		l.log.WithFields(logrus.Fields{"task_id": remote.ID, "status": remote.Status}).Warn("unknown gateway status, treating as pending")
	}
	now := l.now()

	task, err = l.store.MutateTask(ctx, remote.ID, func(existing *domain.Task) (*domain.Task, error) {
		if existing == nil {
			next := remote
			next.Status = status
			next.Source = domain.SourceGateway
			next.Usage = remote.Usage.Clamp()
			if next.CreatedAt.IsZero() {
				next.CreatedAt = now
			}
			next.UpdatedAt = now
			created = true
			return &next, nil
		}
		if existing.Source != domain.SourceGateway {
			return nil, fmt.Errorf("task %s is %s: %w", remote.ID, existing.Source, domain.ErrImmutableSource)
		}

		next := *existing
		next.Model = remote.Model
		next.DeviceID = remote.DeviceID
		next.Error = remote.Error
		next.Usage = remote.Usage.Clamp()
		if remote.Family != "" {
			next.Family = remote.Family
		}
		if remote.Kind != "" {
			next.Kind = remote.Kind
		}
		if domain.CanTransition(existing.Status, status) {
			next.Status = status
		}
		next.UpdatedAt = now
		return &next, nil
	})
	if err != nil {
		return nil, false, err
	}
	return task, created, nil
}

// GatewayIDs returns the set of gateway-sourced task ids.
func (l *TaskLedger) GatewayIDs(ctx context.Context) (map[string]struct{}, error) {
	tasks, err := l.store.ListTasks(ctx, domain.TaskQuery{Source: domain.SourceGateway})
	if err != nil {
		return nil, err
	}
	ids := make(map[string]struct{}, len(tasks))
	for _, t := range tasks {
		ids[t.ID] = struct{}{}
	}
	return ids, nil
}

// Exists reports whether a task with id is stored.
func (l *TaskLedger) Exists(ctx context.Context, id string) (bool, error) {
	_, err := l.store.GetTask(ctx, id)
	if errors.Is(err, domain.ErrTaskNotFound) {
		return false, nil
	}
	return err == nil, err
}
