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

// EarningsLedger owns payout records. Every write checks that a non-empty
// task_id names an existing task and that the device is known.
type EarningsLedger struct {
	store   domain.EarningStore
	tasks   domain.TaskStore
	devices domain.DeviceStore
	log     logrus.FieldLogger
	now     func() time.Time
}

// NewEarningsLedger creates an earnings ledger. tasks is only read.
func NewEarningsLedger(store domain.EarningStore, tasks domain.TaskStore, devices domain.DeviceStore, log logrus.FieldLogger) *EarningsLedger {
	return &EarningsLedger{
		store:   store,
		tasks:   tasks,
		devices: devices,
		log:     logging.OrDiscard(log).WithField("component", "earnings"),
		now:     time.Now,
	}
}

// NewEarning is the input to Create.
type NewEarning struct {
	TaskID       string
	DeviceID     string
	BlockRewards float64
	JobRewards   float64
}

// Create writes a local earning.
func (l *EarningsLedger) Create(ctx context.Context, in NewEarning) (*domain.Earning, error) {
	if err := l.check(ctx, in.TaskID, in.DeviceID, in.BlockRewards, in.JobRewards); err != nil {
		return nil, err
	}

	now := l.now()
	id := uuid.NewString()
	e, err := l.store.MutateEarning(ctx, id, func(existing *domain.Earning) (*domain.Earning, error) {
		if existing != nil {
			return nil, fmt.Errorf("earning %s already exists", id)
		}
		return &domain.Earning{
			TaskID:       in.TaskID,
			DeviceID:     in.DeviceID,
			BlockRewards: in.BlockRewards,
			JobRewards:   in.JobRewards,
			Source:       domain.SourceLocal,
			CreatedAt:    now,
			UpdatedAt:    now,
		}, nil
	})
	if err != nil {
		return nil, l.reject(err)
	}
	metrics.EarningsWritten.WithLabelValues(string(domain.SourceLocal)).Inc()
	return e, nil
}

// UpsertGateway inserts or refreshes a gateway-sourced earning. A missing
// updated_at is filled with the current time; a local earning with the
// same id is never touched.
func (l *EarningsLedger) UpsertGateway(ctx context.Context, remote domain.Earning) (earning *domain.Earning, created bool, err error) {
	if remote.ID == "" {
		return nil, false, fmt.Errorf("gateway earning without id: %w", domain.ErrMalformedPayload)
	}
	if err := l.check(ctx, remote.TaskID, remote.DeviceID, remote.BlockRewards, remote.JobRewards); err != nil {
		return nil, false, err
	}

	now := l.now()
	earning, err = l.store.MutateEarning(ctx, remote.ID, func(existing *domain.Earning) (*domain.Earning, error) {
		next := remote
		next.Source = domain.SourceGateway
		if next.UpdatedAt.IsZero() {
			next.UpdatedAt = now
		}
		if existing == nil {
			if next.CreatedAt.IsZero() {
				next.CreatedAt = next.UpdatedAt
			}
			created = true
			return &next, nil
		}
		if existing.Source != domain.SourceGateway {
			return nil, fmt.Errorf("earning %s is %s: %w", remote.ID, existing.Source, domain.ErrImmutableSource)
		}
		next.CreatedAt = existing.CreatedAt
		return &next, nil
	})
	if err != nil {
		return nil, false, l.reject(err)
	}
	metrics.EarningsWritten.WithLabelValues(string(domain.SourceGateway)).Inc()
	return earning, created, nil
}

// Get returns an earning by id.
func (l *EarningsLedger) Get(ctx context.Context, id string) (*domain.Earning, error) {
	return l.store.GetEarning(ctx, id)
}

// List returns earnings matching q, newest first.
func (l *EarningsLedger) List(ctx context.Context, q domain.EarningQuery) ([]domain.Earning, error) {
	return l.store.ListEarnings(ctx, q)
}

// check enforces the write preconditions shared by local and gateway paths.
func (l *EarningsLedger) check(ctx context.Context, taskID, deviceID string, block, job float64) error {
	if block < 0 || job < 0 {
		return l.reject(fmt.Errorf("negative rewards (block=%v job=%v): %w", block, job, domain.ErrInvalidPayout))
	}
	if taskID != "" {
		if _, err := l.tasks.GetTask(ctx, taskID); err != nil {
			if errors.Is(err, domain.ErrTaskNotFound) {
				return l.reject(fmt.Errorf("task %s: %w", taskID, domain.ErrReferentialIntegrity))
			}
			return err
		}
	}
	ok, err := l.devices.HasDevice(ctx, deviceID)
	if err != nil {
		return err
	}
	if !ok {
		return l.reject(fmt.Errorf("device %q: %w", deviceID, domain.ErrDeviceUnknown))
	}
	return nil
}

// reject counts integrity failures by reason and passes err through.
func (l *EarningsLedger) reject(err error) error {
	var reason string
	switch {
	case errors.Is(err, domain.ErrReferentialIntegrity):
		reason = "missing_task"
	case errors.Is(err, domain.ErrDeviceUnknown):
		reason = "unknown_device"
	case errors.Is(err, domain.ErrImmutableSource):
		reason = "immutable_source"
	case errors.Is(err, domain.ErrInvalidPayout):
		reason = "invalid_payout"
	default:
		return err
	}
	metrics.EarningsRejected.WithLabelValues(reason).Inc()
	return err
}
