// Package gatewaysync keeps the local ledger reconciled with the gateway.
//
// Three jobs run on independent tickers: task-sync, earnings-sync and the
// stale-task sweep. Jobs never share a lock; safety comes from the ledger's
// per-record idempotent upsert, so overlapping runs and duplicate
// deliveries are harmless. A failed page fetch abandons that job's tick and
// the next tick is the only retry.
package gatewaysync

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/sight-ai/sight-depin-maas-sub007/internal/app/ledger"
	"github.com/sight-ai/sight-depin-maas-sub007/internal/domain"
	"github.com/sight-ai/sight-depin-maas-sub007/internal/infra/metrics"
	"github.com/sight-ai/sight-depin-maas-sub007/internal/logging"
)

// Fetcher is the gateway listing contract. *gateway.Client implements it.
type Fetcher interface {
	FetchTasks(ctx context.Context, page, pageSize int) ([]domain.Task, error)
	FetchEarnings(ctx context.Context, page, pageSize int) ([]domain.Earning, error)
}

// Config tunes the engine. Zero fields take the defaults below.
type Config struct {
	TaskInterval     time.Duration
	EarningsInterval time.Duration
	SweepInterval    time.Duration
	StaleTimeout     time.Duration
	PageSize         int
	PagesPerRun      int
	// SweepOnly makes Run start only the stale sweep.
	SweepOnly bool
}

// Defaults.
const (
	DefaultTaskInterval     = 5 * time.Second
	DefaultEarningsInterval = 10 * time.Second
	DefaultSweepInterval    = time.Minute
	DefaultStaleTimeout     = 10 * time.Minute
	DefaultPageSize         = 100
	DefaultPagesPerRun      = 1
)

func (c Config) withDefaults() Config {
	if c.TaskInterval <= 0 {
		c.TaskInterval = DefaultTaskInterval
	}
	if c.EarningsInterval <= 0 {
		c.EarningsInterval = DefaultEarningsInterval
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = DefaultSweepInterval
	}
	if c.StaleTimeout <= 0 {
		c.StaleTimeout = DefaultStaleTimeout
	}
	if c.PageSize <= 0 {
		c.PageSize = DefaultPageSize
	}
	if c.PagesPerRun <= 0 {
		c.PagesPerRun = DefaultPagesPerRun
	}
	return c
}

// Result summarizes one job run.
type Result struct {
	NoOp    bool `json:"no_op"`
	Fetched int  `json:"fetched"`
	Created int  `json:"created"`
	Updated int  `json:"updated"`
	Skipped int  `json:"skipped"`
	Failed  int  `json:"failed"`
}

// JobStatus is the outcome of a job's most recent run.
type JobStatus struct {
	Job     string    `json:"job"`
	LastRun time.Time `json:"last_run"`
	Result  Result    `json:"result"`
	Error   string    `json:"error,omitempty"`
}

// Engine runs the sync jobs.
type Engine struct {
	fetcher  Fetcher
	identity domain.Identity
	tasks    *ledger.TaskLedger
	earnings *ledger.EarningsLedger
	cfg      Config
	log      logrus.FieldLogger

	mu   sync.RWMutex
	last map[string]JobStatus
}

// New creates an engine.
func New(fetcher Fetcher, identity domain.Identity, tasks *ledger.TaskLedger, earnings *ledger.EarningsLedger, cfg Config, log logrus.FieldLogger) *Engine {
	return &Engine{
		fetcher:  fetcher,
		identity: identity,
		tasks:    tasks,
		earnings: earnings,
		cfg:      cfg.withDefaults(),
		log:      logging.OrDiscard(log).WithField("component", "sync"),
		last:     make(map[string]JobStatus),
	}
}

// Statuses returns the last run of each job that has run at least once,
// ordered by job name.
func (e *Engine) Statuses() []JobStatus {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]JobStatus, 0, len(e.last))
	for _, s := range e.last {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Job < out[j].Job })
	return out
}

func (e *Engine) record(job string, res Result, err error) {
	s := JobStatus{Job: job, LastRun: time.Now(), Result: res}
	if err != nil {
		s.Error = err.Error()
	}
	e.mu.Lock()
	e.last[job] = s
	e.mu.Unlock()
}

// ready reports whether the device can talk to a gateway.
func (e *Engine) ready() bool {
	return e.identity.IsRegistered() &&
		e.identity.DeviceID() != "" &&
		e.identity.GatewayAddress() != "" &&
		e.identity.AuthKey() != ""
}

// ─── Task Sync ──────────────────────────────────────────────────────────────

// SyncTasks pulls remote task pages and find-or-creates each record as a
// gateway task. A no-op when the device is not registered.
func (e *Engine) SyncTasks(ctx context.Context) (Result, error) {
	const job = "tasks"
	if !e.ready() {
		metrics.SyncRuns.WithLabelValues(job, "skipped").Inc()
		e.record(job, Result{NoOp: true}, nil)
		return Result{NoOp: true}, nil
	}

	if _, err := e.tasks.NormalizeLegacy(ctx, domain.SourceGateway); err != nil {
		e.log.WithError(err).Warn("normalize legacy statuses")
	}

	var res Result
	err := e.pages(ctx, func(ctx context.Context, page int) (int, error) {
		tasks, err := e.fetcher.FetchTasks(ctx, page, e.cfg.PageSize)
		if err != nil {
			return 0, err
		}
		for _, t := range tasks {
			e.applyTask(ctx, t, &res)
		}
		res.Fetched += len(tasks)
		return len(tasks), nil
	})
	e.finishRun(job, res, err)
	return res, err
}

func (e *Engine) applyTask(ctx context.Context, t domain.Task, res *Result) {
	const job = "tasks"
	if t.DeviceID == "" {
		t.DeviceID = e.identity.DeviceID()
	}
	_, created, err := e.tasks.UpsertGateway(ctx, t)
	switch {
	case err != nil:
		res.Failed++
		metrics.SyncRecords.WithLabelValues(job, "error").Inc()
		e.log.WithField("task_id", t.ID).WithError(err).Error("apply gateway task")
	case created:
		res.Created++
		metrics.SyncRecords.WithLabelValues(job, "created").Inc()
	default:
		res.Updated++
		metrics.SyncRecords.WithLabelValues(job, "updated").Inc()
	}
}

// ─── Earnings Sync ──────────────────────────────────────────────────────────

// SyncEarnings pulls remote earning pages. Earnings whose task_id is not a
// known gateway task are skipped and picked up on a later run, after the
// task has arrived.
func (e *Engine) SyncEarnings(ctx context.Context) (Result, error) {
	const job = "earnings"
	if !e.ready() {
		metrics.SyncRuns.WithLabelValues(job, "skipped").Inc()
		e.record(job, Result{NoOp: true}, nil)
		return Result{NoOp: true}, nil
	}

	var res Result
	var known map[string]struct{}
	err := e.pages(ctx, func(ctx context.Context, page int) (int, error) {
		earnings, err := e.fetcher.FetchEarnings(ctx, page, e.cfg.PageSize)
		if err != nil {
			return 0, err
		}
		if known == nil {
			if known, err = e.tasks.GatewayIDs(ctx); err != nil {
				return 0, err
			}
		}
		for _, en := range earnings {
			e.applyEarning(ctx, en, known, &res)
		}
		res.Fetched += len(earnings)
		return len(earnings), nil
	})
	e.finishRun(job, res, err)
	return res, err
}

func (e *Engine) applyEarning(ctx context.Context, en domain.Earning, known map[string]struct{}, res *Result) {
	const job = "earnings"
	log := e.log.WithFields(logrus.Fields{"earning_id": en.ID, "task_id": en.TaskID})

	if en.TaskID != "" {
		if _, ok := known[en.TaskID]; !ok {
			res.Skipped++
			metrics.SyncRecords.WithLabelValues(job, "skipped").Inc()
			log.Warn("skipping earning for unknown gateway task")
			return
		}
	}
	if en.DeviceID == "" {
		en.DeviceID = e.identity.DeviceID()
	}

	_, created, err := e.earnings.UpsertGateway(ctx, en)
	switch {
	case errors.Is(err, domain.ErrReferentialIntegrity):
		res.Skipped++
		metrics.SyncRecords.WithLabelValues(job, "skipped").Inc()
		log.WithError(err).Warn("skipping earning")
	case err != nil:
		res.Failed++
		metrics.SyncRecords.WithLabelValues(job, "error").Inc()
		log.WithError(err).Error("apply gateway earning")
	case created:
		res.Created++
		metrics.SyncRecords.WithLabelValues(job, "created").Inc()
	default:
		res.Updated++
		metrics.SyncRecords.WithLabelValues(job, "updated").Inc()
	}
}

// ─── Sweep ──────────────────────────────────────────────────────────────────

// Sweep fails local tasks left running past the stale timeout.
func (e *Engine) Sweep(ctx context.Context) (int, error) {
	n, err := e.tasks.SweepStale(ctx, e.cfg.StaleTimeout)
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	metrics.SyncRuns.WithLabelValues("sweep", outcome).Inc()
	e.record("sweep", Result{Updated: n}, err)
	return n, err
}

// ─── Scheduling ─────────────────────────────────────────────────────────────

// Run starts the jobs and blocks until ctx is cancelled. Each job runs once
// immediately, then on its own ticker.
func (e *Engine) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return e.loop(ctx, "sweep", e.cfg.SweepInterval, func(ctx context.Context) error {
			_, err := e.Sweep(ctx)
			return err
		})
	})
	if e.cfg.SweepOnly {
		return g.Wait()
	}
	g.Go(func() error {
		return e.loop(ctx, "tasks", e.cfg.TaskInterval, func(ctx context.Context) error {
			_, err := e.SyncTasks(ctx)
			return err
		})
	})
	g.Go(func() error {
		return e.loop(ctx, "earnings", e.cfg.EarningsInterval, func(ctx context.Context) error {
			_, err := e.SyncEarnings(ctx)
			return err
		})
	})
	return g.Wait()
}

func (e *Engine) loop(ctx context.Context, job string, every time.Duration, run func(context.Context) error) error {
	e.log.WithFields(logrus.Fields{"job": job, "interval": every}).Info("sync job started")
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		if err := run(ctx); err != nil && ctx.Err() == nil {
			e.log.WithField("job", job).WithError(err).Warn("run abandoned, retrying next tick")
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// pages fetches up to PagesPerRun pages, stopping early on a short page.
func (e *Engine) pages(ctx context.Context, fetch func(context.Context, int) (int, error)) error {
	for page := 1; page <= e.cfg.PagesPerRun; page++ {
		n, err := fetch(ctx, page)
		if err != nil {
			return err
		}
		if n < e.cfg.PageSize {
			return nil
		}
	}
	return nil
}

func (e *Engine) finishRun(job string, res Result, err error) {
	e.record(job, res, err)
	if err != nil {
		metrics.SyncRuns.WithLabelValues(job, "error").Inc()
		return
	}
	metrics.SyncRuns.WithLabelValues(job, "ok").Inc()
	if res.Fetched > 0 {
		e.log.WithFields(logrus.Fields{
			"job":     job,
			"fetched": res.Fetched,
			"created": res.Created,
			"updated": res.Updated,
			"skipped": res.Skipped,
			"failed":  res.Failed,
		}).Debug("sync run complete")
	}
}
