// Package health runs periodic health checks for the node: storage
// reachability, gateway registration and the outcome of the last sync runs.
package health

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/sight-ai/sight-depin-maas-sub007/internal/app/gatewaysync"
	"github.com/sight-ai/sight-depin-maas-sub007/internal/domain"
	"github.com/sight-ai/sight-depin-maas-sub007/internal/infra/metrics"
	"github.com/sight-ai/sight-depin-maas-sub007/internal/logging"
)

// DefaultInterval is how often checks run.
const DefaultInterval = 30 * time.Second

// Pinger is satisfied by every storage backend.
type Pinger interface {
	Ping(ctx context.Context) error
}

// SyncReporter exposes the last run of each sync job.
type SyncReporter interface {
	Statuses() []gatewaysync.JobStatus
}

// Check defines a single health check.
type Check struct {
	Name    string
	CheckFn func(ctx context.Context) error
}

// Status represents the result of a health check.
type Status struct {
	Name      string    `json:"name"`
	Healthy   bool      `json:"healthy"`
	Error     string    `json:"error,omitempty"`
	CheckedAt time.Time `json:"checked_at"`
}

// Checker runs periodic health checks.
type Checker struct {
	mu       sync.RWMutex
	checks   []Check
	statuses []Status
	interval time.Duration
	log      logrus.FieldLogger
}

var errNotRegistered = errors.New("device not registered with a gateway")

// NewChecker creates a checker with the store check, plus the gateway
// checks when identity is non-nil. reporter may be nil when sync is off.
func NewChecker(store Pinger, identity domain.Identity, reporter SyncReporter, log logrus.FieldLogger) *Checker {
	checks := []Check{{
		Name: "store",
		CheckFn: func(ctx context.Context) error {
			ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
			defer cancel()
			return store.Ping(ctx)
		},
	}}
	if identity != nil {
		checks = append(checks, Check{
			Name: "gateway_registration",
			CheckFn: func(context.Context) error {
				if !identity.IsRegistered() {
					return errNotRegistered
				}
				return nil
			},
		})
	}
	if reporter != nil {
		checks = append(checks, Check{
			Name: "gateway_sync",
			CheckFn: func(context.Context) error {
				return checkSync(reporter.Statuses())
			},
		})
	}
	return &Checker{
		interval: DefaultInterval,
		checks:   checks,
		log:      logging.OrDiscard(log).WithField("component", "health"),
	}
}

// Run starts the health check loop. Call in a goroutine.
func (c *Checker) Run(ctx context.Context) {
	// Run immediately on start
	c.RunOnce(ctx)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.RunOnce(ctx)
		}
	}
}

// RunOnce runs every check and stores the results.
func (c *Checker) RunOnce(ctx context.Context) {
	statuses := make([]Status, len(c.checks))
	for i, check := range c.checks {
		s := Status{
			Name:      check.Name,
			CheckedAt: time.Now(),
			Healthy:   true,
		}
		if err := check.CheckFn(ctx); err != nil {
			s.Healthy = false
			s.Error = err.Error()
			c.log.WithField("check", check.Name).WithError(err).Warn("health check failed")
		}
		gauge := 0.0
		if s.Healthy {
			gauge = 1
		}
		metrics.HealthCheckStatus.WithLabelValues(check.Name).Set(gauge)
		statuses[i] = s
	}

	c.mu.Lock()
	c.statuses = statuses
	c.mu.Unlock()
}

// Statuses returns the latest health check results.
func (c *Checker) Statuses() []Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	result := make([]Status, len(c.statuses))
	copy(result, c.statuses)
	return result
}

// IsHealthy returns true if all checks pass.
func (c *Checker) IsHealthy() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, s := range c.statuses {
		if !s.Healthy {
			return false
		}
	}
	return true
}

// ─── Check Implementations ──────────────────────────────────────────────────

// checkSync fails when the most recent run of a gateway job errored.
// Jobs that have not run yet are not an error.
func checkSync(statuses []gatewaysync.JobStatus) error {
	var errs []error
	for _, s := range statuses {
		if s.Job == "sweep" || s.Error == "" {
			continue
		}
		errs = append(errs, fmt.Errorf("%s sync at %s: %s", s.Job, s.LastRun.Format(time.RFC3339), s.Error))
	}
	return errors.Join(errs...)
}
