package daemon

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/sight-ai/sight-depin-maas-sub007/internal/api"
	"github.com/sight-ai/sight-depin-maas-sub007/internal/app/earnings"
	"github.com/sight-ai/sight-depin-maas-sub007/internal/app/gatewaysync"
	"github.com/sight-ai/sight-depin-maas-sub007/internal/app/ledger"
	"github.com/sight-ai/sight-depin-maas-sub007/internal/domain"
	"github.com/sight-ai/sight-depin-maas-sub007/internal/gateway"
	"github.com/sight-ai/sight-depin-maas-sub007/internal/health"
	"github.com/sight-ai/sight-depin-maas-sub007/internal/infra/redis"
	"github.com/sight-ai/sight-depin-maas-sub007/internal/infra/sqlite"
	"github.com/sight-ai/sight-depin-maas-sub007/internal/logging"
	"github.com/sight-ai/sight-depin-maas-sub007/internal/metering"
)

// shutdownTimeout bounds graceful HTTP shutdown.
const shutdownTimeout = 30 * time.Second

// Daemon is the node runtime. It wires together all services.
type Daemon struct {
	Config Config
	Log    *logrus.Logger
	Store  domain.Store

	Tasks       *ledger.TaskLedger
	Earnings    *ledger.EarningsLedger
	Catalog     *earnings.Catalog
	Interceptor *metering.Interceptor
	Gateway     *gateway.Client
	Sync        *gatewaysync.Engine
	Health      *health.Checker
	Server      *api.Server

	cancel context.CancelFunc
}

// New creates and initializes a Daemon with all services wired.
func New() (*Daemon, error) {
	cfg, err := LoadConfig()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	return NewWithConfig(cfg)
}

// NewWithConfig creates a Daemon with the given configuration.
func NewWithConfig(cfg Config) (*Daemon, error) {
	log, err := logging.New(cfg.LoggingOptions())
	if err != nil {
		return nil, fmt.Errorf("init logging: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	store, err := openStore(ctx, cfg.Store)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	// A node needs a stable device id before it can own tasks.
	if cfg.Device.ID == "" {
		cfg.Device.ID = "device-" + uuid.NewString()
		if err := SaveConfig(cfg); err != nil {
			log.WithError(err).Warn("could not persist generated device id")
		}
		log.WithField("device_id", cfg.Device.ID).Info("generated device id")
	}
	if err := store.UpsertDevice(ctx, domain.Device{ID: cfg.Device.ID, GatewayAddress: cfg.Device.Gateway}); err != nil {
		store.Close()
		return nil, fmt.Errorf("register local device: %w", err)
	}

	d := &Daemon{
		Config: cfg,
		Log:    log,
		Store:  store,
	}

	// Ledger
	d.Tasks = ledger.NewTaskLedger(store, log)
	d.Earnings = ledger.NewEarningsLedger(store, store, store, log)
	d.Catalog = earnings.NewCatalog(log, cfg.Rates...)

	// Metering
	d.Interceptor = metering.NewInterceptor(
		metering.NewClassifier(cfg.Backends.OpenAIFamily),
		d.Catalog, d.Tasks, d.Earnings, cfg.Device, log,
		metering.Options{MaxCaptureBytes: cfg.Metering.MaxCaptureBytes},
	)

	// Gateway sync
	d.Gateway = gateway.New(cfg.Device, parseDuration(cfg.Sync.RequestTimeout, gateway.DefaultTimeout), log)
	d.Sync = gatewaysync.New(d.Gateway, cfg.Device, d.Tasks, d.Earnings, cfg.SyncEngineConfig(), log)

	// Health checker
	var reporter health.SyncReporter
	if cfg.Sync.Enabled {
		reporter = d.Sync
	}
	d.Health = health.NewChecker(store, cfg.Device, reporter, log)

	// API server
	proxy, err := api.NewBackendProxy(cfg.Backends.OllamaURL, cfg.Backends.OpenAIURL(), log)
	if err != nil {
		store.Close()
		return nil, err
	}
	d.Server = api.NewServer(d.Tasks, d.Earnings, log)
	d.Server.SetProxy(d.Interceptor.Middleware(proxy))
	d.Server.SetHealth(d.Health)
	d.Server.SetCORSOrigins(cfg.API.CORSOrigins)
	if cfg.Telemetry.Prometheus {
		d.Server.EnableMetrics()
	}

	return d, nil
}

// openStore opens the configured storage backend.
func openStore(ctx context.Context, cfg StoreConfig) (domain.Store, error) {
	switch cfg.Driver {
	case "", "sqlite":
		db, err := sqlite.Open(sightHome())
		if err != nil {
			return nil, err
		}
		return db, nil
	case "redis":
		if cfg.RedisURL == "" {
			return nil, errors.New("store.redis_url is required for the redis driver")
		}
		rs, err := redis.Open(ctx, cfg.RedisURL, redis.WithKeyPrefix(cfg.RedisPrefix))
		if err != nil {
			return nil, err
		}
		return rs, nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}

// Serve starts the HTTP server and background jobs and blocks until
// shutdown.
func (d *Daemon) Serve(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	defer cancel()

	// Graceful shutdown on signal
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	addr := fmt.Sprintf("%s:%d", d.Config.API.Host, d.Config.API.Port)

	httpServer := &http.Server{
		Addr:         addr,
		Handler:      d.Server.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 5 * time.Minute, // Long for streaming
		IdleTimeout:  2 * time.Minute,
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		d.Health.Run(ctx)
		return nil
	})
	g.Go(func() error {
		return d.Sync.Run(ctx)
	})
	g.Go(func() error {
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer shutdownCancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	d.Log.WithFields(logrus.Fields{
		"addr":      addr,
		"device_id": d.Config.Device.ID,
		"store":     d.Config.Store.Driver,
		"sync":      d.Config.Sync.Enabled,
	}).Info("Sight node serving")
	if !d.Config.Device.IsRegistered() {
		d.Log.Warn("device not registered with a gateway; run `sight register` to enable sync")
	}

	err := g.Wait()

	// Let in-flight metering finish before the store goes away.
	d.Interceptor.Wait()
	if cerr := d.Store.Close(); cerr != nil {
		d.Log.WithError(cerr).Warn("close store")
	}
	d.Log.Info("Sight node stopped")
	return err
}

// Close shuts down all daemon resources.
func (d *Daemon) Close() {
	if d.cancel != nil {
		d.cancel()
		return // Serve closes the store on its way out
	}
	if d.Interceptor != nil {
		d.Interceptor.Wait()
	}
	if d.Store != nil {
		_ = d.Store.Close()
	}
}
