// Package app assembles the relay pipeline from configuration. The API and
// the worker share it so both run the same dispatcher against the same stores.
package app

import (
	"context"
	"fmt"
	"net/http"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/austindbirch/harbor_relay/internal/config"
	"github.com/austindbirch/harbor_relay/internal/db"
	"github.com/austindbirch/harbor_relay/internal/dispatch"
	"github.com/austindbirch/harbor_relay/internal/endpoint"
	"github.com/austindbirch/harbor_relay/internal/event"
	"github.com/austindbirch/harbor_relay/internal/health"
	"github.com/austindbirch/harbor_relay/internal/logging"
	"github.com/austindbirch/harbor_relay/internal/metrics"
	"github.com/austindbirch/harbor_relay/internal/router"
	"github.com/austindbirch/harbor_relay/internal/scheduler"
	"github.com/austindbirch/harbor_relay/internal/store"
	"github.com/austindbirch/harbor_relay/internal/store/memory"
	"github.com/austindbirch/harbor_relay/internal/store/postgres"
	"github.com/austindbirch/harbor_relay/internal/template"
)

// Version is set with -ldflags at build time.
var Version = "dev"

const (
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

type App struct {
	Config     config.Config
	Logger     *logging.Logger
	Pool       *pgxpool.Pool
	Configs    store.ConfigStore
	Logs       store.LogStore
	Validator  *endpoint.Validator
	Dispatcher *dispatch.Dispatcher
	Router     *router.Router
	Catalog    *event.Registry
	// Producer is nil with the memory driver; Local is used instead.
	Producer *scheduler.Producer
	Local    *scheduler.Local
	Registry *prometheus.Registry

	closers []func()
}

// New connects the stores and builds the dispatcher. With the postgres
// driver the schema is applied and retries go through NSQ; with the memory
// driver retries run on local timers.
func New(ctx context.Context, cfg config.Config, logger *logging.Logger) (*App, error) {
	if logger == nil {
		logger = logging.New(cfg.AppName)
	}
	a := &App{Config: cfg, Logger: logger}

	switch cfg.StoreDriver {
	case DriverPostgres:
		pool, err := db.Connect(ctx, cfg.DSN())
		if err != nil {
			return nil, fmt.Errorf("db connect: %w", err)
		}
		a.closers = append(a.closers, pool.Close)
		if err := db.Migrate(ctx, pool); err != nil {
			a.Close()
			return nil, err
		}
		pg := postgres.New(pool)
		a.Pool, a.Configs, a.Logs = pool, pg.Configs(), pg.Logs()
	case DriverMemory:
		mem := memory.New()
		a.Configs, a.Logs = mem.Configs(), mem.Logs()
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
	}

	a.Validator = endpoint.NewValidator(endpoint.PolicyFromConfig(cfg.Security))
	opts := dispatch.Options{
		Configs:   a.Configs,
		Logs:      a.Logs,
		Settings:  cfg.Settings,
		Validator: a.Validator,
		Renderer:  template.NewRenderer(cfg.Settings),
		Logger:    logger,
		Version:   Version,
	}

	if cfg.StoreDriver == DriverPostgres {
		failureTopic := ""
		if cfg.Worker.PublishFailures {
			failureTopic = cfg.NSQ.FailureTopic
		}
		prod, err := scheduler.NewProducer(cfg.NSQ.NsqdTCPAddr, cfg.NSQ.RetryTopic, failureTopic, logger)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.Producer = prod
		a.closers = append(a.closers, prod.Stop)
		opts.Scheduler = prod
		opts.Failures = prod
	}

	a.Dispatcher = dispatch.New(opts)
	if a.Producer == nil {
		a.Local = scheduler.NewLocal(a.Dispatcher, a.Dispatcher.Settings().Timeout*2, logger)
		a.Dispatcher.SetScheduler(a.Local)
		a.closers = append(a.closers, a.Local.Stop)
	}
	a.Router = router.New(a.Configs, a.Dispatcher, logger)

	a.Catalog = event.NewRegistry()
	if cfg.CatalogFile != "" {
		n, err := a.Catalog.LoadFile(cfg.CatalogFile)
		if err != nil {
			a.Close()
			return nil, err
		}
		logger.Plain().WithField("events", n).WithField("file", cfg.CatalogFile).Info("event catalog loaded")
	}

	a.Registry = prometheus.NewRegistry()
	metrics.MustRegister(a.Registry)
	a.Registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return a, nil
}

// SeedConfigurations upserts the configurations in a YAML seed file.
func (a *App) SeedConfigurations(ctx context.Context, path string) (int, error) {
	cfgs, err := event.ReadConfigurations(path)
	if err != nil {
		return 0, err
	}
	saved, err := event.Seed(ctx, a.Configs, a.Validator, cfgs)
	if err != nil {
		return len(saved), err
	}
	a.Logger.Plain().WithField("configurations", len(saved)).WithField("file", path).Info("configurations seeded")
	return len(saved), nil
}

// HealthHandler pings the database and nsqd, when present.
func (a *App) HealthHandler() http.Handler {
	checks := map[string]health.Check{}
	if a.Producer != nil {
		checks["nsqd"] = a.Producer.Ping
	}
	var pinger health.Pinger
	if a.Pool != nil {
		pinger = a.Pool
	}
	return health.HTTPHandler(pinger, checks)
}

func (a *App) MetricsHandler() http.Handler {
	return promhttp.HandlerFor(a.Registry, promhttp.HandlerOpts{})
}

// Close releases resources in reverse order of acquisition.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
