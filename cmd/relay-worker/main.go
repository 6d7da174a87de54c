package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/austindbirch/harbor_relay/internal/app"
	"github.com/austindbirch/harbor_relay/internal/config"
	"github.com/austindbirch/harbor_relay/internal/logging"
	"github.com/austindbirch/harbor_relay/internal/scheduler"
	"github.com/austindbirch/harbor_relay/internal/tracing"
)

const serviceName = "harborrelay-worker"

func main() {
	cfg := config.FromEnv()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	logger := logging.New(serviceName)

	shutdown, err := tracing.InitTracing(ctx, serviceName)
	if err != nil {
		logger.Plain().WithError(err).Fatal("Failed to initialize tracing")
	}
	defer shutdown()

	if err := checkDriver(cfg); err != nil {
		logger.Plain().WithError(err).Fatal("worker cannot start")
	}

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		logger.Plain().WithError(err).Fatal("startup failed")
	}
	defer a.Close()

	settings := a.Dispatcher.Settings()
	recurring, err := scheduler.NewRecurring(a.Dispatcher, settings.SweepInterval, settings.RetentionSpec, settings.SweepBudget(), logger)
	if err != nil {
		logger.Plain().WithError(err).Fatal("recurring jobs setup failed")
	}

	httpSrv := &http.Server{
		Addr:              cfg.Worker.HTTPPort,
		Handler:           newMux(a, recurring),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Plain().WithField("addr", httpSrv.Addr).Info("worker HTTP server starting")
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Plain().WithError(err).Fatal("worker HTTP server failed")
		}
	}()

	handler := scheduler.NewHandler(a.Dispatcher, settings.Timeout*2, logger)
	consumer, err := scheduler.NewConsumer(cfg.NSQ, cfg.Worker.MaxInFlight, handler)
	if err != nil {
		logger.Plain().WithError(err).Fatal("nsq consumer creation failed")
	}
	if err := consumer.Connect(); err != nil {
		logger.Plain().WithError(err).Fatal("nsq connect failed")
	}

	recurring.Start()
	go newBacklogMonitor(cfg, logger).Run(ctx)

	logger.Plain().WithFields(map[string]any{
		"topic":   cfg.NSQ.RetryTopic,
		"channel": cfg.NSQ.WorkerChannel,
	}).Info("worker service started")

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGTERM, syscall.SIGINT)
	<-stop

	logger.Plain().Info("Shutting down worker service")
	cancel()
	consumer.Stop()
	stopCtx, stopCancel := context.WithTimeout(context.Background(), settings.ClaimLease())
	defer stopCancel()
	if err := recurring.Stop(stopCtx); err != nil {
		logger.Plain().WithError(err).Warn("recurring jobs did not finish")
	}
	_ = httpSrv.Shutdown(stopCtx)
	logger.Plain().Info("worker service stopped")
}

// checkDriver rejects the memory store: the worker shares state with the API
// only through Postgres.
func checkDriver(cfg config.Config) error {
	if cfg.StoreDriver != app.DriverPostgres {
		return fmt.Errorf("worker needs STORE_DRIVER=%s, got %q", app.DriverPostgres, cfg.StoreDriver)
	}
	return nil
}

func newMux(a *app.App, recurring *scheduler.Recurring) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/healthz", a.HealthHandler())
	mux.Handle("/metrics", a.MetricsHandler())
	mux.HandleFunc("/jobs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(recurring.Jobs())
	})
	return mux
}

func newBacklogMonitor(cfg config.Config, logger *logging.Logger) *scheduler.BacklogMonitor {
	return &scheduler.BacklogMonitor{
		HTTPAddr: cfg.NSQ.NsqdHTTPAddr,
		Topic:    cfg.NSQ.RetryTopic,
		Channel:  cfg.NSQ.WorkerChannel,
		Interval: time.Duration(cfg.Worker.BacklogPollSeconds) * time.Second,
		Client:   &http.Client{Timeout: 5 * time.Second},
		Logger:   logger,
	}
}
