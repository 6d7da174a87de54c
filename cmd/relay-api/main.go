package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/austindbirch/harbor_relay/internal/app"
	"github.com/austindbirch/harbor_relay/internal/auth"
	"github.com/austindbirch/harbor_relay/internal/config"
	"github.com/austindbirch/harbor_relay/internal/httpapi"
	"github.com/austindbirch/harbor_relay/internal/logging"
	"github.com/austindbirch/harbor_relay/internal/scheduler"
	"github.com/austindbirch/harbor_relay/internal/tracing"
)

const serviceName = "harborrelay-api"

func main() {
	cfg := config.FromEnv()
	ctx := context.Background()
	logger := logging.New(serviceName)

	shutdown, err := tracing.InitTracing(ctx, serviceName)
	if err != nil {
		logger.Plain().WithError(err).Fatal("Failed to initialize tracing")
	}
	defer shutdown()

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		logger.Plain().WithError(err).Fatal("startup failed")
	}
	defer a.Close()

	if cfg.ConfigsFile != "" {
		if _, err := a.SeedConfigurations(ctx, cfg.ConfigsFile); err != nil {
			logger.Plain().WithError(err).Fatal("seeding configurations failed")
		}
	}

	handler, err := buildHandler(ctx, a)
	if err != nil {
		logger.Plain().WithError(err).Fatal("api setup failed")
	}

	// With the memory driver nothing else shares the store, so the API runs
	// the sweep and retention jobs itself.
	var recurring *scheduler.Recurring
	if cfg.StoreDriver == app.DriverMemory {
		recurring, err = newRecurring(a)
		if err != nil {
			logger.Plain().WithError(err).Fatal("recurring jobs setup failed")
		}
		recurring.Start()
	}

	httpSrv := &http.Server{
		Addr:              cfg.HTTPPort,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Plain().WithField("addr", httpSrv.Addr).WithField("store", cfg.StoreDriver).Info("api HTTP server starting")
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Plain().WithError(err).Fatal("api HTTP server failed")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGTERM, syscall.SIGINT)
	<-stop

	logger.Plain().Info("Shutting down api service")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	_ = httpSrv.Shutdown(shutdownCtx)
	if recurring != nil {
		_ = recurring.Stop(shutdownCtx)
	}
	logger.Plain().Info("api service stopped")
}

// newValidator builds the token validator from a PEM key or, failing that,
// from the issuer's JWKS. It returns nil when authentication is disabled.
func newValidator(ctx context.Context, cfg config.Auth) (*auth.JWTValidator, error) {
	switch {
	case !cfg.Enabled:
		return nil, nil
	case cfg.PublicKeyPEM != "":
		return auth.NewJWTValidator(cfg.PublicKeyPEM, cfg.Issuer, cfg.Audience)
	case cfg.JWKSURL != "":
		ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		key, err := auth.FetchJWKS(ctx, nil, cfg.JWKSURL, cfg.KeyID)
		if err != nil {
			return nil, err
		}
		return auth.NewJWTValidatorFromKey(key, cfg.Issuer, cfg.Audience), nil
	default:
		return nil, errors.New("auth enabled but neither JWT_PUBLIC_KEY nor JWT_JWKS_URL is set")
	}
}

// buildHandler wires the HTTP API onto an assembled pipeline.
func buildHandler(ctx context.Context, a *app.App) (http.Handler, error) {
	validator, err := newValidator(ctx, a.Config.Auth)
	if err != nil {
		return nil, err
	}
	return httpapi.NewHandler(httpapi.Options{
		Router:           a.Router,
		Operations:       a.Dispatcher,
		Logs:             a.Logs,
		Configs:          a.Configs,
		Catalog:          a.Catalog,
		Auth:             validator,
		Health:           a.HealthHandler(),
		Metrics:          a.MetricsHandler(),
		TestCallsPerHour: a.Config.Security.TestCallsPerHour,
		RequestTimeout:   a.Dispatcher.Settings().Timeout * 2,
		Logger:           a.Logger,
	}), nil
}

func newRecurring(a *app.App) (*scheduler.Recurring, error) {
	s := a.Dispatcher.Settings()
	return scheduler.NewRecurring(a.Dispatcher, s.SweepInterval, s.RetentionSpec, s.SweepBudget(), a.Logger)
}
