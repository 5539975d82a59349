package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/pitabwire/addonrt/internal/config"
	"github.com/pitabwire/addonrt/internal/observability"
	"github.com/pitabwire/addonrt/internal/server"
)

func newServeCommand(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the runtime with its operational HTTP surface",
		Long: `serve wires the invocation runtime from the configuration file and exposes
health, readiness, metrics and the operation catalog over HTTP.

When the environment variable named by server.auth.secret_env is set, it
also serves the invocation API: POST /invocations records and runs a call
(EVENTUAL operations go to the configured scheduler) and
GET /invocations/{id} returns its current state. Both require an
HMAC-signed bearer token.

Sending SIGHUP reloads the capability policy file.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(root.configPath)
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg)
		},
	}
}

func serve(ctx context.Context, cfg *config.Config) error {
	logger, err := observability.NewLogger(cfg.Observability)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	tracingShutdown, err := observability.InitTracing(ctx, cfg.Observability.Tracing, "addonrt", version)
	if err != nil {
		return fmt.Errorf("tracing: %w", err)
	}

	var metrics *observability.Metrics
	if cfg.Observability.Metrics.Enabled {
		metrics = observability.InitMetrics(prometheus.DefaultRegisterer)
	}

	rt, err := buildRuntime(ctx, cfg, logger, metrics)
	if err != nil {
		return err
	}
	defer rt.close()

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      newRouter(cfg, rt, logger, metrics),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-hup:
				if err := rt.reloadPolicy(); err != nil {
					logger.Error("capability policy reload failed", zap.Error(err))
					continue
				}
				logger.Info("capability policy reloaded")
			}
		}
	}()

	logger.Info("server started",
		zap.Int("port", cfg.Server.Port),
		zap.String("version", version),
		zap.String("commit", commit),
	)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown initiated")
	case err := <-errCh:
		return fmt.Errorf("server: %w", err)
	}

	shutdownTimeout := cfg.Server.ShutdownTimeout
	if shutdownTimeout == 0 {
		shutdownTimeout = 30 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", zap.Error(err))
	}
	if err := tracingShutdown(shutdownCtx); err != nil {
		logger.Error("tracing shutdown error", zap.Error(err))
	}

	logger.Info("shutdown complete")
	return nil
}

// newRouter builds the HTTP surface over rt. The invocation API is enabled
// only when the caller token secret is configured.
func newRouter(cfg *config.Config, rt *runtime, logger *zap.Logger, metrics *observability.Metrics) http.Handler {
	secret := []byte(os.Getenv(cfg.Server.Auth.SecretEnv))
	if len(secret) == 0 {
		logger.Warn("invocation API disabled", zap.String("secret_env", cfg.Server.Auth.SecretEnv))
	}
	return server.NewRouter(server.Dependencies{
		Config:   cfg,
		Registry: rt.registry,
		Readiness: observability.ReadinessChecks{
			OperationsDeclared:        func() bool { return len(rt.registry.Interfaces()) > 0 },
			ImplementationsRegistered: func() bool { return len(rt.registry.Names()) > 0 },
			InvocationStore:           observability.HealthCheckFunc(rt.store.Ping),
			CapabilityPolicy:          rt.policy,
		},
		Metrics:     metrics,
		Logger:      logger,
		Invocations: rt.service,
		AuthSecret:  secret,
	})
}
