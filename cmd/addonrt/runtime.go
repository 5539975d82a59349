package main

import (
	"context"
	"fmt"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/pitabwire/addonrt/internal/addons"
	"github.com/pitabwire/addonrt/internal/capability"
	"github.com/pitabwire/addonrt/internal/config"
	"github.com/pitabwire/addonrt/internal/dispatch"
	"github.com/pitabwire/addonrt/internal/integration"
	"github.com/pitabwire/addonrt/internal/invocation"
	"github.com/pitabwire/addonrt/internal/observability"
	"github.com/pitabwire/addonrt/internal/transport"
)

// runtime is the fully wired invocation stack.
type runtime struct {
	registry  *dispatch.Registry
	policy    *capability.StaticPolicyEvaluator
	resolver  *capability.Resolver
	directory *integration.Directory
	store     invocation.Store
	executor  *invocation.Executor
	service   *invocation.Service
	scheduler invocation.Scheduler

	closers []func()
}

// buildRuntime wires the runtime from cfg. metrics may be nil.
func buildRuntime(ctx context.Context, cfg *config.Config, logger *zap.Logger, metrics *observability.Metrics) (*runtime, error) {
	rt := &runtime{}

	registry, _, err := addons.NewRegistry()
	if err != nil {
		return nil, err
	}
	rt.registry = registry
	if err := checkImplementations(cfg, registry); err != nil {
		return nil, err
	}

	rt.policy, err = capability.NewStaticPolicyEvaluator(cfg.Capability.StaticPolicyFile)
	if err != nil {
		return nil, fmt.Errorf("static policy: %w", err)
	}
	resolverOpts := []capability.ResolverOption{capability.WithMaxEntries(cfg.Capability.Cache.MaxEntries)}
	if metrics != nil {
		resolverOpts = append(resolverOpts, capability.WithObserver(metrics))
	}
	rt.resolver = capability.NewResolver(rt.policy, cfg.Capability.Cache.TTL, resolverOpts...)

	rt.directory, err = integration.NewDirectory(cfg.Integrations, rt.resolver)
	if err != nil {
		return nil, err
	}

	rt.store, err = rt.buildStore(ctx, cfg.Store, logger)
	if err != nil {
		rt.close()
		return nil, err
	}

	factoryOpts := []transport.FactoryOption{
		transport.WithTimeout(cfg.Transport.Timeout),
		transport.WithFactoryLogger(logger),
	}
	if len(cfg.Transport.ExpiredStatuses) > 0 {
		factoryOpts = append(factoryOpts,
			transport.WithFactoryExpiredFunc(transport.StatusExpired(cfg.Transport.ExpiredStatuses...)))
	}
	if metrics != nil {
		factoryOpts = append(factoryOpts, transport.WithFactoryObserver(metrics))
	}
	cb := cfg.Transport.CircuitBreaker
	factory := transport.NewFactory(transport.BreakerConfig{
		FailureThreshold:   cb.FailureThreshold,
		SuccessThreshold:   cb.SuccessThreshold,
		Timeout:            cb.Timeout,
		ErrorRateThreshold: cb.ErrorRateThreshold,
		ErrorRateWindow:    cb.ErrorRateWindow,
	}, factoryOpts...)

	execOpts := []invocation.ExecutorOption{invocation.WithLogger(logger)}
	var gauge invocation.ScheduledGauge
	if metrics != nil {
		execOpts = append(execOpts, invocation.WithObserver(invocation.NewMetricsObserver(metrics)))
		gauge = metrics
		metrics.SetImplementationsRegistered(float64(len(registry.Names())))
		for _, iface := range registry.Interfaces() {
			metrics.SetOperationsDeclared(iface.Name(), float64(len(iface.Operations())))
		}
	}
	rt.executor = invocation.NewExecutor(registry, rt.directory, rt.store, factory, execOpts...)

	rt.scheduler = invocation.SyncScheduler{}
	if cfg.Scheduler.Mode == "async" {
		rt.scheduler = invocation.NewAsyncScheduler(cfg.Scheduler.Workers, gauge)
	}
	rt.service = invocation.NewService(rt.executor, registry, rt.store,
		invocation.WithScheduler(rt.scheduler),
		invocation.WithServiceLogger(logger),
	)

	logger.Info("runtime ready",
		zap.Strings("implementations", registry.Names()),
		zap.Int("integrations", len(rt.directory.IDs())),
		zap.String("store", cfg.Store.Driver),
		zap.String("scheduler", cfg.Scheduler.Mode),
	)
	return rt, nil
}

// checkImplementations fails when an integration names an implementation
// that is not registered.
func checkImplementations(cfg *config.Config, registry *dispatch.Registry) error {
	for _, in := range cfg.Integrations {
		if _, err := registry.Get(in.Implementation); err != nil {
			return fmt.Errorf("integration %q: %w", in.ID, err)
		}
	}
	return nil
}

func (rt *runtime) buildStore(ctx context.Context, cfg config.StoreConfig, logger *zap.Logger) (invocation.Store, error) {
	switch cfg.Driver {
	case "memory", "":
		logger.Info("using in-memory invocation store")
		return invocation.NewMemoryStore(), nil
	case "postgres":
		dsn := os.Getenv(cfg.DSNEnv)
		if dsn == "" {
			return nil, fmt.Errorf("invocation store: %s environment variable not set", cfg.DSNEnv)
		}
		poolCfg, err := pgxpool.ParseConfig(dsn)
		if err != nil {
			return nil, fmt.Errorf("invocation store: parse DSN: %w", err)
		}
		if cfg.MaxConns > 0 {
			poolCfg.MaxConns = cfg.MaxConns
		}
		poolCfg.MaxConnLifetime = cfg.ConnMaxLifetime

		pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
		if err != nil {
			return nil, fmt.Errorf("invocation store: connect: %w", err)
		}
		rt.closers = append(rt.closers, pool.Close)

		store := invocation.NewPgStore(pool)
		if err := store.Ping(ctx); err != nil {
			return nil, fmt.Errorf("invocation store: %w", err)
		}
		if err := store.Migrate(ctx); err != nil {
			return nil, fmt.Errorf("invocation store: migrate: %w", err)
		}
		return store, nil
	case "redis":
		addr := os.Getenv(cfg.AddrEnv)
		if addr == "" {
			return nil, fmt.Errorf("invocation store: %s environment variable not set", cfg.AddrEnv)
		}
		client := redis.NewClient(&redis.Options{Addr: addr, DB: cfg.DB})
		rt.closers = append(rt.closers, func() { _ = client.Close() })

		store := invocation.NewRedisStore(client, cfg.KeyPrefix, cfg.LockTTL, cfg.LockPoll)
		if err := store.Ping(ctx); err != nil {
			return nil, fmt.Errorf("invocation store: %w", err)
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unsupported invocation store driver: %q", cfg.Driver)
	}
}

// reloadPolicy re-reads the capability policy and drops every cached grant.
func (rt *runtime) reloadPolicy() error {
	before := rt.policy.Integrations()
	if err := rt.policy.Sync(); err != nil {
		return err
	}
	for _, id := range append(before, rt.policy.Integrations()...) {
		rt.resolver.Invalidate(id)
	}
	return nil
}

// close waits for scheduled invocations and releases store connections.
func (rt *runtime) close() {
	if async, ok := rt.scheduler.(*invocation.AsyncScheduler); ok {
		async.Wait()
	}
	for i := len(rt.closers) - 1; i >= 0; i-- {
		rt.closers[i]()
	}
}
