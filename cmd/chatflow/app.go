package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"github.com/songzhibin97/chatflow-engine/config"
	"github.com/songzhibin97/chatflow-engine/events"
	"github.com/songzhibin97/chatflow-engine/gateway"
	"github.com/songzhibin97/chatflow-engine/rules"
	"github.com/songzhibin97/chatflow-engine/storage"
	"github.com/songzhibin97/chatflow-engine/workflow"
	"github.com/songzhibin97/gkit/generator"
	_ "modernc.org/sqlite"
)

// backend is a store that serves both flows and sessions.
type backend interface {
	storage.FlowStore
	storage.FlowWriter
	storage.SessionStore
}

// app is the wired engine with everything it needs to shut down.
type app struct {
	engine   *workflow.Engine
	bus      *events.EventBus
	registry *prometheus.Registry
	logger   zerolog.Logger
	closers  []func() error
}

func newApp(ctx context.Context, cfg *config.Config, gw gateway.Gateway, log zerolog.Logger) (_ *app, err error) {
	a := &app{logger: log, registry: prometheus.NewRegistry()}
	defer func() {
		if err != nil {
			a.close(context.Background())
		}
	}()

	store, locker, err := a.openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	flows, err := a.flowSource(ctx, cfg, store)
	if err != nil {
		return nil, err
	}

	a.bus = events.NewEventBus(events.WithLogger(log))
	a.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics, err := workflow.NewMetricsCollector(a.registry)
	if err != nil {
		return nil, fmt.Errorf("failed to register metrics: %w", err)
	}
	metrics.Attach(a.bus)
	for _, typ := range events.Types {
		a.bus.SubscribeFunc(typ, func(_ context.Context, ev events.Event) error {
			log.Debug().Str("event", ev.Type).Str("user_id", ev.UserID).Str("flow_id", ev.FlowID).
				Str("node_id", ev.NodeID).Uint64("run_id", ev.RunID).Interface("data", ev.Data).Msg("engine event")
			return nil
		})
	}

	executor := workflow.NewExecutor(gw, rules.NewExprEvaluator(),
		workflow.WithExecutorLogger(log),
		workflow.WithDelayScheduling(cfg.DelayMode == config.DelaySchedule),
	)
	opts := []workflow.Option{
		workflow.WithLogger(log),
		workflow.WithEventBus(a.bus),
		workflow.WithBotID(cfg.BotID),
		workflow.WithMaxStepsFactor(cfg.MaxStepsFactor),
		workflow.WithRetry(cfg.SendRetries, cfg.SendRetryDelay),
	}
	if locker != nil {
		opts = append(opts, workflow.WithLocker(locker))
	}

	snowflake := generator.NewSnowflake(time.Now().Add(-1*time.Second), 1)
	a.engine, err = workflow.NewEngine(snowflake, flows, store, executor, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create engine: %w", err)
	}
	return a, nil
}

func (a *app) openStore(ctx context.Context, cfg *config.Config) (backend, storage.DistributedLocker, error) {
	switch cfg.Store {
	case config.StoreRedis:
		store, err := storage.NewRedisStorage(storage.RedisOptions{
			Addr:         cfg.RedisAddr,
			Password:     cfg.RedisPassword,
			DB:           cfg.RedisDB,
			PoolSize:     10,
			MinIdleConns: 2,
			IdleTimeout:  5 * time.Minute,
			SessionTTL:   cfg.RedisTTL,
		})
		if err != nil {
			return nil, nil, err
		}
		a.closers = append(a.closers, store.Client().Close)
		var locker storage.DistributedLocker
		if cfg.DistributedLock {
			locker = storage.NewRedisLocker(store.Client(), "chatflow:")
		}
		a.logger.Info().Str("addr", cfg.RedisAddr).Bool("distributed_lock", cfg.DistributedLock).Msg("using redis store")
		return store, locker, nil

	case config.StoreSQLite:
		db, err := sql.Open("sqlite", cfg.SQLiteDSN)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open sqlite database: %w", err)
		}
		a.closers = append(a.closers, db.Close)
		store, err := storage.NewSQLStorage(ctx, db)
		if err != nil {
			return nil, nil, err
		}
		a.logger.Info().Str("dsn", cfg.SQLiteDSN).Msg("using sqlite store")
		return store, nil, nil

	default:
		a.logger.Info().Msg("using in-memory store")
		return storage.NewMemoryStorage(), nil, nil
	}
}

// flowSource picks where flows are read from. With the store source, flow
// documents found in the flow directory are seeded into the store first.
func (a *app) flowSource(ctx context.Context, cfg *config.Config, store backend) (storage.FlowStore, error) {
	switch cfg.FlowSource {
	case config.FlowSourceFile:
		a.logger.Info().Str("dir", cfg.FlowDir).Msg("reading flows from files")
		return storage.NewFileFlowStore(cfg.FlowDir), nil
	case config.FlowSourceHTTP:
		a.logger.Info().Str("url", cfg.FlowAPIURL).Msg("reading flows from the flow API")
		return storage.NewHTTPFlowStore(cfg.FlowAPIURL, cfg.BotID, nil), nil
	}

	if _, err := os.Stat(cfg.FlowDir); errors.Is(err, fs.ErrNotExist) {
		return store, nil
	}
	n, err := seedFlows(ctx, store, storage.NewFileFlowStore(cfg.FlowDir), a.logger)
	if err != nil {
		return nil, err
	}
	a.logger.Info().Str("dir", cfg.FlowDir).Int("flows", n).Msg("seeded flows")
	return store, nil
}

// seedFlows copies every valid flow document into the store. Invalid flows
// are skipped with a warning.
func seedFlows(ctx context.Context, dst storage.FlowWriter, src *storage.FileFlowStore, log zerolog.Logger) (int, error) {
	flows, err := src.Flows(ctx)
	if err != nil {
		return 0, err
	}
	saved := 0
	for _, f := range flows {
		if err := f.Validate(); err != nil {
			log.Warn().Err(err).Str("flow_id", f.ID).Msg("skipping invalid flow")
			continue
		}
		if err := dst.SaveFlow(ctx, f); err != nil {
			return saved, err
		}
		saved++
	}
	return saved, nil
}

func (a *app) close(ctx context.Context) {
	if a.engine != nil {
		if err := a.engine.Stop(ctx); err != nil {
			a.logger.Warn().Err(err).Msg("engine stop")
		}
	}
	if a.bus != nil {
		a.bus.Stop()
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Warn().Err(err).Msg("close")
		}
	}
	a.closers = nil
}
