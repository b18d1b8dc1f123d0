// Package app wires the engine, its collaborators and the services around it.
package app

import (
	"context"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"
	"github.com/vadiminshakov/cryptodca/config"
	"github.com/vadiminshakov/cryptodca/internal/events"
	"github.com/vadiminshakov/cryptodca/internal/metrics"
	"github.com/vadiminshakov/cryptodca/internal/services/engine"
	"github.com/vadiminshakov/cryptodca/internal/services/keeper"
	"github.com/vadiminshakov/cryptodca/internal/storage/state"
	"github.com/vadiminshakov/cryptodca/internal/web"
	"github.com/vadiminshakov/cryptodca/pkg/retrier"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"
)

// App is a fully wired service instance.
type App struct {
	cfg      config.Config
	l        *zap.Logger
	store    *state.WALStore
	engine   *engine.Engine
	provider settlementProvider
	events   *events.Broadcaster
	server   *web.Server
	keeper   *keeper.Keeper
	sinks    map[string]events.Sink
}

// NewLogger builds a production logger at level ("debug", "info", ...).
func NewLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(strings.ToLower(level))
	if err != nil {
		return nil, errors.Wrapf(err, "log level %q", level)
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	return cfg.Build()
}

// New opens storage, connects the settlement backend, bootstraps the registry on first
// start and reconciles intents left pending by a previous run.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &App{cfg: cfg, l: logger, sinks: make(map[string]events.Sink)}

	auth, err := web.NewAuthenticator(cfg.API.JWTSecret, cfg.API.TokenTTL)
	if err != nil {
		return nil, err
	}

	store, snap, err := state.Open(cfg.Storage.WALDir, state.WithLogger(logger.Named("wal")))
	if err != nil {
		return nil, errors.Wrap(err, "open state")
	}
	a.store = store

	a.provider, err = newSettlementProvider(ctx, cfg, logger)
	if err != nil {
		a.Close()
		return nil, err
	}

	recorder := metrics.New()
	a.events = events.NewBroadcaster(cfg.Events.Buffer)
	a.engine, err = engine.New(snap, store, a.provider.Transfer(), a.provider.Settler(), a.provider.Custody(),
		engine.WithLogger(logger.Named("engine")),
		engine.WithPublisher(a.events),
		engine.WithRecorder(recorder))
	if err != nil {
		a.Close()
		return nil, err
	}

	if err := a.bootstrap(ctx); err != nil {
		a.Close()
		return nil, err
	}
	if err := a.engine.Reconcile(ctx); err != nil {
		a.Close()
		return nil, errors.Wrap(err, "reconcile pending intents")
	}

	if err := a.connectSinks(ctx); err != nil {
		a.Close()
		return nil, err
	}

	a.server = &web.Server{
		Addr:    cfg.API.Listen,
		Engine:  a.engine,
		Auth:    auth,
		Events:  a.events,
		Metrics: recorder.Handler(),
		Logger:  logger.Named("api"),
	}

	if cfg.Keeper.Enabled {
		a.keeper = keeper.New(a.engine, a.provider.Quoter(), cfg.Keeper.Executor,
			keeper.WithSchedule(cfg.Keeper.Schedule),
			keeper.WithParallelism(cfg.Keeper.Parallelism),
			keeper.WithLogger(logger.Named("keeper")))
	}

	return a, nil
}

func (a *App) bootstrap(ctx context.Context) error {
	if a.engine.Initialized() {
		return nil
	}
	if a.cfg.Registry.Admin == (common.Address{}) {
		return errors.New("registry is not initialized and no registry.admin is configured")
	}
	if err := a.engine.Initialize(ctx, a.cfg.Registry); err != nil {
		return errors.Wrap(err, "initialize registry")
	}
	a.l.Info("registry initialized", zap.String("admin", a.cfg.Registry.Admin.Hex()))
	return nil
}

func (a *App) connectSinks(ctx context.Context) error {
	if addr := a.cfg.Events.RedisAddress; addr != "" {
		sink, err := events.NewRedisSink(ctx, events.RedisConfig{
			Address:  addr,
			Password: a.cfg.Events.RedisPassword,
			DB:       a.cfg.Events.RedisDB,
			Stream:   a.cfg.Events.RedisStream,
		})
		if err != nil {
			return errors.Wrap(err, "connect redis")
		}
		a.sinks["redis"] = sink
	}
	if url := a.cfg.Events.AMQPURL; url != "" {
		sink, err := events.NewAMQPSink(events.AMQPConfig{URL: url, Exchange: a.cfg.Events.AMQPExchange})
		if err != nil {
			return errors.Wrap(err, "connect amqp")
		}
		a.sinks["amqp"] = sink
	}
	return nil
}

// Engine returns the wired engine.
func (a *App) Engine() *engine.Engine {
	return a.engine
}

// Run serves the API and runs the keeper and event forwarders until ctx is done
// or one of them fails.
func (a *App) Run(ctx context.Context) error {
	defer a.Close()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return a.server.Start(ctx)
	})
	if a.keeper != nil {
		g.Go(func() error {
			return a.keeper.Run(ctx)
		})
	}
	for name, sink := range a.sinks {
		g.Go(func() error {
			r := retrier.New(
				retrier.WithMaxRetries(3),
				retrier.WithMaxInterval(2*time.Second),
				retrier.WithOnRetry(func(attempt int, err error, wait time.Duration) {
					a.l.Debug("retrying event delivery", zap.String("sink", name), zap.Int("attempt", attempt), zap.Error(err))
				}))
			return events.Forward(ctx, a.events, sink, name, r, a.l.Named("events"))
		})
	}

	a.l.Info("service started",
		zap.String("settlement", a.cfg.Settlement),
		zap.String("custody", a.provider.Custody().Hex()),
		zap.Bool("keeper", a.keeper != nil),
		zap.Int("sinks", len(a.sinks)))

	return g.Wait()
}

// Close checkpoints state and releases connections.
func (a *App) Close() {
	for name, sink := range a.sinks {
		if err := sink.Close(); err != nil {
			a.l.Warn("failed to close event sink", zap.String("sink", name), zap.Error(err))
		}
		delete(a.sinks, name)
	}
	if a.provider != nil {
		a.provider.Close()
		a.provider = nil
	}
	if a.store != nil {
		if err := a.store.Checkpoint(); err != nil {
			a.l.Warn("failed to checkpoint state", zap.Error(err))
		}
		if err := a.store.Close(); err != nil {
			a.l.Warn("failed to close state", zap.Error(err))
		}
		a.store = nil
	}
}
