package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"time"

	"github.com/nats-io/nats.go"

	"trader_go/internal/engine"
	"trader_go/internal/event"
	"trader_go/internal/execution"
	"trader_go/internal/infra"
	"trader_go/internal/infra/feed"
	"trader_go/internal/infra/publisher"
	"trader_go/internal/infra/storage"
	"trader_go/internal/infra/wsbroker"
	"trader_go/internal/ledger"
	"trader_go/internal/registry"
	"trader_go/internal/service"
	"trader_go/internal/session"
	"trader_go/internal/strategy"
)

const publisherBuffer = 4096

// Bootstrap orchestrates the application startup sequence
type Bootstrap struct {
	ConfigPath string

	Config    *infra.Config
	Metrics   *infra.Metrics
	Health    *infra.HealthChecker
	Store     *storage.Gateway
	Sequencer *engine.Sequencer
	Executor  *engine.OrderedExecutor
	Ledger    *ledger.Service
	Market    *service.MarketService
	Sessions  []*session.TxnSession
	Feed      *feed.Worker
	Publisher *publisher.Publisher

	registry *registry.Registry
	brokers  []*execution.PaperBroker
	runner   *strategy.Runner
	nc       *nats.Conn
	stopSeq  context.CancelFunc
}

// NewBootstrap creates a new Bootstrap instance
func NewBootstrap(configPath string) *Bootstrap {
	return &Bootstrap{
		ConfigPath: configPath,
		Metrics:    infra.GlobalMetrics,
		Health:     infra.NewHealthChecker(),
	}
}

// Initialize builds every component. Nothing runs until Start.
func (b *Bootstrap) Initialize(ctx context.Context) error {
	// 1. Load Config
	cfg, err := infra.LoadConfig(b.ConfigPath)
	if err != nil {
		return err // Let main handle the error
	}
	b.Config = cfg

	// 2. Setup Logger
	slog.SetDefault(infra.NewLogger(cfg))
	slog.Info("Bootstrapping trader", slog.String("version", cfg.App.Version))

	// 3. Storage
	store, err := storage.Open(cfg.Storage, storage.WithMetrics(b.Metrics))
	if err != nil {
		return err
	}
	b.Store = store
	slog.Info("Storage ready", slog.String("driver", cfg.Storage.Driver))

	// 4. Sequencer and ordered executor
	wait, err := engine.ParseWaitStrategy(cfg.Engine.WaitStrategy)
	if err != nil {
		return err
	}
	opts := engine.DefaultOptions()
	opts.RingSize = cfg.Engine.RingSize
	opts.WaitStrategy = wait
	opts.PublishTimeout = cfg.Engine.PublishTimeout()
	opts.ShutdownTimeout = cfg.Engine.ShutdownTimeout()
	opts.Metrics = b.Metrics
	if b.Sequencer, err = engine.NewSequencer(opts); err != nil {
		return err
	}
	b.Executor = engine.NewOrderedExecutor(cfg.Engine.Lanes, cfg.Engine.LaneQueueSize)

	// 5. Outbound notifications
	if cfg.NATS.Enabled {
		if err := b.connectPublisher(ctx); err != nil {
			return err
		}
	}

	// 6. Ledger
	b.Market = service.NewMarketService()
	ledgerOpts := []ledger.Option{
		ledger.WithRepository(store),
		ledger.WithPriceSource(b.Market),
		ledger.WithMetrics(b.Metrics),
	}
	if b.Publisher != nil {
		ledgerOpts = append(ledgerOpts, ledger.WithNotifier(b.Publisher))
	}
	b.Ledger = ledger.NewService(b.Executor, ledgerOpts...)
	if err := b.restoreAccounts(ctx); err != nil {
		return err
	}

	// 7. Broker adapters and sessions
	b.registry = registry.New()
	if err := b.registerProviders(); err != nil {
		return err
	}
	for _, sc := range cfg.Sessions {
		if err := b.buildSession(sc); err != nil {
			return fmt.Errorf("session %s: %w", sc.ID, err)
		}
	}

	// 8. Strategy
	if cfg.Strategy.Name != "" {
		strat, err := strategy.New(b.registry, cfg.Strategy.Name, cfg.Strategy.Props)
		if err != nil {
			return fmt.Errorf("strategy %s: %w", cfg.Strategy.Name, err)
		}
		b.runner = strategy.NewRunner(cfg.Strategy.Name, cfg.Strategy.AccountID, strat, b.Market, b.Ledger, b.Metrics)
	}

	// 9. Filters, in chain order
	if err := b.wireFilters(); err != nil {
		return err
	}

	// 10. Market data
	if cfg.Feed.URL != "" {
		b.Feed = feed.NewWorker(feed.Config{
			URL:         cfg.Feed.URL,
			Instruments: cfg.Feed.Instruments,
		}, b.Sequencer, b.Metrics)
		b.Health.AddProbe("feed", b.Feed.Connected)
	}
	return nil
}

func (b *Bootstrap) connectPublisher(ctx context.Context) error {
	nc, js, err := publisher.Connect(b.Config.NATS)
	if err != nil {
		return err
	}
	sctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := publisher.EnsureStream(sctx, js, b.Config.NATS.Stream); err != nil {
		nc.Close()
		return err
	}
	b.nc = nc
	b.Publisher = publisher.New(js, publisherBuffer, b.Metrics)
	b.Health.AddProbe("nats", nc.IsConnected)
	return nil
}

// restoreAccounts reloads stored accounts and seeds the rest from config.
func (b *Bootstrap) restoreAccounts(ctx context.Context) error {
	for _, ac := range b.Config.Accounts {
		ok, err := b.Ledger.Restore(ctx, ac.ID)
		if err != nil {
			return fmt.Errorf("restore account %s: %w", ac.ID, err)
		}
		if ok {
			continue
		}
		if _, err := b.Ledger.AddAccount(ac.ID, ac.InitialBalance); err != nil {
			return err
		}
		slog.Info("Account created", slog.String("account", ac.ID), slog.String("balance", ac.InitialBalance.String()))
	}
	return nil
}

func (b *Bootstrap) registerProviders() error {
	if err := execution.RegisterPaper(b.registry, func(pb *execution.PaperBroker) {
		b.brokers = append(b.brokers, pb)
	}); err != nil {
		return err
	}
	if err := wsbroker.Register(b.registry); err != nil {
		return err
	}
	return strategy.RegisterBuiltins(b.registry)
}

func (b *Bootstrap) buildSession(sc infra.SessionConfig) error {
	props := registry.Props{}
	maps.Copy(props, sc.Props)
	for k, v := range map[string]string{
		"url":        sc.URL,
		"access_key": sc.AccessKey,
		"secret_key": sc.SecretKey,
		"passphrase": sc.Passphrase,
	} {
		if v != "" {
			props[k] = v
		}
	}

	adapter, err := session.NewAdapter(b.registry, sc.Provider, props)
	if err != nil {
		return err
	}
	sess := session.New(session.Config{
		ID:          sc.ID,
		AccountID:   sc.AccountID,
		Instruments: sc.Instruments,
		Props:       props,
		Reconnect: session.ReconnectPolicy{
			MaxAttempts:    sc.Reconnect.MaxAttempts,
			Backoff:        sc.Reconnect.Backoff,
			ConnectTimeout: time.Duration(sc.Reconnect.ConnectTimeoutMS) * time.Millisecond,
			SyncTimeout:    time.Duration(sc.Reconnect.SyncTimeoutMS) * time.Millisecond,
		},
	}, adapter, b.Ledger, session.WithDispatcher(b.Sequencer), session.WithMetrics(b.Metrics))

	if err := b.Ledger.BindSession(sc.AccountID, sess); err != nil {
		return err
	}
	b.Sessions = append(b.Sessions, sess)
	b.Health.AddProbe("session/"+sc.ID, sess.Ready)
	return nil
}

// wireFilters attaches the main chain in its fixed order: market state,
// paper brokers, ledger, strategy. Ticks are also recorded on their own chain.
func (b *Bootstrap) wireFilters() error {
	seq := b.Sequencer
	if err := seq.AddFilter(engine.MainChain, b.Market, event.TypeMarketData); err != nil {
		return err
	}
	for _, pb := range b.brokers {
		if err := seq.AddFilter(engine.MainChain, pb, event.TypeMarketData); err != nil {
			return err
		}
	}
	if err := seq.AddFilter(engine.MainChain, b.Ledger, event.TypeAll); err != nil {
		return err
	}
	if b.runner != nil {
		if err := seq.AddFilter(engine.MainChain, b.runner, event.TypeMarketData); err != nil {
			return err
		}
	}
	return seq.AddFilter(engine.MarketDataPersistChain, service.NewTickRecorder(b.Store), event.TypeMarketData)
}

// Start runs every component built by Initialize. The sequencer outlives ctx;
// only Shutdown stops it, after the producers feeding it.
func (b *Bootstrap) Start(ctx context.Context) error {
	seqCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	if err := b.Sequencer.Start(seqCtx); err != nil {
		cancel()
		return err
	}
	b.stopSeq = cancel
	if b.Publisher != nil {
		b.Publisher.Start(ctx)
	}
	for _, s := range b.Sessions {
		s.Start(ctx)
	}
	if b.Feed != nil {
		if err := b.Feed.Connect(ctx); err != nil {
			return err
		}
	}
	b.Health.SetStarted(true)
	slog.Info("Trader fully operational",
		slog.Int("sessions", len(b.Sessions)),
		slog.Bool("feed", b.Feed != nil),
		slog.Bool("nats", b.Publisher != nil))
	return nil
}

// Shutdown stops producers first, then drains the sequencer, the lanes, the
// publisher and the store. The first error does not stop the rest.
func (b *Bootstrap) Shutdown(ctx context.Context) error {
	b.Health.SetStarted(false)
	var errs []error

	if b.Feed != nil {
		b.Feed.Disconnect()
	}
	for _, s := range b.Sessions {
		s.Stop()
	}
	if b.Sequencer != nil {
		if err := b.Sequencer.Stop(ctx); err != nil {
			b.Sequencer.DumpState(fmt.Sprintf("sequencer-dump-%d.json", time.Now().Unix()))
			errs = append(errs, fmt.Errorf("sequencer: %w", err))
		}
	}
	if b.stopSeq != nil {
		b.stopSeq()
	}
	if b.Executor != nil {
		if err := b.Executor.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("executor: %w", err))
		}
	}
	if b.Publisher != nil {
		b.Publisher.Stop(ctx)
	}
	if b.nc != nil {
		if err := b.nc.Drain(); err != nil {
			errs = append(errs, fmt.Errorf("nats: %w", err))
		}
	}
	if b.Store != nil {
		if err := b.Store.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("storage: %w", err))
		}
	}
	return errors.Join(errs...)
}
