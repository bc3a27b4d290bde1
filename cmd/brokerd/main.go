package main

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/uhyunpark/stockmatch/params"
	"github.com/uhyunpark/stockmatch/pkg/account"
	"github.com/uhyunpark/stockmatch/pkg/api"
	"github.com/uhyunpark/stockmatch/pkg/broker"
	"github.com/uhyunpark/stockmatch/pkg/housekeeping"
	"github.com/uhyunpark/stockmatch/pkg/intake"
	"github.com/uhyunpark/stockmatch/pkg/market"
	"github.com/uhyunpark/stockmatch/pkg/matching"
	"github.com/uhyunpark/stockmatch/pkg/metrics"
	"github.com/uhyunpark/stockmatch/pkg/settlement"
	"github.com/uhyunpark/stockmatch/pkg/util"
)

func main() {
	// Load config from .env file and environment variables
	cfg := params.LoadFromEnv("")

	logger, err := util.NewLoggerWithFile(util.LogOptions{
		Path:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: 5,
		MaxAgeDays: 30,
		Verbose:    cfg.Log.Verbose,
	})
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()
	sugar := logger.Sugar()
	sugar.Infow("logger_initialized", "log_file", cfg.Log.File, "verbose", cfg.Log.Verbose)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, sugar); err != nil {
		sugar.Errorw("brokerd_exited", "err", err)
		logger.Sync()
		os.Exit(1)
	}
	sugar.Info("brokerd_stopped")
}

func run(ctx context.Context, cfg params.Config, sugar *zap.SugaredLogger) error {
	clock := util.RealClock{}

	// ---- Storage ----
	st, err := openStores(ctx, cfg.Store, clock, sugar)
	if err != nil {
		return err
	}
	defer st.close()
	sugar.Infow("store_opened", "driver", cfg.Store.Driver)

	// ---- Broker ----
	bus, err := openBroker(ctx, cfg.Broker, sugar)
	if err != nil {
		return err
	}
	defer bus.Close()
	sugar.Infow("broker_opened", "driver", cfg.Broker.Driver)

	// ---- Market data ----
	registry, err := market.ParseSeed(cfg.Market.Symbols)
	if err != nil {
		return err
	}
	cached := market.NewCached(registry, 1024, cfg.Market.CacheTTL)
	registry.OnUpdate(cached.Invalidate)

	m := metrics.New()

	// ---- Services ----
	intakeSvc := intake.NewService(cached, st.accounts, st.orders, bus, m, sugar)
	creator := intake.NewCreator(st.orders, m, sugar)

	engine := matching.NewEngine(matching.Config{
		Orders:    st.orders,
		Publisher: bus,
		Prices:    registry,
		Clock:     clock,
		Metrics:   m,
		Logger:    sugar,
	})
	scheduler := matching.NewScheduler(engine, cfg.Engine.MatchInterval, clock, sugar)

	var ledger settlement.AppliedLedger
	if cfg.Engine.SettlementDedup {
		ledger = st.ledger
	}
	processor := settlement.NewProcessor(st.accounts, ledger, m, sugar)

	cleaner := housekeeping.NewService(st.orders, clock, cfg.Engine.RetentionDays, cfg.Engine.CleanupInterval, m, sugar)

	server := api.NewServer(api.Deps{
		Orders:   st.orders,
		Intake:   intakeSvc,
		Matcher:  engine,
		Cleaner:  cleaner,
		Accounts: account.NewManager(st.accounts, cached, cfg.Accounts.StartingBalance, sugar),
		Markets:  registry,
		Metrics:  m,
		Logger:   sugar,
	}, api.Options{
		CORSOrigins:     cfg.API.CORSOrigins,
		RateLimitPerMin: cfg.API.RateLimitPerMin,
	})
	engine.OnTrade(server.PublishTrade)

	sugar.Infow("brokerd_starting",
		"api_addr", cfg.API.Addr,
		"symbols", len(registry.List()),
		"match_interval", cfg.Engine.MatchInterval.String(),
		"cleanup_interval", cfg.Engine.CleanupInterval.String(),
		"retention_days", cfg.Engine.RetentionDays,
		"settlement_dedup", cfg.Engine.SettlementDedup)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return server.Run(gctx, cfg.API.Addr) })
	g.Go(func() error { return bus.Subscribe(gctx, broker.TopicOrders, creator.Handle) })
	g.Go(func() error { return bus.Subscribe(gctx, broker.TopicTrades, processor.Handle) })
	g.Go(func() error { return scheduler.Run(gctx) })
	g.Go(func() error { return cleaner.Run(gctx) })

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
