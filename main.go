package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"signal-engine/config"
	"signal-engine/internal/api"
	"signal-engine/internal/broker"
	"signal-engine/internal/cache"
	"signal-engine/internal/database"
	"signal-engine/internal/engine"
	"signal-engine/internal/events"
	"signal-engine/internal/lifecycle"
	"signal-engine/internal/logging"
	"signal-engine/internal/metrics"
	"signal-engine/internal/notification"
	"signal-engine/internal/profitbook"
	"signal-engine/internal/reentry"
	"signal-engine/internal/registry"
	"signal-engine/internal/safety"
	sig "signal-engine/internal/signal"
	"signal-engine/internal/trend"
	"signal-engine/internal/vault"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logger := logging.New(&cfg.LoggingConfig)
	logger.Info().Bool("shadow_mode", cfg.EngineConfig.ShadowMode).
		Bool("paper_mode", cfg.BrokerConfig.PaperMode).Msg("signal engine starting")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Broker credentials come from Vault when enabled, config otherwise.
	vaultClient, err := vault.NewClient(cfg.VaultConfig)
	if err != nil {
		return fmt.Errorf("failed to create vault client: %w", err)
	}
	creds, err := vaultClient.LoadCredentials(ctx, vault.Credentials{
		APIKey:    cfg.BrokerConfig.APIKey,
		SecretKey: cfg.BrokerConfig.SecretKey,
	})
	if err != nil {
		return fmt.Errorf("failed to load broker credentials: %w", err)
	}
	cfg.BrokerConfig.APIKey = creds.APIKey
	cfg.BrokerConfig.SecretKey = creds.SecretKey

	bus := events.NewBus()
	metrics.Bind(bus)

	notifier := notification.NewService(cfg.NotificationConfig, logging.Component(logger, "notification"))
	notifier.Bind(bus)

	// Persistence is optional; without it the engine runs memory-only.
	var repo *database.Repository
	var db *database.DB
	if cfg.DatabaseConfig.Enabled {
		db, err = database.NewDB(cfg.DatabaseConfig, logging.Component(logger, "database"))
		if err != nil {
			return fmt.Errorf("failed to connect to database: %w", err)
		}
		defer db.Close()

		if err := db.RunMigrations(ctx); err != nil {
			return fmt.Errorf("failed to run migrations: %w", err)
		}
		repo = database.NewRepository(db)
	}

	var redis *cache.Service
	var intentStore reentry.TTLStore
	if cfg.RedisConfig.Enabled {
		redis, err = cache.NewService(cfg.RedisConfig, logging.Component(logger, "cache"))
		if err != nil {
			return fmt.Errorf("failed to create cache service: %w", err)
		}
		defer redis.Close()
		intentStore = redis
	}

	governor := safety.NewGovernor(cfg.SafetyConfig, bus, logging.Component(logger, "safety"))
	if repo != nil {
		state, ok, err := repo.LoadSafetyState(ctx)
		if err != nil {
			return fmt.Errorf("failed to load safety state: %w", err)
		}
		if ok {
			governor.Restore(state)
		}
	}

	// Only the paper broker is implemented; Vault-loaded credentials are
	// held in config for the live adapter. Refuse to start pretending a
	// live session is running.
	if !cfg.BrokerConfig.PaperMode {
		return fmt.Errorf("live trading is not available, set BROKER_PAPER_MODE=true")
	}
	pb := broker.NewPaperBroker()
	lots := &broker.FixedRiskLotSizer{
		RiskUSD: cfg.OrderConfig.FixedRiskUSD,
		LotStep: cfg.OrderConfig.LotStep,
		MinLot:  cfg.OrderConfig.MinLot,
		MaxLot:  cfg.OrderConfig.MaxLot,
	}

	var orderStore lifecycle.Store
	var chainStore reentry.Store
	var profitStore profitbook.Store
	if repo != nil {
		orderStore = repo
		chainStore = repo
		profitStore = repo
	}

	orders := lifecycle.NewManager(cfg.OrderConfig, cfg.BrokerConfig.CallTimeout,
		pb, lots, governor, orderStore, bus, logging.Component(logger, "lifecycle"))

	intents := reentry.NewIntents(intentStore, cfg.ReentryConfig.ContinuationWindow,
		logging.Component(logger, "intents"))

	reg := registry.New()
	if err := reg.Register(registry.CombinedHandle()); err != nil {
		return fmt.Errorf("failed to register combined handle: %w", err)
	}
	if err := reg.Register(registry.PriceActionHandle()); err != nil {
		return fmt.Errorf("failed to register price action handle: %w", err)
	}

	reentryAllowed := func(f sig.Family) bool {
		h, err := reg.ForFamily(f)
		return err == nil && h.Capabilities.Reentry
	}
	profitAllowed := func(f sig.Family) bool {
		h, err := reg.ForFamily(f)
		return err == nil && h.Capabilities.ProfitBooking
	}

	chains := reentry.NewManager(cfg.ReentryConfig, orders, pb, intents, chainStore,
		bus, logging.Component(logger, "reentry"), reentryAllowed)
	profit := profitbook.NewManager(cfg.ProfitBookConfig, orders, orders, pb, profitStore,
		bus, logging.Component(logger, "profitbook"), profitAllowed)

	trendSvc := trend.NewPulseService(cfg.TrendConfig, logging.Component(logger, "trend"))
	gate := trend.NewGate(trendSvc, &cfg.TrendConfig, logging.Component(logger, "gate"))

	eng := engine.New(engine.Deps{
		Config:   cfg,
		Registry: reg,
		Gate:     gate,
		Trend:    trendSvc,
		Orders:   orders,
		Reentry:  chains,
		Profit:   profit,
		Broker:   pb,
		Bus:      bus,
		Logger:   logging.Component(logger, "engine"),
	})

	// Restart recovery: reload unsettled state, reconcile unknowns, then
	// re-arm the chain managers before any new signal is accepted.
	if repo != nil {
		if err := recoverState(ctx, repo, orders, chains, profit, logger); err != nil {
			return fmt.Errorf("restart recovery failed: %w", err)
		}
	}

	eng.Start(ctx)
	defer eng.Stop()

	// Quote stream marks the paper book to live prices and drives trailing
	// stops and profit booking.
	stream := broker.NewStream(cfg.BrokerConfig.StreamURL, cfg.BrokerConfig.ReconnectDelay,
		logging.Component(logger, "stream"))
	stream.Subscribe(func(q broker.Quote) {
		pb.SetPrice(q.Symbol, q.Mid())
		eng.HandleQuote(q)
	})
	if cfg.BrokerConfig.StreamURL != "" {
		go stream.Run(ctx)
	}

	// Fill polling settles SL/TP closes hit inside the paper book.
	go orders.Run(ctx, time.Second)

	// Periodic safety snapshot so caps survive a crash.
	if repo != nil {
		go persistSafetyState(ctx, repo, governor, logger)
	}

	server := api.NewServer(api.Deps{
		Config:   cfg.ServerConfig,
		Engine:   eng,
		Orders:   orders,
		Reentry:  chains,
		Profit:   profit,
		Governor: governor,
		Health:   healthChecks(db, redis, vaultClient),
		Logger:   logging.Component(logger, "api"),
	})

	go func() {
		if err := server.Start(); err != nil {
			logger.Error().Err(err).Msg("HTTP server failed")
			cancel()
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sigChan:
	case <-ctx.Done():
	}

	logger.Info().Msg("shutting down")

	shutdownTimeout := time.Duration(cfg.ServerConfig.ShutdownTimeout) * time.Second
	if shutdownTimeout <= 0 {
		shutdownTimeout = 30 * time.Second
	}
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("error shutting down HTTP server")
	}
	eng.Stop()

	if repo != nil {
		if err := repo.SaveSafetyState(shutdownCtx, governor.Snapshot()); err != nil {
			logger.Error().Err(err).Msg("failed to persist safety state on shutdown")
		}
	}

	logger.Info().Msg("shutdown complete")
	return nil
}

// recoverState reloads persisted orders and chains, reconciles any order
// whose placement outcome was never learned, and re-arms the managers.
func recoverState(ctx context.Context, repo *database.Repository,
	orders *lifecycle.Manager, chains *reentry.Manager, profit *profitbook.Manager,
	logger zerolog.Logger) error {

	unsettled, err := repo.LoadUnsettledOrders(ctx)
	if err != nil {
		return err
	}
	orders.Restore(unsettled)

	for _, id := range orders.Unreconciled() {
		if _, err := orders.Reconcile(ctx, id); err != nil {
			logger.Warn().Str("order_id", id).Err(err).Msg("reconciliation failed, order stays unknown")
		}
	}

	recovery, err := repo.LoadActiveChains(ctx)
	if err != nil {
		return err
	}
	chains.Restore(recovery)

	pyramids, err := repo.LoadActiveProfitChains(ctx)
	if err != nil {
		return err
	}
	profit.Restore(pyramids, orders.Open(""))

	logger.Info().Int("orders", len(unsettled)).Int("recovery_chains", len(recovery)).
		Int("profit_chains", len(pyramids)).Msg("state restored")
	return nil
}

func persistSafetyState(ctx context.Context, repo *database.Repository, g *safety.Governor, logger zerolog.Logger) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := repo.SaveSafetyState(ctx, g.Snapshot()); err != nil {
				logger.Warn().Err(err).Msg("failed to persist safety state")
			}
		}
	}
}

func healthChecks(db *database.DB, redis *cache.Service, v *vault.Client) []api.HealthChecker {
	var checks []api.HealthChecker
	if db != nil {
		checks = append(checks, api.HealthChecker{
			Name:  "database",
			Check: func(ctx context.Context) error { return db.Pool.Ping(ctx) },
		})
	}
	if redis != nil {
		checks = append(checks, api.HealthChecker{
			Name:  "redis",
			Check: redis.Ping,
		})
	}
	if v != nil && v.IsEnabled() {
		checks = append(checks, api.HealthChecker{
			Name:  "vault",
			Check: v.Health,
		})
	}
	return checks
}
