package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"boll-trading-bot/config"
	"boll-trading-bot/internal/adapter"
	"boll-trading-bot/internal/api"
	"boll-trading-bot/internal/auth"
	"boll-trading-bot/internal/binance"
	"boll-trading-bot/internal/database"
	"boll-trading-bot/internal/engine"
	"boll-trading-bot/internal/errs"
	"boll-trading-bot/internal/events"
	"boll-trading-bot/internal/feed"
	"boll-trading-bot/internal/logging"
	"boll-trading-bot/internal/vault"
)

var version = "0.3.0"

// Exit codes: 0 clean shutdown, 2 configuration, 3 exchange bootstrap,
// 4 storage.
const (
	exitConfig  = 2
	exitVenue   = 3
	exitStorage = 4
)

const (
	vaultTimeout       = 10 * time.Second
	venueInitTimeout   = 30 * time.Second
	engineDrainTimeout = 3 * time.Second
	dashboardTimeout   = 5 * time.Second
)

func main() {
	os.Exit(run())
}

func run() int {
	godotenv.Load()

	configPath := flag.String("config", "config.json", "path to the config file")
	genConfig := flag.Bool("generate-config", false, "write a sample config file and exit")
	flag.Parse()

	if *genConfig {
		if err := config.GenerateSampleConfig(*configPath); err != nil {
			fmt.Fprintf(os.Stderr, "generate config: %v\n", err)
			return exitConfig
		}
		fmt.Printf("sample config written to %s\n", *configPath)
		return 0
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		return exitConfig
	}

	logger := logging.New(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
	})
	logger.Info().
		Str("version", version).
		Str("symbol", cfg.Trading.Symbol).
		Str("interval", cfg.Trading.Interval).
		Str("mode", string(cfg.Trading.Mode)).
		Msg("starting")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := database.New(database.Config{
		Path: cfg.Database.Path,
		URL:  cfg.Database.URL,
	}, logger)
	if err != nil {
		logger.Error().Err(err).Msg("open store")
		return exitStorage
	}
	defer db.Close()

	if err := db.RunMigrations(ctx); err != nil {
		logger.Error().Err(err).Msg("migrations")
		return exitStorage
	}
	repo := database.NewRepository(db)

	// Warn-and-above lines also land in the persisted log ring so the
	// dashboard shows operational problems.
	logger = logger.Hook(logging.NewSinkHook(ringSink{repo: repo}))

	if cfg.Vault.Enabled {
		vaultClient, err := vault.NewClient(cfg.Vault)
		if err != nil {
			logger.Error().Err(err).Msg("vault client")
			return exitConfig
		}
		fetchCtx, cancelFetch := context.WithTimeout(ctx, vaultTimeout)
		creds, err := vaultClient.FetchCredentials(fetchCtx)
		cancelFetch()
		if err != nil {
			logger.Error().Err(err).Msg("vault credentials")
			return exitConfig
		}
		cfg.Binance.APIKey = creds.APIKey
		cfg.Binance.APISecret = creds.APISecret
		logger.Info().Msg("exchange credentials loaded from vault")
	}

	bus := events.NewBus()
	client := binance.NewClient(cfg.Binance.APIKey, cfg.Binance.APISecret, cfg.Binance.Testnet, logger)

	live := cfg.Trading.Mode == config.ModeLive
	var adp adapter.Adapter
	if live {
		liveAdapter := adapter.NewLive(client, cfg.Trading.Symbol, cfg.Trading.FeeRate, logger)
		initCtx, cancelInit := context.WithTimeout(ctx, venueInitTimeout)
		err := liveAdapter.Init(initCtx, cfg.Trading.Leverage)
		cancelInit()
		if err != nil {
			logger.Error().Err(err).Msg("venue init")
			return exitVenue
		}
		adp = liveAdapter
	} else {
		sim := adapter.NewSim(adapter.SimConfig{
			Symbol:      cfg.Trading.Symbol,
			Balance:     cfg.Sim.Balance,
			LotStep:     cfg.Sim.LotStep,
			MinNotional: cfg.Sim.MinNotional,
			FeeRate:     cfg.Trading.FeeRate,
		}, logger)
		// The paper ledger resumes where the last run left it.
		if summary, err := repo.ProfitSummary(ctx); err != nil {
			logger.Warn().Err(err).Msg("profit summary unavailable, starting from configured balance")
		} else if summary.TotalTrades > 0 {
			sim.SeedBalance(cfg.Sim.Balance + summary.TotalNet)
		}
		adp = sim
	}

	stream := binance.NewKlineStream(cfg.Trading.Symbol, cfg.Trading.Interval, cfg.Binance.Testnet, logger)
	marketFeed := feed.New(feed.Config{
		Symbol:     cfg.Trading.Symbol,
		Interval:   cfg.Trading.Interval,
		IntervalMs: cfg.Trading.IntervalDuration().Milliseconds(),
		Period:     cfg.Trading.BollPeriod,
		Retries:    cfg.Feed.BootstrapRetries,
	}, client, stream, repo, bus, logger)

	if err := marketFeed.Bootstrap(ctx); err != nil {
		logger.Error().Err(err).Msg("bootstrap")
		return exitVenue
	}

	eng := engine.New(engine.Config{
		Symbol:       cfg.Trading.Symbol,
		Interval:     cfg.Trading.Interval,
		Period:       cfg.Trading.BollPeriod,
		Std:          cfg.Trading.BollStd,
		Leverage:     cfg.Trading.Leverage,
		TradePercent: cfg.Trading.TradePercent,
		Live:         live,
	}, adp, repo, bus, logger)

	if err := eng.Init(ctx); err != nil {
		logger.Error().Err(err).Msg("engine init")
		if errs.IsKind(err, errs.KindStorage) {
			return exitStorage
		}
		return exitVenue
	}

	authService, err := auth.NewService(cfg.Server.Password, cfg.Server.JWTSecret, 0)
	if err != nil {
		logger.Error().Err(err).Msg("auth init")
		return exitConfig
	}

	server := api.NewServer(api.Config{
		Host:           cfg.Server.Host,
		Port:           cfg.Server.Port,
		AllowedOrigins: cfg.Server.AllowedOrigins,
		Version:        version,
		Mode:           string(cfg.Trading.Mode),
		Symbol:         cfg.Trading.Symbol,
		Interval:       cfg.Trading.Interval,
	}, repo, eng, adp, marketFeed, bus, authService, logger)

	go server.Hub().Run(ctx)

	feedCtx, stopFeed := context.WithCancel(ctx)
	defer stopFeed()
	feedStopped := make(chan struct{})
	go func() {
		defer close(feedStopped)
		if err := marketFeed.Run(feedCtx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error().Err(err).Msg("feed stopped")
		}
		marketFeed.CloseBars()
	}()

	engineCtx, stopEngine := context.WithCancel(ctx)
	defer stopEngine()
	engineStopped := make(chan struct{})
	go func() {
		defer close(engineStopped)
		if err := eng.Run(engineCtx, marketFeed.Bars()); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error().Err(err).Msg("engine stopped")
		}
	}()

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- server.Start()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info().Str("signal", sig.String()).Msg("shutting down")
	case err := <-serverErr:
		logger.Error().Err(err).Msg("dashboard exited")
	case <-feedStopped:
		logger.Error().Msg("feed exited")
	case <-engineStopped:
		logger.Error().Msg("engine exited")
	}

	// Stop the producer first; the closed bar channel lets the engine
	// drain whatever is queued before it exits.
	stopFeed()
	select {
	case <-engineStopped:
	case <-time.After(engineDrainTimeout):
		logger.Warn().Msg("engine drain timed out")
		stopEngine()
		<-engineStopped
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), dashboardTimeout)
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("dashboard shutdown")
	}
	cancelShutdown()

	logger.Info().Msg("shutdown complete")
	return 0
}

// ringSink adapts the repository to the logging hook. Writes use a short
// detached context so a blocked store cannot stall the logger.
type ringSink struct {
	repo *database.Repository
}

func (s ringSink) AppendLog(level, message string) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.repo.AppendLog(ctx, level, message); err != nil {
		fmt.Fprintf(os.Stderr, "log ring append failed: %v\n", err)
	}
}
