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

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/Spot-Canvas/autotrader/internal/adapter"
	"github.com/Spot-Canvas/autotrader/internal/adapter/amm"
	"github.com/Spot-Canvas/autotrader/internal/adapter/paper"
	"github.com/Spot-Canvas/autotrader/internal/adapter/perp"
	"github.com/Spot-Canvas/autotrader/internal/api"
	"github.com/Spot-Canvas/autotrader/internal/archive"
	redisc "github.com/Spot-Canvas/autotrader/internal/cache/redis"
	"github.com/Spot-Canvas/autotrader/internal/config"
	"github.com/Spot-Canvas/autotrader/internal/domain"
	"github.com/Spot-Canvas/autotrader/internal/engine"
	"github.com/Spot-Canvas/autotrader/internal/indicators"
	"github.com/Spot-Canvas/autotrader/internal/ingest"
	"github.com/Spot-Canvas/autotrader/internal/notify"
	"github.com/Spot-Canvas/autotrader/internal/store"
	"github.com/Spot-Canvas/autotrader/internal/store/memory"
)

// stores is the persistence backend selected by STORE.
type stores interface {
	domain.PositionStore
	domain.SignalStore
}

func main() {
	// Configure zerolog
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	// Set log level
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	strategy, err := config.LoadStrategy(cfg.StrategyFile, cfg.Exchange)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load strategy")
	}

	log.Info().
		Str("port", cfg.HTTPPort).
		Str("environment", cfg.Environment).
		Str("exchange", cfg.Exchange).
		Str("store", cfg.Store).
		Strs("markets", strategy.Symbols()).
		Msg("starting autotrader service")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Signal handling
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	// Initialize persistence
	var (
		st     stores
		pinger api.Pinger
	)
	switch cfg.Store {
	case config.StorePostgres:
		repo, err := store.NewRepository(ctx, cfg.DatabaseURL)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to database")
		}
		defer repo.Close()

		if err := repo.Ping(ctx); err != nil {
			log.Fatal().Err(err).Msg("failed to ping database")
		}
		log.Info().Msg("connected to PostgreSQL")

		if err := store.RunMigrations(ctx, repo.Pool(), log.Logger); err != nil {
			log.Fatal().Err(err).Msg("failed to run migrations")
		}
		log.Info().Msg("migrations complete")
		st, pinger = repo, repo
	default:
		log.Warn().Msg("using in-memory store, state is lost on restart")
		st = memory.New()
	}

	cache := indicators.NewCache(strategy.IndicatorMaxAge.Duration)

	// Connect to NATS
	var nc *nats.Conn
	if cfg.NATSURLs != "" {
		nc, err = ingest.ConnectNATS(ctx, cfg.NATSURLs, cfg.NATSCredsFile, cfg.NATSCreds, log.Logger)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to NATS")
		}
		defer nc.Close()
	} else {
		log.Warn().Msg("NATS_URLS empty, indicator ingestion and signal fan-out disabled")
	}

	trader, closeTrader, err := newTrader(ctx, cfg, strategy, st, cache)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialise exchange adapter")
	}
	defer closeTrader()

	// Engine
	engineOpts := []engine.Option{}
	if cfg.RedisAddr != "" {
		rc, err := redisc.New(ctx, redisc.ClientConfig{
			Addr:       cfg.RedisAddr,
			Password:   cfg.RedisPassword,
			DB:         cfg.RedisDB,
			TLSEnabled: cfg.RedisTLS,
		})
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to Redis")
		}
		defer rc.Close()
		engineOpts = append(engineOpts, engine.WithLocker(redisc.NewLocker(rc, strategy.LockTTL.Duration)))
		log.Info().Str("addr", cfg.RedisAddr).Msg("using Redis market locks")
	}
	if nc != nil {
		engineOpts = append(engineOpts, engine.WithPublisher(notify.NewPublisher(nc, log.Logger)))
	}
	eng := engine.New(strategy.EngineConfig(), trader, cache, st, st, log.Logger, engineOpts...)

	// HTTP API
	apiOpts := []api.Option{api.WithHealthChecks(pinger, nc), api.WithSnapshotImport(cache)}
	if cfg.S3Bucket != "" {
		s3Client, err := archive.NewS3Client(ctx, archive.S3Config{
			Endpoint:       cfg.S3Endpoint,
			Region:         cfg.S3Region,
			Bucket:         cfg.S3Bucket,
			AccessKey:      cfg.S3AccessKey,
			SecretKey:      cfg.S3SecretKey,
			ForcePathStyle: cfg.S3ForcePathStyle,
		})
		if err != nil {
			log.Fatal().Err(err).Msg("failed to configure signal archive")
		}
		apiOpts = append(apiOpts, api.WithArchiver(archive.New(s3Client, cfg.S3Bucket, st, log.Logger)))
	}
	srv := api.NewServer(trader, eng, st, st, log.Logger, apiOpts...)
	httpServer := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	// Start NATS consumer
	if nc != nil {
		consumer := ingest.NewConsumer(nc, cache, strategy.Symbols(), log.Logger)
		g.Go(func() error {
			if err := consumer.Start(gctx); err != nil {
				return fmt.Errorf("NATS consumer: %w", err)
			}
			return nil
		})
	}

	g.Go(func() error {
		return eng.Run(gctx)
	})

	g.Go(func() error {
		log.Info().Str("port", cfg.HTTPPort).Msg("starting HTTP server")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server: %w", err)
		}
		return nil
	})

	// Wait for shutdown signal or a failed component
	select {
	case <-sigChan:
		log.Info().Msg("shutting down...")
	case <-gctx.Done():
		log.Error().Msg("component failed, shutting down...")
	}

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown error")
	}

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("service stopped with error")
	}

	log.Info().Msg("shutdown complete")
}

// newTrader builds the adapter selected by EXCHANGE. The returned func releases
// its connections.
func newTrader(ctx context.Context, cfg *config.Config, strategy config.Strategy,
	st domain.PositionStore, prices paper.PriceSource) (adapter.Trader, func(), error) {
	switch cfg.Exchange {
	case config.ExchangePerp:
		client := perp.NewBinanceClient(strategy.BinanceConfig(cfg.BinanceAPIKey, cfg.BinanceSecretKey, cfg.BinanceTestnet))
		log.Info().Bool("testnet", cfg.BinanceTestnet).Msg("using perpetual futures adapter")
		return perp.New(client, strategy.PerpConfig(), log.Logger), func() {}, nil

	case config.ExchangeAMM:
		reader, err := amm.DialReserveReader(ctx, cfg.EthRPCURL)
		if err != nil {
			return nil, nil, fmt.Errorf("dial ethereum rpc: %w", err)
		}
		log.Info().Int("pools", len(strategy.AMM.Pools)).Msg("using AMM adapter with dry-run swaps")
		return amm.New(strategy.AMMConfig(), reader, amm.DryRunExecutor{GasCost: strategy.AMM.GasEstimate}, st, log.Logger), reader.Close, nil

	default:
		log.Info().Float64("initial_balance", strategy.Paper.InitialBalance).Msg("using paper trading adapter")
		return paper.New(strategy.PaperConfig(), st, prices, log.Logger), func() {}, nil
	}
}
