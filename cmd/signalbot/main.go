// Signalbot - Telegram signal to futures execution pipeline
//
// The bot ingests free-form trading messages from registered Telegram
// channels, extracts structured intents with an LLM, sizes orders against
// per-channel risk policy and places the entry / take-profit / stop-loss
// sequence on the futures venue. Open positions are reconciled with the
// venue until they close.
//
// Architecture: Ingestion → Queue → Feed → Executor → Venue → Reconciler
package main

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/web3guy0/signalbot/internal/config"
	"github.com/web3guy0/signalbot/internal/database"
	"github.com/web3guy0/signalbot/internal/events"
	"github.com/web3guy0/signalbot/internal/exchange"
	"github.com/web3guy0/signalbot/internal/executor"
	"github.com/web3guy0/signalbot/internal/feed"
	"github.com/web3guy0/signalbot/internal/ingest"
	"github.com/web3guy0/signalbot/internal/queue"
	"github.com/web3guy0/signalbot/internal/recognition"
	"github.com/web3guy0/signalbot/internal/reconciler"
	"github.com/web3guy0/signalbot/internal/registry"
)

const version = "1.2.0"

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	if err := godotenv.Load(); err != nil {
		log.Warn().Msg("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}
	if cfg.Debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	log.Info().Str("version", version).Msg("Signalbot starting...")
	if cfg.RiskManagementDisabled {
		log.Warn().Bool("risk_disabled", true).
			Msg("RISK MANAGEMENT DISABLED — sanity checks and dedup are bypassed for every signal")
	}

	db, err := database.New(cfg.DatabasePath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize database")
	}

	bus := events.NewBus()
	defer bus.Close()

	signer := exchange.NewSigner(cfg.ExchangeAPIKey, cfg.ExchangeSecretKey, cfg.RecvWindow)
	venue := exchange.NewClient(cfg.ExchangeBaseURL, signer, cfg.RecvWindow)

	marks := exchange.NewMarkPriceStream(cfg.ExchangeWSURL)
	marks.Start()
	defer marks.Stop()

	reg := registry.New(db, venue, bus)

	engine := recognition.NewEngine(cfg.LLMBaseURL, cfg.LLMAPIKey, cfg.LLMModel, cfg.LLMTimeout)

	q := queue.New(db, cfg.QueueCapacity)
	if n, err := q.Recover(); err != nil {
		log.Fatal().Err(err).Msg("Failed to recover message queue")
	} else if n > 0 {
		log.Warn().Int("count", n).Msg("Recovered unacknowledged envelopes from previous session")
	}

	exec := executor.New(db, venue, bus, executor.Config{
		MaxLeverage:            cfg.MaxLeverage,
		MaxPositionPercent:     cfg.MaxPositionPercent,
		DefaultRiskPercent:     cfg.DefaultRiskPercent,
		PriceDriftWarnPct:      cfg.PriceDriftWarnPct,
		RiskManagementDisabled: cfg.RiskManagementDisabled,
	})

	signalFeed := feed.New(db, q, engine, reg, exec, bus, feed.Config{
		Workers:                cfg.FeedWorkers,
		MinConfidence:          cfg.MinSignalConfidence,
		DedupWindow:            cfg.DedupWindow,
		DedupEpsilon:           cfg.DedupEpsilon,
		RiskManagementDisabled: cfg.RiskManagementDisabled,
	})

	recon := reconciler.New(db, venue, marks, bus, cfg.ReconcileInterval)

	ingestor, err := ingest.New(cfg.ChatBotToken, reg, q, bus)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect chat transport")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ingestCtx, stopIngest := context.WithCancel(ctx)
	defer stopIngest()
	ingestDone := make(chan struct{})

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer close(ingestDone)
		ingestor.Run(ingestCtx)
	}()
	go func() {
		defer wg.Done()
		signalFeed.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		recon.Run(ctx)
	}()

	log.Info().Msg("All services started")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down...")

	// Stop ingestion first so the queue stops growing, then wait for the
	// workers to drain. Executions past the entry boundary run their
	// compensation on a detached context, so cancelling here cannot abort
	// an in-flight close.
	stopIngest()
	<-ingestDone
	cancel()
	q.Close()
	wg.Wait()

	log.Info().Msg("Goodbye")
}
