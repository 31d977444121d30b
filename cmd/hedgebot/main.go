// Hedgebot - Cross-venue market-hedging engine for prediction markets
//
// For each configured event pair the bot rests a limit order on the primary
// venue and, on any fill, immediately places an offsetting market/IOC order
// on the secondary venue, keeping aggregate exposure near zero while
// capturing the inter-venue spread.
//
// Architecture: Pair Controller → Risk → Order Manager → Venue Adapter
//               Venue feeds → Reconciler → Hedger → Trade persistence
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/hedgebot/internal/config"
	"github.com/web3guy0/hedgebot/internal/engine"
	"github.com/web3guy0/hedgebot/internal/notify"
	"github.com/web3guy0/hedgebot/internal/server"
	"github.com/web3guy0/hedgebot/internal/storage"
	"github.com/web3guy0/hedgebot/internal/telemetry"
	"github.com/web3guy0/hedgebot/internal/venue"
)

const version = "1.2.0"

// Exit codes
const (
	exitOK         = 0
	exitConfig     = 2
	exitDatabase   = 3
	exitNoAccounts = 4
	exitNoPairs    = 5
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "config.yaml", "path to YAML config")
	flag.Parse()

	// Setup logging
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	// Load environment
	if err := godotenv.Load(); err != nil {
		log.Warn().Msg("No .env file found, using environment variables")
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Error().Err(err).Msg("❌ Invalid configuration")
		return exitConfig
	}
	if cfg.Debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	log.Info().
		Str("version", version).
		Bool("dry_run", cfg.DryRun).
		Msg("🚀 Hedgebot starting...")

	if len(cfg.Accounts) == 0 {
		log.Error().Msg("❌ No accounts loaded")
		return exitNoAccounts
	}
	if len(cfg.EnabledPairs()) == 0 {
		log.Error().Msg("❌ No enabled pairs")
		return exitNoPairs
	}

	db, err := storage.New(cfg.Database)
	if err != nil {
		log.Error().Err(err).Msg("❌ Database unreachable")
		return exitDatabase
	}
	defer db.Close()

	notifier, err := notify.New(cfg.Telegram)
	if err != nil {
		log.Error().Err(err).Msg("❌ Telegram setup failed")
		return exitConfig
	}

	metrics := telemetry.New(prometheus.NewRegistry())

	eng, err := engine.New(cfg, buildAdapters(cfg), db, notifier, metrics)
	if err != nil {
		log.Error().Err(err).Msg("❌ Engine wiring failed")
		return exitConfig
	}

	srv := server.New(cfg.ListenAddr, eng, eng.Simulator())
	srv.Start()

	// Graceful shutdown on SIGINT/SIGTERM
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := eng.Run(ctx); err != nil {
		log.Error().Err(err).Msg("❌ Engine stopped with error")
		return exitConfig
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	srv.Shutdown(shutdownCtx)

	log.Info().Msg("👋 Clean shutdown")
	return exitOK
}

// buildAdapters constructs one adapter per venue named in the account set.
// Concrete exchange clients implement venue.Adapter and plug in here; the
// synthetic adapter backs dry-run operation and local testing.
func buildAdapters(cfg *config.Config) map[string]venue.Adapter {
	adapters := make(map[string]venue.Adapter)
	for _, ac := range cfg.Accounts {
		if _, ok := adapters[ac.Venue]; ok {
			continue
		}
		caps := venue.Capabilities{
			ProvidesFillID:    true,
			SupportsWebsocket: cfg.UseWebsocket(ac.Venue),
			LotStep:           decimal.New(1, -2),
		}
		adapters[ac.Venue] = venue.NewSynthetic(ac.Venue, caps)
		log.Info().Str("venue", ac.Venue).Msg("🧪 Synthetic venue adapter registered")
	}
	return adapters
}
