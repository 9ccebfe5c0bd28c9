// Command fundarb runs the cross-venue funding-rate arbitrage engine.
// It holds delta-neutral positions across perpetual futures venues and
// collects the funding spread between them.
//
// Usage:
//
//	fundarb --config config.yaml
//	fundarb --setup            (interactive wizard, writes config.gen.yaml)
//
// Required environment variables (per enabled venue):
//
//	For Binance: BINANCE_API_KEY, BINANCE_API_SECRET
//	For Bybit: BYBIT_API_KEY, BYBIT_API_SECRET
//	For Hyperliquid: HYPERLIQUID_PRIVATE_KEY, optionally HYPERLIQUID_WALLET_ADDR
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/shopspring/decimal"
	"github.com/vadiminshakov/fundarb/config"
	"github.com/vadiminshakov/fundarb/internal/clients"
	"github.com/vadiminshakov/fundarb/internal/domain"
	"github.com/vadiminshakov/fundarb/internal/engine"
	"github.com/vadiminshakov/fundarb/internal/services/availability"
	"github.com/vadiminshakov/fundarb/internal/services/lifecycle"
	"github.com/vadiminshakov/fundarb/internal/services/rates"
	"github.com/vadiminshakov/fundarb/internal/services/scanner"
	"github.com/vadiminshakov/fundarb/internal/services/spreadstats"
	"github.com/vadiminshakov/fundarb/internal/setup"
	"github.com/vadiminshakov/fundarb/internal/storage/journal"
	"github.com/vadiminshakov/fundarb/internal/venue"
	"github.com/vadiminshakov/fundarb/internal/web"
	"github.com/vadiminshakov/fundarb/pkg/retrier"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	hyperliquidAPIURL = "https://api.hyperliquid.xyz"
	spreadEmaPeriod   = 8
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to yaml config")
	runSetup := flag.Bool("setup", false, "run the interactive config wizard")
	flag.Parse()

	path := *configPath
	if *runSetup {
		if err := setup.RunTUI(); err != nil {
			log.Fatal(err)
		}
		path = setup.GeneratedConfigPath
	}

	cfg, err := config.Load(path)
	if err != nil {
		log.Fatal(err)
	}

	logger, _ := zap.NewProduction()
	defer logger.Sync()

	gateways, err := buildGateways(cfg, logger)
	if err != nil {
		logger.Fatal("failed to build venue gateways", zap.Error(err))
	}

	journalStore, err := journal.NewStore(cfg.JournalDir)
	if err != nil {
		logger.Fatal("failed to open position journal", zap.Error(err))
	}
	defer journalStore.Close()

	reportUnresolvedFailures(journalStore, logger)

	normalizer := rates.NewNormalizer()

	gatewayList := make([]venue.Gateway, 0, len(gateways))
	for _, gw := range gateways {
		gatewayList = append(gatewayList, gw)
	}
	index := availability.NewIndex(gatewayList, cfg.Symbols, logger)

	sc, err := scanner.NewScanner(gateways, index, normalizer, scanner.Config{
		MinProfitabilityPerHour: cfg.MinProfitabilityPerHour,
		MinDailyVolume:          cfg.MinDailyVolume,
		PositionNotional:        cfg.PositionNotional,
		TakerFeeRate:            cfg.TakerFeeRate,
		Concurrency:             cfg.ScanConcurrency,
	}, logger)
	if err != nil {
		logger.Fatal("failed to build scanner", zap.Error(err))
	}

	closer := retrier.New(retrier.WithMaxRetries(3))
	manager, err := lifecycle.NewManager(gateways, normalizer, journalStore, closer, lifecycle.Config{
		MinSpreadFloorPerHour:   cfg.MinSpreadFloorPerHour,
		CompressionExitFraction: cfg.CompressionExitFraction,
		MaxHoldingDuration:      cfg.MaxHoldingDuration,
		MaxLossFraction:         cfg.MaxLossFraction,
		PositionNotional:        cfg.PositionNotional,
		Leverage:                cfg.Leverage,
	}, logger)
	if err != nil {
		logger.Fatal("failed to build lifecycle manager", zap.Error(err))
	}

	spreads := spreadstats.NewTracker(spreadEmaPeriod)

	eng, err := engine.New(gateways, index, sc, manager, spreads, engine.Config{
		TickInterval:                cfg.TickInterval,
		AvailabilityRebuildInterval: cfg.AvailabilityRebuildInterval,
		PositionNotional:            cfg.PositionNotional,
		Leverage:                    cfg.Leverage,
		BalanceSafetyBuffer:         cfg.BalanceSafetyBuffer,
		QuoteAsset:                  cfg.QuoteAsset,
		CloseOnShutdown:             cfg.CloseOnShutdown,
	}, logger)
	if err != nil {
		logger.Fatal("failed to build engine", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return eng.Run(gctx)
	})
	g.Go(func() error {
		server := web.NewServer(cfg.WebAddr, manager, eng, journalStore, spreads)
		logger.Info("starting web dashboard", zap.String("addr", cfg.WebAddr))
		return server.Start(gctx)
	})

	if err := g.Wait(); err != nil && !isShutdown(err) {
		logger.Fatal("engine stopped", zap.Error(err))
	}
	logger.Info("stopped")
}

func isShutdown(err error) bool {
	return err == nil || err == context.Canceled
}

// buildGateways wires one Gateway per enabled venue, or paper venues for
// every configured venue in dry-run mode.
func buildGateways(cfg config.Config, logger *zap.Logger) (map[domain.VenueID]venue.Gateway, error) {
	gateways := make(map[domain.VenueID]venue.Gateway)

	if cfg.DryRun {
		logger.Info("dry run: all venues are paper")
		for id, vcfg := range cfg.Venues {
			paper := venue.NewPaperVenue(id, vcfg.FundingInterval, cfg.TakerFeeRate, logger)
			paper.SetBalance(cfg.QuoteAsset, cfg.Paper.Balance)
			gateways[id] = paper
		}
		for _, seed := range cfg.Paper.Seeds {
			paper, ok := gateways[seed.Venue].(*venue.PaperVenue)
			if !ok {
				continue
			}
			paper.SetFunding(seed.Symbol, seed.FundingRate)
			paper.SetPrice(seed.Symbol, seed.Price)
			if seed.Volume.GreaterThan(decimal.Zero) {
				paper.SetVolume(seed.Symbol, seed.Volume)
			}
		}
		return gateways, nil
	}

	for id, vcfg := range cfg.Venues {
		if !vcfg.Enabled {
			continue
		}
		switch id {
		case domain.VenueBinance:
			apiKey := os.Getenv("BINANCE_API_KEY")
			apiSecret := os.Getenv("BINANCE_API_SECRET")
			if apiKey == "" || apiSecret == "" {
				logger.Fatal("BINANCE_API_KEY and BINANCE_API_SECRET environment variables must be set")
			}
			gw, err := venue.NewBinanceGateway(clients.NewBinanceFuturesClient(apiKey, apiSecret), cfg.QuoteAsset, vcfg.FundingInterval)
			if err != nil {
				return nil, err
			}
			gateways[id] = gw

		case domain.VenueBybit:
			apiKey := os.Getenv("BYBIT_API_KEY")
			apiSecret := os.Getenv("BYBIT_API_SECRET")
			if apiKey == "" || apiSecret == "" {
				logger.Fatal("BYBIT_API_KEY and BYBIT_API_SECRET environment variables must be set")
			}
			gw, err := venue.NewBybitGateway(clients.NewBybitClient(apiKey, apiSecret), cfg.QuoteAsset, vcfg.FundingInterval)
			if err != nil {
				return nil, err
			}
			gateways[id] = gw

		case domain.VenueHyperliquid:
			privateKey := os.Getenv("HYPERLIQUID_PRIVATE_KEY")
			if privateKey == "" {
				logger.Fatal("HYPERLIQUID_PRIVATE_KEY environment variable must be set")
			}
			client, err := clients.NewHyperliquidClient(privateKey, os.Getenv("HYPERLIQUID_WALLET_ADDR"), hyperliquidAPIURL)
			if err != nil {
				return nil, err
			}
			gw, err := venue.NewHyperliquidGateway(client.Exchange(), client.AccountAddress(), vcfg.FundingInterval)
			if err != nil {
				return nil, err
			}
			gateways[id] = gw
		}
	}

	return gateways, nil
}

// reportUnresolvedFailures surfaces FAILED positions from previous runs so
// an operator knows legs may still be deployed on the venues.
func reportUnresolvedFailures(store *journal.Store, logger *zap.Logger) {
	failures, err := store.UnresolvedFailures()
	if err != nil {
		logger.Warn("could not replay position journal", zap.Error(err))
		return
	}
	for _, event := range failures {
		logger.Warn("previous run left a failed position, check venue balances",
			zap.String("symbol", event.Position.Symbol.String()),
			zap.String("long_venue", event.Position.LongVenue.String()),
			zap.String("short_venue", event.Position.ShortVenue.String()),
			zap.String("note", event.Note))
	}
}
