package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"crossarb-trader/internal/config"
	"crossarb-trader/internal/metrics"
	"crossarb-trader/internal/monitor"
	"crossarb-trader/internal/strategy"
	"crossarb-trader/internal/trader"
	"crossarb-trader/internal/venue/binance"
	"crossarb-trader/internal/venue/gate"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the configuration file")
	flag.Parse()
	if env := os.Getenv("ARB_CONFIG"); env != "" && !flagPassed("config") {
		*configPath = env
	}

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMs
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}
	if level, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		zerolog.SetGlobalLevel(level)
	} else {
		log.Warn().Str("level", cfg.LogLevel).Msg("Unknown log level, keeping info")
	}

	log.Info().
		Str("quote", cfg.Quote).
		Float64("spread", cfg.Spread).
		Int("leverage", cfg.Leverage).
		Str("metrics", cfg.MetricsAddr).
		Msg("Starting cross-venue arbitrage trader")

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	master, err := binance.New(cfg.Quote, cfg.Master.ToSecret(), log.Logger)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create master venue")
	}
	slave := gate.New(cfg.Quote, cfg.Slave.ToSecret(), log.Logger)

	metricsServer := metrics.NewServer(cfg.MetricsAddr)
	go func() {
		if err := metricsServer.Start(); err != nil {
			log.Error().Err(err).Msg("Metrics server error")
		}
	}()

	t := trader.New(cfg, strategy.NewHedge(cfg, log.Logger), master, slave, log.Logger)

	var publisher *monitor.Publisher
	if cfg.RedisAddr != "" {
		publisher, err = monitor.NewPublisher(ctx, cfg.RedisAddr)
		if err != nil {
			log.Warn().Err(err).Msg("Redis unavailable, spread publishing disabled")
		} else {
			defer publisher.Close()
		}
	}
	market := monitor.NewMarket(cfg, master, slave, publisher, log.Logger)
	t.SetObserver(market.Observe)

	if err := t.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Error().Err(err).Msg("Trader stopped with error")
		shutdownMetrics(metricsServer)
		os.Exit(1)
	}

	log.Info().Msg("Shutting down...")
	shutdownMetrics(metricsServer)
}

func shutdownMetrics(s *metrics.Server) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Stop(ctx); err != nil {
		log.Error().Err(err).Msg("Error stopping metrics server")
	}
}

func flagPassed(name string) bool {
	passed := false
	flag.Visit(func(f *flag.Flag) {
		if f.Name == name {
			passed = true
		}
	})
	return passed
}
