package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"binance-spot-bot-go/internal/config"
	"binance-spot-bot-go/internal/exchange"
	"binance-spot-bot-go/internal/indicator"
	"binance-spot-bot-go/internal/logger"
	"binance-spot-bot-go/internal/models"
	"binance-spot-bot-go/internal/persistence"
	"binance-spot-bot-go/internal/reporter"
	"binance-spot-bot-go/internal/scheduler"
	"binance-spot-bot-go/internal/trader"

	"github.com/joho/godotenv"
)

func main() {
	configPath := flag.String("config", "config.json", "path to the config file")
	statsMode := flag.Bool("stats", false, "print trade statistics and exit")
	flag.Parse()

	// A default logger covers everything that runs before the config loads.
	logger.InitLogger(models.LogConfig{Level: "info", Output: "console"})

	if err := godotenv.Load(); err != nil {
		logger.S().Info("no .env file found, reading keys from the environment")
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		logger.S().Fatalf("loading config failed: %v", err)
	}

	logger.InitLogger(cfg.LogConfig)
	defer logger.S().Sync()

	apiKey := os.Getenv("BINANCE_API_KEY")
	secretKey := os.Getenv("BINANCE_SECRET_KEY")
	if apiKey == "" || secretKey == "" {
		logger.S().Fatal("BINANCE_API_KEY and BINANCE_SECRET_KEY must be set")
	}

	gateway, err := exchange.NewBinanceGateway(apiKey, secretKey, cfg.IsTestnet, logger.S())
	if err != nil {
		logger.S().Fatalf("connecting to binance failed: %v", err)
	}

	repo, err := persistence.NewBadgerRepository(cfg.DBPath)
	if err != nil {
		logger.S().Fatalf("opening database at %s failed: %v", cfg.DBPath, err)
	}
	defer repo.Close()

	rep := reporter.New(cfg, gateway, repo, logger.S())

	if *statsMode {
		if err := rep.PrintStats(); err != nil {
			logger.S().Fatalf("printing statistics failed: %v", err)
		}
		return
	}

	runLive(cfg, gateway, repo, rep)
}

func runLive(cfg *models.Config, gateway *exchange.BinanceGateway, repo persistence.Repository, rep *reporter.Reporter) {
	stream := exchange.NewPriceStream(cfg.Symbols, cfg.IsTestnet, logger.S())
	stream.Start()
	defer stream.Stop()
	rep.UsePriceStream(stream)

	if err := rep.PrintWallet(); err != nil {
		logger.S().Warnf("wallet report failed: %v", err)
	}

	evaluator := indicator.NewEvaluator(cfg.RSIPeriod, cfg.BBPeriod, cfg.BBStdDev)
	tr := trader.New(cfg, gateway, repo, evaluator, trader.RealClock(), logger.S())
	sched := scheduler.New(cfg, tr, repo, logger.S())
	sched.SetRecap(func() {
		if err := rep.PrintPositions(); err != nil {
			logger.S().Warnf("position recap failed: %v", err)
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		errCh <- sched.Run(ctx)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.S().Infof("received %s, shutting down", sig)
		cancel()
		<-errCh
	case err := <-errCh:
		if err != nil {
			logger.S().Errorf("scheduler stopped with error: %v", err)
		}
	}

	if err := rep.PrintStats(); err != nil {
		logger.S().Warnf("final statistics failed: %v", err)
	}
	logger.S().Info("shutdown complete")
}
