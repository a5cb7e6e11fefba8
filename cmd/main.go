package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/afero"
	flag "github.com/spf13/pflag"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"sierrachart-bridge/internal/dtc"
	"sierrachart-bridge/internal/marketdata"
	"sierrachart-bridge/internal/scfile"
	"sierrachart-bridge/internal/server"
	"sierrachart-bridge/internal/service"
	"sierrachart-bridge/internal/simulator"
	"sierrachart-bridge/internal/trading"
)

func main() {
	configPath := flag.String("config", "config", "directory containing config.yaml")
	logLevel := flag.String("log-level", "", "override Log.Level")
	dev := flag.Bool("dev", false, "development logging")
	flag.Parse()

	cfg, err := service.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if *logLevel != "" {
		cfg.Log.Level = *logLevel
	}
	if *dev {
		cfg.Log.Development = true
	}
	service.InitLogger(cfg.Log.Level, cfg.Log.Development)
	defer service.Logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		service.Logger.Error("Bridge stopped with error", zap.Error(err))
		os.Exit(1)
	}
	service.Logger.Info("Bridge stopped")
}

func run(ctx context.Context, cfg *service.Config) error {
	logger := service.Logger
	hub := server.NewHub(logger.With(zap.String("component", "hub")))

	client := dtc.NewClient(dtc.NewConfig(cfg.SierraChart), logger)
	client.AddHandlers(hub.ClientHandlers())

	consumer := scfile.NewConsumer(afero.NewOsFs(), cfg.Files.DataPath, cfg.Files.PollInterval, logger)
	consumer.AddHandlers(hub.FileHandlers())
	cme := scfile.NewCME(consumer)
	crypto := scfile.NewCrypto(consumer)
	if err := cme.Refresh(); err != nil {
		logger.Warn("CME catalog unavailable", zap.Error(err))
	}
	if err := crypto.Refresh(); err != nil {
		logger.Warn("Crypto catalog unavailable", zap.Error(err))
	}

	md, err := marketdata.NewManager(client, cfg.MarketData, logger)
	if err != nil {
		return err
	}
	for _, s := range cfg.MarketData.Subscriptions {
		if _, err := md.Subscribe(s.Symbol, s.Exchange, hub.MarketData, s.Interval); err != nil {
			logger.Warn("Subscription skipped", zap.String("symbol", s.Symbol), zap.Error(err))
		}
	}

	var transport trading.Transport = client
	paper := cfg.Trading.Simulator.Enabled
	if paper {
		sim := simulator.New(cfg.Trading.Simulator, logger)
		client.AddHandlers(dtc.Handlers{OnMarketData: sim.OnMarketData})
		transport = sim
		logger.Info("Orders route to the paper exchange", zap.String("account", cfg.Trading.Simulator.Account))
	}
	tm := trading.NewManager(transport, cfg.Trading, logger)
	tm.AddHandlers(hub.TradingHandlers())

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		hub.Run(gctx)
		return nil
	})

	g.Go(func() error {
		return runTrading(gctx, client, tm, paper, logger)
	})

	if len(cfg.Files.Monitor) > 0 {
		g.Go(func() error {
			if err := consumer.StartMonitoring(gctx, cfg.Files.Monitor); err != nil {
				logger.Warn("File monitoring not started", zap.Error(err))
				return nil
			}
			<-gctx.Done()
			consumer.StopMonitoring()
			return nil
		})
	}

	if cfg.Server.Enabled {
		srv := server.New(cfg.Server.Addr, server.Sources{
			Status:     client,
			Files:      consumer,
			CME:        cme,
			Crypto:     crypto,
			MarketData: md,
			Trading:    tm,
		}, hub, logger)
		g.Go(func() error { return srv.Run(gctx) })
	}

	return g.Wait()
}

type dtcConn interface {
	Connect(ctx context.Context) error
	Disconnect()
}

type accountLoader interface {
	Initialize(ctx context.Context) error
	Close()
}

// runTrading logs on to the DTC server and loads the trade account, then
// waits for ctx. A failed logon is logged and the other components keep
// running. With the paper exchange the account loads without a logon.
func runTrading(ctx context.Context, conn dtcConn, tm accountLoader, paper bool, logger *zap.Logger) error {
	defer tm.Close()
	defer conn.Disconnect()

	if paper {
		if err := tm.Initialize(ctx); err != nil {
			logger.Warn("Trading not initialized", zap.Error(err))
		}
	}
	if err := conn.Connect(ctx); err != nil {
		logger.Error("DTC server unavailable, serving files only", zap.Error(err))
	} else if !paper {
		if err := tm.Initialize(ctx); err != nil {
			logger.Warn("Trading not initialized", zap.Error(err))
		}
	}

	<-ctx.Done()
	return nil
}
