package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"arbflow/book"
	"arbflow/config"
	"arbflow/detector"
	"arbflow/dispatcher"
	"arbflow/engine"
	"arbflow/feed"
	binancefeed "arbflow/feed/binance"
	coinbasefeed "arbflow/feed/coinbase"
	okxfeed "arbflow/feed/okx"
	"arbflow/internal/channel"
	"arbflow/logger"
	"arbflow/processor"
	"arbflow/sim"
	"arbflow/writer"
)

func main() {
	log := logger.GetLogger()

	// Load environment variables from .env if present
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("Error loading .env file")
	}

	configPath := flag.String("config", "config/config.yml", "Path to configuration file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.WithError(err).Error("Failed to load configuration")
		os.Exit(1)
	}

	if err := log.Configure(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output, cfg.Logging.MaxAge); err != nil {
		log.WithError(err).Error("Failed to configure logger")
		os.Exit(1)
	}

	log.WithFields(logger.Fields{
		"service":     cfg.Arbflow.Name,
		"version":     cfg.Arbflow.Version,
		"environment": config.AppEnvironment(),
	}).Info("starting arbflow")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.Logging.Metrics {
		logger.InitCloudWatch(cfg.Logging.Region, "Arbflow")
	}
	if cfg.Logging.Metrics || strings.ToLower(cfg.Logging.Level) == "report" {
		logger.StartReport(ctx, log, 30*time.Second)
	}

	channels := channel.NewChannels(
		cfg.Channels.RawBuffer,
		cfg.Channels.OpportunityBuffer,
		cfg.Channels.TradeBuffer,
	)

	go channels.StartMetricsReporting(ctx)

	store := book.NewStore(cfg.Book.Depth)
	det := detector.New(cfg.Detector, store)
	disp := dispatcher.New(cfg.Channels.DispatchDepth)

	onDown := func(venue string) {
		log.WithComponent("main").WithFields(logger.Fields{"venue": venue}).Error("venue marked down, invalidating its books")
		store.InvalidateVenue(venue)
	}

	adapters := make([]feed.Adapter, 0, 3)
	for venue, vc := range cfg.Venues() {
		opts := feed.Options{
			Venue:    venue,
			Config:   vc,
			Feed:     cfg.Feed,
			Channels: channels,
			OnDown:   onDown,
		}
		switch venue {
		case "binance":
			adapters = append(adapters, binancefeed.NewReader(opts))
		case "coinbase":
			adapters = append(adapters, coinbasefeed.NewReader(opts))
		case "okx":
			adapters = append(adapters, okxfeed.NewReader(opts))
		}
	}
	feeds := feed.NewManager(adapters...)

	normalizer := processor.NewNormalizer(cfg, channels, disp, feeds)
	eng := engine.New(store, det, channels, feeds)

	ledger := sim.NewLedger()
	simulator := sim.New(cfg.Simulator, detector.NewFeeSchedule(cfg.Detector.Fees), ledger)

	var tradeWriter *writer.TradeWriter
	if cfg.Storage.S3.Enabled {
		tradeWriter, err = writer.NewTradeWriter(cfg, channels.Trades)
		if err != nil {
			log.WithError(err).Error("failed to create trade writer")
			os.Exit(1)
		}
	} else {
		log.WithComponent("main").Info("S3 storage disabled; skipping trade writer")
	}

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		disp.Run(ctx, 30*time.Second)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		eng.Run(ctx, disp.Out())
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		simulator.Run(ctx, channels)
	}()

	if tradeWriter != nil {
		if err := tradeWriter.Start(ctx); err != nil {
			log.WithError(err).Error("failed to start trade writer")
			os.Exit(1)
		}
	}

	if err := normalizer.Start(ctx); err != nil {
		log.WithError(err).Error("failed to start normalizer")
		os.Exit(1)
	}

	if err := feeds.StartAll(ctx); err != nil {
		log.WithError(err).Error("failed to start feed adapters")
		os.Exit(1)
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		reportLedger(ctx, log, ledger)
	}()

	log.Info("all components started successfully")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	log.WithFields(logger.Fields{"signal": sig.String()}).Info("shutdown signal received")

	log.Info("starting graceful shutdown")
	cancel()

	log.Info("stopping feed adapters")
	feeds.StopAll()

	log.Info("stopping normalizer")
	normalizer.Stop()

	if tradeWriter != nil {
		log.Info("stopping trade writer")
		tradeWriter.Stop()
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		channels.Close()
		log.Info("graceful shutdown completed")
	case <-time.After(30 * time.Second):
		// producers may still be live; leaking the channels at exit
		// beats a send on a closed channel
		log.Warn("graceful shutdown timeout exceeded")
	}

	final := ledger.Snapshot()
	log.WithComponent("main").WithFields(logger.Fields{
		"trades":        final.TradeCount,
		"opportunities": final.Opportunities,
		"rejected":      final.Rejected,
		"realized_pnl":  final.RealizedPnL,
	}).Info("final ledger summary")

	log.Info("arbflow stopped")
}

// reportLedger periodically logs the paper trading summary.
func reportLedger(ctx context.Context, log *logger.Log, ledger *sim.Ledger) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			snap := ledger.Snapshot()
			log.WithComponent("ledger").WithFields(logger.Fields{
				"trades":        snap.TradeCount,
				"opportunities": snap.Opportunities,
				"rejected":      snap.Rejected,
				"realized_pnl":  snap.RealizedPnL,
				"exposure":      snap.ExposureByVenue,
			}).Info("paper trading summary")
		}
	}
}
