package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/t77yq/logflow/internal/config"
	"github.com/t77yq/logflow/internal/coordinator"
	"github.com/t77yq/logflow/internal/report"
	"github.com/t77yq/logflow/internal/storage"
)

func main() {
	configFile := flag.String("config", "", "path to coordinator config file")
	flag.Parse()

	// Initialize logger
	logger, err := zap.NewDevelopment()
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer logger.Sync()

	// Load configuration
	cfg, err := config.LoadCoordinator(*configFile)
	if err != nil {
		logger.Fatal("Failed to load configuration", zap.Error(err))
	}

	nc, err := connectNATS(cfg.NATSURL, "logflow-coordinator", logger)
	if err != nil {
		logger.Fatal("Failed to connect to NATS after retries", zap.Error(err))
	}
	defer nc.Close()

	logger.Info("Connected to NATS successfully",
		zap.String("url", nc.ConnectedUrl()))

	// Create attempt history storage
	history, err := storage.NewSQLiteChunkHistory(logger, cfg.HistoryPath)
	if err != nil {
		logger.Fatal("Failed to create chunk history storage", zap.Error(err))
	}
	defer history.Close()

	// Setup signal handling for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		logger.Info("Received shutdown signal", zap.String("signal", sig.String()))
		cancel()
	}()

	coord := coordinator.New(cfg, nc, history, logger)
	if err := coord.LoadSource(cfg.SourcePath); err != nil {
		logger.Fatal("Failed to load log source",
			zap.String("source", cfg.SourcePath),
			zap.Error(err))
	}
	if err := coord.Start(ctx); err != nil {
		logger.Fatal("Failed to start coordinator", zap.Error(err))
	}

	reporter := report.New(nc, coord.Scheduler(), coord.Analyzer(), history, cfg.HistoryRetention, logger)
	if err := reporter.Start(cfg.SummarySchedule, cfg.CleanupSchedule); err != nil {
		logger.Fatal("Failed to start reporter", zap.Error(err))
	}

	// Wait for shutdown signal
	<-ctx.Done()

	reporter.Stop()
	coord.Stop()
	logger.Info("Coordinator shutting down gracefully")
}

func connectNATS(url, name string, logger *zap.Logger) (*nats.Conn, error) {
	opts := []nats.Option{
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.Timeout(5 * time.Second),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			logger.Error("NATS connection error", zap.Error(err))
		}),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			logger.Warn("NATS disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("NATS reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
	}

	var nc *nats.Conn
	var err error
	maxRetries := 5
	for i := 0; i < maxRetries; i++ {
		nc, err = nats.Connect(url, opts...)
		if err == nil {
			return nc, nil
		}
		logger.Warn("Failed to connect to NATS, retrying...",
			zap.Int("attempt", i+1),
			zap.Error(err))
		time.Sleep(time.Second * time.Duration(i+1))
	}
	return nil, err
}
