package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"livechat-presence/internal/app"
	"livechat-presence/internal/config"
	"livechat-presence/internal/logger"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(cfg.Environment, cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	// Recovery global untuk mencegah crash aplikasi
	defer func() {
		if r := recover(); r != nil {
			log.Error("application recovered from panic", zap.Any("panic", r))
			os.Exit(1)
		}
	}()

	log.Info("Starting LiveChat presence server",
		zap.String("environment", cfg.Environment),
		zap.String("port", cfg.Port),
		zap.String("redis", cfg.RedisHost+":"+cfg.RedisPort),
		zap.Strings("kafka_brokers", cfg.KafkaBrokers),
		zap.String("feed_broker", cfg.FeedBroker),
		zap.String("cors_origins", cfg.GetCORSOrigins()),
	)

	application, err := app.New(cfg, log)
	if err != nil {
		log.Fatal("failed to build application", zap.Error(err))
	}
	log.Info("node ready", zap.String("node_id", application.NodeID))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	application.StartBackground(ctx)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	done := make(chan struct{})
	go func() {
		defer close(done)
		<-sigChan
		log.Info("Shutting down...")
		cancel()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer shutdownCancel()
		if err := application.Shutdown(shutdownCtx); err != nil {
			log.Warn("shutdown finished with errors", zap.Error(err))
		}
	}()

	// blocks until Shutdown stops the listener
	if err := application.Run(); err != nil {
		log.Error("server stopped", zap.Error(err))
		select {
		case sigChan <- syscall.SIGTERM:
		default:
		}
	}
	<-done
}
