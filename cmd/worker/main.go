// Package main runs the standalone event publisher that drains the outbox to the bus.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/thriftcircle/groups/config"
	"github.com/thriftcircle/groups/internal/bootstrap"
	"github.com/thriftcircle/groups/internal/publisher"
)

const healthLogInterval = 30 * time.Second

func main() {
	logger := newLogger()
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("load config", zap.Error(err))
	}

	ctx := context.Background()
	store, closeStore, err := bootstrap.OpenStore(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("store", zap.Error(err))
	}
	defer closeStore()

	b, closeBus, err := bootstrap.OpenBus(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("bus", zap.Error(err))
	}
	defer closeBus()

	pub := publisher.New(store, b, bootstrap.PublisherConfig(cfg), logger)

	workerCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		pub.Run(workerCtx)
	}()
	go logHealth(workerCtx, pub, logger)
	logger.Info("worker started", zap.String("bus", cfg.Bus.Driver), zap.String("store", cfg.Store.Driver))

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	cancel()
	select {
	case <-done:
	case <-time.After(15 * time.Second):
		logger.Warn("publisher did not stop in time")
	}
	logger.Info("worker stopped")
}

func logHealth(ctx context.Context, pub *publisher.Publisher, logger *zap.Logger) {
	ticker := time.NewTicker(healthLogInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		h := pub.Health(ctx)
		fields := []zap.Field{
			zap.String("status", h.Status),
			zap.Int("pending", h.Outbox.Pending),
			zap.String("oldest_pending_age", h.OldestPendingAge),
			zap.Int("consecutive_failures", h.ConsecutiveFailures),
		}
		if h.Degraded() {
			logger.Error("publisher health", append(fields, zap.String("last_error", h.LastError))...)
			continue
		}
		logger.Info("publisher health", fields...)
	}
}

func newLogger() *zap.Logger {
	config := zap.NewProductionConfig()
	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	logger, _ := config.Build()
	return logger
}
