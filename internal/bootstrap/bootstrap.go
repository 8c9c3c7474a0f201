// Package bootstrap opens the store and bus selected by configuration. It is
// shared by the API server and the standalone publisher.
package bootstrap

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/thriftcircle/groups/config"
	"github.com/thriftcircle/groups/internal/bus"
	"github.com/thriftcircle/groups/internal/groups"
	"github.com/thriftcircle/groups/internal/publisher"
	"github.com/thriftcircle/groups/internal/roster"
	"github.com/thriftcircle/groups/pkg/database"
	"github.com/thriftcircle/groups/pkg/redis"
)

// OpenStore connects to the configured roster store and applies migrations.
// The returned func releases it.
func OpenStore(ctx context.Context, cfg *config.Config, logger *zap.Logger) (roster.Store, func(), error) {
	switch strings.ToLower(cfg.Store.Driver) {
	case "sqlite":
		db, err := database.OpenSQLite(ctx, cfg.Store.SQLitePath, logger)
		if err != nil {
			return nil, nil, err
		}
		store := roster.NewSQLite(db)
		return store, func() { _ = store.Close() }, nil
	case "postgres":
		pool, err := database.NewPostgresPool(ctx, cfg.Database.DSN(), database.PoolOptions{
			MaxConns:        cfg.Database.MaxConns,
			LockTimeout:     cfg.Engine.StoreTimeout / 2,
			ApplicationName: "groups",
		}, logger)
		if err != nil {
			return nil, nil, err
		}
		if err := database.Migrate(ctx, pool); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("migrate: %w", err)
		}
		return roster.NewPostgres(pool), pool.Close, nil
	}
	return nil, nil, fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
}

// OpenBus connects to the configured message bus.
func OpenBus(ctx context.Context, cfg *config.Config, logger *zap.Logger) (bus.Publisher, func(), error) {
	switch strings.ToLower(cfg.Bus.Driver) {
	case "kafka":
		k, err := bus.NewKafka(cfg.Kafka.Brokers)
		if err != nil {
			return nil, nil, err
		}
		logger.Info("Kafka publisher configured", zap.Strings("brokers", cfg.Kafka.Brokers))
		return k, func() { _ = k.Close() }, nil
	case "redis":
		rdb, err := redis.NewClient(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, logger)
		if err != nil {
			return nil, nil, err
		}
		return bus.NewRedisStreams(rdb.Client, cfg.Bus.StreamMaxLen), func() { _ = rdb.Close() }, nil
	case "log":
		logger.Warn("BUS_DRIVER=log: events are logged, not delivered")
		return bus.NewLog(logger), func() {}, nil
	}
	return nil, nil, fmt.Errorf("unknown bus driver %q", cfg.Bus.Driver)
}

// EngineConfig maps configuration onto the membership engine.
func EngineConfig(cfg *config.Config) groups.EngineConfig {
	return groups.EngineConfig{
		StoreTimeout: cfg.Engine.StoreTimeout,
		MaxTries:     cfg.Engine.MaxTries,
	}
}

// PublisherConfig maps configuration onto the outbox publisher.
func PublisherConfig(cfg *config.Config) publisher.Config {
	p := cfg.Publisher
	return publisher.Config{
		Consumer:       p.Consumer,
		BatchSize:      p.BatchSize,
		PollInterval:   p.PollInterval,
		LeaseTTL:       p.LeaseTTL,
		PublishTimeout: p.PublishTimeout,
		RetryBackoff:   p.RetryBackoff,
		RetryMaxDelay:  p.RetryMaxDelay,
		UnhealthyAfter: p.UnhealthyAfter,
		TopicPrefix:    cfg.Bus.TopicPrefix,
	}
}
