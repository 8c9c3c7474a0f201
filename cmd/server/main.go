// Package main runs the group membership HTTP API with graceful shutdown.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/thriftcircle/groups/config"
	"github.com/thriftcircle/groups/internal/audit"
	"github.com/thriftcircle/groups/internal/auth"
	"github.com/thriftcircle/groups/internal/bootstrap"
	"github.com/thriftcircle/groups/internal/groups"
	"github.com/thriftcircle/groups/internal/middleware"
	"github.com/thriftcircle/groups/internal/publisher"
	"github.com/thriftcircle/groups/internal/roster"
	"github.com/thriftcircle/groups/pkg/response"
	"github.com/thriftcircle/groups/pkg/storage"
)

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

	jwtService, err := newJWTService(cfg.JWT)
	if err != nil {
		logger.Fatal("jwt", zap.Error(err))
	}

	var s3Client *storage.S3
	if cfg.AWS.Region != "" {
		s3Cfg := storage.S3Config{
			Region:               cfg.AWS.Region,
			AccessKeyID:          cfg.AWS.AccessKeyID,
			SecretAccessKey:      cfg.AWS.SecretAccessKey,
			AuditBucket:          cfg.AWS.AuditBucket,
			PresignExpireMinutes: cfg.AWS.PresignExpireMinutes,
		}
		s3Client, err = storage.NewS3(ctx, s3Cfg, logger)
		if err != nil {
			logger.Fatal("s3", zap.Error(err))
		}
	} else {
		logger.Info("AWS_REGION not set, audit export disabled")
	}

	engine := groups.NewEngine(store, bootstrap.EngineConfig(cfg), logger)
	query := groups.NewQuery(store, cfg.Engine.StoreTimeout, logger)
	groupHandler := groups.NewHandler(engine, query)

	var objects audit.ObjectStore
	if s3Client != nil {
		objects = s3Client
	}
	auditHandler := audit.NewHandler(audit.NewExporter(store, objects, logger))

	var pub *publisher.Publisher
	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()
	var workers sync.WaitGroup
	if cfg.Publisher.Embedded {
		b, closeBus, err := bootstrap.OpenBus(ctx, cfg, logger)
		if err != nil {
			logger.Fatal("bus", zap.Error(err))
		}
		defer closeBus()
		pub = publisher.New(store, b, bootstrap.PublisherConfig(cfg), logger)
		workers.Add(1)
		go func() {
			defer workers.Done()
			pub.Run(workerCtx)
		}()
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.CORS(cfg.Server.CORSAllowedOrigins))
	router.Use(middleware.Logger(logger))

	router.GET("/health", healthHandler(store, pub))

	api := router.Group("/")
	api.Use(middleware.JWT(jwtService))
	groupHandler.Register(api)
	auditHandler.Register(api)

	admin := api.Group("/admin")
	admin.Use(middleware.RequireRole(auth.RolePlatformAdmin))
	admin.GET("/outbox", outboxHandler(store))

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
	}

	go func() {
		logger.Info("server listening", zap.String("port", cfg.Server.Port), zap.String("store", cfg.Store.Driver))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", zap.Error(err))
	}
	workerCancel()
	workers.Wait()
	logger.Info("server stopped")
}

func newJWTService(cfg config.JWTConfig) (*auth.JWTService, error) {
	if cfg.PublicKey != "" {
		return auth.NewRS256Service(cfg.PublicKey)
	}
	return auth.NewJWTService(cfg.Secret, cfg.ExpireHours), nil
}

// healthHandler reports liveness, the outbox backlog and, when the publisher
// runs in this process, its delivery health.
func healthHandler(store roster.Outbox, pub *publisher.Publisher) gin.HandlerFunc {
	return func(c *gin.Context) {
		if pub != nil {
			response.OK(c, gin.H{"status": "ok", "publisher": pub.Health(c.Request.Context())})
			return
		}
		stats, err := store.OutboxStats(c.Request.Context())
		if err != nil {
			response.ServiceUnavailable(c, "store unavailable")
			return
		}
		response.OK(c, gin.H{"status": "ok", "outbox": stats})
	}
}

// outboxHandler reports the undelivered backlog to platform operators.
func outboxHandler(store roster.Outbox) gin.HandlerFunc {
	return func(c *gin.Context) {
		stats, err := store.OutboxStats(c.Request.Context())
		if err != nil {
			response.ServiceUnavailable(c, "store unavailable")
			return
		}
		response.OK(c, stats)
	}
}

func newLogger() *zap.Logger {
	config := zap.NewProductionConfig()
	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	logger, _ := config.Build()
	return logger
}
