package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/aegisshield/realtime-sync/internal/audit"
	"github.com/aegisshield/realtime-sync/internal/auth"
	"github.com/aegisshield/realtime-sync/internal/database"
	"github.com/aegisshield/realtime-sync/internal/handlers"
	"github.com/aegisshield/realtime-sync/internal/kafka"
	"github.com/aegisshield/realtime-sync/internal/realtime"
)

const developmentSecret = "aegis-sync-development-secret"

func newServeCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the sync relay and audit ingestion server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			defer a.logger.Sync()
			return a.serve(cmd.Context())
		},
	}
}

func (a *app) serve(ctx context.Context) error {
	cfg, logger := a.cfg, a.logger
	logger.Info("Starting AegisShield sync relay",
		zap.String("environment", cfg.Environment),
		zap.Int("http_port", cfg.Server.HTTP.Port))

	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	m := a.metrics()

	secret := cfg.Security.JWTSecret
	if secret == "" {
		logger.Warn("No JWT secret configured, using the development secret")
		secret = developmentSecret
	}
	tokens, err := auth.NewTokenManager(secret, cfg.Security.JWTIssuer, cfg.Security.TokenTTL)
	if err != nil {
		return err
	}

	rdb, err := connectRedis(ctx, cfg, logger)
	if err != nil {
		return err
	}
	var store realtime.Store = realtime.NewMemoryStore()
	hubOpts := []realtime.HubOption{realtime.WithTokens(tokens), realtime.WithMetrics(m)}
	if rdb != nil {
		defer rdb.Close()
		store = realtime.NewRedisStore(rdb, "aegis:sync")
		hubOpts = append(hubOpts, realtime.WithRedis(rdb))
	}

	if cfg.Kafka.Enabled {
		journal, err := kafka.NewJournal(kafka.Config{
			Brokers:      cfg.Kafka.Brokers,
			Topic:        cfg.Kafka.Topic,
			BatchSize:    cfg.Kafka.BatchSize,
			BatchTimeout: cfg.Kafka.BatchTimeout,
			RequiredAcks: cfg.Kafka.RequiredAcks,
		}, logger)
		if err != nil {
			return fmt.Errorf("failed to create sync journal: %w", err)
		}
		defer func() {
			if err := journal.Close(); err != nil {
				logger.Error("Failed to close sync journal", zap.Error(err))
			}
		}()
		hubOpts = append(hubOpts, realtime.WithJournal(journal))
		logger.Info("Journaling sync events to Kafka", zap.String("topic", cfg.Kafka.Topic))
	}

	var repo handlers.AuditRepository = newMemoryRepository()
	var db *database.Database
	if cfg.Database.Enabled {
		db, err = database.Open(database.Config{
			DSN:             cfg.GetDatabaseDSN(),
			MaxOpenConns:    cfg.Database.MaxOpenConnections,
			MaxIdleConns:    cfg.Database.MaxIdleConnections,
			ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
			Debug:           cfg.Environment == "development",
		}, logger)
		if err != nil {
			return err
		}
		defer func() {
			if err := db.Close(); err != nil {
				logger.Error("Failed to close database connection", zap.Error(err))
			}
		}()
		if cfg.Database.AutoMigrate {
			if err := db.AutoMigrate(); err != nil {
				return err
			}
		}
		repo = database.NewAuditRepository(db.DB)
	} else {
		logger.Warn("Database disabled, ingested audit batches are kept in memory")
	}

	hub := realtime.NewHub(realtime.Config{
		ReadBufferSize:    cfg.Server.WebSocket.ReadBufferSize,
		WriteBufferSize:   cfg.Server.WebSocket.WriteBufferSize,
		CheckOrigin:       cfg.Server.WebSocket.CheckOrigin,
		AllowedOrigins:    cfg.Server.WebSocket.AllowedOrigins,
		EnableCompression: cfg.Server.WebSocket.EnableCompression,
		PingInterval:      cfg.Server.WebSocket.PingInterval,
		AuthTimeout:       cfg.Server.WebSocket.AuthTimeout,
		InstanceID:        cfg.Server.WebSocket.InstanceID,
		FanoutChannel:     cfg.Server.WebSocket.FanoutChannel,
		RateLimit:         cfg.Server.WebSocket.RateLimit,
		RateBurst:         cfg.Server.WebSocket.RateBurst,
	}, store, logger, hubOpts...)

	h := handlers.NewHandler(handlers.Config{
		EncryptionKey: []byte(cfg.Audit.EncryptionKey),
		SigningKey:    []byte(cfg.Audit.Logger.SigningKey),
		MetricsPath:   cfg.Metrics.Path,
	}, repo, hub, tokens, m, logger)
	if db != nil {
		h.AddHealthCheck("database", func(context.Context) error { return db.Health() })
	}
	if rdb != nil {
		h.AddHealthCheck("redis", func(ctx context.Context) error { return rdb.Ping(ctx).Err() })
	}

	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery(), handlers.RequestLogger(logger))
	h.RegisterRoutes(router)

	httpServer := &http.Server{
		Addr:           fmt.Sprintf(":%d", cfg.Server.HTTP.Port),
		Handler:        router,
		ReadTimeout:    cfg.Server.HTTP.ReadTimeout,
		WriteTimeout:   cfg.Server.HTTP.WriteTimeout,
		IdleTimeout:    cfg.Server.HTTP.IdleTimeout,
		MaxHeaderBytes: cfg.Server.HTTP.MaxHeaderBytes,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		hub.Run(gctx)
		return nil
	})
	g.Go(func() error {
		logger.Info("Starting HTTP server", zap.String("addr", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server failed: %w", err)
		}
		return nil
	})

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case sig := <-sigChan:
		logger.Info("Received shutdown signal", zap.String("signal", sig.String()))
	case <-gctx.Done():
		logger.Info("Context cancelled, shutting down")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("Failed to shutdown HTTP server gracefully", zap.Error(err))
	}
	hub.Close()
	cancel()
	if err := g.Wait(); err != nil {
		return err
	}

	logger.Info("Sync relay shutdown complete")
	return nil
}

// memoryRepository keeps ingested batches in an audit.MemoryStore when no
// database is configured
type memoryRepository struct {
	store *audit.MemoryStore
}

func newMemoryRepository() *memoryRepository {
	return &memoryRepository{store: audit.NewMemoryStore()}
}

func (r *memoryRepository) SaveBatch(ctx context.Context, _ audit.BatchMetadata, entries []*audit.Entry) error {
	for _, e := range entries {
		if err := r.store.Save(ctx, e); err != nil {
			return err
		}
	}
	return nil
}

func (r *memoryRepository) List(ctx context.Context, f audit.Filter) ([]*audit.Entry, error) {
	return r.store.List(ctx, f)
}
