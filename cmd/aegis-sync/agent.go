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

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/aegisshield/realtime-sync/internal/audit"
	"github.com/aegisshield/realtime-sync/internal/backend"
	"github.com/aegisshield/realtime-sync/internal/cache"
	"github.com/aegisshield/realtime-sync/internal/events"
	"github.com/aegisshield/realtime-sync/internal/metrics"
	"github.com/aegisshield/realtime-sync/internal/models"
	"github.com/aegisshield/realtime-sync/internal/syncclient"
	"github.com/aegisshield/realtime-sync/internal/transport"
)

type agentFlags struct {
	dryRun      bool
	metricsAddr string
}

func newAgentCmd(a *app) *cobra.Command {
	flags := &agentFlags{}
	cmd := &cobra.Command{
		Use:   "agent",
		Short: "Run a sync agent against a relay",
		Long: `agent connects to the relay, keeps the local property, incident and
system health views in sync and submits its audit trail in batches.
With --dry-run it runs against an in-memory channel and keeps audit
entries locally.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			defer a.logger.Sync()
			return a.runAgent(cmd.Context(), flags)
		},
	}
	cmd.Flags().BoolVar(&flags.dryRun, "dry-run", false, "use an in-memory channel and do not submit audit batches")
	cmd.Flags().StringVar(&flags.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")
	return cmd
}

func (a *app) runAgent(ctx context.Context, flags *agentFlags) error {
	cfg, logger := a.cfg, a.logger
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	m := a.metrics()
	actor := events.Actor{
		UserID:    cfg.Agent.UserID,
		ClientID:  cfg.Agent.ClientID,
		SessionID: cfg.Agent.SessionID,
	}
	logger = logger.With(zap.String("client_id", actor.ClientID), zap.String("source", string(cfg.Sync.Source)))

	var channel transport.Channel
	if flags.dryRun {
		channel = transport.NewMemoryChannel()
	} else {
		channel = transport.NewWebSocketChannel(transport.WebSocketConfig{
			URL:   cfg.Transport.URL,
			Token: transport.StaticToken(cfg.Transport.Token),
			Reconnect: transport.ReconnectPolicy{
				MaxAttempts: cfg.Transport.Reconnect.MaxAttempts,
				BaseDelay:   cfg.Transport.Reconnect.BaseDelay,
				MaxDelay:    cfg.Transport.Reconnect.MaxDelay,
				Kind:        transport.BackoffKind(cfg.Transport.Reconnect.Backoff),
			},
			AutoRetry:    cfg.Sync.RetryOnError,
			PingInterval: cfg.Server.WebSocket.PingInterval,
		}, logger, m)
	}

	fetcher, err := backend.NewClient(cfg.Backend, nil, logger)
	if err != nil {
		return err
	}

	rdb, err := connectRedis(ctx, cfg, logger)
	if err != nil {
		return err
	}
	if rdb != nil {
		defer rdb.Close()
	}

	auditLog, err := a.agentAuditLogger(ctx, rdb, actor, flags.dryRun, m)
	if err != nil {
		return err
	}
	if err := auditLog.Start(ctx); err != nil {
		return err
	}
	defer auditLog.Cleanup(context.Background())

	opts := cfg.Sync
	opts.Actor = actor
	opts.Callbacks = syncclient.Callbacks{
		OnConnectionChange: func(change transport.StateChange) {
			fields := []zap.Field{zap.String("state", string(change.State)), zap.Int("attempt", change.Attempt)}
			if change.Err != nil {
				fields = append(fields, zap.Error(change.Err))
			}
			logger.Info("Connection state changed", fields...)
		},
		OnSyncComplete: func(s syncclient.Status) {
			logger.Info("Sync completed", zap.Time("last_sync", s.LastSyncTime))
		},
		OnError: func(serr *syncclient.SyncError) {
			logger.Warn("Sync error", zap.String("code", serr.Code), zap.Error(serr.Err))
		},
		OnConflict: func(c models.SyncConflict) {
			logger.Warn("Sync conflict detected",
				zap.String("conflict_id", c.ID),
				zap.String("entity_id", c.EntityID),
				zap.String("remote_source", c.RemoteSource))
		},
	}

	clientOpts := append([]syncclient.ClientOption{syncclient.WithMetrics(m)}, a.agentCaches(ctx, rdb, m)...)
	client := syncclient.New(channel, fetcher, auditLog, opts, logger, clientOpts...)
	if err := client.Start(ctx); err != nil {
		return err
	}
	if err := client.TriggerFullSync(ctx); err != nil {
		logger.Warn("Initial full sync failed", zap.Error(err))
	}

	var metricsServer *http.Server
	if flags.metricsAddr != "" && m != nil {
		mux := http.NewServeMux()
		mux.Handle(cfg.Metrics.Path, m.Handler())
		metricsServer = &http.Server{Addr: flags.metricsAddr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
		go func() {
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("Metrics server failed", zap.Error(err))
			}
		}()
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case sig := <-sigChan:
		logger.Info("Received shutdown signal", zap.String("signal", sig.String()))
	case <-ctx.Done():
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if metricsServer != nil {
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("Failed to shutdown metrics server", zap.Error(err))
		}
	}
	if err := client.Close(shutdownCtx); err != nil {
		logger.Error("Failed to close sync client", zap.Error(err))
	}

	status := client.Status()
	logger.Info("Sync agent stopped",
		zap.Int("properties", len(client.Properties())),
		zap.Int("incidents", len(client.Incidents())),
		zap.Int("open_conflicts", status.OpenConflicts),
		zap.Int("pending_writes", status.PendingWrites))
	return nil
}

// agentCaches selects the read caches: shared redis caches when redis is
// enabled, otherwise in-memory caches swept by a janitor
func (a *app) agentCaches(ctx context.Context, rdb *redis.Client, m *metrics.Collector) []syncclient.ClientOption {
	prefix := a.cfg.Cache.Prefix
	if rdb != nil {
		return []syncclient.ClientOption{
			syncclient.WithPropertyCache(cache.NewRedisCache[[]models.PropertySyncData](rdb, prefix+":properties", a.logger, m)),
			syncclient.WithIncidentCache(cache.NewRedisCache[[]models.IncidentSyncData](rdb, prefix+":incidents", a.logger, m)),
			syncclient.WithHealthCache(cache.NewRedisCache[[]models.SystemHealthSyncData](rdb, prefix+":system_health", a.logger, m)),
		}
	}

	properties := cache.NewTTLCache[[]models.PropertySyncData]("properties", cache.WithStats(m))
	incidents := cache.NewTTLCache[[]models.IncidentSyncData]("incidents", cache.WithStats(m))
	health := cache.NewTTLCache[[]models.SystemHealthSyncData]("system_health", cache.WithStats(m))
	if interval := a.cfg.Cache.SweepInterval; interval > 0 {
		properties.StartJanitor(ctx, interval)
		incidents.StartJanitor(ctx, interval)
		health.StartJanitor(ctx, interval)
	}
	return []syncclient.ClientOption{
		syncclient.WithPropertyCache(properties),
		syncclient.WithIncidentCache(incidents),
		syncclient.WithHealthCache(health),
	}
}

// agentAuditLogger builds the agent's audit logger. Entries are stored in
// redis when it is enabled and submitted to the relay unless dryRun is set.
func (a *app) agentAuditLogger(ctx context.Context, rdb *redis.Client, actor events.Actor, dryRun bool, m *metrics.Collector) (*audit.Logger, error) {
	cfg := a.cfg

	var store audit.Store = audit.NewMemoryStore()
	if rdb != nil {
		store = audit.NewRedisStore(rdb, cfg.Audit.StorePrefix)
	}

	var submitter audit.Submitter
	if !dryRun {
		sub, err := audit.NewHTTPSubmitter(audit.HTTPSubmitterConfig{
			Endpoint:      cfg.Audit.Endpoint,
			Token:         cfg.Audit.Token,
			ClientID:      actor.ClientID,
			ClientVersion: Version,
			EncryptionKey: []byte(cfg.Audit.EncryptionKey),
			Timeout:       cfg.Audit.Logger.SubmitTimeout,
		}, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to create audit submitter: %w", err)
		}
		submitter = sub
	}

	auditCfg := cfg.Audit.Logger
	auditCfg.ClientID = actor.ClientID
	auditCfg.SessionID = actor.SessionID
	auditCfg.DefaultUserID = actor.UserID
	return audit.NewLogger(ctx, auditCfg, submitter, store, a.logger, audit.WithMetrics(m)), nil
}
