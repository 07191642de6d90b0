// Package handlers exposes the relay's HTTP surface: audit batch
// ingestion and query, snapshot administration, health, metrics and the
// relay websocket.
package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/aegisshield/realtime-sync/internal/audit"
	"github.com/aegisshield/realtime-sync/internal/auth"
	"github.com/aegisshield/realtime-sync/internal/events"
	"github.com/aegisshield/realtime-sync/internal/metrics"
	"github.com/aegisshield/realtime-sync/internal/models"
	"github.com/aegisshield/realtime-sync/internal/realtime"
)

// AuditRepository persists verified audit batches
type AuditRepository interface {
	SaveBatch(ctx context.Context, meta audit.BatchMetadata, entries []*audit.Entry) error
	List(ctx context.Context, f audit.Filter) ([]*audit.Entry, error)
}

// Relay is the realtime hub as seen by the HTTP layer
type Relay interface {
	HandleWebSocket(c *gin.Context)
	ConnectedClients() int
	Publish(ctx context.Context, rec models.Record, source events.Source, actor events.Actor) (models.Record, error)
	Delete(ctx context.Context, id string, source events.Source, actor events.Actor) error
	Snapshots(ctx context.Context, kind models.EntityKind) ([]models.Record, error)
}

// HealthCheck reports the state of one dependency
type HealthCheck func(ctx context.Context) error

// Config holds handler settings
type Config struct {
	// EncryptionKey opens encrypted batches
	EncryptionKey []byte
	// SigningKey verifies entry signatures when set
	SigningKey   []byte
	MaxBatchSize int
	MetricsPath  string
}

// Handler handles HTTP requests for the sync relay
type Handler struct {
	cfg     Config
	repo    AuditRepository
	relay   Relay
	tokens  TokenValidator
	metrics *metrics.Collector
	checks  map[string]HealthCheck
	logger  *zap.Logger
}

// NewHandler creates a new HTTP handler
func NewHandler(cfg Config, repo AuditRepository, relay Relay, tokens TokenValidator, m *metrics.Collector, logger *zap.Logger) *Handler {
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = 1000
	}
	if cfg.MetricsPath == "" {
		cfg.MetricsPath = "/metrics"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		cfg:     cfg,
		repo:    repo,
		relay:   relay,
		tokens:  tokens,
		metrics: m,
		checks:  make(map[string]HealthCheck),
		logger:  logger,
	}
}

// AddHealthCheck registers a dependency probe for /healthz
func (h *Handler) AddHealthCheck(name string, check HealthCheck) {
	h.checks[name] = check
}

// RegisterRoutes registers all HTTP routes
func (h *Handler) RegisterRoutes(router *gin.Engine) {
	router.GET("/healthz", h.HealthCheck)
	if h.metrics != nil {
		router.GET(h.cfg.MetricsPath, gin.WrapH(h.metrics.Handler()))
	}
	if h.relay != nil {
		router.GET("/ws", h.relay.HandleWebSocket)
	}

	api := router.Group("/api/v1", AuthMiddleware(h.tokens))
	{
		logs := api.Group("/audit/logs")
		{
			logs.POST("", RequireRole(auth.RoleAgent, auth.RoleAdmin, auth.RoleClient), h.IngestAuditBatch)
			logs.GET("", RequireRole(auth.RoleAdmin, auth.RoleAuditor), h.QueryAuditLogs)
		}

		if h.relay != nil {
			snapshots := api.Group("/sync")
			{
				snapshots.GET("/snapshots", h.ListSnapshots)
				snapshots.PUT("/snapshots", RequireRole(auth.RoleAdmin), h.PublishSnapshot)
				snapshots.DELETE("/properties/:id", RequireRole(auth.RoleAdmin), h.DeleteProperty)
			}
		}
	}
}

// HealthCheck reports relay and dependency health
func (h *Handler) HealthCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	defer cancel()

	status := "healthy"
	checks := make(map[string]string, len(h.checks))
	for name, check := range h.checks {
		if err := check(ctx); err != nil {
			checks[name] = err.Error()
			status = "degraded"
			continue
		}
		checks[name] = "ok"
	}

	data := gin.H{"status": status, "checks": checks}
	if h.relay != nil {
		data["clients"] = h.relay.ConnectedClients()
	}
	code := http.StatusOK
	if status != "healthy" {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, APIResponse{Success: status == "healthy", Data: data, Timestamp: time.Now().UTC()})
}

// IngestAuditBatch accepts one batch from an audit submitter. The batch is
// decrypted when needed and its hash chain verified before it is stored.
func (h *Handler) IngestAuditBatch(c *gin.Context) {
	var batch audit.Batch
	if err := c.ShouldBindJSON(&batch); err != nil {
		fail(c, http.StatusBadRequest, "INVALID_BATCH", "request body is not an audit batch", map[string]string{"error": err.Error()})
		return
	}
	if batch.Metadata.BatchID == "" {
		fail(c, http.StatusBadRequest, "INVALID_BATCH", "batch id is required", nil)
		return
	}

	claims := claimsFrom(c)
	if claims.ClientID != "" && batch.Metadata.ClientID != claims.ClientID && !claims.HasRole(auth.RoleAdmin) {
		fail(c, http.StatusForbidden, "CLIENT_MISMATCH", "batch client does not match token", nil)
		return
	}
	if batch.Metadata.Encrypted && len(h.cfg.EncryptionKey) == 0 {
		fail(c, http.StatusBadRequest, "ENCRYPTION_UNSUPPORTED", "encrypted batches are not accepted", nil)
		return
	}

	entries, err := audit.OpenBatch(batch, h.cfg.EncryptionKey)
	if err != nil {
		fail(c, http.StatusBadRequest, "DECRYPTION_FAILED", "batch could not be opened", nil)
		return
	}
	if len(entries) == 0 {
		fail(c, http.StatusBadRequest, "EMPTY_BATCH", "batch carries no entries", nil)
		return
	}
	if len(entries) > h.cfg.MaxBatchSize {
		fail(c, http.StatusRequestEntityTooLarge, "BATCH_TOO_LARGE", "batch exceeds the maximum size", map[string]string{
			"max": strconv.Itoa(h.cfg.MaxBatchSize),
		})
		return
	}
	if declared := c.GetHeader("X-Batch-Size"); declared != "" && declared != strconv.Itoa(len(entries)) {
		fail(c, http.StatusBadRequest, "BATCH_SIZE_MISMATCH", "X-Batch-Size does not match the batch", nil)
		return
	}

	if err := audit.VerifyChain(entries, h.cfg.SigningKey); err != nil {
		var chainErr *audit.ChainError
		details := map[string]string{"error": err.Error()}
		if errors.As(err, &chainErr) {
			details["entry_id"] = chainErr.EntryID
			details["index"] = strconv.Itoa(chainErr.Index)
		}
		h.logger.Warn("Rejected tampered audit batch",
			zap.String("batch_id", batch.Metadata.BatchID),
			zap.String("client_id", batch.Metadata.ClientID),
			zap.Error(err))
		fail(c, http.StatusUnprocessableEntity, "INTEGRITY_CHECK_FAILED", "audit chain verification failed", details)
		return
	}

	if err := h.repo.SaveBatch(c.Request.Context(), batch.Metadata, entries); err != nil {
		h.logger.Error("Failed to store audit batch",
			zap.String("batch_id", batch.Metadata.BatchID),
			zap.Error(err))
		fail(c, http.StatusInternalServerError, "STORAGE_FAILED", "failed to store audit batch", nil)
		return
	}

	h.logger.Info("Audit batch stored",
		zap.String("batch_id", batch.Metadata.BatchID),
		zap.String("client_id", batch.Metadata.ClientID),
		zap.Int("entries", len(entries)),
		zap.Bool("encrypted", batch.Metadata.Encrypted))
	respond(c, http.StatusAccepted, gin.H{
		"batch_id": batch.Metadata.BatchID,
		"accepted": len(entries),
	}, nil)
}

// auditQuery is the query string of GET /audit/logs
type auditQuery struct {
	EventType  string    `form:"event_type"`
	Category   string    `form:"category"`
	UserID     string    `form:"user_id"`
	ResourceID string    `form:"resource_id"`
	Start      time.Time `form:"start" time_format:"2006-01-02T15:04:05Z07:00"`
	End        time.Time `form:"end" time_format:"2006-01-02T15:04:05Z07:00"`
	Limit      int       `form:"limit" binding:"omitempty,min=1,max=1000"`
	Offset     int       `form:"offset" binding:"omitempty,min=0"`
}

// QueryAuditLogs lists stored entries
func (h *Handler) QueryAuditLogs(c *gin.Context) {
	var q auditQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		fail(c, http.StatusBadRequest, "INVALID_QUERY", "invalid query parameters", map[string]string{"error": err.Error()})
		return
	}
	if q.Limit == 0 {
		q.Limit = 100
	}

	f := audit.Filter{
		EventType: audit.EventType(q.EventType),
		Category:  audit.Category(q.Category),
		UserID:    q.UserID,
		Resource:  q.ResourceID,
		Limit:     q.Limit,
		Offset:    q.Offset,
	}
	if !q.Start.IsZero() {
		f.StartTime = &q.Start
	}
	if !q.End.IsZero() {
		f.EndTime = &q.End
	}

	entries, err := h.repo.List(c.Request.Context(), f)
	if err != nil {
		h.logger.Error("Failed to query audit logs", zap.Error(err))
		fail(c, http.StatusInternalServerError, "QUERY_FAILED", "failed to query audit logs", nil)
		return
	}
	respond(c, http.StatusOK, entries, gin.H{"count": len(entries), "limit": q.Limit, "offset": q.Offset})
}

// ListSnapshots returns the relay's authoritative snapshots
func (h *Handler) ListSnapshots(c *gin.Context) {
	kind := models.EntityKind(c.Query("kind"))
	switch kind {
	case "", models.KindProperty, models.KindIncident, models.KindSystemHealth:
	default:
		fail(c, http.StatusBadRequest, "INVALID_KIND", "unknown entity kind", nil)
		return
	}
	records, err := h.relay.Snapshots(c.Request.Context(), kind)
	if err != nil {
		fail(c, http.StatusInternalServerError, "SNAPSHOT_LIST_FAILED", "failed to list snapshots", nil)
		return
	}
	respond(c, http.StatusOK, records, gin.H{"count": len(records)})
}

// PublishSnapshot commits an authoritative admin write and broadcasts it
func (h *Handler) PublishSnapshot(c *gin.Context) {
	var snap models.Snapshot
	if err := c.ShouldBindJSON(&snap); err != nil {
		fail(c, http.StatusBadRequest, "INVALID_SNAPSHOT", "request body is not a snapshot", nil)
		return
	}
	rec, err := snap.Decode()
	if err != nil || rec.EntityID() == "" {
		fail(c, http.StatusBadRequest, "INVALID_SNAPSHOT", "snapshot record could not be decoded", nil)
		return
	}

	claims := claimsFrom(c)
	committed, err := h.relay.Publish(c.Request.Context(), rec, events.SourceAdminDashboard, events.Actor{
		UserID:    claims.UserID,
		ClientID:  claims.ClientID,
		IPAddress: c.ClientIP(),
		UserAgent: c.Request.UserAgent(),
	})
	if err != nil {
		h.logger.Error("Failed to publish snapshot", zap.String("entity_id", rec.EntityID()), zap.Error(err))
		fail(c, http.StatusInternalServerError, "PUBLISH_FAILED", "failed to publish snapshot", nil)
		return
	}
	respond(c, http.StatusOK, committed, nil)
}

// DeleteProperty removes a property and notifies every client
func (h *Handler) DeleteProperty(c *gin.Context) {
	claims := claimsFrom(c)
	err := h.relay.Delete(c.Request.Context(), c.Param("id"), events.SourceAdminDashboard, events.Actor{
		UserID:    claims.UserID,
		ClientID:  claims.ClientID,
		IPAddress: c.ClientIP(),
	})
	switch {
	case errors.Is(err, realtime.ErrUnknownEntity):
		fail(c, http.StatusNotFound, "NOT_FOUND", "property not found", nil)
	case errors.Is(err, realtime.ErrUnsupportedDelete):
		fail(c, http.StatusBadRequest, "NOT_A_PROPERTY", err.Error(), nil)
	case err != nil:
		fail(c, http.StatusInternalServerError, "DELETE_FAILED", "failed to delete property", nil)
	default:
		c.Status(http.StatusNoContent)
	}
}
