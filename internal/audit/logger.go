package audit

import (
	"context"
	"errors"
	"fmt"
	"os"
	"runtime"
	"runtime/debug"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/aegisshield/realtime-sync/internal/events"
	"github.com/aegisshield/realtime-sync/internal/metrics"
)

// Config holds audit logger settings
type Config struct {
	BatchSize        int           `mapstructure:"batch_size"`
	FlushInterval    time.Duration `mapstructure:"flush_interval"`
	MaxRetryAttempts int           `mapstructure:"max_retry_attempts"`
	RetryDelay       time.Duration `mapstructure:"retry_delay"`
	SubmitTimeout    time.Duration `mapstructure:"submit_timeout"`
	MaxLocalEntries  int           `mapstructure:"max_local_entries"`
	RetentionPeriod  time.Duration `mapstructure:"retention_period"`
	RetentionCheck   time.Duration `mapstructure:"retention_check_interval"`
	RedactPII        bool          `mapstructure:"redact_pii"`
	SigningKey       string        `mapstructure:"signing_key"`
	Source           string        `mapstructure:"source"`
	ClientID         string        `mapstructure:"client_id"`
	SessionID        string        `mapstructure:"session_id"`
	UserAgent        string        `mapstructure:"user_agent"`
	DefaultUserID    string        `mapstructure:"default_user_id"`
	CollectDevice    bool          `mapstructure:"collect_device_info"`
	Geolocation      *Geolocation  `mapstructure:"geolocation"`
}

// DefaultConfig returns the stock batching and retry settings
func DefaultConfig() Config {
	return Config{
		BatchSize:        10,
		FlushInterval:    30 * time.Second,
		MaxRetryAttempts: 3,
		RetryDelay:       time.Second,
		SubmitTimeout:    10 * time.Second,
		MaxLocalEntries:  10000,
		RetentionCheck:   24 * time.Hour,
		RedactPII:        true,
		Source:           "realtime_sync",
		DefaultUserID:    "system",
	}
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.BatchSize <= 0 {
		c.BatchSize = d.BatchSize
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = d.FlushInterval
	}
	if c.MaxRetryAttempts <= 0 {
		c.MaxRetryAttempts = d.MaxRetryAttempts
	}
	if c.RetryDelay < 0 {
		c.RetryDelay = 0
	}
	if c.SubmitTimeout <= 0 {
		c.SubmitTimeout = d.SubmitTimeout
	}
	if c.RetentionCheck <= 0 {
		c.RetentionCheck = d.RetentionCheck
	}
	if c.Source == "" {
		c.Source = d.Source
	}
	if c.DefaultUserID == "" {
		c.DefaultUserID = d.DefaultUserID
	}
}

// ErrUnsupportedFormat is returned by ExportLogs for unknown formats
var ErrUnsupportedFormat = errors.New("unsupported export format")

// LoggerOption customises a Logger
type LoggerOption func(*Logger)

// WithClock overrides the time source
func WithClock(now func() time.Time) LoggerOption {
	return func(l *Logger) { l.now = now }
}

// WithMetrics sets the metrics collector
func WithMetrics(m *metrics.Collector) LoggerOption {
	return func(l *Logger) { l.metrics = m }
}

// Logger records audit entries. Its public methods never fail into the
// caller: internal errors go to the diagnostic zap logger.
type Logger struct {
	cfg        Config
	submitter  Submitter
	store      Store
	logger     *zap.Logger
	metrics    *metrics.Collector
	now        func() time.Time
	signingKey []byte

	mu       sync.Mutex
	buffer   []*Entry
	lastHash string

	flushing  atomic.Bool
	lastFlush atomic.Int64

	runMu   sync.Mutex
	running bool
	closed  bool
	stop    chan struct{}
	wg      sync.WaitGroup
}

// NewLogger creates a logger and restores the chain head from store.
// A nil submitter keeps entries in the local store only; a nil store uses
// an in-memory one.
func NewLogger(ctx context.Context, cfg Config, submitter Submitter, store Store, logger *zap.Logger, opts ...LoggerOption) *Logger {
	cfg.applyDefaults()
	if store == nil {
		store = NewMemoryStore()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	l := &Logger{
		cfg:       cfg,
		submitter: submitter,
		store:     store,
		logger:    logger.With(zap.String("component", "audit")),
		now:       time.Now,
		stop:      make(chan struct{}),
	}
	if cfg.SigningKey != "" {
		l.signingKey = []byte(cfg.SigningKey)
	}
	for _, opt := range opts {
		opt(l)
	}

	head, err := store.LoadChainHead(ctx)
	if err != nil {
		l.logger.Error("Failed to restore audit chain head", zap.Error(err))
	} else if head != "" {
		l.lastHash = head
		l.logger.Info("Audit chain head restored", zap.String("head", head))
	}
	return l
}

// Start runs the periodic flush and retention loop until ctx ends or
// Cleanup is called
func (l *Logger) Start(ctx context.Context) error {
	l.runMu.Lock()
	defer l.runMu.Unlock()

	if l.running {
		return fmt.Errorf("audit logger is already running")
	}
	if l.closed {
		return fmt.Errorf("audit logger is closed")
	}
	l.running = true
	l.wg.Add(1)
	go l.loop(ctx)

	l.logger.Info("Audit logger started",
		zap.Int("batch_size", l.cfg.BatchSize),
		zap.Duration("flush_interval", l.cfg.FlushInterval))
	return nil
}

func (l *Logger) loop(ctx context.Context) {
	defer l.wg.Done()

	flushTicker := time.NewTicker(l.cfg.FlushInterval)
	defer flushTicker.Stop()
	retentionTicker := time.NewTicker(l.cfg.RetentionCheck)
	defer retentionTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-l.stop:
			return
		case <-flushTicker.C:
			l.Flush(ctx)
		case <-retentionTicker.C:
			l.EnforceRetention(ctx)
		}
	}
}

type actorKey struct{}

// ContextWithActor attaches the acting principal to ctx. Entries logged
// under ctx that name no actor of their own are attributed to it.
func ContextWithActor(ctx context.Context, actor events.Actor) context.Context {
	return context.WithValue(ctx, actorKey{}, actor)
}

func actorFromContext(ctx context.Context) (events.Actor, bool) {
	actor, ok := ctx.Value(actorKey{}).(events.Actor)
	return actor, ok && actor.UserID != ""
}

// LogEvent completes partial, stamps it into the chain and buffers it.
// The stored entry is returned.
func (l *Logger) LogEvent(ctx context.Context, partial Entry) Entry {
	e := partial
	if actor, ok := actorFromContext(ctx); ok && e.UserID == "" {
		e.UserID = actor.UserID
		if e.ClientID == "" {
			e.ClientID = actor.ClientID
		}
		if e.SessionID == "" {
			e.SessionID = actor.SessionID
		}
		if e.IPAddress == "" {
			e.IPAddress = actor.IPAddress
		}
		if e.UserAgent == "" {
			e.UserAgent = actor.UserAgent
		}
	}
	l.complete(&e)

	l.mu.Lock()
	e.PreviousEntryHash = l.lastHash
	e.Checksum = Checksum(&e)
	if l.signingKey != nil {
		e.DigitalSignature = Sign(&e, l.signingKey)
	}
	l.lastHash = e.Checksum
	stored := e
	l.buffer = append(l.buffer, &stored)
	buffered := len(l.buffer)
	l.persist(ctx, &stored)
	l.mu.Unlock()

	l.metrics.AuditEntryLogged(string(e.EventType))
	l.metrics.AuditBuffered(buffered)

	if buffered >= l.cfg.BatchSize {
		l.flushAsync()
	}
	return e
}

// persist writes the entry and chain head locally. Called with mu held so
// the stored head always matches the newest stored entry.
func (l *Logger) persist(ctx context.Context, e *Entry) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), l.cfg.SubmitTimeout)
	defer cancel()

	if err := l.store.Save(ctx, e); err != nil {
		l.logger.Error("Failed to store audit entry locally", zap.String("entry_id", e.ID), zap.Error(err))
		return
	}
	if err := l.store.SaveChainHead(ctx, e.Checksum); err != nil {
		l.logger.Error("Failed to persist audit chain head", zap.Error(err))
	}
	if l.cfg.MaxLocalEntries > 0 {
		if n, err := l.store.Prune(ctx, l.cfg.MaxLocalEntries); err != nil {
			l.logger.Warn("Failed to prune local audit store", zap.Error(err))
		} else if n > 0 {
			l.logger.Debug("Pruned local audit store", zap.Int("removed", n))
		}
	}
}

func (l *Logger) complete(e *Entry) {
	now := l.now().UTC()

	if e.ID == "" {
		e.ID = "AUDIT_" + strings.ReplaceAll(uuid.New().String(), "-", "")
	}
	if e.TraceID == "" {
		e.TraceID = uuid.New().String()
	}
	if e.CorrelationID == "" {
		e.CorrelationID = e.TraceID
	}
	if e.UserID == "" {
		e.UserID = l.cfg.DefaultUserID
	}
	if e.ClientID == "" {
		e.ClientID = l.cfg.ClientID
	}
	if e.SessionID == "" {
		e.SessionID = l.cfg.SessionID
	}
	if e.UserAgent == "" {
		e.UserAgent = l.cfg.UserAgent
	}
	if e.SecurityLevel == 0 {
		e.SecurityLevel = events.SecurityInternal
	}
	if e.Geolocation == nil && l.cfg.Geolocation != nil {
		geo := *l.cfg.Geolocation
		e.Geolocation = &geo
	}
	if e.EventType == "" {
		e.EventType = EventDataAccess
	}
	if e.EventCategory == "" {
		e.EventCategory = categoryOf(e.EventType)
	}
	if e.EventSource == "" {
		e.EventSource = l.cfg.Source
	}
	if e.ActionPerformed == "" {
		e.ActionPerformed = string(e.EventType)
	}
	if e.Status == "" {
		e.Status = StatusSuccess
	}
	if e.ClientTimestamp.IsZero() {
		e.ClientTimestamp = now
	}
	e.CanonicalTimestamp = now
	e.ComplianceFlags = append([]string(nil), e.ComplianceFlags...)

	if l.cfg.CollectDevice {
		if e.ContextData == nil {
			e.ContextData = make(map[string]interface{})
		}
		if _, ok := e.ContextData["device"]; !ok {
			e.ContextData["device"] = deviceInfo()
		}
	}

	if l.cfg.RedactPII {
		redacted, changed := Redact(e.ContextData)
		desc, descChanged := RedactString(e.Description)
		e.ContextData = redacted
		e.Description = desc
		if changed || descChanged {
			e.addFlag(FlagPIIRedacted)
		}
	}

	if e.RiskScore == 0 {
		e.RiskScore = RiskScore(e.EventType, e.SecurityLevel, e.Status)
	}
	e.RiskScore = clamp(e.RiskScore)
	if e.RiskScore >= ReviewThreshold {
		e.RequiresReview = true
		e.addFlag(FlagHighRisk)
	}
	switch e.EventType {
	case EventSecurityViolation:
		e.addFlag(FlagSecurityViolation)
	case EventExport:
		e.addFlag(FlagDataExport)
	}
}

func deviceInfo() map[string]interface{} {
	host, _ := os.Hostname()
	return map[string]interface{}{
		"hostname": host,
		"os":       runtime.GOOS,
		"arch":     runtime.GOARCH,
		"runtime":  runtime.Version(),
	}
}

// LogSyncEvent records the processing of a SyncEvent
func (l *Logger) LogSyncEvent(ctx context.Context, ev events.SyncEvent, extra map[string]interface{}) Entry {
	data := make(map[string]interface{}, len(extra)+6)
	for k, v := range extra {
		data[k] = v
	}
	data["sync_event_id"] = ev.ID
	data["sync_event_type"] = string(ev.Type)
	data["priority"] = ev.Priority.String()
	data["status"] = string(ev.Status)
	data["attempts"] = ev.Attempts
	data["risk_assessment"] = string(ev.Context.RiskAssessment)

	status := StatusSuccess
	if ev.Status == events.StatusFailed {
		status = StatusFailure
	}

	return l.LogEvent(ctx, Entry{
		TraceID:         ev.TraceID,
		CorrelationID:   ev.CorrelationID,
		UserID:          ev.Actor.UserID,
		ClientID:        ev.Actor.ClientID,
		SessionID:       ev.Actor.SessionID,
		IPAddress:       ev.Actor.IPAddress,
		UserAgent:       ev.Actor.UserAgent,
		SecurityLevel:   ev.SecurityLevel,
		EventType:       EventSyncProcessed,
		EventSource:     string(ev.Source),
		Description:     fmt.Sprintf("%s on %s", ev.Type, ev.EntityID),
		ResourceID:      ev.EntityID,
		ResourceType:    resourceType(ev.Type),
		ActionPerformed: string(ev.Type),
		ContextData:     data,
		ClientTimestamp: ev.Timestamp,
		Status:          status,
	})
}

func resourceType(t events.EventType) string {
	switch {
	case t.IsProperty():
		return "property"
	case t.IsIncident():
		return "incident"
	case t == events.EventHealthUpdated:
		return "system_health"
	case t == events.EventConflictDetected || t == events.EventConflictResolved:
		return "conflict"
	}
	return "sync"
}

// LogSecurityViolation records a security violation with a severity-derived
// risk score. High and critical violations always require review.
func (l *Logger) LogSecurityViolation(ctx context.Context, description string, contextData map[string]interface{}, severity Severity) Entry {
	score, ok := severityRisk[severity]
	if !ok {
		severity = SeverityMedium
		score = severityRisk[SeverityMedium]
	}
	data := make(map[string]interface{}, len(contextData)+1)
	for k, v := range contextData {
		data[k] = v
	}
	data["severity"] = string(severity)

	return l.LogEvent(ctx, Entry{
		EventType:       EventSecurityViolation,
		SecurityLevel:   events.SecurityRestricted,
		Description:     description,
		ActionPerformed: "security_violation_detected",
		ContextData:     data,
		RiskScore:       score,
		RequiresReview:  severity == SeverityHigh || severity == SeverityCritical,
		Status:          StatusWarning,
	})
}

// LogError records a failure with its message and the current stack
func (l *Logger) LogError(ctx context.Context, err error, contextData map[string]interface{}) Entry {
	if err == nil {
		err = errors.New("unknown error")
	}
	detail := &ErrorDetail{
		Message: err.Error(),
		Stack:   string(debug.Stack()),
	}
	var coded interface{ ErrorCode() string }
	if errors.As(err, &coded) {
		detail.Code = coded.ErrorCode()
	}

	action := "error"
	if detail.Code != "" {
		action = strings.ToLower(detail.Code)
	}
	return l.LogEvent(ctx, Entry{
		EventType:       EventSystemError,
		Description:     detail.Message,
		ActionPerformed: action,
		ContextData:     contextData,
		Status:          StatusError,
		Error:           detail,
	})
}

// Buffered returns the number of entries awaiting submission
func (l *Logger) Buffered() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buffer)
}

// ChainHead returns the checksum of the newest entry
func (l *Logger) ChainHead() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastHash
}

// LastFlush returns the time of the last successful flush
func (l *Logger) LastFlush() time.Time {
	ns := l.lastFlush.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

func (l *Logger) flushAsync() {
	l.runMu.Lock()
	defer l.runMu.Unlock()
	if l.closed {
		return
	}
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		l.Flush(context.Background())
	}()
}

// Flush submits the buffered entries. Only one flush runs at a time; a
// concurrent call returns immediately. It reports how many entries were
// submitted. A batch that fails every attempt is put back at the front of
// the buffer.
func (l *Logger) Flush(ctx context.Context) int {
	if !l.flushing.CompareAndSwap(false, true) {
		return 0
	}
	defer l.flushing.Store(false)

	l.mu.Lock()
	batch := l.buffer
	l.buffer = nil
	l.mu.Unlock()

	if len(batch) == 0 {
		return 0
	}
	if l.submitter == nil {
		l.logger.Debug("No audit submitter configured, entries kept locally", zap.Int("count", len(batch)))
		l.markFlushed()
		return 0
	}

	start := time.Now()
	err := l.submit(ctx, batch)
	elapsed := time.Since(start).Seconds()

	if err != nil {
		l.mu.Lock()
		l.buffer = append(batch, l.buffer...)
		buffered := len(l.buffer)
		l.mu.Unlock()

		l.metrics.AuditFlush("failure", elapsed)
		l.metrics.AuditBuffered(buffered)
		l.logger.Error("Audit batch submission failed, batch requeued",
			zap.Int("batch_size", len(batch)),
			zap.Int("buffered", buffered),
			zap.Error(err))
		return 0
	}

	l.markFlushed()
	l.metrics.AuditFlush("success", elapsed)
	l.metrics.AuditBuffered(l.Buffered())
	l.logger.Debug("Flushed audit batch", zap.Int("count", len(batch)))
	return len(batch)
}

func (l *Logger) markFlushed() {
	l.lastFlush.Store(l.now().UnixNano())
}

// submit tries the batch up to MaxRetryAttempts times, waiting
// RetryDelay*attempt between attempts
func (l *Logger) submit(ctx context.Context, batch []*Entry) error {
	var err error
	for attempt := 1; attempt <= l.cfg.MaxRetryAttempts; attempt++ {
		sctx, cancel := context.WithTimeout(ctx, l.cfg.SubmitTimeout)
		err = l.submitter.Submit(sctx, batch)
		cancel()
		if err == nil {
			return nil
		}

		l.logger.Warn("Audit submission attempt failed",
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", l.cfg.MaxRetryAttempts),
			zap.Error(err))

		if attempt == l.cfg.MaxRetryAttempts {
			break
		}
		timer := time.NewTimer(l.retryBackoff(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return err
}

// retryBackoff is the wait after failed attempt n; it grows linearly
func (l *Logger) retryBackoff(attempt int) time.Duration {
	return l.cfg.RetryDelay * time.Duration(attempt)
}

// Query returns locally stored entries matching f
func (l *Logger) Query(ctx context.Context, f Filter) ([]*Entry, error) {
	return l.store.List(ctx, f)
}

// Statistics summarises locally stored entries matching f
func (l *Logger) Statistics(ctx context.Context, f Filter) (*Statistics, error) {
	f.Limit, f.Offset = 0, 0
	entries, err := l.store.List(ctx, f)
	if err != nil {
		return nil, err
	}
	return Summarise(entries, l.now().UTC()), nil
}

// EnforceRetention removes local entries older than the retention period
func (l *Logger) EnforceRetention(ctx context.Context) int {
	if l.cfg.RetentionPeriod <= 0 {
		return 0
	}
	n, err := l.store.DeleteBefore(ctx, l.now().Add(-l.cfg.RetentionPeriod))
	if err != nil {
		l.logger.Error("Failed to enforce audit retention", zap.Error(err))
		return 0
	}
	if n > 0 {
		l.logger.Info("Enforced audit retention", zap.Int("deleted_count", n))
	}
	return n
}

// Cleanup records a shutdown entry, stops the background loop and flushes
// what is left. It is safe to call more than once.
func (l *Logger) Cleanup(ctx context.Context) {
	l.runMu.Lock()
	if l.closed {
		l.runMu.Unlock()
		return
	}
	l.closed = true
	l.runMu.Unlock()

	l.LogEvent(ctx, Entry{
		EventType:       EventSystemLifecycle,
		ActionPerformed: "shutdown",
		Description:     "audit logger shutting down",
	})

	close(l.stop)
	l.wg.Wait()

	if n := l.Flush(ctx); n == 0 && l.Buffered() > 0 {
		l.logger.Warn("Audit entries left unsubmitted at shutdown, kept in local store",
			zap.Int("count", l.Buffered()))
	}
	l.logger.Info("Audit logger stopped")
}
