package syncclient

import (
	"time"

	"github.com/aegisshield/realtime-sync/internal/cache"
	"github.com/aegisshield/realtime-sync/internal/conflict"
	"github.com/aegisshield/realtime-sync/internal/events"
	"github.com/aegisshield/realtime-sync/internal/metrics"
	"github.com/aegisshield/realtime-sync/internal/models"
	"github.com/aegisshield/realtime-sync/internal/transport"
)

// Callbacks are caller hooks invoked outside the client's lock
type Callbacks struct {
	OnConnectionChange func(transport.StateChange)
	OnSyncComplete     func(Status)
	OnError            func(*SyncError)
	OnConflict         func(models.SyncConflict)
}

// Options is the client configuration surface
type Options struct {
	AutoConnect        bool               `mapstructure:"auto_connect"`
	RetryOnError       bool               `mapstructure:"retry_on_error"`
	MaxRetryAttempts   int                `mapstructure:"max_retry_attempts"`
	RetryDelay         time.Duration      `mapstructure:"retry_delay"`
	OptimisticUpdates  bool               `mapstructure:"optimistic_updates"`
	Debounce           time.Duration      `mapstructure:"debounce"`
	CacheTTL           time.Duration      `mapstructure:"cache_ttl"`
	RequestTimeout     time.Duration      `mapstructure:"request_timeout"`
	EnableProperties   bool               `mapstructure:"enable_properties"`
	EnableIncidents    bool               `mapstructure:"enable_incidents"`
	EnableSystemHealth bool               `mapstructure:"enable_system_health"`
	EventTypeFilter    []events.EventType `mapstructure:"event_type_filter"`
	PropertyIDFilter   []string           `mapstructure:"property_id_filter"`
	FullSyncSchedule   string             `mapstructure:"full_sync_schedule"`
	Source             events.Source      `mapstructure:"source"`
	Actor              events.Actor       `mapstructure:"-"`

	Callbacks Callbacks `mapstructure:"-"`
}

// DefaultOptions returns the client defaults
func DefaultOptions() Options {
	return Options{
		AutoConnect:        true,
		RetryOnError:       true,
		MaxRetryAttempts:   3,
		RetryDelay:         500 * time.Millisecond,
		OptimisticUpdates:  true,
		CacheTTL:           5 * time.Minute,
		RequestTimeout:     10 * time.Second,
		EnableProperties:   true,
		EnableIncidents:    true,
		EnableSystemHealth: true,
		Source:             events.SourceClientPortal,
	}
}

func (o *Options) applyDefaults() {
	d := DefaultOptions()
	if o.MaxRetryAttempts <= 0 {
		o.MaxRetryAttempts = d.MaxRetryAttempts
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = d.RetryDelay
	}
	if o.CacheTTL <= 0 {
		o.CacheTTL = d.CacheTTL
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = d.RequestTimeout
	}
	if !o.Source.Valid() {
		o.Source = d.Source
	}
	if o.Actor.UserID == "" {
		o.Actor.UserID = "system"
	}
}

// ClientOption customises a Client
type ClientOption func(*Client)

// WithMetrics sets the metrics collector
func WithMetrics(m *metrics.Collector) ClientOption {
	return func(c *Client) { c.metrics = m }
}

// WithClock overrides the time source
func WithClock(now func() time.Time) ClientOption {
	return func(c *Client) { c.now = now }
}

// WithResolver replaces the default conflict resolver
func WithResolver(r *conflict.Resolver) ClientOption {
	return func(c *Client) { c.resolver = r }
}

// WithBuilder sets the event builder
func WithBuilder(b *events.Builder) ClientOption {
	return func(c *Client) { c.builder = b }
}

// WithPropertyCache replaces the in-memory property cache
func WithPropertyCache(pc cache.Cache[[]models.PropertySyncData]) ClientOption {
	return func(c *Client) { c.properties = pc }
}

// WithIncidentCache replaces the in-memory incident cache
func WithIncidentCache(ic cache.Cache[[]models.IncidentSyncData]) ClientOption {
	return func(c *Client) { c.incidents = ic }
}

// WithHealthCache replaces the in-memory system health cache
func WithHealthCache(hc cache.Cache[[]models.SystemHealthSyncData]) ClientOption {
	return func(c *Client) { c.health = hc }
}
