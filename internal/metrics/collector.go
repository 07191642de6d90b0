package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector manages Prometheus metrics for the sync and audit core.
// A nil *Collector is valid and records nothing.
type Collector struct {
	registry *prometheus.Registry

	syncEventsSent     *prometheus.CounterVec
	syncEventsReceived *prometheus.CounterVec
	syncFailures       *prometheus.CounterVec
	conflictsDetected  *prometheus.CounterVec
	conflictsResolved  *prometheus.CounterVec
	openConflicts      prometheus.Gauge
	fullSyncDuration   prometheus.Histogram

	connectionState   *prometheus.GaugeVec
	reconnectAttempts prometheus.Counter

	cacheRequests *prometheus.CounterVec

	auditEntries       *prometheus.CounterVec
	auditFlushes       *prometheus.CounterVec
	auditFlushDuration prometheus.Histogram
	auditBuffered      prometheus.Gauge

	relayClients  prometheus.Gauge
	relayMessages *prometheus.CounterVec
}

// NewCollector creates a collector registered on its own registry
func NewCollector(namespace string) *Collector {
	c := &Collector{registry: prometheus.NewRegistry()}

	c.syncEventsSent = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "sync_events_sent_total",
		Help:      "Total number of sync events sent on the transport channel",
	}, []string{"type"})
	c.syncEventsReceived = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "sync_events_received_total",
		Help:      "Total number of inbound sync messages by type and outcome",
	}, []string{"type", "outcome"})
	c.syncFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "sync_failures_total",
		Help:      "Total number of sync failures by error code",
	}, []string{"code"})
	c.conflictsDetected = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "conflicts_detected_total",
		Help:      "Total number of conflicts detected by entity kind",
	}, []string{"kind"})
	c.conflictsResolved = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "conflicts_resolved_total",
		Help:      "Total number of conflicts closed by strategy",
	}, []string{"strategy"})
	c.openConflicts = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "conflicts_open",
		Help:      "Number of currently open conflicts",
	})
	c.fullSyncDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "full_sync_duration_seconds",
		Help:      "Duration of full reconciliation passes",
		Buckets:   prometheus.DefBuckets,
	})
	c.connectionState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "transport_connection_state",
		Help:      "1 for the current transport connection state, 0 otherwise",
	}, []string{"state"})
	c.reconnectAttempts = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "transport_reconnect_attempts_total",
		Help:      "Total number of transport reconnect attempts",
	})
	c.cacheRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "cache_requests_total",
		Help:      "Cache lookups by cache name and result",
	}, []string{"cache", "result"})
	c.auditEntries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "audit_entries_total",
		Help:      "Total number of audit entries logged by event type",
	}, []string{"event_type"})
	c.auditFlushes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "audit_flushes_total",
		Help:      "Audit batch flushes by outcome",
	}, []string{"outcome"})
	c.auditFlushDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "audit_flush_duration_seconds",
		Help:      "Duration of audit batch submissions including retries",
		Buckets:   prometheus.DefBuckets,
	})
	c.auditBuffered = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "audit_buffered_entries",
		Help:      "Number of audit entries waiting for submission",
	})
	c.relayClients = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "relay_connected_clients",
		Help:      "Number of websocket clients connected to the relay",
	})
	c.relayMessages = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "relay_messages_total",
		Help:      "Messages handled by the relay by type and outcome",
	}, []string{"type", "outcome"})

	for _, col := range []prometheus.Collector{
		c.syncEventsSent, c.syncEventsReceived, c.syncFailures,
		c.conflictsDetected, c.conflictsResolved, c.openConflicts, c.fullSyncDuration,
		c.connectionState, c.reconnectAttempts, c.cacheRequests,
		c.auditEntries, c.auditFlushes, c.auditFlushDuration, c.auditBuffered,
		c.relayClients, c.relayMessages,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	} {
		c.registry.MustRegister(col)
	}

	return c
}

// Registry exposes the underlying registry, mainly for tests
func (c *Collector) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

// Handler returns the HTTP handler serving this collector's metrics
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

func (c *Collector) SyncEventSent(eventType string) {
	if c == nil {
		return
	}
	c.syncEventsSent.WithLabelValues(eventType).Inc()
}

func (c *Collector) SyncEventReceived(eventType, outcome string) {
	if c == nil {
		return
	}
	c.syncEventsReceived.WithLabelValues(eventType, outcome).Inc()
}

func (c *Collector) SyncFailure(code string) {
	if c == nil {
		return
	}
	c.syncFailures.WithLabelValues(code).Inc()
}

func (c *Collector) ConflictDetected(kind string) {
	if c == nil {
		return
	}
	c.conflictsDetected.WithLabelValues(kind).Inc()
	c.openConflicts.Inc()
}

func (c *Collector) ConflictClosed(strategy string) {
	if c == nil {
		return
	}
	c.conflictsResolved.WithLabelValues(strategy).Inc()
	c.openConflicts.Dec()
}

func (c *Collector) FullSyncCompleted(seconds float64) {
	if c == nil {
		return
	}
	c.fullSyncDuration.Observe(seconds)
}

// ConnectionState marks state as the current transport state
func (c *Collector) ConnectionState(state string, known []string) {
	if c == nil {
		return
	}
	for _, s := range known {
		c.connectionState.WithLabelValues(s).Set(0)
	}
	c.connectionState.WithLabelValues(state).Set(1)
}

func (c *Collector) ReconnectAttempt() {
	if c == nil {
		return
	}
	c.reconnectAttempts.Inc()
}

func (c *Collector) CacheHit(name string) {
	if c == nil {
		return
	}
	c.cacheRequests.WithLabelValues(name, "hit").Inc()
}

func (c *Collector) CacheMiss(name string) {
	if c == nil {
		return
	}
	c.cacheRequests.WithLabelValues(name, "miss").Inc()
}

func (c *Collector) AuditEntryLogged(eventType string) {
	if c == nil {
		return
	}
	c.auditEntries.WithLabelValues(eventType).Inc()
}

func (c *Collector) AuditFlush(outcome string, seconds float64) {
	if c == nil {
		return
	}
	c.auditFlushes.WithLabelValues(outcome).Inc()
	c.auditFlushDuration.Observe(seconds)
}

func (c *Collector) AuditBuffered(n int) {
	if c == nil {
		return
	}
	c.auditBuffered.Set(float64(n))
}

func (c *Collector) RelayClients(n int) {
	if c == nil {
		return
	}
	c.relayClients.Set(float64(n))
}

func (c *Collector) RelayMessage(msgType, outcome string) {
	if c == nil {
		return
	}
	c.relayMessages.WithLabelValues(msgType, outcome).Inc()
}
