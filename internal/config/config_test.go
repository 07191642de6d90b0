package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aegisshield/realtime-sync/internal/events"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.HTTP.Port)
	assert.Equal(t, 30*time.Second, cfg.Server.HTTP.ReadTimeout)
	assert.Equal(t, 5*time.Minute, cfg.Sync.CacheTTL)
	assert.Equal(t, 3, cfg.Sync.MaxRetryAttempts)
	assert.True(t, cfg.Sync.OptimisticUpdates)
	assert.Equal(t, events.SourceClientPortal, cfg.Sync.Source)
	assert.Equal(t, 10, cfg.Audit.Logger.BatchSize)
	assert.Equal(t, 30*time.Second, cfg.Audit.Logger.FlushInterval)
	assert.True(t, cfg.Audit.Logger.RedactPII)
	assert.Equal(t, 5, cfg.Transport.Reconnect.MaxAttempts)
	assert.Equal(t, "localhost:6379", cfg.GetRedisAddr())
	assert.Equal(t, "aegis:sync:cache", cfg.Cache.Prefix)
	assert.Equal(t, time.Minute, cfg.Cache.SweepInterval)
	assert.NoError(t, cfg.Validate())
}

func TestLoad_FileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
environment: production
server:
  http:
    port: 9090
sync:
  debounce: 250ms
  event_type_filter: [incident_synced, health_updated]
  property_id_filter: [PROP-1]
audit:
  logger:
    batch_size: 25
kafka:
  enabled: true
`), 0o600))

	t.Setenv("AEGIS_SYNC_SYNC_FULL_SYNC_SCHEDULE", "*/15 * * * *")
	t.Setenv("JWT_SECRET", "from-env")
	t.Setenv("KAFKA_BROKERS", "k1:9092,k2:9092")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "production", cfg.Environment)
	assert.Equal(t, 9090, cfg.Server.HTTP.Port)
	assert.Equal(t, 250*time.Millisecond, cfg.Sync.Debounce)
	assert.Equal(t, []events.EventType{events.EventIncidentSynced, events.EventHealthUpdated}, cfg.Sync.EventTypeFilter)
	assert.Equal(t, []string{"PROP-1"}, cfg.Sync.PropertyIDFilter)
	assert.Equal(t, "*/15 * * * *", cfg.Sync.FullSyncSchedule)
	assert.Equal(t, 25, cfg.Audit.Logger.BatchSize)
	assert.Equal(t, "from-env", cfg.Security.JWTSecret)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Kafka.Brokers)
	assert.NoError(t, cfg.Validate())
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	cfg.Environment = "production"
	cfg.Server.HTTP.Port = 0
	cfg.Logging.Format = "xml"

	err = cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "server.http.port")
	assert.Contains(t, err.Error(), "jwt_secret")
	assert.Contains(t, err.Error(), "logging.format")
}
