package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/aegisshield/realtime-sync/internal/audit"
	"github.com/aegisshield/realtime-sync/internal/backend"
	"github.com/aegisshield/realtime-sync/internal/syncclient"
)

// Config represents the application configuration
type Config struct {
	Environment string             `mapstructure:"environment"`
	Server      ServerConfig       `mapstructure:"server"`
	Transport   TransportConfig    `mapstructure:"transport"`
	Agent       AgentConfig        `mapstructure:"agent"`
	Sync        syncclient.Options `mapstructure:"sync"`
	Backend     backend.Config     `mapstructure:"backend"`
	Cache       CacheConfig        `mapstructure:"cache"`
	Audit       AuditConfig        `mapstructure:"audit"`
	Redis       RedisConfig        `mapstructure:"redis"`
	Database    DatabaseConfig     `mapstructure:"database"`
	Kafka       KafkaConfig        `mapstructure:"kafka"`
	Security    SecurityConfig     `mapstructure:"security"`
	Logging     LoggingConfig      `mapstructure:"logging"`
	Metrics     MetricsConfig      `mapstructure:"metrics"`
}

// ServerConfig contains relay and ingestion server configuration
type ServerConfig struct {
	HTTP      HTTPConfig      `mapstructure:"http"`
	WebSocket WebSocketConfig `mapstructure:"websocket"`
}

// HTTPConfig contains HTTP server settings
type HTTPConfig struct {
	Port           int           `mapstructure:"port"`
	ReadTimeout    time.Duration `mapstructure:"read_timeout"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout"`
	IdleTimeout    time.Duration `mapstructure:"idle_timeout"`
	MaxHeaderBytes int           `mapstructure:"max_header_bytes"`
}

// WebSocketConfig contains relay socket settings
type WebSocketConfig struct {
	ReadBufferSize    int           `mapstructure:"read_buffer_size"`
	WriteBufferSize   int           `mapstructure:"write_buffer_size"`
	CheckOrigin       bool          `mapstructure:"check_origin"`
	AllowedOrigins    []string      `mapstructure:"allowed_origins"`
	EnableCompression bool          `mapstructure:"enable_compression"`
	PingInterval      time.Duration `mapstructure:"ping_interval"`
	AuthTimeout       time.Duration `mapstructure:"auth_timeout"`
	InstanceID        string        `mapstructure:"instance_id"`
	FanoutChannel     string        `mapstructure:"fanout_channel"`
	RateLimit         int           `mapstructure:"rate_limit"`
	RateBurst         int           `mapstructure:"rate_burst"`
}

// TransportConfig contains the client side channel settings
type TransportConfig struct {
	URL       string          `mapstructure:"url"`
	Token     string          `mapstructure:"token"`
	Reconnect ReconnectConfig `mapstructure:"reconnect"`
}

// ReconnectConfig bounds automatic reconnects
type ReconnectConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	BaseDelay   time.Duration `mapstructure:"base_delay"`
	MaxDelay    time.Duration `mapstructure:"max_delay"`
	Backoff     string        `mapstructure:"backoff"`
}

// AgentConfig identifies the consumer a sync agent acts for
type AgentConfig struct {
	UserID    string `mapstructure:"user_id"`
	ClientID  string `mapstructure:"client_id"`
	SessionID string `mapstructure:"session_id"`
}

// CacheConfig contains the agent's read cache settings. Redis backs the
// caches when it is enabled.
type CacheConfig struct {
	Prefix        string        `mapstructure:"prefix"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
}

// AuditConfig contains the audit logger and submission settings
type AuditConfig struct {
	Logger        audit.Config `mapstructure:"logger"`
	Endpoint      string       `mapstructure:"endpoint"`
	Token         string       `mapstructure:"token"`
	EncryptionKey string       `mapstructure:"encryption_key"`
	StorePrefix   string       `mapstructure:"store_prefix"`
}

// RedisConfig contains Redis connection settings
type RedisConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	Password     string        `mapstructure:"password"`
	Database     int           `mapstructure:"database"`
	MaxRetries   int           `mapstructure:"max_retries"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	PoolSize     int           `mapstructure:"pool_size"`
}

// DatabaseConfig contains database connection settings
type DatabaseConfig struct {
	Enabled            bool          `mapstructure:"enabled"`
	Host               string        `mapstructure:"host"`
	Port               int           `mapstructure:"port"`
	Name               string        `mapstructure:"name"`
	Username           string        `mapstructure:"username"`
	Password           string        `mapstructure:"password"`
	SSLMode            string        `mapstructure:"ssl_mode"`
	MaxOpenConnections int           `mapstructure:"max_open_connections"`
	MaxIdleConnections int           `mapstructure:"max_idle_connections"`
	ConnMaxLifetime    time.Duration `mapstructure:"connection_max_lifetime"`
	AutoMigrate        bool          `mapstructure:"auto_migrate"`
}

// KafkaConfig contains the relay journal settings
type KafkaConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	Brokers      []string      `mapstructure:"brokers"`
	Topic        string        `mapstructure:"topic"`
	BatchSize    int           `mapstructure:"batch_size"`
	BatchTimeout time.Duration `mapstructure:"batch_timeout"`
	RequiredAcks int           `mapstructure:"required_acks"`
}

// SecurityConfig contains token settings
type SecurityConfig struct {
	JWTSecret string        `mapstructure:"jwt_secret"`
	JWTIssuer string        `mapstructure:"jwt_issuer"`
	TokenTTL  time.Duration `mapstructure:"token_ttl"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// MetricsConfig contains metrics configuration
type MetricsConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Path      string `mapstructure:"path"`
	Namespace string `mapstructure:"namespace"`
}

// Load loads configuration from an optional YAML file and environment
// variables prefixed with AEGIS_SYNC_.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("AEGIS_SYNC")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	overrideWithEnvVars(v)

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return &config, nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", "development")

	// Server defaults
	v.SetDefault("server.http.port", 8080)
	v.SetDefault("server.http.read_timeout", "30s")
	v.SetDefault("server.http.write_timeout", "30s")
	v.SetDefault("server.http.idle_timeout", "120s")
	v.SetDefault("server.http.max_header_bytes", 1048576)
	v.SetDefault("server.websocket.read_buffer_size", 1024)
	v.SetDefault("server.websocket.write_buffer_size", 1024)
	v.SetDefault("server.websocket.check_origin", false)
	v.SetDefault("server.websocket.enable_compression", true)
	v.SetDefault("server.websocket.ping_interval", "54s")
	v.SetDefault("server.websocket.auth_timeout", "10s")
	v.SetDefault("server.websocket.fanout_channel", "aegis:sync:relay")
	v.SetDefault("server.websocket.rate_limit", 600)
	v.SetDefault("server.websocket.rate_burst", 100)

	// Transport defaults
	v.SetDefault("transport.url", "ws://localhost:8080/ws")
	v.SetDefault("transport.reconnect.max_attempts", 5)
	v.SetDefault("transport.reconnect.base_delay", "2s")
	v.SetDefault("transport.reconnect.max_delay", "30s")
	v.SetDefault("transport.reconnect.backoff", "exponential")

	// Agent defaults
	v.SetDefault("agent.user_id", "system")

	// Sync defaults
	sync := syncclient.DefaultOptions()
	v.SetDefault("sync.auto_connect", sync.AutoConnect)
	v.SetDefault("sync.retry_on_error", sync.RetryOnError)
	v.SetDefault("sync.max_retry_attempts", sync.MaxRetryAttempts)
	v.SetDefault("sync.retry_delay", sync.RetryDelay.String())
	v.SetDefault("sync.optimistic_updates", sync.OptimisticUpdates)
	v.SetDefault("sync.debounce", "0s")
	v.SetDefault("sync.cache_ttl", sync.CacheTTL.String())
	v.SetDefault("sync.request_timeout", sync.RequestTimeout.String())
	v.SetDefault("sync.enable_properties", sync.EnableProperties)
	v.SetDefault("sync.enable_incidents", sync.EnableIncidents)
	v.SetDefault("sync.enable_system_health", sync.EnableSystemHealth)
	v.SetDefault("sync.event_type_filter", []string{})
	v.SetDefault("sync.property_id_filter", []string{})
	v.SetDefault("sync.full_sync_schedule", "")
	v.SetDefault("sync.source", string(sync.Source))

	// Backend defaults
	v.SetDefault("backend.base_url", "http://localhost:8000")
	v.SetDefault("backend.timeout", "10s")

	// Cache defaults
	v.SetDefault("cache.prefix", "aegis:sync:cache")
	v.SetDefault("cache.sweep_interval", "1m")

	// Audit defaults
	a := audit.DefaultConfig()
	v.SetDefault("audit.logger.batch_size", a.BatchSize)
	v.SetDefault("audit.logger.flush_interval", a.FlushInterval.String())
	v.SetDefault("audit.logger.max_retry_attempts", a.MaxRetryAttempts)
	v.SetDefault("audit.logger.retry_delay", a.RetryDelay.String())
	v.SetDefault("audit.logger.submit_timeout", a.SubmitTimeout.String())
	v.SetDefault("audit.logger.max_local_entries", a.MaxLocalEntries)
	v.SetDefault("audit.logger.retention_period", "2160h")
	v.SetDefault("audit.logger.retention_check_interval", a.RetentionCheck.String())
	v.SetDefault("audit.logger.redact_pii", a.RedactPII)
	v.SetDefault("audit.logger.source", a.Source)
	v.SetDefault("audit.logger.default_user_id", a.DefaultUserID)
	v.SetDefault("audit.logger.collect_device_info", true)
	v.SetDefault("audit.endpoint", "http://localhost:8080/api/v1/audit/logs")
	v.SetDefault("audit.store_prefix", "aegis:audit")

	// Redis defaults
	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.database", 0)
	v.SetDefault("redis.max_retries", 3)
	v.SetDefault("redis.dial_timeout", "5s")
	v.SetDefault("redis.read_timeout", "3s")
	v.SetDefault("redis.write_timeout", "3s")
	v.SetDefault("redis.pool_size", 10)

	// Database defaults
	v.SetDefault("database.enabled", false)
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.name", "aegis_audit")
	v.SetDefault("database.ssl_mode", "disable")
	v.SetDefault("database.max_open_connections", 25)
	v.SetDefault("database.max_idle_connections", 25)
	v.SetDefault("database.connection_max_lifetime", "5m")
	v.SetDefault("database.auto_migrate", true)

	// Kafka defaults
	v.SetDefault("kafka.enabled", false)
	v.SetDefault("kafka.brokers", []string{"localhost:9092"})
	v.SetDefault("kafka.topic", "aegis.sync.events")
	v.SetDefault("kafka.batch_size", 100)
	v.SetDefault("kafka.batch_timeout", "1s")
	v.SetDefault("kafka.required_acks", -1)

	// Security defaults
	v.SetDefault("security.jwt_issuer", "aegisshield")
	v.SetDefault("security.token_ttl", "1h")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	// Metrics defaults
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.path", "/metrics")
	v.SetDefault("metrics.namespace", "aegis_sync")
}

// overrideWithEnvVars applies the unprefixed variables shared with the
// rest of the platform
func overrideWithEnvVars(v *viper.Viper) {
	if password := os.Getenv("DATABASE_PASSWORD"); password != "" {
		v.Set("database.password", password)
	}
	if host := os.Getenv("REDIS_HOST"); host != "" {
		v.Set("redis.host", host)
	}
	if password := os.Getenv("REDIS_PASSWORD"); password != "" {
		v.Set("redis.password", password)
	}
	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		v.Set("kafka.brokers", strings.Split(brokers, ","))
	}
	if jwtSecret := os.Getenv("JWT_SECRET"); jwtSecret != "" {
		v.Set("security.jwt_secret", jwtSecret)
	}
}

// Validate reports missing or inconsistent settings
func (c *Config) Validate() error {
	var errs []error
	if c.Server.HTTP.Port <= 0 || c.Server.HTTP.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.http.port %d out of range", c.Server.HTTP.Port))
	}
	if c.Security.JWTSecret == "" && c.Environment == "production" {
		errs = append(errs, errors.New("security.jwt_secret is required in production"))
	}
	if c.Audit.Logger.BatchSize <= 0 {
		errs = append(errs, errors.New("audit.logger.batch_size must be positive"))
	}
	if c.Kafka.Enabled && len(c.Kafka.Brokers) == 0 {
		errs = append(errs, errors.New("kafka.brokers is required when kafka is enabled"))
	}
	if c.Database.Enabled && c.Database.Host == "" {
		errs = append(errs, errors.New("database.host is required when the database is enabled"))
	}
	switch c.Logging.Format {
	case "json", "console":
	default:
		errs = append(errs, fmt.Errorf("logging.format %q must be json or console", c.Logging.Format))
	}
	return errors.Join(errs...)
}

// GetDatabaseDSN returns the postgres connection string
func (c *Config) GetDatabaseDSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Database.Host,
		c.Database.Port,
		c.Database.Username,
		c.Database.Password,
		c.Database.Name,
		c.Database.SSLMode,
	)
}

// GetRedisAddr returns the Redis connection address
func (c *Config) GetRedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Redis.Host, c.Redis.Port)
}
