// Package config provides centralized configuration management for the pipeline.
// It loads configuration from environment variables with sensible defaults and
// validates all settings on startup to fail fast on misconfiguration.
package config

import (
	"strconv"
	"time"
)

// Config holds all application configuration.
// All settings can be configured via environment variables.
type Config struct {
	App       AppConfig
	Server    ServerConfig
	Database  DatabaseConfig
	Store     StoreConfig
	Storage   StorageConfig
	Bus       BusConfig
	Upload    UploadConfig
	Worker    WorkerConfig
	Projector ProjectorConfig
	Sweeper   SweeperConfig
	Security  SecurityConfig
	Logging   LoggingConfig
}

// AppConfig selects which roles this process runs.
type AppConfig struct {
	// Roles is a comma-separated subset of intake, worker, projector (default: all)
	Roles []string `env:"APP_ROLES" default:"intake,worker,projector"`

	// InstanceID names this process in logs and Started events (default: hostname)
	InstanceID string `env:"APP_INSTANCE_ID"`
}

// HasRole reports whether role is enabled for this process.
func (c *AppConfig) HasRole(role string) bool {
	for _, r := range c.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	// Host is the interface to bind to (default: 0.0.0.0)
	Host string `env:"SERVER_HOST" default:"0.0.0.0"`

	// Port is the port to listen on (default: 8080)
	Port int `env:"SERVER_PORT" default:"8080"`

	// ReadTimeout is the maximum duration for reading request body (default: 30s)
	ReadTimeout time.Duration `env:"SERVER_READ_TIMEOUT" default:"30s"`

	// WriteTimeout is the maximum duration for writing response (default: 30s)
	WriteTimeout time.Duration `env:"SERVER_WRITE_TIMEOUT" default:"30s"`

	// IdleTimeout is the keep-alive timeout (default: 60s)
	IdleTimeout time.Duration `env:"SERVER_IDLE_TIMEOUT" default:"60s"`

	// ShutdownTimeout is the maximum duration to wait for graceful shutdown (default: 30s)
	ShutdownTimeout time.Duration `env:"SERVER_SHUTDOWN_TIMEOUT" default:"30s"`

	// RequestTimeout is the middleware timeout for requests (default: 60s)
	RequestTimeout time.Duration `env:"SERVER_REQUEST_TIMEOUT" default:"60s"`
}

// DatabaseConfig holds PostgreSQL connection settings. Only used when
// STORE_BACKEND=postgres.
type DatabaseConfig struct {
	// URL is the PostgreSQL connection string.
	// Supports both DATABASE_URL and DB_URL env vars for compatibility
	URL string `env:"DATABASE_URL" envAlt:"DB_URL"`

	// MaxConns is the maximum number of connections in the pool (default: 20)
	MaxConns int `env:"DB_MAX_CONNS" default:"20"`

	// MinConns is the minimum number of connections to keep open (default: 2)
	MinConns int `env:"DB_MIN_CONNS" default:"2"`

	// MaxConnLifetime is the maximum lifetime of a connection (default: 1h)
	MaxConnLifetime time.Duration `env:"DB_MAX_CONN_LIFETIME" default:"1h"`

	// MaxConnIdleTime is the maximum idle time before a connection is closed (default: 30m)
	MaxConnIdleTime time.Duration `env:"DB_MAX_CONN_IDLE_TIME" default:"30m"`

	// AutoMigrate applies embedded migrations on startup (default: true)
	AutoMigrate bool `env:"DB_AUTO_MIGRATE" default:"true"`
}

// StoreConfig selects the status store backend.
type StoreConfig struct {
	// Backend is one of memory, bolt, postgres (default: bolt)
	Backend string `env:"STORE_BACKEND" default:"bolt"`

	// BoltPath is the bbolt database file (default: data/status.db)
	BoltPath string `env:"STORE_BOLT_PATH" default:"data/status.db"`

	// OpTimeout bounds a single store call (default: 5s)
	OpTimeout time.Duration `env:"STORE_OP_TIMEOUT" default:"5s"`
}

// StorageConfig holds blob storage settings.
type StorageConfig struct {
	// DataDir is the root directory for uploaded file contents (default: data/blobs)
	DataDir string `env:"STORAGE_DATA_DIR" default:"data/blobs"`
}

// BusConfig holds message bus settings.
type BusConfig struct {
	// Backend is one of memory, kafka (default: memory)
	Backend string `env:"BUS_BACKEND" default:"memory"`

	// Brokers is a comma-separated list of Kafka brokers
	Brokers []string `env:"BUS_BROKERS" envAlt:"KAFKA_BROKERS"`

	// SubmissionTopic carries Submitted events (default: file.submitted)
	SubmissionTopic string `env:"BUS_SUBMISSION_TOPIC" default:"file.submitted"`

	// OutcomeTopic carries Started, Succeeded and Failed events (default: file.outcome)
	OutcomeTopic string `env:"BUS_OUTCOME_TOPIC" default:"file.outcome"`

	// GroupPrefix prefixes consumer group names (default: fileflow)
	GroupPrefix string `env:"BUS_GROUP_PREFIX" default:"fileflow"`

	// Partitions is the number of in-memory partitions per consumer group (default: 8)
	Partitions int `env:"BUS_PARTITIONS" default:"8"`

	// BufferSize is the per-partition queue depth of the in-memory bus (default: 64)
	BufferSize int `env:"BUS_BUFFER_SIZE" default:"64"`

	// MaxDeliveries caps redelivery of a message whose handler keeps failing (default: 10)
	MaxDeliveries int `env:"BUS_MAX_DELIVERIES" default:"10"`

	// RedeliveryBackoff is the initial redelivery delay, doubled per attempt (default: 500ms)
	RedeliveryBackoff time.Duration `env:"BUS_REDELIVERY_BACKOFF" default:"500ms"`

	// MaxRedeliveryBackoff caps the redelivery delay (default: 30s)
	MaxRedeliveryBackoff time.Duration `env:"BUS_MAX_REDELIVERY_BACKOFF" default:"30s"`

	// PublishTimeout bounds a single publish call (default: 5s)
	PublishTimeout time.Duration `env:"BUS_PUBLISH_TIMEOUT" default:"5s"`
}

// UploadConfig holds intake settings.
type UploadConfig struct {
	// MaxFileSize is the maximum allowed file size in bytes (default: 100MB)
	MaxFileSize int64 `env:"UPLOAD_MAX_FILE_SIZE" default:"104857600"`

	// AllowedFormats is a comma-separated list of accepted formats (default: csv,xlsx)
	AllowedFormats []string `env:"UPLOAD_ALLOWED_FORMATS" default:"csv,xlsx"`

	// DefaultSchema is the row schema used when the client names none (default: generic)
	DefaultSchema string `env:"UPLOAD_DEFAULT_SCHEMA" default:"generic"`

	// DispatchMaxAttempts bounds publish attempts before dispatch_failed (default: 5)
	DispatchMaxAttempts int `env:"UPLOAD_DISPATCH_MAX_ATTEMPTS" default:"5"`

	// DispatchBackoff is the initial delay between publish attempts (default: 200ms)
	DispatchBackoff time.Duration `env:"UPLOAD_DISPATCH_BACKOFF" default:"200ms"`

	// DispatchMaxBackoff caps the delay between publish attempts (default: 5s)
	DispatchMaxBackoff time.Duration `env:"UPLOAD_DISPATCH_MAX_BACKOFF" default:"5s"`

	// DispatchAttemptTimeout bounds one publish attempt (default: 5s)
	DispatchAttemptTimeout time.Duration `env:"UPLOAD_DISPATCH_ATTEMPT_TIMEOUT" envAlt:"BUS_PUBLISH_TIMEOUT" default:"5s"`

	// Timeout is the maximum duration for a single submission (default: 2m)
	Timeout time.Duration `env:"UPLOAD_TIMEOUT" default:"2m"`
}

// WorkerConfig holds processing worker settings.
type WorkerConfig struct {
	// Concurrency is the maximum number of files processed at once (default: 4)
	Concurrency int `env:"WORKER_CONCURRENCY" default:"4"`

	// MaxAttempts is the delivery attempt at which transient failures become
	// exhausted_retries (default: 5)
	MaxAttempts int `env:"WORKER_MAX_ATTEMPTS" default:"5"`

	// ValidationPolicy is fail_fast or aggregate (default: fail_fast)
	ValidationPolicy string `env:"WORKER_VALIDATION_POLICY" default:"fail_fast"`

	// MaxRowErrors caps the row errors collected under the aggregate policy (default: 100)
	MaxRowErrors int `env:"WORKER_MAX_ROW_ERRORS" default:"100"`

	// EmitStarted publishes a Started event before processing (default: true)
	EmitStarted bool `env:"WORKER_EMIT_STARTED" default:"true"`

	// Timeout is the maximum duration for processing one file (default: 10m)
	Timeout time.Duration `env:"WORKER_TIMEOUT" default:"10m"`

	// AcquireTimeout bounds the wait for a free slot; a delivery that times
	// out goes back to the bus for redelivery. 0 waits until shutdown (default: 0)
	AcquireTimeout time.Duration `env:"WORKER_ACQUIRE_TIMEOUT" default:"0s"`
}

// ProjectorConfig holds status projector settings.
type ProjectorConfig struct {
	// ConflictRetries bounds re-evaluation after a version conflict (default: 16)
	ConflictRetries int `env:"PROJECTOR_CONFLICT_RETRIES" default:"16"`

	// DedupCacheSize is the number of recently applied event ids kept (default: 10000)
	DedupCacheSize int `env:"PROJECTOR_DEDUP_CACHE_SIZE" default:"10000"`

	// DedupTTL is how long an event id stays in the dedup cache (default: 10m)
	DedupTTL time.Duration `env:"PROJECTOR_DEDUP_TTL" default:"10m"`
}

// SweeperConfig holds reconciliation sweep settings.
type SweeperConfig struct {
	// Enabled controls whether the sweep runs in the intake role (default: true)
	Enabled bool `env:"SWEEPER_ENABLED" default:"true"`

	// Interval is how often to look for stranded submissions (default: 1m)
	Interval time.Duration `env:"SWEEPER_INTERVAL" default:"1m"`

	// StrandedAfter is the age at which a Submitted record is re-dispatched (default: 5m)
	StrandedAfter time.Duration `env:"SWEEPER_STRANDED_AFTER" default:"5m"`

	// BatchSize is the maximum number of records re-dispatched per sweep (default: 100)
	BatchSize int `env:"SWEEPER_BATCH_SIZE" default:"100"`

	// ProcessingStaleAfter is the age at which a Processing record with no
	// outcome is failed as exhausted_retries. Must exceed WORKER_TIMEOUT (default: 30m)
	ProcessingStaleAfter time.Duration `env:"SWEEPER_PROCESSING_STALE_AFTER" default:"30m"`

	// PublishTimeout bounds one re-publish (default: 5s)
	PublishTimeout time.Duration `env:"SWEEPER_PUBLISH_TIMEOUT" envAlt:"BUS_PUBLISH_TIMEOUT" default:"5s"`
}

// SecurityConfig holds security-related settings.
type SecurityConfig struct {
	// TrustedProxies is a comma-separated list of trusted proxy CIDRs
	TrustedProxies []string `env:"TRUSTED_PROXIES"`

	// RequireAPIKey rejects requests without a valid X-API-Key (default: false)
	RequireAPIKey bool `env:"REQUIRE_API_KEY" default:"false"`

	// APIKeys is a comma-separated list of name:key pairs; the name becomes the submitter
	APIKeys []string `env:"API_KEYS"`

	// RateLimit is the number of requests per minute allowed per client IP; 0 disables (default: 600)
	RateLimit int `env:"RATE_LIMIT_PER_MINUTE" default:"600"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	// Level is the minimum log level: debug, info, warn, error (default: info)
	Level string `env:"LOG_LEVEL" default:"info"`

	// Format is the log format: text or json (default: text)
	Format string `env:"LOG_FORMAT" default:"text"`
}

// Addr returns the server listen address in host:port format.
func (c *ServerConfig) Addr() string {
	if c.Host == "" {
		return ":" + strconv.Itoa(c.Port)
	}
	return c.Host + ":" + strconv.Itoa(c.Port)
}
