package config

import (
	"fmt"
	"strings"
)

var (
	validRoles    = map[string]bool{"intake": true, "worker": true, "projector": true}
	validStores   = map[string]bool{"memory": true, "bolt": true, "postgres": true}
	validBuses    = map[string]bool{"memory": true, "kafka": true}
	validFormats  = map[string]bool{"csv": true, "xlsx": true}
	validPolicies = map[string]bool{"fail_fast": true, "aggregate": true}
)

// Validate checks that the configuration is valid.
// Returns an error describing all validation failures.
func (c *Config) Validate() error {
	var errs []string

	// App validation
	if len(c.App.Roles) == 0 {
		errs = append(errs, "APP_ROLES must name at least one role")
	}
	for _, r := range c.App.Roles {
		if !validRoles[r] {
			errs = append(errs, fmt.Sprintf("APP_ROLES entry %q must be one of: intake, worker, projector", r))
		}
	}

	// Store validation
	if !validStores[strings.ToLower(c.Store.Backend)] {
		errs = append(errs, fmt.Sprintf("STORE_BACKEND (%q) must be one of: memory, bolt, postgres", c.Store.Backend))
	}
	if strings.EqualFold(c.Store.Backend, "postgres") {
		if c.Database.URL == "" {
			errs = append(errs, "DATABASE_URL is required when STORE_BACKEND=postgres")
		}
		if c.Database.MaxConns < c.Database.MinConns {
			errs = append(errs, fmt.Sprintf("DB_MAX_CONNS (%d) must be >= DB_MIN_CONNS (%d)",
				c.Database.MaxConns, c.Database.MinConns))
		}
		if c.Database.MaxConns <= 0 {
			errs = append(errs, "DB_MAX_CONNS must be positive")
		}
		if c.Database.MinConns < 0 {
			errs = append(errs, "DB_MIN_CONNS must be non-negative")
		}
	}
	if strings.EqualFold(c.Store.Backend, "bolt") && c.Store.BoltPath == "" {
		errs = append(errs, "STORE_BOLT_PATH is required when STORE_BACKEND=bolt")
	}
	if c.Store.OpTimeout <= 0 {
		errs = append(errs, "STORE_OP_TIMEOUT must be positive")
	}

	if c.Storage.DataDir == "" {
		errs = append(errs, "STORAGE_DATA_DIR is required")
	}

	// Bus validation
	if !validBuses[strings.ToLower(c.Bus.Backend)] {
		errs = append(errs, fmt.Sprintf("BUS_BACKEND (%q) must be one of: memory, kafka", c.Bus.Backend))
	}
	if strings.EqualFold(c.Bus.Backend, "kafka") && len(c.Bus.Brokers) == 0 {
		errs = append(errs, "BUS_BROKERS is required when BUS_BACKEND=kafka")
	}
	if c.Bus.SubmissionTopic == "" || c.Bus.OutcomeTopic == "" {
		errs = append(errs, "BUS_SUBMISSION_TOPIC and BUS_OUTCOME_TOPIC must be set")
	} else if c.Bus.SubmissionTopic == c.Bus.OutcomeTopic {
		errs = append(errs, "BUS_SUBMISSION_TOPIC and BUS_OUTCOME_TOPIC must differ")
	}
	if c.Bus.Partitions <= 0 {
		errs = append(errs, "BUS_PARTITIONS must be positive")
	}
	if c.Bus.BufferSize < 0 {
		errs = append(errs, "BUS_BUFFER_SIZE must be non-negative")
	}
	if c.Bus.MaxDeliveries <= 0 {
		errs = append(errs, "BUS_MAX_DELIVERIES must be positive")
	}
	if c.Bus.RedeliveryBackoff <= 0 || c.Bus.MaxRedeliveryBackoff < c.Bus.RedeliveryBackoff {
		errs = append(errs, "BUS_REDELIVERY_BACKOFF must be positive and <= BUS_MAX_REDELIVERY_BACKOFF")
	}
	if c.Bus.PublishTimeout <= 0 {
		errs = append(errs, "BUS_PUBLISH_TIMEOUT must be positive")
	}

	// Server validation
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Sprintf("SERVER_PORT (%d) must be 1-65535", c.Server.Port))
	}
	if c.Server.ReadTimeout < 0 {
		errs = append(errs, "SERVER_READ_TIMEOUT must be non-negative")
	}
	if c.Server.ShutdownTimeout <= 0 {
		errs = append(errs, "SERVER_SHUTDOWN_TIMEOUT must be positive")
	}

	// Upload validation
	if c.Upload.MaxFileSize <= 0 {
		errs = append(errs, "UPLOAD_MAX_FILE_SIZE must be positive")
	}
	if len(c.Upload.AllowedFormats) == 0 {
		errs = append(errs, "UPLOAD_ALLOWED_FORMATS must name at least one format")
	}
	for _, f := range c.Upload.AllowedFormats {
		if !validFormats[strings.ToLower(f)] {
			errs = append(errs, fmt.Sprintf("UPLOAD_ALLOWED_FORMATS entry %q must be one of: csv, xlsx", f))
		}
	}
	if c.Upload.DispatchMaxAttempts <= 0 {
		errs = append(errs, "UPLOAD_DISPATCH_MAX_ATTEMPTS must be positive")
	}
	if c.Upload.DispatchBackoff <= 0 || c.Upload.DispatchMaxBackoff < c.Upload.DispatchBackoff {
		errs = append(errs, "UPLOAD_DISPATCH_BACKOFF must be positive and <= UPLOAD_DISPATCH_MAX_BACKOFF")
	}
	if c.Upload.DispatchAttemptTimeout <= 0 {
		errs = append(errs, "UPLOAD_DISPATCH_ATTEMPT_TIMEOUT must be positive")
	}
	if c.Upload.Timeout <= 0 {
		errs = append(errs, "UPLOAD_TIMEOUT must be positive")
	}

	// Worker validation
	if c.Worker.Concurrency <= 0 {
		errs = append(errs, "WORKER_CONCURRENCY must be positive")
	}
	if c.Worker.MaxAttempts <= 0 {
		errs = append(errs, "WORKER_MAX_ATTEMPTS must be positive")
	}
	if c.Worker.MaxAttempts > c.Bus.MaxDeliveries {
		errs = append(errs, fmt.Sprintf("WORKER_MAX_ATTEMPTS (%d) must be <= BUS_MAX_DELIVERIES (%d)",
			c.Worker.MaxAttempts, c.Bus.MaxDeliveries))
	}
	if !validPolicies[strings.ToLower(c.Worker.ValidationPolicy)] {
		errs = append(errs, fmt.Sprintf("WORKER_VALIDATION_POLICY (%q) must be one of: fail_fast, aggregate", c.Worker.ValidationPolicy))
	}
	if c.Worker.MaxRowErrors <= 0 {
		errs = append(errs, "WORKER_MAX_ROW_ERRORS must be positive")
	}
	if c.Worker.Timeout <= 0 {
		errs = append(errs, "WORKER_TIMEOUT must be positive")
	}
	if c.Worker.AcquireTimeout < 0 {
		errs = append(errs, "WORKER_ACQUIRE_TIMEOUT must be non-negative")
	}

	// Projector validation
	if c.Projector.ConflictRetries <= 0 {
		errs = append(errs, "PROJECTOR_CONFLICT_RETRIES must be positive")
	}
	if c.Projector.DedupCacheSize < 0 {
		errs = append(errs, "PROJECTOR_DEDUP_CACHE_SIZE must be non-negative")
	}

	// Sweeper validation
	if c.Sweeper.Enabled {
		if c.Sweeper.Interval <= 0 {
			errs = append(errs, "SWEEPER_INTERVAL must be positive")
		}
		if c.Sweeper.StrandedAfter <= 0 {
			errs = append(errs, "SWEEPER_STRANDED_AFTER must be positive")
		}
		if c.Sweeper.BatchSize <= 0 {
			errs = append(errs, "SWEEPER_BATCH_SIZE must be positive")
		}
		if c.Sweeper.ProcessingStaleAfter <= c.Worker.Timeout {
			errs = append(errs, fmt.Sprintf("SWEEPER_PROCESSING_STALE_AFTER (%s) must exceed WORKER_TIMEOUT (%s)",
				c.Sweeper.ProcessingStaleAfter, c.Worker.Timeout))
		}
		if c.Sweeper.PublishTimeout <= 0 {
			errs = append(errs, "SWEEPER_PUBLISH_TIMEOUT must be positive")
		}
	}

	// Security validation
	if c.Security.RequireAPIKey && len(c.Security.APIKeys) == 0 {
		errs = append(errs, "REQUIRE_API_KEY is true but API_KEYS is empty; configure at least one API key or disable auth")
	}
	for _, entry := range c.Security.APIKeys {
		if name, key, ok := strings.Cut(entry, ":"); !ok || name == "" || key == "" {
			errs = append(errs, "API_KEYS entries must have the form name:key")
			break
		}
	}

	if c.Security.RateLimit < 0 {
		errs = append(errs, "RATE_LIMIT_PER_MINUTE must not be negative")
	}

	// Logging validation
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.Logging.Level)] {
		errs = append(errs, fmt.Sprintf("LOG_LEVEL (%q) must be one of: debug, info, warn, error", c.Logging.Level))
	}

	validLogFormats := map[string]bool{"text": true, "json": true}
	if !validLogFormats[strings.ToLower(c.Logging.Format)] {
		errs = append(errs, fmt.Sprintf("LOG_FORMAT (%q) must be one of: text, json", c.Logging.Format))
	}

	if len(errs) > 0 {
		return fmt.Errorf("validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}

	return nil
}

// String returns a safe string representation of the config for logging.
// Sensitive values like database URLs and API keys are masked.
func (c *Config) String() string {
	var b strings.Builder
	b.WriteString("Config{")
	b.WriteString(fmt.Sprintf("App: {Roles: %v}, ", c.App.Roles))
	b.WriteString(fmt.Sprintf("Server: {Host: %q, Port: %d}, ", c.Server.Host, c.Server.Port))
	b.WriteString(fmt.Sprintf("Store: {Backend: %q}, ", c.Store.Backend))
	b.WriteString(fmt.Sprintf("Database: {URL: [MASKED], MaxConns: %d, MinConns: %d}, ",
		c.Database.MaxConns, c.Database.MinConns))
	b.WriteString(fmt.Sprintf("Bus: {Backend: %q, Brokers: %v}, ", c.Bus.Backend, c.Bus.Brokers))
	b.WriteString(fmt.Sprintf("Upload: {MaxFileSize: %d, AllowedFormats: %v}, ",
		c.Upload.MaxFileSize, c.Upload.AllowedFormats))
	b.WriteString(fmt.Sprintf("Worker: {Concurrency: %d, MaxAttempts: %d, Policy: %q}, ",
		c.Worker.Concurrency, c.Worker.MaxAttempts, c.Worker.ValidationPolicy))
	b.WriteString(fmt.Sprintf("Security: {RequireAPIKey: %v, APIKeys: %d configured}, ",
		c.Security.RequireAPIKey, len(c.Security.APIKeys)))
	b.WriteString(fmt.Sprintf("Logging: {Level: %q, Format: %q}",
		c.Logging.Level, c.Logging.Format))
	b.WriteString("}")
	return b.String()
}
