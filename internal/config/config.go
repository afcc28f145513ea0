// Package config provides configuration management functionality.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration
type Config struct {
	DataDir          string        // Base directory for the queue database (always absolute)
	Port             int           // HTTP API port
	LogLevel         string        // trace, debug, info, warn, error
	PollInterval     time.Duration // How often the processor claims a batch
	BatchSize        int           // Maximum jobs claimed per poll cycle
	MaxRetries       int           // Default per-job attempt budget
	RetryBackoffBase time.Duration // Base delay for retry backoff; 0 = retry immediately
	ServiceTimeout   time.Duration // Per-call deadline for downstream service requests
	ServiceToken     string        // Bearer token sent to downstream services
	CronEnabled      bool          // Whether the recurring-job producer runs

	// Downstream service endpoints, one per delegating job type
	PricingServiceURL    string
	AlertsServiceURL     string
	DigestServiceURL     string
	StatementsServiceURL string
	ResearchServiceURL   string

	// Cloud backup credentials (optional - backup_queue jobs fail when unset)
	R2AccountID         string
	R2AccessKeyID       string
	R2SecretAccessKey   string
	R2BucketName        string
	BackupRetentionDays int // Days to keep cloud backups; 0 keeps forever
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	// Determine data directory with fallback logic
	// 1. Check DATA_DIR environment variable
	// 2. If not set, default to ./data
	// 3. Always resolve to absolute path
	// 4. Ensure directory exists
	dataDir := getEnv("DATA_DIR", "")
	if dataDir == "" {
		dataDir = "./data"
	}

	// Always resolve to absolute path
	absDataDir, err := filepath.Abs(dataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve data directory path: %w", err)
	}

	// Ensure directory exists
	if err := os.MkdirAll(absDataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	cfg := &Config{
		DataDir:          absDataDir,
		Port:             getEnvAsInt("PORT", 8080),
		LogLevel:         getEnv("LOG_LEVEL", "info"),
		PollInterval:     getEnvAsDuration("POLL_INTERVAL", 5*time.Second),
		BatchSize:        getEnvAsInt("BATCH_SIZE", 5),
		MaxRetries:       getEnvAsInt("MAX_RETRIES", 3),
		RetryBackoffBase: getEnvAsDuration("RETRY_BACKOFF_BASE", 0),
		ServiceTimeout:   getEnvAsDuration("SERVICE_TIMEOUT", 30*time.Second),
		ServiceToken:     getEnv("SERVICE_TOKEN", ""),
		CronEnabled:      getEnvAsBool("CRON_ENABLED", true),

		PricingServiceURL:    getEnv("PRICING_SERVICE_URL", "http://localhost:9001"),
		AlertsServiceURL:     getEnv("ALERTS_SERVICE_URL", "http://localhost:9002"),
		DigestServiceURL:     getEnv("DIGEST_SERVICE_URL", "http://localhost:9003"),
		StatementsServiceURL: getEnv("STATEMENTS_SERVICE_URL", "http://localhost:9004"),
		ResearchServiceURL:   getEnv("RESEARCH_SERVICE_URL", "http://localhost:9000"),

		R2AccountID:         getEnv("R2_ACCOUNT_ID", ""),
		R2AccessKeyID:       getEnv("R2_ACCESS_KEY_ID", ""),
		R2SecretAccessKey:   getEnv("R2_SECRET_ACCESS_KEY", ""),
		R2BucketName:        getEnv("R2_BUCKET_NAME", ""),
		BackupRetentionDays: getEnvAsInt("R2_RETENTION_DAYS", 30),
	}

	// Validate required fields
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks if required configuration is present
func (c *Config) Validate() error {
	if c.PollInterval <= 0 {
		return fmt.Errorf("POLL_INTERVAL must be positive, got %s", c.PollInterval)
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("BATCH_SIZE must be positive, got %d", c.BatchSize)
	}
	if c.MaxRetries <= 0 {
		return fmt.Errorf("MAX_RETRIES must be positive, got %d", c.MaxRetries)
	}
	if c.RetryBackoffBase < 0 {
		return fmt.Errorf("RETRY_BACKOFF_BASE must not be negative, got %s", c.RetryBackoffBase)
	}
	if c.ServiceTimeout <= 0 {
		return fmt.Errorf("SERVICE_TIMEOUT must be positive, got %s", c.ServiceTimeout)
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("PORT must be a valid port number, got %d", c.Port)
	}
	if c.BackupRetentionDays < 0 {
		return fmt.Errorf("R2_RETENTION_DAYS must not be negative, got %d", c.BackupRetentionDays)
	}

	return nil
}

// R2Configured reports whether all cloud backup credentials are present
func (c *Config) R2Configured() bool {
	return c.R2AccountID != "" && c.R2AccessKeyID != "" &&
		c.R2SecretAccessKey != "" && c.R2BucketName != ""
}

// Helper functions
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

// getEnvAsDuration parses values like "5s" or "250ms"; bare integers are seconds
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(value); err == nil {
		return time.Duration(secs) * time.Second
	}
	return defaultValue
}
