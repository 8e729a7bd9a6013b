package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Registry backends.
const (
	RegistryMemory   = "memory"
	RegistrySQLite   = "sqlite"
	RegistryMySQL    = "mysql"
	RegistryPostgres = "postgres"
	RegistryRedis    = "redis"
)

// Content storage backends.
const (
	StorageFS = "fs"
	StorageS3 = "s3"
)

// Config holds all application configuration
type Config struct {
	// Service configuration
	Addr        string
	ServiceName string
	CORSOrigins []string
	TrustProxy  bool

	// Registry configuration
	Registry    string
	SQLitePath  string
	MySQLDSN    string
	PostgresURL string

	// Redis configuration
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// Content storage configuration
	Storage     string
	StoragePath string

	// S3 / MinIO configuration
	S3Endpoint  string
	S3AccessKey string
	S3SecretKey string
	S3Bucket    string
	S3Prefix    string
	S3UseSSL    bool

	// Session lifecycle
	Retention       time.Duration
	MaxTotalSize    int64
	CleanupInterval time.Duration
	MaxCodeAttempts int

	// Tracing; empty disables export
	OTLPEndpoint string
}

// LoadConfig loads configuration from environment variables with sensible defaults
func LoadConfig() (*Config, error) {
	config := &Config{
		Addr:        getEnv("BTDROP_ADDR", ":3001"),
		ServiceName: getEnv("SERVICE_NAME", "btdrop"),
		CORSOrigins: SplitOrigins(getEnv("BTDROP_CORS_ORIGINS", "http://localhost:5173")),
		TrustProxy:  getEnvAsBool("BTDROP_TRUST_PROXY", false),

		Registry:    strings.ToLower(getEnv("BTDROP_REGISTRY", RegistryMemory)),
		SQLitePath:  getEnv("BTDROP_SQLITE_PATH", "btdrop.db"),
		MySQLDSN:    getEnv("BTDROP_MYSQL_DSN", ""),
		PostgresURL: getEnv("BTDROP_POSTGRES_URL", ""),

		RedisAddr:     getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvAsInt("REDIS_DB", 0),

		Storage:     strings.ToLower(getEnv("BTDROP_STORAGE", StorageFS)),
		StoragePath: getEnv("BTDROP_STORAGE_PATH", "./uploads"),

		S3Endpoint:  getEnv("S3_ENDPOINT", "localhost:9000"),
		S3AccessKey: getEnv("S3_ACCESS_KEY", ""),
		S3SecretKey: getEnv("S3_SECRET_KEY", ""),
		S3Bucket:    getEnv("S3_BUCKET", "btdrop"),
		S3Prefix:    getEnv("S3_PREFIX", ""),
		S3UseSSL:    getEnvAsBool("S3_USE_SSL", false),

		Retention:       getEnvAsDuration("BTDROP_RETENTION", 24*time.Hour),
		MaxTotalSize:    getEnvAsInt64("BTDROP_MAX_TOTAL_SIZE", 2<<30),
		CleanupInterval: getEnvAsDuration("BTDROP_CLEANUP_INTERVAL", 60*time.Minute),
		MaxCodeAttempts: getEnvAsInt("BTDROP_MAX_CODE_ATTEMPTS", 50),

		OTLPEndpoint: getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// Validate checks backend names, limits and backend-specific settings.
func (c *Config) Validate() error {
	var errs []error

	switch c.Registry {
	case RegistryMemory, RegistrySQLite, RegistryRedis:
	case RegistryMySQL:
		if c.MySQLDSN == "" {
			errs = append(errs, errors.New("BTDROP_MYSQL_DSN is required for the mysql registry"))
		}
	case RegistryPostgres:
		if c.PostgresURL == "" {
			errs = append(errs, errors.New("BTDROP_POSTGRES_URL is required for the postgres registry"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown registry backend %q", c.Registry))
	}

	switch c.Storage {
	case StorageFS:
		if c.StoragePath == "" {
			errs = append(errs, errors.New("storage path must not be empty"))
		}
	case StorageS3:
		if c.S3AccessKey == "" || c.S3SecretKey == "" {
			errs = append(errs, errors.New("S3_ACCESS_KEY and S3_SECRET_KEY are required for s3 storage"))
		}
		if c.S3Bucket == "" {
			errs = append(errs, errors.New("S3_BUCKET must not be empty"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown storage backend %q", c.Storage))
	}

	if c.Retention <= 0 {
		errs = append(errs, fmt.Errorf("retention must be positive, got %s", c.Retention))
	}
	if c.MaxTotalSize <= 0 {
		errs = append(errs, fmt.Errorf("max total size must be positive, got %d", c.MaxTotalSize))
	}
	if c.CleanupInterval <= 0 {
		errs = append(errs, fmt.Errorf("cleanup interval must be positive, got %s", c.CleanupInterval))
	}
	if c.MaxCodeAttempts <= 0 {
		errs = append(errs, fmt.Errorf("max code attempts must be positive, got %d", c.MaxCodeAttempts))
	}

	return errors.Join(errs...)
}

// SplitOrigins parses a comma-separated origin list, dropping blanks.
func SplitOrigins(s string) []string {
	var origins []string
	for _, o := range strings.Split(s, ",") {
		if o = strings.TrimSpace(o); o != "" {
			origins = append(origins, o)
		}
	}
	return origins
}

// Helper functions
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsInt64(key string, defaultValue int64) int64 {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseInt(valueStr, 10, 64); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if value, err := time.ParseDuration(valueStr); err == nil {
		return value
	}
	return defaultValue
}
