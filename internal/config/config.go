// Package config provides environment-aware configuration loading for the
// control plane daemon.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Environment is the deployment environment.
type Environment string

const (
	Development Environment = "development"
	Testing     Environment = "testing"
	Production  Environment = "production"
)

func parseEnvironment(s string) (Environment, bool) {
	switch Environment(s) {
	case Development, Testing, Production:
		return Environment(s), true
	default:
		return "", false
	}
}

// Config holds every option the control plane daemon recognizes, per
// spec.md §6's configuration table.
type Config struct {
	Env Environment

	// Listeners
	BindREST      string
	BindDiscovery string

	// Persistence
	StoreDSN string
	StoreKind string // "postgres" | "memory"
	CacheDSN string

	// Secrets
	SecretSink string // URI; the runtime opens only file://<dir> and rejects other schemes

	// License gate
	LicenseEndpoint  string
	LicenseTimeout   time.Duration
	LicenseCacheTTL  time.Duration
	LicenseGrace     time.Duration

	// TLS
	TLSListenerCert string
	TLSListenerKey  string

	// Auth
	AccessTokenTTL  time.Duration
	RefreshTokenTTL time.Duration
	JWTSigningKey   string

	// Login lockout
	LockoutThreshold int
	LockoutWindow    time.Duration

	// Discovery / proxy liveness
	HeartbeatInterval      time.Duration
	HeartbeatMissThreshold int

	// Rotation
	RotationOverlapWindow time.Duration

	// Resource limits
	MaxInboundConnections       int
	MaxDiscoveryStreamsPerCluster int
	MaxResourcesPerSnapshot      int
	MaxRequestBodyBytes          int64

	// Logging
	LogLevel  string
	LogFormat string

	// Metrics
	MetricsEnabled     bool
	MetricsRequireAuth bool

	// Misc
	CORSOrigins          []string
	EnableDebugEndpoints bool
}

// Load reads configuration from an environment-specific .env file (optional)
// followed by the process environment, which always takes precedence.
func Load() (*Config, error) {
	envStr := os.Getenv("CONTROLPLANE_ENV")
	if envStr == "" {
		envStr = string(Development)
	}
	env, ok := parseEnvironment(envStr)
	if !ok {
		return nil, fmt.Errorf("invalid CONTROLPLANE_ENV: %s (must be development, testing, or production)", envStr)
	}

	configFile := filepath.Join("config", fmt.Sprintf("%s.env", env))
	if err := godotenv.Load(configFile); err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "warning: could not load %s: %v\n", configFile, err)
		}
	}

	cfg := &Config{Env: env}
	if err := cfg.loadFromEnv(); err != nil {
		return nil, fmt.Errorf("load configuration: %w", err)
	}
	return cfg, nil
}

func (c *Config) loadFromEnv() error {
	var err error

	c.BindREST = getEnv("BIND_REST", "0.0.0.0:8443")
	c.BindDiscovery = getEnv("BIND_DISCOVERY", "0.0.0.0:8444")

	c.StoreKind = getEnv("STORE_KIND", "postgres")
	c.StoreDSN = getEnv("STORE_DSN", "")
	if c.StoreKind == "postgres" && c.StoreDSN == "" {
		return fmt.Errorf("STORE_DSN is required when STORE_KIND=postgres")
	}
	c.CacheDSN = getEnv("CACHE_DSN", "")

	c.SecretSink = getEnv("SECRET_SINK", "file://./data/secrets")

	c.LicenseEndpoint = getEnv("LICENSE_ENDPOINT", "")
	if c.LicenseTimeout, err = getDurationEnv("LICENSE_TIMEOUT", "5s"); err != nil {
		return err
	}
	if c.LicenseCacheTTL, err = getDurationEnv("LICENSE_CACHE_TTL", "5m"); err != nil {
		return err
	}
	if c.LicenseGrace, err = getDurationEnv("LICENSE_GRACE", "72h"); err != nil {
		return err
	}

	c.TLSListenerCert = getEnv("TLS_LISTENER_CERT", "")
	c.TLSListenerKey = getEnv("TLS_LISTENER_KEY", "")

	if c.AccessTokenTTL, err = getDurationEnv("ACCESS_TOKEN_TTL", "1h"); err != nil {
		return err
	}
	if c.RefreshTokenTTL, err = getDurationEnv("REFRESH_TOKEN_TTL", "168h"); err != nil {
		return err
	}
	c.JWTSigningKey = getEnv("JWT_SIGNING_KEY", "")
	if c.Env == Production && c.JWTSigningKey == "" {
		return fmt.Errorf("JWT_SIGNING_KEY is required in production")
	}

	c.LockoutThreshold = getIntEnv("LOCKOUT_THRESHOLD", 5)
	if c.LockoutWindow, err = getDurationEnv("LOCKOUT_WINDOW", "15m"); err != nil {
		return err
	}

	if c.HeartbeatInterval, err = getDurationEnv("HEARTBEAT_INTERVAL", "30s"); err != nil {
		return err
	}
	c.HeartbeatMissThreshold = getIntEnv("HEARTBEAT_MISS_THRESHOLD", 3)

	if c.RotationOverlapWindow, err = getDurationEnv("ROTATION_OVERLAP_WINDOW", "24h"); err != nil {
		return err
	}

	c.MaxInboundConnections = getIntEnv("MAX_INBOUND_CONNECTIONS", 10000)
	c.MaxDiscoveryStreamsPerCluster = getIntEnv("MAX_DISCOVERY_STREAMS_PER_CLUSTER", 256)
	c.MaxResourcesPerSnapshot = getIntEnv("MAX_RESOURCES_PER_SNAPSHOT", 50000)
	c.MaxRequestBodyBytes = int64(getIntEnv("MAX_REQUEST_BODY_BYTES", 1<<20))

	c.LogLevel = getEnv("LOG_LEVEL", "info")
	c.LogFormat = getEnv("LOG_FORMAT", "json")

	c.MetricsEnabled = getBoolEnv("METRICS_ENABLED", true)
	c.MetricsRequireAuth = getBoolEnv("METRICS_REQUIRE_AUTH", c.Env == Production)

	c.CORSOrigins = strings.Split(getEnv("CORS_ALLOWED_ORIGINS", "*"), ",")
	c.EnableDebugEndpoints = getBoolEnv("ENABLE_DEBUG_ENDPOINTS", false)

	return nil
}

// IsDevelopment reports whether the config was loaded for development.
func (c *Config) IsDevelopment() bool { return c.Env == Development }

// IsProduction reports whether the config was loaded for production.
func (c *Config) IsProduction() bool { return c.Env == Production }

// Validate applies environment-specific hardening checks.
func (c *Config) Validate() error {
	if c.IsProduction() {
		if c.TLSListenerCert == "" || c.TLSListenerKey == "" {
			return fmt.Errorf("TLS_LISTENER_CERT and TLS_LISTENER_KEY are required in production")
		}
		if c.EnableDebugEndpoints {
			return fmt.Errorf("ENABLE_DEBUG_ENDPOINTS must be false in production")
		}
		if c.LicenseEndpoint == "" {
			return fmt.Errorf("LICENSE_ENDPOINT is required in production")
		}
	}
	if c.LockoutThreshold < 1 {
		return fmt.Errorf("LOCKOUT_THRESHOLD must be >= 1")
	}
	if c.HeartbeatMissThreshold < 1 {
		return fmt.Errorf("HEARTBEAT_MISS_THRESHOLD must be >= 1")
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return defaultValue
}

func getDurationEnv(key, defaultValue string) (time.Duration, error) {
	v := getEnv(key, defaultValue)
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}
