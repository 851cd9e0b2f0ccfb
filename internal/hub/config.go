// Package hub implements the real-time synchronization core: the connection
// registry, lifecycle handling, message routing, fan-out and liveness sweep
// for in-room display devices and dashboard clients.
package hub

import (
	"errors"
	"os"
	"strings"
	"time"
)

// Config holds server configuration from environment variables.
type Config struct {
	// Server
	ListenAddr string

	// Authentication
	AdminToken      string // bearer token for the admin API
	DeviceToken     string // optional shared token devices must present on connect
	OperatorKeyHash string // optional bcrypt hash gating authenticate binds

	// Liveness sweep
	SweepInterval    time.Duration // how often stale devices are scanned for
	HeartbeatTimeout time.Duration // silence threshold before eviction

	// Presence store
	DataDir      string
	DatabasePath string

	// Security
	AllowedOrigins []string // optional, for WebSocket origin validation
}

// LoadConfig loads configuration from environment variables.
func LoadConfig() (*Config, error) {
	dataDir := getEnv("ROOMCAST_DATA_DIR", "/data")

	cfg := &Config{
		ListenAddr:      getEnv("ROOMCAST_LISTEN", ":8000"),
		AdminToken:      os.Getenv("ROOMCAST_ADMIN_TOKEN"),
		DeviceToken:     os.Getenv("ROOMCAST_DEVICE_TOKEN"),     // optional
		OperatorKeyHash: os.Getenv("ROOMCAST_OPERATOR_KEY_HASH"), // optional

		// Timeout is double the expected heartbeat cadence, tolerating one
		// missed beat; the sweep period bounds detection latency.
		SweepInterval:    parseDuration("ROOMCAST_SWEEP_INTERVAL", 30*time.Second),
		HeartbeatTimeout: parseDuration("ROOMCAST_HEARTBEAT_TIMEOUT", 60*time.Second),

		DataDir:        dataDir,
		DatabasePath:   getEnv("ROOMCAST_DB_PATH", dataDir+"/roomcast.db"),
		AllowedOrigins: parseOrigins("ROOMCAST_ALLOWED_ORIGINS"),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	var errs []string

	if c.AdminToken == "" {
		errs = append(errs, "ROOMCAST_ADMIN_TOKEN is required")
	}
	if c.SweepInterval <= 0 {
		errs = append(errs, "ROOMCAST_SWEEP_INTERVAL must be positive")
	}
	if c.HeartbeatTimeout <= 0 {
		errs = append(errs, "ROOMCAST_HEARTBEAT_TIMEOUT must be positive")
	}

	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func parseDuration(key string, defaultValue time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultValue
}

func parseOrigins(key string) []string {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	origins := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			origins = append(origins, trimmed)
		}
	}
	return origins
}
