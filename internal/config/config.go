// Package config provides configuration loading for the inspection server.
// Configuration sources (in priority order): env vars > config file > defaults.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all inspection server configuration.
type Config struct {
	// Listen address (default ":8080")
	ListenAddr string `json:"listen_addr"`
	// Data directory for the embedded database, kubeconfigs and reports
	// (default "/app/data").
	DataDir string `json:"data_dir"`

	// DatabaseURL selects an external database (mysql:// or postgres://).
	// Empty means the embedded SQLite file under DataDir.
	DatabaseURL string `json:"database_url,omitempty"`

	// LicenseSecret is the HMAC key used to verify license blobs.
	LicenseSecret string `json:"license_secret,omitempty"`
	// LicenseFile overrides the default license location under DataDir.
	LicenseFile string `json:"license_file,omitempty"`

	// PrometheusURL is the fallback Prometheus endpoint for clusters that do
	// not configure their own.
	PrometheusURL string `json:"prometheus_url,omitempty"`

	// LeaseTTL bounds how long an agent may sit on pulled work before the
	// sweeper hands it back (default 5m).
	LeaseTTL time.Duration `json:"-"`

	// Raw lease TTL as read from JSON ("5m", "90s", ...).
	LeaseTTLRaw string `json:"lease_ttl,omitempty"`

	// ProbeTimeout bounds cluster connectivity probes (default 10s).
	ProbeTimeout    time.Duration `json:"-"`
	ProbeTimeoutRaw string        `json:"probe_timeout,omitempty"`

	// Log level (debug, info, warn, error)
	LogLevel string `json:"log_level"`
}

// Default returns configuration with sensible defaults.
func Default() Config {
	return Config{
		ListenAddr:   ":8080",
		DataDir:      "/app/data",
		LogLevel:     "info",
		LeaseTTL:     5 * time.Minute,
		ProbeTimeout: 10 * time.Second,
	}
}

// Load reads configuration from a file, then overlays environment variables.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err := json.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config: %w", err)
		}
	}

	if cfg.LeaseTTLRaw != "" {
		d, err := time.ParseDuration(cfg.LeaseTTLRaw)
		if err != nil {
			return cfg, fmt.Errorf("parse lease_ttl: %w", err)
		}
		cfg.LeaseTTL = d
	}
	if cfg.ProbeTimeoutRaw != "" {
		d, err := time.ParseDuration(cfg.ProbeTimeoutRaw)
		if err != nil {
			return cfg, fmt.Errorf("parse probe_timeout: %w", err)
		}
		cfg.ProbeTimeout = d
	}

	// Environment variable overrides
	if v := os.Getenv("INSPECTD_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.DatabaseURL = v
	}
	if v := os.Getenv("LICENSE_SECRET"); v != "" {
		cfg.LicenseSecret = v
	}
	if v := os.Getenv("INSPECTD_LICENSE_FILE"); v != "" {
		cfg.LicenseFile = v
	}
	if v := os.Getenv("PROMETHEUS_URL"); v != "" {
		cfg.PrometheusURL = v
	}
	if v := os.Getenv("INSPECTD_LEASE_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.LeaseTTL = d
		}
	}
	if v := os.Getenv("INSPECTD_PROBE_TIMEOUT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.ProbeTimeout = time.Duration(n) * time.Second
		} else if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.ProbeTimeout = d
		}
	}
	if v := os.Getenv("INSPECTD_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}

	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = 5 * time.Minute
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = 10 * time.Second
	}

	return cfg, nil
}

// LoadFromEnv loads configuration from environment variables only.
func LoadFromEnv() Config {
	cfg, _ := Load("")
	return cfg
}

// Save writes configuration to a file.
func (c Config) Save(path string) error {
	c.LeaseTTLRaw = c.LeaseTTL.String()
	c.ProbeTimeoutRaw = c.ProbeTimeout.String()
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0640)
}
