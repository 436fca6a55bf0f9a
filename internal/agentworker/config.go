// Package agentworker implements the in-cluster inspection agent: it
// registers with the server, pulls queued work over HTTP and evaluates
// checks locally with the cluster's own credentials.
package agentworker

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

const (
	defaultPollInterval = 10 * time.Second
	defaultMaxTasks     = 5
)

// Config holds the agent's persistent configuration.
type Config struct {
	ServerURL string `yaml:"server_url"`
	Name      string `yaml:"name,omitempty"`
	ClusterID int64  `yaml:"cluster_id,omitempty"`

	// Token is filled in by registration and persisted; TokenFile points at
	// an externally managed token (e.g. a mounted secret) and wins if set.
	Token     string `yaml:"token,omitempty"`
	TokenFile string `yaml:"token_file,omitempty"`

	AgentID int64 `yaml:"agent_id,omitempty"`

	// KubeconfigPath is used by command checks; empty means in-cluster
	// credentials are assumed to be on the agent's PATH tooling already.
	KubeconfigPath string `yaml:"kubeconfig_path,omitempty"`

	// PrometheusURL overrides the endpoint the server hands down with tasks.
	PrometheusURL string `yaml:"prometheus_url,omitempty"`

	PollIntervalRaw string `yaml:"poll_interval,omitempty"`
	MaxTasks        int    `yaml:"max_tasks,omitempty"`

	PollInterval time.Duration `yaml:"-"`
}

// ConfigPath returns the config file location under dir.
func ConfigPath(dir string) string {
	return filepath.Join(dir, "agent.yaml")
}

// LoadConfig reads and validates the agent config from dir.
func LoadConfig(dir string) (*Config, error) {
	data, err := os.ReadFile(ConfigPath(dir))
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.normalize(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) normalize() error {
	c.ServerURL = strings.TrimRight(strings.TrimSpace(c.ServerURL), "/")
	if c.ServerURL == "" {
		return fmt.Errorf("server_url is required")
	}
	if c.Name == "" {
		c.Name = "agent-" + uuid.NewString()[:8]
	}
	c.PollInterval = defaultPollInterval
	if c.PollIntervalRaw != "" {
		d, err := time.ParseDuration(c.PollIntervalRaw)
		if err != nil {
			return fmt.Errorf("parse poll_interval: %w", err)
		}
		c.PollInterval = d
	}
	if c.MaxTasks <= 0 {
		c.MaxTasks = defaultMaxTasks
	}
	if c.TokenFile != "" {
		data, err := os.ReadFile(c.TokenFile)
		if err != nil {
			return fmt.Errorf("read token file: %w", err)
		}
		c.Token = strings.TrimSpace(string(data))
	}
	return nil
}

// Save writes the config to dir with restrictive permissions. The token is
// persisted here after first registration.
func (c *Config) Save(dir string) error {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(ConfigPath(dir), data, 0600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}
