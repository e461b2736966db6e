package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Load reads and parses a swarm configuration from the given YAML file
// path. After parsing, it applies defaults and environment overrides.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config YAML: %w", err)
	}

	applyDefaults(&cfg)
	applyEnv(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadDefault searches for a swarm config in standard locations and
// loads the first one found. Search order: $SWARM_CONFIG, ./swarm.yaml,
// ~/.swarm/config.yaml. When none exists, a config built purely from
// defaults and environment variables is returned. The orchestrator
// exports SWARM_CONFIG so its worker processes resolve the same file.
func LoadDefault() (*Config, error) {
	var candidates []string
	if v := os.Getenv("SWARM_CONFIG"); v != "" {
		candidates = append(candidates, v)
	}
	candidates = append(candidates, "swarm.yaml")

	home, err := os.UserHomeDir()
	if err == nil {
		candidates = append(candidates, filepath.Join(home, ".swarm", "config.yaml"))
	}

	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			return Load(path)
		}
	}

	var cfg Config
	applyDefaults(&cfg)
	applyEnv(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyDefaults fills zero-valued fields with the standard deployment
// defaults.
func applyDefaults(cfg *Config) {
	if cfg.Agent.Name == "" {
		cfg.Agent.Name = "swarm"
	}
	if cfg.Agent.WorksDir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			cfg.Agent.WorksDir = filepath.Join(home, ".swarm", "works")
		}
	}
	if cfg.API.BaseURL == "" {
		cfg.API.BaseURL = "http://localhost:8080"
	}
	if cfg.API.TimeoutSeconds == 0 {
		cfg.API.TimeoutSeconds = 60
	}
	if cfg.Orchestrator.TickIntervalSeconds == 0 {
		cfg.Orchestrator.TickIntervalSeconds = 10
	}
	if cfg.Orchestrator.WorkerTimeoutSeconds == 0 {
		cfg.Orchestrator.WorkerTimeoutSeconds = 300
	}
	if cfg.Orchestrator.LockStaleSeconds == 0 {
		cfg.Orchestrator.LockStaleSeconds = 300
	}
	if cfg.Orchestrator.MaxActiveClaims == 0 {
		cfg.Orchestrator.MaxActiveClaims = 10
	}
	if cfg.Planner.Model == "" {
		cfg.Planner.Model = "claude-sonnet-4-20250514"
	}
	if cfg.Web.Listen == "" {
		cfg.Web.Listen = "127.0.0.1:8900"
	}
}

// applyEnv overrides file values with environment variables. Secrets
// should travel through the environment, not the config file.
func applyEnv(cfg *Config) {
	if v := os.Getenv("SWARM_API_URL"); v != "" {
		cfg.API.BaseURL = v
	}
	if v := os.Getenv("SWARM_API_KEY"); v != "" {
		cfg.API.Key = v
	}
	if v := os.Getenv("ANTHROPIC_API_KEY"); v != "" {
		cfg.Planner.Key = v
	}
	if v := os.Getenv("SWARM_AGENT_NAME"); v != "" {
		cfg.Agent.Name = v
	}
}

// Validate rejects configurations that cannot produce a working agent.
func (cfg *Config) Validate() error {
	if cfg.API.BaseURL == "" {
		return fmt.Errorf("config: api.base_url is required")
	}
	if cfg.Agent.WorksDir == "" {
		return fmt.Errorf("config: agent.works_dir is required")
	}
	if cfg.Orchestrator.TickIntervalSeconds < 0 ||
		cfg.Orchestrator.WorkerTimeoutSeconds < 0 ||
		cfg.Orchestrator.LockStaleSeconds < 0 {
		return fmt.Errorf("config: orchestrator intervals must not be negative")
	}
	if cfg.Orchestrator.MaxIterations < 0 {
		return fmt.Errorf("config: orchestrator.max_iterations must not be negative")
	}
	if cfg.Orchestrator.MaxActiveClaims < 1 {
		return fmt.Errorf("config: orchestrator.max_active_claims must be at least 1")
	}
	return nil
}
