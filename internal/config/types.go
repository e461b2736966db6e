package config

import "time"

// Config is the top-level configuration structure parsed from swarm YAML.
type Config struct {
	Agent        Agent        `yaml:"agent"`
	API          API          `yaml:"api"`
	Orchestrator Orchestrator `yaml:"orchestrator"`
	Planner      Planner      `yaml:"planner"`
	Web          Web          `yaml:"web"`
}

// Agent identifies this agent on the marketplace and on disk.
type Agent struct {
	Name     string `yaml:"name"`
	WorksDir string `yaml:"works_dir"`
}

// API configures the marketplace client. Key is normally supplied via
// the SWARM_API_KEY environment variable rather than the file.
type API struct {
	BaseURL        string `yaml:"base_url"`
	Key            string `yaml:"key"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// Orchestrator tunes the tick loop and worker dispatch.
type Orchestrator struct {
	TickIntervalSeconds  int `yaml:"tick_interval_seconds"`
	WorkerTimeoutSeconds int `yaml:"worker_timeout_seconds"`
	LockStaleSeconds     int `yaml:"lock_stale_seconds"`
	MaxActiveClaims      int `yaml:"max_active_claims"`

	// MaxIterations bounds coding/testing round trips per task before the
	// task is parked for a human. Zero means unbounded.
	MaxIterations int `yaml:"max_iterations"`
}

// Planner configures the model used for plan generation and claim
// evaluation. Key is normally supplied via ANTHROPIC_API_KEY.
type Planner struct {
	Model string `yaml:"model"`
	Key   string `yaml:"key"`
}

// Web configures the local status server.
type Web struct {
	Listen string `yaml:"listen"`
}

// TickInterval returns the tick interval as a duration.
func (o Orchestrator) TickInterval() time.Duration {
	return time.Duration(o.TickIntervalSeconds) * time.Second
}

// WorkerTimeout returns the per-worker wall-clock limit as a duration.
func (o Orchestrator) WorkerTimeout() time.Duration {
	return time.Duration(o.WorkerTimeoutSeconds) * time.Second
}

// LockStale returns the lock staleness threshold as a duration.
func (o Orchestrator) LockStale() time.Duration {
	return time.Duration(o.LockStaleSeconds) * time.Second
}

// Timeout returns the HTTP client timeout as a duration.
func (a API) Timeout() time.Duration {
	return time.Duration(a.TimeoutSeconds) * time.Second
}
