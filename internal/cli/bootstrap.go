package cli

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/hivework/swarm/internal/api"
	"github.com/hivework/swarm/internal/config"
	"github.com/hivework/swarm/internal/gitops"
	"github.com/hivework/swarm/internal/pipeline"
	"github.com/hivework/swarm/internal/planner"
	"github.com/hivework/swarm/internal/worker"
)

var configPath string

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to swarm config file")
}

// loadConfig resolves the configuration from the --config flag, the
// standard search paths, and the environment. When a flag path is given
// it is also exported so spawned workers resolve the same file.
func loadConfig() (*config.Config, error) {
	if configPath != "" {
		os.Setenv("SWARM_CONFIG", configPath)
		return config.Load(configPath)
	}
	return config.LoadDefault()
}

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
}

func openStore(cfg *config.Config) (*pipeline.Store, error) {
	if err := os.MkdirAll(cfg.Agent.WorksDir, 0o755); err != nil {
		return nil, fmt.Errorf("create works dir %s: %w", cfg.Agent.WorksDir, err)
	}
	return pipeline.NewStore(cfg.Agent.WorksDir), nil
}

// buildWorkerEnv wires the full worker environment from configuration.
func buildWorkerEnv(cfg *config.Config, logger *slog.Logger) (*worker.Env, error) {
	store, err := openStore(cfg)
	if err != nil {
		return nil, err
	}
	if cfg.API.Key == "" {
		return nil, fmt.Errorf("no API key configured (set SWARM_API_KEY)")
	}
	if cfg.Planner.Key == "" {
		return nil, fmt.Errorf("no planner key configured (set ANTHROPIC_API_KEY)")
	}

	brain := planner.New(cfg.Planner.Key, cfg.Planner.Model)
	return &worker.Env{
		Cfg:         cfg,
		Client:      api.NewClient(cfg.API.BaseURL, cfg.API.Key, cfg.API.Timeout(), logger),
		Store:       store,
		Git:         gitops.NewClient(&gitops.ExecRunner{}),
		Shell:       &worker.ExecShell{},
		Planner:     brain,
		Implementer: brain,
		Summarizer:  brain,
		Evaluator:   brain,
		Logger:      logger,
	}, nil
}
