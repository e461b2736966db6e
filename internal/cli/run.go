package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/hivework/swarm/internal/api"
	"github.com/hivework/swarm/internal/db"
	"github.com/hivework/swarm/internal/lock"
	"github.com/hivework/swarm/internal/orchestrator"
	"github.com/hivework/swarm/internal/runner"
)

var runOnce bool

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the orchestrator loop",
	Long: `Run starts the orchestrator: it waits for the marketplace to become
reachable, preloads workspaces for already-assigned tasks, then ticks on
a fixed interval dispatching at most one worker per tick.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		// Each orchestrator run gets an id so overlapping runs are
		// distinguishable in logs and stale lock records.
		runID := uuid.NewString()[:8]
		logger := newLogger().With("run_id", runID)

		store, err := openStore(cfg)
		if err != nil {
			return err
		}

		var events orchestrator.EventLog
		if path, err := db.DefaultDBPath(); err == nil {
			ledger, err := db.Open(path)
			if err == nil {
				if err := ledger.Migrate(); err == nil {
					defer ledger.Close()
					events = ledger
				} else {
					logger.Warn("event ledger migration failed, continuing without it", "error", err)
					ledger.Close()
				}
			} else {
				logger.Warn("event ledger unavailable, continuing without it", "error", err)
			}
		}

		binary, err := os.Executable()
		if err != nil {
			return err
		}

		client := api.NewClient(cfg.API.BaseURL, cfg.API.Key, cfg.API.Timeout(), logger)
		locks := lock.NewManager(cfg.Orchestrator.LockStale(), logger)
		workers := runner.New(binary, cfg.Orchestrator.WorkerTimeout(), logger)
		orch := orchestrator.New(cfg, client, store, locks, workers, events, logger)
		orch.SetLockOwner(cfg.Agent.Name + "#" + runID)

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		if _, err := orch.WaitForBackend(ctx); err != nil {
			return err
		}
		if err := orch.PreloadWorkspaces(ctx); err != nil {
			return err
		}
		return orch.Run(ctx, runOnce)
	},
}

func init() {
	runCmd.Flags().BoolVar(&runOnce, "once", false, "run a single tick and exit")
}
