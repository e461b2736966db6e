package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/hivework/swarm/internal/runner"
	"github.com/hivework/swarm/internal/worker"
)

var workerTaskID int

var workerCmd = &cobra.Command{
	Use:       "worker <kind>",
	Short:     "Run one worker and exit (spawned by the orchestrator)",
	Args:      cobra.ExactArgs(1),
	ValidArgs: []string{"coder", "tester", "deployer", "scout", "revision"},
	Long: `Worker runs a single one-shot worker process. The orchestrator spawns
these; running one by hand is useful for debugging a stuck task.

The worker prints its structured result as the final stdout line and
exits 0 on success, 1 on failure, 2 when nothing applied.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		kind := args[0]
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		logger := newLogger()

		env, err := buildWorkerEnv(cfg, logger)
		if err != nil {
			return err
		}

		ctx := context.Background()
		var out worker.Outcome
		switch kind {
		case "coder":
			out = env.Coder(ctx, mustTaskID())
		case "tester":
			out = env.Tester(ctx, mustTaskID())
		case "deployer":
			out = env.Deployer(ctx, mustTaskID())
		case "revision":
			out = env.Revision(ctx, mustTaskID())
		case "scout":
			out = env.Scout(ctx)
		default:
			return fmt.Errorf("unknown worker kind %q", kind)
		}

		if err := runner.Emit(out.Fields); err != nil {
			return err
		}
		os.Exit(out.ExitCode)
		return nil
	},
}

func mustTaskID() int {
	if workerTaskID <= 0 {
		fmt.Fprintln(os.Stderr, "worker requires --task-id")
		os.Exit(worker.ExitFailed)
	}
	return workerTaskID
}

func init() {
	workerCmd.Flags().IntVar(&workerTaskID, "task-id", 0, "task to operate on")
}
