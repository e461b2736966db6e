package cli

import (
	"github.com/spf13/cobra"
)

var version = "dev"

func SetVersion(v string) {
	version = v
}

var rootCmd = &cobra.Command{
	Use:   "swarm",
	Short: "swarm — an autonomous marketplace build agent",
	Long: `swarm claims tasks from a task marketplace and delivers them through a
coding, testing, and deploying pipeline driven by short-lived worker
processes.

All state is stored in ~/.swarm/ (SQLite for events, JSON per task
workspace). The orchestrator spawns this same binary as its workers.`,
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(workerCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(serveCmd)
}
