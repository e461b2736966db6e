package cli

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/hivework/swarm/internal/pipeline"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the local pipeline state of every task",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		store, err := openStore(cfg)
		if err != nil {
			return err
		}
		states, err := store.List()
		if err != nil {
			return err
		}
		if len(states) == 0 {
			fmt.Println("no task workspaces")
			return nil
		}

		for _, state := range states {
			total := 0
			if state.Plan != nil {
				total = len(state.Plan.Steps)
			}
			line := fmt.Sprintf("task %-5d %-12s steps %d/%d  iteration %d",
				state.TaskID, state.Stage, len(state.CompletedSteps), total, state.IterationCount)
			stageColor(state.Stage).Println(line)
			if state.DeployURL != "" {
				fmt.Printf("           deployed: %s\n", state.DeployURL)
			}
			if state.TestErrors != "" {
				color.New(color.FgYellow).Printf("           fixing test failures\n")
			}
		}
		return nil
	},
}

func stageColor(stage pipeline.Stage) *color.Color {
	switch stage {
	case pipeline.StageDelivered:
		return color.New(color.FgGreen)
	case pipeline.StageNeedsHuman:
		return color.New(color.FgRed)
	case pipeline.StageDeploying:
		return color.New(color.FgCyan)
	default:
		return color.New(color.FgWhite)
	}
}
