package worker

import (
	"context"
	"fmt"
	"strings"

	"github.com/hivework/swarm/internal/api"
	"github.com/hivework/swarm/internal/pipeline"
)

// Revision reopens a delivered task after the client requested changes.
// It reads the task's recent messages, plans the follow-up steps, and
// puts the task back into the coding stage with those steps appended.
func (e *Env) Revision(ctx context.Context, taskID int) Outcome {
	state, err := e.Store.Load(taskID)
	if err != nil {
		return fail(err)
	}
	if state.Stage != pipeline.StageDelivered {
		return skip("stage is " + string(state.Stage))
	}

	dir, err := e.Store.TaskDir(taskID)
	if err != nil {
		return fail(err)
	}
	progress := pipeline.NewProgressLog(dir)

	task, err := e.Client.GetTask(ctx, taskID)
	if err != nil {
		return fail(err)
	}
	msgs, err := e.Client.TaskMessages(ctx, taskID)
	if err != nil {
		return fail(err)
	}

	feedback := revisionFeedback(msgs, e.Cfg.Agent.Name)
	if feedback == "" {
		return skip("no revision feedback in task messages")
	}

	// Plan the follow-up work against the original task plus the feedback.
	revised := *task
	revised.Description = task.Description + "\n\nThe client requested these changes to the delivered work:\n" + feedback
	plan, err := e.Planner.BuildPlan(ctx, &revised)
	if err != nil {
		return fail(err)
	}

	if err := state.BeginRevision(plan.Steps); err != nil {
		return fail(err)
	}
	if err := e.Store.Save(state); err != nil {
		return fail(err)
	}
	progress.Append(pipeline.ProgressStep{
		Stage:       string(state.Stage),
		Title:       "Revision started",
		Description: fmt.Sprintf("%d follow-up steps planned", len(plan.Steps)),
	})

	if _, err := e.Client.PostRemark(ctx, taskID, "Working on the requested changes now."); err != nil {
		e.Logger.Warn("revision remark failed", "task", taskID, "error", err)
	}

	return outcome(ExitOK, "revised",
		"task_id", taskID, "new_steps", len(plan.Steps), "stage", string(state.Stage))
}

// revisionFeedback collects the trailing run of messages not written by
// this agent. Those are the client's change requests since delivery.
func revisionFeedback(msgs []api.Message, agentName string) string {
	var lines []string
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Author == agentName {
			break
		}
		lines = append([]string{msgs[i].Body}, lines...)
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}
