package worker

import "context"

// Scout looks for new marketplace work. It evaluates open tasks the
// agent has not already claimed and claims at most one per run; the
// orchestrator only dispatches a scout when the agent has spare
// capacity.
func (e *Env) Scout(ctx context.Context) Outcome {
	tasks, err := e.Client.ListTasks(ctx)
	if err != nil {
		return fail(err)
	}
	if len(tasks) == 0 {
		return outcome(ExitOK, "no_tasks")
	}

	claims, err := e.Client.MyClaims(ctx)
	if err != nil {
		return fail(err)
	}
	claimed := make(map[int]bool, len(claims))
	for _, c := range claims {
		if c.Status != "rejected" {
			claimed[c.TaskID] = true
		}
	}

	evaluated := 0
	for _, task := range tasks {
		if claimed[task.ID] || task.Status != "open" {
			continue
		}
		evaluated++

		ok, reason, err := e.Evaluator.Evaluate(ctx, &task)
		if err != nil {
			e.Logger.Warn("task evaluation failed", "task", task.ID, "error", err)
			continue
		}
		if !ok {
			e.Logger.Info("passed on task", "task", task.ID, "reason", reason)
			continue
		}

		pitch, err := e.Summarizer.ClaimPitch(ctx, &task)
		if err != nil {
			e.Logger.Warn("pitch generation failed, claiming with verdict", "task", task.ID, "error", err)
			pitch = reason
		}

		env, err := e.Client.ClaimTask(ctx, task.ID, pitch)
		if err != nil {
			return fail(err)
		}
		if !env.OK {
			// Someone else got there first; keep scanning.
			e.Logger.Info("claim rejected", "task", task.ID, "error", env.Error.String())
			continue
		}
		return outcome(ExitOK, "claimed", "task_id", task.ID, "title", task.Title)
	}

	if evaluated == 0 {
		return outcome(ExitOK, "no_tasks")
	}
	return outcome(ExitOK, "no_claim", "evaluated", evaluated)
}
