package worker

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/hivework/swarm/internal/pipeline"
)

// Coder advances a task through the coding stage: it builds a plan on
// first contact, scaffolds the project, implements the remaining plan
// steps with one commit each, and hands the task to the testing stage.
// Interrupted runs resume where they left off because every completed
// step is persisted before the next begins.
func (e *Env) Coder(ctx context.Context, taskID int) Outcome {
	state, err := e.Store.Load(taskID)
	if err != nil {
		return fail(err)
	}
	if state.Stage != pipeline.StageCoding {
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

	if state.Plan == nil {
		plan, err := e.Planner.BuildPlan(ctx, task)
		if err != nil {
			return fail(err)
		}
		state.Plan = plan
		if err := e.Store.Save(state); err != nil {
			return fail(err)
		}
		progress.Append(pipeline.ProgressStep{
			Stage:       string(state.Stage),
			Title:       "Plan created",
			Description: fmt.Sprintf("%d implementation steps", len(plan.Steps)),
		})
		// Marking the task started is idempotent on the marketplace side;
		// an error envelope here just means it already happened.
		if _, err := e.Client.StartTask(ctx, taskID); err != nil {
			e.Logger.Warn("start task failed", "task", taskID, "error", err)
		}
	}

	if !state.Scaffolded && state.Plan.ScaffoldCommand != "" {
		out, code, err := e.Shell.Run(ctx, dir, state.Plan.ScaffoldCommand)
		appendLog(dir, "commands.log", "scaffold: "+state.Plan.ScaffoldCommand, out)
		if err != nil {
			return fail(err)
		}
		if code != 0 {
			return fail(fmt.Errorf("scaffold command exited %d", code))
		}
		state.Scaffolded = true
		if err := e.Store.Save(state); err != nil {
			return fail(err)
		}
	}

	if _, err := e.Git.EnsureRepo(dir); err != nil {
		return fail(err)
	}
	if state.RepoURL == "" {
		state.RepoURL = e.Git.RemoteURL(dir)
	}

	total := len(state.Plan.Steps)
	done := 0
	for _, step := range state.RemainingSteps() {
		files, err := e.Implementer.ImplementStep(ctx, task, step, state.TestErrors)
		if err != nil {
			return fail(err)
		}
		for _, f := range files {
			if !filepath.IsLocal(f.Path) {
				return fail(fmt.Errorf("step %d emitted unsafe path %q", step.Index, f.Path))
			}
			path := filepath.Join(dir, f.Path)
			if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
				return fail(err)
			}
			if err := os.WriteFile(path, []byte(f.Content), 0o644); err != nil {
				return fail(err)
			}
		}

		msg := step.CommitMessage
		if msg == "" {
			msg = step.Description
		}
		commit, err := e.Git.CommitAll(dir, msg)
		if err != nil {
			return fail(err)
		}
		if commit != nil {
			state.CommitLog = append(state.CommitLog, *commit)
		}
		state.MarkStepCompleted(step.Index)
		if err := e.Store.Save(state); err != nil {
			return fail(err)
		}
		done++

		progress.Append(pipeline.ProgressStep{
			Stage:       string(state.Stage),
			Title:       fmt.Sprintf("Step %d complete", step.Index),
			Description: step.Description,
			Percent:     50 * float64(len(state.CompletedSteps)) / float64(total),
		})
	}

	state.TestErrors = ""
	if err := state.Transition(pipeline.StageTesting); err != nil {
		return fail(err)
	}
	state.IterationCount++
	if err := e.Store.Save(state); err != nil {
		return fail(err)
	}
	progress.Append(pipeline.ProgressStep{
		Stage:   string(state.Stage),
		Title:   "Implementation complete",
		Percent: 50,
	})

	return outcome(ExitOK, "coded",
		"task_id", taskID,
		"steps_completed", done,
		"iteration", state.IterationCount,
		"stage", string(state.Stage))
}
