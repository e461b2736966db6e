package worker

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/hivework/swarm/internal/pipeline"
)

const testResultsFile = ".test_results.json"

// testRecord is one entry in a workspace's test history file.
type testRecord struct {
	At       string `json:"at"`
	Command  string `json:"command"`
	ExitCode int    `json:"exit_code"`
	Passed   bool   `json:"passed"`
	Output   string `json:"output_tail,omitempty"`
}

// Tester runs the task's test command and routes the pipeline: pass
// moves to deploying, failure moves back to coding with the captured
// errors, and a task that keeps failing past the iteration ceiling is
// parked for a human.
func (e *Env) Tester(ctx context.Context, taskID int) Outcome {
	state, err := e.Store.Load(taskID)
	if err != nil {
		return fail(err)
	}
	if state.Stage != pipeline.StageTesting {
		return skip("stage is " + string(state.Stage))
	}
	if state.Plan == nil {
		return fail(fmt.Errorf("task %d is in testing with no plan", taskID))
	}

	dir, err := e.Store.TaskDir(taskID)
	if err != nil {
		return fail(err)
	}
	progress := pipeline.NewProgressLog(dir)

	if cmd := installCommand(dir); cmd != "" {
		out, code, err := e.Shell.Run(ctx, dir, cmd)
		appendLog(dir, "build.log", "install: "+cmd, out)
		if err != nil {
			return fail(err)
		}
		if code != 0 {
			return e.testFailed(state, progress, dir, cmd, code, out)
		}
	}

	command := state.Plan.TestCommand
	if command == "" {
		// Nothing to verify; treat as a pass so static projects still flow.
		return e.testPassed(state, progress, dir, "", 0, "")
	}

	out, code, err := e.Shell.Run(ctx, dir, command)
	appendLog(dir, "build.log", "test: "+command, out)
	if err != nil {
		return fail(err)
	}
	if code != 0 {
		return e.testFailed(state, progress, dir, command, code, out)
	}
	return e.testPassed(state, progress, dir, command, code, out)
}

func (e *Env) testPassed(state *pipeline.PipelineState, progress *pipeline.ProgressLog, dir, command string, code int, out string) Outcome {
	recordTestRun(dir, testRecord{
		At:       time.Now().UTC().Format(time.RFC3339),
		Command:  command,
		ExitCode: code,
		Passed:   true,
	})

	state.TestErrors = ""
	if err := state.Transition(pipeline.StageDeploying); err != nil {
		return fail(err)
	}
	if err := e.Store.Save(state); err != nil {
		return fail(err)
	}
	progress.Append(pipeline.ProgressStep{
		Stage:   string(state.Stage),
		Title:   "Tests passed",
		Percent: 75,
	})
	return outcome(ExitOK, "tested",
		"task_id", state.TaskID, "passed", true, "stage", string(state.Stage))
}

func (e *Env) testFailed(state *pipeline.PipelineState, progress *pipeline.ProgressLog, dir, command string, code int, out string) Outcome {
	detail := tail(out, 2000)
	recordTestRun(dir, testRecord{
		At:       time.Now().UTC().Format(time.RFC3339),
		Command:  command,
		ExitCode: code,
		Passed:   false,
		Output:   detail,
	})

	ceiling := e.Cfg.Orchestrator.MaxIterations
	if ceiling > 0 && state.IterationCount >= ceiling {
		if err := state.Transition(pipeline.StageNeedsHuman); err != nil {
			return fail(err)
		}
		if err := e.Store.Save(state); err != nil {
			return fail(err)
		}
		progress.Append(pipeline.ProgressStep{
			Stage:       string(state.Stage),
			Title:       "Parked for human review",
			Description: fmt.Sprintf("tests still failing after %d iterations", state.IterationCount),
		})
		return outcome(ExitOK, "tested",
			"task_id", state.TaskID, "passed", false, "stage", string(state.Stage))
	}

	state.TestErrors = fmt.Sprintf("command: %s (exit %d)\n%s", command, code, detail)
	if err := state.Transition(pipeline.StageCoding); err != nil {
		return fail(err)
	}
	if err := e.Store.Save(state); err != nil {
		return fail(err)
	}
	progress.Append(pipeline.ProgressStep{
		Stage:       string(state.Stage),
		Title:       "Tests failed",
		Description: fmt.Sprintf("returning to coding, iteration %d", state.IterationCount),
	})
	return outcome(ExitOK, "tested",
		"task_id", state.TaskID, "passed", false, "stage", string(state.Stage))
}

// installCommand picks a dependency install step from the project files
// present in the workspace.
func installCommand(dir string) string {
	if _, err := os.Stat(filepath.Join(dir, "package.json")); err == nil {
		return "npm install"
	}
	if _, err := os.Stat(filepath.Join(dir, "requirements.txt")); err == nil {
		return "pip install -r requirements.txt"
	}
	return ""
}

// recordTestRun appends to the workspace's test history. Best effort.
func recordTestRun(dir string, rec testRecord) {
	path := filepath.Join(dir, testResultsFile)
	var history []testRecord
	pipeline.ReadJSON(path, &history)
	history = append(history, rec)
	pipeline.WriteJSON(path, history)
}
