package worker

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/hivework/swarm/internal/api"
	"github.com/hivework/swarm/internal/pipeline"
)

var deployURLPattern = regexp.MustCompile(`https://[a-zA-Z0-9.-]+\.[a-z]{2,}[a-zA-Z0-9./_-]*`)

// Deployer runs the task's deploy command, smoke-tests the resulting
// URL, submits the deliverable to the marketplace, and marks the task
// delivered.
func (e *Env) Deployer(ctx context.Context, taskID int) Outcome {
	state, err := e.Store.Load(taskID)
	if err != nil {
		return fail(err)
	}
	if state.Stage != pipeline.StageDeploying {
		return skip("stage is " + string(state.Stage))
	}
	if state.Plan == nil {
		return fail(fmt.Errorf("task %d is in deploying with no plan", taskID))
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

	if state.DeployURL == "" && state.Plan.DeployCommand != "" {
		out, code, err := e.Shell.Run(ctx, dir, state.Plan.DeployCommand)
		appendLog(dir, "build.log", "deploy: "+state.Plan.DeployCommand, out)
		if err != nil {
			return fail(err)
		}
		if code != 0 {
			return fail(fmt.Errorf("deploy command exited %d: %s", code, tail(out, 500)))
		}
		state.DeployURL = deployURLPattern.FindString(out)
		if err := e.Store.Save(state); err != nil {
			return fail(err)
		}
	}

	if state.DeployURL != "" {
		if err := smokeTest(ctx, state.DeployURL); err != nil {
			return fail(fmt.Errorf("smoke test %s: %w", state.DeployURL, err))
		}
		progress.Append(pipeline.ProgressStep{
			Stage:       string(state.Stage),
			Title:       "Deployed",
			Description: state.DeployURL,
			Percent:     90,
		})
	}

	if err := e.Git.Push(dir); err != nil {
		// A workspace without a remote still delivers; the commit log in
		// the deliverable records the work.
		e.Logger.Warn("push skipped", "task", taskID, "error", err)
	}

	summary, err := e.Summarizer.DeliverySummary(ctx, task, state)
	if err != nil {
		return fail(err)
	}
	env, err := e.Client.SubmitDeliverable(ctx, taskID, api.Deliverable{
		Content:   summary,
		RepoURL:   state.RepoURL,
		DeployURL: state.DeployURL,
	})
	if err != nil {
		return fail(err)
	}
	if !env.OK {
		return fail(fmt.Errorf("deliverable rejected: %s", env.Error.String()))
	}

	if err := state.Transition(pipeline.StageDelivered); err != nil {
		return fail(err)
	}
	if err := e.Store.Save(state); err != nil {
		return fail(err)
	}
	progress.Append(pipeline.ProgressStep{
		Stage:   string(state.Stage),
		Title:   "Delivered",
		Percent: 100,
	})

	return outcome(ExitOK, "deployed",
		"task_id", taskID, "deploy_url", state.DeployURL, "stage", string(state.Stage))
}

const smokeAttempts = 3

// Platforms need a moment before a fresh deploy serves traffic, so the
// first check waits longer than the retries. Tests shrink these.
var smokeWaits = struct {
	First, Retry time.Duration
}{10 * time.Second, 5 * time.Second}

// smokeTest verifies the deploy URL serves a real page: HTTP 200, a
// body over 100 bytes, and no hosting-platform error text.
func smokeTest(ctx context.Context, url string) error {
	client := &http.Client{Timeout: 15 * time.Second}
	var lastErr error
	for attempt := 1; attempt <= smokeAttempts; attempt++ {
		wait := smokeWaits.Retry
		if attempt == 1 {
			wait = smokeWaits.First
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}

		if lastErr = smokeCheck(ctx, client, url); lastErr == nil {
			return nil
		}
	}
	return fmt.Errorf("after %d attempts: %w", smokeAttempts, lastErr)
}

func smokeCheck(ctx context.Context, client *http.Client, url string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("status %d", resp.StatusCode)
	}
	if len(body) <= 100 {
		return fmt.Errorf("body is %d bytes, not a real page", len(body))
	}
	lower := strings.ToLower(string(body))
	for _, marker := range []string{"application error", "internal server error"} {
		if strings.Contains(lower, marker) {
			return fmt.Errorf("page shows %q", marker)
		}
	}
	return nil
}
