// Package orchestrator runs the cooperative dispatch loop. Each tick
// dispatches at most one short-lived worker process, chosen by priority:
// revision requests first, then advancing an in-flight task's pipeline,
// then scouting for new work. All durable state lives in the per-task
// workspaces, so the loop itself can be killed and restarted at any
// point.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/hivework/swarm/internal/api"
	"github.com/hivework/swarm/internal/config"
	"github.com/hivework/swarm/internal/lock"
	"github.com/hivework/swarm/internal/pipeline"
	"github.com/hivework/swarm/internal/runner"
)

// Client is the slice of the marketplace API the orchestrator uses.
type Client interface {
	Me(ctx context.Context) (*api.Profile, error)
	MyTasks(ctx context.Context) ([]api.Task, error)
	MyClaims(ctx context.Context) ([]api.Claim, error)
}

// Dispatcher launches one worker process and returns its result.
type Dispatcher interface {
	Run(ctx context.Context, kind string, taskID int, extraArgs ...string) runner.Result
}

// EventLog records dispatch and tick outcomes. Implemented by db.DB.
type EventLog interface {
	LogDispatch(taskID int, worker, stage, action string, exitCode, durationMs int, detail string) error
	LogTick(outcome string, taskID int, detail string) error
}

// Remote task statuses the loop reacts to.
const (
	statusAccepted   = "accepted"
	statusInProgress = "in_progress"
)

// workerForStage maps a local pipeline stage to the worker kind that
// advances it. Terminal stages map to nothing.
func workerForStage(stage pipeline.Stage) string {
	switch stage {
	case pipeline.StageCoding:
		return "coder"
	case pipeline.StageTesting:
		return "tester"
	case pipeline.StageDeploying:
		return "deployer"
	}
	return ""
}

// Orchestrator owns the tick loop.
type Orchestrator struct {
	cfg      *config.Config
	client   Client
	store    *pipeline.Store
	locks    *lock.Manager
	dispatch Dispatcher
	events   EventLog
	logger   *slog.Logger

	backendWait time.Duration // between startup auth attempts
	lockOwner   string
}

// New creates an Orchestrator. events may be nil when no ledger is open.
func New(cfg *config.Config, client Client, store *pipeline.Store, locks *lock.Manager, dispatch Dispatcher, events EventLog, logger *slog.Logger) *Orchestrator {
	return &Orchestrator{
		cfg:      cfg,
		client:   client,
		store:    store,
		locks:    locks,
		dispatch: dispatch,
		events:   events,
		logger:   logger,

		backendWait: 5 * time.Second,
		lockOwner:   cfg.Agent.Name,
	}
}

// SetLockOwner overrides the owner string written into lock records,
// typically the agent name plus a per-run id.
func (o *Orchestrator) SetLockOwner(owner string) {
	o.lockOwner = owner
}

// WaitForBackend blocks until the marketplace answers an authenticated
// request, retrying on a fixed interval. It gives up after the attempt
// budget so a misconfigured deployment fails loudly instead of spinning.
func (o *Orchestrator) WaitForBackend(ctx context.Context) (*api.Profile, error) {
	const attempts = 20
	var lastErr error
	for i := 0; i < attempts; i++ {
		profile, err := o.client.Me(ctx)
		if err == nil {
			o.logger.Info("backend reachable", "agent", profile.Name, "balance", profile.Balance)
			return profile, nil
		}
		lastErr = err
		o.logger.Warn("backend not ready", "attempt", i+1, "error", err)

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(o.backendWait):
		}
	}
	return nil, fmt.Errorf("backend unreachable after %d attempts: %w", attempts, lastErr)
}

// PreloadWorkspaces ensures every assigned task has a workspace and a
// persisted state record, so a restarted agent resumes where the old one
// stopped instead of reclaiming from scratch.
func (o *Orchestrator) PreloadWorkspaces(ctx context.Context) error {
	tasks, err := o.client.MyTasks(ctx)
	if err != nil {
		return fmt.Errorf("preload workspaces: %w", err)
	}
	for _, task := range tasks {
		state, err := o.store.Load(task.ID)
		if err != nil {
			o.logger.Warn("skipping unreadable workspace", "task", task.ID, "error", err)
			continue
		}
		if err := o.store.Save(state); err != nil {
			return fmt.Errorf("preload task %d: %w", task.ID, err)
		}
	}
	o.logger.Info("workspaces preloaded", "tasks", len(tasks))
	return nil
}

// Run executes the tick loop until the context is canceled. With once
// set, it runs exactly one tick and returns.
func (o *Orchestrator) Run(ctx context.Context, once bool) error {
	if once {
		o.Tick(ctx)
		return nil
	}

	ticker := time.NewTicker(o.cfg.Orchestrator.TickInterval())
	defer ticker.Stop()

	o.logger.Info("orchestrator started",
		"tick_interval", o.cfg.Orchestrator.TickInterval(),
		"worker_timeout", o.cfg.Orchestrator.WorkerTimeout(),
		"max_active_claims", o.cfg.Orchestrator.MaxActiveClaims)

	for {
		o.Tick(ctx)
		select {
		case <-ctx.Done():
			o.logger.Info("orchestrator stopping")
			return nil
		case <-ticker.C:
		}
	}
}

// Tick performs one scheduling pass: revision requests, then pipeline
// advancement, then scouting. At most one worker is dispatched.
func (o *Orchestrator) Tick(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}

	tasks, err := o.client.MyTasks(ctx)
	if err != nil {
		o.logger.Error("tick: fetching tasks failed", "error", err)
		o.logTick("error", 0, err.Error())
		return
	}

	if o.checkRevisions(ctx, tasks) {
		return
	}
	if o.checkWork(ctx, tasks) {
		return
	}
	if o.checkScout(ctx) {
		return
	}
	o.logTick("idle", 0, "")
}

// checkRevisions dispatches a revision worker for the first in-progress
// task whose local pipeline already delivered. The worker reads the task
// messages itself: client feedback reopens the pipeline, and no feedback
// comes back as no_result, leaving the tick free. Returns true when the
// tick is spent.
func (o *Orchestrator) checkRevisions(ctx context.Context, tasks []api.Task) bool {
	for _, task := range tasks {
		if task.Status != statusInProgress {
			continue
		}
		state, err := o.store.Load(task.ID)
		if err != nil || state.Stage != pipeline.StageDelivered {
			continue
		}
		if done := o.dispatchLocked(ctx, "revision", task.ID, state.Stage); done {
			return true
		}
	}
	return false
}

// checkWork advances the first dispatchable in-flight task. A task whose
// worker produced a real result ends the tick; no_result and error leave
// the tick free to try the next task.
func (o *Orchestrator) checkWork(ctx context.Context, tasks []api.Task) bool {
	for _, task := range tasks {
		if task.Status != statusAccepted && task.Status != statusInProgress {
			continue
		}
		state, err := o.store.Load(task.ID)
		if err != nil {
			o.logger.Warn("tick: unreadable state", "task", task.ID, "error", err)
			continue
		}
		kind := workerForStage(state.Stage)
		if kind == "" {
			continue
		}
		if done := o.dispatchLocked(ctx, kind, task.ID, state.Stage); done {
			return true
		}
	}
	return false
}

// checkScout dispatches a scout when the agent has spare claim capacity.
func (o *Orchestrator) checkScout(ctx context.Context) bool {
	claims, err := o.client.MyClaims(ctx)
	if err != nil {
		o.logger.Warn("tick: fetching claims failed", "error", err)
		return false
	}
	active := 0
	for _, c := range claims {
		if c.Status == "pending" || c.Status == statusAccepted {
			active++
		}
	}
	if active >= o.cfg.Orchestrator.MaxActiveClaims {
		o.logger.Info("at claim capacity, skipping scout", "active", active)
		return false
	}

	start := time.Now()
	res := o.dispatch.Run(ctx, "scout", 0)
	o.recordDispatch(0, "scout", "", res, time.Since(start))
	o.logTick("scouted", 0, res.Action)
	return true
}

// dispatchLocked runs one worker for a task under its workspace lock.
// It returns true when the tick is spent: the worker produced a real
// result. A lock miss, a no_result, or an error outcome leaves the tick
// available for other tasks.
func (o *Orchestrator) dispatchLocked(ctx context.Context, kind string, taskID int, stage pipeline.Stage) bool {
	dir, err := o.store.TaskDir(taskID)
	if err != nil {
		o.logger.Warn("tick: workspace unavailable", "task", taskID, "error", err)
		return false
	}
	if !o.locks.Acquire(dir, o.lockOwner) {
		return false
	}
	defer o.locks.Release(dir)

	o.logger.Info("dispatching worker", "worker", kind, "task", taskID, "stage", stage)
	start := time.Now()
	res := o.dispatch.Run(ctx, kind, taskID)
	elapsed := time.Since(start)
	o.recordDispatch(taskID, kind, string(stage), res, elapsed)

	if res.Action == runner.ActionNoResult || res.Action == "error" {
		o.logger.Warn("worker produced no usable result",
			"worker", kind, "task", taskID, "action", res.Action, "exit_code", res.ExitCode)
		return false
	}
	o.logTick("dispatched", taskID, kind+":"+res.Action)
	return true
}

// recordDispatch appends to the plain-text dispatch log and the event
// ledger. Both are best effort.
func (o *Orchestrator) recordDispatch(taskID int, kind, stage string, res runner.Result, elapsed time.Duration) {
	line := fmt.Sprintf("[%s] worker=%s task=%d stage=%s action=%s exit=%d elapsed=%s\n",
		time.Now().UTC().Format(time.RFC3339), kind, taskID, stage, res.Action, res.ExitCode, elapsed.Truncate(time.Millisecond))
	f, err := os.OpenFile(filepath.Join(o.store.BaseDir(), "dispatch.log"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err == nil {
		f.WriteString(line)
		f.Close()
	}

	if o.events != nil {
		if err := o.events.LogDispatch(taskID, kind, stage, res.Action, res.ExitCode, int(elapsed.Milliseconds()), ""); err != nil {
			o.logger.Warn("event ledger write failed", "error", err)
		}
	}
}

func (o *Orchestrator) logTick(outcome string, taskID int, detail string) {
	if o.events == nil {
		return
	}
	if err := o.events.LogTick(outcome, taskID, detail); err != nil {
		o.logger.Warn("event ledger write failed", "error", err)
	}
}
