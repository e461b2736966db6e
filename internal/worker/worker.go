// Package worker implements the one-shot stage workers the orchestrator
// dispatches: coder, tester, deployer, scout, and revision. Each worker
// loads the task's pipeline state, does one stage's worth of work, saves
// the state, and reports a structured result before exiting.
package worker

import (
	"context"
	"log/slog"

	"github.com/hivework/swarm/internal/api"
	"github.com/hivework/swarm/internal/config"
	"github.com/hivework/swarm/internal/gitops"
	"github.com/hivework/swarm/internal/pipeline"
	"github.com/hivework/swarm/internal/planner"
)

// Worker process exit codes.
const (
	ExitOK            = 0
	ExitFailed        = 1
	ExitIndeterminate = 2
)

// Marketplace is the slice of the API client workers depend on.
type Marketplace interface {
	ListTasks(ctx context.Context) ([]api.Task, error)
	GetTask(ctx context.Context, taskID int) (*api.Task, error)
	ClaimTask(ctx context.Context, taskID int, message string) (*api.Envelope, error)
	StartTask(ctx context.Context, taskID int) (*api.Envelope, error)
	SubmitDeliverable(ctx context.Context, taskID int, d api.Deliverable) (*api.Envelope, error)
	MyTasks(ctx context.Context) ([]api.Task, error)
	MyClaims(ctx context.Context) ([]api.Claim, error)
	TaskMessages(ctx context.Context, taskID int) ([]api.Message, error)
	PostRemark(ctx context.Context, taskID int, body string) (*api.Envelope, error)
}

// Env bundles the collaborators shared by all workers.
type Env struct {
	Cfg         *config.Config
	Client      Marketplace
	Store       *pipeline.Store
	Git         *gitops.Client
	Shell       ShellRunner
	Planner     planner.Planner
	Implementer planner.Implementer
	Summarizer  planner.Summarizer
	Evaluator   planner.Evaluator
	Logger      *slog.Logger
}

// Outcome is a worker's final result: the fields to emit on the result
// line and the process exit code.
type Outcome struct {
	Fields   map[string]interface{}
	ExitCode int
}

func outcome(exitCode int, action string, kv ...interface{}) Outcome {
	fields := map[string]interface{}{"action": action}
	for i := 0; i+1 < len(kv); i += 2 {
		if k, ok := kv[i].(string); ok {
			fields[k] = kv[i+1]
		}
	}
	return Outcome{Fields: fields, ExitCode: exitCode}
}

// skip is the outcome for a worker that found nothing applicable to do,
// usually because the task's stage moved on before it started.
func skip(reason string) Outcome {
	return outcome(ExitIndeterminate, "no_result", "reason", reason)
}

// fail is the outcome for a worker that hit an internal error.
func fail(err error) Outcome {
	return outcome(ExitFailed, "error", "error", err.Error())
}
