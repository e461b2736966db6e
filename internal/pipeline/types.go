package pipeline

import "fmt"

// Stage is the local pipeline position of a task. It is distinct from the
// task's remote marketplace status: a task can be remotely "in_progress"
// while the local stage is anywhere in coding..delivered.
type Stage string

const (
	StageCoding    Stage = "coding"
	StageTesting   Stage = "testing"
	StageDeploying Stage = "deploying"
	StageDelivered Stage = "delivered"

	// StageNeedsHuman is a terminal parking stage for tasks that exceeded
	// the configured coding/testing iteration ceiling.
	StageNeedsHuman Stage = "needs_human"
)

// Valid reports whether s is a known stage value.
func (s Stage) Valid() bool {
	switch s {
	case StageCoding, StageTesting, StageDeploying, StageDelivered, StageNeedsHuman:
		return true
	}
	return false
}

// Terminal reports whether no worker should be dispatched for s.
func (s Stage) Terminal() bool {
	return s == StageDelivered || s == StageNeedsHuman
}

// CanTransition reports whether the edge from -> to is legal. The pipeline
// only moves forward (coding -> testing -> deploying -> delivered), with a
// single back-edge testing -> coding for failed test runs and the
// testing -> needs_human escape when the iteration ceiling is hit.
func CanTransition(from, to Stage) bool {
	switch from {
	case StageCoding:
		return to == StageTesting
	case StageTesting:
		return to == StageDeploying || to == StageCoding || to == StageNeedsHuman
	case StageDeploying:
		return to == StageDelivered
	}
	return false
}

// PlanStep is one unit of the coder's implementation plan. Index is stable
// for the lifetime of the plan; CompletedSteps in PipelineState refers to it.
type PlanStep struct {
	Index         int    `json:"index"`
	Description   string `json:"description"`
	CommitMessage string `json:"commit_message,omitempty"`
}

// Plan is produced once by the coding stage and never regenerated unless
// cleared. The test command travels with the plan so the tester does not
// depend on the planner.
type Plan struct {
	ProjectType     string     `json:"project_type,omitempty"`
	ScaffoldCommand string     `json:"scaffold_command,omitempty"`
	Steps           []PlanStep `json:"steps"`
	TestCommand     string     `json:"test_command,omitempty"`
	DeployCommand   string     `json:"deploy_command,omitempty"`
}

// CommitEntry records one commit made by a worker in the task workspace.
type CommitEntry struct {
	Hash    string `json:"hash"`
	Message string `json:"message"`
	At      string `json:"at"`
}

// PipelineState is the durable per-task record of resumable progress.
// It is mutated only by the worker process holding the task's lock and is
// never deleted by the orchestrator.
type PipelineState struct {
	TaskID         int           `json:"task_id"`
	Stage          Stage         `json:"stage"`
	Plan           *Plan         `json:"plan,omitempty"`
	CompletedSteps []int         `json:"completed_step_indices"`
	TestErrors     string        `json:"test_errors,omitempty"`
	IterationCount int           `json:"iteration_count"`
	CommitLog      []CommitEntry `json:"commit_log"`
	RepoURL        string        `json:"repo_url,omitempty"`
	DeployURL      string        `json:"deploy_url,omitempty"`
	Scaffolded     bool          `json:"scaffolded,omitempty"`
	CreatedAt      string        `json:"created_at"`
	UpdatedAt      string        `json:"updated_at"`
}

// StepCompleted reports whether the plan step with the given index has run.
func (ps *PipelineState) StepCompleted(index int) bool {
	for _, i := range ps.CompletedSteps {
		if i == index {
			return true
		}
	}
	return false
}

// MarkStepCompleted records a plan step as done. Idempotent.
func (ps *PipelineState) MarkStepCompleted(index int) {
	if ps.StepCompleted(index) {
		return
	}
	ps.CompletedSteps = append(ps.CompletedSteps, index)
}

// RemainingSteps returns the plan steps not yet completed, in plan order.
func (ps *PipelineState) RemainingSteps() []PlanStep {
	if ps.Plan == nil {
		return nil
	}
	var out []PlanStep
	for _, step := range ps.Plan.Steps {
		if !ps.StepCompleted(step.Index) {
			out = append(out, step)
		}
	}
	return out
}

// BeginRevision reopens a delivered task for client-requested changes.
// The new steps are appended to the plan with fresh indices so completed
// work is never re-run, and the stage returns to coding. This is the one
// sanctioned way back from a terminal stage; Transition will not do it.
func (ps *PipelineState) BeginRevision(steps []PlanStep) error {
	if ps.Stage != StageDelivered {
		return fmt.Errorf("task %d: revision requires delivered stage, have %s", ps.TaskID, ps.Stage)
	}
	if ps.Plan == nil {
		return fmt.Errorf("task %d: revision requires a plan", ps.TaskID)
	}
	if len(steps) == 0 {
		return fmt.Errorf("task %d: revision requires at least one step", ps.TaskID)
	}
	next := len(ps.Plan.Steps)
	for i := range steps {
		steps[i].Index = next + i
	}
	ps.Plan.Steps = append(ps.Plan.Steps, steps...)
	ps.Stage = StageCoding
	ps.TestErrors = ""
	return nil
}

// Transition moves the state to the given stage, enforcing the stage graph.
func (ps *PipelineState) Transition(to Stage) error {
	if !CanTransition(ps.Stage, to) {
		return fmt.Errorf("illegal stage transition %s -> %s for task %d", ps.Stage, to, ps.TaskID)
	}
	ps.Stage = to
	return nil
}
