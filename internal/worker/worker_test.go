package worker

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/hivework/swarm/internal/api"
	"github.com/hivework/swarm/internal/config"
	"github.com/hivework/swarm/internal/gitops"
	"github.com/hivework/swarm/internal/pipeline"
	"github.com/hivework/swarm/internal/planner"
)

// fakeMarketplace implements Marketplace in memory.
type fakeMarketplace struct {
	tasks     map[int]*api.Task
	open      []api.Task
	claims    []api.Claim
	msgs      []api.Message
	rejectAll bool

	claimedIDs   []int
	claimMsgs    []string
	startedIDs   []int
	deliverables []api.Deliverable
	remarks      []string
}

func (f *fakeMarketplace) ListTasks(ctx context.Context) ([]api.Task, error) { return f.open, nil }

func (f *fakeMarketplace) GetTask(ctx context.Context, id int) (*api.Task, error) {
	if t, ok := f.tasks[id]; ok {
		return t, nil
	}
	return nil, errors.New("no such task")
}

func (f *fakeMarketplace) ClaimTask(ctx context.Context, id int, msg string) (*api.Envelope, error) {
	if f.rejectAll {
		return &api.Envelope{OK: false, Error: &api.APIError{Code: "already_claimed"}}, nil
	}
	f.claimedIDs = append(f.claimedIDs, id)
	f.claimMsgs = append(f.claimMsgs, msg)
	return &api.Envelope{OK: true}, nil
}

func (f *fakeMarketplace) StartTask(ctx context.Context, id int) (*api.Envelope, error) {
	f.startedIDs = append(f.startedIDs, id)
	return &api.Envelope{OK: true}, nil
}

func (f *fakeMarketplace) SubmitDeliverable(ctx context.Context, id int, d api.Deliverable) (*api.Envelope, error) {
	f.deliverables = append(f.deliverables, d)
	return &api.Envelope{OK: true}, nil
}

func (f *fakeMarketplace) MyTasks(ctx context.Context) ([]api.Task, error)   { return nil, nil }
func (f *fakeMarketplace) MyClaims(ctx context.Context) ([]api.Claim, error) { return f.claims, nil }

func (f *fakeMarketplace) TaskMessages(ctx context.Context, id int) ([]api.Message, error) {
	return f.msgs, nil
}

func (f *fakeMarketplace) PostRemark(ctx context.Context, id int, body string) (*api.Envelope, error) {
	f.remarks = append(f.remarks, body)
	return &api.Envelope{OK: true}, nil
}

// fakeBrain implements the planner interfaces with canned answers.
type fakeBrain struct {
	plan        pipeline.Plan
	implemented []int
	evalClaim   bool
}

func (f *fakeBrain) BuildPlan(ctx context.Context, task *api.Task) (*pipeline.Plan, error) {
	p := f.plan
	return &p, nil
}

func (f *fakeBrain) ImplementStep(ctx context.Context, task *api.Task, step pipeline.PlanStep, testErrors string) ([]planner.File, error) {
	f.implemented = append(f.implemented, step.Index)
	return []planner.File{{Path: "index.html", Content: "<html></html>"}}, nil
}

func (f *fakeBrain) ClaimPitch(ctx context.Context, task *api.Task) (string, error) {
	return "pitch for " + task.Title, nil
}

func (f *fakeBrain) DeliverySummary(ctx context.Context, task *api.Task, state *pipeline.PipelineState) (string, error) {
	return "summary of the work", nil
}

func (f *fakeBrain) Evaluate(ctx context.Context, task *api.Task) (bool, string, error) {
	return f.evalClaim, "fits the stack", nil
}

// fakeShell records commands and returns canned exit codes by command.
type fakeShell struct {
	runs    []string
	exitFor map[string]int
	output  string
}

func (f *fakeShell) Run(ctx context.Context, dir, command string) (string, int, error) {
	f.runs = append(f.runs, command)
	return f.output, f.exitFor[command], nil
}

// fakeGit simulates a repository that gets initialized on first use.
type fakeGit struct {
	initialized bool
}

func (g *fakeGit) RunGit(dir string, args ...string) (string, error) {
	switch args[0] {
	case "rev-parse":
		if args[1] == "--git-dir" {
			if g.initialized {
				return ".git", nil
			}
			return "", errors.New("not a git repository")
		}
		return "abc1234", nil
	case "init":
		g.initialized = true
		return "", nil
	case "status":
		return " M index.html", nil
	case "remote", "push":
		return "", errors.New("no such remote")
	}
	return "", nil
}

func newTestEnv(t *testing.T) (*Env, *fakeMarketplace, *fakeBrain, *fakeShell) {
	t.Helper()
	market := &fakeMarketplace{tasks: map[int]*api.Task{}}
	brain := &fakeBrain{
		plan: pipeline.Plan{
			ProjectType: "static",
			Steps: []pipeline.PlanStep{
				{Index: 0, Description: "scaffold page", CommitMessage: "add page"},
				{Index: 1, Description: "add styles", CommitMessage: "add styles"},
			},
			TestCommand: "npm test",
		},
	}
	shell := &fakeShell{exitFor: map[string]int{}}

	env := &Env{
		Cfg: &config.Config{
			Agent:        config.Agent{Name: "swarm"},
			Orchestrator: config.Orchestrator{MaxActiveClaims: 10},
		},
		Client:      market,
		Store:       pipeline.NewStore(t.TempDir()),
		Git:         gitops.NewClient(&fakeGit{}),
		Shell:       shell,
		Planner:     brain,
		Implementer: brain,
		Summarizer:  brain,
		Evaluator:   brain,
		Logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	return env, market, brain, shell
}

func TestCoderPlansAndAdvancesToTesting(t *testing.T) {
	env, market, brain, _ := newTestEnv(t)
	market.tasks[1] = &api.Task{ID: 1, Title: "landing page", Status: "in_progress"}

	out := env.Coder(context.Background(), 1)
	if out.ExitCode != ExitOK || out.Fields["action"] != "coded" {
		t.Fatalf("outcome = %+v", out)
	}

	state, err := env.Store.Load(1)
	if err != nil {
		t.Fatal(err)
	}
	if state.Stage != pipeline.StageTesting {
		t.Errorf("stage = %s, want testing", state.Stage)
	}
	if state.Plan == nil || len(state.Plan.Steps) != 2 {
		t.Fatalf("plan not persisted: %+v", state.Plan)
	}
	if len(state.CompletedSteps) != 2 {
		t.Errorf("completed = %v, want both steps", state.CompletedSteps)
	}
	if state.IterationCount != 1 {
		t.Errorf("iteration = %d, want 1", state.IterationCount)
	}
	if len(brain.implemented) != 2 {
		t.Errorf("implemented steps = %v", brain.implemented)
	}
	if len(market.startedIDs) != 1 {
		t.Errorf("started = %v, want one start call", market.startedIDs)
	}

	// Progress log recorded the plan and both steps.
	dir, _ := env.Store.TaskDir(1)
	steps, err := pipeline.NewProgressLog(dir).Read()
	if err != nil {
		t.Fatal(err)
	}
	if len(steps) < 3 {
		t.Errorf("progress entries = %d, want at least 3", len(steps))
	}
}

func TestCoderResumesRemainingStepsOnly(t *testing.T) {
	env, market, brain, _ := newTestEnv(t)
	market.tasks[2] = &api.Task{ID: 2, Title: "landing page"}

	// Simulate a prior interrupted run: plan exists, step 0 done.
	state, _ := env.Store.Load(2)
	plan := brain.plan
	state.Plan = &plan
	state.MarkStepCompleted(0)
	if err := env.Store.Save(state); err != nil {
		t.Fatal(err)
	}

	out := env.Coder(context.Background(), 2)
	if out.Fields["action"] != "coded" {
		t.Fatalf("outcome = %+v", out)
	}
	if len(brain.implemented) != 1 || brain.implemented[0] != 1 {
		t.Errorf("implemented = %v, want only step 1", brain.implemented)
	}
	// The plan was already present, so no new start call was made.
	if len(market.startedIDs) != 0 {
		t.Errorf("started = %v, want none on resume", market.startedIDs)
	}
}

func TestCoderSkipsWrongStage(t *testing.T) {
	env, market, _, _ := newTestEnv(t)
	market.tasks[3] = &api.Task{ID: 3}

	state, _ := env.Store.Load(3)
	state.Stage = pipeline.StageTesting
	state.Plan = &pipeline.Plan{Steps: []pipeline.PlanStep{{Index: 0}}}
	env.Store.Save(state)

	out := env.Coder(context.Background(), 3)
	if out.ExitCode != ExitIndeterminate || out.Fields["action"] != "no_result" {
		t.Errorf("outcome = %+v, want indeterminate no_result", out)
	}
}

func TestTesterFailureReturnsToCoding(t *testing.T) {
	env, _, brain, shell := newTestEnv(t)
	shell.exitFor["npm test"] = 1
	shell.output = "1 test failed: expected 200 got 500"

	state, _ := env.Store.Load(4)
	plan := brain.plan
	state.Plan = &plan
	state.Stage = pipeline.StageTesting
	state.IterationCount = 1
	env.Store.Save(state)

	out := env.Tester(context.Background(), 4)
	if out.Fields["action"] != "tested" || out.Fields["passed"] != false {
		t.Fatalf("outcome = %+v", out)
	}

	got, _ := env.Store.Load(4)
	if got.Stage != pipeline.StageCoding {
		t.Errorf("stage = %s, want coding", got.Stage)
	}
	if got.TestErrors == "" {
		t.Error("TestErrors must carry the failure detail")
	}
	if got.IterationCount != 1 {
		t.Errorf("iteration = %d, tester must not change it", got.IterationCount)
	}
}

func TestTesterPassAdvancesToDeploying(t *testing.T) {
	env, _, brain, _ := newTestEnv(t)

	state, _ := env.Store.Load(5)
	plan := brain.plan
	state.Plan = &plan
	state.Stage = pipeline.StageTesting
	state.TestErrors = "stale errors from last round"
	env.Store.Save(state)

	out := env.Tester(context.Background(), 5)
	if out.Fields["passed"] != true {
		t.Fatalf("outcome = %+v", out)
	}

	got, _ := env.Store.Load(5)
	if got.Stage != pipeline.StageDeploying {
		t.Errorf("stage = %s, want deploying", got.Stage)
	}
	if got.TestErrors != "" {
		t.Errorf("TestErrors = %q, want cleared", got.TestErrors)
	}
}

func TestTesterIterationCeilingParksTask(t *testing.T) {
	env, _, brain, shell := newTestEnv(t)
	env.Cfg.Orchestrator.MaxIterations = 3
	shell.exitFor["npm test"] = 1

	state, _ := env.Store.Load(6)
	plan := brain.plan
	state.Plan = &plan
	state.Stage = pipeline.StageTesting
	state.IterationCount = 3
	env.Store.Save(state)

	out := env.Tester(context.Background(), 6)
	if out.Fields["stage"] != string(pipeline.StageNeedsHuman) {
		t.Fatalf("outcome = %+v", out)
	}
	got, _ := env.Store.Load(6)
	if got.Stage != pipeline.StageNeedsHuman {
		t.Errorf("stage = %s, want needs_human", got.Stage)
	}
}

func TestDeployerDeliversAndFinishes(t *testing.T) {
	env, market, brain, _ := newTestEnv(t)
	market.tasks[7] = &api.Task{ID: 7, Title: "landing page"}

	state, _ := env.Store.Load(7)
	plan := brain.plan
	state.Plan = &plan
	state.Stage = pipeline.StageDeploying
	state.RepoURL = "https://github.com/acme/landing"
	env.Store.Save(state)

	out := env.Deployer(context.Background(), 7)
	if out.Fields["action"] != "deployed" {
		t.Fatalf("outcome = %+v", out)
	}

	got, _ := env.Store.Load(7)
	if got.Stage != pipeline.StageDelivered {
		t.Errorf("stage = %s, want delivered", got.Stage)
	}
	if len(market.deliverables) != 1 {
		t.Fatalf("deliverables = %d, want 1", len(market.deliverables))
	}
	d := market.deliverables[0]
	if d.Content != "summary of the work" || d.RepoURL != "https://github.com/acme/landing" {
		t.Errorf("deliverable = %+v", d)
	}
}

func TestScoutClaimsSuitableTask(t *testing.T) {
	env, market, brain, _ := newTestEnv(t)
	brain.evalClaim = true
	market.open = []api.Task{
		{ID: 10, Title: "already mine", Status: "open"},
		{ID: 11, Title: "new work", Status: "open"},
		{ID: 12, Title: "closed", Status: "assigned"},
	}
	market.claims = []api.Claim{{ID: 1, TaskID: 10, Status: "accepted"}}

	out := env.Scout(context.Background())
	if out.Fields["action"] != "claimed" {
		t.Fatalf("outcome = %+v", out)
	}
	if len(market.claimedIDs) != 1 || market.claimedIDs[0] != 11 {
		t.Errorf("claimed = %v, want [11]", market.claimedIDs)
	}
	if len(market.claimMsgs) != 1 || market.claimMsgs[0] != "pitch for new work" {
		t.Errorf("claim messages = %v, want the generated pitch", market.claimMsgs)
	}
}

func TestScoutPassesWhenNothingFits(t *testing.T) {
	env, market, brain, _ := newTestEnv(t)
	brain.evalClaim = false
	market.open = []api.Task{{ID: 20, Title: "ml research", Status: "open"}}

	out := env.Scout(context.Background())
	if out.Fields["action"] != "no_claim" {
		t.Errorf("outcome = %+v", out)
	}
	if len(market.claimedIDs) != 0 {
		t.Errorf("claimed = %v, want none", market.claimedIDs)
	}
}

func TestRevisionReopensDeliveredTask(t *testing.T) {
	env, market, brain, _ := newTestEnv(t)
	market.tasks[30] = &api.Task{ID: 30, Title: "landing page"}
	market.msgs = []api.Message{
		{ID: 1, TaskID: 30, Author: "swarm", Body: "delivered"},
		{ID: 2, TaskID: 30, Author: "client", Body: "please make the header sticky"},
	}

	state, _ := env.Store.Load(30)
	plan := brain.plan
	state.Plan = &plan
	state.Stage = pipeline.StageDelivered
	state.CompletedSteps = []int{0, 1}
	env.Store.Save(state)

	out := env.Revision(context.Background(), 30)
	if out.Fields["action"] != "revised" {
		t.Fatalf("outcome = %+v", out)
	}

	got, _ := env.Store.Load(30)
	if got.Stage != pipeline.StageCoding {
		t.Errorf("stage = %s, want coding", got.Stage)
	}
	// New steps appended with fresh indices; old completions intact.
	if len(got.Plan.Steps) != 4 {
		t.Fatalf("plan steps = %d, want 4", len(got.Plan.Steps))
	}
	if got.Plan.Steps[2].Index != 2 || got.Plan.Steps[3].Index != 3 {
		t.Errorf("appended indices = %d,%d", got.Plan.Steps[2].Index, got.Plan.Steps[3].Index)
	}
	if rem := got.RemainingSteps(); len(rem) != 2 {
		t.Errorf("remaining = %d, want the 2 new steps", len(rem))
	}
}

func TestRevisionSkipsWithoutFeedback(t *testing.T) {
	env, market, brain, _ := newTestEnv(t)
	market.tasks[31] = &api.Task{ID: 31}
	market.msgs = []api.Message{{ID: 1, TaskID: 31, Author: "swarm", Body: "delivered"}}

	state, _ := env.Store.Load(31)
	plan := brain.plan
	state.Plan = &plan
	state.Stage = pipeline.StageDelivered
	env.Store.Save(state)

	out := env.Revision(context.Background(), 31)
	if out.Fields["action"] != "no_result" {
		t.Errorf("outcome = %+v, want no_result", out)
	}
}
