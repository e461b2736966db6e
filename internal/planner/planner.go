// Package planner generates the model-driven artifacts workers need:
// implementation plans, claim pitches, and delivery summaries. Workers
// depend on the interfaces here so the model integration stays swappable
// in tests.
package planner

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/hivework/swarm/internal/api"
	"github.com/hivework/swarm/internal/pipeline"
)

// Planner produces an implementation plan for a task.
type Planner interface {
	BuildPlan(ctx context.Context, task *api.Task) (*pipeline.Plan, error)
}

// Summarizer produces the human-facing texts that accompany marketplace
// actions.
type Summarizer interface {
	ClaimPitch(ctx context.Context, task *api.Task) (string, error)
	DeliverySummary(ctx context.Context, task *api.Task, state *pipeline.PipelineState) (string, error)
}

// File is one file emitted by step implementation.
type File struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

// Implementer turns one plan step into workspace file contents.
type Implementer interface {
	ImplementStep(ctx context.Context, task *api.Task, step pipeline.PlanStep, testErrors string) ([]File, error)
}

// Evaluator decides whether a marketplace task is worth claiming.
type Evaluator interface {
	Evaluate(ctx context.Context, task *api.Task) (claim bool, reason string, err error)
}

// Client implements Planner and Summarizer against the Anthropic API.
type Client struct {
	sdk   anthropic.Client
	model string
}

// New creates a planner client.
func New(apiKey, model string) *Client {
	return &Client{
		sdk:   anthropic.NewClient(option.WithAPIKey(apiKey)),
		model: model,
	}
}

const planSystemPrompt = `You plan small web projects for an autonomous build agent.
Given a task description, respond with ONLY a JSON object:
{
  "project_type": "static" | "node" | "python",
  "scaffold_command": "<shell command to scaffold, or empty>",
  "test_command": "<shell command that exits 0 on success, or empty>",
  "deploy_command": "<shell command to deploy, or empty>",
  "steps": [{"index": 0, "description": "...", "commit_message": "..."}]
}
Steps must be small, independently committable, and ordered. Indices start at 0 and never repeat.`

// BuildPlan asks the model for a step plan and parses it.
func (c *Client) BuildPlan(ctx context.Context, task *api.Task) (*pipeline.Plan, error) {
	prompt := fmt.Sprintf("Task #%d: %s\n\n%s", task.ID, task.Title, task.Description)
	text, err := c.complete(ctx, planSystemPrompt, prompt, 4096)
	if err != nil {
		return nil, fmt.Errorf("build plan for task %d: %w", task.ID, err)
	}

	var plan pipeline.Plan
	if err := json.Unmarshal([]byte(extractJSON(text)), &plan); err != nil {
		return nil, fmt.Errorf("parse plan for task %d: %w", task.ID, err)
	}
	if len(plan.Steps) == 0 {
		return nil, fmt.Errorf("plan for task %d has no steps", task.ID)
	}
	for i := range plan.Steps {
		plan.Steps[i].Index = i // indices are positional regardless of model output
	}
	return &plan, nil
}

// ClaimPitch writes a short message to attach to a task claim.
func (c *Client) ClaimPitch(ctx context.Context, task *api.Task) (string, error) {
	prompt := fmt.Sprintf("Write a two-sentence pitch for claiming this task. Plain text only.\n\nTask: %s\n%s", task.Title, task.Description)
	return c.complete(ctx, "You write concise, concrete pitches for a freelance build agent.", prompt, 512)
}

// DeliverySummary writes the deliverable text summarizing what was built.
func (c *Client) DeliverySummary(ctx context.Context, task *api.Task, state *pipeline.PipelineState) (string, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "Task: %s\n%s\n\nCommits:\n", task.Title, task.Description)
	for _, commit := range state.CommitLog {
		fmt.Fprintf(&b, "- %s %s\n", commit.Hash, commit.Message)
	}
	if state.DeployURL != "" {
		fmt.Fprintf(&b, "\nDeployed at: %s\n", state.DeployURL)
	}
	return c.complete(ctx, "You summarize completed software work for the client who requested it. Plain text, under 200 words.", b.String(), 1024)
}

const implementSystemPrompt = `You implement one step of a small web project.
Respond with ONLY a JSON object: {"files": [{"path": "relative/path", "content": "full file content"}]}.
Emit the complete content of every file you create or change. Never use absolute paths or "..".`

// ImplementStep asks the model for the file contents realizing one plan
// step. When testErrors is non-empty the step is a fix round and the
// errors are included in the prompt.
func (c *Client) ImplementStep(ctx context.Context, task *api.Task, step pipeline.PlanStep, testErrors string) ([]File, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "Task: %s\n%s\n\nStep %d: %s\n", task.Title, task.Description, step.Index, step.Description)
	if testErrors != "" {
		fmt.Fprintf(&b, "\nThe previous test run failed. Fix these errors:\n%s\n", testErrors)
	}

	text, err := c.complete(ctx, implementSystemPrompt, b.String(), 8192)
	if err != nil {
		return nil, fmt.Errorf("implement step %d: %w", step.Index, err)
	}

	var out struct {
		Files []File `json:"files"`
	}
	if err := json.Unmarshal([]byte(extractJSON(text)), &out); err != nil {
		return nil, fmt.Errorf("parse step %d files: %w", step.Index, err)
	}
	if len(out.Files) == 0 {
		return nil, fmt.Errorf("step %d produced no files", step.Index)
	}
	return out.Files, nil
}

const evaluateSystemPrompt = `You evaluate marketplace tasks for an autonomous web-project build agent.
The agent can build and deploy small static sites, Node services, and Python services.
Respond with ONLY a JSON object: {"claim": true|false, "reason": "<one short sentence>"}.`

// Evaluate decides whether a task fits the agent's capabilities.
func (c *Client) Evaluate(ctx context.Context, task *api.Task) (bool, string, error) {
	prompt := fmt.Sprintf("Task #%d: %s\n\n%s", task.ID, task.Title, task.Description)
	text, err := c.complete(ctx, evaluateSystemPrompt, prompt, 512)
	if err != nil {
		return false, "", fmt.Errorf("evaluate task %d: %w", task.ID, err)
	}

	var out struct {
		Claim  bool   `json:"claim"`
		Reason string `json:"reason"`
	}
	if err := json.Unmarshal([]byte(extractJSON(text)), &out); err != nil {
		return false, "", fmt.Errorf("parse evaluation for task %d: %w", task.ID, err)
	}
	return out.Claim, out.Reason, nil
}

func (c *Client) complete(ctx context.Context, system, prompt string, maxTokens int64) (string, error) {
	resp, err := c.sdk.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(c.model),
		MaxTokens: maxTokens,
		System: []anthropic.TextBlockParam{
			{Text: system},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	})
	if err != nil {
		return "", fmt.Errorf("model call: %w", err)
	}

	var out strings.Builder
	for _, block := range resp.Content {
		if text, ok := block.AsAny().(anthropic.TextBlock); ok {
			out.WriteString(text.Text)
		}
	}
	if out.Len() == 0 {
		return "", fmt.Errorf("model returned no text")
	}
	return strings.TrimSpace(out.String()), nil
}

// extractJSON pulls the outermost JSON object out of model text that may
// be wrapped in prose or a code fence.
func extractJSON(text string) string {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return text
	}
	return text[start : end+1]
}
