// Package gitops wraps the git operations workers perform in task
// workspaces: repository setup, per-step commits, and pushes.
package gitops

import (
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/hivework/swarm/internal/pipeline"
)

// GitRunner provides git command execution. Interface for testing.
type GitRunner interface {
	RunGit(dir string, args ...string) (string, error)
}

// ExecRunner implements GitRunner using exec.Command.
type ExecRunner struct{}

func (r *ExecRunner) RunGit(dir string, args ...string) (string, error) {
	cmd := exec.Command("git", args...)
	if dir != "" {
		cmd.Dir = dir
	}
	out, err := cmd.CombinedOutput()
	if err != nil {
		return strings.TrimSpace(string(out)), fmt.Errorf("git %s: %s: %w", strings.Join(args, " "), strings.TrimSpace(string(out)), err)
	}
	return strings.TrimSpace(string(out)), nil
}

// Client provides repository operations for a task workspace.
type Client struct {
	git GitRunner
}

// NewClient creates a git client.
func NewClient(git GitRunner) *Client {
	return &Client{git: git}
}

// EnsureRepo initializes a git repository in dir if one does not exist.
// Returns true when a new repository was created.
func (c *Client) EnsureRepo(dir string) (bool, error) {
	if _, err := c.git.RunGit(dir, "rev-parse", "--git-dir"); err == nil {
		return false, nil
	}
	if _, err := c.git.RunGit(dir, "init"); err != nil {
		return false, fmt.Errorf("init repo in %s: %w", dir, err)
	}
	if _, err := c.git.RunGit(dir, "checkout", "-b", "main"); err != nil {
		return false, fmt.Errorf("create main branch: %w", err)
	}
	return true, nil
}

// CommitAll stages everything in the workspace and commits it. Returns
// the commit entry, or nil when there was nothing to commit.
func (c *Client) CommitAll(dir, message string) (*pipeline.CommitEntry, error) {
	if _, err := c.git.RunGit(dir, "add", "-A"); err != nil {
		return nil, fmt.Errorf("stage changes: %w", err)
	}

	status, err := c.git.RunGit(dir, "status", "--porcelain")
	if err != nil {
		return nil, fmt.Errorf("check status: %w", err)
	}
	if status == "" {
		return nil, nil
	}

	if _, err := c.git.RunGit(dir, "commit", "-m", message); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	hash, err := c.git.RunGit(dir, "rev-parse", "--short", "HEAD")
	if err != nil {
		return nil, fmt.Errorf("read commit hash: %w", err)
	}
	return &pipeline.CommitEntry{
		Hash:    hash,
		Message: message,
		At:      time.Now().UTC().Format(time.RFC3339),
	}, nil
}

// Push pushes the current branch to origin. Workspaces without a remote
// are a normal configuration; the caller decides whether that matters.
func (c *Client) Push(dir string) error {
	if _, err := c.git.RunGit(dir, "remote", "get-url", "origin"); err != nil {
		return fmt.Errorf("no origin remote in %s: %w", dir, err)
	}
	if _, err := c.git.RunGit(dir, "push", "-u", "origin", "HEAD"); err != nil {
		return fmt.Errorf("push: %w", err)
	}
	return nil
}

// RemoteURL returns the origin remote URL, or empty when none is set.
func (c *Client) RemoteURL(dir string) string {
	out, err := c.git.RunGit(dir, "remote", "get-url", "origin")
	if err != nil {
		return ""
	}
	return out
}
