package worker

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

// ShellRunner abstracts shell command execution for testability.
type ShellRunner interface {
	Run(ctx context.Context, dir, command string) (output string, exitCode int, err error)
}

// ExecShell implements ShellRunner by shelling out.
type ExecShell struct{}

func (e *ExecShell) Run(ctx context.Context, dir, command string) (string, int, error) {
	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Dir = dir

	out, err := cmd.CombinedOutput()
	exitCode := 0
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			return string(out), -1, fmt.Errorf("exec %q: %w", command, err)
		}
	}
	return string(out), exitCode, nil
}

// appendLog appends a timestamped block to a log file in the workspace.
// Logging failures never fail the worker.
func appendLog(dir, name, header, content string) {
	f, err := os.OpenFile(filepath.Join(dir, name), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return
	}
	defer f.Close()
	fmt.Fprintf(f, "[%s] %s\n%s\n", time.Now().UTC().Format(time.RFC3339), header, strings.TrimRight(content, "\n"))
}

// tail returns the last n bytes of s on a line boundary.
func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	cut := s[len(s)-n:]
	if i := strings.IndexByte(cut, '\n'); i >= 0 && i+1 < len(cut) {
		cut = cut[i+1:]
	}
	return cut
}
