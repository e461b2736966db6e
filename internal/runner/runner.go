// Package runner launches short-lived worker processes and harvests
// their structured results.
//
// A worker communicates its outcome by printing exactly one line to
// stdout prefixed with the result sentinel, followed by a JSON object.
// Everything else a worker prints is human-oriented log output and is
// forwarded to the orchestrator's logger. A worker that exits without a
// sentinel line, or with one that fails to parse, yields a "no_result"
// outcome rather than an error: worker flakiness is a routine condition,
// not a reason to stop the loop.
package runner

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Sentinel marks the result line in worker stdout. The version suffix
// lets the orchestrator reject output from mismatched worker builds
// instead of misparsing it.
const Sentinel = "__SWARM_RESULT_V1__:"

// Well-known result actions produced by the runner itself.
const (
	ActionTimeout  = "timeout"
	ActionNoResult = "no_result"
)

// Result is a worker's parsed outcome. Fields holds the full JSON
// object the worker emitted; Action is its "action" key.
type Result struct {
	Action   string
	ExitCode int
	Fields   map[string]interface{}
}

// synthetic builds a Result not backed by a sentinel line.
func synthetic(action string, exitCode int) Result {
	return Result{
		Action:   action,
		ExitCode: exitCode,
		Fields:   map[string]interface{}{"action": action},
	}
}

// Runner spawns worker subprocesses with a wall-clock timeout.
type Runner struct {
	binary  string
	timeout time.Duration
	logger  *slog.Logger
}

// New creates a Runner that spawns workers by re-executing the given
// binary with a worker subcommand.
func New(binary string, timeout time.Duration, logger *slog.Logger) *Runner {
	return &Runner{binary: binary, timeout: timeout, logger: logger}
}

// Run launches one worker of the given kind for a task and blocks until
// it exits or times out. It never returns an error for worker-side
// failures; those are encoded in the Result action.
func (r *Runner) Run(ctx context.Context, kind string, taskID int, extraArgs ...string) Result {
	args := append([]string{"worker", kind, "--task-id", strconv.Itoa(taskID)}, extraArgs...)
	return r.RunCommand(ctx, r.binary, args)
}

// RunCommand runs an arbitrary command under the runner's timeout and
// sentinel parsing. Run is the normal entry point; this exists so the
// parsing and timeout behavior can be exercised directly.
func (r *Runner) RunCommand(ctx context.Context, name string, args []string) Result {
	runCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, name, args...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		r.logger.Error("worker stdout pipe failed", "error", err)
		return synthetic(ActionNoResult, -1)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		r.logger.Error("worker stderr pipe failed", "error", err)
		return synthetic(ActionNoResult, -1)
	}

	start := time.Now()
	if err := cmd.Start(); err != nil {
		r.logger.Error("worker failed to start", "command", name, "error", err)
		return synthetic(ActionNoResult, -1)
	}

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		resultRaw string
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		scanner := bufio.NewScanner(stdout)
		scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
		for scanner.Scan() {
			line := scanner.Text()
			if rest, ok := strings.CutPrefix(line, Sentinel); ok {
				mu.Lock()
				resultRaw = rest // last sentinel line wins
				mu.Unlock()
				continue
			}
			if strings.TrimSpace(line) != "" {
				r.logger.Info("worker: " + line)
			}
		}
	}()
	go func() {
		defer wg.Done()
		scanner := bufio.NewScanner(stderr)
		scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
		for scanner.Scan() {
			if line := scanner.Text(); strings.TrimSpace(line) != "" {
				r.logger.Warn("worker: " + line)
			}
		}
	}()

	wg.Wait()
	waitErr := cmd.Wait()
	elapsed := time.Since(start).Truncate(time.Millisecond)

	if runCtx.Err() == context.DeadlineExceeded {
		r.logger.Warn("worker timed out", "command", name, "timeout", r.timeout)
		return synthetic(ActionTimeout, -1)
	}

	exitCode := 0
	if waitErr != nil {
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			exitCode = exitErr.ExitCode()
		} else {
			r.logger.Error("worker wait failed", "error", waitErr)
			return synthetic(ActionNoResult, -1)
		}
	}

	mu.Lock()
	raw := resultRaw
	mu.Unlock()

	if raw == "" {
		r.logger.Warn("worker exited without a result line",
			"command", name, "exit_code", exitCode, "elapsed", elapsed)
		res := synthetic(ActionNoResult, exitCode)
		res.Fields["exit_code"] = exitCode
		return res
	}

	var fields map[string]interface{}
	if err := json.Unmarshal([]byte(raw), &fields); err != nil {
		r.logger.Warn("worker result line unparseable", "error", err)
		res := synthetic(ActionNoResult, exitCode)
		res.Fields["exit_code"] = exitCode
		return res
	}

	action, _ := fields["action"].(string)
	if action == "" {
		action = ActionNoResult
	}
	return Result{Action: action, ExitCode: exitCode, Fields: fields}
}

// Emit prints a result line for the calling worker process. Workers use
// this as the last thing they write to stdout before exiting.
func Emit(fields map[string]interface{}) error {
	data, err := json.Marshal(fields)
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}
	fmt.Println(Sentinel + string(data))
	return nil
}
