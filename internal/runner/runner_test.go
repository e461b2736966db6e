package runner

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"
)

func newTestRunner(timeout time.Duration) *Runner {
	return New("/bin/true", timeout, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func sh(script string) []string {
	return []string{"-c", script}
}

func TestParsesSentinelResult(t *testing.T) {
	r := newTestRunner(10 * time.Second)

	res := r.RunCommand(context.Background(), "sh", sh(
		`echo "starting up"; echo '`+Sentinel+`{"action":"coded","steps_completed":2}'`))

	if res.Action != "coded" {
		t.Errorf("Action = %q, want coded", res.Action)
	}
	if res.ExitCode != 0 {
		t.Errorf("ExitCode = %d, want 0", res.ExitCode)
	}
	if n, ok := res.Fields["steps_completed"].(float64); !ok || n != 2 {
		t.Errorf("steps_completed = %v", res.Fields["steps_completed"])
	}
}

func TestLastSentinelLineWins(t *testing.T) {
	r := newTestRunner(10 * time.Second)

	res := r.RunCommand(context.Background(), "sh", sh(
		`echo '`+Sentinel+`{"action":"first"}'; echo '`+Sentinel+`{"action":"second"}'`))

	if res.Action != "second" {
		t.Errorf("Action = %q, want second", res.Action)
	}
}

func TestNoSentinelYieldsNoResult(t *testing.T) {
	r := newTestRunner(10 * time.Second)

	res := r.RunCommand(context.Background(), "sh", sh(`echo "just chatter"; exit 0`))
	if res.Action != ActionNoResult {
		t.Errorf("Action = %q, want no_result", res.Action)
	}
}

func TestNonZeroExitRecorded(t *testing.T) {
	r := newTestRunner(10 * time.Second)

	res := r.RunCommand(context.Background(), "sh", sh(`exit 2`))
	if res.Action != ActionNoResult {
		t.Errorf("Action = %q, want no_result", res.Action)
	}
	if res.ExitCode != 2 {
		t.Errorf("ExitCode = %d, want 2", res.ExitCode)
	}
}

func TestMalformedResultLineYieldsNoResult(t *testing.T) {
	r := newTestRunner(10 * time.Second)

	res := r.RunCommand(context.Background(), "sh", sh(`echo '`+Sentinel+`not json'`))
	if res.Action != ActionNoResult {
		t.Errorf("Action = %q, want no_result", res.Action)
	}
}

func TestTimeout(t *testing.T) {
	r := newTestRunner(200 * time.Millisecond)

	start := time.Now()
	res := r.RunCommand(context.Background(), "sh", sh(`sleep 5`))
	if res.Action != ActionTimeout {
		t.Errorf("Action = %q, want timeout", res.Action)
	}
	if elapsed := time.Since(start); elapsed > 3*time.Second {
		t.Errorf("timeout took %v, expected prompt kill", elapsed)
	}
}

func TestSentinelWithNonZeroExitStillUsed(t *testing.T) {
	r := newTestRunner(10 * time.Second)

	res := r.RunCommand(context.Background(), "sh", sh(
		`echo '`+Sentinel+`{"action":"tested","passed":false}'; exit 1`))

	if res.Action != "tested" {
		t.Errorf("Action = %q, want tested", res.Action)
	}
	if res.ExitCode != 1 {
		t.Errorf("ExitCode = %d, want 1", res.ExitCode)
	}
}
