package pipeline

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const progressFileName = "progress.jsonl"

// ProgressStep is one append-only entry in a task's progress log. It is
// what external viewers poll to render a task's progress.
type ProgressStep struct {
	Index       int               `json:"index"`
	Stage       string            `json:"stage"`
	Title       string            `json:"title"`
	Description string            `json:"description"`
	Detail      string            `json:"detail,omitempty"`
	Percent     float64           `json:"percent_complete"`
	Timestamp   string            `json:"timestamp"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// ProgressLog appends ProgressStep lines to progress.jsonl in a task
// workspace. The index of each appended step is derived from the current
// line count of the file, not from a coordinated counter: two processes
// appending concurrently can produce duplicate indices. In practice the
// writer holds the workspace lock, so the log sees one writer at a time.
type ProgressLog struct {
	dir string
}

// NewProgressLog creates a ProgressLog for the given task workspace directory.
func NewProgressLog(dir string) *ProgressLog {
	return &ProgressLog{dir: dir}
}

func (l *ProgressLog) path() string {
	return filepath.Join(l.dir, progressFileName)
}

// Append writes one step to the log. The step's Index and Timestamp are
// assigned here; values supplied by the caller are overwritten.
func (l *ProgressLog) Append(step ProgressStep) error {
	count, err := l.Count()
	if err != nil {
		return err
	}
	step.Index = count
	step.Timestamp = time.Now().UTC().Format(time.RFC3339)

	line, err := json.Marshal(step)
	if err != nil {
		return fmt.Errorf("marshal progress step: %w", err)
	}

	f, err := os.OpenFile(l.path(), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open progress log: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("append progress step: %w", err)
	}
	return nil
}

// Count returns the number of non-empty lines currently in the log.
func (l *ProgressLog) Count() (int, error) {
	f, err := os.Open(l.path())
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("open progress log: %w", err)
	}
	defer f.Close()

	count := 0
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		if strings.TrimSpace(scanner.Text()) != "" {
			count++
		}
	}
	if err := scanner.Err(); err != nil {
		return 0, fmt.Errorf("scan progress log: %w", err)
	}
	return count, nil
}

// Read returns all steps in the log in append order. Malformed lines are
// skipped rather than failing the whole read.
func (l *ProgressLog) Read() ([]ProgressStep, error) {
	f, err := os.Open(l.path())
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open progress log: %w", err)
	}
	defer f.Close()

	var steps []ProgressStep
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var step ProgressStep
		if err := json.Unmarshal([]byte(line), &step); err != nil {
			continue
		}
		steps = append(steps, step)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan progress log: %w", err)
	}
	return steps, nil
}
