package pipeline

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"
)

const stateFileName = "state.json"

// Store manages per-task pipeline state on disk. Each task owns a
// directory <baseDir>/task_<id>/ containing its state file, lock file,
// progress log, and worker logs.
//
// Save is a full overwrite with no concurrency token: callers are
// expected to hold the task's workspace lock for the duration of any
// load-mutate-save sequence. The store enforces neither locking nor the
// stage transition graph — workers do that through PipelineState.Transition.
type Store struct {
	baseDir string
}

// NewStore creates a Store rooted at baseDir.
func NewStore(baseDir string) *Store {
	return &Store{baseDir: baseDir}
}

// DefaultStore returns a Store at ~/.swarm/works, creating the directory if needed.
func DefaultStore() (*Store, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("get home dir: %w", err)
	}
	dir := filepath.Join(home, ".swarm", "works")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("mkdir %s: %w", dir, err)
	}
	return &Store{baseDir: dir}, nil
}

// BaseDir returns the store's root directory.
func (s *Store) BaseDir() string {
	return s.baseDir
}

// TaskDir returns the workspace directory for a task, creating it if needed.
func (s *Store) TaskDir(taskID int) (string, error) {
	dir := filepath.Join(s.baseDir, "task_"+strconv.Itoa(taskID))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("mkdir %s: %w", dir, err)
	}
	return dir, nil
}

func (s *Store) statePath(taskID int) string {
	return filepath.Join(s.baseDir, "task_"+strconv.Itoa(taskID), stateFileName)
}

// Load reads the pipeline state for a task. If no state file exists yet,
// a freshly-initialized record in the coding stage is returned; the first
// Save persists it.
func (s *Store) Load(taskID int) (*PipelineState, error) {
	var ps PipelineState
	err := ReadJSON(s.statePath(taskID), &ps)
	if os.IsNotExist(err) {
		now := time.Now().UTC().Format(time.RFC3339)
		return &PipelineState{
			TaskID:         taskID,
			Stage:          StageCoding,
			CompletedSteps: []int{},
			CommitLog:      []CommitEntry{},
			CreatedAt:      now,
			UpdatedAt:      now,
		}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load state for task %d: %w", taskID, err)
	}
	if !ps.Stage.Valid() {
		return nil, fmt.Errorf("load state for task %d: unknown stage %q", taskID, ps.Stage)
	}
	return &ps, nil
}

// Save persists the full state record, overwriting any prior version.
func (s *Store) Save(ps *PipelineState) error {
	if ps.TaskID <= 0 {
		return fmt.Errorf("save state: invalid task id %d", ps.TaskID)
	}
	if _, err := s.TaskDir(ps.TaskID); err != nil {
		return err
	}
	ps.UpdatedAt = time.Now().UTC().Format(time.RFC3339)
	return WriteJSON(s.statePath(ps.TaskID), ps)
}

// Update performs a load-mutate-save sequence. The caller must hold the
// task's workspace lock.
func (s *Store) Update(taskID int, fn func(*PipelineState)) (*PipelineState, error) {
	ps, err := s.Load(taskID)
	if err != nil {
		return nil, err
	}
	fn(ps)
	if err := s.Save(ps); err != nil {
		return nil, err
	}
	return ps, nil
}

// List returns the states of all tasks that have a workspace, sorted by
// task id. Workspaces with unreadable state files are skipped.
func (s *Store) List() ([]PipelineState, error) {
	entries, err := os.ReadDir(s.baseDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read dir %s: %w", s.baseDir, err)
	}

	var states []PipelineState
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		id, ok := taskIDFromDir(entry.Name())
		if !ok {
			continue
		}
		if _, err := os.Stat(s.statePath(id)); err != nil {
			continue // workspace exists but no state yet
		}
		ps, err := s.Load(id)
		if err != nil {
			continue // skip broken entries
		}
		states = append(states, *ps)
	}

	sort.Slice(states, func(i, j int) bool {
		return states[i].TaskID < states[j].TaskID
	})
	return states, nil
}

func taskIDFromDir(name string) (int, bool) {
	rest, ok := strings.CutPrefix(name, "task_")
	if !ok {
		return 0, false
	}
	id, err := strconv.Atoi(rest)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

// WriteJSON persists v as indented JSON through a temp-file rename, so a
// killed writer never leaves a torn record. Used for the state file and
// the workspace sidecar records. The target directory must exist.
func WriteJSON(path string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", path, err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".swp-*")
	if err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	_, werr := tmp.Write(data)
	cerr := tmp.Close()
	if werr == nil {
		werr = cerr
	}
	if werr == nil {
		werr = os.Rename(tmp.Name(), path)
	}
	if werr != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("write %s: %w", path, werr)
	}
	return nil
}

// ReadJSON reads the JSON file at path into v. A missing file surfaces
// as the raw os error so callers can test with os.IsNotExist.
func ReadJSON(path string, v interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return nil
}
