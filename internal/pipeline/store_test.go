package pipeline

import (
	"os"
	"path/filepath"
	"testing"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	return NewStore(t.TempDir())
}

func TestLoadInitializesFreshState(t *testing.T) {
	s := newTestStore(t)

	ps, err := s.Load(7)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if ps.TaskID != 7 {
		t.Errorf("TaskID = %d, want 7", ps.TaskID)
	}
	if ps.Stage != StageCoding {
		t.Errorf("Stage = %q, want coding", ps.Stage)
	}
	if ps.Plan != nil {
		t.Error("fresh state should have no plan")
	}
	if len(ps.CompletedSteps) != 0 {
		t.Errorf("CompletedSteps = %v, want empty", ps.CompletedSteps)
	}

	// A fresh Load must not persist anything.
	if _, err := os.Stat(s.statePath(7)); !os.IsNotExist(err) {
		t.Error("Load should not create a state file")
	}
}

func TestSaveAndLoadRoundTrip(t *testing.T) {
	s := newTestStore(t)

	ps, err := s.Load(3)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	ps.Plan = &Plan{
		Steps: []PlanStep{
			{Index: 0, Description: "scaffold project"},
			{Index: 1, Description: "implement endpoints"},
		},
		TestCommand: "npm test",
	}
	ps.MarkStepCompleted(0)
	ps.RepoURL = "https://github.com/acme/widgets"
	if err := s.Save(ps); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, err := s.Load(3)
	if err != nil {
		t.Fatalf("Load after save: %v", err)
	}
	if got.Plan == nil || len(got.Plan.Steps) != 2 {
		t.Fatalf("plan not preserved: %+v", got.Plan)
	}
	if !got.StepCompleted(0) || got.StepCompleted(1) {
		t.Errorf("completed steps = %v, want [0]", got.CompletedSteps)
	}
	if got.RepoURL != "https://github.com/acme/widgets" {
		t.Errorf("RepoURL = %q", got.RepoURL)
	}
	if got.UpdatedAt == "" {
		t.Error("Save must set UpdatedAt")
	}
}

func TestSaveRejectsInvalidTaskID(t *testing.T) {
	s := newTestStore(t)
	if err := s.Save(&PipelineState{TaskID: 0}); err == nil {
		t.Error("expected error for task id 0")
	}
}

func TestLoadRejectsUnknownStage(t *testing.T) {
	s := newTestStore(t)
	dir, err := s.TaskDir(9)
	if err != nil {
		t.Fatal(err)
	}
	raw := []byte(`{"task_id": 9, "stage": "shipped"}`)
	if err := os.WriteFile(filepath.Join(dir, stateFileName), raw, 0o644); err != nil {
		t.Fatal(err)
	}

	if _, err := s.Load(9); err == nil {
		t.Error("expected error for unknown stage value")
	}
}

func TestUpdate(t *testing.T) {
	s := newTestStore(t)

	ps, err := s.Update(5, func(ps *PipelineState) {
		ps.TestErrors = "command: npm test (exit 1)"
		ps.IterationCount++
	})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if ps.IterationCount != 1 {
		t.Errorf("IterationCount = %d, want 1", ps.IterationCount)
	}

	got, err := s.Load(5)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.TestErrors != "command: npm test (exit 1)" {
		t.Errorf("TestErrors = %q", got.TestErrors)
	}
}

func TestListSortedAndSkipsBroken(t *testing.T) {
	s := newTestStore(t)

	for _, id := range []int{12, 4, 8} {
		ps, err := s.Load(id)
		if err != nil {
			t.Fatal(err)
		}
		if err := s.Save(ps); err != nil {
			t.Fatal(err)
		}
	}

	// Broken state file and a stray directory must both be skipped.
	dir, _ := s.TaskDir(99)
	os.WriteFile(filepath.Join(dir, stateFileName), []byte("{"), 0o644)
	os.MkdirAll(filepath.Join(s.BaseDir(), "notes"), 0o755)

	states, err := s.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(states) != 3 {
		t.Fatalf("List returned %d states, want 3", len(states))
	}
	for i, want := range []int{4, 8, 12} {
		if states[i].TaskID != want {
			t.Errorf("states[%d].TaskID = %d, want %d", i, states[i].TaskID, want)
		}
	}
}

func TestWriteJSONReplacesWithoutLeftovers(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "record.json")

	if err := WriteJSON(path, map[string]int{"n": 1}); err != nil {
		t.Fatal(err)
	}
	if err := WriteJSON(path, map[string]int{"n": 2}); err != nil {
		t.Fatal(err)
	}

	var got map[string]int
	if err := ReadJSON(path, &got); err != nil {
		t.Fatal(err)
	}
	if got["n"] != 2 {
		t.Errorf("n = %d, want 2", got["n"])
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Errorf("%d files in dir, want just the record", len(entries))
	}
}

func TestReadJSONMissingFile(t *testing.T) {
	var v struct{}
	err := ReadJSON(filepath.Join(t.TempDir(), "absent.json"), &v)
	if !os.IsNotExist(err) {
		t.Errorf("err = %v, want not-exist", err)
	}
}
