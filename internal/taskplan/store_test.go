package taskplan

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writePlan(t *testing.T, dir string, pf planFile) string {
	t.Helper()
	path := filepath.Join(dir, "tasks.json")
	raw, err := json.Marshal(pf)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestOpenCreatesEmptyPlanWhenMissing(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "tasks.json"))
	if err != nil {
		t.Fatal(err)
	}
	if len(s.List()) != 0 {
		t.Errorf("expected an empty plan, got %d tasks", len(s.List()))
	}
	if _, err := os.Stat(filepath.Join(dir, "tasks.json")); err != nil {
		t.Errorf("expected tasks.json to be created: %v", err)
	}
}

func TestGetReadyComputesFromDependencies(t *testing.T) {
	dir := t.TempDir()
	path := writePlan(t, dir, planFile{
		Meta: Meta{ProjectName: "demo"},
		Tasks: []Task{
			{ID: "1", Title: "foundation", Status: StatusDone, Priority: PriorityHigh, DiffID: "d1"},
			{ID: "2", Title: "build on it", Status: StatusPending, Priority: PriorityHigh, Dependencies: []string{"1"}},
			{ID: "3", Title: "blocked", Status: StatusPending, Priority: PriorityHigh, Dependencies: []string{"2"}},
		},
	})
	s, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}

	ready := s.GetReady()
	if len(ready) != 1 || ready[0].ID != "2" {
		t.Fatalf("ready = %+v", ready)
	}
}

func TestGetReadyIncludesSubtasksWithDottedIDs(t *testing.T) {
	dir := t.TempDir()
	path := writePlan(t, dir, planFile{
		Meta: Meta{ProjectName: "demo"},
		Tasks: []Task{
			{
				ID: "1", Title: "parent", Status: StatusPending, Priority: PriorityMedium,
				Subtasks: []Task{
					{ID: "1", Title: "child", Status: StatusPending, Priority: PriorityMedium},
				},
			},
		},
	})
	s, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}

	ready := s.GetReady()
	var ids []string
	for _, t := range ready {
		ids = append(ids, t.ID)
	}
	found := false
	for _, id := range ids {
		if id == "1.1" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected subtask id 1.1 among ready tasks, got %v", ids)
	}
}

func TestSetStatusEnforcesBoundResourceInvariants(t *testing.T) {
	dir := t.TempDir()
	path := writePlan(t, dir, planFile{
		Meta: Meta{ProjectName: "demo"},
		Tasks: []Task{
			{ID: "1", Title: "a", Status: StatusPending, Priority: PriorityHigh},
		},
	})
	s, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}

	if err := s.SetStatus("1", StatusInProgress, nil); err == nil {
		t.Error("expected in-progress without a sessionId to fail")
	}
	if err := s.SetStatus("1", StatusInProgress, map[string]string{"sessionId": "sess-1"}); err != nil {
		t.Fatal(err)
	}
	if err := s.SetStatus("1", StatusDone, nil); err == nil {
		t.Error("expected done without a diffId to fail")
	}
	if err := s.SetStatus("1", StatusDone, map[string]string{"diffId": "diff-1"}); err != nil {
		t.Fatal(err)
	}

	// reopen from disk to confirm the write actually persisted
	reopened, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	tasks := reopened.List()
	if len(tasks) != 1 || tasks[0].Status != StatusDone || tasks[0].DiffID != "diff-1" {
		t.Fatalf("persisted task = %+v", tasks)
	}
}

func TestSetStatusRejectsReadyWithUndoneDependency(t *testing.T) {
	dir := t.TempDir()
	path := writePlan(t, dir, planFile{
		Meta: Meta{ProjectName: "demo"},
		Tasks: []Task{
			{ID: "1", Title: "a", Status: StatusPending, Priority: PriorityHigh},
			{ID: "2", Title: "b", Status: StatusPending, Priority: PriorityHigh, Dependencies: []string{"1"}},
		},
	})
	s, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.SetStatus("2", StatusReady, nil); err == nil {
		t.Error("expected ready with an undone dependency to fail")
	}
}

func TestNextRecommendedPicksHighestPriority(t *testing.T) {
	dir := t.TempDir()
	path := writePlan(t, dir, planFile{
		Meta: Meta{ProjectName: "demo"},
		Tasks: []Task{
			{ID: "1", Title: "low one", Status: StatusPending, Priority: PriorityLow},
			{ID: "2", Title: "high one", Status: StatusPending, Priority: PriorityHigh},
			{ID: "3", Title: "medium one", Status: StatusPending, Priority: PriorityMedium},
		},
	})
	s, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	next := s.NextRecommended()
	if next == nil || next.ID != "2" {
		t.Fatalf("next = %+v", next)
	}
}

func TestValidateCatchesDanglingDependencyAndCycle(t *testing.T) {
	dir := t.TempDir()
	path := writePlan(t, dir, planFile{
		Meta: Meta{ProjectName: "demo"},
		Tasks: []Task{
			{ID: "1", Title: "a", Status: StatusPending, Priority: PriorityHigh, Dependencies: []string{"ghost"}},
			{ID: "2", Title: "b", Status: StatusPending, Priority: PriorityHigh, Dependencies: []string{"3"}},
			{ID: "3", Title: "c", Status: StatusPending, Priority: PriorityHigh, Dependencies: []string{"2"}},
		},
	})
	s, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	errsFound := s.Validate()
	if len(errsFound) < 2 {
		t.Fatalf("expected at least a dangling-dependency and a cycle error, got %v", errsFound)
	}
}

func TestWatchReloadsOnExternalEdit(t *testing.T) {
	dir := t.TempDir()
	path := writePlan(t, dir, planFile{
		Meta: Meta{ProjectName: "demo"},
		Tasks: []Task{{ID: "1", Title: "a", Status: StatusPending, Priority: PriorityHigh}},
	})
	s, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(s.StopWatch)

	changed := make(chan []error, 1)
	if err := s.Watch(func(errs []error) { changed <- errs }); err != nil {
		t.Fatal(err)
	}

	writePlan(t, dir, planFile{
		Meta: Meta{ProjectName: "demo"},
		Tasks: []Task{
			{ID: "1", Title: "a", Status: StatusPending, Priority: PriorityHigh},
			{ID: "2", Title: "added externally", Status: StatusPending, Priority: PriorityLow},
		},
	})

	select {
	case <-changed:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for watcher to notice the external edit")
	}

	if len(s.List()) != 2 {
		t.Fatalf("expected the reloaded plan to have 2 tasks, got %d", len(s.List()))
	}
}
