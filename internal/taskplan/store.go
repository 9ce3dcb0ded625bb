package taskplan

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/forgecore/workerd/internal/errs"
)

// Store is the on-disk Task Plan Store: tasks.json plus an in-memory index
// kept in sync with it.
type Store struct {
	path string

	mu   sync.Mutex
	data planFile

	watcher *fileWatcher
}

// Open loads path if it exists, or creates an empty plan there named after
// its containing directory.
func Open(path string) (*Store, error) {
	s := &Store{path: path}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		now := nowUTC()
		s.data = planFile{Meta: Meta{
			ProjectName:  filepath.Base(filepath.Dir(path)),
			CreatedAt:    now,
			LastModified: now,
		}}
		if err := s.writeLocked(); err != nil {
			return nil, err
		}
		return s, nil
	} else if err != nil {
		return nil, err
	}
	if err := s.reload(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) reload() error {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		return fmt.Errorf("read task plan: %w", err)
	}
	var pf planFile
	if err := json.Unmarshal(raw, &pf); err != nil {
		return fmt.Errorf("decode task plan: %w", err)
	}
	s.mu.Lock()
	s.data = pf
	s.mu.Unlock()
	return nil
}

// List returns every top-level task, in file order, subtasks nested as
// stored.
func (s *Store) List() []Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Task, len(s.data.Tasks))
	copy(out, s.data.Tasks)
	return out
}

// flatEntry pairs a task's full dotted id (for subtasks) with a live
// pointer into the store's backing tree, so a mutation through it is a
// mutation of the stored plan.
type flatEntry struct {
	id   string
	task *Task
}

// flatten walks every task and subtask without mutating anything, indexing
// by full dotted id ("parentId.subId" for subtasks).
func flatten(tasks []Task) map[string]*flatEntry {
	out := make(map[string]*flatEntry)
	var walk func(t *Task, id string)
	walk = func(t *Task, id string) {
		out[id] = &flatEntry{id: id, task: t}
		for i := range t.Subtasks {
			sub := &t.Subtasks[i]
			walk(sub, id+"."+sub.ID)
		}
	}
	for i := range tasks {
		walk(&tasks[i], tasks[i].ID)
	}
	return out
}

func (s *Store) flattenLocked() map[string]*flatEntry {
	return flatten(s.data.Tasks)
}

// snapshot copies an entry's task with its full dotted id applied, so
// callers outside the store never see the bare subtask id.
func snapshot(e *flatEntry) Task {
	t := *e.task
	t.ID = e.id
	return t
}

// GetReady returns every task in status=pending whose dependencies are all
// in status=done.
func (s *Store) GetReady() []Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	index := s.flattenLocked()

	var ready []Task
	for _, e := range index {
		if e.task.Status != StatusPending {
			continue
		}
		if allDepsDone(e.task, index) {
			ready = append(ready, snapshot(e))
		}
	}
	sort.Slice(ready, func(i, j int) bool { return ready[i].ID < ready[j].ID })
	return ready
}

func allDepsDone(t *Task, index map[string]*flatEntry) bool {
	for _, dep := range t.Dependencies {
		d, ok := index[dep]
		if !ok || d.task.Status != StatusDone {
			return false
		}
	}
	return true
}

// SetStatus transitions a task's status, enforcing the bound-resource
// invariants: ready requires every dependency done, in-progress/needs-input
// requires a live sessionId, done requires an applied diffId.
func (s *Store) SetStatus(id string, status Status, metadata map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	index := s.flattenLocked()

	e, ok := index[id]
	if !ok {
		return errs.New(errs.InvalidInput, "task not found: "+id)
	}
	t := e.task

	switch status {
	case StatusReady:
		if !allDepsDone(t, index) {
			return errs.New(errs.InvalidInput, "cannot mark "+id+" ready: a dependency is not done")
		}
	case StatusInProgress, StatusNeedsInput:
		if sid := metadata["sessionId"]; sid != "" {
			t.SessionID = sid
		} else if t.SessionID == "" {
			return errs.New(errs.InvalidInput, string(status)+" requires a bound sessionId")
		}
	case StatusDone:
		if did := metadata["diffId"]; did != "" {
			t.DiffID = did
		} else if t.DiffID == "" {
			return errs.New(errs.InvalidInput, "done requires an applied diffId")
		}
	case StatusFailed:
		t.LastError = metadata["error"]
	}

	t.Status = status
	t.LastStatusChange = nowUTC()
	return s.writeLocked()
}

// NextRecommended picks the highest-priority ready task, breaking ties by
// id. It returns nil if nothing is ready.
func (s *Store) NextRecommended() *Task {
	ready := s.GetReady()
	if len(ready) == 0 {
		return nil
	}
	rank := map[Priority]int{PriorityHigh: 0, PriorityMedium: 1, PriorityLow: 2}
	sort.Slice(ready, func(i, j int) bool {
		pi, pj := rank[ready[i].Priority], rank[ready[j].Priority]
		if pi != pj {
			return pi < pj
		}
		return ready[i].ID < ready[j].ID
	})
	t := ready[0]
	return &t
}

// Validate checks structural and invariant consistency without mutating
// anything: duplicate ids, dangling dependency references, dependency
// cycles, and state/bound-resource mismatches.
func (s *Store) Validate() []error {
	s.mu.Lock()
	defer s.mu.Unlock()
	index := s.flattenLocked()

	var errsOut []error
	for id, e := range index {
		for _, dep := range e.task.Dependencies {
			if _, ok := index[dep]; !ok {
				errsOut = append(errsOut, fmt.Errorf("task %s depends on unknown task %s", id, dep))
			}
		}
		switch e.task.Status {
		case StatusReady:
			if !allDepsDone(e.task, index) {
				errsOut = append(errsOut, fmt.Errorf("task %s is ready but a dependency isn't done", id))
			}
		case StatusInProgress, StatusNeedsInput:
			if e.task.SessionID == "" {
				errsOut = append(errsOut, fmt.Errorf("task %s is %s but has no bound session", id, e.task.Status))
			}
		case StatusDone:
			if e.task.DiffID == "" {
				errsOut = append(errsOut, fmt.Errorf("task %s is done but has no bound diff", id))
			}
		}
	}
	if cyc := findCycle(index); cyc != "" {
		errsOut = append(errsOut, fmt.Errorf("dependency cycle involving task %s", cyc))
	}
	return errsOut
}

// findCycle runs a DFS over the dependency graph and returns the id where a
// cycle was detected, or "" if the graph is acyclic.
func findCycle(index map[string]*flatEntry) string {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(index))
	var visit func(id string) string
	visit = func(id string) string {
		color[id] = gray
		if e := index[id]; e != nil {
			for _, dep := range e.task.Dependencies {
				switch color[dep] {
				case gray:
					return dep
				case white:
					if c := visit(dep); c != "" {
						return c
					}
				}
			}
		}
		color[id] = black
		return ""
	}
	for id := range index {
		if color[id] == white {
			if c := visit(id); c != "" {
				return c
			}
		}
	}
	return ""
}

func (s *Store) writeLocked() error {
	s.data.Meta.LastModified = nowUTC()
	raw, err := json.MarshalIndent(s.data, "", "  ")
	if err != nil {
		return fmt.Errorf("encode task plan: %w", err)
	}
	return atomicWrite(s.path, raw)
}

// atomicWrite writes data to a temp file in the same directory as path,
// fsyncs it, and renames over path, so a crash never observes a partial
// write.
func atomicWrite(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tasks-*.tmp")
	if err != nil {
		return err
	}
	name := tmp.Name()
	defer os.Remove(name)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(name, path)
}

func nowUTC() time.Time { return time.Now().UTC() }
