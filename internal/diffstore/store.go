package diffstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/forgecore/workerd/internal/errs"
	"github.com/forgecore/workerd/internal/gitengine"
	"github.com/forgecore/workerd/internal/ids"
	"github.com/forgecore/workerd/internal/journal"
)

// Store is the public Diff Store contract.
type Store struct {
	j *journal.Journal

	mu               sync.Mutex // guards pendingBySession and workspaceLocks map itself
	pendingBySession map[ids.SessionID]ids.DiffID
	workspaceLocks   map[string]*sync.Mutex
}

// NewStore builds a Store over an already-open Journal, replaying any
// pending-diff-per-session index from persisted records so a restart
// doesn't forget the "one pending Diff per Session" invariant.
func NewStore(j *journal.Journal) (*Store, error) {
	s := &Store{
		j:                j,
		pendingBySession: make(map[ids.SessionID]ids.DiffID),
		workspaceLocks:   make(map[string]*sync.Mutex),
	}
	records, err := j.List(journal.KindDiff, nil)
	if err != nil {
		return nil, fmt.Errorf("load diffs: %w", err)
	}
	for _, rec := range records {
		var d Diff
		if err := json.Unmarshal(rec.Data, &d); err != nil {
			continue
		}
		if d.Status == StatusPending {
			s.pendingBySession[d.SessionID] = d.ID
		}
	}
	return s, nil
}

// Create persists a new pending Diff built from a Workspace Git Engine
// extraction. It fails if sessionID already has a pending Diff.
func (s *Store) Create(ctx context.Context, sessionID ids.SessionID, workspacePath string, ext gitengine.Extraction) (ids.DiffID, error) {
	s.mu.Lock()
	if _, exists := s.pendingBySession[sessionID]; exists {
		s.mu.Unlock()
		return "", errs.New(errs.InvalidInput, "session already has a pending diff")
	}
	s.mu.Unlock()

	stats := Stats{FilesChanged: len(ext.Stats)}
	for _, fs := range ext.Stats {
		stats.Additions += fs.Additions
		stats.Deletions += fs.Deletions
	}

	d := Diff{
		ID:            ids.NewDiffID(),
		SessionID:     sessionID,
		WorkspacePath: workspacePath,
		Patch:         ext.Patch,
		Stats:         stats,
		FileStats:     ext.Stats,
		Risks:         evaluateRisks(ext.Patch, ext.Stats, stats),
		Status:        StatusPending,
		CreatedAt:     time.Now().UTC(),
	}

	if err := s.persist(&d, true); err != nil {
		return "", err
	}

	s.mu.Lock()
	s.pendingBySession[sessionID] = d.ID
	s.mu.Unlock()
	return d.ID, nil
}

// PendingForSession returns the pending Diff id for sessionID, if any.
func (s *Store) PendingForSession(sessionID ids.SessionID) (ids.DiffID, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.pendingBySession[sessionID]
	return id, ok
}

// Get returns the Diff record for review.
func (s *Store) Get(diffID ids.DiffID) (Diff, error) {
	raw, ok, err := s.j.Get(journal.KindDiff, string(diffID))
	if err != nil {
		return Diff{}, fmt.Errorf("load diff: %w", err)
	}
	if !ok {
		return Diff{}, errs.New(errs.InvalidInput, "diff not found: "+string(diffID))
	}
	var d Diff
	if err := json.Unmarshal(raw, &d); err != nil {
		return Diff{}, fmt.Errorf("decode diff: %w", err)
	}
	return d, nil
}

// Apply validates and applies diffID's patch to targetWorkspace, serialized
// per targetWorkspace so concurrent applies to the same tree queue while
// applies to different trees run in parallel.
func (s *Store) Apply(ctx context.Context, diffID ids.DiffID, targetWorkspace string) (AppliedReceipt, error) {
	lock := s.lockFor(targetWorkspace)
	lock.Lock()
	defer lock.Unlock()

	d, err := s.Get(diffID)
	if err != nil {
		return AppliedReceipt{}, err
	}
	if d.Status != StatusPending {
		return AppliedReceipt{}, errs.New(errs.InvalidInput, fmt.Sprintf("diff %s is %s, not pending", diffID, d.Status))
	}

	if err := applyPatch(ctx, targetWorkspace, d.Patch); err != nil {
		return AppliedReceipt{}, err
	}

	d.Status = StatusApprovedApplied
	d.AppliedAt = time.Now().UTC()
	d.TargetWorkspace = targetWorkspace
	if err := s.persist(&d, true); err != nil {
		return AppliedReceipt{}, err
	}
	s.clearPending(d.SessionID, diffID)

	return AppliedReceipt{DiffID: diffID, TargetWorkspace: targetWorkspace, AppliedAt: d.AppliedAt}, nil
}

// Reject marks diffID rejected. Terminal: no further transition is valid.
func (s *Store) Reject(diffID ids.DiffID, reason string) error {
	d, err := s.Get(diffID)
	if err != nil {
		return err
	}
	if d.Status != StatusPending {
		return errs.New(errs.InvalidInput, fmt.Sprintf("diff %s is %s, not pending", diffID, d.Status))
	}
	d.Status = StatusRejected
	d.RejectReason = reason
	if err := s.persist(&d, true); err != nil {
		return err
	}
	s.clearPending(d.SessionID, diffID)
	return nil
}

// Supersede marks oldID superseded by newID, used by the revision flow.
func (s *Store) Supersede(oldID, newID ids.DiffID) error {
	d, err := s.Get(oldID)
	if err != nil {
		return err
	}
	if d.Status != StatusPending {
		return errs.New(errs.InvalidInput, fmt.Sprintf("diff %s is %s, not pending", oldID, d.Status))
	}
	d.Status = StatusSuperseded
	d.SupersededBy = newID
	if err := s.persist(&d, true); err != nil {
		return err
	}
	s.clearPending(d.SessionID, oldID)
	return nil
}

func (s *Store) persist(d *Diff, durable bool) error {
	data, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("encode diff: %w", err)
	}
	if err := s.j.Upsert(journal.KindDiff, string(d.ID), data, durable); err != nil {
		return fmt.Errorf("persist diff: %w", err)
	}
	return nil
}

func (s *Store) clearPending(sessionID ids.SessionID, diffID ids.DiffID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pendingBySession[sessionID] == diffID {
		delete(s.pendingBySession, sessionID)
	}
}

func (s *Store) lockFor(workspace string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.workspaceLocks[workspace]
	if !ok {
		lock = &sync.Mutex{}
		s.workspaceLocks[workspace] = lock
	}
	return lock
}
