package session

import (
	"context"
	"fmt"

	"github.com/forgecore/workerd/internal/errs"
	"github.com/forgecore/workerd/internal/ids"
)

// RequestRevision takes a completed session with a pending Diff and starts
// a fresh session against the same workspace, with a revision prompt
// composed from the original prompt, the reviewer's feedback, and the
// current diff's summary. The new session's eventual Diff supersedes the
// old one. Revision count is bounded per session lineage.
func (m *Manager) RequestRevision(ctx context.Context, id ids.SessionID, feedback string) (ids.SessionID, error) {
	rec, err := m.Status(id)
	if err != nil {
		return "", err
	}
	if rec.State != StateCompleted {
		return "", errs.New(errs.InvalidInput, fmt.Sprintf("session %s is %s, not completed", id, rec.State))
	}
	if rec.DiffID == "" {
		return "", errs.New(errs.InvalidInput, fmt.Sprintf("session %s has no diff to revise", id))
	}
	if rec.RevisionCount >= m.revisionLimit {
		return "", errs.New(errs.InvalidInput, fmt.Sprintf("session %s has reached the revision limit (%d)", id, m.revisionLimit))
	}

	diff, err := m.diffs.Get(rec.DiffID)
	if err != nil {
		return "", fmt.Errorf("load diff for revision: %w", err)
	}

	prompt := composeRevisionPrompt(rec.Prompt, feedback, diff.Stats.FilesChanged, diff.Stats.Additions, diff.Stats.Deletions)

	newID, err := m.Dispatch(ctx, DispatchRequest{
		TaskID:           rec.TaskID,
		Prompt:           prompt,
		ImageTag:         rec.ImageTag,
		Profile:          rec.Profile,
		WorkspaceSource:  rec.WorkspacePath,
		Argv:             rec.Argv,
		Env:              rec.Env,
		SoftInactivity:   rec.SoftInactivity,
		HardWall:         rec.HardWall,
		SupersedesDiffID: rec.DiffID,
	})
	if err != nil {
		return "", fmt.Errorf("dispatch revision: %w", err)
	}

	if ls, ok := m.liveOf(newID); ok {
		ls.mu.Lock()
		ls.rec.RevisionCount = rec.RevisionCount + 1
		newRec := ls.rec
		ls.mu.Unlock()
		if err := m.persist(&newRec, true); err != nil {
			return newID, err
		}
	}
	return newID, nil
}

func composeRevisionPrompt(originalPrompt, feedback string, filesChanged, additions, deletions int) string {
	return fmt.Sprintf(
		"%s\n\nA reviewer looked at your previous changes (%d files changed, +%d/-%d lines) and asked for revisions:\n\n%s",
		originalPrompt, filesChanged, additions, deletions, feedback,
	)
}
