// Package reconcile runs the startup reconciliation pass: on boot it
// reconciles the container runtime's live state against the journal's
// recorded state, since a prior crash can leave either side stale relative
// to the other.
package reconcile

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/forgecore/workerd/internal/containerx"
	"github.com/forgecore/workerd/internal/diffstore"
	"github.com/forgecore/workerd/internal/journal"
	"github.com/forgecore/workerd/internal/session"
)

// DefaultRetention is how long a terminal journal record survives before
// the retention pass purges it.
const DefaultRetention = 7 * 24 * time.Hour

// Reconciler ties the container runtime, the journal, and the diff store
// back together after a restart.
type Reconciler struct {
	Adapter   containerx.Adapter
	Journal   *journal.Journal
	Diffs     *diffstore.Store
	Retention time.Duration
}

// Report summarizes one reconciliation pass, useful for logging and tests.
type Report struct {
	OrphanedContainersStopped int
	SessionsMarkedFailed      int
	DiffsRejected             int
	RecordsPurged             int
}

// Run performs the full reconciliation pass. It is idempotent: running it
// twice in a row on unchanged state produces the same Report shape with
// zero effect the second time.
func (r *Reconciler) Run(ctx context.Context) (Report, error) {
	retention := r.Retention
	if retention <= 0 {
		retention = DefaultRetention
	}

	var report Report

	live, err := r.Adapter.List(ctx, map[string]string{"orchestrator": "true"})
	if err != nil {
		return report, fmt.Errorf("list live containers: %w", err)
	}
	liveByID := make(map[string]containerx.Info, len(live))
	for _, info := range live {
		liveByID[info.ID] = info
	}

	sessionRecords, err := r.Journal.List(journal.KindSession, nil)
	if err != nil {
		return report, fmt.Errorf("list sessions: %w", err)
	}

	sessionByContainer := make(map[string]session.Session, len(sessionRecords))
	for _, rec := range sessionRecords {
		var s session.Session
		if err := json.Unmarshal(rec.Data, &s); err != nil {
			slog.Warn("reconcile: skipping undecodable session record", "id", rec.ID, "err", err)
			continue
		}
		sessionByContainer[string(s.ContainerID)] = s
	}

	// Step 1/2: every live container must have a matching session; anything
	// else is an orphan from a crash between container create and session
	// persist (or a stray unrelated container wearing our label by mistake,
	// which should never happen but is handled the same way either way).
	for _, info := range live {
		if _, ok := sessionByContainer[info.ID]; ok {
			continue
		}
		if err := r.Adapter.Stop(ctx, info.ID, 10*time.Second); err != nil {
			slog.Warn("reconcile: failed to stop orphaned container", "container", info.ID, "err", err)
			continue
		}
		report.OrphanedContainersStopped++
	}

	// Step 3: every non-terminal session must have a live container; if its
	// container is gone, the session died with it.
	for _, rec := range sessionRecords {
		var s session.Session
		if err := json.Unmarshal(rec.Data, &s); err != nil {
			continue
		}
		if session.IsTerminal(s.State) {
			continue
		}
		if _, alive := liveByID[string(s.ContainerID)]; alive {
			continue
		}
		s.State = session.StateFailed
		s.FailureReason = "container-lost"
		data, err := json.Marshal(s)
		if err != nil {
			return report, fmt.Errorf("encode reconciled session %s: %w", s.ID, err)
		}
		if err := r.Journal.Upsert(journal.KindSession, string(s.ID), data, true); err != nil {
			return report, fmt.Errorf("persist reconciled session %s: %w", s.ID, err)
		}
		report.SessionsMarkedFailed++

		if diffID, ok := r.Diffs.PendingForSession(s.ID); ok {
			if err := r.Diffs.Reject(diffID, "container-lost"); err != nil {
				slog.Warn("reconcile: failed to reject orphaned diff", "diff", diffID, "err", err)
			} else {
				report.DiffsRejected++
			}
		}
	}

	// Step 4: retention purge across every kind.
	for _, kind := range []journal.Kind{journal.KindTask, journal.KindSession, journal.KindDiff, journal.KindContainer, journal.KindLogRef} {
		n, err := r.Journal.PurgeOlderThan(kind, retention)
		if err != nil {
			return report, fmt.Errorf("purge %s: %w", kind, err)
		}
		report.RecordsPurged += n
	}

	return report, nil
}

