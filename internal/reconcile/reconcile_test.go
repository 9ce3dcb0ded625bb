package reconcile

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/forgecore/workerd/internal/containerx"
	"github.com/forgecore/workerd/internal/diffstore"
	"github.com/forgecore/workerd/internal/gitengine"
	"github.com/forgecore/workerd/internal/ids"
	"github.com/forgecore/workerd/internal/journal"
	"github.com/forgecore/workerd/internal/session"
)

func newTestReconciler(t *testing.T) (*Reconciler, *containerx.Fake, *journal.Journal, *diffstore.Store) {
	t.Helper()
	dir := t.TempDir()
	j, err := journal.Open(filepath.Join(dir, "j.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = j.Close() })
	f := containerx.NewFake()
	diffs, err := diffstore.NewStore(j)
	if err != nil {
		t.Fatal(err)
	}
	return &Reconciler{Adapter: f, Journal: j, Diffs: diffs, Retention: 0}, f, j, diffs
}

func putSession(t *testing.T, j *journal.Journal, s session.Session) {
	t.Helper()
	data, err := json.Marshal(s)
	if err != nil {
		t.Fatal(err)
	}
	if err := j.Upsert(journal.KindSession, string(s.ID), data, true); err != nil {
		t.Fatal(err)
	}
}

func TestReconcileStopsOrphanedContainer(t *testing.T) {
	r, f, _, _ := newTestReconciler(t)
	id, err := f.Create(context.Background(), "worker:latest", nil, containerx.Limits{}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := f.Start(context.Background(), id); err != nil {
		t.Fatal(err)
	}

	report, err := r.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if report.OrphanedContainersStopped != 1 {
		t.Fatalf("report = %+v", report)
	}
	info, err := f.Inspect(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}
	if info.Status != "exited" {
		t.Errorf("expected orphan to be stopped, status = %s", info.Status)
	}
}

func TestReconcileFailsSessionWithDeadContainer(t *testing.T) {
	r, _, j, diffs := newTestReconciler(t)

	sess := session.Session{
		ID:          ids.NewSessionID(),
		ContainerID: ids.ContainerID("gone-123"),
		State:       session.StateRunning,
		StartedAt:   time.Now().UTC(),
	}
	putSession(t, j, sess)

	diffID, err := diffs.Create(context.Background(), sess.ID, "/workspace", gitengine.Extraction{})
	if err != nil {
		t.Fatal(err)
	}

	report, err := r.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if report.SessionsMarkedFailed != 1 {
		t.Fatalf("report = %+v", report)
	}
	if report.DiffsRejected != 1 {
		t.Fatalf("report = %+v", report)
	}

	raw, ok, err := j.Get(journal.KindSession, string(sess.ID))
	if err != nil || !ok {
		t.Fatal(err)
	}
	var reloaded session.Session
	if err := json.Unmarshal(raw, &reloaded); err != nil {
		t.Fatal(err)
	}
	if reloaded.State != session.StateFailed || reloaded.FailureReason != "container-lost" {
		t.Errorf("reloaded session = %+v", reloaded)
	}

	d, err := diffs.Get(diffID)
	if err != nil {
		t.Fatal(err)
	}
	if d.Status != diffstore.StatusRejected || d.RejectReason != "container-lost" {
		t.Errorf("diff = %+v", d)
	}
}

func TestReconcileLeavesLiveSessionsAlone(t *testing.T) {
	r, f, j, _ := newTestReconciler(t)

	id, err := f.Create(context.Background(), "worker:latest", nil, containerx.Limits{}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := f.Start(context.Background(), id); err != nil {
		t.Fatal(err)
	}

	sess := session.Session{
		ID:          ids.NewSessionID(),
		ContainerID: ids.ContainerID(id),
		State:       session.StateRunning,
		StartedAt:   time.Now().UTC(),
	}
	putSession(t, j, sess)

	report, err := r.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if report.OrphanedContainersStopped != 0 || report.SessionsMarkedFailed != 0 {
		t.Fatalf("report = %+v", report)
	}
	info, err := f.Inspect(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}
	if info.Status != "running" {
		t.Errorf("expected live container to survive untouched, status = %s", info.Status)
	}
}

func TestReconcileIsIdempotent(t *testing.T) {
	r, _, j, _ := newTestReconciler(t)
	sess := session.Session{
		ID:          ids.NewSessionID(),
		ContainerID: ids.ContainerID("gone-456"),
		State:       session.StateAwaitingInput,
		StartedAt:   time.Now().UTC(),
	}
	putSession(t, j, sess)

	first, err := r.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	second, err := r.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if first.SessionsMarkedFailed != 1 {
		t.Fatalf("first pass = %+v", first)
	}
	if second.SessionsMarkedFailed != 0 || second.OrphanedContainersStopped != 0 || second.DiffsRejected != 0 {
		t.Fatalf("second pass should be a no-op, got %+v", second)
	}
}
