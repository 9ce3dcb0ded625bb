package journal

import (
	"path/filepath"
	"testing"
	"time"
)

func openTest(t *testing.T) *Journal {
	t.Helper()
	j, err := Open(filepath.Join(t.TempDir(), "journal.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = j.Close() })
	return j
}

func TestUpsertGet(t *testing.T) {
	j := openTest(t)
	if err := j.Upsert(KindTask, "t1", []byte(`{"status":"pending"}`), true); err != nil {
		t.Fatal(err)
	}
	got, ok, err := j.Get(KindTask, "t1")
	if err != nil || !ok {
		t.Fatalf("get: ok=%v err=%v", ok, err)
	}
	if string(got) != `{"status":"pending"}` {
		t.Errorf("got %q", got)
	}
	if _, ok, _ := j.Get(KindTask, "missing"); ok {
		t.Error("expected missing id to not be found")
	}
}

func TestRestartRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.db")
	j, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := j.Upsert(KindSession, "s1", []byte("payload"), true); err != nil {
		t.Fatal(err)
	}
	if err := j.Close(); err != nil {
		t.Fatal(err)
	}

	j2, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = j2.Close() }()
	got, ok, err := j2.Get(KindSession, "s1")
	if err != nil || !ok || string(got) != "payload" {
		t.Fatalf("got %q ok=%v err=%v", got, ok, err)
	}
}

func TestListFilter(t *testing.T) {
	j := openTest(t)
	_ = j.Upsert(KindDiff, "d1", []byte(`{"status":"pending"}`), true)
	_ = j.Upsert(KindDiff, "d2", []byte(`{"status":"rejected"}`), true)

	all, err := j.List(KindDiff, nil)
	if err != nil || len(all) != 2 {
		t.Fatalf("all = %v, err = %v", all, err)
	}

	pending, err := j.List(KindDiff, func(_ string, data []byte) bool {
		return string(data) == `{"status":"pending"}`
	})
	if err != nil || len(pending) != 1 || pending[0].ID != "d1" {
		t.Fatalf("pending = %v, err = %v", pending, err)
	}
}

func TestDelete(t *testing.T) {
	j := openTest(t)
	_ = j.Upsert(KindContainer, "c1", []byte("x"), true)
	if err := j.Delete(KindContainer, "c1"); err != nil {
		t.Fatal(err)
	}
	if _, ok, _ := j.Get(KindContainer, "c1"); ok {
		t.Error("expected c1 to be gone")
	}
	if err := j.Delete(KindContainer, "c1"); err != nil {
		t.Errorf("delete of absent id should be a no-op, got %v", err)
	}
}

func TestPurgeOlderThan(t *testing.T) {
	j := openTest(t)
	_ = j.Upsert(KindLogRef, "old", []byte("x"), true)

	n, err := j.PurgeOlderThan(KindLogRef, -time.Second) // everything is "older" than now+1s in the past
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("purged %d, want 1", n)
	}
	if _, ok, _ := j.Get(KindLogRef, "old"); ok {
		t.Error("expected old to be purged")
	}
}

func TestPurgeKeepsRecent(t *testing.T) {
	j := openTest(t)
	_ = j.Upsert(KindLogRef, "fresh", []byte("x"), true)

	n, err := j.PurgeOlderThan(KindLogRef, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Fatalf("purged %d, want 0", n)
	}
}
