package diffstore

import (
	"bytes"
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/forgecore/workerd/internal/errs"
	"github.com/forgecore/workerd/internal/gitengine"
	"github.com/forgecore/workerd/internal/ids"
	"github.com/forgecore/workerd/internal/journal"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	j, err := journal.Open(filepath.Join(t.TempDir(), "j.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = j.Close() })
	s, err := NewStore(j)
	if err != nil {
		t.Fatal(err)
	}
	return s
}

// runGit runs git in dir, failing the test on error.
func runGit(t *testing.T, dir string, args ...string) string {
	t.Helper()
	cmd := exec.Command("git", append([]string{"-C", dir}, args...)...)
	cmd.Env = append(os.Environ(),
		"GIT_AUTHOR_NAME=test", "GIT_AUTHOR_EMAIL=test@example.com",
		"GIT_COMMITTER_NAME=test", "GIT_COMMITTER_EMAIL=test@example.com")
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	if err := cmd.Run(); err != nil {
		t.Fatalf("git %v: %v\n%s", args, err, out.String())
	}
	return out.String()
}

// initBaseRepo creates a git repo at dir with a single committed file.
func initBaseRepo(t *testing.T, dir string) {
	t.Helper()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	runGit(t, dir, "init", "-q")
	if err := os.WriteFile(filepath.Join(dir, "hello.txt"), []byte("base\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	runGit(t, dir, "add", "-A")
	runGit(t, dir, "commit", "-q", "-m", "base")
}

// copyDir recursively copies src to dst.
func copyDir(t *testing.T, src, dst string) {
	t.Helper()
	cmd := exec.Command("cp", "-r", src+"/.", dst)
	if err := os.MkdirAll(dst, 0o755); err != nil {
		t.Fatal(err)
	}
	if out, err := cmd.CombinedOutput(); err != nil {
		t.Fatalf("cp: %v\n%s", err, out)
	}
}

// extractionFromWorkdir stages and diffs workdir against HEAD, returning a
// gitengine.Extraction the same shape the Workspace Git Engine would
// produce from inside a container.
func extractionFromWorkdir(t *testing.T, dir string) gitengine.Extraction {
	t.Helper()
	runGit(t, dir, "add", "-A")
	numstat := runGit(t, dir, "diff", "--staged", "--numstat")
	patch := runGit(t, dir, "diff", "--staged", "--no-color", "--src-prefix=a/", "--dst-prefix=b/")
	return gitengine.Extraction{Patch: patch, Stats: parseNumstatForTest(numstat)}
}

func parseNumstatForTest(s string) []gitengine.FileStat {
	// Reuse the same format the engine parses; duplicated minimally here to
	// avoid exporting the engine's private parser just for tests.
	var out []gitengine.FileStat
	for _, line := range splitLines(s) {
		parts := splitTabs(line)
		if len(parts) != 3 {
			continue
		}
		out = append(out, gitengine.FileStat{Path: parts[2]})
	}
	return out
}

func splitLines(s string) []string {
	var out []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			if i > start {
				out = append(out, s[start:i])
			}
			start = i + 1
		}
	}
	return out
}

func splitTabs(s string) []string {
	var out []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == '\t' {
			out = append(out, s[start:i])
			start = i + 1
		}
	}
	out = append(out, s[start:])
	return out
}

func TestCreateRejectsDuplicatePending(t *testing.T) {
	s := newStore(t)
	sid := ids.NewSessionID()
	ext := gitengine.Extraction{Patch: "x", Stats: nil}
	if _, err := s.Create(context.Background(), sid, "/w", ext); err != nil {
		t.Fatal(err)
	}
	_, err := s.Create(context.Background(), sid, "/w", ext)
	var ce *errs.Error
	if !errors.As(err, &ce) || ce.Kind() != errs.InvalidInput {
		t.Fatalf("expected invalid-input, got %v", err)
	}
}

func TestApplyRoundTrip(t *testing.T) {
	root := t.TempDir()
	w0 := filepath.Join(root, "w0")
	w1 := filepath.Join(root, "w1")
	w2 := filepath.Join(root, "w2")
	initBaseRepo(t, w0)
	copyDir(t, w0, w1)

	if err := os.WriteFile(filepath.Join(w1, "hello.txt"), []byte("base\nhi\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	ext := extractionFromWorkdir(t, w1)

	copyDir(t, w0, w2)

	s := newStore(t)
	sid := ids.NewSessionID()
	diffID, err := s.Create(context.Background(), sid, w1, ext)
	if err != nil {
		t.Fatal(err)
	}

	receipt, err := s.Apply(context.Background(), diffID, w2)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if receipt.TargetWorkspace != w2 {
		t.Errorf("target = %q", receipt.TargetWorkspace)
	}

	got, err := os.ReadFile(filepath.Join(w2, "hello.txt"))
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "base\nhi\n" {
		t.Errorf("got %q", got)
	}

	d, err := s.Get(diffID)
	if err != nil {
		t.Fatal(err)
	}
	if d.Status != StatusApprovedApplied {
		t.Errorf("status = %s", d.Status)
	}
}

func TestApplyConflictLeavesTargetAndDiffUnchanged(t *testing.T) {
	root := t.TempDir()
	w0 := filepath.Join(root, "w0")
	w1 := filepath.Join(root, "w1")
	w2 := filepath.Join(root, "w2")
	initBaseRepo(t, w0)
	copyDir(t, w0, w1)

	if err := os.WriteFile(filepath.Join(w1, "hello.txt"), []byte("base\nhi\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	ext := extractionFromWorkdir(t, w1)

	copyDir(t, w0, w2)
	// Drift the target so the patch base no longer matches.
	if err := os.WriteFile(filepath.Join(w2, "hello.txt"), []byte("totally different\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	s := newStore(t)
	diffID, err := s.Create(context.Background(), ids.NewSessionID(), w1, ext)
	if err != nil {
		t.Fatal(err)
	}

	_, err = s.Apply(context.Background(), diffID, w2)
	var ce *errs.Error
	if !errors.As(err, &ce) || ce.Kind() != errs.Conflict {
		t.Fatalf("expected conflict, got %v", err)
	}

	got, err := os.ReadFile(filepath.Join(w2, "hello.txt"))
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "totally different\n" {
		t.Errorf("target workspace was mutated on conflict: %q", got)
	}

	d, err := s.Get(diffID)
	if err != nil {
		t.Fatal(err)
	}
	if d.Status != StatusPending {
		t.Errorf("status = %s, want pending", d.Status)
	}
}

func TestRejectIsTerminal(t *testing.T) {
	s := newStore(t)
	diffID, err := s.Create(context.Background(), ids.NewSessionID(), "/w", gitengine.Extraction{Patch: "x"})
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Reject(diffID, "not what I wanted"); err != nil {
		t.Fatal(err)
	}
	if err := s.Reject(diffID, "again"); err == nil {
		t.Error("expected second reject to fail")
	}
	d, _ := s.Get(diffID)
	if d.Status != StatusRejected || d.RejectReason != "not what I wanted" {
		t.Errorf("d = %+v", d)
	}
}

func TestSupersede(t *testing.T) {
	s := newStore(t)
	sid := ids.NewSessionID()
	oldID, err := s.Create(context.Background(), sid, "/w", gitengine.Extraction{Patch: "x"})
	if err != nil {
		t.Fatal(err)
	}
	// A new diff for the same session can only be created once the old one
	// is no longer pending.
	if err := s.Supersede(oldID, ids.NewDiffID()); err != nil {
		t.Fatal(err)
	}
	d, _ := s.Get(oldID)
	if d.Status != StatusSuperseded {
		t.Errorf("status = %s", d.Status)
	}
	if _, err := s.Create(context.Background(), sid, "/w", gitengine.Extraction{Patch: "y"}); err != nil {
		t.Fatalf("expected new diff to be creatable after supersede, got %v", err)
	}
}
