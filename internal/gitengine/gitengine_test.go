package gitengine

import (
	"context"
	"io"
	"testing"

	"github.com/forgecore/workerd/internal/containerx"
)

func TestParseNumstat(t *testing.T) {
	stats := parseNumstat("3\t1\tmain.go\n-\t-\tlogo.png\n")
	if len(stats) != 2 {
		t.Fatalf("got %d stats", len(stats))
	}
	if stats[0].Path != "main.go" || stats[0].Additions != 3 || stats[0].Deletions != 1 || stats[0].Binary {
		t.Errorf("stats[0] = %+v", stats[0])
	}
	if !stats[1].Binary || stats[1].Path != "logo.png" {
		t.Errorf("stats[1] = %+v", stats[1])
	}
}

func TestParseNumstatEmpty(t *testing.T) {
	if stats := parseNumstat("  \n"); stats != nil {
		t.Errorf("expected nil, got %v", stats)
	}
}

func TestCanonicalizePatchNormalizesCRLF(t *testing.T) {
	got := canonicalizePatch("line1\r\nline2\r\n")
	if got != "line1\nline2\n" {
		t.Errorf("got %q", got)
	}
}

func TestHasChangesReflectsExitCode(t *testing.T) {
	f := containerx.NewFake()
	id, _ := f.Create(context.Background(), "img", nil, containerx.Limits{}, nil)
	f.ExecCaptureFn = func(_ context.Context, _ string, argv, _ []string, _ io.Reader) (containerx.ExecResult, error) {
		if argv[len(argv)-1] == "--quiet" {
			return containerx.ExecResult{ExitCode: 1}, nil // changes exist
		}
		return containerx.ExecResult{ExitCode: 0}, nil
	}
	e := &Engine{Adapter: f, ContainerID: id}
	changed, err := e.HasChanges(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if !changed {
		t.Error("expected HasChanges to report true on nonzero exit")
	}
}

func TestExtractParsesNumstatAndPatch(t *testing.T) {
	f := containerx.NewFake()
	id, _ := f.Create(context.Background(), "img", nil, containerx.Limits{}, nil)
	f.ExecCaptureFn = func(_ context.Context, _ string, argv, _ []string, _ io.Reader) (containerx.ExecResult, error) {
		for _, a := range argv {
			if a == "--numstat" {
				return containerx.ExecResult{Stdout: "1\t0\thello.txt\n"}, nil
			}
			if a == "--no-ext-diff" {
				return containerx.ExecResult{Stdout: "diff --git a/hello.txt b/hello.txt\r\n+hi\r\n"}, nil
			}
		}
		return containerx.ExecResult{}, nil
	}
	e := &Engine{Adapter: f, ContainerID: id}
	ext, err := e.Extract(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(ext.Stats) != 1 || ext.Stats[0].Path != "hello.txt" {
		t.Fatalf("stats = %+v", ext.Stats)
	}
	if ext.Patch != "diff --git a/hello.txt b/hello.txt\n+hi\n" {
		t.Errorf("patch = %q", ext.Patch)
	}
}
