package containerx

import (
	"context"
	"io"
	"testing"
)

func TestParseLabels(t *testing.T) {
	got := parseLabels("orchestrator=true,session=abc")
	if got["orchestrator"] != "true" || got["session"] != "abc" {
		t.Errorf("got %v", got)
	}
	if parseLabels("") != nil {
		t.Error("expected nil for empty label string")
	}
}

func TestFakeListByLabel(t *testing.T) {
	ctx := context.Background()
	f := NewFake()
	id, err := f.Create(ctx, "img:tag", nil, Limits{}, map[string]string{"session": "s1"})
	if err != nil {
		t.Fatal(err)
	}
	matches, err := f.List(ctx, map[string]string{"session": "s1"})
	if err != nil || len(matches) != 1 || matches[0].ID != id {
		t.Fatalf("matches=%v err=%v", matches, err)
	}
	none, _ := f.List(ctx, map[string]string{"session": "other"})
	if len(none) != 0 {
		t.Errorf("expected no matches, got %v", none)
	}
}

func TestFakeExecCaptureExitCode(t *testing.T) {
	ctx := context.Background()
	f := NewFake()
	id, _ := f.Create(ctx, "img", nil, Limits{}, nil)
	f.ExecCaptureFn = func(context.Context, string, []string, []string, io.Reader) (ExecResult, error) {
		return ExecResult{ExitCode: 0}, nil
	}
	res, err := f.ExecCapture(ctx, id, []string{"true"}, nil, nil)
	if err != nil || res.ExitCode != 0 {
		t.Fatalf("res=%v err=%v", res, err)
	}
}

func TestFakeExecInteractiveCapturesStdinAndLines(t *testing.T) {
	ctx := context.Background()
	f := NewFake()
	id, _ := f.Create(ctx, "img", nil, Limits{}, nil)
	scripted := NewFakeInteractive([]string{"hello", "world?"}, ExecResult{ExitCode: 0})
	f.ExecInteractiveFn = func(context.Context, string, []string, []string) (Interactive, error) {
		return scripted, nil
	}

	ix, err := f.ExecInteractive(ctx, id, []string{"agent"}, nil)
	if err != nil {
		t.Fatal(err)
	}
	var got []string
	for line := range ix.Lines() {
		got = append(got, line)
	}
	if len(got) != 2 || got[1] != "world?" {
		t.Fatalf("got %v", got)
	}
	if _, err := ix.Stdin().Write([]byte("an answer\n")); err != nil {
		t.Fatal(err)
	}
	if scripted.WrittenToStdin() != "an answer\n" {
		t.Errorf("stdin = %q", scripted.WrittenToStdin())
	}
	res, err := ix.Wait()
	if err != nil || res.ExitCode != 0 {
		t.Fatalf("res=%v err=%v", res, err)
	}
}
