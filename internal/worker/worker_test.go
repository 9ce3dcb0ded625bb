package worker

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/forgecore/workerd/internal/containerx"
)

func TestLaunchDeliversLinesAndAcceptsInput(t *testing.T) {
	f := containerx.NewFake()
	id, _ := f.Create(context.Background(), "img", nil, containerx.Limits{}, nil)
	scripted := containerx.NewFakeInteractive([]string{"line one", "are you sure?"}, containerx.ExecResult{ExitCode: 0})
	f.ExecInteractiveFn = func(context.Context, string, []string, []string) (containerx.Interactive, error) {
		return scripted, nil
	}

	var gotLines []string
	done := make(chan struct{})
	p, err := Launch(context.Background(), f, id, Options{Argv: []string{"agent"}}, func(l Line) {
		gotLines = append(gotLines, l.Text)
		if len(gotLines) == 2 {
			close(done)
		}
	})
	if err != nil {
		t.Fatal(err)
	}

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for lines")
	}

	if err := p.SendInput("yes"); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(scripted.WrittenToStdin(), "yes\n") {
		t.Errorf("stdin = %q", scripted.WrittenToStdin())
	}

	res, err := p.Wait()
	if err != nil || res.ExitCode != 0 {
		t.Fatalf("res=%v err=%v", res, err)
	}
}

func TestCloseIsIdempotentAndBlocksFurtherInput(t *testing.T) {
	f := containerx.NewFake()
	id, _ := f.Create(context.Background(), "img", nil, containerx.Limits{}, nil)
	p, err := Launch(context.Background(), f, id, Options{Argv: []string{"agent"}}, func(Line) {})
	if err != nil {
		t.Fatal(err)
	}
	if err := p.Close(); err != nil {
		t.Fatal(err)
	}
	if err := p.Close(); err != nil {
		t.Errorf("second close should be a no-op, got %v", err)
	}
	if err := p.SendInput("too late"); err == nil {
		t.Error("expected SendInput after Close to fail")
	}
}

func TestLaunchRejectsEmptyArgv(t *testing.T) {
	f := containerx.NewFake()
	if _, err := Launch(context.Background(), f, "id", Options{}, func(Line) {}); err == nil {
		t.Error("expected error for empty argv")
	}
}
