package containerx

import (
	"bytes"
	"context"
	"io"
	"sync"
	"time"
)

// Fake is an in-memory Adapter for tests that don't need a real daemon,
// mirroring the way narrow-interface fakes are used elsewhere in this codebase
// instead of reaching for a mocking framework.
type Fake struct {
	mu         sync.Mutex
	containers map[string]Info
	nextID     int

	ExecCaptureFn     func(ctx context.Context, id string, argv, env []string, stdin io.Reader) (ExecResult, error)
	ExecStreamFn      func(ctx context.Context, id string, argv, env []string, onLine func(line string)) error
	ExecInteractiveFn func(ctx context.Context, id string, argv, env []string) (Interactive, error)
}

func NewFake() *Fake {
	return &Fake{containers: make(map[string]Info)}
}

func (f *Fake) EnsureImage(context.Context, string) error { return nil }

func (f *Fake) Create(_ context.Context, imageTag string, _ []Mount, _ Limits, labels map[string]string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	id := "fake" + itoa(f.nextID)
	merged := map[string]string{"orchestrator": "true"}
	for k, v := range labels {
		merged[k] = v
	}
	f.containers[id] = Info{ID: id, Image: imageTag, Status: "created", Labels: merged}
	return id, nil
}

func (f *Fake) Start(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	info, ok := f.containers[id]
	if !ok {
		return errNotFound(id)
	}
	info.Status = "running"
	f.containers[id] = info
	return nil
}

func (f *Fake) ExecCapture(ctx context.Context, id string, argv, env []string, stdin io.Reader) (ExecResult, error) {
	if f.ExecCaptureFn != nil {
		return f.ExecCaptureFn(ctx, id, argv, env, stdin)
	}
	return ExecResult{}, nil
}

func (f *Fake) ExecStream(ctx context.Context, id string, argv, env []string, onLine func(line string)) error {
	if f.ExecStreamFn != nil {
		return f.ExecStreamFn(ctx, id, argv, env, onLine)
	}
	return nil
}

func (f *Fake) ExecInteractive(ctx context.Context, id string, argv, env []string) (Interactive, error) {
	if f.ExecInteractiveFn != nil {
		return f.ExecInteractiveFn(ctx, id, argv, env)
	}
	return NewFakeInteractive(nil, ExecResult{}), nil
}

func (f *Fake) Stop(_ context.Context, id string, _ time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	info, ok := f.containers[id]
	if !ok {
		return errNotFound(id)
	}
	info.Status = "exited"
	f.containers[id] = info
	return nil
}

func (f *Fake) List(_ context.Context, labelSelector map[string]string) ([]Info, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Info
	for _, info := range f.containers {
		if matchesLabels(info.Labels, labelSelector) {
			out = append(out, info)
		}
	}
	return out, nil
}

func (f *Fake) Inspect(_ context.Context, id string) (Info, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	info, ok := f.containers[id]
	if !ok {
		return Info{}, errNotFound(id)
	}
	return info, nil
}

func matchesLabels(have, want map[string]string) bool {
	for k, v := range want {
		hv, ok := have[k]
		if !ok || (v != "" && hv != v) {
			return false
		}
	}
	return true
}

type notFoundError string

func (e notFoundError) Error() string { return "container not found: " + string(e) }

func errNotFound(id string) error { return notFoundError(id) }

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	return string(buf[i:])
}

var _ Adapter = (*Fake)(nil)

// fakeStdin captures whatever a test subject writes to an interactive
// session's stdin, for assertions on prompts sent mid-run.
type fakeStdin struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (s *fakeStdin) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.Write(p)
}

func (s *fakeStdin) Close() error { return nil }

func (s *fakeStdin) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.String()
}

// FakeInteractive is a scripted Interactive for tests: Lines are preloaded
// and Wait returns a fixed result, while writes to Stdin are captured for
// inspection via WrittenToStdin.
type FakeInteractive struct {
	stdin  *fakeStdin
	lines  chan string
	result ExecResult
	err    error
	killed bool
	killMu sync.Mutex
}

// NewFakeInteractive builds a FakeInteractive whose Lines channel is
// preloaded with lines (already closed, as if the process had finished
// producing output) and whose Wait returns result.
func NewFakeInteractive(lines []string, result ExecResult) *FakeInteractive {
	ch := make(chan string, len(lines))
	for _, l := range lines {
		ch <- l
	}
	close(ch)
	return &FakeInteractive{stdin: &fakeStdin{}, lines: ch, result: result}
}

func (f *FakeInteractive) Stdin() io.WriteCloser { return f.stdin }
func (f *FakeInteractive) Lines() <-chan string  { return f.lines }
func (f *FakeInteractive) Wait() (ExecResult, error) {
	return f.result, f.err
}

func (f *FakeInteractive) Kill() error {
	f.killMu.Lock()
	defer f.killMu.Unlock()
	f.killed = true
	return nil
}

func (f *FakeInteractive) Killed() bool {
	f.killMu.Lock()
	defer f.killMu.Unlock()
	return f.killed
}

// WrittenToStdin returns everything written to Stdin so far.
func (f *FakeInteractive) WrittenToStdin() string { return f.stdin.String() }

var _ Interactive = (*FakeInteractive)(nil)
