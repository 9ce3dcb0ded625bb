// Package worker drives the coding-agent process that runs inside a
// session's container. It is deliberately thin: it does not parse any
// agent's native wire format. It treats the agent as a line-oriented
// process, feeds it a prompt on launch, accepts further input while it is
// running, and hands every output line to a callback for the session
// manager to interpret.
package worker

import (
	"context"
	"fmt"
	"sync"

	"github.com/forgecore/workerd/internal/containerx"
)

// Line is one line of output from the agent process.
type Line struct {
	Text string
}

// Options configures how the agent process is launched inside a container.
type Options struct {
	// Argv is the command to run inside the container, e.g. the agent CLI
	// invocation. Required.
	Argv []string
	// Env is passed through as additional environment variables for the
	// exec, e.g. API keys or model selection.
	Env []string
}

// Process is a running agent process. Exactly one goroutine should read
// from Lines; SendInput may be called from any goroutine at any time before
// Wait returns.
type Process struct {
	ix containerx.Interactive

	mu     sync.Mutex
	closed bool
}

// Launch starts argv inside containerID and returns a handle once the
// process is running. onLine is invoked once per output line until the
// process exits; it runs on an internal goroutine, not the caller's.
func Launch(ctx context.Context, adapter containerx.Adapter, containerID string, opts Options, onLine func(Line)) (*Process, error) {
	if len(opts.Argv) == 0 {
		return nil, fmt.Errorf("worker: empty argv")
	}
	ix, err := adapter.ExecInteractive(ctx, containerID, opts.Argv, opts.Env)
	if err != nil {
		return nil, fmt.Errorf("launch agent process: %w", err)
	}
	p := &Process{ix: ix}

	go func() {
		for line := range ix.Lines() {
			onLine(Line{Text: line})
		}
	}()

	return p, nil
}

// SendInput writes text followed by a newline to the process's stdin. Used
// both for the initial prompt and for answers to follow-up questions.
func (p *Process) SendInput(text string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return fmt.Errorf("worker: process stdin already closed")
	}
	_, err := p.ix.Stdin().Write([]byte(text + "\n"))
	return err
}

// Close closes the process's stdin, signaling it to wind down (most coding
// agents treat EOF on stdin as "no more turns, finish up").
func (p *Process) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	return p.ix.Stdin().Close()
}

// Wait blocks until the process exits.
func (p *Process) Wait() (containerx.ExecResult, error) {
	return p.ix.Wait()
}

// Kill forcibly terminates the process.
func (p *Process) Kill() error {
	return p.ix.Kill()
}
