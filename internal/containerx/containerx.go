// Package containerx is a thin abstraction over the container runtime: pull,
// create, exec, stream logs, stop, list-by-label. It wraps the "docker" CLI
// directly via os/exec rather than vendoring a runtime client, the same way
// a prior container.Ops wrapper wraps its own CLI.
package containerx

import (
	"context"
	"io"
	"time"
)

// Mount is a host path bound into the container at Target.
type Mount struct {
	Source   string
	Target   string
	ReadOnly bool
}

// Limits caps a container's resource usage.
type Limits struct {
	MemoryMB int
	CPUs     float64
}

// ExecResult is the outcome of a captured exec.
type ExecResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Info is what List/Inspect report about one container.
type Info struct {
	ID     string
	Image  string
	Status string
	Labels map[string]string
}

// Label is applied to every container this adapter creates so the startup
// reconciler can enumerate exactly the containers that belong to this
// orchestrator, never a stray container from an unrelated workload.
const OwnerLabel = "orchestrator=true"

// Adapter is the full container lifecycle capability set the orchestrator
// needs. Every method is cancellable via ctx and carries no implicit
// deadline of its own; callers set one per-call via context.WithTimeout.
type Adapter interface {
	// EnsureImage pulls tag if not already present locally.
	EnsureImage(ctx context.Context, tag string) error
	// Create makes (but does not start) a container with the given image,
	// mounts, resource limits, and labels. OwnerLabel is always added.
	Create(ctx context.Context, imageTag string, mounts []Mount, limits Limits, labels map[string]string) (id string, err error)
	// Start starts a previously created container.
	Start(ctx context.Context, id string) error
	// ExecCapture runs argv inside id and buffers its output, faithfully
	// reporting the exit code — including 0, which historically got
	// miscounted as failure whenever "no changes" was mistaken for an error.
	ExecCapture(ctx context.Context, id string, argv, env []string, stdin io.Reader) (ExecResult, error)
	// ExecStream runs argv inside id, invoking onLine for each line of
	// combined stdout as it arrives.
	ExecStream(ctx context.Context, id string, argv, env []string, onLine func(line string)) error
	// ExecInteractive runs argv inside id with a stdin pipe that stays open
	// for the life of the process, so a caller can both read output as it
	// arrives and write further input later (an agent answering a follow-up
	// question mid-run).
	ExecInteractive(ctx context.Context, id string, argv, env []string) (Interactive, error)
	// Stop asks the container to stop, waiting up to grace before a forced
	// kill.
	Stop(ctx context.Context, id string, grace time.Duration) error
	// List returns every container matching every key/value in labelSelector.
	List(ctx context.Context, labelSelector map[string]string) ([]Info, error)
	// Inspect returns current state for a single container.
	Inspect(ctx context.Context, id string) (Info, error)
}

// Interactive is a live exec session: lines of combined stdout/stderr arrive
// on Lines until the process exits and the channel closes; Stdin accepts
// further input at any point before then.
type Interactive interface {
	Stdin() io.WriteCloser
	Lines() <-chan string
	// Wait blocks until the process exits and returns its result. Safe to
	// call only once.
	Wait() (ExecResult, error)
	Kill() error
}
