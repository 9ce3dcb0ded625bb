// Package session implements the Worker Session Manager: the per-session
// state machine that drives one worker execution from a dispatched prompt
// through to a produced Diff, including the interactive question/answer
// loop, heartbeats, timeouts, cancellation, and the revision flow.
package session

import (
	"time"

	"github.com/forgecore/workerd/internal/containerx"
	"github.com/forgecore/workerd/internal/ids"
	"github.com/forgecore/workerd/internal/pool"
)

// State is a Session's lifecycle state.
type State string

const (
	StateInitializing  State = "initializing"
	StateRunning       State = "running"
	StateAwaitingInput State = "awaiting-input"
	StateCompleting    State = "completing"
	StateCompleted     State = "completed"
	StateFailed        State = "failed"
	StateCancelled     State = "cancelled"
)

// Default tunables, overridable per dispatch.
const (
	DefaultSoftInactivity = 10 * time.Minute
	DefaultHardWall       = 30 * time.Minute
	DefaultRevisionLimit  = 3
	HeartbeatInterval     = 30 * time.Second
)

// Session is the persisted record for one worker execution.
type Session struct {
	ID                ids.SessionID
	TaskID            ids.TaskID // empty for ad-hoc runs
	ContainerID       ids.ContainerID
	WorkspacePath     string
	State             State
	PendingQuestion   string
	RevisionCount     int
	StartedAt         time.Time
	LastActivityAt    time.Time
	DiffID            ids.DiffID
	InitialCommitHash string
	FailureReason     string

	// Title is a short human-readable summary, either supplied at dispatch
	// time or filled in later by an optional title generator. Empty until
	// set either way.
	Title string

	// Execution configuration, retained so a revision can redispatch with
	// the same shape.
	Prompt   string
	ImageTag string
	Profile  pool.Profile
	Argv     []string
	Env      []string

	// SupersedesDiffID is set when this session was born from a revision
	// request; once it produces its own Diff, that Diff supersedes this one.
	SupersedesDiffID ids.DiffID

	SoftInactivity time.Duration
	HardWall       time.Duration
}

// DispatchRequest is the input to Dispatch.
type DispatchRequest struct {
	TaskID ids.TaskID
	Prompt string
	Title  string // optional; left empty to let an external title generator fill it in later

	ImageTag        string
	Profile         pool.Profile
	WorkspaceSource string // host path bind-mounted at containerx workspace target
	Argv            []string
	Env             []string

	// SoftInactivity and HardWall override the package defaults when
	// nonzero.
	SoftInactivity time.Duration
	HardWall       time.Duration

	// SupersedesDiffID is set by the revision flow; see Session's field of
	// the same name.
	SupersedesDiffID ids.DiffID
}

// poolKey builds the container pool key for a dispatch request.
func poolKey(req DispatchRequest) pool.Key {
	return pool.Key{ImageTag: req.ImageTag, Profile: req.Profile}
}

func workspaceMount(req DispatchRequest) []containerx.Mount {
	return []containerx.Mount{{Source: req.WorkspaceSource, Target: "/workspace"}}
}
