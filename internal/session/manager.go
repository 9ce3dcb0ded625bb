package session

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/forgecore/workerd/internal/containerx"
	"github.com/forgecore/workerd/internal/diffstore"
	"github.com/forgecore/workerd/internal/errs"
	"github.com/forgecore/workerd/internal/gitengine"
	"github.com/forgecore/workerd/internal/ids"
	"github.com/forgecore/workerd/internal/journal"
	"github.com/forgecore/workerd/internal/pool"
	"github.com/forgecore/workerd/internal/worker"
)

const tailRingSize = 2000

// Manager is the Worker Session Manager: it owns every live Session's state
// machine, the container it holds, and the worker process running inside
// it.
type Manager struct {
	j       *journal.Journal
	pool    *pool.Pool
	diffs   *diffstore.Store
	adapter containerx.Adapter
	logDir  string

	revisionLimit int

	// debugNoCleanup retains a session's container exactly as it was left
	// instead of releasing it back to the pool, for forensic access after
	// the session ends. Set from DEBUG_NO_CLEANUP.
	debugNoCleanup bool

	mu   sync.Mutex
	live map[ids.SessionID]*liveSession
}

// liveSession holds everything about a Session that only makes sense while
// its container is held: the running process, its log, and timers. None of
// this is persisted directly; Session itself is.
type liveSession struct {
	mu  sync.Mutex
	rec Session

	handle pool.Handle
	proc   *worker.Process
	log    *ringLog

	pendingTail []string

	softTimer *time.Timer
	hardTimer *time.Timer
	stopHB    chan struct{}

	done chan struct{} // closed once the session reaches a terminal state
}

// NewManager builds a Manager. logDir holds one append-only log file per
// session. debugNoCleanup, when set, retains every session's container
// after it ends instead of releasing it back to the pool.
func NewManager(j *journal.Journal, p *pool.Pool, diffs *diffstore.Store, adapter containerx.Adapter, logDir string, debugNoCleanup bool) *Manager {
	return &Manager{
		j:              j,
		pool:           p,
		diffs:          diffs,
		adapter:        adapter,
		logDir:         logDir,
		revisionLimit:  DefaultRevisionLimit,
		debugNoCleanup: debugNoCleanup,
		live:           make(map[ids.SessionID]*liveSession),
	}
}

// releaseSession returns h to the pool with disposition, unless
// debugNoCleanup is set, in which case the container is left exactly as it
// was for forensic access and its pool slot stays held.
func (m *Manager) releaseSession(ctx context.Context, h pool.Handle, disposition pool.Disposition) {
	if m.debugNoCleanup {
		return
	}
	_ = m.pool.Release(ctx, h, disposition)
}

// Dispatch acquires a container, initializes its workspace, launches the
// worker, and returns as soon as the session is running — the rest of the
// lifecycle proceeds on background goroutines.
func (m *Manager) Dispatch(ctx context.Context, req DispatchRequest) (ids.SessionID, error) {
	if len(req.Argv) == 0 {
		return "", errs.New(errs.InvalidInput, "dispatch requires a worker argv")
	}
	soft := req.SoftInactivity
	if soft <= 0 {
		soft = DefaultSoftInactivity
	}
	hard := req.HardWall
	if hard <= 0 {
		hard = DefaultHardWall
	}

	id := ids.NewSessionID()
	labels := map[string]string{"session": string(id)}
	h, err := m.pool.Acquire(ctx, poolKey(req), workspaceMount(req), labels)
	if err != nil {
		return "", fmt.Errorf("acquire container: %w", err)
	}

	rec := Session{
		ID:               id,
		TaskID:           req.TaskID,
		ContainerID:      h.ContainerID,
		WorkspacePath:    req.WorkspaceSource,
		State:            StateInitializing,
		StartedAt:        time.Now().UTC(),
		LastActivityAt:   time.Now().UTC(),
		Prompt:           req.Prompt,
		Title:            req.Title,
		ImageTag:         req.ImageTag,
		Profile:          req.Profile,
		Argv:             req.Argv,
		Env:              req.Env,
		SupersedesDiffID: req.SupersedesDiffID,
		SoftInactivity:   soft,
		HardWall:         hard,
	}

	engine := &gitengine.Engine{Adapter: m.adapter, ContainerID: string(h.ContainerID)}
	commit, err := engine.Initialize(ctx)
	if err != nil {
		m.releaseSession(ctx, h, pool.Destroy)
		return "", fmt.Errorf("initialize workspace: %w", err)
	}
	rec.InitialCommitHash = commit

	log, err := newRingLog(m.logDir, string(id)+"-"+string(h.ContainerID)+".log", tailRingSize)
	if err != nil {
		m.releaseSession(ctx, h, pool.Destroy)
		return "", err
	}

	ls := &liveSession{rec: rec, handle: h, log: log, stopHB: make(chan struct{}), done: make(chan struct{})}
	m.mu.Lock()
	m.live[id] = ls
	m.mu.Unlock()

	if err := m.persist(&rec, true); err != nil {
		m.releaseSession(ctx, h, pool.Destroy)
		return "", err
	}

	if err := m.launchWorker(ctx, ls, req.Prompt, req.Argv, req.Env); err != nil {
		m.failSession(ls, fmt.Sprintf("launch worker: %v", err))
		return id, nil
	}

	m.setState(ls, StateRunning)
	m.startHeartbeat(ls)
	m.armHardWall(ls)
	return id, nil
}

// launchWorker starts the agent process and wires its output into the
// session's question heuristic and log.
func (m *Manager) launchWorker(ctx context.Context, ls *liveSession, prompt string, argv, env []string) error {
	proc, err := worker.Launch(context.WithoutCancel(ctx), m.adapter, string(ls.handle.ContainerID), worker.Options{Argv: argv, Env: env}, func(l worker.Line) {
		m.onLine(ls, l.Text)
	})
	if err != nil {
		return err
	}
	ls.mu.Lock()
	ls.proc = proc
	ls.mu.Unlock()

	if err := proc.SendInput(prompt); err != nil {
		return fmt.Errorf("send initial prompt: %w", err)
	}

	go m.awaitExit(ctx, ls)
	return nil
}

// onLine is invoked on the worker's output goroutine for every line. It
// updates activity time, feeds the log, and applies the interactive-input
// heuristic.
func (m *Manager) onLine(ls *liveSession, line string) {
	ls.log.Append(line)

	ls.mu.Lock()
	ls.rec.LastActivityAt = time.Now().UTC()
	state := ls.rec.State
	if line == "" {
		ls.pendingTail = nil
	} else {
		ls.pendingTail = append(ls.pendingTail, line)
	}
	tail := strings.Join(ls.pendingTail, "\n")
	ls.mu.Unlock()

	if state != StateRunning {
		return
	}
	if worker.LooksLikeQuestion(tail) {
		ls.mu.Lock()
		ls.rec.PendingQuestion = tail
		ls.pendingTail = nil
		ls.mu.Unlock()
		m.setState(ls, StateAwaitingInput)
		m.armSoftInactivity(ls)
	}
}

// awaitExit waits for the worker process to exit and drives the
// completion/failure transition.
func (m *Manager) awaitExit(ctx context.Context, ls *liveSession) {
	res, err := ls.proc.Wait()

	ls.mu.Lock()
	state := ls.rec.State
	ls.mu.Unlock()
	if state == StateCancelled || state == StateFailed {
		return
	}

	if err != nil || res.ExitCode != 0 {
		m.failSession(ls, fmt.Sprintf("worker exited with error (code=%d): %v", res.ExitCode, err))
		return
	}

	m.setState(ls, StateCompleting)
	engine := &gitengine.Engine{Adapter: m.adapter, ContainerID: string(ls.handle.ContainerID)}
	ext, err := engine.Extract(context.WithoutCancel(ctx))
	if err != nil {
		m.failSession(ls, fmt.Sprintf("extract diff: %v", err))
		return
	}

	ls.mu.Lock()
	sessID := ls.rec.ID
	workspace := ls.rec.WorkspacePath
	supersedes := ls.rec.SupersedesDiffID
	ls.mu.Unlock()

	diffID, err := m.diffs.Create(context.WithoutCancel(ctx), sessID, workspace, ext)
	if err != nil {
		m.failSession(ls, fmt.Sprintf("create diff: %v", err))
		return
	}
	if supersedes != "" {
		if err := m.diffs.Supersede(supersedes, diffID); err != nil {
			m.failSession(ls, fmt.Sprintf("supersede prior diff: %v", err))
			return
		}
	}

	ls.mu.Lock()
	ls.rec.DiffID = diffID
	ls.mu.Unlock()
	m.setState(ls, StateCompleted)
	m.stopTimers(ls)
	m.releaseSession(context.WithoutCancel(ctx), ls.handle, pool.Reuse)
	close(ls.done)
}

// Status returns the current public view of a session.
func (m *Manager) Status(id ids.SessionID) (Session, error) {
	if ls, ok := m.liveOf(id); ok {
		ls.mu.Lock()
		defer ls.mu.Unlock()
		return ls.rec, nil
	}
	raw, ok, err := m.j.Get(journal.KindSession, string(id))
	if err != nil {
		return Session{}, err
	}
	if !ok {
		return Session{}, errs.New(errs.InvalidInput, "session not found: "+string(id))
	}
	var rec Session
	if err := json.Unmarshal(raw, &rec); err != nil {
		return Session{}, fmt.Errorf("decode session: %w", err)
	}
	return rec, nil
}

// List returns every known session, live or persisted. Live sessions take
// priority over their journal record since the record can lag the
// in-memory state by up to one heartbeat.
func (m *Manager) List() ([]Session, error) {
	records, err := m.j.List(journal.KindSession, nil)
	if err != nil {
		return nil, err
	}
	out := make(map[ids.SessionID]Session, len(records))
	for _, r := range records {
		var rec Session
		if err := json.Unmarshal(r.Data, &rec); err != nil {
			continue
		}
		out[rec.ID] = rec
	}

	m.mu.Lock()
	for id, ls := range m.live {
		ls.mu.Lock()
		out[id] = ls.rec
		ls.mu.Unlock()
	}
	m.mu.Unlock()

	sessions := make([]Session, 0, len(out))
	for _, rec := range out {
		sessions = append(sessions, rec)
	}
	return sessions, nil
}

// SetTitle records a title for id, generated after the fact (the dispatch
// call returned before one was available). A session already carrying an
// explicit title is left alone.
func (m *Manager) SetTitle(id ids.SessionID, title string) error {
	if ls, ok := m.liveOf(id); ok {
		ls.mu.Lock()
		if ls.rec.Title == "" {
			ls.rec.Title = title
		}
		rec := ls.rec
		ls.mu.Unlock()
		return m.persist(&rec, false)
	}

	raw, ok, err := m.j.Get(journal.KindSession, string(id))
	if err != nil {
		return err
	}
	if !ok {
		return errs.New(errs.InvalidInput, "session not found: "+string(id))
	}
	var rec Session
	if err := json.Unmarshal(raw, &rec); err != nil {
		return fmt.Errorf("decode session: %w", err)
	}
	if rec.Title == "" {
		rec.Title = title
	}
	return m.persist(&rec, true)
}

// Answer re-enters a session waiting in awaiting-input with the supplied
// text. If the heuristic misfired, the worker simply absorbs the extra
// input and keeps running.
func (m *Manager) Answer(ctx context.Context, id ids.SessionID, text string) error {
	ls, ok := m.liveOf(id)
	if !ok {
		return errs.New(errs.InvalidInput, "session not live: "+string(id))
	}
	ls.mu.Lock()
	if ls.rec.State != StateAwaitingInput {
		state := ls.rec.State
		ls.mu.Unlock()
		return errs.New(errs.InvalidInput, fmt.Sprintf("session %s is %s, not awaiting-input", id, state))
	}
	proc := ls.proc
	ls.rec.PendingQuestion = ""
	ls.rec.LastActivityAt = time.Now().UTC()
	ls.mu.Unlock()

	if err := proc.SendInput(text); err != nil {
		return fmt.Errorf("answer: %w", err)
	}
	m.stopSoftInactivity(ls)
	m.setState(ls, StateRunning)
	return nil
}

// Cancel transitions a session to cancelled, stops the worker, and
// destroys its container. In-flight Answer calls racing this observe
// either the pre- or post-cancel state, never a corrupted one, since every
// mutation is made under ls.mu.
func (m *Manager) Cancel(ctx context.Context, id ids.SessionID) error {
	ls, ok := m.liveOf(id)
	if !ok {
		return errs.New(errs.InvalidInput, "session not live: "+string(id))
	}
	ls.mu.Lock()
	if IsTerminal(ls.rec.State) {
		ls.mu.Unlock()
		return nil
	}
	proc := ls.proc
	ls.mu.Unlock()

	m.setState(ls, StateCancelled)
	m.stopTimers(ls)
	if proc != nil {
		_ = proc.Kill()
	}
	m.releaseSession(context.WithoutCancel(ctx), ls.handle, pool.Destroy)

	select {
	case <-ls.done:
	default:
		close(ls.done)
	}
	return nil
}

// TailLog returns every log line appended since cursor and the cursor to
// resume from.
func (m *Manager) TailLog(id ids.SessionID, cursor int) ([]string, int, error) {
	ls, ok := m.liveOf(id)
	if !ok {
		return nil, cursor, errs.New(errs.InvalidInput, "session not live: "+string(id))
	}
	lines, next := ls.log.Tail(cursor)
	return lines, next, nil
}

func (m *Manager) liveOf(id ids.SessionID) (*liveSession, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ls, ok := m.live[id]
	return ls, ok
}

func (m *Manager) setState(ls *liveSession, s State) {
	ls.mu.Lock()
	ls.rec.State = s
	rec := ls.rec
	ls.mu.Unlock()
	if err := m.persist(&rec, true); err != nil {
		slog.Error("persist session state", "session", rec.ID, "state", s, "err", err)
	}
}

func (m *Manager) failSession(ls *liveSession, reason string) {
	ls.mu.Lock()
	ls.rec.State = StateFailed
	ls.rec.FailureReason = reason
	rec := ls.rec
	ls.mu.Unlock()
	if err := m.persist(&rec, true); err != nil {
		slog.Error("persist failed session", "session", rec.ID, "err", err)
	}
	m.stopTimers(ls)
	m.releaseSession(context.Background(), ls.handle, pool.Destroy)
	select {
	case <-ls.done:
	default:
		close(ls.done)
	}
}

func (m *Manager) persist(rec *Session, durable bool) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}
	return m.j.Upsert(journal.KindSession, string(rec.ID), data, durable)
}

// IsTerminal reports whether a session state is one of the three
// terminal states: completed, failed, or cancelled.
func IsTerminal(s State) bool {
	switch s {
	case StateCompleted, StateFailed, StateCancelled:
		return true
	default:
		return false
	}
}
