// Package facade is the Tool Facade: the stateless boundary between the
// line-delimited JSON tool protocol and the core components underneath.
// Every exposed operation is a thin translation to a Session Manager, Diff
// Store, or Task Plan Store call; the facade itself holds no state beyond
// its handler table.
package facade

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/forgecore/workerd/internal/diffstore"
	"github.com/forgecore/workerd/internal/errs"
	"github.com/forgecore/workerd/internal/ids"
	"github.com/forgecore/workerd/internal/session"
	"github.com/forgecore/workerd/internal/taskplan"
	"github.com/forgecore/workerd/internal/titlegen"
)

// Request is one line of the tool protocol.
type Request struct {
	ID   string          `json:"id"`
	Tool string          `json:"tool"`
	Args json.RawMessage `json:"args"`
}

// Response is one reply line. Exactly one of Result/Error is set.
type Response struct {
	ID     string     `json:"id"`
	OK     bool       `json:"ok"`
	Result any        `json:"result,omitempty"`
	Error  *WireError `json:"error,omitempty"`
}

// WireError is the wire shape of a failed call.
type WireError struct {
	Kind      string `json:"kind"`
	Message   string `json:"message"`
	Retriable bool   `json:"retriable"`
}

// Handler executes one tool call's args and returns a JSON-marshalable
// result.
type Handler func(ctx context.Context, args json.RawMessage) (any, error)

// Facade dispatches tool calls to the components that actually hold state.
type Facade struct {
	Sessions *session.Manager
	Diffs    *diffstore.Store
	Tasks    *taskplan.Store
	Logger   *slog.Logger
	Titles   *titlegen.Generator // optional; nil or unconfigured means no auto-titling

	handlers map[string]Handler
}

// New builds a Facade with every canonical operation registered. titles may
// be nil to disable automatic title generation entirely.
func New(sessions *session.Manager, diffs *diffstore.Store, tasks *taskplan.Store, titles *titlegen.Generator, logger *slog.Logger) *Facade {
	if logger == nil {
		logger = slog.Default()
	}
	f := &Facade{Sessions: sessions, Diffs: diffs, Tasks: tasks, Titles: titles, Logger: logger}
	f.handlers = map[string]Handler{
		"dispatchWorker":       f.dispatchWorker,
		"workerStatus":         f.workerStatus,
		"answerWorkerQuestion": f.answerWorkerQuestion,
		"cancelWorker":         f.cancelWorker,
		"reviewDiff":           f.reviewDiff,
		"applyDiff":            f.applyDiff,
		"rejectDiff":           f.rejectDiff,
		"requestRevision":      f.requestRevision,
		"listTasks":            f.listTasks,
		"nextTasks":            f.nextTasks,
		"setTaskStatus":        f.setTaskStatus,
		"validateTasks":        f.validateTasks,
		"tailContainerLog":     f.tailContainerLog,
	}
	return f
}

// Serve reads one Request per line from r and writes one Response per line
// to w until r is exhausted or ctx is cancelled. Malformed lines get a
// parse-error response keyed by an empty id rather than aborting the
// stream.
func (f *Facade) Serve(ctx context.Context, r io.Reader, w io.Writer) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	enc := json.NewEncoder(w)

	for scanner.Scan() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var req Request
		if err := json.Unmarshal(line, &req); err != nil {
			_ = enc.Encode(Response{OK: false, Error: &WireError{Kind: string(errs.InvalidInput), Message: "malformed request: " + err.Error()}})
			continue
		}
		resp := f.dispatch(ctx, req)
		if err := enc.Encode(resp); err != nil {
			return fmt.Errorf("write response: %w", err)
		}
	}
	return scanner.Err()
}

// Call invokes one tool synchronously, useful for callers embedding the
// facade directly rather than over the line protocol (e.g. an in-process
// bridge).
func (f *Facade) Call(ctx context.Context, req Request) Response {
	return f.dispatch(ctx, req)
}

func (f *Facade) dispatch(ctx context.Context, req Request) Response {
	requestID := uuid.NewString()
	start := time.Now()
	outcome := "ok"

	handler, ok := f.handlers[req.Tool]
	if !ok {
		outcome = "unknown-tool"
		f.logCall(requestID, req.Tool, start, outcome)
		return errorResponse(req.ID, errs.New(errs.InvalidInput, "unknown tool: "+req.Tool))
	}

	result, err := handler(ctx, req.Args)
	if err != nil {
		outcome = outcomeFor(err)
		f.logCall(requestID, req.Tool, start, outcome)
		return errorResponse(req.ID, err)
	}
	f.logCall(requestID, req.Tool, start, outcome)
	return Response{ID: req.ID, OK: true, Result: result}
}

func (f *Facade) logCall(requestID, tool string, start time.Time, outcome string) {
	f.Logger.Info("tool call",
		"requestId", requestID,
		"tool", tool,
		"durationMs", time.Since(start).Milliseconds(),
		"outcome", outcome,
	)
}

func outcomeFor(err error) string {
	var e *errs.Error
	if ok := asErrsError(err, &e); ok {
		return string(e.Kind())
	}
	return "error"
}

func asErrsError(err error, target **errs.Error) bool {
	e, ok := err.(*errs.Error)
	if !ok {
		return false
	}
	*target = e
	return true
}

func errorResponse(id string, err error) Response {
	var e *errs.Error
	if asErrsError(err, &e) {
		return Response{ID: id, OK: false, Error: &WireError{Kind: string(e.Kind()), Message: e.Error(), Retriable: e.Retriable()}}
	}
	return Response{ID: id, OK: false, Error: &WireError{Kind: string(errs.Fatal), Message: err.Error()}}
}

func decodeArgs(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return errs.New(errs.InvalidInput, "missing args")
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return errs.Wrap(errs.InvalidInput, "decode args", err)
	}
	return nil
}

// --- dispatchWorker ---

type dispatchWorkerArgs struct {
	TaskID          string   `json:"taskId"`
	Prompt          string   `json:"prompt"`
	Title           string   `json:"title"`
	ImageTag        string   `json:"imageTag"`
	MemoryMB        int      `json:"memoryMB"`
	CPUs            float64  `json:"cpus"`
	WorkspaceSource string   `json:"workspaceSource"`
	Argv            []string `json:"argv"`
	Env             []string `json:"env"`
	SoftInactivityS int      `json:"softInactivitySeconds"`
	HardWallS       int      `json:"hardWallSeconds"`
}

type dispatchWorkerResult struct {
	SessionID string `json:"sessionId"`
}

func (f *Facade) dispatchWorker(ctx context.Context, raw json.RawMessage) (any, error) {
	var a dispatchWorkerArgs
	if err := decodeArgs(raw, &a); err != nil {
		return nil, err
	}
	req := session.DispatchRequest{
		TaskID:          ids.TaskID(a.TaskID),
		Prompt:          a.Prompt,
		Title:           a.Title,
		ImageTag:        a.ImageTag,
		WorkspaceSource: a.WorkspaceSource,
		Argv:            a.Argv,
		Env:             a.Env,
	}
	req.Profile.MemoryMB = a.MemoryMB
	req.Profile.CPUs = a.CPUs
	if a.SoftInactivityS > 0 {
		req.SoftInactivity = time.Duration(a.SoftInactivityS) * time.Second
	}
	if a.HardWallS > 0 {
		req.HardWall = time.Duration(a.HardWallS) * time.Second
	}

	id, err := f.Sessions.Dispatch(ctx, req)
	if err != nil {
		return nil, err
	}
	if a.Title == "" && f.Titles != nil {
		go f.generateTitleWhenDone(id, a.Prompt)
	}
	return dispatchWorkerResult{SessionID: string(id)}, nil
}

// titlePollInterval governs how often generateTitleWhenDone checks whether
// a just-dispatched session has reached a terminal state and produced a
// diff worth summarizing.
const titlePollInterval = 2 * time.Second

// generateTitleWhenDone waits for a session to finish and, if it produced a
// diff, asks the title generator for a short summary and records it. It
// runs detached from the original request's context since the caller
// already got its response.
func (f *Facade) generateTitleWhenDone(id ids.SessionID, prompt string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Minute)
	defer cancel()

	ticker := time.NewTicker(titlePollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		rec, err := f.Sessions.Status(id)
		if err != nil {
			return
		}
		if !session.IsTerminal(rec.State) {
			continue
		}
		var diff *diffstore.Diff
		if rec.DiffID != "" {
			if d, err := f.Diffs.Get(rec.DiffID); err == nil {
				diff = &d
			}
		}
		title := f.Titles.Generate(ctx, prompt, diff)
		if title != "" {
			_ = f.Sessions.SetTitle(id, title)
		}
		return
	}
}

// --- workerStatus ---

type sessionIDArgs struct {
	SessionID string `json:"sessionId"`
}

func (f *Facade) workerStatus(ctx context.Context, raw json.RawMessage) (any, error) {
	var a sessionIDArgs
	if err := decodeArgs(raw, &a); err != nil {
		return nil, err
	}
	return f.Sessions.Status(ids.SessionID(a.SessionID))
}

// --- answerWorkerQuestion ---

type answerArgs struct {
	SessionID string `json:"sessionId"`
	Text      string `json:"text"`
}

func (f *Facade) answerWorkerQuestion(ctx context.Context, raw json.RawMessage) (any, error) {
	var a answerArgs
	if err := decodeArgs(raw, &a); err != nil {
		return nil, err
	}
	if err := f.Sessions.Answer(ctx, ids.SessionID(a.SessionID), a.Text); err != nil {
		return nil, err
	}
	return struct{}{}, nil
}

// --- cancelWorker ---

func (f *Facade) cancelWorker(ctx context.Context, raw json.RawMessage) (any, error) {
	var a sessionIDArgs
	if err := decodeArgs(raw, &a); err != nil {
		return nil, err
	}
	if err := f.Sessions.Cancel(ctx, ids.SessionID(a.SessionID)); err != nil {
		return nil, err
	}
	return struct{}{}, nil
}

// --- reviewDiff ---

type diffIDArgs struct {
	DiffID string `json:"diffId"`
}

func (f *Facade) reviewDiff(ctx context.Context, raw json.RawMessage) (any, error) {
	var a diffIDArgs
	if err := decodeArgs(raw, &a); err != nil {
		return nil, err
	}
	return f.Diffs.Get(ids.DiffID(a.DiffID))
}

// --- applyDiff ---

type applyDiffArgs struct {
	DiffID          string `json:"diffId"`
	TargetWorkspace string `json:"targetWorkspace"`
}

func (f *Facade) applyDiff(ctx context.Context, raw json.RawMessage) (any, error) {
	var a applyDiffArgs
	if err := decodeArgs(raw, &a); err != nil {
		return nil, err
	}
	return f.Diffs.Apply(ctx, ids.DiffID(a.DiffID), a.TargetWorkspace)
}

// --- rejectDiff ---

type rejectDiffArgs struct {
	DiffID string `json:"diffId"`
	Reason string `json:"reason"`
}

func (f *Facade) rejectDiff(ctx context.Context, raw json.RawMessage) (any, error) {
	var a rejectDiffArgs
	if err := decodeArgs(raw, &a); err != nil {
		return nil, err
	}
	if err := f.Diffs.Reject(ids.DiffID(a.DiffID), a.Reason); err != nil {
		return nil, err
	}
	return struct{}{}, nil
}

// --- requestRevision ---

type requestRevisionArgs struct {
	SessionID string `json:"sessionId"`
	Feedback  string `json:"feedback"`
}

func (f *Facade) requestRevision(ctx context.Context, raw json.RawMessage) (any, error) {
	var a requestRevisionArgs
	if err := decodeArgs(raw, &a); err != nil {
		return nil, err
	}
	newID, err := f.Sessions.RequestRevision(ctx, ids.SessionID(a.SessionID), a.Feedback)
	if err != nil {
		return nil, err
	}
	return dispatchWorkerResult{SessionID: string(newID)}, nil
}

// --- listTasks ---

func (f *Facade) listTasks(ctx context.Context, raw json.RawMessage) (any, error) {
	return f.Tasks.List(), nil
}

// --- nextTasks ---

func (f *Facade) nextTasks(ctx context.Context, raw json.RawMessage) (any, error) {
	ready := f.Tasks.GetReady()
	next := f.Tasks.NextRecommended()
	return struct {
		Ready           []taskplan.Task `json:"ready"`
		NextRecommended *taskplan.Task  `json:"nextRecommended,omitempty"`
	}{Ready: ready, NextRecommended: next}, nil
}

// --- setTaskStatus ---

type setTaskStatusArgs struct {
	TaskID   string            `json:"taskId"`
	Status   string            `json:"status"`
	Metadata map[string]string `json:"metadata"`
}

func (f *Facade) setTaskStatus(ctx context.Context, raw json.RawMessage) (any, error) {
	var a setTaskStatusArgs
	if err := decodeArgs(raw, &a); err != nil {
		return nil, err
	}
	if err := f.Tasks.SetStatus(a.TaskID, taskplan.Status(a.Status), a.Metadata); err != nil {
		return nil, err
	}
	return struct{}{}, nil
}

// --- validateTasks ---

func (f *Facade) validateTasks(ctx context.Context, raw json.RawMessage) (any, error) {
	errsFound := f.Tasks.Validate()
	msgs := make([]string, len(errsFound))
	for i, e := range errsFound {
		msgs[i] = e.Error()
	}
	return struct {
		Valid  bool     `json:"valid"`
		Errors []string `json:"errors,omitempty"`
	}{Valid: len(msgs) == 0, Errors: msgs}, nil
}

// --- tailContainerLog ---

type tailLogArgs struct {
	SessionID string `json:"sessionId"`
	Cursor    int    `json:"cursor"`
}

func (f *Facade) tailContainerLog(ctx context.Context, raw json.RawMessage) (any, error) {
	var a tailLogArgs
	if err := decodeArgs(raw, &a); err != nil {
		return nil, err
	}
	lines, cursor, err := f.Sessions.TailLog(ids.SessionID(a.SessionID), a.Cursor)
	if err != nil {
		return nil, err
	}
	return struct {
		Lines  []string `json:"lines"`
		Cursor int      `json:"cursor"`
	}{Lines: lines, Cursor: cursor}, nil
}
