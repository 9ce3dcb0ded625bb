// Package taskplan reads and writes the on-disk task graph: the canonical
// tasks.json a project keeps at its root, with dependency-aware queries
// over it. Writes are copy-on-write (temp file, fsync, atomic rename) so a
// crash mid-write never leaves a partial plan, and the file is watched for
// external edits so a hand-edited tasks.json gets picked up without a
// restart.
package taskplan

import "time"

// Status is a Task's lifecycle state.
type Status string

const (
	StatusPending    Status = "pending"
	StatusReady      Status = "ready"
	StatusInProgress Status = "in-progress"
	StatusNeedsInput Status = "needs-input"
	StatusDone       Status = "done"
	StatusFailed     Status = "failed"
)

// Priority is a Task's scheduling priority.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityMedium Priority = "medium"
	PriorityLow    Priority = "low"
)

// Task is one node in the task graph. Subtasks share this shape and are
// addressed by "parentId.subId".
type Task struct {
	ID           string   `json:"id"`
	Title        string   `json:"title"`
	Description  string   `json:"description"`
	Status       Status   `json:"status"`
	Dependencies []string `json:"dependencies"`
	Priority     Priority `json:"priority"`
	Details      string   `json:"details,omitempty"`
	TestStrategy string   `json:"testStrategy,omitempty"`
	Subtasks     []Task   `json:"subtasks,omitempty"`

	ParentID  string `json:"-"`
	SessionID string `json:"sessionId,omitempty"`
	DiffID    string `json:"diffId,omitempty"`

	CreatedAt        time.Time `json:"createdAt,omitempty"`
	LastStatusChange time.Time `json:"lastStatusChange,omitempty"`
	LastError        string    `json:"lastError,omitempty"`
}

// Meta is the plan file's top-level bookkeeping block.
type Meta struct {
	ProjectName  string    `json:"projectName"`
	CreatedAt    time.Time `json:"createdAt"`
	LastModified time.Time `json:"lastModified"`
}

// planFile is the on-disk shape of tasks.json.
type planFile struct {
	Meta  Meta   `json:"meta"`
	Tasks []Task `json:"tasks"`
}
