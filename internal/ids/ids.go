// Package ids defines the opaque, sortable identifiers used across the core.
// Every entity kind gets its own type so a TaskID can never be mistaken for a
// SessionID at compile time, even though both are backed by the same
// k-sortable id scheme.
package ids

import "github.com/maruel/ksid"

// TaskID identifies a Task in the Task Plan Store.
type TaskID string

// SessionID identifies a live or terminated worker Session.
type SessionID string

// DiffID identifies a captured Diff.
type DiffID string

// ContainerID identifies a container as returned by the Container Adapter;
// it is the runtime's own id, not a ksid, so it stays a plain string type.
type ContainerID string

// NewTaskID mints a new, time-sortable task id.
func NewTaskID() TaskID { return TaskID(ksid.NewID().String()) }

// NewSessionID mints a new, time-sortable session id.
func NewSessionID() SessionID { return SessionID(ksid.NewID().String()) }

// NewDiffID mints a new, time-sortable diff id.
func NewDiffID() DiffID { return DiffID(ksid.NewID().String()) }
