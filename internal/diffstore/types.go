// Package diffstore owns Diff records end to end: create,
// inspect, risk-flag, and apply a captured patch to a target workspace,
// with apply serialized per target so a shared source tree is never
// written by two callers at once.
package diffstore

import (
	"time"

	"github.com/forgecore/workerd/internal/gitengine"
	"github.com/forgecore/workerd/internal/ids"
)

// Status is a Diff's lifecycle state. Transitions are one-way except
// pending -> superseded, which happens on revision.
type Status string

const (
	StatusPending         Status = "pending"
	StatusApprovedApplied Status = "approved-applied"
	StatusRejected        Status = "rejected"
	StatusSuperseded      Status = "superseded"
)

// RiskFlag names one advisory concern surfaced alongside a Diff. Risk flags
// never block apply; they only inform the reviewer.
type RiskFlag string

const (
	RiskTouchesSensitivePath RiskFlag = "touches-sensitive-path"
	RiskLargeChange          RiskFlag = "large-change"
	RiskDeletionsPresent     RiskFlag = "deletions-present"
	RiskBinaryPresent        RiskFlag = "binary-present"
)

// Stats is the per-diff numeric summary: files changed, lines added, lines
// removed.
type Stats struct {
	FilesChanged int `json:"filesChanged"`
	Additions    int `json:"additions"`
	Deletions    int `json:"deletions"`
}

// Diff is the full record. It is immutable once created except for its
// Status (and RejectReason/AppliedAt/TargetWorkspace, which only ever move
// from unset to set).
type Diff struct {
	ID              ids.DiffID
	SessionID       ids.SessionID
	WorkspacePath   string
	Patch           string
	Stats           Stats
	FileStats       []gitengine.FileStat
	Risks           []RiskFlag
	Status          Status
	CreatedAt       time.Time
	AppliedAt       time.Time
	TargetWorkspace string
	RejectReason    string
	SupersededBy    ids.DiffID
}

// AppliedReceipt is returned by a successful Apply.
type AppliedReceipt struct {
	DiffID          ids.DiffID
	TargetWorkspace string
	AppliedAt       time.Time
}
