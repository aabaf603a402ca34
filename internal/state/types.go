package state

import (
	"encoding/json"
	"time"
)

// Status is the sync state of a single materialized node.
type Status string

// Sync record statuses.
const (
	StatusSynced        Status = "synced"
	StatusModified      Status = "modified"
	StatusPushing       Status = "pushing"
	StatusConflict      Status = "conflict"
	StatusPendingUpload Status = "pending_upload"
)

// Record is the per-node sync metadata. A record with StatusSynced has
// SyncedHash == ContentHash, and the local file hashes to both.
type Record struct {
	NodeID          string
	EditionID       string
	LocalPath       string // relative to the workspace root, slash separated
	Title           string
	NodeType        string
	ParentID        string
	OrderIndex      int
	ContentHash     string // hash of the local file at the last observation
	SyncedHash      string // hash of the last content pulled from or accepted by the remote
	LocalUpdatedAt  time.Time
	RemoteUpdatedAt time.Time // last remote version seen; the optimistic lock token
	Status          Status
}

// Base is the last content both sides agreed on, kept for three-way merges.
type Base struct {
	NodeID          string
	Content         string
	RemoteUpdatedAt time.Time
}

// QueueEntry is an offline replay entry for a node whose push hit a
// transport failure.
type QueueEntry struct {
	NodeID        string
	Attempts      int
	NextAttemptAt time.Time
	LastError     string
	Exhausted     bool
}

// TargetType names the kind of resource a collaboration session locks.
type TargetType string

// Session target types.
const (
	TargetNode     TargetType = "node"
	TargetEntity   TargetType = "entity"
	TargetRelation TargetType = "relation"
	TargetEvent    TargetType = "event"
)

// Valid reports whether t is one of the known target types.
func (t TargetType) Valid() bool {
	switch t {
	case TargetNode, TargetEntity, TargetRelation, TargetEvent:
		return true
	default:
		return false
	}
}

// SessionState is a collaboration session lifecycle state.
type SessionState string

// Session states.
const (
	SessionActive     SessionState = "active"
	SessionHasDraft   SessionState = "has_draft"
	SessionNeedsMerge SessionState = "needs_merge"
	SessionCommitted  SessionState = "committed"
	SessionClosed     SessionState = "closed"
)

// Terminal reports whether no further transitions leave s.
func (s SessionState) Terminal() bool {
	return s == SessionCommitted || s == SessionClosed
}

// Session is a scoped, lockable collaboration context over one target.
type Session struct {
	ID          string
	EditionID   string
	TargetType  TargetType
	TargetID    string
	LockScope   string
	State       SessionState
	StateReason string
	CreatedBy   string
	ChangeSetID string
	CreatedAt   time.Time
	UpdatedAt   time.Time
	ClosedAt    time.Time
}

// Lease is the reservation a session holds on its target.
type Lease struct {
	TargetType TargetType
	TargetID   string
	SessionID  string
	ExpiresAt  time.Time
	RenewedAt  time.Time
}

// DraftSource tells who proposed a draft.
type DraftSource string

// Draft sources.
const (
	SourceHuman    DraftSource = "human"
	SourceProvider DraftSource = "provider"
)

// BatchType groups drafts submitted together.
type BatchType string

// Draft batch types.
const (
	BatchHumanDraft         BatchType = "human_draft"
	BatchProviderSuggestion BatchType = "provider_suggestion"
)

// DraftStatus tracks a draft's review inside its session.
type DraftStatus string

// Draft statuses.
const (
	DraftPending   DraftStatus = "pending"
	DraftApproved  DraftStatus = "approved"
	DraftRejected  DraftStatus = "rejected"
	DraftCommitted DraftStatus = "committed"
)

// Operation is a field-level mutation kind.
type Operation string

// Mutation operations.
const (
	OpInsert Operation = "insert"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
)

// Valid reports whether o is a known operation.
func (o Operation) Valid() bool {
	return o == OpInsert || o == OpUpdate || o == OpDelete
}

// Draft is an unapplied candidate edit inside a session. It never reaches
// the authoritative store until promoted into a ChangeItem by a commit.
type Draft struct {
	ID          string
	SessionID   string
	BatchID     string
	BatchType   BatchType
	Source      DraftSource
	Status      DraftStatus
	TargetTable string
	TargetID    string
	Column      string
	Operation   Operation
	NewValue    json.RawMessage
	Confidence  *float64
	Notes       string
	CreatedAt   time.Time
}

// ChangeSource records where a change set came from.
type ChangeSource string

// Change set sources.
const (
	ChangeManual         ChangeSource = "manual"
	ChangeSuggestionAuto ChangeSource = "suggestion_auto"
	ChangeSyncResolution ChangeSource = "sync_resolution"
)

// ChangeStatus is a change set lifecycle state.
type ChangeStatus string

// Change set statuses.
const (
	ChangePending    ChangeStatus = "pending"
	ChangeApplied    ChangeStatus = "applied"
	ChangeRolledBack ChangeStatus = "rolled_back"
	ChangeFailed     ChangeStatus = "failed"
)

// ChangeSet is an atomic, reversible group of change items. Rows are never
// deleted; only Status moves.
type ChangeSet struct {
	ID           string
	EditionID    string
	SessionID    string
	Source       ChangeSource
	Status       ChangeStatus
	Reason       string
	CreatedBy    string
	ErrorMessage string
	CreatedAt    time.Time
	UpdatedAt    time.Time
	AppliedAt    time.Time
	RolledBackAt time.Time
}

// ChangeItem is one field-level mutation. OldValue and NewValue are JSON;
// a nil value means the field (or row) is absent.
type ChangeItem struct {
	ID          string
	ChangeSetID string
	Seq         int
	TargetTable string
	TargetID    string
	Operation   Operation
	Column      string
	OldValue    json.RawMessage
	NewValue    json.RawMessage
	Notes       string
}

// ReviewStatus is a review task state.
type ReviewStatus string

// Review statuses.
const (
	ReviewPending   ReviewStatus = "pending"
	ReviewApproved  ReviewStatus = "approved"
	ReviewRejected  ReviewStatus = "rejected"
	ReviewCancelled ReviewStatus = "cancelled"
)

// ReviewTask is the human sign-off attached to a pending change set.
type ReviewTask struct {
	ID          string
	ChangeSetID string
	Reviewer    string
	Status      ReviewStatus
	Decision    string
	Comments    string
	CreatedAt   time.Time
	DecidedAt   time.Time
}
