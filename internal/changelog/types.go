package changelog

import (
	"encoding/json"
	"fmt"
	"time"
)

// Operation is the kind of write a change record captures.
type Operation string

const (
	OpCreate Operation = "create"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
)

// Valid reports whether op is one of the known operations.
func (op Operation) Valid() bool {
	switch op {
	case OpCreate, OpUpdate, OpDelete:
		return true
	}
	return false
}

// ParseOperation converts a wire value into an Operation.
func ParseOperation(s string) (Operation, error) {
	op := Operation(s)
	if !op.Valid() {
		return "", fmt.Errorf("%w: unknown operation %q", ErrInvalidChange, s)
	}
	return op, nil
}

// Status tracks a record through the sync lifecycle.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInFlight   Status = "in_flight"
	StatusSynced     Status = "synced"
	StatusFailed     Status = "failed"
	StatusConflicted Status = "conflicted"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusInFlight, StatusSynced, StatusFailed, StatusConflicted:
		return true
	}
	return false
}

// Terminal statuses are never claimed again automatically.
func (s Status) Terminal() bool {
	return s == StatusSynced || s == StatusConflicted
}

// ChangeRecord is one captured mutation of a synchronized table.
type ChangeRecord struct {
	ID            int64           `json:"id"`
	Table         string          `json:"table"`
	RowID         string          `json:"rowId"`
	Operation     Operation       `json:"operation"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	OriginNodeID  string          `json:"originNodeId"`
	LogicalClock  int64           `json:"logicalClock"`
	CapturedAt    time.Time       `json:"capturedAt"`
	SyncStatus    Status          `json:"syncStatus"`
	AttemptCount  int             `json:"attemptCount"`
	LastAttemptAt *time.Time      `json:"lastAttemptAt,omitempty"`
	LastError     string          `json:"lastError,omitempty"`
}

// Key identifies the row a record mutates.
func (r *ChangeRecord) Key() RowKey {
	return RowKey{Table: r.Table, RowID: r.RowID}
}

// RowKey addresses one row of one synchronized table.
type RowKey struct {
	Table string
	RowID string
}

func (k RowKey) String() string {
	return k.Table + "/" + k.RowID
}

// Side names the origin of the record that won a conflict.
type Side int

const (
	SideNone Side = iota
	SideLocal
	SideRemote
)

func (s Side) String() string {
	switch s {
	case SideLocal:
		return "local"
	case SideRemote:
		return "remote"
	default:
		return "none"
	}
}

// Resolution is the verdict for a pair of competing records.
type Resolution struct {
	Winner Side
	Reason string
}

// Resolver decides which of two competing records for the same row wins.
// Either argument may be nil. Implementations must be deterministic.
type Resolver interface {
	Resolve(local, remote *ChangeRecord) Resolution
}

// ApplyOutcome describes what ApplyRemote did with an inbound record.
type ApplyOutcome string

const (
	// OutcomeApplied means the remote payload now backs the local row.
	OutcomeApplied ApplyOutcome = "applied"
	// OutcomeDuplicate means the record had already been applied.
	OutcomeDuplicate ApplyOutcome = "duplicate"
	// OutcomeEcho means the record originated on this node.
	OutcomeEcho ApplyOutcome = "echo"
	// OutcomeStale means a newer write from the same origin is already applied.
	OutcomeStale ApplyOutcome = "stale"
	// OutcomeLocalWins means an unsynced local write beat the remote record.
	OutcomeLocalWins ApplyOutcome = "rejected_by_conflict"
)

// ApplyResult reports the effect of ApplyRemote.
type ApplyResult struct {
	Outcome ApplyOutcome
	// Conflicted lists local records superseded by the remote record.
	Conflicted []int64
	Reason     string
}

// Conflict reports whether applying the record involved a conflict.
func (r ApplyResult) Conflict() bool {
	return len(r.Conflicted) > 0 || r.Outcome == OutcomeLocalWins
}

// Counts summarises the change log by status.
type Counts struct {
	Pending    int `json:"pending"`
	InFlight   int `json:"inFlight"`
	Synced     int `json:"synced"`
	Failed     int `json:"failed"`
	Conflicted int `json:"conflicted"`
}

// ClaimOptions controls which records a claim may take.
type ClaimOptions struct {
	Limit int
	// IncludeFailed also reclaims records that exhausted their attempts or
	// were rejected. Only operator-initiated syncs set it.
	IncludeFailed bool
	// AfterID restricts the claim to records with a larger id.
	AfterID int64
}

// ListFilter selects records for reporting.
type ListFilter struct {
	Statuses []Status
	Table    string
	AfterID  int64
	Limit    int
}
