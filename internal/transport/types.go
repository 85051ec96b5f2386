package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/livinlefevreloca/tillsync/internal/changelog"
)

// Client moves change records between a terminal and the remote authority.
// Any failure that prevents a definitive per-record answer is returned as a
// *BatchError.
type Client interface {
	Push(ctx context.Context, records []changelog.ChangeRecord) ([]PushResult, error)
	Pull(ctx context.Context, cursor string, limit int) (PullBatch, error)
}

// PushStatus is the authority's verdict on one pushed record.
type PushStatus string

const (
	PushAccepted PushStatus = "accepted"
	PushRejected PushStatus = "rejected"
)

// PushResult acknowledges one pushed record.
type PushResult struct {
	ID           int64      `json:"id"`
	OriginNodeID string     `json:"originNodeId"`
	Status       PushStatus `json:"status"`
	Error        string     `json:"error,omitempty"`
}

// PullBatch is one page of records from the authority.
type PullBatch struct {
	Records []changelog.ChangeRecord
	Cursor  string
	HasMore bool
}

// Change is the wire form of a change record. Local bookkeeping such as
// sync status and attempt counts never leaves the terminal.
type Change struct {
	ID           int64               `json:"id"`
	Table        string              `json:"table"`
	RowID        string              `json:"rowId"`
	Operation    changelog.Operation `json:"operation"`
	Payload      json.RawMessage     `json:"payload,omitempty"`
	OriginNodeID string              `json:"originNodeId"`
	LogicalClock int64               `json:"logicalClock"`
	CapturedAt   time.Time           `json:"capturedAt"`
}

// FromRecord converts a local record to its wire form.
func FromRecord(rec changelog.ChangeRecord) Change {
	return Change{
		ID:           rec.ID,
		Table:        rec.Table,
		RowID:        rec.RowID,
		Operation:    rec.Operation,
		Payload:      rec.Payload,
		OriginNodeID: rec.OriginNodeID,
		LogicalClock: rec.LogicalClock,
		CapturedAt:   rec.CapturedAt,
	}
}

// Record converts a wire change into a record as received.
func (c Change) Record() changelog.ChangeRecord {
	return changelog.ChangeRecord{
		ID:           c.ID,
		Table:        c.Table,
		RowID:        c.RowID,
		Operation:    c.Operation,
		Payload:      c.Payload,
		OriginNodeID: c.OriginNodeID,
		LogicalClock: c.LogicalClock,
		CapturedAt:   c.CapturedAt.UTC(),
		SyncStatus:   changelog.StatusSynced,
	}
}

// PushRequest is the body of POST /api/sync/push.
type PushRequest struct {
	NodeID  string   `json:"nodeId"`
	Changes []Change `json:"changes"`
}

// PushResponse is the reply to a push.
type PushResponse struct {
	Results []PushResult `json:"results"`
}

// PullResponse is the reply to GET /api/sync/pull.
type PullResponse struct {
	Changes []Change `json:"changes"`
	Cursor  string   `json:"cursor"`
	HasMore bool     `json:"hasMore"`
}

// ErrorResponse is returned by the authority on failure.
type ErrorResponse struct {
	Error string `json:"error"`
}

// BatchError is a failure affecting a whole push or pull call.
type BatchError struct {
	Op         string
	StatusCode int
	Err        error
}

func (e *BatchError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: remote returned %d: %v", e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *BatchError) Unwrap() error {
	return e.Err
}

// Timeout reports whether the call ran out of time.
func (e *BatchError) Timeout() bool {
	if errors.Is(e.Err, context.DeadlineExceeded) {
		return true
	}
	var t interface{ Timeout() bool }
	return errors.As(e.Err, &t) && t.Timeout()
}

// IsBatchError reports whether err is a batch-level transport failure.
func IsBatchError(err error) bool {
	var be *BatchError
	return errors.As(err, &be)
}
