package changelog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/livinlefevreloca/tillsync/internal/db"
)

// DefaultTables is the closed set of tables synchronized by default.
var DefaultTables = []string{"sales", "sale_items", "refunds", "customers", "suppliers", "products"}

// Recorder captures mutations of synchronized tables into the change log.
// It is called synchronously from business handlers inside their own
// transaction; a capture failure fails that transaction.
type Recorder struct {
	store  *Store
	tables map[string]bool
	now    func() time.Time
	logger *slog.Logger
}

// RecorderOption customises a Recorder.
type RecorderOption func(*Recorder)

// WithRecorderNow overrides the clock used for capturedAt.
func WithRecorderNow(now func() time.Time) RecorderOption {
	return func(r *Recorder) { r.now = now }
}

// NewRecorder creates a recorder accepting changes to tables.
func NewRecorder(store *Store, tables []string, logger *slog.Logger, opts ...RecorderOption) (*Recorder, error) {
	if store == nil {
		return nil, errors.New("changelog: store is required")
	}
	if len(tables) == 0 {
		return nil, errors.New("changelog: at least one synchronized table is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	set := make(map[string]bool, len(tables))
	for _, t := range tables {
		set[t] = true
	}

	r := &Recorder{
		store:  store,
		tables: set,
		now:    time.Now,
		logger: logger.With("component", "recorder"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Tracks reports whether table is synchronized.
func (r *Recorder) Tracks(table string) bool {
	return r.tables[table]
}

// Record appends one change with an explicit payload. Validation failures
// wrap ErrInvalidChange; storage failures wrap ErrChangeLogUnavailable.
func (r *Recorder) Record(ctx context.Context, tx *db.Tx, table, rowID string, op Operation, payload json.RawMessage) (*ChangeRecord, error) {
	if !r.tables[table] {
		return nil, invalid("table %q is not synchronized", table)
	}
	if rowID == "" {
		return nil, invalid("row id is required")
	}
	if !op.Valid() {
		return nil, invalid("unknown operation %q", op)
	}
	if op == OpDelete {
		payload = nil
	} else if len(payload) == 0 {
		return nil, invalid("%s of %s/%s carries no payload", op, table, rowID)
	} else if !json.Valid(payload) {
		return nil, invalid("payload for %s/%s is not valid JSON", table, rowID)
	}

	capture := func(err error) error {
		return &CaptureError{Table: table, RowID: rowID, Err: err}
	}

	clock, err := r.store.NextClock(ctx, tx)
	if err != nil {
		return nil, capture(err)
	}

	rec := &ChangeRecord{
		Table:        table,
		RowID:        rowID,
		Operation:    op,
		Payload:      payload,
		OriginNodeID: r.store.NodeID(),
		LogicalClock: clock,
		CapturedAt:   r.now().UTC(),
	}

	if err := r.store.Append(ctx, tx, rec); err != nil {
		return nil, capture(err)
	}
	if err := r.store.Rows().stamp(ctx, tx, rec); err != nil {
		return nil, capture(err)
	}

	r.logger.Debug("captured change",
		"id", rec.ID,
		"table", table,
		"row_id", rowID,
		"operation", op,
		"logical_clock", clock)
	return rec, nil
}

// LogChange records a mutation of table/rowID, snapshotting the row's
// current state from local_rows inside tx. rowID may be a string or any
// integer type.
func (r *Recorder) LogChange(ctx context.Context, tx *db.Tx, table string, rowID any, op Operation) error {
	id, err := formatRowID(rowID)
	if err != nil {
		return err
	}

	var payload json.RawMessage
	if op != OpDelete {
		row, err := r.store.Rows().Get(ctx, tx, RowKey{Table: table, RowID: id})
		if errors.Is(err, db.ErrNotFound) {
			return invalid("no state for %s/%s to snapshot", table, id)
		}
		if err != nil {
			return &CaptureError{Table: table, RowID: id, Err: err}
		}
		if row.Deleted {
			return invalid("cannot %s deleted row %s/%s", op, table, id)
		}
		payload = row.Payload
	}

	_, err = r.Record(ctx, tx, table, id, op, payload)
	return err
}

// Put writes a row and records the change in one step.
func (r *Recorder) Put(ctx context.Context, tx *db.Tx, table, rowID string, op Operation, payload json.RawMessage) (*ChangeRecord, error) {
	if op == OpDelete {
		return nil, invalid("use Delete to remove %s/%s", table, rowID)
	}
	if err := r.store.Rows().Put(ctx, tx, RowKey{Table: table, RowID: rowID}, payload); err != nil {
		return nil, err
	}
	return r.Record(ctx, tx, table, rowID, op, payload)
}

// Delete tombstones a row and records the deletion.
func (r *Recorder) Delete(ctx context.Context, tx *db.Tx, table, rowID string) (*ChangeRecord, error) {
	if err := r.store.Rows().Delete(ctx, tx, RowKey{Table: table, RowID: rowID}); err != nil {
		return nil, err
	}
	return r.Record(ctx, tx, table, rowID, OpDelete, nil)
}

func formatRowID(v any) (string, error) {
	switch id := v.(type) {
	case string:
		if id == "" {
			return "", invalid("row id is required")
		}
		return id, nil
	case int:
		return strconv.Itoa(id), nil
	case int32:
		return strconv.FormatInt(int64(id), 10), nil
	case int64:
		return strconv.FormatInt(id, 10), nil
	case uint:
		return strconv.FormatUint(uint64(id), 10), nil
	case uint32:
		return strconv.FormatUint(uint64(id), 10), nil
	case uint64:
		return strconv.FormatUint(id, 10), nil
	case fmt.Stringer:
		return formatRowID(id.String())
	default:
		return "", invalid("unsupported row id type %T", v)
	}
}
