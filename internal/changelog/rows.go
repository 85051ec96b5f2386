package changelog

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/livinlefevreloca/tillsync/internal/db"
)

// Row is the locally materialised state of one synchronized row together
// with the version of the write that produced it.
type Row struct {
	Table        string          `json:"table"`
	RowID        string          `json:"rowId"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	Deleted      bool            `json:"deleted"`
	OriginNodeID string          `json:"originNodeId"`
	LogicalClock int64           `json:"logicalClock"`
	CapturedAt   time.Time       `json:"capturedAt"`
	UpdatedAt    time.Time       `json:"updatedAt"`
}

// Version describes the row as the change that last wrote it, for
// comparison against an inbound record.
func (r *Row) Version() *ChangeRecord {
	op := OpUpdate
	if r.Deleted {
		op = OpDelete
	}
	return &ChangeRecord{
		Table:        r.Table,
		RowID:        r.RowID,
		Operation:    op,
		Payload:      r.Payload,
		OriginNodeID: r.OriginNodeID,
		LogicalClock: r.LogicalClock,
		CapturedAt:   r.CapturedAt,
		SyncStatus:   StatusSynced,
	}
}

// RowStore reads and writes local_rows. Every write goes through a caller
// transaction so it commits together with its change record.
type RowStore struct {
	now func() time.Time
}

// NewRowStore creates a row store stamping writes with now.
func NewRowStore(now func() time.Time) *RowStore {
	if now == nil {
		now = time.Now
	}
	return &RowStore{now: now}
}

// Get loads a row, returning db.ErrNotFound when it has never been written.
func (s *RowStore) Get(ctx context.Context, q Querier, key RowKey) (*Row, error) {
	var (
		row        = Row{Table: key.Table, RowID: key.RowID}
		payload    sql.NullString
		deleted    int
		capturedAt string
		updatedAt  string
	)

	err := q.QueryRowContext(ctx, `
		SELECT payload, deleted, origin_node_id, logical_clock, captured_at, updated_at
		FROM local_rows WHERE table_name = ? AND row_id = ?`,
		key.Table, key.RowID).
		Scan(&payload, &deleted, &row.OriginNodeID, &row.LogicalClock, &capturedAt, &updatedAt)
	if db.IsNotFound(err) {
		return nil, db.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load row %s: %w", key, err)
	}

	if payload.Valid {
		row.Payload = json.RawMessage(payload.String)
	}
	row.Deleted = deleted != 0
	if row.CapturedAt, err = db.ParseTime(capturedAt); err != nil {
		return nil, err
	}
	if row.UpdatedAt, err = db.ParseTime(updatedAt); err != nil {
		return nil, err
	}
	return &row, nil
}

// Put writes the current state of a row. The version columns are stamped
// when the matching change is recorded.
func (s *RowStore) Put(ctx context.Context, tx *db.Tx, key RowKey, payload json.RawMessage) error {
	if !json.Valid(payload) {
		return invalid("payload for %s is not valid JSON", key)
	}
	now := db.FormatTime(s.now())

	_, err := tx.ExecContext(ctx, `
		INSERT INTO local_rows (table_name, row_id, payload, deleted, origin_node_id,
			logical_clock, captured_at, updated_at)
		VALUES (?, ?, ?, 0, '', 0, ?, ?)
		ON CONFLICT (table_name, row_id) DO UPDATE SET
			payload = excluded.payload,
			deleted = 0,
			updated_at = excluded.updated_at`,
		key.Table, key.RowID, string(payload), now, now)
	if err != nil {
		return fmt.Errorf("write row %s: %w", key, err)
	}
	return nil
}

// Delete tombstones a row. Tombstones keep their version so a late, older
// write cannot resurrect the row.
func (s *RowStore) Delete(ctx context.Context, tx *db.Tx, key RowKey) error {
	now := db.FormatTime(s.now())

	_, err := tx.ExecContext(ctx, `
		INSERT INTO local_rows (table_name, row_id, payload, deleted, origin_node_id,
			logical_clock, captured_at, updated_at)
		VALUES (?, ?, NULL, 1, '', 0, ?, ?)
		ON CONFLICT (table_name, row_id) DO UPDATE SET
			payload = NULL,
			deleted = 1,
			updated_at = excluded.updated_at`,
		key.Table, key.RowID, now, now)
	if err != nil {
		return fmt.Errorf("delete row %s: %w", key, err)
	}
	return nil
}

// stamp records which change produced the row's current state.
func (s *RowStore) stamp(ctx context.Context, tx *db.Tx, rec *ChangeRecord) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE local_rows SET origin_node_id = ?, logical_clock = ?, captured_at = ?
		WHERE table_name = ? AND row_id = ?`,
		rec.OriginNodeID, rec.LogicalClock, db.FormatTime(rec.CapturedAt), rec.Table, rec.RowID)
	if err != nil {
		return fmt.Errorf("stamp row %s: %w", rec.Key(), err)
	}
	return nil
}

// applyRecord replaces the row with the state carried by rec.
func (s *RowStore) applyRecord(ctx context.Context, tx *db.Tx, rec *ChangeRecord, now time.Time) error {
	var payload sql.NullString
	deleted := 0
	if rec.Operation == OpDelete {
		deleted = 1
	} else {
		payload = sql.NullString{String: string(rec.Payload), Valid: true}
	}

	_, err := tx.ExecContext(ctx, `
		INSERT INTO local_rows (table_name, row_id, payload, deleted, origin_node_id,
			logical_clock, captured_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (table_name, row_id) DO UPDATE SET
			payload = excluded.payload,
			deleted = excluded.deleted,
			origin_node_id = excluded.origin_node_id,
			logical_clock = excluded.logical_clock,
			captured_at = excluded.captured_at,
			updated_at = excluded.updated_at`,
		rec.Table, rec.RowID, payload, deleted, rec.OriginNodeID, rec.LogicalClock,
		db.FormatTime(rec.CapturedAt), db.FormatTime(now))
	if err != nil {
		return fmt.Errorf("apply %s to row %s: %w", rec.Operation, rec.Key(), err)
	}
	return nil
}
