package authority

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/livinlefevreloca/tillsync/internal/changelog"
	"github.com/livinlefevreloca/tillsync/internal/db"
	"github.com/livinlefevreloca/tillsync/internal/transport"
)

// Entry is one change held by the authority, in arrival order.
type Entry struct {
	Seq        int64
	Change     transport.Change
	ReceivedAt time.Time
}

// Log is the authority's append-only record of every accepted change.
type Log struct {
	db *db.DB
}

// NewLog wraps a database migrated with db.AuthorityMigrations.
func NewLog(database *db.DB) *Log {
	return &Log{db: database}
}

// Append stores change unless the same origin/id pair is already present.
// It reports whether the change was new.
func (l *Log) Append(ctx context.Context, change transport.Change, receivedAt time.Time) (bool, error) {
	var payload sql.NullString
	if len(change.Payload) > 0 {
		payload = sql.NullString{String: string(change.Payload), Valid: true}
	}

	res, err := l.db.ExecContext(ctx, `
		INSERT INTO authority_log (origin_node_id, change_id, table_name, row_id, operation,
			payload, logical_clock, captured_at, received_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (origin_node_id, change_id) DO NOTHING`,
		change.OriginNodeID, change.ID, change.Table, change.RowID, string(change.Operation),
		payload, change.LogicalClock, db.FormatTime(change.CapturedAt), db.FormatTime(receivedAt))
	if err != nil {
		return false, fmt.Errorf("append %s#%d: %w", change.OriginNodeID, change.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// Since returns up to limit entries after seq that did not originate from
// excludeNode. hasMore reports whether another page exists.
func (l *Log) Since(ctx context.Context, seq int64, excludeNode string, limit int) (entries []Entry, hasMore bool, err error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT seq, origin_node_id, change_id, table_name, row_id, operation,
			payload, logical_clock, captured_at, received_at
		FROM authority_log
		WHERE seq > ? AND origin_node_id != ?
		ORDER BY seq
		LIMIT ?`,
		seq, excludeNode, limit+1)
	if err != nil {
		return nil, false, fmt.Errorf("query authority log: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			e                    Entry
			op                   string
			payload              sql.NullString
			captured, receivedAt string
		)
		if err := rows.Scan(&e.Seq, &e.Change.OriginNodeID, &e.Change.ID, &e.Change.Table,
			&e.Change.RowID, &op, &payload, &e.Change.LogicalClock, &captured, &receivedAt); err != nil {
			return nil, false, err
		}
		e.Change.Operation = changelog.Operation(op)
		if payload.Valid {
			e.Change.Payload = []byte(payload.String)
		}
		if e.Change.CapturedAt, err = db.ParseTime(captured); err != nil {
			return nil, false, err
		}
		if e.ReceivedAt, err = db.ParseTime(receivedAt); err != nil {
			return nil, false, err
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, false, err
	}

	if len(entries) > limit {
		return entries[:limit], true, nil
	}
	return entries, false, nil
}

// Len returns the number of stored changes.
func (l *Log) Len(ctx context.Context) (int, error) {
	var n int
	err := l.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM authority_log").Scan(&n)
	return n, err
}
