package changelog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/livinlefevreloca/tillsync/internal/db"
)

// Querier is satisfied by both *db.DB and *db.Tx.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

const recordColumns = `id, table_name, row_id, operation, payload, origin_node_id,
	logical_clock, captured_at, sync_status, attempt_count, last_attempt_at, last_error`

const (
	stateKeyPullCursor    = "pull_cursor"
	stateKeyLastSuccessAt = "last_success_at"
	stateKeyNodeID        = "node_id"
)

// Store is the durable change log plus the sync bookkeeping kept beside it.
type Store struct {
	db       *db.DB
	rows     *RowStore
	nodeID   string
	resolver Resolver
	logger   *slog.Logger
	now      func() time.Time
}

// StoreOption customises a Store.
type StoreOption func(*Store)

// WithNow overrides the wall clock used for bookkeeping timestamps.
func WithNow(now func() time.Time) StoreOption {
	return func(s *Store) { s.now = now }
}

// NewStore creates a store for the node identified by nodeID. The node row
// must exist; see EnsureNode.
func NewStore(database *db.DB, nodeID string, resolver Resolver, logger *slog.Logger, opts ...StoreOption) (*Store, error) {
	if database == nil {
		return nil, errors.New("changelog: database is required")
	}
	if nodeID == "" {
		return nil, errors.New("changelog: node id is required")
	}
	if resolver == nil {
		return nil, errors.New("changelog: resolver is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	s := &Store{
		db:       database,
		nodeID:   nodeID,
		resolver: resolver,
		logger:   logger.With("component", "changelog", "node_id", nodeID),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.rows = NewRowStore(s.now)
	return s, nil
}

// NodeID returns the identity records are captured under.
func (s *Store) NodeID() string {
	return s.nodeID
}

// DB exposes the underlying database so business writes can share a
// transaction with the recorder.
func (s *Store) DB() *db.DB {
	return s.db
}

// Rows returns the local row store.
func (s *Store) Rows() *RowStore {
	return s.rows
}

// Append inserts rec into the change log inside tx. On success rec carries
// its assigned id and pending status.
func (s *Store) Append(ctx context.Context, tx *db.Tx, rec *ChangeRecord) error {
	if err := validateRecord(rec); err != nil {
		return err
	}

	var payload sql.NullString
	if rec.Payload != nil {
		payload = sql.NullString{String: string(rec.Payload), Valid: true}
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO change_log (table_name, row_id, operation, payload, origin_node_id,
			logical_clock, captured_at, sync_status, attempt_count, last_error)
		VALUES (?, ?, ?, ?, ?, ?, ?, 'pending', 0, '')`,
		rec.Table, rec.RowID, string(rec.Operation), payload, rec.OriginNodeID,
		rec.LogicalClock, db.FormatTime(rec.CapturedAt))
	if err != nil {
		return fmt.Errorf("insert change record: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("read change record id: %w", err)
	}

	rec.ID = id
	rec.SyncStatus = StatusPending
	rec.AttemptCount = 0
	rec.LastAttemptAt = nil
	rec.LastError = ""
	return nil
}

// NextClock advances this node's logical clock inside tx.
func (s *Store) NextClock(ctx context.Context, tx *db.Tx) (int64, error) {
	var clock int64
	err := tx.QueryRowContext(ctx,
		"UPDATE sync_node SET logical_clock = logical_clock + 1 WHERE node_id = ? RETURNING logical_clock",
		s.nodeID).Scan(&clock)
	if db.IsNotFound(err) {
		return 0, fmt.Errorf("node %s is not registered", s.nodeID)
	}
	if err != nil {
		return 0, fmt.Errorf("advance logical clock: %w", err)
	}
	return clock, nil
}

// SelectPending claims up to limit pending or failed records in id order and
// marks them in_flight. Concurrent callers never receive the same record.
func (s *Store) SelectPending(ctx context.Context, limit int) ([]ChangeRecord, error) {
	return s.Claim(ctx, ClaimOptions{Limit: limit, IncludeFailed: true})
}

// Claim atomically moves the oldest claimable records to in_flight,
// incrementing their attempt count.
func (s *Store) Claim(ctx context.Context, opts ClaimOptions) ([]ChangeRecord, error) {
	if opts.Limit <= 0 {
		return nil, fmt.Errorf("claim limit must be positive, got %d", opts.Limit)
	}

	claimable := []any{string(StatusPending)}
	if opts.IncludeFailed {
		claimable = append(claimable, string(StatusFailed))
	}
	in := placeholders(len(claimable))

	args := []any{db.FormatTime(s.now())}
	args = append(args, claimable...)
	args = append(args, opts.AfterID, opts.Limit)
	args = append(args, claimable...)

	var claimed []ChangeRecord
	err := s.db.WithTransaction(ctx, func(tx *db.Tx) error {
		rows, err := tx.QueryContext(ctx, `
			UPDATE change_log
			SET sync_status = 'in_flight',
				attempt_count = attempt_count + 1,
				last_attempt_at = ?
			WHERE id IN (
				SELECT id FROM change_log
				WHERE sync_status IN (`+in+`) AND id > ?
				ORDER BY id
				LIMIT ?
			) AND sync_status IN (`+in+`)
			RETURNING `+recordColumns, args...)
		if err != nil {
			return err
		}
		claimed, err = scanRecords(rows)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("claim records: %w", err)
	}

	sort.Slice(claimed, func(i, j int) bool { return claimed[i].ID < claimed[j].ID })

	if len(claimed) > 0 {
		s.logger.Debug("claimed change records",
			"count", len(claimed),
			"first_id", claimed[0].ID,
			"include_failed", opts.IncludeFailed)
	}
	return claimed, nil
}

var allowedFrom = map[Status][]Status{
	StatusInFlight:   {StatusPending, StatusFailed},
	StatusSynced:     {StatusInFlight},
	StatusFailed:     {StatusInFlight, StatusPending},
	StatusPending:    {StatusInFlight, StatusFailed},
	StatusConflicted: {StatusPending, StatusFailed, StatusInFlight},
}

// MarkStatus moves one record to status. The transition is a
// compare-and-set against the states status may be entered from; a record
// in any other state yields ErrClaimLost.
func (s *Store) MarkStatus(ctx context.Context, id int64, status Status, errMsg string) error {
	return s.db.WithTransaction(ctx, func(tx *db.Tx) error {
		return s.markStatus(ctx, tx, id, status, errMsg)
	})
}

// Ack is the outcome of pushing a single record.
type Ack struct {
	ID     int64
	Status Status
	Error  string
}

// MarkResults applies a batch of acknowledgements in one transaction.
func (s *Store) MarkResults(ctx context.Context, acks []Ack) error {
	if len(acks) == 0 {
		return nil
	}
	return s.db.WithTransaction(ctx, func(tx *db.Tx) error {
		for _, ack := range acks {
			if err := s.markStatus(ctx, tx, ack.ID, ack.Status, ack.Error); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Store) markStatus(ctx context.Context, q Querier, id int64, status Status, errMsg string) error {
	from, ok := allowedFrom[status]
	if !ok {
		return fmt.Errorf("cannot mark record %d as %q", id, status)
	}

	args := []any{string(status), errMsg, id}
	for _, st := range from {
		args = append(args, string(st))
	}

	res, err := q.ExecContext(ctx, `
		UPDATE change_log SET sync_status = ?, last_error = ?
		WHERE id = ? AND sync_status IN (`+placeholders(len(from))+`)`, args...)
	if err != nil {
		return fmt.Errorf("mark record %d %s: %w", id, status, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}

	var current string
	err = q.QueryRowContext(ctx, "SELECT sync_status FROM change_log WHERE id = ?", id).Scan(&current)
	if db.IsNotFound(err) {
		return fmt.Errorf("%w: %d", ErrRecordNotFound, id)
	}
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: record %d is %s, cannot become %s", ErrClaimLost, id, current, status)
}

// ReleaseClaims returns in_flight records to pending after a failed
// transmission. Records whose attempt count reached maxAttempts become
// failed instead. maxAttempts <= 0 disables the limit.
func (s *Store) ReleaseClaims(ctx context.Context, ids []int64, cause string, maxAttempts int) (released, exhausted int, err error) {
	if len(ids) == 0 {
		return 0, 0, nil
	}

	idArgs := make([]any, len(ids))
	for i, id := range ids {
		idArgs[i] = id
	}
	in := placeholders(len(ids))

	err = s.db.WithTransaction(ctx, func(tx *db.Tx) error {
		if maxAttempts > 0 {
			args := append([]any{cause, maxAttempts}, idArgs...)
			res, err := tx.ExecContext(ctx, `
				UPDATE change_log SET sync_status = 'failed', last_error = ?
				WHERE sync_status = 'in_flight' AND attempt_count >= ? AND id IN (`+in+`)`, args...)
			if err != nil {
				return err
			}
			n, _ := res.RowsAffected()
			exhausted = int(n)
		}

		args := append([]any{cause}, idArgs...)
		res, err := tx.ExecContext(ctx, `
			UPDATE change_log SET sync_status = 'pending', last_error = ?
			WHERE sync_status = 'in_flight' AND id IN (`+in+`)`, args...)
		if err != nil {
			return err
		}
		n, _ := res.RowsAffected()
		released = int(n)
		return nil
	})
	if err != nil {
		return 0, 0, fmt.Errorf("release claims: %w", err)
	}

	if exhausted > 0 {
		s.logger.Warn("change records exhausted their attempts",
			"count", exhausted,
			"max_attempts", maxAttempts,
			"cause", cause)
	}
	return released, exhausted, nil
}

// RecoverInFlight releases claims whose last transmission started at least
// lease ago. Claims held by a live session are younger than the lease and
// stay in_flight, so another process sharing the database cannot take them.
func (s *Store) RecoverInFlight(ctx context.Context, lease time.Duration) (int, error) {
	cutoff := db.FormatTime(s.now().Add(-lease))
	res, err := s.db.ExecContext(ctx, `
		UPDATE change_log SET sync_status = 'pending', last_error = ?
		WHERE sync_status = 'in_flight'
			AND (last_attempt_at IS NULL OR last_attempt_at <= ?)`,
		"claim lease expired", cutoff)
	if err != nil {
		return 0, fmt.Errorf("recover in-flight records: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// ApplyRemote applies an inbound record from the remote authority.
// Replaying a record that was already applied is a no-op.
func (s *Store) ApplyRemote(ctx context.Context, rec *ChangeRecord) (ApplyResult, error) {
	if err := validateRecord(rec); err != nil {
		return ApplyResult{}, err
	}
	if rec.OriginNodeID == s.nodeID {
		return ApplyResult{Outcome: OutcomeEcho}, nil
	}

	var result ApplyResult
	err := s.db.WithTransaction(ctx, func(tx *db.Tx) error {
		var err error
		result, err = s.applyRemote(ctx, tx, rec)
		return err
	})
	if err != nil {
		return ApplyResult{}, fmt.Errorf("apply remote %s#%d: %w", rec.OriginNodeID, rec.ID, err)
	}

	if result.Conflict() {
		s.logger.Info("resolved sync conflict",
			"table", rec.Table,
			"row_id", rec.RowID,
			"remote_origin", rec.OriginNodeID,
			"remote_id", rec.ID,
			"outcome", result.Outcome,
			"conflicted_local", len(result.Conflicted),
			"reason", result.Reason)
	}
	return result, nil
}

func (s *Store) applyRemote(ctx context.Context, tx *db.Tx, rec *ChangeRecord) (ApplyResult, error) {
	var exists int
	err := tx.QueryRowContext(ctx,
		"SELECT 1 FROM inbound_changes WHERE origin_node_id = ? AND change_id = ?",
		rec.OriginNodeID, rec.ID).Scan(&exists)
	if err == nil {
		return ApplyResult{Outcome: OutcomeDuplicate}, nil
	}
	if !db.IsNotFound(err) {
		return ApplyResult{}, err
	}

	current, err := s.rows.Get(ctx, tx, rec.Key())
	if err != nil && !errors.Is(err, db.ErrNotFound) {
		return ApplyResult{}, err
	}

	local, err := s.latestUnsynced(ctx, tx, rec.Key())
	if err != nil {
		return ApplyResult{}, err
	}

	var result ApplyResult
	switch {
	case current != nil && current.OriginNodeID == rec.OriginNodeID && current.LogicalClock >= rec.LogicalClock:
		result = ApplyResult{
			Outcome: OutcomeStale,
			Reason:  fmt.Sprintf("row already at clock %d from %s", current.LogicalClock, current.OriginNodeID),
		}

	case local != nil:
		verdict := s.resolver.Resolve(local, rec)
		if verdict.Winner == SideLocal {
			result = ApplyResult{Outcome: OutcomeLocalWins, Reason: verdict.Reason}
			break
		}
		conflicted, err := s.supersedeLocal(ctx, tx, rec, verdict.Reason)
		if err != nil {
			return ApplyResult{}, err
		}
		result = ApplyResult{Outcome: OutcomeApplied, Conflicted: conflicted, Reason: verdict.Reason}

	case current != nil:
		verdict := s.resolver.Resolve(current.Version(), rec)
		if verdict.Winner == SideLocal {
			result = ApplyResult{Outcome: OutcomeStale, Reason: verdict.Reason}
			break
		}
		result = ApplyResult{Outcome: OutcomeApplied, Reason: verdict.Reason}

	default:
		result = ApplyResult{Outcome: OutcomeApplied, Reason: "no local version"}
	}

	if result.Outcome == OutcomeApplied {
		if err := s.rows.applyRecord(ctx, tx, rec, s.now()); err != nil {
			return ApplyResult{}, err
		}
	}

	if err := s.recordInbound(ctx, tx, rec, result); err != nil {
		return ApplyResult{}, err
	}
	return result, nil
}

// latestUnsynced returns the newest local record for key still waiting to
// be pushed.
func (s *Store) latestUnsynced(ctx context.Context, q Querier, key RowKey) (*ChangeRecord, error) {
	row := q.QueryRowContext(ctx, `
		SELECT `+recordColumns+` FROM change_log
		WHERE table_name = ? AND row_id = ? AND origin_node_id = ?
			AND sync_status IN ('pending', 'failed')
		ORDER BY id DESC LIMIT 1`,
		key.Table, key.RowID, s.nodeID)

	rec, err := scanRecord(row)
	if db.IsNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return rec, nil
}

func (s *Store) supersedeLocal(ctx context.Context, tx *db.Tx, remote *ChangeRecord, reason string) ([]int64, error) {
	rows, err := tx.QueryContext(ctx, `
		SELECT id FROM change_log
		WHERE table_name = ? AND row_id = ? AND origin_node_id = ?
			AND sync_status IN ('pending', 'failed')
		ORDER BY id`,
		remote.Table, remote.RowID, s.nodeID)
	if err != nil {
		return nil, err
	}

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	msg := fmt.Sprintf("superseded by %s#%d: %s", remote.OriginNodeID, remote.ID, reason)
	for _, id := range ids {
		if err := s.markStatus(ctx, tx, id, StatusConflicted, msg); err != nil {
			return nil, err
		}
	}
	return ids, nil
}

func (s *Store) recordInbound(ctx context.Context, tx *db.Tx, rec *ChangeRecord, result ApplyResult) error {
	var payload sql.NullString
	if rec.Payload != nil {
		payload = sql.NullString{String: string(rec.Payload), Valid: true}
	}

	_, err := tx.ExecContext(ctx, `
		INSERT INTO inbound_changes (origin_node_id, change_id, table_name, row_id, operation,
			payload, logical_clock, captured_at, outcome, reason, received_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (origin_node_id, change_id) DO NOTHING`,
		rec.OriginNodeID, rec.ID, rec.Table, rec.RowID, string(rec.Operation),
		payload, rec.LogicalClock, db.FormatTime(rec.CapturedAt),
		string(result.Outcome), result.Reason, db.FormatTime(s.now()))
	if err != nil {
		return fmt.Errorf("record inbound change: %w", err)
	}
	return nil
}

// Get loads one record by id.
func (s *Store) Get(ctx context.Context, id int64) (*ChangeRecord, error) {
	rec, err := scanRecord(s.db.QueryRowContext(ctx,
		"SELECT "+recordColumns+" FROM change_log WHERE id = ?", id))
	if db.IsNotFound(err) {
		return nil, fmt.Errorf("%w: %d", ErrRecordNotFound, id)
	}
	return rec, err
}

// List returns records matching filter in id order.
func (s *Store) List(ctx context.Context, filter ListFilter) ([]ChangeRecord, error) {
	var where []string
	var args []any

	if len(filter.Statuses) > 0 {
		where = append(where, "sync_status IN ("+placeholders(len(filter.Statuses))+")")
		for _, st := range filter.Statuses {
			args = append(args, string(st))
		}
	}
	if filter.Table != "" {
		where = append(where, "table_name = ?")
		args = append(args, filter.Table)
	}
	if filter.AfterID > 0 {
		where = append(where, "id > ?")
		args = append(args, filter.AfterID)
	}

	query := "SELECT " + recordColumns + " FROM change_log"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY id"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list change records: %w", err)
	}
	return scanRecords(rows)
}

// Counts returns the number of records in each status.
func (s *Store) Counts(ctx context.Context) (Counts, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT sync_status, COUNT(*) FROM change_log GROUP BY sync_status")
	if err != nil {
		return Counts{}, fmt.Errorf("count change records: %w", err)
	}
	defer rows.Close()

	var c Counts
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return Counts{}, err
		}
		switch Status(status) {
		case StatusPending:
			c.Pending = n
		case StatusInFlight:
			c.InFlight = n
		case StatusSynced:
			c.Synced = n
		case StatusFailed:
			c.Failed = n
		case StatusConflicted:
			c.Conflicted = n
		}
	}
	return c, rows.Err()
}

// PullCursor returns the last fully applied pull cursor, or "".
func (s *Store) PullCursor(ctx context.Context) (string, error) {
	cursor, err := getState(ctx, s.db, stateKeyPullCursor)
	if errors.Is(err, db.ErrNotFound) {
		return "", nil
	}
	return cursor, err
}

// SetPullCursor persists cursor once every record before it is applied.
func (s *Store) SetPullCursor(ctx context.Context, cursor string) error {
	return setState(ctx, s.db, stateKeyPullCursor, cursor, s.now())
}

// LastSuccessAt returns when the last fully successful session completed.
func (s *Store) LastSuccessAt(ctx context.Context) (*time.Time, error) {
	v, err := getState(ctx, s.db, stateKeyLastSuccessAt)
	if errors.Is(err, db.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	t, err := db.ParseTime(v)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// SetLastSuccessAt records a successful session completion.
func (s *Store) SetLastSuccessAt(ctx context.Context, at time.Time) error {
	return setState(ctx, s.db, stateKeyLastSuccessAt, db.FormatTime(at), s.now())
}

func getState(ctx context.Context, q Querier, key string) (string, error) {
	var value string
	err := q.QueryRowContext(ctx, "SELECT value FROM sync_state WHERE key = ?", key).Scan(&value)
	if db.IsNotFound(err) {
		return "", db.ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("read sync state %s: %w", key, err)
	}
	return value, nil
}

func setState(ctx context.Context, q Querier, key, value string, now time.Time) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO sync_state (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT (key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, db.FormatTime(now))
	if err != nil {
		return fmt.Errorf("write sync state %s: %w", key, err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*ChangeRecord, error) {
	var (
		rec         ChangeRecord
		op, status  string
		payload     sql.NullString
		capturedAt  string
		lastAttempt sql.NullString
	)

	err := row.Scan(&rec.ID, &rec.Table, &rec.RowID, &op, &payload, &rec.OriginNodeID,
		&rec.LogicalClock, &capturedAt, &status, &rec.AttemptCount, &lastAttempt, &rec.LastError)
	if err != nil {
		return nil, err
	}

	rec.Operation = Operation(op)
	rec.SyncStatus = Status(status)
	if payload.Valid {
		rec.Payload = []byte(payload.String)
	}
	if rec.CapturedAt, err = db.ParseTime(capturedAt); err != nil {
		return nil, err
	}
	if rec.LastAttemptAt, err = db.ParseNullTime(lastAttempt); err != nil {
		return nil, err
	}
	return &rec, nil
}

func scanRecords(rows *sql.Rows) ([]ChangeRecord, error) {
	defer rows.Close()

	var records []ChangeRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, *rec)
	}
	return records, rows.Err()
}

func validateRecord(rec *ChangeRecord) error {
	switch {
	case rec == nil:
		return invalid("nil record")
	case rec.Table == "":
		return invalid("table is required")
	case rec.RowID == "":
		return invalid("row id is required")
	case !rec.Operation.Valid():
		return invalid("unknown operation %q", rec.Operation)
	case rec.OriginNodeID == "":
		return invalid("origin node id is required")
	case rec.Operation != OpDelete && len(rec.Payload) == 0:
		return invalid("%s of %s/%s carries no payload", rec.Operation, rec.Table, rec.RowID)
	}
	return nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
