package stats

import (
	"context"
	"fmt"
	"time"

	"github.com/livinlefevreloca/tillsync/internal/db"
)

// Writer persists flushed periods
type Writer interface {
	WritePeriod(ctx context.Context, p Period) error
	Prune(ctx context.Context, before time.Time) (int64, error)
}

// DBWriter stores periods in the sync_stats table
type DBWriter struct {
	db *db.DB
}

// NewDBWriter creates a writer over the terminal database
func NewDBWriter(database *db.DB) *DBWriter {
	return &DBWriter{db: database}
}

// WritePeriod inserts p, or merges it into the row already written for the
// same period by an earlier flush.
func (w *DBWriter) WritePeriod(ctx context.Context, p Period) error {
	_, err := w.db.ExecContext(ctx, `
		INSERT INTO sync_stats (
			period_id, start_time, end_time, sessions, sessions_failed,
			scheduled_sessions, manual_sessions, records_pushed, records_pulled,
			conflicts, failures, min_duration_us, max_duration_us, avg_duration_us
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(period_id) DO UPDATE SET
			end_time = excluded.end_time,
			avg_duration_us = (avg_duration_us * sessions + excluded.avg_duration_us * excluded.sessions)
				/ (sessions + excluded.sessions),
			sessions = sessions + excluded.sessions,
			sessions_failed = sessions_failed + excluded.sessions_failed,
			scheduled_sessions = scheduled_sessions + excluded.scheduled_sessions,
			manual_sessions = manual_sessions + excluded.manual_sessions,
			records_pushed = records_pushed + excluded.records_pushed,
			records_pulled = records_pulled + excluded.records_pulled,
			conflicts = conflicts + excluded.conflicts,
			failures = failures + excluded.failures,
			min_duration_us = min(min_duration_us, excluded.min_duration_us),
			max_duration_us = max(max_duration_us, excluded.max_duration_us)`,
		p.PeriodID,
		db.FormatTime(p.StartTime),
		db.FormatTime(p.EndTime),
		p.Sessions,
		p.SessionsFailed,
		p.ScheduledSessions,
		p.ManualSessions,
		p.RecordsPushed,
		p.RecordsPulled,
		p.Conflicts,
		p.Failures,
		p.MinDuration.Microseconds(),
		p.MaxDuration.Microseconds(),
		float64(p.AvgDuration.Microseconds()),
	)
	if err != nil {
		return fmt.Errorf("write stats period %s: %w", p.PeriodID, err)
	}
	return nil
}

// Prune deletes periods that ended before the cutoff
func (w *DBWriter) Prune(ctx context.Context, before time.Time) (int64, error) {
	res, err := w.db.ExecContext(ctx, `DELETE FROM sync_stats WHERE end_time < ?`, db.FormatTime(before))
	if err != nil {
		return 0, fmt.Errorf("prune stats: %w", err)
	}
	return res.RowsAffected()
}

// Recent returns up to limit periods, newest first
func (w *DBWriter) Recent(ctx context.Context, limit int) ([]Period, error) {
	rows, err := w.db.QueryContext(ctx, `
		SELECT period_id, start_time, end_time, sessions, sessions_failed,
			scheduled_sessions, manual_sessions, records_pushed, records_pulled,
			conflicts, failures, min_duration_us, max_duration_us, avg_duration_us
		FROM sync_stats
		ORDER BY start_time DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list stats: %w", err)
	}
	defer rows.Close()

	var periods []Period
	for rows.Next() {
		var (
			p            Period
			start, end   string
			minUs, maxUs int64
			avgUs        float64
		)
		if err := rows.Scan(&p.PeriodID, &start, &end, &p.Sessions, &p.SessionsFailed,
			&p.ScheduledSessions, &p.ManualSessions, &p.RecordsPushed, &p.RecordsPulled,
			&p.Conflicts, &p.Failures, &minUs, &maxUs, &avgUs); err != nil {
			return nil, fmt.Errorf("scan stats: %w", err)
		}
		if p.StartTime, err = db.ParseTime(start); err != nil {
			return nil, err
		}
		if p.EndTime, err = db.ParseTime(end); err != nil {
			return nil, err
		}
		p.MinDuration = time.Duration(minUs) * time.Microsecond
		p.MaxDuration = time.Duration(maxUs) * time.Microsecond
		p.AvgDuration = time.Duration(avgUs * float64(time.Microsecond))
		periods = append(periods, p)
	}
	return periods, rows.Err()
}
