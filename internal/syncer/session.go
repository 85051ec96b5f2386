package syncer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/livinlefevreloca/tillsync/internal/changelog"
	"github.com/livinlefevreloca/tillsync/internal/transport"
)

const bookkeepingTimeout = 5 * time.Second

// errBudgetExceeded marks a session that ran past SessionTimeout.
var errBudgetExceeded = errors.New("session budget exceeded")

// sessionRun carries the mutable state of one session.
type sessionRun struct {
	s       *Syncer
	session SyncSession
	state   State
	// held are claims this session has not yet resolved.
	held map[int64]struct{}
	// backoff is how long scheduled sessions wait after this one fails.
	backoff time.Duration
}

func (s *Syncer) runSession(trigger Trigger) SyncSession {
	s.syncing.Store(true)
	defer s.syncing.Store(false)

	r := &sessionRun{
		s: s,
		session: SyncSession{
			SessionID: uuid.NewString(),
			Direction: s.config.Direction,
			Trigger:   trigger,
			StartedAt: s.now(),
			States:    []State{StateIdle},
		},
		state: StateIdle,
		held:  make(map[int64]struct{}),
	}

	logger := s.logger.With("session_id", r.session.SessionID)
	logger.Info("sync session started", "trigger", trigger, "direction", s.config.Direction)

	ctx, cancel := context.WithTimeout(s.baseCtx, s.config.SessionTimeout)
	err := r.execute(ctx)
	if err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		err = fmt.Errorf("%w after %v: %v", errBudgetExceeded, s.config.SessionTimeout, err)
	}
	cancel()

	r.releaseHeld(err)

	completed := s.now()
	r.session.CompletedAt = &completed

	if err != nil {
		r.transition(StateFailed)
		r.session.Error = err.Error()
		if r.backoff == 0 {
			r.backoff = s.backoff(0)
		}
		logger.Error("sync session failed",
			"error", err,
			"pushed", r.session.Pushed,
			"pulled", r.session.Pulled,
			"failures", r.session.Failures,
			"retry_in", r.backoff)
	} else {
		bctx, bcancel := context.WithTimeout(context.Background(), bookkeepingTimeout)
		if perr := s.store.SetLastSuccessAt(bctx, completed); perr != nil {
			logger.Warn("failed to persist last success time", "error", perr)
		}
		bcancel()
		logger.Info("sync session completed",
			"pushed", r.session.Pushed,
			"pulled", r.session.Pulled,
			"conflicts", r.session.Conflicts,
			"failures", r.session.Failures,
			"rejected", r.session.Rejected,
			"duration", completed.Sub(r.session.StartedAt))
	}
	r.transition(StateIdle)

	s.finish(r.session, r.backoff)
	return r.session
}

func (r *sessionRun) execute(ctx context.Context) error {
	dir := r.s.config.Direction

	if dir.pushes() {
		r.transition(StatePushing)
		if err := r.push(ctx); err != nil {
			return fmt.Errorf("push: %w", err)
		}
	}

	if dir.pulls() {
		r.transition(StatePulling)
		if err := r.pull(ctx); err != nil {
			return fmt.Errorf("pull: %w", err)
		}
	}

	return nil
}

func (r *sessionRun) transition(to State) {
	if !canTransition(r.state, to) {
		r.s.logger.Error("invalid sync state transition", "from", r.state, "to", to)
		return
	}
	r.s.logger.Debug("sync state transition", "session_id", r.session.SessionID, "from", r.state, "to", to)
	r.state = to
	r.session.States = append(r.session.States, to)
	r.s.setState(to)
}

// push transmits claimed batches until the log is drained, the batch budget
// is spent or transmission keeps failing.
func (r *sessionRun) push(ctx context.Context) error {
	cfg := r.s.config
	opts := changelog.ClaimOptions{
		Limit:         cfg.BatchSize,
		IncludeFailed: r.session.Trigger == TriggerManual,
	}

	if n, err := r.s.store.RecoverInFlight(ctx, r.s.claimLease()); err != nil {
		return err
	} else if n > 0 {
		r.s.logger.Warn("released expired claims",
			"session_id", r.session.SessionID,
			"count", n)
	}

	var lastErr error
	failures := 0
	for batches := 0; batches < cfg.MaxBatchesPerSession; {
		if err := ctx.Err(); err != nil {
			return err
		}

		batch, err := r.s.store.Claim(ctx, opts)
		if err != nil {
			return err
		}
		if len(batch) == 0 {
			if failures > 0 {
				// Every record of the failed batch ran out of attempts.
				return fmt.Errorf("attempts exhausted after %d failures: %w", failures, lastErr)
			}
			return nil
		}
		r.hold(batch)

		results, err := r.s.client.Push(ctx, batch)
		if err != nil {
			r.session.Failures++
			failures++
			lastErr = err
			r.release(batch, err.Error())

			if ctx.Err() != nil {
				return err
			}

			// attemptCount already includes this transmission.
			delay := r.s.backoff(maxAttempt(batch) - 1)
			r.backoff = delay
			if failures > cfg.Retries {
				return fmt.Errorf("giving up after %d attempts: %w", failures, err)
			}

			r.s.logger.Warn("push failed, backing off",
				"session_id", r.session.SessionID,
				"records", len(batch),
				"attempt", failures,
				"delay", delay,
				"error", err)
			if err := r.s.sleep(ctx, delay); err != nil {
				return err
			}
			continue
		}

		failures = 0
		if err := r.acknowledge(ctx, batch, results); err != nil {
			return err
		}
		opts.AfterID = batch[len(batch)-1].ID
		batches++
	}

	return nil
}

// acknowledge applies per-record results. Records the authority did not
// answer for are released for a later attempt.
func (r *sessionRun) acknowledge(ctx context.Context, batch []changelog.ChangeRecord, results []transport.PushResult) error {
	byID := make(map[int64]transport.PushResult, len(results))
	for _, res := range results {
		byID[res.ID] = res
	}

	var (
		acks       []changelog.Ack
		unanswered []changelog.ChangeRecord
	)
	for _, rec := range batch {
		res, ok := byID[rec.ID]
		switch {
		case !ok || res.OriginNodeID != rec.OriginNodeID:
			unanswered = append(unanswered, rec)
		case res.Status == transport.PushAccepted:
			acks = append(acks, changelog.Ack{ID: rec.ID, Status: changelog.StatusSynced})
			r.session.Pushed++
		case res.Status == transport.PushRejected:
			reason := res.Error
			if reason == "" {
				reason = "rejected by remote"
			}
			acks = append(acks, changelog.Ack{ID: rec.ID, Status: changelog.StatusFailed, Error: reason})
			r.session.Failures++
			r.session.Rejected++
			r.s.logger.Warn("change record rejected",
				"session_id", r.session.SessionID,
				"id", rec.ID,
				"table", rec.Table,
				"row_id", rec.RowID,
				"reason", reason)
		default:
			unanswered = append(unanswered, rec)
		}
	}

	bctx, cancel := r.bookkeepingContext(ctx)
	defer cancel()

	if err := r.s.store.MarkResults(bctx, acks); err != nil {
		return err
	}
	for _, ack := range acks {
		delete(r.held, ack.ID)
	}

	if len(unanswered) > 0 {
		r.release(unanswered, "no acknowledgement from remote")
	}
	return nil
}

// pull applies pages from the authority, advancing the cursor only after a
// whole page has been applied.
func (r *sessionRun) pull(ctx context.Context) error {
	cfg := r.s.config

	cursor, err := r.s.store.PullCursor(ctx)
	if err != nil {
		return err
	}

	failures := 0
	for pages := 0; pages < cfg.MaxPullPages; {
		if err := ctx.Err(); err != nil {
			return err
		}

		batch, err := r.s.client.Pull(ctx, cursor, cfg.PullLimit)
		if err != nil {
			r.session.Failures++
			failures++
			if ctx.Err() != nil {
				return err
			}

			delay := r.s.backoff(failures - 1)
			r.backoff = delay
			if failures > cfg.Retries {
				return fmt.Errorf("giving up after %d attempts: %w", failures, err)
			}

			r.s.logger.Warn("pull failed, backing off",
				"session_id", r.session.SessionID,
				"cursor", cursor,
				"attempt", failures,
				"delay", delay,
				"error", err)
			if err := r.s.sleep(ctx, delay); err != nil {
				return err
			}
			continue
		}
		failures = 0

		for i := range batch.Records {
			rec := &batch.Records[i]
			result, err := r.s.store.ApplyRemote(ctx, rec)
			if err != nil {
				return fmt.Errorf("cursor %q left unchanged: %w", cursor, err)
			}
			switch result.Outcome {
			case changelog.OutcomeDuplicate, changelog.OutcomeEcho:
			default:
				r.session.Pulled++
			}
			if result.Conflict() {
				r.session.Conflicts++
			}
		}

		if batch.Cursor != "" && batch.Cursor != cursor {
			if err := r.s.store.SetPullCursor(ctx, batch.Cursor); err != nil {
				return err
			}
			cursor = batch.Cursor
		}
		pages++

		if !batch.HasMore || len(batch.Records) == 0 {
			return nil
		}
	}

	return nil
}

func (r *sessionRun) hold(batch []changelog.ChangeRecord) {
	for _, rec := range batch {
		r.held[rec.ID] = struct{}{}
	}
}

func (r *sessionRun) release(batch []changelog.ChangeRecord, cause string) {
	ids := make([]int64, 0, len(batch))
	for _, rec := range batch {
		ids = append(ids, rec.ID)
	}
	r.releaseIDs(ids, cause)
}

func (r *sessionRun) releaseIDs(ids []int64, cause string) {
	if len(ids) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), bookkeepingTimeout)
	defer cancel()

	released, exhausted, err := r.s.store.ReleaseClaims(ctx, ids, cause, r.s.config.MaxAttempts)
	if err != nil {
		r.s.logger.Error("failed to release claims",
			"session_id", r.session.SessionID,
			"count", len(ids),
			"error", err)
		return
	}
	for _, id := range ids {
		delete(r.held, id)
	}
	r.s.logger.Debug("released claims",
		"session_id", r.session.SessionID,
		"released", released,
		"exhausted", exhausted)
}

// releaseHeld returns any claim still owned by the session, for instance
// after the budget expired mid-push.
func (r *sessionRun) releaseHeld(cause error) {
	if len(r.held) == 0 {
		return
	}
	msg := "session ended before acknowledgement"
	if cause != nil {
		msg = cause.Error()
	}

	ids := make([]int64, 0, len(r.held))
	for id := range r.held {
		ids = append(ids, id)
	}
	r.releaseIDs(ids, msg)
}

func (r *sessionRun) bookkeepingContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), bookkeepingTimeout)
}

func maxAttempt(batch []changelog.ChangeRecord) int {
	n := 0
	for _, rec := range batch {
		if rec.AttemptCount > n {
			n = rec.AttemptCount
		}
	}
	return n
}
