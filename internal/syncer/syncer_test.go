package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/livinlefevreloca/tillsync/internal/changelog"
	"github.com/livinlefevreloca/tillsync/internal/conflict"
	"github.com/livinlefevreloca/tillsync/internal/db"
	"github.com/livinlefevreloca/tillsync/internal/testutil"
	"github.com/livinlefevreloca/tillsync/internal/transport"
)

// =============================================================================
// Test Helpers
// =============================================================================

var t0 = time.Date(2026, 6, 1, 8, 0, 0, 0, time.UTC)

type harness struct {
	db        *db.DB
	store     *changelog.Store
	recorder  *changelog.Recorder
	transport *testutil.MockTransport
	clock     *testutil.MockClock
	logs      *testutil.TestLogger
	syncer    *Syncer

	mu     sync.Mutex
	sleeps []time.Duration
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Interval = time.Hour
	cfg.RunOnStart = false
	cfg.BatchSize = 10
	cfg.Jitter = 0
	cfg.BaseDelay = 100 * time.Millisecond
	cfg.MaxDelay = time.Second
	cfg.Retries = 2
	cfg.MaxAttempts = 10
	cfg.SessionTimeout = 5 * time.Second
	return cfg
}

func newHarness(t *testing.T, cfg Config, opts ...Option) *harness {
	t.Helper()

	h := &harness{
		db:        testutil.NewTestDB(t, db.TerminalMigrations),
		transport: testutil.NewMockTransport(),
		clock:     testutil.NewMockClock(t0),
		logs:      testutil.NewTestLogger(),
	}

	ctx := context.Background()
	nodeID, err := changelog.EnsureNode(ctx, h.db, "node-a")
	require.NoError(t, err)

	h.store, err = changelog.NewStore(h.db, nodeID, conflict.New(), h.logs.Logger(), changelog.WithNow(h.clock.Now))
	require.NoError(t, err)
	h.recorder, err = changelog.NewRecorder(h.store, changelog.DefaultTables, h.logs.Logger(),
		changelog.WithRecorderNow(h.clock.Now))
	require.NoError(t, err)

	base := []Option{
		WithClock(h.clock.Now),
		WithSleep(func(ctx context.Context, d time.Duration) error {
			h.mu.Lock()
			h.sleeps = append(h.sleeps, d)
			h.mu.Unlock()
			return ctx.Err()
		}),
	}
	h.syncer, err = New(h.store, h.transport, cfg, h.logs.Logger(), append(base, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { h.syncer.Shutdown() })

	return h
}

func (h *harness) record(t *testing.T, table, rowID, payload string) *changelog.ChangeRecord {
	t.Helper()
	var rec *changelog.ChangeRecord
	require.NoError(t, h.db.WithTransaction(context.Background(), func(tx *db.Tx) error {
		var err error
		rec, err = h.recorder.Put(context.Background(), tx, table, rowID, changelog.OpUpdate, json.RawMessage(payload))
		return err
	}))
	h.clock.Advance(time.Second)
	return rec
}

func (h *harness) seed(t *testing.T, n int) {
	for i := 0; i < n; i++ {
		h.record(t, "sales", "s"+strconv.Itoa(i), `{"total":10}`)
	}
}

func (h *harness) counts(t *testing.T) changelog.Counts {
	t.Helper()
	c, err := h.store.Counts(context.Background())
	require.NoError(t, err)
	return c
}

func (h *harness) recordedSleeps() []time.Duration {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]time.Duration(nil), h.sleeps...)
}

var errUnreachable = &transport.BatchError{Op: "push", Err: errors.New("dial tcp: connection refused")}

// =============================================================================
// Push
// =============================================================================

// TestSyncNow_PushesAndPulls verifies a clean session walks
// idle -> pushing -> pulling -> idle and marks records synced.
func TestSyncNow_PushesAndPulls(t *testing.T) {
	h := newHarness(t, testConfig())
	h.seed(t, 3)

	session, err := h.syncer.SyncNow(context.Background())
	require.NoError(t, err)

	assert.True(t, session.Succeeded())
	assert.Equal(t, TriggerManual, session.Trigger)
	assert.Equal(t, 3, session.Pushed)
	assert.Equal(t, []State{StateIdle, StatePushing, StatePulling, StateIdle}, session.States)
	assert.Equal(t, changelog.Counts{Synced: 3}, h.counts(t))
	assert.Len(t, h.transport.PullCalls(), 1)

	status, err := h.syncer.GetStatus(context.Background())
	require.NoError(t, err)
	assert.Zero(t, status.PendingCount)
	assert.False(t, status.IsSyncing)
	assert.Equal(t, StateIdle, status.State)
	require.NotNil(t, status.LastSuccessAt)
	assert.Empty(t, status.LastError)

	persisted, err := h.store.LastSuccessAt(context.Background())
	require.NoError(t, err)
	require.NotNil(t, persisted)
}

func TestSyncNow_BatchesInIDOrder(t *testing.T) {
	cfg := testConfig()
	cfg.BatchSize = 2
	h := newHarness(t, cfg)
	h.seed(t, 5)

	session, err := h.syncer.SyncNow(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 5, session.Pushed)

	calls := h.transport.PushCalls()
	require.Len(t, calls, 3)
	var last int64
	for _, batch := range calls {
		for _, rec := range batch {
			assert.Greater(t, rec.ID, last)
			last = rec.ID
		}
	}
}

// TestSyncNow_RejectedRecordsFail verifies a per-record rejection marks
// only that record failed and scheduled sessions leave it alone.
func TestSyncNow_RejectedRecordsFail(t *testing.T) {
	h := newHarness(t, testConfig())
	h.seed(t, 3)

	h.transport.OnPush(func(_ context.Context, records []changelog.ChangeRecord) ([]transport.PushResult, error) {
		results := testutil.AcceptAll(records)
		for i, rec := range records {
			if rec.RowID == "s1" {
				results[i].Status = transport.PushRejected
				results[i].Error = "sale references unknown register"
			}
		}
		return results, nil
	})

	session, err := h.syncer.SyncNow(context.Background())
	require.NoError(t, err)
	assert.True(t, session.Succeeded())
	assert.False(t, session.Clean())
	assert.Equal(t, 2, session.Pushed)
	assert.Equal(t, 1, session.Failures)
	assert.Equal(t, 1, session.Rejected)

	failed, err := h.store.List(context.Background(), changelog.ListFilter{Statuses: []changelog.Status{changelog.StatusFailed}})
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, "sale references unknown register", failed[0].LastError)

	// Scheduled sessions do not retry it.
	h.transport.OnPush(nil)
	_, err = h.syncer.trigger(context.Background(), TriggerScheduled)
	require.NoError(t, err)
	assert.Equal(t, 1, h.counts(t).Failed)

	// An explicit sync does.
	session, err = h.syncer.SyncNow(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, session.Pushed)
	assert.Equal(t, changelog.Counts{Synced: 3}, h.counts(t))
}

// TestSyncNow_UnansweredRecordsReleased verifies records missing from the
// response go back to pending.
func TestSyncNow_UnansweredRecordsReleased(t *testing.T) {
	h := newHarness(t, testConfig())
	h.seed(t, 2)

	h.transport.OnPush(func(_ context.Context, records []changelog.ChangeRecord) ([]transport.PushResult, error) {
		return testutil.AcceptAll(records[:1]), nil
	})

	session, err := h.syncer.SyncNow(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, session.Pushed)
	assert.Equal(t, changelog.Counts{Synced: 1, Pending: 1}, h.counts(t))
}

// TestSyncNow_TransportFailureReleasesClaims verifies a batch failure puts
// every claimed record back to pending and backs off exponentially.
func TestSyncNow_TransportFailureReleasesClaims(t *testing.T) {
	h := newHarness(t, testConfig())
	h.seed(t, 4)

	h.transport.OnPush(func(context.Context, []changelog.ChangeRecord) ([]transport.PushResult, error) {
		return nil, errUnreachable
	})

	session, err := h.syncer.SyncNow(context.Background())
	require.NoError(t, err)

	assert.False(t, session.Succeeded())
	assert.Contains(t, session.Error, "connection refused")
	assert.Equal(t, 3, session.Failures)
	assert.Equal(t, []State{StateIdle, StatePushing, StateFailed, StateIdle}, session.States)
	assert.Len(t, h.transport.PushCalls(), 3)
	assert.Empty(t, h.transport.PullCalls())

	assert.Equal(t, changelog.Counts{Pending: 4}, h.counts(t))
	assert.Equal(t, []time.Duration{100 * time.Millisecond, 200 * time.Millisecond}, h.recordedSleeps())

	records, err := h.store.List(context.Background(), changelog.ListFilter{})
	require.NoError(t, err)
	for _, rec := range records {
		assert.Equal(t, 3, rec.AttemptCount)
		assert.Contains(t, rec.LastError, "connection refused")
	}

	status, err := h.syncer.GetStatus(context.Background())
	require.NoError(t, err)
	assert.Contains(t, status.LastError, "connection refused")
	require.NotNil(t, status.RetryAfter)
	assert.True(t, status.RetryAfter.After(h.clock.Now()))
	assert.True(t, h.logs.Has(slog.LevelWarn, "push failed, backing off"))
}

// TestSyncNow_RecoversAfterTransientFailure verifies a retry inside the
// session delivers the same records.
func TestSyncNow_RecoversAfterTransientFailure(t *testing.T) {
	h := newHarness(t, testConfig())
	h.seed(t, 2)

	var calls int
	h.transport.OnPush(func(_ context.Context, records []changelog.ChangeRecord) ([]transport.PushResult, error) {
		calls++
		if calls == 1 {
			return nil, errUnreachable
		}
		return testutil.AcceptAll(records), nil
	})

	session, err := h.syncer.SyncNow(context.Background())
	require.NoError(t, err)
	assert.True(t, session.Succeeded())
	assert.False(t, session.Clean())
	assert.Equal(t, 2, session.Pushed)
	assert.Equal(t, 1, session.Failures)
	assert.Equal(t, 1, session.Rejected)
	assert.Equal(t, changelog.Counts{Synced: 2}, h.counts(t))
}

// TestScheduled_MaxAttemptsMarksFailed verifies records stop being retried
// automatically once their attempt budget is spent.
func TestScheduled_MaxAttemptsMarksFailed(t *testing.T) {
	cfg := testConfig()
	cfg.MaxAttempts = 2
	cfg.Retries = 5
	h := newHarness(t, cfg)
	h.seed(t, 2)

	h.transport.OnPush(func(context.Context, []changelog.ChangeRecord) ([]transport.PushResult, error) {
		return nil, errUnreachable
	})

	session, err := h.syncer.trigger(context.Background(), TriggerScheduled)
	require.NoError(t, err)
	assert.False(t, session.Succeeded())
	assert.Contains(t, session.Error, "attempts exhausted")
	assert.Len(t, h.transport.PushCalls(), 2)
	assert.Equal(t, changelog.Counts{Failed: 2}, h.counts(t))

	// Backoff holds off the schedule but not an operator.
	h.syncer.scheduledTick()
	assert.Len(t, h.transport.PushCalls(), 2)

	h.transport.OnPush(nil)
	session, err = h.syncer.SyncNow(context.Background())
	require.NoError(t, err)
	assert.True(t, session.Succeeded())
	assert.Equal(t, changelog.Counts{Synced: 2}, h.counts(t))
}

// =============================================================================
// Pull
// =============================================================================

// TestSyncNow_PullAppliesAndAdvancesCursor covers paging and cursor
// persistence.
func TestSyncNow_PullAppliesAndAdvancesCursor(t *testing.T) {
	h := newHarness(t, testConfig())

	pages := map[string]transport.PullBatch{
		"": {Records: []changelog.ChangeRecord{
			remoteRecord(1, "customers", "c1", `{"name":"Ada"}`, t0),
			remoteRecord(2, "customers", "c2", `{"name":"Grace"}`, t0),
		}, Cursor: "2", HasMore: true},
		"2": {Records: []changelog.ChangeRecord{
			remoteRecord(3, "customers", "c3", `{"name":"Edsger"}`, t0),
		}, Cursor: "3"},
	}
	h.transport.OnPull(func(_ context.Context, cursor string, _ int) (transport.PullBatch, error) {
		return pages[cursor], nil
	})

	session, err := h.syncer.SyncNow(context.Background())
	require.NoError(t, err)
	assert.True(t, session.Succeeded())
	assert.Equal(t, 3, session.Pulled)
	assert.Equal(t, []string{"", "2"}, h.transport.PullCalls())

	cursor, err := h.store.PullCursor(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "3", cursor)

	row, err := h.store.Rows().Get(context.Background(), h.db, changelog.RowKey{Table: "customers", RowID: "c3"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"name":"Edsger"}`, string(row.Payload))
}

// TestSyncNow_PullReplayIsIdempotent verifies a page delivered twice is
// applied once.
func TestSyncNow_PullReplayIsIdempotent(t *testing.T) {
	h := newHarness(t, testConfig())

	page := transport.PullBatch{Records: []changelog.ChangeRecord{
		remoteRecord(1, "products", "p1", `{"stock":9}`, t0),
	}, Cursor: "1"}
	h.transport.OnPull(func(context.Context, string, int) (transport.PullBatch, error) {
		return page, nil
	})

	first, err := h.syncer.SyncNow(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, first.Pulled)

	second, err := h.syncer.SyncNow(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, second.Pulled)
	assert.True(t, second.Succeeded())
}

// TestSyncNow_PullFailureKeepsCursor verifies a page that cannot be fully
// applied leaves the cursor where it was.
func TestSyncNow_PullFailureKeepsCursor(t *testing.T) {
	h := newHarness(t, testConfig())
	require.NoError(t, h.store.SetPullCursor(context.Background(), "10"))

	bad := remoteRecord(12, "products", "p2", "", t0)
	bad.Operation = changelog.OpUpdate
	h.transport.OnPull(func(context.Context, string, int) (transport.PullBatch, error) {
		return transport.PullBatch{Records: []changelog.ChangeRecord{
			remoteRecord(11, "products", "p1", `{"stock":1}`, t0),
			bad,
		}, Cursor: "12"}, nil
	})

	session, err := h.syncer.SyncNow(context.Background())
	require.NoError(t, err)
	assert.False(t, session.Succeeded())
	assert.Equal(t, []State{StateIdle, StatePushing, StatePulling, StateFailed, StateIdle}, session.States)

	cursor, err := h.store.PullCursor(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "10", cursor)
}

// TestSyncNow_StockConflict walks the offline sale example end to end:
// local stock 5 at t=100, remote stock 3 at t=120.
func TestSyncNow_StockConflict(t *testing.T) {
	cfg := testConfig()
	cfg.Direction = DirectionPull
	h := newHarness(t, cfg)

	h.clock.Set(t0.Add(100 * time.Second))
	local := h.record(t, "products", "42", `{"stock":5}`)

	h.transport.OnPull(func(context.Context, string, int) (transport.PullBatch, error) {
		return transport.PullBatch{Records: []changelog.ChangeRecord{
			remoteRecord(77, "products", "42", `{"stock":3}`, t0.Add(120*time.Second)),
		}, Cursor: "77"}, nil
	})

	session, err := h.syncer.SyncNow(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, session.Conflicts)
	assert.Equal(t, []State{StateIdle, StatePulling, StateIdle}, session.States)

	row, err := h.store.Rows().Get(context.Background(), h.db, changelog.RowKey{Table: "products", RowID: "42"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"stock":3}`, string(row.Payload))

	got, err := h.store.Get(context.Background(), local.ID)
	require.NoError(t, err)
	assert.Equal(t, changelog.StatusConflicted, got.SyncStatus)

	status, err := h.syncer.GetStatus(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, status.ConflictedCount)
}

// =============================================================================
// Concurrency
// =============================================================================

// TestSyncNow_ConcurrentCallersShareSession verifies a second syncNow while
// a session runs returns that session instead of starting another.
func TestSyncNow_ConcurrentCallersShareSession(t *testing.T) {
	h := newHarness(t, testConfig())
	h.seed(t, 2)

	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	h.transport.OnPush(func(_ context.Context, records []changelog.ChangeRecord) ([]transport.PushResult, error) {
		once.Do(func() { close(started) })
		<-release
		return testutil.AcceptAll(records), nil
	})

	results := make(chan SyncSession, 2)
	go func() {
		s, err := h.syncer.SyncNow(context.Background())
		assert.NoError(t, err)
		results <- s
	}()
	<-started

	// A status read must not wait for the blocked push.
	status, err := h.syncer.GetStatus(context.Background())
	require.NoError(t, err)
	assert.True(t, status.IsSyncing)
	assert.Equal(t, StatePushing, status.State)
	assert.Equal(t, 2, status.InFlightCount)

	go func() {
		s, err := h.syncer.SyncNow(context.Background())
		assert.NoError(t, err)
		results <- s
	}()
	time.Sleep(50 * time.Millisecond)
	close(release)

	a, b := <-results, <-results
	assert.Equal(t, a.SessionID, b.SessionID)
	assert.Len(t, h.transport.PushCalls(), 1)
	assert.Len(t, h.syncer.Sessions(), 1)
}

// TestSyncNow_SessionBudgetReleasesClaims verifies an over-budget session
// aborts and hands its claims back.
func TestSyncNow_SessionBudgetReleasesClaims(t *testing.T) {
	cfg := testConfig()
	cfg.SessionTimeout = 50 * time.Millisecond
	h := newHarness(t, cfg)
	h.seed(t, 3)

	h.transport.OnPush(func(ctx context.Context, _ []changelog.ChangeRecord) ([]transport.PushResult, error) {
		<-ctx.Done()
		return nil, &transport.BatchError{Op: "push", Err: ctx.Err()}
	})

	session, err := h.syncer.SyncNow(context.Background())
	require.NoError(t, err)
	assert.False(t, session.Succeeded())
	assert.Contains(t, session.Error, "session budget exceeded")
	assert.Equal(t, changelog.Counts{Pending: 3}, h.counts(t))
}

func TestSyncNow_CallerCancellationDoesNotAbortSession(t *testing.T) {
	h := newHarness(t, testConfig())
	h.seed(t, 1)

	release := make(chan struct{})
	h.transport.OnPush(func(_ context.Context, records []changelog.ChangeRecord) ([]transport.PushResult, error) {
		<-release
		return testutil.AcceptAll(records), nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := h.syncer.SyncNow(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(release)
	testutil.WaitFor(t, func() bool { return len(h.syncer.Sessions()) == 1 }, time.Second, "session to finish")
	assert.Equal(t, changelog.Counts{Synced: 1}, h.counts(t))
}

// =============================================================================
// Lifecycle
// =============================================================================

func TestStart_RecoversClaimsAndRunsOnStart(t *testing.T) {
	cfg := testConfig()
	cfg.RunOnStart = true
	published := &recordingPublisher{}
	h := newHarness(t, cfg, WithPublisher(published))
	h.seed(t, 2)

	// Simulate a crash that left a claim behind, long enough ago that its
	// lease has run out.
	_, err := h.store.SelectPending(context.Background(), 1)
	require.NoError(t, err)
	h.clock.Advance(h.syncer.claimLease())

	require.NoError(t, h.syncer.Start(context.Background()))
	testutil.WaitFor(t, func() bool { return len(published.sessions()) == 1 }, time.Second, "scheduled session")

	assert.Equal(t, TriggerScheduled, published.sessions()[0].Trigger)
	assert.Equal(t, changelog.Counts{Synced: 2}, h.counts(t))
	assert.True(t, h.logs.Has(slog.LevelWarn, "released claims left by previous run"))

	require.NoError(t, h.syncer.Shutdown())
	_, err = h.syncer.SyncNow(context.Background())
	assert.ErrorIs(t, err, ErrStopped)
}

// TestSyncNow_LeavesLiveClaimsAlone covers a second process syncing the
// same database while another coordinator is mid-push.
func TestSyncNow_LeavesLiveClaimsAlone(t *testing.T) {
	h := newHarness(t, testConfig())
	h.seed(t, 2)

	held, err := h.store.SelectPending(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, held, 1)

	session, err := h.syncer.SyncNow(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, session.Pushed)
	assert.Equal(t, changelog.Counts{InFlight: 1, Synced: 1}, h.counts(t))
	for _, batch := range h.transport.PushCalls() {
		for _, rec := range batch {
			assert.NotEqual(t, held[0].ID, rec.ID, "claimed record pushed twice")
		}
	}

	// Once the owner is presumed dead its claim is taken over.
	h.clock.Advance(h.syncer.claimLease())
	session, err = h.syncer.SyncNow(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, session.Pushed)
	assert.Equal(t, changelog.Counts{Synced: 2}, h.counts(t))
	assert.True(t, h.logs.Has(slog.LevelWarn, "released expired claims"))
}

func TestHistory_IsBounded(t *testing.T) {
	cfg := testConfig()
	cfg.HistorySize = 3
	h := newHarness(t, cfg)

	var ids []string
	for i := 0; i < 5; i++ {
		s, err := h.syncer.SyncNow(context.Background())
		require.NoError(t, err)
		ids = append(ids, s.SessionID)
	}

	history := h.syncer.Sessions()
	require.Len(t, history, 3)
	assert.Equal(t, ids[2:], []string{history[0].SessionID, history[1].SessionID, history[2].SessionID})
}

func TestNew_ValidatesConfig(t *testing.T) {
	h := newHarness(t, testConfig())

	cfg := testConfig()
	cfg.BatchSize = 0
	_, err := New(h.store, h.transport, cfg, nil)
	assert.Error(t, err)

	cfg = testConfig()
	cfg.Direction = "sideways"
	_, err = New(h.store, h.transport, cfg, nil)
	assert.Error(t, err)

	_, err = New(nil, h.transport, testConfig(), nil)
	assert.Error(t, err)
}

// =============================================================================
// Backoff
// =============================================================================

func TestBackoffDelay(t *testing.T) {
	base := 100 * time.Millisecond
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{-1, 100 * time.Millisecond},
		{0, 100 * time.Millisecond},
		{1, 200 * time.Millisecond},
		{3, 800 * time.Millisecond},
		{4, time.Second},
		{60, time.Second},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, backoffDelay(tt.attempt, base, time.Second), "attempt %d", tt.attempt)
	}
}

func TestJittered(t *testing.T) {
	assert.Equal(t, time.Second, jittered(time.Second, 0, func() float64 { return 0.9 }))
	assert.Equal(t, 800*time.Millisecond, jittered(time.Second, 0.4, func() float64 { return 0.5 }))
	assert.Equal(t, time.Second, jittered(time.Second, 0.4, func() float64 { return 0 }))
}

func TestSleepContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, sleepContext(ctx, time.Hour), context.Canceled)
	assert.NoError(t, sleepContext(context.Background(), time.Millisecond))
}

// =============================================================================
// Fixtures
// =============================================================================

func remoteRecord(id int64, table, rowID, payload string, at time.Time) changelog.ChangeRecord {
	rec := changelog.ChangeRecord{
		ID:           id,
		Table:        table,
		RowID:        rowID,
		Operation:    changelog.OpUpdate,
		OriginNodeID: "node-cloud",
		LogicalClock: id,
		CapturedAt:   at,
	}
	if payload != "" {
		rec.Payload = json.RawMessage(payload)
	}
	return rec
}

type recordingPublisher struct {
	mu   sync.Mutex
	list []SyncSession
}

func (p *recordingPublisher) Publish(s SyncSession) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.list = append(p.list, s)
}

func (p *recordingPublisher) sessions() []SyncSession {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]SyncSession(nil), p.list...)
}
