package changelog_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/livinlefevreloca/tillsync/internal/changelog"
	"github.com/livinlefevreloca/tillsync/internal/conflict"
)

// =============================================================================
// Claiming
// =============================================================================

func TestSelectPending_ClaimsInIDOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	seeded := f.seed(t, 5)

	claimed, err := f.store.SelectPending(ctx, 3)
	require.NoError(t, err)
	require.Len(t, claimed, 3)

	for i, rec := range claimed {
		assert.Equal(t, seeded[i].ID, rec.ID)
		assert.Equal(t, changelog.StatusInFlight, rec.SyncStatus)
		assert.Equal(t, 1, rec.AttemptCount)
		require.NotNil(t, rec.LastAttemptAt)
	}

	counts, err := f.store.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, changelog.Counts{Pending: 2, InFlight: 3}, counts)

	rest, err := f.store.SelectPending(ctx, 10)
	require.NoError(t, err)
	require.Len(t, rest, 2)
	assert.Equal(t, seeded[3].ID, rest[0].ID)

	none, err := f.store.SelectPending(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestSelectPending_RejectsNonPositiveLimit(t *testing.T) {
	f := newFixture(t)
	_, err := f.store.SelectPending(context.Background(), 0)
	assert.Error(t, err)
}

// TestSelectPending_ConcurrentClaimsAreDisjoint verifies two coordinators
// never hold the same record.
func TestSelectPending_ConcurrentClaimsAreDisjoint(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seed(t, 60)

	var (
		mu   sync.Mutex
		seen = make(map[int64]int)
		wg   sync.WaitGroup
	)
	for w := 0; w < 6; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				batch, err := f.store.SelectPending(ctx, 4)
				if !assert.NoError(t, err) || len(batch) == 0 {
					return
				}
				mu.Lock()
				for _, rec := range batch {
					seen[rec.ID]++
				}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Len(t, seen, 60)
	for id, n := range seen {
		assert.Equal(t, 1, n, "record %d claimed %d times", id, n)
	}
}

func TestClaim_ScheduledSkipsFailed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	seeded := f.seed(t, 2)

	claimed, err := f.store.Claim(ctx, changelog.ClaimOptions{Limit: 1})
	require.NoError(t, err)
	require.NoError(t, f.store.MarkStatus(ctx, claimed[0].ID, changelog.StatusFailed, "rejected: bad sku"))

	scheduled, err := f.store.Claim(ctx, changelog.ClaimOptions{Limit: 10})
	require.NoError(t, err)
	require.Len(t, scheduled, 1)
	assert.Equal(t, seeded[1].ID, scheduled[0].ID)

	manual, err := f.store.Claim(ctx, changelog.ClaimOptions{Limit: 10, IncludeFailed: true})
	require.NoError(t, err)
	require.Len(t, manual, 1)
	assert.Equal(t, seeded[0].ID, manual[0].ID)
	assert.Equal(t, 2, manual[0].AttemptCount)
}

// =============================================================================
// Status transitions
// =============================================================================

func TestMarkStatus_CompareAndSet(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	rec := f.seed(t, 1)[0]

	err := f.store.MarkStatus(ctx, rec.ID, changelog.StatusSynced, "")
	assert.ErrorIs(t, err, changelog.ErrClaimLost, "pending records cannot be acknowledged")

	err = f.store.MarkStatus(ctx, 9999, changelog.StatusInFlight, "")
	assert.ErrorIs(t, err, changelog.ErrRecordNotFound)

	require.NoError(t, f.store.MarkStatus(ctx, rec.ID, changelog.StatusInFlight, ""))
	assert.ErrorIs(t, f.store.MarkStatus(ctx, rec.ID, changelog.StatusInFlight, ""), changelog.ErrClaimLost)
	require.NoError(t, f.store.MarkStatus(ctx, rec.ID, changelog.StatusSynced, ""))

	got, err := f.store.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, changelog.StatusSynced, got.SyncStatus)
}

func TestMarkResults(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seed(t, 2)

	claimed, err := f.store.SelectPending(ctx, 2)
	require.NoError(t, err)

	err = f.store.MarkResults(ctx, []changelog.Ack{
		{ID: claimed[0].ID, Status: changelog.StatusSynced},
		{ID: claimed[1].ID, Status: changelog.StatusFailed, Error: "total must be positive"},
	})
	require.NoError(t, err)

	failed, err := f.store.List(ctx, changelog.ListFilter{Statuses: []changelog.Status{changelog.StatusFailed}})
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, "total must be positive", failed[0].LastError)
}

// TestReleaseClaims verifies a failed transmission returns claims to
// pending until the attempt budget is spent.
func TestReleaseClaims(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seed(t, 3)

	claimed, err := f.store.SelectPending(ctx, 3)
	require.NoError(t, err)
	ids := []int64{claimed[0].ID, claimed[1].ID, claimed[2].ID}

	released, exhausted, err := f.store.ReleaseClaims(ctx, ids, "connection refused", 2)
	require.NoError(t, err)
	assert.Equal(t, 3, released)
	assert.Zero(t, exhausted)

	claimed, err = f.store.SelectPending(ctx, 3)
	require.NoError(t, err)
	require.Len(t, claimed, 3)

	released, exhausted, err = f.store.ReleaseClaims(ctx, ids, "connection refused", 2)
	require.NoError(t, err)
	assert.Zero(t, released)
	assert.Equal(t, 3, exhausted)
	assert.True(t, f.logs.HasWarning())

	counts, err := f.store.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, changelog.Counts{Failed: 3}, counts)

	stuck, err := f.store.List(ctx, changelog.ListFilter{Statuses: []changelog.Status{changelog.StatusFailed}, Limit: 1})
	require.NoError(t, err)
	require.Len(t, stuck, 1)
	assert.Equal(t, "connection refused", stuck[0].LastError)
}

func TestRecoverInFlight(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seed(t, 4)

	_, err := f.store.SelectPending(ctx, 3)
	require.NoError(t, err)

	n, err := f.store.RecoverInFlight(ctx, time.Minute)
	require.NoError(t, err)
	assert.Zero(t, n, "claims younger than the lease stay in flight")

	f.clock.Advance(time.Minute)
	n, err = f.store.RecoverInFlight(ctx, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	counts, err := f.store.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, counts.Pending)
}

// TestRecoverInFlight_SharedDatabase covers a one-off sync process opening
// the database while a running coordinator holds claims.
func TestRecoverInFlight_SharedDatabase(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seed(t, 4)

	serving, err := f.store.SelectPending(ctx, 3)
	require.NoError(t, err)
	require.Len(t, serving, 3)

	other, err := changelog.NewStore(f.db, f.store.NodeID(), conflict.New(), f.logs.Logger(), changelog.WithNow(f.clock.Now))
	require.NoError(t, err)

	n, err := other.RecoverInFlight(ctx, time.Minute)
	require.NoError(t, err)
	assert.Zero(t, n)

	claimed, err := other.SelectPending(ctx, 50)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	for _, rec := range serving {
		assert.NotEqual(t, rec.ID, claimed[0].ID)
	}
}

// =============================================================================
// Applying remote records
// =============================================================================

// TestApplyRemote_StockConflict covers a terminal selling stock offline
// while the cloud recorded a later count for the same product.
func TestApplyRemote_StockConflict(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.clock.Set(t0.Add(100 * time.Second))
	local := f.put(t, "products", "42", changelog.OpUpdate, `{"stock":5}`)

	incoming := remote(17, "node-b", "products", "42", changelog.OpUpdate, `{"stock":3}`, t0.Add(120*time.Second), 9)
	result, err := f.store.ApplyRemote(ctx, incoming)
	require.NoError(t, err)

	assert.Equal(t, changelog.OutcomeApplied, result.Outcome)
	assert.Equal(t, []int64{local.ID}, result.Conflicted)
	assert.True(t, result.Conflict())

	assert.JSONEq(t, `{"stock":3}`, string(f.row(t, "products", "42").Payload))

	got, err := f.store.Get(ctx, local.ID)
	require.NoError(t, err)
	assert.Equal(t, changelog.StatusConflicted, got.SyncStatus)
	assert.Contains(t, got.LastError, "node-b#17")
}

func TestApplyRemote_LocalWins(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.clock.Set(t0.Add(200 * time.Second))
	local := f.put(t, "products", "42", changelog.OpUpdate, `{"stock":5}`)

	incoming := remote(3, "node-b", "products", "42", changelog.OpUpdate, `{"stock":3}`, t0.Add(120*time.Second), 2)
	result, err := f.store.ApplyRemote(ctx, incoming)
	require.NoError(t, err)
	assert.Equal(t, changelog.OutcomeLocalWins, result.Outcome)
	assert.True(t, result.Conflict())

	assert.JSONEq(t, `{"stock":5}`, string(f.row(t, "products", "42").Payload))
	got, err := f.store.Get(ctx, local.ID)
	require.NoError(t, err)
	assert.Equal(t, changelog.StatusPending, got.SyncStatus)
}

// TestApplyRemote_IdempotentReplay verifies a replayed record changes
// nothing.
func TestApplyRemote_IdempotentReplay(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	incoming := remote(5, "node-b", "customers", "c9", changelog.OpCreate, `{"name":"Grace"}`, t0, 1)
	first, err := f.store.ApplyRemote(ctx, incoming)
	require.NoError(t, err)
	assert.Equal(t, changelog.OutcomeApplied, first.Outcome)
	before := f.row(t, "customers", "c9")

	f.clock.Advance(time.Hour)
	second, err := f.store.ApplyRemote(ctx, incoming)
	require.NoError(t, err)
	assert.Equal(t, changelog.OutcomeDuplicate, second.Outcome)

	after := f.row(t, "customers", "c9")
	assert.Equal(t, before, after)
}

func TestApplyRemote_SkipsOwnRecords(t *testing.T) {
	f := newFixture(t)
	result, err := f.store.ApplyRemote(context.Background(),
		remote(1, localNode, "sales", "s1", changelog.OpCreate, `{"total":3}`, t0, 1))
	require.NoError(t, err)
	assert.Equal(t, changelog.OutcomeEcho, result.Outcome)
}

func TestApplyRemote_StaleSameOrigin(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	newer := remote(2, "node-b", "suppliers", "sup1", changelog.OpUpdate, `{"name":"New"}`, t0.Add(time.Minute), 8)
	older := remote(1, "node-b", "suppliers", "sup1", changelog.OpUpdate, `{"name":"Old"}`, t0.Add(2*time.Minute), 7)

	_, err := f.store.ApplyRemote(ctx, newer)
	require.NoError(t, err)

	result, err := f.store.ApplyRemote(ctx, older)
	require.NoError(t, err)
	assert.Equal(t, changelog.OutcomeStale, result.Outcome)
	assert.JSONEq(t, `{"name":"New"}`, string(f.row(t, "suppliers", "sup1").Payload))
}

func TestApplyRemote_DeleteThenLaterCreateResurrects(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.put(t, "customers", "c1", changelog.OpCreate, `{"name":"Ada"}`)

	del := remote(4, "node-b", "customers", "c1", changelog.OpDelete, "", t0.Add(time.Second), 4)
	result, err := f.store.ApplyRemote(ctx, del)
	require.NoError(t, err)
	assert.Equal(t, changelog.OutcomeApplied, result.Outcome)
	assert.True(t, f.row(t, "customers", "c1").Deleted)

	// An older write from a third node must not resurrect the row.
	older := remote(1, "node-c", "customers", "c1", changelog.OpUpdate, `{"name":"Old"}`, t0.Add(500*time.Millisecond), 1)
	result, err = f.store.ApplyRemote(ctx, older)
	require.NoError(t, err)
	assert.Equal(t, changelog.OutcomeStale, result.Outcome)

	later := remote(2, "node-c", "customers", "c1", changelog.OpCreate, `{"name":"Ada II"}`, t0.Add(2*time.Second), 2)
	result, err = f.store.ApplyRemote(ctx, later)
	require.NoError(t, err)
	assert.Equal(t, changelog.OutcomeApplied, result.Outcome)

	row := f.row(t, "customers", "c1")
	assert.False(t, row.Deleted)
	assert.JSONEq(t, `{"name":"Ada II"}`, string(row.Payload))
}

func TestApplyRemote_RejectsInvalid(t *testing.T) {
	f := newFixture(t)
	_, err := f.store.ApplyRemote(context.Background(),
		remote(1, "node-b", "sales", "s1", changelog.OpUpdate, "", t0, 1))
	assert.ErrorIs(t, err, changelog.ErrInvalidChange)
}

// =============================================================================
// Sync state
// =============================================================================

func TestSyncState(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	cursor, err := f.store.PullCursor(ctx)
	require.NoError(t, err)
	assert.Empty(t, cursor)

	require.NoError(t, f.store.SetPullCursor(ctx, "41"))
	require.NoError(t, f.store.SetPullCursor(ctx, "42"))
	cursor, err = f.store.PullCursor(ctx)
	require.NoError(t, err)
	assert.Equal(t, "42", cursor)

	last, err := f.store.LastSuccessAt(ctx)
	require.NoError(t, err)
	assert.Nil(t, last)

	require.NoError(t, f.store.SetLastSuccessAt(ctx, t0))
	last, err = f.store.LastSuccessAt(ctx)
	require.NoError(t, err)
	require.NotNil(t, last)
	assert.True(t, t0.Equal(*last))
}
