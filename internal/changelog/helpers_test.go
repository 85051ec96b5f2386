package changelog_test

import (
	"context"
	"encoding/json"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/livinlefevreloca/tillsync/internal/changelog"
	"github.com/livinlefevreloca/tillsync/internal/conflict"
	"github.com/livinlefevreloca/tillsync/internal/db"
	"github.com/livinlefevreloca/tillsync/internal/testutil"
)

const localNode = "node-a"

var t0 = time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC)

type fixture struct {
	db       *db.DB
	store    *changelog.Store
	recorder *changelog.Recorder
	clock    *testutil.MockClock
	logs     *testutil.TestLogger
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	database := testutil.NewTestDB(t, db.TerminalMigrations)
	clock := testutil.NewMockClock(t0)
	logs := testutil.NewTestLogger()

	nodeID, err := changelog.EnsureNode(context.Background(), database, localNode)
	require.NoError(t, err)

	store, err := changelog.NewStore(database, nodeID, conflict.New(), logs.Logger(), changelog.WithNow(clock.Now))
	require.NoError(t, err)

	recorder, err := changelog.NewRecorder(store, changelog.DefaultTables, logs.Logger(),
		changelog.WithRecorderNow(clock.Now))
	require.NoError(t, err)

	return &fixture{db: database, store: store, recorder: recorder, clock: clock, logs: logs}
}

// put records a local create or update of table/rowID inside its own
// transaction.
func (f *fixture) put(t *testing.T, table, rowID string, op changelog.Operation, payload string) *changelog.ChangeRecord {
	t.Helper()

	var rec *changelog.ChangeRecord
	err := f.db.WithTransaction(context.Background(), func(tx *db.Tx) error {
		var err error
		rec, err = f.recorder.Put(context.Background(), tx, table, rowID, op, json.RawMessage(payload))
		return err
	})
	require.NoError(t, err)
	return rec
}

func (f *fixture) seed(t *testing.T, n int) []*changelog.ChangeRecord {
	t.Helper()

	out := make([]*changelog.ChangeRecord, n)
	for i := range out {
		out[i] = f.put(t, "sales", strconv.Itoa(i+1), changelog.OpCreate, `{"total":1}`)
		f.clock.Advance(time.Millisecond)
	}
	return out
}

func (f *fixture) row(t *testing.T, table, rowID string) *changelog.Row {
	t.Helper()
	row, err := f.store.Rows().Get(context.Background(), f.db, changelog.RowKey{Table: table, RowID: rowID})
	require.NoError(t, err)
	return row
}

func remote(id int64, origin, table, rowID string, op changelog.Operation, payload string, at time.Time, clock int64) *changelog.ChangeRecord {
	rec := &changelog.ChangeRecord{
		ID:           id,
		Table:        table,
		RowID:        rowID,
		Operation:    op,
		OriginNodeID: origin,
		LogicalClock: clock,
		CapturedAt:   at,
	}
	if payload != "" {
		rec.Payload = json.RawMessage(payload)
	}
	return rec
}

