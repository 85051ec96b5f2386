package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/livinlefevreloca/tillsync/internal/authority"
	"github.com/livinlefevreloca/tillsync/internal/changelog"
	"github.com/livinlefevreloca/tillsync/internal/conflict"
	"github.com/livinlefevreloca/tillsync/internal/db"
	"github.com/livinlefevreloca/tillsync/internal/stats"
	"github.com/livinlefevreloca/tillsync/internal/syncer"
	"github.com/livinlefevreloca/tillsync/internal/testutil"
)

func TestRootCommand(t *testing.T) {
	cmd := NewRootCommand()
	require.NotNil(t, cmd)
	assert.Equal(t, "tillsync", cmd.Use)
	assert.Contains(t, cmd.Long, "change")
}

func TestCommandPresence(t *testing.T) {
	cmd := NewRootCommand()
	for _, name := range []string{"serve", "sync", "status", "migrate", "authority"} {
		t.Run(name, func(t *testing.T) {
			sub, _, err := cmd.Find([]string{name})
			require.NoError(t, err)
			assert.Equal(t, name, sub.Name())
		})
	}
}

func TestGlobalFlags(t *testing.T) {
	cmd := NewRootCommand()

	configFlag := cmd.PersistentFlags().Lookup("config")
	require.NotNil(t, configFlag)
	assert.Equal(t, "c", configFlag.Shorthand)

	levelFlag := cmd.PersistentFlags().Lookup("log-level")
	require.NotNil(t, levelFlag)
	assert.Equal(t, "", levelFlag.DefValue)
}

// run executes the command tree and returns stdout.
func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out, errOut bytes.Buffer
	cmd := NewRootCommand()
	cmd.SetArgs(args)
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func writeConfig(t *testing.T, dir, remoteURL string) string {
	t.Helper()
	path := filepath.Join(dir, "tillsync.toml")
	content := fmt.Sprintf(`
[node]
id = "till-1"

[database]
dsn = %q

[syncer]
retries = 0
base_delay = "10ms"
max_delay = "10ms"

[transport]
base_url = %q
timeout = "2s"

[authority.database]
dsn = %q

[logging]
level = "debug"
`, filepath.Join(dir, "till.db"), remoteURL, filepath.Join(dir, "authority.db"))
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestMigrate(t *testing.T) {
	dir := t.TempDir()
	cfg := writeConfig(t, dir, "http://127.0.0.1:1")

	out, err := run(t, "migrate", "--config", cfg)
	require.NoError(t, err)
	assert.Contains(t, out, "terminal schema at version 4")

	out, err = run(t, "migrate", "--config", cfg, "--authority")
	require.NoError(t, err)
	assert.Contains(t, out, "authority schema at version 1")
}

func TestStatus(t *testing.T) {
	dir := t.TempDir()
	cfg := writeConfig(t, dir, "http://127.0.0.1:1")

	out, err := run(t, "status", "--config", cfg, "--stuck", "5")
	require.NoError(t, err)

	var got struct {
		Status syncer.SyncStatus         `json:"status"`
		Stuck  []changelog.ChangeRecord `json:"stuck"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	assert.Equal(t, "till-1", got.Status.NodeID)
	assert.Zero(t, got.Status.PendingCount)
	assert.Nil(t, got.Status.LastSuccessAt)
}

func TestSync_AgainstAuthority(t *testing.T) {
	remoteDB := testutil.NewTestDB(t, db.AuthorityMigrations)
	log := authority.NewLog(remoteDB)
	srv := httptest.NewServer(authority.NewServer(authority.DefaultConfig(), log, nil).Router())
	defer srv.Close()

	dir := t.TempDir()
	cfg := writeConfig(t, dir, srv.URL)
	seedSale(t, filepath.Join(dir, "till.db"))

	out, err := run(t, "sync", "--config", cfg)
	require.NoError(t, err)

	var session syncer.SyncSession
	require.NoError(t, json.Unmarshal([]byte(out), &session))
	assert.True(t, session.Succeeded())
	assert.Equal(t, 1, session.Pushed)

	n, err := log.Len(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	out, err = run(t, "status", "--config", cfg, "--periods", "5")
	require.NoError(t, err)
	var got struct {
		Periods []stats.Period `json:"periods"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	require.Len(t, got.Periods, 1)
	assert.Equal(t, 1, got.Periods[0].Sessions)
	assert.Equal(t, 1, got.Periods[0].ManualSessions)
	assert.Equal(t, 1, got.Periods[0].RecordsPushed)
}

func TestSync_RejectedRecords(t *testing.T) {
	remoteDB := testutil.NewTestDB(t, db.AuthorityMigrations)
	authCfg := authority.DefaultConfig()
	authCfg.Tables = []string{"customers"}
	srv := httptest.NewServer(authority.NewServer(authCfg, authority.NewLog(remoteDB), nil).Router())
	defer srv.Close()

	dir := t.TempDir()
	cfg := writeConfig(t, dir, srv.URL)
	seedSale(t, filepath.Join(dir, "till.db"))

	out, err := run(t, "sync", "--config", cfg)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))

	var session syncer.SyncSession
	require.NoError(t, json.Unmarshal([]byte(out), &session))
	assert.True(t, session.Succeeded())
	assert.Equal(t, 1, session.Rejected)
}

func TestSync_RemoteDown(t *testing.T) {
	srv := httptest.NewServer(nil)
	url := srv.URL
	srv.Close()

	dir := t.TempDir()
	cfg := writeConfig(t, dir, url)
	seedSale(t, filepath.Join(dir, "till.db"))

	out, err := run(t, "sync", "--config", cfg)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))

	var session syncer.SyncSession
	require.NoError(t, json.Unmarshal([]byte(out), &session))
	assert.False(t, session.Succeeded())
	assert.NotEmpty(t, session.Error)
}

func TestInvalidFlags(t *testing.T) {
	_, err := run(t, "status", "--log-level", "chatty")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))

	_, err = run(t, "status", "--config", filepath.Join(t.TempDir(), "nope.toml"))
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

// seedSale records one sale the way a business handler would.
func seedSale(t *testing.T, path string) {
	t.Helper()
	ctx := context.Background()

	cfg := db.DefaultConfig()
	cfg.DSN = path
	database, err := db.OpenWithConfig(cfg)
	require.NoError(t, err)
	defer database.Close()

	_, err = database.Migrate(db.TerminalMigrations)
	require.NoError(t, err)
	nodeID, err := changelog.EnsureNode(ctx, database, "till-1")
	require.NoError(t, err)
	store, err := changelog.NewStore(database, nodeID, conflict.New(), nil)
	require.NoError(t, err)
	recorder, err := changelog.NewRecorder(store, changelog.DefaultTables, nil)
	require.NoError(t, err)

	require.NoError(t, database.WithTransaction(ctx, func(tx *db.Tx) error {
		_, err := recorder.Put(ctx, tx, "sales", "1001", changelog.OpCreate, json.RawMessage(`{"total":42.5}`))
		return err
	}))
}
