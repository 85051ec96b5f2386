package cli

import (
	"context"
	"log/slog"

	"github.com/livinlefevreloca/tillsync/internal/changelog"
	"github.com/livinlefevreloca/tillsync/internal/config"
	"github.com/livinlefevreloca/tillsync/internal/conflict"
	"github.com/livinlefevreloca/tillsync/internal/db"
	"github.com/livinlefevreloca/tillsync/internal/stats"
	"github.com/livinlefevreloca/tillsync/internal/syncer"
	"github.com/livinlefevreloca/tillsync/internal/transport"
)

// terminal bundles the components of one store terminal.
type terminal struct {
	db     *db.DB
	store  *changelog.Store
	syncer *syncer.Syncer
	stats  *stats.Collector // nil when disabled
	logger *slog.Logger
}

// openTerminal opens and migrates the terminal database and wires the
// change log, transport and coordinator. Nothing is started.
func openTerminal(ctx context.Context, cfg *config.Config, logger *slog.Logger, opts ...syncer.Option) (*terminal, error) {
	logger.Info("connecting to database", "driver", cfg.Database.Driver, "dsn", cfg.Database.DSN)
	database, err := db.OpenWithConfig(cfg.Database)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open database", err)
	}

	t, err := wireTerminal(ctx, cfg, database, logger, opts...)
	if err != nil {
		database.Close()
		return nil, err
	}
	return t, nil
}

func wireTerminal(ctx context.Context, cfg *config.Config, database *db.DB, logger *slog.Logger, opts ...syncer.Option) (*terminal, error) {
	if !cfg.Database.SkipMigrations {
		version, err := database.Migrate(db.TerminalMigrations)
		if err != nil {
			return nil, WrapExitError(ExitCommandError, "failed to run migrations", err)
		}
		logger.Info("database schema ready", "version", version)
	} else {
		logger.Info("skipping migrations", "reason", "configured to skip")
	}

	nodeID, err := changelog.EnsureNode(ctx, database, cfg.Node.ID)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to resolve node id", err)
	}
	logger = logger.With("node_id", nodeID)

	store, err := changelog.NewStore(database, nodeID, conflict.New(), logger)
	if err != nil {
		return nil, err
	}
	client, err := transport.NewHTTPClient(cfg.Transport, nodeID, logger)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "invalid transport configuration", err)
	}

	var collector *stats.Collector
	if cfg.Stats.Enabled {
		collector, err = stats.NewCollector(cfg.Stats, stats.NewDBWriter(database), logger)
		if err != nil {
			return nil, WrapExitError(ExitCommandError, "invalid stats configuration", err)
		}
		opts = append(opts, syncer.WithPublisher(collector))
	}

	coordinator, err := syncer.New(store, client, cfg.Syncer, logger, opts...)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "invalid syncer configuration", err)
	}

	return &terminal{
		db:     database,
		store:  store,
		syncer: coordinator,
		stats:  collector,
		logger: logger,
	}, nil
}

func (t *terminal) Close() {
	if err := t.syncer.Shutdown(); err != nil {
		t.logger.Error("syncer shutdown failed", "error", err)
	}
	if t.stats != nil {
		if err := t.stats.Stop(); err != nil {
			t.logger.Error("stats shutdown failed", "error", err)
		}
	}
	if err := t.db.Close(); err != nil {
		t.logger.Error("error closing database", "error", err)
	}
}
