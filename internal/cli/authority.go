package cli

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/livinlefevreloca/tillsync/internal/authority"
	"github.com/livinlefevreloca/tillsync/internal/db"
	"github.com/livinlefevreloca/tillsync/internal/httpapi"
)

// NewAuthorityCommand creates the authority command.
func NewAuthorityCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "authority",
		Short: "Run the reference remote authority",
		Long: `Run a remote authority that accepts pushes from terminals and serves
every other terminal's changes on pull. Settings come from [authority].`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger := opts.Config, opts.Logger
			if err := cfg.ValidateAuthority(); err != nil {
				return WrapExitError(ExitCommandError, "invalid configuration", err)
			}

			ctx, stop := signal.NotifyContext(commandContext(cmd), os.Interrupt, syscall.SIGTERM)
			defer stop()

			database, err := db.OpenWithConfig(cfg.Authority.Database)
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to open database", err)
			}
			defer database.Close()

			version, err := database.Migrate(db.AuthorityMigrations)
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to run migrations", err)
			}
			logger.Info("authority schema ready", "version", version)

			srv := authority.NewServer(cfg.Authority, authority.NewLog(database), logger)
			server := httpapi.NewServer(cfg.Authority.HTTP, srv.Router(), logger)
			if err := server.Start(); err != nil {
				return WrapExitError(ExitCommandError, "failed to start http server", err)
			}

			logger.Info("authority is running", "addr", server.Addr(), "tables", cfg.Authority.Tables)
			<-ctx.Done()

			logger.Info("shutting down gracefully")
			return server.Stop()
		},
	}
}
