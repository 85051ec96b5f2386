package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/livinlefevreloca/tillsync/internal/db"
	"github.com/livinlefevreloca/tillsync/tools/migrator"
)

// MigrateOptions holds flags for the migrate command.
type MigrateOptions struct {
	*RootOptions
	Authority bool
}

// NewMigrateCommand creates the migrate command.
func NewMigrateCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &MigrateOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending schema migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			dbCfg, set := opts.Config.Database, db.TerminalMigrations
			if opts.Authority {
				dbCfg, set = opts.Config.Authority.Database, db.AuthorityMigrations
			}

			database, err := db.OpenWithConfig(dbCfg)
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to open database", err)
			}
			defer database.Close()

			version, err := database.Migrate(set)
			if err != nil {
				return WrapExitError(ExitCommandError, "migration failed", err)
			}

			applied, err := migrator.GetAppliedMigrations(database.DB)
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to list migrations", err)
			}

			opts.Logger.Info("database schema ready", "set", set, "version", version)
			fmt.Fprintf(cmd.OutOrStdout(), "%s schema at version %d (%d migrations applied)\n", set, version, len(applied))
			return nil
		},
	}

	cmd.Flags().BoolVar(&opts.Authority, "authority", false, "migrate the authority database instead of the terminal's")
	return cmd
}
