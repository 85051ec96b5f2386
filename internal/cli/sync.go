package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

// NewSyncCommand creates the sync command.
func NewSyncCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Run one sync session now and print it",
		Long: `Run a single push and pull session against the remote authority and
print the session as JSON. Records previously marked failed are retried.
Exits 1 when the session failed or the remote rejected any record.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := opts.validateTerminal(); err != nil {
				return err
			}
			ctx := commandContext(cmd)

			term, err := openTerminal(ctx, opts.Config, opts.Logger)
			if err != nil {
				return err
			}
			defer term.Close()

			session, err := term.syncer.SyncNow(ctx)
			if err != nil {
				return WrapExitError(ExitFailure, "sync failed", err)
			}
			if err := printJSON(cmd.OutOrStdout(), session); err != nil {
				return err
			}
			if !session.Succeeded() {
				return NewExitError(ExitFailure, "sync failed: "+session.Error)
			}
			if !session.Clean() {
				return NewExitError(ExitFailure, fmt.Sprintf("sync completed with %d rejected records", session.Rejected))
			}
			return nil
		},
	}
}
