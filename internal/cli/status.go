package cli

import (
	"github.com/spf13/cobra"

	"github.com/livinlefevreloca/tillsync/internal/changelog"
	"github.com/livinlefevreloca/tillsync/internal/stats"
)

// StatusOptions holds flags for the status command.
type StatusOptions struct {
	*RootOptions
	Stuck   int
	Periods int
}

// NewStatusCommand creates the status command.
func NewStatusCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &StatusOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Print the terminal's sync status",
		Long: `Print pending, failed and conflicted counts and the last successful sync
time from the local database. Never contacts the remote authority.`,
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

			status, err := term.syncer.GetStatus(ctx)
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to read status", err)
			}

			out := map[string]any{"status": status}
			if opts.Stuck > 0 {
				stuck, err := term.store.List(ctx, changelog.ListFilter{
					Statuses: []changelog.Status{changelog.StatusFailed, changelog.StatusConflicted},
					Limit:    opts.Stuck,
				})
				if err != nil {
					return WrapExitError(ExitCommandError, "failed to list records", err)
				}
				out["stuck"] = stuck
			}
			if opts.Periods > 0 {
				periods, err := stats.NewDBWriter(term.db).Recent(ctx, opts.Periods)
				if err != nil {
					return WrapExitError(ExitCommandError, "failed to read stats", err)
				}
				out["periods"] = periods
			}
			return printJSON(cmd.OutOrStdout(), out)
		},
	}

	cmd.Flags().IntVar(&opts.Stuck, "stuck", 0, "also list up to N failed or conflicted records")
	cmd.Flags().IntVar(&opts.Periods, "periods", 0, "also list the N most recent stats periods")
	return cmd
}
