package cli

import (
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/livinlefevreloca/tillsync/internal/config"
	"github.com/livinlefevreloca/tillsync/internal/logging"
)

// RootOptions holds global flags and the state they resolve to.
type RootOptions struct {
	ConfigPath string
	LogLevel   string

	// Set by PersistentPreRunE.
	Config *config.Config
	Logger *slog.Logger

	logCloser io.Closer
}

// NewRootCommand creates the tillsync command tree.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "tillsync",
		Short: "Change-log synchronization for store terminals",
		Long: `tillsync records every local mutation of a store terminal in a durable
change log, pushes it to the remote authority when the link is up, pulls
changes made elsewhere and resolves conflicts by last writer wins.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return opts.load(cmd)
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			if opts.logCloser != nil {
				return opts.logCloser.Close()
			}
			return nil
		},
	}

	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", "", "path to configuration file (TOML)")
	cmd.PersistentFlags().StringVar(&opts.LogLevel, "log-level", "", "override logging level (debug|info|warn|error)")

	cmd.AddCommand(NewServeCommand(opts))
	cmd.AddCommand(NewSyncCommand(opts))
	cmd.AddCommand(NewStatusCommand(opts))
	cmd.AddCommand(NewMigrateCommand(opts))
	cmd.AddCommand(NewAuthorityCommand(opts))

	return cmd
}

func (o *RootOptions) load(cmd *cobra.Command) error {
	cfg, err := config.LoadConfig(o.ConfigPath)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load configuration", err)
	}
	if o.LogLevel != "" {
		if _, err := logging.ParseLevel(o.LogLevel); err != nil {
			return WrapExitError(ExitCommandError, "invalid --log-level", err)
		}
		cfg.Logging.Level = o.LogLevel
	}

	logger, closer, err := logging.New(cfg.Logging, cmd.ErrOrStderr())
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid logging configuration", err)
	}
	slog.SetDefault(logger)

	o.Config = cfg
	o.Logger = logger
	o.logCloser = closer

	logger.Debug("configuration loaded", "config_file", o.ConfigPath)
	return nil
}

// validateTerminal checks the configuration needed by terminal commands.
func (o *RootOptions) validateTerminal() error {
	if err := o.Config.Validate(); err != nil {
		return WrapExitError(ExitCommandError, "invalid configuration", err)
	}
	return nil
}
