package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/livinlefevreloca/tillsync/internal/httpapi"
	"github.com/livinlefevreloca/tillsync/internal/syncer"
)

// NewServeCommand creates the serve command.
func NewServeCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the sync coordinator and the operator HTTP API",
		Long: `Run a terminal's sync coordinator in the background and serve the
operator endpoints (/api/sync/status, /api/sync/now, /api/sync/stream)
until SIGINT or SIGTERM.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := opts.validateTerminal(); err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(commandContext(cmd), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, opts)
		},
	}
}

func runServe(ctx context.Context, opts *RootOptions) error {
	cfg, logger := opts.Config, opts.Logger
	logger.Info("starting tillsync terminal")

	var hub *httpapi.Hub
	var syncOpts []syncer.Option
	if cfg.HTTP.Enabled {
		hub = httpapi.NewHub(nil, cfg.HTTP.AllowedOrigins, logger)
		syncOpts = append(syncOpts, syncer.WithPublisher(hub))
	}

	term, err := openTerminal(ctx, cfg, logger, syncOpts...)
	if err != nil {
		return err
	}
	defer term.Close()

	var server *httpapi.Server
	if cfg.HTTP.Enabled {
		hub.SetStatusSource(term.syncer)
		hub.Start()
		defer hub.Stop()

		api := httpapi.New(term.syncer, term.store, hub, cfg.HTTP.AllowedOrigins, logger)
		server = httpapi.NewServer(cfg.HTTP, api.Router(), logger)
		if err := server.Start(); err != nil {
			return WrapExitError(ExitCommandError, "failed to start http server", err)
		}
	}

	if term.stats != nil {
		term.stats.Start()
	}

	if err := term.syncer.Start(ctx); err != nil {
		if server != nil {
			_ = server.Stop()
		}
		return WrapExitError(ExitCommandError, "failed to start syncer", err)
	}

	term.logger.Info("tillsync is running",
		"remote", cfg.Transport.BaseURL,
		"interval", cfg.Syncer.Interval,
		"http_enabled", cfg.HTTP.Enabled,
		"stats_enabled", cfg.Stats.Enabled)

	<-ctx.Done()
	term.logger.Info("shutting down gracefully")

	if server != nil {
		if err := server.Stop(); err != nil {
			term.logger.Error("http server shutdown failed", "error", err)
		}
	}
	return nil
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
