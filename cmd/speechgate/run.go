package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"eidos-hq/speechgate/pkg/cli"
	"eidos-hq/speechgate/pkg/config"
	"eidos-hq/speechgate/pkg/telemetry/logging"
)

var runFlags struct {
	listenAddress string
	logLevel      string
	dryRun        bool
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the speechgate server",
	Long: `Start the speechgate server with the specified configuration.

The server admits /v1/tts requests against the configured tiers and forwards
them to the synthesis upstream through the relay pool. SIGINT and SIGTERM
shut it down gracefully; SIGHUP reloads the configuration file.

Examples:
  # Start with defaults and environment overrides
  speechgate run

  # Start with a config file
  speechgate run --config /etc/speechgate/speechgate.yaml

  # Override listen address
  speechgate run --listen 0.0.0.0:8080

  # Validate config without starting the server
  speechgate run --dry-run`,
	RunE: runServer,
}

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().StringVarP(&runFlags.listenAddress, "listen", "l", "", "override listen address")
	runCmd.Flags().StringVar(&runFlags.logLevel, "log-level", "", "override log level (debug, info, warn, error)")
	runCmd.Flags().BoolVar(&runFlags.dryRun, "dry-run", false, "validate config without starting server")
}

func runServer(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfigWithEnvOverrides(cfgFile)
	if err != nil {
		return cli.NewConfigError(cfgFile, err)
	}
	if runFlags.listenAddress != "" {
		cfg.Server.ListenAddress = runFlags.listenAddress
	}
	if runFlags.logLevel != "" {
		cfg.Telemetry.Logging.Level = runFlags.logLevel
	}
	if verbose {
		cfg.Telemetry.Logging.Level = "debug"
	}

	logger, err := logging.New(logging.Config{
		Level:     cfg.Telemetry.Logging.Level,
		Format:    cfg.Telemetry.Logging.Format,
		AddSource: cfg.Telemetry.Logging.AddSource,
		Redact:    cfg.Telemetry.Logging.Redact,
	})
	if err != nil {
		return cli.NewConfigError(cfgFile, err)
	}
	slog.SetDefault(logger)

	out := cmd.OutOrStdout()
	if runFlags.dryRun {
		fmt.Fprintln(out, "✓ Configuration valid")
		return nil
	}

	ctx, stop := cli.SetupSignalHandler(cmd.Context())
	defer stop()

	a, err := newApp(cfg, logger)
	if err != nil {
		return cli.NewCommandError("run", err)
	}
	defer func() {
		if err := a.close(); err != nil {
			logger.Error("shutdown cleanup failed", "error", err)
		}
	}()

	printBanner(cmd, cfg)

	if cfgFile != "" {
		startReloader(ctx, a, logger)
	}
	if a.scheduler != nil {
		if err := a.scheduler.Start(ctx); err != nil {
			return cli.NewCommandError("run", err)
		}
		fmt.Fprintln(out, "✓ Maintenance scheduler started")
	}

	fmt.Fprintf(out, "✓ Listening on %s\n", cfg.Server.ListenAddress)
	fmt.Fprintln(out, "\nPress Ctrl+C to stop")

	if err := a.server.Start(ctx); err != nil {
		return cli.NewCommandError("run", err)
	}
	fmt.Fprintln(out, "✓ Server stopped")
	return nil
}

// startReloader reloads the config file on change and on SIGHUP until ctx
// is cancelled.
func startReloader(ctx context.Context, a *app, logger *slog.Logger) {
	watcher := config.NewWatcher(cfgFile, a.holder, logger)
	watcher.OnChange(a.applyConfig)

	go func() {
		if err := watcher.Watch(ctx); err != nil && ctx.Err() == nil {
			logger.Error("config watcher stopped", "error", err)
		}
	}()

	hup, stopHUP := cli.ReloadSignal()
	go func() {
		defer stopHUP()
		for {
			select {
			case <-ctx.Done():
				return
			case <-hup:
				logger.Info("SIGHUP received, reloading configuration")
				watcher.Reload()
			}
		}
	}()
}

func printBanner(cmd *cobra.Command, cfg *config.Config) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Speechgate v%s\n", Version)
	if cfgFile != "" {
		fmt.Fprintf(out, "Configuration: %s\n", cfgFile)
	} else {
		fmt.Fprintln(out, "Configuration: defaults and environment")
	}
	fmt.Fprintf(out, "✓ Quota store: %s\n", cfg.Storage.Backend)
	if cfg.Events.Enabled {
		fmt.Fprintf(out, "✓ Event log: %s\n", cfg.Events.Backend)
	}
	if n := len(cfg.Relays.Endpoints); n > 0 {
		fmt.Fprintf(out, "✓ Relays: %d\n", n)
	} else {
		fmt.Fprintln(out, "✓ Relays: none, direct only")
	}
	if cfg.Telemetry.Metrics.Enabled {
		fmt.Fprintf(out, "✓ Metrics: %s\n", cfg.Telemetry.Metrics.Path)
	}
}
