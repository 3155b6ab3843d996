package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"eidos-hq/speechgate/pkg/cli"
	"eidos-hq/speechgate/pkg/config"
	"eidos-hq/speechgate/pkg/maintenance"
)

var pruneFlags struct {
	quotaDays int
	eventDays int
}

var pruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Apply retention to the quota and event stores now",
	Long: `Run the retention job once against the configured stores, outside the
server's schedule. Quota rows and events older than the retention window are
deleted. A retention of 0 days keeps everything.

Examples:
  speechgate prune --config speechgate.yaml
  speechgate prune --quota-days 30 --event-days 7`,
	RunE: runPrune,
}

func init() {
	rootCmd.AddCommand(pruneCmd)

	pruneCmd.Flags().IntVar(&pruneFlags.quotaDays, "quota-days", -1, "override storage.retention_days")
	pruneCmd.Flags().IntVar(&pruneFlags.eventDays, "event-days", -1, "override events.retention_days")
}

func runPrune(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfigWithEnvOverrides(cfgFile)
	if err != nil {
		return cli.NewConfigError(cfgFile, err)
	}
	if pruneFlags.quotaDays >= 0 {
		cfg.Storage.RetentionDays = pruneFlags.quotaDays
	}
	if pruneFlags.eventDays >= 0 {
		cfg.Events.RetentionDays = pruneFlags.eventDays
	}

	quota, err := openQuotaStore(cfg.Storage)
	if err != nil {
		return cli.NewCommandError("prune", err)
	}
	defer quota.Close()

	mc := maintenance.Config{
		Quota:              quota,
		QuotaRetentionDays: cfg.Storage.RetentionDays,
		EventRetentionDays: cfg.Events.RetentionDays,
	}
	if cfg.Events.Enabled {
		store, err := openEventStore(cfg.Events)
		if err != nil {
			return cli.NewCommandError("prune", err)
		}
		defer store.Close()
		mc.Events = store
	}

	sched, err := maintenance.NewScheduler(mc)
	if err != nil {
		return cli.NewCommandError("prune", err)
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Minute)
	defer cancel()
	res, err := sched.RunRetention(ctx)

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "✓ Quota rows deleted: %d\n", res.QuotaRowsDeleted)
	fmt.Fprintf(out, "✓ Events deleted: %d\n", res.EventsDeleted)
	if err != nil {
		return cli.NewCommandError("prune", err)
	}
	return nil
}
