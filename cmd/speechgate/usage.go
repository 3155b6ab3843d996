package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"eidos-hq/speechgate/pkg/cli"
	"eidos-hq/speechgate/pkg/config"
	"eidos-hq/speechgate/pkg/limits/storage"
)

var usageFlags struct {
	date   string
	format string
}

var usageCmd = &cobra.Command{
	Use:   "usage",
	Short: "Show daily quota usage",
	Long: `List the quota rows of one UTC day from the configured quota store.

Each row is one caller: an API key id or a client IP. Counters are per
request class.

Examples:
  # Today
  speechgate usage --config speechgate.yaml

  # A past day as CSV
  speechgate usage --date 2025-06-14 --format csv`,
	RunE: showUsage,
}

func init() {
	rootCmd.AddCommand(usageCmd)

	usageCmd.Flags().StringVar(&usageFlags.date, "date", "", "UTC day as YYYY-MM-DD (default today)")
	usageCmd.Flags().StringVar(&usageFlags.format, "format", "text", "output format: text, json, csv")
}

func showUsage(cmd *cobra.Command, args []string) error {
	format, err := cli.ParseFormat(usageFlags.format)
	if err != nil {
		return err
	}
	date := usageFlags.date
	if date == "" {
		date = storage.DayOf(time.Now())
	} else if _, err := time.Parse(storage.DateLayout, date); err != nil {
		return fmt.Errorf("invalid --date %q: expected YYYY-MM-DD", date)
	}

	cfg, err := config.LoadConfigWithEnvOverrides(cfgFile)
	if err != nil {
		return cli.NewConfigError(cfgFile, err)
	}
	if cfg.Storage.Backend == "memory" {
		return errors.New("the memory quota store is not persistent; nothing to show")
	}

	store, err := openQuotaStore(cfg.Storage)
	if err != nil {
		return cli.NewCommandError("usage", err)
	}
	defer store.Close()

	ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
	defer cancel()
	rows, err := store.List(ctx, date)
	if err != nil {
		return cli.NewCommandError("usage", err)
	}
	return usageTable(rows).Render(cmd.OutOrStdout(), format)
}

func usageTable(rows []*storage.Row) *cli.Table {
	headers := []string{"Identity", "Requests", "Chars"}
	for _, c := range storage.Classes {
		headers = append(headers, string(c))
	}
	headers = append(headers, "Updated")
	t := cli.NewTable(headers...)

	var requests, chars int64
	for _, r := range rows {
		cells := []any{r.Key.String(), r.RequestCount, r.CharsConsumed}
		for _, c := range storage.Classes {
			cells = append(cells, r.ClassCount(c))
		}
		cells = append(cells, r.UpdatedAt.UTC().Format(time.RFC3339))
		t.Append(cells...)
		requests += r.RequestCount
		chars += r.CharsConsumed
	}
	t.Footer(fmt.Sprintf("%d callers", len(rows)), requests, chars)
	return t
}
