package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"eidos-hq/speechgate/pkg/cli"
	"eidos-hq/speechgate/pkg/config"
	"eidos-hq/speechgate/pkg/events"
)

var eventsFlags struct {
	identity string
	kind     string
	outcome  string
	since    time.Duration
	limit    int
	format   string
}

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Query the usage event log",
	Long: `Print recent admission and dispatch events, newest first.

Examples:
  # Last 100 events
  speechgate events --config speechgate.yaml

  # Rejections for one caller in the last hour
  speechgate events --identity key:42 --outcome rejected --since 1h

  # Dispatch failures as JSON
  speechgate events --kind dispatch --outcome failure --format json`,
	RunE: queryEvents,
}

func init() {
	rootCmd.AddCommand(eventsCmd)

	eventsCmd.Flags().StringVar(&eventsFlags.identity, "identity", "", "filter by identity (ip:<addr> or key:<id>)")
	eventsCmd.Flags().StringVar(&eventsFlags.kind, "kind", "", "filter by kind: admission, dispatch")
	eventsCmd.Flags().StringVar(&eventsFlags.outcome, "outcome", "", "filter by outcome: admitted, rejected, success, failure, cache_hit")
	eventsCmd.Flags().DurationVar(&eventsFlags.since, "since", 0, "only events newer than this age")
	eventsCmd.Flags().IntVar(&eventsFlags.limit, "limit", events.DefaultQueryLimit, "maximum number of events")
	eventsCmd.Flags().StringVar(&eventsFlags.format, "format", "text", "output format: text, json, csv")
}

func queryEvents(cmd *cobra.Command, args []string) error {
	format, err := cli.ParseFormat(eventsFlags.format)
	if err != nil {
		return err
	}
	q, err := eventQuery(time.Now())
	if err != nil {
		return err
	}

	cfg, err := config.LoadConfigWithEnvOverrides(cfgFile)
	if err != nil {
		return cli.NewConfigError(cfgFile, err)
	}
	if cfg.Events.Backend == "memory" {
		return errors.New("the memory event store is not persistent; nothing to show")
	}

	store, err := openEventStore(cfg.Events)
	if err != nil {
		return cli.NewCommandError("events", err)
	}
	defer store.Close()

	ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
	defer cancel()
	list, err := store.Query(ctx, q)
	if err != nil {
		return cli.NewCommandError("events", err)
	}
	return eventTable(list).Render(cmd.OutOrStdout(), format)
}

// eventQuery builds the store query from the command flags.
func eventQuery(now time.Time) (events.Query, error) {
	q := events.Query{
		Identity: eventsFlags.identity,
		Kind:     events.Kind(eventsFlags.kind),
		Outcome:  eventsFlags.outcome,
		Limit:    eventsFlags.limit,
	}
	switch q.Kind {
	case "", events.KindAdmission, events.KindDispatch:
	default:
		return q, fmt.Errorf("invalid --kind %q", eventsFlags.kind)
	}
	if q.Limit <= 0 {
		return q, fmt.Errorf("--limit must be positive")
	}
	if eventsFlags.since > 0 {
		q.Since = now.Add(-eventsFlags.since)
	}
	return q, nil
}

func eventTable(list []*events.Event) *cli.Table {
	t := cli.NewTable("Time", "Kind", "Identity", "Class", "Chars", "Outcome", "Reason", "Attempts", "Duration MS", "Request ID")
	for _, e := range list {
		t.Append(
			e.Time.UTC().Format(time.RFC3339),
			string(e.Kind),
			e.Identity,
			e.Class,
			e.Chars,
			e.Outcome,
			e.Reason,
			e.Attempts,
			e.DurationMS,
			e.RequestID,
		)
	}
	return t
}
