package main

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"eidos-hq/speechgate/pkg/cli"
	"eidos-hq/speechgate/pkg/config"
	"eidos-hq/speechgate/pkg/limits"
)

var validateFlags struct {
	format string
}

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate a configuration file",
	Long: `Load a configuration file, apply defaults and SPEECHGATE_* overrides, and
check it. On success the effective tier table is printed.

Exit status is 2 when the configuration is invalid.

Examples:
  speechgate validate --config speechgate.yaml
  speechgate validate --config speechgate.yaml --format json`,
	RunE: validateConfig,
}

func init() {
	rootCmd.AddCommand(validateCmd)

	validateCmd.Flags().StringVar(&validateFlags.format, "format", "text", "output format: text, json, csv")
}

func validateConfig(cmd *cobra.Command, args []string) error {
	format, err := cli.ParseFormat(validateFlags.format)
	if err != nil {
		return err
	}
	cfg, err := config.LoadConfigWithEnvOverrides(cfgFile)
	if err != nil {
		return cli.NewConfigError(cfgFile, err)
	}

	out := cmd.OutOrStdout()
	if format == cli.FormatText {
		fmt.Fprintln(out, "✓ Configuration valid")
	}
	return tierTable(cfg).Render(out, format)
}

// tierTable lists every tier with the number of API keys bound to it.
func tierTable(cfg *config.Config) *cli.Table {
	keys := make(map[string]int)
	for _, k := range cfg.APIKeys {
		keys[k.Tier]++
	}
	names := make([]string, 0, len(cfg.Tiers))
	for name := range cfg.Tiers {
		names = append(names, name)
	}
	sort.Strings(names)

	t := cli.NewTable("Tier", "Char Limit", "Per Minute", "Per Day", "API Keys")
	for _, name := range names {
		lim, _ := cfg.Tier(limits.Tier(name))
		t.Append(name, limitCell(lim.CharLimit), limitCell(lim.RequestsPerMinute), limitCell(lim.RequestsPerDay), keys[name])
	}
	return t
}

func limitCell(v int) any {
	if v < 0 {
		return "unlimited"
	}
	return v
}
