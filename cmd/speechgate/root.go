package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	cfgFile string
	verbose bool
)

var rootCmd = &cobra.Command{
	Use:   "speechgate",
	Short: "Speechgate - admission control and dispatch for a TTS backend",
	Long: `Speechgate sits in front of a text-to-speech backend and decides which
requests reach it.

It provides:
  - API key and client IP identities with per-tier limits
  - Character, per-minute, daily and single-flight enforcement
  - A global cap on heavy multi-voice renders
  - Relay rotation with failure cooldown and a direct final attempt
  - A persistent usage event log and scheduled retention

Without --config the built-in defaults are used. SPEECHGATE_* environment
variables override both.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command and reports any error on stderr.
func Execute() error {
	err := rootCmd.Execute()
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
	}
	return err
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path (defaults plus environment when empty)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
}
