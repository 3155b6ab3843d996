// Speechgate is the admission-control and dispatch gateway in front of a
// text-to-speech backend.
//
// It authenticates callers by API key or client IP, enforces per-tier
// character, per-minute, daily and concurrency limits, and forwards
// admitted requests to the synthesis upstream through a pool of relays
// with retries and a final direct attempt.
//
// Usage:
//
//	# Start the gateway with defaults and SPEECHGATE_* overrides
//	speechgate run
//
//	# Start with a configuration file
//	speechgate run --config /etc/speechgate/speechgate.yaml
//
//	# Check a configuration file
//	speechgate validate --config speechgate.yaml
//
//	# Show today's quota usage
//	speechgate usage --format table
//
//	# Show recent rejections for one caller
//	speechgate events --identity ip:203.0.113.7 --outcome rejected
package main

import (
	"os"

	"eidos-hq/speechgate/pkg/cli"
)

func main() {
	os.Exit(cli.ExitCode(Execute()))
}
