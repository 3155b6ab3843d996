/*
Package cli provides helpers shared by the speechgate commands.

Output Formatting:

Commands that list records build a Table and render it in the format the
user asked for. Text output is a go-pretty table; JSON output is an array of
objects keyed by the column headers; CSV output has a header row.

	tbl := cli.NewTable("Identity", "Date", "Requests")
	tbl.Append("ip:203.0.113.5", "2025-06-15", 3)
	if err := tbl.Render(os.Stdout, cli.FormatText); err != nil {
		return err
	}

Signal Handling:

	ctx, stop := cli.SetupSignalHandler(context.Background())
	defer stop()

Errors:

ConfigError and CommandError carry the exit code reported by ExitCode.
*/
package cli
