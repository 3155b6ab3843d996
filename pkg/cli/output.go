package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
)

// OutputFormat represents the output format for command results.
type OutputFormat string

const (
	// FormatText is a rendered table (default).
	FormatText OutputFormat = "text"
	// FormatJSON is a JSON array of objects.
	FormatJSON OutputFormat = "json"
	// FormatCSV is CSV with a header row.
	FormatCSV OutputFormat = "csv"
)

// ParseFormat validates a --format flag value.
func ParseFormat(s string) (OutputFormat, error) {
	switch f := OutputFormat(strings.ToLower(strings.TrimSpace(s))); f {
	case "", FormatText, "table":
		return FormatText, nil
	case FormatJSON, FormatCSV:
		return f, nil
	default:
		return "", fmt.Errorf("unknown output format %q (want text, json or csv)", s)
	}
}

// Table is tabular command output.
type Table struct {
	headers []string
	rows    [][]any
	footer  []any
}

// NewTable creates a table with the given column headers.
func NewTable(headers ...string) *Table {
	return &Table{headers: headers}
}

// Append adds a row. Missing trailing cells render empty.
func (t *Table) Append(cells ...any) {
	t.rows = append(t.rows, cells)
}

// Footer sets a summary row shown in text output only.
func (t *Table) Footer(cells ...any) {
	t.footer = cells
}

// Len returns the number of rows.
func (t *Table) Len() int {
	return len(t.rows)
}

// Render writes the table to w in format.
func (t *Table) Render(w io.Writer, format OutputFormat) error {
	switch format {
	case FormatJSON:
		return t.renderJSON(w)
	case FormatCSV:
		_, err := io.WriteString(w, t.writer().RenderCSV()+"\n")
		return err
	default:
		tw := t.writer()
		tw.SetStyle(table.StyleRounded)
		tw.Style().Format.Footer = text.FormatDefault
		if len(t.footer) > 0 {
			tw.AppendFooter(table.Row(t.footer))
		}
		_, err := io.WriteString(w, tw.Render()+"\n")
		return err
	}
}

func (t *Table) writer() table.Writer {
	tw := table.NewWriter()
	header := make(table.Row, len(t.headers))
	for i, h := range t.headers {
		header[i] = h
	}
	tw.AppendHeader(header)
	for _, r := range t.rows {
		tw.AppendRow(table.Row(r))
	}
	return tw
}

func (t *Table) renderJSON(w io.Writer) error {
	out := make([]map[string]any, 0, len(t.rows))
	for _, r := range t.rows {
		obj := make(map[string]any, len(t.headers))
		for i, h := range t.headers {
			key := strings.ToLower(strings.ReplaceAll(h, " ", "_"))
			if i < len(r) {
				obj[key] = r[i]
			} else {
				obj[key] = nil
			}
		}
		out = append(out, obj)
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}
