package cli

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func sampleTable() *Table {
	tbl := NewTable("Identity", "Date", "Requests")
	tbl.Append("ip:203.0.113.5", "2025-06-15", 3)
	tbl.Append("key:42", "2025-06-15", 17)
	tbl.Footer("", "total", 20)
	return tbl
}

func TestParseFormat(t *testing.T) {
	tests := []struct {
		in      string
		want    OutputFormat
		wantErr bool
	}{
		{"", FormatText, false},
		{"text", FormatText, false},
		{"table", FormatText, false},
		{"JSON", FormatJSON, false},
		{"csv", FormatCSV, false},
		{"xml", "", true},
	}
	for _, tt := range tests {
		got, err := ParseFormat(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseFormat(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseFormat(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestTable_Text(t *testing.T) {
	var buf bytes.Buffer
	if err := sampleTable().Render(&buf, FormatText); err != nil {
		t.Fatalf("Render failed: %v", err)
	}
	out := buf.String()
	for _, want := range []string{"IDENTITY", "ip:203.0.113.5", "key:42", "total", "20"} {
		if !strings.Contains(out, want) {
			t.Errorf("Expected %q in output:\n%s", want, out)
		}
	}
	if strings.Contains(out, "TOTAL") {
		t.Errorf("Expected footer text to keep its case:\n%s", out)
	}
}

func TestTable_JSON(t *testing.T) {
	var buf bytes.Buffer
	if err := sampleTable().Render(&buf, FormatJSON); err != nil {
		t.Fatalf("Render failed: %v", err)
	}

	var rows []map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rows); err != nil {
		t.Fatalf("Invalid JSON: %v\n%s", err, buf.String())
	}
	if len(rows) != 2 {
		t.Fatalf("Expected 2 rows, got %d", len(rows))
	}
	if rows[1]["identity"] != "key:42" || rows[1]["requests"] != float64(17) {
		t.Errorf("Unexpected row: %v", rows[1])
	}
	if strings.Contains(buf.String(), "total") {
		t.Error("Footer must not appear in JSON output")
	}
}

func TestTable_JSONEmpty(t *testing.T) {
	var buf bytes.Buffer
	if err := NewTable("A").Render(&buf, FormatJSON); err != nil {
		t.Fatalf("Render failed: %v", err)
	}
	if strings.TrimSpace(buf.String()) != "[]" {
		t.Errorf("Expected empty array, got %q", buf.String())
	}
}

func TestTable_CSV(t *testing.T) {
	var buf bytes.Buffer
	if err := sampleTable().Render(&buf, FormatCSV); err != nil {
		t.Fatalf("Render failed: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 3 {
		t.Fatalf("Expected header and 2 rows, got %d lines:\n%s", len(lines), buf.String())
	}
	if lines[1] != "ip:203.0.113.5,2025-06-15,3" {
		t.Errorf("Unexpected CSV row %q", lines[1])
	}
}
