package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"eidos-hq/speechgate/pkg/cli"
	"eidos-hq/speechgate/pkg/events"
	"eidos-hq/speechgate/pkg/limits/storage"
)

// writeConfig writes a config whose stores live under a temp dir.
func writeConfig(t *testing.T, extra string) (path, dir string) {
	t.Helper()
	dir = t.TempDir()
	body := "upstream:\n" +
		"  base_url: http://127.0.0.1:9\n" +
		"storage:\n" +
		"  backend: sqlite\n" +
		"  sqlite:\n" +
		"    path: " + filepath.Join(dir, "quota.db") + "\n" +
		"events:\n" +
		"  backend: sqlite\n" +
		"  path: " + filepath.Join(dir, "events.db") + "\n" +
		"api_keys:\n" +
		"  sk-test-000000001:\n" +
		"    id: \"7\"\n" +
		"    tier: free\n" +
		extra
	path = filepath.Join(dir, "speechgate.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path, dir
}

// execute runs the root command with args and returns its stdout.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	resetFlags()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	defer func() {
		rootCmd.SetOut(nil)
		rootCmd.SetErr(nil)
		rootCmd.SetArgs(nil)
	}()
	err := rootCmd.Execute()
	return out.String(), err
}

func resetFlags() {
	cfgFile, verbose = "", false
	validateFlags.format = "text"
	usageFlags.date, usageFlags.format = "", "text"
	eventsFlags.identity, eventsFlags.kind, eventsFlags.outcome = "", "", ""
	eventsFlags.since, eventsFlags.limit, eventsFlags.format = 0, events.DefaultQueryLimit, "text"
	pruneFlags.quotaDays, pruneFlags.eventDays = -1, -1
}

func decodeRows(t *testing.T, out string) []map[string]any {
	t.Helper()
	var rows []map[string]any
	if err := json.Unmarshal([]byte(out), &rows); err != nil {
		t.Fatalf("Expected JSON output, got %q: %v", out, err)
	}
	return rows
}

func TestValidateCommand(t *testing.T) {
	path, _ := writeConfig(t, "")

	out, err := execute(t, "validate", "--config", path, "--format", "json")
	if err != nil {
		t.Fatalf("Expected valid config, got %v", err)
	}
	rows := decodeRows(t, out)
	if len(rows) != 2 {
		t.Fatalf("Expected 2 tiers, got %d", len(rows))
	}
	if rows[0]["tier"] != "anonymous" || rows[1]["tier"] != "free" {
		t.Errorf("Expected tiers sorted by name, got %v and %v", rows[0]["tier"], rows[1]["tier"])
	}
	if rows[1]["api_keys"] != float64(1) {
		t.Errorf("Expected 1 key on free tier, got %v", rows[1]["api_keys"])
	}
	if rows[0]["char_limit"] != float64(500) {
		t.Errorf("Expected anonymous char_limit 500, got %v", rows[0]["char_limit"])
	}
}

func TestValidateCommand_Unlimited(t *testing.T) {
	path, _ := writeConfig(t, "tiers:\n"+
		"  anonymous: {char_limit: 500, requests_per_day: 5, requests_per_minute: 1}\n"+
		"  free: {char_limit: 1000, requests_per_day: 30, requests_per_minute: 3}\n"+
		"  pro: {char_limit: -1, requests_per_day: -1, requests_per_minute: 60}\n")

	out, err := execute(t, "validate", "--config", path, "--format", "json")
	if err != nil {
		t.Fatalf("Expected valid config, got %v", err)
	}
	rows := decodeRows(t, out)
	if len(rows) != 3 {
		t.Fatalf("Expected 3 tiers, got %d", len(rows))
	}
	if rows[2]["char_limit"] != "unlimited" {
		t.Errorf("Expected unlimited char_limit, got %v", rows[2]["char_limit"])
	}
}

func TestValidateCommand_Invalid(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.yaml")
	if err := os.WriteFile(path, []byte("storage:\n  backend: etcd\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	_, err := execute(t, "validate", "--config", path)
	if err == nil {
		t.Fatal("Expected validation error")
	}
	if code := cli.ExitCode(err); code != cli.ExitConfigError {
		t.Errorf("Expected exit code %d, got %d", cli.ExitConfigError, code)
	}
	if !strings.Contains(err.Error(), "storage.backend") {
		t.Errorf("Expected storage.backend in error, got %v", err)
	}
}

func TestRunCommand_DryRun(t *testing.T) {
	path, _ := writeConfig(t, "")
	defer func() { runFlags.dryRun = false }()

	out, err := execute(t, "run", "--config", path, "--dry-run")
	if err != nil {
		t.Fatalf("Expected dry run to succeed, got %v", err)
	}
	if !strings.Contains(out, "Configuration valid") {
		t.Errorf("Expected confirmation, got %q", out)
	}
}

func TestUsageCommand(t *testing.T) {
	path, dir := writeConfig(t, "")

	store, err := storage.NewSQLiteStore(filepath.Join(dir, "quota.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	ctx := context.Background()
	key := storage.Key{Kind: storage.KindKey, Subject: "7"}
	for i := 0; i < 2; i++ {
		if _, err := store.GetOrCreateAndIncrement(ctx, key, "2025-06-15", storage.Deltas{Requests: 1, Chars: 10, Class: storage.ClassAPITTS}); err != nil {
			t.Fatalf("increment: %v", err)
		}
	}
	ip := storage.Key{Kind: storage.KindIP, Subject: "203.0.113.7"}
	if _, err := store.GetOrCreateAndIncrement(ctx, ip, "2025-06-14", storage.Deltas{Requests: 1, Chars: 5, Class: storage.ClassWebUITTS}); err != nil {
		t.Fatalf("increment: %v", err)
	}
	store.Close()

	out, err := execute(t, "usage", "--config", path, "--date", "2025-06-15", "--format", "json")
	if err != nil {
		t.Fatalf("Expected usage to succeed, got %v", err)
	}
	rows := decodeRows(t, out)
	if len(rows) != 1 {
		t.Fatalf("Expected 1 row for the day, got %d", len(rows))
	}
	if rows[0]["identity"] != "key:7" {
		t.Errorf("Expected identity key:7, got %v", rows[0]["identity"])
	}
	if rows[0]["requests"] != float64(2) || rows[0]["chars"] != float64(20) {
		t.Errorf("Expected 2 requests and 20 chars, got %v and %v", rows[0]["requests"], rows[0]["chars"])
	}
	if rows[0]["api_tts"] != float64(2) {
		t.Errorf("Expected api_tts 2, got %v", rows[0]["api_tts"])
	}
}

func TestUsageCommand_BadDate(t *testing.T) {
	path, _ := writeConfig(t, "")
	if _, err := execute(t, "usage", "--config", path, "--date", "15/06/2025"); err == nil {
		t.Fatal("Expected error for malformed date")
	}
}

func TestUsageTable_Footer(t *testing.T) {
	rows := []*storage.Row{
		{Key: storage.Key{Kind: storage.KindIP, Subject: "198.51.100.1"}, RequestCount: 3, CharsConsumed: 30},
		{Key: storage.Key{Kind: storage.KindKey, Subject: "9"}, RequestCount: 1, CharsConsumed: 4},
	}
	var out bytes.Buffer
	if err := usageTable(rows).Render(&out, cli.FormatText); err != nil {
		t.Fatalf("render: %v", err)
	}
	text := out.String()
	for _, want := range []string{"ip:198.51.100.1", "key:9", "2 callers", "34"} {
		if !strings.Contains(text, want) {
			t.Errorf("Expected table to contain %q, got:\n%s", want, text)
		}
	}
}

func TestEventsCommand(t *testing.T) {
	path, dir := writeConfig(t, "")

	store, err := events.NewSQLiteStore(events.SQLiteConfig{Path: filepath.Join(dir, "events.db")})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	ctx := context.Background()
	now := time.Now().UTC()
	seed := []*events.Event{
		{ID: "e1", Time: now.Add(-3 * time.Minute), Kind: events.KindAdmission, Identity: "key:7", Outcome: events.OutcomeAdmitted, Chars: 12},
		{ID: "e2", Time: now.Add(-2 * time.Minute), Kind: events.KindDispatch, Identity: "key:7", Outcome: events.OutcomeSuccess, Attempts: 1},
		{ID: "e3", Time: now.Add(-time.Minute), Kind: events.KindAdmission, Identity: "ip:203.0.113.7", Outcome: events.OutcomeRejected, Reason: "daily_exceeded"},
	}
	for _, e := range seed {
		if err := store.Append(ctx, e); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	store.Close()

	out, err := execute(t, "events", "--config", path, "--identity", "key:7", "--format", "json")
	if err != nil {
		t.Fatalf("Expected events to succeed, got %v", err)
	}
	rows := decodeRows(t, out)
	if len(rows) != 2 {
		t.Fatalf("Expected 2 events, got %d", len(rows))
	}
	if rows[0]["kind"] != "dispatch" {
		t.Errorf("Expected newest first, got %v", rows[0]["kind"])
	}

	out, err = execute(t, "events", "--config", path, "--outcome", "rejected", "--format", "json")
	if err != nil {
		t.Fatalf("Expected events to succeed, got %v", err)
	}
	rows = decodeRows(t, out)
	if len(rows) != 1 || rows[0]["reason"] != "daily_exceeded" {
		t.Errorf("Expected one daily_exceeded rejection, got %v", rows)
	}
}

func TestEventQuery(t *testing.T) {
	resetFlags()
	now := time.Date(2025, 6, 15, 10, 0, 0, 0, time.UTC)

	eventsFlags.since = time.Hour
	q, err := eventQuery(now)
	if err != nil {
		t.Fatalf("Expected valid query, got %v", err)
	}
	if !q.Since.Equal(now.Add(-time.Hour)) {
		t.Errorf("Expected since %v, got %v", now.Add(-time.Hour), q.Since)
	}

	eventsFlags.kind = "billing"
	if _, err := eventQuery(now); err == nil {
		t.Error("Expected error for unknown kind")
	}

	resetFlags()
	eventsFlags.limit = 0
	if _, err := eventQuery(now); err == nil {
		t.Error("Expected error for zero limit")
	}
}

func TestPruneCommand(t *testing.T) {
	path, dir := writeConfig(t, "")
	ctx := context.Background()

	quota, err := storage.NewSQLiteStore(filepath.Join(dir, "quota.db"))
	if err != nil {
		t.Fatalf("open quota store: %v", err)
	}
	key := storage.Key{Kind: storage.KindIP, Subject: "203.0.113.7"}
	for _, date := range []string{"2000-01-01", storage.DayOf(time.Now())} {
		if _, err := quota.GetOrCreateAndIncrement(ctx, key, date, storage.Deltas{Requests: 1}); err != nil {
			t.Fatalf("increment: %v", err)
		}
	}
	quota.Close()

	evs, err := events.NewSQLiteStore(events.SQLiteConfig{Path: filepath.Join(dir, "events.db")})
	if err != nil {
		t.Fatalf("open event store: %v", err)
	}
	old := &events.Event{ID: "old", Time: time.Now().AddDate(0, 0, -60), Kind: events.KindAdmission, Identity: "ip:203.0.113.7", Outcome: events.OutcomeAdmitted}
	recent := &events.Event{ID: "new", Time: time.Now(), Kind: events.KindAdmission, Identity: "ip:203.0.113.7", Outcome: events.OutcomeAdmitted}
	for _, e := range []*events.Event{old, recent} {
		if err := evs.Append(ctx, e); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	evs.Close()

	out, err := execute(t, "prune", "--config", path)
	if err != nil {
		t.Fatalf("Expected prune to succeed, got %v", err)
	}
	if !strings.Contains(out, "Quota rows deleted: 1") {
		t.Errorf("Expected one quota row deleted, got %q", out)
	}
	if !strings.Contains(out, "Events deleted: 1") {
		t.Errorf("Expected one event deleted, got %q", out)
	}
}

func TestCompletionCommand(t *testing.T) {
	out, err := execute(t, "completion", "bash")
	if err != nil {
		t.Fatalf("Expected completion to succeed, got %v", err)
	}
	if !strings.Contains(out, "speechgate") {
		t.Errorf("Expected script to mention speechgate")
	}

	if _, err := execute(t, "completion", "tcsh"); err == nil {
		t.Error("Expected error for unsupported shell")
	}
}
