package storage

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
)

// newTestSQLiteStore creates a SQLite store in a temporary directory.
func newTestSQLiteStore(t *testing.T) (*SQLiteStore, func()) {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "quota.db")
	store, err := NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("Failed to create SQLite store: %v", err)
	}

	cleanup := func() {
		store.Close()
		os.Remove(dbPath)
		os.Remove(dbPath + "-shm")
		os.Remove(dbPath + "-wal")
	}
	return store, cleanup
}

// forEachStore runs fn against every local backend.
func forEachStore(t *testing.T, fn func(t *testing.T, store Store)) {
	t.Run("memory", func(t *testing.T) {
		store := NewMemoryStore()
		defer store.Close()
		fn(t, store)
	})
	t.Run("sqlite", func(t *testing.T) {
		store, cleanup := newTestSQLiteStore(t)
		defer cleanup()
		fn(t, store)
	})
}

func mustKey(t *testing.T, identity string) Key {
	t.Helper()
	key, err := ParseKey(identity)
	if err != nil {
		t.Fatalf("ParseKey(%q) failed: %v", identity, err)
	}
	return key
}

func TestParseKey(t *testing.T) {
	tests := []struct {
		identity string
		want     Key
		wantErr  bool
	}{
		{identity: "ip:203.0.113.5", want: Key{Kind: KindIP, Subject: "203.0.113.5"}},
		{identity: "key:42", want: Key{Kind: KindKey, Subject: "42"}},
		{identity: "ip:2001:db8::1", want: Key{Kind: KindIP, Subject: "2001:db8::1"}},
		{identity: "user:42", wantErr: true},
		{identity: "ip:", wantErr: true},
		{identity: "203.0.113.5", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.identity, func(t *testing.T) {
			got, err := ParseKey(tt.identity)
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidKey) {
					t.Fatalf("Expected ErrInvalidKey, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("Expected %+v, got %+v", tt.want, got)
			}
			if got.String() != tt.identity {
				t.Errorf("Expected String() %q, got %q", tt.identity, got.String())
			}
		})
	}
}

func TestStore_CreateAndIncrement(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		key := mustKey(t, "key:42")

		row, err := store.GetOrCreateAndIncrement(ctx, key, "2025-03-01", Deltas{Requests: 1, Chars: 120, Class: ClassAPITTS})
		if err != nil {
			t.Fatalf("GetOrCreateAndIncrement failed: %v", err)
		}
		if row.RequestCount != 1 {
			t.Errorf("Expected request count 1, got %d", row.RequestCount)
		}
		if row.CharsConsumed != 120 {
			t.Errorf("Expected chars 120, got %d", row.CharsConsumed)
		}
		if row.ClassCount(ClassAPITTS) != 1 {
			t.Errorf("Expected api_tts 1, got %d", row.ClassCount(ClassAPITTS))
		}

		row, err = store.GetOrCreateAndIncrement(ctx, key, "2025-03-01", Deltas{Requests: 1, Chars: 30, Class: ClassWebUIMultiVoice})
		if err != nil {
			t.Fatalf("GetOrCreateAndIncrement failed: %v", err)
		}
		if row.RequestCount != 2 || row.CharsConsumed != 150 {
			t.Errorf("Expected count 2 chars 150, got count %d chars %d", row.RequestCount, row.CharsConsumed)
		}
		if row.ClassCount(ClassWebUIMultiVoice) != 1 || row.ClassCount(ClassAPITTS) != 1 {
			t.Errorf("Unexpected class counters: %v", row.Classes)
		}

		// A new date starts a new row.
		next, err := store.GetOrCreateAndIncrement(ctx, key, "2025-03-02", Deltas{Requests: 1})
		if err != nil {
			t.Fatalf("GetOrCreateAndIncrement failed: %v", err)
		}
		if next.RequestCount != 1 {
			t.Errorf("Expected fresh row with count 1, got %d", next.RequestCount)
		}
		if next.ID == row.ID {
			t.Errorf("Expected distinct row ids, both %d", row.ID)
		}
	})
}

func TestStore_ConcurrentFirstCalls(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		key := mustKey(t, "ip:198.51.100.7")

		var wg sync.WaitGroup
		errs := make(chan error, 2)
		for i := 0; i < 2; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := store.GetOrCreateAndIncrement(ctx, key, "2025-03-01", Deltas{Requests: 1, Chars: 10})
				errs <- err
			}()
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			if err != nil {
				t.Fatalf("GetOrCreateAndIncrement failed: %v", err)
			}
		}

		rows, err := store.List(ctx, "2025-03-01")
		if err != nil {
			t.Fatalf("List failed: %v", err)
		}
		if len(rows) != 1 {
			t.Fatalf("Expected exactly 1 row, got %d", len(rows))
		}
		if rows[0].RequestCount != 2 {
			t.Errorf("Expected request count 2, got %d", rows[0].RequestCount)
		}
		if rows[0].CharsConsumed != 20 {
			t.Errorf("Expected chars 20, got %d", rows[0].CharsConsumed)
		}
	})
}

func TestStore_ConsumeIfBelowNeverExceedsLimit(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		key := mustKey(t, "key:7")
		const limit = 5

		var (
			wg      sync.WaitGroup
			mu      sync.Mutex
			applied int
		)
		for i := 0; i < 50; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				row, ok, err := store.ConsumeIfBelow(ctx, key, "2025-03-01", Deltas{Requests: 1, Class: ClassAPITTS}, limit)
				if err != nil {
					t.Errorf("ConsumeIfBelow failed: %v", err)
					return
				}
				if row.RequestCount > limit {
					t.Errorf("Request count %d exceeds limit %d", row.RequestCount, limit)
				}
				if ok {
					mu.Lock()
					applied++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()

		if applied != limit {
			t.Errorf("Expected %d applied increments, got %d", limit, applied)
		}
		row, err := store.Get(ctx, key, "2025-03-01")
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if row.RequestCount != limit {
			t.Errorf("Expected final count %d, got %d", limit, row.RequestCount)
		}
		if row.ClassCount(ClassAPITTS) != limit {
			t.Errorf("Expected api_tts %d, got %d", limit, row.ClassCount(ClassAPITTS))
		}
	})
}

func TestStore_RejectedConsumeLeavesRowUnchanged(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		key := mustKey(t, "ip:192.0.2.1")

		if _, ok, err := store.ConsumeIfBelow(ctx, key, "2025-03-01", Deltas{Requests: 1, Chars: 5}, 1); err != nil || !ok {
			t.Fatalf("Expected first consume applied, got ok=%v err=%v", ok, err)
		}
		row, ok, err := store.ConsumeIfBelow(ctx, key, "2025-03-01", Deltas{Requests: 1, Chars: 5}, 1)
		if err != nil {
			t.Fatalf("ConsumeIfBelow failed: %v", err)
		}
		if ok {
			t.Fatal("Expected second consume to be rejected")
		}
		if row.RequestCount != 1 || row.CharsConsumed != 5 {
			t.Errorf("Expected unchanged row (1, 5), got (%d, %d)", row.RequestCount, row.CharsConsumed)
		}
	})
}

func TestStore_GetMissing(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store) {
		row, err := store.Get(context.Background(), mustKey(t, "key:none"), "2025-03-01")
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if row != nil {
			t.Errorf("Expected nil row, got %+v", row)
		}
	})
}

func TestStore_UnknownClass(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store) {
		_, err := store.GetOrCreateAndIncrement(context.Background(), mustKey(t, "key:1"), "2025-03-01", Deltas{Requests: 1, Class: "batch"})
		if !errors.Is(err, ErrUnknownClass) {
			t.Errorf("Expected ErrUnknownClass, got %v", err)
		}
	})
}

func TestStore_Cleanup(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		key := mustKey(t, "key:1")
		for _, date := range []string{"2025-01-01", "2025-01-15", "2025-02-01"} {
			if _, err := store.GetOrCreateAndIncrement(ctx, key, date, Deltas{Requests: 1}); err != nil {
				t.Fatalf("GetOrCreateAndIncrement failed: %v", err)
			}
		}

		deleted, err := store.Cleanup(ctx, "2025-02-01")
		if err != nil {
			t.Fatalf("Cleanup failed: %v", err)
		}
		if deleted != 2 {
			t.Errorf("Expected 2 rows deleted, got %d", deleted)
		}
		if row, _ := store.Get(ctx, key, "2025-02-01"); row == nil {
			t.Error("Expected 2025-02-01 row to survive cleanup")
		}
	})
}

func TestStore_Closed(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store) {
		if err := store.Close(); err != nil {
			t.Fatalf("Close failed: %v", err)
		}
		if err := store.Close(); err != nil {
			t.Fatalf("Second Close failed: %v", err)
		}
		_, err := store.GetOrCreateAndIncrement(context.Background(), mustKey(t, "key:1"), "2025-03-01", Deltas{Requests: 1})
		if !errors.Is(err, ErrClosed) {
			t.Errorf("Expected ErrClosed, got %v", err)
		}
	})
}

func TestSQLiteStore_Persistence(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "quota.db")
	ctx := context.Background()
	key := mustKey(t, "key:42")

	store, err := NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	if _, err := store.GetOrCreateAndIncrement(ctx, key, "2025-03-01", Deltas{Requests: 1, Chars: 42}); err != nil {
		t.Fatalf("GetOrCreateAndIncrement failed: %v", err)
	}
	store.Close()

	store, err = NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("Reopen failed: %v", err)
	}
	defer store.Close()

	row, err := store.Get(ctx, key, "2025-03-01")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if row == nil || row.RequestCount != 1 || row.CharsConsumed != 42 {
		t.Errorf("Expected persisted row (1, 42), got %+v", row)
	}
}

func TestSQLiteStore_DuplicateRowsResolveToLowestID(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "legacy.db")

	// A table created without the unique constraint may hold duplicates.
	legacy, err := sql.Open("sqlite", dbPath)
	if err != nil {
		t.Fatalf("Failed to open legacy db: %v", err)
	}
	_, err = legacy.Exec(`
		CREATE TABLE quota_usage (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			identity_kind TEXT NOT NULL,
			subject TEXT NOT NULL,
			usage_date TEXT NOT NULL,
			request_count INTEGER NOT NULL DEFAULT 0,
			chars_consumed INTEGER NOT NULL DEFAULT 0,
			webui_tts INTEGER NOT NULL DEFAULT 0,
			api_tts INTEGER NOT NULL DEFAULT 0,
			webui_multivoice INTEGER NOT NULL DEFAULT 0,
			api_multivoice INTEGER NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		);
		INSERT INTO quota_usage (identity_kind, subject, usage_date, request_count, created_at, updated_at)
		VALUES ('ip', '192.0.2.9', '2025-03-01', 3, 0, 0),
		       ('ip', '192.0.2.9', '2025-03-01', 1, 0, 0);
	`)
	if err != nil {
		t.Fatalf("Failed to seed legacy db: %v", err)
	}
	legacy.Close()

	store, err := NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	defer store.Close()

	row, err := store.GetOrCreateAndIncrement(context.Background(), mustKey(t, "ip:192.0.2.9"), "2025-03-01", Deltas{Requests: 1})
	if err != nil {
		t.Fatalf("GetOrCreateAndIncrement failed: %v", err)
	}
	if row.ID != 1 {
		t.Errorf("Expected lowest id 1, got %d", row.ID)
	}
	if row.RequestCount != 4 {
		t.Errorf("Expected count 4 on lowest-id row, got %d", row.RequestCount)
	}

	rows, err := store.List(context.Background(), "2025-03-01")
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(rows) != 2 {
		t.Errorf("Expected no new row to be inserted, got %d rows", len(rows))
	}
}
