package maintenance

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"eidos-hq/speechgate/pkg/cache"
	"eidos-hq/speechgate/pkg/events"
	"eidos-hq/speechgate/pkg/limits/storage"
	"eidos-hq/speechgate/pkg/telemetry/logging"
)

type fakeWindows struct {
	calls int
	idle  time.Duration
}

func (f *fakeWindows) PruneWindows(idle time.Duration) int {
	f.calls++
	f.idle = idle
	return 4
}

type fakeRoutes struct{ resets int }

func (f *fakeRoutes) ResetAll() { f.resets++ }

type failingQuota struct{}

func (failingQuota) Cleanup(context.Context, string) (int, error) {
	return 0, errors.New("disk full")
}

var now = time.Date(2025, 6, 15, 10, 0, 0, 0, time.UTC)

func TestNewScheduler_InvalidSchedule(t *testing.T) {
	_, err := NewScheduler(Config{CleanupSchedule: "every hour please"})
	if err == nil {
		t.Fatal("Expected error for invalid cleanup schedule")
	}
	_, err = NewScheduler(Config{RetentionSchedule: "61 * * * *"})
	if err == nil {
		t.Fatal("Expected error for invalid retention schedule")
	}
}

func TestRunCleanup(t *testing.T) {
	windows := &fakeWindows{}
	routes := &fakeRoutes{}
	s, err := NewScheduler(Config{
		Windows:       windows,
		Routes:        routes,
		WindowIdleTTL: 7 * time.Minute,
		Logger:        logging.Discard(),
	})
	if err != nil {
		t.Fatalf("NewScheduler failed: %v", err)
	}

	res := s.RunCleanup(context.Background())
	if res.WindowsPruned != 4 || !res.RoutesReset {
		t.Errorf("Unexpected result: %+v", res)
	}
	if windows.idle != 7*time.Minute {
		t.Errorf("Expected idle TTL 7m, got %v", windows.idle)
	}
	if routes.resets != 1 {
		t.Errorf("Expected 1 reset, got %d", routes.resets)
	}
}

func TestRunCleanup_PrunesExpiredCache(t *testing.T) {
	clock := clockwork.NewFakeClockAt(now)
	audio, err := cache.New(cache.Config{TTL: time.Hour, Clock: clock, Logger: logging.Discard()})
	if err != nil {
		t.Fatalf("cache.New failed: %v", err)
	}
	audio.Put("stale", []byte("mp3"))
	clock.Advance(2 * time.Hour)
	audio.Put("fresh", []byte("mp3"))

	s, err := NewScheduler(Config{Cache: audio, Clock: clock, Logger: logging.Discard()})
	if err != nil {
		t.Fatalf("NewScheduler failed: %v", err)
	}

	res := s.RunCleanup(context.Background())
	if res.CacheExpired != 1 {
		t.Errorf("Expected 1 expired cache entry, got %d", res.CacheExpired)
	}
	if audio.Len() != 1 {
		t.Errorf("Expected 1 cache entry left, got %d", audio.Len())
	}
}

func TestRunCleanup_NilComponents(t *testing.T) {
	s, err := NewScheduler(Config{Logger: logging.Discard()})
	if err != nil {
		t.Fatalf("NewScheduler failed: %v", err)
	}
	res := s.RunCleanup(context.Background())
	if res.WindowsPruned != 0 || res.RoutesReset {
		t.Errorf("Expected empty result, got %+v", res)
	}
}

func TestRunRetention(t *testing.T) {
	ctx := context.Background()
	quota := storage.NewMemoryStore()
	key := storage.Key{Kind: storage.KindIP, Subject: "203.0.113.5"}
	d := storage.Deltas{Requests: 1, Chars: 10, Class: storage.ClassAPITTS}
	for _, date := range []string{"2025-03-01", "2025-03-16", "2025-03-17", "2025-06-15"} {
		if _, err := quota.GetOrCreateAndIncrement(ctx, key, date, d); err != nil {
			t.Fatalf("seed %s: %v", date, err)
		}
	}

	evStore := events.NewMemoryStore()
	for i, age := range []time.Duration{40 * 24 * time.Hour, 31 * 24 * time.Hour, 29 * 24 * time.Hour, time.Hour} {
		e := &events.Event{ID: string(rune('a' + i)), Time: now.Add(-age), Kind: events.KindAdmission, Identity: "ip:1"}
		if err := evStore.Append(ctx, e); err != nil {
			t.Fatalf("seed event: %v", err)
		}
	}

	s, err := NewScheduler(Config{
		Quota:              quota,
		Events:             evStore,
		QuotaRetentionDays: 90,
		EventRetentionDays: 30,
		Clock:              clockwork.NewFakeClockAt(now),
		Logger:             logging.Discard(),
	})
	if err != nil {
		t.Fatalf("NewScheduler failed: %v", err)
	}

	res, err := s.RunRetention(ctx)
	if err != nil {
		t.Fatalf("RunRetention failed: %v", err)
	}
	// 90 days before 2025-06-15 is 2025-03-17.
	if res.QuotaRowsDeleted != 2 {
		t.Errorf("Expected 2 quota rows deleted, got %d", res.QuotaRowsDeleted)
	}
	if quota.Len() != 2 {
		t.Errorf("Expected 2 quota rows left, got %d", quota.Len())
	}
	if res.EventsDeleted != 2 {
		t.Errorf("Expected 2 events deleted, got %d", res.EventsDeleted)
	}
	if evStore.Len() != 2 {
		t.Errorf("Expected 2 events left, got %d", evStore.Len())
	}
}

func TestRunRetention_ZeroDaysKeepsEverything(t *testing.T) {
	ctx := context.Background()
	evStore := events.NewMemoryStore()
	evStore.Append(ctx, &events.Event{ID: "old", Time: now.AddDate(-5, 0, 0)})

	s, err := NewScheduler(Config{
		Events: evStore,
		Clock:  clockwork.NewFakeClockAt(now),
		Logger: logging.Discard(),
	})
	if err != nil {
		t.Fatalf("NewScheduler failed: %v", err)
	}
	if _, err := s.RunRetention(ctx); err != nil {
		t.Fatalf("RunRetention failed: %v", err)
	}
	if evStore.Len() != 1 {
		t.Errorf("Expected event to be kept, got %d events", evStore.Len())
	}
}

func TestRunRetention_QuotaErrorStillPrunesEvents(t *testing.T) {
	ctx := context.Background()
	evStore := events.NewMemoryStore()
	evStore.Append(ctx, &events.Event{ID: "old", Time: now.AddDate(0, 0, -60)})

	s, err := NewScheduler(Config{
		Quota:              failingQuota{},
		Events:             evStore,
		QuotaRetentionDays: 90,
		EventRetentionDays: 30,
		Clock:              clockwork.NewFakeClockAt(now),
		Logger:             logging.Discard(),
	})
	if err != nil {
		t.Fatalf("NewScheduler failed: %v", err)
	}

	res, err := s.RunRetention(ctx)
	if err == nil {
		t.Fatal("Expected error from failing quota store")
	}
	if res.EventsDeleted != 1 {
		t.Errorf("Expected 1 event deleted despite quota error, got %d", res.EventsDeleted)
	}
}

func TestScheduler_CleanupRegisteredAfterInitialDelay(t *testing.T) {
	clock := clockwork.NewFakeClockAt(now)
	s, err := NewScheduler(Config{
		InitialDelay: 5 * time.Minute,
		Clock:        clock,
		Logger:       logging.Discard(),
	})
	if err != nil {
		t.Fatalf("NewScheduler failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer s.Stop()

	if !s.IsRunning() {
		t.Error("Expected scheduler to be running")
	}
	if s.NextCleanup() != nil {
		t.Error("Expected no cleanup job before the initial delay")
	}

	clock.Advance(5 * time.Minute)

	deadline := time.Now().Add(2 * time.Second)
	for s.NextCleanup() == nil {
		if time.Now().After(deadline) {
			t.Fatal("cleanup job was never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestScheduler_StopOnContextCancel(t *testing.T) {
	s, err := NewScheduler(Config{Logger: logging.Discard(), Clock: clockwork.NewFakeClockAt(now)})
	if err != nil {
		t.Fatalf("NewScheduler failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	cancel()

	deadline := time.Now().Add(2 * time.Second)
	for s.IsRunning() {
		if time.Now().After(deadline) {
			t.Fatal("scheduler did not stop after context cancel")
		}
		time.Sleep(5 * time.Millisecond)
	}
	s.Stop()
}
