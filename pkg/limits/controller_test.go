package limits

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"eidos-hq/speechgate/pkg/limits/storage"
)

var anonymous = TierLimits{Name: TierAnonymous, CharLimit: 500, RequestsPerDay: 5, RequestsPerMinute: 1}

func newTestController(t *testing.T, clock clockwork.Clock) (*Controller, *storage.MemoryStore) {
	t.Helper()
	store := storage.NewMemoryStore()
	ctrl := NewController(Config{Store: store, Clock: clock})
	t.Cleanup(func() { ctrl.Close() })
	return ctrl, store
}

func asRejection(t *testing.T, err error) *Rejection {
	t.Helper()
	var rej *Rejection
	if !errors.As(err, &rej) {
		t.Fatalf("Expected *Rejection, got %v", err)
	}
	return rej
}

func TestController_CharLimitBoundary(t *testing.T) {
	ctrl, _ := newTestController(t, clockwork.NewFakeClock())
	lim := TierLimits{Name: TierFree, CharLimit: 1000, RequestsPerDay: 30, RequestsPerMinute: 3}
	ctx := context.Background()

	if _, err := ctrl.CheckAndConsume(ctx, "key:1", 1000, ClassAPITTS, lim); err != nil {
		t.Fatalf("Expected text at the char limit to be admitted, got %v", err)
	}

	_, err := ctrl.CheckAndConsume(ctx, "key:1", 1001, ClassAPITTS, lim)
	rej := asRejection(t, err)
	if rej.Reason != ReasonTextTooLong {
		t.Errorf("Expected %s, got %s", ReasonTextTooLong, rej.Reason)
	}
	if !errors.Is(err, ErrTextTooLong) {
		t.Error("Expected errors.Is(err, ErrTextTooLong)")
	}
	if rej.RetryAfter != 0 {
		t.Errorf("Expected no retry hint, got %v", rej.RetryAfter)
	}
	if rej.Detail["char_limit"] != 1000 || rej.Detail["text_length"] != 1001 || rej.Detail["tier"] != "free" {
		t.Errorf("Unexpected detail: %v", rej.Detail)
	}
}

func TestController_CheckOrder(t *testing.T) {
	clock := clockwork.NewFakeClock()
	ctrl, store := newTestController(t, clock)
	ctx := context.Background()
	lim := TierLimits{Name: TierAnonymous, CharLimit: 10, RequestsPerDay: 1, RequestsPerMinute: 1}

	if _, err := ctrl.CheckAndConsume(ctx, "ip:192.0.2.1", 5, ClassAPITTS, lim); err != nil {
		t.Fatalf("First request failed: %v", err)
	}

	// Too long and over both limits: character limit wins.
	_, err := ctrl.CheckAndConsume(ctx, "ip:192.0.2.1", 50, ClassAPITTS, lim)
	if rej := asRejection(t, err); rej.Reason != ReasonTextTooLong {
		t.Errorf("Expected %s first, got %s", ReasonTextTooLong, rej.Reason)
	}

	// Within chars, over minute and day: minute wins.
	_, err = ctrl.CheckAndConsume(ctx, "ip:192.0.2.1", 5, ClassAPITTS, lim)
	if rej := asRejection(t, err); rej.Reason != ReasonPerMinuteExceeded {
		t.Errorf("Expected %s, got %s", ReasonPerMinuteExceeded, rej.Reason)
	}

	row, _ := store.Get(ctx, storage.Key{Kind: storage.KindIP, Subject: "192.0.2.1"}, storage.DayOf(clock.Now()))
	if row == nil || row.RequestCount != 1 {
		t.Errorf("Rejected requests must not consume quota, count=%d", row.RequestCount)
	}
}

func TestController_PerMinuteWindow(t *testing.T) {
	clock := clockwork.NewFakeClock()
	ctrl, _ := newTestController(t, clock)
	ctx := context.Background()
	lim := TierLimits{Name: TierFree, CharLimit: 1000, RequestsPerDay: 30, RequestsPerMinute: 3}

	for i := 0; i < 3; i++ {
		if _, err := ctrl.CheckAndConsume(ctx, "key:9", 10, ClassAPITTS, lim); err != nil {
			t.Fatalf("Request %d: %v", i+1, err)
		}
		clock.Advance(2 * time.Second)
	}

	_, err := ctrl.CheckAndConsume(ctx, "key:9", 10, ClassAPITTS, lim)
	rej := asRejection(t, err)
	if rej.Reason != ReasonPerMinuteExceeded {
		t.Fatalf("Expected %s, got %s", ReasonPerMinuteExceeded, rej.Reason)
	}
	if !errors.Is(err, ErrPerMinuteExceeded) {
		t.Error("Expected errors.Is(err, ErrPerMinuteExceeded)")
	}
	// Oldest entry is 6s old: int(60-6)+1 = 55.
	if rej.RetryAfterSeconds() != 55 {
		t.Errorf("Expected retry after 55s, got %d", rej.RetryAfterSeconds())
	}

	clock.Advance(60 * time.Second)
	if _, err := ctrl.CheckAndConsume(ctx, "key:9", 10, ClassAPITTS, lim); err != nil {
		t.Errorf("Expected request after the window to succeed, got %v", err)
	}
}

func TestController_EndToEndDailyLimit(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC))
	ctrl, _ := newTestController(t, clock)
	ctx := context.Background()
	text := strings.Repeat("a", 100)

	for i := 1; i <= 5; i++ {
		usage, err := ctrl.CheckAndConsume(ctx, "ip:203.0.113.5", len(text), ClassWebUITTS, anonymous)
		if err != nil {
			t.Fatalf("Request %d: expected success, got %v", i, err)
		}
		if usage.RequestCount != int64(i) {
			t.Errorf("Request %d: expected count %d, got %d", i, i, usage.RequestCount)
		}
		if usage.RemainingDay() != int64(5-i) {
			t.Errorf("Request %d: expected remaining %d, got %d", i, 5-i, usage.RemainingDay())
		}
		clock.Advance(61 * time.Second)
	}

	now := clock.Now()
	_, err := ctrl.CheckAndConsume(ctx, "ip:203.0.113.5", len(text), ClassWebUITTS, anonymous)
	rej := asRejection(t, err)
	if rej.Reason != ReasonDailyExceeded {
		t.Fatalf("Expected %s, got %s", ReasonDailyExceeded, rej.Reason)
	}
	if !errors.Is(err, ErrDailyExceeded) {
		t.Error("Expected errors.Is(err, ErrDailyExceeded)")
	}
	if rej.RetryAfter != UntilNextUTCMidnight(now) {
		t.Errorf("Expected retry after %v, got %v", UntilNextUTCMidnight(now), rej.RetryAfter)
	}
	if rej.Detail["limit"] != 5 || rej.Detail["used"] != int64(5) {
		t.Errorf("Unexpected detail: %v", rej.Detail)
	}

	usage, err := ctrl.Usage(ctx, "ip:203.0.113.5", anonymous)
	if err != nil {
		t.Fatalf("Usage failed: %v", err)
	}
	if usage.RequestCount != 5 || usage.CharsConsumed != 500 {
		t.Errorf("Expected (5, 500), got (%d, %d)", usage.RequestCount, usage.CharsConsumed)
	}
	if usage.Classes[ClassWebUITTS] != 5 {
		t.Errorf("Expected webui_tts 5, got %d", usage.Classes[ClassWebUITTS])
	}
	// The daily rejection released its window slot.
	if usage.MinuteCount != 0 {
		t.Errorf("Expected empty minute window after daily rejection, got %d", usage.MinuteCount)
	}
}

func TestController_DailyRejectionReleasesWindowSlot(t *testing.T) {
	ctrl, _ := newTestController(t, clockwork.NewFakeClock())
	ctx := context.Background()
	lim := TierLimits{Name: TierFree, CharLimit: 100, RequestsPerDay: 1, RequestsPerMinute: 2}

	if _, err := ctrl.CheckAndConsume(ctx, "key:5", 1, ClassAPITTS, lim); err != nil {
		t.Fatalf("First request failed: %v", err)
	}
	for i := 0; i < 3; i++ {
		_, err := ctrl.CheckAndConsume(ctx, "key:5", 1, ClassAPITTS, lim)
		if rej := asRejection(t, err); rej.Reason != ReasonDailyExceeded {
			t.Fatalf("Attempt %d: expected %s, got %s", i, ReasonDailyExceeded, rej.Reason)
		}
	}
}

func TestController_ConcurrentNeverExceedsDailyLimit(t *testing.T) {
	clock := clockwork.NewFakeClock()
	ctrl, store := newTestController(t, clock)
	ctx := context.Background()
	lim := TierLimits{Name: TierFree, CharLimit: 1000, RequestsPerDay: 30, RequestsPerMinute: -1}

	var (
		wg       sync.WaitGroup
		admitted atomic.Int64
	)
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := ctrl.CheckAndConsume(ctx, "key:77", 10, ClassAPITTS, lim); err == nil {
				admitted.Add(1)
			} else if !errors.Is(err, ErrDailyExceeded) {
				t.Errorf("Unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if admitted.Load() != 30 {
		t.Errorf("Expected exactly 30 admitted, got %d", admitted.Load())
	}
	rows, _ := store.List(ctx, storage.DayOf(clock.Now()))
	if len(rows) != 1 || rows[0].RequestCount != 30 {
		t.Errorf("Expected one row with count 30, got %+v", rows)
	}
}

type failingStore struct {
	*storage.MemoryStore
}

func (failingStore) ConsumeIfBelow(context.Context, storage.Key, string, storage.Deltas, int64) (*storage.Row, bool, error) {
	return nil, false, errors.New("disk I/O error")
}

func TestController_StoreFailurePropagates(t *testing.T) {
	clock := clockwork.NewFakeClock()
	ctrl := NewController(Config{Store: failingStore{storage.NewMemoryStore()}, Clock: clock})
	lim := TierLimits{Name: TierFree, CharLimit: 100, RequestsPerDay: 10, RequestsPerMinute: 1}

	_, err := ctrl.CheckAndConsume(context.Background(), "key:1", 1, ClassAPITTS, lim)
	if err == nil {
		t.Fatal("Expected error from failing store")
	}
	var rej *Rejection
	if errors.As(err, &rej) {
		t.Fatalf("Store failure must not look like a rejection: %v", rej)
	}
	if !strings.Contains(err.Error(), "disk I/O error") {
		t.Errorf("Expected wrapped store error, got %v", err)
	}
	usage, _ := ctrl.Usage(context.Background(), "key:1", lim)
	if usage.MinuteCount != 0 {
		t.Errorf("Expected window slot to be released, got %d entries", usage.MinuteCount)
	}
}

func TestController_InvalidIdentity(t *testing.T) {
	ctrl, _ := newTestController(t, clockwork.NewFakeClock())
	_, err := ctrl.CheckAndConsume(context.Background(), "bogus", 1, ClassAPITTS, anonymous)
	if !errors.Is(err, storage.ErrInvalidKey) {
		t.Errorf("Expected ErrInvalidKey, got %v", err)
	}
}

func TestController_AcquireConcurrent(t *testing.T) {
	ctrl, _ := newTestController(t, clockwork.NewFakeClock())

	release, err := ctrl.AcquireConcurrent("key:42")
	if err != nil {
		t.Fatalf("AcquireConcurrent failed: %v", err)
	}

	_, err = ctrl.AcquireConcurrent("key:42")
	rej := asRejection(t, err)
	if rej.Reason != ReasonConcurrentRequestInProgress {
		t.Errorf("Expected %s, got %s", ReasonConcurrentRequestInProgress, rej.Reason)
	}
	if rej.RetryAfterSeconds() != 30 {
		t.Errorf("Expected retry after 30s, got %d", rej.RetryAfterSeconds())
	}

	release()
	release()

	release, err = ctrl.AcquireConcurrent("key:42")
	if err != nil {
		t.Fatalf("Expected acquire after release, got %v", err)
	}
	release()
}

func TestController_AcquireHeavy(t *testing.T) {
	ctrl := NewController(Config{MaxHeavyOperations: 1, HeavyTimeout: 20 * time.Millisecond})
	defer ctrl.Close()

	release, err := ctrl.AcquireHeavy(context.Background())
	if err != nil {
		t.Fatalf("AcquireHeavy failed: %v", err)
	}

	load := ctrl.Load()
	if load.Active != 1 || load.Available != 0 || load.Max != 1 || load.UsagePct != 100 {
		t.Errorf("Unexpected load: %+v", load)
	}

	_, err = ctrl.AcquireHeavy(context.Background())
	rej := asRejection(t, err)
	if rej.Reason != ReasonServerOverloaded {
		t.Errorf("Expected %s, got %s", ReasonServerOverloaded, rej.Reason)
	}
	if !errors.Is(err, ErrServerOverloaded) {
		t.Error("Expected errors.Is(err, ErrServerOverloaded)")
	}

	release()
	if ctrl.Load().Active != 0 {
		t.Errorf("Expected 0 active after release, got %d", ctrl.Load().Active)
	}
}

func TestController_Metrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewMetrics("speechgate", reg)
	ctrl := NewController(Config{Clock: clockwork.NewFakeClock(), Metrics: metrics})
	defer ctrl.Close()
	ctx := context.Background()

	ctrl.CheckAndConsume(ctx, "ip:198.51.100.1", 10, ClassAPITTS, anonymous)
	ctrl.CheckAndConsume(ctx, "ip:198.51.100.1", 10, ClassAPITTS, anonymous)

	if got := testutil.ToFloat64(metrics.decisions.WithLabelValues("admitted")); got != 1 {
		t.Errorf("Expected 1 admitted, got %v", got)
	}
	if got := testutil.ToFloat64(metrics.decisions.WithLabelValues(string(ReasonPerMinuteExceeded))); got != 1 {
		t.Errorf("Expected 1 per-minute rejection, got %v", got)
	}

	release, _ := ctrl.AcquireConcurrent("ip:198.51.100.1")
	if got := testutil.ToFloat64(metrics.concurrentLeases); got != 1 {
		t.Errorf("Expected 1 lease, got %v", got)
	}
	release()
	if got := testutil.ToFloat64(metrics.concurrentLeases); got != 0 {
		t.Errorf("Expected 0 leases, got %v", got)
	}
}

func TestUntilNextUTCMidnight(t *testing.T) {
	tests := []struct {
		now  time.Time
		want time.Duration
	}{
		{time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC), 24 * time.Hour},
		{time.Date(2025, 3, 1, 23, 59, 30, 0, time.UTC), 30 * time.Second},
		{time.Date(2025, 3, 1, 23, 59, 59, 500_000_000, time.UTC), time.Second},
		{time.Date(2025, 3, 1, 10, 0, 0, 0, time.FixedZone("UTC+2", 7200)), 16 * time.Hour},
	}
	for _, tt := range tests {
		if got := UntilNextUTCMidnight(tt.now); got != tt.want {
			t.Errorf("UntilNextUTCMidnight(%v) = %v, want %v", tt.now, got, tt.want)
		}
	}
}

func TestUsageHeaders(t *testing.T) {
	u := &Usage{Limits: anonymous, RequestCount: 7}
	h := u.Headers()

	want := map[string]string{
		HeaderTier:         "anonymous",
		HeaderLimitDay:     "5",
		HeaderRemainingDay: "0",
		HeaderLimitMinute:  "1",
		HeaderCharLimit:    "500",
	}
	for k, v := range want {
		if h[k] != v {
			t.Errorf("Header %s: expected %q, got %q", k, v, h[k])
		}
	}
}
