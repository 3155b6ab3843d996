package limits

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"eidos-hq/speechgate/pkg/limits/ratelimit"
	"eidos-hq/speechgate/pkg/limits/storage"
)

// Default admission settings.
const (
	DefaultWindow               = time.Minute
	DefaultMaxHeavyOperations   = 20
	DefaultHeavyTimeout         = 30 * time.Second
	DefaultConcurrentRetryAfter = 30 * time.Second
	DefaultHeavyRetryAfter      = 30 * time.Second
)

// Controller performs admission control for speech requests.
//
// The Controller owns the process-local window, guard and heavy gate and
// delegates daily counting to a storage.Store. It is safe for concurrent
// use and is constructed once per process and injected where needed.
//
// # Consistency
//
// The daily check and increment are one conditional store operation, so
// request_count never exceeds the daily limit even across processes that
// share a store. The window slot is reserved before the store call and is
// cancelled if the daily check rejects or the store fails. No I/O happens
// while the window lock is held.
type Controller struct {
	store  storage.Store
	window *ratelimit.SlidingWindow
	guard  *ratelimit.Guard
	heavy  *ratelimit.HeavyGate
	clock  clockwork.Clock

	concurrentRetryAfter time.Duration
	heavyRetryAfter      time.Duration

	metrics *Metrics
	tracer  trace.Tracer
	logger  *slog.Logger
}

// Config contains configuration for the Controller.
type Config struct {
	// Store persists daily quota rows. Defaults to an in-memory store.
	Store storage.Store

	// Clock drives the sliding window and the UTC date. Defaults to the
	// real clock.
	Clock clockwork.Clock

	// Window is the sliding window duration. Default: 1 minute
	Window time.Duration

	// MaxHeavyOperations is the size of the global heavy-operation pool.
	// Default: 20
	MaxHeavyOperations int

	// HeavyTimeout bounds the wait for a heavy-operation token.
	// Default: 30 seconds
	HeavyTimeout time.Duration

	// ConcurrentRetryAfter is the retry hint for concurrency rejections.
	// Default: 30 seconds
	ConcurrentRetryAfter time.Duration

	// HeavyRetryAfter is the retry hint when the server is overloaded.
	// Default: 30 seconds
	HeavyRetryAfter time.Duration

	Metrics *Metrics
	Tracer  trace.Tracer
	Logger  *slog.Logger
}

// NewController creates a Controller from cfg, applying defaults.
func NewController(cfg Config) *Controller {
	if cfg.Store == nil {
		cfg.Store = storage.NewMemoryStore()
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Window <= 0 {
		cfg.Window = DefaultWindow
	}
	if cfg.MaxHeavyOperations <= 0 {
		cfg.MaxHeavyOperations = DefaultMaxHeavyOperations
	}
	if cfg.HeavyTimeout <= 0 {
		cfg.HeavyTimeout = DefaultHeavyTimeout
	}
	if cfg.ConcurrentRetryAfter <= 0 {
		cfg.ConcurrentRetryAfter = DefaultConcurrentRetryAfter
	}
	if cfg.HeavyRetryAfter <= 0 {
		cfg.HeavyRetryAfter = DefaultHeavyRetryAfter
	}
	if cfg.Tracer == nil {
		cfg.Tracer = noop.NewTracerProvider().Tracer("speechgate/limits")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default().With("component", "limits.controller")
	}

	return &Controller{
		store:                cfg.Store,
		window:               ratelimit.NewSlidingWindow(cfg.Window, cfg.Clock),
		guard:                ratelimit.NewGuard(),
		heavy:                ratelimit.NewHeavyGate(cfg.MaxHeavyOperations, cfg.HeavyTimeout),
		clock:                cfg.Clock,
		concurrentRetryAfter: cfg.ConcurrentRetryAfter,
		heavyRetryAfter:      cfg.HeavyRetryAfter,
		metrics:              cfg.Metrics,
		tracer:               cfg.Tracer,
		logger:               cfg.Logger,
	}
}

// CheckAndConsume admits one request of charCount characters for identity
// under lim and charges it to class. Checks run in order: character limit,
// per-minute window, daily quota. On success the returned Usage reflects
// the post-increment counters.
//
// Rejections are returned as *Rejection. Store failures are returned as
// wrapped errors and leave no window slot behind.
func (c *Controller) CheckAndConsume(ctx context.Context, identity string, charCount int, class RequestClass, lim TierLimits) (*Usage, error) {
	start := time.Now()

	ctx, span := c.tracer.Start(ctx, "limits.check_and_consume",
		trace.WithAttributes(
			attribute.String("speechgate.identity", identity),
			attribute.String("speechgate.tier", string(lim.Name)),
			attribute.String("speechgate.class", string(class)),
			attribute.Int("speechgate.chars", charCount),
		),
	)
	defer span.End()

	usage, err := c.checkAndConsume(ctx, identity, charCount, class, lim)

	outcome := "admitted"
	var rej *Rejection
	switch {
	case errors.As(err, &rej):
		outcome = string(rej.Reason)
		span.SetAttributes(attribute.String("speechgate.rejection", outcome))
	case err != nil:
		outcome = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	c.metrics.recordDecision(outcome, time.Since(start))

	return usage, err
}

func (c *Controller) checkAndConsume(ctx context.Context, identity string, charCount int, class RequestClass, lim TierLimits) (*Usage, error) {
	key, err := storage.ParseKey(identity)
	if err != nil {
		return nil, err
	}

	if lim.CharLimit >= 0 && charCount > lim.CharLimit {
		return nil, &Rejection{
			Reason:  ReasonTextTooLong,
			Message: fmt.Sprintf("text length %d exceeds the %d character limit for the %s tier", charCount, lim.CharLimit, lim.Name),
			Detail: map[string]any{
				"char_limit":  lim.CharLimit,
				"text_length": charCount,
				"tier":        string(lim.Name),
			},
		}
	}

	reservation, window := c.window.Reserve(identity, lim.RequestsPerMinute)
	if !window.Allowed {
		return nil, &Rejection{
			Reason:     ReasonPerMinuteExceeded,
			Message:    fmt.Sprintf("per-minute limit of %d requests reached", lim.RequestsPerMinute),
			RetryAfter: window.RetryAfter,
			Detail: map[string]any{
				"limit":          lim.RequestsPerMinute,
				"window_seconds": int(c.window.Window().Seconds()),
				"tier":           string(lim.Name),
			},
		}
	}

	now := c.clock.Now()
	dailyLimit := int64(lim.RequestsPerDay)
	if lim.RequestsPerDay < 0 {
		dailyLimit = storage.NoLimit
	}

	row, applied, err := c.store.ConsumeIfBelow(ctx, key, storage.DayOf(now), storage.Deltas{
		Requests: 1,
		Chars:    int64(charCount),
		Class:    class,
	}, dailyLimit)
	if err != nil {
		reservation.Cancel()
		return nil, fmt.Errorf("consume daily quota: %w", err)
	}
	if !applied {
		reservation.Cancel()
		c.logger.InfoContext(ctx, "daily limit reached",
			"identity", identity,
			"tier", lim.Name,
			"limit", lim.RequestsPerDay,
			"used", row.RequestCount,
		)
		return nil, &Rejection{
			Reason:     ReasonDailyExceeded,
			Message:    fmt.Sprintf("daily limit of %d requests reached", lim.RequestsPerDay),
			RetryAfter: UntilNextUTCMidnight(now),
			Detail: map[string]any{
				"limit": lim.RequestsPerDay,
				"used":  row.RequestCount,
				"tier":  string(lim.Name),
			},
		}
	}

	return &Usage{
		Identity:      identity,
		Date:          row.Date,
		Limits:        lim,
		RequestCount:  row.RequestCount,
		CharsConsumed: row.CharsConsumed,
		Classes:       row.Classes,
		MinuteCount:   window.Count,
	}, nil
}

// AcquireConcurrent takes the single in-flight lease for identity. It never
// waits: a held lease yields a ConcurrentRequestInProgress rejection. The
// returned release func is idempotent and must be called on every path.
func (c *Controller) AcquireConcurrent(identity string) (release func(), err error) {
	rel, ok := c.guard.TryAcquire(identity)
	if !ok {
		c.metrics.recordRejection(ReasonConcurrentRequestInProgress)
		return nil, &Rejection{
			Reason:     ReasonConcurrentRequestInProgress,
			Message:    "another request from this caller is already in progress",
			RetryAfter: c.concurrentRetryAfter,
			Detail:     map[string]any{"identity": identity},
		}
	}
	c.metrics.leaseDelta(1)

	var once sync.Once
	return func() {
		once.Do(func() {
			rel()
			c.metrics.leaseDelta(-1)
		})
	}, nil
}

// AcquireHeavy waits up to the heavy timeout for a global token. Timing out
// yields a ServerOverloaded rejection; a cancelled ctx returns ctx.Err().
func (c *Controller) AcquireHeavy(ctx context.Context) (release func(), err error) {
	rel, err := c.heavy.Acquire(ctx)
	if errors.Is(err, ratelimit.ErrGateTimeout) {
		c.metrics.recordRejection(ReasonServerOverloaded)
		c.logger.WarnContext(ctx, "heavy operation gate timed out",
			"max", c.heavy.Max(),
			"timeout", c.heavy.Timeout(),
		)
		return nil, &Rejection{
			Reason:     ReasonServerOverloaded,
			Message:    "server is busy, try again shortly",
			RetryAfter: c.heavyRetryAfter,
			Detail:     map[string]any{"max_heavy_operations": c.heavy.Max()},
		}
	}
	if err != nil {
		return nil, err
	}
	c.metrics.heavyDelta(1)

	var once sync.Once
	return func() {
		once.Do(func() {
			rel()
			c.metrics.heavyDelta(-1)
		})
	}, nil
}

// Load describes heavy-operation pool utilisation.
type Load struct {
	Active    int64   `json:"heavy_operations_active"`
	Available int64   `json:"heavy_operations_available"`
	Max       int64   `json:"heavy_operations_max"`
	UsagePct  float64 `json:"heavy_usage_pct"`
}

// Load returns the current heavy-operation utilisation.
func (c *Controller) Load() Load {
	active := c.heavy.InUse()
	max := c.heavy.Max()
	pct := 0.0
	if max > 0 {
		pct = float64(active) / float64(max) * 100
	}
	return Load{
		Active:    active,
		Available: c.heavy.Available(),
		Max:       max,
		UsagePct:  pct,
	}
}

// Usage returns today's counters for identity without consuming anything.
func (c *Controller) Usage(ctx context.Context, identity string, lim TierLimits) (*Usage, error) {
	key, err := storage.ParseKey(identity)
	if err != nil {
		return nil, err
	}
	date := storage.DayOf(c.clock.Now())
	row, err := c.store.Get(ctx, key, date)
	if err != nil {
		return nil, fmt.Errorf("read daily quota: %w", err)
	}

	usage := &Usage{
		Identity:    identity,
		Date:        date,
		Limits:      lim,
		MinuteCount: c.window.Count(identity),
	}
	if row != nil {
		usage.RequestCount = row.RequestCount
		usage.CharsConsumed = row.CharsConsumed
		usage.Classes = row.Classes
	}
	return usage, nil
}

// PruneWindows drops sliding windows idle for longer than idle.
func (c *Controller) PruneWindows(idle time.Duration) int {
	return c.window.Prune(idle)
}

// Store returns the underlying quota store.
func (c *Controller) Store() storage.Store {
	return c.store
}

// Close releases the quota store.
func (c *Controller) Close() error {
	return c.store.Close()
}

// UntilNextUTCMidnight returns the whole seconds from now to the start of
// the next UTC day, never less than one second.
func UntilNextUTCMidnight(now time.Time) time.Duration {
	utc := now.UTC()
	next := time.Date(utc.Year(), utc.Month(), utc.Day()+1, 0, 0, 0, 0, time.UTC)
	secs := int64(next.Sub(utc) / time.Second)
	if secs < 1 {
		secs = 1
	}
	return time.Duration(secs) * time.Second
}
