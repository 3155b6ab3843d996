package maintenance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/robfig/cron/v3"

	"eidos-hq/speechgate/pkg/limits/storage"
)

// WindowPruner drops idle sliding windows. Satisfied by *limits.Controller.
type WindowPruner interface {
	PruneWindows(idle time.Duration) int
}

// RouteResetter clears route penalties. Satisfied by *routing.Selector.
type RouteResetter interface {
	ResetAll()
}

// CachePruner drops expired cache entries. Satisfied by *cache.Cache.
type CachePruner interface {
	PruneExpired() int
}

// QuotaCleaner deletes quota rows dated before a YYYY-MM-DD date.
type QuotaCleaner interface {
	Cleanup(ctx context.Context, before string) (int, error)
}

// EventPruner deletes usage events older than a time.
type EventPruner interface {
	DeleteBefore(ctx context.Context, t time.Time) (int64, error)
}

// Config wires the scheduler to the components it maintains. Any component
// may be nil, in which case its step is skipped.
type Config struct {
	Windows WindowPruner
	Routes  RouteResetter
	Cache   CachePruner
	Quota   QuotaCleaner
	Events  EventPruner

	// Default: "@every 1h"
	CleanupSchedule string

	// InitialDelay postpones registration of the cleanup job.
	// Default: 5 minutes
	InitialDelay time.Duration

	// Default: "0 3 * * *"
	RetentionSchedule string

	// WindowIdleTTL is the idle age at which a sliding window is pruned.
	// Default: 5 minutes
	WindowIdleTTL time.Duration

	// QuotaRetentionDays of zero keeps quota rows forever.
	QuotaRetentionDays int

	// EventRetentionDays of zero keeps events forever.
	EventRetentionDays int

	Clock  clockwork.Clock
	Logger *slog.Logger
}

// CleanupResult reports what a cleanup run did.
type CleanupResult struct {
	WindowsPruned int
	RoutesReset   bool
	CacheExpired  int
}

// RetentionResult reports what a retention run did.
type RetentionResult struct {
	QuotaRowsDeleted int
	EventsDeleted    int64
}

// Scheduler runs the cleanup and retention jobs.
type Scheduler struct {
	cfg    Config
	cron   *cron.Cron
	clock  clockwork.Clock
	logger *slog.Logger

	mu           sync.Mutex
	running      bool
	delay        clockwork.Timer
	cleanupID    cron.EntryID
	retentionID  cron.EntryID
	hasCleanup   bool
	hasRetention bool
}

var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// NewScheduler validates the schedules and builds a stopped scheduler.
// Schedules are evaluated in UTC, the same calendar quota days use.
func NewScheduler(cfg Config) (*Scheduler, error) {
	if cfg.CleanupSchedule == "" {
		cfg.CleanupSchedule = "@every 1h"
	}
	if cfg.RetentionSchedule == "" {
		cfg.RetentionSchedule = "0 3 * * *"
	}
	if cfg.InitialDelay < 0 {
		cfg.InitialDelay = 0
	} else if cfg.InitialDelay == 0 {
		cfg.InitialDelay = 5 * time.Minute
	}
	if cfg.WindowIdleTTL <= 0 {
		cfg.WindowIdleTTL = 5 * time.Minute
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	for name, spec := range map[string]string{
		"cleanup":   cfg.CleanupSchedule,
		"retention": cfg.RetentionSchedule,
	} {
		if _, err := parser.Parse(spec); err != nil {
			return nil, fmt.Errorf("invalid %s schedule %q: %w", name, spec, err)
		}
	}

	return &Scheduler{
		cfg:    cfg,
		cron:   cron.New(cron.WithParser(parser), cron.WithLocation(time.UTC)),
		clock:  cfg.Clock,
		logger: cfg.Logger.With("component", "maintenance.scheduler"),
	}, nil
}

// Start registers the retention job, arms the delayed cleanup job and starts
// the cron runner. Cancelling ctx stops the scheduler.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return nil
	}

	id, err := s.cron.AddFunc(s.cfg.RetentionSchedule, func() {
		s.RunRetention(ctx)
	})
	if err != nil {
		return fmt.Errorf("failed to schedule retention: %w", err)
	}
	s.retentionID = id
	s.hasRetention = true

	s.delay = s.clock.AfterFunc(s.cfg.InitialDelay, func() {
		s.registerCleanup(ctx)
	})

	s.cron.Start()
	s.running = true

	s.logger.Info("maintenance scheduler started",
		"cleanup_schedule", s.cfg.CleanupSchedule,
		"initial_delay", s.cfg.InitialDelay,
		"retention_schedule", s.cfg.RetentionSchedule,
		"quota_retention_days", s.cfg.QuotaRetentionDays,
		"event_retention_days", s.cfg.EventRetentionDays,
	)

	go func() {
		<-ctx.Done()
		s.Stop()
	}()
	return nil
}

func (s *Scheduler) registerCleanup(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running || s.hasCleanup {
		return
	}
	id, err := s.cron.AddFunc(s.cfg.CleanupSchedule, func() {
		s.RunCleanup(ctx)
	})
	if err != nil {
		s.logger.Error("failed to schedule cleanup", "error", err)
		return
	}
	s.cleanupID = id
	s.hasCleanup = true
	s.logger.Info("cleanup job registered", "schedule", s.cfg.CleanupSchedule)
}

// RunCleanup prunes idle sliding windows, resets every route and drops
// expired cache entries.
func (s *Scheduler) RunCleanup(ctx context.Context) CleanupResult {
	var res CleanupResult
	if s.cfg.Windows != nil {
		res.WindowsPruned = s.cfg.Windows.PruneWindows(s.cfg.WindowIdleTTL)
	}
	if s.cfg.Routes != nil {
		s.cfg.Routes.ResetAll()
		res.RoutesReset = true
	}
	if s.cfg.Cache != nil {
		res.CacheExpired = s.cfg.Cache.PruneExpired()
	}
	s.logger.InfoContext(ctx, "cleanup completed",
		"windows_pruned", res.WindowsPruned,
		"routes_reset", res.RoutesReset,
		"cache_expired", res.CacheExpired,
	)
	return res
}

// RunRetention deletes quota rows and events past their retention periods.
// A failure in one store does not prevent the other from being pruned.
func (s *Scheduler) RunRetention(ctx context.Context) (RetentionResult, error) {
	var (
		res  RetentionResult
		errs []error
	)
	now := s.clock.Now().UTC()

	if s.cfg.Quota != nil && s.cfg.QuotaRetentionDays > 0 {
		before := storage.DayOf(now.AddDate(0, 0, -s.cfg.QuotaRetentionDays))
		n, err := s.cfg.Quota.Cleanup(ctx, before)
		if err != nil {
			errs = append(errs, fmt.Errorf("quota cleanup: %w", err))
		}
		res.QuotaRowsDeleted = n
	}
	if s.cfg.Events != nil && s.cfg.EventRetentionDays > 0 {
		cutoff := now.AddDate(0, 0, -s.cfg.EventRetentionDays)
		n, err := s.cfg.Events.DeleteBefore(ctx, cutoff)
		if err != nil {
			errs = append(errs, fmt.Errorf("event cleanup: %w", err))
		}
		res.EventsDeleted = n
	}

	if len(errs) > 0 {
		err := errors.Join(errs...)
		s.logger.ErrorContext(ctx, "retention run failed", "error", err)
		return res, err
	}

	if res.QuotaRowsDeleted > 0 || res.EventsDeleted > 0 {
		s.logger.InfoContext(ctx, "retention completed",
			"quota_rows_deleted", res.QuotaRowsDeleted,
			"events_deleted", res.EventsDeleted,
		)
	} else {
		s.logger.DebugContext(ctx, "retention completed, nothing deleted")
	}
	return res, nil
}

// Stop cancels the delayed registration and waits for running jobs.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	if s.delay != nil {
		s.delay.Stop()
	}
	s.mu.Unlock()

	<-s.cron.Stop().Done()
	s.logger.Info("maintenance scheduler stopped")
}

// IsRunning reports whether Start has been called and Stop has not.
func (s *Scheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// NextCleanup returns the next cleanup time, or nil before the initial delay
// has elapsed.
func (s *Scheduler) NextCleanup() *time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.hasCleanup {
		return nil
	}
	return s.next(s.cleanupID)
}

// NextRetention returns the next retention time, or nil when not started.
func (s *Scheduler) NextRetention() *time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.hasRetention {
		return nil
	}
	return s.next(s.retentionID)
}

func (s *Scheduler) next(id cron.EntryID) *time.Time {
	e := s.cron.Entry(id)
	if !e.Valid() || e.Next.IsZero() {
		return nil
	}
	next := e.Next
	return &next
}
