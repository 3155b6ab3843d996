package dispatch

import (
	"context"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"eidos-hq/speechgate/pkg/providers"
	"eidos-hq/speechgate/pkg/routing"
	"eidos-hq/speechgate/pkg/telemetry/tracing"
)

// Default retry settings.
const (
	DefaultMaxRetries            = 3
	DefaultRetryDelay            = time.Second
	DefaultUnavailableRetryAfter = 30 * time.Second
)

// RouteSelector is the subset of routing.Selector the dispatcher needs.
type RouteSelector interface {
	Next() (routing.Route, bool)
	MarkSuccess(routing.Route)
	MarkFailure(routing.Route)
}

// SleepFunc waits for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Config contains configuration for a Dispatcher.
type Config struct {
	Selector    RouteSelector
	Synthesizer providers.Synthesizer

	// MaxRetries is the total number of attempts. Default: 3
	MaxRetries int

	// RetryDelay is the base of the linear backoff. Default: 1 second
	RetryDelay time.Duration

	// UnavailableRetryAfter is the retry hint attached to an exhausted
	// dispatch. Default: 30 seconds
	UnavailableRetryAfter time.Duration

	// Clock drives the backoff sleep. Default: real clock
	Clock clockwork.Clock

	// Sleep overrides the backoff sleep; mainly for tests.
	Sleep SleepFunc

	Metrics *Metrics
	Tracer  trace.Tracer
	Logger  *slog.Logger
}

// Dispatcher runs synthesis attempts with relay rotation, a forced direct
// final attempt and linear backoff. It is safe for concurrent use.
type Dispatcher struct {
	selector         RouteSelector
	synth            providers.Synthesizer
	maxRetries       int
	retryDelay       time.Duration
	unavailableRetry time.Duration
	sleep            SleepFunc
	metrics          *Metrics
	tracer           trace.Tracer
	logger           *slog.Logger
}

// New creates a Dispatcher from cfg, applying defaults. A nil selector means
// every attempt goes direct.
func New(cfg Config) *Dispatcher {
	if cfg.Selector == nil {
		cfg.Selector = routing.NewSelector(routing.Config{})
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = DefaultRetryDelay
	}
	if cfg.UnavailableRetryAfter <= 0 {
		cfg.UnavailableRetryAfter = DefaultUnavailableRetryAfter
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Sleep == nil {
		cfg.Sleep = clockSleep(cfg.Clock)
	}
	if cfg.Tracer == nil {
		cfg.Tracer = noop.NewTracerProvider().Tracer("speechgate/dispatch")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default().With("component", "dispatch")
	}

	return &Dispatcher{
		selector:         cfg.Selector,
		synth:            cfg.Synthesizer,
		maxRetries:       cfg.MaxRetries,
		retryDelay:       cfg.RetryDelay,
		unavailableRetry: cfg.UnavailableRetryAfter,
		sleep:            cfg.Sleep,
		metrics:          cfg.Metrics,
		tracer:           cfg.Tracer,
		logger:           cfg.Logger,
	}
}

func clockSleep(clock clockwork.Clock) SleepFunc {
	return func(ctx context.Context, d time.Duration) error {
		if d <= 0 {
			return ctx.Err()
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-clock.After(d):
			return nil
		}
	}
}

// Synthesize runs up to MaxRetries attempts and returns the first non-empty
// payload. Exhaustion yields *UpstreamUnavailableError; a cancelled ctx
// yields ctx.Err().
func (d *Dispatcher) Synthesize(ctx context.Context, req providers.SynthesisRequest) ([]byte, error) {
	start := time.Now()

	ctx, span := d.tracer.Start(ctx, "dispatch.synthesize")
	defer span.End()

	var (
		lastErr     error
		directTried bool
		routes      = make([]string, 0, d.maxRetries)
	)

	for attempt := 1; attempt <= d.maxRetries; attempt++ {
		route, ok := d.selector.Next()
		if !ok {
			route = routing.Direct
		}

		forced := false
		if attempt == d.maxRetries && !route.IsDirect() && !directTried {
			route = routing.Direct
			forced = true
		}
		if route.IsDirect() {
			directTried = true
		}
		routes = append(routes, route.String())

		audio, err := d.attempt(ctx, attempt, route, forced, req)
		if err == nil {
			if !route.IsDirect() {
				d.selector.MarkSuccess(route)
			}
			d.metrics.recordAttempt(route.IsDirect(), true)
			d.metrics.recordDispatch(true, time.Since(start))
			tracing.SetRetryAttribute(span, attempt-1)
			return audio, nil
		}

		if ctxErr := ctx.Err(); ctxErr != nil {
			tracing.SetError(span, ctxErr)
			return nil, ctxErr
		}

		lastErr = err
		if !route.IsDirect() {
			d.selector.MarkFailure(route)
		}
		d.metrics.recordAttempt(route.IsDirect(), false)

		d.logger.WarnContext(ctx, "upstream attempt failed",
			"attempt", attempt,
			"max_retries", d.maxRetries,
			"route", route.String(),
			"forced_direct", forced,
			"error", err,
		)

		if attempt < d.maxRetries {
			backoff := d.retryDelay * time.Duration(attempt)
			if err := d.sleep(ctx, backoff); err != nil {
				tracing.SetError(span, err)
				return nil, err
			}
		}
	}

	d.metrics.recordDispatch(false, time.Since(start))
	exhausted := &UpstreamUnavailableError{
		Attempts:   d.maxRetries,
		Routes:     routes,
		LastErr:    lastErr,
		RetryAfter: d.unavailableRetry,
	}
	tracing.SetRetryAttribute(span, d.maxRetries-1)
	tracing.SetError(span, exhausted)
	d.logger.ErrorContext(ctx, "upstream unavailable",
		"attempts", d.maxRetries,
		"routes", routes,
		"error", lastErr,
	)
	return nil, exhausted
}

func (d *Dispatcher) attempt(ctx context.Context, n int, route routing.Route, forced bool, req providers.SynthesisRequest) ([]byte, error) {
	ctx, span := d.tracer.Start(ctx, "dispatch.attempt")
	defer span.End()
	tracing.SetAttemptAttributes(span, n, route.String(), forced)

	audio, err := d.synth.Synthesize(ctx, route, req)
	if err == nil && len(audio) == 0 {
		err = providers.ErrEmptyAudio
	}
	if err != nil {
		tracing.SetError(span, err)
		return nil, err
	}
	return audio, nil
}
