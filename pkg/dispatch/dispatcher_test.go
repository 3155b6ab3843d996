package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"eidos-hq/speechgate/pkg/limits"
	"eidos-hq/speechgate/pkg/providers"
	"eidos-hq/speechgate/pkg/routing"
)

// recordingSynth returns the scripted outcome for each call and records the
// route used.
type recordingSynth struct {
	mu      sync.Mutex
	routes  []routing.Route
	outcome func(n int, route routing.Route) ([]byte, error)
}

func (s *recordingSynth) Synthesize(_ context.Context, route routing.Route, _ providers.SynthesisRequest) ([]byte, error) {
	s.mu.Lock()
	s.routes = append(s.routes, route)
	n := len(s.routes)
	s.mu.Unlock()
	return s.outcome(n, route)
}

type sleepRecorder struct {
	mu    sync.Mutex
	waits []time.Duration
}

func (r *sleepRecorder) sleep(ctx context.Context, d time.Duration) error {
	r.mu.Lock()
	r.waits = append(r.waits, d)
	r.mu.Unlock()
	return ctx.Err()
}

func TestDispatcher_ForcesDirectOnFinalAttempt(t *testing.T) {
	upstreamErr := errors.New("connection reset")
	synth := &recordingSynth{outcome: func(int, routing.Route) ([]byte, error) {
		return nil, upstreamErr
	}}
	sel := routing.NewSelector(routing.Config{Addresses: []string{"http://relay-a:8080"}, Clock: clockwork.NewFakeClock()})
	sleeps := &sleepRecorder{}

	d := New(Config{Selector: sel, Synthesizer: synth, RetryDelay: time.Second, Sleep: sleeps.sleep})
	_, err := d.Synthesize(context.Background(), providers.SynthesisRequest{Text: "hello"})

	if len(synth.routes) != 3 {
		t.Fatalf("Expected 3 attempts, got %d", len(synth.routes))
	}
	if synth.routes[0].IsDirect() || synth.routes[1].IsDirect() {
		t.Errorf("Expected first two attempts via relay, got %v", synth.routes)
	}
	if !synth.routes[2].IsDirect() {
		t.Errorf("Expected final attempt direct, got %s", synth.routes[2])
	}

	var unavailable *UpstreamUnavailableError
	if !errors.As(err, &unavailable) {
		t.Fatalf("Expected UpstreamUnavailableError, got %v", err)
	}
	if unavailable.Attempts != 3 {
		t.Errorf("Expected 3 attempts recorded, got %d", unavailable.Attempts)
	}
	if !errors.Is(err, limits.ErrUpstreamUnavailable) {
		t.Error("Expected error to match ErrUpstreamUnavailable")
	}
	if !errors.Is(err, upstreamErr) {
		t.Error("Expected error to wrap the last attempt's error")
	}
	if r := unavailable.Rejection(); r.Reason != limits.ReasonUpstreamUnavailable {
		t.Errorf("Expected reason %s, got %s", limits.ReasonUpstreamUnavailable, r.Reason)
	}

	// Two relay failures so far; default threshold is three.
	if st := sel.Status(); st.Failed != 0 {
		t.Errorf("Expected relay still enabled, got %d failed", st.Failed)
	}
}

func TestDispatcher_SucceedsOnSecondAttempt(t *testing.T) {
	synth := &recordingSynth{outcome: func(n int, _ routing.Route) ([]byte, error) {
		if n == 1 {
			return nil, errors.New("timeout")
		}
		return []byte("mp3"), nil
	}}
	sel := routing.NewSelector(routing.Config{
		Addresses: []string{"http://relay-a:8080", "http://relay-b:8080"},
		Clock:     clockwork.NewFakeClock(),
	})
	sleeps := &sleepRecorder{}

	d := New(Config{Selector: sel, Synthesizer: synth, Sleep: sleeps.sleep})
	audio, err := d.Synthesize(context.Background(), providers.SynthesisRequest{Text: "hi"})
	if err != nil {
		t.Fatalf("Expected success, got %v", err)
	}
	if string(audio) != "mp3" {
		t.Errorf("Expected mp3 payload, got %q", audio)
	}
	if len(synth.routes) != 2 {
		t.Fatalf("Expected 2 attempts, got %d", len(synth.routes))
	}
	if synth.routes[0].Address == synth.routes[1].Address {
		t.Errorf("Expected rotation between relays, got %v twice", synth.routes[0])
	}
	if len(sleeps.waits) != 1 || sleeps.waits[0] != DefaultRetryDelay {
		t.Errorf("Expected one backoff of %v, got %v", DefaultRetryDelay, sleeps.waits)
	}
}

func TestDispatcher_EmptyPoolGoesDirect(t *testing.T) {
	synth := &recordingSynth{outcome: func(int, routing.Route) ([]byte, error) {
		return nil, errors.New("boom")
	}}
	sleeps := &sleepRecorder{}

	d := New(Config{Synthesizer: synth, Sleep: sleeps.sleep})
	if _, err := d.Synthesize(context.Background(), providers.SynthesisRequest{Text: "x"}); err == nil {
		t.Fatal("Expected error, got nil")
	}
	for i, r := range synth.routes {
		if !r.IsDirect() {
			t.Errorf("Attempt %d: expected direct, got %s", i+1, r)
		}
	}
}

func TestDispatcher_LinearBackoff(t *testing.T) {
	synth := &recordingSynth{outcome: func(int, routing.Route) ([]byte, error) {
		return nil, errors.New("boom")
	}}
	sleeps := &sleepRecorder{}

	d := New(Config{Synthesizer: synth, RetryDelay: 250 * time.Millisecond, Sleep: sleeps.sleep})
	_, _ = d.Synthesize(context.Background(), providers.SynthesisRequest{Text: "x"})

	want := []time.Duration{250 * time.Millisecond, 500 * time.Millisecond}
	if len(sleeps.waits) != len(want) {
		t.Fatalf("Expected %d waits, got %v", len(want), sleeps.waits)
	}
	for i := range want {
		if sleeps.waits[i] != want[i] {
			t.Errorf("Wait %d: expected %v, got %v", i, want[i], sleeps.waits[i])
		}
	}
}

func TestDispatcher_DefaultBackoff(t *testing.T) {
	synth := &recordingSynth{outcome: func(int, routing.Route) ([]byte, error) {
		return nil, errors.New("boom")
	}}
	sleeps := &sleepRecorder{}

	d := New(Config{Synthesizer: synth, Sleep: sleeps.sleep})
	_, _ = d.Synthesize(context.Background(), providers.SynthesisRequest{Text: "x"})

	want := []time.Duration{time.Second, 2 * time.Second}
	if len(sleeps.waits) != len(want) {
		t.Fatalf("Expected %d waits, got %v", len(want), sleeps.waits)
	}
	for i := range want {
		if sleeps.waits[i] != want[i] {
			t.Errorf("Wait %d: expected %v, got %v", i, want[i], sleeps.waits[i])
		}
	}
}

func TestDispatcher_ExhaustedCarriesRetryAfter(t *testing.T) {
	synth := &recordingSynth{outcome: func(int, routing.Route) ([]byte, error) {
		return nil, errors.New("boom")
	}}
	sleeps := &sleepRecorder{}

	tests := []struct {
		name string
		cfg  time.Duration
		want int
	}{
		{"default", 0, 30},
		{"configured", 12 * time.Second, 12},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := New(Config{Synthesizer: synth, Sleep: sleeps.sleep, UnavailableRetryAfter: tt.cfg})
			_, err := d.Synthesize(context.Background(), providers.SynthesisRequest{Text: "x"})

			var unavailable *UpstreamUnavailableError
			if !errors.As(err, &unavailable) {
				t.Fatalf("Expected UpstreamUnavailableError, got %v", err)
			}
			if got := unavailable.Rejection().RetryAfterSeconds(); got != tt.want {
				t.Errorf("Expected retry after %ds, got %d", tt.want, got)
			}
		})
	}

	bare := &UpstreamUnavailableError{Attempts: 1}
	if got := bare.Rejection().RetryAfter; got != DefaultUnavailableRetryAfter {
		t.Errorf("Expected fallback %v, got %v", DefaultUnavailableRetryAfter, got)
	}
}

func TestDispatcher_EmptyPayloadIsFailure(t *testing.T) {
	synth := &recordingSynth{outcome: func(int, routing.Route) ([]byte, error) {
		return []byte{}, nil
	}}
	sleeps := &sleepRecorder{}

	d := New(Config{Synthesizer: synth, Sleep: sleeps.sleep})
	_, err := d.Synthesize(context.Background(), providers.SynthesisRequest{Text: "x"})
	if !errors.Is(err, providers.ErrEmptyAudio) {
		t.Errorf("Expected ErrEmptyAudio in chain, got %v", err)
	}
}

func TestDispatcher_RelayDisabledAfterRepeatedFailures(t *testing.T) {
	synth := &recordingSynth{outcome: func(_ int, route routing.Route) ([]byte, error) {
		if route.IsDirect() {
			return []byte("ok"), nil
		}
		return nil, errors.New("relay down")
	}}
	sel := routing.NewSelector(routing.Config{
		Addresses:   []string{"http://relay-a:8080"},
		MaxFailures: 2,
		Clock:       clockwork.NewFakeClock(),
	})
	sleeps := &sleepRecorder{}
	d := New(Config{Selector: sel, Synthesizer: synth, Sleep: sleeps.sleep})

	if _, err := d.Synthesize(context.Background(), providers.SynthesisRequest{Text: "x"}); err != nil {
		t.Fatalf("Expected forced direct to succeed, got %v", err)
	}
	if st := sel.Status(); st.Failed != 1 {
		t.Errorf("Expected relay disabled, got %d failed", st.Failed)
	}

	synth.routes = nil
	if _, err := d.Synthesize(context.Background(), providers.SynthesisRequest{Text: "x"}); err != nil {
		t.Fatalf("Expected success, got %v", err)
	}
	if len(synth.routes) != 1 || !synth.routes[0].IsDirect() {
		t.Errorf("Expected a single direct attempt, got %v", synth.routes)
	}
}

func TestDispatcher_CancelledContextStops(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	synth := &recordingSynth{outcome: func(int, routing.Route) ([]byte, error) {
		cancel()
		return nil, context.Canceled
	}}
	sel := routing.NewSelector(routing.Config{Addresses: []string{"http://relay-a:8080"}, MaxFailures: 1})

	d := New(Config{Selector: sel, Synthesizer: synth})
	_, err := d.Synthesize(ctx, providers.SynthesisRequest{Text: "x"})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Expected context.Canceled, got %v", err)
	}
	if len(synth.routes) != 1 {
		t.Errorf("Expected 1 attempt, got %d", len(synth.routes))
	}
	if st := sel.Status(); st.Failed != 0 {
		t.Error("Expected cancelled attempt not to penalize the relay")
	}
}

func TestDispatcher_BackoffUsesClock(t *testing.T) {
	clock := clockwork.NewFakeClock()
	synth := &recordingSynth{outcome: func(n int, _ routing.Route) ([]byte, error) {
		if n == 1 {
			return nil, errors.New("first fails")
		}
		return []byte("ok"), nil
	}}
	d := New(Config{Synthesizer: synth, RetryDelay: 2 * time.Second, Clock: clock})

	done := make(chan error, 1)
	go func() {
		_, err := d.Synthesize(context.Background(), providers.SynthesisRequest{Text: "x"})
		done <- err
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := clock.BlockUntilContext(ctx, 1); err != nil {
		t.Fatalf("Expected dispatcher to wait on the clock, got %v", err)
	}
	clock.Advance(2 * time.Second)

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Expected success, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Expected dispatch to finish after advancing the clock")
	}
}

func TestDispatcher_Metrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics("test", reg)
	synth := &recordingSynth{outcome: func(int, routing.Route) ([]byte, error) {
		return nil, errors.New("boom")
	}}
	sleeps := &sleepRecorder{}
	d := New(Config{Synthesizer: synth, Sleep: sleeps.sleep, Metrics: m})

	_, _ = d.Synthesize(context.Background(), providers.SynthesisRequest{Text: "x"})

	if got := testutil.ToFloat64(m.attempts.WithLabelValues("direct", "failure")); got != 3 {
		t.Errorf("Expected 3 failed direct attempts, got %v", got)
	}
	if got := testutil.ToFloat64(m.exhausted); got != 1 {
		t.Errorf("Expected 1 exhausted dispatch, got %v", got)
	}
}
