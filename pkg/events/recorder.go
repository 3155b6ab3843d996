package events

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
)

// RecorderConfig configures a Recorder.
type RecorderConfig struct {
	// AsyncBuffer is the size of the write channel.
	// Default: 1000
	AsyncBuffer int

	// WriteTimeout bounds a single store write.
	// Default: 5 seconds
	WriteTimeout time.Duration

	// OnDrop is called each time an event is dropped because the buffer is
	// full or the recorder is closed.
	OnDrop func()

	Clock  clockwork.Clock
	Logger *slog.Logger
}

// Recorder writes events to a Store from a background worker so request
// handling never waits on storage. A nil *Recorder discards everything.
type Recorder struct {
	store   Store
	cfg     RecorderConfig
	ch      chan *Event
	done    chan struct{}
	wg      sync.WaitGroup
	dropped atomic.Int64
	logger  *slog.Logger

	// mu orders sends against Close: Record holds it shared while sending,
	// Close holds it exclusively to set closed.
	mu     sync.RWMutex
	closed bool
}

// NewRecorder starts a recorder over store.
func NewRecorder(store Store, cfg RecorderConfig) *Recorder {
	if cfg.AsyncBuffer <= 0 {
		cfg.AsyncBuffer = 1000
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r := &Recorder{
		store:  store,
		cfg:    cfg,
		ch:     make(chan *Event, cfg.AsyncBuffer),
		done:   make(chan struct{}),
		logger: logger.With("component", "events.recorder"),
	}
	r.wg.Add(1)
	go r.worker()

	r.logger.Info("event recorder initialized", "async_buffer", cfg.AsyncBuffer)
	return r
}

// Record enqueues e. It fills ID and Time when unset and never blocks: when
// the buffer is full the event is dropped and counted.
func (r *Recorder) Record(e *Event) {
	if r == nil || e == nil {
		return
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Time.IsZero() {
		e.Time = r.cfg.Clock.Now().UTC()
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		r.drop(e, "recorder closed")
		return
	}
	select {
	case r.ch <- e:
	default:
		r.drop(e, "buffer full")
	}
}

func (r *Recorder) drop(e *Event, why string) {
	r.dropped.Add(1)
	if r.cfg.OnDrop != nil {
		r.cfg.OnDrop()
	}
	r.logger.Warn("dropping usage event",
		"event_id", e.ID,
		"request_id", e.RequestID,
		"reason", why,
	)
}

// Dropped returns how many events were discarded.
func (r *Recorder) Dropped() int64 {
	if r == nil {
		return 0
	}
	return r.dropped.Load()
}

// Close stops accepting events and waits for the buffer to drain.
func (r *Recorder) Close() error {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		r.wg.Wait()
		return nil
	}
	r.closed = true
	close(r.done)
	r.mu.Unlock()

	r.wg.Wait()
	r.logger.Info("event recorder shut down", "dropped", r.dropped.Load())
	return nil
}

func (r *Recorder) worker() {
	defer r.wg.Done()

	for {
		select {
		case e := <-r.ch:
			r.write(e)
		case <-r.done:
			for {
				select {
				case e := <-r.ch:
					r.write(e)
				default:
					return
				}
			}
		}
	}
}

func (r *Recorder) write(e *Event) {
	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.WriteTimeout)
	defer cancel()

	if err := r.store.Append(ctx, e); err != nil {
		r.logger.Error("failed to store usage event",
			"event_id", e.ID,
			"request_id", e.RequestID,
			"error", err,
		)
	}
}
