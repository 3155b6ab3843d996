package config

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultDebounceInterval collapses bursts of file events into one reload.
const DefaultDebounceInterval = 250 * time.Millisecond

// ChangeFunc is called after a successful reload with the previous and the
// new configuration.
type ChangeFunc func(old, updated *Config)

// Watcher reloads a configuration file when it changes.
//
// The parent directory is watched rather than the file itself so that
// editors and config management tools that replace the file by rename are
// picked up.
type Watcher struct {
	path     string
	holder   *Holder
	logger   *slog.Logger
	debounce *Debouncer
	load     func(path string) (*Config, error)

	mu        sync.Mutex
	listeners []ChangeFunc
	running   bool
}

// NewWatcher creates a watcher for path that stores reloaded configs in holder.
func NewWatcher(path string, holder *Holder, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		path:     filepath.Clean(path),
		holder:   holder,
		logger:   logger.With("component", "config.watcher"),
		debounce: NewDebouncer(DefaultDebounceInterval),
		load:     LoadConfigWithEnvOverrides,
	}
}

// OnChange registers fn to run after every successful reload.
func (w *Watcher) OnChange(fn ChangeFunc) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.listeners = append(w.listeners, fn)
}

// Watch blocks until ctx is cancelled, reloading on every relevant change.
func (w *Watcher) Watch(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return errors.New("watcher already running")
	}
	w.running = true
	w.mu.Unlock()

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	defer fsw.Close()
	defer w.debounce.Stop()

	dir := filepath.Dir(w.path)
	if err := fsw.Add(dir); err != nil {
		return fmt.Errorf("failed to watch %q: %w", dir, err)
	}
	w.logger.Info("config watcher started", "path", w.path)

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("config watcher stopped")
			return nil

		case event, ok := <-fsw.Events:
			if !ok {
				return errors.New("watcher events channel closed")
			}
			if !w.relevant(event) {
				continue
			}
			w.logger.Debug("config file event", "op", event.Op.String())
			w.debounce.Trigger(w.Reload)

		case err, ok := <-fsw.Errors:
			if !ok {
				return errors.New("watcher errors channel closed")
			}
			w.logger.Error("config watcher error", "error", err)
		}
	}
}

func (w *Watcher) relevant(event fsnotify.Event) bool {
	if filepath.Clean(event.Name) != w.path {
		return false
	}
	return event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename)
}

// Reload re-reads the file now. On failure the current config is kept.
func (w *Watcher) Reload() {
	updated, err := w.load(w.path)
	if err != nil {
		w.logger.Error("config reload failed, keeping previous configuration", "error", err)
		return
	}

	old := w.holder.Load()
	w.holder.Store(updated)
	w.logger.Info("configuration reloaded",
		"relays", len(updated.Relays.Endpoints),
		"api_keys", len(updated.APIKeys),
	)

	w.mu.Lock()
	listeners := append([]ChangeFunc(nil), w.listeners...)
	w.mu.Unlock()
	for _, fn := range listeners {
		fn(old, updated)
	}
}

// Debouncer runs the most recent callback once events stop arriving for
// the interval.
type Debouncer struct {
	interval time.Duration

	mu       sync.Mutex
	timer    *time.Timer
	callback func()
	stopped  bool
}

// NewDebouncer creates a new debouncer.
func NewDebouncer(interval time.Duration) *Debouncer {
	return &Debouncer{interval: interval}
}

// Trigger schedules callback, replacing any pending one.
func (d *Debouncer) Trigger(callback func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return
	}
	d.callback = callback
	if d.timer != nil {
		d.timer.Stop()
	}
	d.timer = time.AfterFunc(d.interval, func() {
		d.mu.Lock()
		cb := d.callback
		stopped := d.stopped
		d.callback = nil
		d.mu.Unlock()
		if cb != nil && !stopped {
			cb()
		}
	})
}

// Stop cancels any pending callback. Later triggers are ignored.
func (d *Debouncer) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopped = true
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	d.callback = nil
}
