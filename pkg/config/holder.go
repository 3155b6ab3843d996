package config

import "sync/atomic"

// Holder shares the live configuration. Readers always see a complete,
// validated Config; Store replaces it atomically.
type Holder struct {
	v atomic.Pointer[Config]
}

// NewHolder creates a Holder holding cfg.
func NewHolder(cfg *Config) *Holder {
	h := &Holder{}
	h.v.Store(cfg)
	return h
}

// Load returns the current configuration.
func (h *Holder) Load() *Config {
	return h.v.Load()
}

// Store replaces the current configuration.
func (h *Holder) Store(cfg *Config) {
	h.v.Store(cfg)
}
