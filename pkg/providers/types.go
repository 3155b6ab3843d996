package providers

import (
	"context"
	"time"

	"eidos-hq/speechgate/pkg/routing"
)

// SynthesisRequest is one text-to-speech job.
type SynthesisRequest struct {
	Text   string `json:"text"`
	Voice  string `json:"voice"`
	Rate   string `json:"rate,omitempty"`
	Pitch  string `json:"pitch,omitempty"`
	Volume string `json:"volume,omitempty"`
}

// Synthesizer performs one upstream attempt over route.
type Synthesizer interface {
	Synthesize(ctx context.Context, route routing.Route, req SynthesisRequest) ([]byte, error)
}

// SynthesizerFunc adapts a function to Synthesizer.
type SynthesizerFunc func(ctx context.Context, route routing.Route, req SynthesisRequest) ([]byte, error)

// Synthesize implements Synthesizer.
func (f SynthesizerFunc) Synthesize(ctx context.Context, route routing.Route, req SynthesisRequest) ([]byte, error) {
	return f(ctx, route, req)
}

// Config configures the HTTP synthesizer.
type Config struct {
	// BaseURL is the upstream endpoint root; requests go to BaseURL + Path.
	BaseURL string

	// Path is the synthesis endpoint path. Default: /v1/synthesize
	Path string

	// APIKey is sent as a bearer token when set.
	APIKey string

	// DefaultVoice is used when a request names no voice.
	DefaultVoice string

	// Timeout bounds one attempt. Default: 60 seconds
	Timeout time.Duration

	// MaxResponseBytes caps the audio body. Default: 50 MiB
	MaxResponseBytes int64

	MaxIdleConns        int
	MaxIdleConnsPerHost int
	IdleConnTimeout     time.Duration
}
