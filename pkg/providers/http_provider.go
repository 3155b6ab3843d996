package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"eidos-hq/speechgate/pkg/routing"
	"eidos-hq/speechgate/pkg/telemetry/tracing"
)

// HTTPSynthesizer calls the upstream synthesis endpoint over HTTP.
//
// Each route gets its own pooled *http.Client whose transport either dials
// directly or goes through the route's relay. Clients are created lazily
// and reused for the lifetime of the synthesizer.
type HTTPSynthesizer struct {
	config   Config
	endpoint string

	mu      sync.Mutex
	clients map[string]*http.Client

	logger *slog.Logger
}

// NewHTTPSynthesizer creates a synthesizer from cfg, applying defaults.
func NewHTTPSynthesizer(cfg Config) (*HTTPSynthesizer, error) {
	if cfg.BaseURL == "" {
		return nil, &ConfigError{Field: "base_url", Message: "must not be empty"}
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, &ConfigError{Field: "base_url", Message: err.Error()}
	}
	if cfg.Path == "" {
		cfg.Path = "/v1/synthesize"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.MaxResponseBytes <= 0 {
		cfg.MaxResponseBytes = 50 << 20
	}
	if cfg.MaxIdleConns <= 0 {
		cfg.MaxIdleConns = 100
	}
	if cfg.MaxIdleConnsPerHost <= 0 {
		cfg.MaxIdleConnsPerHost = 10
	}
	if cfg.IdleConnTimeout <= 0 {
		cfg.IdleConnTimeout = 90 * time.Second
	}

	return &HTTPSynthesizer{
		config:   cfg,
		endpoint: strings.TrimRight(cfg.BaseURL, "/") + "/" + strings.TrimLeft(cfg.Path, "/"),
		clients:  make(map[string]*http.Client),
		logger:   slog.Default().With("component", "providers.http"),
	}, nil
}

// client returns the pooled client for route.
func (s *HTTPSynthesizer) client(route routing.Route) (*http.Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if c, ok := s.clients[route.Address]; ok {
		return c, nil
	}

	transport := &http.Transport{
		MaxIdleConns:        s.config.MaxIdleConns,
		MaxIdleConnsPerHost: s.config.MaxIdleConnsPerHost,
		IdleConnTimeout:     s.config.IdleConnTimeout,
		ForceAttemptHTTP2:   true,
	}
	if !route.IsDirect() {
		proxyURL, err := route.URL()
		if err != nil {
			return nil, fmt.Errorf("parse relay address: %w", err)
		}
		transport.Proxy = http.ProxyURL(proxyURL)
	}

	c := &http.Client{
		Transport: transport,
		Timeout:   s.config.Timeout,
	}
	s.clients[route.Address] = c
	return c, nil
}

// Synthesize implements Synthesizer. It performs exactly one attempt.
func (s *HTTPSynthesizer) Synthesize(ctx context.Context, route routing.Route, req SynthesisRequest) ([]byte, error) {
	if req.Voice == "" {
		req.Voice = s.config.DefaultVoice
	}

	client, err := s.client(route)
	if err != nil {
		return nil, &UpstreamError{Route: route.String(), Message: "invalid route", Cause: err}
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "audio/mpeg")
	if s.config.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+s.config.APIKey)
	}
	tracing.Inject(ctx, httpReq.Header)

	s.logger.DebugContext(ctx, "sending synthesis request",
		"route", route.String(),
		"voice", req.Voice,
		"chars", len([]rune(req.Text)),
	)

	resp, err := client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		var netErr interface{ Timeout() bool }
		if errors.As(err, &netErr) && netErr.Timeout() {
			return nil, &TimeoutError{Route: route.String(), Timeout: s.config.Timeout}
		}
		return nil, &UpstreamError{Route: route.String(), Message: "request failed", Cause: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		errorBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, &UpstreamError{
			Route:      route.String(),
			StatusCode: resp.StatusCode,
			Message:    strings.TrimSpace(string(errorBody)),
		}
	}

	audio, err := io.ReadAll(io.LimitReader(resp.Body, s.config.MaxResponseBytes))
	if err != nil {
		return nil, &UpstreamError{Route: route.String(), Message: "failed to read audio", Cause: err}
	}
	if len(audio) == 0 {
		return nil, &UpstreamError{Route: route.String(), StatusCode: resp.StatusCode, Message: ErrEmptyAudio.Error(), Cause: ErrEmptyAudio}
	}

	return audio, nil
}

// Close releases idle connections of every pooled client.
func (s *HTTPSynthesizer) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, c := range s.clients {
		c.CloseIdleConnections()
	}
	return nil
}
