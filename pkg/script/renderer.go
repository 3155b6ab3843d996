package script

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/panjf2000/ants/v2"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"eidos-hq/speechgate/pkg/providers"
	"eidos-hq/speechgate/pkg/telemetry/tracing"
)

// DefaultWorkers is the default worker pool size.
const DefaultWorkers = 8

// Synthesizer produces audio for one request, with its own retries.
// *dispatch.Dispatcher satisfies it.
type Synthesizer interface {
	Synthesize(ctx context.Context, req providers.SynthesisRequest) ([]byte, error)
}

// Options apply to every line of a script.
type Options struct {
	// VoiceMap maps speaker names to voice IDs. A speaker missing from the
	// map is used as the voice ID directly.
	VoiceMap map[string]string

	Rate   string
	Pitch  string
	Volume string
}

// LineError reports the line that failed.
type LineError struct {
	Line Line
	Err  error
}

func (e *LineError) Error() string {
	return fmt.Sprintf("line %d (speaker %s): %v", e.Line.Number, e.Line.Speaker, e.Err)
}

func (e *LineError) Unwrap() error {
	return e.Err
}

// RendererConfig configures a Renderer.
type RendererConfig struct {
	Synthesizer Synthesizer

	// Workers is the pool size shared by every Render call.
	// Default: 8
	Workers int

	Tracer trace.Tracer
	Logger *slog.Logger
}

// Renderer synthesizes scripts line by line on a shared ants pool.
type Renderer struct {
	synth  Synthesizer
	pool   *ants.Pool
	tracer trace.Tracer
	logger *slog.Logger
}

// NewRenderer creates a Renderer and its worker pool. Call Close to
// release the pool.
func NewRenderer(cfg RendererConfig) (*Renderer, error) {
	if cfg.Synthesizer == nil {
		return nil, errors.New("script: synthesizer is required")
	}
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	if cfg.Tracer == nil {
		cfg.Tracer = noop.NewTracerProvider().Tracer("speechgate/script")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default().With("component", "script")
	}

	logger := cfg.Logger
	pool, err := ants.NewPool(cfg.Workers, ants.WithPanicHandler(func(p any) {
		logger.Error("script worker panic", "panic", p)
	}))
	if err != nil {
		return nil, fmt.Errorf("create worker pool: %w", err)
	}

	return &Renderer{
		synth:  cfg.Synthesizer,
		pool:   pool,
		tracer: cfg.Tracer,
		logger: logger,
	}, nil
}

// Render synthesizes every line and returns the concatenated audio in
// script order. The first failing line cancels the remaining work and is
// returned as *LineError.
func (r *Renderer) Render(ctx context.Context, s *Script, opts Options) ([]byte, error) {
	ctx, span := r.tracer.Start(ctx, "script.render",
		trace.WithAttributes(attribute.Int(tracing.AttrSegments, len(s.Lines))),
	)
	defer span.End()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	segments := make([][]byte, len(s.Lines))
	var (
		wg       sync.WaitGroup
		errOnce  sync.Once
		firstErr error
	)
	fail := func(err error) {
		errOnce.Do(func() {
			firstErr = err
			cancel()
		})
	}

	for i, line := range s.Lines {
		if ctx.Err() != nil {
			break
		}
		wg.Add(1)
		err := r.pool.Submit(func() {
			defer wg.Done()
			if ctx.Err() != nil {
				return
			}
			audio, err := r.synth.Synthesize(ctx, providers.SynthesisRequest{
				Text:   line.Text,
				Voice:  voiceFor(line.Speaker, opts.VoiceMap),
				Rate:   opts.Rate,
				Pitch:  opts.Pitch,
				Volume: opts.Volume,
			})
			if err != nil {
				fail(&LineError{Line: line, Err: err})
				return
			}
			segments[i] = audio
		})
		if err != nil {
			wg.Done()
			fail(fmt.Errorf("submit line %d: %w", line.Number, err))
			break
		}
	}
	wg.Wait()

	if firstErr != nil {
		tracing.SetError(span, firstErr)
		r.logger.ErrorContext(ctx, "script render failed", "lines", len(s.Lines), "error", firstErr)
		return nil, firstErr
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	audio := bytes.Join(segments, nil)
	r.logger.InfoContext(ctx, "script rendered",
		"lines", len(s.Lines),
		"chars", s.CharCount(),
		"bytes", len(audio),
	)
	return audio, nil
}

// Running returns the number of busy workers.
func (r *Renderer) Running() int {
	return r.pool.Running()
}

// Close releases the worker pool.
func (r *Renderer) Close() {
	r.pool.Release()
}

func voiceFor(speaker string, voiceMap map[string]string) string {
	if v, ok := voiceMap[speaker]; ok && v != "" {
		return v
	}
	return speaker
}
