package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"go.opentelemetry.io/otel/trace"

	"eidos-hq/speechgate/pkg/cache"
	"eidos-hq/speechgate/pkg/events"
	"eidos-hq/speechgate/pkg/limits"
	"eidos-hq/speechgate/pkg/providers"
	"eidos-hq/speechgate/pkg/script"
	"eidos-hq/speechgate/pkg/server/middleware"
	"eidos-hq/speechgate/pkg/telemetry/tracing"
)

type ttsRequest struct {
	Text   string `json:"text"`
	Voice  string `json:"voice"`
	Rate   string `json:"rate"`
	Pitch  string `json:"pitch"`
	Volume string `json:"volume"`
}

type scriptRequest struct {
	Script   string            `json:"script"`
	VoiceMap map[string]string `json:"voice_map"`
	Rate     string            `json:"rate"`
	Pitch    string            `json:"pitch"`
	Volume   string            `json:"volume"`
}

// Cache response headers.
const (
	HeaderCacheHit = "X-Cache-Hit"
	HeaderCacheKey = "X-Cache-Key"
)

// rejecter is implemented by dispatch errors that map onto a rejection.
type rejecter interface {
	Rejection() *limits.Rejection
}

func (s *Server) handleTTS(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	caller, _ := middleware.CallerFrom(ctx)

	var body ttsRequest
	if !s.decode(w, r, &body) {
		return
	}
	body.Text = strings.TrimSpace(body.Text)
	if body.Text == "" {
		middleware.WriteError(w, r, http.StatusBadRequest, middleware.CodeBadRequest, "text cannot be empty")
		return
	}

	class := caller.SingleClass()
	chars := utf8.RuneCountInString(body.Text)
	s.annotate(ctx, caller)

	usage, err := s.opts.Controller.CheckAndConsume(ctx, caller.Identity, chars, class, caller.Limits)
	s.recordAdmission(ctx, caller, class, chars, err)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	setUsageHeaders(w, usage)

	// A cache hit is charged like any admitted request but skips the
	// concurrency lease and the upstream.
	key := s.cacheKey(body)
	if s.opts.Cache != nil {
		if audio, ok := s.opts.Cache.Get(key); ok {
			setCacheHeaders(w, key, true)
			s.recordCacheHit(ctx, caller, class, chars, len(audio))
			s.logger.InfoContext(ctx, "speech served from cache",
				"cache_key", cache.ShortKey(key),
				"remaining_day", usage.RemainingDay(),
			)
			writeAudio(w, audio)
			return
		}
	}

	release, err := s.opts.Controller.AcquireConcurrent(caller.Identity)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	defer release()

	start := time.Now()
	audio, err := s.opts.Synthesizer.Synthesize(ctx, providers.SynthesisRequest{
		Text:   body.Text,
		Voice:  body.Voice,
		Rate:   body.Rate,
		Pitch:  body.Pitch,
		Volume: body.Volume,
	})
	s.recordDispatch(ctx, caller, class, chars, len(audio), time.Since(start), err)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}

	if s.opts.Cache != nil {
		if err := s.opts.Cache.Put(key, audio); err != nil {
			s.logger.WarnContext(ctx, "failed to cache audio", "error", err)
		}
		setCacheHeaders(w, key, false)
	}

	s.logger.InfoContext(ctx, "speech generated",
		"voice", body.Voice,
		"chars", chars,
		"bytes", len(audio),
		"remaining_day", usage.RemainingDay(),
	)
	writeAudio(w, audio)
}

// cacheKey keys on the voice the upstream will actually use.
func (s *Server) cacheKey(body ttsRequest) string {
	voice := body.Voice
	if voice == "" {
		voice = s.opts.Config.Load().Upstream.DefaultVoice
	}
	return cache.Key(cache.Request{
		Text:   body.Text,
		Voice:  voice,
		Rate:   body.Rate,
		Pitch:  body.Pitch,
		Volume: body.Volume,
	})
}

func (s *Server) handleScript(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	caller, _ := middleware.CallerFrom(ctx)

	if !caller.Registered() {
		middleware.WriteError(w, r, http.StatusForbidden, middleware.CodeForbidden,
			"multi-voice scripts are only available to registered callers")
		return
	}
	if s.opts.Renderer == nil {
		middleware.WriteError(w, r, http.StatusNotFound, middleware.CodeNotFound,
			"multi-voice scripts are not enabled")
		return
	}

	var body scriptRequest
	if !s.decode(w, r, &body) {
		return
	}
	parsed, err := script.Parse(body.Script, s.opts.Config.Load().Dispatch.MaxScriptLines)
	if err != nil {
		middleware.WriteError(w, r, http.StatusBadRequest, middleware.CodeBadRequest,
			fmt.Sprintf("script parsing failed: %v", err))
		return
	}

	class := caller.MultiVoiceClass()
	chars := parsed.CharCount()
	s.annotate(ctx, caller)

	usage, err := s.opts.Controller.CheckAndConsume(ctx, caller.Identity, chars, class, caller.Limits)
	s.recordAdmission(ctx, caller, class, chars, err)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	setUsageHeaders(w, usage)

	releaseLease, err := s.opts.Controller.AcquireConcurrent(caller.Identity)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	defer releaseLease()

	releaseHeavy, err := s.opts.Controller.AcquireHeavy(ctx)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	defer releaseHeavy()

	start := time.Now()
	audio, err := s.opts.Renderer.Render(ctx, parsed, script.Options{
		VoiceMap: body.VoiceMap,
		Rate:     body.Rate,
		Pitch:    body.Pitch,
		Volume:   body.Volume,
	})
	s.recordDispatch(ctx, caller, class, chars, len(audio), time.Since(start), err)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}

	s.logger.InfoContext(ctx, "script generated",
		"lines", len(parsed.Lines),
		"chars", chars,
		"bytes", len(audio),
	)
	writeAudio(w, audio)
}

// decode reads a JSON body bounded by the configured size. It writes the
// error response itself and reports whether decoding succeeded.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if s.cfg.MaxBodyBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			middleware.WriteError(w, r, http.StatusRequestEntityTooLarge, middleware.CodeBadRequest,
				"request body too large")
			return false
		}
		middleware.WriteError(w, r, http.StatusBadRequest, middleware.CodeBadRequest,
			"invalid JSON body")
		return false
	}
	return true
}

func (s *Server) writeFailure(w http.ResponseWriter, r *http.Request, err error) {
	var rej *limits.Rejection
	if errors.As(err, &rej) {
		middleware.WriteRejection(w, r, rej)
		return
	}
	var rr rejecter
	if errors.As(err, &rr) {
		s.logger.ErrorContext(r.Context(), "synthesis failed", "error", err)
		middleware.WriteRejection(w, r, rr.Rejection())
		return
	}
	if errors.Is(err, context.Canceled) {
		s.logger.InfoContext(r.Context(), "request cancelled by client")
		middleware.WriteError(w, r, http.StatusServiceUnavailable, string(limits.ReasonUpstreamUnavailable),
			"request cancelled")
		return
	}

	s.logger.ErrorContext(r.Context(), "request failed", "error", err)
	middleware.WriteError(w, r, http.StatusInternalServerError, middleware.CodeInternalError,
		"An internal error occurred. Please try again later.")
}

func (s *Server) annotate(ctx context.Context, caller middleware.Caller) {
	tracing.SetRequestAttributes(trace.SpanFromContext(ctx),
		middleware.GetRequestID(ctx), caller.Identity, string(caller.Tier))
}

func (s *Server) recordAdmission(ctx context.Context, caller middleware.Caller, class limits.RequestClass, chars int, err error) {
	if s.opts.Events == nil {
		return
	}
	e := &events.Event{
		Kind:      events.KindAdmission,
		RequestID: middleware.GetRequestID(ctx),
		Identity:  caller.Identity,
		Tier:      string(caller.Tier),
		Class:     string(class),
		Chars:     chars,
		Outcome:   events.OutcomeAdmitted,
	}
	if err != nil {
		e.Outcome = events.OutcomeRejected
		var rej *limits.Rejection
		if errors.As(err, &rej) {
			e.Reason = string(rej.Reason)
		} else {
			e.Reason = "error"
		}
	}
	s.opts.Events.Record(e)
}

func (s *Server) recordDispatch(ctx context.Context, caller middleware.Caller, class limits.RequestClass, chars, size int, d time.Duration, err error) {
	if s.opts.Events == nil {
		return
	}
	e := &events.Event{
		Kind:       events.KindDispatch,
		RequestID:  middleware.GetRequestID(ctx),
		Identity:   caller.Identity,
		Tier:       string(caller.Tier),
		Class:      string(class),
		Chars:      chars,
		Outcome:    events.OutcomeSuccess,
		Bytes:      size,
		DurationMS: d.Milliseconds(),
	}
	if err != nil {
		e.Outcome = events.OutcomeFailure
		e.Reason = string(limits.ReasonUpstreamUnavailable)
		if errors.Is(err, context.Canceled) {
			e.Reason = "cancelled"
		}
		var attempts interface{ AttemptCount() int }
		if errors.As(err, &attempts) {
			e.Attempts = attempts.AttemptCount()
		}
	}
	s.opts.Events.Record(e)
}

func (s *Server) recordCacheHit(ctx context.Context, caller middleware.Caller, class limits.RequestClass, chars, size int) {
	if s.opts.Events == nil {
		return
	}
	s.opts.Events.Record(&events.Event{
		Kind:      events.KindDispatch,
		RequestID: middleware.GetRequestID(ctx),
		Identity:  caller.Identity,
		Tier:      string(caller.Tier),
		Class:     string(class),
		Chars:     chars,
		Outcome:   events.OutcomeCacheHit,
		Bytes:     size,
	})
}

func setCacheHeaders(w http.ResponseWriter, key string, hit bool) {
	w.Header().Set(HeaderCacheHit, strconv.FormatBool(hit))
	w.Header().Set(HeaderCacheKey, cache.ShortKey(key))
}

func setUsageHeaders(w http.ResponseWriter, usage *limits.Usage) {
	for k, v := range usage.Headers() {
		w.Header().Set(k, v)
	}
}

func writeAudio(w http.ResponseWriter, audio []byte) {
	w.Header().Set("Content-Type", "audio/mpeg")
	w.Header().Set("Content-Length", strconv.Itoa(len(audio)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(audio)
}
