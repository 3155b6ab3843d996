package server

import (
	"context"
	"encoding/json"
	"math"
	"net/http"
	"time"

	"eidos-hq/speechgate/pkg/cache"
	"eidos-hq/speechgate/pkg/limits"
	"eidos-hq/speechgate/pkg/routing"
)

// Health status values.
const (
	HealthOK       = "ok"
	HealthDegraded = "degraded"
)

// degradedLoadPct is the heavy-operation usage at which /health reports
// degraded.
const degradedLoadPct = 90.0

const storePingTimeout = 2 * time.Second

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status        string          `json:"status"`
	Version       string          `json:"version"`
	Timestamp     time.Time       `json:"timestamp"`
	Store         string          `json:"store"`
	Cache         *cache.Stats    `json:"cache,omitempty"`
	Proxy         *routing.Status `json:"proxy,omitempty"`
	UptimeSeconds float64         `json:"uptime_seconds"`
	Load          limits.Load     `json:"load"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := s.health(r.Context())

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(resp)
}

func (s *Server) health(ctx context.Context) HealthResponse {
	now := s.opts.Clock.Now()
	resp := HealthResponse{
		Status:        HealthOK,
		Version:       s.opts.Version,
		Timestamp:     now.UTC(),
		Store:         HealthOK,
		UptimeSeconds: math.Round(now.Sub(s.started).Seconds()*10) / 10,
		Load:          s.opts.Controller.Load(),
	}

	pingCtx, cancel := context.WithTimeout(ctx, storePingTimeout)
	defer cancel()
	if err := s.opts.Controller.Store().Ping(pingCtx); err != nil {
		resp.Store = "error: " + err.Error()
		resp.Status = HealthDegraded
	}
	if resp.Load.UsagePct >= degradedLoadPct {
		resp.Status = HealthDegraded
	}
	if s.opts.Cache != nil {
		st := s.opts.Cache.Stats()
		resp.Cache = &st
	}
	if s.opts.Routes != nil {
		st := s.opts.Routes.Status()
		resp.Proxy = &st
	}
	return resp
}
