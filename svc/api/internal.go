package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"veil/cfg"
	"veil/svc/util"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Probe is one readiness check. Redis and the journal implement Ping; the
// JSON stores are wrapped with ProbeFunc.
type Probe interface {
	Ping(ctx context.Context) error
}

type ProbeFunc func(ctx context.Context) error

func (f ProbeFunc) Ping(ctx context.Context) error { return f(ctx) }

// Internal serves health and metrics on a separate, normally loopback,
// address so the public listener never answers with anything but pages and
// decoys.
type Internal struct {
	router     *chi.Mux
	cfg        *cfg.Cfg
	probes     map[string]Probe
	httpServer *http.Server
}

type HealthResponse struct {
	Status string `json:"status"`
}

type ReadyResponse struct {
	Ready  bool              `json:"ready"`
	Checks map[string]string `json:"checks"`
}

func NewInternal(c *cfg.Cfg, probes map[string]Probe) *Internal {
	s := &Internal{cfg: c, probes: probes}
	mw := &Mw{cfg: c}
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/health", s.Health)
	r.Get("/ready", s.Ready)
	r.Handle("/metrics", mw.BasicAuthMetrics(promhttp.Handler()))
	s.router = r
	s.httpServer = &http.Server{
		Addr:              c.InternalAddr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return s
}

func (s *Internal) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Internal) Health(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(HealthResponse{Status: "ok"})
}

func (s *Internal) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	resp := ReadyResponse{Ready: true, Checks: make(map[string]string, len(s.probes))}
	for name, p := range s.probes {
		if p == nil {
			resp.Checks[name] = "unavailable"
			continue
		}
		pctx, pcancel := context.WithTimeout(ctx, 500*time.Millisecond)
		err := p.Ping(pctx)
		pcancel()
		if err != nil {
			util.Error().Err(err).Str("check", name).Msg("readiness check failed")
			resp.Checks[name] = "down"
			resp.Ready = false
			continue
		}
		resp.Checks[name] = "up"
	}
	w.Header().Set("Content-Type", "application/json")
	if !resp.Ready {
		w.WriteHeader(http.StatusServiceUnavailable)
	} else {
		w.WriteHeader(http.StatusOK)
	}
	json.NewEncoder(w).Encode(resp)
}

func (s *Internal) Start() error {
	util.Info().Str("addr", s.cfg.InternalAddr).Msg("starting internal server")
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		util.Error().Err(err).Str("addr", s.cfg.InternalAddr).Msg("internal server failed to start")
		return err
	}
	return nil
}

func (s *Internal) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
