package api

import (
	"context"
	"net/http"
	"time"

	"veil/cfg"
	"veil/pkg/domain"
	"veil/svc/auth"
	"veil/svc/lim"
	"veil/svc/svc"
	"veil/svc/util"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/hlog"
)

// Deps is everything the public server needs. DevPath must already be
// normalized; it is fixed for the life of the process.
type Deps struct {
	Cfg      *cfg.Cfg
	DevPath  string
	Decoy    DecoySource
	Auth     *auth.Manager
	Limiter  *lim.Limiter
	Payloads *svc.Payloads
	Recorder *svc.Recorder
}

type Server struct {
	router     *chi.Mux
	cfg        *cfg.Cfg
	devPath    string
	httpServer *http.Server
}

func NewServer(d Deps) (*Server, error) {
	if d.Cfg == nil || d.Auth == nil || d.Payloads == nil {
		return nil, errors.New("server: missing dependency")
	}
	p, err := loadPages()
	if err != nil {
		return nil, err
	}
	dc := &decoy{src: d.Decoy}
	mw := NewMw(d.Cfg, d.Limiter, d.Auth, dc, p)
	hdl := &Hdl{
		devPath:  d.DevPath,
		auth:     d.Auth,
		lim:      d.Limiter,
		payloads: d.Payloads,
		recorder: d.Recorder,
		decoy:    dc,
		pages:    p,
	}
	pub := &Public{payloads: d.Payloads, decoy: dc, pages: p}

	r := chi.NewRouter()
	// Set before Route so the admin subrouter inherits them.
	r.NotFound(dc.handler("unknown_route"))
	r.MethodNotAllowed(dc.handler("method_not_allowed"))

	r.Use(mw.Recoverer)
	r.Use(mw.RequestID)
	r.Use(hlog.NewHandler(util.GetLogger()))
	r.Use(hlog.AccessHandler(func(req *http.Request, status, size int, dur time.Duration) {
		hlog.FromRequest(req).Info().
			Str("method", req.Method).
			Str("class", routeClass(req)).
			Int("status", status).
			Int("size", size).
			Dur("duration", dur).
			Str("request_id", util.GetRequestID(req.Context())).
			Msg("http request")
	}))
	r.Use(mw.Metrics)
	r.Use(middleware.GetHead)
	r.Use(mw.ContextTimeout)
	r.Use(mw.SecurityHeaders)

	r.Get(domain.PublicPrefix+"/{slug}", pub.ViewPayload)

	// Admin headers go only on pages the operator sees. Anything that ends in
	// a decoy redirect must carry the same headers as the catch-all.
	r.Route(d.DevPath, func(r chi.Router) {
		r.With(mw.AdminHeaders, middleware.NoCache).Get("/login", hdl.LoginForm)
		r.With(mw.RateLimitLogin).Post("/login", hdl.Login)
		r.Get("/logout", hdl.Logout)
		r.Group(func(r chi.Router) {
			r.Use(mw.Gate)
			r.Use(mw.AdminHeaders)
			r.Use(middleware.NoCache)
			r.Get("/", hdl.Index)
			r.Get("/create", hdl.CreateForm)
			r.With(mw.CSRF).Post("/create", hdl.Create)
			r.Get("/edit/{slug}", hdl.EditForm)
			r.With(mw.CSRF).Post("/edit/{slug}", hdl.Edit)
			r.With(mw.CSRF).Post("/delete/{slug}", hdl.Delete)
		})
	})

	return &Server{
		router:  r,
		cfg:     d.Cfg,
		devPath: d.DevPath,
		httpServer: &http.Server{
			Addr:              ":" + d.Cfg.Port,
			Handler:           r,
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       30 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       60 * time.Second,
			MaxHeaderBytes:    64 * 1024,
		},
	}, nil
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) Start() error {
	util.Info().Str("port", s.cfg.Port).Msg("starting server")
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		util.Error().Err(err).Str("port", s.cfg.Port).Msg("server failed to start")
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}
