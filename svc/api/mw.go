package api

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strconv"
	"time"

	"veil/cfg"
	"veil/metrics"
	"veil/pkg/domain"
	"veil/svc/auth"
	"veil/svc/lim"
	"veil/svc/util"

	"github.com/go-chi/chi/v5"
)

const (
	maxLoginBytes = 64 << 10
	maxFormBytes  = 10 << 20
)

type sessionKey struct{}

// Mw carries the middleware that needs process state. Everything that would
// answer a stranger with anything but the decoy goes through here.
type Mw struct {
	cfg   *cfg.Cfg
	lim   *lim.Limiter
	auth  *auth.Manager
	decoy *decoy
	pages *pages
}

func NewMw(c *cfg.Cfg, l *lim.Limiter, m *auth.Manager, d *decoy, p *pages) *Mw {
	return &Mw{cfg: c, lim: l, auth: m, decoy: d, pages: p}
}

func (m *Mw) RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := util.NewRequestID()
		ctx := util.SetRequestID(r.Context(), requestID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (m *Mw) ContextTimeout(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.cfg.ContextTimeout <= 0 {
			next.ServeHTTP(w, r)
			return
		}
		ctx, cancel := context.WithTimeout(r.Context(), m.cfg.ContextTimeout)
		defer cancel()
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// SecurityHeaders applies to every response, payload pages included.
func (m *Mw) SecurityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("Referrer-Policy", "no-referrer")
		w.Header().Set("Permissions-Policy", "geolocation=(), microphone=(), camera=()")
		if m.cfg.CookieSecure {
			w.Header().Set("Strict-Transport-Security", "max-age=63072000; includeSubDomains")
		}
		next.ServeHTTP(w, r)
	})
}

// AdminHeaders locks down the operator pages. Payload pages carry arbitrary
// markup and are left without a CSP.
func (m *Mw) AdminHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Content-Security-Policy", "default-src 'none'; style-src 'unsafe-inline'; frame-ancestors 'none'; base-uri 'none'")
		next.ServeHTTP(w, r)
	})
}

func (m *Mw) Recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rvr := recover(); rvr != nil {
				if rvr == http.ErrAbortHandler {
					panic(rvr)
				}
				util.Error().
					Interface("panic", rvr).
					Str("request_id", util.GetRequestID(r.Context())).
					Msg("panic recovered")
				if w.Header().Get("Content-Type") == "" {
					m.decoy.redirect(w, r, "panic")
				}
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// Gate admits authenticated sessions and sends everything else to the decoy.
// The session is stored in the request context for CSRF checks.
func (m *Mw) Gate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sess, ok := m.auth.Session(r)
		if !ok {
			m.decoy.redirect(w, r, "unauthenticated")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), sessionKey{}, sess)))
	})
}

func sessionFrom(ctx context.Context) (auth.Session, bool) {
	sess, ok := ctx.Value(sessionKey{}).(auth.Session)
	return sess, ok
}

// CSRF checks the form token on gated POSTs. It must run after Gate.
func (m *Mw) CSRF(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sess, ok := sessionFrom(r.Context())
		if !ok {
			m.decoy.redirect(w, r, "unauthenticated")
			return
		}
		r.Body = http.MaxBytesReader(w, r.Body, maxFormBytes)
		if err := r.ParseForm(); err != nil {
			m.pages.render(w, r, http.StatusBadRequest, "error", errorView(r, http.StatusBadRequest, "The form could not be read.", ""))
			return
		}
		if err := m.auth.Sealer().VerifyCSRF(sess, r.PostFormValue("csrf_token")); err != nil {
			util.Warn().Str("request_id", util.GetRequestID(r.Context())).Msg("csrf token mismatch")
			m.pages.render(w, r, domain.Status(err), "error", errorView(r, domain.Status(err), domain.Message(err), ""))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RateLimitLogin diverts throttled clients to the decoy before credentials
// are looked at.
func (m *Mw) RateLimitLogin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.lim != nil && !m.lim.Allow(r) {
			util.Warn().
				Str("ip", util.RedactIP(m.lim.ClientIP(r))).
				Str("request_id", util.GetRequestID(r.Context())).
				Msg("login rate limit exceeded")
			metrics.Logins.WithLabelValues("throttled").Inc()
			m.decoy.redirect(w, r, "throttled")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Metrics records request latency by route class. The class is taken from
// the matched chi pattern after the handler ran.
func (m *Mw) Metrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)
		metrics.RequestDuration.
			WithLabelValues(r.Method, routeClass(r), strconv.Itoa(ww.status)).
			Observe(time.Since(start).Seconds())
	})
}

func routeClass(r *http.Request) string {
	rctx := chi.RouteContext(r.Context())
	if rctx == nil {
		return "decoy"
	}
	switch pattern := rctx.RoutePattern(); pattern {
	case "", "/*":
		return "decoy"
	case domain.PublicPrefix + "/{slug}":
		return "public"
	default:
		return "admin"
	}
}

func (m *Mw) BasicAuthMetrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.cfg.MetricsUser == "" && m.cfg.MetricsPass.Value() == "" {
			next.ServeHTTP(w, r)
			return
		}
		user, pass, ok := r.BasicAuth()
		userMatch := 0
		passMatch := 0
		if ok {
			userMatch = subtle.ConstantTimeCompare([]byte(user), []byte(m.cfg.MetricsUser))
			passMatch = subtle.ConstantTimeCompare([]byte(pass), []byte(m.cfg.MetricsPass.Value()))
		}
		if !ok || userMatch != 1 || passMatch != 1 {
			w.Header().Set("WWW-Authenticate", `Basic realm="metrics"`)
			w.WriteHeader(http.StatusUnauthorized)
			w.Write([]byte("Unauthorized\n"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

type statusWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (w *statusWriter) WriteHeader(status int) {
	if w.wroteHeader {
		return
	}
	w.status = status
	w.wroteHeader = true
	w.ResponseWriter.WriteHeader(status)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	if !w.wroteHeader {
		w.WriteHeader(http.StatusOK)
	}
	return w.ResponseWriter.Write(b)
}

func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
