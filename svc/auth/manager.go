package auth

import (
	"context"
	"net/http"
	"time"

	"veil/metrics"
	"veil/svc/util"
)

// Revoker remembers sessions that were logged out before they expired.
type Revoker interface {
	Revoke(ctx context.Context, sessionID string, until time.Time) error
	IsRevoked(ctx context.Context, sessionID string) (bool, error)
}

type CookieOptions struct {
	Name   string
	Secure bool
}

// Manager is the session authenticator: it turns login attempts into
// session cookies and cookies back into sessions.
type Manager struct {
	checker *Checker
	sealer  *Sealer
	revoker Revoker
	cookie  CookieOptions
}

func NewManager(checker *Checker, sealer *Sealer, revoker Revoker, cookie CookieOptions) *Manager {
	if checker == nil || sealer == nil {
		panic("auth manager: nil checker or sealer")
	}
	if cookie.Name == "" {
		cookie.Name = "session"
	}
	return &Manager{checker: checker, sealer: sealer, revoker: revoker, cookie: cookie}
}

func (m *Manager) Sealer() *Sealer {
	return m.sealer
}

// Login sets a long-lived session cookie when the credentials match. On a
// mismatch nothing is written to w.
func (m *Manager) Login(w http.ResponseWriter, username, password string) bool {
	if !m.checker.Check(username, password) {
		metrics.Logins.WithLabelValues("failure").Inc()
		return false
	}
	sess, token, err := m.sealer.Issue()
	if err != nil {
		metrics.Logins.WithLabelValues("error").Inc()
		util.Error().Err(err).Msg("failed to issue session")
		return false
	}
	metrics.Logins.WithLabelValues("success").Inc()
	http.SetCookie(w, &http.Cookie{
		Name:     m.cookie.Name,
		Value:    token,
		Path:     "/",
		Expires:  sess.ExpiresAt,
		MaxAge:   int(m.sealer.TTL() / time.Second),
		HttpOnly: true,
		Secure:   m.cookie.Secure,
		SameSite: http.SameSiteLaxMode,
	})
	return true
}

// Logout expires the cookie whatever it contained. A valid session is also
// revoked so a copy of the cookie stops working. A request without the cookie
// has no state to clear and gets no Set-Cookie.
func (m *Manager) Logout(w http.ResponseWriter, r *http.Request) {
	if _, err := r.Cookie(m.cookie.Name); err != nil {
		return
	}
	if sess, ok := m.session(r, false); ok && m.revoker != nil {
		if err := m.revoker.Revoke(r.Context(), sess.ID, sess.ExpiresAt); err != nil {
			util.Error().Err(err).Msg("failed to revoke session on logout")
		}
	}
	http.SetCookie(w, &http.Cookie{
		Name:     m.cookie.Name,
		Value:    "",
		Path:     "/",
		Expires:  time.Unix(0, 0),
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   m.cookie.Secure,
		SameSite: http.SameSiteLaxMode,
	})
}

// Session returns the authenticated session carried by r, if any.
func (m *Manager) Session(r *http.Request) (Session, bool) {
	return m.session(r, true)
}

func (m *Manager) IsAuthenticated(r *http.Request) bool {
	_, ok := m.Session(r)
	return ok
}

func (m *Manager) session(r *http.Request, checkRevoked bool) (Session, bool) {
	c, err := r.Cookie(m.cookie.Name)
	if err != nil || c.Value == "" {
		return Session{}, false
	}
	sess, err := m.sealer.Open(c.Value)
	if err != nil || !sess.Authenticated {
		return Session{}, false
	}
	if checkRevoked && m.revoker != nil {
		revoked, err := m.revoker.IsRevoked(r.Context(), sess.ID)
		if err != nil {
			util.Error().Err(err).Msg("revocation check failed, treating session as invalid")
			return Session{}, false
		}
		if revoked {
			return Session{}, false
		}
	}
	return sess, true
}
