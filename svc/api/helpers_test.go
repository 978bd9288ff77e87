package api

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"veil/cfg"
	"veil/pkg/domain"
	"veil/svc/auth"
	"veil/svc/cache"
	"veil/svc/lim"
	"veil/svc/store"
	"veil/svc/svc"

	"github.com/stretchr/testify/require"
)

const (
	testDecoy = "https://decoy.example/"
	testUser  = "op"
	testPass  = "hunter2"
)

type harness struct {
	t        *testing.T
	dir      string
	cfg      *cfg.Cfg
	configs  *store.ConfigStore
	payloads *store.PayloadStore
	manager  *auth.Manager
	srv      *Server
}

type option func(*harnessOpts)

type harnessOpts struct {
	limiter *lim.Limiter
	dir     string
}

func withLimiter(l *lim.Limiter) option {
	return func(o *harnessOpts) { o.limiter = l }
}

// withDir reuses the stores of an earlier harness, as a restarted process
// would.
func withDir(dir string) option {
	return func(o *harnessOpts) { o.dir = dir }
}

func newHarness(t *testing.T, opts ...option) *harness {
	t.Helper()
	var o harnessOpts
	for _, fn := range opts {
		fn(&o)
	}
	dir := o.dir
	if dir == "" {
		dir = t.TempDir()
		require.NoError(t, os.WriteFile(filepath.Join(dir, "config.json"),
			[]byte(`{"decoy_url":"`+testDecoy+`","dev_path":"/dev"}`), 0o600))
	}
	c := &cfg.Cfg{Port: "0", ContextTimeout: 5 * time.Second, SessionCookie: "session"}
	configs := store.NewConfigStore(filepath.Join(dir, "config.json"))
	payloads := store.NewPayloadStore(filepath.Join(dir, "payloads.json"))

	sealer, err := auth.NewSealer(time.Hour)
	require.NoError(t, err)
	revocations, err := cache.NewRevocations(64)
	require.NoError(t, err)
	checker := auth.NewChecker(domain.Credential{Username: testUser, PasswordHash: auth.Digest(testPass)}, 0)
	manager := auth.NewManager(checker, sealer, revocations, auth.CookieOptions{Name: c.SessionCookie})

	limiter := o.limiter
	if limiter == nil {
		limiter = lim.New(0, 1, nil, nil)
	}
	t.Cleanup(limiter.Stop)
	rec := svc.NewRecorder(nil, 1)
	t.Cleanup(rec.Shutdown)

	srv, err := NewServer(Deps{
		Cfg:      c,
		DevPath:  "/dev",
		Decoy:    configs,
		Auth:     manager,
		Limiter:  limiter,
		Payloads: svc.NewPayloads(payloads, rec),
		Recorder: rec,
	})
	require.NoError(t, err)
	return &harness{t: t, dir: dir, cfg: c, configs: configs, payloads: payloads, manager: manager, srv: srv}
}

func (h *harness) do(method, path string, form url.Values, cookie *http.Cookie) *httptest.ResponseRecorder {
	h.t.Helper()
	var body *strings.Reader
	if form != nil {
		body = strings.NewReader(form.Encode())
	} else {
		body = strings.NewReader("")
	}
	req := httptest.NewRequest(method, path, body)
	req.RemoteAddr = "192.0.2.10:4321"
	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	if cookie != nil {
		req.AddCookie(cookie)
	}
	rec := httptest.NewRecorder()
	h.srv.ServeHTTP(rec, req)
	return rec
}

func (h *harness) login() *http.Cookie {
	h.t.Helper()
	rec := h.do(http.MethodPost, "/dev/login", url.Values{"username": {testUser}, "password": {testPass}}, nil)
	require.Equal(h.t, http.StatusFound, rec.Code)
	require.Equal(h.t, "/dev", rec.Header().Get("Location"))
	for _, c := range rec.Result().Cookies() {
		if c.Name == "session" {
			return c
		}
	}
	h.t.Fatal("login set no session cookie")
	return nil
}

func (h *harness) csrf(c *http.Cookie) string {
	h.t.Helper()
	sess, err := h.manager.Sealer().Open(c.Value)
	require.NoError(h.t, err)
	return h.manager.Sealer().CSRFToken(sess)
}

func (h *harness) setDecoy(u string) {
	h.t.Helper()
	require.NoError(h.t, h.configs.Save(domain.Config{DecoyURL: u, DevPath: "/dev"}))
}

func (h *harness) stored() domain.Payloads {
	h.t.Helper()
	all, err := h.payloads.Load()
	require.NoError(h.t, err)
	return all
}

func requireDecoy(t *testing.T, rec *httptest.ResponseRecorder) {
	t.Helper()
	require.Equal(t, http.StatusFound, rec.Code, "body: %s", rec.Body.String())
	require.Equal(t, testDecoy, rec.Header().Get("Location"))
}
