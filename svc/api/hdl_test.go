package api

import (
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"testing"

	"veil/pkg/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func payloadForm(csrf, slug, name, content string, extra ...string) url.Values {
	f := url.Values{
		"csrf_token": {csrf},
		"slug":       {slug},
		"name":       {name},
		"content":    {content},
	}
	for _, k := range extra {
		f.Set(k, "on")
	}
	return f
}

func TestPayloadLifecycle(t *testing.T) {
	h := newHarness(t)
	c := h.login()
	token := h.csrf(c)

	rec := h.do(http.MethodPost, "/dev/create", payloadForm(token, " demo ", " Demo ", "<form action=\"/x\"></form>", "auto_submit"), c)
	require.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, "/dev", rec.Header().Get("Location"))
	assert.Equal(t, domain.Payloads{"demo": {Name: "Demo", Content: "<form action=\"/x\"></form>", AutoSubmit: true}}, h.stored())

	rec = h.do(http.MethodGet, "/dev", nil, c)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "/p/demo")
	assert.Contains(t, rec.Body.String(), token)

	rec = h.do(http.MethodGet, "/p/demo", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "<form action=\"/x\"></form>")
	assert.Contains(t, rec.Body.String(), "HTMLFormElement.prototype.submit")
	assert.Empty(t, rec.Header().Get("Content-Security-Policy"))

	rec = h.do(http.MethodPost, "/dev/edit/demo", payloadForm(token, "renamed", "Demo", "body", "hide_form"), c)
	require.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, domain.Payloads{"renamed": {Name: "Demo", Content: "body", HideForm: true}}, h.stored())
	requireDecoy(t, h.do(http.MethodGet, "/p/demo", nil, nil))

	rec = h.do(http.MethodGet, "/p/renamed", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `style="display:none"`)
	assert.NotContains(t, rec.Body.String(), "HTMLFormElement")

	rec = h.do(http.MethodPost, "/dev/delete/renamed", url.Values{"csrf_token": {token}}, c)
	require.Equal(t, http.StatusFound, rec.Code)
	assert.Empty(t, h.stored())
	requireDecoy(t, h.do(http.MethodGet, "/p/renamed", nil, nil))

	rec = h.do(http.MethodPost, "/dev/delete/renamed", url.Values{"csrf_token": {token}}, c)
	assert.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, "/dev", rec.Header().Get("Location"))
}

func TestEditSameSlugKeepsOneEntry(t *testing.T) {
	h := newHarness(t)
	c := h.login()
	require.NoError(t, h.payloads.Put("x", domain.Payload{Name: "old"}))

	rec := h.do(http.MethodPost, "/dev/edit/x", payloadForm(h.csrf(c), "x", "new", ""), c)
	require.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, domain.Payloads{"x": {Name: "new"}}, h.stored())
}

func TestCreateOverwritesExistingSlug(t *testing.T) {
	h := newHarness(t)
	c := h.login()
	require.NoError(t, h.payloads.Put("x", domain.Payload{Name: "old", Content: "a"}))

	rec := h.do(http.MethodPost, "/dev/create", payloadForm(h.csrf(c), "x", "new", "b"), c)
	require.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, domain.Payloads{"x": {Name: "new", Content: "b"}}, h.stored())
}

func TestCreateValidation(t *testing.T) {
	h := newHarness(t)
	c := h.login()
	token := h.csrf(c)

	for name, form := range map[string]url.Values{
		"no slug":  payloadForm(token, "  ", "n", "c"),
		"no name":  payloadForm(token, "s", "", "c"),
		"no both":  payloadForm(token, "", "", ""),
		"slash":    payloadForm(token, "a/b", "n", ""),
		"checkbox": payloadForm(token, "", "n", "", "auto_submit"),
	} {
		t.Run(name, func(t *testing.T) {
			rec := h.do(http.MethodPost, "/dev/create", form, c)
			assert.Equal(t, http.StatusOK, rec.Code)
			assert.Contains(t, rec.Body.String(), `class="error"`)
		})
	}
	rec := h.do(http.MethodPost, "/dev/create", payloadForm(token, "", "n", ""), c)
	assert.Contains(t, rec.Body.String(), "Slug and name are required")
	_, err := os.Stat(filepath.Join(h.dir, "payloads.json"))
	assert.True(t, os.IsNotExist(err))
}

func TestEditValidationLeavesPayload(t *testing.T) {
	h := newHarness(t)
	c := h.login()
	require.NoError(t, h.payloads.Put("x", domain.Payload{Name: "keep"}))

	rec := h.do(http.MethodPost, "/dev/edit/x", payloadForm(h.csrf(c), "x", " ", "changed"), c)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "Slug and name are required")
	assert.Equal(t, domain.Payloads{"x": {Name: "keep"}}, h.stored())
}

func TestEditUnknownSlugIs404(t *testing.T) {
	h := newHarness(t)
	c := h.login()

	assert.Equal(t, http.StatusNotFound, h.do(http.MethodGet, "/dev/edit/ghost", nil, c).Code)
	rec := h.do(http.MethodPost, "/dev/edit/ghost", payloadForm(h.csrf(c), "ghost", "n", ""), c)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Empty(t, h.stored())
}

func TestEditFormShowsPayload(t *testing.T) {
	h := newHarness(t)
	c := h.login()
	require.NoError(t, h.payloads.Put("x", domain.Payload{Name: "Name", Content: "<b>c</b>", HideForm: true}))

	rec := h.do(http.MethodGet, "/dev/edit/x", nil, c)
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, `action="/dev/edit/x"`)
	assert.Contains(t, body, "&lt;b&gt;c&lt;/b&gt;")
	assert.Contains(t, body, `name="hide_form" checked`)
}

func TestMutationsRequireCSRF(t *testing.T) {
	h := newHarness(t)
	c := h.login()
	require.NoError(t, h.payloads.Put("x", domain.Payload{Name: "n"}))

	other := newHarness(t)
	foreign := other.csrf(other.login())

	for _, token := range []string{"", "nope", foreign} {
		rec := h.do(http.MethodPost, "/dev/delete/x", url.Values{"csrf_token": {token}}, c)
		assert.Equal(t, http.StatusForbidden, rec.Code)
		rec = h.do(http.MethodPost, "/dev/create", payloadForm(token, "y", "n", ""), c)
		assert.Equal(t, http.StatusForbidden, rec.Code)
	}
	assert.Equal(t, domain.Payloads{"x": {Name: "n"}}, h.stored())
}

func TestStoreFailures(t *testing.T) {
	h := newHarness(t)
	c := h.login()
	require.NoError(t, os.WriteFile(filepath.Join(h.dir, "payloads.json"), []byte("{broken"), 0o600))

	requireDecoy(t, h.do(http.MethodGet, "/p/x", nil, nil))
	rec := h.do(http.MethodGet, "/dev", nil, c)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	rec = h.do(http.MethodPost, "/dev/create", payloadForm(h.csrf(c), "x", "n", ""), c)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestSlugWithEscapedCharacters(t *testing.T) {
	h := newHarness(t)
	c := h.login()
	rec := h.do(http.MethodPost, "/dev/create", payloadForm(h.csrf(c), "café menu", "n", "hi"), c)
	require.Equal(t, http.StatusFound, rec.Code)

	rec = h.do(http.MethodGet, "/p/caf%C3%A9%20menu", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = h.do(http.MethodGet, "/dev", nil, c)
	assert.Contains(t, rec.Body.String(), "/p/caf%C3%A9%20menu")
}

func TestReservedCharacterSlugsRoundTrip(t *testing.T) {
	for _, tc := range []struct{ slug, escaped string }{
		{"a;b", "a%3Bb"},
		{"a,b", "a%2Cb"},
		{"a%41", "a%2541"},
		{"a b", "a%20b"},
	} {
		t.Run(tc.slug, func(t *testing.T) {
			h := newHarness(t)
			c := h.login()
			token := h.csrf(c)

			rec := h.do(http.MethodPost, "/dev/create", payloadForm(token, tc.slug, "N", "hello"), c)
			require.Equal(t, http.StatusFound, rec.Code)

			rec = h.do(http.MethodGet, "/dev", nil, c)
			require.Equal(t, http.StatusOK, rec.Code)
			assert.Contains(t, rec.Body.String(), `href="/p/`+tc.escaped+`"`)
			assert.Contains(t, rec.Body.String(), `href="/dev/edit/`+tc.escaped+`"`)

			rec = h.do(http.MethodGet, "/p/"+tc.escaped, nil, nil)
			require.Equal(t, http.StatusOK, rec.Code)
			assert.Contains(t, rec.Body.String(), "hello")

			rec = h.do(http.MethodGet, "/dev/edit/"+tc.escaped, nil, c)
			require.Equal(t, http.StatusOK, rec.Code)

			rec = h.do(http.MethodPost, "/dev/edit/"+tc.escaped, payloadForm(token, tc.slug, "N2", "bye"), c)
			require.Equal(t, http.StatusFound, rec.Code)
			assert.Equal(t, domain.Payloads{tc.slug: {Name: "N2", Content: "bye"}}, h.stored())

			rec = h.do(http.MethodPost, "/dev/delete/"+tc.escaped, url.Values{"csrf_token": {token}}, c)
			require.Equal(t, http.StatusFound, rec.Code)
			assert.Empty(t, h.stored())
		})
	}
}
