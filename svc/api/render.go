package api

import (
	"bytes"
	"embed"
	"html/template"
	"net/http"
	"net/url"

	"veil/svc/util"

	"github.com/pkg/errors"
)

//go:embed templates/*.html
var templateFS embed.FS

var funcs = template.FuncMap{
	"pathEscape": url.PathEscape,
}

// Pages are parsed once at startup; each admin page is executed through the
// shared layout.
type pages struct {
	admin   map[string]*template.Template
	payload *template.Template
}

func loadPages() (*pages, error) {
	p := &pages{admin: make(map[string]*template.Template)}
	for _, name := range []string{"login", "index", "form", "error"} {
		t, err := template.New(name).Funcs(funcs).ParseFS(templateFS, "templates/layout.html", "templates/"+name+".html")
		if err != nil {
			return nil, errors.Wrapf(err, "parse %s template", name)
		}
		p.admin[name] = t
	}
	t, err := template.New("payload.html").Funcs(funcs).ParseFS(templateFS, "templates/payload.html")
	if err != nil {
		return nil, errors.Wrap(err, "parse payload template")
	}
	p.payload = t
	return p, nil
}

func (p *pages) render(w http.ResponseWriter, r *http.Request, status int, name string, data any) {
	t, ok := p.admin[name]
	if !ok {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
	write(w, r, status, t, "layout", data)
}

type payloadView struct {
	Name       string
	Content    template.HTML
	AutoSubmit bool
	HideForm   bool
}

func (p *pages) renderPayload(w http.ResponseWriter, r *http.Request, v payloadView) {
	write(w, r, http.StatusOK, p.payload, "payload.html", v)
}

// write buffers the page so a template error still yields a clean 500.
func write(w http.ResponseWriter, r *http.Request, status int, t *template.Template, name string, data any) {
	var buf bytes.Buffer
	if err := t.ExecuteTemplate(&buf, name, data); err != nil {
		util.Error().Err(err).Str("template", name).Str("request_id", util.GetRequestID(r.Context())).Msg("render failed")
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	w.Write(buf.Bytes())
}
