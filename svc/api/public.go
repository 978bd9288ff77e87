package api

import (
	"html/template"
	"net/http"
	"net/url"

	"veil/metrics"
	"veil/pkg/domain"
	"veil/svc/svc"
	"veil/svc/util"

	"github.com/go-chi/chi/v5"
	"github.com/pkg/errors"
)

// DecoySource yields the current decoy URL. store.ConfigStore re-reads its
// file on every call.
type DecoySource interface {
	DecoyURL() string
}

type decoy struct {
	src DecoySource
}

func (d *decoy) url() string {
	if d.src == nil {
		return domain.DefaultDecoyURL
	}
	if u := d.src.DecoyURL(); u != "" {
		return u
	}
	return domain.DefaultDecoyURL
}

// redirect is the answer to every request that is not an authenticated
// admin call or a known payload.
func (d *decoy) redirect(w http.ResponseWriter, r *http.Request, reason string) {
	metrics.Decoys.WithLabelValues(reason).Inc()
	http.Redirect(w, r, d.url(), http.StatusFound)
}

func (d *decoy) handler(reason string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		d.redirect(w, r, reason)
	}
}

type Public struct {
	payloads *svc.Payloads
	decoy    *decoy
	pages    *pages
}

// slugParam returns the decoded {slug} segment. chi matches on RawPath when
// the request carries one, and then the parameter is still escaped.
func slugParam(r *http.Request) string {
	slug := chi.URLParam(r, "slug")
	if r.URL.RawPath == "" {
		return slug
	}
	if unescaped, err := url.PathUnescape(slug); err == nil {
		return unescaped
	}
	return slug
}

func (p *Public) ViewPayload(w http.ResponseWriter, r *http.Request) {
	slug := slugParam(r)
	payload, err := p.payloads.View(slug)
	if err != nil {
		if errors.Is(err, domain.ErrPayloadNotFound) {
			p.decoy.redirect(w, r, "unknown_slug")
			return
		}
		util.Error().Err(err).Str("request_id", util.GetRequestID(r.Context())).Msg("payload lookup failed")
		p.decoy.redirect(w, r, "store_error")
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	p.pages.renderPayload(w, r, payloadView{
		Name:       payload.Name,
		Content:    template.HTML(payload.Content),
		AutoSubmit: payload.AutoSubmit,
		HideForm:   payload.HideForm,
	})
}
