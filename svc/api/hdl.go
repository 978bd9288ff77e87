package api

import (
	"net/http"
	"net/url"

	"veil/pkg/domain"
	"veil/svc/auth"
	"veil/svc/lim"
	"veil/svc/store"
	"veil/svc/svc"
	"veil/svc/util"

	"github.com/pkg/errors"
)

// Hdl serves the operator pages under the secret prefix.
type Hdl struct {
	devPath  string
	auth     *auth.Manager
	lim      *lim.Limiter
	payloads *svc.Payloads
	recorder *svc.Recorder
	decoy    *decoy
	pages    *pages
}

type loginView struct {
	Action string
}

type indexView struct {
	DevPath  string
	CSRF     string
	Payloads []store.Entry
	Journal  svc.Summary
}

type formView struct {
	DevPath    string
	Action     string
	CSRF       string
	Editing    bool
	Original   string
	Error      string
	Slug       string
	Name       string
	Content    string
	AutoSubmit bool
	HideForm   bool
}

type errView struct {
	Status    int
	Message   string
	RequestID string
	DevPath   string
}

func errorView(r *http.Request, status int, msg, devPath string) errView {
	return errView{
		Status:    status,
		Message:   msg,
		RequestID: util.GetRequestID(r.Context()),
		DevPath:   devPath,
	}
}

func (h *Hdl) LoginForm(w http.ResponseWriter, r *http.Request) {
	h.pages.render(w, r, http.StatusOK, "login", loginView{Action: h.devPath + "/login"})
}

// Login answers a bad username, a bad password and an unreadable form the
// same way: with the decoy.
func (h *Hdl) Login(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxLoginBytes)
	if err := r.ParseForm(); err != nil {
		h.decoy.redirect(w, r, "login_failed")
		return
	}
	client := r.RemoteAddr
	if h.lim != nil {
		client = h.lim.ClientIP(r)
	}
	ok := h.auth.Login(w, r.PostFormValue("username"), r.PostFormValue("password"))
	if h.lim != nil {
		h.lim.RecordLogin(ok)
	}
	h.recorder.Login(client, ok)
	if !ok {
		util.Info().
			Str("ip", util.RedactIP(client)).
			Str("request_id", util.GetRequestID(r.Context())).
			Msg("login failed")
		h.decoy.redirect(w, r, "login_failed")
		return
	}
	util.Info().Str("ip", util.RedactIP(client)).Msg("login succeeded")
	http.Redirect(w, r, h.devPath, http.StatusFound)
}

func (h *Hdl) Logout(w http.ResponseWriter, r *http.Request) {
	h.auth.Logout(w, r)
	h.decoy.redirect(w, r, "logout")
}

func (h *Hdl) Index(w http.ResponseWriter, r *http.Request) {
	list, err := h.payloads.List()
	if err != nil {
		h.serverError(w, r, err)
		return
	}
	h.pages.render(w, r, http.StatusOK, "index", indexView{
		DevPath:  h.devPath,
		CSRF:     h.csrf(r),
		Payloads: list,
		Journal:  h.recorder.Summary(r.Context()),
	})
}

func (h *Hdl) CreateForm(w http.ResponseWriter, r *http.Request) {
	h.pages.render(w, r, http.StatusOK, "form", h.newForm(r))
}

func (h *Hdl) Create(w http.ResponseWriter, r *http.Request) {
	params := paramsFrom(r)
	if _, err := h.payloads.Create(params); err != nil {
		if domain.Status(err) == http.StatusBadRequest {
			v := h.newForm(r)
			fill(&v, params)
			v.Error = domain.Message(err)
			h.pages.render(w, r, http.StatusOK, "form", v)
			return
		}
		h.serverError(w, r, err)
		return
	}
	http.Redirect(w, r, h.devPath, http.StatusFound)
}

func (h *Hdl) EditForm(w http.ResponseWriter, r *http.Request) {
	slug := slugParam(r)
	p, err := h.payloads.Get(slug)
	if err != nil {
		h.lookupError(w, r, err)
		return
	}
	v := h.editForm(r, slug)
	fill(&v, domain.PayloadParams{
		Slug:       slug,
		Name:       p.Name,
		Content:    p.Content,
		AutoSubmit: p.AutoSubmit,
		HideForm:   p.HideForm,
	})
	h.pages.render(w, r, http.StatusOK, "form", v)
}

func (h *Hdl) Edit(w http.ResponseWriter, r *http.Request) {
	slug := slugParam(r)
	if _, err := h.payloads.Get(slug); err != nil {
		h.lookupError(w, r, err)
		return
	}
	params := paramsFrom(r)
	if _, err := h.payloads.Update(slug, params); err != nil {
		if domain.Status(err) == http.StatusBadRequest {
			v := h.editForm(r, slug)
			fill(&v, params)
			v.Error = domain.Message(err)
			h.pages.render(w, r, http.StatusOK, "form", v)
			return
		}
		h.lookupError(w, r, err)
		return
	}
	http.Redirect(w, r, h.devPath, http.StatusFound)
}

func (h *Hdl) Delete(w http.ResponseWriter, r *http.Request) {
	if err := h.payloads.Delete(slugParam(r)); err != nil {
		h.serverError(w, r, err)
		return
	}
	http.Redirect(w, r, h.devPath, http.StatusFound)
}

func (h *Hdl) csrf(r *http.Request) string {
	sess, ok := sessionFrom(r.Context())
	if !ok {
		return ""
	}
	return h.auth.Sealer().CSRFToken(sess)
}

func (h *Hdl) newForm(r *http.Request) formView {
	return formView{
		DevPath: h.devPath,
		Action:  h.devPath + "/create",
		CSRF:    h.csrf(r),
	}
}

func (h *Hdl) editForm(r *http.Request, slug string) formView {
	return formView{
		DevPath:  h.devPath,
		Action:   h.devPath + "/edit/" + url.PathEscape(slug),
		CSRF:     h.csrf(r),
		Editing:  true,
		Original: slug,
	}
}

func fill(v *formView, p domain.PayloadParams) {
	v.Slug = p.Slug
	v.Name = p.Name
	v.Content = p.Content
	v.AutoSubmit = p.AutoSubmit
	v.HideForm = p.HideForm
}

// paramsFrom reads the payload form. Checkboxes count only when sent as "on".
func paramsFrom(r *http.Request) domain.PayloadParams {
	return domain.PayloadParams{
		Slug:       r.PostFormValue("slug"),
		Name:       r.PostFormValue("name"),
		Content:    r.PostFormValue("content"),
		AutoSubmit: r.PostFormValue("auto_submit") == "on",
		HideForm:   r.PostFormValue("hide_form") == "on",
	}
}

func (h *Hdl) lookupError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, domain.ErrPayloadNotFound) {
		h.pages.render(w, r, http.StatusNotFound, "error",
			errorView(r, http.StatusNotFound, "No payload with that slug.", h.devPath))
		return
	}
	h.serverError(w, r, err)
}

func (h *Hdl) serverError(w http.ResponseWriter, r *http.Request, err error) {
	util.Error().Err(err).Str("request_id", util.GetRequestID(r.Context())).Msg("admin request failed")
	h.pages.render(w, r, http.StatusInternalServerError, "error",
		errorView(r, http.StatusInternalServerError, "Something went wrong. Check the server log.", h.devPath))
}
