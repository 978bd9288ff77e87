package svc

import (
	"strings"
	"unicode"

	"veil/metrics"
	"veil/pkg/domain"
	"veil/svc/store"
	"veil/svc/util"

	"github.com/pkg/errors"
	"golang.org/x/text/unicode/norm"
)

// Payloads is the admin and public view of the payload store.
type Payloads struct {
	store    *store.PayloadStore
	recorder *Recorder
}

func NewPayloads(s *store.PayloadStore, rec *Recorder) *Payloads {
	if s == nil {
		panic("payload service: nil store")
	}
	return &Payloads{store: s, recorder: rec}
}

// Sanitize trims and NFC-normalizes slug and name and checks that both are
// present. Content is left exactly as submitted.
func Sanitize(p domain.PayloadParams) (domain.PayloadParams, error) {
	p.Slug = norm.NFC.String(strings.TrimSpace(p.Slug))
	p.Name = norm.NFC.String(strings.TrimSpace(p.Name))
	if p.Slug == "" {
		return p, domain.ErrSlugRequired
	}
	if p.Name == "" {
		return p, domain.ErrNameRequired
	}
	if !validSlug(p.Slug) {
		return p, domain.ErrInvalidSlug
	}
	return p, nil
}

// validSlug rejects what cannot come back as a single /p/{slug} segment.
func validSlug(s string) bool {
	for _, r := range s {
		if r == '/' || r == '?' || r == '#' || unicode.IsControl(r) {
			return false
		}
	}
	return true
}

// Create stores the payload, overwriting any payload with the same slug.
func (s *Payloads) Create(params domain.PayloadParams) (string, error) {
	params, err := Sanitize(params)
	if err != nil {
		return "", err
	}
	if err := s.store.Put(params.Slug, params.Payload()); err != nil {
		metrics.StoreErrors.WithLabelValues("payloads").Inc()
		return "", errors.Wrap(err, "create payload")
	}
	metrics.PayloadChanges.WithLabelValues("create").Inc()
	s.recorder.Action("create", params.Slug)
	util.Info().Str("slug", util.RedactSlug(params.Slug)).Msg("payload created")
	return params.Slug, nil
}

// Update replaces the payload at oldSlug. A different params.Slug renames
// it; a payload already stored under the new slug is overwritten.
func (s *Payloads) Update(oldSlug string, params domain.PayloadParams) (string, error) {
	params, err := Sanitize(params)
	if err != nil {
		return "", err
	}
	if err := s.store.Replace(oldSlug, params.Slug, params.Payload()); err != nil {
		if errors.Is(err, domain.ErrPayloadNotFound) {
			return "", err
		}
		metrics.StoreErrors.WithLabelValues("payloads").Inc()
		return "", errors.Wrap(err, "update payload")
	}
	action := "update"
	if oldSlug != params.Slug {
		action = "rename"
	}
	metrics.PayloadChanges.WithLabelValues(action).Inc()
	s.recorder.Action(action, params.Slug)
	util.Info().Str("slug", util.RedactSlug(params.Slug)).Str("action", action).Msg("payload updated")
	return params.Slug, nil
}

// Delete is idempotent: an unknown slug is not an error.
func (s *Payloads) Delete(slug string) error {
	existed, err := s.store.Delete(slug)
	if err != nil {
		metrics.StoreErrors.WithLabelValues("payloads").Inc()
		return errors.Wrap(err, "delete payload")
	}
	if existed {
		metrics.PayloadChanges.WithLabelValues("delete").Inc()
		s.recorder.Action("delete", slug)
		util.Info().Str("slug", util.RedactSlug(slug)).Msg("payload deleted")
	}
	return nil
}

func (s *Payloads) Get(slug string) (domain.Payload, error) {
	p, err := s.store.Get(slug)
	if err != nil && !errors.Is(err, domain.ErrPayloadNotFound) {
		metrics.StoreErrors.WithLabelValues("payloads").Inc()
		return domain.Payload{}, errors.Wrap(err, "get payload")
	}
	return p, err
}

func (s *Payloads) List() ([]store.Entry, error) {
	list, err := s.store.List()
	if err != nil {
		metrics.StoreErrors.WithLabelValues("payloads").Inc()
		return nil, errors.Wrap(err, "list payloads")
	}
	return list, nil
}

// View is the public lookup behind /p/{slug}.
func (s *Payloads) View(slug string) (domain.Payload, error) {
	p, err := s.Get(slug)
	if err != nil {
		return domain.Payload{}, err
	}
	metrics.PayloadViews.Inc()
	return p, nil
}
