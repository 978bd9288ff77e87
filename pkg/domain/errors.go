package domain

import (
	"net/http"

	"github.com/pkg/errors"
)

var (
	ErrPayloadNotFound             = NewErr("PAYLOAD_NOT_FOUND", "payload not found", http.StatusNotFound)
	ErrSlugRequired                = NewErr("SLUG_REQUIRED", "Slug and name are required", http.StatusBadRequest)
	ErrNameRequired                = NewErr("NAME_REQUIRED", "Slug and name are required", http.StatusBadRequest)
	ErrInvalidSlug                 = NewErr("INVALID_SLUG", "slug may not contain '/', '?', '#' or control characters", http.StatusBadRequest)
	ErrInvalidCredentials          = NewErr("INVALID_CREDENTIALS", "invalid credentials", http.StatusUnauthorized)
	ErrSessionInvalid              = NewErr("SESSION_INVALID", "session invalid", http.StatusUnauthorized)
	ErrCSRF                        = NewErr("CSRF_MISMATCH", "invalid form token", http.StatusForbidden)
	ErrMissingBootstrapCredentials = NewErr("MISSING_BOOTSTRAP_CREDENTIALS", "no credentials found in config: add 'username' and 'password' fields to the config file and restart", http.StatusInternalServerError)
	ErrInvalidDevPath              = NewErr("INVALID_DEV_PATH", "dev_path must start with '/', must not be '/' and must not overlap "+PublicPrefix, http.StatusInternalServerError)
	ErrInternalServer              = NewErr("INTERNAL_ERROR", "internal error", http.StatusInternalServerError)
)

type Err struct {
	Code   string `json:"code"`
	Msg    string `json:"message"`
	Status int    `json:"-"`
}

func (e *Err) Error() string { return e.Msg }

func NewErr(code, msg string, status int) *Err {
	return &Err{Code: code, Msg: msg, Status: status}
}

func Status(err error) int {
	if e, ok := err.(*Err); ok {
		return e.Status
	}
	if e, ok := errors.Cause(err).(*Err); ok {
		return e.Status
	}
	return http.StatusInternalServerError
}

// Message returns the operator-facing text for err. Errors that are not
// domain errors are reported as internal errors.
func Message(err error) string {
	if e, ok := err.(*Err); ok {
		return e.Msg
	}
	if e, ok := errors.Cause(err).(*Err); ok {
		return e.Msg
	}
	return ErrInternalServer.Msg
}
