package store

import "github.com/pkg/errors"

var (
	errNoChange             = errors.New("no change")
	errIncompleteCredential = errors.New("credential record is missing username or password_hash")
)
