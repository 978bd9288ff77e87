package store

import (
	"veil/pkg/domain"
)

type CredentialStore struct {
	file *File[domain.Credential]
}

func NewCredentialStore(path string) *CredentialStore {
	return &CredentialStore{
		file: NewFile(path, func() domain.Credential { return domain.Credential{} }),
	}
}

func (s *CredentialStore) Path() string {
	return s.file.Path()
}

// Load returns the record and whether it exists. A record without a
// username or hash is treated as an error rather than absence, so a
// truncated file can never re-arm the bootstrap.
func (s *CredentialStore) Load() (domain.Credential, bool, error) {
	c, ok, err := s.file.LoadExisting()
	if err != nil || !ok {
		return c, ok, err
	}
	if c.Username == "" || c.PasswordHash == "" {
		return c, true, errIncompleteCredential
	}
	return c, true, nil
}

func (s *CredentialStore) Save(c domain.Credential) error {
	return s.file.Save(c)
}
