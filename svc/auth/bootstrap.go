package auth

import (
	"veil/pkg/domain"
	"veil/svc/util"

	"github.com/pkg/errors"
)

type ConfigSource interface {
	Update(fn func(c *domain.Config) error) error
}

type CredentialRecord interface {
	Load() (domain.Credential, bool, error)
	Save(c domain.Credential) error
}

// Bootstrap resolves the credential for this installation. An existing
// record always wins. Otherwise the plaintext pair in the config file is
// hashed into a new record and removed from the config. The returned bool
// is true only on the run that created the record.
func Bootstrap(config ConfigSource, creds CredentialRecord) (domain.Credential, bool, error) {
	existing, ok, err := creds.Load()
	if err != nil {
		return domain.Credential{}, false, errors.Wrap(err, "load credentials")
	}
	if ok {
		if err := stripLingering(config); err != nil {
			return domain.Credential{}, false, err
		}
		return existing, false, nil
	}

	var created domain.Credential
	err = config.Update(func(c *domain.Config) error {
		if !c.HasBootstrapCredentials() {
			return domain.ErrMissingBootstrapCredentials
		}
		created = domain.Credential{
			Username:     c.Username,
			PasswordHash: Digest(c.Password),
		}
		if err := creds.Save(created); err != nil {
			return errors.Wrap(err, "save credentials")
		}
		c.Username = ""
		c.Password = ""
		return nil
	})
	if err != nil {
		if errors.Is(err, domain.ErrMissingBootstrapCredentials) {
			return domain.Credential{}, false, err
		}
		return domain.Credential{}, false, errors.Wrap(err, "bootstrap credentials")
	}
	return created, true, nil
}

// stripLingering removes plaintext left in the config by an interrupted
// bootstrap. The values are never compared with the record.
func stripLingering(config ConfigSource) error {
	err := config.Update(func(c *domain.Config) error {
		if c.Username == "" && c.Password == "" {
			return errUnchanged
		}
		util.Warn().Msg("removing leftover plaintext credentials from config; the stored credential is authoritative")
		c.Username = ""
		c.Password = ""
		return nil
	})
	if err != nil && !errors.Is(err, errUnchanged) {
		return errors.Wrap(err, "strip leftover credentials")
	}
	return nil
}

var errUnchanged = errors.New("unchanged")
