package store

import (
	"strings"
	"sync"

	"veil/metrics"
	"veil/pkg/domain"
	"veil/svc/util"
)

// ConfigStore holds the portal config file. It remembers the last decoy URL
// it read successfully so a broken file never turns a diverted request into
// an error page.
type ConfigStore struct {
	file      *File[domain.Config]
	mu        sync.RWMutex
	lastDecoy string
}

func NewConfigStore(path string) *ConfigStore {
	return &ConfigStore{
		file:      NewFile(path, domain.DefaultConfig),
		lastDecoy: domain.DefaultDecoyURL,
	}
}

func (s *ConfigStore) Path() string {
	return s.file.Path()
}

func (s *ConfigStore) Load() (domain.Config, error) {
	c, err := s.file.Load()
	if err != nil {
		return c, err
	}
	return normalizeConfig(c), nil
}

func (s *ConfigStore) Save(c domain.Config) error {
	return s.file.Save(c)
}

// Update applies fn to the current config under the store lock.
func (s *ConfigStore) Update(fn func(c *domain.Config) error) error {
	return s.file.Update(func(c *domain.Config) error {
		*c = normalizeConfig(*c)
		return fn(c)
	})
}

// DecoyURL re-reads the config file on every call.
func (s *ConfigStore) DecoyURL() string {
	c, err := s.Load()
	if err != nil {
		metrics.StoreErrors.WithLabelValues("config").Inc()
		util.Error().Err(err).Msg("failed to read config, using last known decoy url")
		s.mu.RLock()
		defer s.mu.RUnlock()
		return s.lastDecoy
	}
	s.mu.Lock()
	s.lastDecoy = c.DecoyURL
	s.mu.Unlock()
	return c.DecoyURL
}

func normalizeConfig(c domain.Config) domain.Config {
	c.DecoyURL = strings.TrimSpace(c.DecoyURL)
	if c.DecoyURL == "" {
		c.DecoyURL = domain.DefaultDecoyURL
	}
	if strings.TrimSpace(c.DevPath) == "" {
		c.DevPath = domain.DefaultDevPath
	}
	return c
}

// NormalizeDevPath trims trailing slashes and rejects prefixes that would
// shadow the public payload routes or the whole site.
func NormalizeDevPath(p string) (string, error) {
	p = strings.TrimSpace(p)
	if p == "" {
		return domain.DefaultDevPath, nil
	}
	p = strings.TrimRight(p, "/")
	if p == "" || !strings.HasPrefix(p, "/") || strings.ContainsAny(p, "{}*?#") {
		return "", domain.ErrInvalidDevPath
	}
	if p == domain.PublicPrefix || strings.HasPrefix(p, domain.PublicPrefix+"/") {
		return "", domain.ErrInvalidDevPath
	}
	return p, nil
}
