package store

import (
	"sort"

	"veil/pkg/domain"
)

type PayloadStore struct {
	file *File[domain.Payloads]
}

func NewPayloadStore(path string) *PayloadStore {
	return &PayloadStore{
		file: NewFile(path, func() domain.Payloads { return domain.Payloads{} }),
	}
}

func (s *PayloadStore) Path() string {
	return s.file.Path()
}

func (s *PayloadStore) Load() (domain.Payloads, error) {
	p, err := s.file.Load()
	if p == nil && err == nil {
		p = domain.Payloads{}
	}
	return p, err
}

func (s *PayloadStore) Save(p domain.Payloads) error {
	return s.file.Save(p)
}

func (s *PayloadStore) Get(slug string) (domain.Payload, error) {
	all, err := s.Load()
	if err != nil {
		return domain.Payload{}, err
	}
	p, ok := all[slug]
	if !ok {
		return domain.Payload{}, domain.ErrPayloadNotFound
	}
	return p, nil
}

// Put inserts or overwrites the payload stored under slug.
func (s *PayloadStore) Put(slug string, p domain.Payload) error {
	return s.file.Update(func(all *domain.Payloads) error {
		if *all == nil {
			*all = domain.Payloads{}
		}
		(*all)[slug] = p
		return nil
	})
}

// Replace stores p under newSlug and drops oldSlug in the same write. It
// fails with ErrPayloadNotFound if oldSlug is gone by the time the lock is
// held.
func (s *PayloadStore) Replace(oldSlug, newSlug string, p domain.Payload) error {
	return s.file.Update(func(all *domain.Payloads) error {
		if _, ok := (*all)[oldSlug]; !ok {
			return domain.ErrPayloadNotFound
		}
		if newSlug != oldSlug {
			delete(*all, oldSlug)
		}
		(*all)[newSlug] = p
		return nil
	})
}

// Delete reports whether slug existed. Nothing is written when it did not.
func (s *PayloadStore) Delete(slug string) (bool, error) {
	existed := false
	err := s.file.Update(func(all *domain.Payloads) error {
		if _, ok := (*all)[slug]; !ok {
			return errNoChange
		}
		existed = true
		delete(*all, slug)
		return nil
	})
	if err == errNoChange {
		return false, nil
	}
	return existed, err
}

type Entry struct {
	Slug string
	domain.Payload
}

// List returns payloads ordered by slug.
func (s *PayloadStore) List() ([]Entry, error) {
	all, err := s.Load()
	if err != nil {
		return nil, err
	}
	out := make([]Entry, 0, len(all))
	for slug, p := range all {
		out = append(out, Entry{Slug: slug, Payload: p})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Slug < out[j].Slug })
	return out, nil
}
