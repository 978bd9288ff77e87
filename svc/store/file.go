package store

import (
	"bytes"
	"encoding/json"
	"os"
	"sync"

	"github.com/natefinch/atomic"
	"github.com/pkg/errors"
)

// Store is a whole-document persistence unit: every operation loads the full
// document and every write replaces it.
type Store[T any] interface {
	Load() (T, error)
	Save(T) error
}

// File is a JSON document on disk guarded by its own mutex. Writes go through
// a temp file and rename so readers never observe a torn document.
type File[T any] struct {
	path     string
	mu       sync.Mutex
	defaults func() T
}

var _ Store[int] = (*File[int])(nil)

func NewFile[T any](path string, defaults func() T) *File[T] {
	return &File[T]{path: path, defaults: defaults}
}

func (f *File[T]) Path() string {
	return f.path
}

func (f *File[T]) Load() (T, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, _, err := f.load()
	return v, err
}

// LoadExisting reports whether the document exists on disk in addition to
// its contents; a missing document yields the defaults and false.
func (f *File[T]) LoadExisting() (T, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.load()
}

func (f *File[T]) Save(v T) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.save(v)
}

// Update runs a load-mutate-save cycle under the store lock. When fn returns
// an error nothing is written.
func (f *File[T]) Update(fn func(v *T) error) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, _, err := f.load()
	if err != nil {
		return err
	}
	if err := fn(&v); err != nil {
		return err
	}
	return f.save(v)
}

func (f *File[T]) load() (T, bool, error) {
	data, err := os.ReadFile(f.path)
	if os.IsNotExist(err) {
		return f.defaults(), false, nil
	}
	if err != nil {
		var zero T
		return zero, false, errors.Wrapf(err, "read %s", f.path)
	}
	v := f.defaults()
	if err := json.Unmarshal(data, &v); err != nil {
		var zero T
		return zero, true, errors.Wrapf(err, "decode %s", f.path)
	}
	return v, true, nil
}

func (f *File[T]) save(v T) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return errors.Wrapf(err, "encode %s", f.path)
	}
	data = append(data, '\n')
	if err := atomic.WriteFile(f.path, bytes.NewReader(data)); err != nil {
		return errors.Wrapf(err, "write %s", f.path)
	}
	return nil
}
