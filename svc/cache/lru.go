package cache

import (
	"context"
	"errors"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Revocations is an in-process set of logged-out session ids. Entries drop
// out once the session would have expired anyway. When the set is full the
// least recently touched id is evicted, which can revive that session until
// it expires or the process restarts.
type Revocations struct {
	c   *lru.Cache[string, time.Time]
	mu  sync.Mutex
	now func() time.Time
}

func NewRevocations(size int) (*Revocations, error) {
	if size <= 0 {
		return nil, errors.New("cache size must be positive")
	}
	if size > 100000 {
		return nil, errors.New("cache size too large")
	}
	c, err := lru.New[string, time.Time](size)
	if err != nil {
		return nil, err
	}
	return &Revocations{c: c, now: time.Now}, nil
}

func (r *Revocations) Revoke(ctx context.Context, sessionID string, until time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if sessionID == "" {
		return errors.New("session id cannot be empty")
	}
	if !until.After(r.now()) {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.c.Add(sessionID, until)
	return nil
}

func (r *Revocations) IsRevoked(ctx context.Context, sessionID string) (bool, error) {
	select {
	case <-ctx.Done():
		return false, ctx.Err()
	default:
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	until, ok := r.c.Get(sessionID)
	if !ok {
		return false, nil
	}
	if r.now().After(until) {
		r.c.Remove(sessionID)
		return false, nil
	}
	return true, nil
}

func (r *Revocations) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.c.Len()
}
