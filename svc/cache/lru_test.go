package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRevocationsSizeBounds(t *testing.T) {
	_, err := NewRevocations(0)
	assert.Error(t, err)
	_, err = NewRevocations(100001)
	assert.Error(t, err)
}

func TestRevocationsRevokeAndExpire(t *testing.T) {
	r, err := NewRevocations(8)
	require.NoError(t, err)
	now := time.Now()
	r.now = func() time.Time { return now }
	ctx := context.Background()

	require.NoError(t, r.Revoke(ctx, "a", now.Add(time.Minute)))
	revoked, err := r.IsRevoked(ctx, "a")
	require.NoError(t, err)
	assert.True(t, revoked)

	revoked, err = r.IsRevoked(ctx, "b")
	require.NoError(t, err)
	assert.False(t, revoked)

	r.now = func() time.Time { return now.Add(2 * time.Minute) }
	revoked, err = r.IsRevoked(ctx, "a")
	require.NoError(t, err)
	assert.False(t, revoked)
	assert.Equal(t, 0, r.Len())
}

func TestRevocationsSkipsAlreadyExpired(t *testing.T) {
	r, err := NewRevocations(8)
	require.NoError(t, err)
	require.NoError(t, r.Revoke(context.Background(), "a", time.Now().Add(-time.Second)))
	assert.Equal(t, 0, r.Len())
}

func TestRevocationsEvictsOldest(t *testing.T) {
	r, err := NewRevocations(2)
	require.NoError(t, err)
	ctx := context.Background()
	until := time.Now().Add(time.Hour)
	require.NoError(t, r.Revoke(ctx, "a", until))
	require.NoError(t, r.Revoke(ctx, "b", until))
	require.NoError(t, r.Revoke(ctx, "c", until))

	revoked, _ := r.IsRevoked(ctx, "a")
	assert.False(t, revoked)
	revoked, _ = r.IsRevoked(ctx, "c")
	assert.True(t, revoked)
}

func TestRevocationsHonorsCancelledContext(t *testing.T) {
	r, err := NewRevocations(2)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = r.IsRevoked(ctx, "a")
	assert.ErrorIs(t, err, context.Canceled)
}
