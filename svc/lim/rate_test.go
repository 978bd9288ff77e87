package lim

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func reqFrom(remote, xff string) *http.Request {
	r := httptest.NewRequest(http.MethodPost, "/dev/login", nil)
	r.RemoteAddr = remote
	if xff != "" {
		r.Header.Set("X-Forwarded-For", xff)
	}
	return r
}

func TestGetRealIP(t *testing.T) {
	trusted := []string{"10.0.0.0/8", "127.0.0.1"}
	tests := []struct {
		name    string
		remote  string
		xff     string
		proxies []string
		want    string
	}{
		{"no proxies ignores header", "1.2.3.4:5000", "9.9.9.9", nil, "1.2.3.4"},
		{"untrusted peer ignores header", "1.2.3.4:5000", "9.9.9.9", trusted, "1.2.3.4"},
		{"trusted peer", "127.0.0.1:5000", "9.9.9.9", trusted, "9.9.9.9"},
		{"skips trusted hops", "127.0.0.1:5000", "9.9.9.9, 10.1.1.1", trusted, "9.9.9.9"},
		{"rightmost untrusted wins", "127.0.0.1:5000", "6.6.6.6, 9.9.9.9", trusted, "9.9.9.9"},
		{"garbage skipped", "127.0.0.1:5000", "9.9.9.9, nope", trusted, "9.9.9.9"},
		{"all trusted", "127.0.0.1:5000", "10.1.1.1", trusted, "127.0.0.1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, GetRealIP(reqFrom(tt.remote, tt.xff), tt.proxies))
		})
	}
}

func TestLimiterLocalBurst(t *testing.T) {
	l := New(1, 3, nil, nil)
	defer l.Stop()
	for i := 0; i < 3; i++ {
		assert.True(t, l.Allow(reqFrom("1.2.3.4:1", "")), "attempt %d", i)
	}
	assert.False(t, l.Allow(reqFrom("1.2.3.4:1", "")))
	assert.True(t, l.Allow(reqFrom("5.6.7.8:1", "")))
}

func TestLimiterDisabled(t *testing.T) {
	l := New(0, 1, nil, nil)
	defer l.Stop()
	for i := 0; i < 100; i++ {
		assert.True(t, l.Allow(reqFrom("1.2.3.4:1", "")))
	}
}

type fakeCounter struct {
	usage map[string]int
	err   error
}

func (f *fakeCounter) RateLimit(_ context.Context, key string, limit int, _ time.Duration) (int, error) {
	if f.err != nil {
		return 0, f.err
	}
	f.usage[key]++
	return f.usage[key], nil
}

func TestLimiterSharedCounter(t *testing.T) {
	c := &fakeCounter{usage: map[string]int{}}
	l := New(2, 10, c, nil)
	defer l.Stop()
	assert.True(t, l.Allow(reqFrom("1.2.3.4:1", "")))
	assert.True(t, l.Allow(reqFrom("1.2.3.4:1", "")))
	assert.False(t, l.Allow(reqFrom("1.2.3.4:1", "")))
	assert.Equal(t, 3, c.usage["veil:login:1.2.3.4"])
}

func TestLimiterFallsBackWhenCounterFails(t *testing.T) {
	l := New(1, 1, &fakeCounter{err: errors.New("down")}, nil)
	defer l.Stop()
	assert.True(t, l.Allow(reqFrom("1.2.3.4:1", "")))
	assert.False(t, l.Allow(reqFrom("1.2.3.4:1", "")))
}

func TestAnomalyTriggersAdaptiveMode(t *testing.T) {
	l := New(10, 10, nil, nil)
	defer l.Stop()
	for i := 0; i < 20; i++ {
		l.RecordLogin(false)
	}
	assert.False(t, l.isAdaptiveMode())
	l.detector.AdvanceWindow()
	assert.True(t, l.isAdaptiveMode())
	assert.Equal(t, 5, l.effectiveLimit())
}

func TestAnomalyIgnoresMostlySuccessful(t *testing.T) {
	fired := false
	d := NewAnomalyDetector(func() { fired = true })
	for i := 0; i < 20; i++ {
		d.RecordRequest()
	}
	d.RecordError()
	d.AdvanceWindow()
	assert.False(t, fired)
}

func TestNewPanicsOnBadProxy(t *testing.T) {
	assert.Panics(t, func() { New(1, 1, nil, []string{"nope"}) })
}
