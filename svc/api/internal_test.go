package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"veil/cfg"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInternalHealth(t *testing.T) {
	s := NewInternal(&cfg.Cfg{InternalAddr: "127.0.0.1:0"}, nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestInternalReady(t *testing.T) {
	up := ProbeFunc(func(context.Context) error { return nil })
	down := ProbeFunc(func(context.Context) error { return errors.New("gone") })

	s := NewInternal(&cfg.Cfg{}, map[string]Probe{"payloads": up, "redis": nil})
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var resp ReadyResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Ready)
	assert.Equal(t, map[string]string{"payloads": "up", "redis": "unavailable"}, resp.Checks)

	s = NewInternal(&cfg.Cfg{}, map[string]Probe{"payloads": up, "journal": down})
	rec = httptest.NewRecorder()
	s.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestInternalMetricsAuth(t *testing.T) {
	c := &cfg.Cfg{MetricsUser: "prom", MetricsPass: cfg.NewSecret("scrape")}
	s := NewInternal(c, nil)

	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	req.SetBasicAuth("prom", "scrape")
	rec = httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "veil_")
}
