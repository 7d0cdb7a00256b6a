package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dd0wney/cluso-ha/pkg/health"
	"github.com/dd0wney/cluso-ha/pkg/metrics"
)

func serve(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestNewMux_HealthEndpoints(t *testing.T) {
	hc := health.NewHealthChecker()
	ready := false
	hc.RegisterCheck("store", health.SimpleCheck("store"))
	hc.RegisterReadinessCheck("availability", health.AvailabilityCheck(func() bool { return ready }))
	hc.RegisterLivenessCheck("store", health.SimpleCheck("store"))

	mux := NewMux(Routes{Health: hc})

	assert.Equal(t, http.StatusOK, serve(t, mux, "/health").Code)
	assert.Equal(t, http.StatusOK, serve(t, mux, "/live").Code)
	assert.Equal(t, http.StatusServiceUnavailable, serve(t, mux, "/ready").Code)

	ready = true
	rec := serve(t, mux, "/ready")
	assert.Equal(t, http.StatusOK, rec.Code)

	var resp health.Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, health.StatusHealthy, resp.Status)
}

func TestNewMux_Metrics(t *testing.T) {
	reg := metrics.NewRegistry()
	reg.SetRole("master")

	rec := serve(t, NewMux(Routes{Metrics: reg}), "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)

	body := rec.Body.String()
	assert.True(t, strings.Contains(body, "graphdb_ha_role"), "role gauge exported")
	assert.True(t, strings.Contains(body, "graphdb_ha_uptime_seconds"), "uptime refreshed on scrape")
}

func TestNewMux_Status(t *testing.T) {
	type status struct {
		Role   string `json:"role"`
		Master int    `json:"master"`
	}
	mux := NewMux(Routes{Status: func() any { return status{Role: "slave", Master: 2} }})

	rec := serve(t, mux, "/status")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var got status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, status{Role: "slave", Master: 2}, got)
}

func TestNewMux_UnsetRoutesNotMounted(t *testing.T) {
	mux := NewMux(Routes{})
	for _, path := range []string{"/health", "/ready", "/live", "/metrics", "/status"} {
		assert.Equal(t, http.StatusNotFound, serve(t, mux, path).Code, path)
	}
}
