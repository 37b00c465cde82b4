package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startLocal(t *testing.T) *Server {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Bind = "127.0.0.1"
	cfg.Port = 0
	srv := NewServer(cfg, nil)
	require.NoError(t, srv.Start())
	t.Cleanup(func() { srv.Stop() })
	return srv
}

func TestHealthHandler(t *testing.T) {
	srv := startLocal(t)

	rec := httptest.NewRecorder()
	HealthHandler([]*Server{srv})(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var resp HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)
	require.Len(t, resp.Instances, 1)
	assert.Equal(t, 0, resp.Instances[0].Sessions)
}

func TestHealthHandlerReportsStoppedServer(t *testing.T) {
	up := startLocal(t)
	down := startLocal(t)
	require.NoError(t, down.Stop())

	rec := httptest.NewRecorder()
	HealthHandler([]*Server{up, down})(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	var resp HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "unavailable", resp.Status)
	assert.Len(t, resp.Instances, 2)
}

func TestHealthHandlerNotStarted(t *testing.T) {
	srv := NewServer(DefaultConfig(), nil)

	rec := httptest.NewRecorder()
	HealthHandler([]*Server{srv})(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestMonitorServerRoutes(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)
	metrics.RecordConnection("2112", "accepted")

	mon := NewMonitorServer("127.0.0.1:0", reg, nil)
	ts := httptest.NewServer(mon.Handler)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	health, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	defer health.Body.Close()
	assert.Equal(t, http.StatusOK, health.StatusCode)
}
