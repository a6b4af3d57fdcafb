package relay

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetworks/relay/internal/config"
)

func newTestHealthServer(fb *fakeBus) *Server {
	return &Server{
		config:  &config.Config{ServiceName: "relay"},
		logger:  zerolog.Nop(),
		busConn: fb,
	}
}

func TestLiveness(t *testing.T) {
	s := newTestHealthServer(newFakeBus())

	rec := httptest.NewRecorder()
	s.handleLiveness(rec, httptest.NewRequest(http.MethodGet, "/health/live", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var body livenessResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body.Status)
	assert.Equal(t, "relay", body.Service)
}

func TestReadinessBusUp(t *testing.T) {
	s := newTestHealthServer(newFakeBus())
	s.currentConns = 7

	rec := httptest.NewRecorder()
	s.handleReadiness(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var body readinessResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body.Status)
	assert.Equal(t, "ok", body.Checks["bus"])
	assert.Equal(t, int64(7), body.Clients)
}

func TestReadinessBusDown(t *testing.T) {
	fb := newFakeBus()
	fb.setConnected(false)
	s := newTestHealthServer(fb)

	rec := httptest.NewRecorder()
	s.handleReadiness(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))

	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	var body readinessResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "degraded", body.Status)
	assert.Equal(t, "error", body.Checks["bus"])
}
