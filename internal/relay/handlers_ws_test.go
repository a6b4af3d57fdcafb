package relay

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExtractToken(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/ws?auth.token=query-token", nil)
	assert.Equal(t, "query-token", extractToken(r))

	r = httptest.NewRequest(http.MethodGet, "/ws", nil)
	r.Header.Set("Authorization", "Bearer header-token")
	assert.Equal(t, "header-token", extractToken(r))

	// Query parameter wins when both are present.
	r = httptest.NewRequest(http.MethodGet, "/ws?auth.token=query-token", nil)
	r.Header.Set("Authorization", "Bearer header-token")
	assert.Equal(t, "query-token", extractToken(r))

	r = httptest.NewRequest(http.MethodGet, "/ws", nil)
	assert.Empty(t, extractToken(r))

	r = httptest.NewRequest(http.MethodGet, "/ws", nil)
	r.Header.Set("Authorization", "Basic dXNlcjpwYXNz")
	assert.Empty(t, extractToken(r), "non-bearer schemes are ignored")
}

func TestGetClientIP(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/ws", nil)
	r.RemoteAddr = "192.0.2.10:52311"
	assert.Equal(t, "192.0.2.10", getClientIP(r))

	r.Header.Set("X-Forwarded-For", "203.0.113.5")
	assert.Equal(t, "203.0.113.5", getClientIP(r))

	r.Header.Set("X-Forwarded-For", "203.0.113.5, 10.0.0.1, 10.0.0.2")
	assert.Equal(t, "203.0.113.5", getClientIP(r), "first hop is the client")
}

func TestOriginAllowed(t *testing.T) {
	s := &Server{origins: []string{"http://localhost:18080", "https://app.example.com"}}

	assert.True(t, s.originAllowed(""), "non-browser clients send no origin")
	assert.True(t, s.originAllowed("http://localhost:18080"))
	assert.True(t, s.originAllowed("HTTP://LOCALHOST:18080"), "origin match is case-insensitive")
	assert.True(t, s.originAllowed("https://app.example.com"))
	assert.False(t, s.originAllowed("https://evil.example.com"))
	assert.False(t, s.originAllowed("http://localhost:9999"))
}
