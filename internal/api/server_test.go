package api

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestClientIP(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	req.RemoteAddr = "10.0.0.1:12345"
	require.Equal(t, "10.0.0.1", clientIP(req))
}

func TestClientIP_NoPort(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	req.RemoteAddr = "10.0.0.1"
	require.Equal(t, "10.0.0.1", clientIP(req))
}

func TestFeedLimit_Default(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/api/v1/posts", nil)
	require.Equal(t, defaultFeedLimit, feedLimit(req))
}

func TestFeedLimit_CustomWithinRange(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/api/v1/posts?limit=10", nil)
	require.Equal(t, 10, feedLimit(req))
}

func TestFeedLimit_RejectsOutOfRange(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/api/v1/posts?limit=0", nil)
	require.Equal(t, defaultFeedLimit, feedLimit(req))

	req = httptest.NewRequest(http.MethodGet, "/api/v1/posts?limit=500", nil)
	require.Equal(t, defaultFeedLimit, feedLimit(req))

	req = httptest.NewRequest(http.MethodGet, "/api/v1/posts?limit=notanumber", nil)
	require.Equal(t, defaultFeedLimit, feedLimit(req))
}
