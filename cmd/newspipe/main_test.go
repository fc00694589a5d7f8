package main

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// listenAddr extracts ":<port>" from an httptest server URL so runHealthCheck
// can reach it via http://localhost:<port>/healthz.
func listenAddr(t *testing.T, srv *httptest.Server) string {
	t.Helper()
	host := strings.TrimPrefix(srv.URL, "http://")
	idx := strings.LastIndex(host, ":")
	require.GreaterOrEqual(t, idx, 0)
	return host[idx:]
}

func TestRunHealthCheck(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		wantErr string
	}{
		{name: "healthy", status: http.StatusOK},
		{name: "degraded", status: http.StatusServiceUnavailable, wantErr: "health check returned status 503"},
		{name: "not found", status: http.StatusNotFound, wantErr: "health check returned status 404"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var gotPath string
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				gotPath = r.URL.Path
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			err := runHealthCheck(listenAddr(t, srv))
			assert.Equal(t, "/healthz", gotPath)
			if tt.wantErr == "" {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestRunHealthCheckConnectionRefused(t *testing.T) {
	// Grab a free port and close the listener so nothing is serving on it.
	srv := httptest.NewServer(http.NotFoundHandler())
	addr := listenAddr(t, srv)
	srv.Close()

	err := runHealthCheck(addr)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "health check request failed")
}
