package util

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAPIClientGet(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(
		func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/api/status", r.URL.Path)
			w.Write([]byte(`{"connected": true}`))
		}))
	defer server.Close()

	var out struct {
		Connected bool `json:"connected"`
	}
	client := NewAPIClientWithAddress(server.URL)
	require.NoError(t, client.Get("/api/status", &out))
	assert.True(t, out.Connected)
}

func TestAPIClientPost(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(
		func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, http.MethodPost, r.Method)
			w.Write([]byte(`{"success": true}`))
		}))
	defer server.Close()

	var out struct {
		Success bool `json:"success"`
	}
	client := NewAPIClientWithAddress(server.URL)
	require.NoError(t, client.Post("/api/refresh", map[string]bool{"full": true}, &out))
	assert.True(t, out.Success)
}

func TestAPIClientErrorBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(
		func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadRequest)
			w.Write([]byte(`{"error": "name is required"}`))
		}))
	defer server.Close()

	client := NewAPIClientWithAddress(server.URL)
	err := client.Post("/api/collections/toggle", struct{}{}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "name is required")
}

func TestAPIClientDaemonNotRunning(t *testing.T) {
	// Grab a port that nothing is listening on.
	server := httptest.NewServer(http.NotFoundHandler())
	addr := server.URL
	server.Close()

	client := NewAPIClientWithAddress(addr)
	err := client.Get("/api/status", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "daemon isn't running")
}
