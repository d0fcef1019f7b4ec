package service

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rommsync/rommsync/pkg/status"
)

type stubOps struct {
	snapshot status.Snapshot
	logging  bool

	toggled     []string
	toggleState bool
	deleted     []string
	saved       *ConfigUpdate
	tested      []string
	resets      int
	enabledWarn string
}

func (s *stubOps) Status() status.Snapshot { return s.snapshot }

func (s *stubOps) RefreshFromRomM(_ context.Context, full bool) Result {
	return Result{Success: true, Message: "Library refreshed."}
}

func (s *stubOps) ToggleCollectionSync(_ context.Context, name string, enabled bool) bool {
	s.toggled = append(s.toggled, name)
	s.toggleState = enabled
	return true
}

func (s *stubOps) DeleteCollectionROMs(name string) bool {
	s.deleted = append(s.deleted, name)
	return true
}

func (s *stubOps) GetConfig() ConfigView {
	return ConfigView{URL: "https://romm.local", Username: "deck", HasPassword: true}
}

func (s *stubOps) SaveConfig(update ConfigUpdate) Result {
	s.saved = &update
	return Result{Success: true}
}

func (s *stubOps) TestConnection(_ context.Context, url, username, password string) Result {
	s.tested = []string{url, username, password}
	return Result{Success: true, Message: "Connection successful."}
}

func (s *stubOps) ResetAllSettings() ResetResult {
	s.resets++
	return ResetResult{Success: true, DeletedRoms: 4}
}

func (s *stubOps) GetLoggingEnabled() bool { return s.logging }

func (s *stubOps) SetLoggingEnabled(enabled bool) bool {
	s.logging = enabled
	return enabled
}

func (s *stubOps) EnableRetroArchSetting(warningType string) Result {
	s.enabledWarn = warningType
	return Result{Success: true, Message: "Setting enabled. Restart RetroArch to apply."}
}

func newTestServer(t *testing.T) (*stubOps, *httptest.Server) {
	ops := &stubOps{}
	server := httptest.NewServer(NewServer(ops))
	t.Cleanup(server.Close)
	return ops, server
}

func post(t *testing.T, url string, body interface{}) *http.Response {
	payload, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(payload))
	require.NoError(t, err)
	return resp
}

func decode(t *testing.T, resp *http.Response, into interface{}) {
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(into))
}

func TestStatusEndpoint(t *testing.T) {
	ops, server := newTestServer(t)
	ops.snapshot = status.Snapshot{Version: 7, Connected: true, DeviceName: "deck"}

	resp, err := http.Get(server.URL + "/api/status")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var snapshot status.Snapshot
	decode(t, resp, &snapshot)
	assert.Equal(t, int64(7), snapshot.Version)
	assert.True(t, snapshot.Connected)
	assert.Equal(t, "deck", snapshot.DeviceName)
}

func TestToggleEndpoint(t *testing.T) {
	ops, server := newTestServer(t)

	resp := post(t, server.URL+"/api/collections/toggle",
		map[string]interface{}{"name": "Favorites", "enabled": true})
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var result Result
	decode(t, resp, &result)
	assert.True(t, result.Success)
	assert.Equal(t, []string{"Favorites"}, ops.toggled)
	assert.True(t, ops.toggleState)
}

func TestToggleRequiresName(t *testing.T) {
	ops, server := newTestServer(t)

	resp := post(t, server.URL+"/api/collections/toggle",
		map[string]interface{}{"enabled": true})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Empty(t, ops.toggled)
}

func TestDeleteCollectionEndpoint(t *testing.T) {
	ops, server := newTestServer(t)

	resp := post(t, server.URL+"/api/collections/delete",
		map[string]string{"name": "Favorites"})
	var result Result
	decode(t, resp, &result)
	assert.True(t, result.Success)
	assert.Equal(t, []string{"Favorites"}, ops.deleted)
}

func TestConfigEndpoints(t *testing.T) {
	ops, server := newTestServer(t)

	resp, err := http.Get(server.URL + "/api/config")
	require.NoError(t, err)
	var view ConfigView
	decode(t, resp, &view)
	assert.Equal(t, "https://romm.local", view.URL)
	assert.True(t, view.HasPassword)

	resp = post(t, server.URL+"/api/config", ConfigUpdate{
		URL:      "https://other.local",
		Username: "deck",
		Password: "hunter2",
	})
	var result Result
	decode(t, resp, &result)
	assert.True(t, result.Success)
	require.NotNil(t, ops.saved)
	assert.Equal(t, "https://other.local", ops.saved.URL)
	assert.Equal(t, "hunter2", ops.saved.Password)
}

func TestTestConnectionEndpoint(t *testing.T) {
	ops, server := newTestServer(t)

	resp := post(t, server.URL+"/api/test-connection",
		map[string]string{"url": "https://romm.local", "username": "deck", "password": "pw"})
	var result Result
	decode(t, resp, &result)
	assert.True(t, result.Success)
	assert.Equal(t, []string{"https://romm.local", "deck", "pw"}, ops.tested)
}

func TestResetEndpoint(t *testing.T) {
	ops, server := newTestServer(t)

	resp := post(t, server.URL+"/api/reset", struct{}{})
	var result ResetResult
	decode(t, resp, &result)
	assert.True(t, result.Success)
	assert.Equal(t, 4, result.DeletedRoms)
	assert.Equal(t, 1, ops.resets)
}

func TestLoggingEndpoints(t *testing.T) {
	ops, server := newTestServer(t)

	resp := post(t, server.URL+"/api/logging", map[string]bool{"enabled": true})
	var state map[string]bool
	decode(t, resp, &state)
	assert.True(t, state["enabled"])
	assert.True(t, ops.logging)

	resp, err := http.Get(server.URL + "/api/logging")
	require.NoError(t, err)
	decode(t, resp, &state)
	assert.True(t, state["enabled"])
}

func TestEnableRetroArchEndpoint(t *testing.T) {
	ops, server := newTestServer(t)

	resp := post(t, server.URL+"/api/retroarch/enable",
		map[string]string{"warning_type": "network_commands"})
	var result Result
	decode(t, resp, &result)
	assert.True(t, result.Success)
	assert.Equal(t, "network_commands", ops.enabledWarn)
}

func TestUnknownRouteIs404(t *testing.T) {
	_, server := newTestServer(t)

	resp, err := http.Get(server.URL + "/api/nope")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestInvalidBodyIs400(t *testing.T) {
	_, server := newTestServer(t)

	resp, err := http.Post(server.URL+"/api/refresh", "application/json",
		bytes.NewReader([]byte("{not json")))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
