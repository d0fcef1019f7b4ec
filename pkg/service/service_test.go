package service

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/rommsync/rommsync/pkg/errors"
)

func TestValidateUpdate(t *testing.T) {
	tests := []struct {
		name   string
		update ConfigUpdate
		valid  bool
	}{
		{
			name:   "valid",
			update: ConfigUpdate{URL: "https://romm.local", Username: "deck"},
			valid:  true,
		},
		{
			name:   "missing url",
			update: ConfigUpdate{Username: "deck"},
			valid:  false,
		},
		{
			name:   "bare hostname",
			update: ConfigUpdate{URL: "romm.local", Username: "deck"},
			valid:  false,
		},
		{
			name:   "missing username",
			update: ConfigUpdate{URL: "https://romm.local"},
			valid:  false,
		},
		{
			name:   "whitespace username",
			update: ConfigUpdate{URL: "https://romm.local", Username: "   "},
			valid:  false,
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			err := validateUpdate(test.update)
			if test.valid {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestValidateUpdateFriendlyMessages(t *testing.T) {
	err := validateUpdate(ConfigUpdate{Username: "deck"})
	assert.Equal(t, "Server URL is required.", errors.GetPrintableMessage(err))

	err = validateUpdate(ConfigUpdate{URL: "https://romm.local"})
	assert.Equal(t, "Username is required.", errors.GetPrintableMessage(err))
}

func TestServiceTestConnection(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(
		func(w http.ResponseWriter, r *http.Request) {
			switch r.URL.Path {
			case "/api/heartbeat":
				json.NewEncoder(w).Encode(map[string]interface{}{
					"VERSION": "3.5.0",
				})
			case "/api/roms":
				json.NewEncoder(w).Encode(map[string]interface{}{
					"items": []interface{}{}, "total": 0,
				})
			default:
				w.WriteHeader(http.StatusNotFound)
			}
		}))
	defer server.Close()

	s := &Service{}
	result := s.TestConnection(context.Background(), server.URL, "deck", "pw")
	assert.True(t, result.Success)

	result = s.TestConnection(context.Background(), "http://127.0.0.1:1", "deck", "pw")
	assert.False(t, result.Success)
	assert.NotEmpty(t, result.Message)
}
