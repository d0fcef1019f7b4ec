package service

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/rommsync/rommsync/pkg/status"
)

// Operations is the command surface the HTTP API exposes. The daemon's
// Service implements it; tests substitute a stub.
type Operations interface {
	Status() status.Snapshot
	RefreshFromRomM(ctx context.Context, full bool) Result
	ToggleCollectionSync(ctx context.Context, name string, enabled bool) bool
	DeleteCollectionROMs(name string) bool
	GetConfig() ConfigView
	SaveConfig(update ConfigUpdate) Result
	TestConnection(ctx context.Context, url, username, password string) Result
	ResetAllSettings() ResetResult
	GetLoggingEnabled() bool
	SetLoggingEnabled(enabled bool) bool
	EnableRetroArchSetting(warningType string) Result
}

var _ Operations = (*Service)(nil)

// DefaultPort is the loopback port the daemon listens on.
const DefaultPort = 7913

// ServerConfig holds the HTTP API settings.
type ServerConfig struct {
	// Addr to listen on. Defaults to loopback on DefaultPort; the API
	// carries credentials-adjacent operations and must never be
	// exposed off-host.
	Addr string

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// Server exposes Operations over a local JSON-over-HTTP API.
type Server struct {
	ops    Operations
	config ServerConfig
	http   *http.Server
}

// NewServer creates an API server with default settings.
func NewServer(ops Operations) *Server {
	return NewServerWithConfig(ops, ServerConfig{})
}

// NewServerWithConfig creates an API server with custom settings.
func NewServerWithConfig(ops Operations, config ServerConfig) *Server {
	if config.Addr == "" {
		config.Addr = fmt.Sprintf("127.0.0.1:%d", DefaultPort)
	}
	if config.ReadTimeout == 0 {
		config.ReadTimeout = 15 * time.Second
	}
	if config.WriteTimeout == 0 {
		config.WriteTimeout = 60 * time.Second
	}
	return &Server{ops: ops, config: config}
}

// ListenAndServe blocks until ctx is cancelled or the listener fails.
func (s *Server) ListenAndServe(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		return err
	}

	s.http = &http.Server{
		Handler:      s,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
	}

	errc := make(chan error, 1)
	go func() {
		errc <- s.http.Serve(listener)
	}()

	log.WithField("addr", listener.Addr().String()).Info("API listening")
	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.http.Shutdown(shutdownCtx)
	case err := <-errc:
		return err
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.Method == http.MethodGet && r.URL.Path == "/api/status":
		s.handleStatus(w, r)
	case r.Method == http.MethodPost && r.URL.Path == "/api/refresh":
		s.handleRefresh(w, r)
	case r.Method == http.MethodPost && r.URL.Path == "/api/collections/toggle":
		s.handleToggle(w, r)
	case r.Method == http.MethodPost && r.URL.Path == "/api/collections/delete":
		s.handleDeleteCollection(w, r)
	case r.Method == http.MethodGet && r.URL.Path == "/api/config":
		s.handleGetConfig(w, r)
	case r.Method == http.MethodPost && r.URL.Path == "/api/config":
		s.handleSaveConfig(w, r)
	case r.Method == http.MethodPost && r.URL.Path == "/api/test-connection":
		s.handleTestConnection(w, r)
	case r.Method == http.MethodPost && r.URL.Path == "/api/reset":
		s.handleReset(w, r)
	case r.Method == http.MethodGet && r.URL.Path == "/api/logging":
		s.handleGetLogging(w, r)
	case r.Method == http.MethodPost && r.URL.Path == "/api/logging":
		s.handleSetLogging(w, r)
	case r.Method == http.MethodPost && r.URL.Path == "/api/retroarch/enable":
		s.handleEnableRetroArch(w, r)
	default:
		writeError(w, http.StatusNotFound, "not found")
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.ops.Status())
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Full bool `json:"full"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	writeJSON(w, http.StatusOK, s.ops.RefreshFromRomM(r.Context(), req.Full))
}

func (s *Server) handleToggle(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name    string `json:"name"`
		Enabled bool   `json:"enabled"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}
	ok := s.ops.ToggleCollectionSync(r.Context(), req.Name, req.Enabled)
	writeJSON(w, http.StatusOK, Result{Success: ok})
}

func (s *Server) handleDeleteCollection(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name string `json:"name"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}
	writeJSON(w, http.StatusOK, Result{Success: s.ops.DeleteCollectionROMs(req.Name)})
}

func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.ops.GetConfig())
}

func (s *Server) handleSaveConfig(w http.ResponseWriter, r *http.Request) {
	var req ConfigUpdate
	if !decodeBody(w, r, &req) {
		return
	}
	writeJSON(w, http.StatusOK, s.ops.SaveConfig(req))
}

func (s *Server) handleTestConnection(w http.ResponseWriter, r *http.Request) {
	var req struct {
		URL      string `json:"url"`
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	writeJSON(w, http.StatusOK, s.ops.TestConnection(r.Context(), req.URL, req.Username, req.Password))
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.ops.ResetAllSettings())
}

func (s *Server) handleGetLogging(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"enabled": s.ops.GetLoggingEnabled()})
}

func (s *Server) handleSetLogging(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Enabled bool `json:"enabled"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"enabled": s.ops.SetLoggingEnabled(req.Enabled)})
}

func (s *Server) handleEnableRetroArch(w http.ResponseWriter, r *http.Request) {
	var req struct {
		WarningType string `json:"warning_type"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	writeJSON(w, http.StatusOK, s.ops.EnableRetroArchSetting(req.WarningType))
}

func decodeBody(w http.ResponseWriter, r *http.Request, into interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(into); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.WithError(err).Warn("Failed to encode API response")
	}
}

func writeError(w http.ResponseWriter, statusCode int, message string) {
	writeJSON(w, statusCode, map[string]string{"error": message})
}
