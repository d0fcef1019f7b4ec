package util

import (
	"bytes"
	"encoding/json"
	goerrors "errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"runtime/debug"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/rommsync/rommsync/pkg/errors"
	"github.com/rommsync/rommsync/pkg/service"
)

// HandleFatalError prints a friendly representation of the error and
// exits.
func HandleFatalError(err error) {
	log.Debug(fmt.Sprintf("%+v", err))
	fmt.Fprintln(os.Stderr, errors.GetPrintableMessage(err))
	os.Exit(1)
}

// HandlePanic recovers from panics in the main goroutine so users see
// something more actionable than a raw stack trace.
func HandlePanic() {
	r := recover()
	if r == nil {
		return
	}

	fmt.Fprintf(os.Stderr, "rommsync crashed: %v\n\n%s", r, debug.Stack())
	os.Exit(1)
}

// APIClient talks to the daemon's loopback API.
type APIClient struct {
	baseURL string
	http    *http.Client
}

// NewAPIClient returns a client for the daemon listening on the default
// loopback port.
func NewAPIClient() *APIClient {
	return NewAPIClientWithAddress(
		fmt.Sprintf("http://127.0.0.1:%d", service.DefaultPort))
}

// NewAPIClientWithAddress returns a client for a daemon at the given
// base URL. Used by tests.
func NewAPIClientWithAddress(baseURL string) *APIClient {
	return &APIClient{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

// Get performs a GET against the daemon and decodes the JSON response
// into out.
func (c *APIClient) Get(path string, out interface{}) error {
	resp, err := c.http.Get(c.baseURL + path)
	if err != nil {
		return c.wrapConnError(err)
	}
	return decodeResponse(resp, out)
}

// Post performs a POST with a JSON body and decodes the response into
// out (which may be nil).
func (c *APIClient) Post(path string, body, out interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return errors.WithContext(err, "marshal request")
	}

	resp, err := c.http.Post(c.baseURL+path, "application/json",
		bytes.NewReader(payload))
	if err != nil {
		return c.wrapConnError(err)
	}
	return decodeResponse(resp, out)
}

func (c *APIClient) wrapConnError(err error) error {
	var opErr *net.OpError
	if goerrors.As(err, &opErr) {
		return errors.ErrDaemonNotRunning
	}
	return err
}

func decodeResponse(resp *http.Response, out interface{}) error {
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		var apiErr struct {
			Error string `json:"error"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&apiErr); err == nil && apiErr.Error != "" {
			return errors.New(apiErr.Error)
		}
		return errors.New(fmt.Sprintf("daemon returned %s", resp.Status))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
