/*
The romm package is the client for the RomM server's HTTP API. It owns
authentication, pagination, retries for transient failures, and the
mapping from HTTP status codes to the typed errors the rest of the
daemon reacts to.

All list endpoints are fetched to completion. Callers never see a
partial page.
*/
package romm

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	goversion "github.com/hashicorp/go-version"
	log "github.com/sirupsen/logrus"

	"github.com/rommsync/rommsync/pkg/errors"
	"github.com/rommsync/rommsync/pkg/library"
	"github.com/rommsync/rommsync/pkg/version"
)

// MinServerVersion is the oldest RomM release whose API surface we
// understand. Older servers lack the device-scoped save endpoints.
const MinServerVersion = "3.0.0"

// romPageSize is a variable so the pagination tests can shrink it.
var romPageSize = 500

type Options struct {
	BaseURL  string
	Username string
	Password string

	// DeviceName scopes save artifacts so multiple handhelds can sync
	// against the same server without clobbering each other.
	DeviceName string

	HTTPClient *http.Client
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

type Client struct {
	baseURL    string
	username   string
	password   string
	deviceName string
	httpClient *http.Client
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

func New(opts Options) *Client {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	maxRetries := opts.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	baseDelay := opts.BaseDelay
	if baseDelay <= 0 {
		baseDelay = 250 * time.Millisecond
	}
	maxDelay := opts.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 5 * time.Second
	}
	return &Client{
		baseURL:    strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/"),
		username:   opts.Username,
		password:   opts.Password,
		deviceName: opts.DeviceName,
		httpClient: httpClient,
		maxRetries: maxRetries,
		baseDelay:  baseDelay,
		maxDelay:   maxDelay,
	}
}

// TestConnection verifies that the server is reachable, speaks a
// supported API version, and accepts our credentials. It makes no
// writes.
func (c *Client) TestConnection(ctx context.Context) error {
	var heartbeat heartbeatPayload
	if err := c.getJSON(ctx, "/api/heartbeat", nil, &heartbeat); err != nil {
		return err
	}

	if raw := heartbeat.serverVersion(); raw != "" {
		server, err := goversion.NewVersion(raw)
		if err != nil {
			log.WithError(err).WithField("version", raw).
				Debug("Could not parse server version, skipping check")
		} else if server.LessThan(goversion.Must(goversion.NewVersion(MinServerVersion))) {
			return errors.NewFriendlyError(
				"RomM server is version %s, but at least %s is required.",
				raw, MinServerVersion)
		}
	}

	// The heartbeat is unauthenticated, so probe an authenticated
	// endpoint to validate the credentials as well.
	var page romPage
	return c.getJSON(ctx, "/api/roms", url.Values{"limit": {"1"}}, &page)
}

// ServerVersion returns the version string reported by the server's
// heartbeat, or "" when the server doesn't report one.
func (c *Client) ServerVersion(ctx context.Context) (string, error) {
	var heartbeat heartbeatPayload
	if err := c.getJSON(ctx, "/api/heartbeat", nil, &heartbeat); err != nil {
		return "", err
	}
	return heartbeat.serverVersion(), nil
}

// FetchCollections returns every collection defined on the server.
func (c *Client) FetchCollections(ctx context.Context) ([]library.Collection, error) {
	var payload []collectionPayload
	if err := c.getJSON(ctx, "/api/collections", nil, &payload); err != nil {
		return nil, err
	}

	collections := make([]library.Collection, 0, len(payload))
	for _, collection := range payload {
		collections = append(collections, library.Collection{
			ID:      collection.ID,
			Name:    collection.Name,
			GameIDs: collection.RomIDs,
		})
	}
	return collections, nil
}

// FetchGames returns the server's full game list, paginating until the
// reported total is reached. The progress callback, if set, is invoked
// after each page with the running count and the total.
func (c *Client) FetchGames(ctx context.Context, progress func(fetched, total int)) ([]library.Game, error) {
	return c.fetchGamePages(ctx, nil, progress)
}

// CollectionGames returns the games belonging to a single collection.
func (c *Client) CollectionGames(ctx context.Context, collectionID int) ([]library.Game, error) {
	params := url.Values{"collection_id": {strconv.Itoa(collectionID)}}
	return c.fetchGamePages(ctx, params, nil)
}

func (c *Client) fetchGamePages(ctx context.Context, extra url.Values, progress func(fetched, total int)) ([]library.Game, error) {
	var games []library.Game
	for offset := 0; ; {
		params := url.Values{
			"limit":  {strconv.Itoa(romPageSize)},
			"offset": {strconv.Itoa(offset)},
		}
		for key, values := range extra {
			params[key] = values
		}

		var page romPage
		if err := c.getJSON(ctx, "/api/roms", params, &page); err != nil {
			return nil, err
		}
		for _, rom := range page.Items {
			games = append(games, toGame(rom))
		}
		offset += len(page.Items)
		if progress != nil {
			progress(offset, page.Total)
		}

		// A short page means the listing is exhausted regardless of
		// what the server claimed for total.
		if len(page.Items) < romPageSize || offset >= page.Total {
			return games, nil
		}
	}
}

// PlatformFirmware returns the BIOS files the server declares for a
// platform. An empty result means the server declares none, which is
// distinct from a fetch failure.
func (c *Client) PlatformFirmware(ctx context.Context, platformSlug string) ([]Firmware, error) {
	var platforms []platformPayload
	if err := c.getJSON(ctx, "/api/platforms", nil, &platforms); err != nil {
		return nil, err
	}

	platformID := 0
	for _, platform := range platforms {
		if platform.Slug == platformSlug {
			platformID = platform.ID
			break
		}
	}
	if platformID == 0 {
		// The server doesn't have this platform at all, so it
		// certainly has no firmware for it.
		return nil, nil
	}

	var firmware []Firmware
	params := url.Values{"platform_id": {strconv.Itoa(platformID)}}
	if err := c.getJSON(ctx, "/api/firmware", params, &firmware); err != nil {
		return nil, err
	}
	return firmware, nil
}

func toGame(rom romPayload) library.Game {
	game := library.Game{
		ID:           rom.ID,
		Name:         rom.Name,
		PlatformSlug: rom.PlatformSlug,
	}
	if game.Name == "" {
		game.Name = rom.FSName
	}
	for _, file := range rom.Files {
		game.Files = append(game.Files, library.FileRef{
			RelativePath: file.FileName,
			Size:         file.Size,
			Checksum:     file.MD5,
		})
	}
	// Older servers omit the files list for single-file roms.
	if len(game.Files) == 0 && rom.FSName != "" {
		game.Files = []library.FileRef{{
			RelativePath: rom.FSName,
			Size:         rom.FSSizeBytes,
		}}
	}
	return game
}

// getJSON performs an authenticated GET and decodes the JSON response.
// Transient failures (connection errors, 429, 5xx) are retried with
// exponential backoff, honoring Retry-After when the server sends one.
func (c *Client) getJSON(ctx context.Context, path string, params url.Values, out interface{}) error {
	resp, err := c.do(ctx, http.MethodGet, path, params, nil, "")
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errors.RemoteProtocolError{Endpoint: path, Cause: err}
	}
	return nil
}

// do issues a request with retries and maps error statuses to the typed
// errors. On success the caller owns the response body.
func (c *Client) do(ctx context.Context, method, path string, params url.Values, body io.Reader, contentType string) (*http.Response, error) {
	endpoint := c.baseURL + path
	if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}

	for attempt := 0; ; attempt++ {
		req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
		if err != nil {
			return nil, errors.WithContext(err, "build request")
		}
		req.SetBasicAuth(c.username, c.password)
		req.Header.Set("User-Agent", version.UserAgent)
		if contentType != "" {
			req.Header.Set("Content-Type", contentType)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			// Request bodies are single-shot readers, so only
			// body-less requests can be retried.
			if body == nil && attempt < c.maxRetries && ctx.Err() == nil {
				if waitErr := sleepContext(ctx, c.retryDelay(attempt+1, "")); waitErr != nil {
					return nil, waitErr
				}
				continue
			}
			return nil, errors.RemoteUnavailable{Cause: err}
		}

		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			return resp, nil
		}

		retryAfter := resp.Header.Get("Retry-After")
		resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
			return nil, errors.AuthFailed{Server: c.baseURL}
		case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
			if body == nil && attempt < c.maxRetries {
				if waitErr := sleepContext(ctx, c.retryDelay(attempt+1, retryAfter)); waitErr != nil {
					return nil, waitErr
				}
				continue
			}
			return nil, errors.RemoteUnavailable{
				Cause: fmt.Errorf("%s %s: status %d", method, path, resp.StatusCode),
			}
		default:
			return nil, errors.RemoteProtocolError{
				Endpoint: path,
				Cause:    fmt.Errorf("unexpected status %d", resp.StatusCode),
			}
		}
	}
}

func (c *Client) retryDelay(attempt int, retryAfterHeader string) time.Duration {
	if retryAfter := parseRetryAfterSeconds(retryAfterHeader); retryAfter > 0 {
		if retryAfter > c.maxDelay {
			return c.maxDelay
		}
		return retryAfter
	}
	delay := c.baseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= c.maxDelay {
			return c.maxDelay
		}
	}
	return delay
}

func parseRetryAfterSeconds(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	seconds, err := strconv.Atoi(header)
	if err != nil || seconds < 0 {
		return 0
	}
	return time.Duration(seconds) * time.Second
}

func sleepContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
