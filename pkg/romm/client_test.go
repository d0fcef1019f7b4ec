package romm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rommsync/rommsync/pkg/errors"
	"github.com/rommsync/rommsync/pkg/library"
)

func testClient(url string) *Client {
	return New(Options{
		BaseURL:    url,
		Username:   "admin",
		Password:   "hunter2",
		DeviceName: "steamdeck",
		BaseDelay:  time.Millisecond,
		MaxDelay:   5 * time.Millisecond,
	})
}

func TestFetchGamesPaginates(t *testing.T) {
	oldPageSize := romPageSize
	romPageSize = 2
	defer func() { romPageSize = oldPageSize }()

	games := []romPayload{
		{ID: 1, Name: "Alpha", PlatformSlug: "snes", Files: []romFilePayload{{FileName: "a.sfc", Size: 10}}},
		{ID: 2, Name: "Beta", PlatformSlug: "snes", Files: []romFilePayload{{FileName: "b.sfc", Size: 20}}},
		{ID: 3, Name: "Gamma", PlatformSlug: "gba", FSName: "gamma.gba", FSSizeBytes: 30},
	}

	var requests int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
		offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		end := offset + limit
		if end > len(games) {
			end = len(games)
		}
		json.NewEncoder(w).Encode(romPage{Items: games[offset:end], Total: len(games)})
	}))
	defer server.Close()

	fetched, err := testClient(server.URL).FetchGames(context.Background(), nil)
	require.NoError(t, err)
	require.Len(t, fetched, 3)
	assert.Equal(t, 2, requests)

	// Single-file roms without a files list fall back to fs_name.
	assert.Equal(t, []library.FileRef{{RelativePath: "gamma.gba", Size: 30}}, fetched[2].Files)
}

func TestAuthErrorsAreNotRetried(t *testing.T) {
	var requests int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	_, err := testClient(server.URL).FetchCollections(context.Background())
	require.Error(t, err)
	assert.IsType(t, errors.AuthFailed{}, errors.RootCause(err))
	assert.Equal(t, 1, requests)
}

func TestTransientErrorsAreRetried(t *testing.T) {
	var requests int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
		if requests < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		json.NewEncoder(w).Encode([]collectionPayload{{ID: 1, Name: "favorites", RomIDs: []int{1}}})
	}))
	defer server.Close()

	collections, err := testClient(server.URL).FetchCollections(context.Background())
	require.NoError(t, err)
	require.Len(t, collections, 1)
	assert.Equal(t, "favorites", collections[0].Name)
	assert.Equal(t, 3, requests)
}

func TestTestConnectionRejectsOldServer(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/heartbeat" {
			fmt.Fprint(w, `{"VERSION": "2.4.0"}`)
			return
		}
		json.NewEncoder(w).Encode(romPage{})
	}))
	defer server.Close()

	err := testClient(server.URL).TestConnection(context.Background())
	require.Error(t, err)
	assert.Contains(t, errors.GetPrintableMessage(err), "2.4.0")
}

func TestTestConnectionChecksCredentials(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/heartbeat" {
			fmt.Fprint(w, `{"VERSION": "3.6.0"}`)
			return
		}
		user, pass, ok := r.BasicAuth()
		if !ok || user != "admin" || pass != "hunter2" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		json.NewEncoder(w).Encode(romPage{})
	}))
	defer server.Close()

	assert.NoError(t, testClient(server.URL).TestConnection(context.Background()))

	badCreds := testClient(server.URL)
	badCreds.password = "wrong"
	err := badCreds.TestConnection(context.Background())
	assert.IsType(t, errors.AuthFailed{}, errors.RootCause(err))
}

func TestPlatformFirmware(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/platforms":
			json.NewEncoder(w).Encode([]platformPayload{{ID: 7, Slug: "psx", Name: "PlayStation"}})
		case "/api/firmware":
			assert.Equal(t, "7", r.URL.Query().Get("platform_id"))
			json.NewEncoder(w).Encode([]Firmware{{ID: 42, FileName: "scph5500.bin", Size: 524288}})
		}
	}))
	defer server.Close()

	client := testClient(server.URL)
	firmware, err := client.PlatformFirmware(context.Background(), "psx")
	require.NoError(t, err)
	require.Len(t, firmware, 1)
	assert.Equal(t, "scph5500.bin", firmware[0].FileName)

	// Unknown platforms declare no firmware rather than failing.
	firmware, err = client.PlatformFirmware(context.Background(), "n64")
	require.NoError(t, err)
	assert.Empty(t, firmware)
}

func TestDownloadGameFile(t *testing.T) {
	oldFs := fs
	fs = afero.NewMemMapFs()
	defer func() { fs = oldFs }()

	contents := []byte("rom contents here")
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/roms/5/content/alpha.sfc", r.URL.Path)
		w.Write(contents)
	}))
	defer server.Close()

	var reported int64
	err := testClient(server.URL).DownloadGameFile(
		context.Background(), 5, "alpha.sfc", "/roms/snes/alpha.sfc",
		func(written int64) { reported = written })
	require.NoError(t, err)
	assert.Equal(t, int64(len(contents)), reported)

	got, err := afero.ReadFile(fs, "/roms/snes/alpha.sfc")
	require.NoError(t, err)
	assert.Equal(t, contents, got)

	// No partial file left behind.
	exists, _ := afero.Exists(fs, "/roms/snes/alpha.sfc.part")
	assert.False(t, exists)
}

func TestDownloadRemovesPartialOnCancel(t *testing.T) {
	oldFs := fs
	fs = afero.NewMemMapFs()
	defer func() { fs = oldFs }()

	ctx, cancel := context.WithCancel(context.Background())
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(make([]byte, downloadChunkSize))
		w.(http.Flusher).Flush()
		cancel()
		// Keep the stream open so the client hits the cancelled
		// context at the next chunk boundary.
		<-r.Context().Done()
	}))
	defer server.Close()

	err := testClient(server.URL).DownloadGameFile(ctx, 5, "alpha.sfc", "/roms/snes/alpha.sfc", nil)
	require.Error(t, err)

	exists, _ := afero.Exists(fs, "/roms/snes/alpha.sfc")
	assert.False(t, exists)
	exists, _ = afero.Exists(fs, "/roms/snes/alpha.sfc.part")
	assert.False(t, exists)
}

func TestListSavesScopedToDevice(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/saves", r.URL.Path)
		assert.Equal(t, "steamdeck", r.URL.Query().Get("device_id"))
		assert.Equal(t, "9", r.URL.Query().Get("rom_id"))
		json.NewEncoder(w).Encode([]SaveArtifact{{ID: 1, RomID: 9, FileName: "alpha.srm"}})
	}))
	defer server.Close()

	artifacts, err := testClient(server.URL).ListSaves(context.Background(), KindSave, 9)
	require.NoError(t, err)
	require.Len(t, artifacts, 1)
	assert.Equal(t, "alpha.srm", artifacts[0].FileName)
}

func TestUploadSave(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/states", r.URL.Path)
		assert.Equal(t, "true", r.URL.Query().Get("overwrite"))
		require.NoError(t, r.ParseMultipartForm(1<<20))
		file, header, err := r.FormFile("stateFile")
		require.NoError(t, err)
		defer file.Close()
		assert.Equal(t, "alpha.state", header.Filename)
	}))
	defer server.Close()

	err := testClient(server.URL).UploadSave(
		context.Background(), KindState, 9, "alpha.state", "snes9x",
		bytes.NewReader([]byte("state data")))
	require.NoError(t, err)
}
