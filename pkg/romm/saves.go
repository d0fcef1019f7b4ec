package romm

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/url"
	"strconv"

	"github.com/rommsync/rommsync/pkg/errors"
)

// ListSaves returns the save artifacts of the given kind for one rom,
// scoped to this client's device name. Artifacts uploaded by other
// devices are not returned.
func (c *Client) ListSaves(ctx context.Context, kind SaveKind, romID int) ([]SaveArtifact, error) {
	params := url.Values{
		"rom_id":    {strconv.Itoa(romID)},
		"device_id": {c.deviceName},
	}

	var artifacts []SaveArtifact
	if err := c.getJSON(ctx, "/api/"+string(kind), params, &artifacts); err != nil {
		return nil, err
	}
	return artifacts, nil
}

// UploadSave pushes a local save file to the server, replacing the
// device's previous artifact for the same rom and kind.
func (c *Client) UploadSave(ctx context.Context, kind SaveKind, romID int, fileName, emulator string, contents io.Reader) error {
	// The server keys the multipart field off the artifact kind.
	field := "saveFile"
	if kind == KindState {
		field = "stateFile"
	}

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	part, err := writer.CreateFormFile(field, fileName)
	if err != nil {
		return errors.WithContext(err, "build upload")
	}
	if _, err := io.Copy(part, contents); err != nil {
		return errors.WithContext(err, "read save file")
	}
	if err := writer.Close(); err != nil {
		return errors.WithContext(err, "build upload")
	}

	params := url.Values{
		"rom_id":    {strconv.Itoa(romID)},
		"device_id": {c.deviceName},
		"overwrite": {"true"},
	}
	if emulator != "" {
		params.Set("emulator", emulator)
	}

	resp, err := c.do(ctx, "POST", "/api/"+string(kind), params, &body, writer.FormDataContentType())
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

// DownloadSave streams a save artifact's contents to dest, using the
// same partial-then-rename discipline as rom downloads.
func (c *Client) DownloadSave(ctx context.Context, kind SaveKind, artifactID int, dest string) error {
	path := fmt.Sprintf("/api/%s/%d/content", kind, artifactID)
	return c.downloadTo(ctx, path, dest, nil)
}

// DeleteSave removes a save artifact from the server.
func (c *Client) DeleteSave(ctx context.Context, kind SaveKind, artifactID int) error {
	path := fmt.Sprintf("/api/%s/%d", kind, artifactID)
	resp, err := c.do(ctx, "DELETE", path, nil, nil, "")
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}
