package romm

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"path/filepath"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/rommsync/rommsync/pkg/errors"
)

const downloadChunkSize = 64 * 1024

// partialSuffix marks an in-progress download. The file is renamed into
// place only once fully written, so a crash never leaves a truncated
// file at the destination path.
const partialSuffix = ".part"

// DownloadGameFile streams one file of a rom to dest. The progress
// callback, if set, receives the cumulative byte count as chunks land.
// Cancelling the context aborts between chunks and removes the partial
// file.
func (c *Client) DownloadGameFile(ctx context.Context, romID int, fileName, dest string, progress func(written int64)) error {
	path := fmt.Sprintf("/api/roms/%d/content/%s", romID, url.PathEscape(fileName))
	return c.downloadTo(ctx, path, dest, progress)
}

// DownloadFirmware streams a BIOS file to dest.
func (c *Client) DownloadFirmware(ctx context.Context, firmwareID int, fileName, dest string, progress func(written int64)) error {
	path := fmt.Sprintf("/api/firmware/%d/content/%s", firmwareID, url.PathEscape(fileName))
	return c.downloadTo(ctx, path, dest, progress)
}

func (c *Client) downloadTo(ctx context.Context, path, dest string, progress func(written int64)) error {
	resp, err := c.do(ctx, "GET", path, nil, nil, "")
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := fs.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return errors.FilesystemError{Path: filepath.Dir(dest), Cause: err}
	}

	partial := dest + partialSuffix
	f, err := fs.Create(partial)
	if err != nil {
		return errors.FilesystemError{Path: partial, Cause: err}
	}

	if err := copyChunks(ctx, f, resp.Body, progress); err != nil {
		f.Close()
		if removeErr := fs.Remove(partial); removeErr != nil {
			log.WithError(removeErr).WithField("path", partial).
				Warn("Failed to remove partial download")
		}
		return err
	}
	if err := f.Close(); err != nil {
		return errors.FilesystemError{Path: partial, Cause: err}
	}

	if err := fs.Rename(partial, dest); err != nil {
		return errors.FilesystemError{Path: dest, Cause: err}
	}
	return nil
}

// copyChunks copies body to f in fixed-size chunks, checking the
// context at each chunk boundary so cancellation takes effect promptly
// even on large files.
func copyChunks(ctx context.Context, f afero.File, body io.Reader, progress func(written int64)) error {
	buf := make([]byte, downloadChunkSize)
	var written int64
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		n, err := body.Read(buf)
		if n > 0 {
			if _, writeErr := f.Write(buf[:n]); writeErr != nil {
				return errors.FilesystemError{Path: f.Name(), Cause: writeErr}
			}
			written += int64(n)
			if progress != nil {
				progress(written)
			}
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return errors.RemoteUnavailable{Cause: err}
		}
	}
}
