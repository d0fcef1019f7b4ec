package service

import (
	"context"
	"io"

	"github.com/rommsync/rommsync/pkg/library"
	"github.com/rommsync/rommsync/pkg/romm"
)

// clientProxy resolves the service's current server client on every
// call. The collection manager, BIOS provisioner and save synchronizer
// hold the proxy, so a SaveConfig that rebuilds the client takes effect
// on their next request.
type clientProxy struct {
	s *Service
}

func (p clientProxy) current() *romm.Client {
	p.s.mu.Lock()
	defer p.s.mu.Unlock()
	return p.s.client
}

func (p clientProxy) FetchCollections(ctx context.Context) ([]library.Collection, error) {
	return p.current().FetchCollections(ctx)
}

func (p clientProxy) FetchGames(ctx context.Context, progress func(fetched, total int)) ([]library.Game, error) {
	return p.current().FetchGames(ctx, progress)
}

func (p clientProxy) CollectionGames(ctx context.Context, collectionID int) ([]library.Game, error) {
	return p.current().CollectionGames(ctx, collectionID)
}

func (p clientProxy) DownloadGameFile(ctx context.Context, romID int, fileName, dest string, progress func(int64)) error {
	return p.current().DownloadGameFile(ctx, romID, fileName, dest, progress)
}

func (p clientProxy) PlatformFirmware(ctx context.Context, platformSlug string) ([]romm.Firmware, error) {
	return p.current().PlatformFirmware(ctx, platformSlug)
}

func (p clientProxy) DownloadFirmware(ctx context.Context, firmwareID int, fileName, dest string, progress func(int64)) error {
	return p.current().DownloadFirmware(ctx, firmwareID, fileName, dest, progress)
}

func (p clientProxy) ListSaves(ctx context.Context, kind romm.SaveKind, romID int) ([]romm.SaveArtifact, error) {
	return p.current().ListSaves(ctx, kind, romID)
}

func (p clientProxy) UploadSave(ctx context.Context, kind romm.SaveKind, romID int, fileName, emulator string, contents io.Reader) error {
	return p.current().UploadSave(ctx, kind, romID, fileName, emulator, contents)
}

func (p clientProxy) DownloadSave(ctx context.Context, kind romm.SaveKind, artifactID int, dest string) error {
	return p.current().DownloadSave(ctx, kind, artifactID, dest)
}
