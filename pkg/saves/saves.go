/*
The saves package keeps save files and save states synchronized in both
directions between the local RetroArch directories and the server.

It runs on two triggers: a filesystem event from the watched save
directories, and a periodic reconciliation tick. Each pass compares the
local and remote timestamps per game; the newer side wins and is pushed
to the other. Equal timestamps with differing content are resolved by
the configured conflict policy, preferring the remote copy by default,
and the discrepancy is logged rather than silently merged.
*/
package saves

import (
	"context"
	"io"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	log "github.com/sirupsen/logrus"

	"github.com/rommsync/rommsync/pkg/config"
	"github.com/rommsync/rommsync/pkg/cores"
	"github.com/rommsync/rommsync/pkg/errors"
	"github.com/rommsync/rommsync/pkg/fswatch"
	"github.com/rommsync/rommsync/pkg/library"
	"github.com/rommsync/rommsync/pkg/romm"
	"github.com/rommsync/rommsync/pkg/scheduler"
	"github.com/rommsync/rommsync/pkg/store"
)

// savesClient is the slice of the server client the synchronizer needs.
type savesClient interface {
	ListSaves(ctx context.Context, kind romm.SaveKind, romID int) ([]romm.SaveArtifact, error)
	UploadSave(ctx context.Context, kind romm.SaveKind, romID int, fileName, emulator string, contents io.Reader) error
	DownloadSave(ctx context.Context, kind romm.SaveKind, artifactID int, dest string) error
}

type submitter interface {
	Submit(scheduler.Spec) int64
}

// ledger persists the per-artifact timestamps and hashes between
// passes.
type ledger interface {
	Artifact(gameID int, kind string) (store.Artifact, bool, error)
	UpsertArtifact(store.Artifact) error
}

var kindExtensions = map[romm.SaveKind]string{
	romm.KindSave:  ".srm",
	romm.KindState: ".state",
}

type Options struct {
	Client   savesClient
	Sched    submitter
	Ledger   ledger
	Catalog  *library.Catalog
	SaveDir  string
	StateDir string
	Policy   config.ConflictPolicy
	Interval time.Duration
	Clock    clockwork.Clock
}

type Synchronizer struct {
	opts Options

	mu sync.Mutex
	// inflight dedups submissions per local path until the task reaches
	// a terminal state, so a burst of triggers doesn't queue the same
	// transfer twice.
	inflight map[string]bool
}

func New(opts Options) *Synchronizer {
	if opts.Interval <= 0 {
		opts.Interval = 2 * time.Minute
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Policy == "" {
		opts.Policy = config.PreferRemote
	}
	return &Synchronizer{opts: opts, inflight: map[string]bool{}}
}

// Run reconciles on every filesystem event and on the periodic tick
// until ctx is cancelled.
func (s *Synchronizer) Run(ctx context.Context) error {
	events, stopWatch, err := fswatch.Watch(s.opts.SaveDir, s.opts.StateDir)
	if err != nil {
		return errors.WithContext(err, "watch save dirs")
	}
	defer stopWatch()

	ticker := s.opts.Clock.NewTicker(s.opts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-events:
		case <-ticker.Chan():
		}
		s.Reconcile(ctx)
	}
}

// Reconcile runs one full pass over every cataloged game, submitting
// upload and download tasks for artifacts that drifted.
func (s *Synchronizer) Reconcile(ctx context.Context) {
	for _, game := range s.opts.Catalog.Games() {
		for _, kind := range []romm.SaveKind{romm.KindSave, romm.KindState} {
			if err := s.reconcileArtifact(ctx, game, kind); err != nil {
				log.WithError(err).WithFields(log.Fields{
					"game": game.Name,
					"kind": kind,
				}).Warn("Save reconciliation failed")
			}
		}
	}
}

func (s *Synchronizer) reconcileArtifact(ctx context.Context, game library.Game, kind romm.SaveKind) error {
	localPath, localMtime, hasLocal := s.findLocal(game, kind)

	artifacts, err := s.opts.Client.ListSaves(ctx, kind, game.ID)
	if err != nil {
		return err
	}
	remote, hasRemote := newest(artifacts)

	if !hasLocal && !hasRemote {
		return nil
	}

	// Timestamps compare at second granularity; the server doesn't
	// keep sub-second precision.
	local := localMtime.Truncate(time.Second)
	remoteMtime := remote.UpdatedAt.Truncate(time.Second)

	record, known, err := s.opts.Ledger.Artifact(game.ID, string(kind))
	if err != nil {
		return err
	}
	if known && hasLocal && hasRemote &&
		local.Equal(record.LocalMtime.Truncate(time.Second)) &&
		remoteMtime.Equal(record.RemoteMtime.Truncate(time.Second)) {
		// Neither side moved since the last pass.
		return nil
	}

	switch {
	case hasLocal && !hasRemote:
		s.submitUpload(game, kind, localPath, local)
	case !hasLocal:
		s.submitDownload(game, kind, remote, s.defaultLocalPath(game, kind))
	case local.After(remoteMtime):
		s.submitUpload(game, kind, localPath, local)
	case remoteMtime.After(local):
		s.submitDownload(game, kind, remote, localPath)
	default:
		return s.resolveTie(game, kind, localPath, local, remote)
	}
	return nil
}

// resolveTie handles equal timestamps. Identical content just updates
// the ledger; differing content defers to the conflict policy.
func (s *Synchronizer) resolveTie(game library.Game, kind romm.SaveKind, localPath string, localMtime time.Time, remote romm.SaveArtifact) error {
	localHash, err := library.HashFile(fs, localPath)
	if err != nil {
		return err
	}
	if localHash == remote.MD5 || remote.MD5 == "" {
		return s.opts.Ledger.UpsertArtifact(store.Artifact{
			GameID:      game.ID,
			Kind:        string(kind),
			LocalMtime:  localMtime,
			RemoteMtime: remote.UpdatedAt,
			LocalHash:   localHash,
			RemoteHash:  remote.MD5,
		})
	}

	log.WithFields(log.Fields{
		"game":   game.Name,
		"kind":   kind,
		"policy": s.opts.Policy,
	}).Warn("Save conflict: equal timestamps with different content")

	if s.opts.Policy == config.PreferLocal {
		s.submitUpload(game, kind, localPath, localMtime)
	} else {
		s.submitDownload(game, kind, remote, localPath)
	}
	return nil
}

func (s *Synchronizer) submitUpload(game library.Game, kind romm.SaveKind, localPath string, localMtime time.Time) {
	if !s.markInflight(localPath) {
		return
	}

	client := s.opts.Client
	ledger := s.opts.Ledger
	s.opts.Sched.Submit(scheduler.Spec{
		Kind:        scheduler.KindSaveUpload,
		Name:        filepath.Base(localPath),
		Destination: localPath,
		Run: func(ctx context.Context, report func(int64)) error {
			f, err := fs.Open(localPath)
			if err != nil {
				return errors.FilesystemError{Path: localPath, Cause: err}
			}
			defer f.Close()

			if err := client.UploadSave(ctx, kind, game.ID, filepath.Base(localPath), preferredCore(game), f); err != nil {
				return err
			}

			hash, err := library.HashFile(fs, localPath)
			if err != nil {
				return err
			}
			return ledger.UpsertArtifact(store.Artifact{
				GameID:      game.ID,
				Kind:        string(kind),
				LocalMtime:  localMtime,
				RemoteMtime: localMtime,
				LocalHash:   hash,
				RemoteHash:  hash,
			})
		},
	})
}

func (s *Synchronizer) submitDownload(game library.Game, kind romm.SaveKind, remote romm.SaveArtifact, dest string) {
	if !s.markInflight(dest) {
		return
	}

	client := s.opts.Client
	ledger := s.opts.Ledger
	s.opts.Sched.Submit(scheduler.Spec{
		Kind:        scheduler.KindSaveDownload,
		Name:        remote.FileName,
		Destination: dest,
		BytesTotal:  remote.Size,
		Run: func(ctx context.Context, report func(int64)) error {
			if err := client.DownloadSave(ctx, kind, remote.ID, dest); err != nil {
				return err
			}
			// Pin the file's mtime to the server's so the next pass
			// sees both sides level.
			mtime := remote.UpdatedAt
			if err := fs.Chtimes(dest, mtime, mtime); err != nil {
				log.WithError(err).WithField("path", dest).
					Warn("Failed to set downloaded save mtime")
			}

			hash, err := library.HashFile(fs, dest)
			if err != nil {
				return err
			}
			return ledger.UpsertArtifact(store.Artifact{
				GameID:      game.ID,
				Kind:        string(kind),
				LocalMtime:  mtime,
				RemoteMtime: mtime,
				LocalHash:   hash,
				RemoteHash:  remote.MD5,
			})
		},
	})
}

func (s *Synchronizer) markInflight(path string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inflight[path] {
		return false
	}
	s.inflight[path] = true
	return true
}

// HandleCompletion clears the in-flight marker for a finished save
// transfer so the next observed drift can submit again.
func (s *Synchronizer) HandleCompletion(task scheduler.Task) {
	if task.Kind != scheduler.KindSaveUpload && task.Kind != scheduler.KindSaveDownload {
		return
	}
	s.mu.Lock()
	delete(s.inflight, task.Destination)
	s.mu.Unlock()
}

// findLocal locates a game's save artifact on disk, checking the flat
// directory, each compatible core's save directory and the platform
// directory.
func (s *Synchronizer) findLocal(game library.Game, kind romm.SaveKind) (string, time.Time, bool) {
	for _, path := range s.candidatePaths(game, kind) {
		fi, err := fs.Stat(path)
		if err == nil && !fi.IsDir() {
			return path, fi.ModTime(), true
		}
	}
	return "", time.Time{}, false
}

func (s *Synchronizer) candidatePaths(game library.Game, kind romm.SaveKind) []string {
	dir := s.dirFor(kind)
	name := baseName(game) + kindExtensions[kind]

	paths := []string{filepath.Join(dir, name)}
	for _, profile := range cores.Match(game.PlatformSlug, gameExtension(game)) {
		paths = append(paths, filepath.Join(dir, profile.SaveDir, name))
	}
	return append(paths, filepath.Join(dir, game.PlatformSlug, name))
}

// defaultLocalPath is where a fresh download lands when the game has no
// local artifact yet: the preferred core's save directory.
func (s *Synchronizer) defaultLocalPath(game library.Game, kind romm.SaveKind) string {
	dir := s.dirFor(kind)
	name := baseName(game) + kindExtensions[kind]
	if profiles := cores.Match(game.PlatformSlug, gameExtension(game)); len(profiles) > 0 {
		return filepath.Join(dir, profiles[0].SaveDir, name)
	}
	return filepath.Join(dir, name)
}

func (s *Synchronizer) dirFor(kind romm.SaveKind) string {
	if kind == romm.KindState {
		return s.opts.StateDir
	}
	return s.opts.SaveDir
}

func baseName(game library.Game) string {
	if len(game.Files) == 0 {
		return game.Name
	}
	file := filepath.Base(game.Files[0].RelativePath)
	return strings.TrimSuffix(file, filepath.Ext(file))
}

func gameExtension(game library.Game) string {
	if len(game.Files) == 0 {
		return ""
	}
	return filepath.Ext(game.Files[0].RelativePath)
}

func preferredCore(game library.Game) string {
	if profiles := cores.Match(game.PlatformSlug, gameExtension(game)); len(profiles) > 0 {
		return profiles[0].Core
	}
	return ""
}

// newest returns the most recently updated artifact.
func newest(artifacts []romm.SaveArtifact) (romm.SaveArtifact, bool) {
	var best romm.SaveArtifact
	found := false
	for _, artifact := range artifacts {
		if !found || artifact.UpdatedAt.After(best.UpdatedAt) {
			best = artifact
			found = true
		}
	}
	return best, found
}
