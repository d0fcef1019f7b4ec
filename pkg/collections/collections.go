/*
The collections package owns the per-collection enable/disable state
machine. Enabling a collection diffs its target membership against the
local rom directory and submits a download task per missing file;
disabling cancels outstanding work and deletes the collection's files,
preserving any file another enabled collection still needs.

All sync_state transitions happen here and nowhere else. The state
moves to syncing synchronously when an enable is accepted, so pollers
see the transition immediately rather than patching over a stale read.
*/
package collections

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/rommsync/rommsync/pkg/errors"
	"github.com/rommsync/rommsync/pkg/library"
	"github.com/rommsync/rommsync/pkg/scheduler"
	"github.com/rommsync/rommsync/pkg/store"
)

// libraryClient is the slice of the server client the manager needs.
type libraryClient interface {
	FetchCollections(ctx context.Context) ([]library.Collection, error)
	FetchGames(ctx context.Context, progress func(fetched, total int)) ([]library.Game, error)
	CollectionGames(ctx context.Context, collectionID int) ([]library.Game, error)
	DownloadGameFile(ctx context.Context, romID int, fileName, dest string, progress func(int64)) error
}

// taskScheduler is the slice of the download scheduler the manager
// needs.
type taskScheduler interface {
	Submit(scheduler.Spec) int64
	CancelCollection(name string)
	CollectionTasks(name string) []scheduler.Task
}

// stateStore persists toggle and sync state across restarts.
type stateStore interface {
	SetCollectionState(name string, autoSync bool, state library.SyncState) error
	CollectionStates() (map[string]store.CollectionState, error)
	DeleteCollection(name string) error
}

// Progress is a collection's aggregate download progress. A multi-file
// game counts as downloaded only once every one of its files is
// present.
type Progress struct {
	Downloaded int     `json:"downloaded"`
	Total      int     `json:"total"`
	Pct        float64 `json:"downloaded_pct"`
	Speed      float64 `json:"speed"`
}

// RemovalEvent records files deleted by a disable or explicit delete,
// surfaced to pollers so a UI can report what just disappeared.
type RemovalEvent struct {
	Collection string    `json:"collection"`
	Files      []string  `json:"files"`
	Time       time.Time `json:"time"`
}

const maxRemovalEvents = 20

type Manager struct {
	client libraryClient
	sched  taskScheduler
	store  stateStore

	catalog *library.Catalog
	romDir  string

	mu      sync.Mutex
	enabled map[string]bool
	states  map[string]library.SyncState
	// generations counts effective toggles per collection, so a
	// disable's deferred deletion can tell when a re-enable overtook it
	// and must win.
	generations map[string]uint64
	// inflight maps destination path to the owning collection, deduping
	// submissions when collections share a game.
	inflight map[string]string
	// toggleLocks serializes toggle/delete per collection name.
	toggleLocks map[string]*sync.Mutex
	removals    []RemovalEvent
}

func New(client libraryClient, sched taskScheduler, stateStore stateStore, catalog *library.Catalog, romDir string) (*Manager, error) {
	m := &Manager{
		client:      client,
		sched:       sched,
		store:       stateStore,
		catalog:     catalog,
		romDir:      romDir,
		enabled:     map[string]bool{},
		states:      map[string]library.SyncState{},
		generations: map[string]uint64{},
		inflight:    map[string]string{},
		toggleLocks: map[string]*sync.Mutex{},
	}

	persisted, err := stateStore.CollectionStates()
	if err != nil {
		return nil, errors.WithContext(err, "load collection state")
	}
	for name, state := range persisted {
		m.enabled[name] = state.AutoSync
		m.states[name] = state.SyncState
	}
	return m, nil
}

func (m *Manager) toggleLock(name string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	lock, ok := m.toggleLocks[name]
	if !ok {
		lock = &sync.Mutex{}
		m.toggleLocks[name] = lock
	}
	return lock
}

// Toggle enables or disables syncing for a collection. Toggles for the
// same name are serialized; repeating an identical toggle is a no-op.
func (m *Manager) Toggle(ctx context.Context, name string, enabled bool) error {
	lock := m.toggleLock(name)
	lock.Lock()
	defer lock.Unlock()

	m.mu.Lock()
	already := m.enabled[name]
	if already != enabled {
		m.generations[name]++
	}
	m.mu.Unlock()
	if already == enabled {
		return nil
	}

	if enabled {
		return m.enable(ctx, name)
	}
	return m.disable(name)
}

func (m *Manager) enable(ctx context.Context, name string) error {
	if _, ok := m.catalog.Collection(name); !ok {
		return errors.NewFriendlyError("Unknown collection %q.", name)
	}

	// The state flips before any transfer starts, so a poll issued
	// right after the toggle already sees syncing.
	m.setState(name, true, library.Syncing)

	submitted := m.submitMissing(ctx, name)
	if submitted == 0 {
		m.settle(name)
	}
	log.WithFields(log.Fields{
		"collection": name,
		"submitted":  submitted,
	}).Info("Collection sync enabled")
	return nil
}

func (m *Manager) disable(name string) error {
	m.mu.Lock()
	m.enabled[name] = false
	gen := m.generations[name]
	m.mu.Unlock()

	m.sched.CancelCollection(name)

	// Deletion runs off the polling path; the state stays as-is until
	// the files are actually gone, never optimistically. It re-takes
	// the toggle lock and bows out if another toggle got there first,
	// so a quick re-enable keeps its files and its state.
	go func() {
		lock := m.toggleLock(name)
		lock.Lock()
		defer lock.Unlock()

		m.mu.Lock()
		overtaken := m.generations[name] != gen
		m.mu.Unlock()
		if overtaken {
			return
		}

		if _, err := m.deleteFiles(name); err != nil {
			log.WithError(err).WithField("collection", name).
				Warn("Failed to delete collection files")
		}
		m.setState(name, false, library.NotSynced)
	}()
	return nil
}

// DeleteFiles removes the collection's local files without changing its
// toggle, returning how many files were deleted. Files shared with
// another enabled collection are preserved.
func (m *Manager) DeleteFiles(name string) (int, error) {
	lock := m.toggleLock(name)
	lock.Lock()
	defer lock.Unlock()

	m.sched.CancelCollection(name)
	deleted, err := m.deleteFiles(name)
	if err == nil {
		m.setState(name, false, library.NotSynced)
		m.mu.Lock()
		m.enabled[name] = false
		m.mu.Unlock()
	}
	return deleted, err
}

func (m *Manager) deleteFiles(name string) (int, error) {
	shared := m.sharedPaths(name)

	var removed []string
	var firstErr error
	for _, game := range m.catalog.GamesIn(name) {
		for _, ref := range game.Files {
			path := library.FilePath(m.romDir, game, ref)
			if shared[path] {
				continue
			}
			exists, _ := afero.Exists(fs, path)
			if !exists {
				continue
			}
			if err := fs.Remove(path); err != nil {
				if firstErr == nil {
					firstErr = errors.FilesystemError{Path: path, Cause: err}
				}
				continue
			}
			removed = append(removed, path)
		}
	}

	if len(removed) > 0 {
		m.recordRemoval(name, removed)
	}
	return len(removed), firstErr
}

// sharedPaths returns the file paths that other enabled collections
// still require.
func (m *Manager) sharedPaths(name string) map[string]bool {
	m.mu.Lock()
	enabled := make([]string, 0, len(m.enabled))
	for other, on := range m.enabled {
		if on && other != name {
			enabled = append(enabled, other)
		}
	}
	m.mu.Unlock()

	shared := map[string]bool{}
	for _, other := range enabled {
		for _, game := range m.catalog.GamesIn(other) {
			for _, ref := range game.Files {
				shared[library.FilePath(m.romDir, game, ref)] = true
			}
		}
	}
	return shared
}

// submitMissing diffs the collection against the local filesystem and
// submits a rom task per missing file. Returns how many were submitted.
func (m *Manager) submitMissing(ctx context.Context, name string) int {
	submitted := 0
	for _, game := range m.catalog.GamesIn(name) {
		for _, ref := range library.MissingFiles(fs, m.romDir, game) {
			dest := library.FilePath(m.romDir, game, ref)

			m.mu.Lock()
			if _, pending := m.inflight[dest]; pending {
				m.mu.Unlock()
				continue
			}
			m.inflight[dest] = name
			m.mu.Unlock()

			romID := game.ID
			relPath := ref.RelativePath
			m.sched.Submit(scheduler.Spec{
				Kind:        scheduler.KindROM,
				Collection:  name,
				Name:        game.Name,
				Destination: dest,
				BytesTotal:  ref.Size,
				Run: func(ctx context.Context, report func(int64)) error {
					return m.client.DownloadGameFile(ctx, romID, relPath, dest, report)
				},
			})
			submitted++
		}
	}
	return submitted
}

// HandleCompletion reacts to a finished rom task: it clears the
// in-flight marker and, when the collection has fully drained, settles
// its state.
func (m *Manager) HandleCompletion(task scheduler.Task) {
	if task.Kind != scheduler.KindROM {
		return
	}

	m.mu.Lock()
	delete(m.inflight, task.Destination)
	enabled := m.enabled[task.Collection]
	m.mu.Unlock()

	if !enabled {
		return
	}
	for _, pending := range m.sched.CollectionTasks(task.Collection) {
		if !pending.State.Terminal() {
			return
		}
	}
	m.settle(task.Collection)
}

// settle recomputes a drained collection's final state: synced when
// every file is present, back to syncing with fresh submissions
// otherwise left to the next reconciliation pass.
func (m *Manager) settle(name string) {
	for _, game := range m.catalog.GamesIn(name) {
		if !library.GamePresent(fs, m.romDir, game) {
			m.setState(name, true, library.Syncing)
			return
		}
	}
	m.setState(name, true, library.Synced)
	log.WithField("collection", name).Info("Collection synced")
}

// Refresh re-fetches catalog data from the server. A full refresh
// replaces the catalog wholesale and re-diffs every enabled collection;
// an incremental refresh only reconciles collections whose remote
// membership changed, preserving everyone else's state and progress.
func (m *Manager) Refresh(ctx context.Context, full bool) error {
	remote, err := m.client.FetchCollections(ctx)
	if err != nil {
		return err
	}

	if full {
		games, err := m.client.FetchGames(ctx, nil)
		if err != nil {
			return err
		}
		m.catalog.Replace(remote, games)
		m.reconcileAll(ctx, remote)
		return nil
	}

	remoteByName := map[string]library.Collection{}
	for _, collection := range remote {
		remoteByName[collection.Name] = collection
	}

	// Drop collections that disappeared remotely.
	for _, cached := range m.catalog.Collections() {
		if _, stillThere := remoteByName[cached.Name]; !stillThere {
			m.catalog.RemoveCollection(cached.Name)
			m.mu.Lock()
			delete(m.enabled, cached.Name)
			delete(m.states, cached.Name)
			m.mu.Unlock()
			if err := m.store.DeleteCollection(cached.Name); err != nil {
				log.WithError(err).WithField("collection", cached.Name).
					Warn("Failed to drop persisted state")
			}
		}
	}

	for _, collection := range remote {
		cached, known := m.catalog.Collection(collection.Name)
		if known && sameMembership(cached.GameIDs, collection.GameIDs) {
			continue
		}
		games, err := m.client.CollectionGames(ctx, collection.ID)
		if err != nil {
			return err
		}
		m.catalog.UpdateCollection(collection, games)
		m.reconcile(ctx, collection.Name)
	}
	return nil
}

func (m *Manager) reconcileAll(ctx context.Context, collections []library.Collection) {
	for _, collection := range collections {
		m.reconcile(ctx, collection.Name)
	}
}

// reconcile re-diffs one enabled collection, submitting whatever became
// missing and settling the state if nothing did. It holds the toggle
// lock so a concurrent disable can't cancel between the enabled check
// and the submissions, which would leave live tasks for a disabled
// collection.
func (m *Manager) reconcile(ctx context.Context, name string) {
	lock := m.toggleLock(name)
	lock.Lock()
	defer lock.Unlock()

	m.mu.Lock()
	enabled := m.enabled[name]
	m.mu.Unlock()
	if !enabled {
		return
	}

	if m.submitMissing(ctx, name) > 0 {
		m.setState(name, true, library.Syncing)
		return
	}
	for _, pending := range m.sched.CollectionTasks(name) {
		if !pending.State.Terminal() {
			return
		}
	}
	m.settle(name)
}

// Reconcile re-diffs every enabled collection against the filesystem.
// Run at daemon start and on the periodic tick; it is idempotent.
func (m *Manager) Reconcile(ctx context.Context) {
	m.mu.Lock()
	var names []string
	for name, on := range m.enabled {
		if on {
			names = append(names, name)
		}
	}
	m.mu.Unlock()

	for _, name := range names {
		m.reconcile(ctx, name)
	}
}

// Progress returns the collection's aggregate download progress. Speed
// sums the smoothed throughput of its active tasks.
func (m *Manager) Progress(name string) Progress {
	games := m.catalog.GamesIn(name)
	progress := Progress{Total: len(games)}
	for _, game := range games {
		if library.GamePresent(fs, m.romDir, game) {
			progress.Downloaded++
		}
	}
	if progress.Total > 0 {
		progress.Pct = 100 * float64(progress.Downloaded) / float64(progress.Total)
	}

	for _, task := range m.sched.CollectionTasks(name) {
		if task.State == scheduler.StateActive {
			progress.Speed += task.Speed
		}
	}
	return progress
}

// State returns a collection's toggle and sync state.
func (m *Manager) State(name string) (bool, library.SyncState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	state, ok := m.states[name]
	if !ok {
		state = library.NotSynced
	}
	return m.enabled[name], state
}

// Removals returns the most recent removal events, newest last.
func (m *Manager) Removals() []RemovalEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]RemovalEvent(nil), m.removals...)
}

// DeleteAllFiles removes every locally-present file of every known
// collection, returning the count. Used by the full settings reset.
func (m *Manager) DeleteAllFiles() (int, error) {
	deleted := 0
	var firstErr error
	seen := map[string]bool{}
	for _, collection := range m.catalog.Collections() {
		for _, game := range m.catalog.GamesIn(collection.Name) {
			for _, ref := range game.Files {
				path := library.FilePath(m.romDir, game, ref)
				if seen[path] {
					continue
				}
				seen[path] = true
				exists, _ := afero.Exists(fs, path)
				if !exists {
					continue
				}
				if err := fs.Remove(path); err != nil {
					if firstErr == nil {
						firstErr = errors.FilesystemError{Path: path, Cause: err}
					}
					continue
				}
				deleted++
			}
		}
	}
	return deleted, firstErr
}

// Reset drops every collection's toggle and sync state, in memory as
// well as anything a pending disable would still write. Called by the
// full settings reset after the persisted rows are cleared; pollers see
// every collection as disabled and not_synced, and the next reconcile
// pass submits nothing.
func (m *Manager) Reset() {
	m.mu.Lock()
	for name := range m.generations {
		m.generations[name]++
	}
	m.enabled = map[string]bool{}
	m.states = map[string]library.SyncState{}
	m.inflight = map[string]string{}
	m.mu.Unlock()
}

// EnabledPlatforms returns the platform slugs referenced by enabled
// collections, for the BIOS provisioner.
func (m *Manager) EnabledPlatforms() []string {
	m.mu.Lock()
	var names []string
	for name, on := range m.enabled {
		if on {
			names = append(names, name)
		}
	}
	m.mu.Unlock()

	seen := map[string]bool{}
	var platforms []string
	for _, name := range names {
		for _, game := range m.catalog.GamesIn(name) {
			if !seen[game.PlatformSlug] {
				seen[game.PlatformSlug] = true
				platforms = append(platforms, game.PlatformSlug)
			}
		}
	}
	return platforms
}

func (m *Manager) setState(name string, enabled bool, state library.SyncState) {
	m.mu.Lock()
	m.enabled[name] = enabled
	m.states[name] = state
	m.mu.Unlock()

	if err := m.store.SetCollectionState(name, enabled, state); err != nil {
		log.WithError(err).WithField("collection", name).
			Warn("Failed to persist collection state")
	}
}

func (m *Manager) recordRemoval(name string, files []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.removals = append(m.removals, RemovalEvent{
		Collection: name,
		Files:      files,
		Time:       time.Now(),
	})
	if len(m.removals) > maxRemovalEvents {
		m.removals = m.removals[len(m.removals)-maxRemovalEvents:]
	}
}

func sameMembership(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	set := make(map[int]bool, len(a))
	for _, id := range a {
		set[id] = true
	}
	for _, id := range b {
		if !set[id] {
			return false
		}
	}
	return true
}
