/*
The library package holds the catalog data model mirrored from the RomM
server: collections, the games within them, and the file references that
make up each game. It also implements the local-presence check used for
dedup -- a file already on disk with matching size and checksum is never
downloaded again.

Games are immutable once fetched for a given catalog revision. A refresh
replaces them wholesale rather than patching them in place.
*/
package library

import (
	"crypto/md5"
	"encoding/hex"
	"io"
	"path/filepath"
	"sort"
	"sync"

	"github.com/spf13/afero"

	"github.com/rommsync/rommsync/pkg/errors"
)

// SyncState describes a collection's convergence progress.
type SyncState string

const (
	NotSynced SyncState = "not_synced"
	Syncing   SyncState = "syncing"
	Synced    SyncState = "synced"
)

// FileRef identifies a single remote file, ROM or BIOS.
type FileRef struct {
	// RelativePath is the file's path relative to its platform directory.
	RelativePath string

	// Size in bytes as reported by the server.
	Size int64

	// Checksum is the server-reported md5 of the contents, hex encoded.
	// It may be empty for servers that haven't hashed the file yet.
	Checksum string
}

// Game is a single title. Multi-file titles (e.g. multi-disc games) carry
// more than one FileRef; the order is the server's.
type Game struct {
	ID           int
	Name         string
	PlatformSlug string
	Files        []FileRef
}

// Collection is a named, server-defined grouping of games treated as one
// sync unit.
type Collection struct {
	ID      int
	Name    string
	GameIDs []int
}

// Catalog caches the remote library. It has a single writer (the
// collection sync manager's refresh path) and hands out copies to
// readers, so the status publisher never observes a half-applied
// refresh.
type Catalog struct {
	mu          sync.Mutex
	collections map[string]Collection
	games       map[int]Game
	revision    int64
}

func NewCatalog() *Catalog {
	return &Catalog{
		collections: map[string]Collection{},
		games:       map[int]Game{},
	}
}

// Replace installs a full catalog snapshot, bumping the revision.
func (c *Catalog) Replace(collections []Collection, games []Game) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.collections = map[string]Collection{}
	for _, collection := range collections {
		c.collections[collection.Name] = collection
	}
	c.games = map[int]Game{}
	for _, game := range games {
		c.games[game.ID] = game
	}
	c.revision++
}

// UpdateCollection replaces a single collection and its games, used by
// incremental refreshes so unaffected collections keep their cached
// membership.
func (c *Catalog) UpdateCollection(collection Collection, games []Game) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.collections[collection.Name] = collection
	for _, game := range games {
		c.games[game.ID] = game
	}
	c.revision++
}

// RemoveCollection drops a collection that no longer exists remotely.
// Its games stay cached since other collections may share them.
func (c *Catalog) RemoveCollection(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.collections, name)
	c.revision++
}

// Revision returns a counter that increases on every catalog mutation.
func (c *Catalog) Revision() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.revision
}

// Collection returns a copy of the named collection.
func (c *Catalog) Collection(name string) (Collection, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	collection, ok := c.collections[name]
	if !ok {
		return Collection{}, false
	}
	collection.GameIDs = append([]int(nil), collection.GameIDs...)
	return collection, true
}

// Collections returns copies of all cached collections, sorted by name.
func (c *Catalog) Collections() []Collection {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]Collection, 0, len(c.collections))
	for _, collection := range c.collections {
		collection.GameIDs = append([]int(nil), collection.GameIDs...)
		out = append(out, collection)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Game returns a copy of the game with the given id.
func (c *Catalog) Game(id int) (Game, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	game, ok := c.games[id]
	if !ok {
		return Game{}, false
	}
	game.Files = append([]FileRef(nil), game.Files...)
	return game, true
}

// Games returns copies of every cached game, sorted by id.
func (c *Catalog) Games() []Game {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]Game, 0, len(c.games))
	for _, game := range c.games {
		game.Files = append([]FileRef(nil), game.Files...)
		out = append(out, game)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// GamesIn returns copies of the games belonging to the named collection.
// Games the catalog doesn't know about (e.g. a stale membership list) are
// skipped.
func (c *Catalog) GamesIn(name string) []Game {
	c.mu.Lock()
	defer c.mu.Unlock()

	collection, ok := c.collections[name]
	if !ok {
		return nil
	}
	out := make([]Game, 0, len(collection.GameIDs))
	for _, id := range collection.GameIDs {
		game, ok := c.games[id]
		if !ok {
			continue
		}
		game.Files = append([]FileRef(nil), game.Files...)
		out = append(out, game)
	}
	return out
}

// FilePath returns where a game file lives under the rom directory.
func FilePath(romDir string, game Game, ref FileRef) string {
	return filepath.Join(romDir, game.PlatformSlug, filepath.FromSlash(ref.RelativePath))
}

// FilePresent reports whether the local file at path matches ref by size,
// and by checksum when the server provided one. A matching file is never
// re-downloaded.
func FilePresent(fs afero.Fs, path string, ref FileRef) bool {
	fi, err := fs.Stat(path)
	if err != nil || fi.IsDir() {
		return false
	}
	if fi.Size() != ref.Size {
		return false
	}
	if ref.Checksum == "" {
		return true
	}
	sum, err := HashFile(fs, path)
	if err != nil {
		return false
	}
	return sum == ref.Checksum
}

// MissingFiles returns the file refs of game that aren't locally present.
func MissingFiles(fs afero.Fs, romDir string, game Game) []FileRef {
	var missing []FileRef
	for _, ref := range game.Files {
		if !FilePresent(fs, FilePath(romDir, game, ref), ref) {
			missing = append(missing, ref)
		}
	}
	return missing
}

// GamePresent reports whether every file of the game is locally present.
// Multi-file titles only count as downloaded when all their files are.
func GamePresent(fs afero.Fs, romDir string, game Game) bool {
	return len(MissingFiles(fs, romDir, game)) == 0
}

// HashFile returns the hex md5 of the file at the given path. md5 is what
// the RomM server reports for its files, so that's what we compare.
func HashFile(fs afero.Fs, path string) (string, error) {
	f, err := fs.Open(path)
	if err != nil {
		return "", errors.WithContext(err, "open")
	}
	defer f.Close()

	hasher := md5.New()
	if _, err := io.Copy(hasher, f); err != nil {
		return "", errors.WithContext(err, "read")
	}
	return hex.EncodeToString(hasher.Sum(nil)), nil
}
