/*
The store package persists the sync engine's durable state in a local
SQLite database: which collections are enabled and how far along they
are, and the per-game save artifact ledger used for conflict detection.
A process restart resumes from this state without re-downloading files
that are already complete.
*/
package store

import (
	"database/sql"
	"time"

	_ "modernc.org/sqlite"

	"github.com/rommsync/rommsync/pkg/errors"
	"github.com/rommsync/rommsync/pkg/library"
)

const schema = `
CREATE TABLE IF NOT EXISTS collections (
	name       TEXT PRIMARY KEY,
	auto_sync  INTEGER NOT NULL DEFAULT 0,
	sync_state TEXT NOT NULL DEFAULT 'not_synced'
);

CREATE TABLE IF NOT EXISTS save_artifacts (
	game_id      INTEGER NOT NULL,
	kind         TEXT NOT NULL,
	local_mtime  INTEGER NOT NULL DEFAULT 0,
	remote_mtime INTEGER NOT NULL DEFAULT 0,
	local_hash   TEXT NOT NULL DEFAULT '',
	remote_hash  TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (game_id, kind)
);
`

// CollectionState is a persisted collection row.
type CollectionState struct {
	Name      string
	AutoSync  bool
	SyncState library.SyncState
}

// Artifact is one side-by-side record of a save or state file, tracking
// both the local and remote copies last seen by the synchronizer.
type Artifact struct {
	GameID      int
	Kind        string
	LocalMtime  time.Time
	RemoteMtime time.Time
	LocalHash   string
	RemoteHash  string
}

type Store struct {
	db *sql.DB
}

// Open opens (or creates) the database at path and applies the schema.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.WithContext(err, "open database")
	}
	// SQLite handles one writer at a time; serializing here avoids
	// SQLITE_BUSY under concurrent callbacks.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, errors.WithContext(err, "apply schema")
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// SetCollectionState upserts a collection's persisted toggle and sync
// state.
func (s *Store) SetCollectionState(name string, autoSync bool, state library.SyncState) error {
	_, err := s.db.Exec(`
INSERT INTO collections (name, auto_sync, sync_state) VALUES (?, ?, ?)
ON CONFLICT(name) DO UPDATE SET auto_sync = excluded.auto_sync, sync_state = excluded.sync_state
`, name, boolToInt(autoSync), string(state))
	return err
}

// CollectionState returns the persisted row for one collection.
// Unknown collections default to disabled and not_synced.
func (s *Store) CollectionState(name string) (CollectionState, error) {
	row := s.db.QueryRow(
		`SELECT auto_sync, sync_state FROM collections WHERE name = ?`, name)

	state := CollectionState{Name: name, SyncState: library.NotSynced}
	var autoSync int
	var syncState string
	err := row.Scan(&autoSync, &syncState)
	if err == sql.ErrNoRows {
		return state, nil
	}
	if err != nil {
		return state, err
	}
	state.AutoSync = autoSync != 0
	state.SyncState = library.SyncState(syncState)
	return state, nil
}

// CollectionStates returns all persisted collection rows keyed by name.
func (s *Store) CollectionStates() (map[string]CollectionState, error) {
	rows, err := s.db.Query(`SELECT name, auto_sync, sync_state FROM collections`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := map[string]CollectionState{}
	for rows.Next() {
		var state CollectionState
		var autoSync int
		var syncState string
		if err := rows.Scan(&state.Name, &autoSync, &syncState); err != nil {
			return nil, err
		}
		state.AutoSync = autoSync != 0
		state.SyncState = library.SyncState(syncState)
		out[state.Name] = state
	}
	return out, rows.Err()
}

// DeleteCollection removes a collection's persisted state, used when
// the collection disappears from the server.
func (s *Store) DeleteCollection(name string) error {
	_, err := s.db.Exec(`DELETE FROM collections WHERE name = ?`, name)
	return err
}

// UpsertArtifact records the latest observed timestamps and hashes for
// a game's save artifact.
func (s *Store) UpsertArtifact(artifact Artifact) error {
	_, err := s.db.Exec(`
INSERT INTO save_artifacts (game_id, kind, local_mtime, remote_mtime, local_hash, remote_hash)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT(game_id, kind) DO UPDATE SET
	local_mtime = excluded.local_mtime,
	remote_mtime = excluded.remote_mtime,
	local_hash = excluded.local_hash,
	remote_hash = excluded.remote_hash
`, artifact.GameID, artifact.Kind,
		mtimeToDB(artifact.LocalMtime), mtimeToDB(artifact.RemoteMtime),
		artifact.LocalHash, artifact.RemoteHash)
	return err
}

// Artifact returns the persisted record for one game and kind. The
// second return is false if none exists yet.
func (s *Store) Artifact(gameID int, kind string) (Artifact, bool, error) {
	row := s.db.QueryRow(`
SELECT local_mtime, remote_mtime, local_hash, remote_hash
FROM save_artifacts WHERE game_id = ? AND kind = ?`, gameID, kind)

	artifact := Artifact{GameID: gameID, Kind: kind}
	var localMtime, remoteMtime int64
	err := row.Scan(&localMtime, &remoteMtime, &artifact.LocalHash, &artifact.RemoteHash)
	if err == sql.ErrNoRows {
		return artifact, false, nil
	}
	if err != nil {
		return artifact, false, err
	}
	artifact.LocalMtime = mtimeFromDB(localMtime)
	artifact.RemoteMtime = mtimeFromDB(remoteMtime)
	return artifact, true, nil
}

// Mtimes are stored as Unix nanoseconds, with 0 standing in for the
// zero time: a zero time.Time's UnixNano is a garbage value, not 0.
func mtimeToDB(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func mtimeFromDB(ns int64) time.Time {
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// Reset clears all persisted sync state. The configuration file is not
// touched.
func (s *Store) Reset() error {
	if _, err := s.db.Exec(`DELETE FROM collections`); err != nil {
		return err
	}
	_, err := s.db.Exec(`DELETE FROM save_artifacts`)
	return err
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
