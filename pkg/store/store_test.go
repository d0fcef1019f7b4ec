package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rommsync/rommsync/pkg/library"
)

func openTestStore(t *testing.T) *Store {
	s, err := Open(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestCollectionStateRoundTrip(t *testing.T) {
	s := openTestStore(t)

	// Unknown collections default to disabled.
	state, err := s.CollectionState("favorites")
	require.NoError(t, err)
	assert.False(t, state.AutoSync)
	assert.Equal(t, library.NotSynced, state.SyncState)

	require.NoError(t, s.SetCollectionState("favorites", true, library.Syncing))
	state, err = s.CollectionState("favorites")
	require.NoError(t, err)
	assert.True(t, state.AutoSync)
	assert.Equal(t, library.Syncing, state.SyncState)

	// Upsert overwrites.
	require.NoError(t, s.SetCollectionState("favorites", true, library.Synced))
	state, err = s.CollectionState("favorites")
	require.NoError(t, err)
	assert.Equal(t, library.Synced, state.SyncState)

	states, err := s.CollectionStates()
	require.NoError(t, err)
	require.Len(t, states, 1)
	assert.Equal(t, library.Synced, states["favorites"].SyncState)

	require.NoError(t, s.DeleteCollection("favorites"))
	states, err = s.CollectionStates()
	require.NoError(t, err)
	assert.Empty(t, states)
}

func TestArtifactRoundTrip(t *testing.T) {
	s := openTestStore(t)

	_, found, err := s.Artifact(9, "save")
	require.NoError(t, err)
	assert.False(t, found)

	now := time.Now()
	require.NoError(t, s.UpsertArtifact(Artifact{
		GameID:     9,
		Kind:       "save",
		LocalMtime: now,
		LocalHash:  "abc123",
	}))

	artifact, found, err := s.Artifact(9, "save")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, now.UnixNano(), artifact.LocalMtime.UnixNano())
	assert.Equal(t, "abc123", artifact.LocalHash)
	// An unset remote mtime round-trips as the zero time, not as the
	// garbage timestamp a zero time's UnixNano encodes to.
	assert.True(t, artifact.RemoteMtime.IsZero())

	// Saves and states are tracked independently.
	_, found, err = s.Artifact(9, "state")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestReset(t *testing.T) {
	s := openTestStore(t)

	require.NoError(t, s.SetCollectionState("favorites", true, library.Synced))
	require.NoError(t, s.UpsertArtifact(Artifact{GameID: 9, Kind: "save"}))

	require.NoError(t, s.Reset())

	states, err := s.CollectionStates()
	require.NoError(t, err)
	assert.Empty(t, states)
	_, found, err := s.Artifact(9, "save")
	require.NoError(t, err)
	assert.False(t, found)
}
