package fswatch

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// The watcher needs real inotify handles, so these tests run against a
// temp directory on the real filesystem.
func TestWatchNotifiesOnWrite(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "Snes9x"), 0755))

	updates, stop, err := Watch(dir)
	require.NoError(t, err)
	defer stop()

	require.NoError(t, os.WriteFile(filepath.Join(dir, "Snes9x", "alpha.srm"), []byte("save"), 0644))

	select {
	case <-updates:
	case <-time.After(2 * time.Second):
		t.Fatal("no notification for file write")
	}
}

func TestWatchCoalescesBursts(t *testing.T) {
	dir := t.TempDir()
	updates, stop, err := Watch(dir)
	require.NoError(t, err)
	defer stop()

	for i := 0; i < 10; i++ {
		require.NoError(t, os.WriteFile(filepath.Join(dir, "burst.srm"), []byte{byte(i)}, 0644))
	}

	select {
	case <-updates:
	case <-time.After(2 * time.Second):
		t.Fatal("no notification for burst")
	}

	// The channel holds at most one pending notification.
	assert.LessOrEqual(t, len(updates), 1)
}

func TestWatchSkipsMissingDirs(t *testing.T) {
	dir := t.TempDir()
	_, stop, err := Watch(filepath.Join(dir, "does-not-exist"), dir)
	require.NoError(t, err)
	stop()
}
