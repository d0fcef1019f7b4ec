package status

import (
	"encoding/json"
	"testing"

	"github.com/shirou/gopsutil/v3/disk"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rommsync/rommsync/pkg/collections"
	"github.com/rommsync/rommsync/pkg/library"
)

func TestRefreshVersionsSnapshots(t *testing.T) {
	oldUsage := diskUsage
	diskUsage = func(path string) (*disk.UsageStat, error) {
		return &disk.UsageStat{Path: path, Free: 50 << 30, Total: 100 << 30}, nil
	}
	defer func() { diskUsage = oldUsage }()

	connected := true
	p := New(Sources{
		Connectivity: func() (bool, string) { return connected, "" },
		Collections: func() []CollectionStatus {
			return []CollectionStatus{{
				Name:      "favorites",
				AutoSync:  true,
				SyncState: library.Syncing,
				Progress:  collections.Progress{Downloaded: 1, Total: 2, Pct: 50},
			}}
		},
		DeviceName: "steamdeck",
		RomDir:     "/roms",
	})

	first := p.Refresh()
	assert.Equal(t, int64(1), first.Version)
	assert.True(t, first.Connected)
	assert.Equal(t, "steamdeck", first.DeviceName)
	require.Len(t, first.Collections, 1)
	assert.Equal(t, library.Syncing, first.Collections[0].SyncState)
	require.NotNil(t, first.Disk)
	assert.False(t, first.Disk.Low)

	connected = false
	second := p.Refresh()
	assert.Equal(t, int64(2), second.Version)
	assert.False(t, second.Connected)

	// Published snapshots are immutable; the first one is untouched.
	assert.True(t, first.Connected)
	assert.Equal(t, second.Version, p.Current().Version)
}

func TestLowDiskWarning(t *testing.T) {
	oldUsage := diskUsage
	diskUsage = func(path string) (*disk.UsageStat, error) {
		return &disk.UsageStat{Path: path, Free: 100 << 20, Total: 100 << 30}, nil
	}
	defer func() { diskUsage = oldUsage }()

	p := New(Sources{RomDir: "/roms"})
	snapshot := p.Refresh()
	require.NotNil(t, snapshot.Disk)
	assert.True(t, snapshot.Disk.Low)
}

func TestWriteFileIsAtomic(t *testing.T) {
	oldFs := fs
	fs = afero.NewMemMapFs()
	defer func() { fs = oldFs }()

	p := New(Sources{DeviceName: "steamdeck"})
	snapshot := p.Refresh()
	require.NoError(t, p.WriteFile("/data/status.json", snapshot))

	contents, err := afero.ReadFile(fs, "/data/status.json")
	require.NoError(t, err)

	var decoded Snapshot
	require.NoError(t, json.Unmarshal(contents, &decoded))
	assert.Equal(t, "steamdeck", decoded.DeviceName)

	// No leftover temp file.
	exists, _ := afero.Exists(fs, "/data/status.json.tmp")
	assert.False(t, exists)
}
