/*
The status package assembles one consistent snapshot of the whole sync
engine for polling consumers. Every source hands out copies built under
its own lock, so the publisher never observes a component mid-mutation,
and each published snapshot is immutable with a monotonically
increasing version.

The snapshot is also written to disk as JSON so out-of-process
consumers can read it without talking to the daemon.
*/
package status

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/disk"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/rommsync/rommsync/pkg/bios"
	"github.com/rommsync/rommsync/pkg/collections"
	"github.com/rommsync/rommsync/pkg/errors"
	"github.com/rommsync/rommsync/pkg/library"
	"github.com/rommsync/rommsync/pkg/retroarch"
)

// CollectionStatus is one collection's row in the snapshot.
type CollectionStatus struct {
	Name      string            `json:"name"`
	AutoSync  bool              `json:"auto_sync"`
	SyncState library.SyncState `json:"sync_state"`
	collections.Progress
}

// DiskStatus reports free space under the rom directory.
type DiskStatus struct {
	Path       string `json:"path"`
	FreeBytes  uint64 `json:"free_bytes"`
	TotalBytes uint64 `json:"total_bytes"`
	Low        bool   `json:"low"`
}

// Snapshot is the full published state. All fields are copies; a
// snapshot never changes after being returned.
type Snapshot struct {
	Version     int64                      `json:"version"`
	Time        time.Time                  `json:"time"`
	Connected   bool                       `json:"connected"`
	Message     string                     `json:"message,omitempty"`
	DeviceName  string                     `json:"device_name"`
	Collections []CollectionStatus         `json:"collections"`
	Bios        []bios.PlatformStatus      `json:"bios"`
	Warnings    []retroarch.Warning        `json:"warnings"`
	Disk        *DiskStatus                `json:"disk,omitempty"`
	Removals    []collections.RemovalEvent `json:"last_removals"`
}

// Sources are the read-only views the publisher polls. Each func must
// be safe for concurrent use and return data copies.
type Sources struct {
	Connectivity func() (bool, string)
	Collections  func() []CollectionStatus
	Bios         func() []bios.PlatformStatus
	Warnings     func() []retroarch.Warning
	Removals     func() []collections.RemovalEvent
	DeviceName   string
	RomDir       string
}

// lowDiskBytes is the free-space floor below which the snapshot carries
// a disk warning.
const lowDiskBytes = 1 << 30

// diskUsage is swapped out in tests.
var diskUsage = disk.Usage

type Publisher struct {
	sources Sources

	mu      sync.Mutex
	version int64
	current Snapshot
}

func New(sources Sources) *Publisher {
	return &Publisher{sources: sources}
}

// Refresh builds a new snapshot from the sources and makes it current.
func (p *Publisher) Refresh() Snapshot {
	connected, message := false, ""
	if p.sources.Connectivity != nil {
		connected, message = p.sources.Connectivity()
	}

	snapshot := Snapshot{
		Time:       time.Now(),
		Connected:  connected,
		Message:    message,
		DeviceName: p.sources.DeviceName,
	}
	if p.sources.Collections != nil {
		snapshot.Collections = p.sources.Collections()
	}
	if p.sources.Bios != nil {
		snapshot.Bios = p.sources.Bios()
	}
	if p.sources.Warnings != nil {
		snapshot.Warnings = p.sources.Warnings()
	}
	if p.sources.Removals != nil {
		snapshot.Removals = p.sources.Removals()
	}
	snapshot.Disk = p.diskStatus()

	p.mu.Lock()
	p.version++
	snapshot.Version = p.version
	p.current = snapshot
	p.mu.Unlock()
	return snapshot
}

// Current returns the last published snapshot without rebuilding.
func (p *Publisher) Current() Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.current
}

func (p *Publisher) diskStatus() *DiskStatus {
	if p.sources.RomDir == "" {
		return nil
	}
	usage, err := diskUsage(p.sources.RomDir)
	if err != nil {
		log.WithError(err).WithField("path", p.sources.RomDir).
			Debug("Could not stat disk usage")
		return nil
	}
	return &DiskStatus{
		Path:       p.sources.RomDir,
		FreeBytes:  usage.Free,
		TotalBytes: usage.Total,
		Low:        usage.Free < lowDiskBytes,
	}
}

// WriteFile writes the snapshot as JSON, via a temp file and rename so
// readers never see a torn write.
func (p *Publisher) WriteFile(path string, snapshot Snapshot) error {
	contents, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return errors.WithContext(err, "marshal status")
	}

	tmp := path + ".tmp"
	if err := afero.WriteFile(fs, tmp, contents, 0644); err != nil {
		return errors.FilesystemError{Path: tmp, Cause: err}
	}
	if err := fs.Rename(tmp, path); err != nil {
		return errors.FilesystemError{Path: path, Cause: err}
	}
	return nil
}
