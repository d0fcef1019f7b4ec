/*
The bios package keeps each platform's firmware files provisioned. On
every reconciliation pass it asks the server what a platform requires,
checks what is already on disk, and schedules downloads for the gap.

Provisioning is lenient. A platform with at least one required file
present is treated as minimally functional rather than blocked on full
completeness, since many cores boot with a subset of the declared
firmware.
*/
package bios

import (
	"context"
	"path/filepath"
	"sort"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/rommsync/rommsync/pkg/cores"
	"github.com/rommsync/rommsync/pkg/library"
	"github.com/rommsync/rommsync/pkg/romm"
	"github.com/rommsync/rommsync/pkg/scheduler"
)

type Readiness string

const (
	// Ready means every declared file is present.
	Ready Readiness = "ready"
	// Partial means some but not all declared files are present.
	Partial Readiness = "partial"
	// Missing means none of the declared files are present.
	Missing Readiness = "missing"
	// Unavailable means the server declares zero files for the
	// platform. This is a declared absence, not a fetch failure.
	Unavailable Readiness = "unavailable_on_server"
)

// PlatformStatus is the provisioner's readiness record for a platform.
type PlatformStatus struct {
	PlatformSlug string
	Readiness    Readiness
	Required     []string
	Missing      []string
}

// Functional reports whether the platform can be expected to boot.
func (s PlatformStatus) Functional() bool {
	return s.Readiness == Ready || s.Readiness == Partial || s.Readiness == Unavailable
}

// firmwareClient is the slice of the server client the provisioner
// needs.
type firmwareClient interface {
	PlatformFirmware(ctx context.Context, platformSlug string) ([]romm.Firmware, error)
	DownloadFirmware(ctx context.Context, firmwareID int, fileName, dest string, progress func(int64)) error
}

// submitter is the slice of the download scheduler the provisioner
// needs.
type submitter interface {
	Submit(scheduler.Spec) int64
}

type Provisioner struct {
	client  firmwareClient
	sched   submitter
	biosDir string

	mu       sync.Mutex
	statuses map[string]PlatformStatus
	// inflight tracks destination paths with a pending bios task so a
	// reconciliation pass never double-submits a file.
	inflight map[string]bool
}

func New(client firmwareClient, sched submitter, biosDir string) *Provisioner {
	return &Provisioner{
		client:   client,
		sched:    sched,
		biosDir:  biosDir,
		statuses: map[string]PlatformStatus{},
		inflight: map[string]bool{},
	}
}

// Reconcile recomputes readiness for the given platforms and submits
// download tasks for missing files. Platforms no core can run are
// skipped entirely.
func (p *Provisioner) Reconcile(ctx context.Context, platformSlugs []string) error {
	var firstErr error
	for _, slug := range platformSlugs {
		if !cores.Relevant(slug) {
			continue
		}
		if err := p.reconcilePlatform(ctx, slug); err != nil {
			log.WithError(err).WithField("platform", slug).
				Warn("BIOS reconciliation failed")
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func (p *Provisioner) reconcilePlatform(ctx context.Context, slug string) error {
	firmware, err := p.client.PlatformFirmware(ctx, slug)
	if err != nil {
		return err
	}

	status := PlatformStatus{PlatformSlug: slug}
	if len(firmware) == 0 {
		status.Readiness = Unavailable
		p.setStatus(status)
		return nil
	}

	var missing []romm.Firmware
	for _, file := range firmware {
		status.Required = append(status.Required, file.FileName)
		ref := library.FileRef{
			RelativePath: file.FileName,
			Size:         file.Size,
			Checksum:     file.MD5,
		}
		if !library.FilePresent(fs, filepath.Join(p.biosDir, file.FileName), ref) {
			status.Missing = append(status.Missing, file.FileName)
			missing = append(missing, file)
		}
	}

	switch {
	case len(missing) == 0:
		status.Readiness = Ready
	case len(missing) == len(firmware):
		status.Readiness = Missing
	default:
		status.Readiness = Partial
	}
	p.setStatus(status)

	for _, file := range missing {
		p.submitDownload(file)
	}
	return nil
}

func (p *Provisioner) submitDownload(file romm.Firmware) {
	dest := filepath.Join(p.biosDir, file.FileName)

	p.mu.Lock()
	if p.inflight[dest] {
		p.mu.Unlock()
		return
	}
	p.inflight[dest] = true
	p.mu.Unlock()

	firmwareID := file.ID
	fileName := file.FileName
	p.sched.Submit(scheduler.Spec{
		Kind:        scheduler.KindBIOS,
		Name:        fileName,
		Destination: dest,
		BytesTotal:  file.Size,
		Run: func(ctx context.Context, report func(int64)) error {
			return p.client.DownloadFirmware(ctx, firmwareID, fileName, dest, report)
		},
	})
}

// HandleCompletion clears the in-flight marker for a finished bios
// task. The owning service routes scheduler completions here.
func (p *Provisioner) HandleCompletion(task scheduler.Task) {
	if task.Kind != scheduler.KindBIOS {
		return
	}
	p.mu.Lock()
	delete(p.inflight, task.Destination)
	p.mu.Unlock()
}

func (p *Provisioner) setStatus(status PlatformStatus) {
	p.mu.Lock()
	p.statuses[status.PlatformSlug] = status
	p.mu.Unlock()
}

// Statuses returns the latest readiness records, sorted by platform.
func (p *Provisioner) Statuses() []PlatformStatus {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]PlatformStatus, 0, len(p.statuses))
	for _, status := range p.statuses {
		out = append(out, status)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].PlatformSlug < out[j].PlatformSlug
	})
	return out
}
