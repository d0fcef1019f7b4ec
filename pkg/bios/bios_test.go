package bios

import (
	"context"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rommsync/rommsync/pkg/romm"
	"github.com/rommsync/rommsync/pkg/scheduler"
)

type fakeClient struct {
	firmware map[string][]romm.Firmware
	err      error
}

func (c *fakeClient) PlatformFirmware(ctx context.Context, slug string) ([]romm.Firmware, error) {
	return c.firmware[slug], c.err
}

func (c *fakeClient) DownloadFirmware(ctx context.Context, id int, fileName, dest string, progress func(int64)) error {
	return nil
}

type fakeSubmitter struct {
	specs []scheduler.Spec
}

func (s *fakeSubmitter) Submit(spec scheduler.Spec) int64 {
	s.specs = append(s.specs, spec)
	return int64(len(s.specs))
}

func setupFs(t *testing.T) {
	oldFs := fs
	fs = afero.NewMemMapFs()
	t.Cleanup(func() { fs = oldFs })
}

func statusFor(p *Provisioner, slug string) PlatformStatus {
	for _, status := range p.Statuses() {
		if status.PlatformSlug == slug {
			return status
		}
	}
	return PlatformStatus{}
}

func TestReconcileSubmitsMissingFiles(t *testing.T) {
	setupFs(t)

	client := &fakeClient{firmware: map[string][]romm.Firmware{
		"psx": {
			{ID: 1, FileName: "scph5500.bin", Size: 4},
			{ID: 2, FileName: "scph5501.bin", Size: 4},
		},
	}}
	sched := &fakeSubmitter{}
	p := New(client, sched, "/bios")

	require.NoError(t, p.Reconcile(context.Background(), []string{"psx"}))

	status := statusFor(p, "psx")
	assert.Equal(t, Missing, status.Readiness)
	assert.False(t, status.Functional())
	require.Len(t, sched.specs, 2)
	assert.Equal(t, scheduler.KindBIOS, sched.specs[0].Kind)
	assert.Equal(t, "/bios/scph5500.bin", sched.specs[0].Destination)
}

func TestReconcileLenientReadiness(t *testing.T) {
	setupFs(t)
	require.NoError(t, afero.WriteFile(fs, "/bios/scph5500.bin", []byte("data"), 0644))

	client := &fakeClient{firmware: map[string][]romm.Firmware{
		"psx": {
			{ID: 1, FileName: "scph5500.bin", Size: 4},
			{ID: 2, FileName: "scph5501.bin", Size: 4},
		},
	}}
	sched := &fakeSubmitter{}
	p := New(client, sched, "/bios")

	require.NoError(t, p.Reconcile(context.Background(), []string{"psx"}))

	status := statusFor(p, "psx")
	assert.Equal(t, Partial, status.Readiness)
	// One present file is enough to count as functional.
	assert.True(t, status.Functional())
	assert.Equal(t, []string{"scph5501.bin"}, status.Missing)
	// Only the missing file is fetched.
	require.Len(t, sched.specs, 1)
	assert.Equal(t, "scph5501.bin", sched.specs[0].Name)
}

func TestReconcileReady(t *testing.T) {
	setupFs(t)
	require.NoError(t, afero.WriteFile(fs, "/bios/scph5500.bin", []byte("data"), 0644))

	client := &fakeClient{firmware: map[string][]romm.Firmware{
		"psx": {{ID: 1, FileName: "scph5500.bin", Size: 4}},
	}}
	sched := &fakeSubmitter{}
	p := New(client, sched, "/bios")

	require.NoError(t, p.Reconcile(context.Background(), []string{"psx"}))
	assert.Equal(t, Ready, statusFor(p, "psx").Readiness)
	assert.Empty(t, sched.specs)
}

func TestReconcileUnavailableOnServer(t *testing.T) {
	setupFs(t)

	// The server declares no firmware for snes, which is an answer,
	// not an error.
	client := &fakeClient{firmware: map[string][]romm.Firmware{}}
	sched := &fakeSubmitter{}
	p := New(client, sched, "/bios")

	require.NoError(t, p.Reconcile(context.Background(), []string{"snes"}))
	status := statusFor(p, "snes")
	assert.Equal(t, Unavailable, status.Readiness)
	assert.Empty(t, sched.specs)
}

func TestReconcileSkipsIrrelevantPlatforms(t *testing.T) {
	setupFs(t)

	client := &fakeClient{firmware: map[string][]romm.Firmware{}}
	sched := &fakeSubmitter{}
	p := New(client, sched, "/bios")

	require.NoError(t, p.Reconcile(context.Background(), []string{"win3.1"}))
	assert.Empty(t, p.Statuses())
}

func TestReconcileDedupsInflight(t *testing.T) {
	setupFs(t)

	client := &fakeClient{firmware: map[string][]romm.Firmware{
		"psx": {{ID: 1, FileName: "scph5500.bin", Size: 4}},
	}}
	sched := &fakeSubmitter{}
	p := New(client, sched, "/bios")

	require.NoError(t, p.Reconcile(context.Background(), []string{"psx"}))
	require.NoError(t, p.Reconcile(context.Background(), []string{"psx"}))
	assert.Len(t, sched.specs, 1)

	// Once the task completes and the file is still absent, a new
	// pass may submit again.
	p.HandleCompletion(scheduler.Task{
		Kind:        scheduler.KindBIOS,
		Destination: "/bios/scph5500.bin",
		State:       scheduler.StateFailed,
	})
	require.NoError(t, p.Reconcile(context.Background(), []string{"psx"}))
	assert.Len(t, sched.specs, 2)
}
