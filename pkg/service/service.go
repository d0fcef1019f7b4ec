/*
The service package is the composition root of the sync daemon. It wires
the server client, catalog, scheduler, collection manager, BIOS
provisioner and save synchronizer together, runs the periodic
reconciliation loop, and exposes the command surface that presentation
layers (the CLI and the HTTP API) consume.

Every side-effect-bearing operation is idempotent on repeated identical
input.
*/
package service

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	log "github.com/sirupsen/logrus"

	"github.com/rommsync/rommsync/pkg/bios"
	"github.com/rommsync/rommsync/pkg/collections"
	"github.com/rommsync/rommsync/pkg/config"
	"github.com/rommsync/rommsync/pkg/errors"
	"github.com/rommsync/rommsync/pkg/library"
	"github.com/rommsync/rommsync/pkg/retroarch"
	"github.com/rommsync/rommsync/pkg/romm"
	"github.com/rommsync/rommsync/pkg/saves"
	"github.com/rommsync/rommsync/pkg/scheduler"
	"github.com/rommsync/rommsync/pkg/status"
	"github.com/rommsync/rommsync/pkg/store"
)

// Result is the uniform response for operations that can fail with a
// user-facing message.
type Result struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

// ConfigView is the redacted configuration handed to presentation
// layers. The password itself never leaves the daemon.
type ConfigView struct {
	URL               string `json:"url"`
	Username          string `json:"username"`
	HasPassword       bool   `json:"has_password"`
	RomDirectory      string `json:"rom_directory"`
	SaveDirectory     string `json:"save_directory"`
	StateDirectory    string `json:"state_directory"`
	BiosDirectory     string `json:"bios_directory"`
	DeviceName        string `json:"device_name"`
	Configured        bool   `json:"configured"`
	RetroDECKDetected bool   `json:"retrodeck_detected"`
}

// ConfigUpdate carries the fields save_config accepts.
type ConfigUpdate struct {
	URL           string `json:"url"`
	Username      string `json:"username"`
	Password      string `json:"password"`
	RomDirectory  string `json:"rom_directory"`
	SaveDirectory string `json:"save_directory"`
	BiosDirectory string `json:"bios_directory"`
	DeviceName    string `json:"device_name"`
}

// ResetResult reports what a full settings reset removed.
type ResetResult struct {
	Success     bool `json:"success"`
	DeletedRoms int  `json:"deleted_roms"`
}

type Service struct {
	mu  sync.Mutex
	cfg config.Config

	client      *romm.Client
	catalog     *library.Catalog
	store       *store.Store
	sched       *scheduler.Scheduler
	collections *collections.Manager
	bios        *bios.Provisioner
	saves       *saves.Synchronizer
	publisher   *status.Publisher

	connMu      sync.Mutex
	connected   bool
	connMessage string

	clock clockwork.Clock
}

func New(cfg config.Config) (*Service, error) {
	s := &Service{
		cfg:     cfg,
		catalog: library.NewCatalog(),
		clock:   clockwork.NewRealClock(),
	}

	dataDir, err := config.DataDir()
	if err != nil {
		return nil, errors.WithContext(err, "locate data dir")
	}
	s.store, err = store.Open(filepath.Join(dataDir, "state.db"))
	if err != nil {
		return nil, errors.WithContext(err, "open state store")
	}

	s.client = s.buildClient(cfg)
	s.sched = scheduler.New(scheduler.Options{
		MaxConcurrent: cfg.Sync.MaxConcurrent,
		MaxAttempts:   cfg.Sync.MaxAttempts,
		Clock:         s.clock,
		OnDone:        s.handleCompletion,
	})

	// The components get a proxy rather than the client itself, so a
	// configuration change swaps the credentials under them without a
	// daemon restart.
	proxy := clientProxy{s}
	s.collections, err = collections.New(proxy, s.sched, s.store, s.catalog, cfg.Directories.Roms)
	if err != nil {
		return nil, err
	}
	s.bios = bios.New(proxy, s.sched, cfg.Directories.Bios)
	s.saves = saves.New(saves.Options{
		Client:   proxy,
		Sched:    s.sched,
		Ledger:   s.store,
		Catalog:  s.catalog,
		SaveDir:  cfg.Directories.Saves,
		StateDir: cfg.Directories.States,
		Policy:   cfg.Sync.ConflictPolicy,
		Interval: cfg.Interval(),
		Clock:    s.clock,
	})

	s.publisher = status.New(status.Sources{
		Connectivity: s.connectivity,
		Collections:  s.collectionStatuses,
		Bios:         s.bios.Statuses,
		Warnings:     retroarch.Check,
		Removals:     s.collections.Removals,
		DeviceName:   cfg.Device.Name,
		RomDir:       cfg.Directories.Roms,
	})
	return s, nil
}

func (s *Service) buildClient(cfg config.Config) *romm.Client {
	return romm.New(romm.Options{
		BaseURL:    cfg.Server.URL,
		Username:   cfg.Server.Username,
		Password:   cfg.GetPassword(),
		DeviceName: cfg.Device.Name,
	})
}

// Run drives the daemon: an initial full refresh, then incremental
// reconciliation on the configured interval, with the save synchronizer
// on its own loop. It blocks until ctx is cancelled.
func (s *Service) Run(ctx context.Context) error {
	s.sched.Start(ctx)
	defer s.sched.Stop()

	go func() {
		if err := s.saves.Run(ctx); err != nil && ctx.Err() == nil {
			log.WithError(err).Warn("Save synchronizer stopped")
		}
	}()

	s.reconcile(ctx, true)

	ticker := s.clock.NewTicker(s.interval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.Chan():
			s.reconcile(ctx, false)
		}
	}
}

func (s *Service) interval() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Interval()
}

// reconcile runs one refresh pass and republishes status.
func (s *Service) reconcile(ctx context.Context, full bool) {
	if err := s.collections.Refresh(ctx, full); err != nil {
		s.setConnectivity(false, errors.GetPrintableMessage(err))
		log.WithError(err).Warn("Catalog refresh failed")
	} else {
		s.setConnectivity(true, "")
		s.collections.Reconcile(ctx)
		if err := s.bios.Reconcile(ctx, s.collections.EnabledPlatforms()); err != nil {
			log.WithError(err).Warn("BIOS reconciliation incomplete")
		}
	}
	s.publishStatus()
}

func (s *Service) publishStatus() {
	snapshot := s.publisher.Refresh()
	dataDir, err := config.DataDir()
	if err != nil {
		return
	}
	path := filepath.Join(dataDir, "status.json")
	if err := s.publisher.WriteFile(path, snapshot); err != nil {
		log.WithError(err).Warn("Failed to write status file")
	}
}

// handleCompletion fans a finished task out to the interested
// components and republishes status.
func (s *Service) handleCompletion(task scheduler.Task) {
	s.collections.HandleCompletion(task)
	s.bios.HandleCompletion(task)
	s.saves.HandleCompletion(task)
	s.publishStatus()
}

func (s *Service) connectivity() (bool, string) {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	return s.connected, s.connMessage
}

func (s *Service) setConnectivity(connected bool, message string) {
	s.connMu.Lock()
	s.connected = connected
	s.connMessage = message
	s.connMu.Unlock()
}

func (s *Service) collectionStatuses() []status.CollectionStatus {
	var out []status.CollectionStatus
	for _, collection := range s.catalog.Collections() {
		autoSync, state := s.collections.State(collection.Name)
		out = append(out, status.CollectionStatus{
			Name:      collection.Name,
			AutoSync:  autoSync,
			SyncState: state,
			Progress:  s.collections.Progress(collection.Name),
		})
	}
	return out
}

// Status returns the current snapshot, rebuilt on demand so pollers
// always see fresh progress numbers.
func (s *Service) Status() status.Snapshot {
	return s.publisher.Refresh()
}

// RefreshFromRomM re-fetches catalog data on request.
func (s *Service) RefreshFromRomM(ctx context.Context, full bool) Result {
	if err := s.collections.Refresh(ctx, full); err != nil {
		s.setConnectivity(false, errors.GetPrintableMessage(err))
		return Result{Success: false, Message: errors.GetPrintableMessage(err)}
	}
	s.setConnectivity(true, "")
	s.collections.Reconcile(ctx)
	s.publishStatus()
	return Result{Success: true, Message: "Library refreshed."}
}

// ToggleCollectionSync enables or disables a collection.
func (s *Service) ToggleCollectionSync(ctx context.Context, name string, enabled bool) bool {
	if err := s.collections.Toggle(ctx, name, enabled); err != nil {
		log.WithError(err).WithField("collection", name).Warn("Toggle failed")
		return false
	}
	s.publishStatus()
	return true
}

// DeleteCollectionROMs removes a collection's local files.
func (s *Service) DeleteCollectionROMs(name string) bool {
	if _, err := s.collections.DeleteFiles(name); err != nil {
		log.WithError(err).WithField("collection", name).Warn("Delete failed")
		return false
	}
	s.publishStatus()
	return true
}

// GetConfig returns the redacted configuration view.
func (s *Service) GetConfig() ConfigView {
	s.mu.Lock()
	cfg := s.cfg
	s.mu.Unlock()

	_, retrodeck := config.DetectRetroDECK()
	return ConfigView{
		URL:               cfg.Server.URL,
		Username:          cfg.Server.Username,
		HasPassword:       cfg.HasPassword(),
		RomDirectory:      cfg.Directories.Roms,
		SaveDirectory:     cfg.Directories.Saves,
		StateDirectory:    cfg.Directories.States,
		BiosDirectory:     cfg.Directories.Bios,
		DeviceName:        cfg.Device.Name,
		Configured:        cfg.Configured(),
		RetroDECKDetected: retrodeck,
	}
}

// SaveConfig validates and persists new settings, swapping the server
// client over to the new credentials.
func (s *Service) SaveConfig(update ConfigUpdate) Result {
	if err := validateUpdate(update); err != nil {
		return Result{Success: false, Message: errors.GetPrintableMessage(err)}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cfg := s.cfg
	cfg.Server.URL = strings.TrimRight(strings.TrimSpace(update.URL), "/")
	cfg.Server.Username = strings.TrimSpace(update.Username)
	if update.Password != "" {
		cfg.SetPassword(update.Password)
	}
	if update.RomDirectory != "" {
		cfg.Directories.Roms = update.RomDirectory
	}
	if update.SaveDirectory != "" {
		cfg.Directories.Saves = update.SaveDirectory
	}
	if update.BiosDirectory != "" {
		cfg.Directories.Bios = update.BiosDirectory
	}
	if update.DeviceName != "" {
		cfg.Device.Name = update.DeviceName
	}

	if err := config.Write(cfg); err != nil {
		return Result{Success: false, Message: errors.GetPrintableMessage(err)}
	}
	s.cfg = cfg
	s.client = s.buildClient(cfg)
	return Result{Success: true}
}

func validateUpdate(update ConfigUpdate) error {
	url := strings.TrimSpace(update.URL)
	if url == "" {
		return errors.MissingFieldError{Field: "Server URL"}
	}
	if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
		return errors.NewFriendlyError("Server URL must start with http:// or https://.")
	}
	if strings.TrimSpace(update.Username) == "" {
		return errors.MissingFieldError{Field: "Username"}
	}
	return nil
}

// TestConnection probes the given server without touching the stored
// configuration.
func (s *Service) TestConnection(ctx context.Context, url, username, password string) Result {
	probe := romm.New(romm.Options{
		BaseURL:  url,
		Username: username,
		Password: password,
	})
	if err := probe.TestConnection(ctx); err != nil {
		return Result{Success: false, Message: errors.GetPrintableMessage(err)}
	}
	return Result{Success: true, Message: "Connection successful."}
}

// ResetAllSettings cancels all transfers, deletes every downloaded rom
// and clears persisted sync state. The configuration file is preserved.
func (s *Service) ResetAllSettings() ResetResult {
	for _, collection := range s.catalog.Collections() {
		s.sched.CancelCollection(collection.Name)
	}

	deleted, err := s.collections.DeleteAllFiles()
	if err != nil {
		log.WithError(err).Warn("Reset could not delete every file")
	}
	if err := s.store.Reset(); err != nil {
		log.WithError(err).Warn("Reset could not clear persisted state")
		return ResetResult{Success: false, DeletedRoms: deleted}
	}
	s.collections.Reset()
	s.publishStatus()
	return ResetResult{Success: true, DeletedRoms: deleted}
}

// GetLoggingEnabled reports whether verbose logging is on.
func (s *Service) GetLoggingEnabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.LoggingEnabled
}

// SetLoggingEnabled toggles verbose logging and persists the choice.
func (s *Service) SetLoggingEnabled(enabled bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.cfg.LoggingEnabled = enabled
	if enabled {
		log.SetLevel(log.DebugLevel)
	} else {
		log.SetLevel(log.InfoLevel)
	}
	if err := config.Write(s.cfg); err != nil {
		log.WithError(err).Warn("Failed to persist logging setting")
	}
	return s.cfg.LoggingEnabled
}

// EnableRetroArchSetting fixes the RetroArch misconfiguration behind a
// warning.
func (s *Service) EnableRetroArchSetting(warningType string) Result {
	message, err := retroarch.EnableSetting(retroarch.WarningType(warningType))
	if err != nil {
		return Result{Success: false, Message: errors.GetPrintableMessage(err)}
	}
	s.publishStatus()
	return Result{Success: true, Message: message}
}

// Close releases the service's resources.
func (s *Service) Close() error {
	return s.store.Close()
}
