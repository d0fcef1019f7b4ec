package daemon

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/rommsync/rommsync/cmd/util"
	"github.com/rommsync/rommsync/pkg/config"
	"github.com/rommsync/rommsync/pkg/errors"
	"github.com/rommsync/rommsync/pkg/logfile"
	"github.com/rommsync/rommsync/pkg/service"
)

// New creates a new `daemon` command.
func New() *cobra.Command {
	var listenAddr string
	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Run the sync daemon.",
		Long: "Run the sync daemon. It keeps enabled collections, BIOS files\n" +
			"and save data in sync with the RomM server, and serves the local\n" +
			"API used by `rommsync status` and the other commands.",
		Run: func(_ *cobra.Command, _ []string) {
			if err := run(listenAddr); err != nil {
				util.HandleFatalError(err)
			}
		},
	}
	cmd.Flags().StringVar(&listenAddr, "listen", "",
		"Address for the local API (defaults to loopback).")
	return cmd
}

func run(listenAddr string) error {
	cfg, err := config.Parse()
	if err != nil {
		return err
	}
	if !cfg.Configured() {
		return errors.NewFriendlyError(
			"rommsync isn't configured yet. Run `rommsync configure` first.")
	}

	if err := setupLogFile(); err != nil {
		log.WithError(err).Warn("Failed to set up log file, logging to stderr only")
	}
	if cfg.LoggingEnabled {
		log.SetLevel(log.DebugLevel)
	}

	svc, err := service.New(cfg)
	if err != nil {
		return err
	}
	defer svc.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-signals
		log.WithField("signal", sig.String()).Info("Shutting down")
		cancel()
	}()

	server := service.NewServerWithConfig(svc, service.ServerConfig{Addr: listenAddr})
	go func() {
		if err := server.ListenAndServe(ctx); err != nil && ctx.Err() == nil {
			log.WithError(err).Error("API server failed")
			cancel()
		}
	}()

	if err := svc.Run(ctx); err != nil && err != context.Canceled {
		return err
	}
	return nil
}

func setupLogFile() error {
	dataDir, err := config.DataDir()
	if err != nil {
		return err
	}

	hook, err := logfile.NewHook(filepath.Join(dataDir, "rommsync.log"))
	if err != nil {
		return err
	}
	log.AddHook(hook)
	return nil
}
