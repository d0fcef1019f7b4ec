package version

import (
	"context"
	"fmt"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/rommsync/rommsync/cmd/util"
	"github.com/rommsync/rommsync/pkg/config"
	"github.com/rommsync/rommsync/pkg/romm"
	"github.com/rommsync/rommsync/pkg/version"
)

// New creates a new `version` command.
func New() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the local and server version.",
		Run: func(_ *cobra.Command, _ []string) {
			if err := run(); err != nil {
				util.HandleFatalError(err)
			}
		},
	}
}

func run() error {
	fmt.Printf("rommsync version: %s\n", version.Version)

	cfg, err := config.Parse()
	if err != nil {
		return err
	}
	if !cfg.Configured() {
		return nil
	}

	client := romm.New(romm.Options{
		BaseURL:  cfg.Server.URL,
		Username: cfg.Server.Username,
		Password: cfg.GetPassword(),
	})
	serverVersion, err := client.ServerVersion(context.Background())
	if err != nil {
		log.WithError(err).Debug("Failed to fetch server version")
		fmt.Println("server version:   unavailable")
		return nil
	}

	fmt.Printf("server version:   %s\n", serverVersion)
	return nil
}
