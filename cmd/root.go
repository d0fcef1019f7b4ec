package cmd

import (
	"os"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/rommsync/rommsync/cmd/collections"
	"github.com/rommsync/rommsync/cmd/configure"
	"github.com/rommsync/rommsync/cmd/daemon"
	"github.com/rommsync/rommsync/cmd/status"
	"github.com/rommsync/rommsync/cmd/util"
	"github.com/rommsync/rommsync/cmd/version"
)

// verboseLogKey is the environment variable used to enable verbose logging.
// When it's set to `true`, Debug events are logged, rather than just Info and
// above.
const verboseLogKey = "ROMMSYNC_LOG_VERBOSE"

// Execute runs the main CLI process.
func Execute() {
	if os.Getenv(verboseLogKey) == "true" {
		log.SetLevel(log.DebugLevel)
	}

	rootCmd := &cobra.Command{
		Use:          "rommsync",
		Short:        "Keep a RetroArch device in sync with a RomM library.",
		SilenceUsage: true,

		// The call to rootCmd.Execute prints the error, so we silence errors
		// here to avoid double printing.
		SilenceErrors: true,
	}
	rootCmd.AddCommand(
		collections.New(),
		configure.New(),
		daemon.New(),
		status.New(),
		version.New(),
	)

	if err := rootCmd.Execute(); err != nil {
		util.HandleFatalError(err)
	}
}
