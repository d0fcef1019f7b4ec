package status

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/rommsync/rommsync/cmd/util"
	"github.com/rommsync/rommsync/pkg/status"
)

// New creates a new `status` command.
func New() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the sync status of collections, BIOS files and saves.",
		Run: func(_ *cobra.Command, _ []string) {
			if err := run(); err != nil {
				util.HandleFatalError(err)
			}
		},
	}
}

func run() error {
	var snapshot status.Snapshot
	if err := util.NewAPIClient().Get("/api/status", &snapshot); err != nil {
		return err
	}

	printSnapshot(os.Stdout, snapshot)
	return nil
}

func printSnapshot(out io.Writer, snapshot status.Snapshot) {
	if snapshot.Connected {
		fmt.Fprintf(out, "Connected to RomM as %q.\n", snapshot.DeviceName)
	} else {
		fmt.Fprintf(out, "Not connected: %s\n", snapshot.Message)
	}

	if disk := snapshot.Disk; disk != nil {
		fmt.Fprintf(out, "Disk: %s free of %s",
			humanize.IBytes(disk.FreeBytes), humanize.IBytes(disk.TotalBytes))
		if disk.Low {
			fmt.Fprint(out, " (low!)")
		}
		fmt.Fprintln(out)
	}

	fmt.Fprintln(out)
	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "COLLECTION\tSYNC\tSTATE\tPROGRESS\tSPEED")
	for _, collection := range snapshot.Collections {
		sync := "off"
		if collection.AutoSync {
			sync = "on"
		}

		progress := fmt.Sprintf("%d/%d", collection.Downloaded, collection.Total)
		speed := "-"
		if collection.Speed > 0 {
			speed = humanize.IBytes(uint64(collection.Speed)) + "/s"
		}
		fmt.Fprintf(writer, "%s\t%s\t%s\t%s\t%s\n",
			collection.Name, sync, collection.SyncState, progress, speed)
	}
	writer.Flush()

	if len(snapshot.Bios) > 0 {
		fmt.Fprintln(out)
		writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(writer, "PLATFORM\tBIOS")
		for _, platform := range snapshot.Bios {
			fmt.Fprintf(writer, "%s\t%s\n", platform.PlatformSlug, platform.Readiness)
		}
		writer.Flush()
	}

	for _, warning := range snapshot.Warnings {
		fmt.Fprintf(out, "\nWarning: %s\n", warning.Message)
	}
}
