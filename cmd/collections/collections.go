package collections

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/rommsync/rommsync/cmd/util"
	"github.com/rommsync/rommsync/pkg/errors"
	"github.com/rommsync/rommsync/pkg/service"
	"github.com/rommsync/rommsync/pkg/status"
)

// New creates a new `collections` command.
func New() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "collections",
		Short: "Manage which collections sync to this device.",
	}
	cmd.AddCommand(newList(), newToggle("enable", true), newToggle("disable", false), newDelete())
	return cmd
}

func newList() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List the collections on the server and their sync state.",
		Run: func(_ *cobra.Command, _ []string) {
			if err := runList(); err != nil {
				util.HandleFatalError(err)
			}
		},
	}
}

func runList() error {
	var snapshot status.Snapshot
	if err := util.NewAPIClient().Get("/api/status", &snapshot); err != nil {
		return err
	}

	writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "COLLECTION\tSYNC\tSTATE")
	for _, collection := range snapshot.Collections {
		sync := "off"
		if collection.AutoSync {
			sync = "on"
		}
		fmt.Fprintf(writer, "%s\t%s\t%s\n", collection.Name, sync, collection.SyncState)
	}
	return writer.Flush()
}

func newToggle(verb string, enabled bool) *cobra.Command {
	return &cobra.Command{
		Use:   verb + " COLLECTION",
		Short: fmt.Sprintf("%s syncing a collection to this device.",
			map[bool]string{true: "Start", false: "Stop"}[enabled]),
		Args: cobra.ExactArgs(1),
		Run: func(_ *cobra.Command, args []string) {
			if err := runToggle(args[0], enabled); err != nil {
				util.HandleFatalError(err)
			}
		},
	}
}

func runToggle(name string, enabled bool) error {
	var result service.Result
	err := util.NewAPIClient().Post("/api/collections/toggle",
		map[string]interface{}{"name": name, "enabled": enabled}, &result)
	if err != nil {
		return err
	}
	if !result.Success {
		return errors.NewFriendlyError("The daemon rejected the change. " +
			"Check `rommsync status` and the daemon log for details.")
	}

	if enabled {
		fmt.Printf("Syncing %q. Downloads run in the background.\n", name)
	} else {
		fmt.Printf("Stopped syncing %q. Local files are being removed.\n", name)
	}
	return nil
}

func newDelete() *cobra.Command {
	return &cobra.Command{
		Use:   "delete COLLECTION",
		Short: "Delete a collection's downloaded roms without disabling it.",
		Args:  cobra.ExactArgs(1),
		Run: func(_ *cobra.Command, args []string) {
			if err := runDelete(args[0]); err != nil {
				util.HandleFatalError(err)
			}
		},
	}
}

func runDelete(name string) error {
	var result service.Result
	err := util.NewAPIClient().Post("/api/collections/delete",
		map[string]string{"name": name}, &result)
	if err != nil {
		return err
	}
	if !result.Success {
		return errors.NewFriendlyError("The daemon could not delete the files. " +
			"Check the daemon log for details.")
	}

	fmt.Printf("Deleted the local files of %q.\n", name)
	return nil
}
