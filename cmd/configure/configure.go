package configure

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/crypto/ssh/terminal"

	"github.com/rommsync/rommsync/cmd/util"
	"github.com/rommsync/rommsync/pkg/config"
	"github.com/rommsync/rommsync/pkg/errors"
	"github.com/rommsync/rommsync/pkg/romm"
)

// New creates a new `configure` command.
func New() *cobra.Command {
	var flags struct {
		url, username, password      string
		romDir, saveDir, biosDir     string
		deviceName                   string
		skipConnectionCheck, noInput bool
	}

	cmd := &cobra.Command{
		Use:   "configure",
		Short: "Set up the connection to the RomM server.",
		Long: "Set up the connection to the RomM server and the local\n" +
			"directories used for roms, saves and BIOS files. Values not\n" +
			"given as flags are prompted for interactively.",
		Run: func(_ *cobra.Command, _ []string) {
			err := run(flags.url, flags.username, flags.password,
				flags.romDir, flags.saveDir, flags.biosDir, flags.deviceName,
				flags.skipConnectionCheck, flags.noInput)
			if err != nil {
				util.HandleFatalError(err)
			}
		},
	}

	cmd.Flags().StringVar(&flags.url, "url", "", "RomM server URL.")
	cmd.Flags().StringVar(&flags.username, "username", "", "RomM username.")
	cmd.Flags().StringVar(&flags.password, "password", "",
		"RomM password. Prompted for when omitted.")
	cmd.Flags().StringVar(&flags.romDir, "rom-dir", "", "Directory for downloaded roms.")
	cmd.Flags().StringVar(&flags.saveDir, "save-dir", "", "Directory holding save files.")
	cmd.Flags().StringVar(&flags.biosDir, "bios-dir", "", "Directory holding BIOS files.")
	cmd.Flags().StringVar(&flags.deviceName, "device-name", "",
		"Name identifying this device to the server.")
	cmd.Flags().BoolVar(&flags.skipConnectionCheck, "skip-connection-check", false,
		"Save the configuration without probing the server.")
	cmd.Flags().BoolVar(&flags.noInput, "no-input", false,
		"Fail instead of prompting for missing values.")
	return cmd
}

func run(url, username, password, romDir, saveDir, biosDir, deviceName string,
	skipConnectionCheck, noInput bool) error {

	cfg, err := config.Parse()
	if err != nil {
		return err
	}

	reader := bufio.NewReader(os.Stdin)
	if url == "" {
		if url, err = promptValue(reader, "Server URL", cfg.Server.URL, noInput); err != nil {
			return err
		}
	}
	if username == "" {
		if username, err = promptValue(reader, "Username", cfg.Server.Username, noInput); err != nil {
			return err
		}
	}
	if password == "" && !cfg.HasPassword() {
		if password, err = promptPassword(noInput); err != nil {
			return err
		}
	}

	cfg.Server.URL = strings.TrimRight(strings.TrimSpace(url), "/")
	cfg.Server.Username = strings.TrimSpace(username)
	if password != "" {
		cfg.SetPassword(password)
	}
	if romDir != "" {
		cfg.Directories.Roms = romDir
	}
	if saveDir != "" {
		cfg.Directories.Saves = saveDir
	}
	if biosDir != "" {
		cfg.Directories.Bios = biosDir
	}
	if deviceName != "" {
		cfg.Device.Name = deviceName
	}

	if !skipConnectionCheck {
		client := romm.New(romm.Options{
			BaseURL:  cfg.Server.URL,
			Username: cfg.Server.Username,
			Password: cfg.GetPassword(),
		})
		if err := client.TestConnection(context.Background()); err != nil {
			return errors.WithContext(err, "test connection")
		}
		fmt.Println("Connection to RomM verified.")
	}

	if err := config.Write(cfg); err != nil {
		return errors.WithContext(err, "save config")
	}

	path, _ := config.Path()
	fmt.Printf("Configuration saved to %s.\n", path)
	fmt.Println("Run `rommsync daemon` to start syncing.")
	return nil
}

func promptValue(reader *bufio.Reader, label, current string, noInput bool) (string, error) {
	if noInput {
		if current != "" {
			return current, nil
		}
		return "", errors.NewFriendlyError("%s is required.", label)
	}

	if current != "" {
		fmt.Printf("%s [%s]: ", label, current)
	} else {
		fmt.Printf("%s: ", label)
	}

	line, err := reader.ReadString('\n')
	if err != nil {
		return "", errors.WithContext(err, "read input")
	}
	if line = strings.TrimSpace(line); line != "" {
		return line, nil
	}
	return current, nil
}

func promptPassword(noInput bool) (string, error) {
	if noInput {
		return "", errors.NewFriendlyError("Password is required.")
	}

	fmt.Print("Password: ")
	password, err := terminal.ReadPassword(int(os.Stdin.Fd()))
	fmt.Println()
	if err != nil {
		return "", errors.WithContext(err, "read password")
	}
	return string(password), nil
}
