/*
The retroarch package inspects and edits retroarch.cfg. The sync engine
depends on two RetroArch settings: network commands (so a running game
can be told a new save state arrived) and save state thumbnails (so
synced states carry a preview). When either is off, the status snapshot
carries an actionable warning and EnableSetting can flip it.
*/
package retroarch

import (
	"bufio"
	"bytes"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	homedir "github.com/mitchellh/go-homedir"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/rommsync/rommsync/pkg/errors"
)

// WarningType identifies a fixable RetroArch misconfiguration.
type WarningType string

const (
	WarningNetworkCommands     WarningType = "network_commands"
	WarningSavestateThumbnails WarningType = "savestate_thumbnails"
)

// NetworkCmdPort is the UDP port RetroArch listens on for network
// commands.
const NetworkCmdPort = 55355

// Warning is one actionable configuration problem.
type Warning struct {
	Type    WarningType `json:"type"`
	Message string      `json:"message"`
}

// configDirs lists where retroarch.cfg may live, most specific install
// first. RetroDECK leads since this tool primarily targets it.
var configDirs = []string{
	"~/.var/app/net.retrodeck.retrodeck/config/retroarch",
	"~/retrodeck",
	"~/.var/app/org.libretro.RetroArch/config/retroarch",
	"~/.config/retroarch",
	"~/.retroarch",
	"~/snap/retroarch/current/.config/retroarch",
}

var homedirExpand = homedir.Expand

// ConfigPath returns the path of the first retroarch.cfg found, or an
// empty string if no RetroArch installation is detected.
func ConfigPath() string {
	for _, dir := range configDirs {
		expanded, err := homedirExpand(dir)
		if err != nil {
			continue
		}
		path := filepath.Join(expanded, "retroarch.cfg")
		if exists, _ := afero.Exists(fs, path); exists {
			return path
		}
	}
	return ""
}

// Check returns the warnings currently applicable. A missing
// installation produces no warnings since there is nothing actionable
// to fix.
func Check() []Warning {
	path := ConfigPath()
	if path == "" {
		return nil
	}

	settings, err := readSettings(path)
	if err != nil {
		log.WithError(err).WithField("path", path).
			Warn("Could not read retroarch.cfg")
		return nil
	}

	var warnings []Warning
	if settings["network_cmd_enable"] != "true" {
		warnings = append(warnings, Warning{
			Type:    WarningNetworkCommands,
			Message: "Network commands are disabled in RetroArch; in-game save reloads will not work.",
		})
	} else if port, err := strconv.Atoi(settings["network_cmd_port"]); err == nil && port != NetworkCmdPort {
		warnings = append(warnings, Warning{
			Type:    WarningNetworkCommands,
			Message: fmt.Sprintf("RetroArch network command port is %d, expected %d.", port, NetworkCmdPort),
		})
	}
	if settings["savestate_thumbnail_enable"] != "true" {
		warnings = append(warnings, Warning{
			Type:    WarningSavestateThumbnails,
			Message: "Save state thumbnails are disabled in RetroArch; synced states will have no previews.",
		})
	}
	return warnings
}

// EnableSetting flips the settings behind a warning in retroarch.cfg,
// editing lines in place and appending any that are absent. RetroArch
// must be restarted to pick up the change.
func EnableSetting(warningType WarningType) (string, error) {
	path := ConfigPath()
	if path == "" {
		return "", errors.NewFriendlyError("No RetroArch installation found.")
	}

	var wanted map[string]string
	switch warningType {
	case WarningNetworkCommands:
		wanted = map[string]string{
			"network_cmd_enable": "true",
			"network_cmd_port":   strconv.Itoa(NetworkCmdPort),
		}
	case WarningSavestateThumbnails:
		wanted = map[string]string{
			"savestate_thumbnail_enable": "true",
		}
	default:
		return "", errors.NewFriendlyError("Unknown setting type %q.", warningType)
	}

	if err := applySettings(path, wanted); err != nil {
		return "", err
	}
	return "Setting enabled. Restart RetroArch to apply.", nil
}

// readSettings parses retroarch.cfg's `key = "value"` lines.
func readSettings(path string) (map[string]string, error) {
	contents, err := afero.ReadFile(fs, path)
	if err != nil {
		return nil, errors.FilesystemError{Path: path, Cause: err}
	}

	settings := map[string]string{}
	scanner := bufio.NewScanner(bytes.NewReader(contents))
	for scanner.Scan() {
		key, value, ok := parseLine(scanner.Text())
		if ok {
			settings[key] = value
		}
	}
	return settings, scanner.Err()
}

func applySettings(path string, wanted map[string]string) error {
	contents, err := afero.ReadFile(fs, path)
	if err != nil {
		return errors.FilesystemError{Path: path, Cause: err}
	}

	remaining := map[string]string{}
	for key, value := range wanted {
		remaining[key] = value
	}

	var out []string
	scanner := bufio.NewScanner(bytes.NewReader(contents))
	for scanner.Scan() {
		line := scanner.Text()
		if key, _, ok := parseLine(line); ok {
			if value, replace := remaining[key]; replace {
				line = fmt.Sprintf("%s = %q", key, value)
				delete(remaining, key)
			}
		}
		out = append(out, line)
	}
	if err := scanner.Err(); err != nil {
		return errors.FilesystemError{Path: path, Cause: err}
	}

	for key, value := range remaining {
		out = append(out, fmt.Sprintf("%s = %q", key, value))
	}

	joined := strings.Join(out, "\n") + "\n"
	if err := afero.WriteFile(fs, path, []byte(joined), 0644); err != nil {
		return errors.FilesystemError{Path: path, Cause: err}
	}
	return nil
}

func parseLine(line string) (key, value string, ok bool) {
	line = strings.TrimSpace(line)
	if line == "" || strings.HasPrefix(line, "#") {
		return "", "", false
	}
	parts := strings.SplitN(line, "=", 2)
	if len(parts) != 2 {
		return "", "", false
	}
	key = strings.TrimSpace(parts[0])
	value = strings.Trim(strings.TrimSpace(parts[1]), `"`)
	return key, value, true
}
