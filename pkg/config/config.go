package config

import (
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/ghodss/yaml"
	homedir "github.com/mitchellh/go-homedir"
	"github.com/spf13/afero"

	"github.com/rommsync/rommsync/pkg/errors"
)

const (
	// ConfigPath is the default path to the rommsync config.
	ConfigPath = "~/.config/rommsync/config.yaml"

	// InitialConfigVersion is the first version of the rommsync config.
	// Config files that do not specify a version default to this version.
	InitialConfigVersion = "v1alpha1"

	// SupportedConfigVersion is the config version supported by the
	// current rommsync binary.
	SupportedConfigVersion = "v1alpha1"
)

// parseConfigErrTemplate is a template for when we fail to parse yaml
// configuration files. This can happen for a multitude of reasons,
// including extraneous fields and incorrect field types. However, the
// yaml library constructs errors in a way that loses context, and so we
// can only pass the error message on.
const parseConfigErrTemplate = "Configuration file could not be parsed. " +
	"Please review %q.\n" +
	"Common pitfalls include:\n" +
	" - Using the wrong types for fields\n" +
	" - Having extra fields inside the config file\n\n" +
	"For reference, here is the error from the parser:\n" +
	"%s"

// ConflictPolicy decides what happens when a save artifact has equal
// timestamps on both sides but differing hashes.
type ConflictPolicy string

const (
	// PreferRemote downloads the server copy and logs the discrepancy.
	PreferRemote ConflictPolicy = "prefer-remote"

	// PreferLocal keeps the local copy and uploads it.
	PreferLocal ConflictPolicy = "prefer-local"
)

// Server holds the connection settings for the RomM server. The password
// is stored opaquely (base64) rather than encrypted -- the config file is
// only readable by the user, and real secret storage is out of scope.
type Server struct {
	URL      string `json:"url"`
	Username string `json:"username"`
	Password string `json:"password,omitempty"`
}

// Directories holds the local directories the sync engine reads and
// writes.
type Directories struct {
	Roms   string `json:"roms"`
	Saves  string `json:"saves"`
	States string `json:"states,omitempty"`
	Bios   string `json:"bios"`
}

// Device identifies this machine to the server so save artifacts can be
// namespaced per physical device.
type Device struct {
	Name string `json:"name"`
}

// Sync holds the tunables of the sync engine.
type Sync struct {
	IntervalSeconds int            `json:"intervalSeconds,omitempty"`
	MaxConcurrent   int            `json:"maxConcurrent,omitempty"`
	MaxAttempts     int            `json:"maxAttempts,omitempty"`
	ConflictPolicy  ConflictPolicy `json:"conflictPolicy,omitempty"`
	AutoDownload    *bool          `json:"autoDownload,omitempty"`
	AutoDelete      bool           `json:"autoDelete,omitempty"`
}

// Config is the on-disk configuration of the sync daemon.
type Config struct {
	Version        string      `json:"version,omitempty"`
	Server         Server      `json:"server"`
	Directories    Directories `json:"directories"`
	Device         Device      `json:"device"`
	Sync           Sync        `json:"sync"`
	LoggingEnabled bool        `json:"loggingEnabled,omitempty"`
}

func (c Config) getVersion() string {
	return c.Version
}

// homedirExpand will be overridden in mock tests.
var homedirExpand = homedir.Expand

// Parse reads the config from the default path and fills in defaults.
// A missing config file is not an error: it parses to the default config
// with Configured() == false.
func Parse() (Config, error) {
	path, err := Path()
	if err != nil {
		return Config{}, errors.WithContext(err, "expand config path")
	}

	config := Config{Version: SupportedConfigVersion}
	if err := parseConfig(path, &config, SupportedConfigVersion); err != nil {
		if _, ok := err.(errors.FileNotFound); !ok {
			return Config{}, errors.WithContext(err, "parse")
		}
	}

	applyDefaults(&config)
	return config, nil
}

// Write writes the given config to disk.
func Write(cfg Config) error {
	cfg.Version = SupportedConfigVersion
	path, err := Path()
	if err != nil {
		return errors.WithContext(err, "expand config path")
	}

	yamlBytes, err := yaml.Marshal(cfg)
	if err != nil {
		return errors.WithContext(err, "marshal")
	}

	if err := fs.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return errors.WithContext(err, "create config dir")
	}
	if err := afero.WriteFile(fs, path, yamlBytes, 0600); err != nil {
		return errors.WithContext(err, "write")
	}
	return nil
}

// Path returns the expanded path to the config file.
func Path() (string, error) {
	return homedirExpand(ConfigPath)
}

// DataDir returns the directory holding the daemon's runtime state (the
// sqlite state database, the status file, and the log file).
func DataDir() (string, error) {
	path, err := Path()
	if err != nil {
		return "", err
	}
	return filepath.Dir(path), nil
}

// Configured reports whether enough settings are present to talk to the
// server and place files.
func (c Config) Configured() bool {
	return c.Server.URL != "" && c.Server.Username != "" &&
		c.Directories.Roms != "" && c.Directories.Saves != ""
}

// HasPassword reports whether a password is stored, without exposing it.
func (c Config) HasPassword() bool {
	return c.Server.Password != ""
}

// SetPassword stores the password opaquely.
func (c *Config) SetPassword(plain string) {
	if plain == "" {
		c.Server.Password = ""
		return
	}
	c.Server.Password = base64.StdEncoding.EncodeToString([]byte(plain))
}

// GetPassword returns the stored password in the clear.
func (c Config) GetPassword() string {
	if c.Server.Password == "" {
		return ""
	}
	decoded, err := base64.StdEncoding.DecodeString(c.Server.Password)
	if err != nil {
		// Pre-1.0 configs stored the password in the clear.
		return c.Server.Password
	}
	return string(decoded)
}

// Interval returns the reconciliation interval.
func (c Config) Interval() time.Duration {
	return time.Duration(c.Sync.IntervalSeconds) * time.Second
}

// AutoDownload reports whether newly added collection games should be
// fetched automatically.
func (c Config) AutoDownload() bool {
	if c.Sync.AutoDownload == nil {
		return true
	}
	return *c.Sync.AutoDownload
}

func applyDefaults(c *Config) {
	home, err := homedirExpand("~")
	if err != nil {
		home = "."
	}

	if paths, ok := DetectRetroDECK(); ok {
		if c.Directories.Roms == "" {
			c.Directories.Roms = paths.Roms
		}
		if c.Directories.Saves == "" {
			c.Directories.Saves = paths.Saves
		}
		if c.Directories.States == "" {
			c.Directories.States = paths.States
		}
		if c.Directories.Bios == "" {
			c.Directories.Bios = paths.Bios
		}
	}

	if c.Directories.Roms == "" {
		c.Directories.Roms = filepath.Join(home, "RomMSync", "roms")
	}
	if c.Directories.Saves == "" {
		c.Directories.Saves = filepath.Join(home, "RomMSync", "saves")
	}
	if c.Directories.States == "" {
		c.Directories.States = filepath.Join(home, "RomMSync", "states")
	}
	if c.Directories.Bios == "" {
		c.Directories.Bios = filepath.Join(home, "RomMSync", "bios")
	}
	if c.Device.Name == "" {
		if hostname, err := os.Hostname(); err == nil && hostname != "" {
			c.Device.Name = hostname
		} else {
			c.Device.Name = "rommsync"
		}
	}
	if c.Sync.IntervalSeconds <= 0 {
		c.Sync.IntervalSeconds = 120
	}
	if c.Sync.MaxConcurrent <= 0 {
		c.Sync.MaxConcurrent = 3
	}
	if c.Sync.MaxAttempts <= 0 {
		c.Sync.MaxAttempts = 3
	}
	if c.Sync.ConflictPolicy == "" {
		c.Sync.ConflictPolicy = PreferRemote
	}
}

type configInterface interface {
	getVersion() string
}

type incompatibleVersionError struct {
	path, exp, actual string
}

func (err incompatibleVersionError) Error() string {
	return err.FriendlyMessage()
}

func (err incompatibleVersionError) FriendlyMessage() string {
	return fmt.Sprintf("The configuration file %q is incompatible "+
		"with this version of rommsync.\n"+
		"Expected version %q, but got %q.", err.path, err.exp, err.actual)
}

func parseConfig(path string, config configInterface, expVersion string) error {
	configBytes, err := afero.ReadFile(fs, path)
	if err != nil {
		if os.IsNotExist(err) {
			return errors.FileNotFound{Path: path}
		}
		return errors.WithContext(err, "read file")
	}

	err = yaml.Unmarshal(configBytes, config)
	if err != nil {
		return errors.NewFriendlyError(parseConfigErrTemplate, path, err)
	}

	if config.getVersion() != expVersion {
		return incompatibleVersionError{path, expVersion, config.getVersion()}
	}

	// Do a strict unmarshal to check for any extra fields. We do a
	// non-strict unmarshal first so that we can catch version errors
	// before erroring on extra fields.
	err = yaml.UnmarshalStrict(configBytes, config, yaml.DisallowUnknownFields)
	if err != nil {
		return errors.NewFriendlyError(parseConfigErrTemplate, path, err)
	}
	return nil
}
