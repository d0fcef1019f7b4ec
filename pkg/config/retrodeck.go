package config

import (
	"path/filepath"
)

// RetroDECKPaths are the default sync directories of a RetroDECK install.
type RetroDECKPaths struct {
	Roms   string
	Saves  string
	States string
	Bios   string
}

// DetectRetroDECK checks whether RetroDECK is installed by probing its
// well-known directories. The flatpak config directory exists even when
// the user moved the retrodeck home, so both are checked.
func DetectRetroDECK() (RetroDECKPaths, bool) {
	home, err := homedirExpand("~")
	if err != nil {
		return RetroDECKPaths{}, false
	}

	retrodeckHome := filepath.Join(home, "retrodeck")
	flatpakConfig := filepath.Join(home, ".var", "app", "net.retrodeck.retrodeck")

	found := false
	for _, probe := range []string{retrodeckHome, flatpakConfig} {
		if ok, err := dirExists(probe); err == nil && ok {
			found = true
			break
		}
	}
	if !found {
		return RetroDECKPaths{}, false
	}

	return RetroDECKPaths{
		Roms:   filepath.Join(retrodeckHome, "roms"),
		Saves:  filepath.Join(retrodeckHome, "saves"),
		States: filepath.Join(retrodeckHome, "states"),
		Bios:   filepath.Join(retrodeckHome, "bios"),
	}, true
}

func dirExists(path string) (bool, error) {
	fi, err := fs.Stat(path)
	if err != nil {
		return false, err
	}
	return fi.IsDir(), nil
}
