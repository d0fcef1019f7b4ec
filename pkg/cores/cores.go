/*
The cores package maps platform identifiers to the RetroArch cores that
can run them. The tables are static and the matching is pure, so the
same inputs always yield the same profiles regardless of sync state.

The BIOS provisioner uses a platform's match result to decide whether
the platform is relevant at all; the save synchronizer uses a core's
save directory name to locate artifacts on disk.
*/
package cores

import (
	"sort"
	"strings"
)

// Profile describes one core capable of running a platform.
type Profile struct {
	// Core is the libretro core name, e.g. "snes9x".
	Core string

	// SaveDir is the subdirectory RetroArch uses for this core's saves
	// when sorted by content directory, e.g. "Snes9x".
	SaveDir string

	// Preferred marks the default core for the platform.
	Preferred bool
}

// platformCores lists compatible cores per platform slug, preferred
// core first. The order is deliberate and is preserved by Match.
var platformCores = map[string][]string{
	"snes":      {"snes9x", "bsnes", "mesen-s"},
	"nes":       {"nestopia", "fceumm", "mesen"},
	"gba":       {"mgba", "vba_next", "vbam"},
	"gbc":       {"sameboy", "gambatte", "tgbdual"},
	"gb":        {"sameboy", "gambatte", "tgbdual"},
	"psx":       {"beetle_psx_hw", "beetle_psx", "pcsx_rearmed", "swanstation"},
	"ps2":       {"pcsx2", "play"},
	"psp":       {"ppsspp"},
	"genesis":   {"genesis_plus_gx", "blastem", "picodrive"},
	"megadrive": {"genesis_plus_gx", "blastem", "picodrive"},
	"segacd":    {"genesis_plus_gx", "picodrive"},
	"n64":       {"mupen64plus_next", "parallel_n64"},
	"nds":       {"desmume", "melonds"},
	"3ds":       {"citra"},
	"ngc":       {"dolphin"},
	"saturn":    {"beetle_saturn", "kronos"},
	"dc":        {"flycast", "redream"},
	"arcade":    {"mame", "fbneo", "fbalpha"},
	"mame":      {"mame"},
	"fbneo":     {"fbneo"},
	"neogeo":    {"fbneo", "mame"},
	"pcengine":  {"beetle_pce", "beetle_pce_fast"},
	"tg16":      {"beetle_pce", "beetle_pce_fast"},
	"atari2600": {"stella"},
	"atari7800": {"prosystem"},
	"lynx":      {"handy", "beetle_lynx"},
	"3do":       {"opera", "4do"},
	"msx":       {"bluemsx", "fmsx"},
	"amiga":     {"puae", "fsuae"},
}

// extensionCores narrows the match when a file extension implies a
// specific core within a platform. Extension-qualified matches rank
// ahead of the platform's generic list.
var extensionCores = map[string]map[string][]string{
	"psx": {
		// .chd and .pbp images need a core with CD image support.
		"chd": {"beetle_psx_hw", "swanstation"},
		"pbp": {"pcsx_rearmed", "swanstation"},
	},
	"genesis": {
		// Sega CD images only run on the CD-capable cores.
		"cue": {"genesis_plus_gx", "picodrive"},
		"chd": {"genesis_plus_gx", "picodrive"},
	},
	"arcade": {
		"zip": {"mame", "fbneo"},
	},
}

// saveDirNames maps core names to the directory names RetroArch uses
// for per-core save sorting.
var saveDirNames = map[string]string{
	"snes9x":           "Snes9x",
	"bsnes":            "bsnes",
	"mesen-s":          "Mesen-S",
	"nestopia":         "Nestopia",
	"fceumm":           "FCEUmm",
	"mesen":            "Mesen",
	"mgba":             "mGBA",
	"vba_next":         "VBA Next",
	"vbam":             "VBA-M",
	"gambatte":         "Gambatte",
	"sameboy":          "SameBoy",
	"tgbdual":          "TGB Dual",
	"beetle_psx":       "Beetle PSX",
	"beetle_psx_hw":    "Beetle PSX HW",
	"pcsx_rearmed":     "PCSX-ReARMed",
	"swanstation":      "SwanStation",
	"pcsx2":            "pcsx2",
	"ppsspp":           "PPSSPP",
	"genesis_plus_gx":  "Genesis Plus GX",
	"blastem":          "BlastEm",
	"picodrive":        "PicoDrive",
	"mupen64plus_next": "Mupen64Plus-Next",
	"parallel_n64":     "ParaLLEl N64",
	"desmume":          "DeSmuME",
	"melonds":          "melonDS",
	"citra":            "Citra",
	"dolphin":          "dolphin-emu",
	"beetle_saturn":    "Beetle Saturn",
	"kronos":           "Kronos",
	"flycast":          "Flycast",
	"redream":          "redream",
	"mame":             "MAME",
	"fbneo":            "FinalBurn Neo",
	"fbalpha":          "FB Alpha",
	"beetle_pce":       "Beetle PCE",
	"beetle_pce_fast":  "Beetle PCE Fast",
	"stella":           "Stella",
	"prosystem":        "ProSystem",
	"handy":            "Handy",
	"beetle_lynx":      "Beetle Lynx",
	"opera":            "Opera",
	"4do":              "4DO",
	"bluemsx":          "blueMSX",
	"fmsx":             "fMSX",
	"puae":             "PUAE",
	"fsuae":            "FS-UAE",
}

// Match returns the execution profiles compatible with a platform and
// file extension, most specific first: cores matched through the
// extension tables come before the platform's generic list, and within
// each group the preferred core leads. Unknown platforms yield nil.
func Match(platformSlug, fileExtension string) []Profile {
	slug := strings.ToLower(strings.TrimSpace(platformSlug))
	ext := strings.ToLower(strings.TrimPrefix(strings.TrimSpace(fileExtension), "."))

	generic := platformCores[slug]
	if len(generic) == 0 {
		return nil
	}

	var ordered []string
	if byExt, ok := extensionCores[slug]; ok {
		ordered = append(ordered, byExt[ext]...)
	}
	for _, core := range generic {
		ordered = append(ordered, core)
	}

	seen := map[string]bool{}
	var profiles []Profile
	for _, core := range ordered {
		if seen[core] {
			continue
		}
		seen[core] = true
		profiles = append(profiles, Profile{
			Core:      core,
			SaveDir:   SaveDirName(core),
			Preferred: len(profiles) == 0,
		})
	}
	return profiles
}

// Relevant reports whether any core exists for the platform. Platforms
// with no match are skipped by the BIOS provisioner.
func Relevant(platformSlug string) bool {
	_, ok := platformCores[strings.ToLower(strings.TrimSpace(platformSlug))]
	return ok
}

// SaveDirName returns the RetroArch save directory name for a core,
// falling back to the core name itself for cores we have no mapping
// for.
func SaveDirName(core string) string {
	if name, ok := saveDirNames[core]; ok {
		return name
	}
	return core
}

// Platforms returns all known platform slugs, sorted.
func Platforms() []string {
	slugs := make([]string, 0, len(platformCores))
	for slug := range platformCores {
		slugs = append(slugs, slug)
	}
	sort.Strings(slugs)
	return slugs
}
