package cores

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMatchUnknownPlatform(t *testing.T) {
	assert.Nil(t, Match("vectrex2000", "bin"))
}

func TestMatchGenericPlatform(t *testing.T) {
	profiles := Match("snes", "sfc")
	require.NotEmpty(t, profiles)
	assert.Equal(t, "snes9x", profiles[0].Core)
	assert.True(t, profiles[0].Preferred)
	for _, profile := range profiles[1:] {
		assert.False(t, profile.Preferred)
	}
}

func TestMatchExtensionSpecificity(t *testing.T) {
	// A .pbp image ranks the CD-capable cores ahead of the platform
	// default.
	profiles := Match("psx", ".pbp")
	require.NotEmpty(t, profiles)
	assert.Equal(t, "pcsx_rearmed", profiles[0].Core)

	// Without the extension hint the platform default leads.
	profiles = Match("psx", "bin")
	require.NotEmpty(t, profiles)
	assert.Equal(t, "beetle_psx_hw", profiles[0].Core)
}

func TestMatchDeduplicates(t *testing.T) {
	profiles := Match("psx", "chd")
	seen := map[string]bool{}
	for _, profile := range profiles {
		assert.False(t, seen[profile.Core], "core %s appears twice", profile.Core)
		seen[profile.Core] = true
	}
}

func TestMatchIsDeterministic(t *testing.T) {
	first := Match("genesis", "cue")
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, Match("genesis", "cue"))
	}
}

func TestMatchNormalizesInput(t *testing.T) {
	assert.Equal(t, Match("snes", "sfc"), Match(" SNES ", ".SFC"))
}

func TestSaveDirName(t *testing.T) {
	assert.Equal(t, "Snes9x", SaveDirName("snes9x"))
	assert.Equal(t, "Genesis Plus GX", SaveDirName("genesis_plus_gx"))
	// Unmapped cores fall back to their own name.
	assert.Equal(t, "somecore", SaveDirName("somecore"))
}

func TestRelevant(t *testing.T) {
	assert.True(t, Relevant("psx"))
	assert.False(t, Relevant("win3.1"))
}
